package agent

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baileyji/M2FS-Control-sub000/internal/command"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

const replyWait = 2 * time.Second

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (s *recordingSink) Publish(event model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) has(eventType model.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range s.events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, a *Agent) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func (c *testClient) read() string {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(replyWait)))
	line, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSpace(line)
}

func (c *testClient) ask(line string) string {
	c.t.Helper()
	c.send(line)
	return c.read()
}

func startAgent(t *testing.T, settings Settings, handlers Table, opts ...Option) *Agent {
	t.Helper()
	if settings.Name == "" {
		settings.Name = "TestAgent"
	}
	if settings.Cookie == "" {
		settings.Cookie = "TestAgent v1.0"
	}
	if settings.ListenAddr == "" {
		settings.ListenAddr = "127.0.0.1:0"
	}
	if settings.PollInterval == 0 {
		settings.PollInterval = 50 * time.Millisecond
	}
	if settings.MaxClients == 0 {
		settings.MaxClients = 4
	}

	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	a, err := New(settings, handlers, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(replyWait):
			t.Error("agent did not stop")
		}
	})

	require.Eventually(t, a.Running, replyWait, 5*time.Millisecond)
	return a
}

func TestAgent_StatusReturnsCookie(t *testing.T) {
	a := startAgent(t, Settings{Cookie: "GalilAgent v1.0"}, nil)
	client := dial(t, a)

	assert.Equal(t, "GalilAgent v1.0", client.ask("STATUS"))
	assert.Equal(t, "GalilAgent v1.0", client.ask("status"), "names are case-insensitive")
}

func TestAgent_UnrecognizedCommand(t *testing.T) {
	a := startAgent(t, Settings{}, nil)
	client := dial(t, a)

	assert.Equal(t, ReplyUnrecognized, client.ask("PING"))
}

func TestAgent_BlankLinesIgnored(t *testing.T) {
	a := startAgent(t, Settings{}, nil)
	client := dial(t, a)

	client.send("")
	client.send("   ")
	assert.Equal(t, "TestAgent v1.0", client.ask("STATUS"))
}

func TestAgent_HandlerReplies(t *testing.T) {
	handlers := Table{
		"echo": func(_ context.Context, _ *Agent, cmd *command.Command) error {
			return cmd.Complete(strings.Join(cmd.Args, " "))
		},
		"FAIL": func(context.Context, *Agent, *command.Command) error {
			return errors.New("device link down")
		},
		"SILENT": func(context.Context, *Agent, *command.Command) error {
			return nil
		},
		"PANIC": func(context.Context, *Agent, *command.Command) error {
			panic("boom")
		},
	}
	a := startAgent(t, Settings{}, handlers)
	client := dial(t, a)

	assert.Equal(t, "a b", client.ask("ECHO a b"))
	assert.Equal(t, "ERROR: device link down", client.ask("FAIL"))
	assert.Equal(t, "ERROR: SILENT produced no reply", client.ask("SILENT"))
	assert.Equal(t, "ERROR: internal error in PANIC", client.ask("PANIC"))
	assert.Equal(t, "TestAgent v1.0", client.ask("STATUS"), "the agent survives a panicking handler")
}

func TestAgent_BackgroundCommand(t *testing.T) {
	release := make(chan struct{})
	handlers := Table{
		"SLOW": func(_ context.Context, a *Agent, cmd *command.Command) error {
			return a.Go(cmd, func(ctx context.Context) (string, error) {
				select {
				case <-release:
					return "OK", nil
				case <-ctx.Done():
					return "", ctx.Err()
				}
			})
		},
	}
	a := startAgent(t, Settings{}, handlers)
	client := dial(t, a)
	other := dial(t, a)

	client.send("SLOW")
	require.Eventually(t, func() bool { return len(a.PendingCommands()) == 1 }, replyWait, 5*time.Millisecond)
	assert.Equal(t, model.CommandStatePending, a.PendingCommands()[0].State)

	assert.Equal(t, ReplyBusy, client.ask("STATUS"), "one outstanding command per client")
	pending := a.PendingCommands()
	require.Len(t, pending, 1)
	assert.Equal(t, model.CommandStatePending, pending[0].State, "a busy rejection leaves the outstanding command pending")
	assert.Equal(t, "TestAgent v1.0", other.ask("STATUS"), "other clients are not blocked")

	close(release)
	assert.Equal(t, "OK", client.read())
	assert.Equal(t, "TestAgent v1.0", client.ask("STATUS"))
}

func TestAgent_StalledClientDoesNotBlockOthers(t *testing.T) {
	handlers := Table{
		"BIG": func(_ context.Context, _ *Agent, cmd *command.Command) error {
			return cmd.Complete(strings.Repeat("x", 32<<20))
		},
	}
	a := startAgent(t, Settings{}, handlers)
	stalled := dial(t, a)
	other := dial(t, a)

	// stalled never reads, so its reply cannot drain
	stalled.send("BIG")
	require.Eventually(t, func() bool {
		for _, info := range a.Connections() {
			if info.Role == model.ConnectionRoleClient && info.OutboundBytes > 0 {
				return true
			}
		}
		return false
	}, replyWait, 5*time.Millisecond)

	assert.Equal(t, "TestAgent v1.0", other.ask("STATUS"))
	assert.Equal(t, "TestAgent v1.0", other.ask("STATUS"))
}

func TestAgent_ShutdownWaitsForBackgroundTasks(t *testing.T) {
	var finished atomic.Bool
	var scheduled sync.Once
	started := make(chan struct{})
	hook := func(_ context.Context, a *Agent) {
		scheduled.Do(func() {
			a.Background(func(ctx context.Context) {
				close(started)
				<-ctx.Done()
				time.Sleep(50 * time.Millisecond)
				finished.Store(true)
			})
		})
	}

	a, err := New(Settings{
		Name:         "TestAgent",
		Cookie:       "TestAgent v1.0",
		ListenAddr:   "127.0.0.1:0",
		PollInterval: 10 * time.Millisecond,
		MaxClients:   4,
	}, nil, WithLogger(zaptest.NewLogger(t)), WithHook(hook))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(replyWait):
		t.Fatal("background task never started")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(replyWait):
		t.Fatal("agent did not stop")
	}
	assert.True(t, finished.Load(), "Run returns only after background tasks finish")
}

func TestAgent_BackgroundFailureAndTimeout(t *testing.T) {
	handlers := Table{
		"BAD": func(_ context.Context, a *Agent, cmd *command.Command) error {
			return a.Go(cmd, func(context.Context) (string, error) {
				return "", errors.New("no free thread, try again later")
			})
		},
		"HANG": func(_ context.Context, a *Agent, cmd *command.Command) error {
			return a.Go(cmd, func(ctx context.Context) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			})
		},
	}
	a := startAgent(t, Settings{CommandTimeout: 100 * time.Millisecond}, handlers)
	client := dial(t, a)

	assert.Equal(t, "ERROR: no free thread, try again later", client.ask("BAD"))
	assert.Equal(t, "ERROR: context deadline exceeded", client.ask("HANG"))
}

func TestAgent_TooManyClients(t *testing.T) {
	sink := &recordingSink{}
	a := startAgent(t, Settings{MaxClients: 1}, nil, WithEventSink(sink))

	first := dial(t, a)
	assert.Equal(t, "TestAgent v1.0", first.ask("STATUS"))

	second := dial(t, a)
	assert.Equal(t, ReplyTooMany, second.read())
	_, err := second.reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
	require.Eventually(t, func() bool { return sink.has(model.EventClientRejected) }, replyWait, 5*time.Millisecond)

	assert.Equal(t, "TestAgent v1.0", first.ask("STATUS"), "the admitted client is unaffected")
}

func TestAgent_ClientSlotFreedOnDisconnect(t *testing.T) {
	a := startAgent(t, Settings{MaxClients: 1}, nil)

	first := dial(t, a)
	assert.Equal(t, "TestAgent v1.0", first.ask("STATUS"))
	first.conn.Close()

	require.Eventually(t, func() bool { return len(a.Connections()) == 0 }, replyWait, 5*time.Millisecond)

	second := dial(t, a)
	assert.Equal(t, "TestAgent v1.0", second.ask("STATUS"))
}

func TestAgent_DiscardsCommandsOfClosedClients(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	handlers := Table{
		"SLOW": func(_ context.Context, a *Agent, cmd *command.Command) error {
			return a.Go(cmd, func(ctx context.Context) (string, error) {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return "OK", nil
			})
		},
	}
	sink := &recordingSink{}
	a := startAgent(t, Settings{}, handlers, WithEventSink(sink))

	client := dial(t, a)
	client.send("SLOW")
	require.Eventually(t, func() bool { return len(a.PendingCommands()) == 1 }, replyWait, 5*time.Millisecond)

	client.conn.Close()
	require.Eventually(t, func() bool { return sink.has(model.EventCommandDiscarded) }, replyWait, 5*time.Millisecond)
	assert.Empty(t, a.PendingCommands())
	assert.True(t, sink.has(model.EventConnectionClosed))
}

func TestAgent_PublishesCommandEvents(t *testing.T) {
	sink := &recordingSink{}
	a := startAgent(t, Settings{}, nil, WithEventSink(sink))
	client := dial(t, a)

	client.ask("STATUS")
	require.Eventually(t, func() bool { return sink.has(model.EventCommandReplied) }, replyWait, 5*time.Millisecond)
	assert.True(t, sink.has(model.EventConnectionOpened))
	assert.True(t, sink.has(model.EventCommandReceived))
}

func TestAgent_Snapshots(t *testing.T) {
	handlers := Table{"NOOP": func(_ context.Context, _ *Agent, cmd *command.Command) error {
		return cmd.Complete(ReplyOK)
	}}
	a := startAgent(t, Settings{}, handlers)
	client := dial(t, a)
	client.ask("NOOP")

	connections := a.Connections()
	require.Len(t, connections, 1)
	assert.Equal(t, "client-1", connections[0].Name)
	assert.Equal(t, model.ConnectionRoleClient, connections[0].Role)

	info, ok := a.Connection("client-1")
	require.True(t, ok)
	assert.Equal(t, model.ConnectionStateOpen, info.State)

	_, ok = a.Connection("nope")
	assert.False(t, ok)

	assert.ElementsMatch(t, []CommandName{CommandStatus, "NOOP"}, a.Commands())
}

func TestAgent_RunTwice(t *testing.T) {
	a := startAgent(t, Settings{}, nil)

	err := a.Run(context.Background())
	assert.Error(t, err)
}

func TestNew_RejectsBadTable(t *testing.T) {
	_, err := New(Settings{ListenAddr: "127.0.0.1:0"}, Table{" ": func(context.Context, *Agent, *command.Command) error { return nil }})
	assert.Error(t, err)

	_, err = New(Settings{ListenAddr: "127.0.0.1:0"}, Table{"X": nil})
	assert.Error(t, err)
}

func TestErrorReply(t *testing.T) {
	assert.Equal(t, "ERROR: boom", ErrorReply(errors.New("boom")))
}
