package galil

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baileyji/M2FS-Control-sub000/internal/agent"
)

const replyWait = 3 * time.Second

type agentClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func (c *agentClient) ask(line string) string {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(replyWait)))
	reply, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	return strings.TrimSpace(reply)
}

func startGalilAgent(t *testing.T, device *fakeGalil) (*agentClient, *Controller) {
	t.Helper()
	ctrl, _ := newTestController(t, device)

	a, err := agent.New(agent.Settings{
		Name:         "GalilAgent",
		Cookie:       "GalilAgent v1.0",
		ListenAddr:   "127.0.0.1:0",
		MaxClients:   2,
		PollInterval: 20 * time.Millisecond,
	}, Handlers(ctrl),
		agent.WithLogger(zaptest.NewLogger(t)),
		agent.WithDevice(ctrl.Connection()),
		agent.WithHook(StatusHook(ctrl, 50*time.Millisecond)),
	)
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

	conn, err := net.Dial("tcp", a.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &agentClient{t: t, conn: conn, reader: bufio.NewReader(conn)}, ctrl
}

func TestHandlers_Table(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)
	table := Handlers(ctrl)

	for _, name := range []agent.CommandName{"FOCUS", "FOCUS?", "FILTER?", "SHUTDOWN", "THREADS", "THREADS?", "ABORT"} {
		assert.Contains(t, table, name)
	}
	assert.NotContains(t, table, agent.CommandName("SHUTDOWN?"))
}

func TestHandlers_QueryAndMotion(t *testing.T) {
	device := newFakeGalil()
	client, _ := startGalilAgent(t, device)

	assert.Equal(t, "GalilAgent v1.0", client.ask("STATUS"))
	assert.Equal(t, "1.2500", client.ask("FOCUS?"))

	assert.Equal(t, agent.ReplyOK, client.ask("FOCUS 10"))
	assert.Contains(t, device.sent(), "focpos=10;XQ#FOCUS,2")

	assert.Equal(t, "ERROR: command class busy: FOCUS running on thread 2", client.ask("FOCUS 20"))
	assert.Equal(t, "2:FOCUS", client.ask("THREADS"))

	device.finish(2)
	assert.Equal(t, "idle", client.ask("THREADS?"))
}

func TestHandlers_ArgumentErrors(t *testing.T) {
	device := newFakeGalil()
	client, _ := startGalilAgent(t, device)

	assert.Equal(t, `ERROR: invalid FOCUS position "far"`, client.ask("FOCUS far"))
	assert.Equal(t, "ERROR: FOCUS requires one numeric argument", client.ask("FOCUS"))
	assert.Equal(t, "ERROR: SHUTDOWN takes no arguments", client.ask("SHUTDOWN now"))
	assert.Empty(t, device.sent(), "invalid commands never reach the controller")
}

func TestHandlers_ShutdownBlocksMotion(t *testing.T) {
	device := newFakeGalil()
	client, _ := startGalilAgent(t, device)

	assert.Equal(t, agent.ReplyOK, client.ask("SHUTDOWN"))
	assert.Contains(t, device.sent(), "XQ#SHTDWN,2")
	assert.Equal(t, "ERROR: command class busy: SHUTDOWN running on thread 2", client.ask("GES 1"))

	assert.Equal(t, agent.ReplyOK, client.ask("ABORT"))
}

func TestHandlers_RejectedQuery(t *testing.T) {
	device := newFakeGalil()
	device.reject["GETFIL"] = true
	client, _ := startGalilAgent(t, device)

	assert.Equal(t, "ERROR: command not acknowledged: GETFIL", client.ask("FILTER?"))
}

func TestStatusHook_FreesFinishedThreads(t *testing.T) {
	device := newFakeGalil()
	client, ctrl := startGalilAgent(t, device)

	assert.Equal(t, agent.ReplyOK, client.ask("HREL 1"))
	device.finish(2)

	require.Eventually(t, func() bool {
		ctrl.mu.Lock()
		defer ctrl.mu.Unlock()
		_, busy := ctrl.table.Occupied(2)
		return !busy
	}, replyWait, 10*time.Millisecond)
}
