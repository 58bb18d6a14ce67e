package galil

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
)

const testFirmware = "DMC4080 Rev 1.2c"

// fakeGalil answers the subset of the controller command set the adapter
// uses. Motion subroutines leave their thread running until finish is
// called.
type fakeGalil struct {
	mu       sync.Mutex
	counters [ThreadCount]int
	received []string
	reject   map[string]bool
	queries  map[string]string
	silent   map[string]bool
	delays   map[string]time.Duration
	firmware string
	status   string
}

func newFakeGalil() *fakeGalil {
	g := &fakeGalil{
		reject:   make(map[string]bool),
		queries:  map[string]string{"GETFOC": "1.2500"},
		silent:   make(map[string]bool),
		delays:   make(map[string]time.Duration),
		firmware: testFirmware,
	}
	for i := range g.counters {
		g.counters[i] = -1
	}
	return g
}

func (g *fakeGalil) serve(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\r')
		if err != nil {
			return
		}
		message := strings.TrimSuffix(line, "\r")
		reply := g.respond(message)
		if reply == "" {
			continue
		}
		if delay := g.delayFor(message); delay > 0 {
			time.Sleep(delay)
		}
		if _, err := conn.Write([]byte(reply)); err != nil {
			return
		}
	}
}

func (g *fakeGalil) respond(message string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.received = append(g.received, message)

	switch {
	case message == handshakeCommand:
		return g.firmware + "\r\n:"
	case message == ThreadStatusCommand():
		if g.status != "" {
			return g.status + "\r\n:"
		}
		fields := make([]string, ThreadCount)
		for i, counter := range g.counters {
			fields[i] = fmt.Sprintf("%d.0000", counter)
		}
		return " " + strings.Join(fields, " ") + "\r\n:"
	case message == motorsOffCommand, message == abortCommand:
		return ":"
	}

	parts := strings.Split(message, ";")
	call := strings.TrimPrefix(parts[len(parts)-1], "XQ#")
	subroutine, threadField, _ := strings.Cut(call, ",")
	if g.silent[subroutine] {
		return ""
	}

	acks := strings.Repeat(":", len(parts)-1)
	if g.reject[subroutine] {
		return acks + "?"
	}
	if payload, ok := g.queries[subroutine]; ok {
		return payload + "\r\n" + acks + ":"
	}

	var thread int
	fmt.Sscanf(threadField, "%d", &thread)
	g.counters[thread] = 10
	return acks + ":"
}

func (g *fakeGalil) delayFor(message string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	parts := strings.Split(message, ";")
	subroutine, _, _ := strings.Cut(strings.TrimPrefix(parts[len(parts)-1], "XQ#"), ",")
	return g.delays[subroutine]
}

func (g *fakeGalil) finish(thread int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[thread] = -1
}

func (g *fakeGalil) setRunning(thread int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.counters[thread] = 0
}

func (g *fakeGalil) sent() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.received...)
}

func (g *fakeGalil) count(message string) int {
	n := 0
	for _, m := range g.sent() {
		if m == message {
			n++
		}
	}
	return n
}

// newTestController wires a controller to device over an in-memory pipe.
// dials counts how often the transport connected.
func newTestController(t *testing.T, device *fakeGalil) (*Controller, *atomic.Int32) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	dials := &atomic.Int32{}
	transport := protocol.NewTCPTransport(&protocol.TCPConfig{Host: "galil", Port: 23}, logger,
		protocol.WithDialer(func(ctx context.Context, network, address string) (net.Conn, error) {
			dials.Add(1)
			client, server := net.Pipe()
			go device.serve(server)
			return client, nil
		}),
	)

	config := DefaultConfig()
	config.ReplyTimeout = 500 * time.Millisecond
	ctrl := NewController("galil", transport, config, logger)
	t.Cleanup(ctrl.Close)
	return ctrl, dials
}

func TestController_Handshake(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)

	require.NoError(t, ctrl.Open(context.Background()))
	assert.Equal(t, testFirmware, ctrl.Firmware())
	assert.True(t, ctrl.Connection().IsOpen())
}

func TestController_HandshakeRejectsUnknownDevice(t *testing.T) {
	device := newFakeGalil()
	device.firmware = "MODEM READY"
	ctrl, _ := newTestController(t, device)

	err := ctrl.Open(context.Background())
	require.ErrorIs(t, err, connection.ErrConnect)
	assert.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, ctrl.Connection().IsOpen())
	assert.Empty(t, ctrl.Firmware())
}

func TestController_MotionClaimsFreeThread(t *testing.T) {
	device := newFakeGalil()
	ctrl, dials := newTestController(t, device)
	ctx := context.Background()

	thread, err := ctrl.Motion(ctx, "FOCUS", "FOCUS", []string{"focpos=10"})
	require.NoError(t, err)
	assert.Equal(t, 2, thread)
	assert.EqualValues(t, 1, dials.Load(), "the first command opens the connection")
	assert.Contains(t, device.sent(), "focpos=10;XQ#FOCUS,2")

	_, err = ctrl.Motion(ctx, "FOCUS", "FOCUS", []string{"focpos=20"})
	assert.ErrorIs(t, err, ErrClassBusy)

	thread, err = ctrl.Motion(ctx, "FILTER", "FILTER", []string{"filpos=3"})
	require.NoError(t, err)
	assert.Equal(t, 3, thread)

	device.finish(2)
	thread, err = ctrl.Motion(ctx, "FOCUS", "FOCUS", []string{"focpos=20"})
	require.NoError(t, err)
	assert.Equal(t, 2, thread, "a finished thread is freed by the next poll")
	assert.False(t, ctrl.LastPolledAt().IsZero())
}

func TestController_MotionPollsBeforeEveryClaim(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)
	ctx := context.Background()

	_, err := ctrl.Motion(ctx, "GES", "GES", []string{"gespos=1"})
	require.NoError(t, err)
	_, err = ctrl.Motion(ctx, "HREL", "HREL", []string{"hrelpos=1"})
	require.NoError(t, err)

	assert.Equal(t, 2, device.count(ThreadStatusCommand()))
}

func TestController_RejectedMotionKeepsClaim(t *testing.T) {
	device := newFakeGalil()
	device.reject["HREL"] = true
	ctrl, _ := newTestController(t, device)

	thread, err := ctrl.Motion(context.Background(), "HREL", "HREL", []string{"hrelpos=5"})
	require.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Equal(t, 2, thread)

	class, ok := ctrl.table.Occupied(2)
	require.True(t, ok)
	assert.Equal(t, "HREL", class)
	assert.True(t, ctrl.Connection().IsOpen(), "a rejection is not a link fault")
}

func TestController_UncertainStatusBlocksMotion(t *testing.T) {
	device := newFakeGalil()
	device.status = "garbage"
	ctrl, _ := newTestController(t, device)

	_, err := ctrl.Motion(context.Background(), "FOCUS", "FOCUS", []string{"focpos=1"})
	require.ErrorIs(t, err, ErrStatusUncertain)

	for _, message := range device.sent() {
		assert.NotContains(t, message, "XQ#FOCUS")
	}
}

func TestController_Query(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)

	payload, err := ctrl.Query(context.Background(), "GETFOC", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2500", payload)
	assert.Contains(t, device.sent(), "XQ#GETFOC,7")
	assert.Zero(t, device.count(ThreadStatusCommand()), "queries use the status thread without a poll")
}

func TestController_QueryWaitsOutShutdown(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)
	ctx := context.Background()

	thread, err := ctrl.Motion(ctx, ClassShutdown, "SHTDWN", nil)
	require.NoError(t, err)

	_, err = ctrl.Query(ctx, "GETFOC", nil)
	require.ErrorIs(t, err, ErrClassBusy)
	assert.Zero(t, device.count("XQ#GETFOC,7"), "nothing runs beside a shutdown")
	assert.Equal(t, 2, device.count(ThreadStatusCommand()), "the query re-polls before refusing")

	device.finish(thread)
	payload, err := ctrl.Query(ctx, "GETFOC", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2500", payload)

	payload, err = ctrl.Query(ctx, "GETFOC", nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2500", payload)
	assert.Equal(t, 3, device.count(ThreadStatusCommand()), "no poll once the shutdown has cleared")
}

func TestController_QueryRejected(t *testing.T) {
	device := newFakeGalil()
	device.reject["GETFIL"] = true
	ctrl, _ := newTestController(t, device)

	_, err := ctrl.Query(context.Background(), "GETFIL", nil)
	assert.ErrorIs(t, err, ErrNotAcknowledged)
	assert.Equal(t, 1, device.count("XQ#GETFIL,7"), "no retry")
}

func TestController_QueryWithoutPayload(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)

	_, err := ctrl.Query(context.Background(), "GETGES", nil)
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.False(t, ctrl.Connection().IsOpen())
}

func TestController_ReplyTimeoutDisconnects(t *testing.T) {
	device := newFakeGalil()
	device.silent["GETLREL"] = true
	ctrl, _ := newTestController(t, device)

	_, err := ctrl.Query(context.Background(), "GETLREL", nil)
	require.ErrorIs(t, err, connection.ErrRead)
	assert.False(t, ctrl.Connection().IsOpen())

	payload, err := ctrl.Query(context.Background(), "GETFOC", nil)
	require.NoError(t, err, "the next command reconnects")
	assert.Equal(t, "1.2500", payload)
}

func TestController_Threads(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)
	ctx := context.Background()

	threads, err := ctrl.Threads(ctx)
	require.NoError(t, err)
	assert.Empty(t, threads)

	_, err = ctrl.Motion(ctx, "FOCUS", "FOCUS", []string{"focpos=1"})
	require.NoError(t, err)
	device.setRunning(6)

	threads, err = ctrl.Threads(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2:FOCUS", "6:UNKNOWN"}, threads)
}

func TestController_Abort(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)

	require.NoError(t, ctrl.Abort(context.Background()))
	assert.Equal(t, 1, device.count(abortCommand))
}

func TestController_CloseSwitchesMotorsOff(t *testing.T) {
	device := newFakeGalil()
	ctrl, _ := newTestController(t, device)
	require.NoError(t, ctrl.Open(context.Background()))

	ctrl.Close()
	assert.Equal(t, 1, device.count(motorsOffCommand))
	assert.False(t, ctrl.Connection().IsOpen())
}

func TestController_RefreshIfIdleNeverOpens(t *testing.T) {
	device := newFakeGalil()
	ctrl, dials := newTestController(t, device)

	ctrl.RefreshIfIdle(context.Background())
	assert.Zero(t, dials.Load())
	assert.True(t, ctrl.LastPolledAt().IsZero())

	require.NoError(t, ctrl.Open(context.Background()))
	ctrl.RefreshIfIdle(context.Background())
	assert.Equal(t, 1, device.count(ThreadStatusCommand()))
	assert.False(t, ctrl.LastPolledAt().IsZero())
}

func TestController_CloseWaitsForQueryInFlight(t *testing.T) {
	device := newFakeGalil()
	device.delays["GETFOC"] = 150 * time.Millisecond
	ctrl, _ := newTestController(t, device)
	require.NoError(t, ctrl.Open(context.Background()))

	type queryResult struct {
		payload string
		err     error
	}
	done := make(chan queryResult, 1)
	go func() {
		payload, err := ctrl.Query(context.Background(), "GETFOC", nil)
		done <- queryResult{payload, err}
	}()

	require.Eventually(t, func() bool { return device.count("XQ#GETFOC,7") == 1 }, time.Second, time.Millisecond)
	ctrl.Close()

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "1.2500", res.payload)
	default:
		t.Fatal("Close returned while the query was still in flight")
	}

	sent := device.sent()
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, []string{"XQ#GETFOC,7", motorsOffCommand}, sent[len(sent)-2:])
	assert.False(t, ctrl.Connection().IsOpen())
}
