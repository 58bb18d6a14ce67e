// internal/agent/loop.go
package agent

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/command"
	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

type interest struct {
	read  []*connection.Connection
	write []*connection.Connection
	fault []*connection.Connection
}

// Run drives the loop until ctx is cancelled, then closes the listener,
// every device connection and every client connection.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return errors.New("agent already running")
	}
	defer a.running.Store(false)

	a.runCtx = ctx
	a.logger.Info("Agent started",
		zap.String("listen_addr", a.listener.Addr().String()),
		zap.Int("max_clients", a.settings.MaxClients),
		zap.Int("devices", len(a.devices)),
	)

	go a.acceptLoop()
	defer a.shutdown()

	for {
		sets := a.interestSets()
		if !a.wait(ctx, a.hasWork(sets)) {
			return nil
		}

		a.service(sets)
		a.removeDeadClients()

		for _, hook := range a.hooks {
			hook(ctx, a)
		}

		a.cullCommands()
		a.flushCommands()
	}
}

// interestSets asks every connection what it is ready for
func (a *Agent) interestSets() interest {
	var sets interest
	for _, c := range a.connections() {
		if c.PollErrorReady() {
			sets.fault = append(sets.fault, c)
		}
		if c.PollReadReady() {
			sets.read = append(sets.read, c)
		}
		if c.PollWriteReady() {
			sets.write = append(sets.write, c)
		}
	}
	return sets
}

func (a *Agent) connections() []*connection.Connection {
	all := make([]*connection.Connection, 0, len(a.devices)+len(a.clients))
	all = append(all, a.devices...)
	return append(all, a.clients...)
}

// hasWork reports whether any interested connection is already signalled
func (a *Agent) hasWork(sets interest) bool {
	if len(sets.write) > 0 {
		return true
	}
	for _, c := range sets.fault {
		if c.Faulted() {
			return true
		}
	}
	for _, c := range sets.read {
		if c.Readable() {
			return true
		}
	}
	return false
}

// wait blocks until a connection wakes the loop, a client is accepted, a
// background task finishes or the poll interval elapses. It returns false
// once ctx is cancelled.
func (a *Agent) wait(ctx context.Context, busy bool) bool {
	if busy {
		a.drain()
		return ctx.Err() == nil
	}

	timer := time.NewTimer(a.settings.PollInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-a.notify:
	case conn := <-a.accepted:
		a.admit(conn)
	case res := <-a.results:
		a.complete(res)
	case <-timer.C:
	}

	a.drain()
	return ctx.Err() == nil
}

// drain handles everything else that is already queued without blocking
func (a *Agent) drain() {
	for {
		select {
		case <-a.notify:
		case conn := <-a.accepted:
			a.admit(conn)
		case res := <-a.results:
			a.complete(res)
		default:
			return
		}
	}
}

// service invokes the handlers of signalled connections: faults first,
// then one message per readable connection, then writes
func (a *Agent) service(sets interest) {
	for _, c := range sets.fault {
		if err := c.Err(); err != nil {
			c.OnError(err)
		}
	}
	for _, c := range sets.read {
		if c.PollReadReady() && c.Readable() {
			c.OnReadable()
		}
	}
	for _, c := range sets.write {
		if c.PollWriteReady() {
			c.OnWritable()
		}
	}
}

func (a *Agent) removeDeadClients() {
	live := a.clients[:0]
	for _, c := range a.clients {
		if c.State() == model.ConnectionStateOpen {
			live = append(live, c)
			continue
		}
		a.registry.Delete(c.Name())
		a.publish(model.EventConnectionClosed, c.Name(), nil)
	}
	for i := len(live); i < len(a.clients); i++ {
		a.clients[i] = nil
	}
	a.clients = live
}

// cullCommands drops commands whose source has gone away
func (a *Agent) cullCommands() {
	kept := a.commands[:0]
	for _, cmd := range a.commands {
		if cmd.Source != nil && cmd.Source.IsOpen() {
			kept = append(kept, cmd)
			continue
		}
		a.tracked.Delete(cmd.ID)
		a.logger.Debug("Discarding command of closed source",
			zap.String("command_id", cmd.ID.String()),
			zap.String("command", cmd.Name),
			zap.String("source", cmd.SourceName()),
		)
		a.publish(model.EventCommandDiscarded, cmd.SourceName(), a.commandData(cmd, true))
	}
	a.truncate(kept)
}

// flushCommands queues the reply of every complete command whose source
// has nothing else in flight
func (a *Agent) flushCommands() {
	kept := a.commands[:0]
	for _, cmd := range a.commands {
		if !cmd.IsComplete() || cmd.Source.PollWriteReady() {
			kept = append(kept, cmd)
			continue
		}

		if err := cmd.Source.SendAsync(cmd.Reply(), nil, nil); err != nil {
			if errors.Is(err, connection.ErrSendInFlight) {
				kept = append(kept, cmd)
				continue
			}
			a.logger.Warn("Failed to queue reply",
				zap.String("command_id", cmd.ID.String()),
				zap.String("source", cmd.SourceName()),
				zap.Error(err),
			)
		} else {
			a.publish(model.EventCommandReplied, cmd.SourceName(), a.commandData(cmd, false))
		}
		a.tracked.Delete(cmd.ID)
	}
	a.truncate(kept)
}

func (a *Agent) truncate(kept []*command.Command) {
	for i := len(kept); i < len(a.commands); i++ {
		a.commands[i] = nil
	}
	a.commands = kept
}

func (a *Agent) commandData(cmd *command.Command, discarded bool) model.JSONObject {
	return model.JSONObject{
		"command_id":  cmd.ID.String(),
		"name":        cmd.Name,
		"text":        cmd.Text,
		"reply":       cmd.Reply(),
		"received_at": cmd.ReceivedAt,
		"duration_ms": cmd.Duration().Milliseconds(),
		"discarded":   discarded,
	}
}

// shutdown closes the listener, waits for background tasks, then closes
// devices and clients. Teardown errors are logged by the connections
// themselves.
func (a *Agent) shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopped)
	})

	if err := a.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Error("Failed to close listener", zap.Error(err))
	}

	a.workers.Wait()

	for _, device := range a.devices {
		device.Close()
	}
	for _, client := range a.clients {
		client.Close()
		a.registry.Delete(client.Name())
	}
	a.clients = nil

	a.logger.Info("Agent stopped")
}
