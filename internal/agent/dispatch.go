// internal/agent/dispatch.go
package agent

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/command"
	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/utils"
)

// dispatch is the default response callback of every client connection.
// It runs on the loop goroutine.
func (a *Agent) dispatch(source *connection.Connection, line string) {
	if line == "" {
		return
	}

	cmd := command.New(source, line)
	clog := utils.NewCommandLogger(a.logger, cmd.ID.String(), cmd.Name, source.Name())
	clog.Received(cmd.Text)
	a.publish(model.EventCommandReceived, source.Name(), model.JSONObject{
		"command_id": cmd.ID.String(),
		"text":       cmd.Text,
	})

	if a.outstanding(source) {
		clog.Logger().Warn("Rejecting command, source has one outstanding")
		cmd.Complete(ReplyBusy)
		a.track(cmd)
		return
	}
	a.track(cmd)

	handler, ok := a.handlers[CommandName(cmd.Name)]
	if !ok {
		cmd.Complete(ReplyUnrecognized)
		clog.Completed(ReplyUnrecognized)
		return
	}

	if err := a.invoke(handler, cmd); err != nil {
		clog.Failed(err)
		if !cmd.IsComplete() {
			cmd.Complete(ErrorReply(err))
		}
		return
	}

	switch cmd.State() {
	case model.CommandStateComplete:
		clog.Completed(cmd.Reply())
	case model.CommandStatePending:
		clog.Pending()
	default:
		clog.Logger().Error("Handler returned without completing command")
		cmd.Complete(ErrorReply(fmt.Errorf("%s produced no reply", cmd.Name)))
	}
}

// invoke runs handler, converting a panic into an error
func (a *Agent) invoke(handler HandlerFunc, cmd *command.Command) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			a.logger.Error("Panic recovered in command handler",
				zap.Any("panic", recovered),
				zap.String("command", cmd.Name),
				zap.ByteString("stacktrace", debug.Stack()),
			)
			err = fmt.Errorf("internal error in %s", cmd.Name)
		}
	}()

	return handler(a.runCtx, a, cmd)
}

// outstanding reports whether source has a command without a reply
func (a *Agent) outstanding(source *connection.Connection) bool {
	for _, cmd := range a.commands {
		if cmd.Source == source && !cmd.IsComplete() {
			return true
		}
	}
	return false
}

func (a *Agent) track(cmd *command.Command) {
	a.commands = append(a.commands, cmd)
	a.tracked.Store(cmd.ID, cmd)
}

// Go marks cmd pending and runs work on its own goroutine. The result is
// applied to cmd by the loop: a non-nil error becomes "ERROR: <reason>".
// Work receives a context cancelled at shutdown or after CommandTimeout.
func (a *Agent) Go(cmd *command.Command, work func(ctx context.Context) (string, error)) error {
	if err := cmd.SetPending(); err != nil {
		return err
	}

	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	cancel := func() {}
	if a.settings.CommandTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, a.settings.CommandTimeout)
	}

	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		defer cancel()

		reply, err := work(ctx)
		select {
		case a.results <- result{cmd: cmd, reply: reply, err: err}:
		case <-a.stopped:
		}
	}()
	return nil
}

// Background runs fn on a goroutine the agent waits for at shutdown,
// before its device connections close. fn receives the agent's run
// context.
func (a *Agent) Background(fn func(ctx context.Context)) {
	ctx := a.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	a.workers.Add(1)
	go func() {
		defer a.workers.Done()
		fn(ctx)
	}()
}

// complete applies a background result on the loop goroutine
func (a *Agent) complete(res result) {
	reply := res.reply
	if res.err != nil {
		reply = ErrorReply(res.err)
		a.logger.Warn("Background command failed",
			zap.String("command_id", res.cmd.ID.String()),
			zap.String("command", res.cmd.Name),
			zap.Error(res.err),
		)
	}

	if err := res.cmd.Complete(reply); err != nil {
		a.logger.Error("Background result for completed command",
			zap.String("command_id", res.cmd.ID.String()),
			zap.Error(err),
		)
		return
	}

	a.publish(model.EventCommandCompleted, res.cmd.SourceName(), model.JSONObject{
		"command_id": res.cmd.ID.String(),
		"reply":      reply,
	})
}
