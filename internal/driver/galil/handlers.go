// internal/driver/galil/handlers.go
package galil

import (
	"context"
	"strings"
	"time"

	"github.com/baileyji/M2FS-Control-sub000/internal/agent"
	"github.com/baileyji/M2FS-Control-sub000/internal/command"
)

// Handlers returns the agent command table for ctrl. Motion and query
// work runs on background goroutines through Agent.Go.
func Handlers(ctrl *Controller) agent.Table {
	table := agent.Table{
		"THREADS": ctrl.threadsHandler,
		"ABORT":   ctrl.abortHandler,
	}
	for name, spec := range motionCatalogue {
		handler := ctrl.motionHandler(spec)
		table[agent.CommandName(name)] = handler
		if spec.Query != "" {
			table[agent.CommandName(name+"?")] = handler
		}
	}
	table["THREADS?"] = ctrl.threadsHandler
	return table
}

func (c *Controller) motionHandler(spec MotionSpec) agent.HandlerFunc {
	return func(ctx context.Context, a *agent.Agent, cmd *command.Command) error {
		if cmd.IsQuery() {
			if spec.Query == "" {
				return cmd.Complete(agent.ReplyUnrecognized)
			}
			return a.Go(cmd, func(ctx context.Context) (string, error) {
				payload, err := c.Query(ctx, spec.Query, nil)
				if err != nil {
					return "", err
				}
				return NormalizeNumber(payload), nil
			})
		}

		vars, err := spec.Vars(cmd.Args)
		if err != nil {
			return cmd.Complete(agent.ErrorReply(err))
		}
		return a.Go(cmd, func(ctx context.Context) (string, error) {
			if _, err := c.Motion(ctx, spec.Class, spec.Subroutine, vars); err != nil {
				return "", err
			}
			return agent.ReplyOK, nil
		})
	}
}

func (c *Controller) threadsHandler(_ context.Context, a *agent.Agent, cmd *command.Command) error {
	return a.Go(cmd, func(ctx context.Context) (string, error) {
		threads, err := c.Threads(ctx)
		if err != nil {
			return "", err
		}
		if len(threads) == 0 {
			return "idle", nil
		}
		return strings.Join(threads, " "), nil
	})
}

func (c *Controller) abortHandler(_ context.Context, a *agent.Agent, cmd *command.Command) error {
	return a.Go(cmd, func(ctx context.Context) (string, error) {
		if err := c.Abort(ctx); err != nil {
			return "", err
		}
		return agent.ReplyOK, nil
	})
}

// StatusHook re-polls thread status every interval on an agent background
// task so finished threads are freed without client traffic
func StatusHook(ctrl *Controller, interval time.Duration) agent.Hook {
	var last time.Time
	return func(_ context.Context, a *agent.Agent) {
		if interval <= 0 || time.Since(last) < interval {
			return
		}
		last = time.Now()
		a.Background(ctrl.RefreshIfIdle)
	}
}
