// internal/agent/clients.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/baileyji/M2FS-Control-sub000/internal/connection"
	"github.com/baileyji/M2FS-Control-sub000/internal/model"
	"github.com/baileyji/M2FS-Control-sub000/internal/protocol"
)

const rejectWriteTimeout = time.Second

// acceptLoop hands accepted sockets to the loop until the listener closes
func (a *Agent) acceptLoop() {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("Accept failed", zap.Error(err))
			select {
			case <-a.stopped:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		select {
		case a.accepted <- conn:
		case <-a.stopped:
			conn.Close()
			return
		}
	}
}

// admit wraps an accepted socket in a client connection, or refuses it
// when the agent is at its client limit
func (a *Agent) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()

	if len(a.clients) >= a.settings.MaxClients {
		a.logger.Warn("Rejecting client, too many clients",
			zap.String("remote_addr", remote),
			zap.Int("max_clients", a.settings.MaxClients),
		)
		conn.SetWriteDeadline(time.Now().Add(rejectWriteTimeout))
		if _, err := conn.Write([]byte(ReplyTooMany + "\n")); err != nil {
			a.logger.Debug("Failed to send rejection", zap.Error(err))
		}
		if err := conn.Close(); err != nil {
			a.logger.Debug("Failed to close rejected client", zap.Error(err))
		}
		a.publish(model.EventClientRejected, remote, nil)
		return
	}

	name := fmt.Sprintf("client-%d", a.clientSeq.Add(1))
	client := connection.New(name,
		protocol.NewSocketTransport(conn, a.logger),
		connection.WithLogger(a.logger),
		connection.WithRole(model.ConnectionRoleClient),
		connection.WithNotify(a.notify),
		connection.WithDefaultResponse(a.dispatch),
		connection.WithDefaultError(a.clientFault),
	)

	if err := client.Open(context.Background()); err != nil {
		a.logger.Error("Failed to open client connection", zap.String("remote_addr", remote), zap.Error(err))
		conn.Close()
		return
	}

	a.clients = append(a.clients, client)
	a.registry.Store(name, client)
	a.publish(model.EventConnectionOpened, name, model.JSONObject{"remote_addr": remote})
}

func (a *Agent) clientFault(c *connection.Connection, err error) {
	a.logger.Debug("Client connection fault", zap.String("client", c.Name()), zap.Error(err))
}
