// Package realtime announces workflow lifecycle events to connected editor
// sessions over Socket.IO. Clients join their tenant's room after connecting;
// events are only ever emitted to that room, so tenants cannot observe each
// other's deployments.
package realtime

import (
	"net/http"

	"github.com/zishang520/socket.io/v2/socket"

	"chatforge/backend/internal/logging"
)

const tenantRoomPrefix = "tenant:"

// Server wraps the Socket.IO server and implements the Broadcaster interface
// used by the workflow registry.
type Server struct {
	io     *socket.Server
	logger *logging.Logger
}

// NewServer creates the Socket.IO server and wires connection handling.
func NewServer(logger *logging.Logger) (*Server, error) {
	io := socket.NewServer(nil, nil)
	s := &Server{io: io, logger: logger}

	err := io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		s.logger.Debug("realtime client connected", "sid", client.Id())

		client.On("subscribe", func(args ...any) {
			if len(args) == 0 {
				return
			}
			tenantID, ok := args[0].(string)
			if !ok || tenantID == "" {
				return
			}
			client.Join(socket.Room(tenantRoomPrefix + tenantID))
			s.logger.Debug("realtime client subscribed", "sid", client.Id(), "tenant_id", tenantID)
		})

		client.On("disconnect", func(...any) {
			s.logger.Debug("realtime client disconnected", "sid", client.Id())
		})
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// BroadcastToTenant emits an event to every session in the tenant's room.
func (s *Server) BroadcastToTenant(tenantID, event string, payload any) error {
	return s.io.To(socket.Room(tenantRoomPrefix + tenantID)).Emit(event, payload)
}

// Handler returns the HTTP handler to mount at the Socket.IO endpoint.
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

// Close shuts the server down.
func (s *Server) Close() {
	s.io.Close(nil)
}
