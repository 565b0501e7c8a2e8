// Package progress pushes job events to socket.io clients. Clients join a
// room per job or per session, either with a `jobId`/`sessionId` handshake
// query or by emitting "subscribe" afterwards.
package progress

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/zishang520/socket.io/v2/socket"

	"github.com/vk/blockflow/internal/ctxlog"
	"github.com/vk/blockflow/internal/events"
)

// SubscribeEvent is the client-to-server event that joins rooms.
const SubscribeEvent = "subscribe"

// Subscription is the payload of a SubscribeEvent.
type Subscription struct {
	JobID     string `json:"jobId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// JobRoom is the room receiving every event of jobID.
func JobRoom(jobID string) socket.Room { return socket.Room("job:" + jobID) }

// SessionRoom is the room receiving every event of jobs started in sessionID.
func SessionRoom(sessionID string) socket.Room { return socket.Room("session:" + sessionID) }

// Server is a socket.io endpoint that doubles as an events.Sink.
type Server struct {
	io     *socket.Server
	logger *slog.Logger
}

// NewServer creates the socket.io server and installs its connection handler.
func NewServer(ctx context.Context) *Server {
	s := &Server{
		io:     socket.NewServer(nil, nil),
		logger: ctxlog.FromContext(ctx).With("component", "progress"),
	}
	s.io.On("connection", func(clients ...any) {
		if len(clients) == 0 {
			return
		}
		client, ok := clients[0].(*socket.Socket)
		if !ok {
			return
		}
		s.onConnect(client)
	})
	return s
}

// Handler serves the socket.io protocol. Mount it at "/socket.io/".
func (s *Server) Handler() http.Handler {
	return s.io.ServeHandler(nil)
}

func (s *Server) onConnect(client *socket.Socket) {
	logger := s.logger.With("sid", client.Id())
	logger.Debug("Progress client connected.")

	if hs := client.Handshake(); hs != nil {
		s.join(client, Subscription{
			JobID:     first(hs.Query["jobId"]),
			SessionID: first(hs.Query["sessionId"]),
		})
	}

	client.On(SubscribeEvent, func(args ...any) {
		if len(args) == 0 {
			return
		}
		sub, ok := decodeSubscription(args[0])
		if !ok {
			logger.Warn("Ignoring malformed subscribe request.")
			return
		}
		s.join(client, sub)
	})
	client.On("disconnect", func(...any) {
		logger.Debug("Progress client disconnected.")
	})
}

func (s *Server) join(client *socket.Socket, sub Subscription) {
	if sub.JobID != "" {
		client.Join(JobRoom(sub.JobID))
	}
	if sub.SessionID != "" {
		client.Join(SessionRoom(sub.SessionID))
	}
	if sub.JobID != "" || sub.SessionID != "" {
		s.logger.Debug("Progress client subscribed.", "sid", client.Id(), "job_id", sub.JobID, "session_id", sub.SessionID)
	}
}

// Handle implements events.Sink by emitting ev, under its kind as event
// name, to the job's room and the session's room.
func (s *Server) Handle(_ context.Context, ev events.Event) {
	rooms := []socket.Room{JobRoom(ev.JobID)}
	if ev.Context.SessionID != "" {
		rooms = append(rooms, SessionRoom(ev.Context.SessionID))
	}
	if err := s.io.To(rooms...).Emit(string(ev.Kind), ev); err != nil {
		s.logger.Warn("Failed to broadcast event.", "kind", ev.Kind, "error", err)
	}
}

// Close disconnects every client.
func (s *Server) Close() {
	s.io.Close(nil)
}

func decodeSubscription(arg any) (Subscription, bool) {
	switch v := arg.(type) {
	case string:
		return Subscription{JobID: v}, v != ""
	case map[string]any:
		var sub Subscription
		sub.JobID, _ = v["jobId"].(string)
		sub.SessionID, _ = v["sessionId"].(string)
		return sub, sub.JobID != "" || sub.SessionID != ""
	default:
		return Subscription{}, false
	}
}

func first(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
