package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lazypower/bondline/internal/events"
)

const (
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamFilter narrows the event stream to one user, agent or event type.
type streamFilter struct {
	userID  string
	agentID string
	typ     events.Type
}

func (f streamFilter) match(e events.Event) bool {
	if f.userID != "" && e.UserID != "" && e.UserID != f.userID {
		return false
	}
	if f.userID != "" && e.UserID == "" && e.Type != events.SlotAvailable {
		return false
	}
	if f.agentID != "" && e.AgentID != f.agentID {
		return false
	}
	if f.typ != "" && e.Type != f.typ {
		return false
	}
	return true
}

// handleEvents upgrades to a websocket and streams bus events as JSON
// frames until the client goes away or the bus closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streamFilter{
		userID:  q.Get("user_id"),
		agentID: q.Get("agent_id"),
		typ:     events.Type(q.Get("type")),
	}

	// Subscribe before the handshake completes so no event emitted after
	// the client connects is missed.
	ch, cancel := s.bus.Subscribe()
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := s.log.With().Str("remote", r.RemoteAddr).Logger()
	log.Debug().Msg("stream opened")

	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		return nil
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(streamWriteWait))
				return
			}
			if !filter.match(e) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				log.Debug().Err(err).Msg("stream write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			log.Debug().Msg("stream closed by client")
			return
		case <-r.Context().Done():
			return
		}
	}
}
