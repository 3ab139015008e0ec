package stubserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"nhooyr.io/websocket"

	chatloop "github.com/chatloop-im/chatloop-go"
)

// socketClient is one registered socket connection. Writes are serialized per
// connection so a sender's events reach each receiver in send order.
type socketClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *socketClient) write(env chatloop.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, b)
}

// handleSocket upgrades the request and runs the per-connection event loop.
// The connection stays anonymous until its add-user announcement.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn().Err(err).Msg("socket accept failed")
		return
	}

	client := &socketClient{conn: conn}
	userID := 0
	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		if userID != 0 {
			s.mu.Lock()
			if s.conns[userID] == client {
				delete(s.conns, userID)
			}
			s.mu.Unlock()
			s.broadcastOnline()
			s.log.Debug().Int("userId", userID).Msg("socket left")
		}
	}()

	for {
		_, data, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		var env chatloop.Envelope
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Event {
		case chatloop.EventAddUser:
			var id int
			if json.Unmarshal(env.Data, &id) != nil || id == 0 {
				continue
			}
			userID = id
			s.mu.Lock()
			s.conns[id] = client
			s.mu.Unlock()
			s.log.Debug().Int("userId", id).Msg("socket joined")
			s.broadcastOnline()

		case chatloop.EventSendMessage:
			var p chatloop.SendMessagePayload
			if json.Unmarshal(env.Data, &p) != nil {
				continue
			}
			s.push(p.To, chatloop.EventMessageReceive, chatloop.MessagePayload{Message: p.Message})

		case chatloop.EventMarkRead:
			var p chatloop.MarkReadRequest
			if json.Unmarshal(env.Data, &p) != nil {
				continue
			}
			s.markRead(p.From, p.To)

		case chatloop.EventIncomingVoiceCall, chatloop.EventIncomingVideoCall,
			chatloop.EventVoiceCallRejected, chatloop.EventVideoCallRejected:
			// Call signaling is relayed verbatim to the addressed user.
			s.relay(env)

		default:
			s.log.Debug().Str("event", env.Event).Msg("unknown socket event dropped")
		}
	}
}

// markRead flags all unread messages to sent from as read and acknowledges
// each one to the original sender.
func (s *Server) markRead(from, to int) {
	s.mu.Lock()
	var acked []int
	for _, m := range s.messages {
		if m.SenderID == to && m.ReceiverID == from && !m.Read {
			m.Read = true
			acked = append(acked, m.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range acked {
		s.push(to, chatloop.EventMarkReadReceive, chatloop.MarkReadPayload{ID: id, ReceiverID: from})
	}
}

// push sends one event to a user if they are online; offline targets are
// silently skipped, history delivery covers them.
func (s *Server) push(to int, event string, data interface{}) {
	s.mu.Lock()
	client := s.conns[to]
	s.mu.Unlock()
	if client == nil {
		return
	}

	env, err := chatloop.NewEnvelope(event, 0, data)
	if err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("envelope build failed")
		return
	}
	if err := client.write(env); err != nil {
		s.log.Warn().Err(err).Int("to", to).Str("event", event).Msg("push failed")
	}
}

// relay forwards an envelope to its To target, stripping the address.
func (s *Server) relay(env chatloop.Envelope) {
	to := env.To
	if to == 0 {
		return
	}
	s.mu.Lock()
	client := s.conns[to]
	s.mu.Unlock()
	if client == nil {
		return
	}

	env.To = 0
	if err := client.write(env); err != nil {
		s.log.Warn().Err(err).Int("to", to).Str("event", env.Event).Msg("relay failed")
	}
}

// onlineIDs must be called with s.mu held.
func (s *Server) onlineIDs() []int {
	ids := make([]int, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Server) broadcastOnline() {
	s.mu.Lock()
	ids := s.onlineIDs()
	clients := make([]*socketClient, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	env, err := chatloop.NewEnvelope(chatloop.EventOnlineUsers, 0, chatloop.OnlineUsersPayload{OnlineUsers: ids})
	if err != nil {
		return
	}
	for _, c := range clients {
		if err := c.write(env); err != nil {
			s.log.Debug().Err(err).Msg("online-users broadcast write failed")
		}
	}
}
