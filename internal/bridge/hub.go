// Package bridge connects host clients to a Manager over WebSocket. Inbound
// text frames are ingested as host messages; every notification is sent
// out to all connected clients as JSON.
package bridge

import (
	"github.com/google/uuid"
)

const sessionBuffer = 64

// Session is one connected bridge client.
type Session struct {
	ID     string
	Remote string
	Send   chan []byte // frames to write to this client
}

type joinReq struct {
	remote string
	result chan *Session
}

type listReq struct {
	result chan []string
}

// Hub fans frames out to sessions using channels only. A single goroutine
// owns the session map; all operations go through channels.
type Hub struct {
	join      chan joinReq
	leave     chan *Session
	broadcast chan []byte
	list      chan listReq
	stop      chan struct{}
	done      chan struct{}
}

// NewHub creates a hub. Call Run in a goroutine to start it.
func NewHub() *Hub {
	return &Hub{
		join:      make(chan joinReq),
		leave:     make(chan *Session),
		broadcast: make(chan []byte, sessionBuffer),
		list:      make(chan listReq),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Run is the hub's main loop. It blocks until Stop is called, then closes
// every session's Send channel.
func (h *Hub) Run() {
	defer close(h.done)
	sessions := make(map[string]*Session)

	for {
		select {
		case req := <-h.join:
			s := &Session{
				ID:     uuid.NewString(),
				Remote: req.remote,
				Send:   make(chan []byte, sessionBuffer),
			}
			sessions[s.ID] = s
			req.result <- s

		case s := <-h.leave:
			if _, ok := sessions[s.ID]; ok {
				delete(sessions, s.ID)
				close(s.Send)
			}

		case frame := <-h.broadcast:
			for _, s := range sessions {
				select {
				case s.Send <- frame:
				default:
					// drop frame if session buffer is full
					logger.Debug("dropping frame for slow client", "session", s.ID)
				}
			}

		case req := <-h.list:
			ids := make([]string, 0, len(sessions))
			for id := range sessions {
				ids = append(ids, id)
			}
			req.result <- ids

		case <-h.stop:
			for _, s := range sessions {
				close(s.Send)
			}
			return
		}
	}
}

// Stop shuts the hub down and waits for Run to return.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	<-h.done
}

// Join registers a new session. It returns nil once the hub is stopped.
func (h *Hub) Join(remote string) *Session {
	result := make(chan *Session, 1)
	select {
	case h.join <- joinReq{remote: remote, result: result}:
		return <-result
	case <-h.done:
		return nil
	}
}

// Leave removes a session and closes its Send channel.
func (h *Hub) Leave(s *Session) {
	select {
	case h.leave <- s:
	case <-h.done:
	}
}

// Broadcast queues a frame for every session.
func (h *Hub) Broadcast(frame []byte) {
	select {
	case h.broadcast <- frame:
	case <-h.done:
	}
}

// Sessions returns the IDs of the connected sessions.
func (h *Hub) Sessions() []string {
	result := make(chan []string, 1)
	select {
	case h.list <- listReq{result: result}:
		return <-result
	case <-h.done:
		return nil
	}
}
