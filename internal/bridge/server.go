package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"strata/internal/logging"
	"strata/internal/notify"
)

var logger = logging.For("bridge")

const (
	writeWait      = 10 * time.Second
	seenTTL        = 5 * time.Minute
	cleanupEvery   = time.Minute
	maxFrameLength = 1 << 20
)

// Ingester accepts messages from the host side.
type Ingester interface {
	Ingest(msg string) notify.Notification
}

// Options configures a Server.
type Options struct {
	Addr          string  // listen address, host:port
	Path          string  // WebSocket endpoint path
	MaxMsgsPerSec float64 // per-client inbound rate; <= 0 disables limiting
}

// Server exposes a WebSocket endpoint for host clients.
type Server struct {
	opts     Options
	ingest   Ingester
	hub      *Hub
	seen     *SeenCache
	limiter  *RateLimiter
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	http     *http.Server
	conns    map[*websocket.Conn]struct{}
	stopped  bool
	wg       sync.WaitGroup // client pumps
}

// NewServer creates a bridge server that hands inbound messages to ingest.
func NewServer(opts Options, ingest Ingester) *Server {
	if opts.Path == "" {
		opts.Path = "/bridge"
	}
	return &Server{
		opts:    opts,
		ingest:  ingest,
		hub:     NewHub(),
		seen:    NewSeenCache(seenTTL),
		limiter: NewRateLimiter(opts.MaxMsgsPerSec),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// Listen binds the server socket. Call Serve to start accepting clients.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return nil
}

// Addr returns the listener's address. Useful when listening on :0.
func (s *Server) Addr() string {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Path returns the WebSocket endpoint path.
func (s *Server) Path() string { return s.opts.Path }

// Serve accepts clients until ctx is cancelled or Stop is called. Call
// Listen first.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	if ln == nil {
		s.mu.Unlock()
		return errors.New("Serve called before Listen")
	}
	mux := http.NewServeMux()
	mux.HandleFunc(s.opts.Path, s.handleWS)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	s.http = srv
	s.mu.Unlock()

	go s.hub.Run()
	done := make(chan struct{})
	go s.seen.CleanupLoop(done, cleanupEvery)

	go func() {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-done:
		}
	}()

	logger.Info("bridge listening", "addr", ln.Addr().String(), "path", s.opts.Path)
	err := srv.Serve(ln)
	close(done)
	// Serve may fail without Stop; the pumps only end once clients close.
	s.Stop()
	s.wg.Wait()
	s.hub.Stop()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop closes the listener and every client connection.
func (s *Server) Stop() {
	s.mu.Lock()
	s.stopped = true
	srv := s.http
	ln := s.listener
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if srv != nil {
		_ = srv.Close()
	} else if ln != nil {
		_ = ln.Close()
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

// Notify sends a notification to every connected client.
func (s *Server) Notify(n notify.Notification) {
	frame, err := json.Marshal(n)
	if err != nil {
		logger.Warn("encoding notification", "err", err)
		return
	}
	s.hub.Broadcast(frame)
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	return len(s.hub.Sessions())
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(maxFrameLength)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	session := s.hub.Join(r.RemoteAddr)
	if session == nil {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Add(-2)
		_ = conn.Close()
		return
	}

	logger.Info("client connected", "remote", r.RemoteAddr, "session", session.ID)
	go s.writePump(conn, session)
	go s.readPump(conn, session)
}

// readPump ingests inbound text frames until the client goes away.
func (s *Server) readPump(conn *websocket.Conn, session *Session) {
	defer s.wg.Done()
	defer func() {
		s.hub.Leave(session)
		s.limiter.Forget(session.ID)
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
		logger.Info("client disconnected", "session", session.ID)
	}()

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Debug("websocket read", "session", session.ID, "err", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !s.limiter.Allow(session.ID) {
			logger.Warn("rate limit exceeded, dropping message", "session", session.ID)
			continue
		}
		if id := messageID(data); s.seen.Check(id) {
			logger.Debug("duplicate message dropped", "session", session.ID, "id", id)
			continue
		}
		s.ingest.Ingest(string(data))
	}
}

// writePump writes queued frames until the session's Send channel closes.
func (s *Server) writePump(conn *websocket.Conn, session *Session) {
	defer s.wg.Done()
	for frame := range session.Send {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			logger.Debug("websocket write", "session", session.ID, "err", err)
			_ = conn.Close()
			// keep draining so the hub never blocks on this session
		}
	}
}

// messageID extracts the "id" field of a JSON message, or "".
func messageID(data []byte) string {
	var m struct {
		ID string `json:"id"`
	}
	if json.Unmarshal(data, &m) != nil {
		return ""
	}
	return m.ID
}
