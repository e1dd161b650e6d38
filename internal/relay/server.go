package relay

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"meshcall/internal/core/domain"
	"meshcall/pkg/utils"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Should be configured properly for production
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// sendQueueSize bounds the per-connection outbound buffer drained by the
// write pump.
const sendQueueSize = 64

// ServerOptions carries the tunables of the websocket endpoint.
type ServerOptions struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit limits inbound messages per connection; nil disables
	// limiting. Messages over the limit are dropped, not fatal.
	RateLimit *rate.Limit
	RateBurst int
}

// Server accepts signaling connections and feeds the room registry. Each
// connection gets one read loop and one write pump; messages of a single
// connection are handled serially in its read loop.
type Server struct {
	registry *Registry
	metrics  *Collector
	opts     ServerOptions

	logger *zap.SugaredLogger
}

func NewServer(registry *Registry, metrics *Collector, opts ServerOptions, log *zap.Logger) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Server{
		registry: registry,
		metrics:  metrics,
		opts:     opts,
		logger:   log.Sugar(),
	}
}

// clientConn is one transport session. Enqueue never blocks: the registry
// calls it under its lock, so overflow is a drop instead of a stall.
type clientConn struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *clientConn) ID() string { return c.id }

func (c *clientConn) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend stops the write pump. A Forward racing with disconnect may
// still hold the client, so the channel close is guarded.
func (c *clientConn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &clientConn{
		id:   utils.GenerateConnectionID(),
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}

	s.metrics.ConnectionOpened()
	s.logger.Infow("client connected", "conn_id", client.id, "remote", conn.RemoteAddr().String())

	go s.writePump(client)
	s.readLoop(client)

	// Transport closed: membership cleanup broadcasts user-left to the
	// remaining members.
	s.registry.Leave(client)
	client.closeSend()
	s.metrics.ConnectionClosed()
	s.logger.Infow("client disconnected", "conn_id", client.id)
}

func (s *Server) readLoop(client *clientConn) {
	conn := client.conn
	conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))
		return nil
	})

	var limiter *rate.Limiter
	if s.opts.RateLimit != nil {
		limiter = rate.NewLimiter(*s.opts.RateLimit, s.opts.RateBurst)
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("read error", "conn_id", client.id, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(s.opts.PongTimeout))

		if limiter != nil && !limiter.Allow() {
			s.metrics.RecordDrop("rate_limited")
			continue
		}

		s.handleMessage(client, raw)
	}
}

// handleMessage dispatches one inbound frame. Anything malformed or
// unknown is dropped without touching the connection: the relay fails
// open.
func (s *Server) handleMessage(client *clientConn, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		s.metrics.RecordDrop("bad_json")
		s.logger.Debugw("dropping malformed envelope", "conn_id", client.id, "error", err)
		return
	}

	switch env.Type {
	case domain.TypeJoin:
		if env.RoomID == "" || env.UserID == "" {
			s.metrics.RecordDrop("incomplete_join")
			return
		}
		users, err := s.registry.Join(client, env.RoomID, env.UserID)
		if err != nil {
			s.logger.Debugw("join refused", "conn_id", client.id, "room_id", env.RoomID, "user_id", env.UserID, "error", err)
			return
		}
		s.sendEnvelope(client, domain.Envelope{
			Type:  domain.TypeExistingUsers,
			Users: users,
		})

	case domain.TypeSignal:
		if env.To == "" {
			s.metrics.RecordDrop("missing_target")
			return
		}
		// Routing misses inside Forward are already silent.
		s.registry.Forward(client, env.To, raw)

	default:
		s.metrics.RecordDrop("unknown_type")
		s.logger.Debugw("dropping envelope of unknown type", "conn_id", client.id, "type", env.Type)
	}
}

func (s *Server) sendEnvelope(client *clientConn, env domain.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Errorw("failed to marshal envelope", "type", env.Type, "error", err)
		return
	}
	if !client.Enqueue(raw) {
		s.metrics.RecordDrop("send_buffer_full")
	}
}

func (s *Server) writePump(client *clientConn) {
	conn := client.conn
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	defer conn.Close()

	for {
		select {
		case msg, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
