package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"q-bridge/internal/gateway"
	"q-bridge/internal/protocol"
	"q-bridge/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StatusSource reports the state of the shared session.
type StatusSource interface {
	Status() session.Status
}

// Options configures what the server serves besides the API.
type Options struct {
	IndexFile string // served at GET /
	StaticDir string // served under /static/
}

// Server exposes the query gateway over HTTP (SSE and buffered JSON) and
// WebSocket.
type Server struct {
	log    *zap.SugaredLogger
	gw     *gateway.Gateway
	status StatusSource
	opts   Options

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new realtime server.
func New(log *zap.SugaredLogger, gw *gateway.Gateway, status StatusSource, opts Options) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		log:     log,
		gw:      gw,
		status:  status,
		opts:    opts,
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.GET("/", s.handleIndex)
	if s.opts.StaticDir != "" {
		router.ServeFiles("/static/*filepath", http.Dir(s.opts.StaticDir))
	}

	router.GET("/api/query", s.handleQueryGet)
	router.POST("/api/query", s.handleQueryPost)
	router.GET("/api/status", s.handleStatus)
	router.POST("/api/session/restart", s.handleRestart)

	router.GET("/ws", s.handleWebSocket)

	return corsMiddleware(router)
}

// Close disconnects WebSocket clients and waits for their queries to end.
// Hijacked connections are not closed by http.Server.Shutdown.
func (s *Server) Close() {
	// Under clientsMu so no connection registers between cancel and Wait.
	s.clientsMu.Lock()
	s.cancel()
	s.clientsMu.Unlock()
	s.wg.Wait()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Credentials", "true")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debugw("websocket upgrade error", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		cancel()
		conn.Close()
		s.log.Debugw("websocket client refused: server closed", "remote", r.RemoteAddr)
		return
	}
	s.clients[c] = true
	s.wg.Add(2)
	s.clientsMu.Unlock()
	s.log.Debugw("websocket client connected", "remote", r.RemoteAddr)

	c.enqueue(s.statusMessage())

	go c.writePump()
	go c.readPump()
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.cancel()
		c.server.removeClient(c)
		c.conn.Close()
		c.server.wg.Done()
	}()

	// Unblocks ReadMessage when the server closes.
	stop := context.AfterFunc(c.ctx, func() { c.conn.Close() })
	defer stop()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Debugw("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.server.wg.Done()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}

		case <-c.ctx.Done():
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// enqueue hands a message to the write pump. It blocks while the buffer is
// full so that no chunk of a response is lost, and gives up once the client
// is gone.
func (c *client) enqueue(msg *protocol.Message) {
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.ctx.Done():
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, "", protocol.ErrInvalidMessage, err.Error())
		return
	}

	switch msg.Type {
	case protocol.TypeQuerySubmit:
		var payload protocol.QuerySubmitPayload
		json.Unmarshal(msg.Payload, &payload)
		s.goQuery(c, payload.Query)
	case protocol.TypeSessionRestart:
		s.goRestart(c)
	case protocol.TypeStatusRequest:
		c.enqueue(s.statusMessage())
	}
}

// goQuery streams one query's events to the client. It runs off the read
// pump so pongs keep being processed during long responses.
func (s *Server) goQuery(c *client, query string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		st, err := s.gw.Stream(c.ctx, query)
		if err != nil {
			s.sendQueryError(c, "", err)
			return
		}
		for ev, err := range st.Events(c.ctx) {
			if err != nil {
				s.sendQueryError(c, st.ID, err)
				return
			}
			var msg *protocol.Message
			if ev.Type == session.EventComplete {
				msg, _ = protocol.NewMessage(protocol.TypeQueryComplete, protocol.QueryCompletePayload{
					Text: strings.TrimSpace(ev.Text),
				})
			} else {
				msg, _ = protocol.NewMessage(protocol.TypeQueryChunk, protocol.QueryChunkPayload{Text: ev.Text})
			}
			c.enqueue(msg.WithID(st.ID))
		}
	}()
}

func (s *Server) goRestart(c *client) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.gw.Restart(c.ctx); err != nil {
			s.sendQueryError(c, "", err)
			return
		}
		s.BroadcastStatus()
	}()
}

func (s *Server) sendQueryError(c *client, id string, err error) {
	if c.ctx.Err() != nil {
		return
	}
	_, code := classify(err)
	s.sendError(c, id, code, err.Error())
}

func (s *Server) sendError(c *client, id, code, message string) {
	msg, err := protocol.NewErrorMessage(code, message)
	if err != nil {
		return
	}
	c.enqueue(msg.WithID(id))
}

func (s *Server) statusMessage() *protocol.Message {
	msg, err := protocol.NewMessage(protocol.TypeSessionStatus, s.status.Status())
	if err != nil {
		s.log.Warnw("marshal session status", "error", err)
		return nil
	}
	return msg
}

// BroadcastStatus pushes the current session status to every WebSocket
// client. Clients with a full buffer skip the update.
func (s *Server) BroadcastStatus() {
	msg := s.statusMessage()
	if msg == nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// classify maps gateway and session errors onto an HTTP status and a
// WebSocket error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, gateway.ErrEmptyQuery):
		return http.StatusBadRequest, protocol.ErrEmptyQuery
	case errors.Is(err, gateway.ErrTimeout):
		return http.StatusRequestTimeout, protocol.ErrTimeout
	case errors.Is(err, gateway.ErrBusy):
		return http.StatusServiceUnavailable, protocol.ErrBusy
	case errors.Is(err, session.ErrShutdown):
		return http.StatusServiceUnavailable, protocol.ErrShuttingDown
	default:
		return http.StatusInternalServerError, protocol.ErrProcessFailure
	}
}
