// Package gateway is the WebSocket front door: JSON-RPC 2.0 requests in,
// notifications out. It owns the connection registry and the per-session
// viewer sets; stream events reach only the connections viewing that
// session, board-level task updates reach everyone.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/oakline/deskd/internal/bus"
	"github.com/oakline/deskd/internal/engine"
	"github.com/oakline/deskd/internal/orchestrator"
	otelpkg "github.com/oakline/deskd/internal/otel"
	"github.com/oakline/deskd/internal/persistence"
	"github.com/oakline/deskd/internal/policy"
	"github.com/oakline/deskd/internal/recovery"
	"github.com/oakline/deskd/internal/shared"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeNotFound = 4040
	ErrCodeBusy     = 4090 // session already streaming
	ErrCodeLimit    = 4290 // concurrency ceiling reached
)

// Config holds the gateway's dependencies.
type Config struct {
	Store        *persistence.Store
	Engine       *engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Monitor      *recovery.Monitor
	Bus          *bus.Bus
	Logger       *slog.Logger
	Metrics      *otelpkg.Metrics

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ChatActor is the policy identity interactive chat turns run under.
	ChatActor policy.Actor
}

// Server accepts WebSocket clients and routes RPCs.
type Server struct {
	cfg Config
	// epoch identifies this process lifetime. A client seeing a new epoch
	// knows the server restarted and must resync from storage.
	epoch     string
	startedAt time.Time

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	forwardCancel context.CancelFunc
	forwardSub    *bus.Subscription
	wg            sync.WaitGroup
}

// client is one WebSocket connection. viewing is the session the client
// currently displays; stream events for other sessions are not delivered.
type client struct {
	id   string
	conn *websocket.Conn

	mu      sync.Mutex
	viewing string
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      any         `json:"id,omitempty"`
	Result  any         `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	Method  string      `json:"method,omitempty"`
	Params  interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New creates a Server with a fresh epoch.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChatActor.Role == "" {
		cfg.ChatActor = policy.Actor{Role: policy.RoleMember}
	}
	return &Server{
		cfg:       cfg,
		epoch:     uuid.NewString(),
		startedAt: time.Now(),
		clients:   map[*client]struct{}{},
	}
}

// Epoch returns the process-lifetime token handed to clients.
func (s *Server) Epoch() string { return s.epoch }

// Start begins forwarding bus events to connected clients.
func (s *Server) Start(ctx context.Context) {
	if s.cfg.Bus == nil {
		return
	}
	ctx, s.forwardCancel = context.WithCancel(ctx)
	s.forwardSub = s.cfg.Bus.Subscribe("")
	s.wg.Add(1)
	go s.forward(ctx)
}

// Stop halts bus forwarding. Open sockets close with their request contexts.
func (s *Server) Stop() {
	if s.forwardCancel != nil {
		s.forwardCancel()
	}
	if s.forwardSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(s.forwardSub)
	}
	s.wg.Wait()
}

// Handler returns the HTTP mux: the WS endpoint plus a liveness probe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.ListSessions(ctx, 1); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"epoch":              s.epoch,
		"uptime_seconds":     int(time.Since(s.startedAt).Seconds()),
		"streaming_sessions": len(s.cfg.Engine.StreamingSessions()),
	}
	if s.cfg.Orchestrator != nil {
		payload["running_tasks"] = s.cfg.Orchestrator.RunningCount()
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{id: uuid.NewString(), conn: conn}
	s.addClient(c)
	s.cfg.Logger.Info("ws: client connected", "connection_id", c.id)
	defer func() {
		s.removeClient(c)
		s.cfg.Logger.Info("ws: client disconnected", "connection_id", c.id)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	// The welcome carries the epoch and which sessions stream right now, so
	// a reconnecting client can tell a restart from a still-live turn.
	_ = c.write(r.Context(), rpcResponse{
		JSONRPC: "2.0",
		Method:  "system.welcome",
		Params: map[string]any{
			"connection_id":      c.id,
			"epoch":              s.epoch,
			"streaming_sessions": s.cfg.Engine.StreamingSessions(),
		},
	})

	ctx := shared.WithConnectionID(r.Context(), c.id)
	for {
		var req rpcRequest
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		resp := s.handleRPC(shared.WithTraceID(ctx, shared.NewTraceID()), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.cfg.Logger.Error("ws: write response", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

// removeClient drops the connection from the registry only. Streams are
// viewer-independent; a closing socket never touches StreamState.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) viewedSession() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewing
}

func (c *client) setViewing(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewing = sessionID
}

// forward pushes bus events out as notifications. Session-scoped topics go
// to viewers of that session only; board-level topics go to every client.
func (s *Server) forward(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.forwardSub.Ch():
			if !ok {
				return
			}
			if sessionID, scoped := sessionScope(ev); scoped {
				s.notifyViewers(sessionID, ev.Topic, ev.Payload)
			} else {
				s.notifyAll(ev.Topic, ev.Payload)
			}
		}
	}
}

// sessionScope reports whether the event targets a single session's viewers
// and which session that is.
func sessionScope(ev bus.Event) (string, bool) {
	switch p := ev.Payload.(type) {
	case bus.StreamEvent:
		return p.SessionID, true
	case bus.StreamDone:
		return p.SessionID, true
	case bus.QuestionAsked:
		return p.SessionID, true
	case map[string]string:
		if strings.HasPrefix(ev.Topic, "question.") || strings.HasPrefix(ev.Topic, "stream.") {
			return p["session_id"], true
		}
	}
	return "", false
}

func (s *Server) notifyViewers(sessionID, method string, params interface{}) {
	if sessionID == "" {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if c.viewedSession() != sessionID {
			continue
		}
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.cfg.Logger.Error("ws: notify viewer", "method", method, "error", err)
			continue
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.BroadcastsSent.Add(context.Background(), 1)
		}
	}
}

func (s *Server) notifyAll(method string, params interface{}) {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	for c := range s.clients {
		if err := c.write(context.Background(), rpcResponse{
			JSONRPC: "2.0",
			Method:  method,
			Params:  params,
		}); err != nil {
			s.cfg.Logger.Error("ws: notify", "method", method, "error", err)
			continue
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.BroadcastsSent.Add(context.Background(), 1)
		}
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}
