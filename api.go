package substrate

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// APIServer exposes loop control over REST and loop events over a
// WebSocket stream for the local UI.
type APIServer struct {
	orch     *Orchestrator
	logger   *slog.Logger
	apiToken string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan LoopEvent
	done chan struct{}
	once sync.Once
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// NewAPIServer creates the UI server. An empty apiToken disables
// authentication; otherwise every /api request must carry it as a bearer
// token.
func NewAPIServer(orch *Orchestrator, apiToken string, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &APIServer{
		orch:     orch,
		logger:   logger,
		apiToken: apiToken,
		clients:  make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local UI only; the host binds loopback by default.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	orch.Subscribe(s.broadcast)
	return s
}

// Router builds the HTTP handler.
func (s *APIServer) Router() http.Handler {
	r := mux.NewRouter()
	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.auth)
	api.HandleFunc("/loop/{action:start|pause|resume|stop|restart}", s.handleLoopAction).Methods(http.MethodPost)
	api.HandleFunc("/loop/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/message", s.handleMessage).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// auth enforces the optional bearer token on every /api request.
func (s *APIServer) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiToken != "" {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != s.apiToken {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) handleLoopAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	var err error
	switch action {
	case "start":
		err = s.orch.Start()
	case "pause":
		err = s.orch.Pause()
	case "resume":
		err = s.orch.Resume()
	case "stop":
		s.orch.Stop()
	case "restart":
		s.orch.Stop()
		err = s.orch.Start()
	}
	if err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *APIServer) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

// handleMessage accepts a user message from the UI and hands it to the
// orchestrator's injection contract.
func (s *APIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text is required"})
		return
	}
	injected := s.orch.InjectMessage(body.Text)
	writeJSON(w, http.StatusOK, map[string]any{"injected": injected})
}

// handleWS upgrades the connection and streams loop events. All writes go
// through the client's writePump; readPump only services pongs and close.
func (s *APIServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &wsClient{
		conn: conn,
		send: make(chan LoopEvent, wsSendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	go s.writePump(c)
	go s.readPump(c)
}

func (s *APIServer) dropClient(c *wsClient) {
	c.once.Do(func() {
		close(c.done)
		s.mu.Lock()
		delete(s.clients, c)
		s.mu.Unlock()
		c.conn.Close()
	})
}

func (s *APIServer) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		s.dropClient(c)
	}()
	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (s *APIServer) readPump(c *wsClient) {
	defer s.dropClient(c)
	c.conn.SetReadLimit(32 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// broadcast fans a loop event out to every connected UI client,
// non-blocking: slow consumers lose events rather than stalling the loop.
func (s *APIServer) broadcast(ev LoopEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
