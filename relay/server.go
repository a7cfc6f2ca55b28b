package relay

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	substrate "github.com/rookdaemon/substrate-sub003"
)

const (
	dedupCapacity    = 10000
	bufferCapacity   = 100
	maxPollLimit     = 100
	restRatePerMin   = 60
	limiterIdleTTL   = 10 * time.Minute
	serverPingPeriod = 30 * time.Second
	serverPongWait   = 75 * time.Second
	serverWriteWait  = 10 * time.Second
	peerSendBuffer   = 64
)

// wsPeer is one live WebSocket agent.
type wsPeer struct {
	fingerprint string
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	once        sync.Once
	lastSeen    time.Time
}

// restSession is one polling agent. The private key, when supplied at
// registration, lives only in memory so the relay can sign on the client's
// behalf; it is never persisted.
type restSession struct {
	fingerprint string
	name        string
	priv        ed25519.PrivateKey
	jti         string
	expiresAt   time.Time
	buffer      []bufferedMessage
	lastSeen    time.Time
}

type bufferedMessage struct {
	Envelope  substrate.Envelope `json:"envelope"`
	Timestamp int64              `json:"timestamp"`
}

// ServerConfig carries the relay server's tunables.
type ServerConfig struct {
	JWTSecret    []byte
	JWTExpiry    time.Duration
	WebhookToken string
}

// Server is the relay hub: a peer registry, per-REST-session buffers, an
// envelope dedup set and the REST plus WS endpoints over them. All state is
// in memory; a restart forgets everything, and peers re-register.
type Server struct {
	cfg    ServerConfig
	broker *TokenBroker
	logger *slog.Logger
	dedup  *dedupSet
	now    func() time.Time

	upgrader websocket.Upgrader

	mu       sync.Mutex
	wsPeers  map[string]*wsPeer
	sessions map[string]*restSession
	limiters map[string]*addrLimiter
}

// addrLimiter is one address's REST budget plus its last use, for pruning.
type addrLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewServer creates the relay server. The JWT secret is required.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		broker: NewTokenBroker(cfg.JWTSecret, cfg.JWTExpiry),
		logger: logger,
		dedup:  newDedupSet(dedupCapacity),
		now:    time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		wsPeers:  make(map[string]*wsPeer),
		sessions: make(map[string]*restSession),
		limiters: make(map[string]*addrLimiter),
	}
}

// Router builds the relay's HTTP handler.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(s.rateLimit)
	v1.HandleFunc("/register", s.handleRegister).Methods(http.MethodPost)
	v1.HandleFunc("/send", s.authed(s.handleSend)).Methods(http.MethodPost)
	v1.HandleFunc("/peers", s.authed(s.handlePeers)).Methods(http.MethodGet)
	v1.HandleFunc("/messages", s.authed(s.handleMessages)).Methods(http.MethodGet)
	v1.HandleFunc("/disconnect", s.authed(s.handleDisconnect)).Methods(http.MethodDelete)
	v1.HandleFunc("/webhook", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS)
	return r
}

// --- middleware ---

// rateLimit enforces the per-address REST budget. Addresses idle past the
// TTL are swept whenever a new address shows up, keeping the map bounded by
// recently active clients.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := r.RemoteAddr
		if host, _, err := net.SplitHostPort(addr); err == nil {
			addr = host
		}
		now := s.now()
		s.mu.Lock()
		al, ok := s.limiters[addr]
		if !ok {
			for key, old := range s.limiters {
				if now.Sub(old.lastSeen) > limiterIdleTTL {
					delete(s.limiters, key)
				}
			}
			al = &addrLimiter{lim: rate.NewLimiter(rate.Every(time.Minute/restRatePerMin), restRatePerMin)}
			s.limiters[addr] = al
		}
		al.lastSeen = now
		s.mu.Unlock()
		if !al.lim.Allow() {
			jsonError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authed wraps a handler with bearer token verification and passes the
// caller's fingerprint and jti through the request context-free way: as
// arguments.
func (s *Server) authed(h func(w http.ResponseWriter, r *http.Request, fingerprint, jti string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		fp, jti, err := s.broker.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		h(w, r, fp, jti)
	}
}

// --- REST handlers ---

type registerRequest struct {
	PublicKey string             `json:"publicKey"`
	Name      string             `json:"name"`
	Proof     substrate.Envelope `json:"proof"`
	// PrivateKey, base64, lets the relay sign outbound envelopes for
	// clients that cannot sign themselves. Optional, memory-only.
	PrivateKey string `json:"privateKey,omitempty"`
}

// handleRegister verifies key ownership via a co-signed verify envelope,
// creates a REST session and issues a token.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PublicKey == "" {
		jsonError(w, http.StatusBadRequest, "publicKey and proof are required")
		return
	}
	// Ownership proof: the proof envelope must be of type verify, claim the
	// registering key as sender, and carry a valid signature.
	if req.Proof.Type != substrate.EnvVerify || req.Proof.Sender != req.PublicKey {
		jsonError(w, http.StatusBadRequest, "proof envelope must be a verify envelope from publicKey")
		return
	}
	if err := req.Proof.Verify(); err != nil {
		jsonError(w, http.StatusUnauthorized, "proof verification failed")
		return
	}

	var priv ed25519.PrivateKey
	if req.PrivateKey != "" {
		raw, err := base64.RawURLEncoding.DecodeString(req.PrivateKey)
		if err != nil || len(raw) != ed25519.PrivateKeySize {
			jsonError(w, http.StatusBadRequest, "malformed privateKey")
			return
		}
		priv = ed25519.PrivateKey(raw)
	}

	token, jti, err := s.broker.Issue(req.PublicKey)
	if err != nil {
		jsonError(w, http.StatusInternalServerError, "token issue failed")
		return
	}

	now := s.now()
	s.mu.Lock()
	s.sessions[req.PublicKey] = &restSession{
		fingerprint: req.PublicKey,
		name:        req.Name,
		priv:        priv,
		jti:         jti,
		expiresAt:   now.Add(s.broker.expiry),
		lastSeen:    now,
	}
	peers := s.peerListLocked(req.PublicKey)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"token": token,
		"peers": peers,
	})
}

type sendRequest struct {
	To       string             `json:"to"`
	Envelope substrate.Envelope `json:"envelope"`
	// Text asks the relay to build and sign the envelope on the session's
	// behalf; only valid when the session registered a private key.
	Text string `json:"text,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, fp, _ string) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.To == "" {
		jsonError(w, http.StatusBadRequest, "to is required")
		return
	}

	env := req.Envelope
	if req.Text != "" && env.ID == "" {
		signed, err := s.signForSession(fp, req.Text)
		if err != nil {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		env = signed
	}

	if env.Sender != fp {
		jsonError(w, http.StatusForbidden, "envelope sender does not match token")
		return
	}
	if err := env.Verify(); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if s.dedup.Seen(env.ID) {
		// Duplicates are acknowledged but not routed.
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "envelopeId": env.ID, "duplicate": true})
		return
	}

	switch s.route(req.To, env) {
	case routeDelivered, routeBuffered:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "envelopeId": env.ID})
	case routeSocketClosed:
		jsonError(w, http.StatusServiceUnavailable, "recipient unavailable")
	default:
		jsonError(w, http.StatusNotFound, "unknown recipient")
	}
}

// signForSession builds a request envelope from text and signs it with the
// session's stored private key.
func (s *Server) signForSession(fp, text string) (substrate.Envelope, error) {
	s.mu.Lock()
	sess := s.sessions[fp]
	s.mu.Unlock()
	if sess == nil || sess.priv == nil {
		return substrate.Envelope{}, errNoSigningKey
	}
	env, err := substrate.NewEnvelope(substrate.EnvRequest, sess.priv.Public().(ed25519.PublicKey), map[string]string{"text": text})
	if err != nil {
		return substrate.Envelope{}, err
	}
	if err := env.Sign(sess.priv); err != nil {
		return substrate.Envelope{}, err
	}
	return env, nil
}

var errNoSigningKey = &sessionError{"session has no signing key"}

type sessionError struct{ msg string }

func (e *sessionError) Error() string { return e.msg }

type peerInfo struct {
	PublicKey string `json:"publicKey"`
	Name      string `json:"name,omitempty"`
	Transport string `json:"transport"`
	LastSeen  int64  `json:"lastSeen"`
}

func (s *Server) handlePeers(w http.ResponseWriter, _ *http.Request, fp, _ string) {
	s.mu.Lock()
	peers := s.peerListLocked(fp)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{"peers": peers})
}

// peerListLocked returns the union of WS peers and REST sessions minus the
// caller, deduplicated by public key with the WS entry winning.
func (s *Server) peerListLocked(caller string) []peerInfo {
	byKey := make(map[string]peerInfo)
	for key, sess := range s.sessions {
		if key == caller {
			continue
		}
		byKey[key] = peerInfo{PublicKey: key, Name: sess.name, Transport: "rest", LastSeen: sess.lastSeen.UnixMilli()}
	}
	for key, peer := range s.wsPeers {
		if key == caller {
			continue
		}
		byKey[key] = peerInfo{PublicKey: key, Transport: "ws", LastSeen: peer.lastSeen.UnixMilli()}
	}
	out := make([]peerInfo, 0, len(byKey))
	for _, p := range byKey {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicKey < out[j].PublicKey })
	return out
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, fp, _ string) {
	limit := maxPollLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			jsonError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if n < limit {
			limit = n
		}
	}
	var since int64 = -1
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			jsonError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = n
	}

	s.mu.Lock()
	sess := s.sessions[fp]
	if sess == nil {
		s.mu.Unlock()
		jsonError(w, http.StatusNotFound, "no session")
		return
	}
	sess.lastSeen = s.now()

	var out []bufferedMessage
	var hasMore bool
	if since >= 0 {
		// Filtered reads never drain the buffer.
		for _, m := range sess.buffer {
			if m.Timestamp > since {
				out = append(out, m)
			}
		}
		if len(out) > limit {
			out = out[:limit]
			hasMore = true
		}
	} else {
		n := len(sess.buffer)
		if n > limit {
			n = limit
			hasMore = true
		}
		out = append(out, sess.buffer[:n]...)
		sess.buffer = sess.buffer[n:]
	}
	s.mu.Unlock()

	if out == nil {
		out = []bufferedMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "hasMore": hasMore})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, _ *http.Request, fp, jti string) {
	s.mu.Lock()
	exp := s.now().Add(s.broker.expiry)
	if sess := s.sessions[fp]; sess != nil {
		exp = sess.expiresAt
		delete(s.sessions, fp)
	}
	s.mu.Unlock()
	s.broker.Revoke(jti, exp)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWebhook accepts an envelope in wire form from an external system
// and routes it to the recipient named in the to query parameter.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebhookToken == "" || r.Header.Get("X-Webhook-Token") != s.cfg.WebhookToken {
		jsonError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}
	to := r.URL.Query().Get("to")
	if to == "" {
		jsonError(w, http.StatusBadRequest, "to is required")
		return
	}
	var body struct {
		Wire string `json:"wire"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Wire == "" {
		jsonError(w, http.StatusBadRequest, "wire is required")
		return
	}
	env, err := substrate.DecodeWire(body.Wire)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := env.Verify(); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid envelope: "+err.Error())
		return
	}
	if s.dedup.Seen(env.ID) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "duplicate": true})
		return
	}
	switch s.route(to, env) {
	case routeDelivered, routeBuffered:
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "envelopeId": env.ID})
	case routeSocketClosed:
		jsonError(w, http.StatusServiceUnavailable, "recipient unavailable")
	default:
		jsonError(w, http.StatusNotFound, "unknown recipient")
	}
}

// --- routing ---

type routeResult int

const (
	routeUnknown routeResult = iota
	routeDelivered
	routeBuffered
	routeSocketClosed
)

// route sends env to the recipient: live WS first, REST buffer second.
func (s *Server) route(to string, env substrate.Envelope) routeResult {
	s.mu.Lock()
	peer := s.wsPeers[to]
	sess := s.sessions[to]
	s.mu.Unlock()

	if peer != nil {
		frame, err := json.Marshal(wsFrame{Type: "message", Envelope: &env})
		if err != nil {
			return routeUnknown
		}
		// Never block the router on a slow consumer: a full send buffer is
		// treated like a dead socket and the sender gets the 503.
		select {
		case peer.send <- frame:
			return routeDelivered
		case <-peer.done:
			return routeSocketClosed
		default:
			return routeSocketClosed
		}
	}
	if sess != nil {
		s.mu.Lock()
		if len(sess.buffer) >= bufferCapacity {
			sess.buffer = sess.buffer[1:]
		}
		sess.buffer = append(sess.buffer, bufferedMessage{Envelope: env, Timestamp: s.now().UnixMilli()})
		s.mu.Unlock()
		return routeBuffered
	}
	return routeUnknown
}

// --- WebSocket ---

// wsFrame is the relay's WS message shape, shared by server and client.
type wsFrame struct {
	Type      string              `json:"type"`
	PublicKey string              `json:"publicKey,omitempty"`
	To        string              `json:"to,omitempty"`
	Envelope  *substrate.Envelope `json:"envelope,omitempty"`
	Message   string              `json:"message,omitempty"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	peer := &wsPeer{
		conn:     conn,
		send:     make(chan []byte, peerSendBuffer),
		done:     make(chan struct{}),
		lastSeen: s.now(),
	}
	go s.peerWritePump(peer)
	go s.peerReadPump(peer)
}

func (s *Server) dropPeer(p *wsPeer) {
	p.once.Do(func() {
		close(p.done)
		s.mu.Lock()
		if p.fingerprint != "" && s.wsPeers[p.fingerprint] == p {
			delete(s.wsPeers, p.fingerprint)
		}
		s.mu.Unlock()
		p.conn.Close()
	})
}

func (s *Server) peerWritePump(p *wsPeer) {
	ticker := time.NewTicker(serverPingPeriod)
	defer func() {
		ticker.Stop()
		s.dropPeer(p)
	}()
	for {
		select {
		case frame := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(serverWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(serverWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-p.done:
			return
		}
	}
}

func (s *Server) peerReadPump(p *wsPeer) {
	defer s.dropPeer(p)
	p.conn.SetReadLimit(256 * 1024)
	p.conn.SetReadDeadline(time.Now().Add(serverPongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(serverPongWait))
		return nil
	})
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.conn.SetReadDeadline(time.Now().Add(serverPongWait))

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.sendFrame(p, wsFrame{Type: "error", Message: "malformed frame"})
			continue
		}
		switch frame.Type {
		case "register":
			s.registerPeer(p, frame.PublicKey)
		case "message":
			s.handlePeerMessage(p, frame)
		case "ping":
			s.sendFrame(p, wsFrame{Type: "pong"})
		default:
			s.sendFrame(p, wsFrame{Type: "error", Message: "unknown frame type"})
		}
	}
}

// registerPeer records the socket in the registry. Re-registration with the
// same key replaces the previous socket, last write wins.
func (s *Server) registerPeer(p *wsPeer, publicKey string) {
	if publicKey == "" {
		s.sendFrame(p, wsFrame{Type: "error", Message: "publicKey is required"})
		return
	}
	s.mu.Lock()
	prev := s.wsPeers[publicKey]
	p.fingerprint = publicKey
	p.lastSeen = s.now()
	s.wsPeers[publicKey] = p
	s.mu.Unlock()
	if prev != nil && prev != p {
		s.dropPeer(prev)
	}
	s.sendFrame(p, wsFrame{Type: "registered"})
	s.logger.Info("peer registered", "fingerprint", publicKey)
}

// handlePeerMessage validates and routes one inbound WS envelope. Invalid
// envelopes earn the sender an error frame and are never routed.
func (s *Server) handlePeerMessage(p *wsPeer, frame wsFrame) {
	if p.fingerprint == "" {
		s.sendFrame(p, wsFrame{Type: "error", Message: "register first"})
		return
	}
	if frame.Envelope == nil || frame.To == "" {
		s.sendFrame(p, wsFrame{Type: "error", Message: "message needs to and envelope"})
		return
	}
	env := *frame.Envelope
	if env.Sender != p.fingerprint {
		s.sendFrame(p, wsFrame{Type: "error", Message: "envelope sender does not match registration"})
		return
	}
	if err := env.Verify(); err != nil {
		s.sendFrame(p, wsFrame{Type: "error", Message: err.Error()})
		return
	}
	if s.dedup.Seen(env.ID) {
		return
	}
	if s.route(frame.To, env) == routeUnknown {
		s.sendFrame(p, wsFrame{Type: "error", Message: "unknown recipient"})
	}
}

func (s *Server) sendFrame(p *wsPeer, frame wsFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case p.send <- raw:
	case <-p.done:
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": msg})
}
