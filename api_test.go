package substrate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestAPI(t *testing.T, apiToken string) (*APIServer, *Orchestrator) {
	t.Helper()
	o, _ := newTestOrchestrator(t, idleRunner(), LoopConfig{})
	return NewAPIServer(o, apiToken, testLogger()), o
}

func doJSON(t *testing.T, handler http.Handler, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestLoopActions(t *testing.T) {
	s, o := newTestAPI(t, "")
	router := s.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/loop/start", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("status decode: %v", err)
	}
	if st.State != StateRunning {
		t.Errorf("state=%s, want RUNNING", st.State)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/loop/pause", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause: %d %s", rec.Code, rec.Body)
	}
	if o.State() != StatePaused {
		t.Errorf("orchestrator state=%s, want PAUSED", o.State())
	}

	// Pause again: invalid transition surfaces as a conflict.
	rec = doJSON(t, router, http.MethodPost, "/api/loop/pause", "", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("double pause: %d, want 409", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/loop/resume", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodPost, "/api/loop/stop", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("stop: %d", rec.Code)
	}
	if o.State() != StateStopped {
		t.Errorf("orchestrator state=%s, want STOPPED", o.State())
	}

	rec = doJSON(t, router, http.MethodPost, "/api/loop/restart", "", "")
	if rec.Code != http.StatusOK || o.State() != StateRunning {
		t.Errorf("restart: %d state=%s", rec.Code, o.State())
	}

	// Unknown actions never match the route.
	rec = doJSON(t, router, http.MethodPost, "/api/loop/explode", "", "")
	if rec.Code == http.StatusOK {
		t.Error("unknown action must not be routed")
	}
}

func TestLoopStatusEndpoint(t *testing.T) {
	s, _ := newTestAPI(t, "")
	rec := doJSON(t, s.Router(), http.MethodGet, "/api/loop/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var st Status
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatal(err)
	}
	if st.State != StateStopped {
		t.Errorf("state=%s, want STOPPED", st.State)
	}
}

func TestBearerTokenAuth(t *testing.T) {
	s, _ := newTestAPI(t, "secret-token")
	router := s.Router()

	if rec := doJSON(t, router, http.MethodGet, "/api/loop/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token: %d, want 401", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/loop/status", "wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: %d, want 401", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodGet, "/api/loop/status", "secret-token", ""); rec.Code != http.StatusOK {
		t.Errorf("valid token: %d, want 200", rec.Code)
	}
}

func TestMessageEndpoint(t *testing.T) {
	s, o := newTestAPI(t, "")
	router := s.Router()

	// Stopped loop: the message is deferred to CONVERSATION.
	rec := doJSON(t, router, http.MethodPost, "/api/message", "", `{"text":"hello agent"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("message: %d %s", rec.Code, rec.Body)
	}
	var body struct {
		Injected bool `json:"injected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Injected {
		t.Error("stopped loop cannot deliver into a session")
	}
	content, _ := o.store.Read(FileConversation)
	if !strings.Contains(content, "hello agent") {
		t.Error("deferred message missing from conversation")
	}

	if rec := doJSON(t, router, http.MethodPost, "/api/message", "", `{"text":"  "}`); rec.Code != http.StatusBadRequest {
		t.Errorf("blank text: %d, want 400", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/api/message", "", `{bad json`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad body: %d, want 400", rec.Code)
	}
}

func TestBroadcastReachesSubscribedClients(t *testing.T) {
	s, o := newTestAPI(t, "")
	c := &wsClient{send: make(chan LoopEvent, 1), done: make(chan struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	o.Emit(LoopEvent{Type: EvIdle})

	select {
	case ev := <-c.send:
		if ev.Type != EvIdle {
			t.Errorf("event type %q", ev.Type)
		}
	default:
		t.Fatal("broadcast never reached the client")
	}

	// A full send buffer drops rather than blocks.
	o.Emit(LoopEvent{Type: EvIdle})
	o.Emit(LoopEvent{Type: EvIdle})
}
