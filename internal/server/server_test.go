package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/danmuck/wabridge/internal/bridge"
	"github.com/danmuck/wabridge/internal/clock"
	"github.com/danmuck/wabridge/internal/lifecycle"
	"github.com/danmuck/wabridge/internal/pairing"
	"github.com/danmuck/wabridge/internal/session"
	"github.com/danmuck/wabridge/internal/store"
	"github.com/danmuck/wabridge/internal/testutil/testlog"
	"github.com/danmuck/wabridge/internal/transport/transporttest"
)

type harness struct {
	factory *transporttest.Factory
	manager *lifecycle.Manager
	server  *Server
}

func newHarness(t *testing.T, apiKey string) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	factory := transporttest.NewFactory()
	cfg := lifecycle.DefaultConfig()
	cfg.Pairing = pairing.Config{Cooldown: 0, AttemptTimeout: time.Second}
	mgr := lifecycle.NewManager(cfg, lifecycle.Deps{
		Store:   store.NewMemoryStore(),
		Factory: factory,
		Clock:   clock.NewFake(time.Unix(1_700_000_000, 0)),
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		mgr.Shutdown()
		cancel()
	})
	mgr.Start(ctx)

	br := bridge.New(bridge.DefaultConfig(), mgr.Registry(), nil)
	mgr.SetInbound(br)
	srv := New(Config{Name: "wabridge-test", Addr: ":0", APIKey: apiKey}, mgr, br)
	return &harness{factory: factory, manager: mgr, server: srv}
}

func (h *harness) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.server.HTTPRouter().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body=%s: %v", rr.Body.String(), err)
	}
	return body
}

func TestHealthAndReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "")

	rr := h.do(t, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK || decode(t, rr)["status"] != "ok" {
		t.Fatalf("health code=%d body=%s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("request id header missing")
	}

	rr = h.do(t, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusOK || decode(t, rr)["ready"] != true {
		t.Fatalf("ready code=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestAPIKeyGuardsSessionRoutes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "k-123")

	if rr := h.do(t, http.MethodGet, "/sessions", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing token code=%d", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/sessions", "", "Authorization", "Bearer wrong"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token code=%d", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/sessions", "", "Authorization", "Bearer k-123"); rr.Code != http.StatusOK {
		t.Fatalf("bearer token code=%d", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/sessions", "", "X-API-Key", "k-123"); rr.Code != http.StatusOK {
		t.Fatalf("api key code=%d", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Fatalf("health should stay open, code=%d", rr.Code)
	}
}

func TestCreateSessionThenServeQR(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "")

	if rr := h.do(t, http.MethodPost, "/sessions", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("missing id code=%d", rr.Code)
	}

	rr := h.do(t, http.MethodPost, "/sessions", `{"session_id":"g1_acctA_s1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("create code=%d body=%s", rr.Code, rr.Body.String())
	}
	sess := decode(t, rr)["session"].(map[string]any)
	if sess["session_id"] != "g1_acctA_s1" || sess["status"] != string(session.StatusConnecting) {
		t.Fatalf("session=%v", sess)
	}

	if rr := h.do(t, http.MethodGet, "/sessions/g1_acctA_s1/qr", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("qr before code should 404, got %d", rr.Code)
	}

	handle := h.factory.Last("g1_acctA_s1")
	handle.EmitPairingCode("2@pairing-payload")
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := h.manager.Registry().Get("g1_acctA_s1")
		if s.Status == session.StatusQRReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never reached qr_ready")
		}
		time.Sleep(time.Millisecond)
	}

	rr = h.do(t, http.MethodGet, "/sessions/g1_acctA_s1/qr", "")
	if rr.Code != http.StatusOK || rr.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("qr code=%d type=%q", rr.Code, rr.Header().Get("Content-Type"))
	}
	if !strings.HasPrefix(rr.Body.String(), "\x89PNG") {
		t.Fatalf("qr body is not a png")
	}

	rr = h.do(t, http.MethodGet, "/sessions?status=qr_ready", "")
	if got := decode(t, rr)["sessions"].([]any); len(got) != 1 {
		t.Fatalf("filtered sessions=%v", got)
	}
	if rr := h.do(t, http.MethodGet, "/sessions/unknown", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown session code=%d", rr.Code)
	}
	if rr := h.do(t, http.MethodGet, "/pairing/queue", ""); rr.Code != http.StatusOK {
		t.Fatalf("queue code=%d", rr.Code)
	}
}

func TestSendMessageReportsSkipped(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "")

	rr := h.do(t, http.MethodPost, "/messages", `{"sessionId":"g1_acctA_s1","recipientAddress":"923001234567","text":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("send code=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode(t, rr)["status"]; got != string(bridge.StatusSkipped) {
		t.Fatalf("status=%v", got)
	}

	if rr := h.do(t, http.MethodPost, "/messages", `{"sessionId":`); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed body code=%d", rr.Code)
	}
}

func TestDeleteSessionModes(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, "")

	if rr := h.do(t, http.MethodDelete, "/sessions/nobody", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("unknown delete code=%d", rr.Code)
	}

	h.do(t, http.MethodPost, "/sessions", `{"session_id":"g1_acctA_s1"}`)
	if rr := h.do(t, http.MethodDelete, "/sessions/g1_acctA_s1?mode=bogus", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad mode code=%d", rr.Code)
	}
	rr := h.do(t, http.MethodDelete, "/sessions/g1_acctA_s1?mode=reset", "")
	if rr.Code != http.StatusOK || decode(t, rr)["mode"] != "reset" {
		t.Fatalf("reset code=%d body=%s", rr.Code, rr.Body.String())
	}
	if _, ok := h.manager.Registry().Get("g1_acctA_s1"); ok {
		t.Fatalf("session still registered after reset")
	}
	if !h.factory.Last("g1_acctA_s1").Ended() {
		t.Fatalf("handle not ended by reset")
	}
}
