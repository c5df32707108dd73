package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sebas/ariflow/internal/control/stasis"
	"github.com/sebas/ariflow/internal/logger"
)

type fakeRuntime struct {
	stats    stasis.Stats
	sessions []stasis.SessionInfo
}

func (f *fakeRuntime) Stats() stasis.Stats            { return f.stats }
func (f *fakeRuntime) Sessions() []stasis.SessionInfo { return f.sessions }

type fakeStream bool

func (f fakeStream) Connected() bool { return bool(f) }

func get(t *testing.T, h http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	var body map[string]interface{}
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestHealthReflectsStream(t *testing.T) {
	tests := []struct {
		connected bool
		code      int
		status    string
	}{
		{true, http.StatusOK, "ok"},
		{false, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		s := NewServer("127.0.0.1:0", "demo", &fakeRuntime{}, fakeStream(tt.connected), nil)
		rec, body := get(t, s.Handler(), http.MethodGet, "/api/v1/health")
		if rec.Code != tt.code {
			t.Errorf("connected=%v: code = %d, want %d", tt.connected, rec.Code, tt.code)
		}
		if body["status"] != tt.status || body["app"] != "demo" {
			t.Errorf("connected=%v: body = %v", tt.connected, body)
		}
	}
}

func TestStats(t *testing.T) {
	rt := &fakeRuntime{stats: stasis.Stats{Subscriptions: 3, ActiveSessions: 2, PendingClaims: 1, EventsReceived: 40}}
	s := NewServer("127.0.0.1:0", "demo", rt, fakeStream(true), nil)

	rec, body := get(t, s.Handler(), http.MethodGet, "/api/v1/stats")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if body["subscriptions"] != float64(3) || body["pending_claims"] != float64(1) || body["events_received"] != float64(40) {
		t.Errorf("body = %v", body)
	}
	if body["stream_connected"] != true {
		t.Errorf("stream_connected = %v", body["stream_connected"])
	}

	rec, _ = get(t, s.Handler(), http.MethodPost, "/api/v1/stats")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST code = %d", rec.Code)
	}
}

func TestSessions(t *testing.T) {
	rt := &fakeRuntime{sessions: []stasis.SessionInfo{
		{ChannelID: "c1", Caller: "1000", Exten: "200", Answered: true, StartedAt: time.Now().Add(-5 * time.Second)},
	}}
	s := NewServer("127.0.0.1:0", "demo", rt, fakeStream(true), nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	var list []map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if len(list) != 1 || list[0]["channel_id"] != "c1" || list[0]["answered"] != true {
		t.Errorf("sessions = %v", list)
	}
	if d, _ := list[0]["duration"].(float64); d < 4 {
		t.Errorf("duration = %v", list[0]["duration"])
	}
}

func TestLogLevel(t *testing.T) {
	defer logger.SetLevel(logger.GetLevel())
	s := NewServer("127.0.0.1:0", "demo", &fakeRuntime{}, fakeStream(true), nil)

	rec, body := get(t, s.Handler(), http.MethodPut, "/api/v1/loglevel?level=warn")
	if rec.Code != http.StatusOK || body["level"] != "warn" {
		t.Errorf("PUT: code=%d body=%v", rec.Code, body)
	}
	rec, _ = get(t, s.Handler(), http.MethodPut, "/api/v1/loglevel?level=loud")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid level code = %d", rec.Code)
	}
}
