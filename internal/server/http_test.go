package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"NavCurve/internal/observability"
	"NavCurve/internal/query"
)

func newTestServer() *Server {
	// nil database handle: these tests only exercise paths that fail
	// before any query runs
	return New(":0", query.NewService(nil), observability.NewHealthChecker(), zerolog.Nop(), nil)
}

func do(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	if body.Success {
		t.Error("error response should have success=false")
	}
	return body.Error
}

// ============================================================================
// Test: request validation
// ============================================================================

func TestHandleCurve_RequiresAddress(t *testing.T) {
	rec := do(t, newTestServer(), "/api/v1/netvalue")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "address is required" {
		t.Errorf("error = %q", msg)
	}
}

func TestHandleCurve_RejectsUnknownInterval(t *testing.T) {
	rec := do(t, newTestServer(), "/api/v1/netvalue?address=0xabc&interval=7h")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if msg := decodeError(t, rec); msg != `invalid interval "7h"` {
		t.Errorf("error = %q", msg)
	}
}

func TestHandleCurve_RejectsBadTimeParams(t *testing.T) {
	for _, target := range []string{
		"/api/v1/netvalue?address=0xabc&start=yesterday",
		"/api/v1/netvalue?address=0xabc&end=not-a-time",
	} {
		rec := do(t, newTestServer(), target)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", target, rec.Code)
		}
	}
}

func TestHandleCurve_RejectsNegativeLimit(t *testing.T) {
	rec := do(t, newTestServer(), "/api/v1/netvalue?address=0xabc&limit=-5")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleLatest_RequiresAddress(t *testing.T) {
	rec := do(t, newTestServer(), "/api/v1/netvalue/latest")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleAddresses_RejectsUnknownInterval(t *testing.T) {
	rec := do(t, newTestServer(), "/api/v1/addresses?interval=2d")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleRecord_RequiresAddress(t *testing.T) {
	rec := do(t, newTestServer(), "/api/v1/records")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// ============================================================================
// Test: timeParam
// ============================================================================

func TestTimeParam(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Time
		ok   bool
	}{
		{"", time.Time{}, true},
		{"1700000000000", time.UnixMilli(1700000000000).UTC(), true},
		{"2025-08-17T05:00:00Z", time.Date(2025, 8, 17, 5, 0, 0, 0, time.UTC), true},
		{"yesterday", time.Time{}, false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/?t="+tc.raw, nil)
		got, err := timeParam(req, "t")
		if tc.ok != (err == nil) {
			t.Errorf("timeParam(%q) err = %v", tc.raw, err)
			continue
		}
		if tc.ok && !got.Equal(tc.want) {
			t.Errorf("timeParam(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

// ============================================================================
// Test: health endpoints
// ============================================================================

func TestHealthEndpoints(t *testing.T) {
	health := observability.NewHealthChecker()
	s := New(":0", query.NewService(nil), health, zerolog.Nop(), nil)

	if rec := do(t, s, "/healthz"); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d, want 200", rec.Code)
	}
	if rec := do(t, s, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz before SetReady = %d, want 503", rec.Code)
	}
	health.SetReady(true)
	if rec := do(t, s, "/readyz"); rec.Code != http.StatusOK {
		t.Errorf("readyz after SetReady = %d, want 200", rec.Code)
	}
}
