package health

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestMux(checks map[string]Result, order ...string) *http.ServeMux {
	agg := NewAggregator()
	for _, name := range order {
		agg.Register(name, fixed(name, checks[name]))
	}
	mux := http.NewServeMux()
	RegisterHandlers(mux, agg)
	return mux
}

func serve(mux http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestLivenessHandler(t *testing.T) {
	rec := serve(newTestMux(nil), "/healthz")

	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("Body = %q, want OK", rec.Body.String())
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		result   Result
		wantCode int
		wantBody string
	}{
		{"healthy", Healthy("ok"), http.StatusOK, "OK"},
		{"degraded", Degraded("slow"), http.StatusOK, "DEGRADED"},
		{"unhealthy", Unhealthy("down", errors.New("x")), http.StatusServiceUnavailable, "UNHEALTHY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := newTestMux(map[string]Result{"store": tt.result}, "store")
			rec := serve(mux, "/readyz")
			if rec.Code != tt.wantCode {
				t.Errorf("Status = %d, want %d", rec.Code, tt.wantCode)
			}
			if rec.Body.String() != tt.wantBody {
				t.Errorf("Body = %q, want %q", rec.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestDetailedHandler(t *testing.T) {
	mux := newTestMux(map[string]Result{
		"store":    Healthy("ok").WithDetails(map[string]any{"entries": 3}),
		"breakers": Unhealthy("1 open", ErrCheckFailed),
	}, "store", "breakers")

	rec := serve(mux, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", resp.Status)
	}
	if resp.Checks["breakers"].Error != ErrCheckFailed.Error() {
		t.Errorf("breakers error = %q", resp.Checks["breakers"].Error)
	}
	if resp.Checks["store"].Details["entries"] != float64(3) {
		t.Errorf("store details = %v", resp.Checks["store"].Details)
	}
}

func TestSingleCheckHandler(t *testing.T) {
	mux := newTestMux(map[string]Result{"store": Degraded("busy")}, "store")

	rec := serve(mux, "/health/store")
	if rec.Code != http.StatusOK {
		t.Errorf("Status = %d, want %d", rec.Code, http.StatusOK)
	}
	var resp CheckResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "degraded" || resp.Message != "busy" {
		t.Errorf("resp = %+v", resp)
	}

	if rec := serve(mux, "/health/missing"); rec.Code != http.StatusNotFound {
		t.Errorf("missing checker Status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
