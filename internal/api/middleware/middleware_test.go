package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/drfirst/go-rxfill/internal/identity"
	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

func sign(t *testing.T, v *identity.Verifier, id int64, role identity.Role) string {
	t.Helper()
	token, err := v.Sign(identity.Identity{SubjectID: id, Role: role}, time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return "Bearer " + token
}

func TestAuthenticateAndRequireRole(t *testing.T) {
	v := identity.NewVerifier("test-secret", "")
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := identity.FromContext(r.Context())
		w.Header().Set("X-Subject", string(id.Role))
		w.WriteHeader(http.StatusNoContent)
	})
	h := Authenticate(v)(RequireRole(identity.RoleDoctor)(ok))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer not-a-token", http.StatusUnauthorized},
		{"wrong secret", sign(t, identity.NewVerifier("other", ""), 7, identity.RoleDoctor), http.StatusUnauthorized},
		{"wrong role", sign(t, v, 3, identity.RolePharmacy), http.StatusForbidden},
		{"doctor", sign(t, v, 7, identity.RoleDoctor), http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestLoggerRecordsCaller(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	v := identity.NewVerifier("test-secret", "")

	h := RequestID(Logger(zap.New(core))(Authenticate(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))))

	req := httptest.NewRequest(http.MethodPost, "/prescriptions", nil)
	req.Header.Set("Authorization", sign(t, v, 9, identity.RolePharmacy))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	entries := logs.FilterMessage("http request").All()
	if len(entries) != 1 {
		t.Fatalf("log entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["subject_id"] != int64(9) || fields["role"] != "Pharmacy" {
		t.Errorf("fields = %v", fields)
	}
	if fields["status"] != int64(http.StatusAccepted) {
		t.Errorf("status field = %v", fields["status"])
	}
}

func TestMetricsUsesRoutePattern(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(Metrics(m))
	r.Get("/prescriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, path := range []string{"/prescriptions/1", "/prescriptions/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if n := testutil.CollectAndCount(m.RequestDuration); n != 1 {
		t.Errorf("series = %d, want 1 for both ids", n)
	}
}

func TestRecover(t *testing.T) {
	h := Recover(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example.com"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Errorf("allow origin = %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("unexpected allow origin %q", got)
	}
}
