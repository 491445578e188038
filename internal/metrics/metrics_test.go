package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAll(t *testing.T) {
	m := New()

	m.SignupsTotal.WithLabelValues("created").Inc()
	m.EventsTotal.WithLabelValues("signup").Inc()
	m.EmailsSentTotal.Inc()
	m.MailQueueDepth.Set(3)
	m.RateLimitExceededTotal.WithLabelValues("write").Inc()

	if got := testutil.ToFloat64(m.SignupsTotal.WithLabelValues("created")); got != 1 {
		t.Errorf("SignupsTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.MailQueueDepth); got != 3 {
		t.Errorf("MailQueueDepth = %v, want 3", got)
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("Gather() returned no metric families")
	}
}

func TestGlobal(t *testing.T) {
	SetGlobal(nil)
	if Global() != nil {
		t.Error("Global() != nil after SetGlobal(nil)")
	}

	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	if Global() != m {
		t.Error("Global() did not return the set instance")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/stats", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %v, want 418", rec.Code)
	}
	if got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/stats", "418")); got != 1 {
		t.Errorf("HTTPRequestsTotal = %v, want 1", got)
	}
}

func TestHTTPMiddlewareWithoutGlobal(t *testing.T) {
	SetGlobal(nil)

	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/anything", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %v, want 200", rec.Code)
	}
}
