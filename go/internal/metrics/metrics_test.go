package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordFinalizationCountsByReason(t *testing.T) {
	m := New()
	m.RecordFinalization("user-submit", 20*time.Millisecond)
	m.RecordFinalization("user-submit", 20*time.Millisecond)
	m.RecordFinalization("time-expired", time.Millisecond)

	if got := testutil.ToFloat64(m.finalizations.WithLabelValues("user-submit")); got != 2 {
		t.Fatalf("user-submit: want=2 got=%v", got)
	}
	if got := testutil.ToFloat64(m.finalizations.WithLabelValues("time-expired")); got != 1 {
		t.Fatalf("time-expired: want=1 got=%v", got)
	}
}

func TestOutboxCollector(t *testing.T) {
	m := New()
	m.RecordEventProcessed("AttemptFinalized", true, time.Millisecond)
	m.RecordEventProcessed("AttemptFinalized", false, time.Millisecond)

	if got := testutil.ToFloat64(m.outboxEvents.WithLabelValues("AttemptFinalized", "failure")); got != 1 {
		t.Fatalf("failures: want=1 got=%v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.RecordClockDrift()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, name := range []string{"exam_active_sessions 1", "exam_clock_drift_total 1"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %q", name)
		}
	}
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	m := New()
	h := m.Middleware("bootstrap", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	if got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, "bootstrap", "418")); got != 1 {
		t.Fatalf("requests: want=1 got=%v", got)
	}
}
