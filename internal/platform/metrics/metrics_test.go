package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_nil_receiver(t *testing.T) {
	var m *Metrics
	m.IncRequests()
	m.ObserveFetch("priming", 10, time.Millisecond)
	m.IncStalls()
	m.SetActiveSessions(3)
}

func TestMetrics_ObserveFetch(t *testing.T) {
	m := New()
	m.ObserveFetch("priming", 100, 10*time.Millisecond)
	m.ObserveFetch("steady", 50, 10*time.Millisecond)
	m.ObserveFetch("steady", 50, 10*time.Millisecond)

	if got := testutil.ToFloat64(m.segmentsFetched.WithLabelValues("steady")); got != 2 {
		t.Errorf("steady fetches = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.bytesFetched); got != 200 {
		t.Errorf("bytes fetched = %v, want 200", got)
	}
}

func TestRequestMiddleware_counts_errors(t *testing.T) {
	m := New()
	h := RequestMiddleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	for _, p := range []string{"/ok", "/missing", "/missing"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}

	if got := testutil.ToFloat64(m.requestsTotal); got != 3 {
		t.Errorf("requests = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.errorsTotal); got != 2 {
		t.Errorf("errors = %v, want 2", got)
	}
}

func TestHandler_scrape(t *testing.T) {
	m := New()
	called := false
	srv := httptest.NewServer(m.Handler(func() {
		called = true
		m.SetActiveSessions(4)
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !called {
		t.Error("updateGauges not called")
	}
	if !strings.Contains(string(body), "rangefeed_active_sessions 4") {
		t.Errorf("scrape missing gauge: %s", body)
	}
}
