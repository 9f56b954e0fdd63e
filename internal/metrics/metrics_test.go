package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_IndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.Ingested.Inc()

	if got := testutil.ToFloat64(a.Ingested); got != 1 {
		t.Errorf("a.Ingested = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.Ingested); got != 0 {
		t.Errorf("b.Ingested = %v, want 0", got)
	}
}

func TestSendFailed(t *testing.T) {
	m := New()
	m.SendFailed(TargetManager)
	m.SendFailed(TargetManager)
	m.SendFailed(TargetSupport)

	if got := testutil.ToFloat64(m.SendFailures.WithLabelValues(TargetManager)); got != 2 {
		t.Errorf("manager failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SendFailures.WithLabelValues(TargetSupport)); got != 1 {
		t.Errorf("support failures = %v, want 1", got)
	}
}

func TestHandler_ExposesRelayMetrics(t *testing.T) {
	m := New()
	m.Escalations.Inc()
	m.PendingItems.Set(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"signalbox_escalations_total 1",
		"signalbox_pending_items 3",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
