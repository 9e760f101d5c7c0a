package metrics

import (
	"context"
	"net/http"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/dispatch"
	"github.com/tomtom215/plexer/internal/envelope"
	"github.com/tomtom215/plexer/internal/policy"
	"github.com/tomtom215/plexer/internal/queue"
)

func testRegistry(dir string) (*consumer.Registry, *policy.Matrix) {
	reg := consumer.NewRegistry("heimgeist", consumer.Descriptor{Key: "heimgeist", Label: "H", URL: "https://example.com", AuthKind: consumer.AuthBearer})
	matrix := policy.NewMatrix("heimgeist", nil, nil)
	return reg, matrix
}

func TestRefreshReflectsQueueAndDispatcherState(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(dir)
	reg, matrix := testRegistry(dir)
	d := dispatch.New(reg, matrix, q, http.DefaultClient)

	env, err := envelope.Validate(map[string]interface{}{"type": "t", "source": "s", "payload": 1})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	q.SaveFailedEvent(context.Background(), env, "heimgeist", "boom")

	promReg := prometheus.NewRegistry()
	m := New(promReg, q, d)

	report := m.Refresh()
	if report.Counts.Failed != 1 {
		t.Errorf("expected failed=1, got %d", report.Counts.Failed)
	}
	if report.Counts.Pending != 0 {
		t.Errorf("expected pending=0, got %d", report.Counts.Pending)
	}
	if report.LastError != "boom" {
		t.Errorf("expected last_error boom, got %q", report.LastError)
	}
}

func TestObserveMethodsAcceptCallsAfterSetObserver(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(dir)
	reg, matrix := testRegistry(dir)
	d := dispatch.New(reg, matrix, q, http.DefaultClient)

	promReg := prometheus.NewRegistry()
	m := New(promReg, q, d)
	d.SetObserver(m)

	m.ObserveOutcome("heimgeist", "success")
	m.ObserveBreakerState("heimgeist", 0)
}
