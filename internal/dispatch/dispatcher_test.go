package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/envelope"
	"github.com/tomtom215/plexer/internal/policy"
	"github.com/tomtom215/plexer/internal/queue"
)

func testEnv(t *testing.T, eventType string) envelope.Envelope {
	env, err := envelope.Validate(map[string]interface{}{
		"type":    eventType,
		"source":  "semantAH",
		"payload": map[string]interface{}{"url": "https://example.com"},
	})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func waitForCount(t *testing.T, get func() int32, want int32) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if get() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for count %d, last seen %d", want, get())
}

func TestDispatchBroadcastReachesAllConsumers(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := consumer.NewRegistry("heimgeist",
		consumer.Descriptor{Key: "heimgeist", Label: "Heimgeist", URL: srv.URL, AuthKind: consumer.AuthBearer},
		consumer.Descriptor{Key: "c2", Label: "C2", URL: srv.URL, Token: "t2", AuthKind: consumer.AuthBearer},
		consumer.Descriptor{Key: "c3", Label: "C3", URL: srv.URL, Token: "t3", AuthKind: consumer.AuthXAuth},
	)
	matrix := policy.NewMatrix("heimgeist", []string{"knowledge.observatory.published.v1"}, nil)
	q := queue.New(t.TempDir())
	d := New(reg, matrix, q, srv.Client())

	d.Dispatch(context.Background(), testEnv(t, "knowledge.observatory.published.v1"))

	waitForCount(t, func() int32 { return atomic.LoadInt32(&hits) }, 3)
}

func TestDispatchNarrowReachesOnlyCritical(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := consumer.NewRegistry("heimgeist",
		consumer.Descriptor{Key: "heimgeist", Label: "Heimgeist", URL: srv.URL, AuthKind: consumer.AuthBearer},
		consumer.Descriptor{Key: "c2", Label: "C2", URL: srv.URL, Token: "t2", AuthKind: consumer.AuthBearer},
	)
	matrix := policy.NewMatrix("heimgeist", nil, nil)
	q := queue.New(t.TempDir())
	d := New(reg, matrix, q, srv.Client())

	d.Dispatch(context.Background(), testEnv(t, "test.event"))

	waitForCount(t, func() int32 { return atomic.LoadInt32(&hits) }, 1)
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("expected exactly 1 hit, got %d", got)
	}
}

func TestDispatchCriticalFailureIsQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := consumer.NewRegistry("heimgeist",
		consumer.Descriptor{Key: "heimgeist", Label: "Heimgeist", URL: srv.URL, AuthKind: consumer.AuthBearer},
	)
	matrix := policy.NewMatrix("heimgeist", nil, nil)
	dir := t.TempDir()
	q := queue.New(dir)
	d := New(reg, matrix, q, srv.Client())

	d.Dispatch(context.Background(), testEnv(t, "test.event"))

	if !d.Drain(context.Background(), time.Second) {
		t.Fatal("expected drain to complete")
	}
	time.Sleep(20 * time.Millisecond)

	if snap := q.Counters().Read(); snap.Failed != 1 {
		t.Errorf("expected 1 queued entry, got %d", snap.Failed)
	}
}

func TestDispatchBestEffortFailureIsNotQueued(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := consumer.NewRegistry("heimgeist",
		consumer.Descriptor{Key: "heimgeist", Label: "Heimgeist", URL: srv.URL, AuthKind: consumer.AuthBearer},
	)
	matrix := policy.NewMatrix("heimgeist", nil, []string{"integrity.summary.published.v1"})
	q := queue.New(t.TempDir())
	d := New(reg, matrix, q, srv.Client())

	d.Dispatch(context.Background(), testEnv(t, "integrity.summary.published.v1"))

	if !d.Drain(context.Background(), time.Second) {
		t.Fatal("expected drain to complete")
	}

	if snap := q.Counters().Read(); snap.Failed != 0 {
		t.Errorf("expected 0 queued entries for best-effort event, got %d", snap.Failed)
	}
}

func TestDrainTimesOutWithPendingCall(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer func() {
		close(release)
		srv.Close()
	}()

	reg := consumer.NewRegistry("heimgeist",
		consumer.Descriptor{Key: "heimgeist", Label: "Heimgeist", URL: srv.URL, AuthKind: consumer.AuthBearer},
	)
	matrix := policy.NewMatrix("heimgeist", nil, nil)
	q := queue.New(t.TempDir())
	d := New(reg, matrix, q, srv.Client())

	d.Dispatch(context.Background(), testEnv(t, "test.event"))

	if d.Drain(context.Background(), 100*time.Millisecond) {
		t.Error("expected drain to time out while call is pending")
	}
}
