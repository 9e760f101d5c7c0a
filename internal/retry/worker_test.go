package retry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/plexer/internal/consumer"
	"github.com/tomtom215/plexer/internal/envelope"
	"github.com/tomtom215/plexer/internal/queue"
)

func seedQueue(t *testing.T, dir string, entries []queue.Entry) {
	var data []byte
	for _, e := range entries {
		line, err := e.MarshalLine()
		if err != nil {
			t.Fatalf("marshal entry: %v", err)
		}
		data = append(data, line...)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "failed_forwards.jsonl"), data, 0o644); err != nil {
		t.Fatalf("write queue file: %v", err)
	}
}

func testEvent(t *testing.T) envelope.Envelope {
	env, err := envelope.Validate(map[string]interface{}{"type": "knowledge.observatory.published.v1", "source": "semantAH", "payload": map[string]interface{}{"url": "x"}})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func TestTickRetrySucceedsRemovesEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	entry := queue.Entry{
		ConsumerKey: "heimgeist",
		Event:       testEvent(t),
		RetryCount:  0,
		LastAttempt: time.Now().Add(-time.Minute),
		NextAttempt: time.Now().Add(-time.Second),
		Error:       "previous failure",
	}
	seedQueue(t, dir, []queue.Entry{entry})

	q := queue.New(dir)
	reg := consumer.NewRegistry("heimgeist", consumer.Descriptor{Key: "heimgeist", Label: "H", URL: srv.URL, AuthKind: consumer.AuthBearer})
	w := New(q, reg, Config{Client: srv.Client()})

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	remaining, err := queue.ReadEntries(filepath.Join(dir, "failed_forwards.jsonl"))
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("expected empty queue after successful retry, got %d entries", len(remaining))
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "processing.*.jsonl"))
	if len(matches) != 0 {
		t.Errorf("expected processing file unlinked, found %v", matches)
	}
}

func TestTickRetryFailsBumpsRetryCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	before := time.Now()
	entry := queue.Entry{
		ConsumerKey: "heimgeist",
		Event:       testEvent(t),
		RetryCount:  0,
		LastAttempt: before.Add(-time.Minute),
		NextAttempt: before.Add(-time.Second),
		Error:       "previous failure",
	}
	seedQueue(t, dir, []queue.Entry{entry})

	q := queue.New(dir)
	reg := consumer.NewRegistry("heimgeist", consumer.Descriptor{Key: "heimgeist", Label: "H", URL: srv.URL, AuthKind: consumer.AuthBearer})
	w := New(q, reg, Config{Client: srv.Client()})

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	remaining, err := queue.ReadEntries(filepath.Join(dir, "failed_forwards.jsonl"))
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 survivor, got %d", len(remaining))
	}
	survivor := remaining[0]
	if survivor.RetryCount != 1 {
		t.Errorf("expected retryCount bumped to 1, got %d", survivor.RetryCount)
	}
	if !survivor.NextAttempt.After(time.Now()) {
		t.Errorf("expected nextAttempt in the future, got %v", survivor.NextAttempt)
	}
	if survivor.LastAttempt.Before(before) {
		t.Errorf("expected lastAttempt updated")
	}

	matches, _ := filepath.Glob(filepath.Join(dir, "processing.*.jsonl"))
	if len(matches) != 0 {
		t.Errorf("expected processing file unlinked after durable persist, found %v", matches)
	}
}

func TestTickNotDueEntryPassesThroughUnchanged(t *testing.T) {
	dir := t.TempDir()
	future := time.Now().Add(time.Hour)
	entry := queue.Entry{
		ConsumerKey: "heimgeist",
		Event:       testEvent(t),
		RetryCount:  2,
		LastAttempt: time.Now().Add(-time.Hour),
		NextAttempt: future,
		Error:       "still waiting",
	}
	seedQueue(t, dir, []queue.Entry{entry})

	q := queue.New(dir)
	reg := consumer.NewRegistry("heimgeist", consumer.Descriptor{Key: "heimgeist", Label: "H", URL: "https://unused.example.com", AuthKind: consumer.AuthBearer})
	w := New(q, reg, Config{})

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	remaining, err := queue.ReadEntries(filepath.Join(dir, "failed_forwards.jsonl"))
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RetryCount != 2 {
		t.Errorf("expected entry unchanged, got %+v", remaining)
	}
}

func TestTickMissingConsumerBumpsWithConfigError(t *testing.T) {
	dir := t.TempDir()
	entry := queue.Entry{
		ConsumerKey: "unknown-consumer",
		Event:       testEvent(t),
		RetryCount:  0,
		LastAttempt: time.Now().Add(-time.Minute),
		NextAttempt: time.Now().Add(-time.Second),
		Error:       "x",
	}
	seedQueue(t, dir, []queue.Entry{entry})

	q := queue.New(dir)
	reg := consumer.NewRegistry("heimgeist")
	w := New(q, reg, Config{})

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick failed: %v", err)
	}

	remaining, err := queue.ReadEntries(filepath.Join(dir, "failed_forwards.jsonl"))
	if err != nil {
		t.Fatalf("read queue: %v", err)
	}
	if len(remaining) != 1 || remaining[0].Error != "Consumer configuration missing" {
		t.Errorf("unexpected survivor: %+v", remaining)
	}
}

func TestTickEmptyQueueIsNoop(t *testing.T) {
	dir := t.TempDir()
	q := queue.New(dir)
	reg := consumer.NewRegistry("heimgeist")
	w := New(q, reg, Config{})

	if err := w.Tick(context.Background()); err != nil {
		t.Fatalf("tick on empty queue should be a no-op, got %v", err)
	}
}
