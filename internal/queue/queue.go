// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

package queue

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/tomtom215/plexer/internal/envelope"
	"github.com/tomtom215/plexer/internal/logging"
	"github.com/tomtom215/plexer/internal/validation"
)

const (
	queueFileName = "failed_forwards.jsonl"
	lockFileName  = "failed_forwards.lock"

	initialDelayBase   = 30 * time.Second
	initialJitterSpan  = 10 * time.Second
	lockRetryInterval  = 25 * time.Millisecond
	lockAcquireTimeout = 5 * time.Second
)

// Counters are the approximate metrics maintained alongside the on-disk
// queue, guarded by their own RWMutex and readable without the queue's
// advisory lock. They are recomputed from persisted survivors
// after each completed retry tick and bumped incrementally on enqueue.
type Counters struct {
	mu           sync.RWMutex
	failed       int
	retryableNow int
	nextDueAt    *time.Time
	lastError    string
	lastRetryAt  *time.Time
}

// Snapshot is a point-in-time read of the counters.
type Snapshot struct {
	Failed       int
	RetryableNow int
	NextDueAt    *time.Time
	LastError    string
	LastRetryAt  *time.Time
}

func (c *Counters) Read() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Failed:       c.failed,
		RetryableNow: c.retryableNow,
		NextDueAt:    c.nextDueAt,
		LastError:    c.lastError,
		LastRetryAt:  c.lastRetryAt,
	}
}

func (c *Counters) recompute(entries []Entry, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = len(entries)
	c.retryableNow = 0
	c.nextDueAt = nil
	for _, e := range entries {
		if e.DueAt(now) {
			c.retryableNow++
		}
		if c.nextDueAt == nil || e.NextAttempt.Before(*c.nextDueAt) {
			next := e.NextAttempt
			c.nextDueAt = &next
		}
	}
}

func (c *Counters) onEnqueue(entry Entry, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.lastError = errMsg
	if c.nextDueAt == nil || entry.NextAttempt.Before(*c.nextDueAt) {
		next := entry.NextAttempt
		c.nextDueAt = &next
	}
}

func (c *Counters) onRetryAttempt(at time.Time, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRetryAt = &at
	if errMsg != "" {
		c.lastError = errMsg
	}
}

func (c *Counters) zero() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = 0
	c.retryableNow = 0
	c.nextDueAt = nil
}

// Queue owns the on-disk failure queue under dataDir and the advisory lock
// guarding it.
type Queue struct {
	dataDir  string
	lock     *flock.Flock
	counters *Counters
}

// New returns a Queue rooted at dataDir. It does not touch the filesystem;
// call EnsureDataDir before first use.
func New(dataDir string) *Queue {
	return &Queue{
		dataDir:  dataDir,
		lock:     flock.New(filepath.Join(dataDir, lockFileName)),
		counters: &Counters{},
	}
}

// Counters exposes the queue's in-memory metrics counters.
func (q *Queue) Counters() *Counters {
	return q.counters
}

// DataDir returns the directory this queue is rooted at.
func (q *Queue) DataDir() string {
	return q.dataDir
}

func (q *Queue) path() string {
	return filepath.Join(q.dataDir, queueFileName)
}

// EnsureDataDir ensures the data directory and lockfile exist.
func (q *Queue) EnsureDataDir() error {
	if err := os.MkdirAll(q.dataDir, 0o755); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	f, err := os.OpenFile(q.lock.Path(), os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return fmt.Errorf("ensure lockfile: %w", err)
	}
	return f.Close()
}

// withLock acquires the advisory lock with bounded retries, runs fn, and
// releases the lock afterward regardless of fn's outcome.
func (q *Queue) withLock(ctx context.Context, fn func() error) error {
	ctx, cancel := context.WithTimeout(ctx, lockAcquireTimeout)
	defer cancel()

	locked, err := q.lock.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !locked {
		return errors.New("acquire lock: timed out")
	}
	defer func() {
		if err := q.lock.Unlock(); err != nil {
			logging.Err(err).Msg("failed to release queue lock")
		}
	}()

	return fn()
}

// SaveFailedEvent appends one failure queue entry for consumerKey, scheduling
// its first retry attempt 30-40s in the future. Persistence errors are
// logged and the event is dropped rather than allowed to block the caller.
func (q *Queue) SaveFailedEvent(ctx context.Context, env envelope.Envelope, consumerKey, errMsg string) {
	now := time.Now()
	entry := Entry{
		ConsumerKey: consumerKey,
		Event:       env,
		RetryCount:  0,
		LastAttempt: now,
		NextAttempt: now.Add(initialDelayBase + jitter()),
		Error:       errMsg,
	}

	if verr := validation.ValidateStruct(&entry); verr != nil {
		logging.Error().Err(verr).Str("consumer_key", consumerKey).Msg("dropping invalid failure queue entry")
		return
	}

	if err := q.EnsureDataDir(); err != nil {
		logging.Err(err).Msg("failed to ensure queue data dir, dropping event")
		return
	}

	line, err := entry.MarshalLine()
	if err != nil {
		logging.Err(err).Msg("failed to serialize failure queue entry, dropping event")
		return
	}

	appendErr := q.withLock(ctx, func() error {
		f, err := os.OpenFile(q.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = f.Write(line)
		return err
	})
	if appendErr != nil {
		logging.Err(appendErr).Str("consumer_key", consumerKey).Msg("failed to append failure queue entry, dropping event")
		return
	}

	q.counters.onEnqueue(entry, errMsg)
}

func jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(initialJitterSpan)))
}

// ClaimForProcessing renames the queue file to a processing snapshot and
// creates a fresh empty queue file, all under the lock. It returns the
// processing file's path, or ("", nil) if the queue was missing or empty
// (counters are zeroed in that case).
func (q *Queue) ClaimForProcessing(ctx context.Context) (string, error) {
	var processingPath string

	err := q.withLock(ctx, func() error {
		info, statErr := os.Stat(q.path())
		if statErr != nil {
			if os.IsNotExist(statErr) {
				q.counters.zero()
				return nil
			}
			return statErr
		}
		if info.Size() == 0 {
			q.counters.zero()
			return nil
		}

		processingPath = filepath.Join(q.dataDir, fmt.Sprintf("processing.%s.jsonl", uuid.New().String()))
		if err := os.Rename(q.path(), processingPath); err != nil {
			return fmt.Errorf("rename to processing snapshot: %w", err)
		}

		empty, err := os.OpenFile(q.path(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return fmt.Errorf("create fresh queue file: %w", err)
		}
		return empty.Close()
	})
	if err != nil {
		return "", err
	}
	return processingPath, nil
}

// PersistSurvivors appends survivors to the live queue file under the lock
// and, only on success, unlinks the processing file. If the append fails,
// the processing file is left in place so crash recovery can reclaim it.
func (q *Queue) PersistSurvivors(ctx context.Context, processingPath string, survivors []Entry, now time.Time) error {
	return q.withLock(ctx, func() error {
		f, err := os.OpenFile(q.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open queue file for survivor append: %w", err)
		}

		w := bufio.NewWriter(f)
		for _, e := range survivors {
			line, merr := e.MarshalLine()
			if merr != nil {
				logging.Err(merr).Str("consumer_key", e.ConsumerKey).Msg("dropping unmarshalable survivor entry")
				continue
			}
			if _, werr := w.Write(line); werr != nil {
				f.Close()
				return fmt.Errorf("append survivor: %w", werr)
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("flush survivors: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close queue file after survivor append: %w", err)
		}

		if err := os.Remove(processingPath); err != nil && !os.IsNotExist(err) {
			logging.Err(err).Str("path", processingPath).Msg("failed to unlink processing file after durable survivor append")
		}

		q.counters.recompute(survivors, now)
		return nil
	})
}

// AppendOrphanContents byte-for-byte appends the contents of an orphaned
// processing file to the live queue file, under the lock, then unlinks the
// orphan. Used by crash recovery.
func (q *Queue) AppendOrphanContents(ctx context.Context, orphanPath string) error {
	return q.withLock(ctx, func() error {
		src, err := os.Open(orphanPath)
		if err != nil {
			return fmt.Errorf("open orphan %s: %w", orphanPath, err)
		}
		defer src.Close()

		dst, err := os.OpenFile(q.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open queue file: %w", err)
		}
		defer dst.Close()

		if _, err := io.Copy(dst, src); err != nil {
			return fmt.Errorf("append orphan contents: %w", err)
		}

		if err := os.Remove(orphanPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unlink orphan %s: %w", orphanPath, err)
		}
		return nil
	})
}

// SnapshotForMetrics copies the live queue file to a read-only snapshot
// under the lock, returning the snapshot path. The lock is held only for
// the copy itself, keeping the critical section tiny.
func (q *Queue) SnapshotForMetrics(ctx context.Context) (string, error) {
	snapshotPath := filepath.Join(q.dataDir, fmt.Sprintf("snapshot.%s.jsonl", uuid.New().String()))

	err := q.withLock(ctx, func() error {
		src, err := os.Open(q.path())
		if err != nil {
			if os.IsNotExist(err) {
				snapshotPath = ""
				return nil
			}
			return err
		}
		defer src.Close()

		dst, err := os.OpenFile(snapshotPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		defer dst.Close()

		_, err = io.Copy(dst, src)
		return err
	})
	if err != nil {
		return "", err
	}
	return snapshotPath, nil
}

// ReadEntries streams a queue-format file line by line, skipping unparsable
// lines rather than failing the whole scan.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			logging.Warn().Str("path", path).Msg("skipping unparsable queue line")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// ScanMetrics streams a snapshot file and derives failedCount, retryableNow
// and nextDueAt without holding the queue lock.
func ScanMetrics(path string, now time.Time) (failedCount, retryableNow int, nextDueAt *time.Time, err error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return 0, 0, nil, err
	}
	failedCount = len(entries)
	for _, e := range entries {
		if e.DueAt(now) {
			retryableNow++
		}
		if nextDueAt == nil || e.NextAttempt.Before(*nextDueAt) {
			next := e.NextAttempt
			nextDueAt = &next
		}
	}
	return failedCount, retryableNow, nextDueAt, nil
}

// OnRetryAttempt records that a retry attempt happened at "at", optionally
// with an error message (empty string leaves lastError unchanged).
func (c *Counters) OnRetryAttempt(at time.Time, errMsg string) {
	c.onRetryAttempt(at, errMsg)
}

// SetFromScan overwrites the counters with a freshly scanned failed count,
// retryable-now count, and next-due time, used after crash recovery's
// lock-free metrics scan.
func (c *Counters) SetFromScan(failed, retryableNow int, nextDueAt *time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = failed
	c.retryableNow = retryableNow
	c.nextDueAt = nextDueAt
}
