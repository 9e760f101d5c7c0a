// Plexer - HTTP event router
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/plexer

// Package recovery reattaches orphaned processing snapshots to the failure
// queue at startup, before the retry worker is armed.
package recovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tomtom215/plexer/internal/logging"
	"github.com/tomtom215/plexer/internal/queue"
)

// Run executes the crash-recovery protocol once, synchronously, against q.
// It is idempotent: running it twice yields the same queue contents as
// running it once, since the second run finds no orphans left to reattach.
func Run(ctx context.Context, q *queue.Queue) error {
	if err := q.EnsureDataDir(); err != nil {
		return err
	}

	orphans, err := findOrphans(q)
	if err != nil {
		return err
	}
	sort.Strings(orphans)

	for _, orphan := range orphans {
		if err := q.AppendOrphanContents(ctx, orphan); err != nil {
			logging.Err(err).Str("path", orphan).Msg("failed to reattach orphaned processing snapshot, continuing")
			continue
		}
		logging.Info().Str("path", orphan).Msg("reattached orphaned processing snapshot")
	}

	return rescanMetrics(ctx, q)
}

func findOrphans(q *queue.Queue) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(q.DataDir(), "processing.*.jsonl"))
	if err != nil {
		return nil, err
	}
	return matches, nil
}

func rescanMetrics(ctx context.Context, q *queue.Queue) error {
	snapshotPath, err := q.SnapshotForMetrics(ctx)
	if err != nil {
		return err
	}
	if snapshotPath == "" {
		q.Counters().SetFromScan(0, 0, nil)
		return nil
	}
	defer func() {
		if err := os.Remove(snapshotPath); err != nil && !os.IsNotExist(err) {
			logging.Err(err).Str("path", snapshotPath).Msg("failed to unlink metrics snapshot")
		}
	}()

	failedCount, retryableNow, nextDueAt, err := queue.ScanMetrics(snapshotPath, time.Now())
	if err != nil {
		return err
	}
	q.Counters().SetFromScan(failedCount, retryableNow, nextDueAt)
	return nil
}
