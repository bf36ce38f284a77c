package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// PruneResult holds the outcome of a retention pass.
type PruneResult struct {
	Kept    int
	Deleted []string
	Errors  []string
}

// Prune deletes all but the newest keep exports. Deletion failures are
// collected and do not stop the pass; keep < 1 disables pruning.
func (e *Exporter) Prune(ctx context.Context, keep int) (*PruneResult, error) {
	paths, err := e.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapshot: failed to list exports: %w", err)
	}

	var exports []string
	for _, p := range paths {
		if strings.HasSuffix(p, ".jsonl.sz") {
			exports = append(exports, p)
		}
	}

	sort.Strings(exports)

	result := &PruneResult{Kept: len(exports)}
	if keep < 1 || len(exports) <= keep {
		return result, nil
	}

	expired := exports[:len(exports)-keep]
	for _, p := range expired {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := e.objects.Delete(ctx, p); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", p, err))
			continue
		}
		result.Deleted = append(result.Deleted, p)
		result.Kept--
	}

	if len(result.Deleted) > 0 {
		e.metrics.SnapshotsPruned.Add(float64(len(result.Deleted)))
		e.logger.Info("snapshots pruned", "deleted", len(result.Deleted), "kept", result.Kept)
	}
	if len(result.Errors) > 0 {
		e.logger.Warn("snapshot pruning incomplete", "errors", len(result.Errors))
	}
	return result, nil
}

// Task exports a snapshot and then prunes old ones. It implements
// daemon.Task.
type Task struct {
	Exporter *Exporter
	Keep     int
}

// Name implements daemon.Task.
func (t Task) Name() string {
	return "snapshot"
}

// RunOnce implements daemon.Task.
func (t Task) RunOnce(ctx context.Context) error {
	if _, err := t.Exporter.Export(ctx); err != nil {
		return err
	}
	_, err := t.Exporter.Prune(ctx, t.Keep)
	return err
}
