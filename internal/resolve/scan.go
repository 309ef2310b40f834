package resolve

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/match"
	"github.com/sells-group/dedupe-cli/internal/merge"
	"github.com/sells-group/dedupe-cli/internal/store"
)

// RunScan resumes the periodic existing-by-existing scan from the stored
// checkpoint and decides every cohort pair it produces. The cursor is
// persisted after the run, including a failed one, so the next run
// resumes from the last fully processed chunk. A scan that exhausts all
// cohorts resets the cursor so the next run starts a fresh pass.
func (e *Engine) RunScan(ctx context.Context, maxCohorts int) (*match.ScanResult, error) {
	cursor, err := e.store.GetCursor(ctx, store.ScanCursorName)
	if err != nil {
		return nil, err
	}

	scanner := match.NewScanner(e.gen, e.cfg.Scan)
	res, runErr := scanner.Run(ctx, cursor, maxCohorts, e.emitScanPair)

	next := res.Cursor
	if runErr == nil && (maxCohorts == 0 || res.Cohorts < maxCohorts) {
		// Full pass complete.
		next = ""
	}
	if next != cursor {
		if err := e.store.SetCursor(ctx, store.ScanCursorName, next); err != nil {
			if runErr != nil {
				return res, runErr
			}
			return res, err
		}
	}

	zap.L().Info("scan finished",
		zap.Int("cohorts", res.Cohorts),
		zap.Int("pairs", res.Pairs),
		zap.String("cursor", next),
	)
	return res, runErr
}

// emitScanPair decides one scan pair. Transient merge conflicts and
// pairs whose members were merged away earlier in the pass are skipped;
// a later pass picks them up again.
func (e *Engine) emitScanPair(ctx context.Context, pair match.CandidatePair) error {
	_, err := e.DecidePair(ctx, pair)
	if err == nil {
		return nil
	}
	if errors.Is(err, merge.ErrConcurrentMerge) || errors.Is(err, merge.ErrNotActive) {
		zap.L().Debug("scan: pair skipped",
			zap.Int64("id_a", pair.Incoming.ID),
			zap.Int64("id_b", pair.Existing.ID),
			zap.Error(err),
		)
		return nil
	}
	return err
}
