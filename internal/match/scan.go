package match

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/dedupe-cli/internal/config"
)

// EmitFunc receives each candidate pair a scan produces. Emission must be
// idempotent per identity pair: a restarted scan will re-deliver pairs
// from its last committed cursor.
type EmitFunc func(ctx context.Context, pair CandidatePair) error

// ScanResult reports one scan run.
type ScanResult struct {
	Cursor  string // last fully processed cohort key
	Cohorts int
	Pairs   int
}

// Scanner runs the existing-by-existing mode over name-block cohorts.
// Work is chunked so a run can be interrupted between chunks without
// leaving partial state; the returned cursor resumes a stopped scan.
type Scanner struct {
	gen *Generator
	cfg config.ScanConfig
}

// NewScanner creates a cohort scanner.
func NewScanner(gen *Generator, cfg config.ScanConfig) *Scanner {
	return &Scanner{gen: gen, cfg: cfg}
}

// Run scans cohorts after cursor, at most maxCohorts (0 = all), calling
// emit for every in-cohort pair. Cohorts within a chunk run concurrently;
// the cursor only advances past a chunk once every cohort in it
// succeeded, so a failed or canceled chunk is re-scanned on resume.
func (s *Scanner) Run(ctx context.Context, cursor string, maxCohorts int, emit EmitFunc) (*ScanResult, error) {
	chunkSize := s.cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 500
	}
	concurrency := s.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), 1)
	}

	result := &ScanResult{Cursor: cursor}

	for {
		if err := ctx.Err(); err != nil {
			return result, eris.Wrap(err, "match: scan interrupted")
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return result, eris.Wrap(err, "match: scan rate limit")
			}
		}

		limit := chunkSize
		if maxCohorts > 0 {
			remaining := maxCohorts - result.Cohorts
			if remaining <= 0 {
				return result, nil
			}
			if remaining < limit {
				limit = remaining
			}
		}

		keys, err := s.gen.store.ListCohortKeys(ctx, result.Cursor, limit)
		if err != nil {
			return result, eris.Wrap(err, "match: list cohorts")
		}
		if len(keys) == 0 {
			return result, nil
		}

		pairCounts := make([]int, len(keys))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i, key := range keys {
			g.Go(func() error {
				pairs, err := s.gen.CohortPairs(gctx, key)
				if err != nil {
					return err
				}
				for _, pair := range pairs {
					if err := emit(gctx, pair); err != nil {
						return eris.Wrapf(err, "match: emit pair in cohort %s", key)
					}
				}
				pairCounts[i] = len(pairs)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return result, err
		}

		for _, n := range pairCounts {
			result.Pairs += n
		}
		result.Cohorts += len(keys)
		result.Cursor = keys[len(keys)-1]

		zap.L().Debug("scan: chunk complete",
			zap.Int("cohorts", len(keys)),
			zap.String("cursor", result.Cursor),
		)
	}
}
