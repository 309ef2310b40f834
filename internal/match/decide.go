package match

import (
	"github.com/sells-group/dedupe-cli/internal/config"
	"github.com/sells-group/dedupe-cli/internal/model"
)

// Classify maps a score result onto a classification using the
// configured thresholds. Deterministic results always classify
// auto_merge regardless of the numeric thresholds. The classification is
// a pure function of (score, deterministic, thresholds), so it can be
// reproduced from a stored suggestion and the config active at decision
// time.
func Classify(sr ScoreResult, cfg config.MatchConfig) model.Classification {
	if sr.Deterministic {
		return model.ClassAutoMerge
	}
	switch {
	case sr.Score >= cfg.AutoThreshold:
		return model.ClassAutoMerge
	case sr.Score >= cfg.ReviewThreshold:
		return model.ClassNeedsReview
	default:
		return model.ClassReject
	}
}
