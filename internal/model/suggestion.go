package model

import "time"

// Classification is the decision-engine outcome for a scored pair.
type Classification string

// Classifications.
const (
	ClassAutoMerge   Classification = "auto_merge"
	ClassNeedsReview Classification = "needs_review"
	ClassReject      Classification = "reject"
)

// Decision is the recorded disposition of a merge suggestion.
type Decision string

// Decisions. Pending suggestions await human review; deferred ones were
// reviewed and explicitly parked.
const (
	DecisionPending          Decision = "pending"
	DecisionAutoResolved     Decision = "auto_resolved"
	DecisionAccepted         Decision = "accepted"
	DecisionRejected         Decision = "rejected"
	DecisionDeferred         Decision = "deferred"
	DecisionRejectedLowScore Decision = "rejected_low_score"
)

// SystemActor is recorded on suggestions and merges executed without a human.
const SystemActor = "system"

// MergeSuggestion is the durable trace of a scored candidate pair. The
// identity pair is stored lo/hi so creation is idempotent regardless of
// which side was the incoming record.
type MergeSuggestion struct {
	ID             int64              `json:"id" db:"id"`
	IdentityLo     int64              `json:"identity_lo" db:"identity_lo"`
	IdentityHi     int64              `json:"identity_hi" db:"identity_hi"`
	Score          float64            `json:"score" db:"score"`
	Features       map[string]float64 `json:"features,omitempty" db:"features"`
	Deterministic  bool               `json:"deterministic" db:"deterministic"`
	Classification Classification     `json:"classification" db:"classification"`
	Decision       Decision           `json:"decision" db:"decision"`
	Actor          string             `json:"actor,omitempty" db:"actor"`
	CreatedAt      time.Time          `json:"created_at" db:"created_at"`
	DecidedAt      *time.Time         `json:"decided_at,omitempty" db:"decided_at"`
}

// PairKey orders two identity IDs into the (lo, hi) suggestion key.
func PairKey(a, b int64) (lo, hi int64) {
	if a < b {
		return a, b
	}
	return b, a
}
