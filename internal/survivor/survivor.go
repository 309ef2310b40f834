// Package survivor implements the field-by-field survivorship policy for
// merging two records deemed the same identity.
package survivor

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// Tier is a precedence level in the survivorship policy. Higher wins.
type Tier int

// Tiers, highest precedence first.
const (
	TierExisting Tier = iota
	TierIncoming
	TierVerified
	TierManual
)

// String returns the tier name used in decision logs.
func (t Tier) String() string {
	switch t {
	case TierManual:
		return "manual"
	case TierVerified:
		return "verified"
	case TierIncoming:
		return "incoming"
	default:
		return "existing"
	}
}

// Decision reasons recorded in the audit trail.
const (
	ReasonManualOverride    = "manual_override"
	ReasonVerifiedRecent    = "verified_recent"
	ReasonIncomingDefault   = "incoming_over_existing"
	ReasonNonNull           = "non_null"
	ReasonTieCore           = "tie_core"
	ReasonEqual             = "equal"
	ReasonContactPreference = "contact_preference"
)

// Result is a computed merge: the surviving record's field values plus
// the per-field decision list the Merge Record stores.
type Result struct {
	Merged    model.Identity
	Decisions []model.FieldDecision
}

// Merge computes the surviving field values for core (the existing
// record, which survives) and incoming (the record being merged in).
//
// Precedence per field: manual edit > verified-recent > incoming >
// existing. Two rules sit outside the tiers: an empty value never
// overrides a present one, and contact-preference flags always take the
// incoming value because consent must reflect the latest known state.
// Ties (equal tier, equal verification timestamp) keep the core value.
func Merge(core, incoming *model.Identity) *Result {
	merged := *core
	merged.Provenance = make(map[string]model.FieldMeta, len(core.Provenance))
	for k, v := range core.Provenance {
		merged.Provenance[k] = v
	}

	res := &Result{}

	contactPref := make(map[string]bool, len(model.ContactPreferenceFields))
	for _, f := range model.ContactPreferenceFields {
		contactPref[f] = true
	}

	for _, field := range model.MergeFields {
		coreVal := core.FieldValue(field)
		incVal := incoming.FieldValue(field)

		if contactPref[field] {
			decideField(&merged, res, field, incVal, incoming.Meta(field), coreVal, core.Meta(field),
				true, ReasonContactPreference, core, incoming)
			continue
		}

		if coreVal == "" && incVal == "" {
			continue
		}

		coreMeta := core.Meta(field)
		incMeta := incoming.Meta(field)

		// Non-null preference beats every tier.
		if incVal == "" {
			decideField(&merged, res, field, incVal, incMeta, coreVal, coreMeta, false, ReasonNonNull, core, incoming)
			continue
		}
		if coreVal == "" {
			decideField(&merged, res, field, incVal, incMeta, coreVal, coreMeta, true, ReasonNonNull, core, incoming)
			continue
		}
		if coreVal == incVal {
			decideField(&merged, res, field, incVal, incMeta, coreVal, coreMeta, false, ReasonEqual, core, incoming)
			continue
		}

		incomingWins, reason := compareTiers(coreMeta, incMeta)
		decideField(&merged, res, field, incVal, incMeta, coreVal, coreMeta, incomingWins, reason, core, incoming)
	}

	zap.L().Debug("survivorship computed",
		zap.Int64("core_id", core.ID),
		zap.Int64("incoming_id", incoming.ID),
		zap.Int("decisions", len(res.Decisions)),
	)

	return res
}

// compareTiers resolves a genuine value conflict by precedence tier.
func compareTiers(coreMeta, incMeta model.FieldMeta) (incomingWins bool, reason string) {
	coreTier := tierOf(coreMeta, TierExisting)
	incTier := tierOf(incMeta, TierIncoming)

	switch {
	case incTier > coreTier:
		return true, winReason(incTier)
	case coreTier > incTier:
		return false, winReason(coreTier)
	}

	// Equal tier. Verified values compare timestamps; newer wins. Any
	// remaining tie keeps the pre-existing core value (stability over
	// churn).
	if coreTier == TierVerified {
		ct, it := tsOf(coreMeta), tsOf(incMeta)
		switch {
		case it.After(ct):
			return true, ReasonVerifiedRecent
		case ct.After(it):
			return false, ReasonVerifiedRecent
		}
	}
	return false, ReasonTieCore
}

// decideField applies a winner to the merged record and appends the
// audit entry.
func decideField(merged *model.Identity, res *Result, field, incVal string, incMeta model.FieldMeta,
	coreVal string, coreMeta model.FieldMeta, incomingWins bool, reason string, core, incoming *model.Identity,
) {
	d := model.FieldDecision{Field: field, Reason: reason}

	if incomingWins {
		merged.SetFieldValue(field, incVal)
		merged.SetMeta(field, incMeta)
		copyComparisonKeys(merged, incoming, field)
		d.Winner = incVal
		d.WinnerSource = incMeta.Source
		d.WinnerTier = tierOf(incMeta, TierIncoming).String()
		d.Loser = coreVal
		d.LoserSource = coreMeta.Source
		d.LoserTier = tierOf(coreMeta, TierExisting).String()
	} else {
		// Core already holds the value; record the losing incoming side.
		d.Winner = coreVal
		d.WinnerSource = coreMeta.Source
		d.WinnerTier = tierOf(coreMeta, TierExisting).String()
		d.Loser = incVal
		d.LoserSource = incMeta.Source
		d.LoserTier = tierOf(incMeta, TierIncoming).String()
	}

	res.Decisions = append(res.Decisions, d)
}

// copyComparisonKeys keeps the normalized keys in step with a display
// field taken from the incoming side.
func copyComparisonKeys(merged, incoming *model.Identity, field string) {
	switch field {
	case model.FieldEmail:
		merged.EmailNorm = incoming.EmailNorm
	case model.FieldPhone:
		merged.PhoneE164 = incoming.PhoneE164
	}
}

func tierOf(meta model.FieldMeta, base Tier) Tier {
	if meta.Manual {
		return TierManual
	}
	if meta.VerifiedAt != nil {
		return TierVerified
	}
	return base
}

func tsOf(meta model.FieldMeta) time.Time {
	if meta.VerifiedAt == nil {
		return time.Time{}
	}
	return *meta.VerifiedAt
}

func winReason(t Tier) string {
	switch t {
	case TierManual:
		return ReasonManualOverride
	case TierVerified:
		return ReasonVerifiedRecent
	default:
		return ReasonIncomingDefault
	}
}
