// Package resolve orchestrates the resolution pipeline: candidate
// generation, scoring, suggestion persistence, and merge execution.
package resolve

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/config"
	"github.com/sells-group/dedupe-cli/internal/match"
	"github.com/sells-group/dedupe-cli/internal/merge"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/normalize"
	"github.com/sells-group/dedupe-cli/internal/store"
	"github.com/sells-group/dedupe-cli/internal/survivor"
)

// ErrAlreadyDecided is returned when resolving a suggestion that is no
// longer pending.
var ErrAlreadyDecided = errors.New("resolve: suggestion already decided")

// Engine runs the resolution pipeline against one store.
type Engine struct {
	store  store.Store
	cfg    *config.Config
	gen    *match.Generator
	scorer *match.Scorer
	exec   *merge.Executor
}

// NewEngine creates a resolution engine.
func NewEngine(st store.Store, cfg *config.Config) *Engine {
	return &Engine{
		store:  st,
		cfg:    cfg,
		gen:    match.NewGenerator(st),
		scorer: match.NewScorer(cfg.Match.Weights),
		exec:   merge.NewExecutor(st),
	}
}

// Generator exposes the engine's candidate generator for scan wiring.
func (e *Engine) Generator() *match.Generator {
	return e.gen
}

// PairOutcome reports what happened to one scored pair.
type PairOutcome struct {
	Suggestion *model.MergeSuggestion
	Merge      *model.MergeRecord
}

// DecidePair scores a candidate pair, persists the suggestion, and
// executes the merge when the pair classifies auto_merge. A pair that
// already has a suggestion is returned as-is without re-scoring, so
// repeated runs over the same data are idempotent.
func (e *Engine) DecidePair(ctx context.Context, pair match.CandidatePair) (*PairOutcome, error) {
	lo, hi := model.PairKey(pair.Incoming.ID, pair.Existing.ID)

	existing, err := e.store.GetSuggestionByPair(ctx, lo, hi)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return &PairOutcome{Suggestion: existing}, nil
	}

	sr := e.scorer.Score(pair.Incoming, pair.Existing)
	class := match.Classify(sr, e.cfg.Match)

	sg := model.MergeSuggestion{
		IdentityLo:     lo,
		IdentityHi:     hi,
		Score:          sr.Score,
		Features:       sr.Features,
		Deterministic:  sr.Deterministic,
		Classification: class,
	}

	switch class {
	case model.ClassReject:
		if !e.cfg.Match.KeepRejected {
			return &PairOutcome{}, nil
		}
		now := time.Now().UTC()
		sg.Decision = model.DecisionRejectedLowScore
		sg.Actor = model.SystemActor
		sg.DecidedAt = &now
		if _, err := e.store.CreateSuggestions(ctx, []model.MergeSuggestion{sg}); err != nil {
			return nil, err
		}
		return &PairOutcome{Suggestion: &sg}, nil

	case model.ClassNeedsReview:
		sg.Decision = model.DecisionPending
		if _, err := e.store.CreateSuggestions(ctx, []model.MergeSuggestion{sg}); err != nil {
			return nil, err
		}
		return &PairOutcome{Suggestion: &sg}, nil

	case model.ClassAutoMerge:
		rec, err := e.autoMerge(ctx, lo, hi)
		if err != nil {
			return nil, err
		}
		now := time.Now().UTC()
		sg.Decision = model.DecisionAutoResolved
		sg.Actor = model.SystemActor
		sg.DecidedAt = &now
		if _, err := e.store.CreateSuggestions(ctx, []model.MergeSuggestion{sg}); err != nil {
			return nil, err
		}
		return &PairOutcome{Suggestion: &sg, Merge: rec}, nil

	default:
		return nil, eris.Errorf("resolve: unknown classification %q", class)
	}
}

// autoMerge merges the pair with the lower (older) identity as the
// surviving core.
func (e *Engine) autoMerge(ctx context.Context, lo, hi int64) (*model.MergeRecord, error) {
	core, err := e.store.GetIdentity(ctx, lo)
	if err != nil {
		return nil, err
	}
	incoming, err := e.store.GetIdentity(ctx, hi)
	if err != nil {
		return nil, err
	}
	if core == nil || incoming == nil {
		return nil, eris.Errorf("resolve: identity missing for pair (%d, %d)", lo, hi)
	}

	surv := survivor.Merge(core, incoming)
	return e.exec.Merge(ctx, core.ID, incoming.ID, surv, model.SystemActor)
}

// ResolveSuggestion applies a human decision to a pending suggestion.
// Accepting executes the merge; overrides force field values onto the
// merged record as manual edits attributed to the actor.
func (e *Engine) ResolveSuggestion(ctx context.Context, id int64, decision model.Decision, actor string, overrides map[string]string) (*model.MergeRecord, error) {
	sg, err := e.store.GetSuggestion(ctx, id)
	if err != nil {
		return nil, err
	}
	if sg == nil {
		return nil, eris.Errorf("resolve: suggestion not found: %d", id)
	}
	if sg.Decision != model.DecisionPending {
		return nil, eris.Wrapf(ErrAlreadyDecided, "suggestion %d is %s", id, sg.Decision)
	}

	switch decision {
	case model.DecisionRejected, model.DecisionDeferred:
		if err := e.store.UpdateSuggestionDecision(ctx, id, decision, actor); err != nil {
			return nil, err
		}
		zap.L().Info("suggestion resolved",
			zap.Int64("suggestion_id", id),
			zap.String("decision", string(decision)),
			zap.String("actor", actor),
		)
		return nil, nil

	case model.DecisionAccepted:
		core, err := e.store.GetIdentity(ctx, sg.IdentityLo)
		if err != nil {
			return nil, err
		}
		incoming, err := e.store.GetIdentity(ctx, sg.IdentityHi)
		if err != nil {
			return nil, err
		}
		if core == nil || incoming == nil {
			return nil, eris.Errorf("resolve: identity missing for suggestion %d", id)
		}

		surv := survivor.Merge(core, incoming)
		applyOverrides(surv, actor, overrides)

		rec, err := e.exec.Merge(ctx, core.ID, incoming.ID, surv, actor)
		if err != nil {
			return nil, err
		}
		if err := e.store.UpdateSuggestionDecision(ctx, id, model.DecisionAccepted, actor); err != nil {
			return nil, err
		}
		return rec, nil

	default:
		return nil, eris.Errorf("resolve: invalid decision %q", decision)
	}
}

// applyOverrides forces reviewer-chosen values into a survivorship
// result as manual edits.
func applyOverrides(surv *survivor.Result, actor string, overrides map[string]string) {
	if len(overrides) == 0 {
		return
	}
	// Stable order keeps decision logs deterministic.
	fields := make([]string, 0, len(overrides))
	for f := range overrides {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	for _, field := range fields {
		value := overrides[field]
		prev := surv.Merged.FieldValue(field)
		surv.Merged.SetFieldValue(field, value)
		surv.Merged.SetMeta(field, model.FieldMeta{Source: actor, Manual: true})
		surv.Decisions = append(surv.Decisions, model.FieldDecision{
			Field:      field,
			Winner:     value,
			WinnerTier: "manual",
			Loser:      prev,
			Reason:     survivor.ReasonManualOverride,
		})
	}
}

// ImportResult reports the resolution of one imported record.
type ImportResult struct {
	Identity *model.Identity
	Outcomes []PairOutcome
	NoKey    bool // record had neither email nor phone; left for manual review
	Merged   bool // record was auto-merged into an existing identity
}

// ImportRecord persists an incoming record as a new identity and
// resolves it against the store. Candidate pairs are decided in
// descending score order; once the record is merged away, remaining
// candidates are skipped.
func (e *Engine) ImportRecord(ctx context.Context, rec *model.Identity, source string, externalIDs []model.ExternalID) (*ImportResult, error) {
	normalizeIncoming(rec, source, e.cfg.Phone.DefaultRegion)

	rec.Active = true
	if err := e.store.CreateIdentity(ctx, rec); err != nil {
		return nil, err
	}
	for i := range externalIDs {
		externalIDs[i].IdentityID = rec.ID
		if err := e.store.UpsertExternalID(ctx, &externalIDs[i]); err != nil {
			return nil, err
		}
	}

	res := &ImportResult{Identity: rec}

	pairs, err := e.gen.ForIncoming(ctx, rec)
	if err != nil {
		if errors.Is(err, match.ErrNoDeterministicKey) {
			res.NoKey = true
			zap.L().Info("import: no deterministic key, record held for manual review",
				zap.Int64("identity_id", rec.ID))
			return res, nil
		}
		return nil, err
	}

	// Best candidates first.
	type scored struct {
		pair  match.CandidatePair
		score float64
	}
	ranked := make([]scored, 0, len(pairs))
	for _, p := range pairs {
		ranked = append(ranked, scored{pair: p, score: e.scorer.Score(p.Incoming, p.Existing).Score})
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	for _, c := range ranked {
		out, err := e.DecidePair(ctx, c.pair)
		if err != nil {
			return res, err
		}
		res.Outcomes = append(res.Outcomes, *out)
		if out.Merge != nil {
			res.Merged = true
			break
		}
	}

	return res, nil
}

// normalizeIncoming canonicalizes an imported record and stamps every
// populated field with its source system.
func normalizeIncoming(rec *model.Identity, source, phoneRegion string) {
	normalize.Apply(rec, phoneRegion)
	if source == "" {
		return
	}
	for _, field := range model.MergeFields {
		if rec.FieldValue(field) == "" {
			continue
		}
		meta := rec.Meta(field)
		if meta.Source == "" {
			meta.Source = source
			rec.SetMeta(field, meta)
		}
	}
}

// Undo reverses an executed merge by record ID.
func (e *Engine) Undo(ctx context.Context, mergeID int64, actor string) (*model.MergeRecord, error) {
	return e.exec.Undo(ctx, mergeID, actor)
}
