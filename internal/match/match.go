// Package match implements candidate generation, pair scoring, and the
// decision engine for identity resolution.
package match

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// ErrNoDeterministicKey signals a record with neither a usable email nor
// phone. It is a routing signal, not a failure: such records never reach
// auto-merge and resolve manually.
var ErrNoDeterministicKey = eris.New("match: record has no deterministic key")

// Blocking key names recorded on candidate pairs.
const (
	BlockEmail = "email"
	BlockPhone = "phone"
	BlockName  = "name_initial"
)

// CandidateStore is the read-only identity access the generator needs.
type CandidateStore interface {
	FindActiveByEmailNorm(ctx context.Context, emailNorm string) ([]model.Identity, error)
	FindActiveByPhoneE164(ctx context.Context, phone string) ([]model.Identity, error)
	ListCohortKeys(ctx context.Context, after string, limit int) ([]string, error)
	ListCohortMembers(ctx context.Context, key string) ([]model.Identity, error)
}

// CandidatePair is a proposed match between an incoming record and an
// existing identity. Pairs are deduplicated per identity pair before
// scoring; a pair may carry more than one blocking key.
type CandidatePair struct {
	Incoming     *model.Identity
	Existing     *model.Identity
	BlockingKeys []string
}

// Generator produces bounded candidate sets via blocking keys instead of
// comparing every pair.
type Generator struct {
	store CandidateStore
}

// NewGenerator creates a candidate generator.
func NewGenerator(store CandidateStore) *Generator {
	return &Generator{store: store}
}

// ForIncoming generates candidates for one incoming record against the
// existing store using the deterministic blocking keys (normalized email,
// normalized phone). Records with neither key return
// ErrNoDeterministicKey.
func (g *Generator) ForIncoming(ctx context.Context, rec *model.Identity) ([]CandidatePair, error) {
	if rec.EmailNorm == "" && rec.PhoneE164 == "" {
		return nil, ErrNoDeterministicKey
	}

	byID := make(map[int64]*CandidatePair)
	var order []int64

	add := func(existing model.Identity, key string) {
		if existing.ID == rec.ID {
			return
		}
		if p, ok := byID[existing.ID]; ok {
			p.BlockingKeys = append(p.BlockingKeys, key)
			return
		}
		e := existing
		byID[existing.ID] = &CandidatePair{
			Incoming:     rec,
			Existing:     &e,
			BlockingKeys: []string{key},
		}
		order = append(order, existing.ID)
	}

	if rec.EmailNorm != "" {
		found, err := g.store.FindActiveByEmailNorm(ctx, rec.EmailNorm)
		if err != nil {
			return nil, eris.Wrap(err, "match: candidates by email")
		}
		for _, existing := range found {
			add(existing, BlockEmail)
		}
	}

	if rec.PhoneE164 != "" {
		found, err := g.store.FindActiveByPhoneE164(ctx, rec.PhoneE164)
		if err != nil {
			return nil, eris.Wrap(err, "match: candidates by phone")
		}
		for _, existing := range found {
			add(existing, BlockPhone)
		}
	}

	pairs := make([]CandidatePair, 0, len(order))
	for _, id := range order {
		pairs = append(pairs, *byID[id])
	}
	return pairs, nil
}

// CohortPairs generates every pair within one name-block cohort
// (existing-by-existing mode). Comparison stays inside the cohort, so
// total scan cost is near-linear in store size.
func (g *Generator) CohortPairs(ctx context.Context, cohortKey string) ([]CandidatePair, error) {
	members, err := g.store.ListCohortMembers(ctx, cohortKey)
	if err != nil {
		return nil, eris.Wrapf(err, "match: cohort members %s", cohortKey)
	}

	var pairs []CandidatePair
	for i := range members {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			pairs = append(pairs, CandidatePair{
				Incoming:     &a,
				Existing:     &b,
				BlockingKeys: []string{BlockName},
			})
		}
	}
	return pairs, nil
}
