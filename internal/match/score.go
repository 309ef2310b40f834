package match

import (
	"math"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/sells-group/dedupe-cli/internal/config"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/normalize"
)

// Feature names in score breakdowns.
const (
	FeatureName        = "name"
	FeatureDOB         = "dob"
	FeatureAddress     = "address"
	FeatureAffiliation = "affiliation"
	FeatureEmailExact  = "email_exact"
	FeaturePhoneExact  = "phone_exact"
)

// ScoreResult is the scorer output for one candidate pair.
type ScoreResult struct {
	Score          float64              `json:"score"`
	Features       map[string]float64   `json:"features"`
	Deterministic  bool                 `json:"deterministic"`
	Classification model.Classification `json:"classification"`
}

// Scorer computes pair similarity from weighted features. Pure; no side
// effects.
type Scorer struct {
	weights config.WeightsConfig
}

// NewScorer creates a scorer with the given feature weights.
func NewScorer(weights config.WeightsConfig) *Scorer {
	return &Scorer{weights: weights}
}

// Score computes the similarity of two identities in [0, 1].
//
// Exact normalized email or phone equality is a hard override: the score
// is fixed at 1.0 and weighted scoring is bypassed entirely. Otherwise
// the score is the weighted average of the present features, with
// weights renormalized over present features only so sparse records are
// not penalized for what they lack.
func (s *Scorer) Score(a, b *model.Identity) ScoreResult {
	features := make(map[string]float64)

	if a.EmailNorm != "" && a.EmailNorm == b.EmailNorm {
		features[FeatureEmailExact] = 1.0
	}
	if a.PhoneE164 != "" && a.PhoneE164 == b.PhoneE164 {
		features[FeaturePhoneExact] = 1.0
	}
	if len(features) > 0 {
		return ScoreResult{Score: 1.0, Features: features, Deterministic: true}
	}

	type weighted struct {
		value  float64
		weight float64
	}
	var present []weighted

	if v, ok := nameSimilarity(a, b); ok {
		features[FeatureName] = v
		present = append(present, weighted{v, s.weights.Name})
	}
	if v, ok := dobSimilarity(a.DOB, b.DOB); ok {
		features[FeatureDOB] = v
		present = append(present, weighted{v, s.weights.DOB})
	}
	if v, ok := addressSimilarity(a, b); ok {
		features[FeatureAddress] = v
		present = append(present, weighted{v, s.weights.Address})
	}
	if v, ok := affiliationSimilarity(a, b); ok {
		features[FeatureAffiliation] = v
		present = append(present, weighted{v, s.weights.Affiliation})
	}

	var sum, weightSum float64
	for _, w := range present {
		sum += w.value * w.weight
		weightSum += w.weight
	}
	score := 0.0
	if weightSum > 0 {
		score = sum / weightSum
	}

	return ScoreResult{Score: score, Features: features}
}

// nameSimilarity compares folded full names by levenshtein ratio.
func nameSimilarity(a, b *model.Identity) (float64, bool) {
	fullA := foldedFullName(a)
	fullB := foldedFullName(b)
	if fullA == "" || fullB == "" {
		return 0, false
	}
	return levenshteinRatio(fullA, fullB), true
}

// dobSimilarity grades date-of-birth proximity: exact 1.0, within two
// days 0.8 (catches off-by-one entry errors), same month 0.5, else 0.
func dobSimilarity(a, b string) (float64, bool) {
	if a == "" || b == "" {
		return 0, false
	}
	if a == b {
		return 1.0, true
	}
	ta, errA := time.Parse("2006-01-02", a)
	tb, errB := time.Parse("2006-01-02", b)
	if errA != nil || errB != nil {
		return 0, false
	}
	days := math.Abs(ta.Sub(tb).Hours() / 24)
	switch {
	case days <= 2:
		return 0.8, true
	case ta.Year() == tb.Year() && ta.Month() == tb.Month():
		return 0.5, true
	default:
		return 0, true
	}
}

// addressSimilarity is the Jaccard overlap of canonical address tokens.
func addressSimilarity(a, b *model.Identity) (float64, bool) {
	tokA := normalize.AddressTokens(a.Street, a.City, a.ZipCode)
	tokB := normalize.AddressTokens(b.Street, b.City, b.ZipCode)
	if len(tokA) == 0 || len(tokB) == 0 {
		return 0, false
	}

	setA := make(map[string]bool, len(tokA))
	for _, t := range tokA {
		setA[t] = true
	}
	inter := 0
	for _, t := range tokB {
		if setA[t] {
			inter++
		}
	}
	union := len(tokA) + len(tokB) - inter
	return float64(inter) / float64(union), true
}

// affiliationSimilarity compares employer and school strings, taking the
// best of whichever are present on both sides.
func affiliationSimilarity(a, b *model.Identity) (float64, bool) {
	best := 0.0
	found := false
	if a.Employer != "" && b.Employer != "" {
		best = math.Max(best, levenshteinRatio(strings.ToLower(a.Employer), strings.ToLower(b.Employer)))
		found = true
	}
	if a.School != "" && b.School != "" {
		best = math.Max(best, levenshteinRatio(strings.ToLower(a.School), strings.ToLower(b.School)))
		found = true
	}
	return best, found
}

func levenshteinRatio(a, b string) float64 {
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 1.0
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(maxLen)
}

func foldedFullName(i *model.Identity) string {
	_, first := normalize.Name(i.FirstName)
	_, last := normalize.Name(i.LastName)
	return strings.TrimSpace(first + " " + last)
}
