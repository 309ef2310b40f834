package resolve

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/config"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func testConfig() *config.Config {
	return &config.Config{
		Match: config.MatchConfig{
			AutoThreshold:   0.95,
			ReviewThreshold: 0.80,
			Weights:         config.WeightsConfig{Name: 0.40, DOB: 0.30, Address: 0.20, Affiliation: 0.10},
		},
		Phone: config.PhoneConfig{DefaultRegion: "US"},
		Scan:  config.ScanConfig{ChunkSize: 100, Concurrency: 1},
	}
}

func newTestEngine(t *testing.T) (*Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return NewEngine(st, testConfig()), st
}

func TestImportRecord_AutoMergeOnSharedEmail(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	existing := &model.Identity{
		FirstName: "Maria", LastName: "Gonzalez",
		Email: "maria@example.org",
	}
	first, err := engine.ImportRecord(ctx, existing, "crm", nil)
	require.NoError(t, err)
	require.False(t, first.Merged)

	incoming := &model.Identity{
		FirstName: "Maria", LastName: "Gonzales",
		Email: "Maria+news@Example.org", // folds to the same key
		Phone: "(415) 555-0100",
	}
	res, err := engine.ImportRecord(ctx, incoming, "mailer", nil)
	require.NoError(t, err)
	assert.True(t, res.Merged)
	require.Len(t, res.Outcomes, 1)
	require.NotNil(t, res.Outcomes[0].Merge)
	assert.True(t, res.Outcomes[0].Suggestion.Deterministic)
	assert.Equal(t, model.DecisionAutoResolved, res.Outcomes[0].Suggestion.Decision)

	// The incoming record is deactivated with a back-reference; the
	// winner picked up the incoming phone.
	loser, err := st.GetIdentity(ctx, incoming.ID)
	require.NoError(t, err)
	assert.False(t, loser.Active)
	require.NotNil(t, loser.MergedInto)
	assert.Equal(t, existing.ID, *loser.MergedInto)

	winner, err := st.GetIdentity(ctx, existing.ID)
	require.NoError(t, err)
	assert.True(t, winner.Active)
	assert.Equal(t, "+14155550100", winner.PhoneE164)
}

func TestImportRecord_NoDeterministicKey(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	rec := &model.Identity{FirstName: "Pat", LastName: "Doe"}
	res, err := engine.ImportRecord(ctx, rec, "csv", nil)
	require.NoError(t, err)
	assert.True(t, res.NoKey)
	assert.False(t, res.Merged)
	assert.Empty(t, res.Outcomes)

	// Record still lands in the store for manual handling.
	got, err := st.GetIdentity(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Active)
}

func TestImportRecord_NoCandidatesStandsAlone(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	rec := &model.Identity{FirstName: "Solo", LastName: "Act", Email: "solo@example.org"}
	res, err := engine.ImportRecord(ctx, rec, "crm", nil)
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.False(t, res.NoKey)
	assert.Empty(t, res.Outcomes)
}

func TestImportRecord_SourceProvenance(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	rec := &model.Identity{FirstName: "Ana", LastName: "Torres", Email: "ana@example.org"}
	_, err := engine.ImportRecord(ctx, rec, "voter-file", nil)
	require.NoError(t, err)

	got, err := st.GetIdentity(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "voter-file", got.Meta(model.FieldFirstName).Source)
	assert.Equal(t, "voter-file", got.Meta(model.FieldEmail).Source)
}

func TestImportRecord_ExternalIDsLinked(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	rec := &model.Identity{FirstName: "Ana", LastName: "Torres", Email: "ana@example.org"}
	_, err := engine.ImportRecord(ctx, rec, "crm", []model.ExternalID{
		{System: "crm", Value: "C-55"},
	})
	require.NoError(t, err)

	ids, err := st.GetExternalIDs(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "C-55", ids[0].Value)
}

func seedScanPair(t *testing.T, engine *Engine) (int64, int64) {
	t.Helper()
	ctx := context.Background()

	// Same cohort, near-identical but no shared deterministic key:
	// lands in the review band.
	a := &model.Identity{
		FirstName: "Jon", LastName: "Smith",
		Email: "jon@example.org",
		DOB:   "1985-03-14",
		Street: "12 Elm St", City: "Springfield", ZipCode: "01234",
	}
	b := &model.Identity{
		FirstName: "John", LastName: "Smith",
		Email: "jsmith@example.org",
		DOB:   "1985-03-15",
		Street: "12 Elm Street", City: "Springfield", ZipCode: "01234",
	}
	_, err := engine.ImportRecord(ctx, a, "crm", nil)
	require.NoError(t, err)
	_, err = engine.ImportRecord(ctx, b, "crm", nil)
	require.NoError(t, err)
	return a.ID, b.ID
}

func TestRunScan_CreatesPendingSuggestion(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	aID, bID := seedScanPair(t, engine)

	res, err := engine.RunScan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pairs)

	sg, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)
	require.NotNil(t, sg)
	assert.Equal(t, model.ClassNeedsReview, sg.Classification)
	assert.Equal(t, model.DecisionPending, sg.Decision)
	assert.InDelta(t, 0.889, sg.Score, 0.001)

	// Full pass resets the checkpoint.
	cursor, err := st.GetCursor(ctx, store.ScanCursorName)
	require.NoError(t, err)
	assert.Equal(t, "", cursor)
}

func TestRunScan_Idempotent(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	aID, bID := seedScanPair(t, engine)

	_, err := engine.RunScan(ctx, 0)
	require.NoError(t, err)
	first, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)

	_, err = engine.RunScan(ctx, 0)
	require.NoError(t, err)
	second, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestRunScan_AutoMergesHighScorePairs(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	// Identical names, DOB, and address, but different emails: scores
	// 1.0 on the weighted features without a deterministic key.
	a := &model.Identity{
		FirstName: "Rosa", LastName: "Marin",
		Email: "rosa@example.org", DOB: "1970-02-02",
		Street: "9 Oak Ave", City: "Dayton", ZipCode: "45400",
	}
	b := &model.Identity{
		FirstName: "Rosa", LastName: "Marin",
		Email: "rmarin@example.org", DOB: "1970-02-02",
		Street: "9 Oak Avenue", City: "Dayton", ZipCode: "45400",
	}
	_, err := engine.ImportRecord(ctx, a, "crm", nil)
	require.NoError(t, err)
	_, err = engine.ImportRecord(ctx, b, "crm", nil)
	require.NoError(t, err)

	_, err = engine.RunScan(ctx, 0)
	require.NoError(t, err)

	sg, err := st.GetSuggestionByPair(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, sg)
	assert.Equal(t, model.ClassAutoMerge, sg.Classification)
	assert.Equal(t, model.DecisionAutoResolved, sg.Decision)
	assert.Equal(t, model.SystemActor, sg.Actor)

	loser, err := st.GetIdentity(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, loser.Active)
}

func TestRunScan_RejectedPairsDroppedByDefault(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := &model.Identity{FirstName: "Sara", LastName: "Smith", Email: "sara@example.org", DOB: "1960-01-01"}
	b := &model.Identity{FirstName: "Sol", LastName: "Smith", Email: "sol@example.org", DOB: "1999-12-31"}
	_, err := engine.ImportRecord(ctx, a, "crm", nil)
	require.NoError(t, err)
	_, err = engine.ImportRecord(ctx, b, "crm", nil)
	require.NoError(t, err)

	_, err = engine.RunScan(ctx, 0)
	require.NoError(t, err)

	sg, err := st.GetSuggestionByPair(ctx, a.ID, b.ID)
	require.NoError(t, err)
	assert.Nil(t, sg)
}

func TestRunScan_KeepRejectedPersistsTrace(t *testing.T) {
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	cfg := testConfig()
	cfg.Match.KeepRejected = true
	engine := NewEngine(st, cfg)
	ctx := context.Background()

	a := &model.Identity{FirstName: "Sara", LastName: "Smith", Email: "sara@example.org", DOB: "1960-01-01"}
	b := &model.Identity{FirstName: "Sol", LastName: "Smith", Email: "sol@example.org", DOB: "1999-12-31"}
	_, err = engine.ImportRecord(ctx, a, "crm", nil)
	require.NoError(t, err)
	_, err = engine.ImportRecord(ctx, b, "crm", nil)
	require.NoError(t, err)

	_, err = engine.RunScan(ctx, 0)
	require.NoError(t, err)

	sg, err := st.GetSuggestionByPair(ctx, a.ID, b.ID)
	require.NoError(t, err)
	require.NotNil(t, sg)
	assert.Equal(t, model.ClassReject, sg.Classification)
	assert.Equal(t, model.DecisionRejectedLowScore, sg.Decision)
}

func TestResolveSuggestion_Accept(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	aID, bID := seedScanPair(t, engine)

	_, err := engine.RunScan(ctx, 0)
	require.NoError(t, err)
	sg, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)

	rec, err := engine.ResolveSuggestion(ctx, sg.ID, model.DecisionAccepted, "reviewer", map[string]string{
		"first_name": "Jonathan",
	})
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "reviewer", rec.Actor)

	winner, err := st.GetIdentity(ctx, aID)
	require.NoError(t, err)
	assert.Equal(t, "Jonathan", winner.FirstName)
	meta := winner.Meta(model.FieldFirstName)
	assert.True(t, meta.Manual)
	assert.Equal(t, "reviewer", meta.Source)

	loser, err := st.GetIdentity(ctx, bID)
	require.NoError(t, err)
	assert.False(t, loser.Active)

	updated, err := st.GetSuggestion(ctx, sg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAccepted, updated.Decision)
	assert.Equal(t, "reviewer", updated.Actor)
}

func TestResolveSuggestion_Reject(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	aID, bID := seedScanPair(t, engine)

	_, err := engine.RunScan(ctx, 0)
	require.NoError(t, err)
	sg, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)

	rec, err := engine.ResolveSuggestion(ctx, sg.ID, model.DecisionRejected, "reviewer", nil)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Both identities untouched.
	for _, id := range []int64{aID, bID} {
		got, err := st.GetIdentity(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Active)
	}
}

func TestResolveSuggestion_AlreadyDecided(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	aID, bID := seedScanPair(t, engine)

	_, err := engine.RunScan(ctx, 0)
	require.NoError(t, err)
	sg, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)

	_, err = engine.ResolveSuggestion(ctx, sg.ID, model.DecisionDeferred, "reviewer", nil)
	require.NoError(t, err)

	_, err = engine.ResolveSuggestion(ctx, sg.ID, model.DecisionAccepted, "reviewer", nil)
	assert.ErrorIs(t, err, ErrAlreadyDecided)
}

func TestResolveSuggestion_InvalidDecision(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()
	aID, bID := seedScanPair(t, engine)

	_, err := engine.RunScan(ctx, 0)
	require.NoError(t, err)
	sg, err := st.GetSuggestionByPair(ctx, aID, bID)
	require.NoError(t, err)

	_, err = engine.ResolveSuggestion(ctx, sg.ID, model.DecisionPending, "reviewer", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid decision")
}

func TestResolveSuggestion_NotFound(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.ResolveSuggestion(context.Background(), 404, model.DecisionAccepted, "reviewer", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestUndo_RoundTripThroughEngine(t *testing.T) {
	engine, st := newTestEngine(t)
	ctx := context.Background()

	a := &model.Identity{FirstName: "Maria", LastName: "Gonzalez", Email: "maria@example.org"}
	_, err := engine.ImportRecord(ctx, a, "crm", nil)
	require.NoError(t, err)

	b := &model.Identity{FirstName: "Maria", LastName: "Gonzales", Email: "maria@example.org"}
	res, err := engine.ImportRecord(ctx, b, "mailer", nil)
	require.NoError(t, err)
	require.True(t, res.Merged)
	mergeID := res.Outcomes[0].Merge.ID

	inverse, err := engine.Undo(ctx, mergeID, "operator")
	require.NoError(t, err)
	require.NotNil(t, inverse.InverseOf)

	restored, err := st.GetIdentity(ctx, b.ID)
	require.NoError(t, err)
	assert.True(t, restored.Active)
	assert.Nil(t, restored.MergedInto)
	assert.Equal(t, "Gonzales", restored.LastName)
}
