package merge

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/store"
	"github.com/sells-group/dedupe-cli/internal/survivor"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func seedPair(t *testing.T, st *store.SQLiteStore) (*model.Identity, *model.Identity) {
	t.Helper()
	ctx := context.Background()

	core := &model.Identity{
		FirstName: "Maria", LastName: "Gonzalez",
		Email: "maria@example.org", EmailNorm: "maria@example.org",
		DOB: "1985-03-14", City: "Springfield",
		Active: true,
	}
	require.NoError(t, st.CreateIdentity(ctx, core))
	require.NoError(t, st.UpsertExternalID(ctx, &model.ExternalID{
		IdentityID: core.ID, System: "crm", Value: "C-100",
	}))

	incoming := &model.Identity{
		FirstName: "Maria", LastName: "Gonzales",
		Email: "maria+news@example.org", EmailNorm: "maria@example.org",
		Phone: "555-0100", PhoneE164: "+14155550100",
		Active: true,
	}
	require.NoError(t, st.CreateIdentity(ctx, incoming))
	require.NoError(t, st.UpsertExternalID(ctx, &model.ExternalID{
		IdentityID: incoming.ID, System: "mailer", Value: "M-7",
	}))

	return core, incoming
}

func TestExecutor_Merge(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	core, incoming := seedPair(t, st)

	surv := survivor.Merge(core, incoming)
	exec := NewExecutor(st)

	rec, err := exec.Merge(ctx, core.ID, incoming.ID, surv, "system")
	require.NoError(t, err)
	require.NotZero(t, rec.ID)
	assert.Equal(t, core.ID, rec.WinnerID)
	assert.Equal(t, incoming.ID, rec.LoserID)
	assert.NotEmpty(t, rec.Decisions)

	winner, err := st.GetIdentity(ctx, core.ID)
	require.NoError(t, err)
	assert.True(t, winner.Active)
	assert.Equal(t, "+14155550100", winner.PhoneE164) // filled from incoming
	assert.Equal(t, "1985-03-14", winner.DOB)         // kept from core

	loser, err := st.GetIdentity(ctx, incoming.ID)
	require.NoError(t, err)
	assert.False(t, loser.Active)
	require.NotNil(t, loser.MergedInto)
	assert.Equal(t, core.ID, *loser.MergedInto)

	// Loser's external links moved to the winner.
	ids, err := st.GetExternalIDs(ctx, core.ID)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	ids, err = st.GetExternalIDs(ctx, incoming.ID)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Snapshots captured the pre-merge state.
	assert.Equal(t, "", rec.BeforeWinner.Identity.PhoneE164)
	assert.True(t, rec.BeforeLoser.Identity.Active)
	require.Len(t, rec.BeforeLoser.ExternalIDs, 1)
	assert.Equal(t, "mailer", rec.BeforeLoser.ExternalIDs[0].System)
}

func TestExecutor_MergeSelf(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st)

	_, err := exec.Merge(context.Background(), 1, 1, &survivor.Result{}, "system")
	require.Error(t, err)
}

func TestExecutor_MergeInactiveLoser(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	core, incoming := seedPair(t, st)

	exec := NewExecutor(st)
	surv := survivor.Merge(core, incoming)
	_, err := exec.Merge(ctx, core.ID, incoming.ID, surv, "system")
	require.NoError(t, err)

	// Second merge of the same pair: loser is gone.
	_, err = exec.Merge(ctx, core.ID, incoming.ID, surv, "system")
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestExecutor_UndoRestoresExactState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	core, incoming := seedPair(t, st)

	beforeWinner, err := st.GetIdentity(ctx, core.ID)
	require.NoError(t, err)
	beforeLoser, err := st.GetIdentity(ctx, incoming.ID)
	require.NoError(t, err)

	exec := NewExecutor(st)
	surv := survivor.Merge(core, incoming)
	rec, err := exec.Merge(ctx, core.ID, incoming.ID, surv, "system")
	require.NoError(t, err)

	inverse, err := exec.Undo(ctx, rec.ID, "operator")
	require.NoError(t, err)
	require.NotZero(t, inverse.ID)
	require.NotNil(t, inverse.InverseOf)
	assert.Equal(t, rec.ID, *inverse.InverseOf)
	assert.Equal(t, "operator", inverse.Actor)

	// Every merge-relevant field is back to its pre-merge value.
	afterWinner, err := st.GetIdentity(ctx, core.ID)
	require.NoError(t, err)
	afterLoser, err := st.GetIdentity(ctx, incoming.ID)
	require.NoError(t, err)

	for _, field := range model.MergeFields {
		assert.Equal(t, beforeWinner.FieldValue(field), afterWinner.FieldValue(field), field)
		assert.Equal(t, beforeLoser.FieldValue(field), afterLoser.FieldValue(field), field)
	}
	assert.True(t, afterLoser.Active)
	assert.Nil(t, afterLoser.MergedInto)
	assert.Equal(t, beforeWinner.PhoneE164, afterWinner.PhoneE164)

	// External links are back where they were.
	winnerIDs, err := st.GetExternalIDs(ctx, core.ID)
	require.NoError(t, err)
	require.Len(t, winnerIDs, 1)
	assert.Equal(t, "crm", winnerIDs[0].System)
	loserIDs, err := st.GetExternalIDs(ctx, incoming.ID)
	require.NoError(t, err)
	require.Len(t, loserIDs, 1)
	assert.Equal(t, "mailer", loserIDs[0].System)

	// Original record is marked undone.
	stored, err := st.GetMergeRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.Undone)
}

func TestExecutor_UndoTwice(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	core, incoming := seedPair(t, st)

	exec := NewExecutor(st)
	rec, err := exec.Merge(ctx, core.ID, incoming.ID, survivor.Merge(core, incoming), "system")
	require.NoError(t, err)

	_, err = exec.Undo(ctx, rec.ID, "operator")
	require.NoError(t, err)

	_, err = exec.Undo(ctx, rec.ID, "operator")
	assert.ErrorIs(t, err, ErrAlreadyUndone)
}

func TestExecutor_UndoUnknownMerge(t *testing.T) {
	st := newTestStore(t)
	exec := NewExecutor(st)

	_, err := exec.Undo(context.Background(), 9999, "operator")
	assert.ErrorIs(t, err, ErrMergeNotFound)
}

func TestExecutor_ConcurrentMergeConflict(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	core, incoming := seedPair(t, st)

	// Hold the pair's merge locks in a background transaction.
	hold := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- st.MergeTx(ctx, core.ID, incoming.ID, func(store.MergeTx) error {
			close(hold)
			<-release
			return nil
		})
	}()
	<-hold

	exec := NewExecutor(st)
	_, err := exec.Merge(ctx, core.ID, incoming.ID, survivor.Merge(core, incoming), "system")
	assert.ErrorIs(t, err, ErrConcurrentMerge)
	assert.True(t, IsRetryable(err))

	close(release)
	require.NoError(t, <-done)
}
