// Package merge executes and reverses identity merges as single atomic
// transactions with per-identity mutual exclusion.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/store"
	"github.com/sells-group/dedupe-cli/internal/survivor"
)

// Executor applies survivorship results transactionally and restores
// merges from their stored snapshots.
type Executor struct {
	store store.Store
}

// NewExecutor creates a merge executor.
func NewExecutor(st store.Store) *Executor {
	return &Executor{store: st}
}

// Merge applies a survivorship result: the winner takes the merged field
// values and the loser's external-identifier links, the loser is
// deactivated with a back-reference, and a MergeRecord with full
// before-snapshots of both sides is written. Everything happens in one
// transaction holding both identity locks; on any failure nothing is
// applied.
func (e *Executor) Merge(ctx context.Context, winnerID, loserID int64, surv *survivor.Result, actor string) (*model.MergeRecord, error) {
	if winnerID == loserID {
		return nil, eris.New("merge: cannot merge an identity with itself")
	}

	var rec *model.MergeRecord

	err := e.store.MergeTx(ctx, winnerID, loserID, func(tx store.MergeTx) error {
		winner, err := tx.GetIdentity(ctx, winnerID)
		if err != nil {
			return err
		}
		loser, err := tx.GetIdentity(ctx, loserID)
		if err != nil {
			return err
		}
		if winner == nil || loser == nil {
			return eris.Errorf("merge: identity not found (winner=%d loser=%d)", winnerID, loserID)
		}
		if !winner.Active || !loser.Active {
			return eris.Wrapf(ErrNotActive, "winner=%d loser=%d", winnerID, loserID)
		}

		beforeWinner, err := snapshot(ctx, tx, winner)
		if err != nil {
			return err
		}
		beforeLoser, err := snapshot(ctx, tx, loser)
		if err != nil {
			return err
		}

		// Apply the survivorship result to the winner.
		for _, field := range model.MergeFields {
			winner.SetFieldValue(field, surv.Merged.FieldValue(field))
		}
		winner.EmailNorm = surv.Merged.EmailNorm
		winner.PhoneE164 = surv.Merged.PhoneE164
		winner.Provenance = surv.Merged.Provenance
		if err := tx.UpdateIdentity(ctx, winner); err != nil {
			return err
		}

		if err := tx.MoveExternalIDs(ctx, loser.ID, winner.ID); err != nil {
			return err
		}

		rec = &model.MergeRecord{
			WinnerID:     winner.ID,
			LoserID:      loser.ID,
			BeforeWinner: *beforeWinner,
			BeforeLoser:  *beforeLoser,
			Decisions:    surv.Decisions,
			Actor:        actor,
		}
		if err := tx.InsertMergeRecord(ctx, rec); err != nil {
			return err
		}

		loser.Active = false
		loser.MergedInto = &winner.ID
		return tx.UpdateIdentity(ctx, loser)
	})
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, ErrConcurrentMerge
		}
		return nil, err
	}

	zap.L().Info("merge executed",
		zap.Int64("winner_id", winnerID),
		zap.Int64("loser_id", loserID),
		zap.Int64("merge_id", rec.ID),
		zap.String("actor", actor),
	)

	return rec, nil
}

// Undo restores both identities from a merge record's snapshots, marks
// the record undone, and writes an inverse record capturing the
// pre-undo state.
func (e *Executor) Undo(ctx context.Context, mergeID int64, actor string) (*model.MergeRecord, error) {
	rec, err := e.store.GetMergeRecord(ctx, mergeID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrMergeNotFound
	}
	if rec.Undone {
		return nil, ErrAlreadyUndone
	}

	var inverse *model.MergeRecord

	err = e.store.MergeTx(ctx, rec.WinnerID, rec.LoserID, func(tx store.MergeTx) error {
		// Re-check under lock: a concurrent undo may have won the race.
		current, err := tx.GetMergeRecord(ctx, mergeID)
		if err != nil {
			return err
		}
		if current == nil {
			return ErrMergeNotFound
		}
		if current.Undone {
			return ErrAlreadyUndone
		}

		winner, err := tx.GetIdentity(ctx, rec.WinnerID)
		if err != nil {
			return err
		}
		loser, err := tx.GetIdentity(ctx, rec.LoserID)
		if err != nil {
			return err
		}
		if winner == nil || loser == nil {
			return eris.Errorf("merge: undo target identity missing (merge=%d)", mergeID)
		}

		// The inverse record snapshots the merged state being unwound.
		preUndoWinner, err := snapshot(ctx, tx, winner)
		if err != nil {
			return err
		}
		preUndoLoser, err := snapshot(ctx, tx, loser)
		if err != nil {
			return err
		}

		restoredWinner := rec.BeforeWinner.Identity
		if err := tx.UpdateIdentity(ctx, &restoredWinner); err != nil {
			return err
		}
		if err := tx.ReplaceExternalIDs(ctx, restoredWinner.ID, rec.BeforeWinner.ExternalIDs); err != nil {
			return err
		}

		restoredLoser := rec.BeforeLoser.Identity
		if err := tx.UpdateIdentity(ctx, &restoredLoser); err != nil {
			return err
		}
		if err := tx.ReplaceExternalIDs(ctx, restoredLoser.ID, rec.BeforeLoser.ExternalIDs); err != nil {
			return err
		}

		inverse = &model.MergeRecord{
			WinnerID:     rec.WinnerID,
			LoserID:      rec.LoserID,
			BeforeWinner: *preUndoWinner,
			BeforeLoser:  *preUndoLoser,
			Actor:        actor,
			InverseOf:    &rec.ID,
		}
		if err := tx.InsertMergeRecord(ctx, inverse); err != nil {
			return err
		}

		return tx.MarkMergeUndone(ctx, rec.ID, inverse.ID)
	})
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			return nil, ErrConcurrentMerge
		}
		return nil, err
	}

	zap.L().Info("merge undone",
		zap.Int64("merge_id", mergeID),
		zap.Int64("inverse_id", inverse.ID),
		zap.String("actor", actor),
	)

	return inverse, nil
}

// snapshot captures an identity and its external-identifier links and
// verifies the capture is lossless before it is committed as an undo
// payload.
func snapshot(ctx context.Context, tx store.MergeTx, rec *model.Identity) (*model.Snapshot, error) {
	ids, err := tx.GetExternalIDs(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	snap := &model.Snapshot{Identity: *rec, ExternalIDs: ids}

	// A snapshot that does not survive a serialization round-trip could
	// not restore the pre-merge state; abort before commit.
	first, err := json.Marshal(snap)
	if err != nil {
		return nil, eris.Wrap(ErrInvariant, err.Error())
	}
	var reread model.Snapshot
	if err := json.Unmarshal(first, &reread); err != nil {
		return nil, eris.Wrap(ErrInvariant, err.Error())
	}
	second, err := json.Marshal(&reread)
	if err != nil {
		return nil, eris.Wrap(ErrInvariant, err.Error())
	}
	if !bytes.Equal(first, second) {
		return nil, eris.Wrapf(ErrInvariant, "snapshot of identity %d is not losslessly serializable", rec.ID)
	}

	return snap, nil
}
