// Package store defines the persistence interface for the identity
// resolution engine, with PostgreSQL and SQLite backends.
package store

import (
	"context"
	"errors"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// ErrLocked is returned by MergeTx when one of the identity locks is held
// by another in-flight transaction.
var ErrLocked = errors.New("store: identity lock unavailable")

// ScanCursorName is the checkpoint key for the periodic cohort scan.
const ScanCursorName = "cohort_scan"

// MergeTx is the transactional surface available inside a merge or undo.
// All identity mutation flows through it; no other component writes
// identities directly.
type MergeTx interface {
	GetIdentity(ctx context.Context, id int64) (*model.Identity, error)
	UpdateIdentity(ctx context.Context, rec *model.Identity) error

	GetExternalIDs(ctx context.Context, identityID int64) ([]model.ExternalID, error)
	MoveExternalIDs(ctx context.Context, fromID, toID int64) error
	ReplaceExternalIDs(ctx context.Context, identityID int64, ids []model.ExternalID) error

	InsertMergeRecord(ctx context.Context, rec *model.MergeRecord) error
	GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error)
	MarkMergeUndone(ctx context.Context, id, inverseID int64) error
}

// Store is the persistence interface for identities, suggestions, and
// merge records. Lookup methods return nil (not an error) when nothing
// matches.
type Store interface {
	// Identities
	CreateIdentity(ctx context.Context, rec *model.Identity) error
	UpdateIdentity(ctx context.Context, rec *model.Identity) error
	GetIdentity(ctx context.Context, id int64) (*model.Identity, error)
	FindActiveByEmailNorm(ctx context.Context, emailNorm string) ([]model.Identity, error)
	FindActiveByPhoneE164(ctx context.Context, phone string) ([]model.Identity, error)
	ListCohortKeys(ctx context.Context, after string, limit int) ([]string, error)
	ListCohortMembers(ctx context.Context, key string) ([]model.Identity, error)

	// External identifier links
	UpsertExternalID(ctx context.Context, id *model.ExternalID) error
	GetExternalIDs(ctx context.Context, identityID int64) ([]model.ExternalID, error)

	// Merge suggestions. Creation is idempotent on the (lo, hi) identity
	// pair: existing suggestions are never duplicated or overwritten.
	CreateSuggestions(ctx context.Context, suggestions []model.MergeSuggestion) (int, error)
	GetSuggestion(ctx context.Context, id int64) (*model.MergeSuggestion, error)
	GetSuggestionByPair(ctx context.Context, lo, hi int64) (*model.MergeSuggestion, error)
	ListSuggestions(ctx context.Context, decision model.Decision, limit int) ([]model.MergeSuggestion, error)
	UpdateSuggestionDecision(ctx context.Context, id int64, decision model.Decision, actor string) error

	// Merge records
	GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error)
	ListMergeRecords(ctx context.Context, identityID int64) ([]model.MergeRecord, error)

	// Scan checkpoints
	GetCursor(ctx context.Context, name string) (string, error)
	SetCursor(ctx context.Context, name, cursor string) error

	// MergeTx runs fn inside a single transaction holding exclusive merge
	// locks on both identities (acquired in ascending ID order). Returns
	// ErrLocked without invoking fn when either lock is unavailable. Any
	// error from fn rolls the transaction back.
	MergeTx(ctx context.Context, idA, idB int64, fn func(tx MergeTx) error) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
