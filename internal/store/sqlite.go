package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/normalize"
)

// SQLiteStore implements Store using modernc.org/sqlite. Merge locks are
// held in an in-process registry; SQLite serializes writers anyway, so
// the registry only has to make lock acquisition non-blocking.
type SQLiteStore struct {
	db    *sql.DB
	locks lockRegistry
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. Transactions start as writers immediately so merge transactions
// never deadlock upgrading a read lock.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	if !strings.Contains(dsn, "_txlock") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, locks: lockRegistry{held: make(map[int64]bool)}}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS identities (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	first_name     TEXT NOT NULL DEFAULT '',
	last_name      TEXT NOT NULL DEFAULT '',
	email          TEXT NOT NULL DEFAULT '',
	email_norm     TEXT NOT NULL DEFAULT '',
	phone          TEXT NOT NULL DEFAULT '',
	phone_e164     TEXT NOT NULL DEFAULT '',
	dob            TEXT NOT NULL DEFAULT '',
	street         TEXT NOT NULL DEFAULT '',
	city           TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT '',
	zip_code       TEXT NOT NULL DEFAULT '',
	employer       TEXT NOT NULL DEFAULT '',
	school         TEXT NOT NULL DEFAULT '',
	do_not_call    INTEGER NOT NULL DEFAULT 0,
	do_not_email   INTEGER NOT NULL DEFAULT 0,
	do_not_contact INTEGER NOT NULL DEFAULT 0,
	active         INTEGER NOT NULL DEFAULT 1,
	merged_into    INTEGER REFERENCES identities(id),
	cohort_key     TEXT NOT NULL DEFAULT '',
	provenance     TEXT,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS external_ids (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_id INTEGER NOT NULL REFERENCES identities(id),
	system      TEXT NOT NULL,
	value       TEXT NOT NULL,
	created_at  DATETIME NOT NULL,
	UNIQUE (system, value)
);

CREATE TABLE IF NOT EXISTS merge_suggestions (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	identity_lo    INTEGER NOT NULL REFERENCES identities(id),
	identity_hi    INTEGER NOT NULL REFERENCES identities(id),
	score          REAL NOT NULL,
	features       TEXT,
	deterministic  INTEGER NOT NULL DEFAULT 0,
	classification TEXT NOT NULL,
	decision       TEXT NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	decided_at     DATETIME,
	UNIQUE (identity_lo, identity_hi)
);

CREATE TABLE IF NOT EXISTS merge_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	winner_id     INTEGER NOT NULL REFERENCES identities(id),
	loser_id      INTEGER NOT NULL REFERENCES identities(id),
	before_winner TEXT NOT NULL,
	before_loser  TEXT NOT NULL,
	decisions     TEXT,
	actor         TEXT NOT NULL DEFAULT '',
	undone        INTEGER NOT NULL DEFAULT 0,
	undone_by     INTEGER REFERENCES merge_records(id),
	inverse_of    INTEGER REFERENCES merge_records(id),
	created_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_cursors (
	name       TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_identities_email_norm ON identities(email_norm) WHERE email_norm != '';
CREATE INDEX IF NOT EXISTS idx_identities_phone_e164 ON identities(phone_e164) WHERE phone_e164 != '';
CREATE INDEX IF NOT EXISTS idx_identities_cohort_key ON identities(cohort_key) WHERE cohort_key != '';
CREATE INDEX IF NOT EXISTS idx_external_ids_identity ON external_ids(identity_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_decision ON merge_suggestions(decision);
CREATE INDEX IF NOT EXISTS idx_merge_records_winner ON merge_records(winner_id);
CREATE INDEX IF NOT EXISTS idx_merge_records_loser ON merge_records(loser_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so queries are shared
// between the store surface and merge transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const identityColumns = `id, first_name, last_name, email, email_norm, phone, phone_e164,
	dob, street, city, state, zip_code, employer, school,
	do_not_call, do_not_email, do_not_contact, active, merged_into, provenance,
	created_at, updated_at`

// Identities

func (s *SQLiteStore) CreateIdentity(ctx context.Context, rec *model.Identity) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	provJSON, err := marshalProvenance(rec.Provenance)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (first_name, last_name, email, email_norm, phone, phone_e164,
			dob, street, city, state, zip_code, employer, school,
			do_not_call, do_not_email, do_not_contact, active, merged_into, cohort_key, provenance,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FirstName, rec.LastName, rec.Email, rec.EmailNorm, rec.Phone, rec.PhoneE164,
		rec.DOB, rec.Street, rec.City, rec.State, rec.ZipCode, rec.Employer, rec.School,
		rec.DoNotCall, rec.DoNotEmail, rec.DoNotContact, rec.Active, rec.MergedInto,
		normalize.CohortKey(rec.FirstName, rec.LastName), provJSON,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert identity")
	}
	rec.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: identity id")
}

func (s *SQLiteStore) UpdateIdentity(ctx context.Context, rec *model.Identity) error {
	return sqliteUpdateIdentity(ctx, s.db, rec)
}

func sqliteUpdateIdentity(ctx context.Context, q dbtx, rec *model.Identity) error {
	rec.UpdatedAt = time.Now().UTC()

	provJSON, err := marshalProvenance(rec.Provenance)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE identities SET first_name = ?, last_name = ?, email = ?, email_norm = ?,
			phone = ?, phone_e164 = ?, dob = ?, street = ?, city = ?, state = ?, zip_code = ?,
			employer = ?, school = ?, do_not_call = ?, do_not_email = ?, do_not_contact = ?,
			active = ?, merged_into = ?, cohort_key = ?, provenance = ?, updated_at = ?
		 WHERE id = ?`,
		rec.FirstName, rec.LastName, rec.Email, rec.EmailNorm,
		rec.Phone, rec.PhoneE164, rec.DOB, rec.Street, rec.City, rec.State, rec.ZipCode,
		rec.Employer, rec.School, rec.DoNotCall, rec.DoNotEmail, rec.DoNotContact,
		rec.Active, rec.MergedInto, normalize.CohortKey(rec.FirstName, rec.LastName), provJSON,
		rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update identity %d", rec.ID)
	}
	return checkRowsAffected(res, "identity", rec.ID)
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id int64) (*model.Identity, error) {
	return sqliteGetIdentity(ctx, s.db, id)
}

func sqliteGetIdentity(ctx context.Context, q dbtx, id int64) (*model.Identity, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	rec, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) FindActiveByEmailNorm(ctx context.Context, emailNorm string) ([]model.Identity, error) {
	if emailNorm == "" {
		return nil, nil
	}
	return s.queryIdentities(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE active = 1 AND email_norm = ? ORDER BY id`,
		emailNorm)
}

func (s *SQLiteStore) FindActiveByPhoneE164(ctx context.Context, phone string) ([]model.Identity, error) {
	if phone == "" {
		return nil, nil
	}
	return s.queryIdentities(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE active = 1 AND phone_e164 = ? ORDER BY id`,
		phone)
}

func (s *SQLiteStore) ListCohortKeys(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT cohort_key FROM identities
		 WHERE active = 1 AND cohort_key != '' AND cohort_key > ?
		 ORDER BY cohort_key LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cohort keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cohort key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list cohort keys iterate")
}

func (s *SQLiteStore) ListCohortMembers(ctx context.Context, key string) ([]model.Identity, error) {
	return s.queryIdentities(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE active = 1 AND cohort_key = ? ORDER BY id`,
		key)
}

func (s *SQLiteStore) queryIdentities(ctx context.Context, query string, args ...any) ([]model.Identity, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query identities")
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		rec, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: query identities iterate")
}

// External identifier links

func (s *SQLiteStore) UpsertExternalID(ctx context.Context, id *model.ExternalID) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO external_ids (identity_id, system, value, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (system, value) DO UPDATE SET identity_id = excluded.identity_id`,
		id.IdentityID, id.System, id.Value, id.CreatedAt)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert external id %s/%s", id.System, id.Value)
	}
	if newID, err := res.LastInsertId(); err == nil && newID > 0 {
		id.ID = newID
	}
	return nil
}

func (s *SQLiteStore) GetExternalIDs(ctx context.Context, identityID int64) ([]model.ExternalID, error) {
	return sqliteGetExternalIDs(ctx, s.db, identityID)
}

func sqliteGetExternalIDs(ctx context.Context, q dbtx, identityID int64) ([]model.ExternalID, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, identity_id, system, value, created_at FROM external_ids
		 WHERE identity_id = ? ORDER BY id`,
		identityID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get external ids")
	}
	defer rows.Close()

	var out []model.ExternalID
	for rows.Next() {
		var e model.ExternalID
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.System, &e.Value, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan external id")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: get external ids iterate")
}

// Merge suggestions

func (s *SQLiteStore) CreateSuggestions(ctx context.Context, suggestions []model.MergeSuggestion) (int, error) {
	if len(suggestions) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin suggestions")
	}
	defer tx.Rollback()

	created := 0
	for i := range suggestions {
		sg := &suggestions[i]
		if sg.CreatedAt.IsZero() {
			sg.CreatedAt = time.Now().UTC()
		}
		featJSON, err := marshalJSONText(sg.Features)
		if err != nil {
			return created, eris.Wrap(err, "sqlite: marshal suggestion features")
		}

		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO merge_suggestions
				(identity_lo, identity_hi, score, features, deterministic, classification, decision, actor, created_at, decided_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sg.IdentityLo, sg.IdentityHi, sg.Score, featJSON, sg.Deterministic,
			string(sg.Classification), string(sg.Decision), sg.Actor, sg.CreatedAt, sg.DecidedAt)
		if err != nil {
			return created, eris.Wrap(err, "sqlite: insert suggestion")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return created, eris.Wrap(err, "sqlite: suggestion rows affected")
		}
		if n > 0 {
			created++
			if sg.ID, err = res.LastInsertId(); err != nil {
				return created, eris.Wrap(err, "sqlite: suggestion id")
			}
		}
	}

	return created, eris.Wrap(tx.Commit(), "sqlite: commit suggestions")
}

const suggestionColumns = `id, identity_lo, identity_hi, score, features, deterministic,
	classification, decision, actor, created_at, decided_at`

func (s *SQLiteStore) GetSuggestion(ctx context.Context, id int64) (*model.MergeSuggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM merge_suggestions WHERE id = ?`, id)
	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sg, err
}

func (s *SQLiteStore) GetSuggestionByPair(ctx context.Context, lo, hi int64) (*model.MergeSuggestion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+suggestionColumns+` FROM merge_suggestions WHERE identity_lo = ? AND identity_hi = ?`,
		lo, hi)
	sg, err := scanSuggestion(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sg, err
}

func (s *SQLiteStore) ListSuggestions(ctx context.Context, decision model.Decision, limit int) ([]model.MergeSuggestion, error) {
	query := `SELECT ` + suggestionColumns + ` FROM merge_suggestions`
	var args []any
	if decision != "" {
		query += ` WHERE decision = ?`
		args = append(args, string(decision))
	}
	query += ` ORDER BY score DESC, id`
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list suggestions")
	}
	defer rows.Close()

	var out []model.MergeSuggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list suggestions iterate")
}

func (s *SQLiteStore) UpdateSuggestionDecision(ctx context.Context, id int64, decision model.Decision, actor string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE merge_suggestions SET decision = ?, actor = ?, decided_at = ? WHERE id = ?`,
		string(decision), actor, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update suggestion %d", id)
	}
	return checkRowsAffected(res, "suggestion", id)
}

// Merge records

const mergeRecordColumns = `id, winner_id, loser_id, before_winner, before_loser, decisions,
	actor, undone, inverse_of, created_at`

func (s *SQLiteStore) GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error) {
	return sqliteGetMergeRecord(ctx, s.db, id)
}

func sqliteGetMergeRecord(ctx context.Context, q dbtx, id int64) (*model.MergeRecord, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+mergeRecordColumns+` FROM merge_records WHERE id = ?`, id)
	rec, err := scanMergeRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) ListMergeRecords(ctx context.Context, identityID int64) ([]model.MergeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+mergeRecordColumns+` FROM merge_records
		 WHERE winner_id = ? OR loser_id = ? ORDER BY id`,
		identityID, identityID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list merge records")
	}
	defer rows.Close()

	var out []model.MergeRecord
	for rows.Next() {
		rec, err := scanMergeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list merge records iterate")
}

// Scan checkpoints

func (s *SQLiteStore) GetCursor(ctx context.Context, name string) (string, error) {
	var cursor string
	err := s.db.QueryRowContext(ctx,
		`SELECT cursor FROM scan_cursors WHERE name = ?`, name).Scan(&cursor)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return cursor, eris.Wrapf(err, "sqlite: get cursor %s", name)
}

func (s *SQLiteStore) SetCursor(ctx context.Context, name, cursor string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scan_cursors (name, cursor, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		name, cursor, time.Now().UTC())
	return eris.Wrapf(err, "sqlite: set cursor %s", name)
}

// Merge transactions

// lockRegistry hands out non-blocking in-process merge locks. Both locks
// are taken atomically so two merges contending on overlapping pairs can
// never deadlock.
type lockRegistry struct {
	mu   sync.Mutex
	held map[int64]bool
}

func (r *lockRegistry) acquire(ids ...int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if r.held[id] {
			return false
		}
	}
	for _, id := range ids {
		r.held[id] = true
	}
	return true
}

func (r *lockRegistry) release(ids ...int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.held, id)
	}
}

func (s *SQLiteStore) MergeTx(ctx context.Context, idA, idB int64, fn func(tx MergeTx) error) error {
	lo, hi := model.PairKey(idA, idB)
	if !s.locks.acquire(lo, hi) {
		return ErrLocked
	}
	defer s.locks.release(lo, hi)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin merge tx")
	}
	defer tx.Rollback()

	if err := fn(&sqliteMergeTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit merge tx")
}

type sqliteMergeTx struct {
	tx *sql.Tx
}

func (t *sqliteMergeTx) GetIdentity(ctx context.Context, id int64) (*model.Identity, error) {
	return sqliteGetIdentity(ctx, t.tx, id)
}

func (t *sqliteMergeTx) UpdateIdentity(ctx context.Context, rec *model.Identity) error {
	return sqliteUpdateIdentity(ctx, t.tx, rec)
}

func (t *sqliteMergeTx) GetExternalIDs(ctx context.Context, identityID int64) ([]model.ExternalID, error) {
	return sqliteGetExternalIDs(ctx, t.tx, identityID)
}

func (t *sqliteMergeTx) MoveExternalIDs(ctx context.Context, fromID, toID int64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE external_ids SET identity_id = ? WHERE identity_id = ?`, toID, fromID)
	return eris.Wrapf(err, "sqlite: move external ids %d -> %d", fromID, toID)
}

func (t *sqliteMergeTx) ReplaceExternalIDs(ctx context.Context, identityID int64, ids []model.ExternalID) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM external_ids WHERE identity_id = ?`, identityID); err != nil {
		return eris.Wrapf(err, "sqlite: clear external ids for %d", identityID)
	}
	for _, e := range ids {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO external_ids (identity_id, system, value, created_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT (system, value) DO UPDATE SET identity_id = excluded.identity_id`,
			identityID, e.System, e.Value, e.CreatedAt); err != nil {
			return eris.Wrapf(err, "sqlite: restore external id %s/%s", e.System, e.Value)
		}
	}
	return nil
}

func (t *sqliteMergeTx) InsertMergeRecord(ctx context.Context, rec *model.MergeRecord) error {
	rec.CreatedAt = time.Now().UTC()

	beforeWinner, err := marshalJSONText(rec.BeforeWinner)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal winner snapshot")
	}
	beforeLoser, err := marshalJSONText(rec.BeforeLoser)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal loser snapshot")
	}
	decisions, err := marshalJSONText(rec.Decisions)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal decisions")
	}

	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO merge_records
			(winner_id, loser_id, before_winner, before_loser, decisions, actor, undone, inverse_of, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WinnerID, rec.LoserID, beforeWinner, beforeLoser, decisions,
		rec.Actor, rec.Undone, rec.InverseOf, rec.CreatedAt)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert merge record")
	}
	rec.ID, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: merge record id")
}

func (t *sqliteMergeTx) GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error) {
	return sqliteGetMergeRecord(ctx, t.tx, id)
}

func (t *sqliteMergeTx) MarkMergeUndone(ctx context.Context, id, inverseID int64) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE merge_records SET undone = 1, undone_by = ? WHERE id = ? AND undone = 0`,
		inverseID, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark merge %d undone", id)
	}
	return checkRowsAffected(res, "merge record", id)
}

// helpers

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %d", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanIdentity(row scannable) (*model.Identity, error) {
	var rec model.Identity
	var provJSON sql.NullString

	err := row.Scan(
		&rec.ID, &rec.FirstName, &rec.LastName, &rec.Email, &rec.EmailNorm,
		&rec.Phone, &rec.PhoneE164, &rec.DOB, &rec.Street, &rec.City, &rec.State,
		&rec.ZipCode, &rec.Employer, &rec.School,
		&rec.DoNotCall, &rec.DoNotEmail, &rec.DoNotContact,
		&rec.Active, &rec.MergedInto, &provJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan identity")
	}

	if provJSON.Valid && provJSON.String != "" {
		if err := json.Unmarshal([]byte(provJSON.String), &rec.Provenance); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal provenance")
		}
	}
	return &rec, nil
}

func scanSuggestion(row scannable) (*model.MergeSuggestion, error) {
	var sg model.MergeSuggestion
	var featJSON sql.NullString
	var decidedAt sql.NullTime

	err := row.Scan(
		&sg.ID, &sg.IdentityLo, &sg.IdentityHi, &sg.Score, &featJSON, &sg.Deterministic,
		&sg.Classification, &sg.Decision, &sg.Actor, &sg.CreatedAt, &decidedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan suggestion")
	}

	if featJSON.Valid && featJSON.String != "" {
		if err := json.Unmarshal([]byte(featJSON.String), &sg.Features); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal features")
		}
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		sg.DecidedAt = &t
	}
	return &sg, nil
}

func scanMergeRecord(row scannable) (*model.MergeRecord, error) {
	var rec model.MergeRecord
	var beforeWinner, beforeLoser string
	var decisions sql.NullString

	err := row.Scan(
		&rec.ID, &rec.WinnerID, &rec.LoserID, &beforeWinner, &beforeLoser, &decisions,
		&rec.Actor, &rec.Undone, &rec.InverseOf, &rec.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan merge record")
	}

	if err := json.Unmarshal([]byte(beforeWinner), &rec.BeforeWinner); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal winner snapshot")
	}
	if err := json.Unmarshal([]byte(beforeLoser), &rec.BeforeLoser); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal loser snapshot")
	}
	if decisions.Valid && decisions.String != "" {
		if err := json.Unmarshal([]byte(decisions.String), &rec.Decisions); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal decisions")
		}
	}
	return &rec, nil
}

func marshalProvenance(prov map[string]model.FieldMeta) (string, error) {
	if len(prov) == 0 {
		return "", nil
	}
	b, err := json.Marshal(prov)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal provenance")
	}
	return string(b), nil
}

func marshalJSONText(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
