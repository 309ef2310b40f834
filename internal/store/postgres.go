package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/db"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/normalize"
)

// PostgresStore implements Store using pgxpool. Merge locks are
// transaction-scoped advisory locks, so mutual exclusion holds across
// processes sharing the database.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. Used by tests.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS identities (
	id             BIGSERIAL PRIMARY KEY,
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
	do_not_call    BOOLEAN NOT NULL DEFAULT false,
	do_not_email   BOOLEAN NOT NULL DEFAULT false,
	do_not_contact BOOLEAN NOT NULL DEFAULT false,
	active         BOOLEAN NOT NULL DEFAULT true,
	merged_into    BIGINT REFERENCES identities(id),
	cohort_key     TEXT NOT NULL DEFAULT '',
	provenance     JSONB,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS external_ids (
	id          BIGSERIAL PRIMARY KEY,
	identity_id BIGINT NOT NULL REFERENCES identities(id),
	system      TEXT NOT NULL,
	value       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (system, value)
);

CREATE TABLE IF NOT EXISTS merge_suggestions (
	id             BIGSERIAL PRIMARY KEY,
	identity_lo    BIGINT NOT NULL REFERENCES identities(id),
	identity_hi    BIGINT NOT NULL REFERENCES identities(id),
	score          DOUBLE PRECISION NOT NULL,
	features       JSONB,
	deterministic  BOOLEAN NOT NULL DEFAULT false,
	classification TEXT NOT NULL,
	decision       TEXT NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	decided_at     TIMESTAMPTZ,
	UNIQUE (identity_lo, identity_hi)
);

CREATE TABLE IF NOT EXISTS merge_records (
	id            BIGSERIAL PRIMARY KEY,
	winner_id     BIGINT NOT NULL REFERENCES identities(id),
	loser_id      BIGINT NOT NULL REFERENCES identities(id),
	before_winner JSONB NOT NULL,
	before_loser  JSONB NOT NULL,
	decisions     JSONB,
	actor         TEXT NOT NULL DEFAULT '',
	undone        BOOLEAN NOT NULL DEFAULT false,
	undone_by     BIGINT REFERENCES merge_records(id),
	inverse_of    BIGINT REFERENCES merge_records(id),
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scan_cursors (
	name       TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_identities_email_norm ON identities(email_norm) WHERE email_norm != '';
CREATE INDEX IF NOT EXISTS idx_identities_phone_e164 ON identities(phone_e164) WHERE phone_e164 != '';
CREATE INDEX IF NOT EXISTS idx_identities_cohort_key ON identities(cohort_key) WHERE cohort_key != '';
CREATE INDEX IF NOT EXISTS idx_external_ids_identity ON external_ids(identity_id);
CREATE INDEX IF NOT EXISTS idx_suggestions_decision ON merge_suggestions(decision);
CREATE INDEX IF NOT EXISTS idx_merge_records_winner ON merge_records(winner_id);
CREATE INDEX IF NOT EXISTS idx_merge_records_loser ON merge_records(loser_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// queryRunner covers the Exec/Query/QueryRow surface shared by db.Pool
// and pgx.Tx, so merge transactions reuse the same query helpers.
type queryRunner interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const pgIdentityColumns = `id, first_name, last_name, email, email_norm, phone, phone_e164,
	dob, street, city, state, zip_code, employer, school,
	do_not_call, do_not_email, do_not_contact, active, merged_into, provenance,
	created_at, updated_at`

// Identities

func (s *PostgresStore) CreateIdentity(ctx context.Context, rec *model.Identity) error {
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now

	provJSON, err := pgMarshalProvenance(rec.Provenance)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO identities (first_name, last_name, email, email_norm, phone, phone_e164,
			dob, street, city, state, zip_code, employer, school,
			do_not_call, do_not_email, do_not_contact, active, merged_into, cohort_key, provenance,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 RETURNING id`,
		rec.FirstName, rec.LastName, rec.Email, rec.EmailNorm, rec.Phone, rec.PhoneE164,
		rec.DOB, rec.Street, rec.City, rec.State, rec.ZipCode, rec.Employer, rec.School,
		rec.DoNotCall, rec.DoNotEmail, rec.DoNotContact, rec.Active, rec.MergedInto,
		normalize.CohortKey(rec.FirstName, rec.LastName), provJSON,
		rec.CreatedAt, rec.UpdatedAt,
	).Scan(&rec.ID)
	return eris.Wrap(err, "postgres: insert identity")
}

func (s *PostgresStore) UpdateIdentity(ctx context.Context, rec *model.Identity) error {
	return pgUpdateIdentity(ctx, s.pool, rec)
}

func pgUpdateIdentity(ctx context.Context, q queryRunner, rec *model.Identity) error {
	rec.UpdatedAt = time.Now().UTC()

	provJSON, err := pgMarshalProvenance(rec.Provenance)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx,
		`UPDATE identities SET first_name = $1, last_name = $2, email = $3, email_norm = $4,
			phone = $5, phone_e164 = $6, dob = $7, street = $8, city = $9, state = $10, zip_code = $11,
			employer = $12, school = $13, do_not_call = $14, do_not_email = $15, do_not_contact = $16,
			active = $17, merged_into = $18, cohort_key = $19, provenance = $20, updated_at = $21
		 WHERE id = $22`,
		rec.FirstName, rec.LastName, rec.Email, rec.EmailNorm,
		rec.Phone, rec.PhoneE164, rec.DOB, rec.Street, rec.City, rec.State, rec.ZipCode,
		rec.Employer, rec.School, rec.DoNotCall, rec.DoNotEmail, rec.DoNotContact,
		rec.Active, rec.MergedInto, normalize.CohortKey(rec.FirstName, rec.LastName), provJSON,
		rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update identity %d", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("identity not found: %d", rec.ID)
	}
	return nil
}

func (s *PostgresStore) GetIdentity(ctx context.Context, id int64) (*model.Identity, error) {
	return pgGetIdentity(ctx, s.pool, id)
}

func pgGetIdentity(ctx context.Context, q queryRunner, id int64) (*model.Identity, error) {
	row := q.QueryRow(ctx,
		`SELECT `+pgIdentityColumns+` FROM identities WHERE id = $1`, id)
	rec, err := pgScanIdentity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) FindActiveByEmailNorm(ctx context.Context, emailNorm string) ([]model.Identity, error) {
	if emailNorm == "" {
		return nil, nil
	}
	return s.queryIdentities(ctx,
		`SELECT `+pgIdentityColumns+` FROM identities WHERE active AND email_norm = $1 ORDER BY id`,
		emailNorm)
}

func (s *PostgresStore) FindActiveByPhoneE164(ctx context.Context, phone string) ([]model.Identity, error) {
	if phone == "" {
		return nil, nil
	}
	return s.queryIdentities(ctx,
		`SELECT `+pgIdentityColumns+` FROM identities WHERE active AND phone_e164 = $1 ORDER BY id`,
		phone)
}

func (s *PostgresStore) ListCohortKeys(ctx context.Context, after string, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT cohort_key FROM identities
		 WHERE active AND cohort_key != '' AND cohort_key > $1
		 ORDER BY cohort_key LIMIT $2`,
		after, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cohort keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cohort key")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list cohort keys iterate")
}

func (s *PostgresStore) ListCohortMembers(ctx context.Context, key string) ([]model.Identity, error) {
	return s.queryIdentities(ctx,
		`SELECT `+pgIdentityColumns+` FROM identities WHERE active AND cohort_key = $1 ORDER BY id`,
		key)
}

func (s *PostgresStore) queryIdentities(ctx context.Context, query string, args ...any) ([]model.Identity, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query identities")
	}
	defer rows.Close()

	var out []model.Identity
	for rows.Next() {
		rec, err := pgScanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query identities iterate")
}

// External identifier links

func (s *PostgresStore) UpsertExternalID(ctx context.Context, id *model.ExternalID) error {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO external_ids (identity_id, system, value, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (system, value) DO UPDATE SET identity_id = EXCLUDED.identity_id
		 RETURNING id`,
		id.IdentityID, id.System, id.Value, id.CreatedAt,
	).Scan(&id.ID)
	return eris.Wrapf(err, "postgres: upsert external id %s/%s", id.System, id.Value)
}

func (s *PostgresStore) GetExternalIDs(ctx context.Context, identityID int64) ([]model.ExternalID, error) {
	return pgGetExternalIDs(ctx, s.pool, identityID)
}

func pgGetExternalIDs(ctx context.Context, q queryRunner, identityID int64) ([]model.ExternalID, error) {
	rows, err := q.Query(ctx,
		`SELECT id, identity_id, system, value, created_at FROM external_ids
		 WHERE identity_id = $1 ORDER BY id`,
		identityID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get external ids")
	}
	defer rows.Close()

	var out []model.ExternalID
	for rows.Next() {
		var e model.ExternalID
		if err := rows.Scan(&e.ID, &e.IdentityID, &e.System, &e.Value, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan external id")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: get external ids iterate")
}

// Merge suggestions

var suggestionUpsert = db.UpsertConfig{
	Table: "merge_suggestions",
	Columns: []string{
		"identity_lo", "identity_hi", "score", "features", "deterministic",
		"classification", "decision", "actor", "created_at",
	},
	ConflictKeys: []string{"identity_lo", "identity_hi"},
	DoNothing:    true,
}

// CreateSuggestions bulk-inserts suggestions through a temp-table COPY.
// Pairs that already have a suggestion are left untouched.
func (s *PostgresStore) CreateSuggestions(ctx context.Context, suggestions []model.MergeSuggestion) (int, error) {
	if len(suggestions) == 0 {
		return 0, nil
	}

	rows := make([][]any, 0, len(suggestions))
	for i := range suggestions {
		sg := &suggestions[i]
		if sg.CreatedAt.IsZero() {
			sg.CreatedAt = time.Now().UTC()
		}
		featJSON, err := json.Marshal(sg.Features)
		if err != nil {
			return 0, eris.Wrap(err, "postgres: marshal suggestion features")
		}
		rows = append(rows, []any{
			sg.IdentityLo, sg.IdentityHi, sg.Score, featJSON, sg.Deterministic,
			string(sg.Classification), string(sg.Decision), sg.Actor, sg.CreatedAt,
		})
	}

	n, err := db.BulkUpsert(ctx, s.pool, suggestionUpsert, rows)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: create suggestions")
	}
	return int(n), nil
}

const pgSuggestionColumns = `id, identity_lo, identity_hi, score, features, deterministic,
	classification, decision, actor, created_at, decided_at`

func (s *PostgresStore) GetSuggestion(ctx context.Context, id int64) (*model.MergeSuggestion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSuggestionColumns+` FROM merge_suggestions WHERE id = $1`, id)
	sg, err := pgScanSuggestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sg, err
}

func (s *PostgresStore) GetSuggestionByPair(ctx context.Context, lo, hi int64) (*model.MergeSuggestion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSuggestionColumns+` FROM merge_suggestions WHERE identity_lo = $1 AND identity_hi = $2`,
		lo, hi)
	sg, err := pgScanSuggestion(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return sg, err
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, decision model.Decision, limit int) ([]model.MergeSuggestion, error) {
	query := `SELECT ` + pgSuggestionColumns + ` FROM merge_suggestions`
	var args []any
	argIdx := 1
	if decision != "" {
		query += fmt.Sprintf(` WHERE decision = $%d`, argIdx)
		args = append(args, string(decision))
		argIdx++
	}
	query += ` ORDER BY score DESC, id`
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list suggestions")
	}
	defer rows.Close()

	var out []model.MergeSuggestion
	for rows.Next() {
		sg, err := pgScanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list suggestions iterate")
}

func (s *PostgresStore) UpdateSuggestionDecision(ctx context.Context, id int64, decision model.Decision, actor string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE merge_suggestions SET decision = $1, actor = $2, decided_at = $3 WHERE id = $4`,
		string(decision), actor, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: update suggestion %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("suggestion not found: %d", id)
	}
	return nil
}

// Merge records

const pgMergeRecordColumns = `id, winner_id, loser_id, before_winner, before_loser, decisions,
	actor, undone, inverse_of, created_at`

func (s *PostgresStore) GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error) {
	return pgGetMergeRecord(ctx, s.pool, id)
}

func pgGetMergeRecord(ctx context.Context, q queryRunner, id int64) (*model.MergeRecord, error) {
	row := q.QueryRow(ctx,
		`SELECT `+pgMergeRecordColumns+` FROM merge_records WHERE id = $1`, id)
	rec, err := pgScanMergeRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *PostgresStore) ListMergeRecords(ctx context.Context, identityID int64) ([]model.MergeRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgMergeRecordColumns+` FROM merge_records
		 WHERE winner_id = $1 OR loser_id = $1 ORDER BY id`,
		identityID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list merge records")
	}
	defer rows.Close()

	var out []model.MergeRecord
	for rows.Next() {
		rec, err := pgScanMergeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list merge records iterate")
}

// Scan checkpoints

func (s *PostgresStore) GetCursor(ctx context.Context, name string) (string, error) {
	var cursor string
	err := s.pool.QueryRow(ctx,
		`SELECT cursor FROM scan_cursors WHERE name = $1`, name).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return cursor, eris.Wrapf(err, "postgres: get cursor %s", name)
}

func (s *PostgresStore) SetCursor(ctx context.Context, name, cursor string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scan_cursors (name, cursor, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (name) DO UPDATE SET cursor = EXCLUDED.cursor, updated_at = EXCLUDED.updated_at`,
		name, cursor, time.Now().UTC())
	return eris.Wrapf(err, "postgres: set cursor %s", name)
}

// Merge transactions

// MergeTx acquires transaction-scoped advisory locks on both identities
// in ascending ID order, then runs fn inside the transaction. The locks
// release automatically on commit or rollback.
func (s *PostgresStore) MergeTx(ctx context.Context, idA, idB int64, fn func(tx MergeTx) error) error {
	lo, hi := model.PairKey(idA, idB)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin merge tx")
	}
	defer tx.Rollback(ctx)

	for _, id := range []int64{lo, hi} {
		var got bool
		if err := tx.QueryRow(ctx,
			`SELECT pg_try_advisory_xact_lock($1)`, id).Scan(&got); err != nil {
			return eris.Wrapf(err, "postgres: advisory lock %d", id)
		}
		if !got {
			return ErrLocked
		}
	}

	if err := fn(&pgMergeTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit merge tx")
}

type pgMergeTx struct {
	tx pgx.Tx
}

func (t *pgMergeTx) GetIdentity(ctx context.Context, id int64) (*model.Identity, error) {
	return pgGetIdentity(ctx, t.tx, id)
}

func (t *pgMergeTx) UpdateIdentity(ctx context.Context, rec *model.Identity) error {
	return pgUpdateIdentity(ctx, t.tx, rec)
}

func (t *pgMergeTx) GetExternalIDs(ctx context.Context, identityID int64) ([]model.ExternalID, error) {
	return pgGetExternalIDs(ctx, t.tx, identityID)
}

func (t *pgMergeTx) MoveExternalIDs(ctx context.Context, fromID, toID int64) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE external_ids SET identity_id = $1 WHERE identity_id = $2`, toID, fromID)
	return eris.Wrapf(err, "postgres: move external ids %d -> %d", fromID, toID)
}

func (t *pgMergeTx) ReplaceExternalIDs(ctx context.Context, identityID int64, ids []model.ExternalID) error {
	if _, err := t.tx.Exec(ctx,
		`DELETE FROM external_ids WHERE identity_id = $1`, identityID); err != nil {
		return eris.Wrapf(err, "postgres: clear external ids for %d", identityID)
	}
	for _, e := range ids {
		if _, err := t.tx.Exec(ctx,
			`INSERT INTO external_ids (identity_id, system, value, created_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (system, value) DO UPDATE SET identity_id = EXCLUDED.identity_id`,
			identityID, e.System, e.Value, e.CreatedAt); err != nil {
			return eris.Wrapf(err, "postgres: restore external id %s/%s", e.System, e.Value)
		}
	}
	return nil
}

func (t *pgMergeTx) InsertMergeRecord(ctx context.Context, rec *model.MergeRecord) error {
	rec.CreatedAt = time.Now().UTC()

	beforeWinner, err := json.Marshal(rec.BeforeWinner)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal winner snapshot")
	}
	beforeLoser, err := json.Marshal(rec.BeforeLoser)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal loser snapshot")
	}
	decisions, err := json.Marshal(rec.Decisions)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal decisions")
	}

	err = t.tx.QueryRow(ctx,
		`INSERT INTO merge_records
			(winner_id, loser_id, before_winner, before_loser, decisions, actor, undone, inverse_of, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		rec.WinnerID, rec.LoserID, beforeWinner, beforeLoser, decisions,
		rec.Actor, rec.Undone, rec.InverseOf, rec.CreatedAt,
	).Scan(&rec.ID)
	return eris.Wrap(err, "postgres: insert merge record")
}

func (t *pgMergeTx) GetMergeRecord(ctx context.Context, id int64) (*model.MergeRecord, error) {
	return pgGetMergeRecord(ctx, t.tx, id)
}

func (t *pgMergeTx) MarkMergeUndone(ctx context.Context, id, inverseID int64) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE merge_records SET undone = true, undone_by = $1 WHERE id = $2 AND NOT undone`,
		inverseID, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark merge %d undone", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("merge record not found: %d", id)
	}
	return nil
}

// helpers

// pgRow covers pgx.Row and pgx.Rows.
type pgRow interface {
	Scan(dest ...any) error
}

func pgScanIdentity(row pgRow) (*model.Identity, error) {
	var rec model.Identity
	var provJSON []byte

	err := row.Scan(
		&rec.ID, &rec.FirstName, &rec.LastName, &rec.Email, &rec.EmailNorm,
		&rec.Phone, &rec.PhoneE164, &rec.DOB, &rec.Street, &rec.City, &rec.State,
		&rec.ZipCode, &rec.Employer, &rec.School,
		&rec.DoNotCall, &rec.DoNotEmail, &rec.DoNotContact,
		&rec.Active, &rec.MergedInto, &provJSON,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan identity")
	}

	if len(provJSON) > 0 {
		if err := json.Unmarshal(provJSON, &rec.Provenance); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal provenance")
		}
	}
	return &rec, nil
}

func pgScanSuggestion(row pgRow) (*model.MergeSuggestion, error) {
	var sg model.MergeSuggestion
	var featJSON []byte

	err := row.Scan(
		&sg.ID, &sg.IdentityLo, &sg.IdentityHi, &sg.Score, &featJSON, &sg.Deterministic,
		&sg.Classification, &sg.Decision, &sg.Actor, &sg.CreatedAt, &sg.DecidedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan suggestion")
	}

	if len(featJSON) > 0 {
		if err := json.Unmarshal(featJSON, &sg.Features); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal features")
		}
	}
	return &sg, nil
}

func pgScanMergeRecord(row pgRow) (*model.MergeRecord, error) {
	var rec model.MergeRecord
	var beforeWinner, beforeLoser, decisions []byte

	err := row.Scan(
		&rec.ID, &rec.WinnerID, &rec.LoserID, &beforeWinner, &beforeLoser, &decisions,
		&rec.Actor, &rec.Undone, &rec.InverseOf, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan merge record")
	}

	if err := json.Unmarshal(beforeWinner, &rec.BeforeWinner); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal winner snapshot")
	}
	if err := json.Unmarshal(beforeLoser, &rec.BeforeLoser); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal loser snapshot")
	}
	if len(decisions) > 0 {
		if err := json.Unmarshal(decisions, &rec.Decisions); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal decisions")
		}
	}
	return &rec, nil
}

func pgMarshalProvenance(prov map[string]model.FieldMeta) ([]byte, error) {
	if len(prov) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(prov)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal provenance")
	}
	return b, nil
}
