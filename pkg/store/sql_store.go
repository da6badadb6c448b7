package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
)

// SQLStore implements Store using database/sql.
// It supports both Postgres and SQLite via standard drivers. Times are kept
// as unix milliseconds so both dialects compare them natively.
type SQLStore struct {
	db     *sql.DB
	clock  clock.Clock
	window int
	logger *slog.Logger
}

// NewSQLStore wraps an open database. A non-positive window selects DefaultClaimWindow.
func NewSQLStore(db *sql.DB, clk clock.Clock, window int) *SQLStore {
	if clk == nil {
		clk = clock.Wall{}
	}
	if window <= 0 {
		window = DefaultClaimWindow
	}
	return &SQLStore{
		db:     db,
		clock:  clk,
		window: window,
		logger: slog.Default().With("component", "store"),
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		id TEXT PRIMARY KEY,
		slot_key TEXT NOT NULL UNIQUE,
		kind TEXT NOT NULL,
		target_count INTEGER NOT NULL,
		generated_count INTEGER NOT NULL DEFAULT 0,
		failed_count INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		started_at BIGINT,
		finished_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_kind_created ON batches (kind, created_at)`,
	`CREATE TABLE IF NOT EXISTS challenges (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL REFERENCES batches(id),
		difficulty TEXT NOT NULL,
		payload TEXT NOT NULL,
		answer TEXT NOT NULL,
		model_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		generated_at BIGINT NOT NULL,
		reserved_at BIGINT,
		reservation_token TEXT,
		lease_expires_at BIGINT,
		consumed_at BIGINT,
		last_error TEXT NOT NULL DEFAULT '',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_challenges_status ON challenges (status, difficulty)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_challenges_token ON challenges (reservation_token)`,
	`CREATE TABLE IF NOT EXISTS verifications (
		id TEXT PRIMARY KEY,
		challenge_id TEXT NOT NULL,
		token TEXT NOT NULL,
		outcome TEXT NOT NULL,
		latency_ms BIGINT NOT NULL,
		verified_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_verifications_token ON verifications (token)`,
	`CREATE INDEX IF NOT EXISTS idx_batches_status_created ON batches (status, created_at)`,
}

// Init creates the schema. It is safe to call on every start.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

const batchColumns = `id, slot_key, kind, target_count, generated_count, failed_count, status, error, created_at, started_at, finished_at`

const challengeColumns = `id, batch_id, difficulty, payload, model_version, status, generated_at, reserved_at, reservation_token, lease_expires_at, consumed_at, last_error`

// claimablePredicate matches AVAILABLE rows and reservations whose lease has elapsed.
// $1 is always the current time in unix milliseconds.
const claimablePredicate = `(status = 'AVAILABLE' OR (status = 'RESERVED' AND lease_expires_at <= $1))`

// CreateBatch inserts the batch row keyed by slot. Losing a race is not an error.
func (s *SQLStore) CreateBatch(ctx context.Context, nb challenge.NewBatch) (*challenge.Batch, bool, error) {
	query := `
		INSERT INTO batches (id, slot_key, kind, target_count, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (slot_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		uuid.NewString(), nb.SlotKey, string(nb.Kind), nb.TargetCount, string(challenge.BatchScheduled), toMillis(s.clock.Now()),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create batch %s: %w", nb.SlotKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	b, err := s.batchBy(ctx, "slot_key", nb.SlotKey)
	if err != nil {
		return nil, false, err
	}
	return b, n == 1, nil
}

func (s *SQLStore) StartBatch(ctx context.Context, batchID string) error {
	query := `UPDATE batches SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`
	res, err := s.db.ExecContext(ctx, query,
		string(challenge.BatchRunning), toMillis(s.clock.Now()), batchID, string(challenge.BatchScheduled),
	)
	if err != nil {
		return fmt.Errorf("start batch %s: %w", batchID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.BatchStatus(ctx, batchID); err != nil {
			return err
		}
		return fmt.Errorf("start batch %s: %w", batchID, challenge.ErrBatchState)
	}
	return nil
}

func (s *SQLStore) FinalizeBatch(ctx context.Context, batchID, errSummary string) (*challenge.Batch, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var target, generated, recorded int
	err = tx.QueryRowContext(ctx, `SELECT target_count, generated_count, failed_count FROM batches WHERE id = $1`, batchID).
		Scan(&target, &generated, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, challenge.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %s: %w", batchID, err)
	}

	// Units that never reported still count as failed; recorded failures
	// are kept even when the batch met its target.
	status := challenge.FinalStatus(target, generated)
	failed := max(target-generated, recorded)

	_, err = tx.ExecContext(ctx,
		`UPDATE batches SET status = $1, failed_count = $2, finished_at = $3, error = $4 WHERE id = $5`,
		string(status), failed, toMillis(s.clock.Now()), errSummary, batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("finalize batch %s: %w", batchID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize: %w", err)
	}
	return s.BatchStatus(ctx, batchID)
}

func (s *SQLStore) BatchStatus(ctx context.Context, batchID string) (*challenge.Batch, error) {
	return s.batchBy(ctx, "id", batchID)
}

func (s *SQLStore) LatestBatch(ctx context.Context, kind challenge.BatchKind) (*challenge.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE kind = $1 ORDER BY created_at DESC LIMIT 1`
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, string(kind)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, challenge.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s batch: %w", kind, err)
	}
	return b, nil
}

// AbandonedBatches lists SCHEDULED or RUNNING batches created before a cutoff.
func (s *SQLStore) AbandonedBatches(ctx context.Context, createdBefore time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM batches WHERE status IN ($1, $2) AND created_at < $3 ORDER BY id`,
		string(challenge.BatchScheduled), string(challenge.BatchRunning), toMillis(createdBefore),
	)
	if err != nil {
		return nil, fmt.Errorf("list abandoned batches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLStore) batchBy(ctx context.Context, column, value string) (*challenge.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE ` + column + ` = $1`
	b, err := scanBatch(s.db.QueryRowContext(ctx, query, value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, challenge.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

func (s *SQLStore) Insert(ctx context.Context, nc challenge.NewChallenge) (string, error) {
	payload, err := nc.Payload.Encode()
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	id := uuid.NewString()
	now := toMillis(s.clock.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin insert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// 1. Count the unit on its batch first so an unknown batch writes nothing.
	if err := bumpBatchCounter(ctx, tx, "generated_count", nc.BatchID); err != nil {
		return "", err
	}

	// 2. Insert the challenge as AVAILABLE.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO challenges (id, batch_id, difficulty, payload, answer, model_version, status, generated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, id, nc.BatchID, nc.Difficulty, string(payload), nc.Answer, nc.ModelVersion, string(challenge.StatusAvailable), now)
	if err != nil {
		return "", fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit insert: %w", err)
	}
	return id, nil
}

func (s *SQLStore) RecordFailure(ctx context.Context, batchID, difficulty, reason string) error {
	now := toMillis(s.clock.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record failure: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := bumpBatchCounter(ctx, tx, "failed_count", batchID); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO challenges (id, batch_id, difficulty, payload, answer, status, generated_at, last_error, updated_at)
		VALUES ($1, $2, $3, '{}', '', $4, $5, $6, $5)
	`, uuid.NewString(), batchID, difficulty, string(challenge.StatusFailed), now, reason)
	if err != nil {
		return fmt.Errorf("insert failed unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record failure: %w", err)
	}
	return nil
}

func bumpBatchCounter(ctx context.Context, tx *sql.Tx, column, batchID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET `+column+` = `+column+` + 1 WHERE id = $1`, batchID)
	if err != nil {
		return fmt.Errorf("update batch counter: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return challenge.ErrBatchNotFound
	}
	return nil
}

// lease identifies one reservation as it was observed by a read.
type lease struct {
	id         string
	status     challenge.Status
	token      string
	reservedAt sql.NullInt64
}

// Claim samples a random candidate window and walks it with a conditional
// update per row. Only the caller whose update matched wins the row; losers
// move on to the next candidate.
func (s *SQLStore) Claim(ctx context.Context, filter challenge.Filter, leaseTTL time.Duration) (*challenge.Reservation, error) {
	for round := 0; round < claimRounds; round++ {
		now := s.clock.Now()
		cands, err := s.candidates(ctx, filter, now)
		if err != nil {
			return nil, err
		}
		if len(cands) == 0 {
			return nil, nil
		}

		for _, cand := range cands {
			r, err := s.tryClaim(ctx, cand, now, leaseTTL)
			if err != nil {
				return nil, err
			}
			if r != nil {
				return r, nil
			}
		}
		s.logger.DebugContext(ctx, "claim window exhausted by concurrent callers", "round", round, "candidates", len(cands))
	}
	return nil, nil
}

func (s *SQLStore) candidates(ctx context.Context, filter challenge.Filter, now time.Time) ([]lease, error) {
	args := []any{toMillis(now)}
	query := `SELECT id, status, reservation_token, reserved_at FROM challenges WHERE ` + claimablePredicate
	if filter.Difficulty != "" {
		args = append(args, filter.Difficulty)
		query += ` AND difficulty = $2`
	}
	args = append(args, s.window)
	query += fmt.Sprintf(` ORDER BY random() LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select claim candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanLeases(rows)
}

func scanLeases(rows *sql.Rows) ([]lease, error) {
	var out []lease
	for rows.Next() {
		var (
			l      lease
			status string
			token  sql.NullString
		)
		if err := rows.Scan(&l.id, &status, &token, &l.reservedAt); err != nil {
			return nil, err
		}
		l.status, l.token = challenge.Status(status), token.String
		out = append(out, l)
	}
	return out, rows.Err()
}

// tryClaim reserves one candidate. An elapsed reservation is reclaimed first,
// which logs its token as expired, so the claim itself only ever moves an
// AVAILABLE row.
func (s *SQLStore) tryClaim(ctx context.Context, cand lease, now time.Time, leaseTTL time.Duration) (*challenge.Reservation, error) {
	if cand.status == challenge.StatusReserved {
		if _, err := s.reclaimOne(ctx, cand, now); err != nil {
			return nil, err
		}
	}

	token := uuid.NewString()
	expires := now.Add(leaseTTL)

	query := `
		UPDATE challenges
		SET status = 'RESERVED', reserved_at = $1, reservation_token = $2, lease_expires_at = $3, updated_at = $1
		WHERE id = $4 AND status = 'AVAILABLE'
		RETURNING ` + challengeColumns
	c, err := scanChallenge(s.db.QueryRowContext(ctx, query, toMillis(now), token, toMillis(expires), cand.id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim challenge %s: %w", cand.id, err)
	}
	return &challenge.Reservation{Challenge: *c, Token: token, LeaseExpiresAt: fromMillis(toMillis(expires))}, nil
}

// Consume transitions a live reservation to CONSUMED and reports whether the
// solution matched. Unknown, consumed and expired tokens are rejected without
// looking at the solution.
func (s *SQLStore) Consume(ctx context.Context, token, solution string) (bool, error) {
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id         string
		answer     string
		reservedAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		UPDATE challenges
		SET status = 'CONSUMED', consumed_at = $1, lease_expires_at = NULL, updated_at = $1
		WHERE reservation_token = $2 AND status = 'RESERVED' AND lease_expires_at > $1
		RETURNING id, answer, reserved_at
	`, toMillis(now), token).Scan(&id, &answer, &reservedAt)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return false, s.rejectToken(ctx, token, now)
	}
	if err != nil {
		return false, fmt.Errorf("consume reservation: %w", err)
	}

	verified := challenge.MatchAnswer(answer, solution)
	outcome := OutcomeFail
	if verified {
		outcome = OutcomePass
	}
	if err := logVerification(ctx, tx, id, token, outcome, reservedAt, now); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit consume: %w", err)
	}
	return verified, nil
}

// rejectToken classifies a token that did not match a live reservation. An
// elapsed lease is reclaimed before the rejection is reported.
func (s *SQLStore) rejectToken(ctx context.Context, token string, now time.Time) error {
	var (
		id         string
		status     string
		reservedAt sql.NullInt64
		leaseEnd   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, reserved_at, lease_expires_at FROM challenges WHERE reservation_token = $1`, token,
	).Scan(&id, &status, &reservedAt, &leaseEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return s.classifyReleased(ctx, token)
	}
	if err != nil {
		return fmt.Errorf("lookup token: %w", err)
	}

	switch challenge.Status(status) {
	case challenge.StatusConsumed:
		return challenge.ErrTokenConsumed
	case challenge.StatusReserved:
		if leaseEnd.Valid && leaseEnd.Int64 <= toMillis(now) {
			l := lease{id: id, status: challenge.StatusReserved, token: token, reservedAt: reservedAt}
			if _, err := s.reclaimOne(ctx, l, now); err != nil {
				return err
			}
			return challenge.ErrLeaseExpired
		}
	}
	return challenge.ErrInvalidToken
}

// classifyReleased handles a token no row carries any more. A token whose
// lease was reclaimed left an expired entry in the verification log.
func (s *SQLStore) classifyReleased(ctx context.Context, token string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM verifications WHERE token = $1 AND outcome = $2 LIMIT 1`, token, OutcomeExpired,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return challenge.ErrInvalidToken
	}
	if err != nil {
		return fmt.Errorf("lookup released token: %w", err)
	}
	return challenge.ErrLeaseExpired
}

// reclaimOne returns one elapsed reservation to the pool and logs its token
// as expired in the same transaction. It reports false when another caller
// reclaimed or re-claimed the row first.
func (s *SQLStore) reclaimOne(ctx context.Context, l lease, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin reclaim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE challenges
		SET status = 'AVAILABLE', reserved_at = NULL, reservation_token = NULL, lease_expires_at = NULL, updated_at = $1
		WHERE id = $2 AND reservation_token = $3 AND status = 'RESERVED' AND lease_expires_at <= $1
	`, toMillis(now), l.id, l.token)
	if err != nil {
		return false, fmt.Errorf("reclaim reservation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}
	if err := logVerification(ctx, tx, l.id, l.token, OutcomeExpired, l.reservedAt, now); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit reclaim: %w", err)
	}
	return true, nil
}

func logVerification(ctx context.Context, tx *sql.Tx, challengeID, token, outcome string, reservedAt sql.NullInt64, now time.Time) error {
	var latency int64
	if reservedAt.Valid {
		latency = toMillis(now) - reservedAt.Int64
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO verifications (id, challenge_id, token, outcome, latency_ms, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), challengeID, token, outcome, latency, toMillis(now))
	if err != nil {
		return fmt.Errorf("log verification: %w", err)
	}
	return nil
}

// ReclaimExpired reads every elapsed reservation, then reclaims each with
// the same conditional update Consume uses, so every expired token is
// logged exactly once even when sweeps overlap.
func (s *SQLStore) ReclaimExpired(ctx context.Context) (int, error) {
	now := s.clock.Now()
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, reservation_token, reserved_at FROM challenges
		WHERE status = 'RESERVED' AND lease_expires_at <= $1
	`, toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}
	leases, err := scanLeases(rows)
	_ = rows.Close()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired: %w", err)
	}

	n := 0
	for _, l := range leases {
		ok, err := s.reclaimOne(ctx, l, now)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (s *SQLStore) AvailableCount(ctx context.Context, filter challenge.Filter) (int, error) {
	args := []any{toMillis(s.clock.Now())}
	query := `SELECT COUNT(*) FROM challenges WHERE ` + claimablePredicate
	if filter.Difficulty != "" {
		args = append(args, filter.Difficulty)
		query += ` AND difficulty = $2`
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count available: %w", err)
	}
	return n, nil
}

func (s *SQLStore) ExpireStale(ctx context.Context, generatedBefore time.Time, retiredVersions []string) (int, error) {
	args := []any{toMillis(s.clock.Now()), toMillis(generatedBefore)}
	cond := `generated_at < $2`
	if len(retiredVersions) > 0 {
		placeholders := make([]string, len(retiredVersions))
		for i, v := range retiredVersions {
			args = append(args, v)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		cond = `(` + cond + ` OR model_version IN (` + strings.Join(placeholders, ", ") + `))`
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE challenges SET status = 'EXPIRED', updated_at = $1 WHERE status = 'AVAILABLE' AND `+cond,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("expire stale: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	cutoff := toMillis(before)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE status IN ('CONSUMED', 'EXPIRED', 'FAILED') AND updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge challenges: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM verifications WHERE verified_at < $1`, cutoff); err != nil {
		return int(n), fmt.Errorf("purge verifications: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) ModelVersions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT model_version FROM challenges WHERE status = 'AVAILABLE'`)
	if err != nil {
		return nil, fmt.Errorf("list model versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func (s *SQLStore) PoolStats(ctx context.Context) (map[challenge.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM challenges GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("pool stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := make(map[challenge.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[challenge.Status(status)] = n
	}
	return stats, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanBatch(row scanner) (*challenge.Batch, error) {
	var (
		b                     challenge.Batch
		kind, status          string
		createdAt             int64
		startedAt, finishedAt sql.NullInt64
	)
	err := row.Scan(&b.ID, &b.SlotKey, &kind, &b.TargetCount, &b.GeneratedCount, &b.FailedCount,
		&status, &b.Error, &createdAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	b.Kind = challenge.BatchKind(kind)
	b.Status = challenge.BatchStatus(status)
	b.CreatedAt = fromMillis(createdAt)
	b.StartedAt = nullableMillis(startedAt)
	b.FinishedAt = nullableMillis(finishedAt)
	return &b, nil
}

func scanChallenge(row scanner) (*challenge.Challenge, error) {
	var (
		c                                challenge.Challenge
		payload, status                  string
		generatedAt                      int64
		reservedAt, leaseEnd, consumedAt sql.NullInt64
		token                            sql.NullString
	)
	err := row.Scan(&c.ID, &c.BatchID, &c.Difficulty, &payload, &c.ModelVersion, &status,
		&generatedAt, &reservedAt, &token, &leaseEnd, &consumedAt, &c.LastError)
	if err != nil {
		return nil, err
	}
	p, err := challenge.DecodePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", c.ID, err)
	}
	c.Payload = p
	c.Status = challenge.Status(status)
	c.GeneratedAt = fromMillis(generatedAt)
	c.ReservedAt = nullableMillis(reservedAt)
	c.ReservationToken = token.String
	c.LeaseExpiresAt = nullableMillis(leaseEnd)
	c.ConsumedAt = nullableMillis(consumedAt)
	return &c, nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}
