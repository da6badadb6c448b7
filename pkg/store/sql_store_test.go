package store

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock, *clock.Fake) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clk := clock.NewFake(epoch)
	return NewSQLStore(db, clk, 4), mock, clk
}

var challengeCols = []string{"id", "batch_id", "difficulty", "payload", "model_version", "status",
	"generated_at", "reserved_at", "reservation_token", "lease_expires_at", "consumed_at", "last_error"}

var leaseCols = []string{"id", "status", "reservation_token", "reserved_at"}

var batchCols = []string{"id", "slot_key", "kind", "target_count", "generated_count", "failed_count",
	"status", "error", "created_at", "started_at", "finished_at"}

func TestSQLStore_CreateBatchLosesRace(t *testing.T) {
	s, mock, _ := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO batches")).
		WithArgs(sqlmock.AnyArg(), "scheduled:2026-02-10", "scheduled", 1000, "SCHEDULED", epoch.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, slot_key, kind, target_count, generated_count, failed_count, status, error, created_at, started_at, finished_at FROM batches WHERE slot_key = $1")).
		WithArgs("scheduled:2026-02-10").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b-1", "scheduled:2026-02-10", "scheduled", 1000, 1000, 0, "COMPLETED", "", epoch.UnixMilli(), epoch.UnixMilli(), epoch.Add(time.Hour).UnixMilli()))

	b, created, err := s.CreateBatch(ctx, challenge.NewBatch{SlotKey: "scheduled:2026-02-10", Kind: challenge.KindScheduled, TargetCount: 1000})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "b-1", b.ID)
	assert.Equal(t, challenge.BatchCompleted, b.Status)
	require.NotNil(t, b.FinishedAt)
	assert.True(t, b.FinishedAt.Equal(epoch.Add(time.Hour)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimMovesPastLostRows(t *testing.T) {
	s, mock, _ := newMockStore(t)
	ctx := context.Background()
	now := epoch.UnixMilli()
	lease := epoch.Add(time.Minute).UnixMilli()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, reservation_token, reserved_at FROM challenges WHERE (status = 'AVAILABLE' OR (status = 'RESERVED' AND lease_expires_at <= $1)) AND difficulty = $2 ORDER BY random() LIMIT $3")).
		WithArgs(now, "hard", 4).
		WillReturnRows(sqlmock.NewRows(leaseCols).
			AddRow("c-1", "AVAILABLE", nil, nil).
			AddRow("c-2", "AVAILABLE", nil, nil))

	// c-1 was taken by another caller between the sample and the update.
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'RESERVED'")).
		WithArgs(now, sqlmock.AnyArg(), lease, "c-1").
		WillReturnRows(sqlmock.NewRows(challengeCols))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'RESERVED'")).
		WithArgs(now, sqlmock.AnyArg(), lease, "c-2").
		WillReturnRows(sqlmock.NewRows(challengeCols).
			AddRow("c-2", "b-1", "hard", `{"media_key":"sha256:aa","prompt":"p","options":["a","b"]}`, "1.0.0", "RESERVED",
				now, now, "tok", lease, nil, ""))

	r, err := s.Claim(ctx, challenge.Filter{Difficulty: "hard"}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "c-2", r.Challenge.ID)
	assert.Equal(t, "sha256:aa", r.Challenge.Payload.MediaKey)
	assert.NotEmpty(t, r.Token)
	assert.True(t, r.LeaseExpiresAt.Equal(epoch.Add(time.Minute)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimReleasesElapsedLeaseFirst(t *testing.T) {
	s, mock, _ := newMockStore(t)
	now := epoch.UnixMilli()
	reserved := epoch.Add(-5 * time.Minute).UnixMilli()
	lease := epoch.Add(time.Minute).UnixMilli()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, reservation_token, reserved_at FROM challenges WHERE")).
		WithArgs(now, 4).
		WillReturnRows(sqlmock.NewRows(leaseCols).AddRow("c-1", "RESERVED", "old", reserved))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE challenges SET status = 'AVAILABLE'")).
		WithArgs(now, "c-1", "old").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verifications")).
		WithArgs(sqlmock.AnyArg(), "c-1", "old", OutcomeExpired, int64(5*time.Minute/time.Millisecond), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'RESERVED', reserved_at = $1, reservation_token = $2, lease_expires_at = $3, updated_at = $1 WHERE id = $4 AND status = 'AVAILABLE'")).
		WithArgs(now, sqlmock.AnyArg(), lease, "c-1").
		WillReturnRows(sqlmock.NewRows(challengeCols).
			AddRow("c-1", "b-1", "normal", `{"media_key":"sha256:aa","prompt":"p","options":["a","b"]}`, "1.0.0", "RESERVED",
				now, now, "new", lease, nil, ""))

	r, err := s.Claim(context.Background(), challenge.Filter{}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "c-1", r.Challenge.ID)
	assert.NotEqual(t, "old", r.Token)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ClaimEmptyPool(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, reservation_token, reserved_at FROM challenges WHERE")).
		WithArgs(epoch.UnixMilli(), 4).
		WillReturnRows(sqlmock.NewRows(leaseCols))

	r, err := s.Claim(context.Background(), challenge.Filter{}, time.Minute)
	require.NoError(t, err)
	assert.Nil(t, r)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ConsumeWritesVerification(t *testing.T) {
	s, mock, clk := newMockStore(t)
	clk.Advance(1500 * time.Millisecond)
	now := clk.Now().UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'CONSUMED'")).
		WithArgs(now, "tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "answer", "reserved_at"}).AddRow("c-1", "고양이", epoch.UnixMilli()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verifications")).
		WithArgs(sqlmock.AnyArg(), "c-1", "tok", OutcomePass, int64(1500), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ok, err := s.Consume(context.Background(), "tok", "고양이")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ConsumeExpiredLeaseReclaims(t *testing.T) {
	s, mock, _ := newMockStore(t)
	now := epoch.UnixMilli()
	reserved := epoch.Add(-4 * time.Minute).UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'CONSUMED'")).
		WithArgs(now, "tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "answer", "reserved_at"}))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, reserved_at, lease_expires_at FROM challenges WHERE reservation_token = $1")).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "reserved_at", "lease_expires_at"}).
			AddRow("c-1", "RESERVED", reserved, epoch.Add(-time.Minute).UnixMilli()))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE challenges SET status = 'AVAILABLE'")).
		WithArgs(now, "c-1", "tok").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verifications")).
		WithArgs(sqlmock.AnyArg(), "c-1", "tok", OutcomeExpired, int64(4*time.Minute/time.Millisecond), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ok, err := s.Consume(context.Background(), "tok", "cat")
	assert.False(t, ok)
	assert.ErrorIs(t, err, challenge.ErrLeaseExpired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ConsumeReleasedTokenReportsExpired(t *testing.T) {
	for _, tt := range []struct {
		name   string
		logged bool
		want   error
	}{
		{"reclaimed earlier", true, challenge.ErrLeaseExpired},
		{"never issued", false, challenge.ErrInvalidToken},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s, mock, _ := newMockStore(t)

			mock.ExpectBegin()
			mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'CONSUMED'")).
				WillReturnRows(sqlmock.NewRows([]string{"id", "answer", "reserved_at"}))
			mock.ExpectRollback()
			mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status")).
				WithArgs("tok").
				WillReturnRows(sqlmock.NewRows([]string{"id", "status", "reserved_at", "lease_expires_at"}))
			rows := sqlmock.NewRows([]string{"1"})
			if tt.logged {
				rows.AddRow(1)
			}
			mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM verifications WHERE token = $1 AND outcome = $2 LIMIT 1")).
				WithArgs("tok", OutcomeExpired).
				WillReturnRows(rows)

			_, err := s.Consume(context.Background(), "tok", "cat")
			assert.ErrorIs(t, err, tt.want)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestSQLStore_ConsumeConsumedToken(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE challenges SET status = 'CONSUMED'")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "answer", "reserved_at"}))
	mock.ExpectRollback()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status")).
		WithArgs("tok").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status", "reserved_at", "lease_expires_at"}).
			AddRow("c-1", "CONSUMED", epoch.UnixMilli(), nil))

	_, err := s.Consume(context.Background(), "tok", "cat")
	assert.ErrorIs(t, err, challenge.ErrTokenConsumed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_InsertUnknownBatchRollsBack(t *testing.T) {
	s, mock, _ := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches SET generated_count = generated_count + 1 WHERE id = $1")).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.Insert(context.Background(), challenge.NewChallenge{BatchID: "missing", Difficulty: "normal"})
	assert.ErrorIs(t, err, challenge.ErrBatchNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FinalizeAppliesTerminalRule(t *testing.T) {
	s, mock, _ := newMockStore(t)
	now := epoch.UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT target_count, generated_count, failed_count FROM batches WHERE id = $1")).
		WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows([]string{"target_count", "generated_count", "failed_count"}).AddRow(1000, 950, 12))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches SET status = $1, failed_count = $2, finished_at = $3, error = $4 WHERE id = $5")).
		WithArgs("PARTIAL", 50, now, "", "b-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("FROM batches WHERE id = $1")).
		WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b-1", "manual:1", "manual", 1000, 950, 50, "PARTIAL", "", now, now, now))

	b, err := s.FinalizeBatch(context.Background(), "b-1", "")
	require.NoError(t, err)
	assert.Equal(t, challenge.BatchPartial, b.Status)
	assert.Equal(t, 50, b.FailedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_FinalizeKeepsRecordedFailures(t *testing.T) {
	s, mock, _ := newMockStore(t)
	now := epoch.UnixMilli()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT target_count, generated_count, failed_count FROM batches WHERE id = $1")).
		WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows([]string{"target_count", "generated_count", "failed_count"}).AddRow(0, 1, 2))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE batches SET status = $1")).
		WithArgs("COMPLETED", 2, now, "", "b-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta("FROM batches WHERE id = $1")).
		WithArgs("b-1").
		WillReturnRows(sqlmock.NewRows(batchCols).
			AddRow("b-1", "fallback:2026-02-10", "fallback", 0, 1, 2, "COMPLETED", "", now, now, now))

	b, err := s.FinalizeBatch(context.Background(), "b-1", "")
	require.NoError(t, err)
	assert.Equal(t, 2, b.FailedCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_AbandonedBatches(t *testing.T) {
	s, mock, _ := newMockStore(t)
	cutoff := epoch.Add(-4 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id FROM batches WHERE status IN ($1, $2) AND created_at < $3")).
		WithArgs("SCHEDULED", "RUNNING", cutoff.UnixMilli()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("b-1").AddRow("b-2"))

	ids, err := s.AbandonedBatches(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, []string{"b-1", "b-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ExpireStaleBindsRetiredVersions(t *testing.T) {
	s, mock, _ := newMockStore(t)
	cutoff := epoch.Add(-7 * 24 * time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE challenges SET status = 'EXPIRED', updated_at = $1 WHERE status = 'AVAILABLE' AND (generated_at < $2 OR model_version IN ($3, $4))")).
		WithArgs(epoch.UnixMilli(), cutoff.UnixMilli(), "0.8.0", "0.9.0").
		WillReturnResult(sqlmock.NewResult(0, 12))

	n, err := s.ExpireStale(context.Background(), cutoff, []string{"0.8.0", "0.9.0"})
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLStore_ReclaimExpiredLogsEachToken(t *testing.T) {
	s, mock, _ := newMockStore(t)
	now := epoch.UnixMilli()
	reserved := epoch.Add(-2 * time.Minute).UnixMilli()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, status, reservation_token, reserved_at FROM challenges WHERE status = 'RESERVED' AND lease_expires_at <= $1")).
		WithArgs(now).
		WillReturnRows(sqlmock.NewRows(leaseCols).
			AddRow("c-1", "RESERVED", "tok-1", reserved).
			AddRow("c-2", "RESERVED", "tok-2", reserved))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE challenges SET status = 'AVAILABLE'")).
		WithArgs(now, "c-1", "tok-1").
		WillReturnResult(driver.RowsAffected(1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO verifications")).
		WithArgs(sqlmock.AnyArg(), "c-1", "tok-1", OutcomeExpired, int64(2*time.Minute/time.Millisecond), now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	// c-2 was reclaimed by an overlapping sweep; nothing is logged twice.
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE challenges SET status = 'AVAILABLE'")).
		WithArgs(now, "c-2", "tok-2").
		WillReturnResult(driver.RowsAffected(0))
	mock.ExpectRollback()

	n, err := s.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
