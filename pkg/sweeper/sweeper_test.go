package sweeper

import (
	"context"
	"testing"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/store"
)

func insert(t *testing.T, st *store.MemoryStore, batchID, version string) {
	t.Helper()
	_, err := st.Insert(context.Background(), challenge.NewChallenge{BatchID: batchID, Difficulty: "normal", Answer: "a", ModelVersion: version})
	require.NoError(t, err)
}

func TestRetiredVersions(t *testing.T) {
	c, err := semver.NewConstraint(">= 2.0.0")
	require.NoError(t, err)

	got := RetiredVersions([]string{"1.4.0", "2.0.0", "2.3.1", "synthetic-1.0.0"}, c)
	assert.Equal(t, []string{"1.4.0"}, got)
	assert.Nil(t, RetiredVersions([]string{"1.0.0"}, nil))
}

func TestNew_RejectsBadConstraint(t *testing.T) {
	_, err := New(store.NewMemoryStore(nil), nil, Config{ModelVersionConstraint: ">>> nope"})
	assert.Error(t, err)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	b, _, err := st.CreateBatch(ctx, challenge.NewBatch{SlotKey: "manual:1", Kind: challenge.KindManual, TargetCount: 10})
	require.NoError(t, err)

	// Day 0: two old challenges, one of them consumed.
	insert(t, st, b.ID, "2.0.0")
	insert(t, st, b.ID, "2.0.0")
	r, err := st.Claim(ctx, challenge.Filter{}, time.Minute)
	require.NoError(t, err)
	_, err = st.Consume(ctx, r.Token, "a")
	require.NoError(t, err)

	// Day 8: fresh challenges from a current and a retired model, one lease abandoned.
	clk.Advance(8 * 24 * time.Hour)
	insert(t, st, b.ID, "2.1.0")
	insert(t, st, b.ID, "1.9.0")
	insert(t, st, b.ID, "2.1.0")
	abandoned, err := st.Claim(ctx, challenge.Filter{}, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, abandoned)
	clk.Advance(2 * time.Minute)

	sw, err := New(st, clk, Config{
		Interval:               time.Minute,
		Retention:              7 * 24 * time.Hour,
		ChallengeTTL:           7 * 24 * time.Hour,
		ModelVersionConstraint: ">= 2.0.0",
	})
	require.NoError(t, err)

	rep, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Reclaimed)
	assert.Equal(t, []string{"1.9.0"}, rep.Retired)
	assert.Equal(t, 2, rep.Expired, "the day-0 challenge and the retired model's")
	assert.Equal(t, 1, rep.Purged, "the consumed day-0 challenge")

	stats, err := st.PoolStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[challenge.StatusAvailable])
	assert.Equal(t, 2, stats[challenge.StatusExpired])

	again, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Report{}, again)
}

func TestSweep_FinalizesAbandonedBatches(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)

	// A runner died after two of five units; its batch stays RUNNING.
	dead, _, err := st.CreateBatch(ctx, challenge.NewBatch{SlotKey: "scheduled:2026-03-01", Kind: challenge.KindScheduled, TargetCount: 5})
	require.NoError(t, err)
	require.NoError(t, st.StartBatch(ctx, dead.ID))
	insert(t, st, dead.ID, "2.0.0")
	insert(t, st, dead.ID, "2.0.0")
	never, _, err := st.CreateBatch(ctx, challenge.NewBatch{SlotKey: "emergency:1", Kind: challenge.KindEmergency, TargetCount: 3})
	require.NoError(t, err)

	clk.Advance(5 * time.Hour)
	live, _, err := st.CreateBatch(ctx, challenge.NewBatch{SlotKey: "emergency:2", Kind: challenge.KindEmergency, TargetCount: 3})
	require.NoError(t, err)
	require.NoError(t, st.StartBatch(ctx, live.ID))

	sw, err := New(st, clk, Config{Interval: time.Minute, AbandonAfter: 4 * time.Hour})
	require.NoError(t, err)

	rep, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Abandoned)

	b, err := st.BatchStatus(ctx, dead.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.BatchPartial, b.Status)
	assert.Equal(t, 2, b.GeneratedCount)
	assert.Equal(t, 3, b.FailedCount)
	assert.Contains(t, b.Error, "abandoned")

	b, err = st.BatchStatus(ctx, never.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.BatchFailed, b.Status)

	b, err = st.BatchStatus(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.BatchRunning, b.Status, "a recent batch is left to its runner")

	again, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Abandoned)
}

func TestSweep_AbandonDisabled(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC))
	st := store.NewMemoryStore(clk)
	b, _, err := st.CreateBatch(ctx, challenge.NewBatch{SlotKey: "manual:1", Kind: challenge.KindManual, TargetCount: 1})
	require.NoError(t, err)
	clk.Advance(30 * 24 * time.Hour)

	sw, err := New(st, clk, Config{Interval: time.Minute})
	require.NoError(t, err)
	rep, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Abandoned)

	got, err := st.BatchStatus(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, challenge.BatchScheduled, got.Status)
}

func TestRun_StopsOnCancel(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	sw, err := New(store.NewMemoryStore(clk), clk, Config{Interval: time.Minute})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sw.Run(ctx) }()

	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return clk.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
