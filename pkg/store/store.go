// Package store persists challenges and batches. The claim path is a single
// conditional row update, so any number of processes can share one pool.
package store

import (
	"context"
	"time"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
)

// Store is the full persistence contract. Consumers depend on the narrower
// interfaces they declare themselves.
type Store interface {
	// CreateBatch inserts a batch unless one already exists for the slot key.
	// The bool reports whether this call created it; otherwise the existing
	// batch is returned.
	CreateBatch(ctx context.Context, nb challenge.NewBatch) (*challenge.Batch, bool, error)
	// StartBatch moves a batch from SCHEDULED to RUNNING.
	StartBatch(ctx context.Context, batchID string) error
	// FinalizeBatch applies the terminal rule to the batch counters.
	FinalizeBatch(ctx context.Context, batchID, errSummary string) (*challenge.Batch, error)
	BatchStatus(ctx context.Context, batchID string) (*challenge.Batch, error)
	// LatestBatch returns the most recently created batch of a kind.
	LatestBatch(ctx context.Context, kind challenge.BatchKind) (*challenge.Batch, error)
	// AbandonedBatches lists SCHEDULED or RUNNING batches created before a cutoff.
	AbandonedBatches(ctx context.Context, createdBefore time.Time) ([]string, error)

	// Insert stores a generated challenge as AVAILABLE and counts it on its batch.
	Insert(ctx context.Context, nc challenge.NewChallenge) (string, error)
	// RecordFailure stores a FAILED unit and counts it on its batch.
	RecordFailure(ctx context.Context, batchID, difficulty, reason string) error
	// Claim reserves one claimable challenge. It returns nil, nil when none is eligible.
	Claim(ctx context.Context, filter challenge.Filter, leaseTTL time.Duration) (*challenge.Reservation, error)
	// Consume verifies a solution against a reservation and consumes it.
	Consume(ctx context.Context, token, solution string) (bool, error)
	// ReclaimExpired returns lease-expired reservations to the pool and logs
	// each released token as expired.
	ReclaimExpired(ctx context.Context) (int, error)
	AvailableCount(ctx context.Context, filter challenge.Filter) (int, error)

	// ExpireStale retires AVAILABLE challenges generated before a cutoff or by a retired model version.
	ExpireStale(ctx context.Context, generatedBefore time.Time, retiredVersions []string) (int, error)
	// PurgeTerminal deletes terminal challenges last touched before a cutoff.
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
	// ModelVersions lists the model versions present in the AVAILABLE pool.
	ModelVersions(ctx context.Context) ([]string, error)
	PoolStats(ctx context.Context) (map[challenge.Status]int, error)
}

// Verification outcomes written to the verification log.
const (
	OutcomePass    = "pass"
	OutcomeFail    = "fail"
	OutcomeExpired = "expired"
)

// DefaultClaimWindow is the size of the random candidate window scanned per claim round.
const DefaultClaimWindow = 32

// claimRounds bounds how often a claim re-samples after losing every candidate.
const claimRounds = 8
