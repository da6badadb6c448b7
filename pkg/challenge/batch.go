package challenge

import "time"

// BatchStatus is the lifecycle state of a generation batch.
type BatchStatus string

const (
	BatchScheduled BatchStatus = "SCHEDULED"
	BatchRunning   BatchStatus = "RUNNING"
	BatchCompleted BatchStatus = "COMPLETED"
	BatchPartial   BatchStatus = "PARTIAL"
	BatchFailed    BatchStatus = "FAILED"
)

// Terminal reports whether the batch has been finalised.
func (s BatchStatus) Terminal() bool {
	return s == BatchCompleted || s == BatchPartial || s == BatchFailed
}

// BatchKind records which trigger created a batch.
type BatchKind string

const (
	KindScheduled BatchKind = "scheduled"
	KindEmergency BatchKind = "emergency"
	KindManual    BatchKind = "manual"
	KindFallback  BatchKind = "fallback"
)

// Batch is one generation run. Batches are never deleted.
type Batch struct {
	ID             string
	SlotKey        string
	Kind           BatchKind
	TargetCount    int
	GeneratedCount int
	FailedCount    int
	Status         BatchStatus
	CreatedAt      time.Time
	StartedAt      *time.Time
	FinishedAt     *time.Time
	Error          string
}

// NewBatch describes a batch to create. SlotKey is the idempotency key.
type NewBatch struct {
	SlotKey     string
	Kind        BatchKind
	TargetCount int
}

// FinalStatus applies the terminal rule to a batch's counters.
// Units that never produced a challenge count as failures.
func FinalStatus(target, successes int) BatchStatus {
	if target <= 0 {
		return BatchCompleted
	}
	switch failures := target - successes; {
	case failures <= 0:
		return BatchCompleted
	case successes <= 0:
		return BatchFailed
	default:
		return BatchPartial
	}
}
