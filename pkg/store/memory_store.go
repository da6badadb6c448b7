package store

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
	"github.com/Kakao-Scratcha/scratcha-backend/pkg/clock"
)

// MemoryStore is a process-local Store. Its single mutex makes every
// operation atomic within one process; it cannot be shared between replicas.
type MemoryStore struct {
	mu            sync.Mutex
	clock         clock.Clock
	challenges    map[string]*challenge.Challenge
	answers       map[string]string
	tokens        map[string]string
	expired       map[string]time.Time
	touched       map[string]time.Time
	batches       map[string]*challenge.Batch
	slots         map[string]string
	verifications []Verification
}

// Verification is one verification log entry.
type Verification struct {
	ChallengeID string
	Token       string
	Outcome     string
	LatencyMs   int64
	VerifiedAt  time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Wall{}
	}
	return &MemoryStore{
		clock:      clk,
		challenges: make(map[string]*challenge.Challenge),
		answers:    make(map[string]string),
		tokens:     make(map[string]string),
		expired:    make(map[string]time.Time),
		touched:    make(map[string]time.Time),
		batches:    make(map[string]*challenge.Batch),
		slots:      make(map[string]string),
	}
}

func (m *MemoryStore) CreateBatch(_ context.Context, nb challenge.NewBatch) (*challenge.Batch, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.slots[nb.SlotKey]; ok {
		b := *m.batches[id]
		return &b, false, nil
	}
	b := &challenge.Batch{
		ID:          uuid.NewString(),
		SlotKey:     nb.SlotKey,
		Kind:        nb.Kind,
		TargetCount: nb.TargetCount,
		Status:      challenge.BatchScheduled,
		CreatedAt:   m.clock.Now(),
	}
	m.batches[b.ID] = b
	m.slots[nb.SlotKey] = b.ID
	out := *b
	return &out, true, nil
}

func (m *MemoryStore) StartBatch(_ context.Context, batchID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return challenge.ErrBatchNotFound
	}
	if b.Status != challenge.BatchScheduled {
		return challenge.ErrBatchState
	}
	now := m.clock.Now()
	b.Status = challenge.BatchRunning
	b.StartedAt = &now
	return nil
}

func (m *MemoryStore) FinalizeBatch(_ context.Context, batchID, errSummary string) (*challenge.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, challenge.ErrBatchNotFound
	}
	now := m.clock.Now()
	b.Status = challenge.FinalStatus(b.TargetCount, b.GeneratedCount)
	b.FailedCount = max(b.TargetCount-b.GeneratedCount, b.FailedCount)
	b.FinishedAt = &now
	b.Error = errSummary
	out := *b
	return &out, nil
}

func (m *MemoryStore) BatchStatus(_ context.Context, batchID string) (*challenge.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return nil, challenge.ErrBatchNotFound
	}
	out := *b
	return &out, nil
}

func (m *MemoryStore) LatestBatch(_ context.Context, kind challenge.BatchKind) (*challenge.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *challenge.Batch
	for _, b := range m.batches {
		if b.Kind != kind {
			continue
		}
		if latest == nil || b.CreatedAt.After(latest.CreatedAt) {
			latest = b
		}
	}
	if latest == nil {
		return nil, challenge.ErrBatchNotFound
	}
	out := *latest
	return &out, nil
}

func (m *MemoryStore) AbandonedBatches(_ context.Context, createdBefore time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, b := range m.batches {
		open := b.Status == challenge.BatchScheduled || b.Status == challenge.BatchRunning
		if open && b.CreatedAt.Before(createdBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) Insert(_ context.Context, nc challenge.NewChallenge) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[nc.BatchID]
	if !ok {
		return "", challenge.ErrBatchNotFound
	}

	c := &challenge.Challenge{
		ID:           uuid.NewString(),
		BatchID:      nc.BatchID,
		Difficulty:   nc.Difficulty,
		Payload:      nc.Payload,
		ModelVersion: nc.ModelVersion,
		Status:       challenge.StatusPending,
		GeneratedAt:  m.clock.Now(),
	}
	if err := transition(c, challenge.StatusAvailable); err != nil {
		return "", err
	}
	b.GeneratedCount++
	m.challenges[c.ID] = c
	m.answers[c.ID] = nc.Answer
	m.touched[c.ID] = c.GeneratedAt
	return c.ID, nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, batchID, difficulty, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.batches[batchID]
	if !ok {
		return challenge.ErrBatchNotFound
	}

	c := &challenge.Challenge{
		ID:          uuid.NewString(),
		BatchID:     batchID,
		Difficulty:  difficulty,
		Status:      challenge.StatusPending,
		GeneratedAt: m.clock.Now(),
		LastError:   reason,
	}
	if err := transition(c, challenge.StatusFailed); err != nil {
		return err
	}
	b.FailedCount++
	m.challenges[c.ID] = c
	m.touched[c.ID] = c.GeneratedAt
	return nil
}

func (m *MemoryStore) Claim(_ context.Context, filter challenge.Filter, leaseTTL time.Duration) (*challenge.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var eligible []*challenge.Challenge
	for _, c := range m.challenges {
		if c.Claimable(now) && matches(c, filter) {
			eligible = append(eligible, c)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	c := eligible[rand.IntN(len(eligible))] //nolint:gosec // selection fairness, not security
	if c.LeaseElapsed(now) {
		if err := m.expireLease(c, now); err != nil {
			return nil, err
		}
	}
	if err := transition(c, challenge.StatusReserved); err != nil {
		return nil, err
	}
	token := uuid.NewString()
	expires := now.Add(leaseTTL)
	reservedAt := now
	c.ReservedAt = &reservedAt
	c.ReservationToken = token
	c.LeaseExpiresAt = &expires
	m.tokens[token] = c.ID
	m.touched[c.ID] = now

	return &challenge.Reservation{Challenge: *c, Token: token, LeaseExpiresAt: expires}, nil
}

func (m *MemoryStore) Consume(_ context.Context, token, solution string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.tokens[token]
	if !ok {
		if _, ok := m.expired[token]; ok {
			return false, challenge.ErrLeaseExpired
		}
		return false, challenge.ErrInvalidToken
	}
	c := m.challenges[id]
	now := m.clock.Now()

	switch {
	case c.Status == challenge.StatusConsumed:
		return false, challenge.ErrTokenConsumed
	case c.LeaseElapsed(now):
		if err := m.expireLease(c, now); err != nil {
			return false, err
		}
		return false, challenge.ErrLeaseExpired
	case c.Status != challenge.StatusReserved:
		return false, challenge.ErrInvalidToken
	}

	verified := challenge.MatchAnswer(m.answers[id], solution)
	outcome := OutcomeFail
	if verified {
		outcome = OutcomePass
	}
	if err := transition(c, challenge.StatusConsumed); err != nil {
		return false, err
	}
	m.logVerification(c, token, outcome, now)
	c.ConsumedAt = &now
	c.LeaseExpiresAt = nil
	m.touched[id] = now
	return verified, nil
}

func (m *MemoryStore) ReclaimExpired(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, c := range m.challenges {
		if c.LeaseElapsed(now) {
			if err := m.expireLease(c, now); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// expireLease returns an elapsed reservation to the pool and logs the
// expired token, so a late verification of it is still reported as expired.
// Callers hold m.mu.
func (m *MemoryStore) expireLease(c *challenge.Challenge, now time.Time) error {
	if err := transition(c, challenge.StatusAvailable); err != nil {
		return err
	}
	m.logVerification(c, c.ReservationToken, OutcomeExpired, now)
	delete(m.tokens, c.ReservationToken)
	m.expired[c.ReservationToken] = now
	m.touched[c.ID] = now
	c.ReservedAt = nil
	c.ReservationToken = ""
	c.LeaseExpiresAt = nil
	return nil
}

// transition moves c to a new status if the lifecycle allows it.
func transition(c *challenge.Challenge, to challenge.Status) error {
	if !challenge.CanTransition(c.Status, to) {
		return fmt.Errorf("challenge %s %s -> %s: %w", c.ID, c.Status, to, challenge.ErrInvalidTransition)
	}
	c.Status = to
	return nil
}

func (m *MemoryStore) logVerification(c *challenge.Challenge, token, outcome string, now time.Time) {
	var latency int64
	if c.ReservedAt != nil {
		latency = now.Sub(*c.ReservedAt).Milliseconds()
	}
	m.verifications = append(m.verifications, Verification{
		ChallengeID: c.ID,
		Token:       token,
		Outcome:     outcome,
		LatencyMs:   latency,
		VerifiedAt:  now,
	})
}

func (m *MemoryStore) AvailableCount(_ context.Context, filter challenge.Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	n := 0
	for _, c := range m.challenges {
		if c.Claimable(now) && matches(c, filter) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ExpireStale(_ context.Context, generatedBefore time.Time, retiredVersions []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	retired := make(map[string]bool, len(retiredVersions))
	for _, v := range retiredVersions {
		retired[v] = true
	}
	n := 0
	for _, c := range m.challenges {
		if c.Status != challenge.StatusAvailable {
			continue
		}
		if c.GeneratedAt.Before(generatedBefore) || retired[c.ModelVersion] {
			if err := transition(c, challenge.StatusExpired); err != nil {
				return n, err
			}
			m.touched[c.ID] = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) PurgeTerminal(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, c := range m.challenges {
		if !c.Status.Terminal() || !m.touched[id].Before(before) {
			continue
		}
		delete(m.challenges, id)
		delete(m.answers, id)
		delete(m.touched, id)
		if c.ReservationToken != "" {
			delete(m.tokens, c.ReservationToken)
		}
		n++
	}
	kept := m.verifications[:0]
	for _, v := range m.verifications {
		if !v.VerifiedAt.Before(before) {
			kept = append(kept, v)
		}
	}
	m.verifications = kept
	for token, at := range m.expired {
		if at.Before(before) {
			delete(m.expired, token)
		}
	}
	return n, nil
}

func (m *MemoryStore) ModelVersions(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var versions []string
	for _, c := range m.challenges {
		if c.Status == challenge.StatusAvailable && !seen[c.ModelVersion] {
			seen[c.ModelVersion] = true
			versions = append(versions, c.ModelVersion)
		}
	}
	sort.Strings(versions)
	return versions, nil
}

func (m *MemoryStore) PoolStats(_ context.Context) (map[challenge.Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := make(map[challenge.Status]int)
	for _, c := range m.challenges {
		stats[c.Status]++
	}
	return stats, nil
}

// Verifications returns a copy of the verification log.
func (m *MemoryStore) Verifications() []Verification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Verification(nil), m.verifications...)
}

func matches(c *challenge.Challenge, f challenge.Filter) bool {
	return f.Difficulty == "" || c.Difficulty == f.Difficulty
}
