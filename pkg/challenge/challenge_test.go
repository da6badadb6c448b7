package challenge

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/text/unicode/norm"
)

func TestFinalStatus(t *testing.T) {
	tests := []struct {
		target, successes int
		want              BatchStatus
	}{
		{1000, 1000, BatchCompleted},
		{1000, 950, BatchPartial},
		{1000, 1, BatchPartial},
		{1000, 0, BatchFailed},
		{0, 0, BatchCompleted},
		{5, 7, BatchCompleted},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.successes, tt.target), func(t *testing.T) {
			assert.Equal(t, tt.want, FinalStatus(tt.target, tt.successes))
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusAvailable))
	assert.True(t, CanTransition(StatusPending, StatusFailed))
	assert.True(t, CanTransition(StatusAvailable, StatusReserved))
	assert.True(t, CanTransition(StatusReserved, StatusConsumed))
	assert.True(t, CanTransition(StatusReserved, StatusAvailable))

	assert.False(t, CanTransition(StatusAvailable, StatusConsumed))
	assert.False(t, CanTransition(StatusConsumed, StatusAvailable))
	assert.False(t, CanTransition(StatusFailed, StatusAvailable))
	assert.False(t, CanTransition(StatusExpired, StatusReserved))
}

func TestChallenge_Claimable(t *testing.T) {
	now := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Minute)

	assert.True(t, (&Challenge{Status: StatusAvailable}).Claimable(now))
	assert.True(t, (&Challenge{Status: StatusReserved, LeaseExpiresAt: &past}).Claimable(now))
	assert.True(t, (&Challenge{Status: StatusReserved, LeaseExpiresAt: &now}).Claimable(now))
	assert.False(t, (&Challenge{Status: StatusReserved, LeaseExpiresAt: &future}).Claimable(now))
	assert.False(t, (&Challenge{Status: StatusConsumed}).Claimable(now))
}

func TestMatchAnswer(t *testing.T) {
	assert.True(t, MatchAnswer("고양이", "  고양이 "))
	assert.True(t, MatchAnswer("고양이", norm.NFD.String("고양이")))
	assert.True(t, MatchAnswer("Cat", "cAT"))
	assert.False(t, MatchAnswer("고양이", "강아지"))
	assert.False(t, MatchAnswer("cat", ""))
}

func TestIsInvalidToken(t *testing.T) {
	assert.True(t, IsInvalidToken(fmt.Errorf("consume: %w", ErrLeaseExpired)))
	assert.True(t, IsInvalidToken(ErrTokenConsumed))
	assert.True(t, IsInvalidToken(ErrInvalidToken))
	assert.False(t, IsInvalidToken(ErrPoolExhausted))
	assert.False(t, IsInvalidToken(nil))
}

func TestPayload_RoundTrip(t *testing.T) {
	p := Payload{MediaKey: "sha256:ab", Prompt: "what is hidden?", Options: []string{"a", "b"}}
	data, err := p.Encode()
	assert.NoError(t, err)

	got, err := DecodePayload(data)
	assert.NoError(t, err)
	assert.Equal(t, p, got)

	empty, err := DecodePayload(nil)
	assert.NoError(t, err)
	assert.Equal(t, Payload{}, empty)
}
