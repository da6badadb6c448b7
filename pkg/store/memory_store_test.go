package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kakao-Scratcha/scratcha-backend/pkg/challenge"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to challenge.Status
		ok       bool
	}{
		{challenge.StatusPending, challenge.StatusAvailable, true},
		{challenge.StatusPending, challenge.StatusFailed, true},
		{challenge.StatusAvailable, challenge.StatusReserved, true},
		{challenge.StatusAvailable, challenge.StatusExpired, true},
		{challenge.StatusReserved, challenge.StatusConsumed, true},
		{challenge.StatusReserved, challenge.StatusAvailable, true},
		{challenge.StatusAvailable, challenge.StatusConsumed, false},
		{challenge.StatusConsumed, challenge.StatusAvailable, false},
		{challenge.StatusExpired, challenge.StatusReserved, false},
		{challenge.StatusFailed, challenge.StatusAvailable, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			c := &challenge.Challenge{ID: "c-1", Status: tt.from}
			err := transition(c, tt.to)
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, tt.to, c.Status)
				return
			}
			assert.ErrorIs(t, err, challenge.ErrInvalidTransition)
			assert.Equal(t, tt.from, c.Status, "a rejected transition leaves the status alone")
		})
	}
}

func TestMemoryStore_ConsumedRowCannotBeReleased(t *testing.T) {
	m := NewMemoryStore(nil)
	c := &challenge.Challenge{ID: "c-1", Status: challenge.StatusConsumed, ReservationToken: "tok"}

	err := m.expireLease(c, m.clock.Now())
	assert.ErrorIs(t, err, challenge.ErrInvalidTransition)
	assert.Equal(t, "tok", c.ReservationToken)
	assert.Empty(t, m.Verifications())
}
