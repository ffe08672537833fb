package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewActivation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tx, err := NewActivation("sub-1", GatewayPayPal, "admin-1", now)
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, ActionActivation, tx.Action)
	assert.Equal(t, StatusInitiated, tx.Status)
	assert.Equal(t, "admin-1", tx.InitiatorID)
	assert.Empty(t, tx.RelatedTransactionID)
	assert.Equal(t, now, tx.CreatedAt)
	assert.True(t, tx.Initiated())

	_, err = NewActivation("", GatewayNone, "", now)
	assert.ErrorIs(t, err, ErrMissingSubscription)

	_, err = NewActivation("sub-1", Gateway("stripe"), "", now)
	assert.Error(t, err)
}

func TestNewCancellation(t *testing.T) {
	now := time.Now()
	act, err := NewActivation("sub-2", GatewayNone, "admin", now)
	require.NoError(t, err)

	tx, err := NewCancellation("sub-1", "admin", act, now)
	require.NoError(t, err)
	assert.Equal(t, ActionCancellation, tx.Action)
	assert.Equal(t, act.ID, tx.RelatedTransactionID)
	assert.Equal(t, GatewayNone, tx.Gateway)
	assert.NotEqual(t, act.ID, tx.ID)

	_, err = NewCancellation("sub-1", "admin", nil, now)
	assert.True(t, errors.Is(err, ErrMissingTrigger))

	_, err = NewCancellation("sub-1", "admin", tx, now)
	assert.True(t, errors.Is(err, ErrMissingTrigger), "cancellation cannot trigger cancellation")
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusInitiated, StatusComplete, true},
		{StatusInitiated, StatusFailed, true},
		{StatusComplete, StatusComplete, true},
		{StatusComplete, StatusFailed, false},
		{StatusFailed, StatusComplete, false},
		{StatusComplete, StatusInitiated, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			if tt.want {
				assert.NoError(t, CheckTransition(tt.from, tt.to))
			} else {
				assert.ErrorIs(t, CheckTransition(tt.from, tt.to), ErrInvalidTransition)
			}
		})
	}
}
