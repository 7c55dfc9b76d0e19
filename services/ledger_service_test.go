package services

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager-settlement-service/models"
)

func TestReserve(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 500)

	reservation, err := ts.Ledger.Reserve(ts.DB, user, uuid.NewString(), 200)
	require.NoError(t, err)
	assert.Equal(t, models.ReservationHeld, reservation.Status)
	assert.Equal(t, int64(200), reservation.Amount)

	account := ts.account(t, user)
	assert.Equal(t, int64(300), account.Available)
	assert.Equal(t, int64(200), account.Reserved)
}

func TestReserve_InsufficientFunds(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 100)

	_, err := ts.Ledger.Reserve(ts.DB, user, uuid.NewString(), 200)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	account := ts.account(t, user)
	assert.Equal(t, int64(100), account.Available)
	assert.Equal(t, int64(0), account.Reserved)
}

func TestCapture_Idempotent(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 500)

	reservation, err := ts.Ledger.Reserve(ts.DB, user, uuid.NewString(), 200)
	require.NoError(t, err)

	// Winnings exceed the stake: capture credits the payout, not the stake.
	require.NoError(t, ts.Ledger.Capture(ts.DB, reservation.ID, 350))

	account := ts.account(t, user)
	assert.Equal(t, int64(650), account.Available) // 300 + 350
	assert.Equal(t, int64(0), account.Reserved)

	// A second capture must not move a single unit.
	err = ts.Ledger.Capture(ts.DB, reservation.ID, 350)
	assert.ErrorIs(t, err, models.ErrAlreadySettled)

	account = ts.account(t, user)
	assert.Equal(t, int64(650), account.Available)
	assert.Equal(t, int64(0), account.Reserved)
}

func TestCapture_ZeroPayout(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 500)

	reservation, err := ts.Ledger.Reserve(ts.DB, user, uuid.NewString(), 200)
	require.NoError(t, err)
	require.NoError(t, ts.Ledger.Capture(ts.DB, reservation.ID, 0))

	account := ts.account(t, user)
	assert.Equal(t, int64(300), account.Available) // stake is gone
	assert.Equal(t, int64(0), account.Reserved)
}

func TestRelease(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 500)

	reservation, err := ts.Ledger.Reserve(ts.DB, user, uuid.NewString(), 200)
	require.NoError(t, err)
	require.NoError(t, ts.Ledger.Release(ts.DB, reservation.ID))

	account := ts.account(t, user)
	assert.Equal(t, int64(500), account.Available)
	assert.Equal(t, int64(0), account.Reserved)

	// Releasing again is a safe no-op.
	require.NoError(t, ts.Ledger.Release(ts.DB, reservation.ID))
	account = ts.account(t, user)
	assert.Equal(t, int64(500), account.Available)
}

func TestRelease_CapturedReservation(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 500)

	reservation, err := ts.Ledger.Reserve(ts.DB, user, uuid.NewString(), 200)
	require.NoError(t, err)
	require.NoError(t, ts.Ledger.Capture(ts.DB, reservation.ID, 100))

	err = ts.Ledger.Release(ts.DB, reservation.ID)
	assert.ErrorIs(t, err, models.ErrAlreadySettled)
}

func TestAdjust_ReplayedCorrelationID(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 100)

	correlationID := uuid.NewString()
	require.NoError(t, ts.Ledger.Adjust(ts.DB, user, 50, correlationID, "correction:test"))
	// Replaying the same correlation id applies nothing.
	require.NoError(t, ts.Ledger.Adjust(ts.DB, user, 50, correlationID, "correction:test"))

	account := ts.account(t, user)
	assert.Equal(t, int64(150), account.Available)

	var count int64
	require.NoError(t, ts.DB.Model(&models.LedgerAdjustment{}).
		Where("user_id = ?", user).Count(&count).Error)
	assert.Equal(t, int64(2), count) // funding credit + one correction
}

func TestAdjust_NeverOverdraws(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 30)

	err := ts.Ledger.Adjust(ts.DB, user, -50, uuid.NewString(), "correction:test")
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	account := ts.account(t, user)
	assert.Equal(t, int64(30), account.Available)
}
