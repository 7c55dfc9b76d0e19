package services

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager-settlement-service/models"
)

func TestRequest_CreatesPendingOffer(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	match, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(match.ID, userA, 0)
	require.NoError(t, err)
	assert.Equal(t, models.OfferPending, offer.Status)
	assert.Equal(t, userA, offer.RequesterID)
	assert.Equal(t, userB, offer.ResponderID)
	assert.WithinDuration(t, time.Now().Add(DefaultOfferTTL), offer.ExpiresAt, 5*time.Second)
}

func TestRequest_RejectsOutsiders(t *testing.T) {
	ts := newTestServices(t)
	match, _ := ts.settledDuel(t, uuid.NewString(), uuid.NewString(), 100, 180)

	_, err := ts.Rematch.Request(match.ID, uuid.NewString(), 0)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestRequest_RequiresCompletedMatch(t *testing.T) {
	ts := newTestServices(t)
	userA := uuid.NewString()
	ts.fund(t, userA, 500)
	match := ts.createMatch(t, duelTerms(100, 180), userA, false)

	_, err := ts.Rematch.Request(match.ID, userA, 0)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestAccept_SpawnsMatchWithClonedTerms(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, 0)
	require.NoError(t, err)

	newMatch, err := ts.Rematch.Accept(offer.ID, userB)
	require.NoError(t, err)

	assert.Equal(t, source.Kind, newMatch.Kind)
	assert.Equal(t, source.EntryFee, newMatch.EntryFee)
	assert.Equal(t, source.Capacity, newMatch.Capacity)
	require.NotNil(t, newMatch.RematchOf)
	assert.Equal(t, source.ID, *newMatch.RematchOf)

	// Both parties joined, so a two-player match is immediately active.
	m := ts.reloadMatch(t, newMatch.ID)
	assert.Equal(t, models.MatchActive, m.State)
	assert.Equal(t, 2, m.FilledCount)

	// Both stakes escrowed again: winner held 1080, loser 900.
	accountA := ts.account(t, userA)
	assert.Equal(t, int64(980), accountA.Available)
	assert.Equal(t, int64(100), accountA.Reserved)
	accountB := ts.account(t, userB)
	assert.Equal(t, int64(800), accountB.Available)
	assert.Equal(t, int64(100), accountB.Reserved)

	var updated models.RematchOffer
	require.NoError(t, ts.DB.First(&updated, "id = ?", offer.ID).Error)
	assert.Equal(t, models.OfferAccepted, updated.Status)
	require.NotNil(t, updated.NewMatchID)
	assert.Equal(t, newMatch.ID, *updated.NewMatchID)
}

func TestAccept_OnlyResponderMayAccept(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, 0)
	require.NoError(t, err)

	_, err = ts.Rematch.Accept(offer.ID, userA)
	assert.ErrorIs(t, err, models.ErrNotResponder)
}

func TestAccept_ExpiredOfferWithoutSweep(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	// No background sweep ran; lazy expiry alone must reject the accept.
	_, err = ts.Rematch.Accept(offer.ID, userB)
	assert.ErrorIs(t, err, models.ErrOfferExpired)

	var updated models.RematchOffer
	require.NoError(t, ts.DB.First(&updated, "id = ?", offer.ID).Error)
	assert.Equal(t, models.OfferExpired, updated.Status)
	assert.Nil(t, updated.NewMatchID)
}

func TestAccept_InsufficientFundsDeclinesOffer(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, 0)
	require.NoError(t, err)

	// Responder can no longer cover the entry fee.
	require.NoError(t, ts.DB.Model(&models.LedgerAccount{}).
		Where("user_id = ?", userB).
		Update("available", 10).Error)

	_, err = ts.Rematch.Accept(offer.ID, userB)
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	// The whole creation rolled back: no half-joined match exists.
	var matches int64
	require.NoError(t, ts.DB.Model(&models.Match{}).
		Where("rematch_of = ?", source.ID).Count(&matches).Error)
	assert.Equal(t, int64(0), matches)

	// The requester's stake came back with the rollback.
	accountA := ts.account(t, userA)
	assert.Equal(t, int64(1080), accountA.Available)
	assert.Equal(t, int64(0), accountA.Reserved)

	var updated models.RematchOffer
	require.NoError(t, ts.DB.First(&updated, "id = ?", offer.ID).Error)
	assert.Equal(t, models.OfferDeclined, updated.Status)
	assert.NotEmpty(t, updated.Reason)
}

func TestDecline(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, 0)
	require.NoError(t, err)

	require.NoError(t, ts.Rematch.Decline(offer.ID, userB, "not tonight"))

	var updated models.RematchOffer
	require.NoError(t, ts.DB.First(&updated, "id = ?", offer.ID).Error)
	assert.Equal(t, models.OfferDeclined, updated.Status)
	assert.Equal(t, "not tonight", updated.Reason)

	// The offer is settled; a second decline is no longer valid.
	assert.ErrorIs(t, ts.Rematch.Decline(offer.ID, userB, "again"), models.ErrInvalidState)
	// Neither is a late accept.
	_, err = ts.Rematch.Accept(offer.ID, userB)
	assert.ErrorIs(t, err, models.ErrInvalidState)
}

func TestDecline_OnlyResponder(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, 0)
	require.NoError(t, err)

	assert.ErrorIs(t, ts.Rematch.Decline(offer.ID, userA, ""), models.ErrNotResponder)
}

func TestCancelOffer(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, 0)
	require.NoError(t, err)

	// Only the requester may withdraw.
	assert.ErrorIs(t, ts.Rematch.CancelOffer(offer.ID, userB), models.ErrNotRequester)
	require.NoError(t, ts.Rematch.CancelOffer(offer.ID, userA))

	var updated models.RematchOffer
	require.NoError(t, ts.DB.First(&updated, "id = ?", offer.ID).Error)
	assert.Equal(t, models.OfferDeclined, updated.Status)
}

func TestDecline_ExpiredOffer(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	source, _ := ts.settledDuel(t, userA, userB, 100, 180)

	offer, err := ts.Rematch.Request(source.ID, userA, time.Millisecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, ts.Rematch.Decline(offer.ID, userB, ""), models.ErrOfferExpired)
}
