package services

import (
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wager-settlement-service/models"
)

func TestCreateTx_Validation(t *testing.T) {
	ts := newTestServices(t)
	creator := uuid.NewString()

	terms := duelTerms(100, 180)
	terms.Capacity = 1
	_, err := ts.Matches.CreateTx(ts.DB, terms, creator, false, nil)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	terms = duelTerms(-5, 180)
	_, err = ts.Matches.CreateTx(ts.DB, terms, creator, false, nil)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)

	terms = MatchTerms{Title: "No rules", Kind: models.KindDuel, Capacity: 2, EntryFee: 100}
	_, err = ts.Matches.CreateTx(ts.DB, terms, creator, false, nil)
	assert.ErrorIs(t, err, models.ErrInvalidConfig)
}

func TestCreateTx_PrivateMatchGetsRoomCode(t *testing.T) {
	ts := newTestServices(t)

	match := ts.createMatch(t, duelTerms(100, 180), uuid.NewString(), true)
	assert.Len(t, match.RoomCode, 6)

	public := ts.createMatch(t, duelTerms(100, 180), uuid.NewString(), false)
	assert.Empty(t, public.RoomCode)
}

func TestJoin_TwoPlayerMatchActivatesWhenFull(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	ts.fund(t, userA, 500)
	ts.fund(t, userB, 500)

	match := ts.createMatch(t, duelTerms(100, 180), userA, false)

	pA, err := ts.Matches.Join(match.ID, userA, "")
	require.NoError(t, err)
	assert.Equal(t, 0, pA.SlotIndex)
	assert.Equal(t, models.MatchOpen, ts.reloadMatch(t, match.ID).State)

	pB, err := ts.Matches.Join(match.ID, userB, "")
	require.NoError(t, err)
	assert.Equal(t, 1, pB.SlotIndex)

	m := ts.reloadMatch(t, match.ID)
	assert.Equal(t, models.MatchActive, m.State)
	assert.Equal(t, 2, m.FilledCount)

	// Both entry fees are escrowed.
	accountA := ts.account(t, userA)
	assert.Equal(t, int64(400), accountA.Available)
	assert.Equal(t, int64(100), accountA.Reserved)
}

func TestJoin_FullMatchRejectsThirdPlayer(t *testing.T) {
	ts := newTestServices(t)
	userA, userB, userC := uuid.NewString(), uuid.NewString(), uuid.NewString()
	for _, u := range []string{userA, userB, userC} {
		ts.fund(t, u, 500)
	}

	match := ts.createMatch(t, duelTerms(100, 180), userA, false)
	_, err := ts.Matches.Join(match.ID, userA, "")
	require.NoError(t, err)
	_, err = ts.Matches.Join(match.ID, userB, "")
	require.NoError(t, err)

	_, err = ts.Matches.Join(match.ID, userC, "")
	assert.ErrorIs(t, err, models.ErrMatchFull)

	// The rejected joiner was never charged.
	accountC := ts.account(t, userC)
	assert.Equal(t, int64(500), accountC.Available)
	assert.Equal(t, int64(0), accountC.Reserved)
}

func TestJoin_DoubleJoinRejected(t *testing.T) {
	ts := newTestServices(t)
	user := uuid.NewString()
	ts.fund(t, user, 500)

	match := ts.createMatch(t, duelTerms(100, 180), user, false)
	_, err := ts.Matches.Join(match.ID, user, "")
	require.NoError(t, err)

	_, err = ts.Matches.Join(match.ID, user, "")
	assert.ErrorIs(t, err, models.ErrAlreadyJoined)
}

func TestJoin_PrivateMatchRequiresRoomCode(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	ts.fund(t, userA, 500)
	ts.fund(t, userB, 500)

	match := ts.createMatch(t, duelTerms(100, 180), userA, true)

	_, err := ts.Matches.Join(match.ID, userB, "WRONG1")
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	_, err = ts.Matches.Join(match.ID, userB, "")
	assert.ErrorIs(t, err, models.ErrInvalidCode)

	// Codes are read out loud; matching is case-insensitive.
	_, err = ts.Matches.Join(match.ID, userB, strings.ToLower(match.RoomCode))
	require.NoError(t, err)
}

func TestJoin_InsufficientFundsRollsBackSlot(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	ts.fund(t, userA, 500)
	ts.fund(t, userB, 50) // cannot cover the fee

	match := ts.createMatch(t, duelTerms(100, 180), userA, false)
	_, err := ts.Matches.Join(match.ID, userA, "")
	require.NoError(t, err)

	_, err = ts.Matches.Join(match.ID, userB, "")
	assert.ErrorIs(t, err, models.ErrInsufficientFunds)

	// The failed join must not consume the slot.
	m := ts.reloadMatch(t, match.ID)
	assert.Equal(t, 1, m.FilledCount)
	assert.Equal(t, models.MatchOpen, m.State)
}

func TestJoin_ConcurrentJoinersNeverOverbook(t *testing.T) {
	ts := newTestServices(t)
	creator := uuid.NewString()
	ts.fund(t, creator, 500)
	match := ts.createMatch(t, duelTerms(100, 180), creator, false)

	users := make([]string, 6)
	for i := range users {
		users[i] = uuid.NewString()
		ts.fund(t, users[i], 500)
	}

	var wg sync.WaitGroup
	results := make([]error, len(users))
	for i, u := range users {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, results[i] = ts.Matches.Join(match.ID, userID, "")
		}(i, u)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrMatchFull)
		}
	}
	assert.Equal(t, 2, succeeded)

	m := ts.reloadMatch(t, match.ID)
	assert.Equal(t, 2, m.FilledCount)

	var participants int64
	require.NoError(t, ts.DB.Model(&models.Participant{}).
		Where("match_id = ?", match.ID).Count(&participants).Error)
	assert.Equal(t, int64(2), participants)
}

func TestJoin_ConcurrentSameUserJoinsOnce(t *testing.T) {
	ts := newTestServices(t)
	creator := uuid.NewString()
	ts.fund(t, creator, 500)
	match := ts.createMatch(t, duelTerms(100, 180), creator, false)

	user := uuid.NewString()
	ts.fund(t, user, 500)

	var wg sync.WaitGroup
	results := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = ts.Matches.Join(match.ID, user, "")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, models.ErrAlreadyJoined)
		}
	}
	assert.Equal(t, 1, succeeded)

	// One slot, one stake.
	var participants int64
	require.NoError(t, ts.DB.Model(&models.Participant{}).
		Where("match_id = ? AND user_id = ?", match.ID, user).
		Count(&participants).Error)
	assert.Equal(t, int64(1), participants)
	assert.Equal(t, 1, ts.reloadMatch(t, match.ID).FilledCount)

	account := ts.account(t, user)
	assert.Equal(t, int64(400), account.Available)
	assert.Equal(t, int64(100), account.Reserved)
}

func TestActivate(t *testing.T) {
	ts := newTestServices(t)
	creator := uuid.NewString()

	terms := MatchTerms{
		Title:    "Squad scrim",
		Kind:     models.KindPositionRanked,
		Capacity: 4,
		EntryFee: 50,
		PrizeConfig: models.PrizeConfig{
			PositionPrizes: map[int]int64{1: 120},
		},
	}
	match := ts.createMatch(t, terms, creator, false)

	// Not filled yet.
	assert.ErrorIs(t, ts.Matches.Activate(match.ID), models.ErrInvalidState)

	users := []string{uuid.NewString(), uuid.NewString(), uuid.NewString(), uuid.NewString()}
	for _, u := range users {
		ts.fund(t, u, 500)
		_, err := ts.Matches.Join(match.ID, u, "")
		require.NoError(t, err)
	}
	assert.Equal(t, models.MatchFilled, ts.reloadMatch(t, match.ID).State)

	require.NoError(t, ts.Matches.Activate(match.ID))
	assert.Equal(t, models.MatchActive, ts.reloadMatch(t, match.ID).State)
}

func TestCancel_RefundsEveryParticipant(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	ts.fund(t, userA, 500)
	ts.fund(t, userB, 500)

	match := ts.createMatch(t, duelTerms(100, 180), userA, false)
	_, err := ts.Matches.Join(match.ID, userA, "")
	require.NoError(t, err)
	_, err = ts.Matches.Join(match.ID, userB, "")
	require.NoError(t, err)

	require.NoError(t, ts.Matches.Cancel(match.ID))

	m := ts.reloadMatch(t, match.ID)
	assert.Equal(t, models.MatchCancelled, m.State)

	for _, u := range []string{userA, userB} {
		account := ts.account(t, u)
		assert.Equal(t, int64(500), account.Available)
		assert.Equal(t, int64(0), account.Reserved)
	}

	var refunds int64
	require.NoError(t, ts.DB.Model(&models.SettlementRecord{}).
		Where("match_id = ? AND reason = ?", match.ID, models.SettlementRefund).
		Count(&refunds).Error)
	assert.Equal(t, int64(2), refunds)

	// A retried cancel is a no-op and never double-refunds.
	require.NoError(t, ts.Matches.Cancel(match.ID))
	require.NoError(t, ts.DB.Model(&models.SettlementRecord{}).
		Where("match_id = ? AND reason = ?", match.ID, models.SettlementRefund).
		Count(&refunds).Error)
	assert.Equal(t, int64(2), refunds)
	assert.Equal(t, int64(500), ts.account(t, userA).Available)
}

func TestCancel_CompletedMatchRejected(t *testing.T) {
	ts := newTestServices(t)
	match, _ := ts.settledDuel(t, uuid.NewString(), uuid.NewString(), 100, 180)

	assert.ErrorIs(t, ts.Matches.Cancel(match.ID), models.ErrInvalidState)
}

func TestJoin_EmitsEvents(t *testing.T) {
	ts := newTestServices(t)
	userA, userB := uuid.NewString(), uuid.NewString()
	ts.fund(t, userA, 500)
	ts.fund(t, userB, 500)

	match := ts.createMatch(t, duelTerms(100, 180), userA, false)
	_, err := ts.Matches.Join(match.ID, userA, "")
	require.NoError(t, err)
	_, err = ts.Matches.Join(match.ID, userB, "")
	require.NoError(t, err)

	var events []models.MatchEvent
	require.NoError(t, ts.DB.Where("match_id = ?", match.ID).Find(&events).Error)

	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	assert.ElementsMatch(t, []string{
		models.EventParticipantJoined,
		models.EventParticipantJoined,
		models.EventStateChanged,
	}, types)
}
