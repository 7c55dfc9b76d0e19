package services

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"wager-settlement-service/models"
)

// newTestDB opens a throwaway sqlite database. _txlock=immediate makes every
// transaction a write transaction up front, so concurrent callers queue on
// the busy timeout instead of failing mid-transaction.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "test.db") +
		"?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(
		&models.LedgerAccount{},
		&models.Reservation{},
		&models.LedgerAdjustment{},
		&models.Match{},
		&models.Participant{},
		&models.MatchEvent{},
		&models.SettlementRecord{},
		&models.RematchOffer{},
		&models.OutboundNotification{},
		&models.PlayerProfile{},
	))
	return db
}

type testServices struct {
	DB         *gorm.DB
	Ledger     *LedgerService
	Matches    *MatchService
	Settlement *SettlementService
	Rematch    *RematchService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	db := newTestDB(t)
	ledger := NewLedgerService(db)
	matches := NewMatchService(db, ledger)
	return &testServices{
		DB:         db,
		Ledger:     ledger,
		Matches:    matches,
		Settlement: NewSettlementService(db, ledger, matches),
		Rematch:    NewRematchService(db, matches),
	}
}

func (ts *testServices) fund(t *testing.T, userID string, amount int64) {
	t.Helper()
	require.NoError(t, ts.Ledger.Credit(userID, amount, "", "test_funding"))
}

func (ts *testServices) account(t *testing.T, userID string) *models.LedgerAccount {
	t.Helper()
	account, err := ts.Ledger.Account(userID)
	require.NoError(t, err)
	return account
}

func (ts *testServices) createMatch(t *testing.T, terms MatchTerms, createdBy string, private bool) *models.Match {
	t.Helper()
	var match *models.Match
	err := ts.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		match, err = ts.Matches.CreateTx(tx, terms, createdBy, private, nil)
		return err
	})
	require.NoError(t, err)
	return match
}

func (ts *testServices) reloadMatch(t *testing.T, matchID string) *models.Match {
	t.Helper()
	var m models.Match
	require.NoError(t, ts.DB.First(&m, "id = ?", matchID).Error)
	return &m
}

func int64Ptr(v int64) *int64 { return &v }

func duelTerms(entryFee, winnerPrize int64) MatchTerms {
	return MatchTerms{
		Title:    "Duel",
		Kind:     models.KindDuel,
		Capacity: 2,
		EntryFee: entryFee,
		PrizeConfig: models.PrizeConfig{
			WinnerPrize: int64Ptr(winnerPrize),
		},
	}
}

// settledDuel funds two users, creates a duel, joins both (which activates
// the match) and settles it with userA winning. Returns the match and the
// participants in join order.
func (ts *testServices) settledDuel(t *testing.T, userA, userB string, entryFee, winnerPrize int64) (*models.Match, []models.Participant) {
	t.Helper()
	ts.fund(t, userA, 1000)
	ts.fund(t, userB, 1000)

	match := ts.createMatch(t, duelTerms(entryFee, winnerPrize), userA, false)
	pA, err := ts.Matches.Join(match.ID, userA, "")
	require.NoError(t, err)
	pB, err := ts.Matches.Join(match.ID, userB, "")
	require.NoError(t, err)

	_, err = ts.Settlement.Settle(match.ID, []OutcomeReport{
		{ParticipantID: pA.ID, Outcome: &models.Outcome{Result: models.ResultWin}},
		{ParticipantID: pB.ID, Outcome: &models.Outcome{Result: models.ResultLose}},
	})
	require.NoError(t, err)

	return ts.reloadMatch(t, match.ID), []models.Participant{*pA, *pB}
}
