package services

import (
	"fmt"
	"wager-settlement-service/models"
)

// ComputePrizes is the single rule surface across all match kinds: given the
// match's prize configuration and every participant's raw outcome, it returns
// the prize owed per participant id. Pure — no I/O, no side effects.
//
// All arithmetic is integer minor units and only ever rounds down; a tie
// split discards the floor-division remainder rather than distributing it.
func ComputePrizes(kind models.MatchKind, cfg models.PrizeConfig, entryFee int64, capacity int, participants []models.Participant) (map[string]int64, error) {
	if err := ValidatePrizeConfig(kind, cfg); err != nil {
		return nil, err
	}

	prizes := make(map[string]int64, len(participants))

	switch kind {
	case models.KindPositionRanked:
		for _, p := range participants {
			amount, err := positionPrize(cfg, p)
			if err != nil {
				return nil, err
			}
			prizes[p.ID] = amount
		}

	case models.KindDuel:
		tied := tiedParticipants(participants)
		for _, p := range participants {
			amount, err := duelPrize(cfg, p, len(tied))
			if err != nil {
				return nil, err
			}
			prizes[p.ID] = amount
		}

	case models.KindWinnerTakeMost:
		winners := 0
		for _, p := range participants {
			if p.Outcome != nil && p.Outcome.Result == models.ResultWin {
				winners++
			}
		}
		if winners > 1 {
			return nil, fmt.Errorf("%w: winner_take_most requires a single winner, got %d", models.ErrInvalidConfig, winners)
		}
		pool := entryFee * int64(capacity)
		payout := pool * (10000 - *cfg.FeeBps) / 10000
		for _, p := range participants {
			if p.Outcome != nil && p.Outcome.Result == models.ResultWin {
				prizes[p.ID] = payout
			} else {
				prizes[p.ID] = 0
			}
		}

	default:
		return nil, fmt.Errorf("%w: unknown match kind %q", models.ErrInvalidConfig, kind)
	}

	return prizes, nil
}

// ValidatePrizeConfig checks that the fields required by the chosen kind are
// present and sane. Used both at match creation and before every settlement.
func ValidatePrizeConfig(kind models.MatchKind, cfg models.PrizeConfig) error {
	switch kind {
	case models.KindPositionRanked:
		if len(cfg.PositionPrizes) == 0 {
			return fmt.Errorf("%w: position_ranked requires position_prizes", models.ErrInvalidConfig)
		}
		for pos, amount := range cfg.PositionPrizes {
			if pos < 1 || amount < 0 {
				return fmt.Errorf("%w: position_prizes entry %d:%d", models.ErrInvalidConfig, pos, amount)
			}
		}
		if cfg.PerKill != nil && *cfg.PerKill < 0 {
			return fmt.Errorf("%w: per_kill must be >= 0", models.ErrInvalidConfig)
		}
	case models.KindDuel:
		if cfg.WinnerPrize == nil || *cfg.WinnerPrize < 0 {
			return fmt.Errorf("%w: duel requires winner_prize", models.ErrInvalidConfig)
		}
		if cfg.PerKill != nil && *cfg.PerKill < 0 {
			return fmt.Errorf("%w: per_kill must be >= 0", models.ErrInvalidConfig)
		}
	case models.KindWinnerTakeMost:
		if cfg.FeeBps == nil || *cfg.FeeBps < 0 || *cfg.FeeBps > 10000 {
			return fmt.Errorf("%w: winner_take_most requires fee_bps in [0,10000]", models.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown match kind %q", models.ErrInvalidConfig, kind)
	}
	return nil
}

// killBonus applies the per-kill bonus; reporting kills without a configured
// per_kill rate is an inconsistent config, not a silent zero.
func killBonus(cfg models.PrizeConfig, kills int64) (int64, error) {
	if kills == 0 {
		return 0, nil
	}
	if cfg.PerKill == nil {
		return 0, fmt.Errorf("%w: kills reported but per_kill not configured", models.ErrInvalidConfig)
	}
	return *cfg.PerKill * kills, nil
}

func positionPrize(cfg models.PrizeConfig, p models.Participant) (int64, error) {
	if p.Outcome == nil {
		return 0, nil
	}
	bonus, err := killBonus(cfg, p.Outcome.Kills)
	if err != nil {
		return 0, err
	}
	// Unranked/DNF (position 0) or outside the configured top-K pays no
	// position prize but still earns the kill bonus.
	return cfg.PositionPrizes[p.Outcome.Position] + bonus, nil
}

func duelPrize(cfg models.PrizeConfig, p models.Participant, tiedCount int) (int64, error) {
	if p.Outcome == nil {
		return 0, nil
	}
	bonus, err := killBonus(cfg, p.Outcome.Kills)
	if err != nil {
		return 0, err
	}
	switch p.Outcome.Result {
	case models.ResultWin:
		return *cfg.WinnerPrize + bonus, nil
	case models.ResultTie:
		// Even floor split across all tied participants; the remainder is
		// withheld, never distributed.
		return *cfg.WinnerPrize/int64(tiedCount) + bonus, nil
	case models.ResultLose:
		return bonus, nil
	default:
		return bonus, nil
	}
}

func tiedParticipants(participants []models.Participant) []models.Participant {
	var tied []models.Participant
	for _, p := range participants {
		if p.Outcome != nil && p.Outcome.Result == models.ResultTie {
			tied = append(tied, p)
		}
	}
	return tied
}
