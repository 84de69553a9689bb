package engine

import (
	"qflash/storage"
)

// deriveOutcome compares the two committed prices with strict inequality; a
// bit-for-bit tie is a push.
func deriveOutcome(opening, closing float64) storage.Outcome {
	switch {
	case closing > opening:
		return storage.OutcomeUp
	case closing < opening:
		return storage.OutcomeDown
	default:
		return storage.OutcomePush
	}
}

// platformFee takes feeBps of the loser pool with truncation. The fee is zero
// for pushes and one-sided rounds; callers enforce that by passing the loser
// pool only when both sides hold entries.
func platformFee(loserPoolQU, feeBps int64) int64 {
	if loserPoolQU <= 0 || feeBps <= 0 {
		return 0
	}
	return loserPoolQU * feeBps / 10_000
}

// buildSettlementPlan computes every terminal entry state and payout for a
// resolving round. All amounts are integers with division truncating toward
// zero; the sum of winner payouts never exceeds winnerPool + netLoserPool, so
// the fee plus any truncation dust stays with the pool.
func buildSettlementPlan(round storage.Round, activeEntries []storage.Entry, outcome storage.Outcome, closing pricefeedQuote, feeBps int64) storage.SettlementPlan {
	plan := storage.SettlementPlan{
		RoundID:      round.ID,
		Outcome:      outcome,
		ClosingPrice: closing.Median,
		ClosingSnapshot: storage.PriceSnapshot{
			RoundID:         round.ID,
			Kind:            storage.SnapshotClosing,
			Pair:            round.Pair,
			MedianPrice:     closing.Median,
			SourcesJSON:     closing.SourcesJSON,
			AttestationHash: closing.AttestationHash,
		},
	}

	if outcome == storage.OutcomePush {
		for _, entry := range activeEntries {
			plan.Entries = append(plan.Entries, storage.EntrySettlement{
				EntryID:  entry.ID,
				Address:  entry.UserAddress,
				IsHouse:  entry.IsHouse,
				Side:     entry.Side,
				AmountQU: entry.AmountQU,
				Status:   storage.EntryPush,
				PayoutQU: entry.AmountQU,
			})
		}
		return plan
	}

	var winners, losers []storage.Entry
	var winnerPool, loserPool int64
	for _, entry := range activeEntries {
		if storage.Outcome(entry.Side) == outcome {
			winners = append(winners, entry)
			winnerPool += entry.AmountQU
		} else {
			losers = append(losers, entry)
			loserPool += entry.AmountQU
		}
	}

	// One-sided rounds refund everyone at stake, fee included.
	if len(winners) == 0 || len(losers) == 0 {
		for _, entry := range activeEntries {
			plan.Entries = append(plan.Entries, storage.EntrySettlement{
				EntryID:  entry.ID,
				Address:  entry.UserAddress,
				IsHouse:  entry.IsHouse,
				Side:     entry.Side,
				AmountQU: entry.AmountQU,
				Status:   storage.EntryRefunded,
				PayoutQU: entry.AmountQU,
			})
		}
		return plan
	}

	fee := platformFee(loserPool, feeBps)
	netLoserPool := loserPool - fee
	plan.PlatformFeeQU = fee

	for _, entry := range winners {
		payout := entry.AmountQU + netLoserPool*entry.AmountQU/winnerPool
		plan.Entries = append(plan.Entries, storage.EntrySettlement{
			EntryID:  entry.ID,
			Address:  entry.UserAddress,
			IsHouse:  entry.IsHouse,
			Side:     entry.Side,
			AmountQU: entry.AmountQU,
			Status:   storage.EntryWon,
			PayoutQU: payout,
		})
	}
	for _, entry := range losers {
		plan.Entries = append(plan.Entries, storage.EntrySettlement{
			EntryID:  entry.ID,
			Address:  entry.UserAddress,
			IsHouse:  entry.IsHouse,
			Side:     entry.Side,
			AmountQU: entry.AmountQU,
			Status:   storage.EntryLost,
			PayoutQU: 0,
		})
	}
	return plan
}

// pricefeedQuote is the slice of a feed quote the settlement plan needs.
type pricefeedQuote struct {
	Median          float64
	SourcesJSON     string
	AttestationHash string
}
