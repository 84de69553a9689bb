package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"qflash/attest"
	"qflash/storage"
)

const minimumPipelineDepth = 2

// ensureUpcomingRounds keeps every enabled (pair, duration) lane stocked with
// pre-created rounds. New schedules start at the next clean boundary; running
// schedules append end-to-end from the last known close.
func (e *Engine) ensureUpcomingRounds(ctx context.Context) (int, error) {
	created := 0
	nowSecs := e.now().Unix()
	ahead := int64(e.cfg.Rounds.PipelineAheadSecs)

	for _, pair := range e.cfg.Pairs {
		for _, duration := range e.cfg.Durations {
			count, err := e.store.UpcomingCount(ctx, pair, duration)
			if err != nil {
				return created, fmt.Errorf("upcoming count %s/%d: %w", pair, duration, err)
			}
			nextOpen, known, err := e.store.LastCloseAt(ctx, pair, duration)
			if err != nil {
				return created, fmt.Errorf("last close %s/%d: %w", pair, duration, err)
			}
			if !known || nextOpen < nowSecs {
				nextOpen = nextBoundary(nowSecs, int64(duration))
			}
			horizon := nowSecs + ahead
			for count < minimumPipelineDepth || nextOpen < horizon {
				round := e.scheduleRound(pair, duration, nextOpen)
				if err := e.store.CreateRound(ctx, round); err != nil {
					return created, fmt.Errorf("create round %s: %w", round.ID, err)
				}
				created++
				count++
				nextOpen = round.CloseAt
			}
		}
	}
	return created, nil
}

// nextBoundary aligns a fresh schedule to the next multiple of duration.
func nextBoundary(nowSecs, duration int64) int64 {
	return (nowSecs + duration - 1) / duration * duration
}

func (e *Engine) scheduleRound(pair string, duration int, openAt int64) storage.Round {
	closeAt := openAt + int64(duration)
	lockAt := closeAt - int64(e.cfg.Rounds.LockBeforeCloseSecs)
	if lockAt <= openAt {
		lockAt = openAt + 1
	}
	return storage.Round{
		ID:       uuid.NewString(),
		Pair:     pair,
		Duration: duration,
		OpenAt:   openAt,
		LockAt:   lockAt,
		CloseAt:  closeAt,
	}
}

// commitmentPayload is the canonical document the engine commits to when a
// round opens. Clients recompute the HMAC to verify the price preceded their
// wagers.
type commitmentPayload struct {
	RoundID      string  `json:"roundId"`
	Pair         string  `json:"pair"`
	OpeningPrice float64 `json:"openingPrice"`
	OpenAt       int64   `json:"openAt"`
}

// openReadyRounds opens every upcoming round whose open time has passed. A
// round whose pair has no quorum price is cancelled outright; nothing can
// have been wagered on it yet.
func (e *Engine) openReadyRounds(ctx context.Context) (int, error) {
	ready, err := e.store.RoundsReadyToOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("rounds ready to open: %w", err)
	}
	opened := 0
	for _, round := range ready {
		quote, err := e.feed.Price(ctx, round.Pair, true)
		if err != nil {
			e.log.Warn("cancelling unopened round, no price quorum",
				"round", round.ID, "pair", round.Pair, "err", err)
			if _, casErr := e.store.UpdateRoundStatusCAS(ctx, round.ID, storage.RoundUpcoming, storage.RoundCancelled); casErr != nil {
				return opened, fmt.Errorf("cancel unopened round %s: %w", round.ID, casErr)
			}
			e.metrics.RoundTransition(string(storage.RoundCancelled))
			continue
		}
		commitment, err := attest.Hash([]byte(e.cfg.AttestationKey), commitmentPayload{
			RoundID:      round.ID,
			Pair:         round.Pair,
			OpeningPrice: quote.Median,
			OpenAt:       round.OpenAt,
		})
		if err != nil {
			return opened, fmt.Errorf("commitment for round %s: %w", round.ID, err)
		}
		sources, err := json.Marshal(quote.Sources)
		if err != nil {
			return opened, fmt.Errorf("encode sources: %w", err)
		}
		snapshot := storage.PriceSnapshot{
			RoundID:         round.ID,
			Kind:            storage.SnapshotOpening,
			Pair:            round.Pair,
			MedianPrice:     quote.Median,
			SourcesJSON:     string(sources),
			AttestationHash: quote.AttestationHash,
		}
		if err := e.store.OpenRound(ctx, round.ID, quote.Median, commitment, snapshot); err != nil {
			return opened, fmt.Errorf("open round %s: %w", round.ID, err)
		}
		opened++
		e.metrics.RoundTransition(string(storage.RoundOpen))
		e.log.Info("round opened",
			"round", round.ID, "pair", round.Pair, "duration", round.Duration,
			"opening_price", quote.Median)
	}
	return opened, nil
}

// lockReadyRounds flips open rounds past their lock time. No side effects
// beyond the status.
func (e *Engine) lockReadyRounds(ctx context.Context) (int, error) {
	ready, err := e.store.RoundsReadyToLock(ctx)
	if err != nil {
		return 0, fmt.Errorf("rounds ready to lock: %w", err)
	}
	locked := 0
	for _, round := range ready {
		ok, err := e.store.UpdateRoundStatusCAS(ctx, round.ID, storage.RoundOpen, storage.RoundLocked)
		if err != nil {
			return locked, fmt.Errorf("lock round %s: %w", round.ID, err)
		}
		if ok {
			locked++
			e.metrics.RoundTransition(string(storage.RoundLocked))
		}
	}
	return locked, nil
}

// resolveReadyRounds settles every locked round past its close time. The CAS
// into resolving grants exclusive ownership; a failed CAS means another
// worker holds the round.
func (e *Engine) resolveReadyRounds(ctx context.Context) (int, error) {
	ready, err := e.store.RoundsReadyToResolve(ctx)
	if err != nil {
		return 0, fmt.Errorf("rounds ready to resolve: %w", err)
	}
	resolved := 0
	for _, round := range ready {
		ok, err := e.store.UpdateRoundStatusCAS(ctx, round.ID, storage.RoundLocked, storage.RoundResolving)
		if err != nil {
			return resolved, fmt.Errorf("claim round %s: %w", round.ID, err)
		}
		if !ok {
			continue
		}
		if err := e.resolveRound(ctx, round); err != nil {
			return resolved, err
		}
		resolved++
	}
	return resolved, nil
}

func (e *Engine) resolveRound(ctx context.Context, round storage.Round) error {
	e.feed.Invalidate(round.Pair)
	quote, err := e.feed.Price(ctx, round.Pair, true)
	if err != nil {
		e.log.Warn("cancelling round, no closing price quorum",
			"round", round.ID, "pair", round.Pair, "err", err)
		if err := e.store.CancelRoundWithRefunds(ctx, round.ID); err != nil {
			return fmt.Errorf("cancel round %s: %w", round.ID, err)
		}
		e.metrics.RoundTransition(string(storage.RoundCancelled))
		return nil
	}
	if round.OpeningPrice == nil {
		// A locked round always carries an opening price; treat a missing one
		// as corrupt and refund.
		e.log.Error("round missing opening price, cancelling", "round", round.ID)
		if err := e.store.CancelRoundWithRefunds(ctx, round.ID); err != nil {
			return fmt.Errorf("cancel round %s: %w", round.ID, err)
		}
		e.metrics.RoundTransition(string(storage.RoundCancelled))
		return nil
	}

	entries, err := e.store.ActiveEntriesForRound(ctx, round.ID)
	if err != nil {
		return fmt.Errorf("entries for round %s: %w", round.ID, err)
	}
	outcome := deriveOutcome(*round.OpeningPrice, quote.Median)
	sources, err := json.Marshal(quote.Sources)
	if err != nil {
		return fmt.Errorf("encode sources: %w", err)
	}
	plan := buildSettlementPlan(round, entries, outcome, pricefeedQuote{
		Median:          quote.Median,
		SourcesJSON:     string(sources),
		AttestationHash: quote.AttestationHash,
	}, e.cfg.Rounds.FeeBps())

	started := time.Now()
	if err := e.store.ApplySettlement(ctx, plan); err != nil {
		return fmt.Errorf("settle round %s: %w", round.ID, err)
	}
	e.metrics.SettlementObserved(time.Since(started))
	e.metrics.RoundTransition(string(storage.RoundResolved))
	e.log.Info("round resolved",
		"round", round.ID, "pair", round.Pair, "outcome", outcome,
		"closing_price", quote.Median, "fee_qu", plan.PlatformFeeQU,
		"entries", len(plan.Entries))
	return nil
}

// handleStaleResolvingRounds cancels rounds stuck in resolving past the
// configured cutoff, refunding every active entry. This is the recovery path
// for a worker that died mid-settlement.
func (e *Engine) handleStaleResolvingRounds(ctx context.Context) (int, error) {
	cutoff := int64(e.cfg.Rounds.MaxResolutionDelay.Duration / time.Second)
	stale, err := e.store.StaleResolvingRounds(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("stale resolving rounds: %w", err)
	}
	cancelled := 0
	for _, round := range stale {
		e.log.Warn("cancelling stale resolving round", "round", round.ID, "close_at", round.CloseAt)
		if err := e.store.CancelRoundWithRefunds(ctx, round.ID); err != nil {
			return cancelled, fmt.Errorf("cancel stale round %s: %w", round.ID, err)
		}
		cancelled++
		e.metrics.RoundTransition(string(storage.RoundCancelled))
	}
	return cancelled, nil
}
