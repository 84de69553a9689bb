// Package house implements the platform counterparty bank. The bank places
// opposing entries against user wagers subject to exposure caps, so thin
// rounds still carry a two-sided pool.
package house

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"qflash/config"
	"qflash/identity"
	"qflash/storage"
)

// MatchResult reports the outcome of one matching attempt. When Matched is
// false, Reason carries a short machine-readable explanation.
type MatchResult struct {
	Matched bool   `json:"matched"`
	EntryID string `json:"entryId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Skip reasons surfaced in MatchResult.Reason and the engine logs.
const (
	ReasonDisabled            = "house_disabled"
	ReasonInsufficientBalance = "insufficient_house_balance"
	ReasonRoundExposureCap    = "round_exposure_cap"
	ReasonTotalExposureCap    = "total_exposure_cap"
)

// Bank matches user wagers from the reserved house account.
type Bank struct {
	store *storage.Storage
	cfg   config.HouseConfig
	log   *slog.Logger
}

// Option configures a Bank.
type Option func(*Bank)

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bank) {
		if logger != nil {
			b.log = logger
		}
	}
}

// NewBank wires a Bank over the shared store.
func NewBank(store *storage.Storage, cfg config.HouseConfig, opts ...Option) (*Bank, error) {
	if store == nil {
		return nil, fmt.Errorf("house: storage required")
	}
	bank := &Bank{store: store, cfg: cfg, log: slog.Default()}
	for _, opt := range opts {
		opt(bank)
	}
	return bank, nil
}

// Enabled reports whether matching is switched on.
func (b *Bank) Enabled() bool { return b.cfg.Enabled }

// EnsureFunded creates the house account if missing and seeds the configured
// initial balance exactly once. The seed is recorded as a deposit with a
// deterministic pseudo tx hash so restarts cannot double-fund.
func (b *Bank) EnsureFunded(ctx context.Context) error {
	token, err := identity.NewToken()
	if err != nil {
		return fmt.Errorf("house: mint token: %w", err)
	}
	if _, err := b.store.EnsureAccount(ctx, storage.HouseAddress, token); err != nil {
		return fmt.Errorf("house: ensure account: %w", err)
	}
	if b.cfg.InitialBalanceQU <= 0 {
		return nil
	}
	_, err = b.store.CreditDeposit(ctx, storage.HouseAddress, b.cfg.InitialBalanceQU, initialFundingHash)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateDepositHash) {
			return nil
		}
		return fmt.Errorf("house: seed balance: %w", err)
	}
	b.log.Info("house bank funded", "balance_qu", b.cfg.InitialBalanceQU)
	return nil
}

const initialFundingHash = "houseinitialfunding0000000000000000"

// MatchBet places the opposing house entry for a user wager. Matching is
// best-effort: all rejections return a populated MatchResult and a nil error
// so callers can log and move on.
func (b *Bank) MatchBet(ctx context.Context, roundID string, userSide storage.Side, userAmountQU int64) (MatchResult, error) {
	if !b.cfg.Enabled {
		return MatchResult{Reason: ReasonDisabled}, nil
	}
	if strings.TrimSpace(roundID) == "" || !userSide.Valid() || userAmountQU <= 0 {
		return MatchResult{}, fmt.Errorf("house: invalid match request")
	}

	matchAmount := int64(float64(userAmountQU) * b.matchRatio())
	if matchAmount <= 0 {
		return MatchResult{Reason: ReasonDisabled}, nil
	}

	account, err := b.store.GetAccount(ctx, storage.HouseAddress)
	if err != nil {
		return MatchResult{}, fmt.Errorf("house: load account: %w", err)
	}
	if account.BalanceQU < matchAmount {
		return MatchResult{Reason: ReasonInsufficientBalance}, nil
	}

	if b.cfg.MaxExposurePerRound > 0 {
		roundExposure, err := b.store.HouseExposure(ctx, roundID)
		if err != nil {
			return MatchResult{}, fmt.Errorf("house: round exposure: %w", err)
		}
		if roundExposure+matchAmount > b.cfg.MaxExposurePerRound {
			return MatchResult{Reason: ReasonRoundExposureCap}, nil
		}
	}
	if b.cfg.MaxTotalExposure > 0 {
		totalExposure, err := b.store.HouseExposure(ctx, "")
		if err != nil {
			return MatchResult{}, fmt.Errorf("house: total exposure: %w", err)
		}
		if totalExposure+matchAmount > b.cfg.MaxTotalExposure {
			return MatchResult{Reason: ReasonTotalExposureCap}, nil
		}
	}

	entry, err := b.store.PlaceHouseEntry(ctx, roundID, userSide.Opposite(), matchAmount)
	if err != nil {
		return MatchResult{}, fmt.Errorf("house: place entry: %w", err)
	}
	b.log.Info("house matched wager",
		"round", roundID, "side", entry.Side, "amount_qu", matchAmount)
	return MatchResult{Matched: true, EntryID: entry.ID}, nil
}

// Balance returns the current house balance.
func (b *Bank) Balance(ctx context.Context) (int64, error) {
	account, err := b.store.GetAccount(ctx, storage.HouseAddress)
	if err != nil {
		return 0, fmt.Errorf("house: load account: %w", err)
	}
	return account.BalanceQU, nil
}

func (b *Bank) matchRatio() float64 {
	if b.cfg.MatchRatio <= 0 {
		return 1.0
	}
	return b.cfg.MatchRatio
}
