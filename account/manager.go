// Package account manages user balances and the operations the public API
// exposes against them. It layers validation, auth, rate limiting, and
// best-effort house matching over the atomic primitives in storage.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"qflash/config"
	"qflash/house"
	"qflash/identity"
	"qflash/storage"
)

// Errors surfaced to the API layer in addition to the storage sentinels.
var (
	ErrUnauthorized = errors.New("account: missing or invalid bearer token")
	ErrRateLimited  = errors.New("account: wager rate limit exceeded")
	ErrBetTooSmall  = errors.New("account: amount below minimum bet")
	ErrBetTooLarge  = errors.New("account: amount above maximum bet")
	ErrInvalidSide  = errors.New("account: side must be up or down")
)

// ChainChecker is the advisory slice of the chain client the manager needs.
type ChainChecker interface {
	HasActivity(ctx context.Context, address string) (bool, error)
}

// Manager owns account operations.
type Manager struct {
	store   *storage.Storage
	bank    *house.Bank
	chain   ChainChecker
	betting config.BettingConfig
	log     *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHouse enables best-effort house matching after wagers.
func WithHouse(bank *house.Bank) Option {
	return func(m *Manager) { m.bank = bank }
}

// WithChain enables the advisory on-chain activity check on deposits.
func WithChain(checker ChainChecker) Option {
	return func(m *Manager) { m.chain = checker }
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.log = logger
		}
	}
}

// NewManager wires a Manager over the shared store.
func NewManager(store *storage.Storage, betting config.BettingConfig, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("account: storage required")
	}
	manager := &Manager{store: store, betting: betting, log: slog.Default()}
	for _, opt := range opts {
		opt(manager)
	}
	return manager, nil
}

func normalizeAddress(s string) (string, error) {
	normalized := identity.NormalizeAddress(s)
	if err := identity.ValidateAddress(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// EnsureAccount creates the account if missing, minting an auth token on
// first creation. Existing accounts keep their token.
func (m *Manager) EnsureAccount(ctx context.Context, address string) (storage.Account, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return storage.Account{}, err
	}
	token, err := identity.NewToken()
	if err != nil {
		return storage.Account{}, fmt.Errorf("account: mint token: %w", err)
	}
	return m.store.EnsureAccount(ctx, normalized, token)
}

// RotateToken replaces the account's auth token and returns the new one.
func (m *Manager) RotateToken(ctx context.Context, address string) (string, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return "", err
	}
	token, err := identity.NewToken()
	if err != nil {
		return "", fmt.Errorf("account: mint token: %w", err)
	}
	if err := m.store.RotateToken(ctx, normalized, token); err != nil {
		return "", err
	}
	return token, nil
}

// Authenticate resolves a bearer header to an account.
func (m *Manager) Authenticate(ctx context.Context, bearerHeader string) (storage.Account, error) {
	token, ok := strings.CutPrefix(strings.TrimSpace(bearerHeader), "Bearer ")
	if !ok {
		return storage.Account{}, ErrUnauthorized
	}
	account, err := m.store.AccountByToken(ctx, strings.TrimSpace(token))
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return storage.Account{}, ErrUnauthorized
		}
		return storage.Account{}, err
	}
	return account, nil
}

// GetAccount loads an account by address.
func (m *Manager) GetAccount(ctx context.Context, address string) (storage.Account, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return storage.Account{}, err
	}
	return m.store.GetAccount(ctx, normalized)
}

// RecentTransactions lists the newest ledger rows for an account.
func (m *Manager) RecentTransactions(ctx context.Context, address string, limit int) ([]storage.Transaction, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return nil, err
	}
	return m.store.RecentTransactions(ctx, normalized, limit)
}

// CreditDeposit credits an on-chain deposit once per external tx hash. The
// chain activity check is advisory: a gateway failure or an inactive source
// address is logged and crediting proceeds.
func (m *Manager) CreditDeposit(ctx context.Context, address string, amountQU int64, externalTxHash string) (storage.Transaction, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return storage.Transaction{}, err
	}
	if err := identity.ValidateTxHash(externalTxHash); err != nil {
		return storage.Transaction{}, err
	}
	if m.chain != nil {
		active, err := m.chain.HasActivity(ctx, normalized)
		if err != nil {
			m.log.Warn("chain activity check failed", "address", normalized, "err", err)
		} else if !active {
			m.log.Warn("deposit from identity with no on-chain activity", "address", normalized)
		}
	}
	if _, err := m.EnsureAccount(ctx, normalized); err != nil {
		return storage.Transaction{}, err
	}
	return m.store.CreditDeposit(ctx, normalized, amountQU, strings.TrimSpace(externalTxHash))
}

// PlaceWager validates bounds and the per-address rate limit, runs the
// atomic wager, then asks the house bank to match. A matching failure never
// rolls back the user's wager.
func (m *Manager) PlaceWager(ctx context.Context, address, roundID string, side storage.Side, amountQU int64) (storage.Entry, int64, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return storage.Entry{}, 0, err
	}
	if !side.Valid() {
		return storage.Entry{}, 0, ErrInvalidSide
	}
	if amountQU < m.betting.MinBetQU {
		return storage.Entry{}, 0, fmt.Errorf("%w: %d < %d", ErrBetTooSmall, amountQU, m.betting.MinBetQU)
	}
	if amountQU > m.betting.MaxBetQU {
		return storage.Entry{}, 0, fmt.Errorf("%w: %d > %d", ErrBetTooLarge, amountQU, m.betting.MaxBetQU)
	}
	if m.betting.MaxBetsPerMinute > 0 {
		count, err := m.store.WagerCountInWindow(ctx, normalized, 60)
		if err != nil {
			return storage.Entry{}, 0, err
		}
		if count >= m.betting.MaxBetsPerMinute {
			return storage.Entry{}, 0, ErrRateLimited
		}
	}

	entry, newBalance, err := m.store.PlaceWager(ctx, normalized, roundID, side, amountQU)
	if err != nil {
		return storage.Entry{}, 0, err
	}

	if m.bank != nil && m.bank.Enabled() {
		result, matchErr := m.bank.MatchBet(ctx, roundID, side, amountQU)
		switch {
		case matchErr != nil:
			m.log.Warn("house match failed", "round", roundID, "err", matchErr)
		case !result.Matched:
			m.log.Debug("house match skipped", "round", roundID, "reason", result.Reason)
		}
	}
	return entry, newBalance, nil
}

// RequestWithdrawal validates both identifiers, debits the balance, and
// records a pending withdrawal for the external relayer.
func (m *Manager) RequestWithdrawal(ctx context.Context, address, destination string, amountQU int64) (storage.Transaction, error) {
	normalized, err := normalizeAddress(address)
	if err != nil {
		return storage.Transaction{}, err
	}
	dest, err := normalizeAddress(destination)
	if err != nil {
		return storage.Transaction{}, fmt.Errorf("withdrawal destination: %w", err)
	}
	return m.store.RequestWithdrawal(ctx, normalized, dest, amountQU)
}
