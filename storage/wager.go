package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// PlaceWager atomically debits the account, inserts the entry, and grows the
// round pool. A failed step leaves no partial effect. The (round, user)
// uniqueness violation surfaces as ErrDuplicateEntry.
func (s *Storage) PlaceWager(ctx context.Context, address, roundID string, side Side, amountQU int64) (Entry, int64, error) {
	if amountQU <= 0 {
		return Entry{}, 0, ErrInvalidAmount
	}
	if !side.Valid() {
		return Entry{}, 0, fmt.Errorf("storage: invalid side %q", side)
	}
	address = strings.TrimSpace(address)
	tx, err := s.begin(ctx)
	if err != nil {
		return Entry{}, 0, err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM rounds WHERE id = ?`, roundID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, 0, ErrRoundNotFound
		}
		return Entry{}, 0, fmt.Errorf("query round status: %w", err)
	}
	if RoundStatus(status) != RoundOpen {
		return Entry{}, 0, fmt.Errorf("%w: status %s", ErrRoundNotOpen, status)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_qu FROM accounts WHERE address = ?`, address).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, 0, ErrAccountNotFound
		}
		return Entry{}, 0, fmt.Errorf("query balance: %w", err)
	}
	if balance < amountQU {
		return Entry{}, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amountQU)
	}

	entry := Entry{
		ID:          uuid.NewString(),
		RoundID:     roundID,
		UserAddress: address,
		Side:        side,
		AmountQU:    amountQU,
		Status:      EntryActive,
	}
	result, err := tx.ExecContext(ctx, `
        INSERT INTO entries(id, round_id, user_address, side, amount_qu, status, is_house)
        VALUES(?, ?, ?, ?, ?, 'active', 0)
        ON CONFLICT(round_id, user_address) WHERE is_house = 0 DO NOTHING
    `, entry.ID, roundID, address, string(side), amountQU)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("insert entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Entry{}, 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return Entry{}, 0, ErrDuplicateEntry
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE accounts SET balance_qu = balance_qu - ?, total_wagered = total_wagered + ?
        WHERE address = ?
    `, amountQU, amountQU, address); err != nil {
		return Entry{}, 0, fmt.Errorf("debit wager: %w", err)
	}

	poolColumn := "up_pool_qu"
	if side == SideDown {
		poolColumn = "down_pool_qu"
	}
	// Guard on status again: a concurrent lock transition between the first
	// read and this write must fail the wager, not corrupt a locked pool.
	result, err = tx.ExecContext(ctx, `
        UPDATE rounds SET `+poolColumn+` = `+poolColumn+` + ?, entry_count = entry_count + 1
        WHERE id = ? AND status = 'open'
    `, amountQU, roundID)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("grow pool: %w", err)
	}
	affected, err = result.RowsAffected()
	if err != nil {
		return Entry{}, 0, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return Entry{}, 0, ErrRoundNotOpen
	}

	if err := insertTransaction(ctx, tx, Transaction{
		ID:       uuid.NewString(),
		Address:  address,
		Kind:     TxWager,
		AmountQU: amountQU,
		RoundID:  roundID,
		Status:   TxConfirmed,
	}); err != nil {
		return Entry{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, 0, fmt.Errorf("commit wager: %w", err)
	}
	return entry, balance - amountQU, nil
}

// PlaceHouseEntry atomically debits the house account, inserts a house-side
// entry, grows the round pool, and appends a match_bet house ledger row.
func (s *Storage) PlaceHouseEntry(ctx context.Context, roundID string, side Side, amountQU int64) (Entry, error) {
	if amountQU <= 0 {
		return Entry{}, ErrInvalidAmount
	}
	if !side.Valid() {
		return Entry{}, fmt.Errorf("storage: invalid side %q", side)
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return Entry{}, err
	}
	defer tx.Rollback()

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM rounds WHERE id = ?`, roundID).Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrRoundNotFound
		}
		return Entry{}, fmt.Errorf("query round status: %w", err)
	}
	if RoundStatus(status) != RoundOpen {
		return Entry{}, fmt.Errorf("%w: status %s", ErrRoundNotOpen, status)
	}

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_qu FROM accounts WHERE address = ?`, HouseAddress).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrAccountNotFound
		}
		return Entry{}, fmt.Errorf("query house balance: %w", err)
	}
	if balance < amountQU {
		return Entry{}, fmt.Errorf("%w: house has %d, needs %d", ErrInsufficientBalance, balance, amountQU)
	}

	entry := Entry{
		ID:          uuid.NewString(),
		RoundID:     roundID,
		UserAddress: HouseAddress,
		Side:        side,
		AmountQU:    amountQU,
		Status:      EntryActive,
		IsHouse:     true,
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO entries(id, round_id, user_address, side, amount_qu, status, is_house)
        VALUES(?, ?, ?, ?, ?, 'active', 1)
    `, entry.ID, roundID, HouseAddress, string(side), amountQU); err != nil {
		return Entry{}, fmt.Errorf("insert house entry: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
        UPDATE accounts SET balance_qu = balance_qu - ?, total_wagered = total_wagered + ?
        WHERE address = ?
    `, amountQU, amountQU, HouseAddress); err != nil {
		return Entry{}, fmt.Errorf("debit house: %w", err)
	}

	poolColumn := "up_pool_qu"
	if side == SideDown {
		poolColumn = "down_pool_qu"
	}
	result, err := tx.ExecContext(ctx, `
        UPDATE rounds SET `+poolColumn+` = `+poolColumn+` + ?, entry_count = entry_count + 1
        WHERE id = ? AND status = 'open'
    `, amountQU, roundID)
	if err != nil {
		return Entry{}, fmt.Errorf("grow pool: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return Entry{}, ErrRoundNotOpen
	}

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO house_ledger(round_id, entry_id, kind, amount_qu, balance_after_qu)
        VALUES(?, ?, ?, ?, ?)
    `, roundID, entry.ID, string(LedgerMatchBet), amountQU, balance-amountQU); err != nil {
		return Entry{}, fmt.Errorf("append house ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("commit house entry: %w", err)
	}
	return entry, nil
}
