package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const accountColumns = `address, balance_qu, total_deposited, total_withdrawn,
    total_wagered, total_won, total_lost, total_refunded, wins, losses, pushes,
    current_streak, best_streak, auth_token, created_at`

func scanAccount(row rowScanner) (Account, error) {
	var acc Account
	err := row.Scan(&acc.Address, &acc.BalanceQU, &acc.TotalDeposited,
		&acc.TotalWithdrawn, &acc.TotalWagered, &acc.TotalWon, &acc.TotalLost,
		&acc.TotalRefunded, &acc.Wins, &acc.Losses, &acc.Pushes,
		&acc.CurrentStreak, &acc.BestStreak, &acc.AuthToken, &acc.CreatedAt)
	return acc, err
}

// EnsureAccount creates the account when missing and returns it. The token is
// only seeded on first creation; an existing account keeps its token.
func (s *Storage) EnsureAccount(ctx context.Context, address, token string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("storage not configured")
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return Account{}, fmt.Errorf("address required")
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO accounts(address, auth_token) VALUES(?, ?)
        ON CONFLICT(address) DO NOTHING
    `, address, token); err != nil {
		return Account{}, fmt.Errorf("insert account: %w", err)
	}
	return s.GetAccount(ctx, address)
}

// GetAccount loads one account by address.
func (s *Storage) GetAccount(ctx context.Context, address string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE address = ?`, strings.TrimSpace(address))
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	return acc, nil
}

// AccountByToken resolves the account owning the supplied bearer token.
func (s *Storage) AccountByToken(ctx context.Context, token string) (Account, error) {
	if s == nil {
		return Account{}, fmt.Errorf("storage not configured")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return Account{}, ErrAccountNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE auth_token = ?`, token)
	acc, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("query account by token: %w", err)
	}
	return acc, nil
}

// RotateToken swaps the account's auth token.
func (s *Storage) RotateToken(ctx context.Context, address, token string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE accounts SET auth_token = ? WHERE address = ?
    `, token, strings.TrimSpace(address))
	if err != nil {
		return fmt.Errorf("rotate token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// CreditDeposit credits an on-chain deposit exactly once per external tx
// hash. Re-crediting a hash that already appears as a confirmed deposit for
// the account fails with ErrDuplicateDepositHash and leaves the balance
// untouched.
func (s *Storage) CreditDeposit(ctx context.Context, address string, amountQU int64, txHash string) (Transaction, error) {
	if amountQU <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	address = strings.TrimSpace(address)
	txHash = strings.TrimSpace(txHash)
	tx, err := s.begin(ctx)
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback()

	var existing int
	if err := tx.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM transactions
        WHERE address = ? AND kind = 'deposit' AND status = 'confirmed' AND tx_hash = ?
    `, address, txHash).Scan(&existing); err != nil {
		return Transaction{}, fmt.Errorf("query deposit hash: %w", err)
	}
	if existing > 0 {
		return Transaction{}, ErrDuplicateDepositHash
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE accounts SET balance_qu = balance_qu + ?, total_deposited = total_deposited + ?
        WHERE address = ?
    `, amountQU, amountQU, address)
	if err != nil {
		return Transaction{}, fmt.Errorf("credit deposit: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Transaction{}, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return Transaction{}, ErrAccountNotFound
	}

	record := Transaction{
		ID:       uuid.NewString(),
		Address:  address,
		Kind:     TxDeposit,
		AmountQU: amountQU,
		TxHash:   txHash,
		Status:   TxConfirmed,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transaction{}, fmt.Errorf("commit deposit: %w", err)
	}
	return record, nil
}

// RequestWithdrawal debits the balance immediately and records a pending
// withdrawal row for the external relayer to broadcast.
func (s *Storage) RequestWithdrawal(ctx context.Context, address, destination string, amountQU int64) (Transaction, error) {
	if amountQU <= 0 {
		return Transaction{}, ErrInvalidAmount
	}
	address = strings.TrimSpace(address)
	tx, err := s.begin(ctx)
	if err != nil {
		return Transaction{}, err
	}
	defer tx.Rollback()

	var balance int64
	if err := tx.QueryRowContext(ctx, `SELECT balance_qu FROM accounts WHERE address = ?`, address).Scan(&balance); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Transaction{}, ErrAccountNotFound
		}
		return Transaction{}, fmt.Errorf("query balance: %w", err)
	}
	if balance < amountQU {
		return Transaction{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, balance, amountQU)
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE accounts SET balance_qu = balance_qu - ?, total_withdrawn = total_withdrawn + ?
        WHERE address = ?
    `, amountQU, amountQU, address); err != nil {
		return Transaction{}, fmt.Errorf("debit withdrawal: %w", err)
	}

	record := Transaction{
		ID:          uuid.NewString(),
		Address:     address,
		Kind:        TxWithdrawal,
		AmountQU:    amountQU,
		Destination: strings.TrimSpace(destination),
		Status:      TxPending,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return Transaction{}, err
	}
	if err := tx.Commit(); err != nil {
		return Transaction{}, fmt.Errorf("commit withdrawal: %w", err)
	}
	return record, nil
}

// WagerCountInWindow counts the address's wagers placed within the trailing
// windowSecs at the store clock, for rate limiting.
func (s *Storage) WagerCountInWindow(ctx context.Context, address string, windowSecs int64) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM transactions
        WHERE address = ? AND kind = 'wager'
          AND created_at >= CAST(strftime('%s','now') AS INTEGER) - ?
    `, strings.TrimSpace(address), windowSecs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count wagers: %w", err)
	}
	return count, nil
}

// RecentTransactions lists the account's latest ledger rows, newest first.
func (s *Storage) RecentTransactions(ctx context.Context, address string, limit int) ([]Transaction, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.queryTransactions(ctx, `
        SELECT id, address, kind, amount_qu, round_id, tx_hash, destination, status, created_at
        FROM transactions WHERE address = ?
        ORDER BY created_at DESC, id DESC LIMIT ?
    `, strings.TrimSpace(address), limit)
}

// PendingWithdrawals lists withdrawal rows awaiting the external relayer.
func (s *Storage) PendingWithdrawals(ctx context.Context) ([]Transaction, error) {
	return s.queryTransactions(ctx, `
        SELECT id, address, kind, amount_qu, round_id, tx_hash, destination, status, created_at
        FROM transactions WHERE kind = 'withdrawal' AND status = 'pending'
        ORDER BY created_at ASC
    `)
}

// MarkTransactionStatus updates a ledger row's status, optionally recording
// an on-chain hash.
func (s *Storage) MarkTransactionStatus(ctx context.Context, id string, status TxStatus, txHash string) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE transactions SET status = ?, tx_hash = COALESCE(NULLIF(?, ''), tx_hash)
        WHERE id = ?
    `, string(status), strings.TrimSpace(txHash), id)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, record Transaction) error {
	_, err := tx.ExecContext(ctx, `
        INSERT INTO transactions(id, address, kind, amount_qu, round_id, tx_hash, destination, status)
        VALUES(?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), ?)
    `, record.ID, record.Address, string(record.Kind), record.AmountQU,
		record.RoundID, record.TxHash, record.Destination, string(record.Status))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (s *Storage) queryTransactions(ctx context.Context, query string, args ...any) ([]Transaction, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()
	records := make([]Transaction, 0)
	for rows.Next() {
		var (
			record      Transaction
			roundID     sql.NullString
			txHash      sql.NullString
			destination sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.Address, &record.Kind, &record.AmountQU,
			&roundID, &txHash, &destination, &record.Status, &record.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		record.RoundID = roundID.String
		record.TxHash = txHash.String
		record.Destination = destination.String
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return records, nil
}
