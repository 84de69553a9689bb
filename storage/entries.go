package storage

import (
	"context"
	"database/sql"
	"fmt"
)

const entryColumns = `id, round_id, user_address, side, amount_qu, payout_qu, status, is_house, created_at`

func scanEntry(row rowScanner) (Entry, error) {
	var (
		entry   Entry
		payout  sql.NullInt64
		isHouse int
	)
	err := row.Scan(&entry.ID, &entry.RoundID, &entry.UserAddress, &entry.Side,
		&entry.AmountQU, &payout, &entry.Status, &isHouse, &entry.CreatedAt)
	if err != nil {
		return entry, err
	}
	if payout.Valid {
		v := payout.Int64
		entry.PayoutQU = &v
	}
	entry.IsHouse = isHouse != 0
	return entry, nil
}

// EntriesForRound lists all entries of a round.
func (s *Storage) EntriesForRound(ctx context.Context, roundID string) ([]Entry, error) {
	return s.queryEntries(ctx, `
        SELECT `+entryColumns+` FROM entries WHERE round_id = ? ORDER BY created_at ASC
    `, roundID)
}

// ActiveEntriesForRound lists entries still awaiting settlement. This is the
// settlement idempotency boundary: retried settlements see only rows a prior
// attempt never finalised.
func (s *Storage) ActiveEntriesForRound(ctx context.Context, roundID string) ([]Entry, error) {
	return s.queryEntries(ctx, `
        SELECT `+entryColumns+` FROM entries
        WHERE round_id = ? AND status = 'active'
        ORDER BY created_at ASC
    `, roundID)
}

// EntriesForUser lists a user's recent entries, newest first.
func (s *Storage) EntriesForUser(ctx context.Context, address string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEntries(ctx, `
        SELECT `+entryColumns+` FROM entries
        WHERE user_address = ? ORDER BY created_at DESC LIMIT ?
    `, address, limit)
}

func (s *Storage) queryEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return entries, nil
}

// SnapshotsForRound lists the price snapshots recorded for a round.
func (s *Storage) SnapshotsForRound(ctx context.Context, roundID string) ([]PriceSnapshot, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, round_id, kind, pair, median_price, sources, attestation_hash, created_at
        FROM price_snapshots WHERE round_id = ? ORDER BY id ASC
    `, roundID)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()
	snapshots := make([]PriceSnapshot, 0, 2)
	for rows.Next() {
		var snap PriceSnapshot
		if err := rows.Scan(&snap.ID, &snap.RoundID, &snap.Kind, &snap.Pair,
			&snap.MedianPrice, &snap.SourcesJSON, &snap.AttestationHash, &snap.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return snapshots, nil
}

// RecordPricePoint appends a chart tick for the pair.
func (s *Storage) RecordPricePoint(ctx context.Context, pair string, price float64) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if _, err := s.db.ExecContext(ctx, `
        INSERT INTO price_history(pair, price) VALUES(?, ?)
    `, pair, price); err != nil {
		return fmt.Errorf("insert price point: %w", err)
	}
	return nil
}

// PriceHistory returns up to n most recent ticks for the pair, oldest first.
func (s *Storage) PriceHistory(ctx context.Context, pair string, n int) ([]PricePoint, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT pair, price, captured_at FROM (
            SELECT pair, price, captured_at FROM price_history
            WHERE pair = ? ORDER BY captured_at DESC LIMIT ?
        ) ORDER BY captured_at ASC
    `, pair, n)
	if err != nil {
		return nil, fmt.Errorf("query price history: %w", err)
	}
	defer rows.Close()
	points := make([]PricePoint, 0, n)
	for rows.Next() {
		var point PricePoint
		if err := rows.Scan(&point.Pair, &point.Price, &point.Timestamp); err != nil {
			return nil, fmt.Errorf("scan price point: %w", err)
		}
		points = append(points, point)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price history: %w", err)
	}
	return points, nil
}

// HouseLedger lists the most recent house accounting rows, newest first.
func (s *Storage) HouseLedger(ctx context.Context, limit int) ([]HouseLedgerEntry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, round_id, entry_id, kind, amount_qu, balance_after_qu, created_at
        FROM house_ledger ORDER BY id DESC LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query house ledger: %w", err)
	}
	defer rows.Close()
	ledger := make([]HouseLedgerEntry, 0, limit)
	for rows.Next() {
		var row HouseLedgerEntry
		var entryID sql.NullString
		if err := rows.Scan(&row.ID, &row.RoundID, &entryID, &row.Kind,
			&row.AmountQU, &row.BalanceAfterQU, &row.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan house ledger: %w", err)
		}
		if entryID.Valid {
			row.EntryID = entryID.String
		}
		ledger = append(ledger, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate house ledger: %w", err)
	}
	return ledger, nil
}
