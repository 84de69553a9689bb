package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const roundColumns = `id, pair, duration, status, open_at, lock_at, close_at,
    opening_price, closing_price, outcome, up_pool_qu, down_pool_qu,
    entry_count, platform_fee_qu, commitment_hash, resolved_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRound(row rowScanner) (Round, error) {
	var (
		round        Round
		opening      sql.NullFloat64
		closing      sql.NullFloat64
		outcome      sql.NullString
		commitment   sql.NullString
		resolvedAt   sql.NullInt64
	)
	err := row.Scan(&round.ID, &round.Pair, &round.Duration, &round.Status,
		&round.OpenAt, &round.LockAt, &round.CloseAt, &opening, &closing,
		&outcome, &round.UpPoolQU, &round.DownPoolQU, &round.EntryCount,
		&round.PlatformFeeQU, &commitment, &resolvedAt, &round.CreatedAt)
	if err != nil {
		return round, err
	}
	if opening.Valid {
		v := opening.Float64
		round.OpeningPrice = &v
	}
	if closing.Valid {
		v := closing.Float64
		round.ClosingPrice = &v
	}
	if outcome.Valid {
		round.Outcome = Outcome(outcome.String)
	}
	if commitment.Valid {
		round.CommitmentHash = commitment.String
	}
	if resolvedAt.Valid {
		v := resolvedAt.Int64
		round.ResolvedAt = &v
	}
	return round, nil
}

// CreateRound persists a new upcoming round.
func (s *Storage) CreateRound(ctx context.Context, round Round) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(round.ID) == "" {
		return fmt.Errorf("round id required")
	}
	if round.Status == "" {
		round.Status = RoundUpcoming
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO rounds(id, pair, duration, status, open_at, lock_at, close_at)
        VALUES(?, ?, ?, ?, ?, ?, ?)
    `, round.ID, round.Pair, round.Duration, string(round.Status), round.OpenAt, round.LockAt, round.CloseAt)
	if err != nil {
		return fmt.Errorf("insert round: %w", err)
	}
	return nil
}

// GetRound loads one round by id.
func (s *Storage) GetRound(ctx context.Context, id string) (Round, error) {
	if s == nil {
		return Round{}, fmt.Errorf("storage not configured")
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = ?`, id)
	round, err := scanRound(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Round{}, ErrRoundNotFound
	}
	if err != nil {
		return Round{}, fmt.Errorf("query round: %w", err)
	}
	return round, nil
}

// UpdateRoundStatusCAS atomically moves a round from one status to another.
// It reports false when the round was not in the expected status.
func (s *Storage) UpdateRoundStatusCAS(ctx context.Context, id string, from, to RoundStatus) (bool, error) {
	if s == nil {
		return false, fmt.Errorf("storage not configured")
	}
	result, err := s.db.ExecContext(ctx, `
        UPDATE rounds SET status = ? WHERE id = ? AND status = ?
    `, string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("cas round status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// OpenRound records the opening snapshot and commitment in one transaction
// and moves the round from upcoming to open. The snapshot row exists before
// the status flips, so no wager can ever land on an uncommitted round.
func (s *Storage) OpenRound(ctx context.Context, id string, openingPrice float64, commitmentHash string, snapshot PriceSnapshot) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO price_snapshots(round_id, kind, pair, median_price, sources, attestation_hash)
        VALUES(?, ?, ?, ?, ?, ?)
    `, id, string(SnapshotOpening), snapshot.Pair, snapshot.MedianPrice, snapshot.SourcesJSON, snapshot.AttestationHash); err != nil {
		return fmt.Errorf("insert opening snapshot: %w", err)
	}
	result, err := tx.ExecContext(ctx, `
        UPDATE rounds SET status = ?, opening_price = ?, commitment_hash = ?
        WHERE id = ? AND status = ?
    `, string(RoundOpen), openingPrice, commitmentHash, id, string(RoundUpcoming))
	if err != nil {
		return fmt.Errorf("open round: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("open round %s: %w", id, ErrRoundNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit open round: %w", err)
	}
	return nil
}

// RoundsReadyToOpen returns upcoming rounds whose open time has passed at the
// store clock.
func (s *Storage) RoundsReadyToOpen(ctx context.Context) ([]Round, error) {
	return s.queryRounds(ctx, `
        SELECT `+roundColumns+` FROM rounds
        WHERE status = 'upcoming' AND open_at <= CAST(strftime('%s','now') AS INTEGER)
        ORDER BY open_at ASC
    `)
}

// RoundsReadyToLock returns open rounds whose lock time has passed.
func (s *Storage) RoundsReadyToLock(ctx context.Context) ([]Round, error) {
	return s.queryRounds(ctx, `
        SELECT `+roundColumns+` FROM rounds
        WHERE status = 'open' AND lock_at <= CAST(strftime('%s','now') AS INTEGER)
        ORDER BY lock_at ASC
    `)
}

// RoundsReadyToResolve returns locked rounds whose close time has passed.
func (s *Storage) RoundsReadyToResolve(ctx context.Context) ([]Round, error) {
	return s.queryRounds(ctx, `
        SELECT `+roundColumns+` FROM rounds
        WHERE status = 'locked' AND close_at <= CAST(strftime('%s','now') AS INTEGER)
        ORDER BY close_at ASC
    `)
}

// StaleResolvingRounds returns resolving rounds whose close time is more than
// cutoffSecs in the past at the store clock. These are abandoned by a dead
// worker and must be cancelled and refunded.
func (s *Storage) StaleResolvingRounds(ctx context.Context, cutoffSecs int64) ([]Round, error) {
	return s.queryRounds(ctx, `
        SELECT `+roundColumns+` FROM rounds
        WHERE status = 'resolving'
          AND close_at <= CAST(strftime('%s','now') AS INTEGER) - ?
        ORDER BY close_at ASC
    `, cutoffSecs)
}

// UpcomingCount counts rounds still accepting a future open for the pair and
// duration, i.e. status in {upcoming, open}.
func (s *Storage) UpcomingCount(ctx context.Context, pair string, duration int) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM rounds
        WHERE pair = ? AND duration = ? AND status IN ('upcoming','open')
    `, pair, duration).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count upcoming rounds: %w", err)
	}
	return count, nil
}

// LastCloseAt returns the latest close time across non-terminal rounds for
// the pair and duration; ok is false when none exist.
func (s *Storage) LastCloseAt(ctx context.Context, pair string, duration int) (int64, bool, error) {
	if s == nil {
		return 0, false, fmt.Errorf("storage not configured")
	}
	var closeAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
        SELECT MAX(close_at) FROM rounds
        WHERE pair = ? AND duration = ? AND status IN ('upcoming','open','locked','resolving')
    `, pair, duration).Scan(&closeAt)
	if err != nil {
		return 0, false, fmt.Errorf("query last close: %w", err)
	}
	if !closeAt.Valid {
		return 0, false, nil
	}
	return closeAt.Int64, true, nil
}

// ActiveRounds lists non-terminal rounds, optionally filtered by pair and
// duration (zero values disable the filter).
func (s *Storage) ActiveRounds(ctx context.Context, pair string, duration int) ([]Round, error) {
	query := `SELECT ` + roundColumns + ` FROM rounds WHERE status IN ('upcoming','open','locked','resolving')`
	args := []any{}
	if strings.TrimSpace(pair) != "" {
		query += ` AND pair = ?`
		args = append(args, pair)
	}
	if duration > 0 {
		query += ` AND duration = ?`
		args = append(args, duration)
	}
	query += ` ORDER BY open_at ASC`
	return s.queryRounds(ctx, query, args...)
}

// RoundsByStatus lists rounds with the given status, newest first.
func (s *Storage) RoundsByStatus(ctx context.Context, status RoundStatus, limit int) ([]Round, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryRounds(ctx, `
        SELECT `+roundColumns+` FROM rounds WHERE status = ?
        ORDER BY close_at DESC LIMIT ?
    `, string(status), limit)
}

// RecentResolved returns the n most recently resolved rounds.
func (s *Storage) RecentResolved(ctx context.Context, n int) ([]Round, error) {
	if n <= 0 {
		n = 20
	}
	return s.queryRounds(ctx, `
        SELECT `+roundColumns+` FROM rounds WHERE status = 'resolved'
        ORDER BY resolved_at DESC LIMIT ?
    `, n)
}

// HouseExposure sums house-side stakes across active entries of non-terminal
// rounds; roundID narrows the sum to one round when non-empty.
func (s *Storage) HouseExposure(ctx context.Context, roundID string) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("storage not configured")
	}
	query := `
        SELECT COALESCE(SUM(e.amount_qu), 0) FROM entries e
        JOIN rounds r ON r.id = e.round_id
        WHERE e.is_house = 1 AND e.status = 'active'
          AND r.status IN ('upcoming','open','locked','resolving')`
	args := []any{}
	if strings.TrimSpace(roundID) != "" {
		query += ` AND e.round_id = ?`
		args = append(args, roundID)
	}
	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("query house exposure: %w", err)
	}
	return total, nil
}

func (s *Storage) queryRounds(ctx context.Context, query string, args ...any) ([]Round, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rounds: %w", err)
	}
	defer rows.Close()
	rounds := make([]Round, 0)
	for rows.Next() {
		round, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		rounds = append(rounds, round)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rounds: %w", err)
	}
	return rounds, nil
}
