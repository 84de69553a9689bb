package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EntrySettlement is the terminal decision for one entry.
type EntrySettlement struct {
	EntryID  string
	Address  string
	IsHouse  bool
	Side     Side
	AmountQU int64
	Status   EntryStatus
	PayoutQU int64
}

// SettlementPlan is the full outcome of one round, computed by the
// settlement engine and applied here in a single transaction.
type SettlementPlan struct {
	RoundID         string
	Outcome         Outcome
	ClosingPrice    float64
	PlatformFeeQU   int64
	ClosingSnapshot PriceSnapshot
	Entries         []EntrySettlement
}

// ApplySettlement writes the round's terminal state, the per-entry payouts,
// the account credits, and the house ledger rows in one transaction. Entries
// that are no longer active are skipped, which makes a retried settlement a
// no-op for rows a prior attempt already finalised.
func (s *Storage) ApplySettlement(ctx context.Context, plan SettlementPlan) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO price_snapshots(round_id, kind, pair, median_price, sources, attestation_hash)
        VALUES(?, ?, ?, ?, ?, ?)
        ON CONFLICT(round_id, kind) DO NOTHING
    `, plan.RoundID, string(SnapshotClosing), plan.ClosingSnapshot.Pair,
		plan.ClosingSnapshot.MedianPrice, plan.ClosingSnapshot.SourcesJSON,
		plan.ClosingSnapshot.AttestationHash); err != nil {
		return fmt.Errorf("insert closing snapshot: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
        UPDATE rounds SET status = 'resolved', closing_price = ?, outcome = ?,
            platform_fee_qu = ?, resolved_at = CAST(strftime('%s','now') AS INTEGER)
        WHERE id = ? AND status = 'resolving'
    `, plan.ClosingPrice, string(plan.Outcome), plan.PlatformFeeQU, plan.RoundID)
	if err != nil {
		return fmt.Errorf("resolve round: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("round %s: %w", plan.RoundID, ErrRoundNotResolving)
	}

	for _, settlement := range plan.Entries {
		applied, err := finaliseEntry(ctx, tx, settlement)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		if err := creditSettlement(ctx, tx, plan.RoundID, settlement); err != nil {
			return err
		}
	}

	if plan.PlatformFeeQU > 0 {
		// Fees accrue to the platform account even when the house bank never
		// funded it, so the row may not exist yet.
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO accounts(address, auth_token) VALUES(?, ?)
            ON CONFLICT(address) DO NOTHING
        `, HouseAddress, uuid.NewString()); err != nil {
			return fmt.Errorf("ensure platform account: %w", err)
		}
		houseBalance, err := creditAccount(ctx, tx, HouseAddress, plan.PlatformFeeQU, "total_won", 0)
		if err != nil {
			return fmt.Errorf("credit platform fee: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
            INSERT INTO house_ledger(round_id, kind, amount_qu, balance_after_qu)
            VALUES(?, ?, ?, ?)
        `, plan.RoundID, string(LedgerFeeIncome), plan.PlatformFeeQU, houseBalance); err != nil {
			return fmt.Errorf("append fee ledger: %w", err)
		}
		if err := insertTransaction(ctx, tx, Transaction{
			ID:       uuid.NewString(),
			Address:  HouseAddress,
			Kind:     TxPlatformFee,
			AmountQU: plan.PlatformFeeQU,
			RoundID:  plan.RoundID,
			Status:   TxConfirmed,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}

// CancelRoundWithRefunds moves a round to cancelled and refunds every entry
// still active, all in one transaction. Cancelling an already-terminal round
// is a no-op.
func (s *Storage) CancelRoundWithRefunds(ctx context.Context, roundID string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        UPDATE rounds SET status = 'cancelled', resolved_at = CAST(strftime('%s','now') AS INTEGER)
        WHERE id = ? AND status IN ('upcoming','open','locked','resolving')
    `, roundID)
	if err != nil {
		return fmt.Errorf("cancel round: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `
        SELECT `+entryColumns+` FROM entries WHERE round_id = ? AND status = 'active'
    `, roundID)
	if err != nil {
		return fmt.Errorf("query active entries: %w", err)
	}
	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			rows.Close()
			return fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate entries: %w", err)
	}
	rows.Close()

	for _, entry := range entries {
		settlement := EntrySettlement{
			EntryID:  entry.ID,
			Address:  entry.UserAddress,
			IsHouse:  entry.IsHouse,
			Side:     entry.Side,
			AmountQU: entry.AmountQU,
			Status:   EntryRefunded,
			PayoutQU: entry.AmountQU,
		}
		applied, err := finaliseEntry(ctx, tx, settlement)
		if err != nil {
			return err
		}
		if !applied {
			continue
		}
		if err := creditSettlement(ctx, tx, roundID, settlement); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit cancel: %w", err)
	}
	return nil
}

// finaliseEntry flips an entry from active to its terminal status. It
// reports false when the entry was already terminal.
func finaliseEntry(ctx context.Context, tx *sql.Tx, settlement EntrySettlement) (bool, error) {
	result, err := tx.ExecContext(ctx, `
        UPDATE entries SET status = ?, payout_qu = ?
        WHERE id = ? AND status = 'active'
    `, string(settlement.Status), settlement.PayoutQU, settlement.EntryID)
	if err != nil {
		return false, fmt.Errorf("finalise entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// creditSettlement applies the balance, counter, and streak effects of one
// finalised entry and writes the audit rows.
func creditSettlement(ctx context.Context, tx *sql.Tx, roundID string, settlement EntrySettlement) error {
	switch settlement.Status {
	case EntryWon:
		balanceAfter, err := creditAccount(ctx, tx, settlement.Address, settlement.PayoutQU, "total_won", +1)
		if err != nil {
			return err
		}
		if settlement.IsHouse {
			if err := appendHouseLedger(ctx, tx, roundID, settlement.EntryID, LedgerWin, settlement.PayoutQU, balanceAfter); err != nil {
				return err
			}
		}
		return insertTransaction(ctx, tx, Transaction{
			ID:       uuid.NewString(),
			Address:  settlement.Address,
			Kind:     TxPayout,
			AmountQU: settlement.PayoutQU,
			RoundID:  roundID,
			Status:   TxConfirmed,
		})
	case EntryLost:
		// The stake was debited at wager time: no balance motion, the
		// amount just reclassifies from wagered to lost.
		var balanceAfter int64
		err := tx.QueryRowContext(ctx, `
            UPDATE accounts SET
                total_wagered = total_wagered - ?,
                total_lost = total_lost + ?,
                losses = losses + 1,
                current_streak = MIN(current_streak, 0) - 1
            WHERE address = ?
            RETURNING balance_qu
        `, settlement.AmountQU, settlement.AmountQU, settlement.Address).Scan(&balanceAfter)
		if err != nil {
			return fmt.Errorf("record loss: %w", err)
		}
		if settlement.IsHouse {
			return appendHouseLedger(ctx, tx, roundID, settlement.EntryID, LedgerLoss, settlement.AmountQU, balanceAfter)
		}
		return nil
	case EntryPush, EntryRefunded:
		pushColumn := ""
		if settlement.Status == EntryPush {
			pushColumn = "pushes = pushes + 1,"
		}
		var balanceAfter int64
		err := tx.QueryRowContext(ctx, `
            UPDATE accounts SET
                `+pushColumn+`
                balance_qu = balance_qu + ?,
                total_refunded = total_refunded + ?
            WHERE address = ?
            RETURNING balance_qu
        `, settlement.PayoutQU, settlement.PayoutQU, settlement.Address).Scan(&balanceAfter)
		if err != nil {
			return fmt.Errorf("credit refund: %w", err)
		}
		if settlement.IsHouse {
			if err := appendHouseLedger(ctx, tx, roundID, settlement.EntryID, LedgerRefund, settlement.PayoutQU, balanceAfter); err != nil {
				return err
			}
		}
		return insertTransaction(ctx, tx, Transaction{
			ID:       uuid.NewString(),
			Address:  settlement.Address,
			Kind:     TxRefund,
			AmountQU: settlement.PayoutQU,
			RoundID:  roundID,
			Status:   TxConfirmed,
		})
	default:
		return fmt.Errorf("storage: unexpected settlement status %q", settlement.Status)
	}
}

// creditAccount adds amount to the balance and the named cumulative counter.
// streakDelta +1 records a win (streak and best-streak update); 0 leaves the
// win/loss statistics alone.
func creditAccount(ctx context.Context, tx *sql.Tx, address string, amount int64, counter string, streakDelta int) (int64, error) {
	switch counter {
	case "total_won", "total_refunded", "total_deposited":
	default:
		return 0, fmt.Errorf("storage: unexpected counter %q", counter)
	}
	var balanceAfter int64
	query := `
        UPDATE accounts SET
            balance_qu = balance_qu + ?,
            ` + counter + ` = ` + counter + ` + ?`
	if streakDelta > 0 {
		query += `,
            wins = wins + 1,
            current_streak = MAX(current_streak, 0) + 1,
            best_streak = MAX(best_streak, MAX(current_streak, 0) + 1)`
	}
	query += `
        WHERE address = ?
        RETURNING balance_qu`
	err := tx.QueryRowContext(ctx, query, amount, amount, address).Scan(&balanceAfter)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("credit account: %w", err)
	}
	return balanceAfter, nil
}

func appendHouseLedger(ctx context.Context, tx *sql.Tx, roundID, entryID string, kind LedgerKind, amount, balanceAfter int64) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO house_ledger(round_id, entry_id, kind, amount_qu, balance_after_qu)
        VALUES(?, ?, ?, ?, ?)
    `, roundID, entryID, string(kind), amount, balanceAfter); err != nil {
		return fmt.Errorf("append house ledger: %w", err)
	}
	return nil
}
