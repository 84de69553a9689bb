package house

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"qflash/config"
	"qflash/storage"
)

var testDBCounter atomic.Int64

func openTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	name := fmt.Sprintf("house_test_%d", testDBCounter.Add(1))
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestBank(t *testing.T, store *storage.Storage, cfg config.HouseConfig) *Bank {
	t.Helper()
	bank, err := NewBank(store, cfg)
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	if err := bank.EnsureFunded(context.Background()); err != nil {
		t.Fatalf("fund bank: %v", err)
	}
	return bank
}

func seedRound(t *testing.T, store *storage.Storage, id string) storage.Round {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	round := storage.Round{
		ID: id, Pair: "BTC/USDT", Duration: 60,
		OpenAt: now - 5, LockAt: now + 50, CloseAt: now + 55,
	}
	if err := store.CreateRound(ctx, round); err != nil {
		t.Fatalf("create round: %v", err)
	}
	err := store.OpenRound(ctx, id, 100, "commit", storage.PriceSnapshot{
		Pair: round.Pair, MedianPrice: 100, SourcesJSON: `[]`, AttestationHash: "h",
	})
	if err != nil {
		t.Fatalf("open round: %v", err)
	}
	loaded, err := store.GetRound(ctx, id)
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	return loaded
}

func TestEnsureFundedIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	bank := newTestBank(t, store, config.HouseConfig{Enabled: true, InitialBalanceQU: 5_000_000})
	if err := bank.EnsureFunded(context.Background()); err != nil {
		t.Fatalf("second fund: %v", err)
	}
	balance, err := bank.Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 5_000_000 {
		t.Fatalf("restart must not double-fund: %d", balance)
	}
}

func TestMatchBetPlacesOppositeEntry(t *testing.T) {
	store := openTestStore(t)
	bank := newTestBank(t, store, config.HouseConfig{
		Enabled: true, InitialBalanceQU: 1_000_000, MatchRatio: 1.0,
	})
	round := seedRound(t, store, "r-match")

	result, err := bank.MatchBet(context.Background(), round.ID, storage.SideUp, 100_000)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !result.Matched || result.EntryID == "" {
		t.Fatalf("expected match, got %+v", result)
	}
	entries, _ := store.EntriesForRound(context.Background(), round.ID)
	if len(entries) != 1 || entries[0].Side != storage.SideDown || !entries[0].IsHouse {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	if entries[0].AmountQU != 100_000 {
		t.Fatalf("unexpected match amount: %d", entries[0].AmountQU)
	}
	balance, _ := bank.Balance(context.Background())
	if balance != 900_000 {
		t.Fatalf("match must debit the bank: %d", balance)
	}
}

func TestMatchBetHonoursRatio(t *testing.T) {
	store := openTestStore(t)
	bank := newTestBank(t, store, config.HouseConfig{
		Enabled: true, InitialBalanceQU: 1_000_000, MatchRatio: 0.5,
	})
	round := seedRound(t, store, "r-ratio")
	result, err := bank.MatchBet(context.Background(), round.ID, storage.SideDown, 100_000)
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if !result.Matched {
		t.Fatalf("expected match, got %+v", result)
	}
	entries, _ := store.EntriesForRound(context.Background(), round.ID)
	if entries[0].AmountQU != 50_000 || entries[0].Side != storage.SideUp {
		t.Fatalf("unexpected entry: %+v", entries[0])
	}
}

func TestMatchBetRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		store := openTestStore(t)
		bank := newTestBank(t, store, config.HouseConfig{Enabled: false})
		round := seedRound(t, store, "r-off")
		result, err := bank.MatchBet(ctx, round.ID, storage.SideUp, 10_000)
		if err != nil || result.Matched || result.Reason != ReasonDisabled {
			t.Fatalf("unexpected result: %+v err=%v", result, err)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		store := openTestStore(t)
		bank := newTestBank(t, store, config.HouseConfig{Enabled: true, InitialBalanceQU: 5_000})
		round := seedRound(t, store, "r-poor")
		result, err := bank.MatchBet(ctx, round.ID, storage.SideUp, 10_000)
		if err != nil || result.Matched || result.Reason != ReasonInsufficientBalance {
			t.Fatalf("unexpected result: %+v err=%v", result, err)
		}
	})

	t.Run("round exposure cap", func(t *testing.T) {
		store := openTestStore(t)
		bank := newTestBank(t, store, config.HouseConfig{
			Enabled: true, InitialBalanceQU: 1_000_000, MaxExposurePerRound: 150_000,
		})
		round := seedRound(t, store, "r-cap")
		if result, _ := bank.MatchBet(ctx, round.ID, storage.SideUp, 100_000); !result.Matched {
			t.Fatalf("first match should fit: %+v", result)
		}
		result, err := bank.MatchBet(ctx, round.ID, storage.SideUp, 100_000)
		if err != nil || result.Matched || result.Reason != ReasonRoundExposureCap {
			t.Fatalf("unexpected result: %+v err=%v", result, err)
		}
	})

	t.Run("total exposure cap", func(t *testing.T) {
		store := openTestStore(t)
		bank := newTestBank(t, store, config.HouseConfig{
			Enabled: true, InitialBalanceQU: 1_000_000, MaxTotalExposure: 150_000,
		})
		first := seedRound(t, store, "r-total-1")
		second := seedRound(t, store, "r-total-2")
		if result, _ := bank.MatchBet(ctx, first.ID, storage.SideUp, 100_000); !result.Matched {
			t.Fatalf("first match should fit: %+v", result)
		}
		result, err := bank.MatchBet(ctx, second.ID, storage.SideUp, 100_000)
		if err != nil || result.Matched || result.Reason != ReasonTotalExposureCap {
			t.Fatalf("unexpected result: %+v err=%v", result, err)
		}
	})
}
