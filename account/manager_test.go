package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"qflash/config"
	"qflash/house"
	"qflash/storage"
)

var testDBCounter atomic.Int64

func openTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	name := fmt.Sprintf("account_test_%d", testDBCounter.Add(1))
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testBetting() config.BettingConfig {
	return config.BettingConfig{MinBetQU: 10_000, MaxBetQU: 10_000_000, MaxBetsPerMinute: 10}
}

func newTestManager(t *testing.T, store *storage.Storage, opts ...Option) *Manager {
	t.Helper()
	manager, err := NewManager(store, testBetting(), opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return manager
}

func testAddress(seed byte) string {
	return strings.Repeat(string(rune('A'+seed%26)), 60)
}

func seedOpenRound(t *testing.T, store *storage.Storage, id string) storage.Round {
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

func fundAccount(t *testing.T, manager *Manager, address string, amount int64) {
	t.Helper()
	hash := strings.ToLower(strings.Repeat(string(address[0]|0x20), 40))
	if _, err := manager.CreditDeposit(context.Background(), address, amount, hash); err != nil {
		t.Fatalf("fund account: %v", err)
	}
}

func TestEnsureAccountIdempotentKeepsToken(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	ctx := context.Background()
	addr := testAddress(0)

	first, err := manager.EnsureAccount(ctx, addr)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.AuthToken == "" {
		t.Fatalf("expected minted token")
	}
	second, err := manager.EnsureAccount(ctx, addr)
	if err != nil {
		t.Fatalf("re-ensure: %v", err)
	}
	if second.AuthToken != first.AuthToken {
		t.Fatalf("token must survive re-ensure")
	}
}

func TestEnsureAccountRejectsMalformedAddress(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	if _, err := manager.EnsureAccount(context.Background(), "not-an-identity"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestAuthenticate(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	ctx := context.Background()
	addr := testAddress(1)
	created, err := manager.EnsureAccount(ctx, addr)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	account, err := manager.Authenticate(ctx, "Bearer "+created.AuthToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if account.Address != addr {
		t.Fatalf("unexpected account: %s", account.Address)
	}
	if _, err := manager.Authenticate(ctx, "Bearer bogus"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := manager.Authenticate(ctx, created.AuthToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("missing scheme must be unauthorized, got %v", err)
	}
}

func TestRotateTokenInvalidatesOld(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	ctx := context.Background()
	addr := testAddress(2)
	created, _ := manager.EnsureAccount(ctx, addr)

	fresh, err := manager.RotateToken(ctx, addr)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if fresh == created.AuthToken {
		t.Fatalf("rotation must mint a new token")
	}
	if _, err := manager.Authenticate(ctx, "Bearer "+created.AuthToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("old token must stop working, got %v", err)
	}
	if _, err := manager.Authenticate(ctx, "Bearer "+fresh); err != nil {
		t.Fatalf("new token must work: %v", err)
	}
}

type stubChain struct {
	active bool
	err    error
	calls  int
}

func (s *stubChain) HasActivity(ctx context.Context, address string) (bool, error) {
	s.calls++
	return s.active, s.err
}

func TestCreditDepositChainCheckIsAdvisory(t *testing.T) {
	store := openTestStore(t)
	chain := &stubChain{err: errors.New("gateway down")}
	manager := newTestManager(t, store, WithChain(chain))
	ctx := context.Background()
	addr := testAddress(3)

	tx, err := manager.CreditDeposit(ctx, addr, 500_000, strings.Repeat("ab", 20))
	if err != nil {
		t.Fatalf("deposit must survive chain failure: %v", err)
	}
	if tx.AmountQU != 500_000 || chain.calls != 1 {
		t.Fatalf("unexpected tx %+v calls=%d", tx, chain.calls)
	}
	account, _ := manager.GetAccount(ctx, addr)
	if account.BalanceQU != 500_000 {
		t.Fatalf("unexpected balance: %d", account.BalanceQU)
	}
}

func TestCreditDepositValidation(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	ctx := context.Background()

	if _, err := manager.CreditDeposit(ctx, "short", 500_000, strings.Repeat("ab", 20)); err == nil {
		t.Fatalf("expected address validation error")
	}
	if _, err := manager.CreditDeposit(ctx, testAddress(4), 500_000, "UPPER-HASH"); err == nil {
		t.Fatalf("expected tx hash validation error")
	}
	hash := strings.Repeat("cd", 20)
	if _, err := manager.CreditDeposit(ctx, testAddress(4), 500_000, hash); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := manager.CreditDeposit(ctx, testAddress(4), 500_000, hash); !errors.Is(err, storage.ErrDuplicateDepositHash) {
		t.Fatalf("expected ErrDuplicateDepositHash, got %v", err)
	}
}

func TestPlaceWagerBounds(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	ctx := context.Background()
	addr := testAddress(5)
	fundAccount(t, manager, addr, 100_000_000)
	round := seedOpenRound(t, store, "r-bounds")

	if _, _, err := manager.PlaceWager(ctx, addr, round.ID, storage.SideUp, 5_000); !errors.Is(err, ErrBetTooSmall) {
		t.Fatalf("expected ErrBetTooSmall, got %v", err)
	}
	if _, _, err := manager.PlaceWager(ctx, addr, round.ID, storage.SideUp, 20_000_000); !errors.Is(err, ErrBetTooLarge) {
		t.Fatalf("expected ErrBetTooLarge, got %v", err)
	}
	if _, _, err := manager.PlaceWager(ctx, addr, round.ID, storage.Side("sideways"), 20_000); !errors.Is(err, ErrInvalidSide) {
		t.Fatalf("expected ErrInvalidSide, got %v", err)
	}
	entry, newBalance, err := manager.PlaceWager(ctx, addr, round.ID, storage.SideUp, 20_000)
	if err != nil {
		t.Fatalf("wager: %v", err)
	}
	if entry.AmountQU != 20_000 || newBalance != 99_980_000 {
		t.Fatalf("unexpected result: %+v balance=%d", entry, newBalance)
	}
}

func TestPlaceWagerRateLimit(t *testing.T) {
	store := openTestStore(t)
	manager, err := NewManager(store, config.BettingConfig{
		MinBetQU: 10_000, MaxBetQU: 10_000_000, MaxBetsPerMinute: 2,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	ctx := context.Background()
	addr := testAddress(6)
	fundAccount(t, manager, addr, 10_000_000)

	for i := 0; i < 2; i++ {
		round := seedOpenRound(t, store, fmt.Sprintf("r-rl-%d", i))
		if _, _, err := manager.PlaceWager(ctx, addr, round.ID, storage.SideUp, 10_000); err != nil {
			t.Fatalf("wager %d: %v", i, err)
		}
	}
	round := seedOpenRound(t, store, "r-rl-final")
	if _, _, err := manager.PlaceWager(ctx, addr, round.ID, storage.SideUp, 10_000); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestPlaceWagerTriggersHouseMatch(t *testing.T) {
	store := openTestStore(t)
	bank, err := house.NewBank(store, config.HouseConfig{
		Enabled: true, InitialBalanceQU: 1_000_000, MatchRatio: 1.0,
	})
	if err != nil {
		t.Fatalf("new bank: %v", err)
	}
	if err := bank.EnsureFunded(context.Background()); err != nil {
		t.Fatalf("fund bank: %v", err)
	}
	manager := newTestManager(t, store, WithHouse(bank))
	ctx := context.Background()
	addr := testAddress(7)
	fundAccount(t, manager, addr, 1_000_000)
	round := seedOpenRound(t, store, "r-housed")

	if _, _, err := manager.PlaceWager(ctx, addr, round.ID, storage.SideUp, 100_000); err != nil {
		t.Fatalf("wager: %v", err)
	}
	entries, _ := store.EntriesForRound(ctx, round.ID)
	if len(entries) != 2 {
		t.Fatalf("expected user + house entries, got %+v", entries)
	}
	var houseSeen bool
	for _, entry := range entries {
		if entry.IsHouse {
			houseSeen = true
			if entry.Side != storage.SideDown || entry.AmountQU != 100_000 {
				t.Fatalf("unexpected house entry: %+v", entry)
			}
		}
	}
	if !houseSeen {
		t.Fatalf("house entry missing")
	}
}

func TestRequestWithdrawalValidatesDestination(t *testing.T) {
	store := openTestStore(t)
	manager := newTestManager(t, store)
	ctx := context.Background()
	addr := testAddress(8)
	fundAccount(t, manager, addr, 1_000_000)

	if _, err := manager.RequestWithdrawal(ctx, addr, "bogus", 100_000); err == nil {
		t.Fatalf("expected destination validation error")
	}
	tx, err := manager.RequestWithdrawal(ctx, addr, testAddress(9), 100_000)
	if err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	if tx.Status != storage.TxPending || tx.Destination != testAddress(9) {
		t.Fatalf("unexpected tx: %+v", tx)
	}
	account, _ := manager.GetAccount(ctx, addr)
	if account.BalanceQU != 900_000 {
		t.Fatalf("unexpected balance: %d", account.BalanceQU)
	}
}
