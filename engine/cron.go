package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"qflash/storage"
)

// cronLockName is the store-backed single-writer lock. A process-local guard
// is not enough because several qflashd instances may share one database.
const cronLockName = "qflash_cron"

// PhaseResult reports one cron phase.
type PhaseResult struct {
	Phase string `json:"phase"`
	Count int    `json:"count"`
	Error string `json:"error,omitempty"`
}

// CycleResult summarises one cron cycle.
type CycleResult struct {
	Acquired bool          `json:"acquired"`
	Phases   []PhaseResult `json:"phases,omitempty"`
	Started  time.Time     `json:"started"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Errored reports whether any phase failed.
func (r CycleResult) Errored() bool {
	for _, phase := range r.Phases {
		if phase.Error != "" {
			return true
		}
	}
	return false
}

type cron struct {
	owner  string
	stop   chan struct{}
	done   chan struct{}
	stopMu sync.Once
}

// Start launches the cron loop. Calling Start on a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	if e.cron != nil {
		return
	}
	c := &cron{
		owner: uuid.NewString(),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	e.cron = c
	interval := e.cfg.Cron.Interval.Duration
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		e.runCycleLogged(ctx, c.owner)
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				e.runCycleLogged(ctx, c.owner)
			}
		}
	}()
	e.log.Info("cron started", "interval", interval.String(), "owner", c.owner)
}

// Stop halts the cron loop and waits for the in-flight cycle. Idempotent,
// including under concurrent callers.
func (e *Engine) Stop() {
	e.cronMu.Lock()
	defer e.cronMu.Unlock()
	c := e.cron
	if c == nil {
		return
	}
	c.stopMu.Do(func() { close(c.stop) })
	<-c.done
	e.cron = nil
	e.log.Info("cron stopped")
}

func (e *Engine) runCycleLogged(ctx context.Context, owner string) {
	result := e.RunCycle(ctx, owner)
	if !result.Acquired {
		return
	}
	if result.Errored() {
		e.log.Warn("cron cycle completed with errors", "elapsed", result.Elapsed.String())
		for _, phase := range result.Phases {
			if phase.Error != "" {
				e.log.Warn("cron phase failed", "phase", phase.Phase, "err", phase.Error)
			}
		}
	}
}

// RunCycle executes one full cron cycle under the store lock. Phases run in
// fixed order and a failing phase never skips the ones after it.
func (e *Engine) RunCycle(ctx context.Context, owner string) CycleResult {
	result := CycleResult{Started: e.now()}
	defer func() { result.Elapsed = time.Since(result.Started) }()

	lockTTL := e.cfg.Cron.LockTTL.Duration
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	acquired, err := e.store.AcquireLock(ctx, cronLockName, owner, lockTTL)
	if err != nil {
		result.Phases = append(result.Phases, PhaseResult{Phase: "acquire_lock", Error: err.Error()})
		e.metrics.PhaseError("acquire_lock")
		return result
	}
	if !acquired {
		return result
	}
	result.Acquired = true
	defer func() {
		if err := e.store.ReleaseLock(ctx, cronLockName, owner); err != nil {
			e.log.Warn("release cron lock failed", "err", err)
		}
	}()

	phases := []struct {
		name string
		run  func(context.Context) (int, error)
	}{
		{"house_init", e.houseInit},
		{"ensure_upcoming", e.ensureUpcomingRounds},
		{"open_ready", e.openReadyRounds},
		{"lock_ready", e.lockReadyRounds},
		{"resolve_ready", e.resolveReadyRounds},
		{"stale_recovery", e.handleStaleResolvingRounds},
		{"price_history", e.capturePriceHistory},
		{"platform_balance", e.checkPlatformBalance},
		{"pending_withdrawals", e.processPendingWithdrawals},
	}
	for _, phase := range phases {
		count, err := phase.run(ctx)
		entry := PhaseResult{Phase: phase.name, Count: count}
		if err != nil {
			entry.Error = err.Error()
			e.metrics.PhaseError(phase.name)
		}
		result.Phases = append(result.Phases, entry)
	}
	e.metrics.CycleCompleted()
	return result
}

// houseInit idempotently creates and seeds the house account.
func (e *Engine) houseInit(ctx context.Context) (int, error) {
	if e.bank == nil || !e.bank.Enabled() {
		return 0, nil
	}
	if err := e.bank.EnsureFunded(ctx); err != nil {
		return 0, err
	}
	balance, err := e.bank.Balance(ctx)
	if err != nil {
		return 0, err
	}
	e.metrics.HouseBalanceObserved(balance)
	return 1, nil
}

// capturePriceHistory records one chart tick per enabled pair. Best effort:
// a pair without quorum is skipped, not an error.
func (e *Engine) capturePriceHistory(ctx context.Context) (int, error) {
	recorded := 0
	for _, pair := range e.cfg.Pairs {
		quote, err := e.feed.Price(ctx, pair, false)
		if err != nil {
			continue
		}
		e.feed.RecordTick(pair, quote.Median, quote.FetchedAt)
		if err := e.store.RecordPricePoint(ctx, pair, quote.Median); err != nil {
			return recorded, fmt.Errorf("record price point %s: %w", pair, err)
		}
		recorded++
	}
	return recorded, nil
}

// checkPlatformBalance compares the ledger's house balance against the
// on-chain platform wallet and logs a drift warning. Advisory only.
func (e *Engine) checkPlatformBalance(ctx context.Context) (int, error) {
	if e.chain == nil || e.cfg.Chain.PlatformAddress == "" {
		return 0, nil
	}
	onChain, err := e.chain.Balance(ctx, e.cfg.Chain.PlatformAddress)
	if err != nil {
		e.log.Warn("platform balance check failed", "err", err)
		return 0, nil
	}
	account, err := e.store.GetAccount(ctx, storage.HouseAddress)
	if err != nil {
		return 0, nil
	}
	if onChain < account.BalanceQU {
		e.log.Warn("platform wallet below ledger house balance",
			"on_chain_qu", onChain, "ledger_qu", account.BalanceQU)
	}
	return 1, nil
}

// processPendingWithdrawals hands pending withdrawals to the external
// relayer: each pending row is marked broadcast_requested so the relayer
// picks it up exactly once. Broadcast itself happens out of process.
func (e *Engine) processPendingWithdrawals(ctx context.Context) (int, error) {
	pending, err := e.store.PendingWithdrawals(ctx)
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, tx := range pending {
		if err := e.store.MarkTransactionStatus(ctx, tx.ID, storage.TxBroadcastRequested, ""); err != nil {
			e.log.Error("mark withdrawal for broadcast", "id", tx.ID, "err", err)
			continue
		}
		marked++
	}
	if marked > 0 {
		e.log.Info("withdrawals handed to relayer", "count", marked)
	}
	return marked, nil
}
