package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"qflash/account"
	"qflash/attest"
	"qflash/config"
	"qflash/pricefeed"
	"qflash/storage"
)

var testDBCounter atomic.Int64

type stubSource struct {
	name  string
	price float64
	fail  bool
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, pair string) (float64, error) {
	if s.fail {
		return 0, fmt.Errorf("stub down")
	}
	return s.price, nil
}

type fixture struct {
	store   *storage.Storage
	manager *account.Manager
	server  *Server
	sources []*stubSource
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	name := fmt.Sprintf("server_test_%d", testDBCounter.Add(1))
	store, err := storage.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	sources := []*stubSource{{name: "alpha", price: 100}, {name: "beta", price: 102}}
	feedSources := make([]pricefeed.Source, len(sources))
	for i, src := range sources {
		feedSources[i] = src
	}
	feed, err := pricefeed.New(pricefeed.Config{
		MinSources: 2, CacheTTL: time.Millisecond, Key: []byte("server-test-key"),
	}, feedSources)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}

	manager, err := account.NewManager(store, config.BettingConfig{
		MinBetQU: 10_000, MaxBetQU: 10_000_000, MaxBetsPerMinute: 10,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	srv, err := New(Config{Store: store, Accounts: manager, Feed: feed})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{store: store, manager: manager, server: srv, sources: sources}
}

func (f *fixture) request(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func (f *fixture) user(t *testing.T, seed byte, balance int64) (string, string) {
	t.Helper()
	address := strings.Repeat(string(rune('A'+seed%26)), 60)
	created, err := f.manager.EnsureAccount(context.Background(), address)
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if balance > 0 {
		hash := strings.ToLower(strings.Repeat(string(rune('a'+seed%26)), 40))
		if _, err := f.manager.CreditDeposit(context.Background(), address, balance, hash); err != nil {
			t.Fatalf("fund: %v", err)
		}
	}
	return address, created.AuthToken
}

func (f *fixture) openRound(t *testing.T, id string) storage.Round {
	t.Helper()
	ctx := context.Background()
	now := time.Now().Unix()
	round := storage.Round{
		ID: id, Pair: "BTC/USDT", Duration: 60,
		OpenAt: now - 5, LockAt: now + 50, CloseAt: now + 55,
	}
	if err := f.store.CreateRound(ctx, round); err != nil {
		t.Fatalf("create round: %v", err)
	}
	err := f.store.OpenRound(ctx, id, 100, "commit", storage.PriceSnapshot{
		Pair: round.Pair, MedianPrice: 100, SourcesJSON: `[]`, AttestationHash: "h",
	})
	if err != nil {
		t.Fatalf("open round: %v", err)
	}
	loaded, _ := f.store.GetRound(ctx, id)
	return loaded
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response %q: %v", recorder.Body.String(), err)
	}
	return payload
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	recorder := f.request(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}

func TestPriceEndpoint(t *testing.T) {
	f := newFixture(t)
	recorder := f.request(t, http.MethodGet, "/price?pair=BTC/USDT", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["medianPrice"].(float64) != 101 {
		t.Fatalf("unexpected median: %v", payload["medianPrice"])
	}
	if payload["attestationHash"] == "" {
		t.Fatalf("attestation missing")
	}

	recorder = f.request(t, http.MethodGet, "/price", "", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("missing pair must 400, got %d", recorder.Code)
	}
}

func TestPriceAttestationRecomputableFromResponse(t *testing.T) {
	f := newFixture(t)
	recorder := f.request(t, http.MethodGet, "/price?pair=BTC/USDT", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	digest, _ := payload["attestationHash"].(string)
	if digest == "" {
		t.Fatalf("attestation missing")
	}
	// A consumer holding only the response body and the shared key must be
	// able to reproduce the digest.
	recomputed := map[string]any{
		"pair":        payload["pair"],
		"medianPrice": payload["medianPrice"],
		"sources":     payload["sources"],
		"fetchedAt":   payload["fetchedAt"],
	}
	if !attest.Verify([]byte("server-test-key"), recomputed, digest) {
		t.Fatalf("digest does not match response fields")
	}
}

func TestPriceUnavailableIs503(t *testing.T) {
	f := newFixture(t)
	for _, src := range f.sources {
		src.fail = true
	}
	recorder := f.request(t, http.MethodGet, "/price?pair=BTC/USDT", "", nil)
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", recorder.Code)
	}
}

func TestPriceHistoryQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := f.store.RecordPricePoint(ctx, "BTC/USDT", 100+float64(i)); err != nil {
			t.Fatalf("record point: %v", err)
		}
	}
	recorder := f.request(t, http.MethodGet, "/price?pair=BTC/USDT&history=2", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	history, ok := payload["history"].([]any)
	if !ok || len(history) != 2 {
		t.Fatalf("unexpected history: %v", payload["history"])
	}
}

func TestRoundEndpoints(t *testing.T) {
	f := newFixture(t)
	round := f.openRound(t, "r-api")

	recorder := f.request(t, http.MethodGet, "/rounds?pair=BTC/USDT", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["count"].(float64) != 1 {
		t.Fatalf("unexpected count: %v", payload["count"])
	}

	recorder = f.request(t, http.MethodGet, "/rounds/"+round.ID, "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload = decodeBody(t, recorder)
	if payload["round"].(map[string]any)["commitmentHash"] != "commit" {
		t.Fatalf("commitment missing: %v", payload["round"])
	}
	if len(payload["snapshots"].([]any)) != 1 {
		t.Fatalf("snapshots missing")
	}

	recorder = f.request(t, http.MethodGet, "/rounds/nope", "", nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRecentResolvedListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	round := f.openRound(t, "r-done")
	for _, step := range [][2]storage.RoundStatus{
		{storage.RoundOpen, storage.RoundLocked},
		{storage.RoundLocked, storage.RoundResolving},
	} {
		if ok, err := f.store.UpdateRoundStatusCAS(ctx, round.ID, step[0], step[1]); err != nil || !ok {
			t.Fatalf("cas %v: %v ok=%v", step, err, ok)
		}
	}
	plan := storage.SettlementPlan{
		RoundID: round.ID, Outcome: storage.OutcomePush, ClosingPrice: 101,
		ClosingSnapshot: storage.PriceSnapshot{
			Pair: round.Pair, MedianPrice: 101, SourcesJSON: "[]", AttestationHash: "a",
		},
	}
	if err := f.store.ApplySettlement(ctx, plan); err != nil {
		t.Fatalf("settle: %v", err)
	}

	recorder := f.request(t, http.MethodGet, "/rounds?recent=5", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	if payload["count"].(float64) != 1 {
		t.Fatalf("unexpected count: %v", payload["count"])
	}

	recorder = f.request(t, http.MethodGet, "/rounds?recent=abc", "", nil)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
}

func TestBetEndpoint(t *testing.T) {
	f := newFixture(t)
	round := f.openRound(t, "r-bet")
	_, token := f.user(t, 0, 1_000_000)

	recorder := f.request(t, http.MethodPost, "/bet", token, betRequest{
		RoundID: round.ID, Side: "up", AmountQU: 100_000,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	if payload["newBalance"].(float64) != 900_000 {
		t.Fatalf("unexpected balance: %v", payload["newBalance"])
	}

	// Second wager in the same round is a 400.
	recorder = f.request(t, http.MethodPost, "/bet", token, betRequest{
		RoundID: round.ID, Side: "down", AmountQU: 100_000,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("duplicate must 400, got %d", recorder.Code)
	}
}

func TestBetRequiresAuth(t *testing.T) {
	f := newFixture(t)
	round := f.openRound(t, "r-noauth")
	recorder := f.request(t, http.MethodPost, "/bet", "", betRequest{
		RoundID: round.ID, Side: "up", AmountQU: 100_000,
	})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestBetAddressMismatchIs403(t *testing.T) {
	f := newFixture(t)
	round := f.openRound(t, "r-mismatch")
	_, token := f.user(t, 1, 1_000_000)
	other := strings.Repeat("Z", 60)

	recorder := f.request(t, http.MethodPost, "/bet", token, betRequest{
		RoundID: round.ID, Side: "up", AmountQU: 100_000, Address: other,
	})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestBetValidationErrors(t *testing.T) {
	f := newFixture(t)
	round := f.openRound(t, "r-validate")
	_, token := f.user(t, 2, 1_000_000)

	recorder := f.request(t, http.MethodPost, "/bet", token, betRequest{
		RoundID: round.ID, Side: "up", AmountQU: 9_999,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("below-minimum must 400, got %d", recorder.Code)
	}
	recorder = f.request(t, http.MethodPost, "/bet", token, betRequest{
		RoundID: round.ID, Side: "sideways", AmountQU: 100_000,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("bad side must 400, got %d", recorder.Code)
	}
}

func TestAccountEndpoint(t *testing.T) {
	f := newFixture(t)
	address, token := f.user(t, 3, 500_000)

	recorder := f.request(t, http.MethodGet, "/account/"+address, token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	accountBody := payload["account"].(map[string]any)
	if accountBody["balanceQU"].(float64) != 500_000 {
		t.Fatalf("unexpected balance: %v", accountBody["balanceQU"])
	}
	if _, ok := accountBody["authToken"]; ok {
		t.Fatalf("auth token must never serialize")
	}
	if len(payload["recentTransactions"].([]any)) != 1 {
		t.Fatalf("expected deposit in recent transactions")
	}

	// Reading someone else's account is forbidden.
	other, _ := f.user(t, 4, 0)
	recorder = f.request(t, http.MethodGet, "/account/"+other, token, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}
}

func TestTokenRotationEndpoint(t *testing.T) {
	f := newFixture(t)
	address, token := f.user(t, 5, 0)

	recorder := f.request(t, http.MethodPost, "/account/"+address+"/token", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
	payload := decodeBody(t, recorder)
	fresh := payload["token"].(string)
	if fresh == "" || fresh == token {
		t.Fatalf("expected fresh token")
	}
	// The old token stops working.
	recorder = f.request(t, http.MethodGet, "/account/"+address, token, nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("old token must 401, got %d", recorder.Code)
	}
	recorder = f.request(t, http.MethodGet, "/account/"+address, fresh, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("new token must work, got %d", recorder.Code)
	}
}

func TestWithdrawalEndpoint(t *testing.T) {
	f := newFixture(t)
	_, token := f.user(t, 6, 1_000_000)
	destination := strings.Repeat("W", 60)

	recorder := f.request(t, http.MethodPost, "/withdrawal", token, withdrawalRequest{
		Destination: destination, AmountQU: 400_000,
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body=%s", recorder.Code, recorder.Body.String())
	}
	payload := decodeBody(t, recorder)
	tx := payload["transaction"].(map[string]any)
	if tx["status"] != "pending" || tx["destination"] != destination {
		t.Fatalf("unexpected transaction: %v", tx)
	}

	// Overdraw is a 400.
	recorder = f.request(t, http.MethodPost, "/withdrawal", token, withdrawalRequest{
		Destination: destination, AmountQU: 900_000,
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("overdraw must 400, got %d", recorder.Code)
	}
}

func TestMetricsEndpointExposed(t *testing.T) {
	f := newFixture(t)
	recorder := f.request(t, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}
