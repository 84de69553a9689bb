package pricefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"qflash/attest"
)

type stubSource struct {
	name  string
	price float64
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, pair string) (float64, error) {
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	return s.price, nil
}

func testFeed(t *testing.T, sources []Source, opts ...Option) *Feed {
	t.Helper()
	feed, err := New(Config{MinSources: 2, CacheTTL: 5 * time.Second, Key: []byte("test-key")}, sources, opts...)
	if err != nil {
		t.Fatalf("new feed: %v", err)
	}
	return feed
}

func TestPriceMedianOddSources(t *testing.T) {
	feed := testFeed(t, []Source{
		&stubSource{name: "a", price: 100},
		&stubSource{name: "b", price: 102},
		&stubSource{name: "c", price: 101},
	})
	quote, err := feed.Price(context.Background(), "BTC/USDT", false)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Median != 101 {
		t.Fatalf("unexpected median: %f", quote.Median)
	}
	if len(quote.Sources) != 3 {
		t.Fatalf("unexpected source count: %d", len(quote.Sources))
	}
	if quote.AttestationHash == "" {
		t.Fatalf("expected attestation hash")
	}
}

func TestPriceMedianEvenSourcesAveragesMiddles(t *testing.T) {
	feed := testFeed(t, []Source{
		&stubSource{name: "a", price: 100},
		&stubSource{name: "b", price: 104},
		&stubSource{name: "c", price: 102},
		&stubSource{name: "d", price: 110},
	})
	quote, err := feed.Price(context.Background(), "BTC/USDT", false)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if quote.Median != 103 {
		t.Fatalf("unexpected median: %f", quote.Median)
	}
}

func TestPriceUnavailableBelowMinimum(t *testing.T) {
	feed := testFeed(t, []Source{
		&stubSource{name: "a", price: 100},
		&stubSource{name: "b", err: errors.New("timeout")},
	})
	if _, err := feed.Price(context.Background(), "BTC/USDT", false); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestPriceCacheAndForceFresh(t *testing.T) {
	a := &stubSource{name: "a", price: 100}
	b := &stubSource{name: "b", price: 102}
	clock := time.Unix(1_700_000_000, 0)
	feed := testFeed(t, []Source{a, b}, WithClock(func() time.Time { return clock }))

	if _, err := feed.Price(context.Background(), "BTC/USDT", false); err != nil {
		t.Fatalf("first price: %v", err)
	}
	if _, err := feed.Price(context.Background(), "BTC/USDT", false); err != nil {
		t.Fatalf("cached price: %v", err)
	}
	if a.calls != 1 {
		t.Fatalf("expected cached second read, source called %d times", a.calls)
	}
	if _, err := feed.Price(context.Background(), "BTC/USDT", true); err != nil {
		t.Fatalf("forced price: %v", err)
	}
	if a.calls != 2 {
		t.Fatalf("expected forced fetch, source called %d times", a.calls)
	}
}

func TestInvalidateDropsCachedQuote(t *testing.T) {
	a := &stubSource{name: "a", price: 100}
	b := &stubSource{name: "b", price: 102}
	feed := testFeed(t, []Source{a, b})
	if _, err := feed.Price(context.Background(), "ETH/USDT", false); err != nil {
		t.Fatalf("price: %v", err)
	}
	feed.Invalidate("ETH/USDT")
	if _, err := feed.Price(context.Background(), "ETH/USDT", false); err != nil {
		t.Fatalf("price after invalidate: %v", err)
	}
	if a.calls != 2 {
		t.Fatalf("expected fresh fetch after invalidate, got %d calls", a.calls)
	}
}

func TestAttestationHashVerifiable(t *testing.T) {
	key := []byte("test-key")
	feed := testFeed(t, []Source{
		&stubSource{name: "a", price: 100},
		&stubSource{name: "b", price: 102},
	})
	quote, err := feed.Price(context.Background(), "SOL/USDT", false)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	ok := attest.Verify(key, map[string]any{
		"pair":        quote.Pair,
		"medianPrice": quote.Median,
		"sources":     quote.Sources,
		"fetchedAt":   quote.FetchedAt.UTC().Unix(),
	}, quote.AttestationHash)
	if !ok {
		t.Fatalf("attestation did not verify")
	}
}

func TestHistoryRing(t *testing.T) {
	feed := testFeed(t, []Source{
		&stubSource{name: "a", price: 100},
		&stubSource{name: "b", price: 102},
	})
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < 5; i++ {
		feed.RecordTick("BTC/USDT", float64(100+i), base.Add(time.Duration(i)*time.Second))
	}
	points := feed.History("BTC/USDT", 3)
	if len(points) != 3 {
		t.Fatalf("unexpected history length: %d", len(points))
	}
	if points[0].Price != 102 || points[2].Price != 104 {
		t.Fatalf("unexpected history window: %+v", points)
	}
}
