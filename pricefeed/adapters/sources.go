// Package adapters constructs pricefeed sources from configuration.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qflash/pricefeed"
)

// Registry builds oracle sources based on configuration.
type Registry struct {
	HTTPClient *http.Client
}

// NewRegistry builds a registry with sane defaults.
func NewRegistry() *Registry {
	return &Registry{HTTPClient: &http.Client{Timeout: 10 * time.Second}}
}

// Build creates a source from the supplied configuration.
func (r *Registry) Build(name, typ, endpoint, apiKey string, symbols map[string]string) (pricefeed.Source, error) {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case "binance":
		return newBinanceSource(r.client(), name, endpoint, symbols), nil
	case "kraken":
		return newKrakenSource(r.client(), name, endpoint, symbols), nil
	case "coingecko":
		return newCoinGeckoSource(r.client(), name, endpoint, apiKey, symbols), nil
	default:
		return nil, fmt.Errorf("unknown oracle type %q", typ)
	}
}

func (r *Registry) client() *http.Client {
	if r.HTTPClient != nil {
		return r.HTTPClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

type sourceAdapter struct {
	name  string
	fetch func(ctx context.Context, pair string) (float64, error)
}

func (s *sourceAdapter) Name() string { return s.name }

func (s *sourceAdapter) Fetch(ctx context.Context, pair string) (float64, error) {
	return s.fetch(ctx, pair)
}

func label(name, fallback string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed != "" {
		return trimmed
	}
	return fallback
}

// mapSymbol translates "BTC/USDT" into the venue's symbol. An explicit map
// entry wins; otherwise the pair is concatenated without the slash.
func mapSymbol(symbols map[string]string, pair string) string {
	if mapped, ok := symbols[pair]; ok && strings.TrimSpace(mapped) != "" {
		return strings.TrimSpace(mapped)
	}
	return strings.ReplaceAll(pair, "/", "")
}

func getJSON(ctx context.Context, client *http.Client, rawURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func newBinanceSource(client *http.Client, name, endpoint string, symbols map[string]string) pricefeed.Source {
	base := strings.TrimRight(endpoint, "/")
	if base == "" {
		base = "https://api.binance.com"
	}
	return &sourceAdapter{name: label(name, "binance"), fetch: func(ctx context.Context, pair string) (float64, error) {
		symbol := mapSymbol(symbols, pair)
		var payload struct {
			Price string `json:"price"`
		}
		target := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", base, url.QueryEscape(symbol))
		if err := getJSON(ctx, client, target, nil, &payload); err != nil {
			return 0, err
		}
		price, err := strconv.ParseFloat(strings.TrimSpace(payload.Price), 64)
		if err != nil {
			return 0, fmt.Errorf("parse price %q: %w", payload.Price, err)
		}
		return price, nil
	}}
}

func newKrakenSource(client *http.Client, name, endpoint string, symbols map[string]string) pricefeed.Source {
	base := strings.TrimRight(endpoint, "/")
	if base == "" {
		base = "https://api.kraken.com"
	}
	return &sourceAdapter{name: label(name, "kraken"), fetch: func(ctx context.Context, pair string) (float64, error) {
		symbol := mapSymbol(symbols, pair)
		var payload struct {
			Error  []string `json:"error"`
			Result map[string]struct {
				C []string `json:"c"`
			} `json:"result"`
		}
		target := fmt.Sprintf("%s/0/public/Ticker?pair=%s", base, url.QueryEscape(symbol))
		if err := getJSON(ctx, client, target, nil, &payload); err != nil {
			return 0, err
		}
		if len(payload.Error) > 0 {
			return 0, fmt.Errorf("kraken error: %s", strings.Join(payload.Error, "; "))
		}
		for _, ticker := range payload.Result {
			if len(ticker.C) == 0 {
				continue
			}
			price, err := strconv.ParseFloat(strings.TrimSpace(ticker.C[0]), 64)
			if err != nil {
				return 0, fmt.Errorf("parse price %q: %w", ticker.C[0], err)
			}
			return price, nil
		}
		return 0, fmt.Errorf("no ticker data for %s", symbol)
	}}
}

func newCoinGeckoSource(client *http.Client, name, endpoint, apiKey string, symbols map[string]string) pricefeed.Source {
	base := strings.TrimRight(endpoint, "/")
	if base == "" {
		base = "https://api.coingecko.com"
	}
	return &sourceAdapter{name: label(name, "coingecko"), fetch: func(ctx context.Context, pair string) (float64, error) {
		parts := strings.SplitN(pair, "/", 2)
		if len(parts) != 2 {
			return 0, fmt.Errorf("invalid pair %q", pair)
		}
		coin := mapSymbol(symbols, pair)
		if coin == strings.ReplaceAll(pair, "/", "") {
			// No explicit mapping; fall back to the lower-cased base asset.
			coin = strings.ToLower(parts[0])
		}
		vs := strings.ToLower(parts[1])
		if vs == "usdt" || vs == "usdc" {
			vs = "usd"
		}
		var payload map[string]map[string]float64
		target := fmt.Sprintf("%s/api/v3/simple/price?ids=%s&vs_currencies=%s", base, url.QueryEscape(coin), url.QueryEscape(vs))
		headers := map[string]string{}
		if strings.TrimSpace(apiKey) != "" {
			headers["x-cg-pro-api-key"] = strings.TrimSpace(apiKey)
		}
		if err := getJSON(ctx, client, target, headers, &payload); err != nil {
			return 0, err
		}
		price, ok := payload[coin][vs]
		if !ok || price <= 0 {
			return 0, fmt.Errorf("no price for %s in %s", coin, vs)
		}
		return price, nil
	}}
}
