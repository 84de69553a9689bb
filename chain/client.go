// Package chain provides a thin read-only client for the Qubic RPC gateway.
// The engine only ever asks advisory questions of the chain (does this
// address exist, what does the platform wallet hold); withdrawals are
// broadcast by an external relayer.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultTimeout = 10 * time.Second

// Client queries the Qubic RPC gateway. Outbound calls share a token-bucket
// limiter so advisory checks can never saturate the gateway.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	log      *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.log = logger
		}
	}
}

// NewClient builds a client for the given gateway endpoint. requestsPerSec
// bounds outbound calls; zero or negative selects a conservative default.
func NewClient(endpoint string, requestsPerSec int, opts ...Option) (*Client, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("chain: endpoint required")
	}
	if requestsPerSec <= 0 {
		requestsPerSec = 5
	}
	client := &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: defaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(requestsPerSec), requestsPerSec),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

type balanceEnvelope struct {
	Balance struct {
		ID                        string `json:"id"`
		Balance                   string `json:"balance"`
		ValidForTick              int64  `json:"validForTick"`
		NumberOfIncomingTransfers int64  `json:"numberOfIncomingTransfers"`
		NumberOfOutgoingTransfers int64  `json:"numberOfOutgoingTransfers"`
	} `json:"balance"`
}

// Balance returns the on-chain QU balance of an identity.
func (c *Client) Balance(ctx context.Context, address string) (int64, error) {
	var envelope balanceEnvelope
	if err := c.getJSON(ctx, "/v1/balances/"+address, &envelope); err != nil {
		return 0, err
	}
	balance, err := strconv.ParseInt(envelope.Balance.Balance, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("chain: parse balance %q: %w", envelope.Balance.Balance, err)
	}
	return balance, nil
}

// HasActivity reports whether an identity shows any transfer history. Used
// as a best-effort plausibility check before crediting deposits.
func (c *Client) HasActivity(ctx context.Context, address string) (bool, error) {
	var envelope balanceEnvelope
	if err := c.getJSON(ctx, "/v1/balances/"+address, &envelope); err != nil {
		return false, err
	}
	active := envelope.Balance.NumberOfIncomingTransfers > 0 ||
		envelope.Balance.NumberOfOutgoingTransfers > 0
	return active, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chain: limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+path, nil)
	if err != nil {
		return fmt.Errorf("chain: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("chain: %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("chain: read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chain: %s: status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("chain: decode %s: %w", path, err)
	}
	return nil
}
