package chain

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBalanceParsesGatewayResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/balances/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":{"id":"AAAA","balance":"123456789","validForTick":18000000,"numberOfIncomingTransfers":12,"numberOfOutgoingTransfers":4}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 100)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	balance, err := client.Balance(context.Background(), "AAAA")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 123456789 {
		t.Fatalf("unexpected balance: %d", balance)
	}
	active, err := client.HasActivity(context.Background(), "AAAA")
	if err != nil {
		t.Fatalf("has activity: %v", err)
	}
	if !active {
		t.Fatalf("expected activity")
	}
}

func TestHasActivityFalseForFreshIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"balance":{"id":"BBBB","balance":"0","numberOfIncomingTransfers":0,"numberOfOutgoingTransfers":0}}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 100)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	active, err := client.HasActivity(context.Background(), "BBBB")
	if err != nil {
		t.Fatalf("has activity: %v", err)
	}
	if active {
		t.Fatalf("expected no activity")
	}
}

func TestClientSurfacesGatewayErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer server.Close()

	client, err := NewClient(server.URL, 100)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Balance(context.Background(), "CCCC"); err == nil {
		t.Fatalf("expected error for 502")
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient("  ", 10); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
