package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"qflash/account"
	"qflash/identity"
	"qflash/pricefeed"
	"qflash/storage"
)

const maxBodyBytes = 1 << 16

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encode response failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps core error kinds onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrRoundNotFound):
		s.writeError(w, http.StatusNotFound, "round not found")
	case errors.Is(err, storage.ErrAccountNotFound):
		s.writeError(w, http.StatusNotFound, "account not found")
	case errors.Is(err, account.ErrUnauthorized):
		s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
	case errors.Is(err, account.ErrRateLimited):
		s.writeError(w, http.StatusTooManyRequests, "wager rate limit exceeded")
	case errors.Is(err, pricefeed.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "price unavailable")
	case errors.Is(err, storage.ErrRoundNotOpen),
		errors.Is(err, storage.ErrDuplicateEntry),
		errors.Is(err, storage.ErrInsufficientBalance),
		errors.Is(err, storage.ErrDuplicateDepositHash),
		errors.Is(err, storage.ErrInvalidAmount),
		errors.Is(err, account.ErrBetTooSmall),
		errors.Is(err, account.ErrBetTooLarge),
		errors.Is(err, account.ErrInvalidSide),
		errors.Is(err, identity.ErrInvalidAddress),
		errors.Is(err, identity.ErrInvalidTxHash):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error("internal error", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "read body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	pair := strings.TrimSpace(r.URL.Query().Get("pair"))
	if pair == "" {
		s.writeError(w, http.StatusBadRequest, "pair query parameter required")
		return
	}
	quote, err := s.cfg.Feed.Price(r.Context(), pair, false)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	// fetchedAt is published as Unix seconds, the exact value the attestation
	// hash covers, so callers can recompute the HMAC from this response alone.
	response := map[string]any{
		"pair":            quote.Pair,
		"medianPrice":     quote.Median,
		"sources":         quote.Sources,
		"fetchedAt":       quote.FetchedAt.UTC().Unix(),
		"attestationHash": quote.AttestationHash,
	}
	if raw := r.URL.Query().Get("history"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "history must be a non-negative integer")
			return
		}
		points, err := s.cfg.Store.PriceHistory(r.Context(), pair, n)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		response["history"] = points
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	pair := strings.TrimSpace(query.Get("pair"))
	duration := 0
	if raw := query.Get("duration"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "duration must be an integer")
			return
		}
		duration = parsed
	}

	var rounds []storage.Round
	var err error
	if raw := strings.TrimSpace(query.Get("recent")); raw != "" {
		n, parseErr := strconv.Atoi(raw)
		if parseErr != nil || n < 1 || n > 100 {
			s.writeError(w, http.StatusBadRequest, "recent must be between 1 and 100")
			return
		}
		rounds, err = s.cfg.Store.RecentResolved(r.Context(), n)
	} else if status := strings.TrimSpace(query.Get("status")); status != "" {
		rounds, err = s.cfg.Store.RoundsByStatus(r.Context(), storage.RoundStatus(status), 100)
	} else {
		rounds, err = s.cfg.Store.ActiveRounds(r.Context(), pair, duration)
	}
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"rounds": rounds, "count": len(rounds)})
}

func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	round, err := s.cfg.Store.GetRound(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	snapshots, err := s.cfg.Store.SnapshotsForRound(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"round": round, "snapshots": snapshots})
}

type betRequest struct {
	RoundID  string `json:"roundId"`
	Side     string `json:"side"`
	AmountQU int64  `json:"amountQU"`
	Address  string `json:"address,omitempty"`
}

func (s *Server) handleBet(w http.ResponseWriter, r *http.Request) {
	caller, ok := accountFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req betRequest
	if !s.decode(w, r, &req) {
		return
	}
	// The address field is optional but, when present, must name the
	// authenticated account.
	if req.Address != "" && identity.NormalizeAddress(req.Address) != caller.Address {
		s.writeError(w, http.StatusForbidden, "address does not match authenticated account")
		return
	}
	entry, newBalance, err := s.cfg.Accounts.PlaceWager(r.Context(), caller.Address, req.RoundID, storage.Side(req.Side), req.AmountQU)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"entryId":    entry.ID,
		"roundId":    entry.RoundID,
		"side":       entry.Side,
		"amountQU":   entry.AmountQU,
		"newBalance": newBalance,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	caller, ok := accountFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	address := identity.NormalizeAddress(chi.URLParam(r, "address"))
	if address != caller.Address {
		s.writeError(w, http.StatusForbidden, "address does not match authenticated account")
		return
	}
	loaded, err := s.cfg.Accounts.GetAccount(r.Context(), address)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	transactions, err := s.cfg.Accounts.RecentTransactions(r.Context(), address, 50)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"account":            loaded,
		"recentTransactions": transactions,
	})
}

func (s *Server) handleRotateToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := accountFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	address := identity.NormalizeAddress(chi.URLParam(r, "address"))
	if address != caller.Address {
		s.writeError(w, http.StatusForbidden, "address does not match authenticated account")
		return
	}
	token, err := s.cfg.Accounts.RotateToken(r.Context(), address)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type withdrawalRequest struct {
	Destination string `json:"destination"`
	AmountQU    int64  `json:"amountQU"`
}

func (s *Server) handleWithdrawal(w http.ResponseWriter, r *http.Request) {
	caller, ok := accountFrom(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req withdrawalRequest
	if !s.decode(w, r, &req) {
		return
	}
	tx, err := s.cfg.Accounts.RequestWithdrawal(r.Context(), caller.Address, req.Destination, req.AmountQU)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}
