package server

import (
	"context"
	"net/http"

	"qflash/storage"
)

type contextKey string

const accountContextKey contextKey = "qflash.account"

// requireAuth resolves the Authorization bearer token to an account and
// stashes it in the request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.cfg.Accounts.Authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), accountContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func accountFrom(ctx context.Context) (storage.Account, bool) {
	caller, ok := ctx.Value(accountContextKey).(storage.Account)
	return caller, ok
}
