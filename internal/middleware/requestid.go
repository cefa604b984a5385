package middleware

import (
	"net/http"

	"fightclaw/internal/ids"
)

// RequestID stamps every response with an x-request-id header before any
// handler runs, so apperr.Write/WriteJSON and the rate limiter can read it
// straight back off the ResponseWriter.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-request-id", ids.New())
		next.ServeHTTP(w, r)
	})
}
