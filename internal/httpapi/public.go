package httpapi

import (
	"net/http"
	"strconv"

	"fightclaw/internal/apperr"
)

// Featured implements GET /v1/featured.
func (s *Server) Featured(w http.ResponseWriter, r *http.Request) {
	snap := s.Matchmaker.Featured(r.Context())
	if snap.MatchID == "" {
		writeOK(w, r, http.StatusOK, map[string]interface{}{"matchId": nil})
		return
	}
	writeOK(w, r, http.StatusOK, map[string]interface{}{
		"matchId": snap.MatchID,
		"status":  snap.Status,
		"players": snap.Players,
	})
}

// Live implements GET /v1/live: the featured match's current board state,
// for a spectator landing page that wants a state without opening a stream.
func (s *Server) Live(w http.ResponseWriter, r *http.Request) {
	matchID, view := s.Matchmaker.Live(r.Context())
	if matchID == "" || view == nil {
		writeOK(w, r, http.StatusOK, map[string]interface{}{"matchId": nil})
		return
	}
	writeOK(w, r, http.StatusOK, map[string]interface{}{"state": view})
}

// Leaderboard implements GET /v1/leaderboard?limit=<n>.
func (s *Server) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 200
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	rows, err := s.Store.SelectLeaderboard(r.Context(), limit)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternalError, "failed to read leaderboard"))
		return
	}
	writeOK(w, r, http.StatusOK, map[string]interface{}{"leaderboard": rows})
}
