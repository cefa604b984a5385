package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"fightclaw/internal/apperr"
	"fightclaw/internal/engine"
	"fightclaw/internal/matchstate"
	"fightclaw/internal/middleware"
	"fightclaw/internal/sse"
)

type moveRequest struct {
	MoveID          string      `json:"moveId"`
	ExpectedVersion int         `json:"expectedVersion"`
	Move            engine.Move `json:"move"`
}

// Move implements POST /v1/matches/{matchId}/move.
func (s *Server) Move(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromPath(r)
	if !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMatchID, "matchId is required"))
		return
	}

	var req moveRequest
	if err := decodeJSON(r, &req); err != nil || req.MoveID == "" {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMovePayload, "malformed move payload"))
		return
	}

	agent, _ := middleware.GetAgentFromContext(r.Context())

	actor := s.Registry.Get(matchID)
	outcome, appErr := actor.Move(r.Context(), agent.ID, req.MoveID, req.ExpectedVersion, req.Move)
	if appErr != nil {
		writeError(w, r, appErr)
		return
	}

	s.recordRunnerTelemetry(r, matchID, agent.ID)
	writeMoveOutcome(w, outcome)
}

// recordRunnerTelemetry forwards the runner surface's model-attribution
// headers (spec.md §6.3) into match_players with a COALESCE-preserving
// write; a move submitted directly by an agent's own bearer token carries
// none of these headers and the write is a no-op.
func (s *Server) recordRunnerTelemetry(r *http.Request, matchID, agentID string) {
	provider := r.Header.Get("x-fc-model-provider")
	modelID := r.Header.Get("x-fc-model-id")
	if provider == "" && modelID == "" {
		return
	}
	if err := s.Store.UpdateMatchPlayerTelemetry(r.Context(), matchID, agentID, provider, modelID); err != nil {
		s.Log.Printf("failed to record runner telemetry for match %s agent %s: %v", matchID, agentID, err)
	}
}

type finishRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Finish implements POST /v1/matches/{matchId}/finish. The admin key proves
// the caller may force-end a match; the agent being forfeited is attributed
// via the x-agent-id header since the admin has no player session of its
// own (spec.md: "transport attributes the forfeiting agent").
func (s *Server) Finish(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromPath(r)
	if !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMatchID, "matchId is required"))
		return
	}

	var req finishRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidFinishPayload, "malformed finish payload"))
		return
	}
	reason := req.Reason
	if reason == "" {
		reason = "forfeit"
	}

	agentID := r.Header.Get("x-agent-id")
	if agentID == "" {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidFinishPayload, "x-agent-id header is required"))
		return
	}

	actor := s.Registry.Get(matchID)
	view, appErr := actor.Finish(r.Context(), agentID, reason)
	if appErr != nil {
		writeError(w, r, appErr)
		return
	}
	writeOK(w, r, http.StatusOK, map[string]interface{}{"state": view})
}

// State implements GET /v1/matches/{matchId}/state.
func (s *Server) State(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromPath(r)
	if !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMatchID, "matchId is required"))
		return
	}

	actor := s.Registry.Get(matchID)
	view, initialized := actor.State(r.Context())
	if !initialized {
		writeError(w, r, apperr.Wrap(apperr.CodeMatchNotInitialized, "match has not started"))
		return
	}
	writeOK(w, r, http.StatusOK, map[string]interface{}{"state": view})
}

// Stream implements GET /v1/matches/{matchId}/stream, the participant SSE
// feed: current state plus your_turn/state/engine_events/match_ended as they
// occur, gated behind agent auth since only players see their own prompts.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromPath(r)
	if !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMatchID, "matchId is required"))
		return
	}
	agent, _ := middleware.GetAgentFromContext(r.Context())

	s.serveStream(w, r, matchID, agent.ID)
}

// Spectate implements GET /v1/matches/{matchId}/spectate: open to anyone
// while the match is featured or already ended, admin-key gated otherwise,
// per spec.md's open-question decision to 200-then-empty stream on an
// unknown matchId rather than reject it outright.
func (s *Server) Spectate(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromPath(r)
	if !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMatchID, "matchId is required"))
		return
	}
	if !s.spectateAllowed(r, matchID) {
		writeError(w, r, apperr.Wrap(apperr.CodeForbidden, "match is not featured or ended"))
		return
	}
	s.serveStream(w, r, matchID, "")
}

// spectateAllowed implements the "same as spectate" auth rule shared by
// /spectate and /log: public once the match is featured or has ended,
// admin-key gated while it is active and not the featured match.
func (s *Server) spectateAllowed(r *http.Request, matchID string) bool {
	if s.Auth.CheckAdminKey(r) {
		return true
	}
	if s.Matchmaker.Featured(r.Context()).MatchID == matchID {
		return true
	}
	actor := s.Registry.Get(matchID)
	view, initialized := actor.State(r.Context())
	if !initialized {
		return true // unknown match: empty stream, nothing to protect
	}
	return view.Status == matchstate.StatusEnded
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, matchID, participantAgentID string) {
	actor := s.Registry.Get(matchID)
	subID, ch, initial := actor.Subscribe(participantAgentID)
	defer actor.Unsubscribe(subID)

	if _, ok := w.(http.Flusher); !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInternalError, "streaming unsupported"))
		return
	}

	sse.Serve(w, r, initial, ch, s.SSEWriteTimeout)
}

// MatchLog implements GET /v1/matches/{matchId}/log?afterId=&limit=, gated
// by the same featured-or-ended-or-admin rule as /spectate.
func (s *Server) MatchLog(w http.ResponseWriter, r *http.Request) {
	matchID, ok := matchIDFromPath(r)
	if !ok {
		writeError(w, r, apperr.Wrap(apperr.CodeInvalidMatchID, "matchId is required"))
		return
	}
	if !s.spectateAllowed(r, matchID) {
		writeError(w, r, apperr.Wrap(apperr.CodeForbidden, "match is not featured or ended"))
		return
	}

	var afterID int64
	if raw := r.URL.Query().Get("afterId"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterID = parsed
		}
	}
	var limit int
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	events, err := s.Store.ReadMatchEvents(r.Context(), matchID, afterID, limit)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.CodeInternalError, "failed to read match log"))
		return
	}

	out := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		var payload interface{}
		_ = json.Unmarshal([]byte(e.PayloadJSON), &payload)
		out = append(out, map[string]interface{}{
			"id":        e.ID,
			"turn":      e.Turn,
			"ts":        e.Ts,
			"eventType": e.EventType,
			"payload":   payload,
		})
	}
	writeOK(w, r, http.StatusOK, map[string]interface{}{"events": out})
}
