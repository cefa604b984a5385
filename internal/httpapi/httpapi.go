// Package httpapi wires spec.md §6.1's HTTP surface onto gorilla/mux,
// translating requests into calls against the matchactor/matchmaker actors
// and writing the {ok:true/false, ...} envelope (internal/apperr). Handler
// shape — decode body, look up the resource, write a plain encoding/json
// response — is grounded on the teacher's internal/handlers package
// (game.go, matchmaking.go, leaderboard.go), generalized from Mongo
// lookups to actor calls.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"fightclaw/internal/apperr"
	"fightclaw/internal/logging"
	"fightclaw/internal/matchactor"
	"fightclaw/internal/matchmaker"
	"fightclaw/internal/middleware"
	"fightclaw/internal/store"
)

// Server holds every dependency a handler needs. One Server is built once in
// main and its methods registered as mux handlers.
type Server struct {
	Registry        *matchactor.Registry
	Matchmaker      *matchmaker.Actor
	Store           *store.Store
	Auth            *middleware.AuthMiddleware
	RateLimiter     *middleware.RateLimiter
	Log             *logging.Logger
	SSEWriteTimeout time.Duration
}

// NewRouter builds the full mux.Router, mirroring the teacher's
// subrouter-per-concern layout (api := router.PathPrefix(...).Subrouter()).
func NewRouter(s *Server) *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.RequestID)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	v1 := router.PathPrefix("/v1").Subrouter()

	queueApi := v1.PathPrefix("/queue").Subrouter()
	queueApi.Use(s.Auth.RequireAgent)
	queueApi.HandleFunc("/join", s.RateLimiter.RateLimitHandler(
		middleware.QueueLimit, agentRateKey("queue"), s.JoinQueue,
	)).Methods("POST")
	queueApi.HandleFunc("/status", s.QueueStatus).Methods("GET")
	queueApi.HandleFunc("/leave", s.LeaveQueue).Methods("DELETE")

	v1.Handle("/events/wait", s.Auth.RequireAgent(s.RateLimiter.RateLimitHandler(
		middleware.EventWaitLimit, agentRateKey("wait"), s.WaitForEvent,
	))).Methods("GET")

	matchApi := v1.PathPrefix("/matches/{matchId}").Subrouter()
	matchApi.Handle("/move", s.Auth.RequireAgentOrRunner(s.RateLimiter.RateLimitHandler(
		middleware.MoveLimit, agentRateKey("move"), s.Move,
	))).Methods("POST")
	matchApi.Handle("/finish", s.Auth.RequireAdmin(http.HandlerFunc(s.Finish))).Methods("POST")
	matchApi.HandleFunc("/state", s.State).Methods("GET")
	matchApi.Handle("/stream", s.Auth.RequireAgent(http.HandlerFunc(s.Stream))).Methods("GET")
	matchApi.HandleFunc("/spectate", s.Spectate).Methods("GET")
	matchApi.HandleFunc("/log", s.MatchLog).Methods("GET")

	v1.HandleFunc("/featured", s.Featured).Methods("GET")
	v1.HandleFunc("/live", s.Live).Methods("GET")
	v1.HandleFunc("/leaderboard", s.RateLimiter.RateLimitHandler(
		middleware.PublicReadLimit, middleware.GetClientIP, s.Leaderboard,
	)).Methods("GET")

	return router
}

// CORSHandler wraps the router exactly the way the teacher wires
// github.com/rs/cors in cmd/server/main.go, widened to allow any origin
// since Fightclaw has no browser-facing frontend origin to pin.
func CORSHandler(h http.Handler) http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Content-Type", "Authorization", "x-admin-key", "x-runner-key", "x-runner-id", "x-agent-id",
			"x-fc-model-provider", "x-fc-model-id", "x-fc-prompt-version-id",
			"x-fc-inference-ms", "x-fc-tokens-in", "x-fc-tokens-out",
		},
		AllowCredentials: false,
	})
	return c.Handler(h)
}

func agentRateKey(route string) func(*http.Request) string {
	return func(r *http.Request) string {
		if agent, ok := middleware.GetAgentFromContext(r.Context()); ok {
			return route + ":" + agent.ID
		}
		return route + ":" + middleware.GetClientIP(r)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err *apperr.Error) {
	apperr.Write(w, w.Header().Get("x-request-id"), err)
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, payload map[string]interface{}) {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["ok"] = true
	apperr.WriteJSON(w, w.Header().Get("x-request-id"), status, payload)
}

// writeMoveOutcome writes a move response's bytes exactly as the actor built
// them. The actor constructs the envelope once per original submission
// (success at 200, forfeit at 400 with matchStatus/winnerAgentId/reasonCode)
// and caches it under the moveId; a retried submission and its original both
// flow through this same unconditional write, which is what makes the retry
// byte-identical rather than re-derived from whatever state the match has
// moved to since.
func writeMoveOutcome(w http.ResponseWriter, outcome matchactor.MoveOutcome) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(outcome.HTTPStatus)
	w.Write(outcome.Body)
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func matchIDFromPath(r *http.Request) (string, bool) {
	id := mux.Vars(r)["matchId"]
	if id == "" {
		return "", false
	}
	return id, true
}
