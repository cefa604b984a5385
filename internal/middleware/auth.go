package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"fightclaw/internal/apperr"
	"fightclaw/internal/ids"
	"fightclaw/internal/store"
)

type contextKey string

const (
	AgentContextKey  contextKey = "agent"
	RunnerContextKey contextKey = "runnerId"
)

// AuthMiddleware authenticates agent bearer keys, the internal runner
// surface, and the admin shared secret. The bearer-key hash lookup mirrors
// the teacher's API-key pattern (hash the presented token, look up the row
// by hash) generalized from a single Mongo collection to the agents/
// api_keys tables.
type AuthMiddleware struct {
	store         *store.Store
	adminKeyHash  string // bcrypt hash, empty disables admin routes
	runnerKeyHash string // bcrypt hash, empty disables the runner surface
}

func NewAuthMiddleware(st *store.Store, adminKeyHash, runnerKeyHash string) *AuthMiddleware {
	return &AuthMiddleware{store: st, adminKeyHash: adminKeyHash, runnerKeyHash: runnerKeyHash}
}

// HashAPIKey is exported so the provisioning CLI hashes new agent keys with
// the exact scheme RequireAgent looks them up by.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RequireAgent validates `Authorization: Bearer <apiKey>`, loads the agent,
// and rejects unverified or disabled agents.
func (m *AuthMiddleware) RequireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := w.Header().Get("x-request-id")

		token, ok := bearerToken(r)
		if !ok {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "missing bearer token"))
			return
		}

		agent, err := m.store.AgentByAPIKeyHash(r.Context(), HashAPIKey(token))
		if err != nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeInternalError, "auth lookup failed"))
			return
		}
		if agent == nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "invalid api key"))
			return
		}
		if agent.DisabledAt.Valid {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeAgentDisabled, "agent is disabled"))
			return
		}
		if !agent.VerifiedAt.Valid {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeAgentNotVerified, "agent is not verified"))
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequireRunner validates `x-runner-key` and `x-runner-id` and stores the
// runner id on the request context. It does not check ownership of any
// agent; a wrapped handler does that via RunnerOwnsAgent, since the owned
// agent id is route-specific (e.g. the move's submitting agent).
func (m *AuthMiddleware) RequireRunner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := w.Header().Get("x-request-id")

		if m.runnerKeyHash == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeServiceUnavailable, "runner surface not configured"))
			return
		}

		runnerKey := r.Header.Get("x-runner-key")
		runnerID := r.Header.Get("x-runner-id")
		if runnerKey == "" || runnerID == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "missing runner credentials"))
			return
		}
		if !ids.ValidRunnerID(runnerID) {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeInvalidRunnerID, "malformed runner id"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(m.runnerKeyHash), []byte(runnerKey)) != nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "invalid runner key"))
			return
		}

		ctx := context.WithValue(r.Context(), RunnerContextKey, runnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireAgentOrRunner accepts either an agent's own bearer token or the
// internal runner surface (`x-runner-key`/`x-runner-id`, bound to the agent
// named by `x-agent-id`), loading the acting agent into context either way
// so the wrapped handler doesn't need to know which path authenticated the
// request. This is the auth used by move submission, since a hosted agent's
// runner submits moves on its behalf rather than holding the agent's own key.
func (m *AuthMiddleware) RequireAgentOrRunner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := w.Header().Get("x-request-id")

		if _, ok := bearerToken(r); ok {
			m.RequireAgent(next).ServeHTTP(w, r)
			return
		}

		runnerKey := r.Header.Get("x-runner-key")
		if runnerKey == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "missing bearer token or runner key"))
			return
		}
		if m.runnerKeyHash == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeServiceUnavailable, "runner surface not configured"))
			return
		}

		runnerID := r.Header.Get("x-runner-id")
		if runnerID == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "missing runner id"))
			return
		}
		if !ids.ValidRunnerID(runnerID) {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeInvalidRunnerID, "malformed runner id"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(m.runnerKeyHash), []byte(runnerKey)) != nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "invalid runner key"))
			return
		}

		agentID := r.Header.Get("x-agent-id")
		if agentID == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "missing x-agent-id"))
			return
		}
		owns, err := m.store.RunnerOwnsAgent(r.Context(), runnerID, agentID)
		if err != nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeInternalError, "runner ownership lookup failed"))
			return
		}
		if !owns {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeRunnerAgentNotBound, "runner does not own this agent"))
			return
		}

		agent, err := m.store.AgentByID(r.Context(), agentID)
		if err != nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeInternalError, "auth lookup failed"))
			return
		}
		if agent == nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "unknown agent"))
			return
		}
		if agent.DisabledAt.Valid {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeAgentDisabled, "agent is disabled"))
			return
		}

		ctx := context.WithValue(r.Context(), AgentContextKey, agent)
		ctx = context.WithValue(ctx, RunnerContextKey, runnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RunnerOwnsAgent confirms, within a request already authenticated by
// RequireRunner, that the runner is allowed to act for agentID.
func (m *AuthMiddleware) RunnerOwnsAgent(ctx context.Context, agentID string) bool {
	runnerID, ok := ctx.Value(RunnerContextKey).(string)
	if !ok {
		return false
	}
	owns, err := m.store.RunnerOwnsAgent(ctx, runnerID, agentID)
	if err != nil {
		return false
	}
	return owns
}

// RequireAdmin validates the `x-admin-key` shared secret.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := w.Header().Get("x-request-id")

		if m.adminKeyHash == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeServiceUnavailable, "admin surface not configured"))
			return
		}

		key := r.Header.Get("x-admin-key")
		if key == "" {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeUnauthorized, "missing admin key"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(m.adminKeyHash), []byte(key)) != nil {
			apperr.Write(w, requestID, apperr.Wrap(apperr.CodeForbidden, "invalid admin key"))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CheckAdminKey reports whether r carries a valid x-admin-key, for handlers
// whose auth requirement is conditional on resource state (e.g. spectating
// a match that isn't featured or ended yet) rather than fixed per-route.
func (m *AuthMiddleware) CheckAdminKey(r *http.Request) bool {
	if m.adminKeyHash == "" {
		return false
	}
	key := r.Header.Get("x-admin-key")
	if key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(m.adminKeyHash), []byte(key)) == nil
}

// GetAgentFromContext retrieves the authenticated agent loaded by
// RequireAgent.
func GetAgentFromContext(ctx context.Context) (*store.Agent, bool) {
	agent, ok := ctx.Value(AgentContextKey).(*store.Agent)
	return agent, ok
}
