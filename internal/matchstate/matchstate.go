// Package matchstate defines the persisted-in-memory shape owned by each
// MatchActor: the match's lifecycle fields plus the opaque engine GameState,
// and the idempotency cache used to make move submission safe to retry.
package matchstate

import (
	"encoding/json"

	"fightclaw/internal/engine"
)

// Status is the match's lifecycle stage.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// PlayerSlot identifies one seat in the match.
type PlayerSlot struct {
	AgentID string
	Side    engine.Side
}

// LastMove records the most recently applied move for state reads.
type LastMove struct {
	AgentID string
	Move    engine.Move
}

// MatchState is the full mutable record a MatchActor owns. It is only ever
// touched from the actor's own goroutine.
type MatchState struct {
	MatchID string

	StateVersion int // increments on every applied move, forfeit, and turn timeout
	Status       Status

	CreatedAtMs int64
	UpdatedAtMs int64
	EndedAtMs   int64

	TurnExpiresAtMs int64

	Players [2]PlayerSlot
	Game    *engine.GameState

	LastMove *LastMove

	WinnerAgentID string
	LoserAgentID  string
	EndReason     string // "elimination" | "turn_limit" | "forfeit" | "turn_timeout" | "invalid_move_schema" | "illegal_move" | "invalid_move"

	Idempotency *IdempotencyCache
}

// Snapshot is the durable, JSON-serializable form of a MatchState: the
// key-value shape (one blob keyed by matchId) the store persists
// synchronously on every state-advancing ACK and reads back to reconstruct
// a MatchActor after a process restart, per spec.md's durable-state design
// note. match_events stays an append-only history log; it is never read
// back into a Snapshot.
type Snapshot struct {
	MatchID string

	StateVersion int
	Status       Status

	CreatedAtMs int64
	UpdatedAtMs int64
	EndedAtMs   int64

	TurnExpiresAtMs int64

	Players [2]PlayerSlot
	Game    *engine.GameState

	LastMove *LastMove

	WinnerAgentID string
	LoserAgentID  string
	EndReason     string

	IdempotencyCap     int
	IdempotencyRecords []IdempotencyRecord
}

// ToSnapshot captures m as a Snapshot ready for durable storage.
func (m *MatchState) ToSnapshot() Snapshot {
	return Snapshot{
		MatchID:            m.MatchID,
		StateVersion:       m.StateVersion,
		Status:             m.Status,
		CreatedAtMs:        m.CreatedAtMs,
		UpdatedAtMs:        m.UpdatedAtMs,
		EndedAtMs:          m.EndedAtMs,
		TurnExpiresAtMs:    m.TurnExpiresAtMs,
		Players:            m.Players,
		Game:               m.Game,
		LastMove:           m.LastMove,
		WinnerAgentID:      m.WinnerAgentID,
		LoserAgentID:       m.LoserAgentID,
		EndReason:          m.EndReason,
		IdempotencyCap:     m.Idempotency.capacity,
		IdempotencyRecords: m.Idempotency.entries(),
	}
}

// FromSnapshot reconstructs a MatchState from a durably persisted Snapshot.
func FromSnapshot(s Snapshot) *MatchState {
	cache := NewIdempotencyCache(s.IdempotencyCap)
	cache.restore(s.IdempotencyRecords)
	return &MatchState{
		MatchID:         s.MatchID,
		StateVersion:    s.StateVersion,
		Status:          s.Status,
		CreatedAtMs:     s.CreatedAtMs,
		UpdatedAtMs:     s.UpdatedAtMs,
		EndedAtMs:       s.EndedAtMs,
		TurnExpiresAtMs: s.TurnExpiresAtMs,
		Players:         s.Players,
		Game:            s.Game,
		LastMove:        s.LastMove,
		WinnerAgentID:   s.WinnerAgentID,
		LoserAgentID:    s.LoserAgentID,
		EndReason:       s.EndReason,
		Idempotency:     cache,
	}
}

// AgentSide returns the Side the given agent occupies, or ("", false) if the
// agent isn't seated in this match.
func (m *MatchState) AgentSide(agentID string) (engine.Side, bool) {
	for _, p := range m.Players {
		if p.AgentID == agentID {
			return p.Side, true
		}
	}
	return "", false
}

// Opponent returns the AgentId of the other seat.
func (m *MatchState) Opponent(agentID string) string {
	for _, p := range m.Players {
		if p.AgentID != agentID {
			return p.AgentID
		}
	}
	return ""
}

// IdempotencyRecord is the cached reply for a previously-seen moveId: the
// exact HTTP status and response body the original submission produced, so a
// retry replays byte-identical bytes regardless of how much live match state
// has moved on since (spec.md's IdempotencyRecord value shape: httpStatus,
// responseBody, stateVersionAtTime).
type IdempotencyRecord struct {
	MoveID       string
	StateVersion int // stateVersion that resulted from this move
	HTTPStatus   int
	Body         json.RawMessage
}

// IdempotencyCache is a bounded FIFO keyed by client-supplied moveId. It
// protects recent entries from eviction: an entry is never dropped while its
// stateVersion is within one of the current version, so a client retrying
// its most recent move always finds its cached result even under churn from
// concurrent opponents' submissions.
type IdempotencyCache struct {
	capacity int
	order    []string // insertion order, oldest first
	byID     map[string]IdempotencyRecord
}

// NewIdempotencyCache builds a cache with the given capacity.
func NewIdempotencyCache(capacity int) *IdempotencyCache {
	return &IdempotencyCache{
		capacity: capacity,
		byID:     make(map[string]IdempotencyRecord),
	}
}

// Get returns the cached record for moveId, if any.
func (c *IdempotencyCache) Get(moveID string) (IdempotencyRecord, bool) {
	rec, ok := c.byID[moveID]
	return rec, ok
}

// Put inserts a new record, evicting the oldest unprotected entry if the
// cache is at capacity. currentVersion is the match's stateVersion *after*
// this insert, used to decide which entries are protected from eviction.
func (c *IdempotencyCache) Put(rec IdempotencyRecord, currentVersion int) {
	if _, exists := c.byID[rec.MoveID]; exists {
		c.byID[rec.MoveID] = rec
		return
	}

	c.byID[rec.MoveID] = rec
	c.order = append(c.order, rec.MoveID)

	for len(c.order) > c.capacity {
		evicted := false
		for i, id := range c.order {
			old := c.byID[id]
			if old.StateVersion >= currentVersion-1 {
				continue // protected: too recent to evict
			}
			c.order = append(c.order[:i], c.order[i+1:]...)
			delete(c.byID, id)
			evicted = true
			break
		}
		if !evicted {
			// Every remaining entry is protected; stop rather than loop
			// forever. The cache is allowed to briefly exceed capacity in
			// this case.
			break
		}
	}
}

// Len reports the number of cached records.
func (c *IdempotencyCache) Len() int { return len(c.order) }

// entries returns the cached records in insertion order, for snapshotting.
func (c *IdempotencyCache) entries() []IdempotencyRecord {
	out := make([]IdempotencyRecord, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// restore repopulates a freshly constructed cache from previously
// snapshotted records, preserving their original insertion order.
func (c *IdempotencyCache) restore(records []IdempotencyRecord) {
	for _, rec := range records {
		c.byID[rec.MoveID] = rec
		c.order = append(c.order, rec.MoveID)
	}
}
