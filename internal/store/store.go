// Package store presents a narrow, strongly-typed surface over the
// relational persistence layer (spec.md §4.4, §6.4). The shape — a single
// wrapper type owning the connection plus one small typed method per query
// the rest of the server needs — mirrors the teacher's mongodb.go
// collection-wrapper idiom; the driver underneath is modernc.org/sqlite
// (pure Go, no cgo) instead of Mongo, since the persisted schema here is
// genuinely relational (fixed columns, INSERT OR IGNORE, COALESCE-guarded
// updates).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fightclaw/internal/logging"
)

type Store struct {
	db  *sql.DB
	log *logging.Logger
}

// Open connects to the sqlite database at path and ensures the schema
// exists. Schema creation runs synchronously at startup (unlike the
// teacher's background-goroutine index creation) because sqlite's
// single-writer model makes a startup migration cheap and it must complete
// before the server accepts traffic.
func Open(path string, log *logging.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers ourselves

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Printf("store opened at %s", path)
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// InsertMatchActive records a newly allocated match as active.
func (s *Store) InsertMatchActive(ctx context.Context, matchID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO matches (id, status, mode) VALUES (?, 'active', 'ranked')`,
		matchID,
	)
	return err
}

// UpdateMatchEnded marks a match ended, preserving any previously recorded
// winner/reason/version via COALESCE so a concurrent second finalizer call
// is a no-op.
func (s *Store) UpdateMatchEnded(ctx context.Context, matchID string, endedAt time.Time, winnerAgentID, endReason string, finalStateVersion int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE matches
		SET status = 'ended',
		    ended_at = COALESCE(ended_at, ?),
		    winner_agent_id = COALESCE(winner_agent_id, ?),
		    end_reason = COALESCE(end_reason, ?),
		    final_state_version = COALESCE(final_state_version, ?)
		WHERE id = ?`,
		endedAt, nullIfEmpty(winnerAgentID), nullIfEmpty(endReason), finalStateVersion, matchID,
	)
	return err
}

// PlayerSeat describes one seat being recorded for a match.
type PlayerSeat struct {
	AgentID         string
	Seat            string
	StartingRating  int
	PromptVersionID string
}

// InsertMatchPlayers records both seats for a match.
func (s *Store) InsertMatchPlayers(ctx context.Context, matchID string, seats []PlayerSeat) error {
	for _, seat := range seats {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO match_players (match_id, agent_id, seat, starting_rating, prompt_version_id)
			VALUES (?, ?, ?, ?, ?)`,
			matchID, seat.AgentID, seat.Seat, seat.StartingRating, nullIfEmpty(seat.PromptVersionID),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// UpdateMatchPlayerTelemetry writes runner-supplied model telemetry with a
// COALESCE-preserving write: the first non-null value for each column wins,
// matching spec.md §6.3.
func (s *Store) UpdateMatchPlayerTelemetry(ctx context.Context, matchID, agentID, modelProvider, modelID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE match_players
		SET model_provider = COALESCE(model_provider, ?),
		    model_id = COALESCE(model_id, ?)
		WHERE match_id = ? AND agent_id = ?`,
		nullIfEmpty(modelProvider), nullIfEmpty(modelID), matchID, agentID,
	)
	return err
}

// AppendMatchEvent appends one append-only event row, returning its
// monotone auto-id.
func (s *Store) AppendMatchEvent(ctx context.Context, matchID string, turn int, eventType string, payloadJSON string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO match_events (match_id, turn, event_type, payload_json)
		VALUES (?, ?, ?, ?)`,
		matchID, turn, eventType, payloadJSON,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MatchEvent is one row from match_events.
type MatchEvent struct {
	ID          int64
	MatchID     string
	Turn        int
	Ts          time.Time
	EventType   string
	PayloadJSON string
}

// ReadMatchEvents returns events with id > afterId, ordered ascending,
// capped at limit (spec.md caps this at 5000).
func (s *Store) ReadMatchEvents(ctx context.Context, matchID string, afterID int64, limit int) ([]MatchEvent, error) {
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, match_id, turn, ts, event_type, payload_json
		FROM match_events
		WHERE match_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`,
		matchID, afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []MatchEvent
	for rows.Next() {
		var e MatchEvent
		if err := rows.Scan(&e.ID, &e.MatchID, &e.Turn, &e.Ts, &e.EventType, &e.PayloadJSON); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LeaderboardRow is one row of the public leaderboard.
type LeaderboardRow struct {
	AgentID     string
	Rating      int
	Wins        int
	Losses      int
	GamesPlayed int
}

// SelectLeaderboard returns the top rows by rating descending, capped at
// limit (spec.md caps this at 200).
func (s *Store) SelectLeaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, rating, wins, losses, games_played
		FROM leaderboard
		ORDER BY rating DESC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		if err := rows.Scan(&r.AgentID, &r.Rating, &r.Wins, &r.Losses, &r.GamesPlayed); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpsertLeaderboardStart ensures a leaderboard row exists for agentID,
// seeding it at startingRating if absent. A pre-existing row is left
// untouched.
func (s *Store) UpsertLeaderboardStart(ctx context.Context, agentID string, startingRating int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO leaderboard (agent_id, rating, wins, losses, games_played, updated_at)
		VALUES (?, ?, 0, 0, 0, CURRENT_TIMESTAMP)
		ON CONFLICT(agent_id) DO NOTHING`,
		agentID, startingRating,
	)
	return err
}

// RatingOf returns the agent's current rating, or defaultRating if the
// agent has no leaderboard row yet.
func (s *Store) RatingOf(ctx context.Context, agentID string, defaultRating int) (int, error) {
	var rating int
	err := s.db.QueryRowContext(ctx, `SELECT rating FROM leaderboard WHERE agent_id = ?`, agentID).Scan(&rating)
	if err == sql.ErrNoRows {
		return defaultRating, nil
	}
	if err != nil {
		return 0, err
	}
	return rating, nil
}

// ApplyRatingDelta sets the agent's new rating and increments win/loss
// counters and games_played.
func (s *Store) ApplyRatingDelta(ctx context.Context, agentID string, newRating, winsDelta, lossesDelta int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE leaderboard
		SET rating = ?,
		    wins = wins + ?,
		    losses = losses + ?,
		    games_played = games_played + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE agent_id = ?`,
		newRating, winsDelta, lossesDelta, agentID,
	)
	return err
}

// InsertMatchResult is the serialization point for finalization: exactly
// one caller's INSERT wins the race, and only that caller should apply the
// leaderboard delta.
func (s *Store) InsertMatchResult(ctx context.Context, matchID, winnerAgentID, loserAgentID, reason string) (inserted bool, err error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO match_results (match_id, winner_agent_id, loser_agent_id, reason)
		VALUES (?, ?, ?, ?)`,
		matchID, nullIfEmpty(winnerAgentID), nullIfEmpty(loserAgentID), reason,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// HasMatchResult reports whether a match has already been finalized.
func (s *Store) HasMatchResult(ctx context.Context, matchID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM match_results WHERE match_id = ?`, matchID).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// RunnerOwnsAgent reports whether runnerID has an active (non-revoked)
// ownership grant for agentID.
func (s *Store) RunnerOwnsAgent(ctx context.Context, runnerID, agentID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM runner_agent_ownership
		WHERE runner_id = ? AND agent_id = ? AND revoked_at IS NULL`,
		runnerID, agentID,
	).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// BindRunnerToAgent grants a runner ownership of an agent, the write behind
// the CLI's runner-binding flow (spec.md's runner surface has no HTTP route
// for establishing ownership, same as agent registration).
func (s *Store) BindRunnerToAgent(ctx context.Context, runnerID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO runner_agent_ownership (runner_id, agent_id, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`,
		runnerID, agentID,
	)
	return err
}

// Agent is one row of the agents table.
type Agent struct {
	ID          string
	Name        string
	APIKeyHash  string
	VerifiedAt  sql.NullTime
	DisabledAt  sql.NullTime
}

// AgentByAPIKeyHash looks up an agent by its hashed bearer key.
func (s *Store) AgentByAPIKeyHash(ctx context.Context, keyHash string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, verified_at, disabled_at
		FROM agents WHERE api_key_hash = ?`,
		keyHash,
	).Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.VerifiedAt, &a.DisabledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// AgentByID loads an agent by its primary key, for the runner surface where
// the acting agent is named by an x-agent-id header rather than its own
// bearer token.
func (s *Store) AgentByID(ctx context.Context, agentID string) (*Agent, error) {
	var a Agent
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, api_key_hash, verified_at, disabled_at
		FROM agents WHERE id = ?`,
		agentID,
	).Scan(&a.ID, &a.Name, &a.APIKeyHash, &a.VerifiedAt, &a.DisabledAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAgent inserts a new agent, pre-verified, with the given hashed API
// key. Agent registration proper (claim codes, pepper rotation) is handled
// outside this server; this is the narrow write the provisioning CLI needs.
func (s *Store) CreateAgent(ctx context.Context, id, name, apiKeyHash string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, name, api_key_hash, verified_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		id, name, apiKeyHash,
	)
	return err
}

// SaveMatchSnapshot durably persists a match's full in-memory state (its
// MatchState plus idempotency cache, serialized by the caller) as an opaque
// blob keyed by matchId — the key-value abstraction spec.md's durable-state
// design note calls for, layered on the same embedded store rather than a
// separate dependency. Overwrites any previous snapshot for the match.
func (s *Store) SaveMatchSnapshot(ctx context.Context, matchID string, blob []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO match_snapshots (match_id, blob, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(match_id) DO UPDATE SET blob = excluded.blob, updated_at = excluded.updated_at`,
		matchID, blob,
	)
	return err
}

// LoadMatchSnapshot returns the most recently persisted snapshot for a
// match, if one exists. This is the only path back to live MatchState after
// a process restart; match_events is append-only history and is never read
// for state recovery.
func (s *Store) LoadMatchSnapshot(ctx context.Context, matchID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM match_snapshots WHERE match_id = ?`, matchID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
