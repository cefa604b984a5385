package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"fightclaw/internal/logging"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fightclaw_test.db")
	s, err := Open(path, logging.New("store_test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndReadMatchLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.InsertMatchActive(ctx, "m1"); err != nil {
		t.Fatalf("insert active: %v", err)
	}
	err := s.InsertMatchPlayers(ctx, "m1", []PlayerSeat{
		{AgentID: "a1", Seat: "A", StartingRating: 1500},
		{AgentID: "a2", Seat: "B", StartingRating: 1480},
	})
	if err != nil {
		t.Fatalf("insert players: %v", err)
	}

	id, err := s.AppendMatchEvent(ctx, "m1", 1, "move_applied", `{"stateVersion":1}`)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	if id != 1 {
		t.Fatalf("expected first event id to be 1, got %d", id)
	}

	events, err := s.ReadMatchEvents(ctx, "m1", 0, 10)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	if len(events) != 1 || events[0].EventType != "move_applied" {
		t.Fatalf("unexpected events: %+v", events)
	}

	if err := s.UpdateMatchEnded(ctx, "m1", time.Now(), "a1", "elimination", 5); err != nil {
		t.Fatalf("update ended: %v", err)
	}
	// Second call must be a no-op thanks to COALESCE, not an error and not
	// overwriting the already-recorded winner.
	if err := s.UpdateMatchEnded(ctx, "m1", time.Now(), "a2", "forfeit", 99); err != nil {
		t.Fatalf("second update ended: %v", err)
	}
}

func TestInsertMatchResultSerializesFinalization(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	first, err := s.InsertMatchResult(ctx, "m1", "a1", "a2", "elimination")
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if !first {
		t.Fatal("expected first InsertMatchResult to report inserted=true")
	}

	second, err := s.InsertMatchResult(ctx, "m1", "a1", "a2", "elimination")
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second {
		t.Fatal("expected second InsertMatchResult for same match to report inserted=false")
	}
}

func TestLeaderboardUpsertAndDelta(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	if err := s.UpsertLeaderboardStart(ctx, "a1", 1500); err != nil {
		t.Fatalf("upsert start: %v", err)
	}
	// Second call must not reset an already-progressed rating.
	if err := s.ApplyRatingDelta(ctx, "a1", 1516, 1, 0); err != nil {
		t.Fatalf("apply delta: %v", err)
	}
	if err := s.UpsertLeaderboardStart(ctx, "a1", 1500); err != nil {
		t.Fatalf("second upsert start: %v", err)
	}

	rating, err := s.RatingOf(ctx, "a1", 1500)
	if err != nil {
		t.Fatalf("rating of: %v", err)
	}
	if rating != 1516 {
		t.Fatalf("expected rating to remain 1516 after no-op upsert, got %d", rating)
	}

	rows, err := s.SelectLeaderboard(ctx, 10)
	if err != nil {
		t.Fatalf("select leaderboard: %v", err)
	}
	if len(rows) != 1 || rows[0].Wins != 1 {
		t.Fatalf("unexpected leaderboard rows: %+v", rows)
	}
}

func TestRunnerOwnsAgent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ok, err := s.RunnerOwnsAgent(ctx, "runner1", "a1")
	if err != nil {
		t.Fatalf("runner owns agent: %v", err)
	}
	if ok {
		t.Fatal("expected no ownership grant to exist yet")
	}

	if _, err := s.db.ExecContext(ctx, `INSERT INTO runner_agent_ownership (runner_id, agent_id) VALUES (?, ?)`, "runner1", "a1"); err != nil {
		t.Fatalf("seed ownership: %v", err)
	}

	ok, err = s.RunnerOwnsAgent(ctx, "runner1", "a1")
	if err != nil {
		t.Fatalf("runner owns agent after grant: %v", err)
	}
	if !ok {
		t.Fatal("expected ownership grant to be visible")
	}
}
