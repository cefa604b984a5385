package matchactor

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"fightclaw/internal/engine"
	"fightclaw/internal/logging"
	"fightclaw/internal/matchstate"
	"fightclaw/internal/store"
)

func newTestActor(t *testing.T, cfg Config) *Actor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fightclaw_test.db")
	st, err := store.Open(path, logging.New("actor_test"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New("m1", st, logging.New("actor_test"), cfg, nil)
}

func TestInitIsIdempotent(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()

	v1, err := a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	v2, err := a.Init(ctx, "agentA", "agentB", 999, 1500, 1500)
	if err != nil {
		t.Fatalf("second init: %v", err)
	}
	if v1.StateVersion != v2.StateVersion || v1.Players != v2.Players {
		t.Fatalf("expected second init to be a no-op returning the same state")
	}
}

func TestMoveRejectsWrongVersion(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	_, err := a.Move(ctx, "agentA", "mv1", 5, engine.Move{Action: engine.ActionEndTurn})
	if err == nil || err.Code != "version_mismatch" {
		t.Fatalf("expected version_mismatch, got %+v", err)
	}
}

func TestMoveRejectsWrongTurn(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	_, err := a.Move(ctx, "agentB", "mv1", 0, engine.Move{Action: engine.ActionEndTurn})
	if err == nil || err.Code != "not_your_turn" {
		t.Fatalf("expected not_your_turn, got %+v", err)
	}
}

func TestMoveIdempotentReplay(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	out1, err := a.Move(ctx, "agentA", "mv1", 0, engine.Move{Action: engine.ActionEndTurn})
	if err != nil {
		t.Fatalf("first move: %v", err)
	}
	out2, err := a.Move(ctx, "agentA", "mv1", 0, engine.Move{Action: engine.ActionEndTurn})
	if err != nil {
		t.Fatalf("replayed move: %v", err)
	}
	if out1.State.StateVersion != out2.State.StateVersion {
		t.Fatalf("expected replayed move to return identical stateVersion: %d vs %d",
			out1.State.StateVersion, out2.State.StateVersion)
	}
}

// TestMoveIdempotentReplaySurvivesInterveningMoves is the scenario a replay
// with no intervening move can't catch: the cached reply must stay pinned to
// the stateVersion/body of the original submission even after the match has
// moved on, not drift to whatever the match looks like now.
func TestMoveIdempotentReplaySurvivesInterveningMoves(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	original, err := a.Move(ctx, "agentA", "mv1", 0, engine.Move{Action: engine.ActionEndTurn})
	if err != nil {
		t.Fatalf("first move: %v", err)
	}

	if _, err := a.Move(ctx, "agentB", "mv2", 1, engine.Move{Action: engine.ActionEndTurn}); err != nil {
		t.Fatalf("intervening move: %v", err)
	}

	replay, err := a.Move(ctx, "agentA", "mv1", 0, engine.Move{Action: engine.ActionEndTurn})
	if err != nil {
		t.Fatalf("replayed move: %v", err)
	}
	if string(replay.Body) != string(original.Body) {
		t.Fatalf("expected replay to reproduce the original response bytes verbatim, got %s vs %s",
			replay.Body, original.Body)
	}
	if replay.State.StateVersion != original.State.StateVersion {
		t.Fatalf("expected replay stateVersion to stay pinned to the original (%d), got %d",
			original.State.StateVersion, replay.State.StateVersion)
	}
}

func TestMoveInvalidSchemaForfeits(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	out, err := a.Move(ctx, "agentA", "mv1", 0, engine.Move{Action: "not_a_real_action"})
	if err != nil {
		t.Fatalf("expected a forfeit outcome rather than an error, got error %+v", err)
	}
	if !out.Forfeited || out.ReasonCode != "invalid_move_schema" {
		t.Fatalf("expected forfeit with invalid_move_schema, got %+v", out)
	}
	if out.HTTPStatus != http.StatusBadRequest {
		t.Fatalf("expected forfeits to report HTTP 400, got %d", out.HTTPStatus)
	}
	if out.State.Status != matchstate.StatusEnded {
		t.Fatalf("expected match to be ended after forfeit")
	}
	if out.State.WinnerAgentID != "agentB" {
		t.Fatalf("expected agentB to win by forfeit, got %s", out.State.WinnerAgentID)
	}
}

// TestMoveTurnLimitEndsInDrawWithNoWinnerOrLoser drives the match to its
// turn limit via alternating end_turn moves and checks the pair-shape
// invariant: a draw must leave both winnerAgentId and loserAgentId empty,
// never one set without the other.
func TestMoveTurnLimitEndsInDrawWithNoWinnerOrLoser(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	agents := [2]string{"agentA", "agentB"}
	var out MoveOutcome
	for i := 0; ; i++ {
		agent := agents[i%2]
		o, appErr := a.Move(ctx, agent, fmt.Sprintf("mv%d", i), i, engine.Move{Action: engine.ActionEndTurn})
		if appErr != nil {
			t.Fatalf("move %d: %+v", i, appErr)
		}
		out = o
		if out.State.Status == matchstate.StatusEnded {
			break
		}
		if i > 500 {
			t.Fatal("match never reached its turn limit")
		}
	}

	if out.State.EndReason != "turn_limit" {
		t.Fatalf("expected turn_limit end reason, got %s", out.State.EndReason)
	}
	if out.State.WinnerAgentID != "" || out.State.LoserAgentID != "" {
		t.Fatalf("expected a draw to leave winner and loser both empty, got winner=%q loser=%q",
			out.State.WinnerAgentID, out.State.LoserAgentID)
	}
}

func TestFinishForfeitsCaller(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	view, err := a.Finish(ctx, "agentA", "forfeit")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if view.Status != matchstate.StatusEnded || view.WinnerAgentID != "agentB" {
		t.Fatalf("expected agentB to win after agentA forfeits, got %+v", view)
	}
}

func TestFinishUnknownAgentForbidden(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	_, err := a.Finish(ctx, "stranger", "forfeit")
	if err == nil || err.HTTPStatus != 403 {
		t.Fatalf("expected 403 forbidden, got %+v", err)
	}
}

func TestStateReturnsUninitialized(t *testing.T) {
	a := newTestActor(t, Config{})
	view, initialized := a.State(context.Background())
	if initialized || view != nil {
		t.Fatalf("expected uninitialized state, got %+v initialized=%v", view, initialized)
	}
}

func TestSubscribeDeliversCurrentState(t *testing.T) {
	a := newTestActor(t, Config{})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	_, ch, initial := a.Subscribe("agentA")
	if len(initial) == 0 || initial[0].Name != "state" {
		t.Fatalf("expected initial state event, got %+v", initial)
	}
	// your_turn should also be included since it's agentA's turn at init.
	foundYourTurn := false
	for _, ev := range initial {
		if ev.Name == "your_turn" {
			foundYourTurn = true
		}
	}
	if !foundYourTurn {
		t.Fatalf("expected your_turn in initial events for the active agent, got %+v", initial)
	}
	_ = ch
}

func TestTurnTimeoutForfeitsActiveAgent(t *testing.T) {
	a := newTestActor(t, Config{TurnTimeout: 10 * time.Millisecond})
	ctx := context.Background()
	a.Init(ctx, "agentA", "agentB", 7, 1500, 1500)

	time.Sleep(30 * time.Millisecond)
	view, initialized := a.State(ctx)
	if !initialized {
		t.Fatal("expected match to be initialized")
	}
	if view.Status != matchstate.StatusEnded {
		t.Fatalf("expected turn timeout to end the match, got status=%s", view.Status)
	}
	if view.WinnerAgentID != "agentB" {
		t.Fatalf("expected agentB to win since agentA (side A, active first) timed out, got %s", view.WinnerAgentID)
	}
	if view.EndReason != "turn_timeout" {
		t.Fatalf("expected end reason turn_timeout, got %s", view.EndReason)
	}
}
