package engine

import "testing"

func TestInitialStateDeterministic(t *testing.T) {
	a := InitialState(42, "agentA", "agentB", nil)
	b := InitialState(42, "agentA", "agentB", nil)

	if len(a.Units) != len(b.Units) {
		t.Fatalf("unit count mismatch: %d vs %d", len(a.Units), len(b.Units))
	}
	for i := range a.Units {
		if a.Units[i].Position != b.Units[i].Position {
			t.Fatalf("unit %d placement differs between identical seeds", i)
		}
	}
}

func TestInitialStateDifferentSeedsDiffer(t *testing.T) {
	a := InitialState(1, "agentA", "agentB", nil)
	b := InitialState(2, "agentA", "agentB", nil)

	same := true
	for i := range a.Units {
		if a.Units[i].Position != b.Units[i].Position {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("expected different seeds to produce different placement")
	}
}

func TestListLegalMovesNeverEmpty(t *testing.T) {
	g := InitialState(7, "agentA", "agentB", nil)
	moves := ListLegalMoves(g)
	if len(moves) == 0 {
		t.Fatal("expected at least one legal move")
	}
	foundEndTurn := false
	for _, m := range moves {
		if m.Action == ActionEndTurn {
			foundEndTurn = true
		}
	}
	if !foundEndTurn {
		t.Fatal("end_turn must always be present in legal moves")
	}
}

func TestListLegalMovesOrdered(t *testing.T) {
	g := InitialState(7, "agentA", "agentB", nil)
	moves := ListLegalMoves(g)
	for i := 1; i < len(moves)-1; i++ {
		prev, cur := moves[i-1], moves[i]
		if prev.UnitID > cur.UnitID {
			t.Fatalf("moves not ordered by unitId: %s before %s", prev.UnitID, cur.UnitID)
		}
	}
}

func TestApplyMoveEndTurnAdvances(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	res := ApplyMove(g, Move{Action: ActionEndTurn})
	if !res.OK {
		t.Fatalf("expected end_turn to succeed, got reason=%s err=%s", res.Reason, res.Err)
	}
	if res.State.Active != SideB {
		t.Fatalf("expected active side to flip to B, got %s", res.State.Active)
	}
	if res.State.Turn != g.Turn+1 {
		t.Fatalf("expected turn counter to increment")
	}
	// Original state must be untouched (pure function).
	if g.Active != SideA {
		t.Fatalf("ApplyMove must not mutate its input state")
	}
}

func TestApplyMoveRejectsIllegalMove(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	res := ApplyMove(g, Move{Action: ActionMove, UnitID: "A1", Destination: "h8"})
	if res.OK {
		t.Fatal("expected out-of-range move to be rejected")
	}
	if res.Reason != ReasonIllegalMove {
		t.Fatalf("expected illegal_move, got %s", res.Reason)
	}
}

func TestApplyMoveRejectsMalformedSchema(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	res := ApplyMove(g, Move{Action: "teleport", UnitID: "A1"})
	if res.OK {
		t.Fatal("expected unknown action to be rejected")
	}
	if res.Reason != ReasonInvalidSchema {
		t.Fatalf("expected invalid_move_schema, got %s", res.Reason)
	}
}

func TestApplyMoveRejectsAfterTerminal(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	for i := range g.Units {
		if g.Units[i].Side == SideB {
			g.Units[i].HP = 0
		}
	}
	res := ApplyMove(g, Move{Action: ActionEndTurn})
	if res.OK {
		t.Fatal("expected move against a finished match to be rejected")
	}
	if res.Reason != ReasonTerminal {
		t.Fatalf("expected terminal, got %s", res.Reason)
	}
}

func TestIsTerminalElimination(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	for i := range g.Units {
		if g.Units[i].Side == SideB {
			g.Units[i].HP = 0
		}
	}
	status := IsTerminal(g)
	if !status.Ended || status.Winner != "agentA" || status.Reason != TerminalElimination {
		t.Fatalf("expected agentA win by elimination, got %+v", status)
	}
}

func TestIsTerminalTurnLimit(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	g.Turn = MaxTurns
	status := IsTerminal(g)
	if !status.Ended || status.Winner != "" || status.Reason != TerminalTurnLimit {
		t.Fatalf("expected draw by turn limit, got %+v", status)
	}
}

func TestApplyMoveAttackDamageAndDestroyEvent(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	// Give SideB the turn and move a SideB unit adjacent to a SideA unit to
	// force a legal attack.
	g.Active = SideB
	var aIdx, bIdx int
	for i := range g.Units {
		if g.Units[i].Side == SideA {
			aIdx = i
		}
	}
	for i := range g.Units {
		if g.Units[i].Side == SideB {
			bIdx = i
		}
	}
	g.Units[bIdx].Position = Position{File: g.Units[aIdx].Position.File, Rank: g.Units[aIdx].Position.Rank + 1}
	g.Units[aIdx].HP = 1 // one hit kills

	res := ApplyMove(g, Move{Action: ActionAttack, UnitID: g.Units[bIdx].ID, Target: g.Units[aIdx].Position.String()})
	if !res.OK {
		t.Fatalf("expected attack to succeed, got reason=%s err=%s", res.Reason, res.Err)
	}
	var sawAttack, sawDestroy bool
	for _, ev := range res.Events {
		if ev.Type == "unit_attacked" {
			sawAttack = true
		}
		if ev.Type == "unit_destroyed" {
			sawDestroy = true
		}
	}
	if !sawAttack || !sawDestroy {
		t.Fatalf("expected unit_attacked and unit_destroyed events, got %+v", res.Events)
	}
}

func TestCurrentPlayer(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	if CurrentPlayer(g) != "agentA" {
		t.Fatalf("expected agentA to move first")
	}
}

func TestGameStateCloneIndependence(t *testing.T) {
	g := InitialState(3, "agentA", "agentB", nil)
	clone := g.Clone()
	clone.Units[0].HP = 0
	clone.AgentIDs[SideA] = "someoneElse"
	if g.Units[0].HP == 0 {
		t.Fatal("mutating clone's units must not affect original")
	}
	if g.AgentIDs[SideA] == "someoneElse" {
		t.Fatal("mutating clone's agent map must not affect original")
	}
}

func TestParsePositionRoundTrip(t *testing.T) {
	for _, s := range []string{"a1", "h8", "e4"} {
		p, ok := ParsePosition(s)
		if !ok {
			t.Fatalf("expected %s to parse", s)
		}
		if p.String() != s {
			t.Fatalf("round trip mismatch: %s -> %s", s, p.String())
		}
	}
	if _, ok := ParsePosition("i9"); ok {
		t.Fatal("expected out-of-bounds square to fail to parse")
	}
}
