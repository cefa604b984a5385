package engine

import (
	"math/rand"
	"sort"
)

// Config tunes initial roster size; zero value uses the documented default.
type Config struct {
	UnitsPerSide int
}

// InitialState builds the starting GameState for a fresh match. Placement is
// derived deterministically from seed: the same seed and player pair always
// produce the same roster layout, satisfying the engine's determinism
// contract (spec.md §4.1).
func InitialState(seed int64, agentA, agentB string, cfg *Config) *GameState {
	unitsPerSide := UnitsPerSide
	if cfg != nil && cfg.UnitsPerSide > 0 {
		unitsPerSide = cfg.UnitsPerSide
	}

	rng := rand.New(rand.NewSource(seed))

	units := make([]Unit, 0, unitsPerSide*2)
	units = append(units, spawnRow(rng, SideA, 0, unitsPerSide)...)
	units = append(units, spawnRow(rng, SideB, BoardSize-1, unitsPerSide)...)

	return &GameState{
		Seed:             seed,
		Turn:             0,
		Active:           SideA,
		ActionsRemaining: unitsPerSide,
		Units:            units,
		AgentIDs:         map[Side]string{SideA: agentA, SideB: agentB},
	}
}

func spawnRow(rng *rand.Rand, side Side, rank int, count int) []Unit {
	files := rng.Perm(BoardSize)[:count]
	sort.Ints(files)
	units := make([]Unit, 0, count)
	for i, f := range files {
		units = append(units, Unit{
			ID:       string(side) + itoa(i+1),
			Side:     side,
			Position: Position{File: f, Rank: rank},
			HP:       StartingHP,
			MaxHP:    StartingHP,
			Attack:   StartingATK,
			Range:    StartingRange,
		})
	}
	return units
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

// CurrentPlayer returns the AgentId of the side whose turn it is.
func CurrentPlayer(g *GameState) string {
	return g.AgentIDs[g.Active]
}

func chebyshev(a, b Position) int {
	df := a.File - b.File
	if df < 0 {
		df = -df
	}
	dr := a.Rank - b.Rank
	if dr < 0 {
		dr = -dr
	}
	if df > dr {
		return df
	}
	return dr
}

// ListLegalMoves enumerates every legal move for the active side, ordered by
// (unitId, destination) lexicographic key, plus end_turn. Per the engine
// contract this must never be empty for a non-terminal state.
func ListLegalMoves(g *GameState) []Move {
	var moves []Move

	for _, u := range g.Units {
		if u.Side != g.Active || !u.Alive() || u.Acted {
			continue
		}
		// Moves: any empty square within range.
		for df := -u.Range; df <= u.Range; df++ {
			for dr := -u.Range; dr <= u.Range; dr++ {
				if df == 0 && dr == 0 {
					continue
				}
				dest := Position{File: u.Position.File + df, Rank: u.Position.Rank + dr}
				if !dest.valid() || chebyshev(u.Position, dest) > u.Range {
					continue
				}
				if _, occupied := g.unitAt(dest); occupied {
					continue
				}
				moves = append(moves, Move{Action: ActionMove, UnitID: u.ID, Destination: dest.String()})
			}
		}
		// Attacks: adjacent (range 1) enemy unit.
		for _, v := range g.Units {
			if v.Side == u.Side || !v.Alive() {
				continue
			}
			if chebyshev(u.Position, v.Position) <= 1 {
				moves = append(moves, Move{Action: ActionAttack, UnitID: u.ID, Target: v.Position.String()})
			}
		}
	}

	sort.Slice(moves, func(i, j int) bool {
		if moves[i].UnitID != moves[j].UnitID {
			return moves[i].UnitID < moves[j].UnitID
		}
		di := moves[i].Destination
		if di == "" {
			di = moves[i].Target
		}
		dj := moves[j].Destination
		if dj == "" {
			dj = moves[j].Target
		}
		return di < dj
	})

	moves = append(moves, Move{Action: ActionEndTurn})
	return moves
}

func movesEqual(a, b Move) bool {
	return a.Action == b.Action && a.UnitID == b.UnitID && a.Destination == b.Destination && a.Target == b.Target
}

// IsLegal reports whether move is present in ListLegalMoves(g).
func IsLegal(g *GameState, move Move) bool {
	for _, m := range ListLegalMoves(g) {
		if movesEqual(m, move) {
			return true
		}
	}
	return false
}

// ValidateSchema checks that a move's shape is well-formed independent of
// board state: the action kind is known and required fields are present.
func ValidateSchema(move Move) bool {
	switch move.Action {
	case ActionEndTurn:
		return true
	case ActionMove:
		if move.UnitID == "" || move.Destination == "" {
			return false
		}
		_, ok := ParsePosition(move.Destination)
		return ok
	case ActionAttack:
		if move.UnitID == "" || move.Target == "" {
			return false
		}
		_, ok := ParsePosition(move.Target)
		return ok
	default:
		return false
	}
}

// ApplyMove runs one transition. The caller (MatchActor) is responsible for
// checking ValidateSchema and IsLegal first per spec.md §4.2's precondition
// ordering; ApplyMove re-validates defensively and reports the same
// taxonomy so it is safe to call directly (e.g. from tests).
func ApplyMove(g *GameState, move Move) ApplyResult {
	if t := IsTerminal(g); t.Ended {
		return ApplyResult{OK: false, Reason: ReasonTerminal, Err: "match already ended"}
	}
	if !ValidateSchema(move) {
		return ApplyResult{OK: false, Reason: ReasonInvalidSchema, Err: "malformed move payload"}
	}
	if !IsLegal(g, move) {
		return ApplyResult{OK: false, Reason: ReasonIllegalMove, Err: "move is not currently legal"}
	}

	next := g.Clone()
	var events []EngineEvent

	switch move.Action {
	case ActionEndTurn:
		events = append(events, EngineEvent{Type: "turn_ended", Side: next.Active})
		advanceTurn(next)

	case ActionMove:
		idx, ok := next.unitByID(move.UnitID)
		if !ok {
			return ApplyResult{OK: false, Reason: ReasonInvalidMove, Err: "unit not found"}
		}
		dest, ok := ParsePosition(move.Destination)
		if !ok {
			return ApplyResult{OK: false, Reason: ReasonInvalidMove, Err: "bad destination"}
		}
		from := next.Units[idx].Position
		next.Units[idx].Position = dest
		next.Units[idx].Acted = true
		events = append(events, EngineEvent{Type: "unit_moved", UnitID: move.UnitID, From: from.String(), To: dest.String()})
		next.ActionsRemaining--
		maybeAdvanceTurn(next, &events)

	case ActionAttack:
		idx, ok := next.unitByID(move.UnitID)
		if !ok {
			return ApplyResult{OK: false, Reason: ReasonInvalidMove, Err: "unit not found"}
		}
		target, ok := ParsePosition(move.Target)
		if !ok {
			return ApplyResult{OK: false, Reason: ReasonInvalidMove, Err: "bad target"}
		}
		tidx, ok := next.unitAt(target)
		if !ok {
			return ApplyResult{OK: false, Reason: ReasonInvalidMove, Err: "no unit at target"}
		}
		dmg := next.Units[idx].Attack
		next.Units[tidx].HP -= dmg
		if next.Units[tidx].HP < 0 {
			next.Units[tidx].HP = 0
		}
		next.Units[idx].Acted = true
		events = append(events, EngineEvent{
			Type: "unit_attacked", UnitID: move.UnitID, Target: next.Units[tidx].ID, Damage: dmg,
		})
		if !next.Units[tidx].Alive() {
			events = append(events, EngineEvent{Type: "unit_destroyed", UnitID: next.Units[tidx].ID, Side: next.Units[tidx].Side})
		}
		next.ActionsRemaining--
		maybeAdvanceTurn(next, &events)
	}

	return ApplyResult{OK: true, State: next, Events: events}
}

// maybeAdvanceTurn ends the side's turn once it has no actions left.
func maybeAdvanceTurn(g *GameState, events *[]EngineEvent) {
	if g.ActionsRemaining <= 0 {
		*events = append(*events, EngineEvent{Type: "turn_ended", Side: g.Active})
		advanceTurn(g)
	}
}

func advanceTurn(g *GameState) {
	g.Turn++
	g.Active = g.Active.Other()
	g.ActionsRemaining = g.aliveOnSide(g.Active)
	for i := range g.Units {
		if g.Units[i].Side == g.Active {
			g.Units[i].Acted = false
		}
	}
}

// IsTerminal reports whether the match has ended: one side eliminated, or
// the turn limit reached (draw).
func IsTerminal(g *GameState) TerminalStatus {
	aAlive := g.aliveOnSide(SideA)
	bAlive := g.aliveOnSide(SideB)

	if aAlive == 0 && bAlive == 0 {
		return TerminalStatus{Ended: true, Reason: TerminalElimination}
	}
	if aAlive == 0 {
		return TerminalStatus{Ended: true, Winner: g.AgentIDs[SideB], Reason: TerminalElimination}
	}
	if bAlive == 0 {
		return TerminalStatus{Ended: true, Winner: g.AgentIDs[SideA], Reason: TerminalElimination}
	}
	if g.Turn >= MaxTurns {
		return TerminalStatus{Ended: true, Reason: TerminalTurnLimit}
	}
	return TerminalStatus{Ended: false}
}
