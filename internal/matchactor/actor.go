// Package matchactor implements the per-match state machine: one goroutine
// per match fed by a single inbound request channel, so every operation on
// a given MatchId is serialized without any lock guarding MatchState
// (spec.md §4.2, §5). The goroutine-plus-channel shape is the idiomatic Go
// analog of the spec's actor model; nothing in the teacher repo does this
// directly (chessmata runs game mutation behind Mongo's FindOneAndUpdate
// compare-and-swap), so the request/reply loop itself is original, grounded
// on the ambient worker-goroutine idiom used throughout the pack (a
// goroutine owning private state, driven by a channel of closures/requests).
package matchactor

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"fightclaw/internal/apperr"
	"fightclaw/internal/elo"
	"fightclaw/internal/engine"
	"fightclaw/internal/logging"
	"fightclaw/internal/matchstate"
	"fightclaw/internal/sse"
	"fightclaw/internal/store"
)

const (
	defaultTurnTimeout    = 60 * time.Second
	defaultIdempotencyMax = 200
)

// Config tunes one Actor's timing/capacity constants.
type Config struct {
	TurnTimeout    time.Duration
	IdempotencyMax int
}

func (c Config) withDefaults() Config {
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = defaultTurnTimeout
	}
	if c.IdempotencyMax <= 0 {
		c.IdempotencyMax = defaultIdempotencyMax
	}
	return c
}

// StateView is the read-only snapshot callers (HTTP handlers, SSE writers)
// observe. It is rebuilt from MatchState on every read. Its Game and LastMove
// pointers are shared with the actor's state; the actor replaces those
// values on each move rather than mutating them in place.
type StateView struct {
	MatchID         string             `json:"matchId"`
	StateVersion    int                `json:"stateVersion"`
	Status          matchstate.Status  `json:"status"`
	CreatedAtMs     int64              `json:"createdAtMs"`
	UpdatedAtMs     int64              `json:"updatedAtMs"`
	EndedAtMs       int64              `json:"endedAtMs,omitempty"`
	TurnExpiresAtMs int64              `json:"turnExpiresAtMs,omitempty"`
	Players         [2]string          `json:"players"`
	Game            *engine.GameState  `json:"game"`
	LastMove        *matchstate.LastMove `json:"lastMove,omitempty"`
	WinnerAgentID   string             `json:"winnerAgentId,omitempty"`
	LoserAgentID    string             `json:"loserAgentId,omitempty"`
	EndReason       string             `json:"endReason,omitempty"`
}

// MoveOutcome is what Move() reports to its caller. HTTPStatus and Body are
// the exact wire response httpapi must write verbatim: both a freshly
// applied move and a replayed one (same moveId resubmitted) go through this
// same field pair, which is what makes a replay byte-identical to the
// original regardless of how much match state has moved on in between
// (spec.md's at-most-once guarantee).
type MoveOutcome struct {
	HTTPStatus int
	Forfeited  bool
	ReasonCode string
	State      StateView
	Body       json.RawMessage
}

// Actor owns one match's authoritative state and processes every operation
// on it from a single goroutine.
type Actor struct {
	matchID string
	reqCh   chan request
	store   *store.Store
	log     *logging.Logger
	cfg     Config
	calc    *elo.Calculator

	broadcaster *sse.Broadcaster

	// notifyFinalized is called (outside the actor goroutine, via a
	// spawned goroutine) once per match on first transition to ended.
	notifyFinalized func(matchID string)

	state *matchstate.MatchState
	timer *time.Timer
}

type request struct {
	kind  string
	args  interface{}
	reply chan interface{}
}

// New constructs an Actor and starts its goroutine. Spawning happens once
// per match via Registry; callers never construct Actor directly.
func New(matchID string, st *store.Store, log *logging.Logger, cfg Config, notifyFinalized func(string)) *Actor {
	a := &Actor{
		matchID:         matchID,
		reqCh:           make(chan request, 16),
		store:           st,
		log:             log,
		cfg:             cfg.withDefaults(),
		calc:            elo.NewCalculator(),
		broadcaster:     sse.NewBroadcaster(),
		notifyFinalized: notifyFinalized,
	}
	a.restoreFromSnapshot()
	go a.run()
	return a
}

// restoreFromSnapshot reconstructs MatchState from its durably persisted
// snapshot, if one was written before the process last stopped — the path a
// match actor takes back to life on (re)activation (spec.md's durable-state
// design note). Runs once, synchronously, before the actor's goroutine
// starts, so there is no concurrent access to race against. match_events is
// history-only and is never consulted here.
func (a *Actor) restoreFromSnapshot() {
	blob, ok, err := a.store.LoadMatchSnapshot(context.Background(), a.matchID)
	if err != nil {
		a.log.Printf("match %s: load snapshot failed: %v", a.matchID, err)
		return
	}
	if !ok {
		return
	}
	var snap matchstate.Snapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		a.log.Printf("match %s: unmarshal snapshot failed: %v", a.matchID, err)
		return
	}
	a.state = matchstate.FromSnapshot(snap)
	if a.state.Status == matchstate.StatusActive && a.state.TurnExpiresAtMs > 0 {
		a.armTimeout(a.state.TurnExpiresAtMs)
	}
}

// persist durably saves the match's full state. Called synchronously after
// every state-advancing mutation and before the actor replies to its
// caller, so a process restart can reconstruct MatchState from this blob
// instead of replaying match_events.
func (a *Actor) persist() {
	blob, err := json.Marshal(a.state.ToSnapshot())
	if err != nil {
		a.log.Printf("match %s: marshal snapshot failed: %v", a.matchID, err)
		return
	}
	if err := a.store.SaveMatchSnapshot(context.Background(), a.matchID, blob); err != nil {
		a.log.Printf("match %s: save snapshot failed: %v", a.matchID, err)
	}
}

func (a *Actor) run() {
	for req := range a.reqCh {
		a.dispatch(req)
	}
}

func (a *Actor) dispatch(req request) {
	switch req.kind {
	case kindInit:
		args := req.args.(initArgs)
		view, err := a.handleInit(args)
		req.reply <- result{view: view, err: err}
	case kindMove:
		args := req.args.(moveArgs)
		out, err := a.handleMove(args)
		req.reply <- result{move: out, err: err}
	case kindFinish:
		args := req.args.(finishArgs)
		view, err := a.handleFinish(args)
		req.reply <- result{view: view, err: err}
	case kindState:
		a.enforceTimeout()
		view, initialized := a.snapshot()
		req.reply <- result{view: view, initialized: initialized}
	case kindSubscribe:
		args := req.args.(subscribeArgs)
		id, ch, initial := a.handleSubscribe(args)
		req.reply <- result{subID: id, subCh: ch, events: initial}
	case kindUnsubscribe:
		args := req.args.(unsubscribeArgs)
		a.broadcaster.Unsubscribe(args.id)
		req.reply <- result{}
	case kindTimeoutWake:
		a.enforceTimeout()
		req.reply <- result{}
	}
}

const (
	kindInit        = "init"
	kindMove        = "move"
	kindFinish      = "finish"
	kindState       = "state"
	kindSubscribe   = "subscribe"
	kindUnsubscribe = "unsubscribe"
	kindTimeoutWake = "timeoutWake"
)

type result struct {
	view        *StateView
	move        MoveOutcome
	err         *apperr.Error
	initialized bool
	subID       int64
	subCh       <-chan sse.Event
	events      []sse.Event
}

func (a *Actor) call(kind string, args interface{}) result {
	reply := make(chan interface{}, 1)
	a.reqCh <- request{kind: kind, args: args, reply: reply}
	return (<-reply).(result)
}

// --- public API -------------------------------------------------------

type initArgs struct {
	AgentA, AgentB string
	Seed           int64
	RatingA        int
	RatingB        int
}

// Init is idempotent: a second call against an already-initialized match
// just runs timeout enforcement and returns the current view.
func (a *Actor) Init(ctx context.Context, agentA, agentB string, seed int64, ratingA, ratingB int) (StateView, *apperr.Error) {
	r := a.call(kindInit, initArgs{AgentA: agentA, AgentB: agentB, Seed: seed, RatingA: ratingA, RatingB: ratingB})
	if r.err != nil {
		return StateView{}, r.err
	}
	return *r.view, nil
}

type moveArgs struct {
	AgentID         string
	MoveID          string
	ExpectedVersion int
	Move            engine.Move
}

func (a *Actor) Move(ctx context.Context, agentID, moveID string, expectedVersion int, move engine.Move) (MoveOutcome, *apperr.Error) {
	r := a.call(kindMove, moveArgs{AgentID: agentID, MoveID: moveID, ExpectedVersion: expectedVersion, Move: move})
	return r.move, r.err
}

type finishArgs struct {
	AgentID string
	Reason  string
}

func (a *Actor) Finish(ctx context.Context, agentID, reason string) (StateView, *apperr.Error) {
	r := a.call(kindFinish, finishArgs{AgentID: agentID, Reason: reason})
	if r.err != nil {
		return StateView{}, r.err
	}
	return *r.view, nil
}

// State returns (view, initialized). initialized is false for a match
// that has never had Init called.
func (a *Actor) State(ctx context.Context) (*StateView, bool) {
	r := a.call(kindState, nil)
	return r.view, r.initialized
}

type subscribeArgs struct {
	ParticipantAgentID string // empty for a spectator subscription
}

// Subscribe registers a new SSE subscriber and returns the events to send
// immediately (current state, and your_turn / game_ended as applicable),
// computed atomically with registration so nothing is missed between
// snapshot and subscribe.
func (a *Actor) Subscribe(participantAgentID string) (int64, <-chan sse.Event, []sse.Event) {
	r := a.call(kindSubscribe, subscribeArgs{ParticipantAgentID: participantAgentID})
	return r.subID, r.subCh, r.events
}

type unsubscribeArgs struct{ id int64 }

func (a *Actor) Unsubscribe(id int64) {
	a.call(kindUnsubscribe, unsubscribeArgs{id: id})
}

// --- handlers (run only on the actor goroutine) ------------------------

func nowMs() int64 { return time.Now().UnixMilli() }

func (a *Actor) handleInit(args initArgs) (*StateView, *apperr.Error) {
	if a.state != nil {
		a.enforceTimeoutLocked()
		view := a.viewLocked()
		return &view, nil
	}

	seed := args.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	game := engine.InitialState(seed, args.AgentA, args.AgentB, nil)
	now := nowMs()

	a.state = &matchstate.MatchState{
		MatchID:      a.matchID,
		StateVersion: 0,
		Status:       matchstate.StatusActive,
		CreatedAtMs:  now,
		UpdatedAtMs:  now,
		Players: [2]matchstate.PlayerSlot{
			{AgentID: args.AgentA, Side: engine.SideA},
			{AgentID: args.AgentB, Side: engine.SideB},
		},
		Game:        game,
		Idempotency: matchstate.NewIdempotencyCache(a.cfg.IdempotencyMax),
	}
	a.armTimeout(now + a.cfg.TurnTimeout.Milliseconds())

	ctx := context.Background()
	if err := a.store.InsertMatchActive(ctx, a.matchID); err != nil {
		a.log.Printf("match %s: insertMatchActive failed: %v", a.matchID, err)
	}
	if err := a.store.InsertMatchPlayers(ctx, a.matchID, []store.PlayerSeat{
		{AgentID: args.AgentA, Seat: "A", StartingRating: args.RatingA},
		{AgentID: args.AgentB, Seat: "B", StartingRating: args.RatingB},
	}); err != nil {
		a.log.Printf("match %s: insertMatchPlayers failed: %v", a.matchID, err)
	}
	a.appendEvent("match_started", map[string]interface{}{
		"matchId": a.matchID, "players": args.AgentA + "," + args.AgentB,
	})
	a.persist()

	view := a.viewLocked()
	a.broadcaster.Publish(sse.Event{Name: "state", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": a.matchID, "state": view,
	}})
	a.broadcaster.Publish(sse.Event{Name: "your_turn", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": a.matchID, "stateVersion": view.StateVersion,
	}})
	return &view, nil
}

// moveBody is the decoded shape of a cached move response, used to rebuild a
// Go-level MoveOutcome from the bytes a replay must reproduce verbatim.
type moveBody struct {
	Forfeited  bool      `json:"forfeited"`
	ReasonCode string    `json:"reasonCode"`
	State      StateView `json:"state"`
}

// buildMoveBody constructs and marshals the exact envelope httpapi writes
// for a move response, success or forfeit alike. It is called exactly once
// per original (non-replayed) submission, and the resulting bytes are cached
// under the move's moveId so a retry reproduces them unchanged.
func buildMoveBody(forfeited bool, reasonCode string, view StateView) json.RawMessage {
	payload := map[string]interface{}{"ok": !forfeited, "state": view}
	if forfeited {
		payload["forfeited"] = true
		payload["matchStatus"] = string(view.Status)
		payload["reasonCode"] = reasonCode
		if view.WinnerAgentID != "" {
			payload["winnerAgentId"] = view.WinnerAgentID
		} else {
			payload["winnerAgentId"] = nil
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		// A StateView is plain structs, strings and a *engine.GameState built
		// entirely from marshalable fields; this cannot fail in practice.
		return json.RawMessage(`{"ok":false}`)
	}
	return body
}

// replayMoveOutcome rebuilds a MoveOutcome from a cached idempotency record.
// HTTPStatus and Body are the cached bytes verbatim; the other fields are
// decoded from Body purely for Go-level callers, never re-derived from live
// match state.
func replayMoveOutcome(rec matchstate.IdempotencyRecord) MoveOutcome {
	var decoded moveBody
	_ = json.Unmarshal(rec.Body, &decoded)
	return MoveOutcome{
		HTTPStatus: rec.HTTPStatus,
		Forfeited:  decoded.Forfeited,
		ReasonCode: decoded.ReasonCode,
		State:      decoded.State,
		Body:       rec.Body,
	}
}

func (a *Actor) handleMove(args moveArgs) (MoveOutcome, *apperr.Error) {
	if a.state == nil {
		return MoveOutcome{}, apperr.Wrap(apperr.CodeMatchNotInitialized, "match has not been initialized")
	}

	if rec, ok := a.state.Idempotency.Get(args.MoveID); ok {
		return replayMoveOutcome(rec), nil
	}

	a.enforceTimeoutLocked()

	if a.state.Status == matchstate.StatusEnded {
		return MoveOutcome{}, apperr.New(409, apperr.CodeMatchEnded, "match has already ended")
	}
	if args.ExpectedVersion != a.state.StateVersion {
		return MoveOutcome{}, apperr.New(409, apperr.CodeVersionMismatch,
			fmt.Sprintf("expected version %d, current version is %d", args.ExpectedVersion, a.state.StateVersion))
	}

	if !engine.ValidateSchema(args.Move) {
		out := a.forfeit(args.AgentID, "invalid_move_schema", args.MoveID)
		return out, nil
	}

	side, seated := a.state.AgentSide(args.AgentID)
	if !seated {
		return MoveOutcome{}, apperr.New(403, apperr.CodeForbidden, "agent is not a player in this match")
	}

	if engine.CurrentPlayer(a.state.Game) != args.AgentID {
		return MoveOutcome{}, apperr.New(409, apperr.CodeNotYourTurn, "it is not this agent's turn")
	}
	_ = side

	if !engine.IsLegal(a.state.Game, args.Move) {
		out := a.forfeit(args.AgentID, "illegal_move", args.MoveID)
		return out, nil
	}

	applied := engine.ApplyMove(a.state.Game, args.Move)
	if !applied.OK {
		out := a.forfeit(args.AgentID, "invalid_move", args.MoveID)
		return out, nil
	}

	prevActive := a.state.Game.Active
	a.state.Game = applied.State
	a.state.StateVersion++
	a.state.UpdatedAtMs = nowMs()
	a.state.LastMove = &matchstate.LastMove{AgentID: args.AgentID, Move: args.Move}

	term := engine.IsTerminal(a.state.Game)
	if term.Ended {
		winner, loser := term.Winner, a.otherAgent(term.Winner)
		if term.Winner == "" {
			loser = "" // draw: winner/loser are either both set or both empty, never one alone
		}
		a.markEnded(winner, loser, terminalReasonToEndReason(term.Reason))
	} else if a.state.Game.Active != prevActive {
		a.state.TurnExpiresAtMs = a.state.UpdatedAtMs + a.cfg.TurnTimeout.Milliseconds()
		a.armTimeout(a.state.TurnExpiresAtMs)
	}

	a.appendEvent("move_applied", map[string]interface{}{
		"payloadVersion": 2,
		"agentId":        args.AgentID,
		"moveId":         args.MoveID,
		"move":           args.Move,
		"stateVersion":   a.state.StateVersion,
		"engineEvents":   applied.Events,
	})

	view := a.viewLocked()
	body := buildMoveBody(false, "", view)
	a.state.Idempotency.Put(matchstate.IdempotencyRecord{
		MoveID:       args.MoveID,
		StateVersion: a.state.StateVersion,
		HTTPStatus:   http.StatusOK,
		Body:         body,
	}, a.state.StateVersion)
	a.persist()

	a.broadcaster.Publish(sse.Event{Name: "state", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": a.matchID, "state": view,
	}})
	a.broadcaster.Publish(sse.Event{Name: "engine_events", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": a.matchID, "stateVersion": a.state.StateVersion,
		"agentId": args.AgentID, "moveId": args.MoveID, "move": args.Move, "engineEvents": applied.Events,
	}})

	if term.Ended {
		a.finalize()
		a.broadcastEnded()
	} else {
		a.broadcaster.Publish(sse.Event{Name: "your_turn", Data: map[string]interface{}{
			"eventVersion": 1, "matchId": a.matchID, "stateVersion": a.state.StateVersion,
		}})
	}

	return MoveOutcome{HTTPStatus: http.StatusOK, State: view, Body: body}, nil
}

func terminalReasonToEndReason(r engine.TerminalReason) string {
	return string(r)
}

// forfeit ends the match, awarding the win to the non-forfeiting side.
func (a *Actor) forfeit(forfeitingAgent, reasonCode, moveID string) MoveOutcome {
	winner := a.otherAgent(forfeitingAgent)
	a.state.StateVersion++
	a.state.UpdatedAtMs = nowMs()
	a.markEnded(winner, forfeitingAgent, reasonCode)

	a.appendEvent("move_applied", map[string]interface{}{
		"payloadVersion": 2,
		"agentId":        forfeitingAgent,
		"moveId":         moveID,
		"stateVersion":   a.state.StateVersion,
		"forfeitReason":  reasonCode,
	})

	view := a.viewLocked()
	body := buildMoveBody(true, reasonCode, view)
	if moveID != "" {
		a.state.Idempotency.Put(matchstate.IdempotencyRecord{
			MoveID:       moveID,
			StateVersion: a.state.StateVersion,
			HTTPStatus:   http.StatusBadRequest,
			Body:         body,
		}, a.state.StateVersion)
	}
	a.persist()

	a.broadcaster.Publish(sse.Event{Name: "state", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": a.matchID, "state": view,
	}})
	a.finalize()
	a.broadcastEnded()

	return MoveOutcome{HTTPStatus: http.StatusBadRequest, Forfeited: true, ReasonCode: reasonCode, State: view, Body: body}
}

func (a *Actor) otherAgent(agentID string) string {
	return a.state.Opponent(agentID)
}

func (a *Actor) markEnded(winner, loser, reason string) {
	a.state.Status = matchstate.StatusEnded
	a.state.EndedAtMs = nowMs()
	a.state.WinnerAgentID = winner
	a.state.LoserAgentID = loser
	a.state.EndReason = reason
	a.state.TurnExpiresAtMs = 0
	if a.timer != nil {
		a.timer.Stop()
	}
}

func (a *Actor) handleFinish(args finishArgs) (*StateView, *apperr.Error) {
	if a.state == nil {
		return nil, apperr.Wrap(apperr.CodeMatchNotInitialized, "match has not been initialized")
	}
	a.enforceTimeoutLocked()
	if a.state.Status == matchstate.StatusEnded {
		view := a.viewLocked()
		return &view, nil
	}
	if _, seated := a.state.AgentSide(args.AgentID); !seated {
		return nil, apperr.New(403, apperr.CodeForbidden, "agent is not a player in this match")
	}

	a.forfeit(args.AgentID, "forfeit", "")
	view := a.viewLocked()
	return &view, nil
}

func (a *Actor) snapshot() (*StateView, bool) {
	if a.state == nil {
		return nil, false
	}
	view := a.viewLocked()
	return &view, true
}

func (a *Actor) handleSubscribe(args subscribeArgs) (int64, <-chan sse.Event, []sse.Event) {
	id, ch := a.broadcaster.Subscribe()

	var initial []sse.Event
	if a.state != nil {
		view := a.viewLocked()
		initial = append(initial, sse.Event{Name: "state", Data: map[string]interface{}{
			"eventVersion": 1, "matchId": a.matchID, "state": view,
		}})
		if a.state.Status == matchstate.StatusEnded {
			initial = append(initial, sse.Event{Name: "game_ended", Data: a.endedPayload()})
		} else if args.ParticipantAgentID != "" && engine.CurrentPlayer(a.state.Game) == args.ParticipantAgentID {
			initial = append(initial, sse.Event{Name: "your_turn", Data: map[string]interface{}{
				"eventVersion": 1, "matchId": a.matchID, "stateVersion": a.state.StateVersion,
			}})
		}
	}
	return id, ch, initial
}

func (a *Actor) endedPayload() map[string]interface{} {
	var winner, loser interface{}
	if a.state.WinnerAgentID != "" {
		winner = a.state.WinnerAgentID
	}
	if a.state.LoserAgentID != "" {
		loser = a.state.LoserAgentID
	}
	return map[string]interface{}{
		"eventVersion": 1, "matchId": a.matchID,
		"winnerAgentId": winner, "loserAgentId": loser,
		"reason": a.state.EndReason, "reasonCode": a.state.EndReason,
	}
}

func (a *Actor) broadcastEnded() {
	payload := a.endedPayload()
	a.broadcaster.Publish(sse.Event{Name: "match_ended", Data: payload})
	a.broadcaster.Publish(sse.Event{Name: "game_ended", Data: payload})
}

func (a *Actor) viewLocked() StateView {
	s := a.state
	return StateView{
		MatchID:         s.MatchID,
		StateVersion:    s.StateVersion,
		Status:          s.Status,
		CreatedAtMs:     s.CreatedAtMs,
		UpdatedAtMs:     s.UpdatedAtMs,
		EndedAtMs:       s.EndedAtMs,
		TurnExpiresAtMs: s.TurnExpiresAtMs,
		Players:         [2]string{s.Players[0].AgentID, s.Players[1].AgentID},
		Game:            s.Game,
		LastMove:        s.LastMove,
		WinnerAgentID:   s.WinnerAgentID,
		LoserAgentID:    s.LoserAgentID,
		EndReason:       s.EndReason,
	}
}

// enforceTimeout is the entry dispatch uses for state reads and for the
// actor's own scheduled timeout wake.
func (a *Actor) enforceTimeout() {
	a.enforceTimeoutLocked()
}

func (a *Actor) enforceTimeoutLocked() {
	if a.state == nil || a.state.Status != matchstate.StatusActive {
		return
	}
	if a.state.TurnExpiresAtMs == 0 {
		a.state.TurnExpiresAtMs = a.state.UpdatedAtMs + a.cfg.TurnTimeout.Milliseconds()
		a.armTimeout(a.state.TurnExpiresAtMs)
		return
	}
	if nowMs() >= a.state.TurnExpiresAtMs {
		activeAgent := a.state.Players[sideIndex(a.state.Game.Active)].AgentID
		a.state.StateVersion++
		a.state.UpdatedAtMs = nowMs()
		a.markEnded(a.otherAgent(activeAgent), activeAgent, "turn_timeout")
		a.appendEvent("move_applied", map[string]interface{}{
			"agentId": activeAgent, "stateVersion": a.state.StateVersion, "forfeitReason": "turn_timeout",
		})
		a.persist()
		view := a.viewLocked()
		a.broadcaster.Publish(sse.Event{Name: "state", Data: map[string]interface{}{
			"eventVersion": 1, "matchId": a.matchID, "state": view,
		}})
		a.finalize()
		a.broadcastEnded()
	}
}

func sideIndex(s engine.Side) int {
	if s == engine.SideA {
		return 0
	}
	return 1
}

// armTimeout (re)schedules the wake-based enforcement path. The wake sends
// a request through the same channel every other operation uses, so it
// never races with in-flight handling.
func (a *Actor) armTimeout(deadlineMs int64) {
	if a.timer != nil {
		a.timer.Stop()
	}
	d := time.Until(time.UnixMilli(deadlineMs))
	if d < 0 {
		d = 0
	}
	a.timer = time.AfterFunc(d, func() {
		reply := make(chan interface{}, 1)
		select {
		case a.reqCh <- request{kind: kindTimeoutWake, reply: reply}:
		default:
			// Actor channel full or closed; opportunistic checks on the
			// next real request will still catch the expired turn.
		}
	})
}

func (a *Actor) appendEvent(eventType string, payload interface{}) {
	jsonPayload, err := json.Marshal(payload)
	if err != nil {
		a.log.Printf("match %s: marshal event %s failed: %v", a.matchID, eventType, err)
		return
	}
	ctx := context.Background()
	if _, err := a.store.AppendMatchEvent(ctx, a.matchID, a.state.Game.Turn, eventType, string(jsonPayload)); err != nil {
		a.log.Printf("match %s: appendMatchEvent failed: %v", a.matchID, err)
	}
}

// finalize is the serialization point for ending a match exactly once:
// INSERT OR IGNORE on match_results means only the first caller to reach
// this (across retries/forfeit races) applies the leaderboard delta.
func (a *Actor) finalize() {
	ctx := context.Background()
	s := a.state

	inserted, err := a.store.InsertMatchResult(ctx, a.matchID, s.WinnerAgentID, s.LoserAgentID, s.EndReason)
	if err != nil {
		a.log.Printf("match %s: insertMatchResult failed: %v", a.matchID, err)
		return
	}

	if err := a.store.UpdateMatchEnded(ctx, a.matchID, time.UnixMilli(s.EndedAtMs), s.WinnerAgentID, s.EndReason, s.StateVersion); err != nil {
		a.log.Printf("match %s: updateMatchEnded failed: %v", a.matchID, err)
	}

	if inserted && s.WinnerAgentID != "" && s.LoserAgentID != "" {
		a.applyRatingUpdate(ctx, s.WinnerAgentID, s.LoserAgentID)
	}

	if a.notifyFinalized != nil {
		go a.notifyFinalized(a.matchID)
	}
}

func (a *Actor) applyRatingUpdate(ctx context.Context, winner, loser string) {
	if err := a.store.UpsertLeaderboardStart(ctx, winner, elo.StartingRating); err != nil {
		a.log.Printf("match %s: upsert leaderboard (winner) failed: %v", a.matchID, err)
	}
	if err := a.store.UpsertLeaderboardStart(ctx, loser, elo.StartingRating); err != nil {
		a.log.Printf("match %s: upsert leaderboard (loser) failed: %v", a.matchID, err)
	}

	winnerRating, err := a.store.RatingOf(ctx, winner, elo.StartingRating)
	if err != nil {
		a.log.Printf("match %s: rating lookup (winner) failed: %v", a.matchID, err)
		return
	}
	loserRating, err := a.store.RatingOf(ctx, loser, elo.StartingRating)
	if err != nil {
		a.log.Printf("match %s: rating lookup (loser) failed: %v", a.matchID, err)
		return
	}

	newWinnerRating := a.calc.NewRating(winnerRating, loserRating, elo.Win)
	newLoserRating := a.calc.NewRating(loserRating, winnerRating, elo.Loss)

	if err := a.store.ApplyRatingDelta(ctx, winner, newWinnerRating, 1, 0); err != nil {
		a.log.Printf("match %s: apply rating delta (winner) failed: %v", a.matchID, err)
	}
	if err := a.store.ApplyRatingDelta(ctx, loser, newLoserRating, 0, 1); err != nil {
		a.log.Printf("match %s: apply rating delta (loser) failed: %v", a.matchID, err)
	}
}
