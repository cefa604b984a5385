// Package matchmaker implements the singleton MatchmakerActor: the ranked
// queue, ELO-windowed pairing with rematch avoidance, the per-agent active
// match index, the long-poll lifecycle event buffer, and featured-match
// rotation (spec.md §4.3). Like matchactor, it is a single goroutine fed by
// one request channel, generalizing the teacher's ticker-plus-mutex
// matchmaking.Queue (internal/matchmaking/queue.go in jonradoff-chessmata)
// into the spec's actor discipline; the pairing heuristic itself (ELO
// window, best-opponent selection) is adapted from that file's
// canMatch/checkEloCompatibility logic.
package matchmaker

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"fightclaw/internal/apperr"
	"fightclaw/internal/ids"
	"fightclaw/internal/logging"
	"fightclaw/internal/matchactor"
	"fightclaw/internal/sse"
	"fightclaw/internal/store"
)

const (
	defaultEloRange        = 200
	defaultQueueTTL        = 10 * time.Minute
	defaultFeaturedCacheTTL = 10 * time.Second
	defaultEventBufferMax  = 25
	defaultWaitTimeout     = 30 * time.Second
)

// Config tunes the matchmaker's constants.
type Config struct {
	EloRange        int
	QueueTTL        time.Duration
	FeaturedCacheTTL time.Duration
	EventBufferMax  int
	ActorConfig     matchactor.Config
}

func (c Config) withDefaults() Config {
	if c.EloRange <= 0 {
		c.EloRange = defaultEloRange
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = defaultQueueTTL
	}
	if c.FeaturedCacheTTL <= 0 {
		c.FeaturedCacheTTL = defaultFeaturedCacheTTL
	}
	if c.EventBufferMax <= 0 {
		c.EventBufferMax = defaultEventBufferMax
	}
	return c
}

// QueueEntry mirrors spec.md §3's QueueEntry shape.
type QueueEntry struct {
	AgentID     string
	MatchID     string
	Rating      int
	EnqueuedAtMs int64
}

// ActiveMatchEntry mirrors spec.md §3's ActiveMatchEntry shape.
type ActiveMatchEntry struct {
	MatchID    string
	OpponentID string
	SetAtMs    int64
}

// FeaturedSnapshot mirrors spec.md §3's FeaturedSnapshot shape.
type FeaturedSnapshot struct {
	MatchID   string
	Status    string
	Players   [2]string
	CheckedAt time.Time
}

// Actor is the singleton matchmaker; all operations are processed by one
// goroutine so the queue, active-match index, and featured state never need
// external locking.
type Actor struct {
	reqCh    chan request
	store    *store.Store
	registry *matchactor.Registry
	log      *logging.Logger
	cfg      Config

	queue          []QueueEntry
	activeMatch    map[string]ActiveMatchEntry
	recentOpponent map[string]string
	buffers        map[string][]sse.Event
	waiters        map[string]chan sse.Event

	featured      FeaturedSnapshot
	featuredQueue []string
}

func New(st *store.Store, registry *matchactor.Registry, log *logging.Logger, cfg Config) *Actor {
	a := &Actor{
		reqCh:          make(chan request, 64),
		store:          st,
		registry:       registry,
		log:            log,
		cfg:            cfg.withDefaults(),
		activeMatch:    make(map[string]ActiveMatchEntry),
		recentOpponent: make(map[string]string),
		buffers:        make(map[string][]sse.Event),
		waiters:        make(map[string]chan sse.Event),
	}
	registry.SetFinalizedNotifier(a.NotifyFinalized)
	go a.run()
	return a
}

type request struct {
	kind  string
	args  interface{}
	reply chan interface{}
}

const (
	kindJoin            = "join"
	kindStatus          = "status"
	kindLeave           = "leave"
	kindWaitRegister    = "waitRegister"
	kindFeaturedEnded   = "featuredEnded"
	kindEnqueueFeatured = "enqueueFeatured"
	kindFeatured        = "featured"
	kindRemoveWaiter    = "removeWaiter"
)

func (a *Actor) run() {
	for req := range a.reqCh {
		a.dispatch(req)
	}
}

type result struct {
	status     string
	matchID    string
	opponentID string
	err        *apperr.Error
	snapshot   FeaturedSnapshot
	event      sse.Event
	waitCh     chan sse.Event
}

func (a *Actor) call(kind string, args interface{}) result {
	reply := make(chan interface{}, 1)
	a.reqCh <- request{kind: kind, args: args, reply: reply}
	return (<-reply).(result)
}

func nowMs() int64 { return time.Now().UnixMilli() }

func (a *Actor) dispatch(req request) {
	switch req.kind {
	case kindJoin:
		req.reply <- a.handleJoin(req.args.(string))
	case kindStatus:
		req.reply <- a.handleStatus(req.args.(string))
	case kindLeave:
		req.reply <- a.handleLeave(req.args.(string))
	case kindWaitRegister:
		req.reply <- a.handleWaitRegister(req.args.(string))
	case kindFeaturedEnded:
		a.handleFeaturedEnded(req.args.(string))
		req.reply <- result{}
	case kindEnqueueFeatured:
		args := req.args.(enqueueFeaturedArgs)
		a.handleEnqueueFeatured(args.matchID, args.players)
		req.reply <- result{}
	case kindFeatured:
		req.reply <- result{snapshot: a.handleFeatured()}
	case kindRemoveWaiter:
		args := req.args.(removeWaiterArgs)
		a.handleRemoveWaiter(args.agentID, args.ch)
		req.reply <- result{}
	}
}

func (a *Actor) handleRemoveWaiter(agentID string, ch chan sse.Event) {
	if existing, ok := a.waiters[agentID]; ok && existing == ch {
		delete(a.waiters, agentID)
	}
}

// --- public API -------------------------------------------------------

// Join implements the spec's join operation.
func (a *Actor) Join(ctx context.Context, agentID string) (status, matchID, opponentID string, err *apperr.Error) {
	r := a.call(kindJoin, agentID)
	return r.status, r.matchID, r.opponentID, r.err
}

func (a *Actor) Status(ctx context.Context, agentID string) (status, matchID, opponentID string) {
	r := a.call(kindStatus, agentID)
	return r.status, r.matchID, r.opponentID
}

func (a *Actor) Leave(ctx context.Context, agentID string) *apperr.Error {
	r := a.call(kindLeave, agentID)
	return r.err
}

// WaitForEvent long-polls for one lifecycle event. It blocks the caller's
// own goroutine (not the actor's) up to timeout.
func (a *Actor) WaitForEvent(ctx context.Context, agentID string, timeout time.Duration) sse.Event {
	if timeout <= 0 {
		timeout = defaultWaitTimeout
	}
	r := a.call(kindWaitRegister, agentID)
	if r.event.Name != "" {
		return r.event // buffer already had an event queued
	}

	select {
	case ev, ok := <-r.waitCh:
		if !ok {
			return sse.Event{Name: "no_events", Data: map[string]interface{}{"eventVersion": 1}}
		}
		return ev
	case <-time.After(timeout):
		a.removeWaiter(agentID, r.waitCh)
		return sse.Event{Name: "no_events", Data: map[string]interface{}{"eventVersion": 1}}
	case <-ctx.Done():
		a.removeWaiter(agentID, r.waitCh)
		return sse.Event{Name: "no_events", Data: map[string]interface{}{"eventVersion": 1}}
	}
}

func (a *Actor) removeWaiter(agentID string, ch chan sse.Event) {
	a.call(kindRemoveWaiter, removeWaiterArgs{agentID: agentID, ch: ch})
}

type removeWaiterArgs struct {
	agentID string
	ch      chan sse.Event
}

// NotifyFinalized is the callback wired into the registry so a MatchActor
// can tell the matchmaker a match just ended.
func (a *Actor) NotifyFinalized(matchID string) {
	a.call(kindFeaturedEnded, matchID)
}

type enqueueFeaturedArgs struct {
	matchID string
	players [2]string
}

func (a *Actor) EnqueueFeatured(matchID string, players [2]string) {
	a.call(kindEnqueueFeatured, enqueueFeaturedArgs{matchID: matchID, players: players})
}

func (a *Actor) Featured(ctx context.Context) FeaturedSnapshot {
	r := a.call(kindFeatured, nil)
	return r.snapshot
}

// Live resolves the featured match and reads its current state.
func (a *Actor) Live(ctx context.Context) (matchID string, view *matchactor.StateView) {
	snap := a.Featured(ctx)
	if snap.MatchID == "" {
		return "", nil
	}
	actor := a.registry.Get(snap.MatchID)
	v, initialized := actor.State(ctx)
	if !initialized {
		return snap.MatchID, nil
	}
	return snap.MatchID, v
}

// --- handlers (run only on the actor goroutine) ------------------------

func (a *Actor) pruneQueue() {
	cutoff := nowMs() - a.cfg.QueueTTL.Milliseconds()
	kept := a.queue[:0]
	for _, e := range a.queue {
		if e.EnqueuedAtMs >= cutoff && e.AgentID != "" {
			kept = append(kept, e)
		}
	}
	a.queue = kept
}

func (a *Actor) findQueueEntry(agentID string) (int, bool) {
	for i, e := range a.queue {
		if e.AgentID == agentID {
			return i, true
		}
	}
	return -1, false
}

func (a *Actor) handleJoin(agentID string) result {
	if entry, ok := a.activeMatch[agentID]; ok {
		if a.matchStillActive(entry.MatchID) {
			return result{status: "ready", matchID: entry.MatchID, opponentID: entry.OpponentID}
		}
		delete(a.activeMatch, agentID)
	}

	a.pruneQueue()

	if idx, ok := a.findQueueEntry(agentID); ok {
		return result{status: "waiting", matchID: a.queue[idx].MatchID}
	}

	ctx := context.Background()
	rating, err := a.store.RatingOf(ctx, agentID, 1500)
	if err != nil {
		a.log.Printf("matchmaker: rating lookup failed for %s: %v", agentID, err)
		rating = 1500
	}

	candidate, idx, found := a.selectOpponent(agentID, rating)
	if !found {
		newMatchID := newMatchID()
		a.queue = append(a.queue, QueueEntry{AgentID: agentID, MatchID: newMatchID, Rating: rating, EnqueuedAtMs: nowMs()})
		return result{status: "waiting", matchID: newMatchID}
	}

	a.queue = append(a.queue[:idx], a.queue[idx+1:]...)

	newMatchID := newMatchID()
	actor := a.registry.Get(newMatchID)
	seed := rand.Int63()
	_, initErr := actor.Init(ctx, agentID, candidate.AgentID, seed, rating, candidate.Rating)
	if initErr != nil {
		// Restore the candidate to the queue and report unavailable.
		a.queue = append(a.queue, candidate)
		return result{err: apperr.Wrap(apperr.CodeServiceUnavailable, "failed to initialize match")}
	}

	a.activeMatch[agentID] = ActiveMatchEntry{MatchID: newMatchID, OpponentID: candidate.AgentID, SetAtMs: nowMs()}
	a.activeMatch[candidate.AgentID] = ActiveMatchEntry{MatchID: newMatchID, OpponentID: agentID, SetAtMs: nowMs()}
	a.recentOpponent[agentID] = candidate.AgentID
	a.recentOpponent[candidate.AgentID] = agentID

	a.pushEvent(agentID, sse.Event{Name: "match_found", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": newMatchID, "opponentId": candidate.AgentID,
	}})
	a.pushEvent(candidate.AgentID, sse.Event{Name: "match_found", Data: map[string]interface{}{
		"eventVersion": 1, "matchId": newMatchID, "opponentId": agentID,
	}})

	a.handleEnqueueFeatured(newMatchID, [2]string{agentID, candidate.AgentID})

	return result{status: "ready", matchID: newMatchID, opponentID: candidate.AgentID}
}

// selectOpponent applies the ELO window, rematch avoidance, and
// (|Δrating| asc, enqueuedAt asc, agentId asc) tie-break from spec.md
// §4.3 step 7.
func (a *Actor) selectOpponent(agentID string, rating int) (QueueEntry, int, bool) {
	type candidate struct {
		entry QueueEntry
		idx   int
		delta int
	}
	var eligible []candidate
	lastOpponent := a.recentOpponent[agentID]

	for i, e := range a.queue {
		if e.AgentID == agentID {
			continue
		}
		delta := rating - e.Rating
		if delta < 0 {
			delta = -delta
		}
		if delta > a.cfg.EloRange {
			continue
		}
		eligible = append(eligible, candidate{entry: e, idx: i, delta: delta})
	}

	filtered := eligible
	if lastOpponent != "" {
		var withoutRematch []candidate
		for _, c := range eligible {
			if c.entry.AgentID == lastOpponent {
				continue
			}
			if a.recentOpponent[c.entry.AgentID] == agentID {
				continue
			}
			withoutRematch = append(withoutRematch, c)
		}
		if len(withoutRematch) > 0 {
			filtered = withoutRematch
		}
	}

	if len(filtered) == 0 {
		return QueueEntry{}, -1, false
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].delta != filtered[j].delta {
			return filtered[i].delta < filtered[j].delta
		}
		if filtered[i].entry.EnqueuedAtMs != filtered[j].entry.EnqueuedAtMs {
			return filtered[i].entry.EnqueuedAtMs < filtered[j].entry.EnqueuedAtMs
		}
		return filtered[i].entry.AgentID < filtered[j].entry.AgentID
	})

	best := filtered[0]
	return best.entry, best.idx, true
}

func (a *Actor) matchStillActive(matchID string) bool {
	actor := a.registry.Get(matchID)
	v, initialized := actor.State(context.Background())
	return initialized && v != nil && v.Status == "active"
}

func (a *Actor) handleStatus(agentID string) result {
	if entry, ok := a.activeMatch[agentID]; ok {
		if a.matchStillActive(entry.MatchID) {
			return result{status: "ready", matchID: entry.MatchID, opponentID: entry.OpponentID}
		}
		delete(a.activeMatch, agentID)
	}
	a.pruneQueue()
	if idx, ok := a.findQueueEntry(agentID); ok {
		return result{status: "waiting", matchID: a.queue[idx].MatchID}
	}
	return result{status: "idle"}
}

func (a *Actor) handleLeave(agentID string) result {
	if _, ok := a.activeMatch[agentID]; ok {
		return result{err: apperr.New(409, apperr.CodeAlreadyMatched, "agent is already matched")}
	}
	if idx, ok := a.findQueueEntry(agentID); ok {
		a.queue = append(a.queue[:idx], a.queue[idx+1:]...)
	}
	return result{}
}

func (a *Actor) pushEvent(agentID string, ev sse.Event) {
	if ch, ok := a.waiters[agentID]; ok {
		delete(a.waiters, agentID)
		ch <- ev
		close(ch)
		return
	}
	buf := a.buffers[agentID]
	buf = append(buf, ev)
	if len(buf) > a.cfg.EventBufferMax {
		buf = buf[len(buf)-a.cfg.EventBufferMax:]
	}
	a.buffers[agentID] = buf
}

func (a *Actor) handleWaitRegister(agentID string) result {
	buf := a.buffers[agentID]
	if len(buf) > 0 {
		ev := buf[0]
		a.buffers[agentID] = buf[1:]
		return result{event: ev}
	}

	ch := make(chan sse.Event, 1)
	a.waiters[agentID] = ch
	return result{waitCh: ch}
}

func (a *Actor) handleFeaturedEnded(matchID string) {
	for agentID, entry := range a.activeMatch {
		if entry.MatchID == matchID {
			delete(a.activeMatch, agentID)
		}
	}

	if a.featured.MatchID != matchID {
		return
	}

	a.featured = FeaturedSnapshot{}
	a.rotateFeatured()
}

func (a *Actor) rotateFeatured() {
	for len(a.featuredQueue) > 0 {
		next := a.featuredQueue[0]
		a.featuredQueue = a.featuredQueue[1:]
		if a.matchStillActive(next) {
			actor := a.registry.Get(next)
			v, _ := actor.State(context.Background())
			a.featured = FeaturedSnapshot{
				MatchID:   next,
				Status:    string(v.Status),
				Players:   v.Players,
				CheckedAt: time.Now(),
			}
			return
		}
	}
}

func (a *Actor) handleEnqueueFeatured(matchID string, players [2]string) {
	if a.featured.MatchID == "" {
		a.featured = FeaturedSnapshot{
			MatchID: matchID, Status: "active", Players: players, CheckedAt: time.Now(),
		}
		return
	}
	for _, q := range a.featuredQueue {
		if q == matchID {
			return
		}
	}
	a.featuredQueue = append(a.featuredQueue, matchID)
}

func (a *Actor) handleFeatured() FeaturedSnapshot {
	if a.featured.MatchID != "" && time.Since(a.featured.CheckedAt) < a.cfg.FeaturedCacheTTL {
		return a.featured
	}
	if a.featured.MatchID != "" && !a.matchStillActive(a.featured.MatchID) {
		a.featured = FeaturedSnapshot{}
		a.rotateFeatured()
	}
	if a.featured.MatchID != "" {
		a.featured.CheckedAt = time.Now()
	}
	return a.featured
}

func newMatchID() string {
	return ids.New()
}
