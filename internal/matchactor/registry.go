package matchactor

import (
	"sync"

	"fightclaw/internal/logging"
	"fightclaw/internal/store"
)

// Registry routes requests to the right match's Actor, spawning its
// goroutine exactly once per matchId. sync.Map plus a per-key sync.Once
// gives spawn-once semantics without a global lock serializing unrelated
// matches against each other.
type Registry struct {
	store *store.Store
	log   *logging.Logger
	cfg   Config

	onFinalizedMu sync.RWMutex
	onFinalized   func(matchID string)

	entries sync.Map // matchId -> *registryEntry
}

type registryEntry struct {
	once  sync.Once
	actor *Actor
}

func NewRegistry(st *store.Store, log *logging.Logger, cfg Config) *Registry {
	return &Registry{store: st, log: log, cfg: cfg}
}

// SetFinalizedNotifier wires the callback Actors invoke once a match
// finalizes (used by the matchmaker to rotate the featured match). It must
// be called before any match is spawned to avoid missing notifications,
// but is safe to call concurrently with Get.
func (r *Registry) SetFinalizedNotifier(fn func(matchID string)) {
	r.onFinalizedMu.Lock()
	defer r.onFinalizedMu.Unlock()
	r.onFinalized = fn
}

func (r *Registry) notify(matchID string) {
	r.onFinalizedMu.RLock()
	fn := r.onFinalized
	r.onFinalizedMu.RUnlock()
	if fn != nil {
		fn(matchID)
	}
}

// Get returns the Actor for matchId, spawning it on first access.
func (r *Registry) Get(matchID string) *Actor {
	entryIface, _ := r.entries.LoadOrStore(matchID, &registryEntry{})
	entry := entryIface.(*registryEntry)
	entry.once.Do(func() {
		entry.actor = New(matchID, r.store, r.log, r.cfg, r.notify)
	})
	return entry.actor
}
