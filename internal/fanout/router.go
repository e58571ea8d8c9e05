// Package fanout delivers committed state changes to the observers
// subscribed to the affected topic.
//
// Delivery is best-effort: nothing is persisted or replayed, and an
// observer that is not subscribed at publish time must reconcile by
// re-fetching. Within one topic events reach every observer in publish
// order; across topics no order is promised.
package fanout

import (
	"sync"

	"github.com/charmbracelet/log"

	"trading-engine/internal/model"
)

// Observer receives events. Deliver is called from the topic's drain
// goroutine and must not block; a slow observer should drop instead.
type Observer interface {
	ID() string
	Deliver(Event)
}

// Sink mirrors every published event outside the process.
type Sink interface {
	Mirror(Event)
}

type Router struct {
	mu         sync.RWMutex
	observers  map[string]Observer
	subs       map[Topic]map[string]struct{}
	byObserver map[string]map[Topic]struct{}
	queues     map[Topic]*queue
	closed     bool

	sink Sink
	log  *log.Logger
	wg   sync.WaitGroup
}

type queue struct {
	mu       sync.Mutex
	pending  []pending
	running  bool
	versions map[string]int64 // entity id -> highest version delivered
}

// pending is an event with the observers subscribed when it was published.
type pending struct {
	ev        Event
	observers []Observer
}

func NewRouter(logger *log.Logger, sink Sink) *Router {
	if logger == nil {
		logger = log.Default()
	}
	return &Router{
		observers:  make(map[string]Observer),
		subs:       make(map[Topic]map[string]struct{}),
		byObserver: make(map[string]map[Topic]struct{}),
		queues:     make(map[Topic]*queue),
		sink:       sink,
		log:        logger,
	}
}

// ── Membership ───────────────────────────────────────

func (r *Router) Register(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers[o.ID()] = o
	if _, ok := r.byObserver[o.ID()]; !ok {
		r.byObserver[o.ID()] = make(map[Topic]struct{})
	}
}

// Unregister drops the observer and every subscription it holds.
func (r *Router) Unregister(observerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for t := range r.byObserver[observerID] {
		r.unsubscribeLocked(observerID, t)
	}
	delete(r.byObserver, observerID)
	delete(r.observers, observerID)
}

// Subscribe is idempotent. The observer must be registered.
func (r *Router) Subscribe(observerID string, t Topic) error {
	if !t.Valid() {
		return model.InvalidState("invalid topic %q", t.String())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.observers[observerID]; !ok {
		return model.NotFound("observer %s not registered", observerID)
	}
	set, ok := r.subs[t]
	if !ok {
		set = make(map[string]struct{})
		r.subs[t] = set
	}
	set[observerID] = struct{}{}
	r.byObserver[observerID][t] = struct{}{}
	return nil
}

// Unsubscribe is idempotent; unknown observers and topics are ignored.
func (r *Router) Unsubscribe(observerID string, t Topic) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsubscribeLocked(observerID, t)
}

func (r *Router) unsubscribeLocked(observerID string, t Topic) {
	if set, ok := r.subs[t]; ok {
		delete(set, observerID)
		if len(set) == 0 {
			delete(r.subs, t)
		}
	}
	if topics, ok := r.byObserver[observerID]; ok {
		delete(topics, t)
	}
}

func (r *Router) Subscribers(t Topic) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[t])
}

// ── Publish ──────────────────────────────────────────

// Publish enqueues ev on t's queue and returns without waiting for
// delivery. The recipients are the observers subscribed at the time of the
// call. Callers publish only after the owning transaction commits.
func (r *Router) Publish(t Topic, ev Event) {
	ev.Topic = t
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.log.Warn("publish after close", "topic", t.String(), "event", ev.Name)
		return
	}
	q, ok := r.queues[t]
	if !ok {
		q = &queue{versions: make(map[string]int64)}
		r.queues[t] = q
	}
	q.mu.Lock()
	q.pending = append(q.pending, pending{ev: ev, observers: r.snapshotLocked(t)})
	start := !q.running
	if start {
		q.running = true
		r.wg.Add(1)
	}
	q.mu.Unlock()
	r.mu.Unlock()

	if start {
		go r.drain(t, q)
	}
}

// drain is the single consumer of one topic's queue.
func (r *Router) drain(t Topic, q *queue) {
	defer r.wg.Done()
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			r.evictIdle(t, q)
			return
		}
		next := q.pending[0]
		q.pending[0] = pending{}
		q.pending = q.pending[1:]
		ev := next.ev
		stale := false
		if ev.Version > 0 && ev.EntityID != "" {
			if last := q.versions[ev.EntityID]; ev.Version < last {
				stale = true
			} else {
				q.versions[ev.EntityID] = ev.Version
			}
		}
		q.mu.Unlock()

		if stale {
			r.log.Debug("dropping stale event", "topic", t.String(), "event", ev.Name, "version", ev.Version)
			continue
		}
		if r.sink != nil {
			r.sink.Mirror(ev)
		}
		for _, o := range next.observers {
			o.Deliver(ev)
		}
	}
}

// snapshotLocked must be called with r.mu held.
func (r *Router) snapshotLocked(t Topic) []Observer {
	set := r.subs[t]
	out := make([]Observer, 0, len(set))
	for id := range set {
		if o, ok := r.observers[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

// evictIdle forgets a drained queue once nobody observes its topic; the
// version watermark only matters while someone is listening.
func (r *Router) evictIdle(t Topic, q *queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subs[t]) > 0 || r.queues[t] != q {
		return
	}
	q.mu.Lock()
	idle := !q.running && len(q.pending) == 0
	q.mu.Unlock()
	if idle {
		delete(r.queues, t)
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wg.Wait()
}
