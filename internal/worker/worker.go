// Package worker implements MessageWorker, a per-topic serialized
// dispatcher: handlers registered for a topic run one at a time, in
// registration order, on a single dispatcher goroutine, and never
// while any internal lock is held.
package worker

import "sync"

// Handler receives one dispatched message.
type Handler[T any] func(message T)

// HandlerToken identifies a previously registered handler so it can
// later be removed.
type HandlerToken int64

type work[T any] struct {
	topicID string
	message T
}

type topicHandlers[T any] struct {
	next    HandlerToken
	order   []HandlerToken
	byToken map[HandlerToken]Handler[T]
	cached  []Handler[T]
	dirty   bool
}

// MessageWorker dispatches messages added via AddWork to every
// handler registered for the message's topic id, on its own
// dispatcher goroutine. Handlers for different topics may be added
// and removed concurrently; a handler is guaranteed never to run
// while the worker's internal mutex is held.
type MessageWorker[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	topics  map[string]*topicHandlers[T]
	queue   []work[T]
	running bool
	done    chan struct{}
}

// New creates a MessageWorker and starts its dispatcher goroutine.
func New[T any]() *MessageWorker[T] {
	w := &MessageWorker[T]{
		topics:  map[string]*topicHandlers[T]{},
		running: true,
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)
	go w.run()
	return w
}

func cachedHandlers[T any](t *topicHandlers[T]) []Handler[T] {
	if t.dirty {
		t.cached = make([]Handler[T], 0, len(t.order))
		for _, tok := range t.order {
			t.cached = append(t.cached, t.byToken[tok])
		}
		t.dirty = false
	}
	return t.cached
}

// AddWork enqueues message for dispatch to topicID's handlers. If
// there are no handlers registered for topicID at dispatch time, the
// message is silently dropped.
func (w *MessageWorker[T]) AddWork(topicID string, message T) {
	w.mu.Lock()
	w.queue = append(w.queue, work[T]{topicID: topicID, message: message})
	w.mu.Unlock()
	w.cond.Signal()
}

// AddHandler registers handler for topicID and returns a token to
// remove it later, plus whether this is the first handler for the
// topic (useful for deciding whether an upstream subscription needs
// to be established).
func (w *MessageWorker[T]) AddHandler(topicID string, handler Handler[T]) (HandlerToken, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.topics[topicID]
	if !ok {
		t = &topicHandlers[T]{byToken: map[HandlerToken]Handler[T]{}}
		w.topics[topicID] = t
	}
	wasEmpty := len(t.order) == 0

	t.next++
	tok := t.next
	t.byToken[tok] = handler
	t.order = append(t.order, tok)
	t.dirty = true

	return tok, wasEmpty
}

// RemoveHandler unregisters a previously added handler. It returns
// whether the topic now has zero handlers (useful for deciding
// whether to tear down an upstream subscription). A handler already
// dispatching when this is called is allowed to finish; only future
// dispatches stop seeing it.
func (w *MessageWorker[T]) RemoveHandler(topicID string, tok HandlerToken) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	t, ok := w.topics[topicID]
	if !ok {
		return true
	}
	delete(t.byToken, tok)
	for i, o := range t.order {
		if o == tok {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.dirty = true
	return len(t.order) == 0
}

// HandlerCount reports how many handlers are registered for topicID.
func (w *MessageWorker[T]) HandlerCount(topicID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.topics[topicID]
	if !ok {
		return 0
	}
	return len(t.order)
}

// Close stops the dispatcher goroutine and waits for it to exit.
// Pending queued work is discarded.
func (w *MessageWorker[T]) Close() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.cond.Broadcast()
	<-w.done
}

func (w *MessageWorker[T]) run() {
	defer close(w.done)
	for {
		w.mu.Lock()
		for w.running && len(w.queue) == 0 {
			w.cond.Wait()
		}
		if !w.running {
			w.mu.Unlock()
			return
		}

		item := w.queue[0]
		w.queue = w.queue[1:]

		t, ok := w.topics[item.topicID]
		if !ok {
			w.mu.Unlock()
			continue
		}
		handlers := cachedHandlers(t)
		// Copy before unlocking: handlers must never run under w.mu.
		snapshot := make([]Handler[T], len(handlers))
		copy(snapshot, handlers)
		w.mu.Unlock()

		for _, h := range snapshot {
			h(item.message)
		}
	}
}

// Registry lazily creates one MessageWorker per key, guarded by its
// own mutex, so concurrent lookups from different goroutines are safe.
type Registry[T any] struct {
	mu      sync.Mutex
	workers map[string]*MessageWorker[T]
}

// NewRegistry creates an empty Registry.
func NewRegistry[T any]() *Registry[T] {
	return &Registry[T]{workers: map[string]*MessageWorker[T]{}}
}

// Get returns the MessageWorker for key, creating it on first access.
func (r *Registry[T]) Get(key string) *MessageWorker[T] {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[key]
	if !ok {
		w = New[T]()
		r.workers[key] = w
	}
	return w
}

// Find returns the MessageWorker for key if it already exists.
func (r *Registry[T]) Find(key string) (*MessageWorker[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[key]
	return w, ok
}

// CloseAll stops every worker in the registry.
func (r *Registry[T]) CloseAll() {
	r.mu.Lock()
	workers := make([]*MessageWorker[T], 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.mu.Unlock()
	for _, w := range workers {
		w.Close()
	}
}
