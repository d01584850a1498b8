package queue

import (
	"sync"

	"sabarelay.org/internal/obs"
)

// Waiters is a keyed blocking-wait registry: at most one live waiter per
// node id. A poll handler registers before checking for pending work, blocks
// on the returned channel, and a submission wakes it by closing the channel.
//
// Wake is an idempotent signal, not the sole completion trigger: the poll
// path re-checks the store after waking, so a wake that fires when no waiter
// is registered is safely a no-op (the next poll's pending-check fast path
// observes the work instead).
type Waiters struct {
	mu sync.Mutex
	m  map[string]chan struct{}
}

// NewWaiters creates an empty registry.
func NewWaiters() *Waiters {
	return &Waiters{m: make(map[string]chan struct{})}
}

// Register installs a fresh waiter for the key and returns its channel. Any
// previous waiter for the key is cancelled (its channel closed) so a retried
// poll connection supersedes the stale one instead of leaking it.
func (w *Waiters) Register(key string) chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	if old, ok := w.m[key]; ok {
		close(old)
	} else {
		obs.PollWaiters.Inc()
	}
	ch := make(chan struct{})
	w.m[key] = ch
	return ch
}

// Cancel removes the waiter if it is still the current one for the key.
func (w *Waiters) Cancel(key string, ch chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if cur, ok := w.m[key]; ok && cur == ch {
		delete(w.m, key)
		obs.PollWaiters.Dec()
	}
}

// Wake resumes the current waiter for the key, if any. The channel is closed
// exactly once: Register and Cancel remove it from the map under the same
// lock, so a woken channel is never closed again.
func (w *Waiters) Wake(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.m[key]; ok {
		close(ch)
		delete(w.m, key)
		obs.PollWaiters.Dec()
	}
}

// Len reports the number of registered waiters.
func (w *Waiters) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.m)
}
