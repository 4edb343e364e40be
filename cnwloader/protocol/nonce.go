package protocol

import (
	"container/list"
	"time"
)

// NonceWindow remembers recently seen nonces. It is bounded both by capacity
// and by retention: a nonce older than retention no longer needs tracking
// because its timestamp would already be rejected as expired.
//
// NonceWindow is not safe for concurrent use; it belongs to one session and is
// guarded by the session owner.
type NonceWindow struct {
	capacity  int
	retention time.Duration
	order     *list.List // of nonceEntry, oldest first
	index     map[string]*list.Element
}

type nonceEntry struct {
	nonce  string
	seenAt time.Time
}

// NewNonceWindow returns a window holding at most capacity nonces for at most retention.
func NewNonceWindow(capacity int, retention time.Duration) *NonceWindow {
	if capacity <= 0 {
		capacity = DefaultNonceCapacity
	}
	return &NonceWindow{
		capacity:  capacity,
		retention: retention,
		order:     list.New(),
		index:     make(map[string]*list.Element, capacity),
	}
}

// Observe records nonce at time now. It returns false when the nonce is
// already in the window, which is a replay.
func (w *NonceWindow) Observe(nonce string, now time.Time) bool {
	w.expire(now)
	if _, seen := w.index[nonce]; seen {
		return false
	}
	for w.order.Len() >= w.capacity {
		w.evict(w.order.Front())
	}
	w.index[nonce] = w.order.PushBack(nonceEntry{nonce: nonce, seenAt: now})
	return true
}

// Seen reports whether nonce is currently tracked, without recording it.
func (w *NonceWindow) Seen(nonce string) bool {
	_, ok := w.index[nonce]
	return ok
}

// Len returns the number of tracked nonces.
func (w *NonceWindow) Len() int {
	return w.order.Len()
}

// Reset forgets every nonce.
func (w *NonceWindow) Reset() {
	w.order.Init()
	w.index = make(map[string]*list.Element, w.capacity)
}

func (w *NonceWindow) expire(now time.Time) {
	if w.retention <= 0 {
		return
	}
	cutoff := now.Add(-w.retention)
	for e := w.order.Front(); e != nil; e = w.order.Front() {
		if e.Value.(nonceEntry).seenAt.After(cutoff) {
			return
		}
		w.evict(e)
	}
}

func (w *NonceWindow) evict(e *list.Element) {
	delete(w.index, e.Value.(nonceEntry).nonce)
	w.order.Remove(e)
}
