package keepalive

import (
	"container/list"
	"time"
)

// WaitOutcome is delivered on a WaitTicket's channel.
type WaitOutcome int

const (
	WaitWoken WaitOutcome = iota
	WaitTimedOut
)

// WaitTicket is returned by GetPeer when the caller must suspend. The
// caller should select on C() with no further timeout of its own — the
// queue's own timer delivers WaitTimedOut. On WaitWoken, the caller must
// re-enter GetPeer; it will typically hit the Cached entry the waker just
// returned.
type WaitTicket struct {
	ch    chan WaitOutcome
	q     *waitQueue
	el    *list.Element
	entry *waitEntry
}

// C returns the outcome channel. It receives exactly one value.
func (t *WaitTicket) C() <-chan WaitOutcome { return t.ch }

// Cancel unlinks the ticket's queue entry, matching the cleanup hook a
// request destruction runs in the source this is grounded on: an abandoned
// wait (caller's context done) must not hold its slot until the timeout
// timer fires. A no-op if the entry already fired (woken or timed out).
func (t *WaitTicket) Cancel() {
	t.q.lock()
	defer t.q.unlock()
	if t.entry.fired {
		return
	}
	t.entry.fired = true
	t.q.items.Remove(t.el)
	t.q.size--
	t.entry.timer.Stop()
}

// waitEntry is one suspended caller. Kept in a container/list element so
// enqueue/unlink/wake are all O(1), matching the peer-data queue-link
// model in the source this is grounded on.
type waitEntry struct {
	addr  string
	ch    chan WaitOutcome
	timer *time.Timer
	fired bool
}

// waitQueue implements WQ: enqueue (from admission control), timeout, and
// wake-on-return. It is always consulted from within a Pool operation
// already holding the pool's mutex; it takes no lock of its own.
type waitQueue struct {
	cfg   WaitConfig
	items *list.List // of *waitEntry
	size  int

	// lock/unlock acquire and release the pool's mutex. The timeout timer
	// goroutine and WaitTicket.Cancel run outside any Pool operation and
	// take the mutex through these.
	lock   func()
	unlock func()
}

func newWaitQueue(cfg WaitConfig, lock, unlock func()) *waitQueue {
	return &waitQueue{cfg: cfg, items: list.New(), lock: lock, unlock: unlock}
}

func (q *waitQueue) full() bool { return q.size >= q.cfg.Max }

// enqueue pushes a new waiter for addr and arms its timeout timer. Must be
// called with the pool mutex held.
func (q *waitQueue) enqueue(addr string) *WaitTicket {
	entry := &waitEntry{addr: addr, ch: make(chan WaitOutcome, 1)}
	el := q.items.PushBack(entry)
	q.size++

	entry.timer = time.AfterFunc(q.cfg.Timeout, func() {
		q.lock()
		defer q.unlock()
		if entry.fired {
			return
		}
		entry.fired = true
		q.items.Remove(el)
		q.size--
		entry.ch <- WaitTimedOut
	})

	return &WaitTicket{ch: entry.ch, q: q, el: el, entry: entry}
}

// wakeOne pops at most one waiter from the head and signals it. Must be
// called with the pool mutex held.
func (q *waitQueue) wakeOne() {
	el := q.items.Front()
	if el == nil {
		return
	}
	entry := el.Value.(*waitEntry)
	if entry.fired {
		return
	}
	entry.fired = true
	q.items.Remove(el)
	q.size--
	entry.timer.Stop()
	entry.ch <- WaitWoken
}
