// Package keepalive implements a per-upstream pool of reusable idle
// backend connections, plus a wait queue for callers when the pool is
// saturated.
package keepalive

import (
	"net"
	"time"
)

// Membership is which of the pool's lists a cacheItem currently belongs
// to. In-flight connections are not tracked by any cacheItem: ownership
// is with the caller until FreePeer is invoked.
type Membership int

const (
	Free Membership = iota
	Cached
)

func (m Membership) String() string {
	if m == Cached {
		return "cached"
	}
	return "free"
}

const noSlot = -1

// cacheItem is one arena slot. The arena is preallocated to MaxCached
// slots exactly once, at pool construction; slots move between the Free
// stack and the Cached doubly linked list (LRU by most recent return) for
// the lifetime of the pool, never reallocated.
type cacheItem struct {
	membership Membership
	addr       string
	conn       *Connection
	generation int
	prev, next int // valid only while membership == Cached
}

// Connection is a caller-owned idle backend socket, from the pool's point
// of view. attached records whether this checkout was ever counted by
// this pool's admission control (GetPeer); slot/generation identify the
// arena slot the connection currently occupies while Cached, used only to
// validate the idle watchdog and unrelated to the decrement guard.
type Connection struct {
	Conn         net.Conn
	Addr         string
	RequestCount int

	attached   bool
	slot       int
	generation int
}

// fromPool reports whether this connection's checkout was ever counted in
// sizeCached (vs. e.g. a connection whose balancer lookup failed before
// the pool ever attached to it) — see the size_cached decrement guard in
// DESIGN.md's Open Question decisions.
func (c *Connection) fromPool() bool { return c.attached }

// Result is the three-valued outcome of GetPeer's admission control.
type Result int

const (
	// ResultOpenNew means the caller must dial a new connection itself;
	// the pool has already reserved a slot for it.
	ResultOpenNew Result = iota
	// ResultReused means an idle cached connection for this address was
	// handed back; no dial is necessary.
	ResultReused
	// ResultYield means the pool is saturated and a wait-queue ticket was
	// issued; the caller must suspend and retry GetPeer when woken.
	ResultYield
	// ResultBusy means the pool is saturated and no further admission is
	// possible; equivalent to a backend-503.
	ResultBusy
)

func (r Result) String() string {
	switch r {
	case ResultOpenNew:
		return "open_new"
	case ResultReused:
		return "reused"
	case ResultYield:
		return "yield"
	case ResultBusy:
		return "busy"
	default:
		return "unknown"
	}
}

// OverflowPolicy governs what happens when the pool (or wait queue) is
// saturated and no wait-queue slot is available or configured.
type OverflowPolicy int

const (
	OverflowIgnore OverflowPolicy = iota
	OverflowReject
)

// Config configures one Pool instance.
type Config struct {
	MaxCached int
	Timeout   time.Duration // idle timeout before the close-watcher reclaims a cached connection
	Requests  int           // 0 means unlimited
	Overflow  OverflowPolicy

	Wait *WaitConfig // nil disables the wait queue

	Balancer Balancer
	Metrics  Metrics
}

// WaitConfig configures the wait queue.
type WaitConfig struct {
	Max      int
	Timeout  time.Duration
	Overflow OverflowPolicy
}
