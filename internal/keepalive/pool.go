package keepalive

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Pool is a per-upstream cache of idle backend connections. One Pool
// instance owns one mutex guarding its arena and wait queue; there is no
// lock-free single-worker assumption here (Go has no event-loop-per-
// worker primitive to bind to), but the critical sections this mutex
// protects are exactly the ones the ungrounded source serializes by
// running on one worker.
type Pool struct {
	mu sync.Mutex

	id string // random per-instance id, for log correlation across pools

	arena      []cacheItem
	freeStack  []int
	cachedHead int
	cachedTail int

	sizeCached int
	maxCached  int
	timeout    time.Duration
	requests   int
	overflow   OverflowPolicy

	wq *waitQueue

	balancer Balancer
	metrics  Metrics
	log      *zap.Logger

	closed   bool
	watchers sync.WaitGroup
}

// NewPool preallocates the arena to cfg.MaxCached slots exactly once.
func NewPool(cfg Config, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	id := uuid.NewString()
	p := &Pool{
		id:         id,
		arena:      make([]cacheItem, cfg.MaxCached),
		cachedHead: noSlot,
		cachedTail: noSlot,
		maxCached:  cfg.MaxCached,
		timeout:    cfg.Timeout,
		requests:   cfg.Requests,
		overflow:   cfg.Overflow,
		balancer:   cfg.Balancer,
		metrics:    metrics,
		log:        log.Named("keepalive").With(zap.String("pool_id", id)),
	}
	p.freeStack = make([]int, cfg.MaxCached)
	for i := range p.arena {
		p.freeStack[i] = cfg.MaxCached - 1 - i
	}
	if cfg.Wait != nil {
		p.wq = newWaitQueue(*cfg.Wait, p.mu.Lock, p.mu.Unlock)
	}
	return p
}

// GetPeer runs the admission-control protocol (spec §4.3): consult the
// balancer, scan Cached for a byte-equal address hit, and otherwise admit,
// yield, or reject per the configured overflow policy.
func (p *Pool) GetPeer(ctx context.Context) (Result, *Connection, *WaitTicket, error) {
	addr, err := p.balancer.NextPeer(ctx)
	if err != nil {
		return ResultBusy, nil, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if conn := p.takeCachedLocked(addr); conn != nil {
		p.metrics.IncAdmission(ResultReused)
		return ResultReused, conn, nil, nil
	}

	if p.sizeCached < p.maxCached {
		p.sizeCached++
		p.metrics.IncAdmission(ResultOpenNew)
		p.reportOccupancyLocked()
		return ResultOpenNew, newAttachedStub(addr), nil, nil
	}

	if p.wq != nil && !p.wq.full() {
		ticket := p.wq.enqueue(addr)
		p.metrics.SetWaitDepth(p.wq.size)
		p.metrics.IncAdmission(ResultYield)
		return ResultYield, nil, ticket, nil
	}

	if p.wq != nil && p.wq.cfg.Overflow == OverflowReject {
		p.metrics.IncOverflowReject()
		p.metrics.IncAdmission(ResultBusy)
		return ResultBusy, nil, nil, newErr(PoolBusy, "get_peer", errPoolSaturated)
	}
	if p.wq == nil && p.overflow == OverflowReject {
		p.metrics.IncOverflowReject()
		p.metrics.IncAdmission(ResultBusy)
		return ResultBusy, nil, nil, newErr(PoolBusy, "get_peer", errPoolSaturated)
	}

	// overflow=ignore: admit and allow overshoot.
	p.sizeCached++
	p.metrics.IncAdmission(ResultOpenNew)
	p.reportOccupancyLocked()
	return ResultOpenNew, newAttachedStub(addr), nil, nil
}

// newAttachedStub is the placeholder Connection returned for ResultOpenNew:
// the caller dials and sets Conn, but the checkout is already counted in
// sizeCached so the attached flag must be set from the start.
func newAttachedStub(addr string) *Connection {
	return &Connection{Addr: addr, attached: true, slot: noSlot}
}

// takeCachedLocked scans Cached head-to-tail for the first address-equal
// entry, detaches it (slot returns to Free, connection returned to the
// caller detached from any slot) and resets its idle watchdog.
func (p *Pool) takeCachedLocked(addr string) *Connection {
	for i := p.cachedHead; i != noSlot; i = p.arena[i].next {
		item := &p.arena[i]
		if item.addr != addr {
			continue
		}
		p.unlinkCachedLocked(i)
		conn := item.conn
		item.conn = nil
		item.generation++ // invalidate any in-flight watchdog for this slot
		p.pushFreeLocked(i)
		conn.slot = noSlot
		p.reportOccupancyLocked()
		return conn
	}
	return nil
}

// EligibilityCheck carries the terminal-state facts FreePeer needs to
// decide cacheability, standing in for the half-closed/EOF/timeout/
// body-sent checks the source makes against live socket state.
type EligibilityCheck struct {
	Failed           bool // PEER_FAILED equivalent
	HalfClosed       bool
	RequestBodySent  bool
	KeepaliveWanted  bool
	Terminating      bool
}

func (c EligibilityCheck) eligible(requestCount, requestsCap int) bool {
	if c.Failed || c.HalfClosed || c.Terminating {
		return false
	}
	if !c.RequestBodySent || !c.KeepaliveWanted {
		return false
	}
	if requestsCap > 0 && requestCount >= requestsCap {
		return false
	}
	return true
}

// FreePeer is invoked with a terminal eligibility check after the
// upstream exchange. Eligible connections are cached (evicting LRU if
// necessary); ineligible connections are closed. Either path decrements
// sizeCached (guarded per the Open Question decision in DESIGN.md) and
// drains the wait queue.
func (p *Pool) FreePeer(conn *Connection, check EligibilityCheck) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if check.eligible(conn.RequestCount, p.requests) {
		p.cacheConnLocked(conn)
	} else {
		p.closeConnLocked(conn)
	}

	if conn.fromPool() && p.sizeCached > 0 {
		p.sizeCached--
	}
	conn.slot = noSlot
	p.reportOccupancyLocked()

	if p.wq != nil {
		p.wq.wakeOne()
	}
}

// cacheConnLocked links conn into a slot at the Cached head, evicting the
// LRU tail first if the Free stack is empty.
func (p *Pool) cacheConnLocked(conn *Connection) {
	var slot int
	if len(p.freeStack) == 0 {
		slot = p.evictTailLocked()
	} else {
		slot = p.popFreeLocked()
	}

	item := &p.arena[slot]
	item.membership = Cached
	item.addr = conn.Addr
	item.conn = conn
	item.generation++
	conn.slot = slot
	conn.generation = item.generation

	p.linkCachedHeadLocked(slot)

	p.watchers.Add(1)
	go p.watch(slot, item.generation, conn)
}

// evictTailLocked closes the connection at the Cached tail and returns
// its now-free slot index.
func (p *Pool) evictTailLocked() int {
	slot := p.cachedTail
	item := &p.arena[slot]
	p.unlinkCachedLocked(slot)
	if item.conn != nil {
		if item.conn.Conn != nil {
			item.conn.Conn.Close()
		}
		item.conn = nil
	}
	item.generation++
	return slot
}

func (p *Pool) closeConnLocked(conn *Connection) {
	if conn.Conn != nil {
		conn.Conn.Close()
	}
}

func (p *Pool) popFreeLocked() int {
	n := len(p.freeStack)
	slot := p.freeStack[n-1]
	p.freeStack = p.freeStack[:n-1]
	return slot
}

func (p *Pool) pushFreeLocked(slot int) {
	p.arena[slot].membership = Free
	p.freeStack = append(p.freeStack, slot)
}

func (p *Pool) linkCachedHeadLocked(slot int) {
	item := &p.arena[slot]
	item.prev = noSlot
	item.next = p.cachedHead
	if p.cachedHead != noSlot {
		p.arena[p.cachedHead].prev = slot
	}
	p.cachedHead = slot
	if p.cachedTail == noSlot {
		p.cachedTail = slot
	}
}

func (p *Pool) unlinkCachedLocked(slot int) {
	item := &p.arena[slot]
	if item.prev != noSlot {
		p.arena[item.prev].next = item.next
	} else {
		p.cachedHead = item.next
	}
	if item.next != noSlot {
		p.arena[item.next].prev = item.prev
	} else {
		p.cachedTail = item.prev
	}
	item.prev, item.next = noSlot, noSlot
}

// watch is the idle close-watcher for one cached slot: it blocks on a
// 1-byte Read with the idle deadline armed. Any outcome (timeout, FIN,
// unexpected data, error) reclaims the slot, matching the source's "any
// result but EAGAIN closes" rule — Go's blocking Read already embodies
// the "rearm and wait" behavior for the EAGAIN case, so no separate
// re-arm loop is needed. generation guards against a stale watchdog
// firing after the slot was reused or evicted out from under it.
func (p *Pool) watch(slot, generation int, conn *Connection) {
	defer p.watchers.Done()

	buf := make([]byte, 1)
	deadline := time.Now().Add(p.timeout)
	if p.timeout <= 0 {
		deadline = time.Time{}
	}
	conn.Conn.SetReadDeadline(deadline)
	_, err := conn.Conn.Read(buf)
	_ = err

	p.mu.Lock()
	defer p.mu.Unlock()

	item := &p.arena[slot]
	if item.membership != Cached || item.generation != generation {
		return // reused or already evicted; stale watchdog, no-op
	}
	p.unlinkCachedLocked(slot)
	conn.Conn.Close()
	item.conn = nil
	item.generation++
	p.pushFreeLocked(slot)
	p.log.Debug("idle connection reclaimed", zap.String("addr", conn.Addr), zap.Int("slot", slot))
}

func (p *Pool) reportOccupancyLocked() {
	free := len(p.freeStack)
	cached := 0
	for i := p.cachedHead; i != noSlot; i = p.arena[i].next {
		cached++
	}
	inFlight := p.sizeCached - cached
	if inFlight < 0 {
		inFlight = 0
	}
	p.metrics.SetOccupancy(free, cached, inFlight)
}

// Close tears the pool down: every cached connection is closed and its
// watchdog goroutine allowed to exit.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	for i := p.cachedHead; i != noSlot; {
		next := p.arena[i].next
		if c := p.arena[i].conn; c != nil {
			c.Conn.SetReadDeadline(time.Now())
		}
		i = next
	}
	p.mu.Unlock()
	p.watchers.Wait()
	return nil
}

var _ io.Closer = (*Pool)(nil)
