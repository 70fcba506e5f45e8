package keepalive

import (
	"context"
	"sync/atomic"
)

// Balancer is the inner layer KP wraps: it decides which backend address
// to target for one upstream exchange. Balancer selection algorithms are
// out of scope for this package; only the wrapping seam is implemented,
// per design note on callback chains over balancer.
type Balancer interface {
	NextPeer(ctx context.Context) (string, error)
}

// RoundRobin is a trivial fixed-address-list balancer used by the
// demo proxy and by tests. It carries no health-check or failover
// policy.
type RoundRobin struct {
	addrs []string
	next  uint32
}

// NewRoundRobin builds a RoundRobin over a fixed, nonempty address list.
func NewRoundRobin(addrs []string) *RoundRobin {
	cp := make([]string, len(addrs))
	copy(cp, addrs)
	return &RoundRobin{addrs: cp}
}

func (r *RoundRobin) NextPeer(ctx context.Context) (string, error) {
	if len(r.addrs) == 0 {
		return "", errNoUpstreams
	}
	n := atomic.AddUint32(&r.next, 1)
	return r.addrs[(n-1)%uint32(len(r.addrs))], nil
}

var errNoUpstreams = plainErr("no upstream addresses configured")

// FixedPeer is a single-address Balancer, handy for tests that want a
// deterministic target without round-robin bookkeeping.
type FixedPeer string

func (f FixedPeer) NextPeer(ctx context.Context) (string, error) { return string(f), nil }
