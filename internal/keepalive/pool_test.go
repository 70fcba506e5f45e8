package keepalive

import (
	"context"
	"testing"
	"time"
)

func eligibleCheck() EligibilityCheck {
	return EligibilityCheck{RequestBodySent: true, KeepaliveWanted: true}
}

func TestPoolRoundTrip(t *testing.T) {
	p := NewPool(Config{
		MaxCached: 2,
		Timeout:   time.Minute,
		Balancer:  FixedPeer("a"),
	}, nil)
	defer p.Close()

	result, conn, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultOpenNew {
		t.Fatalf("first GetPeer = %v, %v", result, err)
	}
	fc := newFakeConn()
	conn.Conn = fc

	p.FreePeer(conn, eligibleCheck())

	result, conn2, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultReused {
		t.Fatalf("second GetPeer = %v, %v, want Reused", result, err)
	}
	if conn2.Conn != fc {
		t.Fatal("expected round-trip to return the same connection")
	}
}

func TestFreePeerNilConnDoesNotPanic(t *testing.T) {
	p := NewPool(Config{
		MaxCached: 1,
		Timeout:   time.Minute,
		Balancer:  FixedPeer("a"),
	}, nil)
	defer p.Close()

	result, conn, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultOpenNew {
		t.Fatalf("first GetPeer = %v, %v", result, err)
	}
	// conn.Conn left nil: the caller's dial failed before assigning it.

	p.FreePeer(conn, EligibilityCheck{Failed: true})

	result, _, _, err = p.GetPeer(context.Background())
	if err != nil || result != ResultOpenNew {
		t.Fatalf("GetPeer after nil-conn FreePeer = %v, %v, want OpenNew (pool not wedged)", result, err)
	}
}

func TestPoolMaxCachedEviction(t *testing.T) {
	bal := &sequenceBalancer{addrs: []string{"a", "b"}}
	p := NewPool(Config{
		MaxCached: 1,
		Timeout:   time.Minute,
		Balancer:  bal,
	}, nil)
	defer p.Close()

	_, connA, _, err := p.GetPeer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	fcA := newFakeConn()
	connA.Conn = fcA
	p.FreePeer(connA, eligibleCheck())

	result, connB, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultOpenNew {
		t.Fatalf("GetPeer(b) = %v, %v, want OpenNew", result, err)
	}
	fcB := newFakeConn()
	connB.Conn = fcB

	if fcA.isClosed() {
		t.Fatal("A should not be closed yet: still cached, not evicted")
	}

	p.FreePeer(connB, eligibleCheck())

	// Caching B with no free slot must evict A's cached slot.
	deadline := time.Now().Add(time.Second)
	for !fcA.isClosed() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !fcA.isClosed() {
		t.Fatal("expected A's connection to be closed by eviction")
	}
}

func TestPoolRequestsCap(t *testing.T) {
	p := NewPool(Config{
		MaxCached: 1,
		Timeout:   time.Minute,
		Requests:  2,
		Balancer:  FixedPeer("a"),
	}, nil)
	defer p.Close()

	_, conn, _, err := p.GetPeer(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	fc := newFakeConn()
	conn.Conn = fc
	conn.RequestCount = 2 // at cap: this exchange must not be recached

	p.FreePeer(conn, eligibleCheck())

	if !fc.isClosed() {
		t.Fatal("expected connection at the requests cap to be closed, not cached")
	}
}

func TestPoolOverflowReject(t *testing.T) {
	bal := &sequenceBalancer{addrs: []string{"a", "b"}}
	p := NewPool(Config{
		MaxCached: 1,
		Timeout:   time.Minute,
		Overflow:  OverflowReject,
		Balancer:  bal,
	}, nil)
	defer p.Close()

	result, _, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultOpenNew {
		t.Fatalf("first GetPeer = %v, %v", result, err)
	}

	result, _, _, err = p.GetPeer(context.Background())
	if result != ResultBusy || err == nil {
		t.Fatalf("second GetPeer = %v, %v, want Busy error", result, err)
	}
}

func TestPoolQueueOverflowAndDrain(t *testing.T) {
	bal := FixedPeer("a")
	p := NewPool(Config{
		MaxCached: 1,
		Timeout:   time.Minute,
		Balancer:  bal,
		Wait:      &WaitConfig{Max: 1, Timeout: 5 * time.Second, Overflow: OverflowReject},
	}, nil)
	defer p.Close()

	// R1: admitted.
	result, conn1, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultOpenNew {
		t.Fatalf("R1 = %v, %v", result, err)
	}
	conn1.Conn = newFakeConn()

	// R2: queued.
	result, _, ticket, err := p.GetPeer(context.Background())
	if err != nil || result != ResultYield {
		t.Fatalf("R2 = %v, %v, want Yield", result, err)
	}

	// R3: busy, queue full.
	result, _, _, err = p.GetPeer(context.Background())
	if result != ResultBusy || err == nil {
		t.Fatalf("R3 = %v, %v, want Busy", result, err)
	}

	// R1 returns; R2 should be woken and then find the cached connection.
	p.FreePeer(conn1, eligibleCheck())

	select {
	case outcome := <-ticket.C():
		if outcome != WaitWoken {
			t.Fatalf("R2 outcome = %v, want WaitWoken", outcome)
		}
	case <-time.After(time.Second):
		t.Fatal("R2 was never woken")
	}

	result, conn2, _, err := p.GetPeer(context.Background())
	if err != nil || result != ResultReused {
		t.Fatalf("R2 re-entry = %v, %v, want Reused", result, err)
	}
	if conn2.Conn != conn1.Conn {
		t.Fatal("expected R2 to receive the connection R1 returned")
	}
}
