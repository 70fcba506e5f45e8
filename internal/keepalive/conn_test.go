package keepalive

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// fakeConn is a minimal net.Conn for tests: Read blocks until either the
// connection is closed (returns io.EOF, modeling a FIN) or its read
// deadline elapses (returns a timeout error), matching the two outcomes
// the idle close-watcher needs to distinguish from real data arriving.
type fakeConn struct {
	mu         sync.Mutex
	closed     bool
	closeCh    chan struct{}
	deadlineCh chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closeCh: make(chan struct{}), deadlineCh: make(chan struct{})}
}

func (c *fakeConn) Read(b []byte) (int, error) {
	c.mu.Lock()
	dch := c.deadlineCh
	c.mu.Unlock()
	select {
	case <-c.closeCh:
		return 0, io.EOF
	case <-dch:
		return 0, fakeTimeoutErr{}
	}
}

func (c *fakeConn) Write(b []byte) (int, error) { return len(b), nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closeCh)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) LocalAddr() net.Addr  { return fakeAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.deadlineCh = ch
	if !t.IsZero() {
		if d := time.Until(t); d <= 0 {
			close(ch)
		} else {
			time.AfterFunc(d, func() { close(ch) })
		}
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "fake" }
func (fakeAddr) String() string  { return "fake" }

type fakeTimeoutErr struct{}

func (fakeTimeoutErr) Error() string { return "i/o timeout" }
func (fakeTimeoutErr) Timeout() bool { return true }
func (fakeTimeoutErr) Temporary() bool { return true }

// sequenceBalancer returns each address in order, once per call, for
// tests that need GetPeer to target distinct peers across calls.
type sequenceBalancer struct {
	mu    sync.Mutex
	addrs []string
	i     int
}

func (b *sequenceBalancer) NextPeer(_ context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr := b.addrs[b.i%len(b.addrs)]
	b.i++
	return addr, nil
}
