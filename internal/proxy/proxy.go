// Package proxy is the minimal seam that exercises the header filter and
// the keepalive pool together against a real upstream. It is not a
// general-purpose reverse proxy: balancer selection is a single trivial
// round-robin Balancer (see internal/keepalive), and request/response
// framing uses net/http's own Request.Write/ReadResponse rather than a
// from-scratch HTTP implementation (the HTTP parser is out of scope).
package proxy

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nginxkit/proxycore/internal/headerfilter"
	"github.com/nginxkit/proxycore/internal/keepalive"
)

// Handler proxies one request to an upstream chosen by pool's balancer,
// reusing an idle connection when one is cached, then runs the response
// through filter before writing it back to the client.
type Handler struct {
	Pool        *keepalive.Pool
	Filter      *headerfilter.Filter
	DialTimeout time.Duration
	Log         *zap.Logger
}

func (h *Handler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.acquire(r.Context())
	if err != nil {
		h.log().Warn("upstream unavailable", zap.Error(err))
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	outreq := r.Clone(r.Context())
	outreq.RequestURI = ""
	outreq.Close = false

	inPairs := pairsFromHTTPHeader(outreq.Header)
	if outreq.Host != "" {
		inPairs = append([][2]string{{"Host", outreq.Host}}, inPairs...)
	}
	reqHeaders := headerfilter.IngestRequestHeaders(inPairs)
	if err := h.Filter.ApplyInputHeaders(reqHeaders, nil); err != nil {
		h.log().Error("input header rule failed", zap.Error(err))
	}
	outreq.Header = http.Header{}
	for _, kv := range headerfilter.EmitRequestHeaders(reqHeaders) {
		outreq.Header.Add(kv[0], kv[1])
	}
	if reqHeaders.HostText != "" {
		outreq.Host = reqHeaders.HostText
	}

	if err := outreq.Write(conn.Conn); err != nil {
		h.finish(conn, false)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn.Conn), outreq)
	if err != nil {
		h.finish(conn, false)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respHeaders := headerfilter.IngestResponseHeaders(pairsFromHTTPHeader(resp.Header))
	now := time.Now()
	if err := h.Filter.ApplyResponseHeaders(respHeaders, resp.StatusCode, isSubrequest(r), now, nil); err != nil {
		h.log().Error("header filter failed", zap.Error(err))
	}

	for _, kv := range headerfilter.EmitResponseHeaders(respHeaders) {
		w.Header().Add(kv[0], kv[1])
	}
	w.WriteHeader(resp.StatusCode)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			w.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}

	conn.RequestCount++
	keepaliveWanted := resp.Header.Get("Connection") != "close" && !resp.Close
	h.finish(conn, keepaliveWanted)
}

func (h *Handler) acquire(ctx context.Context) (*keepalive.Connection, error) {
	for {
		result, conn, ticket, err := h.Pool.GetPeer(ctx)
		switch result {
		case keepalive.ResultReused:
			return conn, nil
		case keepalive.ResultOpenNew:
			d := net.Dialer{Timeout: h.DialTimeout}
			nc, derr := d.DialContext(ctx, "tcp", conn.Addr)
			if derr != nil {
				h.Pool.FreePeer(conn, keepalive.EligibilityCheck{Failed: true})
				return nil, derr
			}
			conn.Conn = nc
			return conn, nil
		case keepalive.ResultYield:
			select {
			case outcome := <-ticket.C():
				if outcome == keepalive.WaitTimedOut {
					return nil, errUpstreamBusy
				}
				continue // re-enter GetPeer per the wake-on-return protocol
			case <-ctx.Done():
				ticket.Cancel()
				return nil, ctx.Err()
			}
		default: // ResultBusy
			return nil, err
		}
	}
}

func (h *Handler) finish(conn *keepalive.Connection, keepaliveWanted bool) {
	h.Pool.FreePeer(conn, keepalive.EligibilityCheck{
		RequestBodySent: true,
		KeepaliveWanted: keepaliveWanted,
	})
}

func isSubrequest(r *http.Request) bool {
	return r.Header.Get("X-Proxycore-Subrequest") == "1"
}

// pairsFromHTTPHeader flattens an http.Header into ordered (key, value)
// pairs, one per value, since http.Header's map representation loses the
// wire order multi-value headers arrived in.
func pairsFromHTTPHeader(h http.Header) [][2]string {
	out := make([][2]string, 0, len(h))
	for k, vs := range h {
		for _, v := range vs {
			out = append(out, [2]string{k, v})
		}
	}
	return out
}

var errUpstreamBusy = plainErr("upstream pool exhausted")

type plainErr string

func (e plainErr) Error() string { return string(e) }
