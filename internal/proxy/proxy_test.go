package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nginxkit/proxycore/internal/headerfilter"
	"github.com/nginxkit/proxycore/internal/keepalive"
	"github.com/nginxkit/proxycore/internal/template"
)

func newUpstream(t *testing.T, body string) (addr string, close func()) {
	t.Helper()
	return newUpstreamRecordingHost(t, body, nil)
}

func newUpstreamRecordingHost(t *testing.T, body string, gotHost *string) (addr string, close func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if gotHost != nil {
			*gotHost = r.Host
		}
		w.Header().Set("X-Upstream", "one")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
	})}
	go srv.Serve(ln)
	return ln.Addr().String(), func() { srv.Close() }
}

func newHandler(t *testing.T, addr string) *Handler {
	t.Helper()
	rule, err := headerfilter.NewResponseRule("X-Added", *template.Compile("yes"), false, false)
	require.NoError(t, err)
	filter := headerfilter.NewFilter(headerfilter.Config{
		ResponseRules: []*headerfilter.HeaderRule{rule},
	})
	pool := keepalive.NewPool(keepalive.Config{
		MaxCached: 2,
		Timeout:   time.Minute,
		Overflow:  keepalive.OverflowIgnore,
		Balancer:  keepalive.FixedPeer(addr),
	}, zap.NewNop())
	return &Handler{Pool: pool, Filter: filter, DialTimeout: 2 * time.Second, Log: zap.NewNop()}
}

func TestHandlerProxiesAndFiltersHeaders(t *testing.T) {
	addr, closeUp := newUpstream(t, "hello")
	defer closeUp()

	h := newHandler(t, addr)

	req := httptest.NewRequest(http.MethodGet, "http://client.example/", nil)
	req.Host = "client.example"
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "yes", rec.Header().Get("X-Added"))
	require.Equal(t, "one", rec.Header().Get("X-Upstream"))
	require.Equal(t, "hello", rec.Body.String())
}

func TestHandlerReusesConnection(t *testing.T) {
	addr, closeUp := newUpstream(t, "ok")
	defer closeUp()

	h := newHandler(t, addr)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "http://client.example/", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		require.Equalf(t, http.StatusOK, rec.Code, "iteration %d", i)
	}
}

func TestHandlerRewritesRequestHost(t *testing.T) {
	var gotHost string
	addr, closeUp := newUpstreamRecordingHost(t, "ok", &gotHost)
	defer closeUp()

	rule, err := headerfilter.NewInputHeaderRule("Host", *template.Compile("internal.example"))
	require.NoError(t, err)
	filter := headerfilter.NewFilter(headerfilter.Config{
		InputRules: []*headerfilter.HeaderRule{rule},
	})
	pool := keepalive.NewPool(keepalive.Config{
		MaxCached: 1,
		Timeout:   time.Minute,
		Overflow:  keepalive.OverflowIgnore,
		Balancer:  keepalive.FixedPeer(addr),
	}, zap.NewNop())
	h := &Handler{Pool: pool, Filter: filter, DialTimeout: 2 * time.Second, Log: zap.NewNop()}

	req := httptest.NewRequest(http.MethodGet, "http://client.example/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "internal.example", gotHost)
}

func TestHandlerReturnsBadGatewayOnDialFailure(t *testing.T) {
	h := newHandler(t, "127.0.0.1:1") // nothing listens here

	req := httptest.NewRequest(http.MethodGet, "http://client.example/", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
}
