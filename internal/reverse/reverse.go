// Package reverse implements the reverse HTTP/HTTPS proxy over
// health-checked, weighted upstream groups (spec.md §1(c)/§4.10/§4.3).
// Each request picks a backend via internal/upstream.Selector and is
// proxied through net/http/httputil.ReverseProxy, feeding the round
// trip's success/failure back into internal/health.Registry.
package reverse

import (
	"context"
	"net"
	"net/http"
	"net/http/httputil"
	"time"

	"github.com/paulguzu/edgefabric/internal/health"
	"github.com/paulguzu/edgefabric/internal/upstream"
	"go.uber.org/zap"
)

// Proxy is an http.Handler balancing requests over one upstream group.
type Proxy struct {
	selector *upstream.Selector
	registry *health.Registry
	log      *zap.Logger
	https    bool

	proxy *httputil.ReverseProxy
}

// New builds a Proxy, grounded on the pack's use of
// httputil.NewSingleHostReverseProxy (Polqt-golang-journey's
// service-mesh proxy) but with a per-request Director that re-picks
// the backend from selector rather than a fixed single host.
func New(selector *upstream.Selector, registry *health.Registry, https bool, dialTimeout time.Duration, log *zap.Logger) *Proxy {
	if log == nil {
		log = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	p := &Proxy{selector: selector, registry: registry, log: log, https: https}

	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: dialTimeout}).DialContext,
	}

	p.proxy = &httputil.ReverseProxy{
		Director:       p.director,
		Transport:      transport,
		ErrorHandler:   p.handleError,
		ModifyResponse: p.recordSuccess,
	}
	return p
}

// pickedAddrKey carries the chosen backend address from Director
// through to ModifyResponse/ErrorHandler via the request context,
// since httputil.ReverseProxy gives no other hook for it.
type pickedAddrKey struct{}

func (p *Proxy) director(req *http.Request) {
	scheme := "http"
	if p.https {
		scheme = "https"
	}

	addr, ok := p.selector.Pick()
	if !ok {
		// No backend at all: leave the request unmodified so the
		// transport's dial fails fast and ErrorHandler reports it.
		return
	}

	ctx := context.WithValue(req.Context(), pickedAddrKey{}, addr)
	*req = *req.WithContext(ctx)

	req.URL.Scheme = scheme
	req.URL.Host = addr
	if _, ok := req.Header["User-Agent"]; !ok {
		req.Header.Set("User-Agent", "")
	}
}

func (p *Proxy) recordSuccess(resp *http.Response) error {
	if addr, ok := resp.Request.Context().Value(pickedAddrKey{}).(string); ok && p.registry != nil {
		p.registry.RecordRise(addr)
	}
	return nil
}

func (p *Proxy) handleError(w http.ResponseWriter, req *http.Request, err error) {
	if addr, ok := req.Context().Value(pickedAddrKey{}).(string); ok && p.registry != nil {
		p.registry.RecordFail(addr)
	}
	p.log.Warn("reverse proxy round trip failed",
		zap.String("host", req.URL.Host), zap.Error(err))
	w.WriteHeader(http.StatusBadGateway)
}

// ServeHTTP implements http.Handler.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.proxy.ServeHTTP(w, r)
}
