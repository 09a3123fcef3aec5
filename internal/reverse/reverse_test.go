package reverse

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/health"
	"github.com/paulguzu/edgefabric/internal/upstream"
)

func TestProxyForwardsToPickedBackend(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Backend", "ok")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	group := config.UpstreamGroup{Servers: []config.UpstreamServer{{Addr: backend.Listener.Addr().String(), Weight: 1}}}
	registry := health.NewRegistry(3, 2, time.Minute)
	sel := upstream.NewSelector(group, registry)

	p := New(sel, registry, false, time.Second, nil)

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d, want 200", resp.StatusCode)
	}
	if resp.Header.Get("X-Backend") != "ok" {
		t.Fatal("response did not come from the picked backend")
	}
}

func TestProxyNoUpstreamReturnsBadGateway(t *testing.T) {
	registry := health.NewRegistry(3, 2, time.Minute)
	sel := upstream.NewSelector(config.UpstreamGroup{}, registry)
	p := New(sel, registry, false, time.Second, nil)

	front := httptest.NewServer(p)
	defer front.Close()

	resp, err := http.Get(front.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("got status %d, want 502", resp.StatusCode)
	}
}
