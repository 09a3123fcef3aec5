// Command edgefabric-server runs the server peer: it accepts tunnel
// client connections, serves the public HTTP/HTTPS/TCP endpoints that
// those clients have mapped, and can itself run the reverse-proxy,
// raw L4 balancer and forward-proxy listeners that don't need a
// tunnel at all (spec.md §1 (a)-(e), §6 External interfaces).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/health"
	"github.com/paulguzu/edgefabric/internal/l4"
	"github.com/paulguzu/edgefabric/internal/listener"
	"github.com/paulguzu/edgefabric/internal/logging"
	"github.com/paulguzu/edgefabric/internal/ratelimit"
	"github.com/paulguzu/edgefabric/internal/reverse"
	"github.com/paulguzu/edgefabric/internal/socks5"
	"github.com/paulguzu/edgefabric/internal/tunnel"
	"github.com/paulguzu/edgefabric/internal/upstream"
	"github.com/paulguzu/edgefabric/pkg/banner"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgefabric-server: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile})
	defer log.Sync()

	banner.Print("SERVER")

	registry := health.NewRegistry(cfg.HealthMaxFails, cfg.HealthRiseThresh, cfg.HealthFailTimeout)
	selectors := make(map[string]*upstream.Selector, len(cfg.UpstreamGroups))
	for _, g := range cfg.UpstreamGroups {
		selectors[g.Name] = upstream.NewSelector(g, registry)
	}

	gate := ratelimit.NewGate(cfg.IPRateLimit, cfg.IPRateLimitWindow)

	var creds config.Credentials
	if cfg.Credentials != nil {
		creds = *cfg.Credentials
	}
	var socksCreds *socks5.Credentials
	if creds.Username != "" {
		socksCreds = &socks5.Credentials{Username: creds.Username, Password: creds.Password}
	}

	tlsConfig, err := serverTLSConfig(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgefabric-server: %v\n", err)
		os.Exit(1)
	}

	tunnelServer := tunnel.NewServer(creds, tlsConfig, cfg.TunnelObfuscate, log)
	// A connected client's SOCKS5/HTTP engines tunnel arbitrary
	// destinations through this server by sending "proxy"-mode Create
	// frames naming the dial target as their domain (spec.md
	// §4.4/§4.5); satisfy those with a plain outbound dial.
	tunnelServer.SetForwardDialer(func(ctx context.Context, target string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", target)
	})

	plainDial := func(ctx context.Context, network, target string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, network, target)
	}
	supervisor := listener.NewSupervisor(gate, socksCreds, cfg.BindIP, plainDial, log)

	ctx, cancel := context.WithCancel(context.Background())

	if len(cfg.HealthProbes) > 0 {
		checker := health.NewChecker(registry, log)
		probes := make([]health.Probe, 0, len(cfg.HealthProbes))
		for _, p := range cfg.HealthProbes {
			probes = append(probes, health.Probe{Addr: p.Addr, Scheme: p.Scheme, Interval: p.Interval})
		}
		go checker.Run(ctx, probes)
	}

	var wg sync.WaitGroup
	listenerCount := 0
	for _, l := range cfg.Listeners {
		if err := bindAndServe(ctx, &wg, l, cfg, supervisor, tunnelServer, selectors, registry, log); err != nil {
			fmt.Fprintf(os.Stderr, "edgefabric-server: listener %q: %v\n", l.Name, err)
			cancel()
			os.Exit(1)
		}
		listenerCount++
	}

	banner.PrintServerStatus(tunnelAddr(cfg), listenerCount)
	log.Info("edgefabric server started", zap.Int("listeners", listenerCount))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	supervisor.CloseAll()
	wg.Wait()
	os.Exit(0)
}

func tunnelAddr(cfg *config.Config) string {
	for _, l := range cfg.Listeners {
		if l.Kind == "tunnel" {
			return l.Addr
		}
	}
	return ""
}

// serverTLSConfig builds the tunnel's server-side TLS material when
// configured, offering h2/http1.1 ALPN (spec.md §6 Tunnel wire
// format) even though the tunnel payload itself ignores the
// negotiated protocol.
func serverTLSConfig(cfg *config.Config) (*tls.Config, error) {
	if !cfg.TLS.Enabled {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load tls material: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// bindAndServe binds one configured listener and spawns its serve
// loop on wg, dispatching by Kind to the engine the spec names for it
// (spec.md §2 Listener supervisor).
func bindAndServe(
	ctx context.Context,
	wg *sync.WaitGroup,
	l config.Listener,
	cfg *config.Config,
	supervisor *listener.Supervisor,
	tunnelServer *tunnel.Server,
	selectors map[string]*upstream.Selector,
	registry *health.Registry,
	log *zap.Logger,
) error {
	switch l.Kind {
	case "l4_udp":
		udpAddr, err := net.ResolveUDPAddr("udp", l.Addr)
		if err != nil {
			return err
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return err
		}
		sel, ok := selectors[l.UpstreamGroup]
		if !ok {
			return fmt.Errorf("unknown upstream group %q", l.UpstreamGroup)
		}
		balancer := l4.NewUDPBalancer(sel, registry, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := balancer.Serve(ctx, conn); err != nil && ctx.Err() == nil {
				log.Warn("l4 udp balancer stopped", zap.String("listener", l.Name), zap.Error(err))
			}
		}()
		return nil
	}

	ln, err := net.Listen("tcp", l.Addr)
	if err != nil {
		return err
	}

	run := func(serve func(context.Context, net.Listener) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ln.Close()
			if err := serve(ctx, ln); err != nil && ctx.Err() == nil {
				log.Warn("listener stopped", zap.String("listener", l.Name), zap.Error(err))
			}
		}()
	}

	switch l.Kind {
	case "proxy":
		run(supervisor.ServeProxy)
	case "tunnel":
		run(tunnelServer.Serve)
	case "reverse_http", "reverse_https":
		sel, ok := selectors[l.UpstreamGroup]
		if !ok {
			ln.Close()
			return fmt.Errorf("unknown upstream group %q", l.UpstreamGroup)
		}
		proxy := reverse.New(sel, registry, l.Kind == "reverse_https", cfg.Timeouts.Write, log)
		httpSrv := &http.Server{Handler: proxy}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			httpSrv.Close()
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ln.Close()
			if err := httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Warn("reverse proxy listener stopped", zap.String("listener", l.Name), zap.Error(err))
			}
		}()
	case "l4_tcp":
		sel, ok := selectors[l.UpstreamGroup]
		if !ok {
			ln.Close()
			return fmt.Errorf("unknown upstream group %q", l.UpstreamGroup)
		}
		balancer := l4.NewTCPBalancer(sel, registry, cfg.Timeouts.Write, log)
		run(balancer.Serve)
	case "tunnel_http":
		run(func(ctx context.Context, ln net.Listener) error { return tunnelServer.ServeHTTP(ctx, ln, false) })
	case "tunnel_https":
		run(func(ctx context.Context, ln net.Listener) error { return tunnelServer.ServeHTTP(ctx, ln, true) })
	case "tunnel_tcp":
		run(func(ctx context.Context, ln net.Listener) error { return tunnelServer.ServeTCP(ctx, ln, l.Domain, false) })
	case "tunnel_proxy":
		run(func(ctx context.Context, ln net.Listener) error { return tunnelServer.ServeTCP(ctx, ln, l.Domain, true) })
	default:
		ln.Close()
		return fmt.Errorf("unknown listener kind %q", l.Kind)
	}
	return nil
}
