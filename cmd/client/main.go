// Command edgefabric-client runs the client peer: it dials out to a
// tunnel server, declares its local mappings, and serves a local
// SOCKS5/HTTP forward-proxy listener whose traffic is carried to
// arbitrary destinations through that same tunnel (spec.md §1(e),
// §4.4/§4.5/§4.8).
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/httpproxy"
	"github.com/paulguzu/edgefabric/internal/logging"
	"github.com/paulguzu/edgefabric/internal/ratelimit"
	"github.com/paulguzu/edgefabric/internal/sniff"
	"github.com/paulguzu/edgefabric/internal/socks5"
	"github.com/paulguzu/edgefabric/internal/tunnel"
	"github.com/paulguzu/edgefabric/pkg/banner"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "edgefabric-client: %v\n", err)
		os.Exit(1)
	}
	if cfg.ServerAddr == "" {
		fmt.Fprintln(os.Stderr, "edgefabric-client: server_addr is required")
		os.Exit(1)
	}

	log := logging.New(logging.Config{Level: cfg.LogLevel, FilePath: cfg.LogFile})
	defer log.Sync()

	banner.Print("CLIENT")

	var creds config.Credentials
	if cfg.Credentials != nil {
		creds = *cfg.Credentials
	}

	tlsConfig := clientTLSConfig(cfg)

	dialLocal := func(ctx context.Context, mapping config.Mapping) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", mapping.LocalAddr)
	}

	client := tunnel.NewClient(cfg.ServerAddr, tlsConfig, creds, cfg.TunnelObfuscate, cfg.Mappings, dialLocal, log)

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)

	gate := ratelimit.NewGate(cfg.IPRateLimit, cfg.IPRateLimitWindow)
	var socksCreds *socks5.Credentials
	if creds.Username != "" {
		socksCreds = &socks5.Credentials{Username: creds.Username, Password: creds.Password}
	}

	dial := func(ctx context.Context, network, target string) (io.ReadWriteCloser, error) {
		vs, err := client.OpenStream(tunnel.ModeByte(config.ModeProxy), target)
		if err != nil {
			return nil, fmt.Errorf("tunnel not connected: %w", err)
		}
		return vs, nil
	}

	var wg sync.WaitGroup
	proxyCount := 0
	for _, l := range cfg.Listeners {
		if l.Kind != "proxy" {
			log.Warn("edgefabric-client only serves \"proxy\" listeners locally; skipping", zap.String("listener", l.Name), zap.String("kind", l.Kind))
			continue
		}
		ln, err := net.Listen("tcp", l.Addr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "edgefabric-client: listener %q: %v\n", l.Name, err)
			cancel()
			os.Exit(1)
		}
		wg.Add(1)
		go func(ln net.Listener, name string) {
			defer wg.Done()
			defer ln.Close()
			serveProxy(ctx, ln, gate, socksCreds, cfg.BindIP, dial, log)
		}(ln, l.Name)
		proxyCount++
	}

	banner.PrintClientStatus(cfg.ServerAddr, tlsConfig != nil, len(cfg.Mappings))
	log.Info("edgefabric client started",
		zap.String("server", cfg.ServerAddr), zap.Int("proxy_listeners", proxyCount))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	client.Stop()
	cancel()
	wg.Wait()
	os.Exit(0)
}

// clientTLSConfig builds the tunnel's client-side TLS material when
// configured, offering h2/http1.1 ALPN (spec.md §6) and SNI from
// TLSConfig.SNI when set.
func clientTLSConfig(cfg *config.Config) *tls.Config {
	if !cfg.TLS.Enabled {
		return nil
	}
	return &tls.Config{
		ServerName: cfg.TLS.SNI,
		NextProtos: []string{"h2", "http/1.1"},
		MinVersion: tls.VersionTLS12,
	}
}

// serveProxy runs the sniffed SOCKS5/HTTP forward-proxy accept loop
// for the client's local listener, dialing every destination through
// dial (the tunnel's OpenStream) rather than a plain net.Dialer —
// this is why it doesn't reuse internal/listener.Supervisor, whose
// Dialer type returns a net.Conn that a *stream.VirtualStream isn't
// (spec.md §4.4/§4.5).
func serveProxy(ctx context.Context, ln net.Listener, gate *ratelimit.Gate, creds *socks5.Credentials, bindIP string, dial func(context.Context, string, string) (io.ReadWriteCloser, error), log *zap.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn("proxy listener accept failed", zap.Error(err))
			return
		}
		if gate != nil && !gate.Allow(conn.RemoteAddr().String()) {
			conn.Close()
			continue
		}
		go handleProxyConn(ctx, conn, creds, bindIP, dial, log)
	}
}

func handleProxyConn(ctx context.Context, conn net.Conn, creds *socks5.Credentials, bindIP string, dial func(context.Context, string, string) (io.ReadWriteCloser, error), log *zap.Logger) {
	defer conn.Close()
	pc := sniff.NewPeekConn(conn)
	proto, err := sniff.Sniff(ctx, pc)
	if err != nil {
		return
	}

	switch proto {
	case sniff.ProtoSOCKS5:
		h := &socks5.Handler{Creds: creds, Dial: dial, BindIP: bindIP, Log: log}
		if err := h.Serve(ctx, pc); err != nil {
			log.Debug("socks5 session ended", zap.Error(err))
		}
	case sniff.ProtoHTTP:
		h := &httpproxy.Handler{Dial: dial, Creds: httpCreds(creds), Log: log}
		if err := h.Serve(ctx, pc); err != nil {
			log.Debug("http proxy session ended", zap.Error(err))
		}
	default:
		// No declared destination for raw TCP on this listener kind.
	}
}

// httpCreds adapts the shared SOCKS5 credentials to the HTTP
// dispatcher's own Credentials type, same conversion as
// internal/listener.Supervisor, so both proxy surfaces this binary
// runs gate on the same configured username/password.
func httpCreds(c *socks5.Credentials) *httpproxy.Credentials {
	if c == nil || c.Username == "" {
		return nil
	}
	return &httpproxy.Credentials{Username: c.Username, Password: c.Password}
}
