package health

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/paulguzu/edgefabric/internal/metrics"
	"go.uber.org/zap"
)

// checkSpacing is the minimum gap enforced between two probes of the
// same target, mirroring the original implementation's
// check_can_request guard against hammering a backend that is
// already mid-check.
const checkSpacing = 5 * time.Microsecond

// Probe is one active-health-check target.
type Probe struct {
	Addr     string
	Scheme   string // "http" or "tcp"
	Interval time.Duration
}

// Checker periodically probes a fixed set of targets and feeds the
// results into a Registry, playing the role of the original
// OneHealth/ActiveHealth pair: one goroutine per probe, each running
// its own do_check/repeat_check loop.
type Checker struct {
	registry *Registry
	client   *http.Client
	log      *zap.Logger

	mu        sync.Mutex
	lastCheck map[string]time.Time
}

// NewChecker builds a Checker reporting into registry.
func NewChecker(registry *Registry, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Checker{
		registry:  registry,
		client:    &http.Client{Timeout: 3 * time.Second},
		log:       log,
		lastCheck: make(map[string]time.Time),
	}
}

// Run starts one probing goroutine per probe and blocks until ctx is
// cancelled.
func (c *Checker) Run(ctx context.Context, probes []Probe) {
	var wg sync.WaitGroup
	for _, p := range probes {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.repeatCheck(ctx, p)
		}()
	}
	wg.Wait()
}

func (c *Checker) repeatCheck(ctx context.Context, p Probe) {
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c.doCheck(ctx, p)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Checker) doCheck(ctx context.Context, p Probe) {
	if !c.checkCanRequest(p.Addr) {
		return
	}
	// probeTCP goes through registry.Connect, which already records
	// the fail/rise outcome; only the HTTP path needs it recorded here.
	switch p.Scheme {
	case "http", "https":
		if err := c.probeHTTP(ctx, p); err != nil {
			c.registry.RecordFail(p.Addr)
			metrics.RecordHealth(p.Addr, false)
			c.log.Debug("health probe failed", zap.String("addr", p.Addr), zap.Error(err))
			return
		}
		c.registry.RecordRise(p.Addr)
		metrics.RecordHealth(p.Addr, true)
	default:
		err := c.probeTCP(ctx, p)
		metrics.RecordHealth(p.Addr, err == nil)
		if err != nil {
			c.log.Debug("health probe failed", zap.String("addr", p.Addr), zap.Error(err))
		}
	}
}

// checkCanRequest enforces checkSpacing between probes of the same
// address, so a short configured interval cannot queue overlapping
// checks against one backend.
func (c *Checker) checkCanRequest(addr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if last, ok := c.lastCheck[addr]; ok && now.Sub(last) < checkSpacing {
		return false
	}
	c.lastCheck[addr] = now
	return true
}

func (c *Checker) probeHTTP(ctx context.Context, p Probe) error {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "http"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, scheme+"://"+p.Addr+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("health probe: %s returned %d", p.Addr, resp.StatusCode)
	}
	return nil
}

func (c *Checker) probeTCP(ctx context.Context, p Probe) error {
	conn, err := c.registry.Connect(ctx, p.Addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
