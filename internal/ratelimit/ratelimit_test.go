package ratelimit

import (
	"testing"
	"time"
)

func TestGateAllowsUpToLimitThenBlocks(t *testing.T) {
	g := NewGate(3, time.Minute)
	addr := "203.0.113.5:54321"

	for i := 0; i < 3; i++ {
		if !g.Allow(addr) {
			t.Fatalf("request %d should be allowed", i)
		}
	}
	if g.Allow(addr) {
		t.Fatal("4th request within window should be blocked")
	}
}

func TestGateTracksIndependentIPs(t *testing.T) {
	g := NewGate(1, time.Minute)
	if !g.Allow("10.0.0.1:1") {
		t.Fatal("first IP's first request should be allowed")
	}
	if !g.Allow("10.0.0.2:1") {
		t.Fatal("second IP should have its own independent counter")
	}
	if g.Allow("10.0.0.1:1") {
		t.Fatal("first IP's second request should be blocked")
	}
}

func TestGateDisabledWhenLimitNonPositive(t *testing.T) {
	g := NewGate(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !g.Allow("10.0.0.9:1") {
			t.Fatal("a non-positive limit must disable rate limiting")
		}
	}
}

func TestGateHandlesIPv6Addresses(t *testing.T) {
	g := NewGate(2, time.Minute)
	addr := "[2001:db8::1]:443"
	if !g.Allow(addr) || !g.Allow(addr) {
		t.Fatal("first two IPv6 requests should be allowed")
	}
	if g.Allow(addr) {
		t.Fatal("third IPv6 request should be blocked")
	}
	// A different host on the same /64 must not share this counter
	// (per-address gating, not per-subnet).
	if !g.Allow("[2001:db8::2]:443") {
		t.Fatal("a different IPv6 address must have its own counter")
	}
}
