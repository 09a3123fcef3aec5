package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckerMarksHTTPProbeUp(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := NewRegistry(1, 1, 0)
	checker := NewChecker(reg, nil)

	addr := srv.Listener.Addr().String()
	probe := Probe{Addr: addr, Scheme: "http", Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	checker.Run(ctx, []Probe{probe})

	if reg.IsFalldown(addr) {
		t.Fatal("expected healthy HTTP backend to stay up")
	}
}

func TestCheckerMarksHTTPProbeDownOn5xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := NewRegistry(1, 1, 0)
	checker := NewChecker(reg, nil)

	addr := srv.Listener.Addr().String()
	probe := Probe{Addr: addr, Scheme: "http", Interval: 10 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	checker.Run(ctx, []Probe{probe})

	if !reg.IsFalldown(addr) {
		t.Fatal("expected 5xx HTTP backend to be marked down")
	}
}

func TestCheckerMarksTCPProbeDownWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close() // nobody is listening anymore

	reg := NewRegistry(1, 1, 0)
	checker := NewChecker(reg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	checker.Run(ctx, []Probe{{Addr: addr, Scheme: "tcp", Interval: 10 * time.Millisecond}})

	if !reg.IsFalldown(addr) {
		t.Fatal("expected unreachable TCP backend to be marked down")
	}
}

func TestCheckCanRequestEnforcesSpacing(t *testing.T) {
	c := NewChecker(NewRegistry(3, 2, 0), nil)
	if !c.checkCanRequest("x") {
		t.Fatal("first request should be allowed")
	}
	if c.checkCanRequest("x") {
		t.Fatal("immediate second request should be throttled")
	}
	time.Sleep(2 * checkSpacing)
	if !c.checkCanRequest("x") {
		t.Fatal("request after spacing elapses should be allowed")
	}
}
