package upstream

import (
	"testing"
	"time"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/health"
)

func TestSelectorFairnessOverManyPicks(t *testing.T) {
	group := config.UpstreamGroup{
		Name: "g",
		Servers: []config.UpstreamServer{
			{Addr: "a", Weight: 1},
			{Addr: "b", Weight: 3},
		},
	}
	sel := NewSelector(group, nil)

	counts := map[string]int{}
	const n = 20000
	for i := 0; i < n; i++ {
		addr, ok := sel.Pick()
		if !ok {
			t.Fatal("expected a pick")
		}
		counts[addr]++
	}

	ratio := float64(counts["b"]) / float64(counts["a"])
	if ratio < 2.5 || ratio > 3.5 {
		t.Fatalf("weighted ratio out of range: b/a = %v (counts %v)", ratio, counts)
	}
}

func TestSelectorSkipsFalldownUnlessAllDown(t *testing.T) {
	reg := health.NewRegistry(1, 1, 0)
	group := config.UpstreamGroup{
		Name: "g",
		Servers: []config.UpstreamServer{
			{Addr: "a", Weight: 1},
			{Addr: "b", Weight: 1},
		},
	}
	sel := NewSelector(group, reg)

	reg.RecordFail("a")

	for i := 0; i < 50; i++ {
		addr, ok := sel.Pick()
		if !ok {
			t.Fatal("expected a pick")
		}
		if addr == "a" {
			t.Fatal("should never pick a falldown backend while a healthy one exists")
		}
	}

	reg.RecordFail("b")
	sawA, sawB := false, false
	for i := 0; i < 50; i++ {
		addr, _ := sel.Pick()
		if addr == "a" {
			sawA = true
		}
		if addr == "b" {
			sawB = true
		}
	}
	if !sawA || !sawB {
		t.Fatal("once every backend is falldown, selection must fall back across the whole group")
	}
}

func TestSelectorZeroWeightGetsNoShare(t *testing.T) {
	group := config.UpstreamGroup{
		Name: "g",
		Servers: []config.UpstreamServer{
			{Addr: "a", Weight: 0},
			{Addr: "b", Weight: 1},
		},
	}
	sel := NewSelector(group, nil)

	for i := 0; i < 2000; i++ {
		addr, ok := sel.Pick()
		if !ok {
			t.Fatal("expected a pick")
		}
		if addr == "a" {
			t.Fatal("a 0-weight server must never be picked while a positive-weight server is healthy")
		}
	}
}

func TestSelectorAllZeroWeightFallsBackDeterministically(t *testing.T) {
	group := config.UpstreamGroup{
		Name: "g",
		Servers: []config.UpstreamServer{
			{Addr: "a", Weight: 0},
			{Addr: "b", Weight: 0},
		},
	}
	sel := NewSelector(group, nil)
	addr, ok := sel.Pick()
	if !ok {
		t.Fatal("expected a pick")
	}
	if addr != "a" {
		t.Fatalf("all-zero-weight group should fall back to the first server by iteration order, got %q", addr)
	}
}

func TestSelectorEmptyGroup(t *testing.T) {
	sel := NewSelector(config.UpstreamGroup{}, nil)
	if _, ok := sel.Pick(); ok {
		t.Fatal("expected no pick from an empty group")
	}
}

func TestSelectorServersSnapshotIndependentOfTiming(t *testing.T) {
	group := config.UpstreamGroup{Servers: []config.UpstreamServer{{Addr: "a", Weight: 1}}}
	sel := NewSelector(group, nil)
	start := time.Now()
	servers := sel.Servers()
	if time.Since(start) > time.Second {
		t.Fatal("snapshot should not block")
	}
	if len(servers) != 1 || servers[0].Addr != "a" {
		t.Fatalf("unexpected snapshot: %+v", servers)
	}
}
