package health

import "testing"

func TestHealthMonotonicity(t *testing.T) {
	r := NewRegistry(3, 2, 0)
	addr := "10.0.0.1:80"

	if r.IsFalldown(addr) {
		t.Fatal("unrecorded backend must read up")
	}

	r.RecordFail(addr)
	r.RecordFail(addr)
	if r.IsFalldown(addr) {
		t.Fatal("should still be up after 2 of 3 fails")
	}
	r.RecordFail(addr)
	if !r.IsFalldown(addr) {
		t.Fatal("should be down after 3 consecutive fails")
	}

	r.RecordRise(addr)
	if !r.IsFalldown(addr) {
		t.Fatal("one rise must not clear falldown before rise threshold")
	}
	r.RecordRise(addr)
	if r.IsFalldown(addr) {
		t.Fatal("should be up after reaching rise threshold")
	}
}

func TestRecordRiseResetsFailStreak(t *testing.T) {
	r := NewRegistry(3, 2, 0)
	addr := "10.0.0.2:80"

	r.RecordFail(addr)
	r.RecordFail(addr)
	r.RecordRise(addr)
	r.RecordFail(addr)
	r.RecordFail(addr)
	if r.IsFalldown(addr) {
		t.Fatal("a rise in between fails must restart the failure count")
	}
	r.RecordFail(addr)
	if !r.IsFalldown(addr) {
		t.Fatal("three consecutive fails since last rise should trip falldown")
	}
}

func TestStatusDefaultsUp(t *testing.T) {
	r := NewRegistry(3, 2, 0)
	if got := r.Status("nowhere:1"); got != StatusUp {
		t.Fatalf("got %v, want up", got)
	}
}
