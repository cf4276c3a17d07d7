package sip

import (
	"fmt"
	"testing"
	"time"
)

var testGuardPolicy = GuardPolicy{
	MaxFailures: 3,
	Window:      time.Minute,
	BlockFor:    time.Minute,
	MaxBlockFor: 3 * time.Minute,
}

// newTestGuard returns a guard whose clock the test controls.
func newTestGuard() (*BruteForceGuard, *time.Time) {
	g := NewBruteForceGuard(testGuardPolicy, testLogger())
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	return g, &now
}

func block(g *BruteForceGuard, source string) {
	for i := 0; i < testGuardPolicy.MaxFailures; i++ {
		g.RecordFailure(source)
	}
}

func TestBruteForceGuard_BlockAfterThreshold(t *testing.T) {
	g, _ := newTestGuard()
	source := "10.0.0.1:5060"

	if g.IsBlocked(source) {
		t.Fatal("new IP should not be blocked")
	}
	for i := 0; i < testGuardPolicy.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	if g.IsBlocked(source) {
		t.Fatal("blocked below threshold")
	}
	g.RecordFailure(source)
	if !g.IsBlocked(source) {
		t.Fatal("should be blocked after reaching threshold")
	}
	if g.IsBlocked("10.0.0.2:5060") {
		t.Fatal("unrelated IP should not be blocked")
	}
	if !g.IsBlocked("10.0.0.1") {
		t.Fatal("bare IP of a blocked source should be blocked")
	}
}

func TestBruteForceGuard_FailuresOutsideWindow(t *testing.T) {
	g, now := newTestGuard()
	source := "10.0.0.1:5060"

	for i := 0; i < testGuardPolicy.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	*now = now.Add(2 * testGuardPolicy.Window)
	g.RecordFailure(source)
	if g.IsBlocked(source) {
		t.Fatal("stale failures counted towards the threshold")
	}
}

func TestBruteForceGuard_SuccessClearsFailures(t *testing.T) {
	g, _ := newTestGuard()
	source := "10.0.0.1:5060"

	for i := 0; i < testGuardPolicy.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	g.RecordSuccess(source)
	for i := 0; i < testGuardPolicy.MaxFailures-1; i++ {
		g.RecordFailure(source)
	}
	if g.IsBlocked(source) {
		t.Fatal("should not be blocked after success reset the counter")
	}
}

func TestBruteForceGuard_ProgressiveBlock(t *testing.T) {
	g, now := newTestGuard()
	source := "[2001:db8::1]:5060"

	wantBlocks := []time.Duration{time.Minute, 2 * time.Minute, 3 * time.Minute, 3 * time.Minute}
	for i, want := range wantBlocks {
		block(g, source)
		entries := g.BlockedIPs()
		if len(entries) != 1 {
			t.Fatalf("offence %d: %d blocked entries, want 1", i, len(entries))
		}
		if got := entries[0].ExpiresAt.Sub(entries[0].BlockedAt); got != want {
			t.Errorf("offence %d: block for %v, want %v", i, got, want)
		}

		*now = now.Add(want + time.Second)
		if g.IsBlocked(source) {
			t.Fatalf("offence %d: block did not expire", i)
		}
	}
}

func TestBruteForceGuard_UnblockIP(t *testing.T) {
	g, _ := newTestGuard()
	block(g, "10.0.0.1:5060")

	if !g.UnblockIP("10.0.0.1") {
		t.Fatal("UnblockIP should return true for blocked IP")
	}
	if g.IsBlocked("10.0.0.1:5060") {
		t.Fatal("should not be blocked after manual unblock")
	}
	if g.UnblockIP("10.0.0.1") {
		t.Fatal("UnblockIP should return false for non-blocked IP")
	}
	if g.UnblockIP("10.0.0.99") {
		t.Fatal("UnblockIP should return false for unknown IP")
	}
}

func TestBruteForceGuard_Cleanup(t *testing.T) {
	g, now := newTestGuard()

	block(g, "10.0.0.1")
	g.RecordFailure("10.0.0.2")
	*now = now.Add(2 * time.Minute)
	block(g, "10.0.0.3")

	g.Cleanup()

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records["10.0.0.1"]; ok {
		t.Error("expired block should be cleaned up")
	}
	if _, ok := g.records["10.0.0.2"]; ok {
		t.Error("stale failure record should be cleaned up")
	}
	if _, ok := g.records["10.0.0.3"]; !ok {
		t.Error("active block should not be cleaned up")
	}
}

func TestBruteForceGuard_EmptySource(t *testing.T) {
	g, _ := newTestGuard()

	g.RecordFailure("")
	g.RecordSuccess("")
	if g.IsBlocked("") {
		t.Fatal("empty source should not be blocked")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{input: "192.168.1.1:5060", want: "192.168.1.1"},
		{input: "192.168.1.1", want: "192.168.1.1"},
		{input: "[::1]:5060", want: "::1"},
		{input: "::ffff:10.0.0.1", want: "10.0.0.1"},
		{input: "", want: ""},
		{input: "not-an-ip", want: ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("input=%q", tt.input), func(t *testing.T) {
			if got := extractIP(tt.input); got != tt.want {
				t.Errorf("extractIP(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
