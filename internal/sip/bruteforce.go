package sip

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// GuardPolicy sets the thresholds of a BruteForceGuard.
type GuardPolicy struct {
	// MaxFailures within Window blocks the source.
	MaxFailures int
	Window      time.Duration
	// BlockFor is the first block's length. Repeat offences double it up
	// to MaxBlockFor.
	BlockFor    time.Duration
	MaxBlockFor time.Duration
}

// DefaultGuardPolicy mirrors fail2ban's usual settings.
var DefaultGuardPolicy = GuardPolicy{
	MaxFailures: 10,
	Window:      10 * time.Minute,
	BlockFor:    5 * time.Minute,
	MaxBlockFor: 24 * time.Hour,
}

type ipRecord struct {
	failures  []time.Time
	blocked   bool
	blockedAt time.Time
	blockFor  time.Duration // length of the current block
	nextBlock time.Duration // length of the next block
}

// BruteForceGuard counts failed partner authentications per source IP and
// blocks sources that exceed the policy. Blocks expire on their own.
type BruteForceGuard struct {
	policy  GuardPolicy
	now     func() time.Time
	mu      sync.Mutex
	records map[string]*ipRecord
	logger  *slog.Logger
}

// NewBruteForceGuard creates a guard with empty state.
func NewBruteForceGuard(policy GuardPolicy, logger *slog.Logger) *BruteForceGuard {
	return &BruteForceGuard{
		policy:  policy,
		now:     time.Now,
		records: make(map[string]*ipRecord),
		logger:  logger.With("subsystem", "bruteforce"),
	}
}

// IsBlocked returns true if the given source address is currently blocked.
// The source may be "ip:port" or just "ip".
func (g *BruteForceGuard) IsBlocked(source string) bool {
	ip := extractIP(source)
	if ip == "" {
		return false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	if g.now().Sub(rec.blockedAt) > rec.blockFor {
		rec.blocked = false
		rec.failures = nil
		return false
	}
	return true
}

// RecordFailure records a failed attempt from source and blocks the IP once
// the policy threshold is reached.
func (g *BruteForceGuard) RecordFailure(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok {
		rec = &ipRecord{nextBlock: g.policy.BlockFor}
		g.records[ip] = rec
	}
	if rec.blocked {
		return
	}

	now := g.now()
	rec.failures = append(pruneOldFailures(rec.failures, now, g.policy.Window), now)
	if len(rec.failures) < g.policy.MaxFailures {
		return
	}

	rec.blocked = true
	rec.blockedAt = now
	rec.blockFor = rec.nextBlock
	rec.nextBlock = min(rec.nextBlock*2, g.policy.MaxBlockFor)
	rec.failures = nil
	g.logger.Warn("ip blocked after repeated failed partner auth",
		"ip", ip,
		"block_duration", rec.blockFor.String(),
	)
}

// RecordSuccess clears the failure counter for a source IP. The block
// length already earned is kept.
func (g *BruteForceGuard) RecordSuccess(source string) {
	ip := extractIP(source)
	if ip == "" {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[ip]; ok {
		rec.failures = nil
	}
}

// Cleanup expires old blocks and drops idle records.
func (g *BruteForceGuard) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) > rec.blockFor {
			rec.blocked = false
			rec.failures = nil
		}
		rec.failures = pruneOldFailures(rec.failures, now, g.policy.Window)
		if !rec.blocked && len(rec.failures) == 0 {
			delete(g.records, ip)
		}
	}
}

// BlockedIP is one blocked source address.
type BlockedIP struct {
	IP        string    `json:"ip"`
	BlockedAt time.Time `json:"blocked_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// BlockedIPs returns the currently blocked addresses ordered by IP.
func (g *BruteForceGuard) BlockedIPs() []BlockedIP {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	entries := []BlockedIP{}
	for ip, rec := range g.records {
		if rec.blocked && now.Sub(rec.blockedAt) <= rec.blockFor {
			entries = append(entries, BlockedIP{
				IP:        ip,
				BlockedAt: rec.blockedAt,
				ExpiresAt: rec.blockedAt.Add(rec.blockFor),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].IP < entries[j].IP })
	return entries
}

// BlockedCount returns the number of currently blocked addresses.
func (g *BruteForceGuard) BlockedCount() int {
	return len(g.BlockedIPs())
}

// UnblockIP lifts a block. It reports whether the IP was blocked.
func (g *BruteForceGuard) UnblockIP(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[ip]
	if !ok || !rec.blocked {
		return false
	}
	rec.blocked = false
	rec.failures = nil
	g.logger.Info("ip manually unblocked", "ip", ip)
	return true
}

// extractIP returns the canonical address of an "ip:port" or bare IP
// source, or "" when source is not an IP.
func extractIP(source string) string {
	if source == "" {
		return ""
	}
	addr, err := parseAddr(source)
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}

func pruneOldFailures(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	var pruned []time.Time
	for _, t := range failures {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	return pruned
}
