package sip

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
)

// SourceACL decides which source addresses may open calls on the gateway.
// An empty ACL admits every source.
type SourceACL struct {
	mu       sync.RWMutex
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// NewSourceACL creates an ACL from IP addresses and CIDR ranges.
func NewSourceACL(sources []string, logger *slog.Logger) (*SourceACL, error) {
	a := &SourceACL{logger: logger.With("subsystem", "source-acl")}
	if err := a.Set(sources); err != nil {
		return nil, err
	}
	return a, nil
}

// Set replaces the ACL entries.
func (a *SourceACL) Set(sources []string) error {
	prefixes, err := parseSources(sources)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.prefixes = prefixes
	a.mu.Unlock()

	a.logger.Info("source acl loaded", "prefixes", len(prefixes))
	return nil
}

// Allowed reports whether source (ip or ip:port) may open calls.
func (a *SourceACL) Allowed(source string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.prefixes) == 0 {
		return true
	}

	addr, err := parseAddr(source)
	if err != nil {
		a.logger.Warn("failed to parse source ip for acl match", "ip", source, "error", err)
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range a.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// Count returns the number of prefixes loaded.
func (a *SourceACL) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.prefixes)
}

func parseSources(sources []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(sources))
	for _, s := range sources {
		prefix, err := parseCIDROrIP(s)
		if err != nil {
			return nil, fmt.Errorf("invalid source %q: %w", s, err)
		}
		prefixes = append(prefixes, prefix)
	}
	return prefixes, nil
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err == nil {
		return prefix.Masked(), nil
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}

	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(ipStr string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(ipStr); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(ipStr)
}
