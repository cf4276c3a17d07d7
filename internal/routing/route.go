package routing

import (
	"fmt"
	"regexp"
	"strings"
)

// Normalizer converts a dialed number into canonical E.164 form using a
// default country for numbers without a country code.
type Normalizer interface {
	Normalize(raw, country string) (string, error)
}

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ForwardPolicy decides which inbound headers are copied onto an outbound
// dial. A header is forwarded when its name starts with Prefix, compared
// case-insensitively. An empty prefix forwards nothing.
type ForwardPolicy struct {
	Prefix string
}

// Allows reports whether the named header may be forwarded.
func (p ForwardPolicy) Allows(name string) bool {
	if p.Prefix == "" || len(name) < len(p.Prefix) {
		return false
	}
	return strings.EqualFold(name[:len(p.Prefix)], p.Prefix)
}

// Filter returns the subset of h that the policy allows, values unchanged.
func (p ForwardPolicy) Filter(h Headers) Headers {
	out := make(Headers)
	for name, value := range h {
		if p.Allows(name) {
			out[name] = value
		}
	}
	return out
}

// Route computes the dial target for a classified session.
func Route(s Snapshot, origin Origin, n Normalizer) (RoutingTarget, error) {
	if origin == OriginTrustedPartner {
		return routeTrusted(s), nil
	}
	return routeDefault(s, n)
}

// routeTrusted sends a partner call back out through the PSTN trunk,
// honouring the partner's caller ID, number and carrier overrides. An
// override header with an empty value counts as absent.
func routeTrusted(s Snapshot) RoutingTarget {
	opts := s.Options

	callerID := s.From
	if opts.OverrideFromUser != "" {
		callerID = opts.OverrideFromUser
	}
	if clid, ok := s.Headers.Get(HeaderOriginalCLID); ok && clid != "" {
		callerID = clid
	}

	number := s.To
	if v, ok := s.Headers.Get(HeaderOverrideNumber); ok && v != "" {
		number = v
	}

	trunk := opts.PSTNTrunk
	if v, ok := s.Headers.Get(HeaderOverrideCarrier); ok && v != "" {
		trunk = v
	}

	return RoutingTarget{
		Number:   number,
		Trunk:    trunk,
		CallerID: callerID,
		Headers:  ForwardPolicy{Prefix: opts.ForwardHeaderPrefix}.Filter(s.Headers),
	}
}

// routeDefault sends a public call to the agent trunk.
func routeDefault(s Snapshot, n Normalizer) (RoutingTarget, error) {
	opts := s.Options

	normalized := s.To
	if opts.DefaultCountry != "" && !e164Pattern.MatchString(s.To) {
		num, err := n.Normalize(s.To, opts.DefaultCountry)
		if err != nil {
			return RoutingTarget{}, fmt.Errorf("%w: %q in %s: %v", ErrNormalization, s.To, opts.DefaultCountry, err)
		}
		normalized = num
	}

	caller, dest := AssignRoles(s.Direction, s.From, s.To, normalized)
	return RoutingTarget{
		Number:   dest,
		Trunk:    opts.AgentTrunk,
		CallerID: caller,
		Headers:  Headers{},
	}, nil
}

// AssignRoles picks the caller identity and destination for a default
// route. Inbound calls keep the caller and dial the normalized called
// number. Outbound calls present the normalized called number as the
// caller and dial the original caller.
func AssignRoles(dir Direction, from, to, normalized string) (caller, dest string) {
	if dir == DirectionOutbound {
		return normalized, from
	}
	return from, normalized
}
