package routing

import "strings"

// Classify decides whether a call arrived through the trusted partner
// connection. A call is trusted only when it is inbound, both the PSTN
// trunk and the partner credential are configured, and the local part of
// the authenticated-user header matches the credential exactly.
func Classify(dir Direction, opts Options, headers Headers) Origin {
	if dir != DirectionInbound {
		return OriginDefault
	}
	if opts.PSTNTrunk == "" || opts.TrustedPartnerUser == "" {
		return OriginDefault
	}
	authUser, ok := headers.Get(HeaderAuthenticatedUser)
	if !ok {
		return OriginDefault
	}
	if localPart(authUser) != opts.TrustedPartnerUser {
		return OriginDefault
	}
	return OriginTrustedPartner
}

// localPart returns the text before the first '@', or the whole string.
func localPart(identity string) string {
	if i := strings.IndexByte(identity, '@'); i >= 0 {
		return identity[:i]
	}
	return identity
}
