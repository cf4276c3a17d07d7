package sip

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/config"
	"github.com/icholy/digest"
)

const (
	nonceExpiry = 5 * time.Minute
	authAlgoMD5 = "MD5"
)

// isAuthChallenge reports whether res asks the client for digest credentials.
func isAuthChallenge(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

// authorize answers a trunk's 401/407 challenge. It returns a copy of req
// carrying the credentials, ready to be re-sent with a new Via and CSeq.
func authorize(req *sip.Request, res *sip.Response, trunk config.Trunk) (*sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if res.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	hdr := res.GetHeader(authHeader)
	if hdr == nil {
		return nil, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
	}
	if trunk.Username == "" {
		return nil, fmt.Errorf("trunk %q challenged with %d but has no credentials", trunk.Name, res.StatusCode)
	}

	chal, err := digest.ParseChallenge(hdr.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      req.Recipient.String(),
		Username: trunk.Username,
		Password: trunk.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.RemoveHeader(authzHeader)
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// PartnerAuthenticator verifies the trusted partner's digest credentials on
// inbound INVITEs. A verified request is marked with the authenticated user
// the origin classifier looks for. Failed attempts feed a BruteForceGuard.
type PartnerAuthenticator struct {
	username string
	password string
	realm    string
	nonces   sync.Map // map[string]time.Time
	guard    *BruteForceGuard
	logger   *slog.Logger
}

// NewPartnerAuthenticator creates an authenticator for one partner credential.
func NewPartnerAuthenticator(username, password, realm string, guard *BruteForceGuard, logger *slog.Logger) *PartnerAuthenticator {
	return &PartnerAuthenticator{
		username: username,
		password: password,
		realm:    realm,
		guard:    guard,
		logger:   logger.With("subsystem", "partner-auth"),
	}
}

// Required reports whether req must be authenticated before it is routed:
// it presents credentials or claims to come from the partner user.
func (a *PartnerAuthenticator) Required(req *sip.Request) bool {
	if req.GetHeader("Authorization") != nil {
		return true
	}
	if from := req.From(); from != nil && strings.EqualFold(from.Address.User, a.username) {
		return true
	}
	return false
}

// Challenge sends a 401 Unauthorized response with a WWW-Authenticate header.
func (a *PartnerAuthenticator) Challenge(req *sip.Request, tx sip.ServerTransaction) {
	nonce := a.generateNonce()
	a.nonces.Store(nonce, time.Now())

	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     nonce,
		Opaque:    a.realm,
		Algorithm: authAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 401, "Unauthorized", nil)
	res.AppendHeader(sip.NewHeader("WWW-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// Authenticate validates the Authorization header. It returns the
// authenticated user on success. On failure it has already sent the SIP
// response and returns false.
func (a *PartnerAuthenticator) Authenticate(req *sip.Request, tx sip.ServerTransaction) (string, bool) {
	source := req.Source()

	if a.guard.IsBlocked(source) {
		a.logger.Warn("partner auth rejected: ip blocked by brute-force guard",
			"source", source,
		)
		respond(req, tx, 403, "Forbidden", a.logger)
		return "", false
	}

	h := req.GetHeader("Authorization")
	if h == nil {
		a.Challenge(req, tx)
		return "", false
	}

	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		a.logger.Warn("failed to parse authorization header",
			"error", err,
			"source", source,
		)
		a.guard.RecordFailure(source)
		respond(req, tx, 400, "Bad Request", a.logger)
		return "", false
	}

	nonceTime, ok := a.nonces.Load(cred.Nonce)
	if !ok {
		a.logger.Debug("unknown nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return "", false
	}
	if time.Since(nonceTime.(time.Time)) > nonceExpiry {
		a.nonces.Delete(cred.Nonce)
		a.logger.Debug("expired nonce, re-challenging",
			"username", cred.Username,
			"source", source,
		)
		a.Challenge(req, tx)
		return "", false
	}

	if cred.Username != a.username {
		a.logger.Warn("unknown partner username",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		respond(req, tx, 403, "Forbidden", a.logger)
		return "", false
	}

	if !a.verify(req.Method.String(), cred) {
		a.logger.Warn("partner digest auth failed",
			"username", cred.Username,
			"source", source,
		)
		a.guard.RecordFailure(source)
		a.Challenge(req, tx)
		return "", false
	}

	a.nonces.Delete(cred.Nonce)
	a.guard.RecordSuccess(source)

	a.logger.Debug("partner digest auth successful",
		"username", cred.Username,
		"source", source,
	)
	return cred.Username, true
}

// verify recomputes the digest response for cred with the partner password.
func (a *PartnerAuthenticator) verify(method string, cred *digest.Credentials) bool {
	chal := digest.Challenge{
		Realm:     a.realm,
		Nonce:     cred.Nonce,
		Opaque:    a.realm,
		Algorithm: authAlgoMD5,
	}
	expected, err := digest.Digest(&chal, digest.Options{
		Method:   method,
		URI:      cred.URI,
		Username: cred.Username,
		Password: a.password,
	})
	if err != nil {
		a.logger.Error("failed to compute digest", "username", cred.Username, "error", err)
		return false
	}
	return cred.Response == expected.Response
}

// CleanExpiredNonces removes nonces that are older than the expiry window
// and runs brute-force guard cleanup to expire old blocks.
func (a *PartnerAuthenticator) CleanExpiredNonces() {
	now := time.Now()
	a.nonces.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > nonceExpiry {
			a.nonces.Delete(key)
		}
		return true
	})
	a.guard.Cleanup()
}

func (a *PartnerAuthenticator) generateNonce() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// respond sends a final response without a body on a server transaction.
func respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string, logger *slog.Logger) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send response",
			"code", code,
			"error", err,
		)
	}
}
