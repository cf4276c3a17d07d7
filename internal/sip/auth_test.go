package sip

import (
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/config"
	"github.com/icholy/digest"
)

func newTestPartnerAuth() *PartnerAuthenticator {
	guard := NewBruteForceGuard(DefaultGuardPolicy, testLogger())
	return NewPartnerAuthenticator("partner", "s3cret", "agentgw", guard, testLogger())
}

func TestPartnerAuthenticator_Required(t *testing.T) {
	a := newTestPartnerAuth()

	tests := []struct {
		name   string
		from   string
		authz  bool
		expect bool
	}{
		{"ordinary caller", "sip:+15552223333@platform.example.com", false, false},
		{"claims partner user", "sip:partner@platform.example.com", false, true},
		{"partner user any case", "sip:Partner@platform.example.com", false, true},
		{"presents credentials", "sip:+15552223333@platform.example.com", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestInvite(t, "auth-"+tt.name)
			req.From().Address = mustURI(t, tt.from)
			if tt.authz {
				req.AppendHeader(sip.NewHeader("Authorization", `Digest username="x"`))
			}
			if got := a.Required(req); got != tt.expect {
				t.Fatalf("Required = %v, want %v", got, tt.expect)
			}
		})
	}
}

func TestPartnerAuthenticator_Verify(t *testing.T) {
	a := newTestPartnerAuth()
	chal := &digest.Challenge{
		Realm:     "agentgw",
		Nonce:     "abc123",
		Opaque:    "agentgw",
		Algorithm: authAlgoMD5,
	}

	tests := []struct {
		name     string
		password string
		method   string
		want     bool
	}{
		{"correct password", "s3cret", "INVITE", true},
		{"wrong password", "guess", "INVITE", false},
		{"method mismatch", "s3cret", "BYE", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cred, err := digest.Digest(chal, digest.Options{
				Method:   "INVITE",
				URI:      "sip:+15550001111@gw.example.com",
				Username: "partner",
				Password: tt.password,
			})
			if err != nil {
				t.Fatalf("digest.Digest: %v", err)
			}
			if got := a.verify(tt.method, cred); got != tt.want {
				t.Fatalf("verify = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPartnerAuthenticator_CleanExpiredNonces(t *testing.T) {
	a := newTestPartnerAuth()
	a.nonces.Store("fresh", time.Now())
	a.nonces.Store("stale", time.Now().Add(-nonceExpiry-time.Second))

	a.CleanExpiredNonces()

	if _, ok := a.nonces.Load("fresh"); !ok {
		t.Error("fresh nonce should be kept")
	}
	if _, ok := a.nonces.Load("stale"); ok {
		t.Error("stale nonce should be removed")
	}
}

func TestGenerateNonceUnique(t *testing.T) {
	a := newTestPartnerAuth()
	n1, n2 := a.generateNonce(), a.generateNonce()
	if n1 == n2 || len(n1) != 32 {
		t.Fatalf("unexpected nonces %q %q", n1, n2)
	}
}

func TestAuthorize(t *testing.T) {
	chal := digest.Challenge{Realm: "carrier", Nonce: "n1", Algorithm: authAlgoMD5}
	trunk := config.Trunk{Name: "pstn", Host: "carrier.example.com", Port: 5060, Username: "acct", Password: "pw"}

	tests := []struct {
		name      string
		status    int
		header    string
		trunk     config.Trunk
		wantAuthz string
		wantErr   bool
	}{
		{"www-authenticate", 401, "WWW-Authenticate", trunk, "Authorization", false},
		{"proxy-authenticate", 407, "Proxy-Authenticate", trunk, "Proxy-Authorization", false},
		{"missing challenge header", 401, "", trunk, "", true},
		{"trunk without credentials", 401, "WWW-Authenticate", config.Trunk{Name: "agent"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newTestInvite(t, "authorize-"+tt.name)
			res := sip.NewResponseFromRequest(req, tt.status, "Unauthorized", nil)
			if tt.header != "" {
				res.AppendHeader(sip.NewHeader(tt.header, chal.String()))
			}

			got, err := authorize(req, res, tt.trunk)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("authorize: %v", err)
			}
			h := got.GetHeader(tt.wantAuthz)
			if h == nil {
				t.Fatalf("expected %s header", tt.wantAuthz)
			}
			cred, err := digest.ParseCredentials(h.Value())
			if err != nil {
				t.Fatalf("ParseCredentials: %v", err)
			}
			if cred.Username != "acct" || cred.Realm != "carrier" || cred.Nonce != "n1" {
				t.Fatalf("unexpected credentials %+v", cred)
			}
		})
	}
}
