package sip

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/flowpbx/agentgw/internal/config"
)

// TrunkStatus represents the reachability state of a trunk.
type TrunkStatus string

const (
	TrunkStatusRegistered   TrunkStatus = "registered"
	TrunkStatusFailed       TrunkStatus = "failed"
	TrunkStatusUnregistered TrunkStatus = "unregistered"
	TrunkStatusRegistering  TrunkStatus = "registering"
)

// TrunkState holds the runtime state for a single trunk.
type TrunkState struct {
	Name           string      `json:"name"`
	Host           string      `json:"host"`
	Port           int         `json:"port"`
	Transport      string      `json:"transport"`
	Register       bool        `json:"register"`
	Status         TrunkStatus `json:"status"`
	LastError      string      `json:"last_error,omitempty"`
	RetryAttempt   int         `json:"retry_attempt,omitempty"`
	FailedAt       *time.Time  `json:"failed_at,omitempty"`
	RegisteredAt   *time.Time  `json:"registered_at,omitempty"`
	ExpiresAt      *time.Time  `json:"expires_at,omitempty"`
	LastOptionsAt  *time.Time  `json:"last_options_at,omitempty"`
	OptionsHealthy bool        `json:"options_healthy"`
}

// TrunkRegistrar owns the configured trunks. Trunks with a register expiry
// are kept registered with their provider; every trunk is health-checked
// with periodic OPTIONS pings.
type TrunkRegistrar struct {
	ua     *sipgo.UserAgent
	logger *slog.Logger

	mu     sync.RWMutex
	trunks map[string]*trunkEntry // keyed by trunk name
}

const (
	// healthCheckInterval is how often we send OPTIONS pings to trunks.
	healthCheckInterval = 30 * time.Second
	// healthCheckTimeout is the max time to wait for an OPTIONS response.
	healthCheckTimeout = 5 * time.Second
	// defaultRegisterExpiry is used when a registrar grants no expiry.
	defaultRegisterExpiry = 300
)

// trunkEntry holds per-trunk runtime data.
type trunkEntry struct {
	trunk  config.Trunk
	state  TrunkState
	client *sipgo.Client
	cancel context.CancelFunc
}

// NewTrunkRegistrar creates a trunk manager for the given definitions.
// Loops are not started until Start is called.
func NewTrunkRegistrar(ua *sipgo.UserAgent, trunks []config.Trunk, logger *slog.Logger) *TrunkRegistrar {
	tr := &TrunkRegistrar{
		ua:     ua,
		logger: logger.With("subsystem", "trunk-registrar"),
		trunks: make(map[string]*trunkEntry, len(trunks)),
	}
	for _, t := range trunks {
		tr.trunks[t.Name] = &trunkEntry{
			trunk: t,
			state: TrunkState{
				Name:      t.Name,
				Host:      t.Host,
				Port:      t.Port,
				Transport: t.Transport,
				Register:  t.RegisterExpiry > 0,
				Status:    TrunkStatusUnregistered,
			},
		}
	}
	return tr
}

// Lookup returns the trunk definition with the given name.
func (tr *TrunkRegistrar) Lookup(name string) (config.Trunk, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	e, ok := tr.trunks[name]
	if !ok {
		return config.Trunk{}, false
	}
	return e.trunk, true
}

// Start begins registration and health checking for every trunk.
func (tr *TrunkRegistrar) Start(ctx context.Context) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	for _, e := range tr.trunks {
		client, err := sipgo.NewClient(tr.ua,
			sipgo.WithClientLogger(tr.logger.With("trunk", e.trunk.Name)),
		)
		if err != nil {
			return fmt.Errorf("creating sip client for trunk %q: %w", e.trunk.Name, err)
		}
		trunkCtx, cancel := context.WithCancel(ctx)
		e.client = client
		e.cancel = cancel

		if e.trunk.RegisterExpiry > 0 {
			e.state.Status = TrunkStatusRegistering
			go tr.registrationLoop(trunkCtx, e)
		}
		go tr.healthCheckLoop(trunkCtx, e)
	}
	return nil
}

// Stop cancels all trunk loops and un-registers registered trunks.
func (tr *TrunkRegistrar) Stop() {
	tr.mu.Lock()
	entries := make([]*trunkEntry, 0, len(tr.trunks))
	for _, e := range tr.trunks {
		entries = append(entries, e)
	}
	tr.mu.Unlock()

	for _, e := range entries {
		tr.stopTrunk(e)
	}
}

func (tr *TrunkRegistrar) stopTrunk(e *trunkEntry) {
	tr.mu.Lock()
	cancel, client, status := e.cancel, e.client, e.state.Status
	e.cancel, e.client = nil, nil
	tr.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	// Best-effort un-register with a short timeout.
	if status == TrunkStatusRegistered && e.trunk.RegisterExpiry > 0 {
		unregCtx, unregCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unregCancel()
		if _, err := tr.sendRegister(unregCtx, client, e.trunk, 0); err != nil {
			tr.logger.Warn("failed to un-register trunk",
				"trunk", e.trunk.Name,
				"error", err,
			)
		}
	}

	client.Close()
	tr.logger.Info("trunk stopped", "trunk", e.trunk.Name)
}

// GetStatus returns the current status for a trunk.
func (tr *TrunkRegistrar) GetStatus(name string) (TrunkState, bool) {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	e, ok := tr.trunks[name]
	if !ok {
		return TrunkState{}, false
	}
	return e.state, true
}

// GetAllStatuses returns a snapshot of all trunk states ordered by name.
func (tr *TrunkRegistrar) GetAllStatuses() []TrunkState {
	tr.mu.RLock()
	defer tr.mu.RUnlock()

	states := make([]TrunkState, 0, len(tr.trunks))
	for _, e := range tr.trunks {
		states = append(states, e.state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// registrationLoop runs the registration lifecycle for a single trunk:
// initial register, then periodic re-registration.
func (tr *TrunkRegistrar) registrationLoop(ctx context.Context, e *trunkEntry) {
	trunk := e.trunk
	expiry := trunk.RegisterExpiry

	tr.logger.Info("starting trunk registration",
		"trunk", trunk.Name,
		"host", trunk.Host,
		"port", trunk.Port,
		"transport", trunk.Transport,
		"expiry", expiry,
	)

	backoff := newBackoff()

	for {
		grantedExpiry, err := tr.sendRegister(ctx, e.client, trunk, expiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			retryDelay := backoff.next()
			tr.logger.Error("trunk registration failed",
				"trunk", trunk.Name,
				"error", err,
				"attempt", backoff.attempt,
				"retry_in", retryDelay.String(),
			)

			now := time.Now()
			tr.mu.Lock()
			e.state.Status = TrunkStatusFailed
			e.state.LastError = err.Error()
			e.state.RetryAttempt = backoff.attempt
			if e.state.FailedAt == nil {
				e.state.FailedAt = &now
			}
			tr.mu.Unlock()

			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}

		backoff.reset()
		now := time.Now()
		expiresAt := now.Add(time.Duration(grantedExpiry) * time.Second)
		tr.mu.Lock()
		e.state.Status = TrunkStatusRegistered
		e.state.LastError = ""
		e.state.RetryAttempt = 0
		e.state.FailedAt = nil
		e.state.RegisteredAt = &now
		e.state.ExpiresAt = &expiresAt
		tr.mu.Unlock()

		if grantedExpiry != expiry {
			tr.logger.Info("trunk registered (server adjusted expiry)",
				"trunk", trunk.Name,
				"requested_expiry", expiry,
				"granted_expiry", grantedExpiry,
			)
		} else {
			tr.logger.Info("trunk registered",
				"trunk", trunk.Name,
				"expires_in", grantedExpiry,
			)
		}

		// Re-register at 80% of the granted expiry.
		refreshInterval := time.Duration(float64(grantedExpiry)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-time.After(refreshInterval):
			tr.logger.Debug("re-registering trunk", "trunk", trunk.Name)
		}
	}
}

// sendRegister sends a SIP REGISTER request with digest auth handling.
// On success it returns the server-granted expiry (from the 200 OK response).
// If the server does not include an expiry, the requested expiry is returned.
func (tr *TrunkRegistrar) sendRegister(ctx context.Context, client *sipgo.Client, trunk config.Trunk, expiry int) (int, error) {
	recipient, err := trunkURI("", trunk)
	if err != nil {
		return 0, err
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", trunk.Username, trunk.Host)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s>", trunk.Username, tr.ua.Hostname())))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}

	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if isAuthChallenge(res) {
		authReq, err := authorize(req, res, trunk)
		if err != nil {
			return 0, err
		}

		tx2, err := client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}

		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	// The registrar may shorten the requested expiry (RFC 3261 §10.2.4).
	grantedExpiry := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed := parseExpiresHeader(expiresHdr.Value()); parsed > 0 {
			grantedExpiry = parsed
		}
	}
	if grantedExpiry <= 0 && expiry > 0 {
		grantedExpiry = defaultRegisterExpiry
	}

	return grantedExpiry, nil
}

// healthCheckLoop periodically sends OPTIONS pings to a trunk. For trunks
// without registration the ping result is the trunk's status.
func (tr *TrunkRegistrar) healthCheckLoop(ctx context.Context, e *trunkEntry) {
	trunk := e.trunk

	tr.logger.Info("starting health check loop",
		"trunk", trunk.Name,
		"interval", healthCheckInterval.String(),
	)

	for {
		err := tr.sendOptions(ctx, e.client, trunk)

		tr.mu.Lock()
		now := time.Now()
		if err == nil {
			e.state.OptionsHealthy = true
			e.state.LastOptionsAt = &now
			if trunk.RegisterExpiry == 0 {
				e.state.Status = TrunkStatusRegistered
				e.state.FailedAt = nil
				e.state.LastError = ""
			}
		} else if ctx.Err() == nil {
			e.state.OptionsHealthy = false
			if trunk.RegisterExpiry == 0 {
				e.state.Status = TrunkStatusFailed
				e.state.LastError = err.Error()
				if e.state.FailedAt == nil {
					e.state.FailedAt = &now
				}
			}
			tr.logger.Warn("health check failed",
				"trunk", trunk.Name,
				"error", err,
			)
		}
		tr.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(healthCheckInterval):
		}
	}
}

func (tr *TrunkRegistrar) sendOptions(ctx context.Context, client *sipgo.Client, trunk config.Trunk) error {
	recipient, err := trunkURI("", trunk)
	if err != nil {
		return err
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(strings.ToUpper(trunk.Transport))

	pingCtx, pingCancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer pingCancel()

	tx, err := client.TransactionRequest(pingCtx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending options: %w", err)
	}

	res, err := getResponse(pingCtx, tx)
	tx.Terminate()
	if err != nil {
		return fmt.Errorf("waiting for options response: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("options ping returned status %d %s", res.StatusCode, res.Reason)
	}

	return nil
}

// trunkURI builds sip:user@host:port for a trunk, or sip:host:port when
// user is empty.
func trunkURI(user string, trunk config.Trunk) (sip.Uri, error) {
	s := fmt.Sprintf("sip:%s:%d", trunk.Host, trunk.Port)
	if user != "" {
		s = fmt.Sprintf("sip:%s@%s:%d", user, trunk.Host, trunk.Port)
	}
	var u sip.Uri
	if err := sip.ParseUri(s, &u); err != nil {
		return sip.Uri{}, fmt.Errorf("parsing trunk uri %q: %w", s, err)
	}
	return u, nil
}

// getResponse waits for the first response from a SIP client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter from a Contact header value.
// Contact headers may contain: <sip:user@host>;expires=3600
// Returns 0 if no expires parameter is found or parsing fails.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]

	end := strings.IndexAny(rest, ";,> \t")
	if end > 0 {
		rest = rest[:end]
	}

	val, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return val
}

// parseExpiresHeader parses an Expires header value (a plain integer of seconds).
// Returns 0 if parsing fails.
func parseExpiresHeader(value string) int {
	val, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return val
}

// backoff implements exponential backoff with jitter for registration retries.
// Jitter prevents thundering herd when multiple trunks fail simultaneously.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff() *backoff {
	return &backoff{
		baseDelay: 5 * time.Second,
		maxDelay:  5 * time.Minute,
	}
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	// Add ±20% jitter to prevent thundering herd.
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
