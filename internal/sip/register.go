package sip

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
)

const (
	// transactionTimeout bounds every self-initiated request; a
	// registrar that stays silent that long counts as unreachable.
	transactionTimeout = 10 * time.Second

	// maxAuthRetries caps digest recomputation per registration
	// attempt.
	maxAuthRetries = 2

	defaultExpiry = 3600
)

// backoffSchedule is the reconnect delay ladder; the last value
// repeats.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
	32 * time.Second,
	60 * time.Second,
}

// backoff walks the reconnect schedule.
type backoff struct {
	attempt int
}

func (b *backoff) next() time.Duration {
	i := b.attempt
	if i >= len(backoffSchedule) {
		i = len(backoffSchedule) - 1
	}
	b.attempt++
	return backoffSchedule[i]
}

func (b *backoff) reset() {
	b.attempt = 0
}

// RegistrarConfig carries what the registration state machine needs.
type RegistrarConfig struct {
	Server      string // registrar host
	Port        int
	Username    string
	Password    string
	ContactHost string // advertised address for the Contact header
	ContactPort int
}

// Registrar maintains the REGISTER binding with the upstream gateway:
// initial registration with digest auth, proactive refresh at 80 % of
// the granted lifetime, OPTIONS keep-alive while idle, and reconnect
// with exponential backoff after failures. One Call-ID spans the whole
// registration lifetime and every request under it uses a strictly
// increasing CSeq.
type Registrar struct {
	client *sipgo.Client
	cfg    RegistrarConfig
	log    *slog.Logger

	// activeCalls lets the refresh logic defer while calls are up.
	activeCalls func() int

	mu            sync.Mutex
	callID        string
	cseq          uint32
	registered    bool
	grantedExpiry int
	registeredAt  time.Time
	lastAlive     time.Time

	refreshKick chan struct{}
	dead        chan struct{} // keep-alive declared the binding dead
}

// NewRegistrar creates the registration state machine. activeCalls
// reports the number of established dialogs; refreshes are deferred
// while it is non-zero.
func NewRegistrar(client *sipgo.Client, cfg RegistrarConfig, activeCalls func() int) *Registrar {
	return &Registrar{
		client:      client,
		cfg:         cfg,
		log:         slog.Default().With("component", "registrar"),
		activeCalls: activeCalls,
		callID:      uuid.New().String(),
		refreshKick: make(chan struct{}, 1),
		dead:        make(chan struct{}, 1),
	}
}

// Registered reports whether the binding is currently live.
func (r *Registrar) Registered() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registered
}

// InRefreshWindow reports whether 80 % of the granted lifetime has
// elapsed.
func (r *Registrar) InRefreshWindow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.registered || r.grantedExpiry <= 0 {
		return false
	}
	window := time.Duration(float64(r.grantedExpiry)*0.8) * time.Second
	return time.Since(r.registeredAt) >= window
}

// EvaluateRefresh nudges the registration loop; called after call
// teardown so a deferred refresh happens promptly.
func (r *Registrar) EvaluateRefresh() {
	select {
	case r.refreshKick <- struct{}{}:
	default:
	}
}

// nextCSeq returns the next sequence number. Strictly increasing for
// the lifetime of the Call-ID, auth retries included.
func (r *Registrar) nextCSeq() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cseq++
	return r.cseq
}

// Run drives registration and keep-alive until ctx is cancelled, then
// removes the binding best-effort.
func (r *Registrar) Run(ctx context.Context) {
	go r.keepaliveLoop(ctx)
	r.registrationLoop(ctx)

	unregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Unregister(unregCtx); err != nil {
		r.log.Warn("Failed to unregister", "error", err)
	}
}

func (r *Registrar) registrationLoop(ctx context.Context) {
	bo := &backoff{}

	for {
		granted, err := r.sendRegister(ctx, defaultExpiry)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			r.setUnregistered()
			delay := bo.next()
			r.log.Error("Registration failed", "error", err, "retry_in", delay.String())

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		bo.reset()
		r.setRegistered(granted)
		r.log.Info("Registered", "registrar", r.cfg.Server, "expires_in", granted)

		refreshAfter := time.Duration(float64(granted)*0.8) * time.Second

		select {
		case <-ctx.Done():
			return
		case <-r.dead:
			r.log.Warn("Registration declared dead, reconnecting")
			r.setUnregistered()
			continue
		case <-time.After(refreshAfter):
		}

		// Defer the refresh while calls are active; the app kicks us
		// after teardown.
		for r.activeCalls != nil && r.activeCalls() > 0 {
			select {
			case <-ctx.Done():
				return
			case <-r.refreshKick:
			case <-time.After(time.Second):
			}
		}
		r.log.Debug("Refreshing registration")
	}
}

// sendRegister performs one registration attempt, following digest
// challenges at most maxAuthRetries times. It returns the granted
// expiry seconds.
func (r *Registrar) sendRegister(ctx context.Context, expiry int) (int, error) {
	req, recipientStr := r.buildRegister(expiry)

	res, err := r.transact(ctx, req)
	if err != nil {
		return 0, err
	}

	for retries := 0; res.StatusCode == 401 || res.StatusCode == 407; retries++ {
		if retries >= maxAuthRetries {
			return 0, fmt.Errorf("registrar kept challenging after %d authenticated attempts", retries)
		}

		authHeader := "WWW-Authenticate"
		authzHeader := "Authorization"
		if res.StatusCode == 407 {
			authHeader = "Proxy-Authenticate"
			authzHeader = "Proxy-Authorization"
		}

		challenge := res.GetHeader(authHeader)
		if challenge == nil {
			return 0, fmt.Errorf("received %d but no %s header", res.StatusCode, authHeader)
		}
		chal, err := digest.ParseChallenge(challenge.Value())
		if err != nil {
			return 0, fmt.Errorf("parsing auth challenge: %w", err)
		}

		cred, err := digest.Digest(chal, digest.Options{
			Method:   sip.REGISTER.String(),
			URI:      recipientStr,
			Username: r.cfg.Username,
			Password: r.cfg.Password,
		})
		if err != nil {
			return 0, fmt.Errorf("computing digest: %w", err)
		}

		// Fresh CSeq, same Call-ID.
		authReq, _ := r.buildRegister(expiry)
		authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

		res, err = r.transact(ctx, authReq)
		if err != nil {
			return 0, err
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if contactHdr := res.GetHeader("Contact"); contactHdr != nil {
		if parsed := parseContactExpires(contactHdr.Value()); parsed > 0 {
			granted = parsed
		}
	} else if expiresHdr := res.GetHeader("Expires"); expiresHdr != nil {
		if parsed, err := strconv.Atoi(strings.TrimSpace(expiresHdr.Value())); err == nil && parsed > 0 {
			granted = parsed
		}
	}

	return granted, nil
}

// buildRegister assembles a REGISTER with our own Call-ID and CSeq so
// sequencing stays under this Registrar's control.
func (r *Registrar) buildRegister(expiry int) (*sip.Request, string) {
	recipientStr := fmt.Sprintf("sip:%s:%d", r.cfg.Server, r.cfg.Port)
	var recipient sip.Uri
	_ = sip.ParseUri(recipientStr, &recipient)

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport("UDP")

	aor := fmt.Sprintf("<sip:%s@%s>", r.cfg.Username, r.cfg.Server)
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))

	r.mu.Lock()
	callID := sip.CallIDHeader(r.callID)
	r.mu.Unlock()
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: r.nextCSeq(), MethodName: sip.REGISTER})

	contact := fmt.Sprintf("<sip:%s@%s:%d>", r.cfg.Username, r.cfg.ContactHost, r.cfg.ContactPort)
	req.AppendHeader(sip.NewHeader("Contact", contact))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	return req, recipientStr
}

// transact sends one request and waits for its first final response
// under the transaction timeout.
func (r *Registrar) transact(ctx context.Context, req *sip.Request) (*sip.Response, error) {
	txCtx, cancel := context.WithTimeout(ctx, transactionTimeout)
	defer cancel()

	tx, err := r.client.TransactionRequest(txCtx, req, sipgo.ClientRequestAddVia)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", req.Method, err)
	}
	defer tx.Terminate()

	return getResponse(txCtx, tx)
}

// Unregister removes the binding with an Expires: 0 REGISTER,
// following one digest challenge.
func (r *Registrar) Unregister(ctx context.Context) error {
	if !r.Registered() {
		return nil
	}
	_, err := r.sendRegister(ctx, 0)
	if err == nil {
		r.setUnregistered()
		r.log.Info("Unregistered", "registrar", r.cfg.Server)
	}
	return err
}

func (r *Registrar) setRegistered(granted int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = true
	r.grantedExpiry = granted
	r.registeredAt = time.Now()
	r.lastAlive = time.Now()
}

func (r *Registrar) setUnregistered() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered = false
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

// parseContactExpires extracts the expires parameter from a Contact
// header value such as <sip:user@host>;expires=3600.
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
