// Package sip implements the user agent side of the bridge: the
// registrar dialogue with digest authentication, OPTIONS keep-alive,
// and the server role for incoming INVITE/ACK/BYE over UDP.
package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/voicebridge/voicebridge/internal/rtp"
)

// UAConfig carries everything the user agent needs to run.
type UAConfig struct {
	Server      string
	Port        int
	Username    string
	Password    string
	DisplayName string
	BindAddr    string
	LocalPort   int
	Advertise   string
	RTPPortMin  int
	RTPPortMax  int
}

// CallStart is the immutable message handed to the orchestrator when a
// call has been answered. The UA owns the dialog record; the receiver
// owns all per-call media state.
type CallStart struct {
	Dialog *Dialog
}

// UA is the SIP user agent: one always-on registration state machine
// plus server handlers for incoming calls. Incoming calls are emitted
// as CallStart messages on Calls; the UA never calls back into the
// session layer.
type UA struct {
	cfg    UAConfig
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	registrar *Registrar
	ports     *rtp.PortAllocator
	log       *slog.Logger

	mu      sync.Mutex
	dialogs map[string]*Dialog

	calls       chan CallStart
	parseErrors atomic.Int64
}

// NewUA creates the user agent and its registration state machine.
func NewUA(cfg UAConfig) (*UA, error) {
	logger := slog.Default().With("component", "sip")

	name := cfg.DisplayName
	if name == "" {
		name = "Voicebridge"
	}
	agent, err := sipgo.NewUA(
		sipgo.WithUserAgent(name),
		sipgo.WithUserAgentHostname(cfg.Advertise),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(agent, sipgo.WithServerLogger(logger))
	if err != nil {
		agent.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(agent, sipgo.WithClientLogger(logger))
	if err != nil {
		srv.Close()
		agent.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	u := &UA{
		cfg:     cfg,
		ua:      agent,
		srv:     srv,
		client:  client,
		ports:   rtp.NewPortAllocator(cfg.RTPPortMin, cfg.RTPPortMax),
		log:     logger,
		dialogs: make(map[string]*Dialog),
		calls:   make(chan CallStart, 4),
	}
	u.registrar = NewRegistrar(client, RegistrarConfig{
		Server:      cfg.Server,
		Port:        cfg.Port,
		Username:    cfg.Username,
		Password:    cfg.Password,
		ContactHost: cfg.Advertise,
		ContactPort: cfg.LocalPort,
	}, u.ActiveCalls)

	srv.OnInvite(u.onInvite)
	srv.OnAck(u.onAck)
	srv.OnBye(u.onBye)
	srv.OnCancel(u.onCancel)
	srv.OnOptions(u.onOptions)

	return u, nil
}

// Calls exposes answered incoming calls.
func (u *UA) Calls() <-chan CallStart {
	return u.calls
}

// Registrar returns the registration state machine.
func (u *UA) Registrar() *Registrar {
	return u.registrar
}

// ActiveCalls returns the number of non-terminated dialogs.
func (u *UA) ActiveCalls() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := 0
	for _, d := range u.dialogs {
		if d.State() != DialogTerminated {
			n++
		}
	}
	return n
}

// ParseErrors returns the count of dropped undecodable datagrams and
// offers.
func (u *UA) ParseErrors() int64 {
	return u.parseErrors.Load()
}

// Run binds the SIP UDP socket and serves until ctx is cancelled. A
// bind failure is fatal and returned to the caller.
func (u *UA) Run(ctx context.Context) error {
	go u.registrar.Run(ctx)

	addr := fmt.Sprintf("%s:%d", u.cfg.BindAddr, u.cfg.LocalPort)
	u.log.Info("SIP UDP listener starting", "addr", addr)
	if err := u.srv.ListenAndServe(ctx, "udp", addr); err != nil && ctx.Err() == nil {
		return fmt.Errorf("sip listener: %w", err)
	}
	return nil
}

// Close shuts the SIP stack down.
func (u *UA) Close() {
	u.client.Close()
	u.srv.Close()
	u.ua.Close()
}

// FinishCall reaps a dialog after the orchestrator has drained it:
// drops the record, releases the RTP port and re-evaluates the
// registration refresh that may have been deferred by the call.
func (u *UA) FinishCall(callID string) {
	u.mu.Lock()
	d, ok := u.dialogs[callID]
	if ok {
		delete(u.dialogs, callID)
	}
	u.mu.Unlock()

	if ok {
		d.Terminate()
		u.ports.Release(d.LocalPort)
	}
	u.registrar.EvaluateRefresh()
}

func (u *UA) onInvite(req *sip.Request, tx sip.ServerTransaction) {
	cid := req.CallID()
	if cid == nil {
		u.parseErrors.Add(1)
		return
	}
	callID := cid.Value()

	from := req.From()
	if from == nil {
		u.parseErrors.Add(1)
		return
	}
	callerID := from.Address.User

	u.log.Info("Incoming call", "call_id", callID, "from", callerID)

	offer, err := ParseOffer(req.Body())
	if err != nil {
		u.parseErrors.Add(1)
		u.log.Warn("Unusable SDP offer", "call_id", callID, "error", err)
		u.respond(tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	wireCodec, ok := SelectCodec(offer)
	if !ok {
		u.log.Warn("No PCMU in offer", "call_id", callID)
		u.respond(tx, sip.NewResponseFromRequest(req, 488, "Not Acceptable Here", nil))
		return
	}

	conn, port, err := u.ports.Allocate(net.ParseIP(u.cfg.BindAddr))
	if err != nil {
		u.log.Error("RTP port allocation failed", "call_id", callID, "error", err)
		u.respond(tx, sip.NewResponseFromRequest(req, 503, "Service Unavailable", nil))
		return
	}

	answer, err := BuildAnswer(u.cfg.Advertise, port, wireCodec)
	if err != nil {
		conn.Close()
		u.ports.Release(port)
		u.log.Error("Building SDP answer failed", "call_id", callID, "error", err)
		u.respond(tx, sip.NewResponseFromRequest(req, 500, "Server Internal Error", nil))
		return
	}

	localTag := sip.GenerateTagN(16)

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	addToTag(trying, localTag)
	u.respond(tx, trying)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	addToTag(ringing, localTag)
	u.respond(tx, ringing)

	ok200 := sip.NewResponseFromRequest(req, 200, "OK", answer)
	addToTag(ok200, localTag)
	ok200.AppendHeader(sip.NewHeader("Content-Type", "application/sdp"))
	contact := fmt.Sprintf("<sip:%s@%s:%d>", u.cfg.Username, u.cfg.Advertise, u.cfg.LocalPort)
	ok200.AppendHeader(sip.NewHeader("Contact", contact))
	if err := tx.Respond(ok200); err != nil {
		conn.Close()
		u.ports.Release(port)
		u.log.Error("Failed to send 200 OK", "call_id", callID, "error", err)
		return
	}

	dialog := NewDialog(callID, callerID, localTag)
	dialog.Codec = MediaCodec(wireCodec)
	dialog.RemoteRTP = &net.UDPAddr{IP: net.ParseIP(offer.Addr), Port: offer.Port}
	dialog.RTPConn = conn
	dialog.LocalPort = port

	u.mu.Lock()
	u.dialogs[callID] = dialog
	u.mu.Unlock()

	u.log.Info("Call answered",
		"call_id", callID,
		"payload_type", wireCodec.PayloadType,
		"advertised_rate", wireCodec.Rate,
		"rtp_port", port,
		"remote_rtp", dialog.RemoteRTP.String(),
	)

	select {
	case u.calls <- CallStart{Dialog: dialog}:
	default:
		// Session layer gone; tear the call back down.
		u.log.Error("Call queue full, rejecting call", "call_id", callID)
		conn.Close()
		u.FinishCall(callID)
	}
}

func (u *UA) onAck(req *sip.Request, tx sip.ServerTransaction) {
	if cid := req.CallID(); cid != nil {
		u.mu.Lock()
		d, ok := u.dialogs[cid.Value()]
		u.mu.Unlock()
		if ok {
			d.Establish()
			u.log.Debug("Dialog established", "call_id", cid.Value())
		}
	}
}

func (u *UA) onBye(req *sip.Request, tx sip.ServerTransaction) {
	// Reply first; the peer must not retransmit while we drain.
	u.respond(tx, sip.NewResponseFromRequest(req, 200, "OK", nil))

	if cid := req.CallID(); cid != nil {
		u.mu.Lock()
		d, ok := u.dialogs[cid.Value()]
		u.mu.Unlock()
		if ok {
			u.log.Info("BYE received", "call_id", cid.Value())
			d.Terminate()
		}
	}
}

func (u *UA) onCancel(req *sip.Request, tx sip.ServerTransaction) {
	u.respond(tx, sip.NewResponseFromRequest(req, 200, "OK", nil))

	if cid := req.CallID(); cid != nil {
		u.mu.Lock()
		d, ok := u.dialogs[cid.Value()]
		u.mu.Unlock()
		if ok && d.State() == DialogRinging {
			d.Terminate()
		}
	}
}

func (u *UA) onOptions(req *sip.Request, tx sip.ServerTransaction) {
	u.respond(tx, sip.NewResponseFromRequest(req, 200, "OK", nil))
}

func (u *UA) respond(tx sip.ServerTransaction, res *sip.Response) {
	if err := tx.Respond(res); err != nil {
		u.log.Warn("Failed to send response", "status", res.StatusCode, "error", err)
	}
}

// addToTag sets the UA's tag on the To header of an outgoing response.
func addToTag(res *sip.Response, tag string) {
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", tag)
		}
	}
}
