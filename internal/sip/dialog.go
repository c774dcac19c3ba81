package sip

import (
	"net"
	"sync"
	"time"

	"github.com/voicebridge/voicebridge/internal/media"
)

// DialogState tracks one call leg from INVITE to teardown.
type DialogState string

const (
	DialogRinging     DialogState = "ringing"
	DialogEstablished DialogState = "established"
	DialogTerminated  DialogState = "terminated"
)

// Dialog is the UA-side record of one incoming call. The orchestrator
// receives it inside a CallStart message and watches Done for BYE.
type Dialog struct {
	CallID    string
	CallerID  string
	LocalTag  string
	StartedAt time.Time

	// Negotiated media.
	Codec      media.Codec
	RemoteRTP  *net.UDPAddr
	RTPConn    *net.UDPConn
	LocalPort  int

	mu    sync.Mutex
	state DialogState
	done  chan struct{}
}

// NewDialog creates a dialog record in the ringing state.
func NewDialog(callID, callerID, localTag string) *Dialog {
	return &Dialog{
		CallID:    callID,
		CallerID:  callerID,
		LocalTag:  localTag,
		StartedAt: time.Now(),
		state:     DialogRinging,
		done:      make(chan struct{}),
	}
}

// State returns the current dialog state.
func (d *Dialog) State() DialogState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Establish marks the dialog confirmed (peer's ACK received).
func (d *Dialog) Establish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == DialogRinging {
		d.state = DialogEstablished
	}
}

// Terminate marks the dialog terminal and wakes anyone watching Done.
// Safe to call more than once.
func (d *Dialog) Terminate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != DialogTerminated {
		d.state = DialogTerminated
		close(d.done)
	}
}

// Done is closed when the dialog becomes terminal (BYE received or
// local teardown).
func (d *Dialog) Done() <-chan struct{} {
	return d.done
}
