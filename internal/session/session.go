// Package session runs one phone call end to end: RTP media in and out
// of the telephone leg, the realtime AI conversation on the other side,
// and tool invocations in between.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/voicebridge/voicebridge/internal/ai"
	"github.com/voicebridge/voicebridge/internal/ha"
	"github.com/voicebridge/voicebridge/internal/media"
	"github.com/voicebridge/voicebridge/internal/rtp"
	"github.com/voicebridge/voicebridge/internal/sip"
	"github.com/voicebridge/voicebridge/internal/tools"
)

// State is the session lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

// aiSilenceThreshold is the PCM16 amplitude below which an AI audio
// chunk is treated as carrying no signal and skipped. The telephone leg
// substitutes comfort silence on its own.
const aiSilenceThreshold = 10

var (
	errCallEnded      = errors.New("call ended by peer")
	errAIDisconnected = errors.New("ai connection closed")
)

// Session orchestrates one call: four paced media loops plus a tool
// loop, all torn down together when either leg ends.
type Session struct {
	dialog  *sip.Dialog
	rtp     *rtp.Session
	adapter *media.AudioAdapter
	ai      *ai.Client
	gateway *tools.Gateway
	ha      *ha.Client
	log     *slog.Logger

	mu    sync.Mutex
	state State
}

// New wires a session for an answered call. The AI client must not be
// connected yet; Run does that. The HA client is owned by the session
// and closed on teardown.
func New(dialog *sip.Dialog, aiClient *ai.Client, gateway *tools.Gateway, haClient *ha.Client) *Session {
	return &Session{
		dialog:  dialog,
		rtp:     rtp.NewSession(dialog.RTPConn, dialog.RemoteRTP, dialog.Codec),
		adapter: media.NewAudioAdapter(),
		ai:      aiClient,
		gateway: gateway,
		ha:      haClient,
		log: slog.Default().With(
			"component", "session",
			"call_id", dialog.CallID,
			"caller", dialog.CallerID,
		),
		state: StateStarting,
	}
}

// State returns the current lifecycle phase.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Run drives the call until the peer hangs up, the AI connection
// closes, or ctx is cancelled. It always tears down both legs before
// returning; the returned error is nil for a normal hangup.
func (s *Session) Run(ctx context.Context) error {
	defer s.teardown()

	if err := s.ai.Connect(ctx); err != nil {
		s.setState(StateDead)
		return fmt.Errorf("connecting ai session: %w", err)
	}

	// Greet the caller without waiting for them to speak first.
	if err := s.ai.RequestResponse(ctx); err != nil {
		s.setState(StateDead)
		return fmt.Errorf("requesting greeting: %w", err)
	}

	s.setState(StateRunning)
	s.log.Info("Session running", "ai_session", s.ai.SessionID())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.rtp.Run(gctx) })
	g.Go(func() error { return s.telephoneToAdapter(gctx) })
	g.Go(func() error { return s.adapterToAI(gctx) })
	g.Go(func() error { return s.aiToAdapter(gctx) })
	g.Go(func() error { return s.adapterToTelephone(gctx) })
	g.Go(func() error { return s.toolLoop(gctx) })
	g.Go(func() error { return s.watch(gctx) })

	err := g.Wait()
	s.setState(StateDraining)

	switch {
	case errors.Is(err, errCallEnded):
		s.log.Info("Call ended")
		return nil
	case errors.Is(err, errAIDisconnected):
		s.log.Warn("AI connection closed, ending call")
		return nil
	case ctx.Err() != nil:
		return nil
	default:
		return err
	}
}

// teardown closes the AI socket first so no more audio arrives, then
// the HA client. The RTP socket and port are released by the owner of
// the dialog once Run returns.
func (s *Session) teardown() {
	if err := s.ai.Close(); err != nil {
		s.log.Debug("Closing ai client", "error", err)
	}
	if s.ha != nil {
		s.ha.Close()
	}
	s.dialog.Terminate()
	s.setState(StateDead)
}

// watch ends the group when either leg goes away.
func (s *Session) watch(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.dialog.Done():
		return errCallEnded
	case <-s.ai.Done():
		return errAIDisconnected
	}
}

// telephoneToAdapter decodes incoming G.711 payloads to PCM16 and
// queues them for the uplink.
func (s *Session) telephoneToAdapter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-s.rtp.Inbound():
			if !ok {
				return nil
			}
			s.adapter.PushUplink(media.UlawToPCM16(payload))
		}
	}
}

// adapterToAI streams uplink frames to the AI unconditionally, silence
// included, so server-side voice activity detection sees a continuous
// signal.
func (s *Session) adapterToAI(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame := s.adapter.PullUplink()
		if err := s.ai.SendAudio(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Debug("Uplink write failed", "error", err)
			return errAIDisconnected
		}
	}
}

// aiToAdapter queues AI audio for the telephone leg, skipping chunks
// that carry no audible signal.
func (s *Session) aiToAdapter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-s.ai.Audio():
			if !ok {
				return nil
			}
			if media.IsNearSilence(chunk, aiSilenceThreshold) {
				continue
			}
			s.adapter.PushDownlink(chunk)
		}
	}
}

// adapterToTelephone encodes downlink frames to G.711 and hands them to
// the paced RTP sender.
func (s *Session) adapterToTelephone(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		frame := s.adapter.PullDownlink()
		s.rtp.QueueOutbound(media.PCM16ToUlaw(frame))
	}
}

// toolLoop executes function calls from the AI and reports the results
// back. Tool execution happens outside the media loops so a slow
// controller call never stalls audio.
func (s *Session) toolLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case call, ok := <-s.ai.ToolCalls():
			if !ok {
				return nil
			}
			s.log.Info("Tool call", "tool", call.Name, "call_id", call.CallID)
			result := s.gateway.Invoke(ctx, call.Name, call.Arguments)
			if !result.Success {
				s.log.Warn("Tool call failed", "tool", call.Name, "error", result.Error)
			}
			if err := s.ai.SubmitToolResult(ctx, call.CallID, result); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.log.Debug("Tool result write failed", "error", err)
				return errAIDisconnected
			}
		}
	}
}
