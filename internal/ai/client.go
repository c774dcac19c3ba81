// Package ai speaks the realtime streaming protocol over one
// WebSocket session per call: continuous uplink audio, tagged server
// events on the way back, and the tool invocation round-trip.
package ai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	// sessionCreatedWait bounds the pause between dialing and sending
	// the session configuration.
	sessionCreatedWait = 500 * time.Millisecond

	// toolResultGrace is the pause between submitting a tool output
	// and requesting the follow-up response.
	toolResultGrace = 300 * time.Millisecond

	audioQueueDepth = 32
	toolQueueDepth  = 8
)

// Config parameterizes one realtime session.
type Config struct {
	BaseURL      string // wss endpoint, model appended as query parameter
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Tools        any // projected tool definitions
}

// Client is one realtime AI session. The zero value is not usable;
// create with NewClient and Connect before anything else.
type Client struct {
	cfg Config
	log *slog.Logger

	conn     *websocket.Conn
	speaking atomic.Bool

	mu        sync.Mutex
	sessionID string
	pending   map[string]*pendingCall
	fired     map[string]bool

	created   chan struct{}
	createdMu sync.Once

	audio     chan []byte
	toolCalls chan ToolCall
	done      chan struct{}
	doneOnce  sync.Once
}

type pendingCall struct {
	name string
	args string
}

// NewClient creates a client for one call session.
func NewClient(cfg Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		log:       log.With("component", "ai"),
		pending:   make(map[string]*pendingCall),
		fired:     make(map[string]bool),
		created:   make(chan struct{}),
		audio:     make(chan []byte, audioQueueDepth),
		toolCalls: make(chan ToolCall, toolQueueDepth),
		done:      make(chan struct{}),
	}
}

// Connect dials the endpoint, waits briefly for session.created and
// sends the session configuration.
func (c *Client) Connect(ctx context.Context) error {
	url := fmt.Sprintf("%s?model=%s", c.cfg.BaseURL, c.cfg.Model)

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return fmt.Errorf("dial realtime endpoint: %w", err)
	}
	conn.SetReadLimit(1 << 24)
	c.conn = conn

	go c.receiveLoop(ctx)

	select {
	case <-c.created:
	case <-time.After(sessionCreatedWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	return c.configureSession(ctx)
}

func (c *Client) configureSession(ctx context.Context) error {
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Instructions:      c.cfg.Instructions,
			Voice:             c.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     turnDetection{Type: "server_vad"},
			Modalities:        []string{"text", "audio"},
			Tools:             c.cfg.Tools,
		},
	}
	return c.writeJSON(ctx, msg)
}

// SendAudio streams one PCM16 frame. Frames are sent continuously,
// silence included; the server's voice activity detector depends on a
// steady cadence.
func (c *Client) SendAudio(ctx context.Context, pcm []byte) error {
	return c.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// RequestResponse asks the server to produce a response now. Used for
// the initial greeting and after tool results.
func (c *Client) RequestResponse(ctx context.Context) error {
	return c.writeJSON(ctx, map[string]string{"type": "response.create"})
}

// SubmitToolResult posts a tool output for callID and, after a short
// grace delay, requests the response that speaks it.
func (c *Client) SubmitToolResult(ctx context.Context, callID string, result any) error {
	output, err := json.Marshal(result)
	if err != nil {
		output = []byte(fmt.Sprintf(`{"result":%q}`, fmt.Sprint(result)))
	}

	msg := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: string(output),
		},
	}
	if err := c.writeJSON(ctx, msg); err != nil {
		return err
	}

	select {
	case <-time.After(toolResultGrace):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.RequestResponse(ctx)
}

// Speaking reports whether the last terminal event was a
// response-begin with no response-end or interrupt since.
func (c *Client) Speaking() bool {
	return c.speaking.Load()
}

// SessionID returns the server-assigned session identifier, empty
// until session.created arrived.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Audio exposes decoded downlink PCM16 chunks in arrival order.
func (c *Client) Audio() <-chan []byte {
	return c.audio
}

// ToolCalls exposes de-duplicated tool invocations.
func (c *Client) ToolCalls() <-chan ToolCall {
	return c.toolCalls
}

// Done is closed when the session ends, whether by Close or by the
// peer dropping the socket.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close shuts the session down. Safe to call more than once.
func (c *Client) Close() error {
	c.markDone()
	if c.conn != nil {
		return c.conn.Close(websocket.StatusNormalClosure, "session ended")
	}
	return nil
}

func (c *Client) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Client) writeJSON(ctx context.Context, v any) error {
	if c.conn == nil {
		return fmt.Errorf("session not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *Client) receiveLoop(ctx context.Context) {
	defer c.markDone()

	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Debug("Realtime socket closed", "error", err)
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn("Undecodable server event", "error", err)
			continue
		}
		c.handleEvent(ev)
	}
}

func (c *Client) handleEvent(ev serverEvent) {
	switch ev.Type {
	case "session.created":
		if ev.Session != nil {
			c.mu.Lock()
			c.sessionID = ev.Session.ID
			c.mu.Unlock()
		}
		c.createdMu.Do(func() { close(c.created) })
		c.log.Info("AI session created", "session_id", c.SessionID())

	case "session.updated":
		c.log.Debug("AI session configured")

	case "error":
		if ev.Error != nil {
			c.log.Error("AI server error", "error_type", ev.Error.Type, "message", ev.Error.Message)
		}

	case "response.created":
		c.speaking.Store(true)

	case "response.done", "response.interrupted":
		c.speaking.Store(false)

	case "response.audio.delta":
		// Late deltas after an interruption are dropped.
		if !c.speaking.Load() || ev.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warn("Undecodable audio delta", "error", err)
			return
		}
		select {
		case c.audio <- pcm:
		default:
			// Downlink consumer stalled, drop the oldest chunk.
			select {
			case <-c.audio:
			default:
			}
			select {
			case c.audio <- pcm:
			default:
			}
		}

	case "response.output_item.added":
		// Early hint: seed the accumulator, fire only if the item
		// already carries complete arguments.
		if ev.Item == nil || ev.Item.Type != "function_call" || ev.Item.CallID == "" {
			return
		}
		c.mu.Lock()
		if _, ok := c.pending[ev.Item.CallID]; !ok {
			c.pending[ev.Item.CallID] = &pendingCall{name: ev.Item.Name, args: ev.Item.Arguments}
		}
		c.mu.Unlock()
		if ev.Item.Arguments != "" {
			c.fireToolCall(ev.Item.CallID, ev.Item.Name, ev.Item.Arguments)
		}

	case "response.function_call_arguments.delta":
		if ev.CallID == "" {
			return
		}
		c.mu.Lock()
		pc, ok := c.pending[ev.CallID]
		if !ok {
			pc = &pendingCall{name: ev.Name}
			c.pending[ev.CallID] = pc
		}
		pc.args += ev.Delta
		c.mu.Unlock()

	case "response.function_call_arguments.done":
		// Canonical trigger.
		if ev.CallID == "" {
			return
		}
		name := ev.Name
		args := ev.Arguments
		c.mu.Lock()
		if pc, ok := c.pending[ev.CallID]; ok {
			if name == "" {
				name = pc.name
			}
			if args == "" {
				args = pc.args
			}
		}
		c.mu.Unlock()
		c.fireToolCall(ev.CallID, name, args)

	case "response.function_call.done":
		// Only a fallback for sessions where the arguments.done
		// event never arrived.
		if ev.CallID == "" {
			return
		}
		name := ev.Name
		args := ev.Arguments
		c.mu.Lock()
		if pc, ok := c.pending[ev.CallID]; ok {
			if name == "" {
				name = pc.name
			}
			if args == "" {
				args = pc.args
			}
		}
		c.mu.Unlock()
		c.fireToolCall(ev.CallID, name, args)
	}
}

// fireToolCall emits exactly one invocation per call identifier.
func (c *Client) fireToolCall(callID, name, argsJSON string) {
	if name == "" {
		return
	}

	c.mu.Lock()
	if c.fired[callID] {
		c.mu.Unlock()
		return
	}
	c.fired[callID] = true
	delete(c.pending, callID)
	c.mu.Unlock()

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			c.log.Warn("Undecodable tool arguments", "call_id", callID, "error", err)
			args = map[string]any{}
		}
	}

	select {
	case c.toolCalls <- ToolCall{CallID: callID, Name: name, Arguments: args}:
	default:
		c.log.Warn("Tool call queue full, dropping invocation", "call_id", callID)
	}
}
