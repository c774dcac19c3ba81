package ai

import "encoding/json"

// serverEvent is the superset of fields across all server event
// shapes, discriminated by Type.
type serverEvent struct {
	Type      string          `json:"type"`
	Delta     string          `json:"delta,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Item      *outputItem     `json:"item,omitempty"`
	Session   *sessionInfo    `json:"session,omitempty"`
	Error     *errorInfo      `json:"error,omitempty"`
	Response  json.RawMessage `json:"response,omitempty"`
}

type outputItem struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type sessionInfo struct {
	ID string `json:"id"`
}

type errorInfo struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ToolCall is one de-duplicated tool invocation emitted to the
// orchestrator: exactly one per call identifier.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments map[string]any
}

// Client -> server messages.

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Instructions      string        `json:"instructions"`
	Voice             string        `json:"voice"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	TurnDetection     turnDetection `json:"turn_detection"`
	Modalities        []string      `json:"modalities"`
	Tools             any           `json:"tools"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}
