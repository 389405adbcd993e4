// Package protocol defines the wire types carried over the WebSocket
// gateway (server to client) and accepted from clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies a server-to-client broadcast frame, taken from the
// Event Bus kinds enumerated in the component design.
type EventType string

const (
	EventStateChanged      EventType = "state_changed"
	EventChatAppended      EventType = "chat_appended"
	EventHistorySnapshot   EventType = "history_snapshot"
	EventPromptPosted      EventType = "prompt_posted"
	EventPromptResolved    EventType = "prompt_resolved"
	EventPermissionPosted  EventType = "permission_posted"
	EventPermissionResolve EventType = "permission_resolved"
	EventUsageUpdated      EventType = "usage_updated"
	EventTextChunk         EventType = "text_chunk"
	EventToolInvoked       EventType = "tool_invoked"
	EventClientsChanged    EventType = "clients_changed"
	EventError             EventType = "error"
)

var ErrUnsupportedCommand = errors.New("unsupported client command")

// ChatMessage is one entry in the chat ring.
type ChatMessage struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// PromptOption is one selectable choice on a Prompt.
type PromptOption struct {
	Num         int    `json:"num"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
	Selected    bool   `json:"selected,omitempty"`
}

// Prompt is a pending question surfaced to the operator, either raised by
// the agent itself (kind=agent_prompt) or by the permission broker
// (kind=permission).
type Prompt struct {
	ID                  string         `json:"id"`
	Kind                string         `json:"kind"`
	Title               string         `json:"title,omitempty"`
	Context             string         `json:"context,omitempty"`
	Question            string         `json:"question"`
	Options             []PromptOption `json:"options"`
	DeadlineUnixMs      int64          `json:"deadline,omitempty"`
	PermissionRequestID string         `json:"permission_request_id,omitempty"`
}

// ClientSessionSummary is the broadcast-safe view of a ClientSession.
type ClientSessionSummary struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	PeerIdentity string `json:"peer_identity,omitempty"`
	SubscribedAt int64  `json:"subscribed_at"`
}

// Usage mirrors the UsageUpdated event payload.
type Usage struct {
	TotalIn       int64   `json:"total_in"`
	TotalOut      int64   `json:"total_out"`
	TotalContext  int64   `json:"total_context"`
	ContextWindow int64   `json:"context_window"`
	CostUSD       float64 `json:"cost_usd"`
}

// Event is the envelope placed on every WebSocket outbound frame. Only the
// field(s) relevant to Type are populated; the rest are zero-valued and
// omitted by the json tags.
type Event struct {
	Type EventType `json:"type"`

	Status      string                 `json:"status,omitempty"`
	Message     *ChatMessage           `json:"message,omitempty"`
	Messages    []ChatMessage          `json:"messages,omitempty"`
	Prompt      *Prompt                `json:"prompt,omitempty"`
	ID          string                 `json:"id,omitempty"`
	Decision    string                 `json:"decision,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	Usage       *Usage                 `json:"usage,omitempty"`
	TurnID      string                 `json:"turn_id,omitempty"`
	Text        string                 `json:"text,omitempty"`
	ToolName    string                 `json:"tool_name,omitempty"`
	ToolSummary string                 `json:"tool_summary,omitempty"`
	Clients     []ClientSessionSummary `json:"clients,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
}

// ClientCommand is a client-to-server frame received over the WebSocket.
// Supported cmd values: "ack", "abort"; the gateway ignores unknown ones.
type ClientCommand struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id,omitempty"`
}

// ParseClientCommand decodes a single inbound WebSocket text frame.
// Malformed JSON is the only decode error; an unrecognised cmd value still
// decodes successfully so the caller can choose to ignore it.
func ParseClientCommand(raw []byte) (ClientCommand, error) {
	var cmd ClientCommand
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return ClientCommand{}, fmt.Errorf("invalid client command: %w", err)
	}
	return cmd, nil
}

// ErrForUnknownCommand wraps ErrUnsupportedCommand for a decoded but
// unrecognised cmd value;
// callers that want to distinguish "ignore" from "reject" can wrap it.
func ErrForUnknownCommand(cmd string) error {
	return fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd)
}
