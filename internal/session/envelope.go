// Package session implements the interactive session controller: the duplex
// message protocol that multiplexes commands, chat, server-initiated
// prompts, telemetry, and the activity feed over one transport, including
// reconnect replay and idle sweeping.
package session

import (
	"encoding/json"

	"github.com/oklog/ulid/v2"

	"fathom/internal/telemetry"
)

// Server→client envelope types.
const (
	TypeConnection     = "connection"
	TypeLoginSuccess   = "login_success"
	TypeLogoutSuccess  = "logout_success"
	TypeOutput         = "output"
	TypeError          = "error"
	TypePrompt         = "prompt"
	TypeModeChange     = "mode_change"
	TypeEnableInput    = "enable_input"
	TypeDisableInput   = "disable_input"
	TypeProgress       = "progress"
	TypeChatReady      = "chat-ready"
	TypeChatResponse   = "chat-response"
	TypeChatExit       = "chat-exit"
	TypeDownloadFile   = "download_file"
	TypeSessionExpired = "session-expired"
	TypeStatusSummary  = "status-summary"
	TypeLogSnapshot    = "log-snapshot"
	TypeLogEvent       = "log-event"
	TypeCSRFToken      = "csrf_token"
	TypePong           = "pong"

	TypeActivitySnapshot    = "github-activity:snapshot"
	TypeActivityEvent       = "github-activity:event"
	TypeActivityStats       = "github-activity:stats"
	TypeActivityReplay      = "github-activity:replay"
	TypeActivityExportReady = "github-activity:export-ready"
	TypeActivityError       = "github-activity:error"
)

// Client→server message types.
const (
	InboundCommand         = "command"
	InboundChatMessage     = "chat-message"
	InboundInput           = "input"
	InboundPing            = "ping"
	InboundStatusRefresh   = "status-refresh"
	InboundActivityCommand = "github-activity:command"
)

// Envelope is one server→client frame. Every envelope carries a
// server-generated message id.
type Envelope struct {
	Type            string `json:"type"`
	ServerMessageID string `json:"serverMessageId"`
	Data            any    `json:"data,omitempty"`
	IsPassword      bool   `json:"isPassword,omitempty"`
	Context         string `json:"context,omitempty"`
}

// NewEnvelope builds an envelope with a fresh message id.
func NewEnvelope(typ string, data any) Envelope {
	return Envelope{Type: typ, ServerMessageID: ulid.Make().String(), Data: data}
}

// errorEnvelope is the standard error frame.
func errorEnvelope(message string) Envelope {
	return NewEnvelope(TypeError, map[string]any{"message": message})
}

// ClientMessage is one client→server frame. Unknown fields are ignored.
type ClientMessage struct {
	Type    string   `json:"type"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Value   string   `json:"value,omitempty"`
	Message string   `json:"message,omitempty"`

	// github-activity:command parameters.
	Limit         int      `json:"limit,omitempty"`
	Levels        []string `json:"levels,omitempty"`
	Since         int64    `json:"since,omitempty"`
	SinceSequence uint64   `json:"sinceSequence,omitempty"`
	Search        string   `json:"search,omitempty"`
	Sample        int      `json:"sample,omitempty"`
}

// ParseClientMessage decodes one inbound frame. A frame without a type is
// malformed.
func ParseClientMessage(raw []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// telemetryEnvelopeType maps telemetry event types onto the wire protocol.
func telemetryEnvelopeType(typ telemetry.EventType) string {
	return "research-" + string(typ)
}
