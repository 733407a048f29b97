// Package protocol defines the envelope structures exchanged between the
// relay broker and its consumers over the persistent connection channel.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the protocol version advertised in connection envelopes.
const Version = "1.0.0"

const (
	// MaxFrameBytes is the ceiling on a single envelope, in either direction.
	MaxFrameBytes = 1 << 20
	// MaxPromptChars is the ceiling on a submitted prompt.
	MaxPromptChars = 100000
	// MaxSelectedTextChars is the ceiling applied to selected text at
	// dispatch time. Longer selections are truncated, not rejected.
	MaxSelectedTextChars = 5000
)

// EnvelopeType discriminates the envelope payload.
type EnvelopeType string

const (
	// TypeConnection is sent by the broker immediately after registration.
	TypeConnection EnvelopeType = "connection"
	// TypePrompt carries a routed prompt to a single consumer.
	TypePrompt EnvelopeType = "prompt"
	// TypeClientInfo carries consumer workspace metadata to the broker.
	TypeClientInfo EnvelopeType = "client-info"
	// TypeHeartbeat refreshes the consumer's activity timestamp.
	TypeHeartbeat EnvelopeType = "heartbeat"
)

// Envelope is the unit exchanged over a consumer connection. Immutable once
// constructed.
type Envelope struct {
	Type      EnvelopeType    `json:"type"`
	Message   string          `json:"message,omitempty"`
	ClientID  int             `json:"clientId,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Version   string          `json:"version,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// PromptPayload is the data carried by a prompt envelope.
type PromptPayload struct {
	Prompt           string `json:"prompt"`
	OriginalPrompt   string `json:"originalPrompt"`
	URL              string `json:"url"`
	Title            string `json:"title"`
	SelectedText     string `json:"selectedText"`
	BrowserTimestamp string `json:"browserTimestamp"`
}

// ClientInfoPayload is the data carried by a client-info frame.
type ClientInfoPayload struct {
	Workspace     string `json:"workspace"`
	WorkspacePath string `json:"workspacePath"`
	ActiveFile    string `json:"activeFile"`
}

// PromptRequest is the body of a prompt submission from a producer.
type PromptRequest struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	SelectedText   string `json:"selectedText"`
	Prompt         string `json:"prompt"`
	Timestamp      string `json:"timestamp"`
	TargetClientID *int   `json:"targetClientId,omitempty"`
}

// NewConnectionEnvelope builds the greeting sent to a freshly registered
// consumer.
func NewConnectionEnvelope(clientID int) *Envelope {
	return &Envelope{
		Type:      TypeConnection,
		Message:   fmt.Sprintf("Connected to prompt relay broker (client %d)", clientID),
		ClientID:  clientID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   Version,
	}
}

// NewPromptEnvelope builds the dispatch envelope for a routed prompt. The
// selected text is truncated to MaxSelectedTextChars here so every consumer
// sees the same bound.
func NewPromptEnvelope(req *PromptRequest) (*Envelope, error) {
	payload := PromptPayload{
		Prompt:           req.Prompt,
		OriginalPrompt:   req.Prompt,
		URL:              req.URL,
		Title:            req.Title,
		SelectedText:     Truncate(req.SelectedText, MaxSelectedTextChars),
		BrowserTimestamp: req.Timestamp,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prompt payload: %w", err)
	}

	return &Envelope{
		Type:      TypePrompt,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Data:      data,
	}, nil
}

// Encode serializes the envelope and enforces the frame size ceiling.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("envelope exceeds frame ceiling: %d bytes", len(data))
	}
	return data, nil
}

// Truncate clips s to at most max runes. Clipping on runes keeps multi-byte
// selections valid UTF-8.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
