package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Inbound frame parsing is fail-closed: a frame must satisfy the JSON schema
// for the channel before any handler logic sees it. Malformed frames are
// rejected here, never partially applied.

// ErrFrameTooLarge reports an inbound frame over the size ceiling.
var ErrFrameTooLarge = errors.New("frame exceeds size ceiling")

// ErrMalformedFrame reports a frame that failed schema validation.
var ErrMalformedFrame = errors.New("malformed frame")

const inboundFrameSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "minLength": 1},
		"data": {
			"type": "object",
			"properties": {
				"workspace": {"type": "string"},
				"workspacePath": {"type": "string"},
				"activeFile": {"type": "string"}
			},
			"additionalProperties": true
		}
	}
}`

const submitRequestSchema = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"url": {"type": "string"},
		"title": {"type": "string"},
		"selectedText": {"type": "string"},
		"prompt": {"type": "string"},
		"timestamp": {"type": "string"},
		"targetClientId": {"type": "integer"}
	},
	"additionalProperties": false
}`

var (
	inboundSchema *gojsonschema.Schema
	submitSchema  *gojsonschema.Schema
)

func init() {
	var err error
	inboundSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(inboundFrameSchema))
	if err != nil {
		panic("protocol: invalid inbound frame schema: " + err.Error())
	}
	submitSchema, err = gojsonschema.NewSchema(gojsonschema.NewStringLoader(submitRequestSchema))
	if err != nil {
		panic("protocol: invalid submit request schema: " + err.Error())
	}
}

// InboundFrame is the decoded form of a consumer-to-broker frame. Exactly
// one payload pointer is set for the types that carry one.
type InboundFrame struct {
	Type       EnvelopeType
	ClientInfo *ClientInfoPayload
}

// ParseInboundFrame validates and decodes a frame read from a consumer
// connection. Unknown types still parse so the caller can treat them as a
// forward-compatible no-op.
func ParseInboundFrame(data []byte) (*InboundFrame, error) {
	if len(data) > MaxFrameBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}

	result, err := inboundSchema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !result.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrMalformedFrame, schemaErrors(result))
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	frame := &InboundFrame{Type: env.Type}
	switch env.Type {
	case TypeClientInfo:
		info := &ClientInfoPayload{}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, info); err != nil {
				return nil, fmt.Errorf("%w: client-info payload: %v", ErrMalformedFrame, err)
			}
		}
		frame.ClientInfo = info
	case TypeHeartbeat, TypeConnection, TypePrompt:
		// No inbound payload to decode.
	default:
		// Unknown types are preserved for the caller's no-op arm.
	}

	return frame, nil
}

// ValidateSubmitBody checks a raw submission body against the submit schema
// before it is decoded. Unrecognized fields are rejected.
func ValidateSubmitBody(body []byte) error {
	result, err := submitSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !result.Valid() {
		return fmt.Errorf("%w: %s", ErrMalformedFrame, schemaErrors(result))
	}
	return nil
}

func schemaErrors(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return strings.Join(msgs, "; ")
}
