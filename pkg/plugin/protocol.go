// Package plugin defines the wire contract between Atlas and tool-hosting
// endpoints. Capability hosts written in any language speak these shapes over
// HTTP, MCP or gRPC.
package plugin

import (
	"encoding/json"
	"fmt"
)

const (
	// MaxMessageSize is the maximum length of a single request or envelope (4 MB).
	MaxMessageSize = 4 * 1024 * 1024

	StatusSuccess = "success"
	StatusError   = "error"

	// ServiceName is the gRPC service a capability host registers.
	ServiceName    = "atlas.capability.v1.CapabilityHost"
	InvokeMethod   = "/" + ServiceName + "/Invoke"
	DescribeMethod = "/" + ServiceName + "/Describe"
)

// Invocation is the body a host sends to a tool-hosting endpoint.
type Invocation struct {
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
}

// Envelope is the response shape: {status: success, result} or
// {status: error, message}.
type Envelope struct {
	Status  string `json:"status"`
	Result  any    `json:"result,omitempty"`
	Message string `json:"message,omitempty"`
}

// Validate checks that exactly one of result and message is present and
// that status is one of the two allowed values.
func (e Envelope) Validate() error {
	switch e.Status {
	case StatusSuccess:
		if e.Result == nil {
			return fmt.Errorf("envelope: success without result")
		}
		if e.Message != "" {
			return fmt.Errorf("envelope: success carries a message")
		}
	case StatusError:
		if e.Message == "" {
			return fmt.Errorf("envelope: error without message")
		}
		if e.Result != nil {
			return fmt.Errorf("envelope: error carries a result")
		}
	default:
		return fmt.Errorf("envelope: unknown status %q", e.Status)
	}
	return nil
}

// DecodeEnvelope parses and validates an envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) > MaxMessageSize {
		return Envelope{}, fmt.Errorf("envelope too large: %d bytes (max %d)", len(data), MaxMessageSize)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// CapabilitiesMsg is a host's self-description.
type CapabilitiesMsg struct {
	Host         string          `json:"host,omitempty"`
	Capabilities []CapabilityMsg `json:"capabilities"`
}

// CapabilityMsg describes one capability a host serves.
type CapabilityMsg struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  []ParameterMsg `json:"parameters,omitempty"`
}

// ParameterMsg describes one parameter of a capability.
type ParameterMsg struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
}
