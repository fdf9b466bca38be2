package types

import "strings"

// SessionState represents the lifecycle state of an uplink session
type SessionState int

const (
	SessionStateInitial SessionState = iota
	SessionStateAwaitingHandshakeResponse
	SessionStateActive
	SessionStateShuttingDown
	SessionStateCleanShutdown
	SessionStateUncleanShutdown
	SessionStateRefusedOrHandshakeError
)

// String returns the upper-case name used in logs and error messages
func (s SessionState) String() string {
	switch s {
	case SessionStateInitial:
		return "INITIAL"
	case SessionStateAwaitingHandshakeResponse:
		return "AWAITING_HANDSHAKE_RESPONSE"
	case SessionStateActive:
		return "ACTIVE"
	case SessionStateShuttingDown:
		return "SHUTTING_DOWN"
	case SessionStateCleanShutdown:
		return "CLEAN_SHUTDOWN"
	case SessionStateUncleanShutdown:
		return "UNCLEAN_SHUTDOWN"
	case SessionStateRefusedOrHandshakeError:
		return "SESSION_REFUSED_OR_HANDSHAKE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further transitions are possible from this state
func (s SessionState) IsTerminal() bool {
	switch s {
	case SessionStateCleanShutdown, SessionStateUncleanShutdown, SessionStateRefusedOrHandshakeError:
		return true
	default:
		return false
	}
}

// IsShuttingDownOrShutDown reports whether the session has left normal operation
func (s SessionState) IsShuttingDownOrShutDown() bool {
	return s == SessionStateShuttingDown || s.IsTerminal()
}

// ChannelType identifies the purpose of a non-default channel
type ChannelType string

const (
	ChannelTypeDocumentation ChannelType = "docs"
	ChannelTypeToolExecution ChannelType = "exec"
)

// Valid reports whether the channel type is one the session layer can serve
func (c ChannelType) Valid() bool {
	return c == ChannelTypeDocumentation || c == ChannelTypeToolExecution
}

// ToolDescriptor describes a remotely callable tool
type ToolDescriptor struct {
	ToolID                string   `cbor:"toolId" yaml:"tool_id"`
	ToolVersion           string   `cbor:"toolVersion" yaml:"tool_version"`
	AuthorizationGroupIDs []string `cbor:"authGroupIds" yaml:"auth_group_ids"`
	Digest                string   `cbor:"digest,omitempty" yaml:"digest,omitempty"`
	// Opaque and optionally encrypted tool configuration; the relay never inspects it.
	ConfigurationPayload []byte `cbor:"config,omitempty" yaml:"-"`
}

// HasAuthorizationGroup reports whether the descriptor is visible to the given group
func (d ToolDescriptor) HasAuthorizationGroup(groupID string) bool {
	for _, g := range d.AuthorizationGroupIDs {
		if g == groupID {
			return true
		}
	}
	return false
}

// ToolDescriptorListUpdate is the full current tool list of one source destination id.
// An empty list means the source currently offers no tools.
type ToolDescriptorListUpdate struct {
	DestinationID   string           `cbor:"destinationId" yaml:"destination_id"`
	DisplayName     string           `cbor:"displayName" yaml:"display_name"`
	ToolDescriptors []ToolDescriptor `cbor:"tools" yaml:"tools"`
}

// IsEmpty reports whether the update withdraws all tools of its source
func (u ToolDescriptorListUpdate) IsEmpty() bool {
	return len(u.ToolDescriptors) == 0
}

// HasDestinationPrefix reports whether the update originates from a session
// owning the given destination id prefix
func (u ToolDescriptorListUpdate) HasDestinationPrefix(prefix string) bool {
	return prefix != "" && strings.HasPrefix(u.DestinationID, prefix)
}

// ToolExecutionRequest identifies the tool to run and where
type ToolExecutionRequest struct {
	ToolID        string            `cbor:"toolId"`
	ToolVersion   string            `cbor:"toolVersion"`
	AuthGroupID   string            `cbor:"authGroupId"`
	DestinationID string            `cbor:"destinationId"`
	Properties    map[string]string `cbor:"properties,omitempty"`
}

// ToolExecutionResult is delivered exactly once per execution
type ToolExecutionResult struct {
	Successful bool   `cbor:"successful"`
	Cancelled  bool   `cbor:"cancelled"`
	Message    string `cbor:"message,omitempty"`
}

// ToolExecutionEvent is an intermediate event emitted during execution,
// e.g. a line of tool output
type ToolExecutionEvent struct {
	Type string `cbor:"type"`
	Data string `cbor:"data"`
}

// Well-known execution event types
const (
	ExecutionEventStdout = "stdout"
	ExecutionEventStderr = "stderr"
	ExecutionEventInfo   = "info"
)
