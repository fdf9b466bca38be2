package protocol

// Wire layout: every message block is a fixed 13-byte header followed by the
// payload. The header holds the channel id (int64, big endian), the payload
// size (int32, big endian) and the message type (one byte).
const (
	channelIDFieldSize = 8
	sizeFieldSize      = 4
	typeFieldSize      = 1

	// HeaderSize is the fixed size of a message block header
	HeaderSize = channelIDFieldSize + sizeFieldSize + typeFieldSize
)

const (
	// DefaultChannelID is the control channel carrying handshake, goodbye,
	// tool descriptor updates and channel negotiation
	DefaultChannelID int64 = 0

	// UndefinedChannelID marks a channel id that has not been assigned yet,
	// or a failed channel request
	UndefinedChannelID int64 = -1

	// MaxMessageBlockDataLength is the largest payload a single block may carry
	MaxMessageBlockDataLength = 256 * 1024

	// MaxFileTransferChunkSize bounds each chunk of a documentation or file
	// transfer. Larger payloads must be split by the sender.
	MaxFileTransferChunkSize = 64 * 1024
)

const (
	// HandshakeHeader is written by the client before anything else so the
	// server can reject connections that do not speak this protocol at all
	HandshakeHeader = "UPLINK/HS/0.2\n"

	// ProtocolVersion is the high-level protocol version both sides must agree on
	ProtocolVersion = "0.2"
)

// Handshake data keys
const (
	HandshakeKeyProtocolVersionOffer = "protocol_version_offer"
	HandshakeKeyClientVersionInfo    = "client_version_info"
	HandshakeKeySessionQualifier     = "session_qualifier"
	HandshakeKeyAssignedNamespaceID  = "assigned_namespace_id"
	HandshakeKeyDestinationIDPrefix  = "destination_id_prefix"

	// Protocol hooks: a client may ask the server to fail, refuse, or answer
	// too late. They exercise the client's error paths against a real server.
	HandshakeKeySimulateHandshakeFailure          = "simulate_handshake_failure"
	HandshakeKeySimulateRefusedConnection         = "simulate_refused_connection"
	HandshakeKeySimulateResponseDelayAboveTimeout = "simulate_response_delay_above_timeout"
)

// Namespace derivation
const (
	DefaultSessionQualifier = "default"

	NamespaceLoginSignificantChars     = 8
	NamespaceQualifierSignificantChars = 8
	NamespacePaddingChar               = '_'
)

// ErrorMessageConnectionSetupFailed prefixes the message a server sends when
// it fails a handshake because of an internal error
const ErrorMessageConnectionSetupFailed = "Failed to set up the connection on the server side"
