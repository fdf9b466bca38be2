package protocol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/xid"
)

// Sentinel errors for codec failures
var (
	ErrInvalidBlockSize       = errors.New("invalid message block size")
	ErrUnknownMessageType     = errors.New("unknown message type")
	ErrInvalidHandshakeHeader = errors.New("invalid handshake header")
	ErrUnexpectedMessageType  = errors.New("unexpected message type")
	ErrUndecodablePayload     = errors.New("undecodable message payload")
)

// ErrorType classifies fatal session errors that are reported to the remote
// side in an error goodbye message
type ErrorType int

const (
	ErrorTypeInternalServerError      ErrorType = 1
	ErrorTypeProtocolVersionMismatch  ErrorType = 2
	ErrorTypeInvalidHandshakeData     ErrorType = 3
	ErrorTypeClientNamespaceCollision ErrorType = 4
	ErrorTypeHandshakeFailure         ErrorType = 5
	ErrorTypeHandshakeTimeout         ErrorType = 6
	ErrorTypeProtocolViolation        ErrorType = 7
	ErrorTypeLowLevelConnectionError  ErrorType = 8
	ErrorTypeInternalClientError      ErrorType = 9
	ErrorTypeUnknown                  ErrorType = 99
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeInternalServerError:
		return "INTERNAL_SERVER_ERROR"
	case ErrorTypeProtocolVersionMismatch:
		return "PROTOCOL_VERSION_MISMATCH"
	case ErrorTypeInvalidHandshakeData:
		return "INVALID_HANDSHAKE_DATA"
	case ErrorTypeClientNamespaceCollision:
		return "CLIENT_NAMESPACE_COLLISION"
	case ErrorTypeHandshakeFailure:
		return "HANDSHAKE_FAILURE"
	case ErrorTypeHandshakeTimeout:
		return "HANDSHAKE_TIMEOUT"
	case ErrorTypeProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case ErrorTypeLowLevelConnectionError:
		return "LOW_LEVEL_CONNECTION_ERROR"
	case ErrorTypeInternalClientError:
		return "INTERNAL_CLIENT_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ReasonableToRetry reports whether a new session attempt could succeed
// without user intervention
func (t ErrorType) ReasonableToRetry() bool {
	switch t {
	case ErrorTypeProtocolVersionMismatch, ErrorTypeInvalidHandshakeData,
		ErrorTypeClientNamespaceCollision, ErrorTypeProtocolViolation:
		return false
	default:
		return true
	}
}

// MissingErrorMessage is substituted when an error goodbye carries no text
const MissingErrorMessage = "<no error message available>"

var wrappedErrorPattern = regexp.MustCompile(`(?s)^E(\d{2}): (.*)$`)

// WrapErrorMessage encodes an error type and message for an error goodbye
func WrapErrorMessage(errorType ErrorType, message string) string {
	return fmt.Sprintf("E%02d: %s", int(errorType), message)
}

// UnwrapErrorMessage is the inverse of WrapErrorMessage. Unparseable input
// yields ErrorTypeUnknown and the input as message.
func UnwrapErrorMessage(wrapped string) (ErrorType, string) {
	if wrapped == "" {
		return ErrorTypeUnknown, MissingErrorMessage
	}
	m := wrappedErrorPattern.FindStringSubmatch(wrapped)
	if m == nil {
		return ErrorTypeUnknown, wrapped
	}
	code, _ := strconv.Atoi(m[1])
	errorType := ErrorType(code)
	if errorType.String() == "UNKNOWN" {
		errorType = ErrorTypeUnknown
	}
	return errorType, m[2]
}

// NewErrorMarker returns a unique "E#<id>" token that ties a user-visible
// error message to the corresponding log entry
func NewErrorMarker() string {
	return "E#" + xid.New().String()
}

// ProtocolError reports malformed or out-of-sequence input. It is fatal to the session.
type ProtocolError struct {
	Message string
	Err     error
}

// NewProtocolError creates a ProtocolError wrapping an optional cause
func NewProtocolError(err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Err)
	}
	return "protocol error: " + e.Message
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// RefusedError reports that the remote side refused or failed the handshake
type RefusedError struct {
	Type    ErrorType
	Message string
	// Remote is true if the refusal was received from the peer, false if it was decided locally
	Remote bool
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("session refused (%s): %s", e.Type, e.Message)
}

// IsProtocolError reports whether err is or wraps a *ProtocolError
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}
