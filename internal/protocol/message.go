package protocol

import "fmt"

// MessageType identifies the payload of a message block
type MessageType byte

const (
	MessageTypeHandshake                    MessageType = 1
	MessageTypeGoodbye                      MessageType = 2
	MessageTypeToolDescriptorListUpdate     MessageType = 3
	MessageTypeChannelInit                  MessageType = 4
	MessageTypeChannelInitResponse          MessageType = 5
	MessageTypeChannelClose                 MessageType = 6
	MessageTypeToolExecutionRequest         MessageType = 7
	MessageTypeToolExecutionRequestResponse MessageType = 8
	MessageTypeFileTransferSectionStart     MessageType = 9
	MessageTypeFileHeader                   MessageType = 10
	MessageTypeFileContent                  MessageType = 11
	MessageTypeFileTransferSectionEnd       MessageType = 12
	MessageTypeToolExecutionEvents          MessageType = 13
	MessageTypeToolExecutionFinished        MessageType = 14
	MessageTypeToolCancellationRequest      MessageType = 15
	MessageTypeToolDocumentationRequest     MessageType = 16
	MessageTypeToolDocumentationResponse    MessageType = 17

	maxMessageType = MessageTypeToolDocumentationResponse
)

// Valid reports whether the type is defined by the protocol
func (t MessageType) Valid() bool {
	return t >= MessageTypeHandshake && t <= maxMessageType
}

func (t MessageType) String() string {
	switch t {
	case MessageTypeHandshake:
		return "HANDSHAKE"
	case MessageTypeGoodbye:
		return "GOODBYE"
	case MessageTypeToolDescriptorListUpdate:
		return "TOOL_DESCRIPTOR_LIST_UPDATE"
	case MessageTypeChannelInit:
		return "CHANNEL_INIT"
	case MessageTypeChannelInitResponse:
		return "CHANNEL_INIT_RESPONSE"
	case MessageTypeChannelClose:
		return "CHANNEL_CLOSE"
	case MessageTypeToolExecutionRequest:
		return "TOOL_EXECUTION_REQUEST"
	case MessageTypeToolExecutionRequestResponse:
		return "TOOL_EXECUTION_REQUEST_RESPONSE"
	case MessageTypeFileTransferSectionStart:
		return "FILE_TRANSFER_SECTION_START"
	case MessageTypeFileHeader:
		return "FILE_HEADER"
	case MessageTypeFileContent:
		return "FILE_CONTENT"
	case MessageTypeFileTransferSectionEnd:
		return "FILE_TRANSFER_SECTION_END"
	case MessageTypeToolExecutionEvents:
		return "TOOL_EXECUTION_EVENTS"
	case MessageTypeToolExecutionFinished:
		return "TOOL_EXECUTION_FINISHED"
	case MessageTypeToolCancellationRequest:
		return "TOOL_CANCELLATION_REQUEST"
	case MessageTypeToolDocumentationRequest:
		return "TOOL_DOCUMENTATION_REQUEST"
	case MessageTypeToolDocumentationResponse:
		return "TOOL_DOCUMENTATION_RESPONSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// MessageBlock is the atomic unit of the wire protocol. It is immutable once
// constructed; the data slice must not be modified by the caller afterwards.
type MessageBlock struct {
	msgType MessageType
	data    []byte
}

// NewMessageBlock creates a block, rejecting unknown types and oversized payloads
func NewMessageBlock(msgType MessageType, data []byte) (MessageBlock, error) {
	if !msgType.Valid() {
		return MessageBlock{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, byte(msgType))
	}
	if len(data) > MaxMessageBlockDataLength {
		return MessageBlock{}, fmt.Errorf("%w: %d bytes (max %d)", ErrInvalidBlockSize, len(data), MaxMessageBlockDataLength)
	}
	return MessageBlock{msgType: msgType, data: data}, nil
}

// EmptyMessageBlock creates a payload-less block of the given type
func EmptyMessageBlock(msgType MessageType) MessageBlock {
	return MessageBlock{msgType: msgType}
}

// Type returns the message type
func (b MessageBlock) Type() MessageType { return b.msgType }

// Data returns the payload
func (b MessageBlock) Data() []byte { return b.data }

// DataLength returns the payload size in bytes
func (b MessageBlock) DataLength() int { return len(b.data) }

// TotalLength returns the encoded size including the header
func (b MessageBlock) TotalLength() int { return HeaderSize + len(b.data) }
