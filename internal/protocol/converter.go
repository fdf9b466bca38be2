package protocol

import (
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor encoder setup: %v", err))
	}
	decMode, err = cbor.DecOptions{
		MaxNestedLevels:  16,
		MaxArrayElements: 65536,
		MaxMapPairs:      4096,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("cbor decoder setup: %v", err))
	}
}

// EncodeBlock serializes v as the payload of a new block of the given type
func EncodeBlock(msgType MessageType, v any) (MessageBlock, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return MessageBlock{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return NewMessageBlock(msgType, data)
}

// DecodeBlock deserializes the payload of block, which must be of the expected type
func DecodeBlock[T any](block MessageBlock, expected MessageType) (T, error) {
	var v T
	if block.Type() != expected {
		return v, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedMessageType, expected, block.Type())
	}
	if err := decMode.Unmarshal(block.Data(), &v); err != nil {
		return v, NewProtocolError(ErrUndecodablePayload, "%s payload: %v", expected, err)
	}
	return v, nil
}

// EncodeHandshakeData builds a HANDSHAKE block from a string map
func EncodeHandshakeData(data map[string]string) (MessageBlock, error) {
	return EncodeBlock(MessageTypeHandshake, data)
}

// DecodeHandshakeData parses a HANDSHAKE block
func DecodeHandshakeData(block MessageBlock) (map[string]string, error) {
	data, err := DecodeBlock[map[string]string](block, MessageTypeHandshake)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]string{}
	}
	return data, nil
}

// EncodeRegularGoodbye builds a GOODBYE block signaling a clean close
func EncodeRegularGoodbye() MessageBlock {
	return EmptyMessageBlock(MessageTypeGoodbye)
}

// EncodeErrorGoodbye builds a GOODBYE block carrying a wrapped error message
func EncodeErrorGoodbye(errorType ErrorType, message string) (MessageBlock, error) {
	text := WrapErrorMessage(errorType, message)
	if len(text) > MaxMessageBlockDataLength {
		cut := MaxMessageBlockDataLength
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return NewMessageBlock(MessageTypeGoodbye, []byte(text))
}

// DecodeGoodbye reports whether a GOODBYE block is a regular close and, if
// not, the error it carries
func DecodeGoodbye(block MessageBlock) (regular bool, errorType ErrorType, message string) {
	if block.DataLength() == 0 {
		return true, 0, ""
	}
	errorType, message = UnwrapErrorMessage(string(block.Data()))
	return false, errorType, message
}
