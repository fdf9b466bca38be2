package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// EncodeHeader writes the 13-byte header for a block on the given channel into dst
func EncodeHeader(dst []byte, channelID int64, block MessageBlock) {
	binary.BigEndian.PutUint64(dst[0:8], uint64(channelID))
	binary.BigEndian.PutUint32(dst[8:12], uint32(len(block.data)))
	dst[12] = byte(block.msgType)
}

// DecodeHeader parses a 13-byte header. The size field is validated against
// MaxMessageBlockDataLength; a negative or oversized value is a protocol error.
func DecodeHeader(src []byte) (channelID int64, size int, msgType MessageType, err error) {
	if len(src) < HeaderSize {
		return 0, 0, 0, fmt.Errorf("%w: header too short (%d bytes)", ErrInvalidBlockSize, len(src))
	}
	channelID = int64(binary.BigEndian.Uint64(src[0:8]))
	rawSize := int32(binary.BigEndian.Uint32(src[8:12]))
	msgType = MessageType(src[12])

	if rawSize < 0 || rawSize > MaxMessageBlockDataLength {
		return 0, 0, 0, NewProtocolError(ErrInvalidBlockSize,
			"received message block with invalid size field %d (allowed range 0..%d)", rawSize, MaxMessageBlockDataLength)
	}
	if !msgType.Valid() {
		return 0, 0, 0, NewProtocolError(ErrUnknownMessageType, "received message block of type %d", byte(msgType))
	}
	return channelID, int(rawSize), msgType, nil
}

// WriteMessageBlock writes a header and payload to w in a single Write call
func WriteMessageBlock(w io.Writer, channelID int64, block MessageBlock) error {
	buf := make([]byte, HeaderSize+len(block.data))
	EncodeHeader(buf, channelID, block)
	copy(buf[HeaderSize:], block.data)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write message block: %w", err)
	}
	return nil
}

// ReadMessageBlock reads the next block from r. A stream that ends cleanly
// between blocks yields an error matching io.EOF; a stream that ends inside a
// block yields io.ErrUnexpectedEOF.
func ReadMessageBlock(r io.Reader) (int64, MessageBlock, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, MessageBlock{}, io.EOF
		}
		return 0, MessageBlock{}, fmt.Errorf("read message block header: %w", err)
	}

	channelID, size, msgType, err := DecodeHeader(header[:])
	if err != nil {
		return 0, MessageBlock{}, err
	}

	var data []byte
	if size > 0 {
		data = make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return 0, MessageBlock{}, fmt.Errorf("read message block payload: %w", err)
		}
	}
	return channelID, MessageBlock{msgType: msgType, data: data}, nil
}

// WriteHandshakeHeader writes the fixed client handshake header
func WriteHandshakeHeader(w io.Writer) error {
	if _, err := io.WriteString(w, HandshakeHeader); err != nil {
		return fmt.Errorf("write handshake header: %w", err)
	}
	return nil
}

// ReadHandshakeHeader reads and verifies the fixed client handshake header
func ReadHandshakeHeader(r io.Reader) error {
	buf := make([]byte, len(HandshakeHeader))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("read handshake header: %w", err)
	}
	if string(buf) != HandshakeHeader {
		return NewProtocolError(ErrInvalidHandshakeHeader, "unexpected handshake header %q", buf)
	}
	return nil
}
