package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/moltbunker/uplink/internal/protocol"
)

// ChunkSender delivers one chunk of a transfer, e.g. by enqueueing a
// FILE_CONTENT block on a channel
type ChunkSender func(ctx context.Context, chunk []byte) error

// SendChunks reads exactly size bytes from r and hands them to send in
// chunks of at most protocol.MaxFileTransferChunkSize. It fails with
// ErrSizeMismatch if r ends early. Nothing is sent for size 0.
func SendChunks(ctx context.Context, r io.Reader, size int64, send ChunkSender) error {
	buf := make([]byte, protocol.MaxFileTransferChunkSize)
	var sent int64
	for sent < size {
		want := size - sent
		if want > int64(len(buf)) {
			want = int64(len(buf))
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			// the receiver keeps chunks, so each one gets its own backing array
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if sendErr := send(ctx, chunk); sendErr != nil {
				return sendErr
			}
			sent += int64(n)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return fmt.Errorf("%w: source ended after %d of %d bytes", ErrSizeMismatch, sent, size)
			}
			return err
		}
	}
	return nil
}
