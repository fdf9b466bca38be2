package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/moltbunker/uplink/internal/protocol"
)

// DefaultBufferedChunks is the number of received chunks a Reassembler holds
// before AddChunk starts waiting for the consumer
const DefaultBufferedChunks = 16

// Reassembler rebuilds a payload from chunks received in order. A single
// goroutine calls AddChunk; the consumer reads the result through
// DataSource from any other goroutine.
type Reassembler struct {
	expected int64
	received int64

	chunks chan []byte

	abortOnce sync.Once
	aborted   chan struct{}
	abortErr  error

	gone     chan struct{}
	goneOnce sync.Once

	source *SizeValidatedDataSource
}

// NewReassembler prepares the reception of expected bytes
func NewReassembler(expected int64, bufferedChunks int) *Reassembler {
	if bufferedChunks < 1 {
		bufferedChunks = 1
	}
	if expected < 0 {
		expected = 0
	}
	r := &Reassembler{
		expected: expected,
		chunks:   make(chan []byte, bufferedChunks),
		aborted:  make(chan struct{}),
		gone:     make(chan struct{}),
	}
	r.source = NewStreamedDataSource(expected, &chunkReader{r: r})
	if expected == 0 {
		close(r.chunks)
	}
	return r
}

// DataSource returns the consumer side
func (r *Reassembler) DataSource() *SizeValidatedDataSource {
	return r.source
}

// Expected returns the announced total size
func (r *Reassembler) Expected() int64 {
	return r.expected
}

// Complete reports whether all announced bytes have arrived
func (r *Reassembler) Complete() bool {
	return r.received == r.expected
}

// AddChunk appends the next chunk. It waits while the consumer is more than
// the buffered number of chunks behind. Chunks arriving after the consumer
// closed the data source are dropped.
func (r *Reassembler) AddChunk(ctx context.Context, data []byte) error {
	if len(data) > protocol.MaxFileTransferChunkSize {
		return fmt.Errorf("%w: chunk of %d bytes exceeds the maximum of %d", ErrSizeMismatch, len(data), protocol.MaxFileTransferChunkSize)
	}
	if r.received+int64(len(data)) > r.expected {
		return fmt.Errorf("%w: received %d bytes, announced %d", ErrSizeMismatch, r.received+int64(len(data)), r.expected)
	}
	select {
	case <-r.aborted:
		return r.abortErr
	default:
	}
	if len(data) == 0 {
		return nil
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)

	select {
	case r.chunks <- chunk:
	case <-r.gone:
	case <-r.aborted:
		return r.abortErr
	case <-ctx.Done():
		return ctx.Err()
	}

	r.received += int64(len(data))
	if r.received == r.expected {
		close(r.chunks)
	}
	return nil
}

// Abort fails pending and future reads with err (ErrAborted if nil)
func (r *Reassembler) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	r.abortOnce.Do(func() {
		r.abortErr = err
		close(r.aborted)
	})
}

type chunkReader struct {
	r   *Reassembler
	cur []byte
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.cur) == 0 {
		chunk, err := c.next()
		if err != nil {
			return 0, err
		}
		c.cur = chunk
	}
	n := copy(p, c.cur)
	c.cur = c.cur[n:]
	return n, nil
}

func (c *chunkReader) next() ([]byte, error) {
	// data that already arrived wins over a concurrent abort
	select {
	case chunk, ok := <-c.r.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	default:
	}
	select {
	case chunk, ok := <-c.r.chunks:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-c.r.aborted:
		return nil, c.r.abortErr
	case <-c.r.gone:
		return nil, io.ErrClosedPipe
	}
}

func (c *chunkReader) Close() error {
	c.r.goneOnce.Do(func() { close(c.r.gone) })
	return nil
}
