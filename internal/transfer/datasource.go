// Package transfer moves documentation blobs and directory trees over a
// channel: chunking on the sending side, reassembly on the receiving side.
package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

var (
	// ErrSizeMismatch reports a stream that ended before, or ran past, its declared size
	ErrSizeMismatch = errors.New("data size does not match the announced size")
	// ErrAborted is returned to readers of a transfer that was cancelled midway
	ErrAborted = errors.New("transfer aborted")
)

// SizeValidatedDataSource is a byte stream with a declared total size. It
// never yields more than the declared size, fails if the underlying stream
// ends early, and tracks how much the consumer has actually read.
type SizeValidatedDataSource struct {
	size     int64
	r        io.Reader
	consumed atomic.Int64
}

// NewBufferedDataSource wraps an in-memory payload
func NewBufferedDataSource(data []byte) *SizeValidatedDataSource {
	return &SizeValidatedDataSource{size: int64(len(data)), r: bytes.NewReader(data)}
}

// NewStreamedDataSource wraps a stream that is expected to yield exactly size
// bytes. If r is an io.Closer, Close closes it.
func NewStreamedDataSource(size int64, r io.Reader) *SizeValidatedDataSource {
	if size < 0 {
		size = 0
	}
	return &SizeValidatedDataSource{size: size, r: r}
}

// Size returns the declared total size
func (d *SizeValidatedDataSource) Size() int64 {
	return d.size
}

// Read implements io.Reader
func (d *SizeValidatedDataSource) Read(p []byte) (int, error) {
	remaining := d.size - d.consumed.Load()
	if remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := d.r.Read(p)
	consumed := d.consumed.Add(int64(n))
	if errors.Is(err, io.EOF) && consumed < d.size {
		return n, fmt.Errorf("%w: stream ended after %d of %d bytes", ErrSizeMismatch, consumed, d.size)
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// ReceivedCompletely reports whether the consumer has read the full declared size
func (d *SizeValidatedDataSource) ReceivedCompletely() bool {
	return d.consumed.Load() == d.size
}

// Consumed returns the number of bytes read so far
func (d *SizeValidatedDataSource) Consumed() int64 {
	return d.consumed.Load()
}

// Close releases the underlying stream if it has to be released
func (d *SizeValidatedDataSource) Close() error {
	if c, ok := d.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Discard reads and drops whatever the consumer left unread
func (d *SizeValidatedDataSource) Discard() error {
	_, err := io.Copy(io.Discard, d)
	return err
}
