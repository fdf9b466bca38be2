package transfer

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/moltbunker/uplink/internal/protocol"
)

func patternBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i * 31)
	}
	return data
}

func TestBufferedDataSource(t *testing.T) {
	src := NewBufferedDataSource([]byte("hello"))
	if src.Size() != 5 {
		t.Errorf("expected size 5, got %d", src.Size())
	}
	if src.ReceivedCompletely() {
		t.Error("nothing read yet")
	}

	buf := make([]byte, 3)
	if _, err := io.ReadFull(src, buf); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if src.ReceivedCompletely() {
		t.Error("only 3 of 5 bytes read")
	}

	rest, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(rest) != "lo" {
		t.Errorf("expected %q, got %q", "lo", rest)
	}
	if !src.ReceivedCompletely() {
		t.Error("all bytes read")
	}
}

func TestStreamedDataSource_ShortStream(t *testing.T) {
	src := NewStreamedDataSource(10, strings.NewReader("abc"))
	_, err := io.ReadAll(src)
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
	if src.ReceivedCompletely() {
		t.Error("short stream must not count as complete")
	}
}

func TestStreamedDataSource_LongStreamIsCapped(t *testing.T) {
	src := NewStreamedDataSource(4, strings.NewReader("abcdefgh"))
	data, err := io.ReadAll(src)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(data) != "abcd" {
		t.Errorf("expected %q, got %q", "abcd", data)
	}
	if !src.ReceivedCompletely() {
		t.Error("declared size was read")
	}
}

func TestEmptyDataSource(t *testing.T) {
	src := NewBufferedDataSource(nil)
	if !src.ReceivedCompletely() {
		t.Error("empty source is complete from the start")
	}
	data, err := io.ReadAll(src)
	if err != nil || len(data) != 0 {
		t.Errorf("expected empty read, got %d bytes, err %v", len(data), err)
	}
}

// Equivalent behavior for buffered and reassembled sources is what lets a
// provider return either kind.
func TestLargeTransferRoundTrip(t *testing.T) {
	const size = 1000000
	if size <= protocol.MaxMessageBlockDataLength {
		t.Fatal("test payload must exceed a single message block")
	}
	original := patternBytes(size)

	r := NewReassembler(size, DefaultBufferedChunks)
	chunkCount := 0
	producerErr := make(chan error, 1)
	go func() {
		producerErr <- SendChunks(context.Background(), NewBufferedDataSource(original), size,
			func(ctx context.Context, chunk []byte) error {
				if len(chunk) > protocol.MaxFileTransferChunkSize {
					t.Errorf("chunk of %d bytes exceeds the limit", len(chunk))
				}
				chunkCount++
				return r.AddChunk(ctx, chunk)
			})
	}()

	src := r.DataSource()
	if src.Size() != size {
		t.Fatalf("expected size %d, got %d", size, src.Size())
	}
	if src.ReceivedCompletely() {
		t.Error("must not be complete before reading")
	}

	br := bufio.NewReader(src)
	for i := 0; i < size; i++ {
		b, err := br.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte at %d failed: %v", i, err)
		}
		if b != byte(i*31) {
			t.Fatalf("byte %d: expected %d, got %d", i, byte(i*31), b)
		}
	}
	if !src.ReceivedCompletely() {
		t.Error("must be complete after reading all bytes")
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF after the declared size, got %v", err)
	}

	if err := <-producerErr; err != nil {
		t.Fatalf("producer failed: %v", err)
	}
	if want := (size + protocol.MaxFileTransferChunkSize - 1) / protocol.MaxFileTransferChunkSize; chunkCount != want {
		t.Errorf("expected %d chunks, got %d", want, chunkCount)
	}
	if !r.Complete() {
		t.Error("reassembler should be complete")
	}
}

func TestReassembler_RejectsOverflow(t *testing.T) {
	r := NewReassembler(4, 2)
	if err := r.AddChunk(context.Background(), []byte("abc")); err != nil {
		t.Fatalf("AddChunk failed: %v", err)
	}
	if err := r.AddChunk(context.Background(), []byte("de")); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
	if r.Complete() {
		t.Error("reassembler must not be complete")
	}
}

func TestReassembler_RejectsOversizedChunk(t *testing.T) {
	r := NewReassembler(protocol.MaxFileTransferChunkSize*2, 2)
	err := r.AddChunk(context.Background(), make([]byte, protocol.MaxFileTransferChunkSize+1))
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
}

func TestReassembler_ZeroSize(t *testing.T) {
	r := NewReassembler(0, 1)
	if !r.Complete() {
		t.Error("zero-size transfer is complete immediately")
	}
	data, err := io.ReadAll(r.DataSource())
	if err != nil || len(data) != 0 {
		t.Errorf("expected empty read, got %d bytes, err %v", len(data), err)
	}
}

func TestReassembler_AbortFailsReader(t *testing.T) {
	r := NewReassembler(100, 2)
	if err := r.AddChunk(context.Background(), []byte("partial")); err != nil {
		t.Fatalf("AddChunk failed: %v", err)
	}
	cause := errors.New("channel closed")
	r.Abort(cause)

	data, err := io.ReadAll(r.DataSource())
	if !errors.Is(err, cause) {
		t.Errorf("expected abort cause, got %v", err)
	}
	if string(data) != "partial" {
		t.Errorf("data received before the abort should still be readable, got %q", data)
	}
	if err := r.AddChunk(context.Background(), []byte("more")); !errors.Is(err, cause) {
		t.Errorf("expected abort cause from AddChunk, got %v", err)
	}
}

func TestReassembler_ClosedConsumerDoesNotBlockProducer(t *testing.T) {
	r := NewReassembler(10, 1)
	if err := r.DataSource().Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 10; i++ {
			if err := r.AddChunk(context.Background(), []byte{byte(i)}); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("AddChunk failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked on a closed consumer")
	}
}

func TestSendChunks_ShortSource(t *testing.T) {
	var got bytes.Buffer
	err := SendChunks(context.Background(), strings.NewReader("abc"), 5, func(_ context.Context, chunk []byte) error {
		got.Write(chunk)
		return nil
	})
	if !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("expected ErrSizeMismatch, got %v", err)
	}
	if got.String() != "abc" {
		t.Errorf("expected available data to be sent, got %q", got.String())
	}
}

func TestSendChunks_SendError(t *testing.T) {
	want := errors.New("queue closed")
	err := SendChunks(context.Background(), bytes.NewReader(patternBytes(10)), 10, func(context.Context, []byte) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Errorf("expected send error, got %v", err)
	}
}
