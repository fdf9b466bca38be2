package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
	"github.com/moltbunker/uplink/internal/util"
)

// ErrSectionFailed is reported when the sending side gave up on a section
var ErrSectionFailed = errors.New("remote side failed to send the section")

// SectionReceiver turns the blocks of one file transfer section back into
// calls on a DirectoryDownloadReceiver. HandleBlock is called by the channel's
// dispatcher; the receiver callbacks run on a separate goroutine so a slow
// consumer only stalls this transfer.
type SectionReceiver struct {
	name     string
	receiver DirectoryDownloadReceiver
	onDone   func(err error)

	// dispatcher side
	started  bool
	ended    bool
	complete atomic.Bool
	current  *Reassembler
	files    int
	bytes    int64

	jobs chan func() error

	// opMu serializes HandleBlock and Abort; abortCtx interrupts a
	// HandleBlock that waits for the consumer
	opMu        sync.Mutex
	abortCtx    context.Context
	abortCancel context.CancelFunc

	mu       sync.Mutex
	failed   error
	doneOnce sync.Once
}

// NewSectionReceiver creates a receiver for a section. A nil receiver
// discards everything. onDone is called exactly once, from the delivery
// goroutine, after the last callback has returned or the section failed.
func NewSectionReceiver(name string, receiver DirectoryDownloadReceiver, onDone func(err error)) *SectionReceiver {
	abortCtx, abortCancel := context.WithCancel(context.Background())
	return &SectionReceiver{
		name:        name,
		receiver:    receiver,
		onDone:      onDone,
		jobs:        make(chan func() error, 4),
		abortCtx:    abortCtx,
		abortCancel: abortCancel,
	}
}

// Ended reports whether the section end block has been handled, or the
// section failed
func (s *SectionReceiver) Ended() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.ended
}

// HandleBlock processes the next block of the section
func (s *SectionReceiver) HandleBlock(ctx context.Context, block protocol.MessageBlock) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.abortCtx, cancel)
	defer stop()

	if s.ended {
		return fmt.Errorf("section %s: %s after section end", s.name, block.Type())
	}
	if !s.started && block.Type() != protocol.MessageTypeFileTransferSectionStart {
		return fmt.Errorf("section %s: %s before section start", s.name, block.Type())
	}

	switch block.Type() {
	case protocol.MessageTypeFileTransferSectionStart:
		if s.started {
			return fmt.Errorf("section %s: duplicate section start", s.name)
		}
		info, err := protocol.DecodeBlock[protocol.FileTransferSectionInfo](block, protocol.MessageTypeFileTransferSectionStart)
		if err != nil {
			return err
		}
		s.started = true
		util.SafeGoWithName("section-"+s.name, s.deliver)
		return s.submit(ctx, func() error {
			if s.receiver == nil || s.err() != nil {
				return nil
			}
			return s.receiver.ReceiveDirectoryListing(info.Directories)
		})

	case protocol.MessageTypeFileHeader:
		if s.current != nil && !s.current.Complete() {
			return s.fail(fmt.Errorf("section %s: %w: file header before the previous file was complete", s.name, ErrSizeMismatch))
		}
		header, err := protocol.DecodeBlock[protocol.FileHeader](block, protocol.MessageTypeFileHeader)
		if err != nil {
			return err
		}
		relativePath, err := CleanRelativePath(header.Path)
		if err != nil {
			return s.fail(err)
		}
		if header.Size < 0 {
			return s.fail(fmt.Errorf("section %s: %w: negative size for %s", s.name, ErrSizeMismatch, relativePath))
		}
		r := NewReassembler(header.Size, DefaultBufferedChunks)
		s.current = r
		s.files++
		s.bytes += header.Size
		file := FileDataSource{RelativePath: relativePath, SizeValidatedDataSource: r.DataSource()}
		return s.submit(ctx, func() error {
			defer file.Close()
			if s.err() != nil {
				return nil
			}
			if s.receiver != nil {
				if err := s.receiver.ReceiveFile(file); err != nil {
					return fmt.Errorf("receiving %s: %w", relativePath, err)
				}
			}
			return file.Discard()
		})

	case protocol.MessageTypeFileContent:
		if s.current == nil {
			return s.fail(fmt.Errorf("section %s: file content without file header", s.name))
		}
		if err := s.current.AddChunk(ctx, block.Data()); err != nil {
			return s.fail(fmt.Errorf("section %s: %w", s.name, err))
		}
		return nil

	case protocol.MessageTypeFileTransferSectionEnd:
		if s.current != nil && !s.current.Complete() {
			return s.fail(fmt.Errorf("section %s: %w: section ended before the last file was complete", s.name, ErrSizeMismatch))
		}
		result, err := protocol.DecodeBlock[protocol.FileTransferSectionEnd](block, protocol.MessageTypeFileTransferSectionEnd)
		if err != nil {
			return s.fail(err)
		}
		if !result.Successful {
			s.setFailed(fmt.Errorf("%w: %s", ErrSectionFailed, result.Message))
		}
		s.ended = true
		s.complete.Store(true)
		close(s.jobs)
		logging.Debug("received file transfer section",
			"section", s.name,
			"files", s.files,
			"size", humanize.Bytes(uint64(s.bytes)),
			logging.Component("transfer"))
		return nil

	default:
		return fmt.Errorf("section %s: unexpected %s", s.name, block.Type())
	}
}

// Abort ends the section with err, e.g. because the channel was closed
// before the section end arrived. It may be called from any goroutine and
// does nothing once the section has ended.
func (s *SectionReceiver) Abort(err error) {
	if err == nil {
		err = ErrAborted
	}
	if s.complete.Load() {
		return
	}
	s.setFailed(err)
	s.abortCancel()

	s.opMu.Lock()
	defer s.opMu.Unlock()
	if s.ended {
		return
	}
	s.fail(err)
}

func (s *SectionReceiver) submit(ctx context.Context, job func() error) error {
	select {
	case s.jobs <- job:
		return nil
	case <-ctx.Done():
		return s.fail(ctx.Err())
	}
}

// fail records err, unblocks the delivery goroutine and returns err. The
// caller holds opMu.
func (s *SectionReceiver) fail(err error) error {
	s.setFailed(err)
	if s.current != nil {
		s.current.Abort(err)
	}
	if s.ended {
		return err
	}
	s.ended = true
	if !s.started {
		s.finish()
		return err
	}
	close(s.jobs)
	return err
}

func (s *SectionReceiver) setFailed(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = err
	}
}

func (s *SectionReceiver) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *SectionReceiver) deliver() {
	// jobs check s.err() themselves; every job runs so file sources get closed
	for job := range s.jobs {
		if err := job(); err != nil {
			s.setFailed(err)
			logging.Warn("file transfer section failed",
				"section", s.name,
				logging.Err(err),
				logging.Component("transfer"))
		}
	}
	s.abortCancel()
	s.finish()
}

func (s *SectionReceiver) finish() {
	s.doneOnce.Do(func() {
		if s.onDone != nil {
			s.onDone(s.err())
		}
	})
}
