package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/moltbunker/uplink/internal/logging"
	"github.com/moltbunker/uplink/internal/protocol"
)

// ErrInvalidPath is returned for relative paths that are absolute, empty,
// or escape their root
var ErrInvalidPath = errors.New("invalid relative path")

// FileDataSource is one file of a directory transfer. The relative path
// always uses forward slashes.
type FileDataSource struct {
	RelativePath string
	*SizeValidatedDataSource
}

// NewFileDataSource wraps a stream of size bytes as a file at relativePath
func NewFileDataSource(relativePath string, size int64, r io.Reader) FileDataSource {
	return FileDataSource{RelativePath: relativePath, SizeValidatedDataSource: NewStreamedDataSource(size, r)}
}

// UploadContext accepts the files of an upload, one at a time
type UploadContext interface {
	ProvideFile(ctx context.Context, file FileDataSource) error
}

// DirectoryUploadProvider supplies a directory tree for upload. The listing
// is requested first and sent before any file content.
type DirectoryUploadProvider interface {
	ProvideDirectoryListing() ([]string, error)
	ProvideFiles(ctx context.Context, uc UploadContext) error
}

// DirectoryDownloadReceiver consumes a downloaded directory tree. The data
// source passed to ReceiveFile is only valid until ReceiveFile returns;
// unread content is discarded afterwards.
type DirectoryDownloadReceiver interface {
	ReceiveDirectoryListing(directories []string) error
	ReceiveFile(file FileDataSource) error
}

// BlockSender sends one block on the channel a transfer runs on
type BlockSender func(ctx context.Context, block protocol.MessageBlock) error

// CleanRelativePath normalizes a slash-separated relative path and rejects
// anything that could leave the transfer root
func CleanRelativePath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") || strings.Contains(p, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	cleaned := path.Clean(p)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return cleaned, nil
}

// SendSection transfers a directory tree as one section: the directory
// listing, then header and content of each file, then the section end.
// A nil provider sends an empty section.
func SendSection(ctx context.Context, name string, provider DirectoryUploadProvider, send BlockSender) error {
	var directories []string
	if provider != nil {
		listing, err := provider.ProvideDirectoryListing()
		if err != nil {
			return fmt.Errorf("directory listing for %s: %w", name, err)
		}
		for _, dir := range listing {
			cleaned, err := CleanRelativePath(dir)
			if err != nil {
				return fmt.Errorf("directory listing for %s: %w", name, err)
			}
			directories = append(directories, cleaned)
		}
	}

	start, err := protocol.EncodeBlock(protocol.MessageTypeFileTransferSectionStart,
		protocol.FileTransferSectionInfo{Name: name, Directories: directories})
	if err != nil {
		return err
	}
	if err := send(ctx, start); err != nil {
		return err
	}

	uc := &sectionUploadContext{name: name, send: send}
	var provideErr error
	if provider != nil {
		provideErr = provider.ProvideFiles(ctx, uc)
	}

	result := protocol.FileTransferSectionEnd{Successful: provideErr == nil}
	if provideErr != nil {
		result.Message = provideErr.Error()
	}
	end, err := protocol.EncodeBlock(protocol.MessageTypeFileTransferSectionEnd, result)
	if err != nil {
		return err
	}
	if err := send(ctx, end); err != nil {
		return err
	}
	if provideErr != nil {
		return fmt.Errorf("uploading %s: %w", name, provideErr)
	}

	logging.Debug("sent file transfer section",
		"section", name,
		"files", uc.files,
		"size", humanize.Bytes(uint64(uc.bytes)),
		logging.Component("transfer"))
	return nil
}

type sectionUploadContext struct {
	name  string
	send  BlockSender
	files int
	bytes int64
}

func (u *sectionUploadContext) ProvideFile(ctx context.Context, file FileDataSource) error {
	relativePath, err := CleanRelativePath(file.RelativePath)
	if err != nil {
		return err
	}
	header, err := protocol.EncodeBlock(protocol.MessageTypeFileHeader,
		protocol.FileHeader{Path: relativePath, Size: file.Size()})
	if err != nil {
		return err
	}
	if err := u.send(ctx, header); err != nil {
		return err
	}
	err = SendChunks(ctx, file, file.Size(), func(ctx context.Context, chunk []byte) error {
		block, err := protocol.NewMessageBlock(protocol.MessageTypeFileContent, chunk)
		if err != nil {
			return err
		}
		return u.send(ctx, block)
	})
	if err != nil {
		return fmt.Errorf("sending %s: %w", relativePath, err)
	}
	u.files++
	u.bytes += file.Size()
	return nil
}
