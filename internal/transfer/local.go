package transfer

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// LocalDirectoryUploadProvider uploads the tree below Root
type LocalDirectoryUploadProvider struct {
	Root string
}

// ProvideDirectoryListing returns all directories below Root, sorted, with
// forward slashes
func (p LocalDirectoryUploadProvider) ProvideDirectoryListing() ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() || path == p.Root {
			return nil
		}
		rel, err := filepath.Rel(p.Root, path)
		if err != nil {
			return err
		}
		dirs = append(dirs, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", p.Root, err)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// ProvideFiles uploads every regular file below Root in lexical order
func (p LocalDirectoryUploadProvider) ProvideFiles(ctx context.Context, uc UploadContext) error {
	var files []string
	err := filepath.WalkDir(p.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing %s: %w", p.Root, err)
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.provideFile(ctx, uc, path); err != nil {
			return err
		}
	}
	return nil
}

func (p LocalDirectoryUploadProvider) provideFile(ctx context.Context, uc UploadContext, path string) error {
	rel, err := filepath.Rel(p.Root, path)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return uc.ProvideFile(ctx, NewFileDataSource(filepath.ToSlash(rel), info.Size(), f))
}

// LocalDirectoryDownloadReceiver writes a downloaded tree below Root
type LocalDirectoryDownloadReceiver struct {
	Root string
}

// ReceiveDirectoryListing creates the listed directories
func (r LocalDirectoryDownloadReceiver) ReceiveDirectoryListing(directories []string) error {
	for _, dir := range directories {
		target, err := r.resolve(dir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(target, 0755); err != nil {
			return err
		}
	}
	return nil
}

// ReceiveFile writes one file, creating parent directories as needed
func (r LocalDirectoryDownloadReceiver) ReceiveFile(file FileDataSource) error {
	target, err := r.resolve(file.RelativePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, file); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", file.RelativePath, err)
	}
	if !file.ReceivedCompletely() {
		f.Close()
		return fmt.Errorf("writing %s: %w", file.RelativePath, ErrSizeMismatch)
	}
	return f.Close()
}

func (r LocalDirectoryDownloadReceiver) resolve(relativePath string) (string, error) {
	cleaned, err := CleanRelativePath(relativePath)
	if err != nil {
		return "", err
	}
	return filepath.Join(r.Root, filepath.FromSlash(cleaned)), nil
}
