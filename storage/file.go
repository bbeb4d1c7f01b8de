package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// FileBackend stores custody blobs on the local file system, one
// subdirectory per blob kind.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file backend rooted at baseDir, creating the
// per-kind subdirectories if needed.
func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	for _, kind := range []interfaces.BlobKind{interfaces.KeyBlobKind, interfaces.ShardKind, interfaces.SecretKind} {
		if err := os.MkdirAll(filepath.Join(baseDir, kind.String()), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch retrieves a blob by reference and kind. Returns ErrBlobNotFound if
// no blob exists under the reference.
func (b *FileBackend) Fetch(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind) ([]byte, error) {
	filePath := b.blobPath(ref, kind)

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to read blob file: %w", err)
	}

	b.log.Debug("Fetched blob from file",
		slog.String("path", filePath),
		slog.Int("size", len(data)))
	return data, nil
}

// Store saves a blob under its reference. Existing data under the same
// reference is overwritten; blob contents are ciphertext and the newest wrap
// wins.
func (b *FileBackend) Store(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind, data []byte) error {
	filePath := b.blobPath(ref, kind)

	if err := os.WriteFile(filePath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write blob file: %w", err)
	}

	b.log.Debug("Stored blob in file",
		slog.String("path", filePath),
		slog.String("ref", ref.String()))
	return nil
}

// Available checks that the base directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) blobPath(ref interfaces.BlobRef, kind interfaces.BlobKind) string {
	return filepath.Join(b.baseDir, kind.String(), ref.String())
}
