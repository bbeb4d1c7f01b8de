package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/social-recovery-backend/interfaces"
)

// MultiBackend replicates custody blobs across several backends. Writes go
// to every available backend; reads are served by the first backend that
// holds the blob.
type MultiBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

// NewMultiBackend creates a replicating backend over the given backends.
func NewMultiBackend(backends []interfaces.StorageBackend, log *slog.Logger) *MultiBackend {
	if log == nil {
		log = slog.Default()
	}
	return &MultiBackend{backends: backends, log: log}
}

// Fetch returns the blob from the first backend that has it. If every
// backend reports not-found the result is ErrBlobNotFound; mixed failures
// aggregate into one error.
func (m *MultiBackend) Fetch(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind) ([]byte, error) {
	start := time.Now()
	var errs []error
	allNotFound := true

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend", backend.Name()),
				slog.String("ref", ref.String()))
			allNotFound = false
			continue
		}

		data, err := backend.Fetch(ctx, ref, kind)
		if err == nil {
			m.log.Debug("Fetched blob",
				slog.String("backend", backend.Name()),
				slog.String("ref", ref.String()),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		if !errors.Is(err, interfaces.ErrBlobNotFound) {
			allNotFound = false
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if allNotFound && len(errs) > 0 {
		return nil, interfaces.ErrBlobNotFound
	}

	m.log.Error("All backends failed to fetch blob",
		slog.String("ref", ref.String()),
		slog.Int("failed_backends", len(errs)),
		slog.Duration("duration", time.Since(start)))
	return nil, fmt.Errorf("all backends failed to fetch %s: %v", ref, errs)
}

// Store writes the blob to every available backend. The write succeeds if
// at least one backend accepted it.
func (m *MultiBackend) Store(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind, data []byte) error {
	start := time.Now()
	var errs []error
	stored := 0

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, ref, kind, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend", backend.Name()),
				"err", err)
			continue
		}
		stored++
	}

	if stored == 0 {
		m.log.Error("All backends failed to store blob",
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("all backends failed to store %s: %v", ref, errs)
	}

	m.log.Debug("Stored blob",
		slog.String("ref", ref.String()),
		slog.Int("replicas", stored),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// Available reports whether at least one backend is accessible.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiBackend) Name() string {
	return "multi-storage"
}

// LocationURI returns the combined URI of all member backends.
func (m *MultiBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
