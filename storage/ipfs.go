package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/social-recovery-backend/interfaces"
)

// IPFSBackend stores custody blobs in IPFS. IPFS addresses content by its
// own CID, so the backend keeps a ref-to-CID index for the blobs it stored
// in this process; durable cross-device lookup relies on the multi-backend
// replicating to a reference-addressed store alongside.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	useGateway  bool
	log         *slog.Logger
	locationURI string

	mu    sync.Mutex
	index map[string]string
}

// NewIPFSBackend creates an IPFS storage backend connected to the specified
// host and port.
func NewIPFSBackend(host, port string, useGateway bool, timeout string, log *slog.Logger) (*IPFSBackend, error) {
	if log == nil {
		log = slog.Default()
	}

	apiURL := fmt.Sprintf("%s:%s", host, port)
	uri := fmt.Sprintf("ipfs://%s/?timeout=%s", apiURL, timeout)
	if useGateway {
		uri = fmt.Sprintf("ipfs://%s/?gateway=true&timeout=%s", apiURL, timeout)
	}

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		useGateway:  useGateway,
		log:         log,
		locationURI: uri,
		index:       make(map[string]string),
	}, nil
}

// Fetch retrieves a blob by reference. Returns ErrBlobNotFound when the
// reference was never stored through this backend, ErrBackendUnavailable
// when the node is unreachable.
func (b *IPFSBackend) Fetch(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind) ([]byte, error) {
	start := time.Now()

	b.mu.Lock()
	cid, ok := b.index[b.indexKey(ref, kind)]
	b.mu.Unlock()
	if !ok {
		return nil, interfaces.ErrBlobNotFound
	}

	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, interfaces.ErrBackendUnavailable
	}

	reader, err := b.shell.Cat(cid)
	if err != nil {
		if strings.Contains(err.Error(), "no link named") {
			return nil, interfaces.ErrBlobNotFound
		}
		b.log.Error("Failed to fetch blob from IPFS",
			slog.String("cid", cid),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("failed to fetch blob from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob from IPFS: %w", err)
	}

	b.log.Debug("Fetched blob from IPFS",
		slog.String("cid", cid),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// Store adds a blob to IPFS and records the CID under its reference.
func (b *IPFSBackend) Store(ctx context.Context, ref interfaces.BlobRef, kind interfaces.BlobKind, data []byte) error {
	if !b.shell.IsUp() {
		return interfaces.ErrBackendUnavailable
	}

	cid, err := b.shell.Add(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to add blob to IPFS: %w", err)
	}

	b.mu.Lock()
	b.index[b.indexKey(ref, kind)] = cid
	b.mu.Unlock()

	b.log.Debug("Stored blob in IPFS",
		slog.String("cid", cid),
		slog.String("ref", ref.String()))
	return nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) indexKey(ref interfaces.BlobRef, kind interfaces.BlobKind) string {
	return kind.String() + "/" + ref.String()
}
