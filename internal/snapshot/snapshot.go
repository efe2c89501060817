// Package snapshot exports and restores an index generation: the record
// store plus every frozen and delta trie file, compressed and uploaded to a
// blob store next to a manifest.
package snapshot

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rafaeelaudibert/federal-worker-blamer/internal/indexer"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/config"
	apperrors "github.com/rafaeelaudibert/federal-worker-blamer/pkg/errors"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/logger"
	"github.com/rafaeelaudibert/federal-worker-blamer/pkg/resilience"
)

const (
	manifestName = "manifest.json"
	latestName   = "LATEST"
	transfers    = 3
)

// File kinds recorded in a manifest.
const (
	KindRecords = "records"
	KindFrozen  = "frozen"
	KindDelta   = "delta"
)

// Manifest describes one snapshot.
type Manifest struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Codec     string      `json:"codec"`
	Files     []FileEntry `json:"files"`
}

type FileEntry struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Field  string `json:"field,omitempty"`
	Blob   string `json:"blob"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

type source struct {
	path  string
	kind  string
	field string
}

type Snapshotter struct {
	store   BlobStore
	codec   Codec
	storage config.StorageConfig
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

func New(store BlobStore, codec Codec, storage config.StorageConfig) *Snapshotter {
	return &Snapshotter{
		store:   store,
		codec:   codec,
		storage: storage,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
		logger: slog.Default().With("component", "snapshot"),
	}
}

// sources lists the files of the current generation. Missing delta files
// are left out; the record store and frozen files are required.
func (s *Snapshotter) sources() ([]source, error) {
	out := []source{{path: s.storage.RecordStorePath(), kind: KindRecords}}
	for _, f := range indexer.Fields {
		out = append(out, source{path: s.storage.FrozenPath(f.String()), kind: KindFrozen, field: f.String()})
	}
	for _, src := range out {
		if _, err := os.Stat(src.path); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", apperrors.ErrIndexUnavailable, src.path, err)
		}
	}
	for _, f := range indexer.Fields {
		p := s.storage.DeltaPath(f.String())
		if _, err := os.Stat(p); err == nil {
			out = append(out, source{path: p, kind: KindDelta, field: f.String()})
		}
	}
	return out, nil
}

// Push uploads the current generation as a new snapshot and marks it latest.
func (s *Snapshotter) Push(ctx context.Context) (*Manifest, error) {
	srcs, err := s.sources()
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Codec:     s.codec.Name(),
		Files:     make([]FileEntry, len(srcs)),
	}
	ctx = logger.WithRunID(ctx, m.ID)
	log := logger.FromContext(ctx).With("component", "snapshot")
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transfers)
	for i, src := range srcs {
		g.Go(func() error {
			entry := FileEntry{
				Name:  filepath.Base(src.path),
				Kind:  src.kind,
				Field: src.field,
			}
			entry.Blob = path.Join(m.ID, entry.Name+s.codec.Ext())
			err := resilience.Retry(gctx, "snapshot-upload", s.retry, func(ctx context.Context) error {
				size, sum, err := s.upload(ctx, src.path, entry.Blob)
				entry.Size, entry.SHA256 = size, sum
				return err
			})
			if err != nil {
				return fmt.Errorf("uploading %s: %w", src.path, err)
			}
			m.Files[i] = entry
			log.Debug("file uploaded", "file", entry.Name, "bytes", entry.Size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := s.putBytes(ctx, path.Join(m.ID, manifestName), data); err != nil {
		return nil, err
	}
	if err := s.putBytes(ctx, latestName, []byte(m.ID)); err != nil {
		return nil, err
	}
	log.Info("snapshot pushed", "files", len(m.Files), "codec", m.Codec, "duration", time.Since(start))
	return m, nil
}

// upload streams the file at p through the codec into blob and returns the
// uncompressed size and SHA-256.
func (s *Snapshotter) upload(ctx context.Context, p, blob string) (int64, string, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, "", resilience.Permanent(err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	h := sha256.New()
	var size int64
	done := make(chan error, 1)
	go func() {
		cw, err := s.codec.NewWriter(pw)
		if err != nil {
			pw.CloseWithError(err)
			done <- err
			return
		}
		size, err = io.Copy(cw, io.TeeReader(f, h))
		if closeErr := cw.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
		done <- err
	}()
	err = s.store.Put(ctx, blob, pr, -1)
	pr.CloseWithError(err)
	if encErr := <-done; err == nil {
		err = encErr
	}
	if err != nil {
		return 0, "", err
	}
	return size, hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Snapshotter) putBytes(ctx context.Context, name string, data []byte) error {
	return resilience.Retry(ctx, "snapshot-upload", s.retry, func(ctx context.Context) error {
		return s.store.Put(ctx, name, bytes.NewReader(data), int64(len(data)))
	})
}

// Manifest fetches the manifest of snapshot id, or of the latest snapshot
// when id is empty.
func (s *Snapshotter) Manifest(ctx context.Context, id string) (*Manifest, error) {
	if id == "" {
		latest, err := s.readAll(ctx, latestName)
		if err != nil {
			return nil, fmt.Errorf("resolving latest snapshot: %w", err)
		}
		id = strings.TrimSpace(string(latest))
	}
	data, err := s.readAll(ctx, path.Join(id, manifestName))
	if err != nil {
		return nil, fmt.Errorf("reading manifest of %s: %w", id, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest of %s: %v", apperrors.ErrMalformedIndex, id, err)
	}
	return &m, nil
}

func (s *Snapshotter) readAll(ctx context.Context, name string) ([]byte, error) {
	rc, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Pull restores snapshot id (latest when empty) into the configured storage
// paths. Every file is verified before it replaces the local copy, and local
// delta files absent from the snapshot are removed.
func (s *Snapshotter) Pull(ctx context.Context, id string) (*Manifest, error) {
	m, err := s.Manifest(ctx, id)
	if err != nil {
		return nil, err
	}
	codec, err := NewCodec(m.Codec)
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(logger.WithRunID(ctx, m.ID)).With("component", "snapshot")
	start := time.Now()

	targets := make(map[string]string, len(m.Files))
	for _, e := range m.Files {
		target, err := s.target(e)
		if err != nil {
			return nil, err
		}
		targets[e.Blob] = target
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(transfers)
	for _, e := range m.Files {
		g.Go(func() error {
			return resilience.Retry(gctx, "snapshot-download", s.retry, func(ctx context.Context) error {
				return s.download(ctx, codec, e, targets[e.Blob])
			})
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	present := make(map[string]bool)
	for _, e := range m.Files {
		if e.Kind == KindDelta {
			present[e.Field] = true
		}
	}
	for _, f := range indexer.Fields {
		if present[f.String()] {
			continue
		}
		if err := os.Remove(s.storage.DeltaPath(f.String())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("removing stale delta for %s: %w", f, err)
		}
	}
	log.Info("snapshot pulled", "files", len(m.Files), "duration", time.Since(start))
	return m, nil
}

func (s *Snapshotter) target(e FileEntry) (string, error) {
	switch e.Kind {
	case KindRecords:
		return s.storage.RecordStorePath(), nil
	case KindFrozen, KindDelta:
		if _, err := indexer.ParseField(e.Field); err != nil {
			return "", fmt.Errorf("%w: manifest entry %s: %v", apperrors.ErrMalformedIndex, e.Name, err)
		}
		if e.Kind == KindFrozen {
			return s.storage.FrozenPath(e.Field), nil
		}
		return s.storage.DeltaPath(e.Field), nil
	default:
		return "", fmt.Errorf("%w: manifest entry %s has kind %q", apperrors.ErrMalformedIndex, e.Name, e.Kind)
	}
}

func (s *Snapshotter) download(ctx context.Context, codec Codec, e FileEntry, target string) error {
	rc, err := s.store.Get(ctx, e.Blob)
	if errors.Is(err, apperrors.ErrNotFound) {
		return resilience.Permanent(err)
	}
	if err != nil {
		return err
	}
	defer rc.Close()

	dr, err := codec.NewReader(rc)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("decoding %s: %w", e.Blob, err))
	}
	defer dr.Close()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return resilience.Permanent(fmt.Errorf("creating directory for %s: %w", target, err))
	}
	tmp := target + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return resilience.Permanent(fmt.Errorf("creating %s: %w", tmp, err))
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), dr)
	if err == nil {
		err = f.Sync()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err == nil && (n != e.Size || hex.EncodeToString(h.Sum(nil)) != e.SHA256) {
		err = fmt.Errorf("%w: %s does not match its manifest entry", apperrors.ErrMalformedIndex, e.Blob)
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing %s: %w", target, err)
	}
	return nil
}

// List returns the ids of the snapshots in the store, oldest name first.
func (s *Snapshotter) List(ctx context.Context) ([]string, error) {
	names, err := s.store.List(ctx, "")
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, n := range names {
		if dir, file := path.Split(n); file == manifestName && dir != "" {
			ids = append(ids, strings.TrimSuffix(dir, "/"))
		}
	}
	sort.Strings(ids)
	return ids, nil
}
