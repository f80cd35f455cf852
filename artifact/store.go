// Package artifact implements the audio artifact store. Artifacts are
// synthesized audio files cached on disk; the filesystem is the source of
// truth, and no in-memory index is kept. Identifiers derive from content
// and creation time and are never reused, so two creates of identical
// bytes yield two independent artifacts.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	voicerelay "github.com/wolfeidau/voice-relay"
	"github.com/wolfeidau/voice-relay/backend"
	"github.com/wolfeidau/voice-relay/telemetry"
)

var (
	// ErrNotFound is returned when an artifact does not exist.
	ErrNotFound = errors.New("artifact not found")

	// ErrProtected is returned when deleting a protected artifact.
	// Protected artifacts (bundled fallback audio) are installed under the
	// assets/ prefix and survive every delete and sweep.
	ErrProtected = errors.New("artifact is protected")
)

// WriteError wraps the underlying cause of a failed artifact create:
// storage full, permission denied, or an upstream read error.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("writing artifact: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Entry describes one stored artifact.
type Entry struct {
	ID        voicerelay.ArtifactID `json:"id"`
	Path      string                `json:"path"`
	Format    voicerelay.Format     `json:"format"`
	Size      int64                 `json:"size"`
	CreatedAt time.Time             `json:"created_at"`
}

// Store is the on-disk audio artifact store.
type Store struct {
	fs      *backend.Filesystem
	backend backend.Backend
	logger  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skip warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates an artifact store rooted at dir, creating the directory if
// needed.
func New(dir string, opts ...Option) (*Store, error) {
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return nil, fmt.Errorf("creating artifact root: %w", err)
	}

	s := &Store{
		fs:      fs,
		backend: backend.NewInstrumentedBackend(fs, "artifacts"),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the absolute artifact root directory.
func (s *Store) Root() string {
	return s.fs.Root()
}

// Create consumes the full audio stream and stores it as a new artifact.
// The artifact becomes visible only once complete; a failed create leaves
// nothing behind. Every call yields a fresh identifier. Failures are
// reported as a WriteError wrapping the cause.
func (s *Store) Create(ctx context.Context, r io.Reader, format voicerelay.Format) (Entry, error) {
	if !format.Valid() {
		return Entry{}, &WriteError{Err: fmt.Errorf("unknown audio format %q", format)}
	}

	// Spool to a temp file while hashing: the identifier embeds the
	// content hash, which is only known once the stream is consumed.
	tmpFile, err := os.CreateTemp("", "voice-relay-create-*")
	if err != nil {
		return Entry{}, &WriteError{Err: fmt.Errorf("creating temp file: %w", err)}
	}
	defer func() { _ = os.Remove(tmpFile.Name()) }()
	defer func() { _ = tmpFile.Close() }()

	hr := voicerelay.NewHashingReader(r)
	if _, err := io.Copy(tmpFile, hr); err != nil {
		return Entry{}, &WriteError{Err: fmt.Errorf("reading audio stream: %w", err)}
	}

	id := voicerelay.NewArtifactID(hr.Sum())
	size := hr.BytesRead()
	key := storageKey(id, format)

	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return Entry{}, &WriteError{Err: fmt.Errorf("seeking temp file: %w", err)}
	}

	if err := s.backend.Write(ctx, key, tmpFile); err != nil {
		return Entry{}, &WriteError{Err: err}
	}

	// The file's mtime is the creation timestamp; read it back so the
	// entry reflects filesystem truth.
	info, err := s.backend.Stat(ctx, key)
	if err != nil {
		return Entry{}, &WriteError{Err: fmt.Errorf("stat after write: %w", err)}
	}

	telemetry.RecordArtifactWrite(ctx, string(format), size)
	s.logger.Debug("artifact created", "id", id, "format", format, "size", size)

	return s.entry(id, format, key, info), nil
}

// InstallProtected stores a protected artifact under the stable
// identifier assets/<name>. Reinstalling the same name overwrites it.
func (s *Store) InstallProtected(ctx context.Context, name string, r io.Reader, format voicerelay.Format) (Entry, error) {
	id := voicerelay.ProtectedID(name)
	if !id.Valid() {
		return Entry{}, &WriteError{Err: fmt.Errorf("invalid protected artifact name %q", name)}
	}
	if !format.Valid() {
		return Entry{}, &WriteError{Err: fmt.Errorf("unknown audio format %q", format)}
	}

	key := storageKey(id, format)
	if err := s.backend.Write(ctx, key, r); err != nil {
		return Entry{}, &WriteError{Err: err}
	}

	info, err := s.backend.Stat(ctx, key)
	if err != nil {
		return Entry{}, &WriteError{Err: fmt.Errorf("stat after write: %w", err)}
	}

	s.logger.Info("protected artifact installed", "id", id, "size", info.Size)

	return s.entry(id, format, key, info), nil
}

// Resolve looks up a single artifact by identifier.
// Returns ErrNotFound when the artifact is not currently present.
func (s *Store) Resolve(ctx context.Context, id voicerelay.ArtifactID) (Entry, error) {
	if !id.Valid() {
		return Entry{}, ErrNotFound
	}

	for _, format := range []voicerelay.Format{voicerelay.FormatWAV, voicerelay.FormatMP3} {
		key := storageKey(id, format)
		info, err := s.backend.Stat(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		if err != nil {
			return Entry{}, fmt.Errorf("stat artifact: %w", err)
		}
		return s.entry(id, format, key, info), nil
	}
	return Entry{}, ErrNotFound
}

// Open returns a reader over the artifact's bytes along with its entry.
func (s *Store) Open(ctx context.Context, id voicerelay.ArtifactID) (io.ReadCloser, Entry, error) {
	entry, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, Entry{}, err
	}

	rc, err := s.backend.Read(ctx, storageKey(entry.ID, entry.Format))
	if errors.Is(err, backend.ErrNotFound) {
		// Deleted between resolve and open.
		return nil, Entry{}, ErrNotFound
	}
	if err != nil {
		return nil, Entry{}, fmt.Errorf("opening artifact: %w", err)
	}
	return rc, entry, nil
}

// Exists reports whether the artifact is currently present on disk.
func (s *Store) Exists(ctx context.Context, id voicerelay.ArtifactID) (bool, error) {
	_, err := s.Resolve(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Age returns the time since the artifact was created.
// Returns ErrNotFound when the artifact is not present.
func (s *Store) Age(ctx context.Context, id voicerelay.ArtifactID) (time.Duration, error) {
	entry, err := s.Resolve(ctx, id)
	if err != nil {
		return 0, err
	}
	return time.Since(entry.CreatedAt), nil
}

// Delete removes the artifact. Deleting an identifier that is absent
// succeeds; deleting a protected identifier fails with ErrProtected and
// removes nothing.
func (s *Store) Delete(ctx context.Context, id voicerelay.ArtifactID) error {
	if id.Protected() {
		return ErrProtected
	}
	if !id.Valid() {
		// Nothing such an identifier could name; idempotent success.
		return nil
	}

	for _, format := range []voicerelay.Format{voicerelay.FormatWAV, voicerelay.FormatMP3} {
		if err := s.backend.Delete(ctx, storageKey(id, format)); err != nil {
			return fmt.Errorf("deleting artifact: %w", err)
		}
	}
	return nil
}

// Protected reports whether the identifier names a protected artifact.
// The protected set is fixed for the process lifetime.
func (s *Store) Protected(id voicerelay.ArtifactID) bool {
	return id.Protected()
}

// ListAll enumerates every artifact currently in the store, protected
// ones included. The snapshot is weakly consistent: concurrent creates
// and deletes may or may not appear, and entries that vanish or cannot
// be read are skipped with a warning.
func (s *Store) ListAll(ctx context.Context) ([]Entry, error) {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		id, format, err := parseStorageKey(key)
		if err != nil {
			s.logger.Warn("skipping unrecognized file in artifact root", "key", key, "error", err)
			continue
		}

		info, err := s.backend.Stat(ctx, key)
		if errors.Is(err, backend.ErrNotFound) {
			// Deleted between list and stat.
			continue
		}
		if err != nil {
			s.logger.Warn("skipping unreadable artifact", "key", key, "error", err)
			continue
		}

		entries = append(entries, s.entry(id, format, key, info))
	}
	return entries, nil
}

func (s *Store) entry(id voicerelay.ArtifactID, format voicerelay.Format, key string, info backend.Info) Entry {
	return Entry{
		ID:        id,
		Path:      s.fs.Path(key),
		Format:    format,
		Size:      info.Size,
		CreatedAt: info.ModTime,
	}
}

// storageKey returns the backend key for an artifact.
func storageKey(id voicerelay.ArtifactID, format voicerelay.Format) string {
	return id.String() + format.Ext()
}

// parseStorageKey recovers identifier and format from a backend key.
func parseStorageKey(key string) (voicerelay.ArtifactID, voicerelay.Format, error) {
	format, err := voicerelay.FormatFromPath(key)
	if err != nil {
		return "", "", err
	}
	id := voicerelay.ArtifactID(strings.TrimSuffix(key, format.Ext()))
	if !id.Valid() {
		return "", "", fmt.Errorf("invalid artifact identifier %q", id)
	}
	return id, format, nil
}
