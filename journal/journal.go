// Package journal keeps a durable, time-ordered log of spoken
// utterances in a bbolt database. The journal is advisory: the artifact
// store on disk remains the source of truth for which audio actually
// exists, so readers must verify an artifact before trusting a journal
// hit.
package journal

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	voicerelay "github.com/wolfeidau/voice-relay"
)

// Bucket names for bbolt storage.
var (
	bucketUtterances = []byte("utterances")   // timestamp+id -> utterance record
	bucketByTextHash = []byte("by_text_hash") // text hash -> latest utterance key
)

// Journal is an append-only log of utterances.
type Journal struct {
	db     *bbolt.DB
	codec  *textCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger for the journal.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(j *Journal) {
		j.now = now
	}
}

// WithNoSync disables fsync per transaction.
// Use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(j *Journal) {
		j.noSync = noSync
	}
}

// Open opens the journal database at the given path, creating it if
// needed.
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  j.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	j.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUtterances, bucketByTextHash} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	codec, err := newTextCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	j.codec = codec

	j.logger.Debug("opened journal", "path", path, "noSync", j.noSync)
	return j, nil
}

// Close closes the journal and releases codec resources.
func (j *Journal) Close() error {
	if j.codec != nil {
		j.codec.close()
		j.codec = nil
	}
	if j.db == nil {
		return nil
	}
	j.logger.Debug("closing journal")
	return j.db.Close()
}

// Append records an utterance. A zero CreatedAt is filled with the
// current time, a zero TextHash with the hash of Text.
func (j *Journal) Append(_ context.Context, u Utterance) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = j.now()
	}
	if u.TextHash.IsZero() {
		u.TextHash = voicerelay.HashText(u.Text)
	}

	data, err := encodeUtterance(u, j.codec)
	if err != nil {
		return fmt.Errorf("encoding utterance: %w", err)
	}

	key := makeUtteranceKey(u.CreatedAt, u.ID)

	return j.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketUtterances).Put(key, data); err != nil {
			return fmt.Errorf("storing utterance: %w", err)
		}
		if err := tx.Bucket(bucketByTextHash).Put(u.TextHash[:], key); err != nil {
			return fmt.Errorf("indexing utterance: %w", err)
		}
		return nil
	})
}

// Recent returns up to limit utterances, newest first.
func (j *Journal) Recent(_ context.Context, limit int) ([]Utterance, error) {
	if limit <= 0 {
		return nil, nil
	}

	var out []Utterance
	err := j.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketUtterances).Cursor()
		for k, v := cursor.Last(); k != nil && len(out) < limit; k, v = cursor.Prev() {
			u, err := decodeUtterance(v, j.codec)
			if err != nil {
				j.logger.Warn("skipping undecodable journal record", "error", err)
				continue
			}
			out = append(out, u)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	return out, nil
}

// LookupText returns the most recently journaled utterance for the
// exact text, if any.
func (j *Journal) LookupText(_ context.Context, text string) (Utterance, bool, error) {
	hash := voicerelay.HashText(text)

	var (
		u     Utterance
		found bool
	)
	err := j.db.View(func(tx *bbolt.Tx) error {
		key := tx.Bucket(bucketByTextHash).Get(hash[:])
		if key == nil {
			return nil
		}
		data := tx.Bucket(bucketUtterances).Get(key)
		if data == nil {
			// Stale index entry; the record was pruned.
			return nil
		}
		decoded, err := decodeUtterance(data, j.codec)
		if err != nil {
			return fmt.Errorf("decoding utterance: %w", err)
		}
		u = decoded
		found = true
		return nil
	})
	if err != nil {
		return Utterance{}, false, fmt.Errorf("looking up text: %w", err)
	}
	return u, found, nil
}

// PruneOlderThan deletes journal records created before cutoff and
// returns how many were removed. Text index entries pointing at pruned
// records are removed with them.
func (j *Journal) PruneOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	limit := encodeTimestamp(cutoff)

	var pruned int
	err := j.db.Update(func(tx *bbolt.Tx) error {
		utterances := tx.Bucket(bucketUtterances)
		index := tx.Bucket(bucketByTextHash)

		var (
			keys   [][]byte
			hashes [][]byte
		)
		cursor := utterances.Cursor()
		for k, v := cursor.First(); k != nil && bytes.Compare(k[:8], limit) < 0; k, v = cursor.Next() {
			// Cursor slices alias bolt pages; copy before mutating.
			keys = append(keys, bytes.Clone(k))

			u, err := decodeUtterance(v, j.codec)
			if err != nil {
				// Still prune it; an undecodable record is dead weight.
				j.logger.Warn("pruning undecodable journal record", "error", err)
				hashes = append(hashes, nil)
				continue
			}
			hash := u.TextHash
			hashes = append(hashes, hash[:])
		}

		for i, k := range keys {
			if hashes[i] != nil {
				if latest := index.Get(hashes[i]); bytes.Equal(latest, k) {
					if err := index.Delete(hashes[i]); err != nil {
						return fmt.Errorf("deleting index entry: %w", err)
					}
				}
			}
			if err := utterances.Delete(k); err != nil {
				return fmt.Errorf("deleting utterance: %w", err)
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return pruned, fmt.Errorf("pruning journal: %w", err)
	}
	return pruned, nil
}

// Len returns the number of journal records.
func (j *Journal) Len(_ context.Context) (int, error) {
	var n int
	err := j.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketUtterances).Stats().KeyN
		return nil
	})
	return n, err
}

// makeUtteranceKey builds the time-ordered record key:
// [8-byte timestamp][artifact id].
func makeUtteranceKey(createdAt time.Time, id voicerelay.ArtifactID) []byte {
	ts := encodeTimestamp(createdAt)
	key := make([]byte, 8+len(id))
	copy(key[:8], ts)
	copy(key[8:], id)
	return key
}

// encodeTimestamp converts a time.Time to a fixed-width big-endian byte
// slice so lexicographic order matches time order. The offset handles
// negative nanosecond values.
func encodeTimestamp(t time.Time) []byte {
	buf := make([]byte, 8)
	ns := t.UnixNano()
	binary.BigEndian.PutUint64(buf, uint64(ns-(-1<<63))) //nolint:gosec // intentional signed->unsigned shift
	return buf
}
