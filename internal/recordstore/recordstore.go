// Package recordstore implements the pluggable key/value persisted-state
// store of spec.md §6: one zstd-compressed JSON file per key under
// <dir>/records/<prefix-2>/<sha256-of-key>.json.zst. Writes are atomic
// (temp file + rename), grounded on the teacher pack's config snapshot
// writer.
package recordstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("recordstore: record not found")

// Record is one persisted entry, carrying the wall-clock timestamps
// spec.md §6 calls for.
type Record struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Store is a directory-backed key/value store. The zero value is not
// usable; construct with Open.
type Store struct {
	dir string
}

// Open roots a Store at dir, creating <dir>/records if needed.
func Open(dir string) (*Store, error) {
	root := filepath.Join(dir, "records")
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("recordstore: create root: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, "records", hexSum[:2], hexSum+".json.zst")
}

// Get loads the record for key, or ErrNotFound.
func (s *Store) Get(key string) (*Record, error) {
	compressed, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("recordstore: read %q: %w", key, err)
	}
	data, err := decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("recordstore: decompress %q: %w", key, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("recordstore: decode %q: %w", key, err)
	}
	return &rec, nil
}

// Put writes value under key, preserving CreatedAt across updates.
// Writes are atomic: a temp file is written then renamed into place.
func (s *Store) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("recordstore: marshal %q: %w", key, err)
	}

	now := time.Now()
	rec := Record{Key: key, Value: raw, CreatedAt: now, UpdatedAt: now}
	if existing, err := s.Get(key); err == nil {
		rec.CreatedAt = existing.CreatedAt
	}

	path := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("recordstore: create shard dir: %w", err)
	}
	encoded, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("recordstore: marshal record %q: %w", key, err)
	}
	compressed, err := compress(encoded)
	if err != nil {
		return fmt.Errorf("recordstore: compress %q: %w", key, err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0600); err != nil {
		return fmt.Errorf("recordstore: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("recordstore: rename %q: %w", key, err)
	}
	return nil
}

// Delete removes the record for key. Deleting a missing key is not an
// error.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("recordstore: delete %q: %w", key, err)
	}
	return nil
}

// Has reports whether a record exists for key.
func (s *Store) Has(key string) bool {
	_, err := os.Stat(s.pathFor(key))
	return err == nil
}

func compress(data []byte) ([]byte, error) {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return w.EncodeAll(data, nil), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := r.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w", err)
	}
	return out, nil
}
