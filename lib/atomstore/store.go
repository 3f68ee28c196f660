// Copyright 2026 The Granule Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomstore is the filesystem reference implementation of the
// pipeline's persistence collaborator. Atoms live as CBOR records in
// a two-level hex-sharded directory tree keyed by content hash;
// composition edges append to a CBOR journal. All writes go through a
// temp file and an atomic rename, so a crash never leaves a
// half-written record at its final path.
package atomstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/granule-foundation/granule/lib/atom"
	"github.com/granule-foundation/granule/lib/codec"
)

// Directory names within the store root.
const (
	atomsDir = "atoms"
	tmpDir   = "tmp"

	compositionsFile = "compositions.cbor"
)

// Record is the persisted form of one atom. RefCount counts how many
// times the atom has been upserted: identical content arriving from
// many sources increments the count instead of duplicating bytes.
type Record struct {
	Atom      atom.Atom `cbor:"atom"`
	RefCount  int64     `cbor:"ref_count"`
	FirstSeen time.Time `cbor:"first_seen"`
}

// Store is a filesystem atom store. Safe for concurrent use; writes
// serialize on an internal mutex.
type Store struct {
	root string

	mu sync.Mutex

	// compositionKeys indexes the journal by (parent, sequence) so
	// repeated flushes of the same result stay idempotent. Loaded
	// lazily from the journal on first write.
	compositionKeys map[compositionKey]struct{}
}

type compositionKey struct {
	parent   atom.Hash
	sequence int
}

// Open creates or reopens a store rooted at the given directory.
func Open(root string) (*Store, error) {
	for _, dir := range []string{
		root,
		filepath.Join(root, atomsDir),
		filepath.Join(root, tmpDir),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// recordPath shards records two hex levels deep: ab/cd/abcdef….cbor.
func (s *Store) recordPath(hash atom.Hash) string {
	hex := atom.FormatHash(hash)
	return filepath.Join(s.root, atomsDir, hex[:2], hex[2:4], hex+".cbor")
}

// UpsertAtoms stores each atom, incrementing RefCount for hashes the
// store has already seen. The stored atom bytes are never rewritten
// on duplicate: content-addressing guarantees they are identical.
func (s *Store) UpsertAtoms(ctx context.Context, atoms []atom.Atom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range atoms {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.upsertOne(a); err != nil {
			return fmt.Errorf("upserting %s: %w", atom.ShortRef(a.ContentHash), err)
		}
	}
	return nil
}

func (s *Store) upsertOne(a atom.Atom) error {
	path := s.recordPath(a.ContentHash)

	record, err := s.readRecord(path)
	switch {
	case err == nil:
		record.RefCount++
	case errors.Is(err, fs.ErrNotExist):
		record = &Record{Atom: a, RefCount: 1, FirstSeen: time.Now().UTC()}
	default:
		return err
	}

	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating shard directory: %w", err)
	}
	return s.writeAtomic(path, data)
}

func (s *Store) readRecord(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", path, err)
	}
	return &record, nil
}

// writeAtomic writes data via a temp file and rename.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Join(s.root, tmpDir), "record-*.cbor")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// Get returns the record for a content hash, or fs.ErrNotExist.
func (s *Store) Get(hash atom.Hash) (*Record, error) {
	return s.readRecord(s.recordPath(hash))
}

// PutCompositions appends novel edges to the journal. An edge is
// identified by (ParentHash, SequenceIndex); re-flushing a result the
// journal already holds is a no-op.
func (s *Store) PutCompositions(ctx context.Context, compositions []atom.Composition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.compositionKeys == nil {
		if err := s.loadCompositionKeys(ctx); err != nil {
			return err
		}
	}

	var novel []atom.Composition
	for _, c := range compositions {
		key := compositionKey{parent: c.ParentHash, sequence: c.SequenceIndex}
		if _, seen := s.compositionKeys[key]; seen {
			continue
		}
		s.compositionKeys[key] = struct{}{}
		novel = append(novel, c)
	}
	if len(novel) == 0 {
		return nil
	}

	f, err := os.OpenFile(filepath.Join(s.root, compositionsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening composition journal: %w", err)
	}

	encoder := codec.NewEncoder(f)
	for _, c := range novel {
		if err := ctx.Err(); err != nil {
			f.Close()
			return err
		}
		if err := encoder.Encode(c); err != nil {
			f.Close()
			return fmt.Errorf("appending composition: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing composition journal: %w", err)
	}
	return nil
}

func (s *Store) loadCompositionKeys(ctx context.Context) error {
	s.compositionKeys = make(map[compositionKey]struct{})
	return s.scanJournal(ctx, func(c atom.Composition) error {
		s.compositionKeys[compositionKey{parent: c.ParentHash, sequence: c.SequenceIndex}] = struct{}{}
		return nil
	})
}

// Compositions returns every stored edge whose parent matches,
// ordered by SequenceIndex as written.
func (s *Store) Compositions(ctx context.Context, parent atom.Hash) ([]atom.Composition, error) {
	var out []atom.Composition
	err := s.scanJournal(ctx, func(c atom.Composition) error {
		if c.ParentHash == parent {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (s *Store) scanJournal(ctx context.Context, fn func(atom.Composition) error) error {
	f, err := os.Open(filepath.Join(s.root, compositionsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening composition journal: %w", err)
	}
	defer f.Close()

	decoder := codec.NewDecoder(f)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var c atom.Composition
		if err := decoder.Decode(&c); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decoding composition journal: %w", err)
		}
		if err := fn(c); err != nil {
			return err
		}
	}
}

// ScanAll walks every stored atom record. Useful for startup
// inventory and offline inspection; ordering is unspecified.
func (s *Store) ScanAll(ctx context.Context, fn func(Record) error) error {
	root := filepath.Join(s.root, atomsDir)
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || filepath.Ext(path) != ".cbor" {
			return nil
		}
		record, err := s.readRecord(path)
		if err != nil {
			return err
		}
		return fn(*record)
	})
}
