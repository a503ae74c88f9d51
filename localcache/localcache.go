// Copyright 2026 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package localcache stores decrypted content on local disk so that
// viewers can open it by path. Entries are written to a temporary
// file and published by an atomic rename once complete, so that a
// partially written or unauthenticated entry is never visible under
// its final name.
//
// Plaintext in the cache is transient: the cache is purged when it is
// opened, and callers purge it when the vault is locked or the
// application is backgrounded.
package localcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/grailbio/mediavault/errors"
	"github.com/grailbio/mediavault/log"
)

const tmpSuffix = ".tmp"

// Cache is a directory of decrypted entries keyed by storage path.
// A Cache is safe for concurrent use.
type Cache struct {
	dir string

	// mu orders purges against commits. epoch counts purges; a writer
	// created before a purge cannot commit after it.
	mu    sync.Mutex
	epoch uint64
}

// New opens the cache in dir, creating the directory if needed, and
// purges any entries left by a previous process.
func New(dir string) (*Cache, error) {
	if dir == "" {
		return nil, errors.E(errors.Invalid, "localcache: empty directory")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.E(fmt.Sprintf("localcache: mkdir %s", dir), err)
	}
	c := &Cache{dir: dir}
	if err := c.PurgeAll(); err != nil {
		return nil, err
	}
	return c, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// EntryName returns the file name under which the entry for the given
// storage path is kept: the hex SHA-256 of the path.
func EntryName(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Path returns the local path of the entry for a storage path,
// whether or not the entry exists.
func (c *Cache) Path(path string) string {
	return filepath.Join(c.dir, EntryName(path))
}

// Has tells whether a committed entry exists for path.
func (c *Cache) Has(path string) bool {
	info, err := os.Stat(c.Path(path))
	return err == nil && info.Mode().IsRegular()
}

// Open opens the committed entry for path. A missing entry is a
// NotExist error.
func (c *Cache) Open(path string) (*os.File, error) {
	f, err := os.Open(c.Path(path))
	if err != nil {
		return nil, errors.E(fmt.Sprintf("localcache: open %s", path), err)
	}
	return f, nil
}

// Remove removes the entry for path. Removing a missing entry is not
// an error.
func (c *Cache) Remove(path string) error {
	if err := os.Remove(c.Path(path)); err != nil && !os.IsNotExist(err) {
		return errors.E(fmt.Sprintf("localcache: remove %s", path), err)
	}
	return nil
}

// PurgeAll removes every entry, including temporary files of writers
// that are still open. Writers created before PurgeAll fail on Commit.
func (c *Cache) PurgeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.epoch++
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return errors.E(fmt.Sprintf("localcache: purge %s", c.dir), err)
	}
	var (
		n    int
		once errors.Once
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			once.Set(err)
			continue
		}
		n++
	}
	if n > 0 {
		log.Printf("localcache: purged %d entries from %s", n, c.dir)
	}
	if err := once.Err(); err != nil {
		return errors.E("localcache: purge", err)
	}
	return nil
}

// Create returns a Writer for the entry of path. Content written to
// the Writer becomes visible only when Commit succeeds.
func (c *Cache) Create(path string) (*Writer, error) {
	c.mu.Lock()
	epoch := c.epoch
	c.mu.Unlock()
	f, err := os.CreateTemp(c.dir, EntryName(path)+tmpSuffix+"*")
	if err != nil {
		return nil, errors.E(fmt.Sprintf("localcache: create %s", path), err)
	}
	return &Writer{c: c, epoch: epoch, f: f, path: path, final: c.Path(path)}, nil
}

// Writer stages one cache entry in a temporary file.
type Writer struct {
	c     *Cache
	epoch uint64
	f     *os.File
	path  string
	final string
	done  bool
	n     int64
}

// Write appends p to the staged entry.
func (w *Writer) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.E(errors.Precondition, fmt.Sprintf("localcache: write %s: writer is closed", w.path))
	}
	n, err := w.f.Write(p)
	w.n += int64(n)
	if err != nil {
		return n, errors.E(fmt.Sprintf("localcache: write %s", w.path), err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (w *Writer) Size() int64 {
	return w.n
}

// Commit syncs the staged entry and renames it to its final name,
// replacing any existing entry. Commit fails with Canceled if the
// cache was purged since the Writer was created. If Commit fails, the
// staged file is removed.
func (w *Writer) Commit() error {
	if w.done {
		return errors.E(errors.Precondition, fmt.Sprintf("localcache: commit %s: writer is closed", w.path))
	}
	w.done = true
	err := w.f.Sync()
	errors.CleanUp(w.f.Close, &err)
	if err == nil {
		w.c.mu.Lock()
		if w.epoch != w.c.epoch {
			err = errors.E(errors.Canceled, "cache was purged")
		} else {
			err = os.Rename(w.f.Name(), w.final)
		}
		w.c.mu.Unlock()
	}
	if err != nil {
		_ = os.Remove(w.f.Name())
		return errors.E(fmt.Sprintf("localcache: commit %s", w.path), err)
	}
	return nil
}

// Discard abandons the staged entry. Discard after Commit or Discard
// is a no-op.
func (w *Writer) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		log.Printf("localcache: discard %s: close: %v", w.path, err)
	}
	if err := os.Remove(w.f.Name()); err != nil && !os.IsNotExist(err) {
		return errors.E(fmt.Sprintf("localcache: discard %s", w.path), err)
	}
	return nil
}

// WriteIncrementally stages the entry of path from the chunks returned
// by next, which returns io.EOF after the last chunk, and commits it.
// If next fails or ctx is done, the staged file is discarded and the
// entry is left unchanged. WriteIncrementally returns the entry's
// local path.
func (c *Cache) WriteIncrementally(ctx context.Context, path string, next func() ([]byte, error)) (_ string, err error) {
	w, err := c.Create(path)
	if err != nil {
		return "", err
	}
	defer func() {
		if err != nil {
			if derr := w.Discard(); derr != nil {
				log.Error.Printf("localcache: %v", derr)
			}
		}
	}()
	for {
		if err := ctx.Err(); err != nil {
			return "", errors.E(fmt.Sprintf("localcache: write %s", path), err)
		}
		chunk, err := next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		if _, err := w.Write(chunk); err != nil {
			return "", err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", errors.E(fmt.Sprintf("localcache: write %s", path), err)
	}
	if err := w.Commit(); err != nil {
		return "", err
	}
	return w.final, nil
}

// Len returns the number of committed entries.
func (c *Cache) Len() (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, errors.E(fmt.Sprintf("localcache: list %s", c.dir), err)
	}
	var n int
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.Contains(e.Name(), tmpSuffix) {
			n++
		}
	}
	return n, nil
}
