// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package cache implements the process-wide content caches: canonical JSON
// entries and raw blobs, both stored in a sharded directory layout keyed by
// SHA-1 and committed by temp-file rename.
package cache

import (
	"os"
	"path/filepath"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

var (
	// Error is the cache error class.
	Error = errs.Class("cache")
	// ErrCacheCorruption indicates that a cached entry does not hash to
	// its file name.
	ErrCacheCorruption = errs.Class("CACHE_CORRUPTION")
	// ErrSHA1Mismatch indicates that blob bytes do not match the declared
	// SHA-1.
	ErrSHA1Mismatch = errs.Class("SHA1_MISMATCH")
)

const dirPermission = 0755

// shardedDir is a directory tree split as `XX/YYYY...` on the hex SHA-1.
// Files are written to a temp file in the shard directory, chmodded
// read-only, and renamed into place, so concurrent writers for the same key
// are isolated and readers never observe partial content.
type shardedDir struct {
	root string
}

func newShardedDir(root string) (*shardedDir, error) {
	if err := os.MkdirAll(root, dirPermission); err != nil {
		return nil, Error.Wrap(err)
	}
	return &shardedDir{root: root}, nil
}

func (dir *shardedDir) path(sha1 string) string {
	return filepath.Join(dir.root, sha1[0:2], sha1[2:])
}

func (dir *shardedDir) has(sha1 string) bool {
	_, err := os.Stat(dir.path(sha1))
	return err == nil
}

// createTemp creates a temp file in the shard directory.  The temp name
// embeds the target, so concurrent writers of different keys cannot collide.
func (dir *shardedDir) createTemp(sha1 string) (*os.File, error) {
	shard := filepath.Join(dir.root, sha1[0:2])
	if err := os.MkdirAll(shard, dirPermission); err != nil {
		return nil, Error.Wrap(err)
	}
	file, err := os.CreateTemp(shard, "tmp-"+sha1[2:]+"_*")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// commit makes the temp file permanent: sync, chmod a-w, rename.
func (dir *shardedDir) commit(file *os.File, sha1 string) error {
	syncErr := file.Sync()
	chmodErr := file.Chmod(0444)
	closeErr := file.Close()
	if syncErr != nil || chmodErr != nil || closeErr != nil {
		removeErr := os.Remove(file.Name())
		return Error.Wrap(errs.Combine(syncErr, chmodErr, closeErr, removeErr))
	}
	if err := os.Rename(file.Name(), dir.path(sha1)); err != nil {
		removeErr := os.Remove(file.Name())
		return Error.Wrap(errs.Combine(err, removeErr))
	}
	return nil
}

// cancel discards the temp file.
func (dir *shardedDir) cancel(file *os.File) error {
	closeErr := file.Close()
	removeErr := os.Remove(file.Name())
	return Error.Wrap(errs.Combine(closeErr, removeErr))
}

// remove deletes a committed file.  Files are read-only, so the mode is
// restored first.
func (dir *shardedDir) remove(sha1 string) error {
	path := dir.path(sha1)
	_ = os.Chmod(path, 0644)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	return nil
}
