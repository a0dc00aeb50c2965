// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package cache

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"syscall"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

// BlobCache is an on-disk read-through cache for raw blob bytes, keyed by
// SHA-1.  Downloads stream to a temp file and are verified before they
// become visible.
type BlobCache struct {
	log *zap.Logger
	dir *shardedDir
}

// NewBlobCache creates the cache below root, usually
// `$NOG_CACHE_PATH/blobs`.
func NewBlobCache(log *zap.Logger, root string) (*BlobCache, error) {
	dir, err := newShardedDir(root)
	if err != nil {
		return nil, err
	}
	return &BlobCache{log: log, dir: dir}, nil
}

// Has reports whether the blob is cached.
func (cache *BlobCache) Has(sha1 string) bool {
	return cache.dir.has(sha1)
}

// Fetch downloads a blob through fetch unless it is already cached.  The
// bytes are hashed while streaming; a mismatch discards the download and
// fails with SHA1_MISMATCH.
//
// Fetch may be called concurrently for the same sha1: the temp files are
// distinct, and the last rename wins with identical content.
func (cache *BlobCache) Fetch(ctx context.Context, sha string, fetch func(ctx context.Context, w io.Writer) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	if cache.dir.has(sha) {
		return nil
	}

	file, err := cache.dir.createTemp(sha)
	if err != nil {
		return err
	}
	hash := sha1.New()
	if err := fetch(ctx, io.MultiWriter(file, hash)); err != nil {
		return errs.Combine(err, cache.dir.cancel(file))
	}
	got := hex.EncodeToString(hash.Sum(nil))
	if got != sha {
		return errs.Combine(
			ErrSHA1Mismatch.New("blob sha1 mismatch: expected %s, got %s", sha, got),
			cache.dir.cancel(file),
		)
	}
	return cache.dir.commit(file, sha)
}

// Open returns a read-only handle for a cached blob.
func (cache *BlobCache) Open(sha1 string) (*os.File, error) {
	file, err := os.Open(cache.dir.path(sha1))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return file, nil
}

// Link hard-links the cached blob to dest, falling back to a byte copy
// across filesystems.
func (cache *BlobCache) Link(sha1, dest string) error {
	err := os.Link(cache.dir.path(sha1), dest)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		return cache.Copy(sha1, dest)
	}
	return Error.Wrap(err)
}

// Copy copies the cached blob bytes to dest.
func (cache *BlobCache) Copy(sha1, dest string) error {
	src, err := cache.Open(sha1)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(dest)
	if err != nil {
		return Error.Wrap(err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return Error.Wrap(errs.Combine(err, dst.Close(), os.Remove(dest)))
	}
	return Error.Wrap(dst.Close())
}
