// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"io"
	"os"
	"path/filepath"

	"github.com/nogproject/nog/pkg/cache"
)

// BlobSource is pending blob content attached to an object before upload.
type BlobSource interface {
	// SHA1 returns the content hash computed when the source was attached.
	SHA1() string
	// Name is reported as upload metadata.
	Name() string
	// Size returns the current content size in bytes.
	Size() (int64, error)
	// ReadRange returns the bytes [start, end).
	ReadRange(start, end int64) ([]byte, error)
}

// BlobFile is a local file pending upload.  The file is hashed when the
// source is created and hashed again at upload time; the upload fails if
// the content changed in between.
type BlobFile struct {
	path string
	sha1 string
}

// NewBlobFile creates a blob source for a local file, hashing it now.
func NewBlobFile(path string) (*BlobFile, error) {
	sha1, err := sha1File(path)
	if err != nil {
		return nil, err
	}
	return &BlobFile{path: path, sha1: sha1}, nil
}

// SHA1 returns the hash recorded at creation.
func (b *BlobFile) SHA1() string { return b.sha1 }

// Name returns the file base name.
func (b *BlobFile) Name() string { return filepath.Base(b.path) }

// Path returns the local file path.
func (b *BlobFile) Path() string { return b.path }

// Size returns the current file size.
func (b *BlobFile) Size() (int64, error) {
	fi, err := os.Stat(b.path)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	return fi.Size(), nil
}

// ReadRange reads bytes [start, end) from the file.
func (b *BlobFile) ReadRange(start, end int64) ([]byte, error) {
	fp, err := os.Open(b.path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { _ = fp.Close() }()
	buf := make([]byte, end-start)
	if _, err := fp.Seek(start, io.SeekStart); err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := io.ReadFull(fp, buf); err != nil {
		return nil, Error.Wrap(err)
	}
	return buf, nil
}

// Verify re-hashes the file and fails if the content changed since the
// source was created.
func (b *BlobFile) Verify() error {
	sha1, err := sha1File(b.path)
	if err != nil {
		return err
	}
	if sha1 != b.sha1 {
		return cache.ErrSHA1Mismatch.New(
			"sha1 mismatch for path %q: expected %s, got %s",
			b.path, b.sha1, sha1)
	}
	return nil
}

// BlobBuf is an in-memory buffer pending upload.
type BlobBuf struct {
	buf  []byte
	sha1 string
}

// NewBlobBuf creates a blob source for an in-memory buffer.
func NewBlobBuf(buf []byte) *BlobBuf {
	return &BlobBuf{buf: buf, sha1: sha1Hex(buf)}
}

// SHA1 returns the buffer hash.
func (b *BlobBuf) SHA1() string { return b.sha1 }

// Name returns a placeholder name for upload metadata.
func (b *BlobBuf) Name() string { return "anonymous buffer" }

// Size returns the buffer size.
func (b *BlobBuf) Size() (int64, error) { return int64(len(b.buf)), nil }

// ReadRange returns the bytes [start, end).
func (b *BlobBuf) ReadRange(start, end int64) ([]byte, error) {
	if start < 0 || end > int64(len(b.buf)) || start > end {
		return nil, ErrValidation.New("invalid range [%d, %d)", start, end)
	}
	return b.buf[start:end], nil
}
