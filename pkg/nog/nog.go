// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package nog is a client for the nog content-addressed object store.
//
// Repositories are version-controlled trees of immutable entries (commits,
// trees, objects) plus opaque blobs.  Clients build and mutate entry graphs
// in memory and publish them through a PostStream, which deduplicates
// against the server, uploads missing blobs via presigned S3 URLs, posts
// missing entries in bulk, and advances a branch by compare-and-swap.
package nog

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"regexp"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// NullSHA1 is the distinguished all-zero SHA-1: "no blob" in idversion 0.
const NullSHA1 = "0000000000000000000000000000000000000000"

// S3Parallel is the number of parallel blob transfers.
const S3Parallel = 32

// DefaultPostBufferSize is the batch size for bulk POSTs;
// DefaultPostBufferSizeLimit is the max canonical size of an individual
// entry.
const (
	DefaultPostBufferSize      = 10000
	DefaultPostBufferSizeLimit = 200000
)

var (
	// Error is the nog error class.
	Error = errs.Class("nog")
	// ErrNotFound indicates a missing ref or entry.
	ErrNotFound = errs.Class("NOT_FOUND")
	// ErrCASConflict indicates that updateRef lost a compare-and-swap.
	ErrCASConflict = errs.Class("CAS_CONFLICT")
	// ErrBulkMismatch indicates that bulk echoes do not match the request.
	ErrBulkMismatch = errs.Class("BULK_MISMATCH")
	// ErrEntryTooLarge indicates an entry above the post size limit.
	ErrEntryTooLarge = errs.Class("ENTRY_TOO_LARGE")
	// ErrETagMismatch indicates that an S3 ETag does not match the MD5 of
	// the uploaded part.
	ErrETagMismatch = errs.Class("ETAG_MISMATCH")
	// ErrInvalidObject indicates an idversion 1 object with meta.content.
	ErrInvalidObject = errs.Class("INVALID_OBJECT")
	// ErrUnsupportedIDVersion indicates an unknown idversion from the
	// server.
	ErrUnsupportedIDVersion = errs.Class("UNSUPPORTED_IDVERSION")
	// ErrErrata indicates a retrieved entry flagged with errata.
	ErrErrata = errs.Class("ERRATA")
	// ErrValidation indicates invalid input.
	ErrValidation = errs.Class("VALIDATION")
)

var rgxSHA1 = regexp.MustCompile(`^[0-9a-f]{40}$`)

// IsSHA1 reports whether s is a 40-char lowercase hex SHA-1.
func IsSHA1(s string) bool {
	return rgxSHA1.MatchString(s)
}

// Ref names an entry by type and SHA-1.
type Ref struct {
	Type string
	SHA1 string
}

func (ref Ref) wire() map[string]interface{} {
	return map[string]interface{}{"type": ref.Type, "sha1": ref.SHA1}
}

// StatResult is one row of a stat response.
type StatResult struct {
	Type   string
	SHA1   string
	Status string
}

func sha1Hex(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func sha1File(path string) (string, error) {
	fp, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { _ = fp.Close() }()
	h := sha1.New()
	if _, err := io.Copy(h, fp); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func md5Hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// asInt converts a decoded JSON number.
func asInt(v interface{}) (int64, bool) {
	switch v := v.(type) {
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}
