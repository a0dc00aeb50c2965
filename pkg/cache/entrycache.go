// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package cache

import (
	"context"
	"os"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nogproject/nog/pkg/canonical"
)

// EntryCache is a two-tier read-through cache for entry content.  The
// memory tier stores deep copies, so callers cannot mutate cached state.
// The disk tier stores canonical JSON and verifies the content hash on
// every load.
//
// The cache is repo-agnostic: content cached from one repo may serve reads
// for any repo.  Repo membership is tracked separately by the remote repo's
// known set.
type EntryCache struct {
	log *zap.Logger
	dir *shardedDir

	mu  sync.Mutex
	mem map[string]map[string]interface{}
}

// NewEntryCache creates the cache below root, usually
// `$NOG_CACHE_PATH/entries`.
func NewEntryCache(log *zap.Logger, root string) (*EntryCache, error) {
	dir, err := newShardedDir(root)
	if err != nil {
		return nil, err
	}
	return &EntryCache{
		log: log,
		dir: dir,
		mem: make(map[string]map[string]interface{}),
	}, nil
}

// Get returns a deep copy of the cached content, reading through to disk.
// ok is false on a miss.  A disk payload whose SHA-1 does not match is
// removed and reported as CACHE_CORRUPTION.
func (cache *EntryCache) Get(ctx context.Context, sha1 string) (_ map[string]interface{}, ok bool, err error) {
	defer mon.Task()(&ctx)(&err)

	cache.mu.Lock()
	if content, ok := cache.mem[sha1]; ok {
		cache.mu.Unlock()
		return canonical.DeepCopyMap(content), true, nil
	}
	cache.mu.Unlock()

	file, err := os.Open(cache.dir.path(sha1))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, Error.Wrap(err)
	}
	defer func() { _ = file.Close() }()

	content, err := canonical.DecodeMap(file)
	if err != nil {
		_ = cache.dir.remove(sha1)
		return nil, false, ErrCacheCorruption.New(
			"invalid JSON while loading entry %s: %v", sha1, err)
	}
	got, err := canonical.ContentID(content)
	if err != nil {
		return nil, false, err
	}
	if got != sha1 {
		_ = cache.dir.remove(sha1)
		return nil, false, ErrCacheCorruption.New(
			"sha1 mismatch while loading entry %s: content hashes to %s",
			sha1, got)
	}

	cache.mu.Lock()
	cache.mem[sha1] = canonical.DeepCopyMap(content)
	cache.mu.Unlock()
	return content, true, nil
}

// Add stores content under sha1 in both tiers.  Envelope keys `_id`,
// `_idversion`, and `errata` are stripped before hashing and storing.  A
// hash mismatch is CACHE_CORRUPTION; nothing is stored.
func (cache *EntryCache) Add(ctx context.Context, sha1 string, content map[string]interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	content = canonical.DeepCopyMap(content)
	delete(content, "_id")
	delete(content, "_idversion")
	delete(content, "errata")

	got, err := canonical.ContentID(content)
	if err != nil {
		return err
	}
	if got != sha1 {
		pretty, _ := canonical.MarshalPretty(content)
		return ErrCacheCorruption.New(
			"sha1 mismatch while storing entry %s: content hashes to %s: %s",
			sha1, got, pretty)
	}

	if !cache.dir.has(sha1) {
		encoded, err := canonical.Marshal(content)
		if err != nil {
			return err
		}
		file, err := cache.dir.createTemp(sha1)
		if err != nil {
			return err
		}
		if _, err := file.Write(encoded); err != nil {
			return Error.Wrap(errs.Combine(err, cache.dir.cancel(file)))
		}
		if err := cache.dir.commit(file, sha1); err != nil {
			return err
		}
	}

	cache.mu.Lock()
	cache.mem[sha1] = content
	cache.mu.Unlock()
	return nil
}
