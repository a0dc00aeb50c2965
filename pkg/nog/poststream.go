// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"

	"github.com/nogproject/nog/pkg/canonical"
)

// PostStream publishes entry graphs into one repo: it deduplicates staged
// and known SHA-1s, batches bodies up to the post buffer size, uploads
// missing blobs, and posts missing entries in bulk.
//
// Staging maps survive a flush.  If an entry is staged but not queued, it
// was confirmed by a previous flush; after a failed flush, a retry still
// finds the staged content.
type PostStream struct {
	repo *RemoteRepo

	entries     map[string]map[string]interface{}
	copyEntries map[string]map[string]interface{}
	blobs       map[string]BlobSource
	copyBlobs   map[string]map[string]interface{}

	queue   []Ref
	bufSize int
}

func newPostStream(repo *RemoteRepo) *PostStream {
	stream := &PostStream{
		repo:        repo,
		entries:     make(map[string]map[string]interface{}),
		copyEntries: make(map[string]map[string]interface{}),
		blobs:       make(map[string]BlobSource),
		copyBlobs:   make(map[string]map[string]interface{}),
	}
	stream.initQueue()
	return stream
}

func (stream *PostStream) initQueue() {
	stream.queue = nil
	stream.bufSize = 0
}

// PostObject stages an object and returns its SHA-1.
func (stream *PostStream) PostObject(ctx context.Context, obj *Object) (string, error) {
	return obj.postToStream(ctx, stream)
}

// PostTree stages a tree recursively and returns its SHA-1.
func (stream *PostStream) PostTree(ctx context.Context, tree *Tree) (string, error) {
	return tree.postToStream(ctx, stream)
}

// Close flushes the stream.  A stat and bulk round trip is issued even for
// an empty queue.
func (stream *PostStream) Close(ctx context.Context) error {
	return stream.Flush(ctx)
}

// Flush stats the queued refs, uploads missing blobs, and posts the
// missing bodies in bulk.  Bulk echoes must match the posted refs pairwise
// and in count.  Confirmed inline entries are added to the shared entry
// cache.  The queue is reset only after full success.
func (stream *PostStream) Flush(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	stat, err := stream.repo.Stat(ctx, stream.queue)
	if err != nil {
		return err
	}

	var blobs []BlobSource
	var entries []interface{}
	var expect []Ref
	for _, s := range stat {
		if s.Status == "exists" {
			continue
		}
		if s.Type == "blob" {
			if blob, ok := stream.blobs[s.SHA1]; ok {
				blobs = append(blobs, blob)
			} else if content, ok := stream.copyBlobs[s.SHA1]; ok {
				entries = append(entries, content)
				expect = append(expect, Ref{s.Type, s.SHA1})
			} else {
				return Error.New("missing staged blob %s", s.SHA1)
			}
			continue
		}
		if content, ok := stream.entries[s.SHA1]; ok {
			entries = append(entries, content)
		} else if content, ok := stream.copyEntries[s.SHA1]; ok {
			entries = append(entries, content)
		} else {
			return Error.New("missing staged %s %s", s.Type, s.SHA1)
		}
		expect = append(expect, Ref{s.Type, s.SHA1})
	}

	if err := stream.repo.UploadBlobs(ctx, blobs); err != nil {
		return err
	}

	res, err := stream.repo.PostBulk(ctx, entries)
	if err != nil {
		return err
	}
	if len(res) != len(expect) {
		return ErrBulkMismatch.New(
			"response entry count mismatch: expected %d, got %d",
			len(expect), len(res))
	}
	for i, e := range expect {
		if res[i] != e {
			return ErrBulkMismatch.New(
				"response entry mismatch: expected %v, got %v", e, res[i])
		}
	}

	for _, e := range expect {
		if content, ok := stream.entries[e.SHA1]; ok {
			if err := stream.repo.session.entryCache.Add(ctx, e.SHA1, content); err != nil {
				return err
			}
		}
	}

	stream.initQueue()
	return nil
}

// enqueue stages a deep copy of content, so the caller can modify an entry
// after posting it.
func (stream *PostStream) enqueue(ctx context.Context, ty, sha1 string, content map[string]interface{}) error {
	if stream.hasEntry(sha1) {
		return nil
	}
	if err := stream.maybeFlush(ctx, content); err != nil {
		return err
	}
	stream.entries[sha1] = canonical.DeepCopyMap(content)
	stream.queue = append(stream.queue, Ref{ty, sha1})
	return nil
}

func (stream *PostStream) enqueueCopyEntry(ctx context.Context, ty, sha1, origin string) error {
	if stream.hasEntry(sha1) {
		return nil
	}
	content := map[string]interface{}{
		"copy": map[string]interface{}{
			"type": ty, "sha1": sha1, "repoFullName": origin,
		},
	}
	if err := stream.maybeFlush(ctx, content); err != nil {
		return err
	}
	stream.copyEntries[sha1] = content
	stream.queue = append(stream.queue, Ref{ty, sha1})
	return nil
}

// enqueueBlob stages pending blob content.  Blob bytes are uploaded via S3
// and do not count toward the post buffer.
func (stream *PostStream) enqueueBlob(blob BlobSource) {
	sha1 := blob.SHA1()
	if stream.hasBlob(sha1) {
		return
	}
	stream.blobs[sha1] = blob
	stream.queue = append(stream.queue, Ref{"blob", sha1})
}

func (stream *PostStream) enqueueCopyBlob(ctx context.Context, sha1, origin string) error {
	if stream.hasBlob(sha1) {
		return nil
	}
	content := map[string]interface{}{
		"copy": map[string]interface{}{
			"type": "blob", "sha1": sha1, "repoFullName": origin,
		},
	}
	if err := stream.maybeFlush(ctx, content); err != nil {
		return err
	}
	stream.copyBlobs[sha1] = content
	stream.queue = append(stream.queue, Ref{"blob", sha1})
	return nil
}

// maybeFlush accounts the canonical size of a body about to be staged.  It
// flushes first if the addition would overflow the post buffer, then
// rejects bodies over the per-entry limit.
func (stream *PostStream) maybeFlush(ctx context.Context, content map[string]interface{}) error {
	encoded, err := canonical.Marshal(content)
	if err != nil {
		return err
	}
	s := len(encoded)
	if stream.bufSize+s > stream.repo.session.cfg.PostBufferSize {
		if err := stream.Flush(ctx); err != nil {
			return err
		}
	}
	if s > stream.repo.session.cfg.PostBufferSizeLimit {
		return ErrEntryTooLarge.New(
			"entry too large: max JSON size is %d, JSON for entry has size %d",
			stream.repo.session.cfg.PostBufferSizeLimit, s)
	}
	stream.bufSize += s
	return nil
}

func (stream *PostStream) hasEntry(sha1 string) bool {
	if _, ok := stream.entries[sha1]; ok {
		return true
	}
	if _, ok := stream.copyEntries[sha1]; ok {
		return true
	}
	return stream.repo.hasEntry(sha1)
}

func (stream *PostStream) hasBlob(sha1 string) bool {
	if _, ok := stream.blobs[sha1]; ok {
		return true
	}
	if _, ok := stream.copyBlobs[sha1]; ok {
		return true
	}
	return stream.repo.hasBlob(sha1)
}

type walkFrame struct {
	tree      *Tree
	src       []interface{}
	collapsed []interface{}
	idx       int
}

// walkTree stages a tree post order with an explicit frame stack.  Objects
// are staged as they are visited; a tree body is staged once all its
// children are collapsed.  Flushes can trigger at any point of the walk.
func (stream *PostStream) walkTree(ctx context.Context, root *Tree) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	// Lazy trees are not walked.  They keep their repo association, so a
	// retry after a failed flush can re-emit the copy marker.
	open := func(t *Tree) (string, bool, error) {
		if t.sha1 != "" {
			if isFromOtherRepo(stream, &t.entry) {
				if err := stream.enqueueCopyEntry(ctx, "tree", t.sha1, t.repo.FullName()); err != nil {
					return "", false, err
				}
			}
			return t.sha1, true, nil
		}
		return "", false, nil
	}

	sha1, done, err := open(root)
	if err != nil {
		return "", err
	}
	if done {
		return sha1, nil
	}

	stack := []*walkFrame{{
		tree:      root,
		src:       root.childSlice(),
		collapsed: make([]interface{}, 0, len(root.childSlice())),
	}}
	for {
		f := stack[len(stack)-1]
		if f.idx < len(f.src) {
			child := f.src[f.idx]
			f.idx++
			switch child := child.(type) {
			case *Object:
				sha1, err := child.postToStream(ctx, stream)
				if err != nil {
					return "", err
				}
				f.collapsed = append(f.collapsed, Ref{"object", sha1}.wire())
			case *Tree:
				sha1, done, err := open(child)
				if err != nil {
					return "", err
				}
				if done {
					f.collapsed = append(f.collapsed, Ref{"tree", sha1}.wire())
					continue
				}
				stack = append(stack, &walkFrame{
					tree:      child,
					src:       child.childSlice(),
					collapsed: make([]interface{}, 0, len(child.childSlice())),
				})
			case Entry:
				return "", Error.New("invalid tree child type %T", child)
			case map[string]interface{}:
				if isFromOtherRepo(stream, &f.tree.entry) {
					err := stream.enqueueCopyEntry(ctx,
						asString(child["type"]), asString(child["sha1"]),
						f.tree.repo.FullName())
					if err != nil {
						return "", err
					}
				}
				f.collapsed = append(f.collapsed, child)
			default:
				return "", Error.New("invalid tree child type %T", child)
			}
			continue
		}

		content := make(map[string]interface{}, len(f.tree.content))
		for k, v := range f.tree.content {
			content[k] = v
		}
		content["entries"] = f.collapsed
		sha1, err := canonical.ContentID(content)
		if err != nil {
			return "", err
		}
		if err := stream.enqueue(ctx, "tree", sha1, content); err != nil {
			return "", err
		}
		f.tree.repo = stream.repo

		stack = stack[:len(stack)-1]
		if len(stack) == 0 {
			return sha1, nil
		}
		parent := stack[len(stack)-1]
		parent.collapsed = append(parent.collapsed, Ref{"tree", sha1}.wire())
	}
}
