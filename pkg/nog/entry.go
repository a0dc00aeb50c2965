// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"

	"github.com/nogproject/nog/pkg/canonical"
)

// Entry is a versioned content value: a commit, tree, or object.
//
// An entry is either lazy (it holds a SHA-1 and fetches content from its
// repo on first access) or loaded (it holds a mutable content record).  Any
// content access clears the stored SHA-1, so identity is always recomputed
// from the current content and mutations cannot leak a stale id.
type Entry interface {
	// Type returns "commit", "tree", or "object".
	Type() string
	// SHA1 returns the entry identity: the stored SHA-1 for lazy
	// entries, otherwise the content id of the canonical encoding.
	SHA1(ctx context.Context) (string, error)
	// Content returns the current content.  Trees and objects return a
	// collapsed view; see their docs.
	Content(ctx context.Context) (map[string]interface{}, error)
	// Repo returns the repo association, which may be nil for entries
	// built locally.
	Repo() *RemoteRepo

	postToStream(ctx context.Context, stream *PostStream) (string, error)
}

type entry struct {
	typ     string
	sha1    string
	content map[string]interface{}
	repo    *RemoteRepo
}

func newEntry(typ string, content map[string]interface{}, repo *RemoteRepo) entry {
	e := entry{typ: typ, repo: repo}
	if sha1, ok := content["sha1"].(string); ok {
		e.sha1 = sha1
	} else {
		e.setContent(content)
	}
	return e
}

// newEntryFromContent dispatches on the `type` key, falling back to the key
// shape, so expanded tree fetches materialize hydrated children.
func newEntryFromContent(content map[string]interface{}, repo *RemoteRepo) (Entry, error) {
	ty, _ := content["type"].(string)
	switch {
	case ty == "commit":
		return newCommit(content, repo), nil
	case ty == "tree":
		return newTree(content, repo), nil
	case ty == "object":
		return newObject(content, repo), nil
	case hasKey(content, "tree"):
		return newCommit(content, repo), nil
	case hasKey(content, "entries"):
		return newTree(content, repo), nil
	case hasKey(content, "blob"):
		return newObject(content, repo), nil
	default:
		return nil, Error.New("unknown content format")
	}
}

func hasKey(m map[string]interface{}, k string) bool {
	_, ok := m[k]
	return ok
}

func (e *entry) Type() string      { return e.typ }
func (e *entry) Repo() *RemoteRepo { return e.repo }

func (e *entry) ensureContent(ctx context.Context) error {
	if e.content != nil {
		return nil
	}
	if e.repo == nil {
		return Error.New("lazy %s %s has no repo to fetch from", e.typ, e.sha1)
	}
	var content map[string]interface{}
	var err error
	switch e.typ {
	case "commit":
		content, err = e.repo.getCommitContent(ctx, e.sha1)
	case "tree":
		content, err = e.repo.getTreeContent(ctx, e.sha1)
	case "object":
		content, err = e.repo.getObjectContent(ctx, e.sha1)
	default:
		return Error.New("unknown entry type %q", e.typ)
	}
	if err != nil {
		return err
	}
	e.setContent(content)
	return nil
}

// setContent replaces the content, stripping transport envelope keys.  The
// stored SHA-1 is cleared: identity is recomputed from content from now on.
func (e *entry) setContent(content map[string]interface{}) {
	delete(content, "_id")
	delete(content, "_idversion")
	e.sha1 = ""
	e.content = content
}

func (e *entry) sha1OfContent(ctx context.Context, collapsed func(ctx context.Context) (map[string]interface{}, error)) (string, error) {
	if e.sha1 != "" {
		return e.sha1, nil
	}
	content, err := collapsed(ctx)
	if err != nil {
		return "", err
	}
	return canonical.ContentID(content)
}

// Name returns the entry name.  Valid for trees and objects.
func (e *entry) Name(ctx context.Context) (string, error) {
	if err := e.ensureContent(ctx); err != nil {
		return "", err
	}
	return asString(e.content["name"]), nil
}

// SetName sets the entry name.
func (e *entry) SetName(ctx context.Context, name string) error {
	if err := e.ensureContent(ctx); err != nil {
		return err
	}
	e.content["name"] = name
	return nil
}

// Meta returns the live metadata map.  Mutations become part of the entry
// identity.
func (e *entry) Meta(ctx context.Context) (map[string]interface{}, error) {
	if err := e.ensureContent(ctx); err != nil {
		return nil, err
	}
	meta, ok := e.content["meta"].(map[string]interface{})
	if !ok {
		meta = map[string]interface{}{}
		e.content["meta"] = meta
	}
	return meta, nil
}

func isFromOtherRepo(stream *PostStream, e *entry) bool {
	return e.repo != nil && e.repo != stream.repo
}
