// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"
	"path"

	"github.com/nogproject/nog/pkg/canonical"
)

// Tree is an interior entry: name, meta, and an ordered sequence of
// children.  Each child is either a hydrated Entry or a `{type, sha1}`
// reference; order is part of the identity.
type Tree struct {
	entry
}

// NewTree creates an empty tree.
func NewTree() *Tree {
	return newTree(map[string]interface{}{
		"name":    "",
		"entries": []interface{}{},
		"meta":    map[string]interface{}{},
	}, nil)
}

// NewTreeFromContent creates a tree from a content record or a
// `{type, sha1}` reference.
func NewTreeFromContent(content map[string]interface{}, repo *RemoteRepo) *Tree {
	return newTree(content, repo)
}

func newTree(content map[string]interface{}, repo *RemoteRepo) *Tree {
	return &Tree{entry: newEntry("tree", content, repo)}
}

// Clone duplicates the tree.  Content is copied deeply, hydrated children
// included; the repo association is shared.
func (t *Tree) Clone() (*Tree, error) {
	if t.sha1 != "" {
		dup := *t
		return &dup, nil
	}
	content := make(map[string]interface{}, len(t.content))
	for k, v := range t.content {
		if k != "entries" {
			content[k] = canonical.DeepCopy(v)
		}
	}
	src := t.childSlice()
	entries := make([]interface{}, 0, len(src))
	for _, child := range src {
		switch child := child.(type) {
		case *Object:
			entries = append(entries, child.Clone())
		case *Tree:
			dup, err := child.Clone()
			if err != nil {
				return nil, err
			}
			entries = append(entries, dup)
		case map[string]interface{}:
			entries = append(entries, canonical.DeepCopyMap(child))
		default:
			return nil, Error.New("invalid tree child type %T", child)
		}
	}
	content["entries"] = entries
	return newTree(content, t.repo), nil
}

func (t *Tree) childSlice() []interface{} {
	children, _ := t.content["entries"].([]interface{})
	return children
}

func (t *Tree) setChildren(children []interface{}) {
	t.content["entries"] = children
}

// Content returns a view with all hydrated children collapsed to
// `{type, sha1}` references.  The children themselves stay attached.
func (t *Tree) Content(ctx context.Context) (map[string]interface{}, error) {
	if err := t.ensureContent(ctx); err != nil {
		return nil, err
	}
	content := make(map[string]interface{}, len(t.content))
	for k, v := range t.content {
		content[k] = v
	}
	collapsed := make([]interface{}, 0, len(t.childSlice()))
	for _, child := range t.childSlice() {
		switch child := child.(type) {
		case Entry:
			sha1, err := child.SHA1(ctx)
			if err != nil {
				return nil, err
			}
			collapsed = append(collapsed, Ref{child.Type(), sha1}.wire())
		default:
			collapsed = append(collapsed, child)
		}
	}
	content["entries"] = collapsed
	return content, nil
}

// SHA1 returns the tree identity.
func (t *Tree) SHA1(ctx context.Context) (string, error) {
	return t.sha1OfContent(ctx, t.Content)
}

// Collapse recursively replaces hydrated children by `{type, sha1}`
// references, detaching them.  Use it to bound memory after publication;
// later mutations of the detached children no longer affect this tree.
func (t *Tree) Collapse(ctx context.Context) error {
	if t.content == nil {
		return nil
	}
	src := t.childSlice()
	collapsed := make([]interface{}, 0, len(src))
	for _, child := range src {
		switch child := child.(type) {
		case *Object:
			sha1, err := child.SHA1(ctx)
			if err != nil {
				return err
			}
			collapsed = append(collapsed, Ref{"object", sha1}.wire())
		case *Tree:
			if err := child.Collapse(ctx); err != nil {
				return err
			}
			sha1, err := child.SHA1(ctx)
			if err != nil {
				return err
			}
			collapsed = append(collapsed, Ref{"tree", sha1}.wire())
		case Entry:
			return Error.New("invalid tree child type %T", child)
		default:
			collapsed = append(collapsed, child)
		}
	}
	t.setChildren(collapsed)
	return nil
}

// Append adds a child entry at the end.
func (t *Tree) Append(ctx context.Context, e Entry) error {
	if err := t.ensureContent(ctx); err != nil {
		return err
	}
	t.setChildren(append(t.childSlice(), e))
	return nil
}

// AppendRef adds a `{type, sha1}` child reference at the end.
func (t *Tree) AppendRef(ctx context.Context, ref Ref) error {
	if err := t.ensureContent(ctx); err != nil {
		return err
	}
	t.setChildren(append(t.childSlice(), ref.wire()))
	return nil
}

// Insert adds a child entry at index i.
func (t *Tree) Insert(ctx context.Context, i int, e Entry) error {
	if err := t.ensureContent(ctx); err != nil {
		return err
	}
	children := t.childSlice()
	if i < 0 || i > len(children) {
		return ErrValidation.New("insert index %d out of range", i)
	}
	children = append(children, nil)
	copy(children[i+1:], children[i:])
	children[i] = e
	t.setChildren(children)
	return nil
}

// Pop removes and returns the last child.
func (t *Tree) Pop(ctx context.Context) (interface{}, error) {
	if err := t.ensureContent(ctx); err != nil {
		return nil, err
	}
	children := t.childSlice()
	if len(children) == 0 {
		return nil, ErrValidation.New("pop from empty tree")
	}
	return t.PopAt(ctx, len(children)-1)
}

// PopAt removes and returns the child at index i.
func (t *Tree) PopAt(ctx context.Context, i int) (interface{}, error) {
	if err := t.ensureContent(ctx); err != nil {
		return nil, err
	}
	children := t.childSlice()
	if i < 0 || i >= len(children) {
		return nil, ErrValidation.New("pop index %d out of range", i)
	}
	child := children[i]
	t.setChildren(append(children[:i], children[i+1:]...))
	return child, nil
}

// Filter selects children during iteration.  Pattern is a glob matched
// against the child name; Type restricts to "object", "tree", or "commit".
type Filter struct {
	Pattern string
	Type    string
}

// Entries returns a lazy iterator over the children.  Children are
// hydrated in place on demand: `{type, sha1}` references are replaced by
// typed entries within the tree, so repeated iteration reuses them.
func (t *Tree) Entries(filter Filter) *EntryIterator {
	return &EntryIterator{tree: t, filter: filter}
}

// Objects iterates children of type object, optionally glob-filtered.
func (t *Tree) Objects(pattern string) *EntryIterator {
	return t.Entries(Filter{Pattern: pattern, Type: "object"})
}

// Trees iterates children of type tree, optionally glob-filtered.
func (t *Tree) Trees(pattern string) *EntryIterator {
	return t.Entries(Filter{Pattern: pattern, Type: "tree"})
}

// EntryIterator iterates a tree's children lazily.
type EntryIterator struct {
	tree   *Tree
	filter Filter
	idx    int
}

// Next returns the next matching child and its index, or nil when the
// iteration is done.
func (it *EntryIterator) Next(ctx context.Context) (Entry, int, error) {
	if err := it.tree.ensureContent(ctx); err != nil {
		return nil, 0, err
	}
	children := it.tree.childSlice()
	for it.idx < len(children) {
		i := it.idx
		it.idx++

		var e Entry
		switch child := children[i].(type) {
		case Entry:
			e = child
		case map[string]interface{}:
			if ty := asString(child["type"]); it.filter.Type != "" && ty != "" && ty != it.filter.Type {
				continue
			}
			hydrated, err := newEntryFromContent(child, it.tree.repo)
			if err != nil {
				return nil, 0, err
			}
			children[i] = hydrated
			e = hydrated
		default:
			return nil, 0, Error.New("invalid tree child type %T", children[i])
		}

		if it.filter.Type != "" && e.Type() != it.filter.Type {
			continue
		}
		if it.filter.Pattern != "" {
			named, ok := e.(interface {
				Name(ctx context.Context) (string, error)
			})
			if !ok {
				continue
			}
			name, err := named.Name(ctx)
			if err != nil {
				return nil, 0, err
			}
			ok, err = path.Match(it.filter.Pattern, name)
			if err != nil {
				return nil, 0, ErrValidation.New("invalid pattern %q: %v", it.filter.Pattern, err)
			}
			if !ok {
				continue
			}
		}
		return e, i, nil
	}
	return nil, 0, nil
}

func (t *Tree) postToStream(ctx context.Context, stream *PostStream) (string, error) {
	return stream.walkTree(ctx, t)
}
