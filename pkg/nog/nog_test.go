// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nogproject/nog/internal/testcontext"
)

const (
	objIDv1  = "a5c7dadaae838f765f66d3d354617a6e564fdc59"
	objIDv0  = "e306bba8afcead972947bba6627d7f3e3cfeef51"
	treeID   = "909841620c9e56a9b874042ca44a5694b6622e8b"
	otherID  = "1111111111111111111111111111111111111111"
	otherID2 = "2222222222222222222222222222222222222222"
)

func newTestObject(t *testing.T, ctx *testcontext.Context) *Object {
	obj := NewObject()
	require.NoError(t, obj.SetName(ctx, "foo"))
	require.NoError(t, obj.SetText(ctx, "text"))
	return obj
}

func TestObjectIDVersionEquivalence(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	obj := newTestObject(t, ctx)
	idv, err := obj.IDVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, idv)
	sha1, err := obj.SHA1(ctx)
	require.NoError(t, err)
	require.Equal(t, objIDv1, sha1)

	require.NoError(t, obj.Format(ctx, 0))
	idv, err = obj.IDVersion(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, idv)
	sha1, err = obj.SHA1(ctx)
	require.NoError(t, err)
	require.Equal(t, objIDv0, sha1)

	// The text survives the conversion in both directions.
	text, ok, err := obj.Text(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "text", text)

	require.NoError(t, obj.Format(ctx, 1))
	sha1, err = obj.SHA1(ctx)
	require.NoError(t, err)
	require.Equal(t, objIDv1, sha1)
}

func TestObjectFormatBlobRepresentation(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	obj := NewObject()
	blob, err := obj.Blob(ctx)
	require.NoError(t, err)
	require.Equal(t, "", blob)

	require.NoError(t, obj.Format(ctx, 0))
	blob, err = obj.Blob(ctx)
	require.NoError(t, err)
	require.Equal(t, NullSHA1, blob)

	require.NoError(t, obj.SetBlobSHA1(ctx, otherID))
	require.NoError(t, obj.Format(ctx, 1))
	blob, err = obj.Blob(ctx)
	require.NoError(t, err)
	require.Equal(t, otherID, blob)
}

func TestTreeIdentity(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	objV0 := newTestObject(t, ctx)
	require.NoError(t, objV0.Format(ctx, 0))
	objV1 := newTestObject(t, ctx)

	tree := NewTree()
	require.NoError(t, tree.SetName(ctx, "tree"))
	meta, err := tree.Meta(ctx)
	require.NoError(t, err)
	meta["foo"] = "bar"
	require.NoError(t, tree.Append(ctx, objV0))
	require.NoError(t, tree.Append(ctx, objV1))

	sha1, err := tree.SHA1(ctx)
	require.NoError(t, err)
	require.Equal(t, treeID, sha1)
}

func TestTreeCollapseDetaches(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	obj := newTestObject(t, ctx)
	tree := NewTree()
	require.NoError(t, tree.Append(ctx, obj))
	before, err := tree.SHA1(ctx)
	require.NoError(t, err)

	require.NoError(t, tree.Collapse(ctx))

	// The collapsed tree no longer observes mutations of the child.
	require.NoError(t, obj.SetName(ctx, "changed"))
	after, err := tree.SHA1(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	content, err := tree.Content(ctx)
	require.NoError(t, err)
	children := content["entries"].([]interface{})
	require.Len(t, children, 1)
	require.Equal(t, objIDv1, children[0].(map[string]interface{})["sha1"])
}

func TestTreeContentKeepsChildrenAttached(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	obj := newTestObject(t, ctx)
	tree := NewTree()
	require.NoError(t, tree.Append(ctx, obj))

	before, err := tree.SHA1(ctx)
	require.NoError(t, err)

	require.NoError(t, obj.SetName(ctx, "changed"))
	after, err := tree.SHA1(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}

func TestTreeInsertPop(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tree := NewTree()
	a := NewObject()
	require.NoError(t, a.SetName(ctx, "a"))
	b := NewObject()
	require.NoError(t, b.SetName(ctx, "b"))
	c := NewObject()
	require.NoError(t, c.SetName(ctx, "c"))

	require.NoError(t, tree.Append(ctx, a))
	require.NoError(t, tree.Append(ctx, c))
	require.NoError(t, tree.Insert(ctx, 1, b))

	popped, err := tree.Pop(ctx)
	require.NoError(t, err)
	name, err := popped.(*Object).Name(ctx)
	require.NoError(t, err)
	require.Equal(t, "c", name)

	popped, err = tree.PopAt(ctx, 0)
	require.NoError(t, err)
	name, err = popped.(*Object).Name(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", name)

	require.Len(t, tree.childSlice(), 1)

	_, err = tree.PopAt(ctx, 5)
	require.True(t, ErrValidation.Has(err))
}

func TestTreeIterators(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	tree := NewTree()
	for _, name := range []string{"a.txt", "b.md", "c.txt"} {
		obj := NewObject()
		require.NoError(t, obj.SetName(ctx, name))
		require.NoError(t, tree.Append(ctx, obj))
	}
	sub := NewTree()
	require.NoError(t, sub.SetName(ctx, "sub"))
	require.NoError(t, tree.Append(ctx, sub))

	var names []string
	it := tree.Objects("*.txt")
	for {
		e, _, err := it.Next(ctx)
		require.NoError(t, err)
		if e == nil {
			break
		}
		name, err := e.(*Object).Name(ctx)
		require.NoError(t, err)
		names = append(names, name)
	}
	require.Equal(t, []string{"a.txt", "c.txt"}, names)

	it = tree.Trees("")
	e, idx, err := it.Next(ctx)
	require.NoError(t, err)
	require.NotNil(t, e)
	require.Equal(t, 3, idx)
	e, _, err = it.Next(ctx)
	require.NoError(t, err)
	require.Nil(t, e)

	count := 0
	it = tree.Entries(Filter{})
	for {
		e, _, err := it.Next(ctx)
		require.NoError(t, err)
		if e == nil {
			break
		}
		count++
	}
	require.Equal(t, 4, count)
}

func TestTreeClone(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	obj := newTestObject(t, ctx)
	tree := NewTree()
	require.NoError(t, tree.SetName(ctx, "tree"))
	require.NoError(t, tree.Append(ctx, obj))

	dup, err := tree.Clone()
	require.NoError(t, err)
	before, err := tree.SHA1(ctx)
	require.NoError(t, err)

	// Mutating the clone does not touch the original.
	it := dup.Objects("")
	e, _, err := it.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, e.(*Object).SetName(ctx, "changed"))
	require.NoError(t, dup.SetName(ctx, "other"))

	after, err := tree.SHA1(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)

	dupSHA1, err := dup.SHA1(ctx)
	require.NoError(t, err)
	require.NotEqual(t, before, dupSHA1)
}

func TestIsSHA1(t *testing.T) {
	require.True(t, IsSHA1(objIDv1))
	require.True(t, IsSHA1(NullSHA1))
	require.False(t, IsSHA1(""))
	require.False(t, IsSHA1("A5C7DADAAE838F765F66D3D354617A6E564FDC59"))
	require.False(t, IsSHA1(objIDv1[:39]))
	require.False(t, IsSHA1(objIDv1+"0"))
}
