// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"
	"os"

	"github.com/nogproject/nog/pkg/canonical"
)

// Object is a leaf entry: name, meta, and an optional blob.
//
// Objects have two on-wire representations.  Idversion 0 stores textual
// payload in `meta.content` and encodes "no blob" as the all-zero SHA-1.
// Idversion 1 has a top-level `text` field and encodes "no blob" as null.
// The default for new objects is idversion 1.
type Object struct {
	entry
}

// NewObject creates an empty idversion 1 object.
func NewObject() *Object {
	return newObject(map[string]interface{}{
		"name": "",
		"meta": map[string]interface{}{},
		"blob": nil,
		"text": nil,
	}, nil)
}

// NewObjectFromContent creates an object from a content record or a
// `{type, sha1}` reference.
func NewObjectFromContent(content map[string]interface{}, repo *RemoteRepo) *Object {
	return newObject(content, repo)
}

func newObject(content map[string]interface{}, repo *RemoteRepo) *Object {
	return &Object{entry: newEntry("object", content, repo)}
}

// Clone duplicates the object.  Content is copied deeply; the repo
// association is shared.
func (o *Object) Clone() *Object {
	if o.sha1 != "" {
		dup := *o
		return &dup
	}
	return newObject(canonical.DeepCopyMap(o.content), o.repo)
}

// IDVersion returns the structural schema version: 1 if the content has a
// `text` key, else 0.
func (o *Object) IDVersion(ctx context.Context) (int, error) {
	if err := o.ensureContent(ctx); err != nil {
		return 0, err
	}
	if hasKey(o.content, "text") {
		return 1, nil
	}
	return 0, nil
}

// Format converts the object between idversions.  Converting changes the
// identity.
func (o *Object) Format(ctx context.Context, idversion int) error {
	current, err := o.IDVersion(ctx)
	if err != nil {
		return err
	}
	if current == idversion {
		return nil
	}
	switch idversion {
	case 0:
		content := canonical.DeepCopyMap(o.content)
		meta := content["meta"].(map[string]interface{})
		meta["content"] = content["text"]
		delete(content, "text")
		if isNoBlob(content["blob"]) {
			content["blob"] = NullSHA1
		}
		o.setContent(content)
	case 1:
		content := canonical.DeepCopyMap(o.content)
		meta := content["meta"].(map[string]interface{})
		if text, ok := meta["content"]; ok {
			content["text"] = text
			delete(meta, "content")
		} else {
			content["text"] = nil
		}
		if content["blob"] == NullSHA1 {
			content["blob"] = nil
		}
		o.setContent(content)
	default:
		return ErrValidation.New("invalid idversion %d", idversion)
	}
	return nil
}

func isNoBlob(blob interface{}) bool {
	return blob == nil || blob == "" || blob == NullSHA1
}

// Content returns the content with a pending blob source collapsed to its
// SHA-1.
func (o *Object) Content(ctx context.Context) (map[string]interface{}, error) {
	if err := o.ensureContent(ctx); err != nil {
		return nil, err
	}
	switch o.content["blob"].(type) {
	case nil, string:
		return o.content, nil
	}
	blob, ok := o.content["blob"].(BlobSource)
	if !ok {
		return nil, Error.New("unknown blob type %T", o.content["blob"])
	}
	content := make(map[string]interface{}, len(o.content))
	for k, v := range o.content {
		content[k] = v
	}
	content["blob"] = blob.SHA1()
	return content, nil
}

// SHA1 returns the object identity.
func (o *Object) SHA1(ctx context.Context) (string, error) {
	return o.sha1OfContent(ctx, o.Content)
}

// Text returns the textual payload, regardless of idversion.  ok is false
// when the payload is null.
func (o *Object) Text(ctx context.Context) (text string, ok bool, err error) {
	idv, err := o.IDVersion(ctx)
	if err != nil {
		return "", false, err
	}
	var v interface{}
	if idv == 0 {
		meta := o.content["meta"].(map[string]interface{})
		v = meta["content"]
	} else {
		v = o.content["text"]
	}
	if v == nil {
		return "", false, nil
	}
	return asString(v), true, nil
}

// SetText sets the textual payload in the representation of the current
// idversion.
func (o *Object) SetText(ctx context.Context, text string) error {
	idv, err := o.IDVersion(ctx)
	if err != nil {
		return err
	}
	if idv == 0 {
		meta := o.content["meta"].(map[string]interface{})
		meta["content"] = text
	} else {
		o.content["text"] = text
	}
	return nil
}

// Blob returns the blob SHA-1.  "No blob" is reported as the empty string
// for idversion 1 and as NullSHA1 for idversion 0, matching the stored
// representation.
func (o *Object) Blob(ctx context.Context) (string, error) {
	if err := o.ensureContent(ctx); err != nil {
		return "", err
	}
	switch blob := o.content["blob"].(type) {
	case nil:
		return "", nil
	case string:
		return blob, nil
	case BlobSource:
		return blob.SHA1(), nil
	default:
		return "", Error.New("unknown blob type %T", blob)
	}
}

// SetBlobSHA1 points the object at an already known blob.  An empty string
// or NullSHA1 clears the blob in the representation of the current
// idversion.
func (o *Object) SetBlobSHA1(ctx context.Context, sha1 string) error {
	idv, err := o.IDVersion(ctx)
	if err != nil {
		return err
	}
	if sha1 == "" || sha1 == NullSHA1 {
		if idv == 0 {
			o.content["blob"] = NullSHA1
		} else {
			o.content["blob"] = nil
		}
		return nil
	}
	if !IsSHA1(sha1) {
		return ErrValidation.New("invalid blob sha1 %q", sha1)
	}
	o.content["blob"] = sha1
	return nil
}

// SetBlobFromFile attaches a local file as a pending blob.  The file is
// hashed immediately; it is hashed again at upload time and the upload
// fails if it changed in between.
func (o *Object) SetBlobFromFile(ctx context.Context, path string) error {
	if err := o.ensureContent(ctx); err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		return ErrValidation.New("cannot read blob file: %v", err)
	}
	blob, err := NewBlobFile(path)
	if err != nil {
		return err
	}
	o.content["blob"] = blob
	return nil
}

// SetBlobFromBytes attaches an in-memory buffer as a pending blob.
func (o *Object) SetBlobFromBytes(ctx context.Context, buf []byte) error {
	if err := o.ensureContent(ctx); err != nil {
		return err
	}
	o.content["blob"] = NewBlobBuf(buf)
	return nil
}

// LinkBlob hard-links the object's blob to path, fetching it into the blob
// cache first.
func (o *Object) LinkBlob(ctx context.Context, path string) error {
	sha1, err := o.Blob(ctx)
	if err != nil {
		return err
	}
	return o.repo.LinkBlob(ctx, sha1, path)
}

// CopyBlob copies the object's blob to path.
func (o *Object) CopyBlob(ctx context.Context, path string) error {
	sha1, err := o.Blob(ctx)
	if err != nil {
		return err
	}
	return o.repo.CopyBlob(ctx, sha1, path)
}

// OpenBlob returns a read-only handle for the object's blob.
func (o *Object) OpenBlob(ctx context.Context) (*os.File, error) {
	sha1, err := o.Blob(ctx)
	if err != nil {
		return nil, err
	}
	return o.repo.OpenBlob(ctx, sha1)
}

func (o *Object) postToStream(ctx context.Context, stream *PostStream) (string, error) {
	if o.sha1 != "" {
		if isFromOtherRepo(stream, &o.entry) {
			if err := stream.enqueueCopyEntry(ctx, "object", o.sha1, o.repo.FullName()); err != nil {
				return "", err
			}
		}
		// Keep the original repo association: a failed flush must be
		// able to re-emit the copy marker on retry.
		return o.sha1, nil
	}

	content := o.content
	switch blob := content["blob"].(type) {
	case nil:
	case string:
		if blob != NullSHA1 && isFromOtherRepo(stream, &o.entry) {
			if err := stream.enqueueCopyBlob(ctx, blob, o.repo.FullName()); err != nil {
				return "", err
			}
		}
	case BlobSource:
		stream.enqueueBlob(blob)
		collapsed := make(map[string]interface{}, len(content))
		for k, v := range content {
			collapsed[k] = v
		}
		collapsed["blob"] = blob.SHA1()
		content = collapsed
	default:
		return "", Error.New("unknown blob type %T", blob)
	}

	idv, err := o.IDVersion(ctx)
	if err != nil {
		return "", err
	}
	if idv == 1 {
		if meta, ok := o.content["meta"].(map[string]interface{}); ok {
			if _, ok := meta["content"]; ok {
				return "", ErrInvalidObject.New(
					"invalid object %q in idversion 1: use text instead of meta.content",
					asString(o.content["name"]))
			}
		}
	}

	sha1, err := canonical.ContentID(content)
	if err != nil {
		return "", err
	}
	content = canonical.DeepCopyMap(content)
	content["_idversion"] = idv
	if err := stream.enqueue(ctx, "object", sha1, content); err != nil {
		return "", err
	}
	o.repo = stream.repo
	return sha1, nil
}
