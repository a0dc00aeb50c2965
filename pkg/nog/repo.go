// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nogproject/nog/internal/sync2"
	"github.com/nogproject/nog/pkg/rest"
)

// RemoteRepo is a typed facade over one repository of the signed HTTP API.
//
// The entry cache is shared between repos: an entry cached from any repo can
// serve gets from any other repo, since entries are immutable and content
// addressed.  The known sets, however, are per repo.  A SHA-1 is added only
// after the server confirmed that it is in this specific repo, via stat
// status exists or a bulk POST echo.
type RemoteRepo struct {
	session *Session
	url     string

	mu            sync.Mutex
	knownEntryIDs map[string]struct{}
	knownBlobs    map[string]struct{}
}

func newRemoteRepo(session *Session, url string) *RemoteRepo {
	return &RemoteRepo{
		session:       session,
		url:           url,
		knownEntryIDs: make(map[string]struct{}),
		knownBlobs:    make(map[string]struct{}),
	}
}

// FullName returns the `owner/name` part of the repo URL.
func (repo *RemoteRepo) FullName() string {
	parts := strings.Split(repo.url, "/")
	if len(parts) < 2 {
		return repo.url
	}
	return strings.Join(parts[len(parts)-2:], "/")
}

// GetMaster returns the current master commit as a lazy entry.
func (repo *RemoteRepo) GetMaster(ctx context.Context) (_ *Commit, err error) {
	defer mon.Task()(&ctx)(&err)
	ref, err := repo.GetRef(ctx, "branches/master")
	if err != nil {
		return nil, err
	}
	return repo.GetCommit(ref.SHA1), nil
}

// GetRef resolves a ref name to its current commit.
func (repo *RemoteRepo) GetRef(ctx context.Context, refName string) (_ Ref, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := repo.session.client.GetJSON(ctx, repo.url+"/db/refs/"+refName)
	if err != nil {
		if rest.StatusCode(err) == 404 {
			return Ref{}, ErrNotFound.New("ref %q: %v", refName, err)
		}
		return Ref{}, err
	}
	res, ok := data.(map[string]interface{})
	if !ok {
		return Ref{}, Error.New("unexpected ref response format")
	}
	entry, ok := res["entry"].(map[string]interface{})
	if !ok {
		return Ref{}, Error.New("unexpected ref response format")
	}
	return Ref{Type: asString(entry["type"]), SHA1: asString(entry["sha1"])}, nil
}

// UpdateRef advances a ref from oldCommit to newCommit by compare-and-swap
// and returns the new SHA-1.
func (repo *RemoteRepo) UpdateRef(ctx context.Context, refName, newCommit, oldCommit string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	content := map[string]interface{}{
		"new": newCommit,
		"old": oldCommit,
	}
	data, status, err := repo.session.client.PatchJSONStatus(ctx,
		repo.url+"/db/refs/"+refName, content, 200, 409)
	if err != nil {
		if rest.StatusCode(err) == 404 {
			return "", ErrNotFound.New("ref %q: %v", refName, err)
		}
		return "", err
	}
	if status == 409 {
		return "", ErrCASConflict.New(
			"failed to update ref %q from %s to %s", refName, oldCommit, newCommit)
	}
	res, ok := data.(map[string]interface{})
	if !ok {
		return "", Error.New("unexpected updateRef response format")
	}
	entry, ok := res["entry"].(map[string]interface{})
	if !ok {
		return "", Error.New("unexpected updateRef response format")
	}
	return asString(entry["sha1"]), nil
}

// GetObject returns a lazy object.
func (repo *RemoteRepo) GetObject(sha1 string) *Object {
	return newObject(Ref{"object", sha1}.wire(), repo)
}

// GetTree returns a lazy tree.
func (repo *RemoteRepo) GetTree(sha1 string) *Tree {
	return newTree(Ref{"tree", sha1}.wire(), repo)
}

// GetCommit returns a lazy commit.
func (repo *RemoteRepo) GetCommit(sha1 string) *Commit {
	return newCommit(Ref{"commit", sha1}.wire(), repo)
}

// GetTreeExpanded fetches a tree with all children expanded in a single
// request.  The expansion bypasses the entry cache.
func (repo *RemoteRepo) GetTreeExpanded(ctx context.Context, sha1 string) (_ *Tree, err error) {
	defer mon.Task()(&ctx)(&err)
	content, err := repo.getEntry(ctx, "db/trees/"+sha1+"?expand=99999&format=minimal")
	if err != nil {
		return nil, err
	}
	return newTree(content, repo), nil
}

// Stat reports for each ref whether it exists in the repo.  Existing SHA-1s
// are recorded in the known sets.
func (repo *RemoteRepo) Stat(ctx context.Context, refs []Ref) (_ []StatResult, err error) {
	defer mon.Task()(&ctx)(&err)

	entries := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		entries = append(entries, ref.wire())
	}
	data, err := repo.session.client.PostJSON(ctx, repo.url+"/db/stat",
		map[string]interface{}{"entries": entries}, 200)
	if err != nil {
		return nil, err
	}
	rows, err := responseEntries(data)
	if err != nil {
		return nil, err
	}
	results := make([]StatResult, 0, len(rows))
	for _, row := range rows {
		res := StatResult{
			Type:   asString(row["type"]),
			SHA1:   asString(row["sha1"]),
			Status: asString(row["status"]),
		}
		if res.Status == "exists" {
			repo.addKnown(res.Type, res.SHA1)
		}
		results = append(results, res)
	}
	return results, nil
}

// PostBulk posts a batch of entry bodies and copy markers.  The server
// echoes one `{type, sha1}` per input in order; echoed SHA-1s are recorded
// in the known sets.  The total body size must stay within the server's
// request size limit; PostStream enforces that through its buffer.
func (repo *RemoteRepo) PostBulk(ctx context.Context, entries []interface{}) (_ []Ref, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := repo.session.client.PostJSON(ctx, repo.url+"/db/bulk",
		map[string]interface{}{"entries": entries}, 201)
	if err != nil {
		return nil, err
	}
	rows, err := responseEntries(data)
	if err != nil {
		return nil, err
	}
	refs := make([]Ref, 0, len(rows))
	for _, row := range rows {
		ref := Ref{Type: asString(row["type"]), SHA1: asString(row["sha1"])}
		repo.addKnown(ref.Type, ref.SHA1)
		refs = append(refs, ref)
	}
	return refs, nil
}

func responseEntries(data interface{}) ([]map[string]interface{}, error) {
	res, ok := data.(map[string]interface{})
	if !ok {
		return nil, Error.New("unexpected response format")
	}
	raw, ok := res["entries"].([]interface{})
	if !ok {
		return nil, Error.New("unexpected response format")
	}
	rows := make([]map[string]interface{}, 0, len(raw))
	for _, r := range raw {
		row, ok := r.(map[string]interface{})
		if !ok {
			return nil, Error.New("unexpected response format")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// CreatePostStream creates a publication stream for this repo.  The caller
// must Close it.
func (repo *RemoteRepo) CreatePostStream() *PostStream {
	return newPostStream(repo)
}

// PostTree posts a tree through a single-use stream and returns its SHA-1.
func (repo *RemoteRepo) PostTree(ctx context.Context, tree *Tree) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	stream := repo.CreatePostStream()
	sha1, err := stream.PostTree(ctx, tree)
	if err != nil {
		return "", err
	}
	if err := stream.Close(ctx); err != nil {
		return "", err
	}
	return sha1, nil
}

// PostObject posts an object through a single-use stream and returns its
// SHA-1.
func (repo *RemoteRepo) PostObject(ctx context.Context, obj *Object) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)
	stream := repo.CreatePostStream()
	sha1, err := stream.PostObject(ctx, obj)
	if err != nil {
		return "", err
	}
	if err := stream.Close(ctx); err != nil {
		return "", err
	}
	return sha1, nil
}

// CommitOptions are the optional commit fields.
type CommitOptions struct {
	Message string
	Meta    map[string]interface{}
}

// CommitTree posts the tree, creates a commit on top of parent, and
// advances branches/master by compare-and-swap against parent.
func (repo *RemoteRepo) CommitTree(ctx context.Context, subject string, tree *Tree, parent string, opts *CommitOptions) (*Commit, error) {
	return repo.commitTree(ctx, subject, tree, []string{parent}, "", opts)
}

// CommitTreeSHA1 is CommitTree for a tree that is already in the repo.
func (repo *RemoteRepo) CommitTreeSHA1(ctx context.Context, subject, treeSHA1, parent string, opts *CommitOptions) (_ *Commit, err error) {
	defer mon.Task()(&ctx)(&err)
	if !IsSHA1(treeSHA1) {
		return nil, ErrValidation.New("invalid tree sha1 %q", treeSHA1)
	}
	return repo.createCommit(ctx, subject, treeSHA1, []string{parent}, "", opts)
}

// CreateInitialCommit creates a parentless commit, guarding master against
// concurrent initialization with the all-zero old SHA-1.
func (repo *RemoteRepo) CreateInitialCommit(ctx context.Context, subject string, tree *Tree, opts *CommitOptions) (*Commit, error) {
	return repo.commitTree(ctx, subject, tree, nil, NullSHA1, opts)
}

func (repo *RemoteRepo) commitTree(ctx context.Context, subject string, tree *Tree, parents []string, oldCommit string, opts *CommitOptions) (_ *Commit, err error) {
	defer mon.Task()(&ctx)(&err)
	treeSHA1, err := repo.PostTree(ctx, tree)
	if err != nil {
		return nil, err
	}
	return repo.createCommit(ctx, subject, treeSHA1, parents, oldCommit, opts)
}

func (repo *RemoteRepo) createCommit(ctx context.Context, subject, treeSHA1 string, parents []string, oldCommit string, opts *CommitOptions) (*Commit, error) {
	if opts == nil {
		opts = &CommitOptions{}
	}
	meta := opts.Meta
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if oldCommit == "" {
		oldCommit = parents[0]
	}
	if parents == nil {
		parents = []string{}
	}
	ps := make([]interface{}, 0, len(parents))
	for _, p := range parents {
		ps = append(ps, p)
	}
	commitID, err := repo.PostCommitContent(ctx, map[string]interface{}{
		"subject": subject,
		"message": opts.Message,
		"tree":    treeSHA1,
		"parents": ps,
		"meta":    meta,
	})
	if err != nil {
		return nil, err
	}
	sha1, err := repo.UpdateRef(ctx, "branches/master", commitID, oldCommit)
	if err != nil {
		return nil, err
	}
	return repo.GetCommit(sha1), nil
}

// PostCommitContent posts a commit body and returns the new commit SHA-1.
// The server fills in authors and dates.
func (repo *RemoteRepo) PostCommitContent(ctx context.Context, content map[string]interface{}) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	data, err := repo.session.client.PostJSON(ctx,
		repo.url+"/db/commits?format=minimal", content, 201)
	if err != nil {
		return "", err
	}
	res, ok := data.(map[string]interface{})
	if !ok {
		return "", Error.New("unexpected commit response format")
	}
	return asString(res["_id"]), nil
}

// getCommitContent fetches a commit body, preferring the shared entry cache.
func (repo *RemoteRepo) getCommitContent(ctx context.Context, sha1 string) (map[string]interface{}, error) {
	return repo.getEntryContent(ctx, "commit", "db/commits/", sha1, 1)
}

// getTreeContent fetches a tree body.  Only tree idversion 0 exists.
func (repo *RemoteRepo) getTreeContent(ctx context.Context, sha1 string) (map[string]interface{}, error) {
	return repo.getEntryContent(ctx, "tree", "db/trees/", sha1, 0)
}

func (repo *RemoteRepo) getObjectContent(ctx context.Context, sha1 string) (map[string]interface{}, error) {
	return repo.getEntryContent(ctx, "object", "db/objects/", sha1, 1)
}

func (repo *RemoteRepo) getEntryContent(ctx context.Context, ty, pathPrefix, sha1 string, maxIDVersion int64) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)

	content, ok, err := repo.session.entryCache.Get(ctx, sha1)
	if err != nil {
		return nil, err
	}
	if ok {
		return content, nil
	}

	content, err = repo.getEntry(ctx, pathPrefix+sha1+"?format=minimal")
	if err != nil {
		if rest.StatusCode(err) == 404 {
			return nil, ErrNotFound.New("%s %s: %v", ty, sha1, err)
		}
		return nil, err
	}
	idv, ok := asInt(content["_idversion"])
	if !ok || idv < 0 || idv > maxIDVersion {
		return nil, ErrUnsupportedIDVersion.New(
			"unsupported %s idversion %v", ty, content["_idversion"])
	}
	if err := repo.handleErrata(content, ty); err != nil {
		return nil, err
	}
	if err := repo.session.entryCache.Add(ctx, sha1, content); err != nil {
		return nil, err
	}
	repo.addKnown(ty, sha1)
	return content, nil
}

func (repo *RemoteRepo) getEntry(ctx context.Context, path string) (map[string]interface{}, error) {
	data, err := repo.session.client.GetJSON(ctx, repo.url+"/"+path)
	if err != nil {
		return nil, err
	}
	content, ok := data.(map[string]interface{})
	if !ok {
		return nil, Error.New("unexpected entry response format")
	}
	return content, nil
}

// handleErrata applies the errata policy and strips the errata field, so
// that the main code paths and the cache are unaware of errata.
func (repo *RemoteRepo) handleErrata(content map[string]interface{}, ty string) error {
	errata, ok := content["errata"].([]interface{})
	if !ok || len(errata) == 0 {
		delete(content, "errata")
		return nil
	}
	delete(content, "errata")

	policy := repo.session.cfg.Errata
	if policy == ErrataIgnore {
		return nil
	}

	codes := make([]string, 0, len(errata))
	for _, era := range errata {
		if m, ok := era.(map[string]interface{}); ok {
			codes = append(codes, asString(m["code"]))
		}
	}
	id := asString(content["_id"])
	if policy == ErrataWarning {
		repo.session.log.Warn("Entry has been marked with errata.",
			zap.String("type", ty),
			zap.String("sha1", id),
			zap.Strings("codes", codes))
		return nil
	}
	return ErrErrata.New("%s %s has been marked with errata codes %s",
		ty, id, strings.Join(codes, ", "))
}

// PrefetchBlob fetches a blob into the blob cache unless present.
func (repo *RemoteRepo) PrefetchBlob(ctx context.Context, sha1 string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := repo.prefetchBlob(ctx, sha1); err != nil {
		return err
	}
	repo.addKnown("blob", sha1)
	return nil
}

// prefetchBlob may run concurrently for different SHA-1s.
func (repo *RemoteRepo) prefetchBlob(ctx context.Context, sha1 string) error {
	if repo.session.blobCache.Has(sha1) {
		return nil
	}
	repo.session.log.Info("Fetching blob.", zap.String("sha1", sha1))
	err := repo.session.blobCache.Fetch(ctx, sha1, func(ctx context.Context, w io.Writer) error {
		return repo.GetBlobContent(ctx, sha1, w)
	})
	if err != nil {
		return err
	}
	repo.session.log.Info("Fetching blob done.", zap.String("sha1", sha1))
	return nil
}

// PrefetchBlobs fetches blobs with bounded parallelism.
func (repo *RemoteRepo) PrefetchBlobs(ctx context.Context, sha1s []string) (err error) {
	defer mon.Task()(&ctx)(&err)

	uniq := make(map[string]struct{}, len(sha1s))
	for _, b := range sha1s {
		uniq[b] = struct{}{}
	}

	limiter := sync2.NewLimiter(S3Parallel)
	var mu sync.Mutex
	var group []error
	for b := range uniq {
		b := b
		started := limiter.Go(ctx, func() {
			if err := repo.prefetchBlob(ctx, b); err != nil {
				mu.Lock()
				group = append(group, err)
				mu.Unlock()
			}
		})
		if !started {
			limiter.Wait()
			return Error.Wrap(ctx.Err())
		}
	}
	limiter.Wait()
	if len(group) > 0 {
		return errs.Combine(group...)
	}
	for b := range uniq {
		repo.addKnown("blob", b)
	}
	return nil
}

// GetBlobContent streams a blob's bytes into w.
func (repo *RemoteRepo) GetBlobContent(ctx context.Context, sha1 string, w io.Writer) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := repo.session.client.GetStream(ctx,
		repo.url+"/db/blobs/"+sha1+"/content")
	if err != nil {
		if rest.StatusCode(err) == 404 {
			return ErrNotFound.New("blob %s: %v", sha1, err)
		}
		return err
	}
	defer func() { err = errs.Combine(err, Error.Wrap(body.Close())) }()
	if _, err := io.Copy(w, body); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// LinkBlob hard-links a blob from the cache to path, fetching it first.
func (repo *RemoteRepo) LinkBlob(ctx context.Context, sha1, path string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := repo.PrefetchBlob(ctx, sha1); err != nil {
		return err
	}
	return repo.session.blobCache.Link(sha1, path)
}

// CopyBlob copies a blob from the cache to path, fetching it first.
func (repo *RemoteRepo) CopyBlob(ctx context.Context, sha1, path string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := repo.PrefetchBlob(ctx, sha1); err != nil {
		return err
	}
	return repo.session.blobCache.Copy(sha1, path)
}

// OpenBlob returns a read-only handle on the cached blob, fetching it
// first.
func (repo *RemoteRepo) OpenBlob(ctx context.Context, sha1 string) (_ *os.File, err error) {
	defer mon.Task()(&ctx)(&err)
	if err := repo.PrefetchBlob(ctx, sha1); err != nil {
		return nil, err
	}
	return repo.session.blobCache.Open(sha1)
}

func (repo *RemoteRepo) addKnown(ty, sha1 string) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if ty == "blob" {
		repo.knownBlobs[sha1] = struct{}{}
	} else {
		repo.knownEntryIDs[sha1] = struct{}{}
	}
}

func (repo *RemoteRepo) hasEntry(sha1 string) bool {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	_, ok := repo.knownEntryIDs[sha1]
	return ok
}

func (repo *RemoteRepo) hasBlob(sha1 string) bool {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	_, ok := repo.knownBlobs[sha1]
	return ok
}
