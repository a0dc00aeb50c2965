// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"
	"regexp"
	"time"
)

// rgxISOStringUTC matches the second-resolution Z format that idversion 0
// commit dates use.
var rgxISOStringUTC = regexp.MustCompile(
	`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}Z$`)

// Commit is an immutable history record: subject, message, tree, parents,
// authors, and dates.  Commits are created through CommitTree and fetched
// lazily; they are never staged through a PostStream.
type Commit struct {
	entry
}

// NewCommitFromContent creates a commit from a content record or a
// `{type, sha1}` reference.
func NewCommitFromContent(content map[string]interface{}, repo *RemoteRepo) *Commit {
	return newCommit(content, repo)
}

func newCommit(content map[string]interface{}, repo *RemoteRepo) *Commit {
	return &Commit{entry: newEntry("commit", content, repo)}
}

// IDVersion returns 0 if authorDate uses the restricted second-resolution Z
// format, else 1.
func (c *Commit) IDVersion(ctx context.Context) (int, error) {
	if err := c.ensureContent(ctx); err != nil {
		return 0, err
	}
	if rgxISOStringUTC.MatchString(asString(c.content["authorDate"])) {
		return 0, nil
	}
	return 1, nil
}

// Content returns the commit content.
func (c *Commit) Content(ctx context.Context) (map[string]interface{}, error) {
	if err := c.ensureContent(ctx); err != nil {
		return nil, err
	}
	return c.content, nil
}

// SHA1 returns the commit identity.
func (c *Commit) SHA1(ctx context.Context) (string, error) {
	return c.sha1OfContent(ctx, c.Content)
}

// Tree returns the commit's tree as a lazy entry.
func (c *Commit) Tree(ctx context.Context) (*Tree, error) {
	if err := c.ensureContent(ctx); err != nil {
		return nil, err
	}
	return newTree(map[string]interface{}{
		"type": "tree", "sha1": asString(c.content["tree"]),
	}, c.repo), nil
}

// Parents returns the parent commits as lazy entries.
func (c *Commit) Parents(ctx context.Context) ([]*Commit, error) {
	if err := c.ensureContent(ctx); err != nil {
		return nil, err
	}
	raw, _ := c.content["parents"].([]interface{})
	parents := make([]*Commit, 0, len(raw))
	for _, p := range raw {
		parents = append(parents, newCommit(map[string]interface{}{
			"type": "commit", "sha1": asString(p),
		}, c.repo))
	}
	return parents, nil
}

// Subject returns the commit subject.
func (c *Commit) Subject(ctx context.Context) (string, error) {
	return c.stringField(ctx, "subject")
}

// Message returns the commit message.
func (c *Commit) Message(ctx context.Context) (string, error) {
	return c.stringField(ctx, "message")
}

// Authors returns the author list.
func (c *Commit) Authors(ctx context.Context) ([]string, error) {
	if err := c.ensureContent(ctx); err != nil {
		return nil, err
	}
	raw, _ := c.content["authors"].([]interface{})
	authors := make([]string, 0, len(raw))
	for _, a := range raw {
		authors = append(authors, asString(a))
	}
	return authors, nil
}

// Committer returns the committer.
func (c *Commit) Committer(ctx context.Context) (string, error) {
	return c.stringField(ctx, "committer")
}

// AuthorDate returns the author date.
func (c *Commit) AuthorDate(ctx context.Context) (time.Time, error) {
	return c.dateField(ctx, "authorDate")
}

// CommitDate returns the commit date.
func (c *Commit) CommitDate(ctx context.Context) (time.Time, error) {
	return c.dateField(ctx, "commitDate")
}

func (c *Commit) stringField(ctx context.Context, key string) (string, error) {
	if err := c.ensureContent(ctx); err != nil {
		return "", err
	}
	return asString(c.content[key]), nil
}

func (c *Commit) dateField(ctx context.Context, key string) (time.Time, error) {
	if err := c.ensureContent(ctx); err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, asString(c.content[key]))
	if err != nil {
		return time.Time{}, ErrValidation.New("invalid %s: %v", key, err)
	}
	return t, nil
}

func (c *Commit) postToStream(ctx context.Context, stream *PostStream) (string, error) {
	return "", ErrValidation.New("commits cannot be posted through a stream")
}
