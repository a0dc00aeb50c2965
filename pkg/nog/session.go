// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package nog

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/nogproject/nog/pkg/auth"
	"github.com/nogproject/nog/pkg/cache"
	"github.com/nogproject/nog/pkg/rest"
)

// ErrataPolicy controls how errata on retrieved entries are handled.
type ErrataPolicy string

// Errata policies.
const (
	ErrataError   ErrataPolicy = "error"
	ErrataWarning ErrataPolicy = "warning"
	ErrataIgnore  ErrataPolicy = "ignore"
)

// Config configures a Session.
type Config struct {
	// APIURL is the base API URL without the version suffix.
	APIURL string
	// Username completes short repo names as `username/name`.
	Username string
	// Credentials sign every API request.
	Credentials auth.Credentials
	// CachePath is the root of the on-disk caches.
	CachePath string
	// MaxRetries bounds transport retries; < 0 selects the default.
	MaxRetries int
	// Errata is the errata policy; empty means error.
	Errata ErrataPolicy
	// PostBufferSize and PostBufferSizeLimit control stream batching;
	// zero selects the defaults.
	PostBufferSize      int
	PostBufferSizeLimit int
}

// ConfigFromEnv builds a config from NOG_API_URL, NOG_USERNAME, NOG_KEYID,
// NOG_SECRETKEY, NOG_CACHE_PATH, NOG_MAX_RETRIES, and NOG_ERRATA.
func ConfigFromEnv() (Config, error) {
	creds, err := auth.CredentialsFromEnv()
	if err != nil {
		return Config{}, err
	}
	cachePath := os.Getenv("NOG_CACHE_PATH")
	if cachePath == "" {
		return Config{}, Error.New(
			"failed to get cache path from environment variable NOG_CACHE_PATH")
	}
	maxRetries := -1
	if v := os.Getenv("NOG_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, ErrValidation.New("invalid NOG_MAX_RETRIES: %v", err)
		}
		maxRetries = n
	}
	return Config{
		APIURL:      os.Getenv("NOG_API_URL"),
		Username:    os.Getenv("NOG_USERNAME"),
		Credentials: creds,
		CachePath:   cachePath,
		MaxRetries:  maxRetries,
		Errata:      ErrataPolicy(os.Getenv("NOG_ERRATA")),
	}, nil
}

// Session bundles the signed client and the process-wide caches.  Repos
// opened through one session share both caches.
type Session struct {
	log    *zap.Logger
	cfg    Config
	client *rest.Client

	entryCache *cache.EntryCache
	blobCache  *cache.BlobCache
}

// NewSession creates a session.  The cache directories are created below
// cfg.CachePath.
func NewSession(log *zap.Logger, cfg Config) (*Session, error) {
	if cfg.APIURL == "" {
		cfg.APIURL = "http://localhost:3000/api"
	}
	if cfg.Errata == "" {
		cfg.Errata = ErrataError
	}
	switch cfg.Errata {
	case ErrataError, ErrataWarning, ErrataIgnore:
	default:
		return nil, ErrValidation.New("invalid errata policy %q", cfg.Errata)
	}
	if cfg.CachePath == "" {
		return nil, Error.New("missing cache path")
	}
	if cfg.PostBufferSize == 0 {
		cfg.PostBufferSize = DefaultPostBufferSize
	}
	if cfg.PostBufferSizeLimit == 0 {
		cfg.PostBufferSizeLimit = DefaultPostBufferSizeLimit
	}

	entryCache, err := cache.NewEntryCache(log, filepath.Join(cfg.CachePath, "entries"))
	if err != nil {
		return nil, err
	}
	blobCache, err := cache.NewBlobCache(log, filepath.Join(cfg.CachePath, "blobs"))
	if err != nil {
		return nil, err
	}

	signer := auth.NewSigner(cfg.Credentials)
	return &Session{
		log:        log,
		cfg:        cfg,
		client:     rest.NewClient(log, signer, cfg.MaxRetries),
		entryCache: entryCache,
		blobCache:  blobCache,
	}, nil
}

func (session *Session) apiV1() string {
	return session.cfg.APIURL + "/v1"
}

// OpenRepo opens an existing repository, validating that it has a master
// branch.
func (session *Session) OpenRepo(ctx context.Context, name string) (_ *RemoteRepo, err error) {
	defer mon.Task()(&ctx)(&err)

	name, err = session.completeRepoName(name)
	if err != nil {
		return nil, err
	}
	repo := newRemoteRepo(session, session.apiV1()+"/repos/"+name)
	if _, err := repo.GetMaster(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

// CreateRepo creates a repository and adds an initial commit with an empty
// tree.
func (session *Session) CreateRepo(ctx context.Context, name string) (_ *RemoteRepo, err error) {
	defer mon.Task()(&ctx)(&err)

	name, err = session.completeRepoName(name)
	if err != nil {
		return nil, err
	}
	_, err = session.client.PostJSON(ctx, session.apiV1()+"/repos",
		map[string]interface{}{"repoFullName": name}, 201)
	if err != nil {
		return nil, err
	}

	repo, err := session.OpenRepo(ctx, name)
	if err != nil {
		return nil, err
	}
	if _, err := repo.CreateInitialCommit(ctx, "Initial commit", NewTree(), nil); err != nil {
		return nil, err
	}
	return repo, nil
}

func (session *Session) completeRepoName(name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	if session.cfg.Username == "" {
		return "", ErrValidation.New(
			"failed to construct repo name: name %q looks like a short name, "+
				"which requires a username to construct a full name", name)
	}
	return session.cfg.Username + "/" + name, nil
}

// PostJobStatus reports a job status change, optionally with a reason.
func (session *Session) PostJobStatus(ctx context.Context, jobID, retryID, status, reason string) (err error) {
	defer mon.Task()(&ctx)(&err)
	content := map[string]interface{}{
		"retryId": retryID,
		"status":  status,
	}
	if reason != "" {
		content["reason"] = reason
	}
	_, err = session.client.PostJSON(ctx,
		session.apiV1()+"/jobs/"+jobID+"/status", content, 200)
	return err
}

// PostJobProgress reports job progress.
func (session *Session) PostJobProgress(ctx context.Context, jobID, retryID string, completed, total int) (err error) {
	defer mon.Task()(&ctx)(&err)
	content := map[string]interface{}{
		"retryId": retryID,
		"progress": map[string]interface{}{
			"completed": completed,
			"total":     total,
		},
	}
	_, err = session.client.PostJSON(ctx,
		session.apiV1()+"/jobs/"+jobID+"/progress", content, 200)
	return err
}

// PostJobLog appends a job log message, optionally with a level.
func (session *Session) PostJobLog(ctx context.Context, jobID, retryID, message, level string) (err error) {
	defer mon.Task()(&ctx)(&err)
	content := map[string]interface{}{
		"retryId": retryID,
		"message": message,
	}
	if level != "" {
		content["level"] = level
	}
	_, err = session.client.PostJSON(ctx,
		session.apiV1()+"/jobs/"+jobID+"/log", content, 200)
	return err
}
