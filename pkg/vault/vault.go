// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package vault manages a config map whose secrets are leased from Vault.
//
// A Manager owns a mutable config and publishes an immutable read view.
// Keys that Vault manages are declared with LeaseTo; a background renewal
// cycle keeps the leases alive and republishes the view whenever a secret
// changes, so dependents can detect the change through the view mtime and
// reestablish connections.
package vault

import (
	"strconv"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"
	"github.com/zeebo/errs"
)

// Error is the vault error class.
var Error = errs.Class("vault")

// Secret is a secret read or renewed from Vault.
type Secret struct {
	LeaseID       string
	LeaseDuration time.Duration
	Renewable     bool
	Data          map[string]interface{}
	// ReadTime is when the secret was read or renewed.
	ReadTime time.Time
}

// Client is the part of the Vault API that the manager uses.
type Client interface {
	Read(path string) (*Secret, error)
	Renew(leaseID string) (*Secret, error)
	Revoke(leaseID string) error
	SetToken(token string)
	Token() string
}

// Config configures the API client.
type Config struct {
	Addr string
	// CACert is an optional CA certificate file for TLS.
	CACert string
}

type apiClient struct {
	client *vaultapi.Client
}

// NewClient creates a Vault API client.  The caller sets the token, usually
// through Manager token handling.
func NewClient(cfg Config) (Client, error) {
	apiCfg := vaultapi.DefaultConfig()
	apiCfg.Address = cfg.Addr
	if cfg.CACert != "" {
		err := apiCfg.ConfigureTLS(&vaultapi.TLSConfig{CACert: cfg.CACert})
		if err != nil {
			return nil, Error.Wrap(err)
		}
	}
	client, err := vaultapi.NewClient(apiCfg)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &apiClient{client: client}, nil
}

func (c *apiClient) Read(path string) (*Secret, error) {
	res, err := c.client.Logical().Read(path)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if res == nil {
		return nil, Error.New("no secret at %q", path)
	}
	return newSecret(res), nil
}

func (c *apiClient) Renew(leaseID string) (*Secret, error) {
	res, err := c.client.Sys().Renew(leaseID, 0)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if res == nil {
		return nil, Error.New("empty renew response for lease %q", leaseID)
	}
	return newSecret(res), nil
}

func (c *apiClient) Revoke(leaseID string) error {
	return Error.Wrap(c.client.Sys().Revoke(leaseID))
}

func (c *apiClient) SetToken(token string) { c.client.SetToken(token) }
func (c *apiClient) Token() string         { return c.client.Token() }

func newSecret(res *vaultapi.Secret) *Secret {
	return &Secret{
		LeaseID:       res.LeaseID,
		LeaseDuration: time.Duration(res.LeaseDuration) * time.Second,
		Renewable:     res.Renewable,
		Data:          res.Data,
	}
}

// GetPath returns the value at a dot-separated path into nested maps and
// lists.  A path part that parses as an integer indexes a list.
func GetPath(data interface{}, path string) (interface{}, error) {
	for _, p := range strings.Split(path, ".") {
		if list, ok := data.([]interface{}); ok {
			idx, err := strconv.Atoi(p)
			if err != nil {
				return nil, Error.New("expected list index at %q", p)
			}
			if idx < 0 || idx >= len(list) {
				return nil, Error.New("list index %d out of range", idx)
			}
			data = list[idx]
			continue
		}
		m, ok := data.(map[string]interface{})
		if !ok {
			return nil, Error.New("cannot descend into %T at %q", data, p)
		}
		v, ok := m[p]
		if !ok {
			return nil, Error.New("missing key %q", p)
		}
		data = v
	}
	return data, nil
}
