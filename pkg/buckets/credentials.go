// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package buckets

import (
	"fmt"
	"sync"

	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/nogproject/nog/pkg/vault"
)

// vaultCredentials implements credentials.Provider over the manager view.
// Retrieve reads the latest bucket config; IsExpired compares the view
// mtime, so a lease renewal invalidates cached credentials and the next
// request picks up the rotated keys.
type vaultCredentials struct {
	manager *vault.Manager
	cfgPath string
	signer  credentials.SignatureType

	mu    sync.Mutex
	mtime int64
}

func newVaultCredentials(manager *vault.Manager, idx int, signer credentials.SignatureType) *credentials.Credentials {
	return credentials.New(&vaultCredentials{
		manager: manager,
		cfgPath: fmt.Sprintf("buckets.%d", idx),
		signer:  signer,
	})
}

func (p *vaultCredentials) Retrieve() (credentials.Value, error) {
	view, mtime := p.manager.View()
	raw, err := vault.GetPath(view, p.cfgPath)
	if err != nil {
		return credentials.Value{}, Error.Wrap(err)
	}
	cfg, ok := raw.(map[string]interface{})
	if !ok {
		return credentials.Value{}, Error.New("malformed bucket config at %q", p.cfgPath)
	}
	access, _ := cfg["awsAccessKeyId"].(string)
	secret, _ := cfg["awsSecretAccessKey"].(string)
	token, _ := cfg["awsSessionToken"].(string)

	p.mu.Lock()
	p.mtime = mtime
	p.mu.Unlock()

	return credentials.Value{
		AccessKeyID:     access,
		SecretAccessKey: secret,
		SessionToken:    token,
		SignerType:      p.signer,
	}, nil
}

func (p *vaultCredentials) IsExpired() bool {
	_, mtime := p.manager.View()
	p.mu.Lock()
	defer p.mu.Unlock()
	return mtime != p.mtime
}
