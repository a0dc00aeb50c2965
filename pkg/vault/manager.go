// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package vault

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nogproject/nog/internal/sync2"
	"github.com/nogproject/nog/pkg/canonical"
)

var mon = monkit.Package()

// Renewal parameters.  Leases are refreshed 30 minutes before they expire;
// a renewal that leaves less than 45 minutes falls back to a fresh read.
// One tick per minute keeps retries slow after Vault errors; if renewal
// repeatedly fails, there are around 30 retries before the lease expires.
const (
	TickInterval     = time.Minute
	refreshBefore    = 30 * time.Minute
	minRenewedLife   = 45 * time.Minute
	defaultTokenPath = "~/.vault-token"
)

type target struct {
	dest   map[string]interface{}
	keymap map[string]string
}

type lease struct {
	secret  *Secret
	targets []target
}

// Manager maintains a config map with secrets leased from Vault.
//
// Declare managed keys with LeaseTo, then drive renewal with Run.  Read
// the current secrets through View, never through the original config map;
// the view is republished atomically, so readers cannot observe a torn
// access-key/secret pair.  Close revokes the leases; call it right before
// exiting.
//
// Two mutexes: readMu is tiny and guards the view swap; leaseMu guards the
// lease table and intentionally wraps the network-bound renew and revoke
// calls to serialize them with shutdown.
type Manager struct {
	log       *zap.Logger
	client    Client
	tokenPath string

	readMu    sync.Mutex
	readCfg   map[string]interface{}
	lastMtime int64

	leaseMu   sync.Mutex
	cfg       map[string]interface{}
	leases    map[string]*lease
	order     []string
	forceRead bool
	leaving   bool

	cycle *sync2.Cycle

	now func() time.Time
}

// NewManager creates a manager owning cfg.  tokenPath is the local auth
// token file; empty selects ~/.vault-token.  The token is loaded into the
// client on the first tick.
func NewManager(log *zap.Logger, client Client, cfg map[string]interface{}, tokenPath string) *Manager {
	if tokenPath == "" {
		tokenPath = defaultTokenPath
	}
	m := &Manager{
		log:       log,
		client:    client,
		tokenPath: tokenPath,
		cfg:       cfg,
		leases:    make(map[string]*lease),
		now:       time.Now,
	}
	m.updateReadView()
	return m
}

// View returns the current config snapshot and its mtime.  The mtime
// strictly advances on every republication; compare it to detect renewals.
// Callers must not modify the snapshot.
func (m *Manager) View() (map[string]interface{}, int64) {
	m.readMu.Lock()
	defer m.readMu.Unlock()
	return m.readCfg, m.lastMtime
}

// GetPath resolves a dot path in the current view.
func (m *Manager) GetPath(path string) (interface{}, error) {
	view, _ := m.View()
	return GetPath(view, path)
}

func (m *Manager) updateReadView() {
	mtime := m.now().UnixNano()
	m.readMu.Lock()
	defer m.readMu.Unlock()
	if mtime <= m.lastMtime {
		mtime = m.lastMtime + 1
	}
	m.lastMtime = mtime
	m.cfg["mtime"] = mtime
	m.readCfg = canonical.DeepCopyMap(m.cfg)
}

// LeaseTo declares that the secret at path manages keys of dest.  A
// `vault:` prefix on path is stripped.  Previously read paths are reused
// to minimize the number of Vault reads.  The keymap copies secret fields
// into dest under new names; a missing or empty source deletes the
// destination key.
func (m *Manager) LeaseTo(path string, dest map[string]interface{}, keymap map[string]string) error {
	if strings.HasPrefix(path, "vault:") {
		path = strings.SplitN(path, ":", 2)[1]
	}

	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	l, ok := m.leases[path]
	if !ok {
		secret, err := m.readSecret(path)
		if err != nil {
			return err
		}
		l = &lease{secret: secret}
		m.leases[path] = l
		m.order = append(m.order, path)
		m.log.Info("Read Vault secret.", zap.String("path", path))
	}
	t := target{dest: dest, keymap: keymap}
	l.targets = append(l.targets, t)
	applyKeymap(l.secret, t)
	m.updateReadView()
	return nil
}

func applyKeymap(secret *Secret, t target) {
	for src, dst := range t.keymap {
		v := secret.Data[src]
		if v == nil || v == "" {
			delete(t.dest, dst)
		} else {
			t.dest[dst] = v
		}
	}
}

// readSecret reads a secret and records the read time.  STS lease ids are
// forced non-renewable regardless of the server claim; STS tokens cannot
// actually be renewed.
func (m *Manager) readSecret(path string) (*Secret, error) {
	secret, err := m.client.Read(path)
	if err != nil {
		return nil, err
	}
	secret.ReadTime = m.now()
	if strings.Contains(secret.LeaseID, "/sts/") {
		secret.Renewable = false
	}
	return secret, nil
}

// LoadToken reads the local auth token into the client.  Call it before
// declaring the first lease; later token replacement is handled by Tick.
func (m *Manager) LoadToken() error {
	_, err := m.replaceToken()
	return err
}

// replaceToken rereads the local auth token.  A separate background task
// may have replaced it; the old token's leases are about to die with it.
func (m *Manager) replaceToken() (bool, error) {
	path, err := homedir.Expand(m.tokenPath)
	if err != nil {
		return false, Error.Wrap(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return false, Error.Wrap(err)
	}
	token := strings.TrimSpace(string(raw))
	if token == m.client.Token() {
		return false, nil
	}
	m.client.SetToken(token)
	m.log.Info("Replaced Vault token.")
	return true, nil
}

// Tick refreshes leases that expire within 30 minutes.  A token
// replacement forces a reread of all leases; a forced read is retried on
// following ticks until every lease has been updated.  A failed reread
// keeps the stale secret and is retried on the next tick.
func (m *Manager) Tick(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	changed, err := m.replaceToken()
	if err != nil {
		m.log.Warn("Failed to reread Vault token.", zap.Error(err))
	}
	m.forceRead = m.forceRead || changed

	incomplete := false
	for _, path := range m.order {
		l := m.leases[path]
		now := m.now()

		if !m.forceRead {
			expires := l.secret.ReadTime.Add(l.secret.LeaseDuration)
			if expires.Add(-refreshBefore).After(now) {
				continue
			}
		}

		updated, leaving := m.refreshLease(path, l, now)
		if leaving {
			return nil
		}
		if !updated {
			// A forced read is retried on the next tick until every
			// lease has been updated with the replaced token.
			incomplete = incomplete || m.forceRead
			continue
		}
		for _, t := range l.targets {
			applyKeymap(l.secret, t)
		}
		m.updateReadView()
	}

	if m.forceRead && !incomplete {
		m.log.Info("Completed rereading leases with replaced Vault token.")
	}
	m.forceRead = incomplete
	return nil
}

func (m *Manager) refreshLease(path string, l *lease, now time.Time) (updated, leaving bool) {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	if m.leaving {
		return false, true
	}

	shouldRead := false
	switch {
	case m.forceRead:
	case l.secret.Renewable:
		leaseID := l.secret.LeaseID
		renewed, err := m.client.Renew(leaseID)
		if err != nil {
			m.log.Warn("Failed to renew Vault lease; falling back to reread.",
				zap.String("leaseID", leaseID), zap.Error(err))
			shouldRead = true
			break
		}
		renewed.ReadTime = now
		if strings.Contains(renewed.LeaseID, "/sts/") {
			renewed.Renewable = false
		}
		l.secret = renewed
		m.log.Info("Renewed Vault lease.", zap.String("leaseID", leaseID))
		if renewed.ReadTime.Add(renewed.LeaseDuration).Before(now.Add(minRenewedLife)) {
			m.log.Warn("Renewed Vault lease has a short duration; " +
				"falling back to reread.")
			shouldRead = true
		}
	default:
		shouldRead = true
	}

	if m.forceRead || shouldRead {
		secret, err := m.readSecret(path)
		if err != nil {
			m.log.Error("Failed to reread Vault secret.",
				zap.String("path", path), zap.Error(err))
			return false, false
		}
		l.secret = secret
		m.log.Info("Reread Vault secret.", zap.String("path", path))
	}
	return true, false
}

// Run drives ticks at a fixed interval until ctx is cancelled.  With no
// declared leases there is nothing to renew and Run returns immediately.
func (m *Manager) Run(ctx context.Context) error {
	m.leaseMu.Lock()
	n := len(m.leases)
	if n == 0 {
		m.leaseMu.Unlock()
		m.log.Info("Disabled Vault renewal: no leases.")
		return nil
	}
	m.cycle = sync2.NewCycle(TickInterval)
	m.leaseMu.Unlock()
	m.log.Info("Started background Vault lease renewal.")
	return m.cycle.Run(ctx, m.Tick)
}

// Close marks the manager as leaving, which blocks further renewal, and
// revokes every lease.
func (m *Manager) Close() error {
	m.leaseMu.Lock()
	defer m.leaseMu.Unlock()
	m.leaving = true
	var group []error
	for _, path := range m.order {
		leaseID := m.leases[path].secret.LeaseID
		if leaseID == "" {
			continue
		}
		if err := m.client.Revoke(leaseID); err != nil {
			group = append(group, err)
			continue
		}
		m.log.Info("Revoked Vault lease.", zap.String("leaseID", leaseID))
	}
	return Error.Wrap(errs.Combine(group...))
}
