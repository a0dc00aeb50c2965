// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package buckets wires the runtime dependencies of the daemons: a MongoDB
// connection and one S3 client per configured bucket.
//
// The configuration is a JSON map owned by a vault.Manager.  S3 clients
// read their credentials through the manager view on every request, so
// background lease renewal works for long-running copy operations.
package buckets

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	mgo "gopkg.in/mgo.v2"

	"github.com/nogproject/nog/pkg/canonical"
	"github.com/nogproject/nog/pkg/vault"
)

// Error is the buckets error class.
var Error = errs.Class("buckets")

// NewVaultConfig creates a vault manager owning cfg and declares the
// leases that the config references: a `vault:`-prefixed nogMongoUrl is
// leased into the top-level map, and each bucket's keyVault is leased
// into the bucket map as AWS credentials.
func NewVaultConfig(log *zap.Logger, client vault.Client, cfg map[string]interface{}, tokenPath string) (*vault.Manager, error) {
	m := vault.NewManager(log, client, cfg, tokenPath)
	if err := m.LoadToken(); err != nil {
		return nil, err
	}

	if u, ok := cfg["nogMongoUrl"].(string); ok && strings.HasPrefix(u, "vault:") {
		err := m.LeaseTo(u, cfg, map[string]string{"url": "nogMongoUrl"})
		if err != nil {
			return nil, err
		}
	}

	bs, _ := cfg["buckets"].([]interface{})
	for _, b := range bs {
		bCfg, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		keyVault, _ := bCfg["keyVault"].(string)
		if keyVault == "" {
			continue
		}
		err := m.LeaseTo(keyVault, bCfg, map[string]string{
			"access_key":     "awsAccessKeyId",
			"secret_key":     "awsSecretAccessKey",
			"security_token": "awsSessionToken",
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// Context bundles the runtime dependencies of a daemon.
type Context struct {
	// DaemonID identifies the application instance.  It is used as an
	// `_id` in the MongoDB `daemons` collection.
	DaemonID string
	// Session is the MongoDB connection; DB is its default database.
	Session *mgo.Session
	DB      *mgo.Database
	// S3Clients has one client per configured bucket, keyed by name.
	S3Clients map[string]*minio.Client
	// SourceBuckets are replication sources, DesiredBuckets the
	// replication targets, and ReadBuckets the data sources for
	// computing checksums.
	SourceBuckets  []string
	ReadBuckets    []string
	DesiredBuckets []string

	log *zap.Logger
}

// NewContext instantiates the dependencies from the manager's current
// view.  required lists otherwise optional keys whose presence is
// checked.
//
// Supported bucket configs:
//
//   - AWS eu-central-1: set awsRegion=eu-central-1 to use v4 signatures.
//   - AWS other: set awsRegion=... to use the AWS endpoint with host
//     addressing and v2 signatures.
//   - Ceph S3: set endpointUrl=... to use a non-AWS endpoint with path
//     addressing; signatureVersion selects v2 (default) or v4.
func NewContext(log *zap.Logger, manager *vault.Manager, required []string) (*Context, error) {
	view, _ := manager.View()
	for _, rq := range required {
		if _, ok := view[rq]; !ok {
			return nil, Error.New("missing config key %q", rq)
		}
	}

	daemonID, ok := view["daemonId"].(string)
	if !ok {
		return nil, Error.New("missing config key \"daemonId\"")
	}

	session, db, err := dialMongo(view)
	if err != nil {
		return nil, err
	}

	clients := make(map[string]*minio.Client)
	bs, _ := view["buckets"].([]interface{})
	for idx, b := range bs {
		bCfg, ok := b.(map[string]interface{})
		if !ok {
			session.Close()
			return nil, Error.New("malformed bucket config at index %d", idx)
		}
		name, _ := bCfg["name"].(string)
		if name == "" {
			session.Close()
			return nil, Error.New("missing bucket name at index %d", idx)
		}
		client, err := newBucketClient(manager, idx, bCfg)
		if err != nil {
			session.Close()
			return nil, Error.New("bucket %q: %v", name, err)
		}
		clients[name] = client
	}

	return &Context{
		DaemonID:       daemonID,
		Session:        session,
		DB:             db,
		S3Clients:      clients,
		SourceBuckets:  stringList(view["sourceBuckets"]),
		ReadBuckets:    stringList(view["readBuckets"]),
		DesiredBuckets: stringList(view["desiredBuckets"]),
		log:            log,
	}, nil
}

// Close closes the MongoDB connection.
func (c *Context) Close() {
	c.Session.Close()
}

// CheckBucketAccess verifies access to every configured bucket.
func (c *Context) CheckBucketAccess(ctx context.Context) error {
	for name, client := range c.S3Clients {
		c.log.Info("Begin checking bucket access.", zap.String("bucket", name))
		ok, err := client.BucketExists(ctx, name)
		if err != nil {
			return Error.New("bucket %q: %v", name, err)
		}
		if !ok {
			return Error.New("bucket %q does not exist", name)
		}
		c.log.Info("Checked bucket access.", zap.String("bucket", name))
	}
	return nil
}

func dialMongo(view map[string]interface{}) (*mgo.Session, *mgo.Database, error) {
	mongoURL, ok := view["nogMongoUrl"].(string)
	if !ok || mongoURL == "" {
		return nil, nil, Error.New("missing config key \"nogMongoUrl\"")
	}
	info, err := mgo.ParseURL(mongoURL)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}

	ca, _ := view["nogMongoCa"].(string)
	cert, _ := view["nogMongoCert"].(string)
	if ca != "" || cert != "" {
		tlsCfg := &tls.Config{}
		if ca != "" {
			pem, err := os.ReadFile(ca)
			if err != nil {
				return nil, nil, Error.Wrap(err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, nil, Error.New("no CA certificates in %q", ca)
			}
			tlsCfg.RootCAs = pool
		}
		if cert != "" {
			pair, err := tls.LoadX509KeyPair(cert, cert)
			if err != nil {
				return nil, nil, Error.Wrap(err)
			}
			tlsCfg.Certificates = []tls.Certificate{pair}
		}
		info.DialServer = func(addr *mgo.ServerAddr) (net.Conn, error) {
			return tls.Dial("tcp", addr.String(), tlsCfg)
		}
	}

	session, err := mgo.DialWithInfo(info)
	if err != nil {
		return nil, nil, Error.Wrap(err)
	}
	return session, session.DB(""), nil
}

func newBucketClient(manager *vault.Manager, idx int, bCfg map[string]interface{}) (*minio.Client, error) {
	opts := &minio.Options{}
	endpoint := ""

	awsRegion, _ := bCfg["awsRegion"].(string)
	if awsRegion != "" {
		endpoint = "s3.amazonaws.com"
		opts.Secure = true
		opts.Region = awsRegion
		opts.BucketLookup = minio.BucketLookupDNS
		if awsRegion == "eu-central-1" {
			opts.Creds = newVaultCredentials(manager, idx, credentials.SignatureV4)
		} else {
			opts.Creds = newVaultCredentials(manager, idx, credentials.SignatureV2)
		}
	} else {
		endpointURL, _ := bCfg["endpointUrl"].(string)
		if endpointURL == "" {
			return nil, Error.New("need either awsRegion or endpointUrl")
		}
		u, err := url.Parse(endpointURL)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		endpoint = u.Host
		opts.Secure = u.Scheme == "https"
		opts.BucketLookup = minio.BucketLookupPath
		// Use old v2 signatures if unspecified to work with Ceph S3.
		sigV, _ := bCfg["signatureVersion"].(string)
		switch sigV {
		case "", "v2":
			opts.Creds = newVaultCredentials(manager, idx, credentials.SignatureV2)
		case "v4":
			opts.Creds = newVaultCredentials(manager, idx, credentials.SignatureV4)
		default:
			return nil, Error.New("invalid signatureVersion %q; must be v2 or v4", sigV)
		}
	}

	client, err := minio.New(endpoint, opts)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return client, nil
}

func stringList(v interface{}) []string {
	list, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

var secretWhitelist = map[string]bool{
	"awsAccessKeyId":        true,
	"awsRegion":             true,
	"buckets":               true,
	"daemonId":              true,
	"endpointUrl":           true,
	"keyVault":              true,
	"loglevel":              true,
	"multiPartDefaultsAlgo": true,
	"name":                  true,
	"nogMongoCa":            true,
	"nogMongoCert":          true,
	"readBuckets":           true,
	"resetCutoff":           true,
	"signatureVersion":      true,
	"sourceBuckets":         true,
	"vaultAddr":             true,
	"vaultCacert":           true,
}

// CopyWithoutSecrets returns a copy of cfg with every value masked unless
// its key is on a whitelist of known non-secrets.  Use it to log the
// startup configuration.
func CopyWithoutSecrets(cfg interface{}) interface{} {
	switch v := cfg.(type) {
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = CopyWithoutSecrets(item)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			if secretWhitelist[k] {
				out[k] = CopyWithoutSecrets(item)
			} else {
				out[k] = "**********"
			}
		}
		return out
	default:
		return cfg
	}
}

// ConfigString renders a masked config as JSON for logging.
func ConfigString(cfg map[string]interface{}) string {
	raw, err := canonical.MarshalPretty(CopyWithoutSecrets(cfg))
	if err != nil {
		return fmt.Sprintf("%v", CopyWithoutSecrets(cfg))
	}
	return string(raw)
}
