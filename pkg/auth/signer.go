// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package auth implements the nog-v1 query-string request signature.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/zeebo/errs"
)

var (
	// Error is the auth error class.
	Error = errs.Class("auth")
	// ErrAuthMissing indicates absent credentials.
	ErrAuthMissing = errs.Class("AUTH_MISSING")
)

// DefaultExpires is the signature lifetime in seconds.
const DefaultExpires = 600

// Credentials are the shared key that signs API requests.
type Credentials struct {
	KeyID  string
	Secret string
}

// CredentialsFromEnv reads NOG_KEYID and NOG_SECRETKEY.
func CredentialsFromEnv() (Credentials, error) {
	keyid := os.Getenv("NOG_KEYID")
	secret := os.Getenv("NOG_SECRETKEY")
	if keyid == "" || secret == "" {
		return Credentials{}, ErrAuthMissing.New(
			"NOG_KEYID and NOG_SECRETKEY must be set")
	}
	return Credentials{KeyID: keyid, Secret: secret}, nil
}

// Signer appends nog-v1 auth parameters to request URLs.
type Signer struct {
	creds   Credentials
	expires int

	// overridable for tests
	now   func() time.Time
	nonce func() (string, error)
}

// NewSigner creates a signer for the credentials.
func NewSigner(creds Credentials) *Signer {
	return &Signer{
		creds:   creds,
		expires: DefaultExpires,
		now:     time.Now,
		nonce:   randomNonce,
	}
}

// Sign returns rawurl with the five auth parameters and the signature
// appended.  Every call uses a fresh nonce, so closely spaced retries of the
// same request produce distinct signatures.
func (signer *Signer) Sign(method, rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", Error.Wrap(err)
	}

	nonce, err := signer.nonce()
	if err != nil {
		return "", Error.Wrap(err)
	}
	authdate := signer.now().UTC().Format("2006-01-02T150405Z")

	// The path and query are signed verbatim, without re-encoding.
	var path, suffix string
	if u.RawQuery == "" {
		path = u.EscapedPath()
		suffix = "?"
	} else {
		path = u.EscapedPath() + "?" + u.RawQuery
		suffix = "&"
	}
	suffix += "authalgorithm=nog-v1"
	suffix += "&authkeyid=" + signer.creds.KeyID
	suffix += "&authdate=" + authdate
	suffix += "&authexpires=" + strconv.Itoa(signer.expires)
	suffix += "&authnonce=" + nonce

	mac := hmac.New(sha256.New, []byte(signer.creds.Secret))
	mac.Write([]byte(method + "\n" + path + suffix + "\n"))
	sig := hex.EncodeToString(mac.Sum(nil))

	return rawurl + suffix + "&authsignature=" + sig, nil
}

// randomNonce returns 40 random bits as hex.
func randomNonce() (string, error) {
	var b [5]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
