// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package rest implements the signed, retrying HTTP envelope for the nog API
// and for presigned S3 URLs.
package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/nogproject/nog/pkg/auth"
	"github.com/nogproject/nog/pkg/canonical"
)

var mon = monkit.Package()

var (
	// Error is the rest error class.
	Error = errs.Class("rest")
	// ErrTransport indicates a network failure or an unexpected HTTP status.
	ErrTransport = errs.Class("TRANSPORT")
)

// DefaultMaxRetries is the default transport retry count.
const DefaultMaxRetries = 5

// Timeouts per the API contract.  The API read timeout is kept below the
// server-side timeout, so that the server reports a timeout before the
// client retries with a fresh nonce.  S3 PUTs get a large timeout to
// survive slow links through reverse proxies.
const (
	dialTimeout  = 3 * time.Second
	apiTimeout   = 27 * time.Second
	putS3Timeout = 300 * time.Second
)

// Client is a signed HTTP client.  Every attempt of a request is signed
// anew, so retries carry fresh nonces.
type Client struct {
	log        *zap.Logger
	signer     *auth.Signer
	api        *http.Client
	s3         *http.Client
	maxRetries uint64
}

// NewClient creates a client.  maxRetries < 0 selects the default.
func NewClient(log *zap.Logger, signer *auth.Signer, maxRetries int) *Client {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &Client{
		log:    log,
		signer: signer,
		api: &http.Client{
			Timeout:   apiTimeout,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		s3: &http.Client{
			Timeout:   putS3Timeout,
			Transport: &http.Transport{DialContext: dialer.DialContext},
		},
		maxRetries: uint64(maxRetries),
	}
}

// GetJSON GETs a signed URL and returns the decoded `data` envelope member.
func (client *Client) GetJSON(ctx context.Context, url string) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	data, _, err := client.doJSON(ctx, "GET", url, nil, 200)
	return data, err
}

// PostJSON POSTs body as JSON to a signed URL and returns the decoded
// `data` member.  expect is the HTTP status that indicates success.
func (client *Client) PostJSON(ctx context.Context, url string, body interface{}, expect int) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	data, _, err := client.doJSON(ctx, "POST", url, body, expect)
	return data, err
}

// PostJSONStatus is PostJSON accepting several valid statuses; it reports
// which one the server returned.
func (client *Client) PostJSONStatus(ctx context.Context, url string, body interface{}, expect ...int) (_ interface{}, _ int, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.doJSON(ctx, "POST", url, body, expect...)
}

// PatchJSON PATCHes body as JSON to a signed URL.
func (client *Client) PatchJSON(ctx context.Context, url string, body interface{}) (_ interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	data, _, err := client.doJSON(ctx, "PATCH", url, body, 200)
	return data, err
}

// PatchJSONStatus is PatchJSON accepting several valid statuses.
func (client *Client) PatchJSONStatus(ctx context.Context, url string, body interface{}, expect ...int) (_ interface{}, _ int, err error) {
	defer mon.Task()(&ctx)(&err)
	return client.doJSON(ctx, "PATCH", url, body, expect...)
}

// GetStream GETs a signed URL and returns the raw response body.  The
// caller must close it.
func (client *Client) GetStream(ctx context.Context, url string) (_ io.ReadCloser, err error) {
	defer mon.Task()(&ctx)(&err)

	var body io.ReadCloser
	err = client.retry(ctx, func() error {
		signed, err := client.signer.Sign("GET", url)
		if err != nil {
			return backoff.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, "GET", signed, nil)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		// Streaming downloads must not be cut by the API read timeout.
		res, err := client.s3.Do(req)
		if err != nil {
			return ErrTransport.Wrap(err)
		}
		if res.StatusCode != 200 {
			defer func() { _ = res.Body.Close() }()
			raw, _ := io.ReadAll(res.Body)
			return backoff.Permanent(statusError("GET", url, res.StatusCode, raw, 200))
		}
		body = res.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

// PutPresigned PUTs data to a presigned S3 URL without signing and returns
// the response ETag header.
func (client *Client) PutPresigned(ctx context.Context, href string, data []byte) (etag string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = client.retry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, "PUT", href, bytes.NewReader(data))
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		req.ContentLength = int64(len(data))
		res, err := client.s3.Do(req)
		if err != nil {
			return ErrTransport.Wrap(err)
		}
		defer func() { _ = res.Body.Close() }()
		raw, _ := io.ReadAll(res.Body)
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return backoff.Permanent(statusError("PUT", href, res.StatusCode, raw, 200))
		}
		etag = res.Header.Get("ETag")
		return nil
	})
	return etag, err
}

func (client *Client) doJSON(ctx context.Context, method, url string, body interface{}, expect ...int) (data interface{}, status int, err error) {
	var encoded []byte
	if body != nil {
		encoded, err = canonical.Marshal(body)
		if err != nil {
			return nil, 0, err
		}
	}

	err = client.retry(ctx, func() error {
		signed, err := client.signer.Sign(method, url)
		if err != nil {
			return backoff.Permanent(err)
		}
		var reqBody io.Reader
		if encoded != nil {
			reqBody = bytes.NewReader(encoded)
		}
		req, err := http.NewRequestWithContext(ctx, method, signed, reqBody)
		if err != nil {
			return backoff.Permanent(Error.Wrap(err))
		}
		if encoded != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		res, err := client.api.Do(req)
		if err != nil {
			return ErrTransport.Wrap(err)
		}
		defer func() { _ = res.Body.Close() }()
		raw, readErr := io.ReadAll(res.Body)
		if readErr != nil {
			return ErrTransport.Wrap(readErr)
		}
		if !containsStatus(expect, res.StatusCode) {
			return backoff.Permanent(statusError(method, url, res.StatusCode, raw, expect...))
		}
		status = res.StatusCode
		data = nil
		if len(raw) > 0 {
			parsed, err := canonical.Unmarshal(raw)
			if err == nil {
				if env, ok := parsed.(map[string]interface{}); ok {
					if d, ok := env["data"]; ok {
						data = d
						return nil
					}
				}
				data = parsed
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return data, status, nil
}

// retry runs op with exponential backoff.  Only transport errors retry;
// everything wrapped in backoff.Permanent is surfaced immediately.
func (client *Client) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), client.maxRetries),
		ctx,
	)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !isPermanent(err) {
			client.log.Warn("Retrying request after transport error.",
				zap.Error(err))
		}
		return err
	}, policy)
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func containsStatus(expect []int, status int) bool {
	for _, e := range expect {
		if e == status {
			return true
		}
	}
	return false
}

// StatusError reports an unexpected HTTP status.  Detail carries the
// response JSON pretty-printed when the body parses.
type StatusError struct {
	Method   string
	URL      string
	Expected []int
	Got      int
	Detail   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code for %s %s: expected %v, got %d%s",
		e.Method, e.URL, e.Expected, e.Got, e.Detail)
}

// StatusCode returns the HTTP status carried by err, or 0 if err does not
// wrap a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Got
	}
	return 0
}

// statusError builds a TRANSPORT error around a StatusError.
func statusError(method, url string, got int, raw []byte, expect ...int) error {
	detail := ""
	if parsed, err := canonical.Unmarshal(raw); err == nil {
		if pretty, err := canonical.MarshalPretty(parsed); err == nil {
			detail = "\nResponse JSON: " + string(pretty)
		}
	}
	return ErrTransport.Wrap(&StatusError{
		Method:   method,
		URL:      url,
		Expected: expect,
		Got:      got,
		Detail:   detail,
	})
}
