// Package webdav implements the WebDAV transfer client: GET/PUT moves
// file content, LOCK/UNLOCK manages exclusive write locks on remote
// resources. Transient failures are retried per request up to a fixed
// bound; credentials are resolved lazily on the first 401.
package webdav

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"

	"github.com/alexjbarnes/davsync/internal/creds"
)

// ErrNotFound marks a remote resource that does not exist.
var ErrNotFound = errors.New("remote resource not found")

const (
	// requestTimeout bounds a single HTTP request including retries of
	// the underlying transport.
	requestTimeout = 60 * time.Second

	// retryInterval is the fixed delay between transfer retries.
	retryInterval = 1 * time.Second

	// lockBody is the DAV lockinfo document requesting an exclusive
	// write lock.
	lockBody = `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:">
  <D:lockscope><D:exclusive/></D:lockscope>
  <D:locktype><D:write/></D:locktype>
  <D:owner><D:href>davsync</D:href></D:owner>
</D:lockinfo>`
)

// TransferError wraps a failed WebDAV operation with its verb, URL and
// HTTP status (0 when the request never got a response).
type TransferError struct {
	Op     string
	URL    string
	Status int
	Err    error
}

func (e *TransferError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s %s: %v (status %d)", e.Op, e.URL, e.Err, e.Status)
	}

	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// ResourceInfo is the remote state observed by a request: whether the
// resource exists and its ETag (Last-Modified timestamp when the server
// sends no ETag). The engine compares it against the recorded sync
// point to detect remote changes without transferring content.
type ResourceInfo struct {
	Exists       bool
	ETag         string
	LastModified string
}

// ChangeTag returns the value used for remote change detection.
func (ri ResourceInfo) ChangeTag() string {
	if ri.ETag != "" {
		return ri.ETag
	}

	return ri.LastModified
}

// CredentialSource supplies credentials when the server demands
// authentication.
type CredentialSource interface {
	Resolve(target string) (creds.Credentials, error)
}

// Client executes WebDAV verbs against absolute resource URLs.
type Client struct {
	http   *req.Client
	creds  CredentialSource
	logger *slog.Logger

	authMu  sync.Mutex
	authSet bool
}

// NewClient creates a transfer client retrying transient failures up to
// retries times per request. The credential source is consulted only
// when a request is rejected with 401.
func NewClient(retries int, source CredentialSource, logger *slog.Logger) *Client {
	httpClient := req.C().
		SetTimeout(requestTimeout).
		SetUserAgent("davsync").
		SetCommonRetryCount(retries).
		SetCommonRetryFixedInterval(retryInterval).
		SetCommonRetryCondition(func(resp *req.Response, err error) bool {
			return err != nil || resp.StatusCode >= http.StatusInternalServerError
		})

	return &Client{
		http:   httpClient,
		creds:  source,
		logger: logger,
	}
}

// send executes one request, transparently resolving credentials and
// repeating the request once when the server answers 401 for the first
// time. build configures the request before it is sent.
func (c *Client) send(ctx context.Context, op, method, url string, build func(r *req.Request) *req.Request) (*req.Response, error) {
	resp, err := build(c.http.R().SetContext(ctx)).Send(method, url)
	if err != nil {
		return nil, &TransferError{Op: op, URL: url, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		if authErr := c.ensureAuth(url); authErr != nil {
			return nil, &TransferError{Op: op, URL: url, Status: resp.StatusCode, Err: authErr}
		}

		resp, err = build(c.http.R().SetContext(ctx)).Send(method, url)
		if err != nil {
			return nil, &TransferError{Op: op, URL: url, Err: err}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return nil, &TransferError{Op: op, URL: url, Status: resp.StatusCode, Err: errors.New("authentication rejected")}
		}
	}

	return resp, nil
}

// ensureAuth resolves credentials once and attaches them to every
// subsequent request.
func (c *Client) ensureAuth(target string) error {
	c.authMu.Lock()
	defer c.authMu.Unlock()

	if c.authSet {
		return nil
	}

	cr, err := c.creds.Resolve(target)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}

	c.http.SetCommonBasicAuth(cr.Username, cr.Password)
	c.authSet = true

	return nil
}

func resourceInfo(resp *req.Response) ResourceInfo {
	return ResourceInfo{
		Exists:       true,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}
}

// Head probes the remote resource's current state without transferring
// content. A missing resource is not an error: Exists is false.
func (c *Client) Head(ctx context.Context, url string) (ResourceInfo, error) {
	resp, err := c.send(ctx, "HEAD", http.MethodHead, url, func(r *req.Request) *req.Request {
		return r
	})
	if err != nil {
		return ResourceInfo{}, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ResourceInfo{}, nil
	}

	if !resp.IsSuccessState() {
		return ResourceInfo{}, &TransferError{Op: "HEAD", URL: url, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	return resourceInfo(resp), nil
}

// Get downloads the resource into destPath. The caller owns the file's
// final placement; Get writes it with owner-only permissions.
func (c *Client) Get(ctx context.Context, url, destPath string, token string) (ResourceInfo, error) {
	resp, err := c.send(ctx, "GET", http.MethodGet, url, func(r *req.Request) *req.Request {
		return withToken(r, token)
	})
	if err != nil {
		return ResourceInfo{}, err
	}

	if resp.StatusCode == http.StatusNotFound {
		return ResourceInfo{}, &TransferError{Op: "GET", URL: url, Status: resp.StatusCode, Err: ErrNotFound}
	}

	if !resp.IsSuccessState() {
		return ResourceInfo{}, &TransferError{Op: "GET", URL: url, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	body, err := resp.ToBytes()
	if err != nil {
		return ResourceInfo{}, &TransferError{Op: "GET", URL: url, Err: err}
	}

	if err := os.WriteFile(destPath, body, 0o600); err != nil {
		return ResourceInfo{}, fmt.Errorf("writing %s: %w", destPath, err)
	}

	c.logger.Debug("downloaded",
		slog.String("url", url),
		slog.Int("bytes", len(body)),
	)

	return resourceInfo(resp), nil
}

// Put uploads the content of srcPath to the resource URL. The whole
// file is read into memory so transfer retries can resend the body.
func (c *Client) Put(ctx context.Context, url, srcPath string, token string) (ResourceInfo, error) {
	body, err := os.ReadFile(srcPath)
	if err != nil {
		return ResourceInfo{}, fmt.Errorf("reading %s: %w", srcPath, err)
	}

	resp, err := c.send(ctx, "PUT", http.MethodPut, url, func(r *req.Request) *req.Request {
		return withToken(r, token).
			SetContentType("application/octet-stream").
			SetBody(body)
	})
	if err != nil {
		return ResourceInfo{}, err
	}

	if !resp.IsSuccessState() {
		return ResourceInfo{}, &TransferError{Op: "PUT", URL: url, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	c.logger.Debug("uploaded",
		slog.String("url", url),
		slog.Int("bytes", len(body)),
	)

	info := resourceInfo(resp)
	if info.ChangeTag() == "" {
		// Some servers answer PUT without validators. Probe once so the
		// recorded sync point carries a usable change tag.
		if probed, err := c.Head(ctx, url); err == nil && probed.Exists {
			info = probed
		}
	}

	return info, nil
}

// lockResponse matches the lockdiscovery body of a successful LOCK.
type lockResponse struct {
	Tokens []string `xml:"lockdiscovery>activelock>locktoken>href"`
}

// Lock requests an exclusive write lock with the given timeout hint and
// returns the granted token. A 2xx response carrying no usable token is
// an error: writes without a token would not be protected.
func (c *Client) Lock(ctx context.Context, url string, timeout time.Duration) (string, error) {
	resp, err := c.send(ctx, "LOCK", "LOCK", url, func(r *req.Request) *req.Request {
		return r.
			SetContentType("application/xml; charset=utf-8").
			SetHeader("Timeout", fmt.Sprintf("Second-%d", int(timeout.Seconds()))).
			SetHeader("Depth", "0").
			SetBody(lockBody)
	})
	if err != nil {
		return "", err
	}

	if !resp.IsSuccessState() {
		return "", &TransferError{Op: "LOCK", URL: url, Status: resp.StatusCode, Err: errors.New("lock refused")}
	}

	if token := strings.Trim(resp.Header.Get("Lock-Token"), "<>"); token != "" {
		return token, nil
	}

	// Fall back to the response body's lockdiscovery.
	body, err := resp.ToBytes()
	if err == nil && len(body) > 0 {
		var lr lockResponse
		if xml.Unmarshal(body, &lr) == nil {
			for _, t := range lr.Tokens {
				if t != "" {
					return t, nil
				}
			}
		}
	}

	return "", &TransferError{Op: "LOCK", URL: url, Status: resp.StatusCode, Err: errors.New("server granted lock without a usable token")}
}

// Unlock releases the lock identified by token.
func (c *Client) Unlock(ctx context.Context, url, token string) error {
	resp, err := c.send(ctx, "UNLOCK", "UNLOCK", url, func(r *req.Request) *req.Request {
		return r.SetHeader("Lock-Token", "<"+token+">")
	})
	if err != nil {
		return err
	}

	if !resp.IsSuccessState() {
		return &TransferError{Op: "UNLOCK", URL: url, Status: resp.StatusCode, Err: errors.New("unexpected status")}
	}

	return nil
}

// withToken attaches the WebDAV If header binding the request to a held
// lock token.
func withToken(r *req.Request, token string) *req.Request {
	if token == "" {
		return r
	}

	return r.SetHeader("If", "(<"+token+">)")
}
