// Package boundedhttp wraps net/http.Client with a counting-semaphore
// permit pool so a caller can never have more than N requests in flight
// against one upstream at a time, regardless of how many goroutines want
// to call it. Unlike the pool http.Transport keeps internally, the
// permit is acquired before the request starts and held for its full
// duration (including reading the body), so it genuinely bounds
// concurrency rather than just idle-connection reuse.
package boundedhttp

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// connectTimeout bounds dial+TLS handshake time; it is not the same as
// the per-request read timeout, which callers configure separately.
const connectTimeout = 20 * time.Second

// Options configures a Client.
type Options struct {
	// Concurrency is the permit pool size; must be >= 1.
	Concurrency int
	// UnixSocket, if set, routes every request over this socket instead
	// of dialing the request URL's host directly.
	UnixSocket string
	// ReadTimeout bounds the whole round trip. Zero means unbounded.
	ReadTimeout time.Duration
	// UserAgent, if set, is attached to every outgoing request.
	UserAgent string
}

// Client is a permit-gated *http.Client. The zero value is not usable;
// construct with New.
type Client struct {
	http      *http.Client
	permits   chan struct{}
	userAgent string
}

// New builds a Client from Options.
func New(opt Options) *Client {
	if opt.Concurrency < 1 {
		opt.Concurrency = 1
	}

	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		TLSHandshakeTimeout: connectTimeout,
		TLSClientConfig:     &tls.Config{},
	}
	if opt.UnixSocket != "" {
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", opt.UnixSocket)
		}
	} else {
		transport.DialContext = dialer.DialContext
	}

	return &Client{
		http: &http.Client{
			Transport: transport,
			Timeout:   opt.ReadTimeout,
		},
		permits:   make(chan struct{}, opt.Concurrency),
		userAgent: opt.UserAgent,
	}
}

// Acquire blocks until a permit is free or ctx is done, then returns a
// Borrowed handle bound to that permit. The caller must call Release
// exactly once.
func (c *Client) Acquire(ctx context.Context) (*Borrowed, error) {
	select {
	case c.permits <- struct{}{}:
		return &Borrowed{client: c}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Borrowed holds one concurrency permit against a Client. It is not
// safe for concurrent use from multiple goroutines.
type Borrowed struct {
	client *Client
}

// Release returns the permit to the pool. Safe to call at most once.
func (b *Borrowed) Release() {
	<-b.client.permits
}

// Do performs req, attaching the configured User-Agent if one is set.
func (b *Borrowed) Do(req *http.Request) (*http.Response, error) {
	if b.client.userAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", b.client.userAgent)
	}
	return b.client.http.Do(req)
}
