// Package credentials supplies the CSRF token the origin expects on
// state-changing requests.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// DefaultCookieName is the cookie the origin stores its CSRF token in.
const DefaultCookieName = "csrftoken"

// DefaultBootstrapTimeout bounds the GET that primes the cookie jar.
const DefaultBootstrapTimeout = 5 * time.Second

// ErrNoToken is returned when no token can be obtained.
var ErrNoToken = errors.New("csrf token unavailable")

// Supplier returns the current credential token.
type Supplier interface {
	Token(ctx context.Context) (string, error)
}

// Static always returns the same token. An empty token yields ErrNoToken.
type Static string

// Token implements Supplier.
func (s Static) Token(context.Context) (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// CookieSupplier reads the token from the origin's CSRF cookie, priming
// the jar with a GET of the bootstrap path when the cookie is missing.
type CookieSupplier struct {
	client     *http.Client
	origin     *url.URL
	cookieName string
	bootstrap  string
	timeout    time.Duration

	mu sync.Mutex
}

// NewCookieSupplier creates a supplier for origin. client must carry a
// cookie jar shared with the proxy so page cookies are visible. timeout
// bounds the bootstrap request; zero means DefaultBootstrapTimeout.
func NewCookieSupplier(client *http.Client, origin, cookieName, bootstrapPath string, timeout time.Duration) (*CookieSupplier, error) {
	if client == nil || client.Jar == nil {
		return nil, errors.New("cookie supplier requires a client with a cookie jar")
	}
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if cookieName == "" {
		cookieName = DefaultCookieName
	}
	if bootstrapPath == "" {
		bootstrapPath = "/"
	}
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}
	return &CookieSupplier{
		client:     client,
		origin:     u,
		cookieName: cookieName,
		bootstrap:  bootstrapPath,
		timeout:    timeout,
	}, nil
}

// Token implements Supplier.
func (c *CookieSupplier) Token(ctx context.Context) (string, error) {
	if tok := c.fromJar(); tok != "" {
		return tok, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tok := c.fromJar(); tok != "" {
		return tok, nil
	}

	ref, err := url.Parse(c.bootstrap)
	if err != nil {
		return "", fmt.Errorf("parse bootstrap path: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.origin.ResolveReference(ref).String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: bootstrap request: %v", ErrNoToken, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if tok := c.fromJar(); tok != "" {
		return tok, nil
	}
	return "", ErrNoToken
}

func (c *CookieSupplier) fromJar() string {
	for _, ck := range c.client.Jar.Cookies(c.origin) {
		if ck.Name == c.cookieName {
			return ck.Value
		}
	}
	return ""
}
