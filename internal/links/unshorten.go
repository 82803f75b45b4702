// Package links resolves shortened links found in agreement messages.
package links

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
)

// ErrTooManyHops is returned when a redirect chain exceeds the hop limit.
var ErrTooManyHops = errors.New("links: too many redirects")

const (
	// DefaultMaxHops bounds a redirect chain.
	DefaultMaxHops = 5

	// DefaultTimeout bounds a single request when the context has no deadline.
	DefaultTimeout = 5 * time.Second
)

// HTTPUnshortener follows HTTP redirects to a link's final target.
type HTTPUnshortener struct {
	client  *fasthttp.Client
	maxHops int
	timeout time.Duration
}

// NewHTTPUnshortener creates an unshortener. Zero values use the defaults.
func NewHTTPUnshortener(maxHops int, timeout time.Duration) *HTTPUnshortener {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPUnshortener{
		client: &fasthttp.Client{
			Name:                     "covenant-unshortener",
			ReadTimeout:              timeout,
			WriteTimeout:             timeout,
			MaxResponseBodySize:      64 << 10,
		},
		maxHops: maxHops,
		timeout: timeout,
	}
}

// Unshorten issues HEAD requests along the redirect chain starting at link
// and returns the first url that does not redirect.
func (u *HTTPUnshortener) Unshorten(ctx context.Context, link string) (string, error) {
	current := link
	for hop := 0; hop <= u.maxHops; hop++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		next, redirected, err := u.step(ctx, current)
		if err != nil {
			return "", fmt.Errorf("unshorten %s: %w", current, err)
		}
		if !redirected {
			return current, nil
		}
		current = next
	}
	return "", fmt.Errorf("unshorten %s: %w", link, ErrTooManyHops)
}

// step requests url once and returns the redirect target if there is one.
func (u *HTTPUnshortener) step(ctx context.Context, url string) (string, bool, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(url)
	req.Header.SetMethod(fasthttp.MethodHead)
	resp.SkipBody = true

	deadline := time.Now().Add(u.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := u.client.DoDeadline(req, resp, deadline); err != nil {
		return "", false, err
	}

	if !fasthttp.StatusCodeIsRedirect(resp.StatusCode()) {
		return "", false, nil
	}
	location := strings.TrimSpace(string(resp.Header.Peek(fasthttp.HeaderLocation)))
	if location == "" {
		return "", false, nil
	}

	// Location may be relative to the url just requested.
	uri := fasthttp.AcquireURI()
	defer fasthttp.ReleaseURI(uri)
	req.URI().CopyTo(uri)
	uri.Update(location)
	return uri.String(), true, nil
}
