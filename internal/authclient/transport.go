package authclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// transport is a context-aware HTTP client wrapper, kept nearly verbatim
// from the teacher's internal/upstream.Client: a configurable timeout and an
// allow-insecure-HTTP gate that defaults closed.
type transport struct {
	httpClient *http.Client
	allowHTTP  bool
	userAgent  string
}

func newTransport(timeout time.Duration, allowInsecureHTTP bool, userAgent string) *transport {
	httpTransport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	return &transport{
		httpClient: &http.Client{
			Transport: httpTransport,
			Timeout:   timeout,
		},
		allowHTTP: allowInsecureHTTP,
		userAgent: userAgent,
	}
}

func (c *transport) do(ctx context.Context, method, url string, body io.Reader, headers http.Header) (*http.Response, error) {
	if !c.allowHTTP && urlHasInsecureScheme(url) {
		return nil, errors.New("http virtinfo endpoint not allowed; set ALLOW_INSECURE_HTTP to permit")
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, vals := range headers {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("virtinfo request failed: %w", err)
	}
	return resp, nil
}

func urlHasInsecureScheme(u string) bool {
	return len(u) >= 7 && u[:7] == "http://"
}
