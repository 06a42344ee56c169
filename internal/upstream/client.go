// Package upstream provides the HTTP client for a protected downstream
// dependency. The client performs one outbound call per invocation and
// returns a fully buffered Response so the call gate can classify the
// outcome; transport failures surface as errors.
package upstream

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tjnuccio/CircuitBreaker/internal/apierror"
	"github.com/tjnuccio/CircuitBreaker/internal/config"
)

// maxResponseBytes caps how much of an upstream response is buffered.
// Responses are buffered in full so the gate sees a complete result.
const maxResponseBytes = 10 << 20 // 10 MiB

// Response is the buffered result of one upstream call.
type Response struct {
	Status  int
	Header  http.Header
	Body    []byte
	Latency time.Duration
}

// Fallback builds the fixed service-unavailable response returned whenever
// a call gate rejects or fails over a request. Built once per gate.
func Fallback() *Response {
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: http.Header{"Content-Type": []string{"application/json"}},
		Body:   apierror.ServiceUnavailableBody,
	}
}

// Client issues calls to a single upstream dependency.
type Client struct {
	name string
	cfg  config.UpstreamConfig
	base *url.URL
	http *http.Client
}

// NewClient creates a Client for the given upstream. The per-upstream
// timeout is enforced on the whole call, including reading the body.
func NewClient(cfg config.UpstreamConfig) (*Client, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream %q: parsing url: %w", cfg.Name, err)
	}
	return &Client{
		name: cfg.Name,
		cfg:  cfg,
		base: base,
		http: &http.Client{Timeout: cfg.Timeout()},
	}, nil
}

// Name returns the upstream name.
func (c *Client) Name() string { return c.name }

// Addr returns the host:port of the upstream, for reachability checks.
func (c *Client) Addr() string {
	host := c.base.Host
	if c.base.Port() == "" {
		if c.base.Scheme == "https" {
			return host + ":443"
		}
		return host + ":80"
	}
	return host
}

// Forward replays the incoming request against the upstream and buffers the
// response. The request context carries through, so client disconnects
// cancel the outbound call.
func (c *Client) Forward(r *http.Request) (*Response, error) {
	start := time.Now()

	target := *c.base
	target.Path = joinPath(c.base.Path, c.rewritePath(r.URL.Path))
	target.RawQuery = r.URL.RawQuery

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: building request: %w", c.name, err)
	}
	copyHeader(req.Header, r.Header)
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("upstream %s: reading response: %w", c.name, err)
	}
	if len(body) > maxResponseBytes {
		return nil, fmt.Errorf("upstream %s: response exceeds %d bytes", c.name, maxResponseBytes)
	}

	return &Response{
		Status:  resp.StatusCode,
		Header:  resp.Header.Clone(),
		Body:    body,
		Latency: time.Since(start),
	}, nil
}

// rewritePath strips the configured prefix when strip_prefix is set.
func (c *Client) rewritePath(path string) string {
	if !c.cfg.StripPrefix {
		return path
	}
	stripped := strings.TrimPrefix(path, c.cfg.PathPrefix)
	if stripped == "" {
		return "/"
	}
	return stripped
}

func joinPath(base, path string) string {
	switch {
	case base == "" || base == "/":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}

func copyHeader(dst, src http.Header) {
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
}
