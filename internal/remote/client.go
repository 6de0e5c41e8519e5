// Package remote is the HTTP adapter to the remote authority. Wire
// formats are normalized here, once, into the fixed payload structs;
// nothing past this package sees the server's field name variants.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperr "github.com/alexjbarnes/plantsync/internal/errors"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout bounds any request whose context has no deadline.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxResponseBytes = 8 * 1024 * 1024

	// IdempotencyHeader carries the record's client-generated key so a
	// retried upload is recognized by the server.
	IdempotencyHeader = "Idempotency-Key"
)

// StatusError is a non-2xx response. It unwraps to the taxonomy sentinel
// for its status class.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
	kind     error
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Endpoint, e.Status)
	}

	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.Status, e.Body)
}

func (e *StatusError) Unwrap() error { return e.kind }

// Client talks to the remote authority's REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL. If httpClient is nil, a
// client with a 30-second timeout and same-host redirect policy is used.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// Health sends the liveness probe and returns the status code. It never
// classifies the status; that is the connectivity monitor's call.
func (c *Client) Health(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/health", nil)
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, classifyTransportError("HEAD /health", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return resp.StatusCode, nil
}

// do sends req and returns the response body for 2xx responses. Every
// other outcome is mapped onto the error taxonomy.
func (c *Client) do(req *http.Request) ([]byte, error) {
	endpoint := req.Method + " " + req.URL.Path

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransportError(endpoint, fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	return nil, &StatusError{
		Endpoint: endpoint,
		Status:   resp.StatusCode,
		Body:     sanitizeResponseBody(body),
		kind:     statusKind(resp.StatusCode),
	}
}

// statusKind maps an HTTP status to the taxonomy. A 4xx means the
// payload itself is unacceptable, except for the two statuses that only
// say "not now".
func statusKind(code int) error {
	switch {
	case code == http.StatusRequestTimeout:
		return apperr.ErrTimeout
	case code == http.StatusTooManyRequests:
		return apperr.ErrRemoteServerError
	case code >= 400 && code < 500:
		return apperr.ErrRemoteRejected
	case code >= 500:
		return apperr.ErrRemoteServerError
	}

	// 1xx/3xx that made it past the client: unexpected, retry later.
	return apperr.ErrRemoteServerError
}

// classifyTransportError maps a failed round trip to ErrTimeout or
// ErrNetworkUnreachable, keeping the cause in the chain.
func classifyTransportError(endpoint string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%s: %w: %w", endpoint, apperr.ErrTimeout, err)
	}

	return fmt.Errorf("%s: %w: %w", endpoint, apperr.ErrNetworkUnreachable, err)
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
