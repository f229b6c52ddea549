package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/taskmirror/taskmirror/internal/errors"
	"github.com/taskmirror/taskmirror/internal/models"
	"github.com/taskmirror/taskmirror/internal/registry"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the taskmirror REST API. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the bearer token
// from leaking to third-party domains.
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

// NewClient creates an API client for the given base URL and session
// token. If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	s := strings.ToValidUTF8(string(body), "�")

	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || !utf8.ValidRune(r) {
			return ' '
		}

		return r
	}, s)
}

// do executes one API request and decodes a JSON response into out.
// Network failures and non-2xx statuses come back wrapped as
// TransportError, except version/precondition rejections which come back
// as ConflictError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	var reqBody io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}

		reqBody = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("%w: %s %s: %w", apperrors.ErrAPIRequest, method, path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransportError{Err: fmt.Errorf("reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return errNotModified

	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		return &ConflictError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("%s %s: server rejected mutation: %s", method, path, sanitizeResponseBody(data)),
		}

	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return &TransportError{
			Err: fmt.Errorf("%w: %s %s: status %d: %s", apperrors.ErrAPIResponse, method, path, resp.StatusCode, sanitizeResponseBody(data)),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return &TransportError{Err: fmt.Errorf("%w: decoding body: %w", apperrors.ErrAPIResponse, err)}
	}

	return nil
}

// errNotModified is internal to the fetch path: the server signalled
// "nothing changed for you" with a 304.
var errNotModified = errors.New("not modified")

// fetchPayload is the wire shape of a full collection read.
type fetchPayload[E any] struct {
	Items   []E            `json:"items"`
	Version models.Version `json:"version"`
}

// mutatePayload is the wire shape of a mutation response. Entity is
// omitted for deletes.
type mutatePayload[E any] struct {
	Entity  E              `json:"entity"`
	Version models.Version `json:"version"`
}

// CollectionClient implements Transport for one collection over the REST
// API.
type CollectionClient[E models.Entity] struct {
	c    *Client
	path string
}

// Collection binds a Client to one collection endpoint.
func Collection[E models.Entity](c *Client, col models.Collection) *CollectionClient[E] {
	return &CollectionClient[E]{c: c, path: "/v1/" + string(col)}
}

// Fetch reads the full collection, passing the last-seen version so the
// server can short-circuit with 304 when nothing changed.
func (cc *CollectionClient[E]) Fetch(ctx context.Context, since models.Version) (FetchResult[E], error) {
	query := url.Values{}
	if since != "" {
		query.Set("version", string(since))
	}

	var payload fetchPayload[E]

	err := cc.c.do(ctx, http.MethodGet, cc.path, query, nil, &payload)
	if errors.Is(err, errNotModified) {
		return FetchResult[E]{Unchanged: true}, nil
	}

	if err != nil {
		return FetchResult[E]{}, err
	}

	return FetchResult[E]{Items: payload.Items, Version: payload.Version}, nil
}

// Mutate sends one write and returns the canonical post-mutation entity
// plus the new version token.
func (cc *CollectionClient[E]) Mutate(ctx context.Context, m Mutation[E]) (MutateResult[E], error) {
	var (
		method string
		path   = cc.path
		body   any
	)

	switch m.Kind {
	case registry.OpAdd:
		method = http.MethodPost
		body = m.Entity

	case registry.OpUpdate:
		method = http.MethodPut
		path += "/" + url.PathEscape(m.ID)
		body = m.Entity

	case registry.OpDelete:
		method = http.MethodDelete
		path += "/" + url.PathEscape(m.ID)

	case registry.OpPatch:
		method = http.MethodPatch
		path += "/" + url.PathEscape(m.ID)
		body = m.Patch

	default:
		return MutateResult[E]{}, fmt.Errorf("unknown mutation kind %q", m.Kind)
	}

	var payload mutatePayload[E]
	if err := cc.c.do(ctx, method, path, nil, body, &payload); err != nil {
		return MutateResult[E]{}, err
	}

	return MutateResult[E]{Entity: payload.Entity, Version: payload.Version}, nil
}
