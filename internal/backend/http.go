package backend

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

	"github.com/roach88/loopsync/internal/gesture"
	"github.com/roach88/loopsync/internal/transport"
)

// DefaultBaseURL is the loop service's REST root.
const DefaultBaseURL = "http://localhost:8000/api"

// DefaultTimeout bounds a request when the caller's context has no deadline.
const DefaultTimeout = 5 * time.Second

// maxErrorBody caps how much of an error response is kept for logging.
const maxErrorBody = 512

// Response shape errors.
var (
	ErrNoLoopID         = errors.New("create loop response has no id")
	ErrNoMetronomeState = errors.New("metronome response has no enabled field")
)

// StatusError is a non-2xx response from the loop service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.Path, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// HTTPClient is the REST client for the loop service.
//
// Thread-safety: HTTPClient is safe for concurrent use.
type HTTPClient struct {
	base string
	http *http.Client
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

// NewHTTPClient creates a client rooted at baseURL (for example
// "http://localhost:8000/api"). An empty baseURL uses DefaultBaseURL.
func NewHTTPClient(baseURL string, opts ...ClientOption) (*HTTPClient, error) {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url %q: scheme must be http or https", baseURL)
	}

	c := &HTTPClient{
		base: strings.TrimRight(baseURL, "/"),
		http: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the REST root.
func (c *HTTPClient) BaseURL() string {
	return c.base
}

// StartTransport sends both beatPerBar spellings: the service reads
// beats_per_bar while older builds read beatPerBar.
func (c *HTTPClient) StartTransport(ctx context.Context, cfg transport.Config) error {
	body := map[string]any{
		"bpm":           cfg.BPM,
		"bars":          cfg.Bars,
		"beatPerBar":    cfg.BeatPerBar,
		"beats_per_bar": cfg.BeatPerBar,
	}
	return c.do(ctx, http.MethodPost, "/loop/transport/start", body, nil)
}

func (c *HTTPClient) ToggleTransport(ctx context.Context, playing bool) error {
	return c.do(ctx, http.MethodPost, "/loop/transport/toggle", map[string]any{"playing": playing}, nil)
}

// CreateLoop returns the id the service assigned.
func (c *HTTPClient) CreateLoop(ctx context.Context, name string) (string, error) {
	body := map[string]any{}
	if name != "" {
		body["name"] = name
	}

	var resp struct {
		ID     string `json:"id"`
		LoopID string `json:"loopId"`
	}
	if err := c.do(ctx, http.MethodPost, "/loop", body, &resp); err != nil {
		return "", err
	}
	switch {
	case resp.ID != "":
		return resp.ID, nil
	case resp.LoopID != "":
		return resp.LoopID, nil
	default:
		return "", ErrNoLoopID
	}
}

func (c *HTTPClient) SelectLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/loop/select", map[string]any{"id": id}, nil)
}

func (c *HTTPClient) DeselectLoop(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/loop/deselect", nil, nil)
}

func (c *HTTPClient) DeleteLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/loop/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) ClearLoop(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/loop/"+url.PathEscape(id)+"/clear", nil, nil)
}

func (c *HTTPClient) ToggleLoopActive(ctx context.Context, id string, active bool) error {
	return c.do(ctx, http.MethodPost, "/loop/"+url.PathEscape(id)+"/toggle", map[string]any{"active": active}, nil)
}

func (c *HTTPClient) ToggleMetronome(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPost, "/loop/metronome/toggle", map[string]any{"enabled": enabled}, nil)
}

// MetronomeState reads whether the service's metronome is on. The
// service also reports whether its click sound loaded; that is ignored.
func (c *HTTPClient) MetronomeState(ctx context.Context) (bool, error) {
	var resp struct {
		Enabled *bool `json:"enabled"`
	}
	if err := c.do(ctx, http.MethodGet, "/loop/metronome", nil, &resp); err != nil {
		return false, err
	}
	if resp.Enabled == nil {
		return false, fmt.Errorf("GET /loop/metronome: %w", ErrNoMetronomeState)
	}
	return *resp.Enabled, nil
}

func (c *HTTPClient) AddTestEvent(ctx context.Context, ev gesture.TestEvent) error {
	return c.do(ctx, http.MethodPost, "/loop/test/add-event", ev, nil)
}

func (c *HTTPClient) ClearTestEvents(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/loop/test/clear-events", nil, nil)
}

// do sends one JSON request and decodes the response into out, if given.
func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method: method,
			Path:   path,
			Code:   resp.StatusCode,
			Body:   strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
