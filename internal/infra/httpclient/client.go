package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChaseRain/pptwizard/internal/infra/auth"
	"github.com/ChaseRain/pptwizard/internal/infra/logger"
	"github.com/ChaseRain/pptwizard/pkg/errors"
)

const (
	DefaultTimeout    = 180 * time.Second
	DefaultMaxRetries = 2
	DefaultBackoff    = 2000 * time.Millisecond
)

// Options bound a single Execute call.
type Options struct {
	// Timeout covers all attempts, the backoff between them and reading the
	// response body.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// Backoff is the fixed wait between attempts.
	Backoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:    DefaultTimeout,
		MaxRetries: DefaultMaxRetries,
		Backoff:    DefaultBackoff,
	}
}

type Client struct {
	client      *http.Client
	credentials auth.Credentials
	// authHost limits the bearer token to one host when scoped is set.
	authHost    string
	scoped      bool
	defaults    Options
	logger      *logger.Logger
}

// New builds a client. A nil httpClient uses a client without its own
// timeout, since Options.Timeout governs every call.
func New(httpClient *http.Client, creds auth.Credentials, defaults Options, log *logger.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if creds == nil {
		creds = auth.None{}
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Client{
		client:      httpClient,
		credentials: creds,
		defaults:    defaults,
		logger:      log,
	}
}

// ScopedTo returns a copy of c that only sends credentials to the host of
// baseURL. Other hosts, such as file links handed out by the backend, get
// anonymous requests. An unparsable baseURL disables credentials entirely.
func (c *Client) ScopedTo(baseURL string) *Client {
	scoped := *c
	scoped.scoped = true
	scoped.authHost = ""
	if u, err := url.Parse(baseURL); err == nil {
		scoped.authHost = u.Host
	}
	return &scoped
}

func (c *Client) authorizes(u *url.URL) bool {
	if !c.scoped {
		return true
	}
	return c.authHost != "" && strings.EqualFold(u.Host, c.authHost)
}

// NewRequest returns a cancellable request slot bound to c.
func (c *Client) NewRequest() *Request {
	return &Request{client: c}
}

// GetJSON performs a one-off GET and decodes the JSON response into out.
func (c *Client) GetJSON(ctx context.Context, url string, out interface{}, opts Options) error {
	return c.NewRequest().GetJSON(ctx, url, out, opts)
}

func (r *Request) GetJSON(ctx context.Context, url string, out interface{}, opts Options) error {
	resp, err := r.Execute(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, opts)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// PostJSON marshals in, posts it and decodes the JSON response into out.
// A nil out discards the response body.
func (r *Request) PostJSON(ctx context.Context, url string, in, out interface{}, opts Options) error {
	bodyBytes, err := json.Marshal(in)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal request")
	}
	resp, err := r.Execute(ctx, JSONBody(http.MethodPost, url, bodyBytes), opts)
	if err != nil {
		return err
	}
	return decodeJSON(resp, out)
}

// JSONBody builds a request with a fresh reader over body on every attempt.
func JSONBody(method, url string, body []byte) BuildFunc {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func decodeJSON(resp *Response, out interface{}) error {
	defer resp.Body.Close()
	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.CodeOf(err) != errors.ErrCodeInternal {
			return err
		}
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to decode response")
	}
	return nil
}

// httpError reads a rejected response. The body is parsed opportunistically
// for a structured message.
func httpError(resp *http.Response) *errors.AppError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	return errors.HTTP(resp.StatusCode, errorMessage(body))
}

func errorMessage(body []byte) string {
	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	for _, key := range []string{"detail", "message", "error"} {
		switch v := payload[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]interface{}:
			if msg, ok := v["message"].(string); ok && msg != "" {
				return msg
			}
		}
	}
	return ""
}
