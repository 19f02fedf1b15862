// Package restapi is the HTTP client for the marketplace's read-only REST
// collaborators. Requests are retried on transport errors and 5xx responses.
package restapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryMax = 3
	DefaultTimeout  = 15 * time.Second

	maxErrorBody = 4 << 10
)

var ErrMissingBaseURL = errors.New("restapi: base url is required")

type ClientOptions struct {
	BaseURL  string
	Token    string
	RetryMax int
	Timeout  time.Duration

	// RetryWaitMin and RetryWaitMax bound the wait between attempts. Zero
	// keeps the retryablehttp defaults.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func (e *StatusError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

type Client struct {
	base  *url.URL
	token string
	http  *retryablehttp.Client
	log   zerolog.Logger
}

func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("restapi: unsupported base url scheme %q", base.Scheme)
	}
	if opts.RetryMax < 0 {
		opts.RetryMax = 0
	} else if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	logger := log.With().Str("component", "restapi").Str("base_url", base.String()).Logger()

	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.RetryMax
	rc.HTTPClient.Timeout = opts.Timeout
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	rc.Logger = leveledLogger{log: logger}
	// hand the last response back so callers see the real status
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{base: base, token: opts.Token, http: rc, log: logger}, nil
}

// URL resolves a path against the base url. Path segments are expected to be
// escaped already.
func (c *Client) URL(path string) string {
	return c.base.String() + "/" + strings.TrimLeft(path, "/")
}

// GetJSON issues a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	target := c.URL(path)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "GET %s", target)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{
			Method:     http.MethodGet,
			URL:        target,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "decode %s", target)
	}
	return nil
}

// leveledLogger routes retryablehttp's logging through zerolog. Retry chatter
// is kept at debug.
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.event(l.log.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.event(l.log.Debug(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.event(l.log.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.event(l.log.Trace(), msg, kv) }

func (l leveledLogger) event(e *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		switch v := kv[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case *http.Request:
			e = e.Str(key, v.Method+" "+v.URL.String())
		default:
			e = e.Interface(key, v)
		}
	}
	e.Msg(msg)
}
