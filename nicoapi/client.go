// Package nicoapi talks to the broadcast web API: postkey and replay key
// lookups, owner comment submission, and broadcast resolution.
package nicoapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kabili207/nicolive-go/core"
	"github.com/kabili207/nicolive-go/metrics"
)

const (
	DefaultBaseURL = "https://live.nicovideo.jp"
	DefaultTimeout = 10 * time.Second

	// SessionCookie is the cookie carrying the logged-in account.
	SessionCookie = "user_session"

	breakerName     = "nicoapi"
	maxResponseSize = 64 << 10
)

var (
	// ErrEmptyKey is returned when a key endpoint answers without a value.
	ErrEmptyKey = errors.New("nicoapi: empty key in response")
	// ErrOwnerCommentRejected is returned when the server refuses an owner
	// comment.
	ErrOwnerCommentRejected = errors.New("nicoapi: owner comment rejected")
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Endpoint string
	Code     int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nicoapi: %s returned HTTP %d", e.Endpoint, e.Code)
}

// Config configures a Client.
type Config struct {
	// BaseURL defaults to DefaultBaseURL.
	BaseURL string
	// UserSession is sent as the user_session cookie when set.
	UserSession string

	// HTTPClient defaults to a client with a cookie jar and Timeout.
	HTTPClient *http.Client
	// Timeout applies to the default HTTP client. Default: 10s.
	Timeout time.Duration

	// BreakerFailures is the number of consecutive transport failures that
	// opens the circuit. Default: 5.
	BreakerFailures uint32
	// BreakerCooldown is how long the circuit stays open. Default: 30s.
	BreakerCooldown time.Duration

	Metrics *metrics.Collector
	Logger  *slog.Logger
}

// Client implements core.KeySource and core.OwnerPoster over HTTP.
type Client struct {
	base    *url.URL
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Collector
	log     *slog.Logger
}

var (
	_ core.KeySource   = (*Client)(nil)
	_ core.OwnerPoster = (*Client)(nil)
)

// New creates a Client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		hc = &http.Client{Jar: jar, Timeout: cfg.Timeout}
	}
	if cfg.UserSession != "" && hc.Jar == nil {
		return nil, errors.New("nicoapi: http client has no cookie jar")
	}

	c := &Client{
		base:    base,
		http:    hc,
		metrics: cfg.Metrics,
		log:     cfg.Logger.WithGroup("nicoapi"),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    breakerName,
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// Answers the server gave on purpose do not count against it.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrEmptyKey) || errors.Is(err, ErrOwnerCommentRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
			c.metrics.SetBreakerState(name, int(to))
		},
	})
	c.metrics.SetBreakerState(breakerName, int(gobreaker.StateClosed))
	if cfg.UserSession != "" {
		c.SetUserSession(cfg.UserSession)
	}
	return c, nil
}

// BreakerState returns the state of the circuit guarding the API.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// PostKey fetches the key authorizing posts to a block of thread.
func (c *Client) PostKey(ctx context.Context, thread, block int) (string, error) {
	q := url.Values{
		"thread":   {strconv.Itoa(thread)},
		"block_no": {strconv.Itoa(block)},
	}
	return c.fetchKey(ctx, "/api/getpostkey", q)
}

// WaybackKey fetches the key authorizing a historical replay of thread.
func (c *Client) WaybackKey(ctx context.Context, thread int) (string, error) {
	q := url.Values{"thread": {strconv.Itoa(thread)}}
	return c.fetchKey(ctx, "/api/getwaybackkey", q)
}

func (c *Client) fetchKey(ctx context.Context, path string, q url.Values) (string, error) {
	body, err := c.do(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return "", err
	}
	return parseKey(body)
}

// parseKey extracts the value of a "name=value" response.
func parseKey(body string) (string, error) {
	_, v, ok := strings.Cut(strings.TrimSpace(body), "=")
	if !ok || v == "" {
		return "", ErrEmptyKey
	}
	return v, nil
}

// PostOwnerComment submits an owner comment to broadcastID.
func (c *Client) PostOwnerComment(ctx context.Context, broadcastID, token string, oc core.OwnerComment) error {
	form := url.Values{
		"body":  {oc.Text},
		"mail":  {oc.Mail},
		"token": {token},
	}
	if oc.Name != "" {
		form.Set("name", oc.Name)
	}

	body, err := c.do(ctx, http.MethodPost, "/api/broadcast/"+NormalizeID(broadcastID), nil, form)
	if err == nil && !strings.Contains(body, "status=ok") {
		err = fmt.Errorf("%w: %s", ErrOwnerCommentRejected, strings.TrimSpace(body))
	}
	return err
}

// do performs one request through the circuit breaker and returns the
// response body.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, form url.Values) (string, error) {
	u := c.base.JoinPath(path)
	u.RawQuery = q.Encode()

	res, err := c.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
		if err != nil {
			return nil, err
		}
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Endpoint: path, Code: resp.StatusCode}
		}
		return string(data), nil
	})
	if err != nil {
		c.log.Debug("request failed", "method", method, "path", path, "error", err)
		return "", fmt.Errorf("%s %s: %w", method, path, err)
	}
	return res.(string), nil
}

// NormalizeID returns the broadcast id with its "lv" prefix.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if strings.HasPrefix(id, "lv") {
		return id
	}
	return "lv" + id
}
