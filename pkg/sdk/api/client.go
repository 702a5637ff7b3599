package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/internal/metrics"
	"github.com/betbot/gotasty/pkg/config"
	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/ratelimit"
	sdkhttp "github.com/betbot/gotasty/pkg/sdk/http"
)

// REST endpoints.
const (
	EndpointSessions         = "/sessions"
	EndpointSessionsValidate = "/sessions/validate"
	EndpointAccounts         = "/customers/me/accounts"
	EndpointStreamerTokens   = "/quote-streamer-tokens"
)

func accountPath(account, suffix string) string {
	return "/accounts/" + url.PathEscape(account) + suffix
}

// TokenSource supplies the session token sent in the Authorization header.
type TokenSource interface {
	Token() string
}

// Query filters order and transaction listings. Zero fields are omitted.
type Query struct {
	Symbol     string
	StartDate  time.Time
	EndDate    time.Time
	PerPage    int
	PageOffset int
}

func (q Query) params() map[string]any {
	p := map[string]any{}
	if q.Symbol != "" {
		p["symbol"] = q.Symbol
	}
	if !q.StartDate.IsZero() {
		p["start-date"] = q.StartDate.Format(time.DateOnly)
	}
	if !q.EndDate.IsZero() {
		p["end-date"] = q.EndDate.Format(time.DateOnly)
	}
	if q.PerPage > 0 {
		p["per-page"] = q.PerPage
	}
	if q.PageOffset > 0 {
		p["page-offset"] = q.PageOffset
	}
	return p
}

type options struct {
	http sdkhttp.Options
}

type Option func(*options)

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.http.Timeout = d }
}

func WithRetry(count int, wait time.Duration) Option {
	return func(o *options) {
		o.http.RetryCount = count
		o.http.RetryWait = wait
	}
}

// WithRateLimit paces requests to perSecond; zero disables pacing.
func WithRateLimit(perSecond int) Option {
	return func(o *options) { o.http.Limiter = ratelimit.PerSecond(perSecond) }
}

func WithUserAgent(ua string) Option {
	return func(o *options) { o.http.UserAgent = ua }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.http.Log = l }
}

// Client is the typed surface of the brokerage REST API. Every method returns
// the response envelope; err is non-nil only for transport or decoding
// failures, so callers inspect Envelope.Err for remote rejections.
type Client struct {
	http *sdkhttp.Client
	host string
	log  *logrus.Entry
}

func NewClient(baseURL string, opts ...Option) *Client {
	o := options{http: sdkhttp.Options{
		RetryCount:   3,
		OnRequest:    metrics.ObserveRequest,
		OnStatusCode: metrics.ObserveStatus,
	}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.http.Log == nil {
		o.http.Log = logger.New("api")
	}
	host := baseURL
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
	}
	return &Client{
		http: sdkhttp.NewClient(baseURL, o.http),
		host: host,
		log:  o.http.Log,
	}
}

// FromConfig builds a client from the api section of the configuration.
func FromConfig(cfg config.APIConfig, opts ...Option) *Client {
	base := []Option{
		WithTimeout(cfg.Timeout),
		WithRetry(cfg.RetryCount, cfg.RetryWait),
		WithRateLimit(cfg.RateLimitPerSecond),
		WithUserAgent(cfg.UserAgent),
	}
	return NewClient(cfg.BaseURL, append(base, opts...)...)
}

// BaseURL returns the configured API base URL.
func (c *Client) BaseURL() string {
	return c.http.Host()
}

func (c *Client) call(ctx context.Context, method, endpoint string, opt *sdkhttp.RequestOptions) (*Envelope, error) {
	resp, err := c.http.DoRequest(ctx, method, endpoint, opt)
	if err != nil {
		return nil, err
	}
	content, err := decodeContent(resp.Body())
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s (status %d)", method, endpoint, resp.StatusCode())
	}
	return &Envelope{
		Status: Status{
			Code:   resp.StatusCode(),
			Reason: reasonFor(resp.StatusCode(), content),
			Host:   c.host,
		},
		Content: content,
	}, nil
}

func authed(token string) *sdkhttp.RequestOptions {
	return &sdkhttp.RequestOptions{Token: token}
}

// SessionStart logs in; a successful login answers 201 with data.session-token.
func (c *Client) SessionStart(ctx context.Context, username, password string) (*Envelope, error) {
	return c.call(ctx, http.MethodPost, EndpointSessions, &sdkhttp.RequestOptions{
		Data: map[string]any{
			"login":       username,
			"password":    password,
			"remember-me": false,
		},
	})
}

// SessionValidate checks a token; a valid token answers 201.
func (c *Client) SessionValidate(ctx context.Context, token string) (*Envelope, error) {
	return c.call(ctx, http.MethodPost, EndpointSessionsValidate, authed(token))
}

func (c *Client) Accounts(ctx context.Context, token string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, EndpointAccounts, authed(token))
}

func (c *Client) Balances(ctx context.Context, token, account string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, accountPath(account, "/balances"), authed(token))
}

func (c *Client) TradingStatus(ctx context.Context, token, account string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, accountPath(account, "/trading-status"), authed(token))
}

// MarginRequirements carries both the capital requirements and, under
// data.underlyings, the per-underlying breakdown.
func (c *Client) MarginRequirements(ctx context.Context, token, account string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, "/margin/accounts/"+url.PathEscape(account)+"/requirements", authed(token))
}

func (c *Client) Positions(ctx context.Context, token, account string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, accountPath(account, "/positions"), authed(token))
}

func (c *Client) Orders(ctx context.Context, token, account string, q Query) (*Envelope, error) {
	opt := authed(token)
	opt.Params = q.params()
	return c.call(ctx, http.MethodGet, accountPath(account, "/orders"), opt)
}

func (c *Client) LiveOrders(ctx context.Context, token, account string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, accountPath(account, "/orders/live"), authed(token))
}

func (c *Client) Transactions(ctx context.Context, token, account string, q Query) (*Envelope, error) {
	opt := authed(token)
	opt.Params = q.params()
	return c.call(ctx, http.MethodGet, accountPath(account, "/transactions"), opt)
}

// RouteOrder submits a new order (POST) or replaces an existing one (PUT with
// its id). dryRun targets the dry-run variant of either endpoint.
func (c *Client) RouteOrder(ctx context.Context, token, account string, body any, dryRun bool, orderID *int64) (*Envelope, error) {
	method := http.MethodPost
	endpoint := accountPath(account, "/orders")
	if orderID != nil {
		method = http.MethodPut
		endpoint = accountPath(account, fmt.Sprintf("/orders/%d", *orderID))
	}
	if dryRun {
		endpoint += "/dry-run"
	}
	opt := authed(token)
	opt.Data = body
	return c.call(ctx, method, endpoint, opt)
}

func (c *Client) CancelOrder(ctx context.Context, token, account string, orderID int64) (*Envelope, error) {
	return c.call(ctx, http.MethodDelete, accountPath(account, fmt.Sprintf("/orders/%d", orderID)), authed(token))
}

// QuoteStreamerTokens returns data.token and data.websocket-url for the quote streamer.
func (c *Client) QuoteStreamerTokens(ctx context.Context, token string) (*Envelope, error) {
	return c.call(ctx, http.MethodGet, EndpointStreamerTokens, authed(token))
}
