package http

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/gotasty/pkg/logger"
	"github.com/betbot/gotasty/pkg/ratelimit"
)

// Options configure the transport.
type Options struct {
	Timeout      time.Duration
	RetryCount   int
	RetryWait    time.Duration
	UserAgent    string
	Limiter      ratelimit.Limiter
	Log          *logrus.Entry
	OnRequest    func(method, endpoint string)
	OnStatusCode func(method, endpoint string, code int)
}

type Client struct {
	client    *resty.Client
	host      string
	userAgent string
	limiter   ratelimit.Limiter
	log       *logrus.Entry
	onRequest func(method, endpoint string)
	onStatus  func(method, endpoint string, code int)
}

func NewClient(host string, opts Options) *Client {
	host = strings.TrimSuffix(host, "/")

	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "gotasty/1.0"
	}
	if opts.Log == nil {
		opts.Log = logger.New("http")
	}

	// resty 会自动从环境变量读取代理配置（HTTP_PROXY, HTTPS_PROXY）
	client := resty.New().
		SetBaseURL(host).
		SetTimeout(opts.Timeout).
		SetRetryCount(opts.RetryCount).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(10 * opts.RetryWait).
		AddRetryCondition(shouldRetry).
		SetRetryAfter(func(client *resty.Client, resp *resty.Response) (time.Duration, error) {
			// 如果遇到 429 限流，使用 Retry-After 头
			if resp != nil && resp.StatusCode() == http.StatusTooManyRequests {
				if retryAfter := resp.Header().Get("Retry-After"); retryAfter != "" {
					if seconds, err := time.ParseDuration(retryAfter + "s"); err == nil {
						return seconds, nil
					}
				}
				return 10 * opts.RetryWait, nil
			}
			return 0, nil
		})

	return &Client{
		client:    client,
		host:      host,
		userAgent: opts.UserAgent,
		limiter:   opts.Limiter,
		log:       opts.Log,
		onRequest: opts.OnRequest,
		onStatus:  opts.OnStatusCode,
	}
}

// shouldRetry 只重试 GET：下单、撤单、登录都不是幂等的，重发可能产生重复订单。
// GET 只对 429、5xx 和网络错误重试，业务错误（4xx）原样交给上层解析。
func shouldRetry(resp *resty.Response, err error) bool {
	if resp == nil || resp.Request == nil || resp.Request.Method != http.MethodGet {
		return false
	}
	if err != nil {
		return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return resp.StatusCode() == http.StatusTooManyRequests || resp.StatusCode() >= 500
}

// Host returns the base URL without trailing slash.
func (c *Client) Host() string {
	return c.host
}

type RequestOptions struct {
	// Token is sent verbatim in the Authorization header.
	Token   string
	Headers map[string]string
	Data    any
	Params  map[string]any
}

func (c *Client) newRequest(ctx context.Context) *resty.Request {
	r := c.client.R()
	if ctx != nil {
		r.SetContext(ctx)
	}
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", c.userAgent)
	return r
}

// DoRequest sends one request. Non-2xx responses are returned without error;
// err is set only when no response could be obtained.
func (c *Client) DoRequest(ctx context.Context, method, endpoint string, opt *RequestOptions) (*resty.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrapf(err, "rate limit wait %s %s", method, endpoint)
		}
	}

	rc := c.newRequest(ctx)
	if opt != nil {
		if opt.Token != "" {
			rc.SetHeader("Authorization", opt.Token)
		}
		for k, v := range opt.Headers {
			rc.SetHeader(k, v)
		}
		if opt.Params != nil {
			rc.SetQueryParamsFromValues(toValues(opt.Params))
		}
		if opt.Data != nil {
			rc.SetHeader("Content-Type", "application/json")
			rc.SetBody(opt.Data)
		}
	}

	if c.onRequest != nil {
		c.onRequest(method, endpoint)
	}

	var (
		resp *resty.Response
		err  error
	)
	switch strings.ToUpper(method) {
	case http.MethodGet:
		resp, err = rc.Get(endpoint)
	case http.MethodPost:
		resp, err = rc.Post(endpoint)
	case http.MethodDelete:
		resp, err = rc.Delete(endpoint)
	case http.MethodPut:
		resp, err = rc.Put(endpoint)
	default:
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
	if err != nil {
		c.log.WithFields(logrus.Fields{"method": method, "endpoint": endpoint}).WithError(err).Warn("request failed")
		return nil, errors.Wrapf(err, "%s %s", method, endpoint)
	}

	if c.onStatus != nil {
		c.onStatus(method, endpoint, resp.StatusCode())
	}
	c.log.WithFields(logrus.Fields{
		"method":   method,
		"endpoint": endpoint,
		"status":   resp.StatusCode(),
		"elapsed":  resp.Time(),
	}).Debug("request done")
	return resp, nil
}

func toValues(m map[string]any) map[string][]string {
	v := make(map[string][]string, len(m))
	for k, val := range m {
		switch t := val.(type) {
		case nil:
			continue
		case []string:
			v[k] = t
		case string:
			if t == "" {
				continue
			}
			v[k] = []string{t}
		default:
			v[k] = []string{fmt.Sprint(val)}
		}
	}
	return v
}
