package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

var (
	ErrNetwork = errors.New("network failure")
	ErrDecode  = errors.New("decode failure")
)

// ClientConfig configures the Poster HTTP client.
type ClientConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration
}

// Client issues single GET requests against the Poster API.
type Client struct {
	baseURL string
	token   string
	http    *resty.Client
	logger  *logrus.Logger
}

func NewClient(cfg ClientConfig, logger *logrus.Logger) *Client {
	client := resty.New()
	if cfg.Timeout > 0 {
		client.SetTimeout(cfg.Timeout)
	}
	client.SetRetryCount(cfg.Retries)
	if cfg.RetryWait > 0 {
		client.SetRetryWaitTime(cfg.RetryWait)
	}
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil {
			return true
		}
		return r != nil && r.StatusCode() >= http.StatusInternalServerError
	})
	client.SetHeader("Accept", "application/json")

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		http:    client,
		logger:  logger,
	}
}

// FetchPage performs one GET of {base}/{method} with the token and params
// attached, and returns the body once it is known to be valid JSON.
func (c *Client) FetchPage(ctx context.Context, method string, params url.Values, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	query := url.Values{}
	for k, vs := range params {
		query[k] = append([]string(nil), vs...)
	}
	query.Set("token", c.token)

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(c.baseURL + "/" + method)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrNetwork, method, c.redact(err.Error()))
	}

	c.logger.WithFields(logrus.Fields{
		"method":      method,
		"status":      resp.StatusCode(),
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("poster request")

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, fmt.Errorf("%w: %s: got %d", ErrNetwork, method, resp.StatusCode())
	}

	body := resp.Body()
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s: body is not valid JSON", ErrDecode, method)
	}
	return body, nil
}

// redact keeps the token out of error messages that embed the request URL.
func (c *Client) redact(msg string) string {
	if c.token == "" {
		return msg
	}
	return strings.ReplaceAll(msg, url.QueryEscape(c.token), "REDACTED")
}
