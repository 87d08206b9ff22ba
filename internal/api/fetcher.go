package api

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/posterflow/internal/models"
	"github.com/tejusbharadwaj/posterflow/internal/normalizer"
)

const (
	DefaultPageSize  = 100
	DefaultPageDelay = 200 * time.Millisecond
	DefaultMaxPages  = 500
)

// Status tells a caller whether a fetch saw the end of the data.
type Status string

const (
	// StatusComplete means an empty or short page was reached.
	StatusComplete Status = "complete"
	// StatusTruncated means the page bound was hit before the end of data.
	StatusTruncated Status = "truncated"
	// StatusFailed means a request, decode or upstream error cut the walk short.
	StatusFailed Status = "failed"
)

// Result is the outcome of one FetchAll. Records holds everything accumulated
// before the walk stopped, whatever the status.
type Result struct {
	Endpoint string
	Records  []models.Record
	Requests int
	Pages    int
	Status   Status
	Err      error
}

// Complete reports whether the walk reached the end of the data.
func (r *Result) Complete() bool {
	return r.Status == StatusComplete
}

// PageFetcher issues a single request. *Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, method string, params url.Values, timeout time.Duration) ([]byte, error)
}

// Fetcher walks offset/limit pagination for one endpoint at a time.
type Fetcher struct {
	pages    PageFetcher
	delay    time.Duration
	maxPages int
	metrics  *Metrics
	logger   *logrus.Logger
}

type FetcherOption func(*Fetcher)

// WithPageDelay sets the pause between consecutive page requests.
func WithPageDelay(d time.Duration) FetcherOption {
	return func(f *Fetcher) { f.delay = d }
}

// WithMaxPages bounds the number of requests per walk.
func WithMaxPages(n int) FetcherOption {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxPages = n
		}
	}
}

func WithMetrics(m *Metrics) FetcherOption {
	return func(f *Fetcher) { f.metrics = m }
}

func NewFetcher(pages PageFetcher, logger *logrus.Logger, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		pages:    pages,
		delay:    DefaultPageDelay,
		maxPages: DefaultMaxPages,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll drains ep starting at offset 0 and returns every record seen.
//
// The walk stops on an empty page, a short page, the page bound, or the first
// failure. Failures are logged and recorded in the Result; FetchAll never
// returns an error and never panics on malformed bodies. Pages are disjoint
// offset windows and are not deduplicated; rows inserted upstream mid-walk can
// shift the windows.
func (f *Fetcher) FetchAll(ctx context.Context, ep Endpoint, base url.Values) *Result {
	res := &Result{
		Endpoint: ep.Name,
		Records:  []models.Record{},
		Status:   StatusComplete,
	}

	pageSize := ep.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	var limiter *rate.Limiter
	if f.delay > 0 {
		limiter = rate.NewLimiter(rate.Every(f.delay), 1)
	}

	log := f.logger.WithFields(logrus.Fields{
		"endpoint": ep.Name,
		"method":   ep.Method,
	})
	start := time.Now()

	offset := 0
	for {
		if res.Requests >= f.maxPages {
			res.Status = StatusTruncated
			log.WithField("max_pages", f.maxPages).Warn("page bound reached, stopping fetch")
			break
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				res.fail(err)
				log.WithError(err).Warn("fetch cancelled")
				break
			}
		}

		params := url.Values{}
		for k, vs := range base {
			params[k] = append([]string(nil), vs...)
		}
		if ep.Paginated {
			params.Set("limit", strconv.Itoa(pageSize))
			params.Set("offset", strconv.Itoa(offset))
		}

		body, err := f.pages.FetchPage(ctx, ep.Method, params, ep.Timeout)
		res.Requests++
		if err != nil {
			f.observeRequest(ep.Name, outcome(err))
			res.fail(err)
			log.WithError(err).WithField("offset", offset).Warn("page request failed, returning partial result")
			break
		}

		batch, err := normalizer.Normalize(body)
		if err != nil {
			f.observeRequest(ep.Name, outcome(err))
			res.fail(err)
			log.WithError(err).WithField("offset", offset).Warn("upstream reported an error, returning partial result")
			break
		}
		f.observeRequest(ep.Name, "ok")

		if len(batch) == 0 {
			break
		}
		res.Records = append(res.Records, batch...)
		res.Pages++

		if !ep.Paginated || len(batch) < pageSize {
			break
		}
		offset += pageSize
	}

	if f.metrics != nil {
		f.metrics.Records.WithLabelValues(ep.Name).Add(float64(len(res.Records)))
		f.metrics.Duration.WithLabelValues(ep.Name).Observe(time.Since(start).Seconds())
	}

	log.WithFields(logrus.Fields{
		"records":  len(res.Records),
		"requests": res.Requests,
		"status":   res.Status,
	}).Info("fetch finished")

	return res
}

func (r *Result) fail(err error) {
	r.Status = StatusFailed
	r.Err = err
}

func (f *Fetcher) observeRequest(endpoint, outcome string) {
	if f.metrics != nil {
		f.metrics.Requests.WithLabelValues(endpoint, outcome).Inc()
	}
}

func outcome(err error) string {
	switch {
	case errors.Is(err, normalizer.ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrDecode):
		return "decode"
	default:
		return "network"
	}
}
