package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTPSchedulerConfig configures HTTPScheduler.
type HTTPSchedulerConfig struct {
	BaseURL string
	Timeout time.Duration
	Retries int
	Token   string
}

// HTTPScheduler deletes monitoring jobs through a scheduler REST API:
// DELETE {BaseURL}/jobs/{name}.
type HTTPScheduler struct {
	client *resty.Client
}

// NewHTTPScheduler creates a scheduler client. Server errors and transport failures
// are retried with resty's backoff.
func NewHTTPScheduler(cfg HTTPSchedulerConfig) *HTTPScheduler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	c := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.Retries).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})
	if cfg.Token != "" {
		c.SetAuthToken(cfg.Token)
	}
	return &HTTPScheduler{client: c}
}

// Client exposes the underlying resty client (tests attach httpmock to it).
func (s *HTTPScheduler) Client() *resty.Client { return s.client }

// DeleteJob deletes the job. A 404 means it is already gone.
func (s *HTTPScheduler) DeleteJob(ctx context.Context, name string) error {
	resp, err := s.client.R().
		SetContext(ctx).
		Delete("/jobs/" + url.PathEscape(name))
	if err != nil {
		return fmt.Errorf("gateway: delete job %s: %w", name, err)
	}
	if resp.StatusCode() == http.StatusNotFound || resp.IsSuccess() {
		return nil
	}
	return fmt.Errorf("gateway: delete job %s: unexpected status %d", name, resp.StatusCode())
}
