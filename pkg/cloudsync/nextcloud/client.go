// Package nextcloud talks to the cloud backend's administrative API: OCS
// JSON endpoints for users, groups and group folders, and WebDAV SEARCH
// for file listings.
package nextcloud

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mikepea/cloudsync/pkg/cloudsync/config"
	"github.com/mikepea/cloudsync/pkg/cloudsync/logging"
	"github.com/mikepea/cloudsync/pkg/cloudsync/metrics"
)

const (
	ocsPrefix    = "/ocs/v1.php/cloud"
	foldersPath  = "/apps/groupfolders/folders"
	davPath      = "/remote.php/dav/"
	maxBodyBytes = 32 << 20
)

// Response is a decoded OCS envelope
type Response struct {
	Status     string
	StatusCode int
	Message    string
	Data       json.RawMessage
}

// OK reports whether the backend accepted the call
func (r *Response) OK() bool {
	return r.Status == "ok"
}

// Decode unmarshals the data payload into v
func (r *Response) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

type envelope struct {
	OCS struct {
		Meta struct {
			Status     string `json:"status"`
			StatusCode int    `json:"statuscode"`
			Message    string `json:"message"`
		} `json:"meta"`
		Data json.RawMessage `json:"data"`
	} `json:"ocs"`
}

// Client issues administrative calls against one cloud backend
type Client struct {
	baseURL      string
	user         string
	password     string
	defaultQuota int64
	httpClient   *http.Client
	cb           *gobreaker.CircuitBreaker[[]byte]
	log          zerolog.Logger
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client; its Timeout is left untouched
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for the backend described by cfg
func New(cfg config.CloudConfig, bcfg config.BreakerConfig, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		user:         cfg.AdminUser,
		password:     cfg.AdminPassword,
		defaultQuota: cfg.DefaultQuota,
		httpClient:   &http.Client{Timeout: cfg.RequestTimeout},
		log:          logging.Component("nextcloud"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cb = newBreaker(bcfg, c.log)
	return c
}

func newBreaker(cfg config.BreakerConfig, log zerolog.Logger) *gobreaker.CircuitBreaker[[]byte] {
	metrics.CircuitBreakerState.Set(0)
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "cloud-backend",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= cfg.FailureRatio {
				log.Warn().Uint32("failures", counts.TotalFailures).Float64("failure_ratio", ratio).Msg("opening cloud backend circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.Set(float64(to))
		},
	})
}

// BreakerState returns the current circuit breaker state
func (c *Client) BreakerState() gobreaker.State {
	return c.cb.State()
}

// AdminUser returns the account the client authenticates as
func (c *Client) AdminUser() string {
	return c.user
}

// BaseURL returns the backend root without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

type request struct {
	method      string
	path        string // relative to baseURL
	endpoint    string // metrics label
	form        url.Values
	body        []byte
	contentType string
	header      http.Header
}

// roundTrip executes req through the circuit breaker and returns the raw
// body of a 2xx answer. Everything else is a transport error.
func (c *Client) roundTrip(ctx context.Context, req request) ([]byte, error) {
	body := req.body
	contentType := req.contentType
	if req.form != nil {
		body = []byte(req.form.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	start := time.Now()
	raw, err := c.cb.Execute(func() ([]byte, error) {
		httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, bytes.NewReader(body))
		if err != nil {
			return nil, transportError(err, "create request: %v", err)
		}
		httpReq.SetBasicAuth(c.user, c.password)
		httpReq.Header.Set("OCS-APIRequest", "true")
		httpReq.Header.Set("Accept", "application/json")
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}
		for k, v := range req.header {
			httpReq.Header[k] = v
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			return nil, transportError(err, "%s %s: %v", req.method, req.endpoint, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		if err != nil {
			return nil, transportError(err, "read response: %v", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			c.log.Error().Int("http_status", resp.StatusCode).Str("endpoint", req.endpoint).Msg("unexpected HTTP result from cloud backend")
			return nil, transportError(nil, "HTTP %d", resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		var remote *Error
		if !errors.As(err, &remote) {
			// open or half-open breaker rejecting the call
			err = transportError(err, "%v", err)
		}
	}
	metrics.RecordRemoteCall(req.method, req.endpoint, time.Since(start), StatusCodeOf(err))
	return raw, err
}

// call performs an OCS request and classifies the answer
func (c *Client) call(ctx context.Context, req request) (*Response, error) {
	raw, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.OCS.Meta.Status == "" {
		metrics.RemoteCallErrors.WithLabelValues(req.endpoint, strconv.Itoa(StatusTransport)).Inc()
		return nil, transportError(err, "response from %s is not an OCS envelope", req.endpoint)
	}

	resp := &Response{
		Status:     env.OCS.Meta.Status,
		StatusCode: env.OCS.Meta.StatusCode,
		Message:    env.OCS.Meta.Message,
		Data:       env.OCS.Data,
	}
	if !resp.OK() {
		c.log.Debug().Str("endpoint", req.endpoint).Int("statuscode", resp.StatusCode).Str("message", resp.Message).Msg("cloud backend refused call")
		metrics.RemoteCallErrors.WithLabelValues(req.endpoint, strconv.Itoa(resp.StatusCode)).Inc()
		return resp, &Error{StatusCode: resp.StatusCode, Message: resp.Message}
	}
	return resp, nil
}
