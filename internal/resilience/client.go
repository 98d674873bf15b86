package resilience

import (
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
)

// Errors returned by resilient calls.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies this client for breaker naming.
	Name string

	// Timeout for individual HTTP calls. Default: 10 seconds.
	Timeout time.Duration

	// MaxRetries for transient failures. Default: 3.
	MaxRetries uint64

	// InitialInterval is the first retry delay. Default: 100ms.
	InitialInterval time.Duration

	// MaxInterval caps the retry delay. Default: 5 seconds.
	MaxInterval time.Duration

	// Breaker configuration. Nil uses DefaultBreakerConfig.
	Breaker *BreakerConfig
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(name string) ClientConfig {
	bc := DefaultBreakerConfig(name)
	return ClientConfig{
		Name:            name,
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		Breaker:         &bc,
	}
}

// Client is an HTTP client that retries transient failures with
// exponential backoff and trips a circuit breaker on sustained ones.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	cfg        ClientConfig
}

// NewClient creates a new resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 5 * time.Second
	}

	bc := DefaultBreakerConfig(cfg.Name)
	if cfg.Breaker != nil {
		bc = *cfg.Breaker
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    newBreaker(bc), //nolint:bodyclose // type param, not a response
		cfg:        cfg,
	}
}

// Do executes the request. Network errors and 5xx responses are retried
// and count against the breaker; an open breaker fails fast with
// ErrCircuitOpen. The caller owns the returned response body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.InitialInterval
	bo.MaxInterval = c.cfg.MaxInterval
	bo.MaxElapsedTime = 0

	var lastResp *http.Response

	operation := func() error {
		resp, err := c.breaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller closes
			r, err := c.httpClient.Do(req.Clone(ctx))
			if err != nil {
				return nil, err
			}
			if r.StatusCode >= 500 {
				return r, &ServerError{StatusCode: r.StatusCode}
			}
			return r, nil
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}
			if resp != nil {
				// 5xx with a body worth returning if retries run out.
				// The superseded body is closed so retries don't leak
				// connections.
				if lastResp != nil {
					_ = lastResp.Body.Close()
				}
				lastResp = resp
			}
			return err
		}

		if lastResp != nil {
			_ = lastResp.Body.Close()
		}
		lastResp = resp
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, c.cfg.MaxRetries), ctx))
	if err != nil {
		if lastResp != nil {
			return lastResp, nil
		}
		return nil, err
	}
	return lastResp, nil
}

// BreakerState returns the breaker's current state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}

// ServerError is an HTTP 5xx response surfaced as an error so it trips
// the breaker and retries.
type ServerError struct {
	StatusCode int
}

func (e *ServerError) Error() string {
	return "server error: " + http.StatusText(e.StatusCode)
}
