// Package registry fetches versioned guideline datasets from a national
// TB program distribution endpoint. Fetches are rate limited and wrapped
// in a circuit breaker so a flapping registry cannot stall startup or
// scheduled refreshes.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/eptb-dst-server/internal/guideline"
)

// Config holds registry client settings.
type Config struct {
	BaseURL   string        `mapstructure:"base_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"` // requests per second
}

// Client is a guideline registry HTTP client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	rateLimit  *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	log        *logrus.Logger
}

// NewClient creates a registry client. Zero config fields get safe
// defaults.
func NewClient(config Config, logger *logrus.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "GuidelineRegistry",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Circuit breaker state changed")
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: &http.Client{Timeout: config.Timeout},
		rateLimit:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		breaker:    breaker,
		log:        logger,
	}
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.rateLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
		}

		return io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			return nil, fmt.Errorf("guideline registry unavailable (circuit breaker open)")
		}
		return nil, err
	}

	return result.([]byte), nil
}

// versionsResponse is the registry's version listing document.
type versionsResponse struct {
	Latest   string   `json:"latest"`
	Versions []string `json:"versions"`
}

// LatestVersion asks the registry which dataset version is current.
func (c *Client) LatestVersion(ctx context.Context) (string, error) {
	body, err := c.get(ctx, "/v1/datasets")
	if err != nil {
		return "", fmt.Errorf("fetching version listing: %w", err)
	}

	var listing versionsResponse
	if err := json.Unmarshal(body, &listing); err != nil {
		return "", fmt.Errorf("decoding version listing: %w", err)
	}
	if listing.Latest == "" {
		return "", fmt.Errorf("registry listing has no latest version")
	}
	return listing.Latest, nil
}

// FetchDataset downloads one dataset version and validates that it loads
// into a table before returning it. An invalid dataset never leaves this
// method.
func (c *Client) FetchDataset(ctx context.Context, version string) (*guideline.Dataset, error) {
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("dataset version is required")
	}

	body, err := c.get(ctx, "/v1/datasets/"+version)
	if err != nil {
		return nil, fmt.Errorf("fetching dataset %s: %w", version, err)
	}

	var ds guideline.Dataset
	if err := json.Unmarshal(body, &ds); err != nil {
		return nil, fmt.Errorf("decoding dataset %s: %w", version, err)
	}

	table, err := guideline.FromDataset(&ds)
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"version": ds.Version,
		"rules":   table.Len(),
	}).Info("Fetched guideline dataset from registry")

	return &ds, nil
}

// BreakerCounts exposes circuit breaker statistics for diagnostics.
func (c *Client) BreakerCounts() gobreaker.Counts {
	return c.breaker.Counts()
}

// BreakerState exposes the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
