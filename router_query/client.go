// Package routerquery implements the quoting half of the AMM router
// interface against a remote quote API, with retry, endpoint failover and
// background restoration of the primary endpoint. The engine's quote-only
// deployment mode uses it for expected-profit simulation; swaps are never
// executed remotely.
package routerquery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

var log zerolog.Logger

func init() {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	log = zerolog.New(out).With().Timestamp().Str("component", "routerquery").Logger()
}

// FailoverConfig controls retry and failover behavior.
type FailoverConfig struct {
	// MaxRetries is the number of times to retry a failed request on the current endpoint
	MaxRetries int
	// RetryDelay is the initial delay between retries (doubles with each retry)
	RetryDelay time.Duration
	// HealthCheckInterval is how often to check if the primary endpoint is back up
	HealthCheckInterval time.Duration
	// Timeout is the HTTP request timeout
	Timeout time.Duration
}

// DefaultFailoverConfig returns sensible defaults for failover behavior.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MaxRetries:          2,
		RetryDelay:          500 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		Timeout:             10 * time.Second,
	}
}

// QuoteClient queries a remote quote API with failover support. It maintains
// a primary endpoint and automatically switches to backup endpoints when the
// primary is unavailable.
type QuoteClient struct {
	httpClient     *http.Client
	primaryURL     string
	backupURLs     []string
	currentURL     string
	mu             sync.RWMutex
	healthChecker  *healthChecker
	failoverConfig FailoverConfig
}

// healthChecker periodically checks if the primary endpoint is healthy.
type healthChecker struct {
	client    *QuoteClient
	stopCh    chan struct{}
	stoppedCh chan struct{}
	isRunning bool
	mu        sync.Mutex
}

// NewQuoteClient creates a client with a single endpoint.
func NewQuoteClient(apiURL string) (*QuoteClient, error) {
	return NewQuoteClientWithFailover(apiURL, nil, DefaultFailoverConfig())
}

// NewQuoteClientWithFailover creates a client with backup endpoints.
func NewQuoteClientWithFailover(primaryURL string, backupURLs []string, config FailoverConfig) (*QuoteClient, error) {
	if _, err := url.Parse(primaryURL); err != nil {
		return nil, fmt.Errorf("invalid primary API URL %s: %w", primaryURL, err)
	}

	validBackups := make([]string, 0, len(backupURLs))
	for _, u := range backupURLs {
		if _, err := url.Parse(u); err != nil {
			log.Warn().Err(err).Str("url", u).Msg("Invalid backup URL, skipping")
			continue
		}
		validBackups = append(validBackups, u)
	}

	client := &QuoteClient{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		primaryURL:     primaryURL,
		backupURLs:     validBackups,
		currentURL:     primaryURL,
		failoverConfig: config,
	}

	if len(validBackups) > 0 {
		client.startHealthChecker()
	}

	log.Info().
		Str("primary", primaryURL).
		Int("backups", len(validBackups)).
		Msg("Quote client initialized")
	return client, nil
}

func (c *QuoteClient) startHealthChecker() {
	c.healthChecker = &healthChecker{
		client:    c,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	c.healthChecker.start()
}

func (h *healthChecker) start() {
	h.mu.Lock()
	if h.isRunning {
		h.mu.Unlock()
		return
	}
	h.isRunning = true
	h.mu.Unlock()

	go func() {
		defer close(h.stoppedCh)
		ticker := time.NewTicker(h.client.failoverConfig.HealthCheckInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.checkAndRestore()
			}
		}
	}()
}

func (h *healthChecker) stop() {
	h.mu.Lock()
	if !h.isRunning {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	close(h.stopCh)
	<-h.stoppedCh
}

// checkAndRestore switches back to the primary endpoint once it is healthy
// again.
func (h *healthChecker) checkAndRestore() {
	h.client.mu.RLock()
	currentURL := h.client.currentURL
	primaryURL := h.client.primaryURL
	h.client.mu.RUnlock()

	if currentURL == primaryURL {
		return
	}

	if h.client.isEndpointHealthy(primaryURL) {
		h.client.mu.Lock()
		h.client.currentURL = primaryURL
		h.client.mu.Unlock()
		log.Info().Str("url", primaryURL).Msg("Restored primary endpoint")
	}
}

// isEndpointHealthy checks if an endpoint is responding.
func (c *QuoteClient) isEndpointHealthy(endpoint string) bool {
	healthURL := fmt.Sprintf("%s/v1/health", endpoint)
	resp, err := c.httpClient.Get(healthURL)
	if err != nil {
		log.Debug().Err(err).Str("url", healthURL).Msg("Health check failed")
		return false
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	return resp.StatusCode == http.StatusOK
}

func (c *QuoteClient) getCurrentURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentURL
}

// failover switches to the next healthy backup endpoint.
func (c *QuoteClient) failover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	allURLs := append([]string{c.primaryURL}, c.backupURLs...)
	currentIdx := -1
	for i, u := range allURLs {
		if u == c.currentURL {
			currentIdx = i
			break
		}
	}

	for i := 1; i <= len(allURLs); i++ {
		nextIdx := (currentIdx + i) % len(allURLs)
		nextURL := allURLs[nextIdx]
		if nextURL == c.currentURL {
			continue
		}
		if c.isEndpointHealthy(nextURL) {
			c.currentURL = nextURL
			log.Info().Str("url", nextURL).Msg("Failover to endpoint")
			return true
		}
	}

	log.Warn().Str("url", c.currentURL).Msg("All endpoints unhealthy, staying on current")
	return false
}

// Close stops the health checker and cleans up resources.
func (c *QuoteClient) Close() {
	if c.healthChecker != nil {
		c.healthChecker.stop()
	}
}

// doRequestWithFailover performs a GET with retry on the current endpoint,
// then a single failover pass.
func (c *QuoteClient) doRequestWithFailover(ctx context.Context, path string) ([]byte, error) {
	var lastErr error
	retryDelay := c.failoverConfig.RetryDelay

	for attempt := 0; attempt <= c.failoverConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
			}
			retryDelay *= 2
		}
		body, err := c.doRequest(ctx, c.getCurrentURL(), path)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}

	if len(c.backupURLs) > 0 && c.failover() {
		body, err := c.doRequest(ctx, c.getCurrentURL(), path)
		if err == nil {
			return body, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("quote request failed after %d attempts: %w", c.failoverConfig.MaxRetries+1, lastErr)
}

func (c *QuoteClient) doRequest(ctx context.Context, base, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s: %w", base, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d from %s: %s", resp.StatusCode, base, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// quoteResponse is the remote quote API's answer.
type quoteResponse struct {
	AmountsOut   []string `json:"amounts_out"`
	PriceImpact  string   `json:"price_impact"`
	EffectiveFee string   `json:"effective_fee"`
}

// GetAmountsOut quotes the route remotely. The returned slice has one entry
// per route element, the last being the final output.
func (c *QuoteClient) GetAmountsOut(ctx context.Context, amountIn *uint256.Int, route []string) ([]*uint256.Int, error) {
	if len(route) < 2 {
		return nil, fmt.Errorf("route must have at least two tokens")
	}

	q := url.Values{}
	q.Set("amount_in", amountIn.Dec())
	q.Set("route", strings.Join(route, ","))
	body, err := c.doRequestWithFailover(ctx, "/v1/quote?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var parsed quoteResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parsing quote response: %w", err)
	}
	if len(parsed.AmountsOut) != len(route) {
		return nil, fmt.Errorf("quote returned %d amounts for %d hops", len(parsed.AmountsOut), len(route))
	}

	amounts := make([]*uint256.Int, len(parsed.AmountsOut))
	for i, s := range parsed.AmountsOut {
		v, err := uint256.FromDecimal(s)
		if err != nil {
			return nil, fmt.Errorf("parsing amount %q: %w", s, err)
		}
		amounts[i] = v
	}

	if parsed.PriceImpact != "" {
		if impact, err := decimal.NewFromString(parsed.PriceImpact); err == nil {
			log.Debug().
				Str("route", strings.Join(route, "->")).
				Str("priceImpact", impact.String()).
				Str("effectiveFee", parsed.EffectiveFee).
				Msg("Remote quote")
		}
	}
	return amounts, nil
}
