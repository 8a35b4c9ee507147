// Package marketdata provides the client for the external market data provider.
// The provider serves end-of-day price bars and company reference metadata.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/astrolin/vigil/internal/domain"
)

// ErrProviderUnavailable indicates a wholesale provider failure (network
// error or 5xx). Callers treat this as a phase-level failure, as opposed
// to the per-symbol errors reported in PriceResponse.Failed.
var ErrProviderUnavailable = errors.New("market data provider unavailable")

// maxSymbolsPerRequest is the provider's documented batch limit.
const maxSymbolsPerRequest = 100

// maxThrottleRetries bounds re-attempts after a 429 before giving up.
const maxThrottleRetries = 3

// Provider is the contract consumed by the batch runners and the
// onboarding queue. Implemented by Client; mocked in tests.
type Provider interface {
	FetchPrices(ctx context.Context, symbols []string, from, to time.Time) (*PriceResponse, error)
	FetchCompanyReference(ctx context.Context, symbols []string) (map[string]domain.CompanyReference, error)
}

// PriceResponse holds a possibly-partial price fetch result.
type PriceResponse struct {
	// Prices, keyed by symbol. A symbol with no trading activity in the
	// requested range is present with an empty slice.
	Prices map[string][]domain.PriceRecord
	// Failed holds per-symbol errors. Symbols listed here are absent
	// from Prices.
	Failed map[string]error
}

// Client talks to the market data provider over HTTP.
type Client struct {
	baseURL         string
	apiKey          string
	httpClient      *http.Client
	limiter         *rate.Limiter
	throttleBackoff time.Duration
	log             zerolog.Logger
}

// NewClient creates a market data client. ratePerSec bounds outbound
// request rate against the provider's quota.
func NewClient(baseURL, apiKey string, ratePerSec float64, log zerolog.Logger) *Client {
	return &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		apiKey:          apiKey,
		httpClient:      &http.Client{Timeout: 30 * time.Second},
		limiter:         rate.NewLimiter(rate.Limit(ratePerSec), 1),
		throttleBackoff: time.Second,
		log:             log.With().Str("client", "marketdata").Logger(),
	}
}

// SetHTTPClient overrides the underlying HTTP client (used in tests).
func (c *Client) SetHTTPClient(hc *http.Client) {
	c.httpClient = hc
}

// eodEnvelope is the provider's wire format for /eod responses.
type eodEnvelope struct {
	Results []struct {
		Symbol string `json:"symbol"`
		Error  string `json:"error,omitempty"`
		Bars   []struct {
			Date  string  `json:"date"`
			Open  float64 `json:"open"`
			High  float64 `json:"high"`
			Low   float64 `json:"low"`
			Close float64 `json:"close"`
		} `json:"bars"`
	} `json:"results"`
}

// FetchPrices fetches daily bars for the given symbols and date range.
// Per-symbol failures are reported in the response, not as an error;
// a wholesale failure returns ErrProviderUnavailable.
func (c *Client) FetchPrices(ctx context.Context, symbols []string, from, to time.Time) (*PriceResponse, error) {
	resp := &PriceResponse{
		Prices: make(map[string][]domain.PriceRecord),
		Failed: make(map[string]error),
	}

	for _, batch := range chunkSymbols(symbols, maxSymbolsPerRequest) {
		params := url.Values{}
		params.Set("symbols", strings.Join(batch, ","))
		params.Set("from", from.Format(domain.DateFormat))
		params.Set("to", to.Format(domain.DateFormat))

		var envelope eodEnvelope
		if err := c.getJSON(ctx, "/eod", params, &envelope); err != nil {
			return nil, err
		}

		for _, result := range envelope.Results {
			if result.Error != "" {
				resp.Failed[result.Symbol] = fmt.Errorf("provider error for %s: %s", result.Symbol, result.Error)
				continue
			}

			records := make([]domain.PriceRecord, 0, len(result.Bars))
			for _, bar := range result.Bars {
				records = append(records, domain.PriceRecord{
					Symbol: result.Symbol,
					Date:   bar.Date,
					Open:   bar.Open,
					High:   bar.High,
					Low:    bar.Low,
					Close:  bar.Close,
				})
			}
			resp.Prices[result.Symbol] = records
		}
	}

	c.log.Debug().
		Int("requested", len(symbols)).
		Int("succeeded", len(resp.Prices)).
		Int("failed", len(resp.Failed)).
		Msg("Fetched prices")

	return resp, nil
}

// referenceEnvelope is the provider's wire format for /reference responses.
type referenceEnvelope struct {
	Companies []struct {
		Symbol    string  `json:"symbol"`
		Name      string  `json:"name"`
		Sector    string  `json:"sector"`
		Industry  string  `json:"industry"`
		PERatio   float64 `json:"pe_ratio"`
		MarketCap float64 `json:"market_cap"`
	} `json:"companies"`
}

// FetchCompanyReference fetches company metadata for the given symbols.
// Symbols unknown to the provider are simply absent from the result.
func (c *Client) FetchCompanyReference(ctx context.Context, symbols []string) (map[string]domain.CompanyReference, error) {
	out := make(map[string]domain.CompanyReference, len(symbols))

	for _, batch := range chunkSymbols(symbols, maxSymbolsPerRequest) {
		params := url.Values{}
		params.Set("symbols", strings.Join(batch, ","))

		var envelope referenceEnvelope
		if err := c.getJSON(ctx, "/reference", params, &envelope); err != nil {
			return nil, err
		}

		for _, company := range envelope.Companies {
			out[company.Symbol] = domain.CompanyReference{
				Symbol:    company.Symbol,
				Name:      company.Name,
				Sector:    company.Sector,
				Industry:  company.Industry,
				PERatio:   company.PERatio,
				MarketCap: company.MarketCap,
				UpdatedAt: time.Now().UTC(),
			}
		}
	}

	return out, nil
}

// getJSON performs a rate-limited GET and decodes the JSON body into v.
// A 429 is retried with doubling backoff up to maxThrottleRetries times.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, v interface{}) error {
	backoff := c.throttleBackoff
	for attempt := 0; ; attempt++ {
		throttled, err := c.doGetJSON(ctx, path, params, v)
		if !throttled {
			return err
		}
		if attempt >= maxThrottleRetries {
			return fmt.Errorf("%w: throttled after %d attempts", ErrProviderUnavailable, attempt+1)
		}

		c.log.Warn().Str("path", path).Dur("backoff", backoff).Msg("Provider throttled request, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (c *Client) doGetJSON(ctx context.Context, path string, params url.Values, v interface{}) (throttled bool, err error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("rate limiter wait: %w", err)
	}

	if c.apiKey != "" {
		params.Set("api_key", c.apiKey)
	}

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error().Err(err).Str("path", path).Msg("Provider request failed")
		return false, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer httpResp.Body.Close()

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 512))
		return true, nil
	case httpResp.StatusCode >= 500:
		return false, fmt.Errorf("%w: status %d", ErrProviderUnavailable, httpResp.StatusCode)
	case httpResp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return false, fmt.Errorf("provider returned status %d: %s", httpResp.StatusCode, string(body))
	}

	if err := json.NewDecoder(httpResp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("failed to decode provider response: %w", err)
	}

	return false, nil
}

// chunkSymbols splits symbols into provider-sized batches.
func chunkSymbols(symbols []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		chunks = append(chunks, symbols[start:end])
	}
	return chunks
}
