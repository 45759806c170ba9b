// Package oracle fetches signed Pyth price updates from a Hermes endpoint.
package oracle

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

const (
	// DefaultHermesURL is the public Pyth Hermes endpoint.
	DefaultHermesURL = "https://hermes.pyth.network"

	defaultRateLimit = 5.0 // requests per second
	defaultBurst     = 2
	maxErrorBody     = 512
)

// Client is a Hermes API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets client-side throttling.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a Hermes client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultHermesURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "oracle"))
	return c
}

type latestResponse struct {
	Binary struct {
		Encoding string   `json:"encoding"`
		Data     []string `json:"data"`
	} `json:"binary"`
	Parsed []struct {
		ID    string `json:"id"`
		Price struct {
			Price       string `json:"price"`
			Conf        string `json:"conf"`
			Expo        int32  `json:"expo"`
			PublishTime int64  `json:"publish_time"`
		} `json:"price"`
	} `json:"parsed"`
}

// UpdateData returns the signed update payloads for feeds, one entry per
// binary blob returned by Hermes. Errors are not retried here.
func (c *Client) UpdateData(ctx context.Context, feeds ...common.Hash) ([][]byte, error) {
	resp, err := c.latest(ctx, feeds)
	if err != nil {
		return nil, err
	}
	if len(resp.Binary.Data) == 0 {
		return nil, fmt.Errorf("oracle/hermes: no update data for %d feed(s)", len(feeds))
	}
	out := make([][]byte, 0, len(resp.Binary.Data))
	for i, blob := range resp.Binary.Data {
		b, err := hex.DecodeString(strings.TrimPrefix(blob, "0x"))
		if err != nil {
			return nil, fmt.Errorf("oracle/hermes: decode update %d: %w", i, err)
		}
		out = append(out, b)
	}
	c.logger.DebugContext(ctx, "fetched price update",
		slog.Int("feeds", len(feeds)),
		slog.Int("updates", len(out)),
	)
	return out, nil
}

// Price is a parsed Hermes price with the exponent applied.
type Price struct {
	Feed        common.Hash     `json:"feed"`
	Price       decimal.Decimal `json:"price"`
	Confidence  decimal.Decimal `json:"confidence"`
	PublishTime time.Time       `json:"publish_time"`
}

// LatestPrices returns the parsed latest prices for feeds.
func (c *Client) LatestPrices(ctx context.Context, feeds ...common.Hash) ([]Price, error) {
	resp, err := c.latest(ctx, feeds)
	if err != nil {
		return nil, err
	}
	out := make([]Price, 0, len(resp.Parsed))
	for _, p := range resp.Parsed {
		px, err := decimal.NewFromString(p.Price.Price)
		if err != nil {
			return nil, fmt.Errorf("oracle/hermes: parse price for %s: %w", p.ID, err)
		}
		conf, err := decimal.NewFromString(p.Price.Conf)
		if err != nil {
			return nil, fmt.Errorf("oracle/hermes: parse conf for %s: %w", p.ID, err)
		}
		out = append(out, Price{
			Feed:        common.HexToHash(p.ID),
			Price:       px.Shift(p.Price.Expo),
			Confidence:  conf.Shift(p.Price.Expo),
			PublishTime: time.Unix(p.Price.PublishTime, 0).UTC(),
		})
	}
	return out, nil
}

func (c *Client) latest(ctx context.Context, feeds []common.Hash) (*latestResponse, error) {
	if len(feeds) == 0 {
		return nil, fmt.Errorf("oracle/hermes: no feed ids")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("oracle/hermes: rate limit: %w", err)
	}

	params := url.Values{}
	for _, f := range feeds {
		params.Add("ids[]", f.Hex())
	}
	params.Set("encoding", "hex")
	endpoint := c.baseURL + "/v2/updates/price/latest?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("oracle/hermes: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("oracle/hermes: request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, fmt.Errorf("oracle/hermes: status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out latestResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("oracle/hermes: decode response: %w", err)
	}
	return &out, nil
}
