// Package custody submits user transactions through the external custodial
// signing service and adapts it to domain.Settler.
package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/strikekeeper/internal/chain"
	"github.com/alanyoungcy/strikekeeper/internal/crypto"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const maxErrorBody = 512

// Config holds connection settings for the custody service.
type Config struct {
	BaseURL string
	APIKey  string
	// Auth, when configured, signs each request body.
	Auth    *crypto.HMACAuth
	ChainID int64
	Timeout time.Duration
	// RatePerSec bounds submissions; zero disables throttling.
	RatePerSec float64
}

// Client talks to the custody service.
type Client struct {
	base       string
	apiKey     string
	auth       *crypto.HMACAuth
	chainID    int64
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		base:       strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		auth:       cfg.Auth,
		chainID:    cfg.ChainID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With(slog.String("component", "custody")),
	}
	if cfg.RatePerSec > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	return c
}

type sendRequest struct {
	CAIP2   string `json:"caip2"`
	To      string `json:"to"`
	Value   string `json:"value"`
	Data    string `json:"data"`
	ChainID int64  `json:"chain_id"`
}

type sendResponse struct {
	Hash string `json:"hash"`
}

// Send asks the service to sign and broadcast a transaction from walletID.
// It returns as soon as the service reports the hash; it does not wait for
// the receipt.
func (c *Client) Send(ctx context.Context, walletID string, to common.Address, value *big.Int, data []byte) (common.Hash, error) {
	if walletID == "" {
		return common.Hash{}, fmt.Errorf("custody: send: %w", domain.ErrNoSigner)
	}
	if value == nil {
		value = new(big.Int)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return common.Hash{}, fmt.Errorf("custody: rate limit: %w", err)
		}
	}

	body, err := json.Marshal(sendRequest{
		CAIP2:   fmt.Sprintf("eip155:%d", c.chainID),
		To:      to.Hex(),
		Value:   hexutil.EncodeBig(value),
		Data:    hexutil.Encode(data),
		ChainID: c.chainID,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: marshal request: %w", err)
	}

	path := "/wallets/" + url.PathEscape(walletID) + "/transactions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.auth.Configured() {
		for k, v := range c.auth.Headers(http.MethodPost, path, string(body)) {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return common.Hash{}, fmt.Errorf("custody: send request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return common.Hash{}, fmt.Errorf("custody: %w", domain.ErrRateLimited)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		err := fmt.Errorf("custody: status %d: %s", resp.StatusCode, text)
		if strings.Contains(strings.ToLower(text), "revert") {
			err = fmt.Errorf("custody: status %d: %w: %s", resp.StatusCode, domain.ErrReverted, text)
		}
		return common.Hash{}, err
	}

	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return common.Hash{}, fmt.Errorf("custody: decode response: %w", err)
	}
	if !strings.HasPrefix(out.Hash, "0x") || len(out.Hash) != 66 {
		return common.Hash{}, fmt.Errorf("custody: malformed tx hash %q", out.Hash)
	}
	hash := common.HexToHash(out.Hash)
	c.logger.InfoContext(ctx, "custody transaction sent",
		slog.String("wallet_id", walletID),
		slog.String("to", to.Hex()),
		slog.String("tx", hash.Hex()),
	)
	return hash, nil
}

// Settlers builds a domain.Settler per user on top of a Client and a
// receipt waiter.
type Settlers struct {
	client *Client
	waiter *chain.ReceiptWaiter
}

// NewSettlers creates a Settlers source.
func NewSettlers(client *Client, waiter *chain.ReceiptWaiter) *Settlers {
	return &Settlers{client: client, waiter: waiter}
}

// SettlerFor returns a settler for user's custodial wallet.
func (s *Settlers) SettlerFor(_ context.Context, user domain.User) (domain.Settler, error) {
	if user.WalletID == "" {
		return nil, fmt.Errorf("custody: user %d has no wallet: %w", user.ID, domain.ErrNoSigner)
	}
	return &walletSettler{client: s.client, waiter: s.waiter, walletID: user.WalletID}, nil
}

type walletSettler struct {
	client   *Client
	waiter   *chain.ReceiptWaiter
	walletID string
}

func (w *walletSettler) Claim(ctx context.Context, market common.Address) (domain.Receipt, error) {
	return w.submit(ctx, market, chain.EncodeClaim())
}

func (w *walletSettler) Refund(ctx context.Context, market common.Address) (domain.Receipt, error) {
	return w.submit(ctx, market, chain.EncodeRefund())
}

func (w *walletSettler) submit(ctx context.Context, market common.Address, data []byte) (domain.Receipt, error) {
	hash, err := w.client.Send(ctx, w.walletID, market, nil, data)
	if err != nil {
		return domain.Receipt{}, err
	}
	rcpt, err := w.waiter.Wait(ctx, hash)
	if err != nil {
		return domain.Receipt{TxHash: hash}, &domain.TxError{Hash: hash, Err: err}
	}
	if !rcpt.Success {
		return rcpt, &domain.TxError{Hash: hash, Err: domain.ErrReverted}
	}
	return rcpt, nil
}
