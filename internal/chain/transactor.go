package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/strikekeeper/internal/crypto"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const (
	defaultReceiptTimeout = 2 * time.Minute
	defaultPollInterval   = 3 * time.Second
	// gasLimitBufferPct is added on top of the node's estimate.
	gasLimitBufferPct = 20
)

// TransactorConfig tunes submission and receipt waiting.
type TransactorConfig struct {
	ReceiptTimeout  time.Duration
	PollInterval    time.Duration
	GasPriceBumpPct int
}

// Transactor is the single writer for one account. Every write holds the
// mutex from nonce lookup until the receipt is known, so nonces are assigned
// strictly in submission order.
type Transactor struct {
	backend Backend
	signer  *crypto.TxSigner
	waiter  *ReceiptWaiter
	bumpPct int64
	logger  *slog.Logger

	mu sync.Mutex
}

// NewTransactor creates a Transactor that signs with signer.
func NewTransactor(backend Backend, signer *crypto.TxSigner, cfg TransactorConfig, logger *slog.Logger) *Transactor {
	return &Transactor{
		backend: backend,
		signer:  signer,
		waiter:  NewReceiptWaiter(backend, cfg.ReceiptTimeout, cfg.PollInterval),
		bumpPct: int64(cfg.GasPriceBumpPct),
		logger:  logger.With(slog.String("component", "transactor")),
	}
}

// From returns the sending account.
func (t *Transactor) From() common.Address { return t.signer.Address() }

// Transact signs and sends a legacy transaction and waits for its receipt.
// A mined-but-failed transaction returns the receipt together with a
// *domain.TxError wrapping domain.ErrReverted.
func (t *Transactor) Transact(ctx context.Context, to common.Address, value *big.Int, data []byte) (domain.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	from := t.signer.Address()

	t.mu.Lock()
	defer t.mu.Unlock()

	nonce, err := t.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := t.backend.SuggestGasPrice(ctx)
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("gas price: %w", err)
	}
	if t.bumpPct > 0 {
		bump := new(big.Int).Mul(gasPrice, big.NewInt(t.bumpPct))
		gasPrice = new(big.Int).Add(gasPrice, bump.Div(bump, big.NewInt(100)))
	}

	gas, err := t.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     data,
	})
	if err != nil {
		return domain.Receipt{}, fmt.Errorf("estimate gas: %w", classifyCallErr(err))
	}
	gas += gas * gasLimitBufferPct / 100

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := t.signer.SignTx(tx)
	if err != nil {
		return domain.Receipt{}, err
	}
	if err := t.backend.SendTransaction(ctx, signed); err != nil {
		return domain.Receipt{}, fmt.Errorf("send: %w", classifyCallErr(err))
	}

	hash := signed.Hash()
	t.logger.InfoContext(ctx, "transaction sent",
		slog.String("tx", hash.Hex()),
		slog.String("to", to.Hex()),
		slog.Uint64("nonce", nonce),
		slog.Uint64("gas", gas),
	)

	rcpt, err := t.waiter.Wait(ctx, hash)
	if err != nil {
		return domain.Receipt{TxHash: hash}, &domain.TxError{Hash: hash, Err: err}
	}
	if !rcpt.Success {
		return rcpt, &domain.TxError{Hash: hash, Err: domain.ErrReverted}
	}
	return rcpt, nil
}

// classifyCallErr tags node errors that indicate the call would revert.
func classifyCallErr(err error) error {
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return fmt.Errorf("%w: %v", domain.ErrReverted, err)
	}
	return err
}

// ReceiptSource looks up transaction receipts.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// ReceiptWaiter polls for a receipt until it appears or the timeout passes.
type ReceiptWaiter struct {
	src      ReceiptSource
	timeout  time.Duration
	interval time.Duration
}

// NewReceiptWaiter applies defaults of 2m timeout and 3s polling.
func NewReceiptWaiter(src ReceiptSource, timeout, interval time.Duration) *ReceiptWaiter {
	if timeout <= 0 {
		timeout = defaultReceiptTimeout
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &ReceiptWaiter{src: src, timeout: timeout, interval: interval}
}

// Wait blocks until hash is mined. It returns domain.ErrReceiptTimeout when
// the timeout elapses first; the transaction may still land later.
func (w *ReceiptWaiter) Wait(ctx context.Context, hash common.Hash) (domain.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		r, err := w.src.TransactionReceipt(waitCtx, hash)
		if err == nil && r != nil {
			return domain.Receipt{
				TxHash:      hash,
				BlockNumber: blockNumber(r),
				GasUsed:     r.GasUsed,
				Success:     r.Status == types.ReceiptStatusSuccessful,
			}, nil
		}
		// Not-found and transient RPC errors both mean "poll again".

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return domain.Receipt{}, ctx.Err()
			}
			return domain.Receipt{}, domain.ErrReceiptTimeout
		case <-ticker.C:
		}
	}
}

func blockNumber(r *types.Receipt) uint64 {
	if r.BlockNumber == nil {
		return 0
	}
	return r.BlockNumber.Uint64()
}

