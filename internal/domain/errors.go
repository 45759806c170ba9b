package domain

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrAlreadyExists        = errors.New("already exists")
	ErrRateLimited          = errors.New("rate limited")
	ErrLockHeld             = errors.New("lock already held")
	ErrReverted             = errors.New("transaction reverted")
	ErrReceiptTimeout       = errors.New("timed out waiting for receipt")
	ErrNotFactoryMarket     = errors.New("address is not a factory market")
	ErrNoSigner             = errors.New("no signer available")
	ErrSettlementInProgress = errors.New("settlement already in progress")
)

// ErrorKind classifies failures for reports and retry decisions.
type ErrorKind string

const (
	// KindTransient covers RPC, oracle and custody failures. The next tick or
	// run retries naturally.
	KindTransient ErrorKind = "transient"
	// KindRevert is an on-chain rejection of a submitted transaction.
	KindRevert ErrorKind = "revert"
	// KindInvariant means chain data contradicted an assumption, such as a
	// ledger market that the factory does not recognise.
	KindInvariant ErrorKind = "invariant"
	// KindFatal is a setup problem that no retry will fix.
	KindFatal ErrorKind = "fatal"
)

// KindOf maps an error to its ErrorKind. Nil maps to "".
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrReverted):
		return KindRevert
	case errors.Is(err, ErrNotFactoryMarket):
		return KindInvariant
	case errors.Is(err, ErrNoSigner):
		return KindFatal
	default:
		return KindTransient
	}
}

// TxError attaches the transaction hash to a failed write.
type TxError struct {
	Hash common.Hash
	Err  error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %s: %v", e.Hash.Hex(), e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// TxHashOf extracts the hash from a TxError anywhere in err's chain.
func TxHashOf(err error) (common.Hash, bool) {
	var te *TxError
	if errors.As(err, &te) {
		return te.Hash, true
	}
	return common.Hash{}, false
}
