package custody_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/strikekeeper/internal/chain"
	"github.com/alanyoungcy/strikekeeper/internal/crypto"
	"github.com/alanyoungcy/strikekeeper/internal/custody"
	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

const txHash = "0x1111111111111111111111111111111111111111111111111111111111111111"

var market = common.HexToAddress("0x00000000000000000000000000000000000000aa")

type receipts struct{ status uint64 }

func (r receipts) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	return &types.Receipt{TxHash: h, Status: r.status, BlockNumber: big.NewInt(9)}, nil
}

type captured struct {
	path   string
	bearer string
	sig    string
	ts     string
	body   []byte
}

func newServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.bearer = r.Header.Get("Authorization")
		got.sig = r.Header.Get(crypto.HeaderSignature)
		got.ts = r.Header.Get(crypto.HeaderTimestamp)
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func newClient(url string, auth *crypto.HMACAuth) *custody.Client {
	return custody.NewClient(custody.Config{BaseURL: url, APIKey: "tok", Auth: auth, ChainID: 97},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestSend(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"hash":"`+txHash+`"}`)
	auth := &crypto.HMACAuth{Key: "k", Secret: "s"}
	c := newClient(srv.URL, auth)

	hash, err := c.Send(context.Background(), "wallet-1", market, big.NewInt(5), []byte{0xde, 0xad})
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash(txHash), hash)

	assert.Equal(t, "/wallets/wallet-1/transactions", got.path)
	assert.Equal(t, "Bearer tok", got.bearer)
	assert.True(t, auth.Verify(http.MethodPost, got.path, string(got.body), got.ts, got.sig))

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, market.Hex(), body["to"])
	assert.Equal(t, "0x5", body["value"])
	assert.Equal(t, "0xdead", body["data"])
	assert.Equal(t, "eip155:97", body["caip2"])
	assert.EqualValues(t, 97, body["chain_id"])
}

func TestSend_Errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		reply  string
		is     error
	}{
		{"rate limited", http.StatusTooManyRequests, "", domain.ErrRateLimited},
		{"revert", http.StatusBadRequest, "execution reverted: nothing to claim", domain.ErrReverted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newServer(t, tt.status, tt.reply)
			_, err := newClient(srv.URL, nil).Send(context.Background(), "w", market, nil, nil)
			assert.ErrorIs(t, err, tt.is)
		})
	}

	srv, _ := newServer(t, http.StatusOK, `{"hash":"0x12"}`)
	_, err := newClient(srv.URL, nil).Send(context.Background(), "w", market, nil, nil)
	assert.ErrorContains(t, err, "malformed tx hash")

	_, err = newClient(srv.URL, nil).Send(context.Background(), "", market, nil, nil)
	assert.ErrorIs(t, err, domain.ErrNoSigner)
}

func TestSettlers(t *testing.T) {
	srv, got := newServer(t, http.StatusOK, `{"hash":"`+txHash+`"}`)
	waiter := chain.NewReceiptWaiter(receipts{status: types.ReceiptStatusSuccessful}, time.Second, 10*time.Millisecond)
	src := custody.NewSettlers(newClient(srv.URL, nil), waiter)
	ctx := context.Background()

	_, err := src.SettlerFor(ctx, domain.User{ID: 1})
	assert.ErrorIs(t, err, domain.ErrNoSigner)

	s, err := src.SettlerFor(ctx, domain.User{ID: 1, WalletID: "w-1"})
	require.NoError(t, err)

	rcpt, err := s.Claim(ctx, market)
	require.NoError(t, err)
	assert.True(t, rcpt.Success)
	assert.Equal(t, uint64(9), rcpt.BlockNumber)

	var body map[string]any
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, hexutil.Encode(chain.EncodeClaim()), body["data"])

	_, err = s.Refund(ctx, market)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(got.body, &body))
	assert.Equal(t, hexutil.Encode(chain.EncodeRefund()), body["data"])
}

func TestSettlers_RevertedReceipt(t *testing.T) {
	srv, _ := newServer(t, http.StatusOK, `{"hash":"`+txHash+`"}`)
	waiter := chain.NewReceiptWaiter(receipts{status: types.ReceiptStatusFailed}, time.Second, 10*time.Millisecond)
	s, err := custody.NewSettlers(newClient(srv.URL, nil), waiter).SettlerFor(context.Background(), domain.User{WalletID: "w"})
	require.NoError(t, err)

	_, err = s.Refund(context.Background(), market)
	assert.ErrorIs(t, err, domain.ErrReverted)
	h, ok := domain.TxHashOf(err)
	require.True(t, ok)
	assert.Equal(t, common.HexToHash(txHash), h)
}
