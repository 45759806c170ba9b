// Package chain reads and writes the prediction-market factory and its market
// contracts over a BSC JSON-RPC endpoint.
package chain

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

var (
	factoryABI abi.ABI
	marketABI  abi.ABI
)

func init() {
	var err error

	factoryABI, err = abi.JSON(strings.NewReader(`[
		{"name":"getMarketCount","type":"function","stateMutability":"view",
		 "inputs":[],"outputs":[{"name":"","type":"uint256"}]},
		{"name":"getMarkets","type":"function","stateMutability":"view",
		 "inputs":[{"name":"offset","type":"uint256"},{"name":"limit","type":"uint256"}],
		 "outputs":[{"name":"","type":"address[]"}]},
		{"name":"isMarket","type":"function","stateMutability":"view",
		 "inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
		{"name":"createMarket","type":"function","stateMutability":"payable",
		 "inputs":[{"name":"priceId","type":"bytes32"},{"name":"duration","type":"uint256"},{"name":"pythUpdateData","type":"bytes[]"}],
		 "outputs":[{"name":"","type":"address"}]},
		{"name":"resolveMarket","type":"function","stateMutability":"payable",
		 "inputs":[{"name":"market","type":"address"},{"name":"pythUpdateData","type":"bytes[]"}],
		 "outputs":[]},
		{"name":"cancelMarket","type":"function","stateMutability":"nonpayable",
		 "inputs":[{"name":"market","type":"address"}],"outputs":[]}
	]`))
	if err != nil {
		panic("factory abi parse: " + err.Error())
	}

	marketABI, err = abi.JSON(strings.NewReader(`[
		{"name":"getMarketInfo","type":"function","stateMutability":"view","inputs":[],
		 "outputs":[
			{"name":"state","type":"uint8"},
			{"name":"priceId","type":"bytes32"},
			{"name":"strikePrice","type":"int64"},
			{"name":"strikePriceExpo","type":"int32"},
			{"name":"startTime","type":"uint256"},
			{"name":"tradingEnd","type":"uint256"},
			{"name":"expiryTime","type":"uint256"},
			{"name":"upPool","type":"uint256"},
			{"name":"downPool","type":"uint256"},
			{"name":"totalPool","type":"uint256"}]},
		{"name":"getUserBets","type":"function","stateMutability":"view",
		 "inputs":[{"name":"user","type":"address"}],
		 "outputs":[
			{"name":"upBet","type":"uint256"},
			{"name":"downBet","type":"uint256"},
			{"name":"upShares","type":"uint256"},
			{"name":"downShares","type":"uint256"}]},
		{"name":"winningSide","type":"function","stateMutability":"view",
		 "inputs":[],"outputs":[{"name":"","type":"uint8"}]},
		{"name":"resolutionPrice","type":"function","stateMutability":"view",
		 "inputs":[],"outputs":[{"name":"","type":"int64"}]},
		{"name":"bet","type":"function","stateMutability":"payable",
		 "inputs":[{"name":"side","type":"uint8"}],"outputs":[]},
		{"name":"claim","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]},
		{"name":"refund","type":"function","stateMutability":"nonpayable","inputs":[],"outputs":[]}
	]`))
	if err != nil {
		panic("market abi parse: " + err.Error())
	}
}

// EncodeClaim returns calldata for market.claim().
func EncodeClaim() []byte {
	return mustPack(marketABI, "claim")
}

// EncodeRefund returns calldata for market.refund().
func EncodeRefund() []byte {
	return mustPack(marketABI, "refund")
}

// EncodeBet returns calldata for market.bet(side).
func EncodeBet(side uint8) []byte {
	return mustPack(marketABI, "bet", side)
}

// mustPack is for argument lists fixed at compile time.
func mustPack(parsed abi.ABI, method string, args ...any) []byte {
	data, err := parsed.Pack(method, args...)
	if err != nil {
		panic(fmt.Sprintf("chain: pack %s: %v", method, err))
	}
	return data
}
