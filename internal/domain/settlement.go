package domain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Action is the settlement call to make against a market.
type Action string

const (
	ActionClaim  Action = "claim"
	ActionRefund Action = "refund"
)

// PlanItem is one pending settlement. Plans are recomputed from chain state on
// every run and never persisted.
type PlanItem struct {
	Market    common.Address `json:"market"`
	FeedLabel string         `json:"feed"`
	Action    Action         `json:"action"`
	// Amount is the expected payout basis in wei: winning shares for a claim,
	// total stake for a refund. Display only.
	Amount *big.Int `json:"amount,omitempty"`
}

// Label is the short human description used in progress and report lines.
func (p PlanItem) Label() string {
	verb := "Claim"
	if p.Action == ActionRefund {
		verb = "Refund"
	}
	return fmt.Sprintf("%s %s %s", verb, p.FeedLabel, ShortAddress(p.Market))
}

// ItemResult is the outcome of executing a single PlanItem.
type ItemResult struct {
	Item    PlanItem    `json:"item"`
	TxHash  common.Hash `json:"tx_hash"`
	Success bool        `json:"success"`
	Kind    ErrorKind   `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Progress is emitted before each item is attempted.
type Progress struct {
	RunID string `json:"run_id"`
	Index int    `json:"index"` // 1-based
	Total int    `json:"total"`
	Label string `json:"label"`
}

// Report summarises one settlement run.
type Report struct {
	RunID      string         `json:"run_id"`
	UserID     int64          `json:"user_id"`
	Wallet     common.Address `json:"wallet"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Results    []ItemResult   `json:"results"`
	Attempted  int            `json:"attempted"`
	Succeeded  int            `json:"succeeded"`
	Failed     int            `json:"failed"`
}

// Record appends res and updates the counters.
func (r *Report) Record(res ItemResult) {
	r.Results = append(r.Results, res)
	r.Attempted++
	if res.Success {
		r.Succeeded++
	} else {
		r.Failed++
	}
}

// Lines renders one summary line followed by one line per item.
func (r Report) Lines() []string {
	if r.Attempted == 0 {
		return []string{"Nothing to claim or refund."}
	}
	lines := make([]string, 0, len(r.Results)+1)
	lines = append(lines, fmt.Sprintf("Settled %d of %d (%d failed)", r.Succeeded, r.Attempted, r.Failed))
	for _, res := range r.Results {
		if res.Success {
			lines = append(lines, fmt.Sprintf("%s: ok (%s BNB) tx %s",
				res.Item.Label(), FormatWei(res.Item.Amount), res.TxHash.Hex()))
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: failed [%s] %s", res.Item.Label(), res.Kind, res.Error))
	}
	return lines
}

// ShortAddress abbreviates an address as 0x1234…abcd.
func ShortAddress(a common.Address) string {
	h := a.Hex()
	return h[:6] + "…" + h[len(h)-4:]
}

// ShortHash abbreviates a transaction hash as 0x12345678…abcd.
func ShortHash(h common.Hash) string {
	s := h.Hex()
	return s[:10] + "…" + s[len(s)-4:]
}

// Receipt is the mined outcome of a submitted transaction.
type Receipt struct {
	TxHash      common.Hash `json:"tx_hash"`
	BlockNumber uint64      `json:"block_number"`
	GasUsed     uint64      `json:"gas_used"`
	Success     bool        `json:"success"`
}
