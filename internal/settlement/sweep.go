package settlement

import (
	"fmt"
	"io"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"

	"github.com/alanyoungcy/strikekeeper/internal/domain"
)

// Recovered sums the expected amounts of the successful items.
func (r SweepResult) Recovered() *big.Int {
	sum := new(big.Int)
	for _, res := range r.Report.Results {
		if res.Success && res.Item.Amount != nil {
			sum.Add(sum, res.Item.Amount)
		}
	}
	return sum
}

// WriteTable renders the per-item results and a totals footer.
func (r SweepResult) WriteTable(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Action", "Feed", "Market", "Amount (BNB)", "Result", "Tx")
	for i, res := range r.Report.Results {
		result := "ok"
		if !res.Success {
			result = fmt.Sprintf("failed [%s]", res.Kind)
		}
		tx := ""
		if res.TxHash != (common.Hash{}) {
			tx = domain.ShortHash(res.TxHash)
		}
		if err := table.Append(
			fmt.Sprintf("%d", i+1),
			string(res.Item.Action),
			res.Item.FeedLabel,
			domain.ShortAddress(res.Item.Market),
			domain.FormatWei(res.Item.Amount),
			result,
			tx,
		); err != nil {
			return err
		}
	}
	if err := table.Render(); err != nil {
		return err
	}

	c := r.Plan.Classification
	_, err := fmt.Fprintf(w,
		"\nScanned %d markets: %d active, %d resolved, %d cancelled\n"+
			"Claims %d, refunds %d, failed %d\n"+
			"Recovered %s BNB\n",
		r.Scanned, len(c.Active), len(c.Resolved), len(c.Cancelled),
		countAction(r.Report, domain.ActionClaim), countAction(r.Report, domain.ActionRefund), r.Report.Failed,
		domain.FormatWei(r.Recovered()),
	)
	return err
}

func countAction(rep domain.Report, a domain.Action) int {
	n := 0
	for _, res := range rep.Results {
		if res.Success && res.Item.Action == a {
			n++
		}
	}
	return n
}
