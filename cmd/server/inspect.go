package main

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"matchcore/domain/orderbook"
	"matchcore/domain/tx"
	"matchcore/infra/config"
	"matchcore/snapshot"
)

func inspectCmd(v *viper.Viper) *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Summarize the latest snapshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := loadSnapshot(cmd, v, url)
			if err != nil {
				return err
			}
			return summarize(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "fetch the snapshot from a URL instead of the local store")
	return cmd
}

func loadSnapshot(cmd *cobra.Command, v *viper.Viper, url string) (*snapshot.State, error) {
	if url != "" {
		_, st, err := snapshot.Fetch(cmd.Context(), &http.Client{Timeout: time.Minute}, url)
		return st, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	store, err := openStore(cfg.Storage)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	_, blob, err := store.Latest()
	if err != nil {
		return nil, err
	}
	return snapshot.Decode(blob)
}

func summarize(out io.Writer, st *snapshot.State) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	if st.HasIndex {
		fmt.Fprintf(w, "index\t%d\n", st.Index)
	} else {
		fmt.Fprintf(w, "index\t-\n")
	}
	fmt.Fprintf(w, "accounts\t%d\n", len(st.Accounts))
	fmt.Fprintf(w, "withdrawals\t%d\n", len(st.Withdrawals))
	for _, m := range st.Watermarks {
		fmt.Fprintf(w, "watermark %s\t%d\n", m.Chain, m.Block)
	}

	fmt.Fprintf(w, "\nmarket\torders\tbest bid\tbest ask\tcandles\n")
	for _, m := range st.Markets {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\n",
			m.Pair, len(m.Orders), best(m.BidDepth, true), best(m.AskDepth, false), len(m.Candles))
	}

	totals := make(map[tx.Token]float64)
	for _, e := range st.Balances {
		totals[e.Token] += e.Amount
	}
	tokens := make([]tx.Token, 0, len(totals))
	for t := range totals {
		tokens = append(tokens, t)
	}
	sort.Slice(tokens, func(i, j int) bool { return tokens[i].Less(tokens[j]) })

	fmt.Fprintf(w, "\ntoken\tfree balance\n")
	for _, t := range tokens {
		fmt.Fprintf(w, "%s\t%g\n", t, totals[t])
	}
	return w.Flush()
}

func best(levels []orderbook.Level, highest bool) string {
	if len(levels) == 0 {
		return "-"
	}
	p := levels[0].Price
	for _, l := range levels[1:] {
		if (highest && l.Price > p) || (!highest && l.Price < p) {
			p = l.Price
		}
	}
	return fmt.Sprintf("%g", p)
}
