package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ksred/signal-relay/internal/auth"
	"github.com/ksred/signal-relay/internal/dispatch"
	"github.com/ksred/signal-relay/internal/facade"
	"github.com/ksred/signal-relay/internal/types"
)

type orderFlags struct {
	tradeID  string
	symbol   string
	side     string
	lot      string
	price    string
	stopLoss string
}

func (f *orderFlags) parse(needPrice bool) (types.Side, decimal.Decimal, decimal.Decimal, decimal.Decimal, error) {
	side, ok := types.ParseSide(f.side)
	if !ok {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("invalid side %q", f.side)
	}
	lot, err := decimal.NewFromString(f.lot)
	if err != nil || !lot.IsPositive() {
		return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("invalid lot %q", f.lot)
	}
	var price, sl decimal.Decimal
	if needPrice {
		price, err = decimal.NewFromString(f.price)
		if err != nil || !price.IsPositive() {
			return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("invalid price %q", f.price)
		}
		if f.stopLoss != "" {
			sl, err = decimal.NewFromString(f.stopLoss)
			if err != nil || sl.IsNegative() {
				return "", decimal.Zero, decimal.Zero, decimal.Zero, fmt.Errorf("invalid stop loss %q", f.stopLoss)
			}
		}
	}
	return side, lot, price, sl, nil
}

func newEntryCmd(cfg *rootConfig) *cobra.Command {
	f := &orderFlags{}
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "send an entry signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			side, lot, price, sl, err := f.parse(true)
			if err != nil {
				return err
			}
			if f.tradeID == "" {
				f.tradeID = uuid.NewString()[:8]
			}

			var res dispatch.Result
			payload := entryPayload(f.tradeID, f.symbol, side, lot, price, sl)
			if err := cfg.client().do(cmd.Context(), "trade_entry", http.MethodPost, "/trade", payload, &res); err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.tradeID, "trade-id", "", "trade id (random when empty)")
	cmd.Flags().StringVar(&f.symbol, "symbol", "EURUSD", "instrument")
	cmd.Flags().StringVar(&f.side, "side", "buy", "buy or sell")
	cmd.Flags().StringVar(&f.lot, "lot", "0.01", "lot size")
	cmd.Flags().StringVar(&f.price, "price", "", "limit price")
	cmd.Flags().StringVar(&f.stopLoss, "sl", "", "stop loss price")
	_ = cmd.MarkFlagRequired("price")
	return cmd
}

func newExitCmd(cfg *rootConfig) *cobra.Command {
	f := &orderFlags{}
	cmd := &cobra.Command{
		Use:   "exit",
		Short: "send an exit signal",
		RunE: func(cmd *cobra.Command, args []string) error {
			side, lot, _, _, err := f.parse(false)
			if err != nil {
				return err
			}

			var res dispatch.Result
			payload := exitPayload(f.tradeID, f.symbol, side, lot)
			if err := cfg.client().do(cmd.Context(), "trade_exit", http.MethodPost, "/trade", payload, &res); err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.tradeID, "trade-id", "", "trade id (match on symbol, side and lot when empty)")
	cmd.Flags().StringVar(&f.symbol, "symbol", "EURUSD", "instrument")
	cmd.Flags().StringVar(&f.side, "side", "buy", "side of the trade being closed")
	cmd.Flags().StringVar(&f.lot, "lot", "0.01", "lot size")
	return cmd
}

func newTradesCmd(cfg *rootConfig) *cobra.Command {
	var state, account, symbol string
	var limit int
	cmd := &cobra.Command{
		Use:   "trades [trade-id]",
		Short: "list stored trades, or every account's record of one trade",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/trades"
			if len(args) == 1 {
				path += "/" + url.PathEscape(args[0])
			} else {
				q := url.Values{}
				if state != "" {
					q.Set("state", state)
				}
				if account != "" {
					q.Set("account", account)
				}
				if symbol != "" {
					q.Set("symbol", symbol)
				}
				if limit > 0 {
					q.Set("limit", fmt.Sprint(limit))
				}
				if len(q) > 0 {
					path += "?" + q.Encode()
				}
			}

			var list facade.TradeList
			if err := cfg.client().do(cmd.Context(), "trades", http.MethodGet, path, nil, &list); err != nil {
				return err
			}
			printTrades(cmd.OutOrStdout(), list)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "PENDING, OPEN or CLOSED")
	cmd.Flags().StringVar(&account, "account", "", "account name")
	cmd.Flags().StringVar(&symbol, "symbol", "", "instrument")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum records")
	return cmd
}

func newHealthCmd(cfg *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "show relay health",
		RunE: func(cmd *cobra.Command, args []string) error {
			var h facade.Health
			if err := cfg.client().do(cmd.Context(), "health", http.MethodGet, "/", nil, &h); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), h)
		},
	}
}

func newTokenCmd(cfg *rootConfig) *cobra.Command {
	var creds auth.Credentials
	cmd := &cobra.Command{
		Use:   "token",
		Short: "fetch an operator token for the debug routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			var tok auth.TokenResponse
			if err := cfg.client().do(cmd.Context(), "auth", http.MethodPost, "/auth/token", creds, &tok); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok.Token)
			log.Info().Time("expiration", tok.Expiration).Msg("token issued")
			return nil
		},
	}
	cmd.Flags().StringVar(&creds.APIKey, "api-key", envOr("OPERATOR_API_KEY", ""), "operator API key")
	cmd.Flags().StringVar(&creds.APISecret, "api-secret", envOr("OPERATOR_API_SECRET", ""), "operator API secret")
	return cmd
}

// newLoadCmd fires entry and exit pairs from several workers against a relay
// running with the simulated brokerage and prints latency statistics.
func newLoadCmd(cfg *rootConfig) *cobra.Command {
	var count, workers int
	var symbols []string
	cmd := &cobra.Command{
		Use:   "load",
		Short: "send entry/exit pairs concurrently and report latency",
		RunE: func(cmd *cobra.Command, args []string) error {
			if count <= 0 || workers <= 0 || len(symbols) == 0 {
				return fmt.Errorf("count, workers and symbols must be set")
			}
			client := cfg.client()
			prefix := uuid.NewString()[:8]

			jobs := make(chan int)
			var wg sync.WaitGroup
			var mu sync.Mutex
			summary := dispatch.Summary{}

			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(workerID int) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
					for i := range jobs {
						tradeID := fmt.Sprintf("%s-%d", prefix, i)
						symbol := symbols[rng.Intn(len(symbols))]
						side := types.SideBuy
						if rng.Intn(2) == 1 {
							side = types.SideSell
						}
						lot := decimal.New(int64(rng.Intn(100)+1), -2)
						price := decimal.NewFromFloat(1 + rng.Float64()).Round(5)

						var entry dispatch.Result
						err := client.do(cmd.Context(), "trade_entry", http.MethodPost, "/trade",
							entryPayload(tradeID, symbol, side, lot, price, decimal.Zero), &entry)
						if err != nil {
							log.Error().Err(err).Int("worker", workerID).Str("trade_id", tradeID).Msg("entry failed")
							continue
						}

						var exit dispatch.Result
						err = client.do(cmd.Context(), "trade_exit", http.MethodPost, "/trade",
							exitPayload(tradeID, symbol, side, lot), &exit)
						if err != nil {
							log.Error().Err(err).Int("worker", workerID).Str("trade_id", tradeID).Msg("exit failed")
						}

						mu.Lock()
						for _, s := range []dispatch.Summary{entry.Summary, exit.Summary} {
							summary.Total += s.Total
							summary.Succeeded += s.Succeeded
							summary.Failed += s.Failed
							summary.Skipped += s.Skipped
						}
						mu.Unlock()
					}
				}(w)
			}

			start := time.Now()
			for i := 0; i < count; i++ {
				jobs <- i
			}
			close(jobs)
			wg.Wait()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "\n%d trades in %s: %d account outcomes, %d succeeded, %d failed, %d skipped\n",
				count, time.Since(start).Round(time.Millisecond),
				summary.Total, summary.Succeeded, summary.Failed, summary.Skipped)
			client.printStats(out)
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 20, "number of trades")
	cmd.Flags().IntVar(&workers, "workers", 5, "concurrent senders")
	cmd.Flags().StringSliceVar(&symbols, "symbols", []string{"EURUSD", "GBPUSD", "USDJPY", "XAUUSD"}, "instruments to pick from")
	return cmd
}

func printResult(w io.Writer, res dispatch.Result) {
	fmt.Fprintf(w, "%s %s %s #%s (dispatch %s)\n", res.Kind, res.Symbol, strings.ToUpper(string(res.Side)), res.TradeID, res.DispatchID)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACCOUNT\tSTATUS\tACTION\tORDER\tPOSITION\tP&L\tDETAIL")
	for _, o := range res.Outcomes {
		pnl := "-"
		if o.RealizedPnL != nil {
			pnl = o.RealizedPnL.StringFixed(2)
		}
		detail := o.Detail
		if o.StoreInconsistent {
			detail = "NOT RECORDED " + detail
		}
		if o.Unsettled {
			detail = "MAY STILL COMPLETE " + detail
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", o.Account, o.Status, o.Action, dash(o.OrderID), dash(o.PositionID), pnl, detail)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d succeeded, %d failed, %d skipped of %d\n",
		res.Summary.Succeeded, res.Summary.Failed, res.Summary.Skipped, res.Summary.Total)
}

func printTrades(w io.Writer, list facade.TradeList) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRADE\tACCOUNT\tSYMBOL\tSIDE\tLOT\tSTATE\tORDER\tPOSITION\tP&L")
	for _, r := range list.Trades {
		pnl := "-"
		if r.RealizedPnL.Valid {
			pnl = r.RealizedPnL.Decimal.StringFixed(2)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.TradeID, r.AccountName, r.Symbol, r.Side, r.LotSize, r.State, dash(r.OrderID), dash(r.PositionID), pnl)
	}
	tw.Flush()
	fmt.Fprintf(w, "%d records\n", list.Count)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
