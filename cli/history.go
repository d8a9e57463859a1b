package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rjeffmyers/vpnrdp/history"
	"github.com/rjeffmyers/vpnrdp/stats"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := appInstance.History()
		if err != nil {
			return err
		}
		if store == nil {
			fmt.Println("Session history is disabled.")
			return nil
		}
		limit, _ := cmd.Flags().GetInt("limit")
		entries, err := store.Recent(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No sessions recorded yet.")
			return nil
		}
		printHistory(cmd.Context(), os.Stdout, entries, store)
		return nil
	},
}

type trafficTotals interface {
	TrafficTotals(ctx context.Context, sessionID string) (in, out uint64, err error)
}

func printHistory(ctx context.Context, out io.Writer, entries []history.Entry, totals trafficTotals) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tPROFILE\tDURATION\tRESULT\tIN\tOUT")
	fmt.Fprintln(w, "-------\t-------\t--------\t------\t--\t---")
	for _, e := range entries {
		result := e.State
		if e.ErrorKind != "" {
			result += " (" + e.ErrorKind + ")"
		}
		in, outBytes := "-", "-"
		if totals != nil {
			if i, o, err := totals.TrafficTotals(ctx, e.ID); err == nil && (i > 0 || o > 0) {
				in, outBytes = stats.FormatBytes(i), stats.FormatBytes(o)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.StartedAt.Local().Format("2006-01-02 15:04"), e.Profile,
			formatDuration(e.Duration()), result, in, outBytes)
	}
	w.Flush()
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 20, "number of sessions to show")
	rootCmd.AddCommand(historyCmd)
}
