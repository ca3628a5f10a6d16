package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marketscope/core/internal/agent/model"
	"github.com/marketscope/core/internal/agent/session"
	errx "github.com/marketscope/core/internal/core/error"
)

var researchCmd = &cobra.Command{
	Use:   "research [query]",
	Short: "Run one market analysis and print the result",
	Long: `Submits the query, shows stage progress while records stream in and
prints the committed verdict, market snapshot and products.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResearch,
}

func runResearch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := research(ctx, a, strings.Join(args, " "))
	printSummary(cmd.OutOrStdout(), snap)
	return err
}

// research runs query to completion and returns the resulting snapshot. A
// run superseded by a newer one is not an error for the caller.
func research(ctx context.Context, a *app, query string) (session.Snapshot, error) {
	_, err := a.session.Run(ctx, query)
	if errors.Is(err, errx.ErrStaleRun) {
		err = nil
	}
	return a.session.Snapshot(), err
}

func printSummary(out io.Writer, snap session.Snapshot) {
	switch snap.State {
	case model.RunComplete:
	case model.RunFailed:
		fmt.Fprintf(out, "Research failed: %v\n", snap.Err)
		return
	default:
		if snap.Notice != "" {
			fmt.Fprintln(out, snap.Notice)
		}
		return
	}

	rs := snap.Result
	fmt.Fprintf(out, "Run %s: %s\n", rs.RunID, rs.Query)
	if d := rs.Decision; d != nil {
		fmt.Fprintf(out, "Verdict: %s", d.Verdict)
		if d.Score != 0 {
			fmt.Fprintf(out, " (%.1f)", d.Score)
		}
		fmt.Fprintln(out)
		for _, r := range d.Reasons {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	if s := rs.Snapshot; s != nil {
		fmt.Fprintf(out, "Median price $%.2f, median reviews %.0f, sponsored %.0f%%\n",
			s.MedianPrice, s.MedianReviews, s.SponsoredShare*100)
	}
	for _, it := range rs.AllItems() {
		price := "n/a"
		if it.Price != nil {
			price = fmt.Sprintf("$%.2f", *it.Price)
		}
		fmt.Fprintf(out, "  %-12s %-8s %6d reviews  %s\n", it.ID, price, it.Reviews, it.Title)
	}
	for _, w := range rs.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
}
