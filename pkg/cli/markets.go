package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/0xMgwan/betuaa-sub000/pkg/app"
	"github.com/0xMgwan/betuaa-sub000/pkg/keeper"
	"github.com/0xMgwan/betuaa-sub000/pkg/models"
	"github.com/0xMgwan/betuaa-sub000/pkg/tracker"
)

var marketsCmd = &cobra.Command{
	Use:   "markets",
	Short: "List expired unresolved markets and their attempt state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(a *app.App) error {
			markets, states, err := a.Markets(cmd.Context())
			if err != nil {
				return err
			}
			printMarkets(cmd.OutOrStdout(), markets, states, time.Now())
			return nil
		})
	},
}

var statusColors = map[tracker.Status]*color.Color{
	tracker.StatusPending:         color.New(color.FgCyan),
	tracker.StatusSubmitted:       color.New(color.FgYellow),
	tracker.StatusConfirmed:       color.New(color.FgGreen),
	tracker.StatusFailedTransient: color.New(color.FgHiYellow),
	tracker.StatusFailedTerminal:  color.New(color.FgRed),
}

func printMarkets(w io.Writer, markets []models.Market, states []tracker.MarketState, now time.Time) {
	if len(markets) == 0 {
		fmt.Fprintln(w, "No expired unresolved markets")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFEED\tTHRESHOLD\tEXPIRED\tATTEMPTS\tSTATUS\tNEXT")
	for i, m := range markets {
		state := states[i]
		fmt.Fprintf(tw, "%d\t%s\t%s %s\t%s ago\t%d\t%s\t%s\n",
			m.ID,
			shortHex(m.FeedID.Hex()),
			m.Direction(),
			m.ThresholdDecimal().String(),
			now.Sub(m.ExpiryTime).Round(time.Second),
			state.AttemptCount,
			statusLabel(state),
			nextLabel(state, now),
		)
	}
	_ = tw.Flush()
}

func statusLabel(state tracker.MarketState) string {
	status := state.LastAttempt.Status
	if status == "" {
		return "new"
	}
	label := string(status)
	if state.Reason != "" {
		label += " (" + state.Reason + ")"
	}
	if c, ok := statusColors[status]; ok {
		return c.Sprint(label)
	}
	return label
}

func nextLabel(state tracker.MarketState, now time.Time) string {
	switch {
	case state.Permanent:
		return "never"
	case state.ExcludedUntil.After(now):
		return "in " + state.ExcludedUntil.Sub(now).Round(time.Second).String()
	case state.RetryAfter.After(now):
		return "in " + state.RetryAfter.Sub(now).Round(time.Second).String()
	default:
		return "now"
	}
}

func shortHex(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:8] + "…" + s[len(s)-4:]
}

func printSummary(w io.Writer, s keeper.CycleSummary) {
	bold := color.New(color.Bold)
	bold.Fprintf(w, "Cycle %s\n", s.ID)
	fmt.Fprintf(w, "  candidates: %d\n", s.Candidates)
	color.New(color.FgGreen).Fprintf(w, "  confirmed:  %d\n", s.Confirmed)
	fmt.Fprintf(w, "  abandoned:  %d\n", s.Abandoned)
	color.New(color.FgYellow).Fprintf(w, "  retried:    %d\n", s.Retried)
	fmt.Fprintf(w, "  skipped:    %d\n", s.Skipped)
	fmt.Fprintf(w, "  held:       %d\n", s.Held)
	fmt.Fprintf(w, "  locked:     %d\n", s.Locked)
	fmt.Fprintf(w, "  duration:   %s\n", s.Duration.Round(time.Millisecond))
}
