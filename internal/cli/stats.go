package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd(o *options) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show session and presence counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := o.backend(cmd.Context())
			if err != nil {
				return err
			}
			defer b.Close()

			stats, err := b.Janitor.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to collect stats: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Active sessions\t%d\n", stats.ActiveSessions)
			fmt.Fprintf(w, "Paused sessions\t%d\n", stats.PausedSessions)
			fmt.Fprintf(w, "Ended sessions\t%d\n", stats.EndedSessions)
			fmt.Fprintf(w, "Expired but active\t%d\n", stats.ExpiredActive)
			fmt.Fprintf(w, "Online collaborators\t%d\n", stats.OnlineCollaborators)
			fmt.Fprintf(w, "Generated at\t%s\n", stats.GeneratedAt.Format(time.RFC3339))
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output statistics as JSON")
	return cmd
}
