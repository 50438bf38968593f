package cli

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newCleanupCmd(o *options) *cobra.Command {
	var dryRun, force bool

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "End active sessions whose invite has expired",
		Long: `Cleanup runs the janitor sweep once:

- Active sessions with an expired invite are ended
- Their collaborators are forced offline
- Their event logs are compacted

Paused sessions and sessions without an invite expiry are never touched.
Use --dry-run to list what would be ended without making changes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd, o, dryRun, force)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show what would be cleaned up without making changes")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip confirmation prompt")
	return cmd
}

func runCleanup(cmd *cobra.Command, o *options, dryRun, force bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	b, err := o.backend(ctx)
	if err != nil {
		return err
	}
	defer b.Close()

	preview, err := b.Janitor.Sweep(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to scan for expired sessions: %w", err)
	}
	if len(preview.Candidates) == 0 {
		fmt.Fprintln(out, "No expired sessions found. Nothing to clean up.")
		return nil
	}

	fmt.Fprintf(out, "Expired sessions (%d):\n", len(preview.Candidates))
	for _, id := range preview.Candidates {
		fmt.Fprintf(out, "  %s\n", id)
	}

	if dryRun {
		fmt.Fprintln(out, "\nDry run mode - no changes made.")
		return nil
	}

	if !force && !confirm(cmd.InOrStdin(), out, "\nEnd these sessions? [y/N] ") {
		fmt.Fprintln(out, "Cleanup cancelled.")
		return nil
	}

	report, err := b.Janitor.Sweep(ctx, false)
	if err != nil {
		return fmt.Errorf("sweep failed: %w", err)
	}

	fmt.Fprintf(out, "Ended %d session(s), compacted %d event(s).\n", len(report.Ended), report.Compacted)
	if !report.HasFailures() {
		return nil
	}

	failed := make([]string, 0, len(report.Failed))
	for id := range report.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	fmt.Fprintf(out, "Failed to end %d session(s):\n", len(failed))
	for _, id := range failed {
		fmt.Fprintf(out, "  %s: %s\n", id, report.Failed[id])
	}
	return fmt.Errorf("%d session(s) could not be ended", len(failed))
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	response, _ := bufio.NewReader(in).ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
