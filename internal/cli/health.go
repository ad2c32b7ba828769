package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/pkg/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Account credential health",
}

var healthRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Probe every active and degraded account once",
	Long: `Probe every active and degraded ad account, classify failures, and move accounts
between active, degraded and revoked. With --dry-run nothing is written; the
would-be changes are printed as SQL for manual review.`,
	RunE: runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.AddCommand(healthRunCmd)
	healthRunCmd.Flags().Bool("dry-run", false, "Classify without updating accounts; print SQL instead")
}

func runHealth(cmd *cobra.Command, _ []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	a, err := initBase(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	monitor := health.NewMonitor(a.store, a.prober(), initOperator(a.cfg, a), a.healthConfig(), a.logger)
	res, err := monitor.Run(cmd.Context(), dryRun)
	if err != nil {
		return fmt.Errorf("health run: %w", err)
	}

	fmt.Printf("Probed: %d  Skipped: %d  Changes: %d\n", res.Probed, res.Skipped, len(res.Changes))
	if len(res.Changes) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "\n  ACCOUNT\tFROM\tTO\tFAILURES\tSCORE\tERROR\n")
		for _, c := range res.Changes {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%d\t%.1f\t%s\n",
				c.AccountID, c.From, c.To, c.ConsecutiveFailures, c.FailureScore, c.LastError)
		}
		w.Flush()
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}

	if dryRun {
		fmt.Println("\n-- dry run: no accounts were updated")
		for _, stmt := range res.SQL() {
			fmt.Println(stmt)
		}
	}
	return nil
}
