package cli

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/internal/pipeline"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate [campaign-id]",
	Short: "Evaluate campaign metrics against thresholds",
	Long: `Compare the latest metric snapshot of a campaign, or of every campaign with --all,
against the owner's thresholds. New alerts are stored and delivered; conditions
that already have an open alert are reported as deduped.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEvaluate,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().Bool("all", false, "Evaluate every campaign of a non-revoked account")
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	if all == (len(args) == 1) {
		return errors.New("pass a campaign id or --all")
	}

	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	if all {
		res, err := a.pipeline.EvaluateAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Campaigns: %d  Created: %d  Deduped: %d\n", res.Campaigns, res.Created, res.Deduped)
		for _, f := range res.Failures {
			fmt.Fprintf(os.Stderr, "error: %s\n", f)
		}
		return nil
	}

	eval, err := a.pipeline.EvaluateCampaign(cmd.Context(), args[0])
	if eval == nil {
		return fmt.Errorf("evaluate %s: %w", args[0], err)
	}
	printEvaluation(eval)
	return err
}

func printEvaluation(eval *pipeline.Evaluation) {
	if len(eval.Created)+len(eval.Deduped) == 0 {
		fmt.Printf("Campaign %s: no thresholds crossed\n", eval.CampaignID)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "  ALERT\tKIND\tSEVERITY\tSTATUS\tMESSAGE\n")
	for _, al := range eval.Created {
		fmt.Fprintf(w, "  %s\t%s\t%s\tcreated\t%s\n", al.ID, al.Kind, al.Severity, al.Message)
	}
	for _, al := range eval.Deduped {
		fmt.Fprintf(w, "  %s\t%s\t%s\tdeduped\t%s\n", al.ID, al.Kind, al.Severity, al.Message)
	}
	w.Flush()
}
