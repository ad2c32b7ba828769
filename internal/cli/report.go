package cli

import (
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/pkg/model"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Scheduled performance reports",
}

var reportRunCmd = &cobra.Command{
	Use:   "run [morning|afternoon|evening]",
	Short: "Generate and deliver reports for one window now",
	Long: `Generate reports for every user subscribed to the window and deliver the ones
that ask for attention. Without an argument the window containing the current
time in reports.timezone is used.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportRunCmd)
}

func runReport(cmd *cobra.Command, args []string) error {
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	window := model.WindowAt(time.Now().In(a.cfg.Location()))
	if len(args) == 1 {
		window = model.ReportWindow(args[0])
		if !slices.Contains(model.Windows, window) {
			return fmt.Errorf("unknown window %q (want one of %v)", args[0], model.Windows)
		}
	}

	res, err := a.pipeline.RunReports(cmd.Context(), window)
	if err != nil {
		return err
	}
	a.pipeline.Wait()

	fmt.Printf("=== %s reports ===\n", window)
	fmt.Printf("Users:      %d\n", res.Users)
	fmt.Printf("Generated:  %d\n", res.Generated)
	fmt.Printf("Empty:      %d\n", res.Empty)
	fmt.Printf("Enqueued:   %d\n", res.Enqueued)

	if len(res.Failures) > 0 {
		fmt.Printf("\nFailures:\n")
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "  USER\tERROR\n")
		for _, f := range res.Failures {
			fmt.Fprintf(w, "  %s\t%s\n", f.UserID, f.Error)
		}
		w.Flush()
	}
	return nil
}
