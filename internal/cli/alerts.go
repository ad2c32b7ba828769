package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/pkg/alerts"
	"github.com/zimads/adsentinel/pkg/model"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "List and resolve alerts",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alerts, newest first",
	RunE:  runAlertsList,
}

var alertsResolveCmd = &cobra.Command{
	Use:   "resolve <alert-id>",
	Short: "Mark an alert resolved",
	Args:  cobra.ExactArgs(1),
	RunE:  runAlertsResolve,
}

func init() {
	rootCmd.AddCommand(alertsCmd)
	alertsCmd.AddCommand(alertsListCmd)
	alertsCmd.AddCommand(alertsResolveCmd)

	alertsListCmd.Flags().StringP("user", "u", "", "Filter by user")
	alertsListCmd.Flags().StringP("campaign", "c", "", "Filter by campaign")
	alertsListCmd.Flags().Bool("open", false, "Only unresolved alerts")
	alertsListCmd.Flags().IntP("limit", "n", 50, "Maximum number of alerts")

	alertsResolveCmd.Flags().StringP("user", "u", "", "User resolving the alert")
	_ = alertsResolveCmd.MarkFlagRequired("user")
}

func runAlertsList(cmd *cobra.Command, _ []string) error {
	user, _ := cmd.Flags().GetString("user")
	campaign, _ := cmd.Flags().GetString("campaign")
	open, _ := cmd.Flags().GetBool("open")
	limit, _ := cmd.Flags().GetInt("limit")

	a, err := initBase(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	svc := alerts.NewService(a.store, a.logger)
	list, err := svc.List(cmd.Context(), model.AlertFilter{
		UserID:     user,
		CampaignID: campaign,
		OpenOnly:   open,
		Limit:      limit,
	})
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	if len(list) == 0 {
		fmt.Println("No alerts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tCREATED\tCAMPAIGN\tKIND\tSEVERITY\tVALUE\tLIMIT\tRESOLVED\n")
	for _, al := range list {
		resolved := "-"
		if al.Resolved && al.ResolvedAt != nil {
			resolved = al.ResolvedAt.Format("2006-01-02 15:04") + " by " + al.ResolvedBy
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.4g\t%.4g\t%s\n",
			al.ID, al.CreatedAt.Format("2006-01-02 15:04"), al.CampaignID,
			al.Kind, al.Severity, al.Value, al.Limit, resolved)
	}
	return w.Flush()
}

func runAlertsResolve(cmd *cobra.Command, args []string) error {
	user, _ := cmd.Flags().GetString("user")

	a, err := initBase(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	al, err := alerts.NewService(a.store, a.logger).Resolve(cmd.Context(), args[0], user)
	if err != nil {
		return err
	}
	fmt.Printf("Alert %s resolved by %s at %s\n", al.ID, al.ResolvedBy, al.ResolvedAt.Format("2006-01-02 15:04:05"))
	return nil
}
