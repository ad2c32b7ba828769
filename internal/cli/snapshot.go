package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zimads/adsentinel/pkg/model"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Campaign metric snapshots",
}

var snapshotRecordCmd = &cobra.Command{
	Use:   "record <campaign-id>",
	Short: "Record a metric snapshot and evaluate the campaign",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRecord,
}

func init() {
	rootCmd.AddCommand(snapshotCmd)
	snapshotCmd.AddCommand(snapshotRecordCmd)

	f := snapshotRecordCmd.Flags()
	f.Int64("impressions", 0, "Impressions")
	f.Int64("clicks", 0, "Clicks")
	f.Float64("ctr", 0, "Click-through rate as a fraction (0.012 = 1.2%)")
	f.Float64("cpc", 0, "Cost per click")
	f.Float64("spend", 0, "Spend so far today")
	f.Float64("frequency", 0, "Average impressions per person reached")
	f.Int64("reach", 0, "People reached")
	f.String("at", "", "Capture time, RFC 3339 (default: now)")
}

func runSnapshotRecord(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	snap := &model.MetricSnapshot{CampaignID: args[0], CapturedAt: time.Now().UTC()}
	snap.Impressions, _ = f.GetInt64("impressions")
	snap.Clicks, _ = f.GetInt64("clicks")
	snap.CTR, _ = f.GetFloat64("ctr")
	snap.CPC, _ = f.GetFloat64("cpc")
	snap.Spend, _ = f.GetFloat64("spend")
	snap.Frequency, _ = f.GetFloat64("frequency")
	snap.Reach, _ = f.GetInt64("reach")
	if at, _ := f.GetString("at"); at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("parse --at: %w", err)
		}
		snap.CapturedAt = t.UTC()
	}

	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(a)

	eval, err := a.pipeline.RecordSnapshot(cmd.Context(), snap)
	if eval == nil {
		return err
	}
	fmt.Printf("Snapshot %s recorded for campaign %s\n", snap.ID, snap.CampaignID)
	printEvaluation(eval)
	a.pipeline.Wait()
	return err
}
