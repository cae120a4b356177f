package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nickcecere/revsearch/internal/config"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/ui"
)

var reconcileModeFlag string

// reconcileCmd compares the index with the metadata log.
var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Compare the index with the metadata log",
	Long: `Compare the number of indexed vectors with the number of stored reviews.

In report mode the difference is only printed. In repair mode, reviews
missing from the index are embedded and added, and an index holding more
vectors than the log has reviews is rebuilt from the log.

Examples:
  revsearch reconcile
  revsearch reconcile --mode repair`,
	Args: cobra.NoArgs,
	RunE: runReconcile,
}

func init() {
	reconcileCmd.Flags().StringVar(&reconcileModeFlag, "mode", "report", "report or repair")
}

func runReconcile(cmd *cobra.Command, args []string) error {
	mode, err := reviews.ParseReconcileMode(reconcileModeFlag)
	if err != nil {
		return err
	}
	if mode == reviews.ReconcileOff {
		return fmt.Errorf("mode must be report or repair")
	}

	ctx := context.Background()
	cfg := config.Get()

	// A corrupt archive is replaced only when repairing.
	a, err := openApp(ctx, cfg, reviews.ReconcileOff)
	if err != nil && mode == reviews.ReconcileRepair {
		a, err = openApp(ctx, cfg, reviews.ReconcileRepair)
	}
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.svc.Reconcile(ctx, mode)
	if err != nil {
		return err
	}

	fmt.Println(ui.Header.Render("Reconcile"))
	fmt.Printf("  Mode:    %s\n", report.Mode)
	fmt.Printf("  Index:   %d vectors\n", report.IndexCount)
	fmt.Printf("  Log:     %d reviews\n", report.LogCount)
	fmt.Printf("  Action:  %s\n", report.Action)
	if report.Replayed > 0 {
		fmt.Printf("  Replayed: %d\n", report.Replayed)
	}
	if report.Dropped > 0 {
		fmt.Printf("  Dropped:  %d\n", report.Dropped)
	}

	switch {
	case report.Consistent():
		fmt.Println(ui.Success.Render("Index and metadata log are aligned."))
	case report.Action == reviews.ActionReported:
		fmt.Println(ui.Warning.Render("Index and metadata log differ. Rerun with --mode repair."))
	default:
		fmt.Println(ui.Success.Render("Index repaired from the metadata log."))
	}
	return nil
}
