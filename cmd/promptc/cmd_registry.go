package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"promptc/internal/registry"
)

var (
	promoteMinDelta    float64
	promoteSkipHoldout bool
)

var promoteCmd = &cobra.Command{
	Use:   "promote [signature-id] [compiled-id]",
	Short: "Promote a compiled artifact to active",
	Long: `Points production traffic for the signature at the artifact.

The promotion gate compares the candidate's frozen holdout score
against the currently active artifact's; candidates that do not beat
the incumbent by --min-delta are rejected. Artifacts without holdout
evidence are rejected unless --skip-holdout is set.`,
	Args: cobra.ExactArgs(2),
	RunE: runPromote,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [signature-id]",
	Short: "Revert the signature to its previous pointer",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

var historyCmd = &cobra.Command{
	Use:   "history [signature-id]",
	Short: "Show the signature's pointer history, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var canaryCmd = &cobra.Command{
	Use:   "canary",
	Short: "Manage canary rollouts",
}

var (
	canaryPct          int
	canaryMinSamples   int64
	canaryMaxErrorRate float64
)

var canaryStartCmd = &cobra.Command{
	Use:   "start [signature-id] [compiled-id]",
	Short: "Route a fraction of traffic to a candidate artifact",
	Long: `Starts a canary: requests whose key hashes into the rollout bucket
run the candidate, the rest stay on the active artifact. The canary
reverts automatically once it has seen --min-samples requests with an
error rate above --max-error-rate.`,
	Args: cobra.ExactArgs(2),
	RunE: runCanaryStart,
}

var canaryStopCmd = &cobra.Command{
	Use:   "stop [signature-id]",
	Short: "Tear down the canary, keeping the active artifact",
	Args:  cobra.ExactArgs(1),
	RunE:  runCanaryStop,
}

var canaryStatusCmd = &cobra.Command{
	Use:   "status [signature-id]",
	Short: "Show canary progress and error rate",
	Args:  cobra.ExactArgs(1),
	RunE:  runCanaryStatus,
}

var receiptsCmd = &cobra.Command{
	Use:   "receipts [signature-id]",
	Short: "List recent receipts for a signature",
	Args:  cobra.ExactArgs(1),
	RunE:  runReceipts,
}

var receiptsLimit int

var receiptShowCmd = &cobra.Command{
	Use:   "receipt [receipt-id]",
	Short: "Print one receipt as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runReceiptShow,
}

func init() {
	promoteCmd.Flags().Float64Var(&promoteMinDelta, "min-delta", 0, "Required holdout improvement over the incumbent")
	promoteCmd.Flags().BoolVar(&promoteSkipHoldout, "skip-holdout", false, "Allow artifacts without holdout evidence")

	canaryStartCmd.Flags().IntVar(&canaryPct, "pct", 10, "Rollout percentage (1-100)")
	canaryStartCmd.Flags().Int64Var(&canaryMinSamples, "min-samples", 100, "Samples before auto-revert can trigger")
	canaryStartCmd.Flags().Float64Var(&canaryMaxErrorRate, "max-error-rate", 0.1, "Error rate that triggers auto-revert")

	receiptsCmd.Flags().IntVar(&receiptsLimit, "limit", 20, "Maximum receipts to list")

	canaryCmd.AddCommand(canaryStartCmd)
	canaryCmd.AddCommand(canaryStopCmd)
	canaryCmd.AddCommand(canaryStatusCmd)

	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(canaryCmd)
	rootCmd.AddCommand(receiptsCmd)
	rootCmd.AddCommand(receiptShowCmd)
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func runPromote(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		gate := registry.Gate{
			MinHoldoutDelta: promoteMinDelta,
			RequireHoldout:  !promoteSkipHoldout,
		}
		if err := a.registry.Promote(ctx, args[0], args[1], gate); err != nil {
			return fmt.Errorf("promotion rejected: %w", err)
		}
		fmt.Printf("Promoted %s to %s\n", args[1], args[0])
		return nil
	})
}

func runRollback(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.registry.Rollback(ctx, args[0]); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		p, err := a.registry.Resolve(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back %s to %s (version %d)\n", args[0], p.ActiveID, p.Version)
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		pointers, err := a.registry.History(ctx, args[0], 20)
		if err != nil {
			return err
		}
		if len(pointers) == 0 {
			fmt.Printf("No history for %s\n", args[0])
			return nil
		}
		for i, p := range pointers {
			marker := " "
			if i == 0 {
				marker = "*"
			}
			fmt.Printf("%s v%-3d %s  %s\n", marker, p.Version, p.ActiveID, p.UpdatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	})
}

func runCanaryStart(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		err := a.registry.StartCanary(ctx, args[0], args[1], canaryPct, canaryMinSamples, canaryMaxErrorRate)
		if err != nil {
			return fmt.Errorf("canary start failed: %w", err)
		}
		fmt.Printf("Canary %s at %d%% for %s\n", args[1], canaryPct, args[0])
		return nil
	})
}

func runCanaryStop(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		if err := a.registry.StopCanary(ctx, args[0]); err != nil {
			return fmt.Errorf("canary stop failed: %w", err)
		}
		fmt.Printf("Canary stopped for %s\n", args[0])
		return nil
	})
}

func runCanaryStatus(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		state, err := a.registry.CanaryStatus(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Canary for %s\n", args[0])
		fmt.Printf("  candidate:  %s\n", state.CompiledID)
		fmt.Printf("  rollout:    %d%%\n", state.RolloutPct)
		fmt.Printf("  samples:    %d (min %d)\n", state.Samples, state.MinSamples)
		fmt.Printf("  error rate: %.4f (max %.4f)\n", state.ErrorRate(), state.MaxErrorRate)
		return nil
	})
}

func runReceipts(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		receipts, err := a.store.ListReceipts(ctx, args[0], receiptsLimit)
		if err != nil {
			return err
		}
		if len(receipts) == 0 {
			fmt.Printf("No receipts for %s\n", args[0])
			return nil
		}
		for _, r := range receipts {
			compiled := "defaults"
			if r.CompiledID != nil {
				compiled = *r.CompiledID
			}
			fmt.Printf("%s  %-16s %-10s calls=%d elapsed=%dms\n",
				r.ID, r.Outcome, compiled, r.Usage.ModelCalls, r.Usage.ElapsedMs)
		}
		return nil
	})
}

func runReceiptShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(ctx context.Context, a *app) error {
		r, err := a.store.GetReceipt(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
}
