package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/aml/internal/patternbank"
	"github.com/fyrsmithlabs/aml/internal/pruning"
)

var (
	pruneStrategies  string
	pruneDryRun      bool
	pruneAggressive  bool
	pruneNoBackup    bool
	pruneNoArchive   bool
	pruneAllOwners   bool
	pruneConcurrency int

	gcDryRun bool
)

func init() {
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(gcCmd)

	pruneCmd.Flags().StringVar(&pruneStrategies, "strategies", "all", "Comma-separated strategies: time, performance, space or all")
	pruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "Report what would be removed without writing")
	pruneCmd.Flags().BoolVar(&pruneAggressive, "aggressive", false, "Use tighter age and success limits")
	pruneCmd.Flags().BoolVar(&pruneNoBackup, "no-backup", false, "Skip the pre-prune backup")
	pruneCmd.Flags().BoolVar(&pruneNoArchive, "no-archive", false, "Do not archive removed records")
	pruneCmd.Flags().BoolVar(&pruneAllOwners, "all-owners", false, "Prune every stored owner")
	pruneCmd.Flags().IntVar(&pruneConcurrency, "concurrency", 0, "Owners pruned at once with --all-owners (default from config)")

	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Report what would be dropped without writing")
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Prune stale, failing and unused records",
	Long: `Run a pruning pass. Strategies apply in order and each sees only the
records the previous ones kept. Unless disabled, the owner's records are
backed up first and removed records are archived by category.

Examples:
  # Preview a full pass
  amlctl prune --owner agent --dry-run

  # Remove only failing records, no archive
  amlctl prune --owner agent --strategies performance --no-archive

  # Aggressive pass over every owner
  amlctl prune --all-owners --aggressive`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Drop invalid and duplicate records",
	Long: `Salvage an owner's document: records that fail validation and repeated
IDs are dropped, everything else is kept.

Examples:
  amlctl gc --owner agent --dry-run`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

// pruneOptions combines the flags with the configured backup and archive defaults.
func pruneOptions(createBackup, archive bool) pruning.Options {
	return pruning.Options{
		DryRun:       pruneDryRun,
		CreateBackup: createBackup && !pruneNoBackup,
		Archive:      archive && !pruneNoArchive,
	}
}

func runPrune(cmd *cobra.Command, args []string) error {
	strategies, err := pruning.ParseStrategies(pruneStrategies)
	if err != nil {
		return err
	}
	if !pruneAllOwners {
		if _, err := requireOwner(); err != nil {
			return fmt.Errorf("%w, or use --all-owners", err)
		}
	}

	var opts []patternbank.Option
	if pruneAggressive {
		opts = append(opts, patternbank.WithAggressivePruning())
	}
	a, err := initApp(cmd.Context(), opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	popts := pruneOptions(a.cfg.Pruning.CreateBackup, a.cfg.Pruning.Archive)
	ctx := cmd.Context()

	var results []*pruning.Result
	if pruneAllOwners {
		owners, err := a.svc.Owners(ctx)
		if err != nil {
			return fmt.Errorf("failed to list owners: %w", err)
		}
		concurrency := pruneConcurrency
		if concurrency <= 0 {
			concurrency = a.cfg.Pruning.Concurrency
		}
		results, err = a.svc.Pruner().PruneOwners(ctx, owners, strategies, popts, concurrency)
		if err != nil {
			// Report the owners that finished before returning the failure.
			_ = outputPruneResults(cmd.OutOrStdout(), results)
			return fmt.Errorf("pruning failed: %w", err)
		}
	} else {
		res, err := a.svc.Prune(ctx, owner, strategies, popts)
		if err != nil {
			return fmt.Errorf("pruning failed: %w", err)
		}
		results = []*pruning.Result{res}
	}
	return outputPruneResults(cmd.OutOrStdout(), results)
}

func runGC(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Collect(cmd.Context(), who, gcDryRun)
	if err != nil {
		return fmt.Errorf("failed to collect records: %w", err)
	}
	return outputPruneResults(cmd.OutOrStdout(), []*pruning.Result{res})
}

func outputPruneResults(out io.Writer, results []*pruning.Result) error {
	done := make([]*pruning.Result, 0, len(results))
	for _, r := range results {
		if r != nil {
			done = append(done, r)
		}
	}
	if jsonOutput {
		return outputJSON(out, done)
	}
	for _, r := range done {
		printPruneResult(out, r)
	}
	return nil
}

func printPruneResult(out io.Writer, r *pruning.Result) {
	verb := "Removed"
	count := r.RemovedCount
	if r.DryRun {
		verb = "Would remove"
		count = r.WouldRemoveCount
	}
	fmt.Fprintf(out, "Owner: %s\n", r.Owner)
	fmt.Fprintf(out, "%s: %d", verb, count)
	if r.DeactivatedCount > 0 {
		fmt.Fprintf(out, " (deactivated %d)", r.DeactivatedCount)
	}
	fmt.Fprintln(out)
	if r.BackupID != "" {
		fmt.Fprintf(out, "Backup: %s\n", r.BackupID)
	}
	for _, path := range r.Archives {
		fmt.Fprintf(out, "Archive: %s\n", path)
	}

	if len(r.Summary) > 0 {
		reasons := make([]string, 0, len(r.Summary))
		for reason := range r.Summary {
			reasons = append(reasons, string(reason))
		}
		sort.Strings(reasons)
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "REASON\tCOUNT")
		for _, reason := range reasons {
			fmt.Fprintf(w, "%s\t%d\n", reason, r.Summary[pruning.Reason(reason)])
		}
		w.Flush()
	}
	fmt.Fprintln(out)
}
