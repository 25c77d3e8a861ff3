package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/aml/internal/query"
	"github.com/fyrsmithlabs/aml/internal/record"
	"github.com/fyrsmithlabs/aml/internal/scoring"
)

var (
	// query command flags
	qType            string
	qTag             string
	qKind            string
	qContext         []string
	qTarget          []string
	qMinConfidence   float64
	qSort            string
	qLimit           int
	qIncludeInactive bool
	qTrustedOnly     bool

	searchMinSimilarity float64
	similarLimit        int

	usageFailed      bool
	usageTimeSavedMs float64
)

func init() {
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(similarCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(deleteCmd)

	queryCmd.Flags().StringVar(&qType, "type", "", "Filter by record type")
	queryCmd.Flags().StringVar(&qTag, "tag", "", "Filter by tag")
	queryCmd.Flags().StringVar(&qKind, "kind", "", "Filter by kind: pattern, solution or decision")
	queryCmd.Flags().StringArrayVar(&qContext, "context", nil, "Require context key=value (repeatable)")
	queryCmd.Flags().StringArrayVar(&qTarget, "target", nil, "Boost records matching key=value (repeatable)")
	queryCmd.Flags().Float64Var(&qMinConfidence, "min-confidence", 0, "Minimum confidence")
	queryCmd.Flags().StringVar(&qSort, "sort", "weight", "Order: weight, confidence, recency, usage or insertion")
	queryCmd.Flags().IntVar(&qLimit, "limit", -1, "Maximum results (default from config, 0 for unlimited)")
	queryCmd.Flags().BoolVar(&qIncludeInactive, "include-inactive", false, "Include deactivated records")
	queryCmd.Flags().BoolVar(&qTrustedOnly, "trusted-only", false, "Only records past the promotion threshold")

	searchCmd.Flags().Float64Var(&searchMinSimilarity, "min-similarity", 0, "Minimum similarity (default from config)")
	similarCmd.Flags().IntVar(&similarLimit, "limit", 5, "Maximum related records")

	usageCmd.Flags().BoolVar(&usageFailed, "failed", false, "Report a failed use")
	usageCmd.Flags().Float64Var(&usageTimeSavedMs, "time-saved-ms", 0, "Time the record saved, in milliseconds")
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query an owner's records",
	Long: `Query an owner's records with filters, ranked by weight by default.

Examples:
  # Top records for an owner
  amlctl query --owner agent

  # Trusted Go error-recovery patterns
  amlctl query --owner agent --type error-recovery --context lang=go --trusted-only

  # Rank by fit to the current task
  amlctl query --owner agent --target lang=go --target repo=api --limit 5`,
	Args: cobra.NoArgs,
	RunE: runQuery,
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Fuzzy search record rationales and types",
	Long: `Fuzzy search an owner's active records by rationale and type.

Examples:
  amlctl search --owner agent "retry with backoff"
  amlctl search --owner agent timeout --min-similarity 0.8`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var similarCmd = &cobra.Command{
	Use:   "similar <id>",
	Short: "List records similar to a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runSimilar,
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one record in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var usageCmd = &cobra.Command{
	Use:   "usage <id>",
	Short: "Report that a record was used",
	Long: `Report a use of a record, updating its confidence and usage metrics.

Examples:
  # Successful use that saved two minutes
  amlctl usage --owner agent 3f0c... --time-saved-ms 120000

  # Failed use
  amlctl usage --owner agent 3f0c... --failed`,
	Args: cobra.ExactArgs(1),
	RunE: runUsage,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

// buildQuery turns the query flags into a query. A negative limit takes
// defaultLimit.
func buildQuery(defaultLimit int) (query.Query, error) {
	q := query.Query{
		Type:            qType,
		Tag:             qTag,
		Kind:            record.Kind(qKind),
		MinConfidence:   qMinConfidence,
		SortBy:          query.SortBy(qSort),
		Limit:           qLimit,
		IncludeInactive: qIncludeInactive,
		TrustedOnly:     qTrustedOnly,
	}
	if q.Kind != "" && !q.Kind.Valid() {
		return q, fmt.Errorf("invalid kind: %s (valid: pattern, solution, decision)", qKind)
	}
	if !q.SortBy.Valid() {
		return q, fmt.Errorf("invalid sort: %s (valid: weight, confidence, recency, usage, insertion)", qSort)
	}
	if q.Limit < 0 {
		q.Limit = defaultLimit
	}
	var err error
	if q.Context, err = record.ParseAssignments(qContext); err != nil {
		return q, fmt.Errorf("invalid --context: %w", err)
	}
	if q.TargetContext, err = record.ParseAssignments(qTarget); err != nil {
		return q, fmt.Errorf("invalid --target: %w", err)
	}
	return q, nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	q, err := buildQuery(a.cfg.Query.DefaultLimit)
	if err != nil {
		return err
	}
	set, err := a.svc.Query(cmd.Context(), who, q)
	if err != nil {
		return fmt.Errorf("failed to query records: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		if set == nil {
			set = record.Set{}
		}
		return outputJSON(out, set)
	}
	if len(set) == 0 {
		fmt.Fprintln(out, "No records found")
		return nil
	}
	printRecords(out, set, a.svc.Model())
	return nil
}

func printRecords(out io.Writer, set record.Set, model *scoring.Model) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tTYPE\tCONFIDENCE\tSUCCESS\tRUNS\tSTATE\tTAGS")
	for _, r := range set {
		state := "active"
		switch {
		case !r.Active:
			state = "inactive"
		case model.Trusted(r):
			state = "trusted"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.0f%%\t%d\t%s\t%s\n",
			truncate(r.ID, 8),
			r.Kind,
			truncate(r.Type, 24),
			r.Evolution.Confidence,
			r.SuccessRate()*100,
			r.Metrics.ExecutionCount,
			state,
			strings.Join(r.Tags, ","),
		)
	}
	w.Flush()
}

// scoredRecord is the JSON shape of search and similarity hits.
type scoredRecord struct {
	Similarity float64        `json:"similarity"`
	Record     *record.Record `json:"record"`
}

func printScored(out io.Writer, hits []scoredRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SIMILARITY\tID\tTYPE\tRATIONALE")
	for _, h := range hits {
		fmt.Fprintf(w, "%.2f\t%s\t%s\t%s\n",
			h.Similarity,
			truncate(h.Record.ID, 8),
			truncate(h.Record.Type, 24),
			truncate(h.Record.Approach.Rationale, 48),
		)
	}
	w.Flush()
}

func outputScored(cmd *cobra.Command, hits []scoredRecord) error {
	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, hits)
	}
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches")
		return nil
	}
	printScored(out, hits)
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	set, err := a.svc.Query(cmd.Context(), who, query.Query{SortBy: query.SortInsertion})
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	hits := []scoredRecord{}
	for _, m := range a.svc.FuzzySearch(set, args[0], searchMinSimilarity) {
		hits = append(hits, scoredRecord{Similarity: m.Similarity, Record: m.Record})
	}
	return outputScored(cmd, hits)
}

func runSimilar(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	related, err := a.svc.Similar(cmd.Context(), who, args[0], similarLimit)
	if err != nil {
		return fmt.Errorf("failed to find similar records: %w", err)
	}
	hits := []scoredRecord{}
	for _, r := range related {
		hits = append(hits, scoredRecord{Similarity: r.Similarity, Record: r.Record})
	}
	return outputScored(cmd, hits)
}

func runShow(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	set, err := a.svc.GetRecords(cmd.Context(), who)
	if err != nil {
		return fmt.Errorf("failed to read records: %w", err)
	}
	r, err := set.Get(args[0])
	if err != nil {
		return fmt.Errorf("record %s: %w", args[0], err)
	}
	return outputJSON(cmd.OutOrStdout(), r)
}

func runUsage(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	u := scoring.Usage{Success: !usageFailed}
	if cmd.Flags().Changed("time-saved-ms") {
		saved := usageTimeSavedMs
		u.TimeSavedMs = &saved
	}
	r, err := a.svc.RecordUsage(cmd.Context(), who, args[0], u)
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}

	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, r)
	}
	fmt.Fprintf(out, "Recorded usage of %s\n", r.ID)
	fmt.Fprintf(out, "Confidence: %.2f\n", r.Evolution.Confidence)
	fmt.Fprintf(out, "Success rate: %.0f%% over %d runs\n", r.SuccessRate()*100, r.Metrics.ExecutionCount)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.svc.DeleteRecord(cmd.Context(), who, args[0]); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if jsonOutput {
		return outputJSON(cmd.OutOrStdout(), map[string]string{"deleted": args[0]})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
	return nil
}
