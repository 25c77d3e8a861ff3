package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/aml/internal/recognition"
	"github.com/fyrsmithlabs/aml/internal/record"
)

var (
	learnTarget []string
	learnDryRun bool
)

func init() {
	rootCmd.AddCommand(learnCmd)
	learnCmd.Flags().StringArrayVar(&learnTarget, "target", nil, "Context the learned records should fit, key=value (repeatable)")
	learnCmd.Flags().BoolVar(&learnDryRun, "dry-run", false, "Score candidates without storing anything")
}

var learnCmd = &cobra.Command{
	Use:   "learn [file|-]",
	Short: "Learn patterns from an action log",
	Long: `Mine recurring action sequences from an action log and store the ones
that validate as records.

The log is a JSON array or newline-delimited JSON objects:

  {"type": "edit", "timestamp": "2026-03-01T12:00:00Z", "duration_ms": 800,
   "success": true, "params": {"file": "main.go"}, "context": {"lang": "go"}}

success defaults to true when omitted.

Examples:
  # Learn from a file
  amlctl learn --owner agent actions.json

  # Learn from stdin, preview only
  cat actions.ndjson | amlctl learn --owner agent --dry-run -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLearn,
}

// actionInput is the wire form of one logged action.
type actionInput struct {
	Type       string                   `json:"type"`
	Timestamp  time.Time                `json:"timestamp"`
	DurationMs float64                  `json:"duration_ms"`
	Success    *bool                    `json:"success"`
	Params     map[string]record.Scalar `json:"params"`
	Context    map[string]record.Scalar `json:"context"`
}

func (in actionInput) action() (recognition.Action, error) {
	if in.Type == "" {
		return recognition.Action{}, errors.New("type is required")
	}
	if in.Timestamp.IsZero() {
		return recognition.Action{}, errors.New("timestamp is required")
	}
	if in.DurationMs < 0 {
		return recognition.Action{}, errors.New("duration_ms cannot be negative")
	}
	success := true
	if in.Success != nil {
		success = *in.Success
	}
	return recognition.Action{
		Type:      in.Type,
		Timestamp: in.Timestamp.UTC(),
		Duration:  time.Duration(in.DurationMs * float64(time.Millisecond)),
		Success:   success,
		Params:    in.Params,
		Context:   in.Context,
	}, nil
}

// decodeActions reads a JSON array or a stream of JSON objects.
func decodeActions(r io.Reader) ([]recognition.Action, error) {
	br := bufio.NewReader(r)
	var inputs []actionInput

	first, err := peekNonSpace(br)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("no actions to learn from")
		}
		return nil, err
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		if err := dec.Decode(&inputs); err != nil {
			return nil, fmt.Errorf("invalid action array: %w", err)
		}
	} else {
		for {
			var in actionInput
			err := dec.Decode(&in)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("invalid action %d: %w", len(inputs)+1, err)
			}
			inputs = append(inputs, in)
		}
	}
	if len(inputs) == 0 {
		return nil, errors.New("no actions to learn from")
	}

	actions := make([]recognition.Action, 0, len(inputs))
	for i, in := range inputs {
		a, err := in.action()
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i+1, err)
		}
		actions = append(actions, a)
	}
	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Timestamp.Before(actions[j].Timestamp)
	})
	return actions, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if !bytes.ContainsRune([]byte(" \t\r\n"), rune(b)) {
			return b, br.UnreadByte()
		}
	}
}

func readActions(args []string) ([]recognition.Action, error) {
	if len(args) == 0 || args[0] == "-" {
		return decodeActions(os.Stdin)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	defer f.Close()
	return decodeActions(f)
}

// candidateRow is one line of learn output.
type candidateRow struct {
	Signature string  `json:"signature"`
	Outcome   string  `json:"outcome"`
	Score     float64 `json:"score"`
	PValue    float64 `json:"p_value"`
	RecordID  string  `json:"record_id,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

func candidateRows(results []recognition.Result) []candidateRow {
	rows := make([]candidateRow, 0, len(results))
	for _, r := range results {
		row := candidateRow{
			Signature: r.Candidate.Signature,
			Score:     r.Score.Total,
			PValue:    r.Significance.PValue,
		}
		switch {
		case r.Rejection != nil:
			row.Outcome = "rejected"
			row.Reason = r.Rejection.Error()
		case r.Adapted:
			row.Outcome = "adapted"
		default:
			row.Outcome = "created"
		}
		if r.Record != nil {
			row.RecordID = r.Record.ID
		}
		rows = append(rows, row)
	}
	return rows
}

func printCandidates(out io.Writer, rows []candidateRow) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "OUTCOME\tSCORE\tP-VALUE\tSIGNATURE\tRECORD\tREASON")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%.3f\t%.4f\t%s\t%s\t%s\n",
			r.Outcome, r.Score, r.PValue, truncate(r.Signature, 40), truncate(r.RecordID, 8), r.Reason)
	}
	w.Flush()
}

func runLearn(cmd *cobra.Command, args []string) error {
	who, err := requireOwner()
	if err != nil {
		return err
	}
	actions, err := readActions(args)
	if err != nil {
		return err
	}
	target, err := record.ParseAssignments(learnTarget)
	if err != nil {
		return fmt.Errorf("invalid --target: %w", err)
	}

	a, err := initApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var (
		results  []recognition.Result
		redacted int
	)
	if learnDryRun {
		existing, err := a.svc.GetRecords(cmd.Context(), who)
		if err != nil {
			return fmt.Errorf("failed to read records: %w", err)
		}
		results = a.svc.ExtractAndValidate(who, actions, existing, target)
	} else {
		report, err := a.svc.Learn(cmd.Context(), who, actions, target)
		if err != nil {
			return fmt.Errorf("failed to learn: %w", err)
		}
		results = report.Results
		redacted = len(report.Redacted)
	}

	rows := candidateRows(results)
	out := cmd.OutOrStdout()
	if jsonOutput {
		return outputJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "No candidate sequences in %d actions\n", len(actions))
		return nil
	}
	printCandidates(out, rows)
	if redacted > 0 {
		fmt.Fprintf(out, "\nRedacted secrets from %d records\n", redacted)
	}
	if learnDryRun {
		fmt.Fprintln(out, "\nDry run: nothing stored")
	}
	return nil
}
