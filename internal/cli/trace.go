package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/lamportbank/internal/store"
	"github.com/roach88/lamportbank/internal/trace"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	RunID    string
	Request  int64
	List     bool
}

// TraceResult holds the trace of one stored run.
type TraceResult struct {
	RunID   string        `json:"run_id"`
	Digest  string        `json:"digest"`
	Request *int64        `json:"request,omitempty"`
	Entries []trace.Entry `json:"entries"`
}

func (r TraceResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s\ndigest %s\n", r.RunID, r.Digest)
	if len(r.Entries) == 0 {
		b.WriteString("(no events)")
		return b.String()
	}
	fmt.Fprintf(&b, "%-8s %-6s %-10s %-6s %-20s %s", "REQUEST", "CLOCK", "ACTOR", "ID", "INTERFACE", "COMMENT")
	for _, e := range r.Entries {
		fmt.Fprintf(&b, "\n%-8d %-6d %-10s %-6d %-20s %s",
			e.CustomerRequestID, e.LogicalClock, e.Type, e.ID, e.Interface, e.Comment)
	}
	return b.String()
}

// RunList lists stored runs.
type RunList []store.RunSummary

func (l RunList) String() string {
	if len(l) == 0 {
		return "No runs stored."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %-36s %-10s %-9s %-7s %s", "SEQ", "RUN", "POLICY", "TRANSPORT", "EVENTS", "DIGEST")
	for _, r := range l {
		fmt.Fprintf(&b, "\n%-5d %-36s %-10s %-9s %-7d %s", r.Seq, r.ID, r.Policy, r.Transport, r.Events, r.Digest)
	}
	return b.String()
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the causal trace of a stored run",
		Long: `Show the merged causal trace of a run exported with 'bank run --db'.

Entries are ordered by customer request id, then logical clock. Without
--run the most recent run is shown.

Examples:
  bank trace --db ./runs.db --list
  bank trace --db ./runs.db
  bank trace --db ./runs.db --run 0192f5c3-... --request 3
  bank trace --db ./runs.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run id (defaults to the latest run)")
	cmd.Flags().Int64Var(&opts.Request, "request", 0, "only show events of this customer request id")
	cmd.Flags().BoolVar(&opts.List, "list", false, "list stored runs")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := newFormatter(opts.RootOptions, cmd)

	st, err := store.Open(opts.Database)
	if err != nil {
		return formatter.Report(Fail(ErrCodeStore, "failed to open database", err), nil)
	}
	defer st.Close()

	if opts.List {
		runs, err := st.ListRuns(ctx)
		if err != nil {
			return formatter.Report(Fail(ErrCodeStore, "failed to list runs", err), nil)
		}
		return formatter.Success(RunList(runs))
	}

	summary, err := findRun(ctx, st, opts.RunID)
	if err != nil {
		return formatter.Report(Fail(ErrCodeStore, "failed to find run", err), nil)
	}

	entries, err := st.ReadTrace(ctx, summary.ID)
	if err != nil {
		return formatter.Report(Fail(ErrCodeStore, "failed to read trace", err), nil)
	}

	result := TraceResult{
		RunID:   summary.ID,
		Digest:  summary.Digest,
		Entries: entries,
	}
	if cmd.Flags().Changed("request") {
		req := opts.Request
		result.Request = &req
		result.Entries = trace.ForRequest(entries, req)
	}
	return formatter.Success(result)
}

func findRun(ctx context.Context, st *store.Store, runID string) (store.RunSummary, error) {
	if runID == "" {
		return st.LatestRun(ctx)
	}
	runs, err := st.ListRuns(ctx)
	if err != nil {
		return store.RunSummary{}, err
	}
	for _, r := range runs {
		if r.ID == runID {
			return r, nil
		}
	}
	return store.RunSummary{}, fmt.Errorf("%s: %w", runID, store.ErrRunNotFound)
}
