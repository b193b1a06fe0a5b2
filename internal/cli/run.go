package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/lamportbank/internal/branch"
	"github.com/roach88/lamportbank/internal/config"
	"github.com/roach88/lamportbank/internal/input"
	"github.com/roach88/lamportbank/internal/sim"
	"github.com/roach88/lamportbank/internal/store"
	"github.com/roach88/lamportbank/internal/trace"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database  string
	OutputDir string
	Template  string
	Transport string
	Policy    string
	BasePort  int
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID     string `json:"run_id"`
	Policy    string `json:"policy"`
	Transport string `json:"transport"`
	Digest    string `json:"digest"`
	Events    int    `json:"events"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`

	// Balances maps branch id to final balance.
	Balances map[int]int64 `json:"balances"`

	OutputDir string `json:"output_dir"`
	Seq       int64  `json:"seq,omitempty"`
}

func (r RunResult) String() string {
	s := fmt.Sprintf("run %s (%s, %s)\n", r.RunID, r.Policy, r.Transport)
	s += fmt.Sprintf("  events:   %d\n", r.Events)
	s += fmt.Sprintf("  requests: %d succeeded, %d failed\n", r.Succeeded, r.Failed)
	s += fmt.Sprintf("  digest:   %s\n", r.Digest)
	s += fmt.Sprintf("  output:   %s", r.OutputDir)
	if r.Seq > 0 {
		s += fmt.Sprintf("\n  stored:   run #%d", r.Seq)
	}
	return s
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <input>",
		Short: "Run the branches and customers described by an input file",
		Long: `Start one server per branch, run every customer to completion, stop the
branches and write the event logs.

Output files (in --output-dir):
  output.customer.json          per-customer event logs
  output.branch.json            per-branch event logs
  output.customer_request.json  merged causal trace
  output.txt                    the three rendered through the template

Flags override values from --config; BASE_PORT overrides the config file.

Examples:
  bank run input.json
  bank run input.json --transport local --output-dir ./out
  bank run input.json --config bank.yaml --db ./runs.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBank(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "also export the run to this SQLite database")
	cmd.Flags().StringVarP(&opts.OutputDir, "output-dir", "o", "", "directory for output files")
	cmd.Flags().StringVar(&opts.Template, "template", "", "path to the output.txt template")
	cmd.Flags().StringVar(&opts.Transport, "transport", "", "transport (http|local)")
	cmd.Flags().StringVar(&opts.Policy, "policy", "", "consistency policy (serialized|unguarded)")
	cmd.Flags().IntVar(&opts.BasePort, "base-port", 0, "first branch port; branch i listens on base-port+i")

	return cmd
}

// loadConfig loads the config file and applies the run flags that were set.
func loadConfig(opts *RunOptions, cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}

	flags := cmd.Flags()
	if flags.Changed("output-dir") {
		cfg.OutputDir = opts.OutputDir
	}
	if flags.Changed("template") {
		cfg.Template = opts.Template
	}
	if flags.Changed("transport") {
		cfg.Transport = config.Transport(opts.Transport)
	}
	if flags.Changed("policy") {
		cfg.Policy = branch.Policy(opts.Policy)
	}
	if flags.Changed("base-port") {
		cfg.BasePort = opts.BasePort
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

func runBank(opts *RunOptions, inputPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	logger := newLogger(opts.RootOptions, cmd.ErrOrStderr())

	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return formatter.Report(Fail(ErrCodeConfig, "failed to load config", err), nil)
	}
	tmpl, err := trace.LoadTemplate(cfg.Template)
	if err != nil {
		return formatter.Report(Fail(ErrCodeConfig, "failed to load template", err), nil)
	}
	in, err := input.Load(inputPath)
	if err != nil {
		return formatter.Report(Fail(ErrCodeInput, "failed to load input", err), detailList(schemaDetails(err)))
	}
	logger.Debug("input loaded", "branches", len(in.Branches), "customers", len(in.Customers))

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping customers", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	report, err := sim.Run(ctx, cfg, in, logger)
	if err != nil {
		return formatter.Report(Fail(runErrCode(err), "run failed", err), nil)
	}

	out, err := report.Output()
	if err != nil {
		return formatter.Report(Fail(ErrCodeOutput, "failed to encode logs", err), nil)
	}
	if err := trace.WriteFiles(cfg.OutputDir, out, tmpl); err != nil {
		return formatter.Report(Fail(ErrCodeOutput, "failed to write output files", err), nil)
	}

	result := summarize(report, cfg.OutputDir)
	if opts.Database != "" {
		seq, err := exportRun(ctx, opts.Database, report)
		if err != nil {
			return formatter.Report(Fail(ErrCodeStore, "failed to export run", err), nil)
		}
		result.Seq = seq
	}

	logger.Info("run finished", "run", report.RunID, "digest", report.Digest)
	return formatter.Success(result)
}

func summarize(report *sim.Report, outputDir string) RunResult {
	result := RunResult{
		RunID:     report.RunID,
		Policy:    string(report.Policy),
		Transport: string(report.Transport),
		Digest:    report.Digest,
		Events:    len(report.Trace),
		Balances:  report.Balances,
		OutputDir: outputDir,
	}
	for _, outcomes := range report.Outcomes {
		for _, o := range outcomes {
			if o.Success {
				result.Succeeded++
			} else {
				result.Failed++
			}
		}
	}
	return result
}

func exportRun(ctx context.Context, path string, report *sim.Report) (int64, error) {
	st, err := store.Open(path)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	return st.WriteRun(ctx, report.StoreRun())
}

// runErrCode classifies a failed sim.Run: routing belongs to the input, the
// rest (bind failures, interruption) to the run itself.
func runErrCode(err error) string {
	if errors.Is(err, input.ErrNoRoute) {
		return ErrCodeInput
	}
	return ErrCodeRun
}
