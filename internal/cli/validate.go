package cli

import (
	"errors"
	"fmt"
	"sort"

	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/cobra"

	"github.com/roach88/lamportbank/internal/config"
	"github.com/roach88/lamportbank/internal/input"
)

// ValidationResult describes a valid input file.
type ValidationResult struct {
	Valid     bool `json:"valid"`
	Branches  int  `json:"branches"`
	Customers int  `json:"customers"`
	Requests  int  `json:"requests"`

	// Routes maps customer id to the branch it will talk to.
	Routes map[int]int `json:"routes"`
}

func (r ValidationResult) String() string {
	s := fmt.Sprintf("✓ input valid: %d branches, %d customers, %d requests", r.Branches, r.Customers, r.Requests)
	ids := make([]int, 0, len(r.Routes))
	for id := range r.Routes {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		s += fmt.Sprintf("\n  customer %d -> branch %d", id, r.Routes[id])
	}
	return s
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <input>",
		Short: "Validate an input file without running it",
		Long: `Validate an input file against the entity schema and the configuration.

Checks entity shapes and values, duplicate ids, request interfaces and
amounts, customer routing, and that every branch has an address.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, inputPath string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd)

	cfg, err := config.Load(opts.Config)
	if err != nil {
		return outputValidateError(formatter, ErrCodeConfig, err)
	}
	formatter.VerboseLog("Config: transport=%s policy=%s base_port=%d", cfg.Transport, cfg.Policy, cfg.BasePort)

	in, err := input.Load(inputPath)
	if err != nil {
		return outputValidateError(formatter, ErrCodeInput, err, schemaDetails(err)...)
	}
	formatter.VerboseLog("Parsed %d branches and %d customers from %s", len(in.Branches), len(in.Customers), inputPath)

	if err := in.Route(cfg.Routing, cfg.RouteByID); err != nil {
		return outputValidateError(formatter, ErrCodeInput, err)
	}
	if _, err := cfg.Registry(in.BranchIDs()); err != nil {
		return outputValidateError(formatter, ErrCodeConfig, err)
	}

	result := ValidationResult{
		Valid:     true,
		Branches:  len(in.Branches),
		Customers: len(in.Customers),
		Routes:    make(map[int]int, len(in.Customers)),
	}
	for _, c := range in.Customers {
		result.Requests += len(c.Requests)
		result.Routes[c.ID] = c.Branch
	}
	return formatter.Success(result)
}

// outputValidateError reports err and returns a command-level error (exit code 2).
func outputValidateError(formatter *OutputFormatter, code string, err error, details ...string) error {
	return formatter.Report(Fail(code, "validation failed", err), detailList(details))
}

// detailList returns details as response details, or nil when there are none.
func detailList(details []string) any {
	if len(details) == 0 {
		return nil
	}
	return details
}

// schemaDetails lists the individual schema violations in err, one per CUE
// error, or nil if err did not come from schema validation.
func schemaDetails(err error) []string {
	var cueErr cueerrors.Error
	if !errors.As(err, &cueErr) {
		return nil
	}
	var details []string
	for _, e := range cueerrors.Errors(cueErr) {
		details = append(details, e.Error())
	}
	return details
}
