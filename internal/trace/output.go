package trace

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/lamportbank/internal/eventlog"
)

// Output file names.
const (
	CustomerFile = "output.customer.json"
	BranchFile   = "output.branch.json"
	RequestFile  = "output.customer_request.json"
	ReportFile   = "output.txt"
)

// Template placeholders replaced by Render.
const (
	PlaceholderCustomers = "{{ customer_events }}"
	PlaceholderBranches  = "{{ branch_events }}"
	PlaceholderRequests  = "{{ customer_request_events }}"
)

// DefaultTemplate is used when no template file is configured.
//
//go:embed output.template.txt
var DefaultTemplate string

// Output is the encoded content of the three JSON output files.
type Output struct {
	Customers []byte
	Branches  []byte
	Requests  []byte
}

// Encode renders the customer logs, branch logs and merged trace as indented
// JSON.
func Encode(customers, branches []ActorLog) (Output, error) {
	var (
		out Output
		err error
	)
	if out.Customers, err = encodeJSON(normalize(customers)); err != nil {
		return Output{}, fmt.Errorf("encode customer events: %w", err)
	}
	if out.Branches, err = encodeJSON(normalize(branches)); err != nil {
		return Output{}, fmt.Errorf("encode branch events: %w", err)
	}
	if out.Requests, err = encodeJSON(Merge(customers, branches)); err != nil {
		return Output{}, fmt.Errorf("encode customer request events: %w", err)
	}
	return out, nil
}

// Render substitutes the encoded files into tmpl.
func Render(tmpl string, out Output) string {
	return strings.NewReplacer(
		PlaceholderCustomers, string(out.Customers),
		PlaceholderBranches, string(out.Branches),
		PlaceholderRequests, string(out.Requests),
	).Replace(tmpl)
}

// LoadTemplate reads the template at path, or returns DefaultTemplate when
// path is empty.
func LoadTemplate(path string) (string, error) {
	if path == "" {
		return DefaultTemplate, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	return string(data), nil
}

// WriteFiles writes the four output files into dir, creating it if needed.
func WriteFiles(dir string, out Output, tmpl string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	files := []struct {
		name string
		data []byte
	}{
		{CustomerFile, out.Customers},
		{BranchFile, out.Branches},
		{RequestFile, out.Requests},
		{ReportFile, []byte(Render(tmpl, out))},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

func encodeJSON(v any) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// normalize returns logs with empty event lists instead of nil, so they
// encode as [] rather than null.
func normalize(logs []ActorLog) []ActorLog {
	out := make([]ActorLog, len(logs))
	for i, l := range logs {
		out[i] = l
		if out[i].Events == nil {
			out[i].Events = []eventlog.Event{}
		}
	}
	return out
}
