package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lamportbank/internal/input"
	"github.com/roach88/lamportbank/internal/trace"
)

func TestRun_WritesOutputFiles(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", withdrawInput)
	outDir := filepath.Join(dir, "out")

	stdout, err := runLocal(t, inputPath, outDir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "(serialized, local)")
	assert.Contains(t, stdout, "requests: 2 succeeded, 0 failed")
	assert.Contains(t, stdout, "output:   "+outDir)

	for _, name := range []string{trace.CustomerFile, trace.BranchFile, trace.RequestFile, trace.ReportFile} {
		assert.FileExists(t, filepath.Join(outDir, name))
	}

	raw, err := os.ReadFile(filepath.Join(outDir, trace.RequestFile))
	require.NoError(t, err)
	var entries []trace.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 6)
	assert.Equal(t, "event_sent to branches 2,3", entries[2].Comment)

	report, err := os.ReadFile(filepath.Join(outDir, trace.ReportFile))
	require.NoError(t, err)
	assert.Contains(t, string(report), "customer request events:\n[")
	assert.NotContains(t, string(report), "{{")
}

func TestRun_JSONOutput(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", withdrawInput)

	stdout, err := runLocal(t, inputPath, dir, "--format", "json", "--policy", "unguarded")
	require.NoError(t, err)

	var resp struct {
		Status string    `json:"status"`
		Data   RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "unguarded", resp.Data.Policy)
	assert.Equal(t, "local", resp.Data.Transport)
	assert.Equal(t, 6, resp.Data.Events)
	assert.Equal(t, 2, resp.Data.Succeeded)
	assert.Equal(t, map[int]int64{1: 70, 2: 70, 3: 70}, resp.Data.Balances)
	assert.Len(t, resp.Data.Digest, 64)
	assert.Zero(t, resp.Data.Seq)
}

func TestRun_FailedRequestsDoNotFailTheCommand(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", `[
  {"id": 1, "type": "branch", "balance": 10},
  {"id": 1, "type": "customer", "branch": 1, "customer-requests": [
    {"interface": "withdraw", "money": 50, "customer-request-id": 1}
  ]}
]`)

	stdout, err := runLocal(t, inputPath, dir)
	require.NoError(t, err)
	assert.Contains(t, stdout, "requests: 0 succeeded, 1 failed")
}

func TestRun_ConfigFileAndTemplate(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", withdrawInput)
	tmplPath := writeFile(t, dir, "report.tmpl", "requests={{ customer_request_events }}")
	outDir := filepath.Join(dir, "from-config")
	configPath := writeFile(t, dir, "bank.yaml", "transport: local\noutput_dir: "+outDir+"\ntemplate: "+tmplPath+"\n")

	_, _, err := execute(t, "run", inputPath, "--config", configPath)
	require.NoError(t, err)

	report, err := os.ReadFile(filepath.Join(outDir, trace.ReportFile))
	require.NoError(t, err)
	assert.Regexp(t, `^requests=\[`, string(report))
}

func TestRun_ExportsToDatabase(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", withdrawInput)
	dbPath := filepath.Join(dir, "runs.db")

	stdout, err := runLocal(t, inputPath, dir, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored:   run #1")

	stdout, err = runLocal(t, inputPath, dir, "--db", dbPath)
	require.NoError(t, err)
	assert.Contains(t, stdout, "stored:   run #2")
}

func TestRun_CommandErrors(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", withdrawInput)
	badConfig := writeFile(t, dir, "bad.yaml", "transport: carrier-pigeon\n")

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing input", []string{"run", filepath.Join(dir, "nope.json"), "--transport", "local"}, "failed to load input"},
		{"bad config", []string{"run", inputPath, "--config", badConfig}, "failed to load config"},
		{"bad policy flag", []string{"run", inputPath, "--transport", "local", "--policy", "optimistic"}, "invalid flags"},
		{"bad port flag", []string{"run", inputPath, "--base-port", "70000"}, "base_port 70000 out of range"},
		{"missing template", []string{"run", inputPath, "--transport", "local", "--template", filepath.Join(dir, "nope.tmpl")}, "failed to load template"},
		{"no input arg", []string{"run"}, "accepts 1 arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			if tt.name != "no input arg" {
				assert.Equal(t, ExitCommandError, GetExitCode(err))
			}
		})
	}
}

func TestRun_UnroutedCustomerJSONError(t *testing.T) {
	dir := t.TempDir()
	inputPath := writeFile(t, dir, "input.json", `[
  {"id": 1, "type": "branch", "balance": 10},
  {"id": 1, "type": "customer", "customer-requests": [
    {"interface": "query", "customer-request-id": 1}
  ]}
]`)

	stdout, err := runLocal(t, inputPath, dir, "--format", "json")
	require.Error(t, err)
	assert.ErrorIs(t, err, input.ErrNoRoute)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(stdout), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInput, resp.Error.Code)
	assert.Contains(t, resp.Error.Message, "customer 1")
}
