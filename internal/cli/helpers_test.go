package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// withdrawInput is three branches of 100 and one customer withdrawing 30.
const withdrawInput = `[
  {"id": 1, "type": "customer", "branch": 1, "customer-requests": [
    {"interface": "withdraw", "money": 30, "customer-request-id": 1},
    {"interface": "query", "customer-request-id": 2}
  ]},
  {"id": 1, "type": "branch", "balance": 100},
  {"id": 2, "type": "branch", "balance": 100},
  {"id": 3, "type": "branch", "balance": 100}
]`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

// execute runs the root command with args and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	t.Setenv("BASE_PORT", "")

	var stdout, stderr bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

// runLocal executes 'bank run' on the in-process transport.
func runLocal(t *testing.T, inputPath, outDir string, extra ...string) (string, error) {
	t.Helper()
	args := append([]string{"run", inputPath, "--transport", "local", "--output-dir", outDir}, extra...)
	stdout, _, err := execute(t, args...)
	return stdout, err
}

func findCommand(t *testing.T, name string) *cobra.Command {
	t.Helper()
	cmd, _, err := NewRootCommand().Find([]string{name})
	require.NoError(t, err)
	return cmd
}
