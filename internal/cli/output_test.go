package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Success(map[string]int{"branches": 3}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, map[string]any{"branches": float64(3)}, resp.Data)
	assert.Nil(t, resp.Error)
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	require.NoError(t, formatter.Error(ErrCodeInput, "duplicate branch id 2", map[string]int{"id": 2}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInput, resp.Error.Code)
	assert.Equal(t, "duplicate branch id 2", resp.Error.Message)
	assert.NotNil(t, resp.Error.Details)
}

func TestOutputFormatter_TextSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	require.NoError(t, formatter.Success("input valid"))
	assert.Equal(t, "input valid\n", buf.String())
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf, Verbose: true}

	require.NoError(t, formatter.Error(ErrCodeConfig, "bad port", "base_port 0"))
	assert.Equal(t, "Error [E_CONFIG]: bad port\nDetails: base_port 0\n", buf.String())
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}

	quiet := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut}
	quiet.VerboseLog("loaded %d branches", 3)
	assert.Empty(t, errOut.String())

	loud := &OutputFormatter{Format: "json", Writer: out, ErrWriter: errOut, Verbose: true}
	loud.VerboseLog("loaded %d branches", 3)
	assert.Equal(t, "loaded 3 branches\n", errOut.String())
	assert.Empty(t, out.String())

	noErr := &OutputFormatter{Format: "text", Writer: out, Verbose: true}
	assert.Same(t, out, noErr.GetErrWriter())
}

func TestExitError(t *testing.T) {
	base := errors.New("bind: address already in use")
	err := Fail(ErrCodeRun, "failed to start branches", base)

	assert.Equal(t, "failed to start branches: bind: address already in use", err.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, "plain", Fail(ErrCodeFailed, "plain", nil).Error())
}

func TestFail_ExitCodeFollowsErrorCode(t *testing.T) {
	tests := []struct {
		errCode string
		want    int
	}{
		{ErrCodeConfig, ExitCommandError},
		{ErrCodeInput, ExitCommandError},
		{ErrCodeRun, ExitCommandError},
		{ErrCodeStore, ExitCommandError},
		{ErrCodeOutput, ExitFailure},
		{ErrCodeFailed, ExitFailure},
		{"E_SOMETHING_ELSE", ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.errCode, func(t *testing.T) {
			err := Fail(tt.errCode, "x", nil)
			assert.Equal(t, tt.want, err.Code)
			assert.Equal(t, tt.errCode, err.ErrCode)
		})
	}
}

func TestOutputFormatter_Report(t *testing.T) {
	cause := errors.New("customer 4: no route to a branch")

	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}
	err := formatter.Report(Fail(ErrCodeInput, "run failed", cause), nil)
	assert.Equal(t, "Error [E_INPUT]: customer 4: no route to a branch\n", buf.String())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, "run failed: customer 4: no route to a branch", err.Error())

	buf.Reset()
	formatter = &OutputFormatter{Format: "json", Writer: buf}
	err = formatter.Report(Fail(ErrCodeOutput, "failed to write output files", cause), []string{"output.txt"})
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeOutput, resp.Error.Code)
	assert.Equal(t, cause.Error(), resp.Error.Message)
	assert.Equal(t, []any{"output.txt"}, resp.Error.Details)
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("x")))
	assert.Equal(t, ExitCommandError, GetExitCode(Fail(ErrCodeStore, "x", nil)))
	assert.Equal(t, ExitCommandError, GetExitCode(fmt.Errorf("wrapped: %w", Fail(ErrCodeConfig, "x", nil))))
}
