package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Run or scenario failure (failed requests, failed scenarios)
	ExitCommandError = 2 // Command error (bad config, invalid input, database not found, etc.)
)

// Error codes carried in JSON error responses.
const (
	ErrCodeConfig = "E_CONFIG"      // config file, env or flags
	ErrCodeInput  = "E_INPUT"       // input file, schema or routing
	ErrCodeRun    = "E_RUN"         // branches failed to start or the run was interrupted
	ErrCodeOutput = "E_OUTPUT"      // output files could not be encoded or written
	ErrCodeStore  = "E_STORE"       // export database
	ErrCodeFailed = "E_TEST_FAILED" // one or more scenarios failed
)

// exitCodes is the exit code each error code ends the process with.
var exitCodes = map[string]int{
	ErrCodeConfig: ExitCommandError,
	ErrCodeInput:  ExitCommandError,
	ErrCodeRun:    ExitCommandError,
	ErrCodeStore:  ExitCommandError,
	ErrCodeOutput: ExitFailure,
	ErrCodeFailed: ExitFailure,
}

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	ErrCode string // One of the ErrCode constants; empty for plain exits
	Message string // Context for the failure
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Fail wraps err under an error code. The exit code follows from errCode;
// an unknown code exits with ExitFailure.
func Fail(errCode, message string, err error) *ExitError {
	code, ok := exitCodes[errCode]
	if !ok {
		code = ExitFailure
	}
	return &ExitError{Code: code, ErrCode: errCode, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitSuccess for nil and ExitFailure if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
	RunID  string    `json:"run_id,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success outputs a successful result in the configured format.
// Text output prints data with fmt; JSON output wraps it in a CLIResponse.
func (f *OutputFormatter) Success(data any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.Format == "json" {
		return f.encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Report writes e as an error response and returns it. The response message
// is the underlying error; the returned error keeps e's context.
func (f *OutputFormatter) Report(e *ExitError, details any) error {
	message := e.Message
	if e.Err != nil {
		message = e.Err.Error()
	}
	if err := f.Error(e.ErrCode, message, details); err != nil {
		return errors.Join(e, err)
	}
	return e
}

// JSON reports whether the formatter writes JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

// VerboseLog outputs a message only if verbose mode is enabled.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}
