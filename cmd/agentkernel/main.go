// Package main implements the agentkernel command line: starting a kernel
// (foreground or daemonized), connecting a REPL client, and discovering or
// stopping running kernels.
package main

import (
	"fmt"
	"os"

	"github.com/c360/agentkernel/errors"
)

// Build information constants
const (
	Version = "0.9.0"
	appName = "agentkernel"
)

// Exit codes.
const (
	exitOK             = 0
	exitError          = 1
	exitInvalidArgs    = 2
	exitNotFound       = 3
	exitPartialFailure = 4
)

// exitCodeError carries an explicit exit code through cobra's error path.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string { return e.err.Error() }
func (e *exitCodeError) Unwrap() error { return e.err }

func withExitCode(code int, err error) error {
	if err == nil {
		return nil
	}
	return &exitCodeError{code: code, err: err}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var ece *exitCodeError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &ece):
		return ece.code
	case errors.IsNotFound(err):
		return exitNotFound
	default:
		return exitError
	}
}
