package main

import (
	"errors"

	"github.com/zhangkaiitugithub/yabridge/internal/domain"
)

const (
	exitFailure = 1
	exitUsage   = 2
)

// exitError carries a process exit code through cobra.
type exitError struct {
	code    int
	message string
	silent  bool
}

func (e exitError) Error() string {
	return e.message
}

func exitSilent(code int) error {
	return exitError{code: code, silent: true}
}

// exitStatus maps a command error to the exit code and the message to print.
// Invalid configuration or arguments exit with exitUsage.
func exitStatus(err error) (int, string) {
	var exitErr exitError
	if errors.As(err, &exitErr) {
		if exitErr.silent {
			return exitErr.code, ""
		}
		return exitErr.code, exitErr.message
	}
	if code, ok := domain.CodeFrom(err); ok && code == domain.CodeInvalidArgument {
		return exitUsage, err.Error()
	}
	return exitFailure, err.Error()
}
