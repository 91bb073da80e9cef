package cmd

import (
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"
)

var (
	exitInvalidArgument            = int(foundry.ExitInvalidArgument)
	exitExternalServiceUnavailable = int(foundry.ExitExternalServiceUnavailable)
	exitFileNotFound               = int(foundry.ExitFileNotFound)
	exitFileReadError              = int(foundry.ExitFileReadError)
	exitFileWriteError             = int(foundry.ExitFileWriteError)
	exitSignalInt                  = int(foundry.ExitSignalInt)
)

// exitRunFailed is returned by `run` when the workflow itself failed.
const exitRunFailed = 1

// exitCodeError carries the process exit code for a failed command.
type exitCodeError struct {
	code    int
	message string
	err     error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return e.message
	}
	return fmt.Sprintf("%s: %v", e.message, e.err)
}

func (e *exitCodeError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &exitCodeError{code: code, message: message, err: err}
}

// ExitWithCode logs message and err and terminates the process.
func ExitWithCode(logger *zap.Logger, code int, message string, err error) {
	if err != nil {
		logger.Error(message, zap.Error(err), zap.Int("exit_code", code))
	} else {
		logger.Error(message, zap.Int("exit_code", code))
	}
	_ = logger.Sync()
	os.Exit(code)
}
