// Command dgcart manages a data-gateway download cart and the download jobs
// created from it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ligustah/dgcart/internal/cart"
	"github.com/ligustah/dgcart/internal/doi"
	"github.com/ligustah/dgcart/internal/fetch"
	dghttp "github.com/ligustah/dgcart/internal/http"
)

// Exit codes
const (
	ExitSuccess         = 0
	ExitGeneralError    = 1
	ExitInvalidArgs     = 2
	ExitUnauthorized    = 3
	ExitRejected        = 4
	ExitStorageError    = 5
	ExitSubmitFailed    = 6
	ExitFetchIncomplete = 7
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root, a := newRootCmd(stdout, stderr)
	defer a.close()
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil && strings.HasPrefix(err.Error(), "unknown command") {
		err = &usageError{err: err}
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// usageError marks bad command-line input.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// storageError marks failures of the archive bucket.
type storageError struct{ err error }

func (e *storageError) Error() string { return e.err.Error() }
func (e *storageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ue *usageError
	var se *storageError
	var cb *fetch.CircuitBreakerError
	switch {
	case errors.As(err, &ue):
		return ExitInvalidArgs
	case dghttp.Classify(err) == dghttp.KindAuthorization:
		return ExitUnauthorized
	case errors.As(err, &se):
		return ExitStorageError
	case errors.As(err, &cb), errors.Is(err, errFetchIncomplete):
		return ExitFetchIncomplete
	case errors.Is(err, cart.ErrNoDownloadID), errors.Is(err, errSubmitFailed):
		return ExitSubmitFailed
	case dghttp.Classify(err) == dghttp.KindValidation, errors.Is(err, doi.ErrNotMintable):
		return ExitRejected
	}
	return ExitGeneralError
}
