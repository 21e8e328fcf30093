package executor

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed synchronous execution.
type ErrorKind string

const (
	KindNetwork  ErrorKind = "NETWORK"
	KindAuth     ErrorKind = "AUTH"
	KindCommand  ErrorKind = "COMMAND"
	KindTimeout  ErrorKind = "TIMEOUT"
	KindInternal ErrorKind = "INTERNAL"
)

// ExecError is returned by Exec.
type ExecError struct {
	Kind ErrorKind
	Err  error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func classify(ctx context.Context, err error) *ExecError {
	kind := KindInternal
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = KindTimeout
	case errors.Is(err, ErrAuth):
		kind = KindAuth
	case errors.Is(err, ErrConnect):
		kind = KindNetwork
	case errors.Is(err, ErrSession), errors.Is(err, ErrOutputLimit):
		kind = KindCommand
	}
	return &ExecError{Kind: kind, Err: err}
}
