// Package errorutil contains error types and helpers shared by the siptx packages.
package errorutil

//go:generate errtrace -w .

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ghettovoice/siptx/internal/util"
)

// Error is a string type that implements the error interface.
// It is used to declare sentinel errors as constants.
type Error string

func (s Error) Error() string { return string(s) }

// NewWrapperError creates or wraps an error with a sentinel error.
// Supported argument patterns:
//   - no args: returns sentinel
//   - error: wraps it with sentinel unless it already matches
//   - string [+ args]: formats a message and wraps it with sentinel
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		if len(args) == 1 {
			return fmt.Errorf("%w: %s", sentinel, v) //errtrace:skip
		}
		return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(v, args[1:]...)) //errtrace:skip
	default:
		return fmt.Errorf("%w: %v", sentinel, v) //errtrace:skip
	}
}

// ErrInvalidArgument is returned when an invalid argument is provided.
const ErrInvalidArgument Error = "invalid argument"

// NewInvalidArgumentError creates or wraps an error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}

// JoinPrefix joins non-nil errors under the prefix.
// It returns nil if all errors are nil.
func JoinPrefix(prefix string, errs ...error) error {
	errs = compact(errs)
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("%s: %w", strings.TrimRight(prefix, ":"), errs[0]) //errtrace:skip
	default:
		return &multiError{prefix: prefix, errs: errs} //errtrace:skip
	}
}

func compact(errs []error) []error {
	out := errs[:0:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

type multiError struct {
	prefix string
	errs   []error
}

func (e *multiError) Error() string {
	sb := util.GetStringBuilder()
	defer util.FreeStringBuilder(sb)

	sb.WriteString(strings.TrimRight(e.prefix, ":"))
	sb.WriteString(":")
	for _, err := range e.errs {
		sb.WriteString("\n  - ")
		sb.WriteString(strings.ReplaceAll(err.Error(), "\n", "\n    "))
	}
	return sb.String()
}

func (e *multiError) Unwrap() []error { return e.errs }
