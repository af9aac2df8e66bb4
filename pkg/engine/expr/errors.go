package expr

import (
	"errors"
	"fmt"
)

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrSecurity indicates the expression uses a construct outside the allow-list.
	ErrSecurity = errors.New("condition rejected by security policy")
	// ErrEvaluation indicates the expression failed against a concrete row.
	ErrEvaluation = errors.New("condition evaluation failed")
)

// Error carries the failure class plus the offending position in the source.
type Error struct {
	Kind error
	Pos  int
	Msg  string
}

func (e *Error) Error() string {
	if e.Pos < 0 {
		return fmt.Sprintf("%v: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%v at offset %d: %s", e.Kind, e.Pos, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func syntaxErrorf(pos int, format string, args ...any) error {
	return &Error{Kind: ErrSyntax, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func securityErrorf(pos int, format string, args ...any) error {
	return &Error{Kind: ErrSecurity, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func evalErrorf(format string, args ...any) error {
	return &Error{Kind: ErrEvaluation, Pos: -1, Msg: fmt.Sprintf(format, args...)}
}
