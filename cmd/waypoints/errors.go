package main

import (
	"errors"
	"fmt"
	"io"
)

// Code is a stable error code printed on stderr.
type Code string

const (
	EUsage    Code = "E_USAGE"
	EConfig   Code = "E_CONFIG"
	EPlan     Code = "E_PLAN"
	ERun      Code = "E_RUN"
	EInternal Code = "E_INTERNAL"
)

// CodedError pairs a stable code with a human message and the cause.
type CodedError struct {
	Code  Code
	Msg   string
	Cause error
}

func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *CodedError) Unwrap() error { return e.Cause }

func newError(code Code, msg string) error { return &CodedError{Code: code, Msg: msg} }

func wrapError(code Code, msg string, err error) error {
	return &CodedError{Code: code, Msg: msg, Cause: err}
}

func codeOf(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// exitCode maps usage errors to 2 and every other failure to 1.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case codeOf(err) == EUsage:
		return 2
	}
	return 1
}

// printError writes:
//
//	error_code: <CODE>
//	<message>
func printError(w io.Writer, err error) {
	if err == nil {
		return
	}
	var ce *CodedError
	if !errors.As(err, &ce) {
		ce = &CodedError{Code: EInternal, Msg: err.Error()}
	}
	fmt.Fprintf(w, "error_code: %s\n", ce.Code)
	if ce.Cause != nil {
		fmt.Fprintf(w, "%s: %v\n", ce.Msg, ce.Cause)
		return
	}
	fmt.Fprintln(w, ce.Msg)
}
