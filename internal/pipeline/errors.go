package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kiranshivaraju/geoconvert/internal/toolbridge"
)

// ErrCancelled is returned by a pipeline that observed the job's
// cancellation flag. It is an outcome, not a failure.
var ErrCancelled = errors.New("job cancelled")

// Kind classifies a stage failure for the user-visible message.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindTool
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTool:
		return "tool"
	case KindStore:
		return "store"
	default:
		return "internal"
	}
}

// StageError is a failure inside one pipeline stage.
type StageError struct {
	Stage string
	Kind  Kind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func validationError(err error) error { return &StageError{Kind: KindValidation, Err: err} }
func toolError(err error) error       { return &StageError{Kind: KindTool, Err: err} }
func storeError(err error) error      { return &StageError{Kind: KindStore, Err: err} }

// inspectError classifies a failure of a tool reading the input. A tool that
// could not run or did not finish says nothing about the file.
func inspectError(err error) error {
	if errors.Is(err, toolbridge.ErrToolNotFound) || errors.Is(err, toolbridge.ErrTimeout) {
		return toolError(err)
	}
	return validationError(err)
}

const maxPublicDiagnostic = 500

// PublicMessage renders err as the job's error_message. Local paths are
// reduced to base names and store error text is never exposed.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return "processing interrupted"
	}

	var se *StageError
	if !errors.As(err, &se) {
		return "internal error"
	}

	switch se.Kind {
	case KindValidation:
		return "validation failed: " + diagnostic(se.Err)
	case KindTool:
		switch {
		case errors.Is(se.Err, toolbridge.ErrTimeout):
			return fmt.Sprintf("%s timed out", se.Stage)
		case errors.Is(se.Err, toolbridge.ErrToolNotFound):
			return fmt.Sprintf("%s failed: conversion tool unavailable", se.Stage)
		}
		return fmt.Sprintf("%s failed: %s", se.Stage, diagnostic(se.Err))
	case KindStore:
		return "storage unavailable during " + se.Stage
	default:
		return "internal error during " + se.Stage
	}
}

func diagnostic(err error) string {
	msg := err.Error()
	var te *toolbridge.ToolError
	if errors.As(err, &te) {
		msg = te.Diagnostic
		if msg == "" {
			msg = fmt.Sprintf("%s exited with status %d", te.Tool, te.ExitCode)
		}
	}

	msg = RedactPaths(strings.TrimSpace(msg))
	if len(msg) > maxPublicDiagnostic {
		msg = "..." + strings.ToValidUTF8(msg[len(msg)-maxPublicDiagnostic+3:], "")
	}
	return msg
}

var absPath = regexp.MustCompile("(^|[\\s'\"`=(\\[])(/[^\\s'\"`(),:\\[\\]]+)")

// RedactPaths replaces absolute filesystem paths in s with their base names.
func RedactPaths(s string) string {
	return absPath.ReplaceAllStringFunc(s, func(m string) string {
		sub := absPath.FindStringSubmatch(m)
		return sub[1] + filepath.Base(sub[2])
	})
}
