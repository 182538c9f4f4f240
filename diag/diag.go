// Package diag defines the error kinds and diagnostics shared by all
// kernelc pipeline stages.
//
// Structural failures are returned as *Error values carrying a Kind, so that
// callers can tell a rejected build option from a divergent barrier without
// parsing messages. Warnings and notes are accumulated in a Log and returned
// alongside successful results.
package diag

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind classifies a pipeline failure.
type Kind uint8

const (
	// KindUnknown is reported for errors that did not originate in a stage.
	KindUnknown Kind = iota
	// KindBuildOptions is a malformed or unknown build option.
	KindBuildOptions
	// KindSource is a parse or semantic error in kernel source.
	KindSource
	// KindMetadata is a missing kernel or an unclassifiable parameter.
	KindMetadata
	// KindRestructure is a divergent barrier or an unsupported IR construct.
	KindRestructure
	// KindLink is an unresolved support-routine symbol or an optimizer failure.
	KindLink
	// KindResource is a failure to create temporary storage or write artifacts.
	KindResource
	// KindConfig is an incomplete target or device descriptor.
	KindConfig
)

var kindNames = [...]string{
	KindUnknown:      "unknown",
	KindBuildOptions: "build options",
	KindSource:       "source",
	KindMetadata:     "metadata",
	KindRestructure:  "restructuring",
	KindLink:         "link",
	KindResource:     "resource",
	KindConfig:       "configuration",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

// Error is a classified pipeline failure.
type Error struct {
	Kind   Kind
	Kernel string // empty when the failure is not kernel specific
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Kernel != "" {
		return fmt.Sprintf("%s error in kernel %q: %v", e.Kind, e.Kernel, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause.
func (e *Error) Cause() error { return e.Err }

// New wraps err with a kind. A nil err yields nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Errorf creates a classified error from a format string.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: errors.Errorf(format, args...)}
}

// ForKernel wraps err with a kind and the kernel it concerns. If err already
// carries a kind, that kind is kept and only the kernel name is attached.
func ForKernel(kind Kind, kernel string, err error) error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if de.Kernel == "" {
			return &Error{Kind: de.Kind, Kernel: kernel, Err: de.Err}
		}
		return err
	}
	return &Error{Kind: kind, Kernel: kernel, Err: err}
}

// KindOf returns the kind of the first *Error found in err's chain.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Severity of a diagnostic.
type Severity uint8

const (
	SeverityNote Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityNote:
		return "note"
	case SeverityWarning:
		return "warning"
	default:
		return "error"
	}
}

// Diagnostic is a single message produced by a stage.
type Diagnostic struct {
	Severity Severity
	Stage    string // "clc", "kernel", "workgroup", "link"
	Message  string
	File     string
	Line     int
	Column   int
}

func (d Diagnostic) String() string {
	var sb strings.Builder
	if d.File != "" || d.Line > 0 {
		if d.File != "" {
			sb.WriteString(d.File)
			sb.WriteByte(':')
		}
		fmt.Fprintf(&sb, "%d:%d: ", d.Line, d.Column)
	}
	fmt.Fprintf(&sb, "%s: %s", d.Severity, d.Message)
	return sb.String()
}

// Log accumulates diagnostics in the order they were produced.
type Log []Diagnostic

// Warnf appends a warning.
func (l *Log) Warnf(stage, format string, args ...any) {
	*l = append(*l, Diagnostic{Severity: SeverityWarning, Stage: stage, Message: fmt.Sprintf(format, args...)})
}

// Notef appends a note.
func (l *Log) Notef(stage, format string, args ...any) {
	*l = append(*l, Diagnostic{Severity: SeverityNote, Stage: stage, Message: fmt.Sprintf(format, args...)})
}

// Append appends all diagnostics of other.
func (l *Log) Append(other Log) {
	*l = append(*l, other...)
}

// Warnings returns only the warnings.
func (l Log) Warnings() Log {
	var out Log
	for _, d := range l {
		if d.Severity == SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

// String renders one diagnostic per line.
func (l Log) String() string {
	var sb strings.Builder
	for i, d := range l {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(d.String())
	}
	return sb.String()
}
