package clc

import (
	"fmt"
	"strings"
)

// Location is a line in a named file.
type Location struct {
	File string
	Line int
}

func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// SourceError is a problem at a position in the preprocessed program.
type SourceError struct {
	Message string
	Span    Span
	// Line is the text of the offending line, empty when unknown.
	Line string
	// IncludedFrom lists the #include directives that pulled the file in,
	// innermost first. It is empty for the main source file.
	IncludedFrom []Location
}

// Error formats the error as file:line:col: message, followed by the file
// that included the offending header, if any.
func (e *SourceError) Error() string {
	var msg string
	switch {
	case e.Span.Start.Line == 0:
		return e.Message
	case e.Span.Source != "":
		msg = fmt.Sprintf("%s:%d:%d: %s", e.Span.Source, e.Span.Start.Line, e.Span.Start.Column, e.Message)
	default:
		msg = fmt.Sprintf("%d:%d: %s", e.Span.Start.Line, e.Span.Start.Column, e.Message)
	}
	if len(e.IncludedFrom) > 0 {
		msg += " (included from " + e.IncludedFrom[0].String() + ")"
	}
	return msg
}

// FormatWithContext renders the include chain, the offending line and a
// caret under the error column:
//
//	In file included from k.cl:3:
//	error: unknown type name 'flaot'
//	  --> common.h:2:1
//	   |
//	  2| flaot scale;
//	   | ^
func (e *SourceError) FormatWithContext() string {
	var sb strings.Builder
	for i, loc := range e.IncludedFrom {
		if i == 0 {
			fmt.Fprintf(&sb, "In file included from %s:\n", loc)
		} else {
			fmt.Fprintf(&sb, "                 from %s:\n", loc)
		}
	}
	if e.Line == "" {
		sb.WriteString(e.Error())
		return sb.String()
	}

	col := min(max(e.Span.Start.Column, 1), len(e.Line)+1)
	fmt.Fprintf(&sb, "error: %s\n", e.Message)
	if e.Span.Source != "" {
		fmt.Fprintf(&sb, "  --> %s:%d:%d\n", e.Span.Source, e.Span.Start.Line, col)
	} else {
		fmt.Fprintf(&sb, "  --> line %d:%d\n", e.Span.Start.Line, col)
	}
	sb.WriteString("   |\n")
	fmt.Fprintf(&sb, "%3d| %s\n", e.Span.Start.Line, e.Line)
	fmt.Fprintf(&sb, "   | %s^\n", strings.Repeat(" ", col-1))
	return sb.String()
}

// SourceErrors is every error of one compilation stage, in source order.
type SourceErrors []*SourceError

func (el SourceErrors) Error() string {
	if len(el) == 0 {
		return "no errors"
	}
	if len(el) == 1 {
		return el[0].Error()
	}
	return fmt.Sprintf("%s (and %d more errors)", el[0].Error(), len(el)-1)
}

// FormatAll returns all errors formatted with context.
func (el SourceErrors) FormatAll() string {
	var sb strings.Builder
	for i, e := range el {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(e.FormatWithContext())
	}
	return sb.String()
}

// Add appends err.
func (el *SourceErrors) Add(err *SourceError) {
	*el = append(*el, err)
}

// HasErrors reports whether the list is non-empty.
func (el SourceErrors) HasErrors() bool {
	return len(el) > 0
}

// Files holds the text of every file the preprocessor read and the
// #include directive that first pulled each one in. A nil *Files is valid
// and knows no files.
type Files struct {
	text map[string]string
	from map[string]Location
}

func newFiles() *Files {
	return &Files{text: map[string]string{}, from: map[string]Location{}}
}

// add records a file. A non-nil include is the directive reading it;
// only the first inclusion site of a file is kept.
func (fs *Files) add(name, text string, include *Token) {
	fs.text[name] = text
	if include == nil || include.File == name {
		return
	}
	if _, seen := fs.from[name]; !seen {
		fs.from[name] = Location{File: include.File, Line: include.Line}
	}
}

// Line returns line n (1-based) of a file, or "" when unknown.
func (fs *Files) Line(name string, n int) string {
	if fs == nil || n < 1 {
		return ""
	}
	text, ok := fs.text[name]
	if !ok {
		return ""
	}
	for i := 1; i < n; i++ {
		nl := strings.IndexByte(text, '\n')
		if nl < 0 {
			return ""
		}
		text = text[nl+1:]
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[:nl]
	}
	return strings.TrimSuffix(text, "\r")
}

// IncludeChain returns the inclusion sites leading to name, innermost
// first.
func (fs *Files) IncludeChain(name string) []Location {
	if fs == nil {
		return nil
	}
	var chain []Location
	seen := map[string]bool{name: true}
	for len(chain) < maxIncludeDepth {
		loc, ok := fs.from[name]
		if !ok {
			break
		}
		chain = append(chain, loc)
		if seen[loc.File] {
			break
		}
		seen[loc.File] = true
		name = loc.File
	}
	return chain
}

// annotate fills in the context of e from the file its span points into.
func (fs *Files) annotate(e *SourceError) *SourceError {
	e.Line = fs.Line(e.Span.Source, e.Span.Start.Line)
	e.IncludedFrom = fs.IncludeChain(e.Span.Source)
	return e
}

// errorf creates an annotated error at span.
func (fs *Files) errorf(span Span, format string, args ...any) *SourceError {
	return fs.annotate(&SourceError{Message: fmt.Sprintf(format, args...), Span: span})
}
