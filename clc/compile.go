package clc

import (
	_ "embed"
	"strconv"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/ir"
	"github.com/gogpu/kernelc/target"
)

//go:embed include/_kernel.h
var kernelHeader string

// HeaderName is the file name the support header is reported under.
const HeaderName = "_kernel.h"

// Source is one kernel program.
type Source struct {
	Name string
	Text string
	// Includes are in-memory files that #include consults before the
	// include directories.
	Includes map[string]string
}

// Result is a compiled module together with the diagnostics collected while
// building it.
type Result struct {
	Module  *ir.Module
	Log     diag.Log
	Options *Options
}

// Compile compiles src for tgt. options is the complete build-option string,
// device switches first. Malformed options fail before compilation starts;
// source problems are returned as a KindSource error wrapping SourceErrors.
func Compile(src Source, tgt target.Target, options string) (*Result, error) {
	opts, err := ParseOptions(options)
	if err != nil {
		return nil, err
	}
	if err := tgt.Validate(); err != nil {
		return nil, err
	}
	layout, err := tgt.Layout()
	if err != nil {
		return nil, err
	}
	name := src.Name
	if name == "" {
		name = "input.cl"
	}
	klog.V(1).Infof("clc: compiling %s for %s (%d option(s))", name, tgt.Triple, len(opts.Defines))

	pp := newPreprocessor(append(append([]string(nil), opts.IncludeDirs...), "."), src.Includes)
	predefine(pp, opts, layout)
	pp.file(HeaderName, kernelHeader)
	pp.file(name, src.Text)
	if pp.errs.HasErrors() {
		return nil, diag.New(diag.KindSource, pp.errs)
	}

	unit, err := NewParser(pp.out, pp.files).Parse()
	if err != nil {
		return nil, diag.New(diag.KindSource, err)
	}

	m := &ir.Module{Name: name, Triple: tgt.Triple, DataLayout: tgt.DataLayout}
	l := newLowerer(m, layout, opts, pp.files)
	l.Lower(unit)
	if l.errors.HasErrors() {
		return nil, diag.New(diag.KindSource, l.errors)
	}
	if err := ir.Check(m); err != nil {
		return nil, diag.New(diag.KindSource, errors.WithMessage(err, "lowering produced an invalid module"))
	}

	log := append(pp.warns, l.warnings...)
	switch {
	case opts.NoWarnings:
		log = nil
	case opts.WarningsAsErrors && len(log.Warnings()) > 0:
		var errs SourceErrors
		for _, d := range log.Warnings() {
			errs.Add(pp.files.annotate(&SourceError{
				Message: d.Message,
				Span:    Span{Start: Position{Line: d.Line, Column: d.Column}, Source: d.File},
			}))
		}
		return nil, diag.New(diag.KindSource, errs)
	}
	klog.V(1).Infof("clc: %s: %d function(s), %d global(s), %d warning(s)",
		name, len(m.Functions), len(m.Globals), len(log))
	return &Result{Module: m, Log: log, Options: opts}, nil
}

// predefine installs the macros every compilation sees, followed by the
// -D and -U options in command-line order.
func predefine(pp *preprocessor, opts *Options, layout *target.DataLayout) {
	pp.define("__OPENCL_VERSION__", "120")
	pp.define("__OPENCL_C_VERSION__", strconv.Itoa(opts.LanguageVersion()))
	if !layout.BigEndian {
		pp.define("__ENDIAN_LITTLE__", "1")
	}
	if opts.FastRelaxedMath {
		pp.define("__FAST_RELAXED_MATH__", "1")
	}
	pp.define("inline", "")
	for _, d := range opts.Defines {
		if d.Undef {
			pp.undef(d.Name)
			continue
		}
		pp.define(d.Name, d.Value)
	}
}
