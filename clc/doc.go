// Package clc is the source compiler: it turns kernel-language source into
// an ir.Module for one target.
//
// Compilation runs the preprocessor (object-like macros, conditionals and
// includes, with the embedded _kernel.h injected first), parses the token
// stream into a TranslationUnit and lowers it without optimization. Every
// helper function survives lowering so the work-group generator sees the
// complete call graph.
//
//	res, err := clc.Compile(clc.Source{Name: "vadd.cl", Text: src}, dev.Target, "-DN=64")
//	if err != nil {
//	    var errs clc.SourceErrors
//	    if errors.As(err, &errs) {
//	        fmt.Println(errs.FormatAll())
//	    }
//	}
package clc
