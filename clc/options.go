package clc

import (
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"

	"github.com/gogpu/kernelc/diag"
)

// Define is one -D or -U option, applied in command-line order.
type Define struct {
	Name  string
	Value string
	Undef bool
}

// Options are the parsed build options of one compilation.
type Options struct {
	Defines     []Define
	IncludeDirs []string

	NoWarnings       bool // -w
	WarningsAsErrors bool // -Werror

	OptDisable              bool
	MadEnable               bool
	FastRelaxedMath         bool
	FiniteMathOnly          bool
	NoSignedZeros           bool
	UnsafeMathOptimizations bool
	DenormsAreZero          bool
	SinglePrecisionConstant bool
	KernelArgInfo           bool

	// Std is the language version from -cl-std, "CL1.2" when absent.
	Std string
}

// LanguageVersion returns the __OPENCL_C_VERSION__ value for Std.
func (o *Options) LanguageVersion() int {
	switch o.Std {
	case "CL1.0":
		return 100
	case "CL1.1":
		return 110
	default:
		return 120
	}
}

var flagOptions = map[string]func(o *Options){
	"-w":                            func(o *Options) { o.NoWarnings = true },
	"-Werror":                       func(o *Options) { o.WarningsAsErrors = true },
	"-cl-opt-disable":               func(o *Options) { o.OptDisable = true },
	"-cl-mad-enable":                func(o *Options) { o.MadEnable = true },
	"-cl-fast-relaxed-math":         func(o *Options) { o.FastRelaxedMath = true },
	"-cl-finite-math-only":          func(o *Options) { o.FiniteMathOnly = true },
	"-cl-no-signed-zeros":           func(o *Options) { o.NoSignedZeros = true },
	"-cl-unsafe-math-optimizations": func(o *Options) { o.UnsafeMathOptimizations = true },
	"-cl-denorms-are-zero":          func(o *Options) { o.DenormsAreZero = true },
	"-cl-single-precision-constant": func(o *Options) { o.SinglePrecisionConstant = true },
	"-cl-kernel-arg-info":           func(o *Options) { o.KernelArgInfo = true },
}

// ParseOptions tokenizes an option string with shell quoting rules and
// interprets it. Unknown options are a build-options error.
func ParseOptions(s string) (*Options, error) {
	o := &Options{Std: "CL1.2"}
	if err := o.parse(s); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Options) parse(s string) error {
	args, err := shlex.Split(s)
	if err != nil {
		return diag.New(diag.KindBuildOptions, errors.Wrapf(err, "tokenizing build options %q", s))
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if set, ok := flagOptions[arg]; ok {
			set(o)
			continue
		}

		// Options taking a value, either attached or as the next argument.
		var prefix string
		for _, p := range []string{"-D", "-U", "-I"} {
			if strings.HasPrefix(arg, p) {
				prefix = p
			}
		}
		if prefix != "" {
			value := arg[len(prefix):]
			if value == "" {
				if i+1 >= len(args) {
					return diag.Errorf(diag.KindBuildOptions, "option %s requires an argument", prefix)
				}
				i++
				value = args[i]
			}
			if err := o.apply(prefix, value); err != nil {
				return err
			}
			continue
		}

		if std, ok := strings.CutPrefix(arg, "-cl-std="); ok {
			switch std {
			case "CL1.0", "CL1.1", "CL1.2":
				o.Std = std
			default:
				return diag.Errorf(diag.KindBuildOptions, "unsupported language version %q", std)
			}
			continue
		}
		return diag.Errorf(diag.KindBuildOptions, "unknown build option %q", arg)
	}
	return nil
}

func (o *Options) apply(prefix, value string) error {
	switch prefix {
	case "-D":
		name, val, found := strings.Cut(value, "=")
		if !isIdentifier(name) {
			return diag.Errorf(diag.KindBuildOptions, "invalid macro name %q", name)
		}
		if !found {
			val = "1"
		}
		o.Defines = append(o.Defines, Define{Name: name, Value: val})
	case "-U":
		if !isIdentifier(value) {
			return diag.Errorf(diag.KindBuildOptions, "invalid macro name %q", value)
		}
		o.Defines = append(o.Defines, Define{Name: value, Undef: true})
	case "-I":
		o.IncludeDirs = append(o.IncludeDirs, value)
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if !(r == '_' || isAlpha(r) || (i > 0 && isDigit(r))) {
			return false
		}
	}
	return true
}
