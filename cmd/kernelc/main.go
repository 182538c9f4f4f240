// Command kernelc compiles OpenCL C kernels into work-group object code.
//
// Usage:
//
//	kernelc [options] <input.cl>
//
// Examples:
//
//	kernelc vadd.cl                          # Build for the host, print a summary
//	kernelc -o out -options "-DN=4" vadd.cl  # Write <device>.<kernel>.kco files to out
//	kernelc -device gpu.yaml -keep vadd.cl   # Build for a device file, keep the build root
//	kernelc -local 8,8,1 -method loopvec k.cl
//
// A .env file in the working directory, or the one named by -env, is loaded
// before the environment is read.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/gogpu/kernelc"
	"github.com/gogpu/kernelc/clc"
	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/diag"
	"github.com/gogpu/kernelc/target"
)

var (
	output   = flag.String("o", "", "directory to copy object code to")
	options  = flag.String("options", "", "build options passed to the compiler")
	devices  = flag.String("device", "", "comma-separated device descriptor files (default: host)")
	local    = flag.String("local", "", "specialize every kernel to this work-group size, as x,y,z")
	method   = flag.String("method", "", "work-item loop lowering: loops or loopvec (default: $"+target.EnvWorkGroupMethod+")")
	storage  = flag.String("storage", "", "directory for build roots (default: system temporary directory)")
	keep     = flag.Bool("keep", false, "keep the build root")
	envFile  = flag.String("env", "", "environment file to load (default: .env if present)")
	quiet    = flag.Bool("q", false, "do not print the kernel summary")
	version  = flag.Bool("version", false, "print version")
	dumpHost = flag.Bool("host-device", false, "print the host device descriptor and exit")
)

const kernelcVersion = "0.1.0-dev"

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()
	defer klog.Flush()

	if *version {
		fmt.Printf("kernelc version %s\n", kernelcVersion)
		return
	}
	if err := loadEnv(*envFile); err != nil {
		fail(err)
	}
	if *dumpHost {
		data, err := target.Host().Encode()
		if err != nil {
			fail(err)
		}
		os.Stdout.Write(data)
		return
	}

	args := flag.Args()
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Error: no input file specified")
		usage()
		os.Exit(2)
	}
	inputPath := args[0]
	source, err := os.ReadFile(inputPath)
	if err != nil {
		fail(err)
	}

	cfg := kernelc.Config{StorageDir: *storage, Method: *method, KeepStorage: *keep}
	if cfg.LocalSize, err = parseLocalSize(*local); err != nil {
		fail(err)
	}
	for _, path := range strings.Split(*devices, ",") {
		if path = strings.TrimSpace(path); path == "" {
			continue
		}
		dev, err := target.LoadDevice(path)
		if err != nil {
			fail(err)
		}
		cfg.Devices = append(cfg.Devices, dev)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	tc, err := kernelc.Init(cfg)
	if err != nil {
		fail(err)
	}
	prog, err := tc.Build(ctx, clc.Source{Name: filepath.Base(inputPath), Text: string(source)}, *options)
	if err != nil {
		tc.Close()
		fail(err)
	}
	defer tc.Close()

	for _, b := range prog.Builds {
		for _, d := range b.Log {
			fmt.Fprintf(os.Stderr, "%s: %s\n", b.Device.Name, d)
		}
	}
	if *output != "" {
		if err := writeObjects(*output, prog); err != nil {
			tc.Close()
			fail(err)
		}
	}
	if !*quiet {
		fmt.Println(kernelTable(prog).Render())
	}
	if *keep {
		fmt.Printf("build root: %s\n", tc.Root())
	}
}

// loadEnv loads path, or .env when path is empty and the file exists.
func loadEnv(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func parseLocalSize(s string) ([3]uint32, error) {
	var size [3]uint32
	if s == "" {
		return size, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) > 3 {
		return size, fmt.Errorf("invalid -local %q: at most three dimensions", s)
	}
	size = [3]uint32{1, 1, 1}
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil || v == 0 {
			return size, fmt.Errorf("invalid -local %q: %q is not a positive integer", s, p)
		}
		size[i] = uint32(v)
	}
	return size, nil
}

func writeObjects(dir string, prog *kernelc.Program) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for _, b := range prog.Builds {
		for _, k := range b.Kernels {
			name := fmt.Sprintf("%s.%s%s", b.Device.Name, k.Descriptor.Name, filepath.Ext(codegen.FileName))
			if err := os.WriteFile(filepath.Join(dir, name), k.Object, 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	klog.Flush()
	code := 1
	if diag.KindOf(err) == diag.KindBuildOptions {
		code = 2
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: kernelc [options] <input.cl>\n\n")
	fmt.Fprintf(os.Stderr, "Options:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  kernelc vadd.cl                         Build for the host\n")
	fmt.Fprintf(os.Stderr, "  kernelc -o out vadd.cl                  Write object code to out\n")
	fmt.Fprintf(os.Stderr, "  kernelc -device gpu.yaml -keep vadd.cl  Build for a device file\n")
}
