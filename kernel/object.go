package kernel

import (
	"bufio"
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ObjectFileName is the name of the descriptor source written next to each
// compiled kernel.
const ObjectFileName = "descriptor.so.kernel_obj.c"

// WorkGroupName returns the symbol of the generated work-group function.
func WorkGroupName(kernel string) string {
	return "_" + kernel + "_workgroup"
}

// WriteKernelObject writes the C descriptor source host launchers compile
// alongside the kernel: declarations of the work-group entry points and a
// metadata record with the argument and local counts.
func WriteKernelObject(w io.Writer, d *Descriptor) error {
	bw := bufio.NewWriter(w)
	wg := WorkGroupName(d.Name)
	fmt.Fprintf(bw, "\n#include <kernelc_device.h>\n\n")
	fmt.Fprintf(bw, "void %s(void **args, struct kernelc_context *);\n", wg)
	fmt.Fprintf(bw, "void %s_fast(void **args, struct kernelc_context *);\n\n", wg)

	fmt.Fprintf(bw, "static const unsigned char _%s_arg_kinds[] = {", d.Name)
	for i, a := range d.Args {
		if i > 0 {
			bw.WriteString(",")
		}
		fmt.Fprintf(bw, " %d /* %s %s */", a.Kind(), a.Kind(), a.Name)
	}
	if len(d.Args) == 0 {
		bw.WriteString(" 0")
	}
	bw.WriteString(" };\n\n")

	fmt.Fprintf(bw, "__kernel_metadata _%s_md = {\n", d.Name)
	fmt.Fprintf(bw, "     %q, /* name */\n", d.Name)
	fmt.Fprintf(bw, "     %d, /* num_args */\n", len(d.Args))
	fmt.Fprintf(bw, "     %d, /* num_locals */\n", len(d.Locals))
	fmt.Fprintf(bw, "     { %d, %d, %d }, /* reqd_wg_size */\n",
		d.ReqdWorkGroupSize[0], d.ReqdWorkGroupSize[1], d.ReqdWorkGroupSize[2])
	fmt.Fprintf(bw, "     _%s_arg_kinds,\n", d.Name)
	fmt.Fprintf(bw, "     %s_fast\n", wg)
	bw.WriteString(" };\n")
	return errors.Wrapf(bw.Flush(), "writing descriptor source for %s", d.Name)
}
