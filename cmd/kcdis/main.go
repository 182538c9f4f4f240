// kcdis - kernelc object disassembler
// Prints the instruction stream of a .kco file, or with -ir the decoded module.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/gogpu/kernelc/codegen"
	"github.com/gogpu/kernelc/ir"
)

var printIR = flag.Bool("ir", false, "print the decoded module instead of the instruction stream")

// Operand layout of declaration opcodes: leading numeric words, then strings.
var layouts = map[codegen.OpCode]struct{ words, strings int }{
	codegen.OpModule:      {0, 3},
	codegen.OpTypeVoid:    {0, 1},
	codegen.OpTypeScalar:  {2, 1},
	codegen.OpTypePointer: {2, 1},
	codegen.OpTypeArray:   {2, 1},
	codegen.OpTypeImage:   {1, 1},
	codegen.OpTypeSampler: {0, 1},
	codegen.OpGlobal:      {2, 1},
	codegen.OpFunction:    {3, 1},
	codegen.OpParam:       {1, 1},
	codegen.OpLocal:       {1, 1},
	codegen.OpValue:       {2, 1},
	codegen.OpBlock:       {0, 1},
}

func readString(words []uint32) (string, []uint32) {
	var sb strings.Builder
	for i, w := range words {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], w)
		for _, c := range b {
			if c == 0 {
				return sb.String(), words[i+1:]
			}
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}

func id(n uint32) string {
	if n == uint32(ir.NoValue) {
		return "_"
	}
	return fmt.Sprintf("%%%d", n)
}

func main() {
	flag.Parse()
	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: kcdis [-ir] <file.kco>")
		os.Exit(1)
	}
	data, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *printIR {
		m, err := codegen.Decode(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := ir.Print(os.Stdout, m); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	h, insts, err := codegen.Parse(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("; kernelc object\n")
	fmt.Printf("; Version: %d\n", h.Version)
	fmt.Printf("; Functions: %d\n", h.Functions)
	fmt.Printf("; Types: %d\n", h.Types)
	fmt.Printf("; Instructions: %d\n", len(insts))
	for _, in := range insts {
		printInstruction(in)
	}
}

func printInstruction(in codegen.Instruction) {
	ops := in.Words
	name := in.Opcode.String()
	switch {
	case in.Opcode == codegen.OpFunctionEnd:
		fmt.Printf("               %s\n\n", name)
	case in.Opcode == codegen.OpAnnotation:
		fmt.Printf("               %s", name)
		if len(ops) > 0 {
			n := ops[0]
			s, rest := readString(ops[1:])
			fmt.Printf(" %q (%d operand(s))", s, n)
			for _, w := range rest {
				fmt.Printf(" %d", w)
			}
		}
		fmt.Println()
	case in.Opcode >= codegen.OpBranch:
		fmt.Printf("               %s", name)
		for i, w := range ops {
			if in.Opcode == codegen.OpBranch || (in.Opcode == codegen.OpCondBranch && i > 0) {
				fmt.Printf(" bb%d", w)
			} else {
				fmt.Printf(" %s", id(w))
			}
		}
		fmt.Println()
	case in.Opcode >= codegen.OpConst:
		if len(ops) == 0 {
			fmt.Printf("               %s\n", name)
			return
		}
		if ir.ValueID(ops[0]) == ir.NoValue {
			fmt.Printf("               %s", name)
		} else {
			fmt.Printf("%14s = %s", id(ops[0]), name)
		}
		for _, w := range ops[1:] {
			fmt.Printf(" %d", w)
		}
		fmt.Println()
	default:
		l, ok := layouts[in.Opcode]
		if !ok || len(ops) < l.words {
			fmt.Printf("               %s", name)
			for _, w := range ops {
				fmt.Printf(" 0x%08x", w)
			}
			fmt.Println()
			return
		}
		if in.Opcode == codegen.OpBlock {
			s, _ := readString(ops)
			fmt.Printf("       %s:\n", s)
			return
		}
		fmt.Printf("               %s", name)
		for _, w := range ops[:l.words] {
			fmt.Printf(" %d", w)
		}
		rest := ops[l.words:]
		for range l.strings {
			var s string
			s, rest = readString(rest)
			fmt.Printf(" %q", s)
		}
		if in.Opcode == codegen.OpGlobal && len(rest) > 0 {
			fmt.Printf(" init %d byte(s)", rest[0])
		}
		fmt.Println()
	}
}
