// Package codegen writes the final object code of a work-group function and
// reads it back.
//
// An object is a little-endian stream of 32-bit words: a five-word header
// followed by instructions. The first word of each instruction holds the
// word count in the high 16 bits and the opcode in the low 16 bits.
// Functions, types and globals are numbered in the order they appear.
package codegen

import "fmt"

// Header layout.
const (
	Magic   uint32 = 0x314F434B // "KCO1"
	Version uint32 = 1

	headerWords = 5
)

// OpCode identifies an object instruction.
type OpCode uint16

const (
	OpModule OpCode = iota + 1
	OpTypeVoid
	OpTypeScalar
	OpTypePointer
	OpTypeArray
	OpTypeImage
	OpTypeSampler
	OpGlobal
	OpFunction
	OpParam
	OpLocal
	OpValue
	OpBlock
	OpFunctionEnd
	OpAnnotation
)

const (
	OpConst OpCode = iota + 32
	OpParamRead
	OpLocalAddr
	OpGlobalAddr
	OpBinary
	OpUnary
	OpCompare
	OpConvert
	OpSelect
	OpLoad
	OpStore
	OpOffset
	OpCall
	OpPhi
	OpLaneSeq
	OpExtractLane
)

const (
	OpBranch OpCode = iota + 64
	OpCondBranch
	OpReturn
	OpUnreachable
)

var opNames = map[OpCode]string{
	OpModule: "Module", OpTypeVoid: "TypeVoid", OpTypeScalar: "TypeScalar",
	OpTypePointer: "TypePointer", OpTypeArray: "TypeArray", OpTypeImage: "TypeImage",
	OpTypeSampler: "TypeSampler", OpGlobal: "Global", OpFunction: "Function",
	OpParam: "Param", OpLocal: "Local", OpValue: "Value", OpBlock: "Block",
	OpFunctionEnd: "FunctionEnd", OpAnnotation: "Annotation",

	OpConst: "Const", OpParamRead: "ParamRead", OpLocalAddr: "LocalAddr",
	OpGlobalAddr: "GlobalAddr", OpBinary: "Binary", OpUnary: "Unary",
	OpCompare: "Compare", OpConvert: "Convert", OpSelect: "Select",
	OpLoad: "Load", OpStore: "Store", OpOffset: "Offset", OpCall: "Call",
	OpPhi: "Phi", OpLaneSeq: "LaneSeq", OpExtractLane: "ExtractLane",

	OpBranch: "Branch", OpCondBranch: "CondBranch", OpReturn: "Return",
	OpUnreachable: "Unreachable",
}

func (op OpCode) String() string {
	if n, ok := opNames[op]; ok {
		return "Op" + n
	}
	return fmt.Sprintf("Op(%d)", uint16(op))
}

// Annotation operand tags.
const (
	tagFunction uint32 = iota
	tagInt
	tagString
)

// Function attribute flags.
const (
	flagPure uint32 = 1 << iota
	flagConvergent
)
