// Package ir defines the intermediate representation shared by every kernelc
// stage.
//
// A Module holds types, program-scope globals, functions and annotations.
// Functions are control-flow graphs of basic blocks. Each block is a list of
// instructions followed by a terminator. Instructions write to registers in
// the function's value table and read registers by ValueID, so the IR is in
// SSA form: every register has exactly one defining instruction.
//
// Variables do not live in registers. The front end places every variable in
// a private local slot and accesses it through InstLocalAddr, InstLoad and
// InstStore, which keeps the module free of phis except at the merge points
// of short-circuit operators.
//
// # Structure
//
//   - Types: deduplicated type table, indexed by TypeHandle
//   - Globals: program-scope variables in the constant or local space
//   - Functions: helpers, kernels, generated work-group functions and
//     declarations (functions without blocks)
//   - Annotations: named metadata tuples such as kernel.reqd_work_group_size
//
// # Pipeline
//
//	source → clc → ir.Module → kernel/workgroup → link → codegen
//
// Instructions, terminators and types are closed sets of variants. Passes
// switch over them exhaustively.
package ir
