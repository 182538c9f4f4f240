package codegen

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// maxWords bounds the length of one instruction.
const maxWords = 0xFFFF

// Instruction is one decoded object instruction.
type Instruction struct {
	Opcode OpCode
	Words  []uint32 // operands, without the leading word
}

// Encode returns the instruction words including the leading word.
func (i Instruction) Encode() []uint32 {
	wordCount := uint32(len(i.Words) + 1)
	out := make([]uint32, 0, wordCount)
	out = append(out, wordCount<<16|uint32(i.Opcode))
	return append(out, i.Words...)
}

// instructionBuilder accumulates operand words.
type instructionBuilder struct {
	words []uint32
}

func (b *instructionBuilder) word(ws ...uint32) *instructionBuilder {
	b.words = append(b.words, ws...)
	return b
}

func (b *instructionBuilder) u64(v uint64) *instructionBuilder {
	return b.word(uint32(v), uint32(v>>32))
}

// str adds a null-terminated string padded to a word boundary.
func (b *instructionBuilder) str(s string) *instructionBuilder {
	return b.blob(append([]byte(s), 0), false)
}

// bytes adds a length word followed by the padded bytes.
func (b *instructionBuilder) bytes(data []byte) *instructionBuilder {
	return b.blob(data, true)
}

func (b *instructionBuilder) blob(data []byte, counted bool) *instructionBuilder {
	if counted {
		b.word(uint32(len(data)))
	}
	padded := make([]byte, (len(data)+3)&^3)
	copy(padded, data)
	for i := 0; i < len(padded); i += 4 {
		b.words = append(b.words, binary.LittleEndian.Uint32(padded[i:]))
	}
	return b
}

func (b *instructionBuilder) build(op OpCode) Instruction {
	return Instruction{Opcode: op, Words: b.words}
}

// objectWriter collects the instruction stream of one object. The first
// error sticks.
type objectWriter struct {
	words []uint32
	err   error
}

func (w *objectWriter) add(i Instruction) {
	if len(i.Words)+1 > maxWords && w.err == nil {
		w.err = errors.Errorf("%s needs %d words, the limit is %d", i.Opcode, len(i.Words)+1, maxWords)
	}
	w.words = append(w.words, i.Encode()...)
}

func (w *objectWriter) bytes() []byte {
	out := make([]byte, 4*len(w.words))
	for i, word := range w.words {
		binary.LittleEndian.PutUint32(out[4*i:], word)
	}
	return out
}
