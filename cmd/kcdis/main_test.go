package main

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gogpu/kernelc/ir"
)

func words(s string) []uint32 {
	b := append([]byte(s), 0)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[4*i:])
	}
	return out
}

func TestReadString(t *testing.T) {
	ws := append(words("abcd"), words("x")...)
	s, rest := readString(ws)
	assert.Equal(t, "abcd", s)
	assert.Len(t, rest, 1)
	s, rest = readString(rest)
	assert.Equal(t, "x", s)
	assert.Empty(t, rest)
}

func TestID(t *testing.T) {
	assert.Equal(t, "%7", id(7))
	assert.Equal(t, "_", id(uint32(ir.NoValue)))
}
