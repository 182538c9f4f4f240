package vm

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// Number is an element type buffers and scalar arguments can hold.
type Number interface {
	constraints.Integer | constraints.Float
}

// Arg is a kernel argument: a *Buffer, a Local or a Scalar.
type Arg interface {
	arg()
}

// Buffer is byte-addressed global memory, little-endian. Invocations
// running at the same time share it.
type Buffer struct {
	data []byte
}

func (*Buffer) arg() {}

// NewBuffer returns a zeroed buffer of size bytes.
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, size)}
}

// BufferOf returns a buffer holding vals.
func BufferOf[T Number](vals []T) *Buffer {
	var zero T
	size := elemSize(zero)
	b := NewBuffer(len(vals) * size)
	for i, v := range vals {
		putBits(b.data[i*size:], size, bitsOf(v))
	}
	return b
}

// HalfBufferOf returns a buffer of half-precision values.
func HalfBufferOf(vals []float32) *Buffer {
	b := NewBuffer(2 * len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint16(b.data[2*i:], float16.Fromfloat32(v).Bits())
	}
	return b
}

// Bytes returns the buffer contents. The slice aliases the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Len returns the size in bytes.
func (b *Buffer) Len() int { return len(b.data) }

// Values decodes the buffer as a slice of T.
func Values[T Number](b *Buffer) []T {
	var zero T
	size := elemSize(zero)
	out := make([]T, len(b.data)/size)
	for i := range out {
		out[i] = fromBits[T](getBits(b.data[i*size:], size))
	}
	return out
}

// HalfValues decodes a buffer of half-precision values.
func HalfValues(b *Buffer) []float32 {
	out := make([]float32, len(b.data)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(b.data[2*i:])).Float32()
	}
	return out
}

// Local is a __local pointer argument: size bytes of work-group memory,
// allocated fresh for every work-group.
type Local uint32

func (Local) arg() {}

// Scalar is a by-value argument holding a bit pattern.
type Scalar uint64

func (Scalar) arg() {}

// ScalarOf encodes v as a by-value argument.
func ScalarOf[T Number](v T) Scalar {
	return Scalar(bitsOf(v))
}

func elemSize(v any) int {
	switch v.(type) {
	case int8, uint8:
		return 1
	case int16, uint16:
		return 2
	case int32, uint32, float32:
		return 4
	default:
		return 8
	}
}

func bitsOf[T Number](v T) uint64 {
	switch x := any(v).(type) {
	case float32:
		return uint64(math.Float32bits(x))
	case float64:
		return math.Float64bits(x)
	default:
		return uint64(v)
	}
}

func fromBits[T Number](bits uint64) T {
	var zero T
	switch any(zero).(type) {
	case float32:
		return T(math.Float32frombits(uint32(bits)))
	case float64:
		return T(math.Float64frombits(bits))
	case int8:
		return T(int8(bits))
	case int16:
		return T(int16(bits))
	case int32:
		return T(int32(bits))
	case int, int64:
		return T(int64(bits))
	default:
		return T(bits)
	}
}

func putBits(b []byte, size int, v uint64) {
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	default:
		binary.LittleEndian.PutUint64(b, v)
	}
}

func getBits(b []byte, size int) uint64 {
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}
