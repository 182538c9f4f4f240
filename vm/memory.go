package vm

import (
	"encoding/binary"

	"github.com/gomlx/exceptions"
)

// A pointer is a region number in the high bits and a byte offset in the
// low bits. Region 0 is the null region.
const (
	regionShift = 40
	offsetMask  = 1<<regionShift - 1
)

type region struct {
	name     string
	data     []byte
	readOnly bool
}

// memory is the region table of one machine. Regions may share their bytes
// with other machines.
type memory struct {
	regions []region
}

func newMemory() memory {
	return memory{regions: []region{{name: "null"}}}
}

func (mem *memory) add(name string, data []byte, readOnly bool) uint64 {
	mem.regions = append(mem.regions, region{name: name, data: data, readOnly: readOnly})
	return uint64(len(mem.regions)-1) << regionShift
}

// trap aborts execution of the current invocation.
func trap(format string, args ...any) {
	exceptions.Panicf(format, args...)
}

func (mem *memory) bytes(p uint64, n uint32, write bool) []byte {
	r, off := p>>regionShift, p&offsetMask
	if r == 0 {
		trap("null pointer dereference at offset %d", off)
	}
	if r >= uint64(len(mem.regions)) {
		trap("invalid pointer %#x", p)
	}
	reg := &mem.regions[r]
	if write && reg.readOnly {
		trap("write to read-only %s", reg.name)
	}
	if off+uint64(n) > uint64(len(reg.data)) {
		trap("access of %d byte(s) at offset %d is out of bounds of %s (%d bytes)", n, off, reg.name, len(reg.data))
	}
	return reg.data[off : off+uint64(n)]
}

func (mem *memory) load(p uint64, size uint32) uint64 {
	b := mem.bytes(p, size, false)
	switch size {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	case 8:
		return binary.LittleEndian.Uint64(b)
	}
	trap("unsupported load of %d bytes", size)
	return 0
}

func (mem *memory) store(p uint64, size uint32, v uint64) {
	b := mem.bytes(p, size, true)
	switch size {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(b, v)
	default:
		trap("unsupported store of %d bytes", size)
	}
}
