package ir

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/pkg/errors"
)

func init() {
	for _, v := range []any{
		VoidType{}, ScalarType{}, PointerType{}, ArrayType{}, ImageType{}, SamplerType{},
		InstConst{}, InstParam{}, InstLocalAddr{}, InstGlobalAddr{}, InstBinary{}, InstUnary{},
		InstCompare{}, InstConvert{}, InstSelect{}, InstLoad{}, InstStore{}, InstOffset{},
		InstCall{}, InstPhi{}, InstLaneSeq{}, InstExtractLane{},
		TermBranch{}, TermCondBranch{}, TermReturn{}, TermUnreachable{},
		MDFunction{}, MDInt{}, MDString{},
	} {
		gob.Register(v)
	}
}

// Encode serializes a module. The encoding is only meant to be read back by
// Decode from the same version of this package.
func Encode(w io.Writer, m *Module) error {
	if err := gob.NewEncoder(w).Encode(m); err != nil {
		return errors.Wrapf(err, "encoding module %q", m.Name)
	}
	return nil
}

// Decode reads a module written by Encode.
func Decode(r io.Reader) (*Module, error) {
	var m Module
	if err := gob.NewDecoder(r).Decode(&m); err != nil {
		return nil, errors.Wrap(err, "decoding module")
	}
	return &m, nil
}

// Marshal is Encode into a byte slice.
func Marshal(m *Module) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// gob rejects structs without exported fields, so the field-less variants
// encode as empty byte strings.

func (VoidType) GobEncode() ([]byte, error)        { return []byte{}, nil }
func (*VoidType) GobDecode([]byte) error           { return nil }
func (SamplerType) GobEncode() ([]byte, error)     { return []byte{}, nil }
func (*SamplerType) GobDecode([]byte) error        { return nil }
func (InstLaneSeq) GobEncode() ([]byte, error)     { return []byte{}, nil }
func (*InstLaneSeq) GobDecode([]byte) error        { return nil }
func (TermUnreachable) GobEncode() ([]byte, error) { return []byte{}, nil }
func (*TermUnreachable) GobDecode([]byte) error    { return nil }
