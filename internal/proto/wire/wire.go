// Package wire implements the tiny protobuf-wire-compatible encode/decode
// helpers shared by every internal/proto/* schema. Messages are hand-rolled
// structs rather than protoc-generated ones, but the bytes on the pipe are
// plain proto3 wire format so any protobuf-aware tool can decode a capture.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encoder accumulates fields into a proto3 wire-format byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Finish returns the accumulated message body.
func (e *Encoder) Finish() []byte { return e.buf }

// Uint64 appends a varint field if v is non-zero (proto3 default-value elision).
func (e *Encoder) Uint64(num protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Int64 appends a signed varint field.
func (e *Encoder) Int64(num protowire.Number, v int64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(v))
}

// Bool appends a bool field.
func (e *Encoder) Bool(num protowire.Number, v bool) {
	if !v {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, 1)
}

// String appends a string field if non-empty.
func (e *Encoder) String(num protowire.Number, v string) {
	if v == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, v)
}

// Bytes appends a bytes field if non-empty.
func (e *Encoder) Bytes(num protowire.Number, v []byte) {
	if len(v) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, v)
}

// Message appends an embedded message field if m is non-empty.
func (e *Encoder) Message(num protowire.Number, m []byte) {
	if len(m) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, num, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, m)
}

// Field is one decoded (number, wire value) pair produced while scanning a message.
type Field struct {
	Num   protowire.Number
	Type  protowire.Type
	Vint  uint64
	Bytes []byte
}

// Scan walks every top-level field of buf, invoking fn for each. It mirrors
// the way a switch-on-field-number decoder is generated by protoc, except
// written by hand against protowire's primitives.
func Scan(buf []byte, fn func(Field) error) error {
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("wire: bad tag: %w", protowire.ParseError(n))
		}
		buf = buf[n:]
		var f Field
		f.Num, f.Type = num, typ
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("wire: bad varint: %w", protowire.ParseError(n))
			}
			f.Vint = v
			buf = buf[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("wire: bad bytes: %w", protowire.ParseError(n))
			}
			f.Bytes = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("wire: bad field: %w", protowire.ParseError(n))
			}
			buf = buf[n:]
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}
