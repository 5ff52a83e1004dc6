// Package kevent decodes the binary records the two in-kernel probe
// programs write into the ring buffer: the syscall recorder's
// DataDescriptor-tagged records and the memory tracer's discriminant-tagged
// records. Layouts are taken verbatim from the kernel programs' struct
// definitions; offsets below are documented the way a raw kernel-struct
// decode is elsewhere in this codebase.
package kevent

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length, in bytes, of the common prefix shared by every
// record before the per-family body begins: a 2-byte type, 1-byte flags,
// 1-byte preempt_count, 4 bytes of reserved padding (8 bytes total),
// followed by a 4-byte pid and a 4-byte discriminant.
const HeaderSize = 16

// Header is the common prefix of every kernel-emitted record.
type Header struct {
	Type         uint16
	Flags        uint8
	PreemptCount uint8
	PID          uint32
	Discriminant uint32
}

// DecodeHeader parses the fixed 16-byte common prefix. It does not
// interpret Discriminant; callers route on it themselves since its meaning
// differs between the syscall and memory-tracer record families.
func DecodeHeader(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, ErrSliceTooShort{Declared: HeaderSize, Actual: len(b)}
	}
	h := Header{
		Type:         binary.LittleEndian.Uint16(b[0:2]),
		Flags:        b[2],
		PreemptCount: b[3],
		PID:          binary.LittleEndian.Uint32(b[8:12]),
		Discriminant: binary.LittleEndian.Uint32(b[12:16]),
	}
	return h, b[HeaderSize:], nil
}

func need(b []byte, n int) error {
	if len(b) < n {
		return ErrSliceTooShort{Declared: n, Actual: len(b)}
	}
	return nil
}

func u64le(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func u32le(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }
func i32le(b []byte) int32  { return int32(binary.LittleEndian.Uint32(b)) }
func i64le(b []byte) int64  { return int64(binary.LittleEndian.Uint64(b)) }

// checkedSlice reports ErrSliceTooShort with a formatted context prefix,
// useful when decoding a named field of a larger struct.
func checkedSlice(b []byte, n int, field string) error {
	if len(b) < n {
		return fmt.Errorf("kevent: field %s: %w", field, ErrSliceTooShort{Declared: n, Actual: len(b)})
	}
	return nil
}
