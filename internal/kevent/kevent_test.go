package kevent

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func header(discriminant uint32, pid uint32) []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(b[0:2], 1)
	b[2] = 0
	b[3] = 0
	binary.LittleEndian.PutUint32(b[8:12], pid)
	binary.LittleEndian.PutUint32(b[12:16], discriminant)
	return b
}

func TestDecodeHeaderTooShort(t *testing.T) {
	_, _, err := DecodeHeader([]byte{1, 2, 3})
	require.Error(t, err)
	var tooShort ErrSliceTooShort
	require.ErrorAs(t, err, &tooShort)
}

func TestDecodeAddressIPv4(t *testing.T) {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], 2) // AF_INET
	binary.BigEndian.PutUint16(b[2:4], 8080)
	copy(b[4:8], []byte{127, 0, 0, 1})
	addr, rest, err := DecodeAddress(b)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, uint16(8080), addr.Port())
	require.True(t, addr.Addr().Is4())
	require.Equal(t, "127.0.0.1", addr.Addr().String())
}

func TestDecodeAddressUnknownFamily(t *testing.T) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint16(b[0:2], 99)
	_, _, err := DecodeAddress(b)
	require.Error(t, err)
	var unknown ErrUnknownAddressFamily
	require.ErrorAs(t, err, &unknown)
}

func TestDecodeStackTraceCapsAtMaxDepth(t *testing.T) {
	n := uint64(StackMaxDepth + 10)
	b := make([]byte, 8+int(n)*8)
	binary.LittleEndian.PutUint64(b[:8], n)
	trace, rest, err := DecodeStackTrace(b)
	require.NoError(t, err)
	require.Len(t, trace, StackMaxDepth)
	require.Len(t, rest, int(n)*8-StackMaxDepth*8)
}

func TestDecodeMemEventKFree(t *testing.T) {
	b := header(uint32(DiscKFree), 42)
	body := make([]byte, 16)
	binary.LittleEndian.PutUint64(body[0:8], 0xdeadbeef)
	binary.LittleEndian.PutUint64(body[8:16], 0xcafebabe)
	b = append(b, body...)
	b = append(b, make([]byte, 8)...) // zero-length stack trace

	ev, err := DecodeMemEvent(b)
	require.NoError(t, err)
	kf, ok := ev.Body.(CacheFree)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeef), kf.CallSite)
	require.Equal(t, uint64(0xcafebabe), kf.Ptr)
	require.Empty(t, ev.Stack)
}

func TestClassifySizeFault(t *testing.T) {
	_, err := ClassifySize(-14)
	require.Error(t, err)
	var se SyscallError
	require.ErrorAs(t, err, &se)
	require.True(t, se.IsFault())
}

func TestDecodeSyscallEventClose(t *testing.T) {
	b := header(uint32(TagClose), 7)
	body := make([]byte, 20)
	binary.LittleEndian.PutUint32(body[0:4], 3)
	b = append(b, body...)

	ev, err := DecodeSyscallEvent(b)
	require.NoError(t, err)
	c, ok := ev.(Close)
	require.True(t, ok)
	require.Equal(t, uint32(7), c.ID.PID)
	require.Equal(t, uint32(3), c.ID.FD)
}
