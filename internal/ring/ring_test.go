package ring

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

const testCapacity = 64 * 1024 // power of two

func newTestFD(t *testing.T) int {
	t.Helper()
	fd, err := unix.MemfdCreate("ring-test", 0)
	if err != nil {
		t.Skipf("memfd_create unavailable in this environment: %v", err)
	}
	size := int64(2*pageSize + testCapacity)
	require.NoError(t, unix.Ftruncate(fd, size))
	return fd
}

func writeAt(t *testing.T, fd int, offset int64, b []byte) {
	t.Helper()
	f := os.NewFile(uintptr(fd), "ring-test")
	_, err := f.WriteAt(b, offset)
	require.NoError(t, err)
}

func TestOpenRejectsNonPowerOfTwo(t *testing.T) {
	_, err := Open(0, 3)
	require.Error(t, err)
}

func TestReadYieldsOneRecord(t *testing.T) {
	fd := newTestFD(t)
	payload := []byte("hello ring")

	hdr := headerBytesLE(false, false, uint32(len(payload)))
	writeAt(t, fd, 2*pageSize, append(hdr, payload...))

	producer := make([]byte, 8)
	binary.LittleEndian.PutUint64(producer, 8+roundUp8(uint32(len(payload))))
	writeAt(t, fd, pageSize, producer)

	buf, err := Open(fd, testCapacity)
	require.NoError(t, err)
	defer buf.Close()

	var got []byte
	n, recErrs, err := buf.Read(func(r Record) error {
		got = append([]byte(nil), r.Payload...)
		return nil
	})
	require.NoError(t, err)
	require.Empty(t, recErrs)
	require.Equal(t, 1, n)
	require.Equal(t, payload, got)
}

func TestReadStopsOnBusyRecord(t *testing.T) {
	fd := newTestFD(t)
	hdr := headerBytesLE(true, false, 10)
	writeAt(t, fd, 2*pageSize, hdr)

	producer := make([]byte, 8)
	binary.LittleEndian.PutUint64(producer, 64)
	writeAt(t, fd, pageSize, producer)

	buf, err := Open(fd, testCapacity)
	require.NoError(t, err)
	defer buf.Close()

	n, _, err := buf.Read(func(Record) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, uint64(0), buf.Observer().Consumer)
}

func TestReadSkipsDiscardedRecord(t *testing.T) {
	fd := newTestFD(t)
	hdr := headerBytesLE(false, true, 16)
	writeAt(t, fd, 2*pageSize, hdr)

	producer := make([]byte, 8)
	binary.LittleEndian.PutUint64(producer, 8+roundUp8(16))
	writeAt(t, fd, pageSize, producer)

	buf, err := Open(fd, testCapacity)
	require.NoError(t, err)
	defer buf.Close()

	called := false
	n, _, err := buf.Read(func(Record) error { called = true; return nil })
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.False(t, called)
	require.Equal(t, 8+roundUp8(16), buf.Observer().Consumer)
}

func TestInconsistentCursorsIsFatal(t *testing.T) {
	fd := newTestFD(t)
	buf, err := Open(fd, testCapacity)
	require.NoError(t, err)
	defer buf.Close()

	buf.pos = 1 << 20 // force consumer ahead of producer (0)
	_, _, err = buf.Read(func(Record) error { return nil })
	require.ErrorIs(t, err, ErrInconsistentCursors)
}
