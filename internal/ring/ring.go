// Package ring implements the kernel->user shared-memory ring buffer: a
// single-producer (kernel), single-consumer (user) circular queue mapped
// over a file descriptor the probe program exports. Framing, cursor
// synchronization and the double-mapped wraparound trick follow the layout
// the in-kernel program writes; see Open and Buffer.Read.
package ring

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	pageSize = 4096

	busyBit    uint32 = 1 << 31
	discardBit uint32 = 1 << 30
	lengthMask uint32 = (1 << 30) - 1

	// MaxBatchBytes bounds how many payload bytes a single Read call
	// yields, to bound reader latency under sustained load.
	MaxBatchBytes = 16 << 20
)

// Buffer is a memory-mapped SPSC ring over a probe-exported file
// descriptor. It is not safe for concurrent use by more than one reader
// goroutine; the kernel is the sole writer.
type Buffer struct {
	fd   int
	n    uint64
	mask uint64

	consumerPage []byte // rw, consumer cursor at offset 0
	producerPage []byte // ro, producer cursor at offset 0
	data         []byte // 2*n bytes; data[i] == data[i+n]

	pos uint64 // cached local consumer position

	// telemetry, read via Observer
	depth           uint64
	overflowLogged  bool
}

// Observer is a point-in-time snapshot of the two cursors, for telemetry.
type Observer struct {
	Producer, Consumer, CapacityBytes uint64
	BackpressurePct                   float64
	Depth                             uint64
}

// Record is a single yielded payload slice. The slice aliases the mapped
// buffer and is only valid until the next call to Read.
type Record struct {
	Payload []byte
}

// ErrInconsistentCursors is fatal: the consumer position has somehow moved
// past the producer position, which should never happen on correctly
// synchronized memory.
var ErrInconsistentCursors = fmt.Errorf("ring: consumer position exceeds producer position")

// Open memory-maps the three regions backing fd. n is the data region size
// in bytes and must be a power of two.
func Open(fd int, n uint64) (*Buffer, error) {
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("ring: capacity %d is not a power of two", n)
	}

	consumerPage, err := unix.Mmap(fd, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap consumer page: %w", err)
	}
	producerPage, err := unix.Mmap(fd, pageSize, pageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Munmap(consumerPage)
		return nil, fmt.Errorf("ring: mmap producer page: %w", err)
	}
	data, err := mapDoubled(fd, 2*pageSize, n)
	if err != nil {
		_ = unix.Munmap(consumerPage)
		_ = unix.Munmap(producerPage)
		return nil, err
	}

	return &Buffer{
		fd:           fd,
		n:            n,
		mask:         n - 1,
		consumerPage: consumerPage,
		producerPage: producerPage,
		data:         data,
	}, nil
}

// Close unmaps all three regions. It does not close fd; the caller owns
// the descriptor's lifetime.
func (b *Buffer) Close() error {
	var firstErr error
	for _, region := range [][]byte{b.consumerPage, b.producerPage, b.data} {
		if err := unix.Munmap(region); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *Buffer) producerPos() uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b.producerPage[0])))
}

func (b *Buffer) storeConsumerPos(pos uint64) {
	atomic.StoreUint64((*uint64)(unsafe.Pointer(&b.consumerPage[0])), pos)
	b.pos = pos
}

func (b *Buffer) loadHeaderAt(offset uint64) uint64 {
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b.data[offset])))
}

// CheckOverflow reports whether backpressure has just crossed 100% for the
// first time since the last time it was below threshold, so the caller can
// log the event exactly once per excursion.
func (b *Buffer) CheckOverflow() bool {
	over := b.Observer().BackpressurePct >= 100
	if over && !b.overflowLogged {
		b.overflowLogged = true
		return true
	}
	if !over {
		b.overflowLogged = false
	}
	return false
}

// Observer returns the current cursor snapshot for telemetry.
func (b *Buffer) Observer() Observer {
	producer := b.producerPos()
	consumer := b.pos
	pct := float64(producer-consumer) / (float64(b.n) / 100)
	return Observer{
		Producer:         producer,
		Consumer:         consumer,
		CapacityBytes:    b.n,
		BackpressurePct:  pct,
		Depth:            atomic.LoadUint64(&b.depth),
	}
}

// roundUp8 rounds n up to the next multiple of 8, matching the kernel
// program's record alignment.
func roundUp8(n uint32) uint64 {
	return uint64((n + 7) &^ 7)
}

// Read drains up to MaxBatchBytes of payload bytes from the ring, invoking
// parse for each well-formed record. A parse error is logged by the
// caller via the returned slice of per-record errors; Read itself only
// fails fatally on cursor inconsistency.
func (b *Buffer) Read(parse func(Record) error) (yielded int, recordErrs []error, err error) {
	producer := b.producerPos()
	if b.pos > producer {
		return 0, nil, ErrInconsistentCursors
	}

	start := b.pos
	var batchBytes uint64
	for b.pos < producer && batchBytes < MaxBatchBytes {
		offset := b.pos & b.mask
		raw := b.loadHeaderAt(offset)
		header := uint32(raw)

		if header&busyBit != 0 {
			break
		}

		length := header & lengthMask
		advance := 8 + roundUp8(length)

		if header&discardBit != 0 {
			b.storeConsumerPos(b.pos + advance)
			continue
		}

		payloadStart := offset + 8
		payload := sliceAt(b.data, payloadStart, uint64(length))
		if perr := parse(Record{Payload: payload}); perr != nil {
			recordErrs = append(recordErrs, perr)
		} else {
			yielded++
		}
		batchBytes += uint64(length)

		b.storeConsumerPos(b.pos + advance)
		producer = b.producerPos()
	}

	// depth counts consecutive Read calls that consumed nothing.
	if b.pos == start {
		atomic.AddUint64(&b.depth, 1)
	} else {
		atomic.StoreUint64(&b.depth, 0)
	}
	return yielded, recordErrs, nil
}

// sliceAt returns a zero-copy window into the doubled data region; because
// the region is mapped twice back to back, any length-byte window starting
// within [0, n) is contiguous even if it straddles the physical wrap
// point.
func sliceAt(data []byte, offset, length uint64) []byte {
	return data[offset : offset+length]
}

// headerBytesLE is a small helper retained for tests that need to build a
// raw header value without depending on Buffer internals.
func headerBytesLE(busy, discard bool, length uint32) []byte {
	h := length & lengthMask
	if busy {
		h |= busyBit
	}
	if discard {
		h |= discardBit
	}
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[:4], h)
	return buf
}
