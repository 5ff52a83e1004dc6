package kevent

// StackMaxDepth bounds the number of instruction pointers a stack trace
// carries, matching the kernel program's compile-time STACK_MAX_DEPTH.
const StackMaxDepth = 32

// StackTrace is a capped sequence of return addresses captured at the
// memory-tracer event site.
type StackTrace []uint64

// DecodeStackTrace parses the len:u64 LE prefix followed by len
// instruction pointers, then returns the unconsumed remainder. A declared
// length beyond StackMaxDepth is truncated rather than rejected, since the
// kernel side already enforces the cap and a larger value on the wire
// indicates corruption best tolerated, not fatal.
func DecodeStackTrace(b []byte) (StackTrace, []byte, error) {
	if err := need(b, 8); err != nil {
		return nil, nil, err
	}
	n := u64le(b[:8])
	b = b[8:]
	if n > StackMaxDepth {
		n = StackMaxDepth
	}
	if err := need(b, int(n)*8); err != nil {
		return nil, nil, err
	}
	trace := make(StackTrace, n)
	for i := range trace {
		trace[i] = u64le(b[i*8 : i*8+8])
	}
	return trace, b[int(n)*8:], nil
}
