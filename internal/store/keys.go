package store

import "encoding/binary"

// descU64 encodes i so that byte-lexicographic order equals descending
// numeric order: complementing before big-endian encoding means a larger i
// sorts first, giving recency-first forward scans over monotone ids.
func descU64(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, ^i)
	return b
}

func decodeDescU64(b []byte) uint64 {
	return ^binary.BigEndian.Uint64(b)
}

func beU64(i uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, i)
	return b
}

func beU32(i uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, i)
	return b
}

// connectionKey is the (ts, ts_nanos) primary key for the connections
// family, big-endian encoded for correct lexicographic ordering.
func connectionKey(tsUnixNanoSeconds uint64, tsNanos uint32) []byte {
	b := make([]byte, 0, 12)
	b = append(b, beU64(tsUnixNanoSeconds)...)
	b = append(b, beU32(tsNanos)...)
	return b
}

// chunkKey is (connection_key, sender, counter: u64 BE), which makes a
// prefix scan by connection_key yield all of that connection's chunks.
func chunkKey(k ChunkKey) []byte {
	b := make([]byte, 0, 16+1+8)
	b = append(b, k.Conn[:]...)
	b = append(b, byte(k.Sender))
	b = append(b, beU64(k.Counter)...)
	return b
}
