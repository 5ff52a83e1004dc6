package store

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDescU64RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, 1 << 40} {
		require.Equal(t, v, decodeDescU64(descU64(v)))
	}
}

func TestDescU64OrdersDescending(t *testing.T) {
	a := descU64(5)
	b := descU64(10)
	require.True(t, string(b) < string(a), "descU64(10) should sort before descU64(5)")
}

func TestSortedIntersectIdenticalIterators(t *testing.T) {
	s := []uint64{9, 7, 5, 3, 1}
	got := sortedIntersect([][]uint64{s, s, s}, 0)
	require.Equal(t, s, got)
}

func TestSortedIntersectDivergentStreams(t *testing.T) {
	a := []uint64{10, 8, 6, 4, 2}
	b := []uint64{9, 8, 7, 6, 5}
	got := sortedIntersect([][]uint64{a, b}, 0)
	require.Equal(t, []uint64{8, 6}, got)
}

func TestMergeUnionDescendingDedupes(t *testing.T) {
	a := []uint64{10, 6, 2}
	b := []uint64{9, 6, 1}
	got := mergeUnionDescending([][]uint64{a, b})
	require.Equal(t, []uint64{10, 9, 6, 2, 1}, got)
}

func TestAppendConnectionAndUpdateComments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var key ConnKey
	key[0] = 1
	conn := Connection{
		Key:        key,
		TS:         time.Unix(1700000000, 0).UTC(),
		TSNanos:    123,
		Initiator:  SideLocal,
		RemoteAddr: netip.MustParseAddrPort("10.0.0.1:9732"),
		Comments:   NewComments(),
	}
	require.NoError(t, s.AppendConnection(ctx, conn))

	var pk [32]byte
	pk[0] = 0xAB
	require.NoError(t, s.UpdateComments(ctx, key, NewComments(), &pk))
}

func TestAppendMessageAndQueryByType(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var conn ConnKey
	conn[1] = 7
	addr := netip.MustParseAddrPort("127.0.0.1:9732")

	for i := 0; i < 3; i++ {
		_, err := s.AppendMessage(ctx, Message{
			Conn:       conn,
			Timestamp:  time.Now(),
			RemoteAddr: addr,
			Initiator:  SideLocal,
			Sender:     SenderInitiator,
			Type:       "current_head",
			ChunkLo:    uint64(i * 3),
			ChunkHi:    uint64(i*3 + 3),
		})
		require.NoError(t, err)
	}

	msgs, err := s.Query(ctx, MessageFilter{Types: []string{"current_head"}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// newest first
	require.Greater(t, msgs[0].ID, msgs[1].ID)
	require.Greater(t, msgs[1].ID, msgs[2].ID)
}

func TestAppendChunkRoundTripsThroughCompression(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var conn ConnKey
	conn[2] = 3
	raw := make([]byte, 200)
	for i := range raw {
		raw[i] = byte(i % 8)
	}
	chunk := Chunk{
		Key:   ChunkKey{Conn: conn, Sender: SenderInitiator, Counter: 0},
		Raw:   raw,
		Plain: []byte("decrypted payload"),
	}
	require.NoError(t, s.AppendChunk(ctx, chunk))

	chunks, err := s.IterateChunks(ctx, conn, SenderInitiator)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	require.Equal(t, raw, chunks[0].Raw)
	require.Equal(t, []byte("decrypted payload"), chunks[0].Plain)
}

func TestAppendLogAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.AppendLog(ctx, LogRecord{TimestampNS: 1, Level: "info", Section: "p2p", Message: "hello"})
	require.NoError(t, err)
	_, err = s.AppendLog(ctx, LogRecord{TimestampNS: 2, Level: "warn", Section: "kmem", Message: "leak?"})
	require.NoError(t, err)

	logs, err := s.QueryLogs(ctx, LogFilter{Section: "kmem", Limit: 10})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "leak?", logs[0].Message)
}
