package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sniffer/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st := openTestStore(t)
	s := New(st, zerolog.Nop(), nil)
	t.Cleanup(func() { s.Close() })
	return s, st
}

func decodeJSON(t *testing.T, body *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body.Body).Decode(v))
}

func TestHandleMessagesReturnsStoredMessages(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	var conn store.ConnKey
	conn[0] = 7
	require.NoError(t, st.AppendConnection(ctx, store.Connection{
		Key:        conn,
		Initiator:  store.SideLocal,
		RemoteAddr: netip.MustParseAddrPort("10.0.0.1:9000"),
		Comments:   store.NewComments(),
	}))
	_, err := st.AppendMessage(ctx, store.Message{
		Conn:       conn,
		Timestamp:  time.Now(),
		RemoteAddr: netip.MustParseAddrPort("10.0.0.1:9000"),
		Initiator:  store.SideLocal,
		Sender:     store.SenderInitiator,
		Type:       "ping",
		ChunkLo:    3,
		ChunkHi:    4,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v3/messages", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var msgs []store.Message
	decodeJSON(t, rec, &msgs)
	require.Len(t, msgs, 1)
	require.Equal(t, "ping", msgs[0].Type)
}

func TestHandleMessagesRejectsBadCursor(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v3/messages?cursor=not-a-number", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessageByID(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	var conn store.ConnKey
	conn[0] = 1
	require.NoError(t, st.AppendConnection(ctx, store.Connection{
		Key:        conn,
		Initiator:  store.SideLocal,
		RemoteAddr: netip.MustParseAddrPort("10.0.0.1:9000"),
		Comments:   store.NewComments(),
	}))
	id, err := st.AppendMessage(ctx, store.Message{
		Conn:       conn,
		Timestamp:  time.Now(),
		RemoteAddr: netip.MustParseAddrPort("10.0.0.1:9000"),
		Sender:     store.SenderInitiator,
		Type:       "metadata",
		ChunkLo:    1,
		ChunkHi:    2,
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v3/message/"+strconv.FormatUint(id, 10), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var msg store.Message
	decodeJSON(t, rec, &msg)
	require.Equal(t, "metadata", msg.Type)
}

func TestHandleMessageMissingReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v3/message/999999", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleConnectionsListsConnections(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	var conn store.ConnKey
	conn[0] = 9
	require.NoError(t, st.AppendConnection(ctx, store.Connection{
		Key:        conn,
		Initiator:  store.SideRemote,
		RemoteAddr: netip.MustParseAddrPort("10.0.0.2:9000"),
		Comments:   store.NewComments(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/v3/connections", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var conns []store.Connection
	decodeJSON(t, rec, &conns)
	require.Len(t, conns, 1)
	require.Equal(t, conn, conns[0].Key)
}

func TestHandleChunksRequiresConnIDAndSender(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v3/chunks", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleChunksReturnsStoredChunks(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	var conn store.ConnKey
	conn[0] = 3
	require.NoError(t, st.AppendConnection(ctx, store.Connection{
		Key:        conn,
		Initiator:  store.SideLocal,
		RemoteAddr: netip.MustParseAddrPort("10.0.0.1:9000"),
		Comments:   store.NewComments(),
	}))
	require.NoError(t, st.AppendChunk(ctx, store.Chunk{
		Key:   store.ChunkKey{Conn: conn, Sender: store.SenderInitiator, Counter: 0},
		Raw:   []byte("raw"),
		Plain: []byte("plain"),
	}))

	req := httptest.NewRequest(http.MethodGet, "/v3/chunks?conn_id="+conn.String()+"&sender=initiator", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var chunks []store.Chunk
	decodeJSON(t, rec, &chunks)
	require.Len(t, chunks, 1)
	require.Equal(t, []byte("raw"), chunks[0].Raw)
}

func TestHandleLogsFiltersBySection(t *testing.T) {
	s, st := newTestServer(t)
	ctx := context.Background()

	_, err := st.AppendLog(ctx, store.LogRecord{
		TimestampNS: time.Now().UnixNano(),
		Level:       "info",
		Section:     "kmem",
		Message:     "percpu free",
	})
	require.NoError(t, err)
	_, err = st.AppendLog(ctx, store.LogRecord{
		TimestampNS: time.Now().UnixNano(),
		Level:       "info",
		Section:     "syslog",
		Message:     "unrelated",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v3/logs?source_type=kmem", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var logs []store.LogRecord
	decodeJSON(t, rec, &logs)
	require.Len(t, logs, 1)
	require.Equal(t, "kmem", logs[0].Section)
}
