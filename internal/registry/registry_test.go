package registry

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ocx/sniffer/internal/kevent"
	"github.com/ocx/sniffer/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestShouldIgnoreLoopback(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	require.True(t, r.shouldIgnore(netip.MustParseAddrPort("127.0.0.1:4000")))
}

func TestShouldIgnoreDefaultPorts(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	for _, port := range []uint16{0, 22, 53, 80, 443, 65535} {
		addr := netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
		require.True(t, r.shouldIgnore(addr), "port %d should be ignored", port)
	}
	require.False(t, r.shouldIgnore(netip.MustParseAddrPort("10.0.0.1:9732")))
}

func TestShouldIgnoreConfiguredSyslogPort(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 514)
	require.True(t, r.shouldIgnore(netip.MustParseAddrPort("10.0.0.1:514")))
}

func TestHandleConnectTracksAndHandleDataRoutes(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	addr := netip.MustParseAddrPort("10.0.0.1:9732")

	r.HandleConnect(kevent.Connect{ID: kevent.ID{PID: 1, FD: 5}, Address: addr})

	r.mu.RLock()
	c, ok := r.conns[pidFd{PID: 1, FD: 5}]
	r.mu.RUnlock()
	require.True(t, ok)
	require.NotNil(t, c.parser)

	cm := make([]byte, 90)
	r.HandleData(kevent.Data{ID: kevent.ID{PID: 1, FD: 5}, Payload: lengthPrefixed(cm), Net: true, Incoming: false})

	time.Sleep(10 * time.Millisecond)

	r.HandleClose(kevent.Close{ID: kevent.ID{PID: 1, FD: 5}})

	r.mu.RLock()
	_, stillTracked := r.conns[pidFd{PID: 1, FD: 5}]
	r.mu.RUnlock()
	require.False(t, stillTracked)
}

func TestHandleConnectIgnoresLoopback(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	r.HandleConnect(kevent.Connect{ID: kevent.ID{PID: 1, FD: 5}, Address: netip.MustParseAddrPort("127.0.0.1:9732")})

	r.mu.RLock()
	c, ok := r.conns[pidFd{PID: 1, FD: 5}]
	r.mu.RUnlock()
	require.True(t, ok)
	require.Nil(t, c.parser)
}

func TestHandleConnectIgnoredSocketFiresOnIgnore(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	var gotPID, gotFD uint32
	r.OnIgnore = func(pid, fd uint32) { gotPID, gotFD = pid, fd }

	r.HandleConnect(kevent.Connect{ID: kevent.ID{PID: 7, FD: 11}, Address: netip.MustParseAddrPort("127.0.0.1:9732")})

	require.EqualValues(t, 7, gotPID)
	require.EqualValues(t, 11, gotFD)
}

func TestForceIgnoreDoesNotFireOnIgnore(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	called := false
	r.OnIgnore = func(uint32, uint32) { called = true }

	r.ForceIgnore(3, 4)

	require.False(t, called)
}

func TestHandleConnectStampsConnectionCreationTime(t *testing.T) {
	st := openTestStore(t)
	r := New(st, nil, zerolog.Nop(), 0)
	addr := netip.MustParseAddrPort("10.0.0.1:9732")

	before := time.Now()
	r.HandleConnect(kevent.Connect{ID: kevent.ID{PID: 1, FD: 5}, Address: addr})
	after := time.Now()

	conns, err := st.ListConnections(context.Background(), store.ConnectionFilter{})
	require.NoError(t, err)
	require.Len(t, conns, 1)
	require.False(t, conns[0].TS.Before(before))
	require.False(t, conns[0].TS.After(after))
}

func TestHandleDataDropsUntrackedFD(t *testing.T) {
	r := New(openTestStore(t), nil, zerolog.Nop(), 0)
	// no panic, no tracked connection: this is simply dropped
	r.HandleData(kevent.Data{ID: kevent.ID{PID: 9, FD: 9}, Payload: []byte{1, 2, 3}, Net: true})
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 2+len(b))
	out[0] = byte(len(b) >> 8)
	out[1] = byte(len(b))
	copy(out[2:], b)
	return out
}
