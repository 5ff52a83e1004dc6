package chunkparser

import (
	"context"
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ocx/sniffer/internal/identity"
	"github.com/ocx/sniffer/internal/store"
)

func TestIncrementNonceCarries(t *testing.T) {
	var n [24]byte
	for i := range n {
		n[i] = 0xff
	}
	incrementNonce(&n)
	var want [24]byte // wraps to all zero
	require.Equal(t, want, n)
}

func TestIncrementNonceNoCarry(t *testing.T) {
	var n [24]byte
	incrementNonce(&n)
	require.Equal(t, byte(1), n[0])
	for i := 1; i < len(n); i++ {
		require.Equal(t, byte(0), n[i])
	}
}

// sealChunk is the test-side mirror of decrypt: produce a tag-last wire
// chunk the way the remote peer would, from the same shared secret and
// nonce.
func sealChunk(t *testing.T, shared *[32]byte, nonce *[24]byte, plain []byte) []byte {
	t.Helper()
	boxed := secretbox.SealAfterPrecomputation(nil, plain, nonce, shared)
	tag := boxed[:secretbox.Overhead]
	body := boxed[secretbox.Overhead:]
	wire := make([]byte, 0, len(boxed))
	wire = append(wire, body...)
	wire = append(wire, tag...)
	return wire
}

func TestDecryptRoundTrip(t *testing.T) {
	var shared [32]byte
	copy(shared[:], []byte("0123456789abcdef0123456789abcde"))
	var nonce [24]byte
	copy(nonce[:], []byte("nonceeeeeeeeeeeeeeeeeeee"))

	key := &Key{Shared: shared, Nonce: nonce}
	wire := sealChunk(t, &shared, &nonce, []byte("hello chunk"))

	plain, ok := decrypt(key, wire)
	require.True(t, ok)
	require.Equal(t, "hello chunk", string(plain))
	require.EqualValues(t, 1, key.Counter)
	require.NotEqual(t, nonce, key.Nonce)
}

func TestDecryptAtOverheadLengthYieldsEmptyPlaintext(t *testing.T) {
	var shared [32]byte
	copy(shared[:], []byte("0123456789abcdef0123456789abcde"))
	var nonce [24]byte

	key := &Key{Shared: shared, Nonce: nonce}
	wire := sealChunk(t, &shared, &nonce, nil)
	require.Len(t, wire, secretbox.Overhead)

	plain, ok := decrypt(key, wire)
	require.True(t, ok)
	require.Empty(t, plain)
}

func TestDecryptFailureLeavesNonceAndCounterUntouched(t *testing.T) {
	var shared [32]byte
	copy(shared[:], []byte("0123456789abcdef0123456789abcde"))
	var nonce [24]byte
	copy(nonce[:], []byte("nonceeeeeeeeeeeeeeeeeeee"))
	origNonce := nonce

	key := &Key{Shared: shared, Nonce: nonce}
	garbage := make([]byte, 32)
	plain, ok := decrypt(key, garbage)
	require.False(t, ok)
	require.Nil(t, plain)
	require.Equal(t, origNonce, key.Nonce)
	require.EqualValues(t, 0, key.Counter)
}

func TestDecryptTooShortIsNotAFault(t *testing.T) {
	key := &Key{}
	_, ok := decrypt(key, []byte("short"))
	require.False(t, ok)
}

func TestCheckConnectionMessageTooShort(t *testing.T) {
	cm := make([]byte, 50)
	checked := checkConnectionMessage(cm, 0)
	require.True(t, checked.TooShort)
}

func TestCheckConnectionMessageExtractsPeerKey(t *testing.T) {
	cm := make([]byte, 90)
	for i := 4; i < 36; i++ {
		cm[i] = byte(i)
	}
	checked := checkConnectionMessage(cm, 0) // target 0 => PoW always passes
	require.False(t, checked.TooShort)
	require.True(t, checked.HasPeerKey)
	require.False(t, checked.PowFailed)
	for i := 0; i < 32; i++ {
		require.Equal(t, byte(i+4), checked.PeerPublicKey[i])
	}
}

func TestCheckConnectionMessageImpossiblePowAlwaysFails(t *testing.T) {
	cm := make([]byte, 90)
	checked := checkConnectionMessage(cm, 64)
	require.True(t, checked.PowFailed)
}

func TestDeriveKeysSymmetricRegardlessOfArrivalOrder(t *testing.T) {
	var pub1, sec1, pub2, sec2 [32]byte
	pk1, sk1, _ := box.GenerateKey(readerFromSeed(1))
	pk2, sk2, _ := box.GenerateKey(readerFromSeed(2))
	pub1, sec1 = *pk1, *sk1
	pub2, sec2 = *pk2, *sk2

	idLocal := identity.New(pub1, sec1, [24]byte{})
	cmA := make([]byte, 90)
	cmB := make([]byte, 90)
	copy(cmA[4:36], pub1[:])
	copy(cmB[4:36], pub2[:])

	localKey, remoteKey, err := deriveKeys(idLocal, pub2, cmA, cmB, store.SideLocal)
	require.NoError(t, err)

	idRemotePeer := identity.New(pub2, sec2, [24]byte{})
	remoteLocalKey, remoteRemoteKey, err := deriveKeys(idRemotePeer, pub1, cmB, cmA, store.SideRemote)
	require.NoError(t, err)

	// From the remote peer's point of view, "local" is our "remote" and
	// vice versa; the nonces assigned to each physical side must match.
	require.Equal(t, localKey.Nonce, remoteRemoteKey.Nonce)
	require.Equal(t, remoteKey.Nonce, remoteLocalKey.Nonce)
	require.NotEqual(t, localKey.Nonce, remoteKey.Nonce)
}

func readerFromSeed(seed byte) *seededReader {
	return &seededReader{seed: seed}
}

type seededReader struct{ seed byte }

func (r *seededReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.seed
	}
	return len(p), nil
}

func TestMessageAssemblerExactBoundary(t *testing.T) {
	var a messageAssembler
	body := []byte("hi")
	msg := make([]byte, 4+2+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(2+len(body)))
	msg[4], msg[5] = 0xAB, 0xCD
	copy(msg[6:], body)

	out, dropped, err := a.feed(10, msg)
	require.NoError(t, err)
	require.False(t, dropped)
	require.NotNil(t, out)
	require.Equal(t, "p2p:abcd", out.Type)
	require.EqualValues(t, 10, out.ChunkLo)
	require.EqualValues(t, 11, out.ChunkHi)
}

func TestMessageAssemblerUnderflowWaitsForMoreChunks(t *testing.T) {
	var a messageAssembler
	out, dropped, err := a.feed(1, []byte{0, 0, 0, 10, 0xAB})
	require.NoError(t, err)
	require.False(t, dropped)
	require.Nil(t, out)

	kind, ok := a.partialTag()
	require.False(t, ok) // only 5 bytes buffered, tag needs 6
	_ = kind
}

func TestMessageAssemblerPartialTagAfterHeader(t *testing.T) {
	var a messageAssembler
	_, _, err := a.feed(1, []byte{0, 0, 0, 20, 0xAB, 0xCD})
	require.NoError(t, err)

	kind, ok := a.partialTag()
	require.True(t, ok)
	require.Equal(t, "p2p:abcd", kind)
}

func TestMessageAssemblerDropsRemainderPastCompleteMessage(t *testing.T) {
	var a messageAssembler
	body := []byte("ok")
	msg := make([]byte, 4+2+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(2+len(body)))
	msg[4], msg[5] = 1, 2
	copy(msg[6:], body)
	msg = append(msg, 0x99) // trailing garbage

	out, dropped, err := a.feed(1, msg)
	require.NoError(t, err)
	require.True(t, dropped)
	require.NotNil(t, out)
}

func TestSenderForRoles(t *testing.T) {
	require.Equal(t, store.SenderInitiator, senderFor(store.SideLocal, DirLocal))
	require.Equal(t, store.SenderResponder, senderFor(store.SideLocal, DirRemote))
	require.Equal(t, store.SenderResponder, senderFor(store.SideRemote, DirLocal))
	require.Equal(t, store.SenderInitiator, senderFor(store.SideRemote, DirRemote))
}

func TestParserHandshakeAndEncryptedRoundTrip(t *testing.T) {
	st := openTestStoreForParser(t)

	pkLocal, skLocal, _ := box.GenerateKey(readerFromSeed(3))
	pkRemote, skRemote, _ := box.GenerateKey(readerFromSeed(4))
	id := identity.New(*pkLocal, *skLocal, [24]byte{})

	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	connKey := store.ConnKey{1}

	require.NoError(t, st.AppendConnection(context.Background(), store.Connection{
		Key:       connKey,
		Initiator: store.SideLocal,
		RemoteAddr: addr,
		Comments:  store.NewComments(),
	}))

	p := New(Config{
		Identity:   id,
		ConnKey:    connKey,
		Initiator:  store.SideLocal,
		RemoteAddr: addr,
	}, st, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	cmLocal := make([]byte, 90)
	copy(cmLocal[4:36], pkLocal[:])
	cmRemote := make([]byte, 90)
	copy(cmRemote[4:36], pkRemote[:])

	p.Feed(false, lengthPrefix(cmLocal))
	p.Feed(true, lengthPrefix(cmRemote))

	var shared [32]byte
	box.Precompute(&shared, pkRemote, skLocal)
	localNonce, err := deriveNonce(cmLocal, cmRemote, 0x00)
	require.NoError(t, err)

	body := []byte("metadata payload")
	wire := sealChunk(t, &shared, &localNonce, body)
	p.Feed(false, lengthPrefix(wire))

	p.Terminate()
	report := p.Wait()
	require.EqualValues(t, 2, report.LocalChunks)
	require.EqualValues(t, 1, report.RemoteChunks)

	chunks, err := st.IterateChunks(context.Background(), connKey, store.SenderInitiator)
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	require.Equal(t, body, chunks[1].Plain)

	_ = skRemote
}

func TestExtractChunksAbandonsFramingPastThreshold(t *testing.T) {
	st := openTestStoreForParser(t)
	addr := netip.MustParseAddrPort("127.0.0.1:9000")
	connKey := store.ConnKey{2}
	require.NoError(t, st.AppendConnection(context.Background(), store.Connection{
		Key:        connKey,
		Initiator:  store.SideLocal,
		RemoteAddr: addr,
		Comments:   store.NewComments(),
	}))

	p := New(Config{ConnKey: connKey, Initiator: store.SideLocal, RemoteAddr: addr}, st, nil, zerolog.Nop())

	// More than uncertainThreshold bytes arrive before the direction has
	// framed any chunk, so framing is abandoned for the direction.
	stuck := make([]byte, uncertainThreshold+10)
	binary.BigEndian.PutUint16(stuck[:2], 0xFFFF)
	chunks := p.extractChunks(DirLocal, stuck)
	require.Empty(t, chunks)
	require.True(t, p.local.uncertain)
	require.True(t, p.comments.UncertainFraming)
	require.Empty(t, p.local.buf) // stuck bytes flushed, not retained forever

	chunks2, err := st.IterateChunks(context.Background(), connKey, store.SenderInitiator)
	require.NoError(t, err)
	require.Len(t, chunks2, 1)
	require.Equal(t, stuck, chunks2[0].Raw)
	require.Nil(t, chunks2[0].Plain)

	// Once uncertain, handleInput routes straight to raw recording and never
	// touches the framing buffer again.
	p.handleInput(context.Background(), Input{Incoming: false, Payload: []byte("more raw bytes")})
	chunks3, err := st.IterateChunks(context.Background(), connKey, store.SenderInitiator)
	require.NoError(t, err)
	require.Len(t, chunks3, 2)
	require.Equal(t, []byte("more raw bytes"), chunks3[1].Raw)
	require.Empty(t, p.local.buf)
}

func lengthPrefix(b []byte) []byte {
	out := make([]byte, 2+len(b))
	binary.BigEndian.PutUint16(out[:2], uint16(len(b)))
	copy(out[2:], b)
	return out
}

func openTestStoreForParser(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(dir + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}
