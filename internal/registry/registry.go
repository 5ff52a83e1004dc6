// Package registry tracks live sockets and the per-connection chunk
// parsers fed from them. One ConnectionRegistry is shared by the whole
// recorder process: syscall events arrive keyed by (pid, fd) and the
// registry decides whether to ignore them, start a new connection, route
// bytes to an existing one, or tear one down.
package registry

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ocx/sniffer/internal/chunkparser"
	"github.com/ocx/sniffer/internal/identity"
	"github.com/ocx/sniffer/internal/kevent"
	"github.com/ocx/sniffer/internal/obs"
	"github.com/ocx/sniffer/internal/store"
)

// NodeConfig is everything the registry needs about a traced process to
// build connections for it: the node's own handshake identity.
type NodeConfig struct {
	Identity identity.Identity
}

type pidFd struct {
	PID, FD uint32
}

// conn is a tracked socket. A conn with a nil Parser is a deliberately
// ignored connection: present in the map so later events on the same fd
// are dropped without re-evaluating the ignore rules.
type conn struct {
	key    store.ConnKey
	parser *chunkparser.Parser
	cancel context.CancelFunc
}

// ConnectionRegistry is the shared routing table between the ring
// consumer and the fleet of per-connection chunk parsers.
type ConnectionRegistry struct {
	mu sync.RWMutex

	conns       map[pidFd]*conn
	nodeConfigs map[uint32]NodeConfig
	ignorePorts map[uint16]bool

	store   *store.Store
	metrics *obs.Metrics
	log     zerolog.Logger

	// OnAccept, when set, is notified of every newly accepted or
	// connected socket, before the ignore rules are applied.
	OnAccept func(pid, fd uint32)

	// OnMessage, when set, is threaded into every connection's parser so
	// internal/httpapi's live feed learns about new messages without the
	// registry importing httpapi.
	OnMessage func(store.Message)

	// OnIgnore, when set, is called whenever the registry decides to
	// ignore a newly seen socket on its own (address-based rules), so the
	// control channel can relay ignore_connection back to the probe side
	// and stop it wasting ring bandwidth on that fd. Not called for
	// ForceIgnore, whose ignore_connection command already came from that
	// direction.
	OnIgnore func(pid, fd uint32)
}

// defaultIgnorePorts are never treated as application traffic: 0 is not a
// real port, 22/53/80/443 are well-known non-node services, and 65535 is
// ignored along with them.
var defaultIgnorePorts = map[uint16]bool{0: true, 22: true, 53: true, 80: true, 443: true, 65535: true}

// New builds a registry. syslogPort, if non-zero, is added to the ignore
// set on top of the defaults.
func New(st *store.Store, metrics *obs.Metrics, log zerolog.Logger, syslogPort uint16) *ConnectionRegistry {
	ignore := make(map[uint16]bool, len(defaultIgnorePorts)+1)
	for p := range defaultIgnorePorts {
		ignore[p] = true
	}
	if syslogPort != 0 {
		ignore[syslogPort] = true
	}
	return &ConnectionRegistry{
		conns:       make(map[pidFd]*conn),
		nodeConfigs: make(map[uint32]NodeConfig),
		ignorePorts: ignore,
		store:       st,
		metrics:     metrics,
		log:         log,
	}
}

// SetNodeConfig registers the handshake identity for a traced process.
// Connections on a pid with no registered config still get tracked, but
// their keys are derived from a zero identity, so decryption never
// succeeds for them.
func (r *ConnectionRegistry) SetNodeConfig(pid uint32, cfg NodeConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeConfigs[pid] = cfg
}

func (r *ConnectionRegistry) shouldIgnore(addr netip.AddrPort) bool {
	if !addr.IsValid() {
		return true
	}
	if addr.Addr().IsLoopback() {
		return true
	}
	return r.ignorePorts[addr.Port()]
}

// ShouldIgnore is the exported form of shouldIgnore, for callers (tests,
// the control channel) that need to inspect the current ignore rules.
func (r *ConnectionRegistry) ShouldIgnore(addr netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.shouldIgnore(addr)
}

// Watch removes port from the ignore set, letting the control channel
// override the default ignore rules for a port an operator wants traced
// (e.g. a node's P2P port running on a nonstandard, otherwise-ignored
// number).
func (r *ConnectionRegistry) Watch(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ignorePorts, port)
}

// ForceIgnore marks a specific (pid, fd) as ignored regardless of the
// address-based rules, for the control channel's ignore_connection
// command.
func (r *ConnectionRegistry) ForceIgnore(pid, fd uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[pidFd{PID: pid, FD: fd}] = &conn{}
}

// HandleBind records nothing beyond a debug log line: a bind(2) by itself
// never produces application traffic.
func (r *ConnectionRegistry) HandleBind(b kevent.Bind) {
	r.log.Debug().Uint32("pid", b.ID.PID).Uint32("fd", b.ID.FD).Str("addr", b.Address.String()).Msg("bind")
}

// HandleListen is a no-op for the same reason as HandleBind; it exists so
// callers can dispatch on event type uniformly.
func (r *ConnectionRegistry) HandleListen(kevent.Listen) {}

// HandleConnect starts tracking an outbound connection. The local process
// is the initiator.
func (r *ConnectionRegistry) HandleConnect(c kevent.Connect) {
	if c.Err != nil {
		return
	}
	r.start(c.ID.PID, c.ID.FD, store.SideLocal, c.Address)
}

// HandleAccept starts tracking an inbound connection. The remote peer is
// the initiator; ID.FD is the newly accepted socket. ListenFD is not used.
func (r *ConnectionRegistry) HandleAccept(a kevent.Accept) {
	if a.Err != nil {
		return
	}
	r.start(a.ID.PID, a.ID.FD, store.SideRemote, a.Address)
}

func (r *ConnectionRegistry) start(pid, fd uint32, initiator store.Side, addr netip.AddrPort) {
	if r.OnAccept != nil {
		r.OnAccept(pid, fd)
	}
	key := pidFd{PID: pid, FD: fd}

	if r.ShouldIgnore(addr) {
		r.mu.Lock()
		r.conns[key] = &conn{}
		r.mu.Unlock()
		if r.OnIgnore != nil {
			r.OnIgnore(pid, fd)
		}
		return
	}

	r.mu.RLock()
	nodeCfg := r.nodeConfigs[pid]
	r.mu.RUnlock()

	var connKey store.ConnKey
	id := uuid.New()
	copy(connKey[:], id[:])

	now := time.Now()
	err := r.store.AppendConnection(context.Background(), store.Connection{
		Key:        connKey,
		TS:         now,
		TSNanos:    uint32(now.Nanosecond()),
		Initiator:  initiator,
		RemoteAddr: addr,
		Comments:   store.NewComments(),
	})
	if r.metrics != nil {
		r.metrics.StoreWriteLatency.Observe(time.Since(now).Seconds())
	}
	if err != nil {
		r.log.Error().Err(err).Msg("failed to append connection record")
		if r.metrics != nil {
			r.metrics.StoreWriteErrorsTotal.WithLabelValues("connections").Inc()
		}
		return
	}

	p := chunkparser.New(chunkparser.Config{
		Identity:   nodeCfg.Identity,
		ConnKey:    connKey,
		Initiator:  initiator,
		RemoteAddr: addr,
		OnMessage:  r.OnMessage,
	}, r.store, r.metrics, r.log)

	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)

	r.mu.Lock()
	r.conns[key] = &conn{key: connKey, parser: p, cancel: cancel}
	r.mu.Unlock()
}

// HandleData routes one read/write/send/recv payload to the owning
// connection's parser, if any. Events on untracked or ignored fds are
// dropped silently: every socket is either a known connection, a
// deliberately ignored one, or traffic seen before its accept/connect
// event (a startup race the probe cannot avoid).
func (r *ConnectionRegistry) HandleData(d kevent.Data) {
	if d.Err != nil || !d.Net || len(d.Payload) == 0 {
		return
	}
	r.mu.RLock()
	c, ok := r.conns[pidFd{PID: d.ID.PID, FD: d.ID.FD}]
	r.mu.RUnlock()
	if !ok || c.parser == nil {
		return
	}
	c.parser.Feed(d.Incoming, d.Payload)
}

// HandleClose tears down a tracked connection, waiting for its parser to
// flush a trailing partial message and report final counters.
func (r *ConnectionRegistry) HandleClose(cl kevent.Close) {
	key := pidFd{PID: cl.ID.PID, FD: cl.ID.FD}
	r.mu.Lock()
	c, ok := r.conns[key]
	delete(r.conns, key)
	r.mu.Unlock()
	if !ok || c.parser == nil {
		return
	}
	c.parser.Terminate()
	report := c.parser.Wait()
	c.cancel()
	r.log.Info().
		Str("conn", report.ConnKey.String()).
		Uint64("local_chunks", report.LocalChunks).
		Uint64("remote_chunks", report.RemoteChunks).
		Uint64("messages", report.MessagesEmitted).
		Msg("connection closed")
}

// TerminateAll stops every live parser, for graceful process shutdown.
func (r *ConnectionRegistry) TerminateAll() []chunkparser.ConnectionReport {
	r.mu.Lock()
	conns := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[pidFd]*conn)
	r.mu.Unlock()

	reports := make([]chunkparser.ConnectionReport, 0, len(conns))
	for _, c := range conns {
		if c.parser == nil {
			continue
		}
		c.parser.Terminate()
		reports = append(reports, c.parser.Wait())
		c.cancel()
	}
	return reports
}
