package chunkparser

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/rs/zerolog"

	"github.com/ocx/sniffer/internal/obs"
	"github.com/ocx/sniffer/internal/store"
)

type directionState struct {
	buf       []byte
	counter   uint64
	cm        []byte
	checked   checkedConnectionMessage
	key       *Key
	cannotDecrypt bool
	pending   [][]byte
	assembler messageAssembler
	uncertain bool
}

// Parser is one connection's independent cooperative task: fed by Feed,
// stopped by Terminate, joined by Wait.
type Parser struct {
	cfg     Config
	store   *store.Store
	metrics *obs.Metrics
	log     zerolog.Logger

	in        chan Input
	terminate chan struct{}
	done      chan ConnectionReport

	local, remote directionState
	comments      store.Comments
	messagesEmitted uint64
}

// New constructs a Parser for one connection. The caller is expected to
// have already written the connection's primary store row.
func New(cfg Config, st *store.Store, metrics *obs.Metrics, log zerolog.Logger) *Parser {
	return &Parser{
		cfg:       cfg,
		store:     st,
		metrics:   metrics,
		log:       log.With().Str("remote_addr", cfg.RemoteAddr.String()).Logger(),
		in:        make(chan Input, 256),
		terminate: make(chan struct{}),
		done:      make(chan ConnectionReport, 1),
		comments:  store.NewComments(),
	}
}

// Feed enqueues one syscall payload for processing. It blocks if the
// parser's queue is full, applying natural backpressure to the registry.
func (p *Parser) Feed(incoming bool, payload []byte) {
	p.in <- Input{Incoming: incoming, Payload: payload}
}

// Terminate asks the parser to drain, flush a final partial message if
// one is in flight, and exit. Call Wait to retrieve the final report.
func (p *Parser) Terminate() {
	close(p.terminate)
}

// Wait blocks until Run has produced its final ConnectionReport.
func (p *Parser) Wait() ConnectionReport {
	return <-p.done
}

// Run is the parser's task loop. It must be started in its own goroutine.
func (p *Parser) Run(ctx context.Context) {
	defer func() {
		p.done <- ConnectionReport{
			ConnKey:         p.cfg.ConnKey,
			LocalChunks:     p.local.counter,
			RemoteChunks:    p.remote.counter,
			MessagesEmitted: p.messagesEmitted,
			Comments:        p.comments,
		}
	}()
	for {
		select {
		case in, ok := <-p.in:
			if !ok {
				return
			}
			p.handleInput(ctx, in)
		case <-p.terminate:
			p.drainAndFlush(ctx)
			return
		}
	}
}

func (p *Parser) drainAndFlush(ctx context.Context) {
	for {
		select {
		case in := <-p.in:
			p.handleInput(ctx, in)
		default:
			p.flushPartial(ctx, DirLocal, &p.local)
			p.flushPartial(ctx, DirRemote, &p.remote)
			return
		}
	}
}

func (p *Parser) flushPartial(ctx context.Context, dir Direction, ds *directionState) {
	kind, ok := ds.assembler.partialTag()
	if !ok {
		return
	}
	p.log.Warn().Str("direction", dirName(dir)).Msg("flushing partial message at terminate")
	p.writeMessage(ctx, dir, ds.assembler.startCounter, ds.counter, "partial:"+kind)
}

func (p *Parser) handleInput(ctx context.Context, in Input) {
	dir := DirLocal
	if in.Incoming {
		dir = DirRemote
	}
	ds := p.dirState(dir)
	if ds.uncertain {
		p.recordRawChunk(ctx, dir, in.Payload)
		return
	}
	for _, raw := range p.extractChunks(dir, in.Payload) {
		p.processChunk(ctx, dir, raw)
	}
}

func (p *Parser) dirState(dir Direction) *directionState {
	if dir == DirLocal {
		return &p.local
	}
	return &p.remote
}

func dirName(dir Direction) string {
	if dir == DirLocal {
		return "local"
	}
	return "remote"
}

// extractChunks pulls every complete length-prefixed chunk out of a
// direction's buffer, leaving any incomplete tail for the next call. If a
// direction that has not framed any chunk yet (not even its connection
// message) buffers more than uncertainThreshold bytes, the direction
// abandons framing for good: the buffered bytes are flushed as one raw
// chunk and every later call for this direction goes straight to
// recordRawChunk instead of back through here.
func (p *Parser) extractChunks(dir Direction, payload []byte) [][]byte {
	ds := p.dirState(dir)
	ds.buf = append(ds.buf, payload...)

	if ds.counter == 0 && len(ds.buf) > uncertainThreshold {
		ds.uncertain = true
		p.comments.UncertainFraming = true
		p.persistComments(context.Background(), nil)
		stuck := ds.buf
		ds.buf = nil
		p.recordRawChunk(context.Background(), dir, stuck)
		return nil
	}

	var chunks [][]byte
	for {
		if len(ds.buf) < 2 {
			break
		}
		length := binary.BigEndian.Uint16(ds.buf[:2])
		total := 2 + int(length)
		if len(ds.buf) < total {
			break
		}
		chunks = append(chunks, append([]byte(nil), ds.buf[2:total]...))
		ds.buf = ds.buf[total:]
	}
	return chunks
}

// recordRawChunk appends raw to the direction's chunk stream with no
// framing or decryption attempted, for bytes seen after framing has been
// abandoned as uncertain.
func (p *Parser) recordRawChunk(ctx context.Context, dir Direction, raw []byte) {
	if len(raw) == 0 {
		return
	}
	ds := p.dirState(dir)
	counter := ds.counter
	ds.counter++
	p.writeChunk(ctx, dir, counter, raw, nil)
}

func (p *Parser) processChunk(ctx context.Context, dir Direction, raw []byte) {
	ds := p.dirState(dir)
	counter := ds.counter
	ds.counter++

	if counter == 0 {
		ds.cm = raw
		ds.checked = checkConnectionMessage(raw, ProofOfWorkTarget)
		p.recordHandshakeAnomalies(dir, ds.checked)
		p.writeChunk(ctx, dir, counter, raw, raw)
		p.writeMessage(ctx, dir, counter, counter+1, "connection")
		p.maybeDeriveKeys(ctx, dir)
		return
	}

	if ds.key == nil {
		ds.pending = append(ds.pending, raw)
		return
	}
	p.decryptAndStore(ctx, dir, counter, raw)
}

func (p *Parser) maybeDeriveKeys(ctx context.Context, dir Direction) {
	if p.local.key != nil {
		return // already derived
	}
	if p.local.cm == nil || p.remote.cm == nil {
		return // waiting on the other side's connection message
	}
	if !p.remote.checked.HasPeerKey {
		p.comments.IncomingWrongPK = true
		p.persistComments(ctx, nil)
		return
	}

	localKey, remoteKey, err := deriveKeys(p.cfg.Identity, p.remote.checked.PeerPublicKey, p.local.cm, p.remote.cm, p.cfg.Initiator)
	if err != nil {
		p.log.Error().Err(err).Msg("key derivation failed")
		return
	}
	p.local.key = &localKey
	p.remote.key = &remoteKey

	pk := p.remote.checked.PeerPublicKey
	p.persistComments(ctx, &pk)

	p.drainPending(ctx, DirLocal)
	p.drainPending(ctx, DirRemote)
}

func (p *Parser) drainPending(ctx context.Context, dir Direction) {
	ds := p.dirState(dir)
	pending := ds.pending
	ds.pending = nil
	startCounter := ds.counter - uint64(len(pending))
	for i, raw := range pending {
		p.decryptAndStore(ctx, dir, startCounter+uint64(i), raw)
	}
}

func (p *Parser) decryptAndStore(ctx context.Context, dir Direction, counter uint64, raw []byte) {
	ds := p.dirState(dir)

	if ds.cannotDecrypt {
		p.writeChunk(ctx, dir, counter, raw, nil)
		return
	}

	plain, ok := decrypt(ds.key, raw)
	if !ok {
		ds.cannotDecrypt = true
		p.recordDecryptFailure(dir, counter)
		p.writeChunk(ctx, dir, counter, raw, nil)
		return
	}
	p.writeChunk(ctx, dir, counter, raw, plain)

	switch counter {
	case 1:
		p.writeMessage(ctx, dir, counter, counter+1, "metadata")
	case 2:
		p.writeMessage(ctx, dir, counter, counter+1, "ack")
	default:
		msg, remainderDropped, err := ds.assembler.feed(counter, plain)
		if err != nil {
			p.log.Warn().Err(err).Str("direction", dirName(dir)).Msg("message reassembly error")
			return
		}
		if remainderDropped {
			p.log.Warn().Str("direction", dirName(dir)).Msg("incomplete message dropped")
		}
		if msg != nil {
			p.writeMessage(ctx, dir, msg.ChunkLo, msg.ChunkHi, msg.Type)
		}
	}
}

func (p *Parser) recordHandshakeAnomalies(dir Direction, checked checkedConnectionMessage) {
	if dir == DirLocal {
		p.comments.OutgoingTooShort = checked.TooShort
		if checked.PowFailed {
			p.comments.OutgoingWrongPOW = ProofOfWorkTarget
		}
	} else {
		p.comments.IncomingTooShort = checked.TooShort
		if checked.PowFailed {
			p.comments.IncomingWrongPOW = ProofOfWorkTarget
		}
	}
	p.persistComments(context.Background(), nil)
}

func (p *Parser) recordDecryptFailure(dir Direction, counter uint64) {
	if dir == DirLocal {
		p.comments.OutgoingCannotDecrypt = int64(counter)
	} else {
		p.comments.IncomingCannotDecrypt = int64(counter)
	}
	if p.metrics != nil {
		p.metrics.ParserAnomaliesTotal.WithLabelValues("cannot_decrypt").Inc()
	}
	p.persistComments(context.Background(), nil)
}

func (p *Parser) persistComments(ctx context.Context, pk *[32]byte) {
	if err := p.store.UpdateComments(ctx, p.cfg.ConnKey, p.comments, pk); err != nil {
		p.log.Error().Err(err).Msg("failed to persist connection comments")
	}
}

func (p *Parser) writeChunk(ctx context.Context, dir Direction, counter uint64, raw, plain []byte) {
	sender := senderFor(p.cfg.Initiator, dir)
	start := time.Now()
	err := p.store.AppendChunk(ctx, store.Chunk{
		Key:   store.ChunkKey{Conn: p.cfg.ConnKey, Sender: sender, Counter: counter},
		Raw:   raw,
		Plain: plain,
	})
	if p.metrics != nil {
		p.metrics.StoreWriteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.log.Error().Err(err).Msg("failed to append chunk")
		if p.metrics != nil {
			p.metrics.StoreWriteErrorsTotal.WithLabelValues("chunks").Inc()
		}
	}
}

func (p *Parser) writeMessage(ctx context.Context, dir Direction, lo, hi uint64, kind string) {
	sender := senderFor(p.cfg.Initiator, dir)
	msg := store.Message{
		Conn:       p.cfg.ConnKey,
		Timestamp:  time.Now(),
		RemoteAddr: p.cfg.RemoteAddr,
		Initiator:  p.cfg.Initiator,
		Sender:     sender,
		Type:       kind,
		ChunkLo:    lo,
		ChunkHi:    hi,
	}
	start := time.Now()
	id, err := p.store.AppendMessage(ctx, msg)
	if p.metrics != nil {
		p.metrics.StoreWriteLatency.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		p.log.Error().Err(err).Msg("failed to append message")
		if p.metrics != nil {
			p.metrics.StoreWriteErrorsTotal.WithLabelValues("messages").Inc()
		}
		return
	}
	p.messagesEmitted++
	if p.metrics != nil {
		p.metrics.ParserMessagesTotal.WithLabelValues(kind).Inc()
	}
	if p.cfg.OnMessage != nil {
		msg.ID = id
		p.cfg.OnMessage(msg)
	}
}

// senderFor maps an observed physical direction to the initiator/responder
// role the store keys messages and chunks by.
func senderFor(initiator store.Side, dir Direction) store.Sender {
	localIsInitiator := initiator == store.SideLocal
	sentByLocal := dir == DirLocal
	if sentByLocal == localIsInitiator {
		return store.SenderInitiator
	}
	return store.SenderResponder
}
