package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// AppendConnection inserts a new connection record. Comments are expected
// to be NewComments() at creation time; anomalies are added later via
// UpdateComments.
func (s *Store) AppendConnection(ctx context.Context, c Connection) error {
	key := connectionKey(uint64(c.TS.UnixNano()), c.TSNanos)
	commentsJSON, err := json.Marshal(c.Comments)
	if err != nil {
		return fmt.Errorf("store: marshal comments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections
			(key, conn_id, ts_unix_ns, ts_nanos, initiator, remote_addr, peer_pubkey, has_peer_pubkey, comments_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key, c.Key[:], c.TS.UnixNano(), c.TSNanos, byte(c.Initiator), c.RemoteAddr.String(),
		pubkeyOrNil(c), c.HasPeerPubKey, string(commentsJSON),
	)
	if err != nil {
		return fmt.Errorf("store: insert connection: %w", err)
	}
	return nil
}

func pubkeyOrNil(c Connection) []byte {
	if !c.HasPeerPubKey {
		return nil
	}
	return c.PeerPublicKey[:]
}

// UpdateComments overwrites a connection's anomaly comments and, if pk is
// non-nil, its peer public key. Called as the parser discovers anomalies
// or completes the handshake after the row already exists.
func (s *Store) UpdateComments(ctx context.Context, connID ConnKey, comments Comments, pk *[32]byte) error {
	commentsJSON, err := json.Marshal(comments)
	if err != nil {
		return fmt.Errorf("store: marshal comments: %w", err)
	}
	if pk != nil {
		_, err = s.db.ExecContext(ctx, `
			UPDATE connections SET comments_json = ?, peer_pubkey = ?, has_peer_pubkey = 1
			WHERE conn_id = ?`, string(commentsJSON), pk[:], connID[:])
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE connections SET comments_json = ? WHERE conn_id = ?`, string(commentsJSON), connID[:])
	}
	if err != nil {
		return fmt.Errorf("store: update comments: %w", err)
	}
	return nil
}

// AppendChunk writes one append-only chunk row, gzip-compressing the raw
// and plaintext blobs independently when doing so saves space.
func (s *Store) AppendChunk(ctx context.Context, c Chunk) error {
	rawComp, rawOut, err := compressIfSmaller(c.Raw)
	if err != nil {
		return err
	}
	plainComp, plainOut, err := compressIfSmaller(c.Plain)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chunks (key, conn_id, sender, counter, raw_comp, raw, plain_comp, plain)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunkKey(c.Key), c.Key.Conn[:], byte(c.Key.Sender), c.Key.Counter,
		rawComp, rawOut, plainComp, plainOut,
	)
	if err != nil {
		return fmt.Errorf("store: insert chunk: %w", err)
	}
	return nil
}

// AppendMessage reserves the next monotone message id, writes the five
// secondary index entries, then the primary row, matching the write-path
// ordering the design requires (secondaries before primary; reads tolerate
// a transiently missing primary).
func (s *Store) AppendMessage(ctx context.Context, m Message) (id uint64, err error) {
	id = s.messageCounter.Add(1)
	m.ID = id

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: begin message tx: %w", err)
	}
	defer tx.Rollback()

	secondaries := []struct {
		table string
		key   []byte
	}{
		{"messages_by_type", append([]byte(m.Type), descU64(id)...)},
		{"messages_by_sender", append([]byte{byte(m.Sender)}, descU64(id)...)},
		{"messages_by_initiator", append([]byte{byte(m.Initiator)}, descU64(id)...)},
		{"messages_by_remote_addr", append([]byte(m.RemoteAddr.String()), descU64(id)...)},
		{"messages_by_timestamp", append(beU64(^uint64(m.Timestamp.UnixNano())), descU64(id)...)},
	}
	for _, sec := range secondaries {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (key, msg_id) VALUES (?, ?)`, sec.table),
			sec.key, id,
		); err != nil {
			return 0, fmt.Errorf("store: insert %s: %w", sec.table, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conn_id, timestamp_ns, remote_addr, initiator, sender, type, chunk_lo, chunk_hi)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, m.Conn[:], m.Timestamp.UnixNano(), m.RemoteAddr.String(), byte(m.Initiator), byte(m.Sender),
		m.Type, m.ChunkLo, m.ChunkHi,
	); err != nil {
		return 0, fmt.Errorf("store: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: commit message: %w", err)
	}
	return id, nil
}

// AppendLog writes one log record, reserving the next monotone id the same
// way AppendMessage does.
func (s *Store) AppendLog(ctx context.Context, l LogRecord) (uint64, error) {
	id := s.logCounter.Add(1)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (id, timestamp_ns, level, section, message) VALUES (?, ?, ?, ?, ?)`,
		id, l.TimestampNS, l.Level, l.Section, l.Message,
	)
	if err != nil {
		return 0, fmt.Errorf("store: insert log: %w", err)
	}
	return id, nil
}
