package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ConnectionFilter decomposes GET /v3/connections's query parameters.
type ConnectionFilter struct {
	Cursor uint64
	Limit  int
}

// ListConnections returns connections newest-first, paging by SQLite's
// implicit rowid (insertion order), since the blob primary key is ordered
// for point lookups, not convenient cursoring.
func (s *Store) ListConnections(ctx context.Context, f ConnectionFilter) ([]Connection, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	bound := int64(1<<63 - 1)
	if f.Cursor != 0 {
		bound = boundAsInt64(f.Cursor)
	}

	var rows []connectionRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT rowid, conn_id, ts_unix_ns, ts_nanos, initiator, remote_addr, peer_pubkey, has_peer_pubkey, comments_json
		 FROM connections WHERE rowid <= ? ORDER BY rowid DESC LIMIT ?`,
		bound, limit); err != nil {
		return nil, fmt.Errorf("store: list connections: %w", err)
	}

	out := make([]Connection, 0, len(rows))
	for _, r := range rows {
		c, err := r.toConnection()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// GetConnection fetches one connection by its opaque key.
func (s *Store) GetConnection(ctx context.Context, key ConnKey) (Connection, bool, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT rowid, conn_id, ts_unix_ns, ts_nanos, initiator, remote_addr, peer_pubkey, has_peer_pubkey, comments_json
		 FROM connections WHERE conn_id = ?`, key[:])
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Connection{}, false, nil
		}
		return Connection{}, false, fmt.Errorf("store: get connection: %w", err)
	}
	c, err := row.toConnection()
	if err != nil {
		return Connection{}, false, err
	}
	return c, true, nil
}

// GetMessage fetches one message by id, for GET /v3/message/{id}.
func (s *Store) GetMessage(ctx context.Context, id uint64) (Message, bool, error) {
	return s.getMessage(ctx, id)
}

type connectionRow struct {
	RowID         int64  `db:"rowid"`
	ConnID        []byte `db:"conn_id"`
	TSUnixNS      int64  `db:"ts_unix_ns"`
	TSNanos       uint32 `db:"ts_nanos"`
	Initiator     byte   `db:"initiator"`
	RemoteAddr    string `db:"remote_addr"`
	PeerPubkey    []byte `db:"peer_pubkey"`
	HasPeerPubkey bool   `db:"has_peer_pubkey"`
	CommentsJSON  string `db:"comments_json"`
}

func (r connectionRow) toConnection() (Connection, error) {
	addr, err := parseAddrPort(r.RemoteAddr)
	if err != nil {
		return Connection{}, err
	}
	var key ConnKey
	copy(key[:], r.ConnID)
	var comments Comments
	if err := json.Unmarshal([]byte(r.CommentsJSON), &comments); err != nil {
		return Connection{}, fmt.Errorf("store: decode comments: %w", err)
	}
	c := Connection{
		Key:           key,
		TS:            time.Unix(0, r.TSUnixNS).UTC(),
		TSNanos:       r.TSNanos,
		Initiator:     Side(r.Initiator),
		RemoteAddr:    addr,
		HasPeerPubKey: r.HasPeerPubkey,
		Comments:      comments,
	}
	if r.HasPeerPubkey {
		copy(c.PeerPublicKey[:], r.PeerPubkey)
	}
	return c, nil
}
