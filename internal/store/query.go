package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// fetchCap bounds how many ids a single secondary-index branch materializes
// before intersection. Sorted k-way intersection over true lazy cursors
// would not need this; materializing bounded windows is the cost of
// emulating rocks-style column family iterators on top of SQLite (see the
// module's grounding ledger).
const fetchCap = 50_000

// MessageFilter decomposes the HTTP query surface's message filter
// parameters into the per-attribute predicates the secondary indices serve.
type MessageFilter struct {
	Types      []string
	Sender     *Sender
	Initiator  *Side
	Incoming   *bool
	RemoteAddr string
	From, To   time.Time
	Cursor     uint64
	Limit      int
}

func prefixUpperBound(prefix []byte) []byte {
	up := append([]byte(nil), prefix...)
	for i := len(up) - 1; i >= 0; i-- {
		if up[i] != 0xFF {
			up[i]++
			return up[:i+1]
		}
	}
	return nil
}

func cursorOrDefault(cursor uint64) uint64 {
	if cursor == 0 {
		return math.MaxUint64
	}
	return cursor
}

// fetchIDsByPrefix materializes up to fetchCap ids from a secondary index
// table whose keys share prefix, in descending-id order, honoring cursor as
// the starting (inclusive) id.
func (s *Store) fetchIDsByPrefix(ctx context.Context, table string, prefix []byte, cursor uint64) ([]uint64, error) {
	lo := append(append([]byte(nil), prefix...), descU64(cursorOrDefault(cursor))...)
	hi := prefixUpperBound(prefix)

	var rows []uint64
	var err error
	if hi == nil {
		err = s.db.SelectContext(ctx, &rows,
			fmt.Sprintf(`SELECT msg_id FROM %s WHERE key >= ? ORDER BY key ASC LIMIT ?`, table),
			lo, fetchCap)
	} else {
		err = s.db.SelectContext(ctx, &rows,
			fmt.Sprintf(`SELECT msg_id FROM %s WHERE key >= ? AND key < ? ORDER BY key ASC LIMIT ?`, table),
			lo, hi, fetchCap)
	}
	if err != nil {
		return nil, fmt.Errorf("store: fetch %s: %w", table, err)
	}
	return rows, nil
}

// mergeUnionDescending k-way merges already-descending slices into one
// descending slice of distinct ids, used to turn a comma-separated "types"
// filter into a single attribute stream before intersection.
func mergeUnionDescending(streams [][]uint64) []uint64 {
	idx := make([]int, len(streams))
	var out []uint64
	for {
		best := -1
		var bestVal uint64
		for i, s := range streams {
			if idx[i] >= len(s) {
				continue
			}
			if best == -1 || s[idx[i]] > bestVal {
				best = i
				bestVal = s[idx[i]]
			}
		}
		if best == -1 {
			return out
		}
		if len(out) == 0 || out[len(out)-1] != bestVal {
			out = append(out, bestVal)
		}
		idx[best]++
	}
}

// sortedIntersect implements the k-way descending sorted intersection: the
// iterator whose head is largest advances until all heads are equal, that
// value is emitted, then all advance. Stops at first exhaustion or limit.
func sortedIntersect(streams [][]uint64, limit int) []uint64 {
	if len(streams) == 0 {
		return nil
	}
	idx := make([]int, len(streams))
	var out []uint64
	for {
		if limit > 0 && len(out) >= limit {
			return out
		}
		var first, minVal uint64
		allEqual := true
		for i, s := range streams {
			if idx[i] >= len(s) {
				return out
			}
			if i == 0 {
				first = s[idx[i]]
				minVal = first
				continue
			}
			if s[idx[i]] != first {
				allEqual = false
			}
			if s[idx[i]] < minVal {
				minVal = s[idx[i]]
			}
		}
		if allEqual {
			out = append(out, first)
			for i := range streams {
				idx[i]++
			}
			continue
		}
		// In descending streams a head above the smallest head cannot be in
		// every stream, so every such head advances.
		for i, s := range streams {
			if s[idx[i]] > minVal {
				idx[i]++
			}
		}
	}
}

// Query evaluates a MessageFilter and returns the matching primary message
// rows in descending id order, newest first. Missing primaries for a
// secondary hit are skipped, not treated as errors.
func (s *Store) Query(ctx context.Context, f MessageFilter) ([]Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var streams [][]uint64

	if len(f.Types) > 0 {
		var typeStreams [][]uint64
		for _, t := range f.Types {
			ids, err := s.fetchIDsByPrefix(ctx, "messages_by_type", []byte(t), f.Cursor)
			if err != nil {
				return nil, err
			}
			typeStreams = append(typeStreams, ids)
		}
		streams = append(streams, mergeUnionDescending(typeStreams))
	}
	if f.Sender != nil {
		ids, err := s.fetchIDsByPrefix(ctx, "messages_by_sender", []byte{byte(*f.Sender)}, f.Cursor)
		if err != nil {
			return nil, err
		}
		streams = append(streams, ids)
	}
	if f.Initiator != nil {
		ids, err := s.fetchIDsByPrefix(ctx, "messages_by_initiator", []byte{byte(*f.Initiator)}, f.Cursor)
		if err != nil {
			return nil, err
		}
		streams = append(streams, ids)
	}
	if f.RemoteAddr != "" {
		ids, err := s.fetchIDsByPrefix(ctx, "messages_by_remote_addr", []byte(f.RemoteAddr), f.Cursor)
		if err != nil {
			return nil, err
		}
		streams = append(streams, ids)
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		ids, err := s.timeRangeIDs(ctx, f.From, f.To, f.Cursor)
		if err != nil {
			return nil, err
		}
		streams = append(streams, ids)
	}

	var ids []uint64
	switch {
	case len(streams) == 0:
		// No attribute filter active: list straight off the primary table,
		// ordered by id, since messages_by_timestamp's key is ordered by
		// timestamp first and would not honor an id-based cursor correctly.
		var err error
		ids, err = s.fetchRecentIDs(ctx, f.Cursor)
		if err != nil {
			return nil, err
		}
	default:
		ids = sortedIntersect(streams, 0)
	}

	msgs := make([]Message, 0, limit)
	for _, id := range ids {
		if len(msgs) >= limit {
			break
		}
		m, ok, err := s.getMessage(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // missing primary for a secondary hit: skipped
		}
		if f.Incoming != nil && m.incoming() != *f.Incoming {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// timeRangeIDs scans messages_by_timestamp from newest to oldest, starting
// at the `to` upper bound (or, when `to` is zero, at the zero key, which
// sorts before every complemented timestamp and so starts at the newest
// row) and stops when a row's decoded timestamp falls before `from`.
func (s *Store) timeRangeIDs(ctx context.Context, from, to time.Time, cursor uint64) ([]uint64, error) {
	var lo []byte
	if !to.IsZero() {
		lo = beU64(^uint64(to.UnixNano()))
	} else {
		lo = beU64(0)
	}
	lo = append(lo, descU64(cursorOrDefault(cursor))...)

	var rows []struct {
		Key   []byte `db:"key"`
		MsgID uint64 `db:"msg_id"`
	}
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT key, msg_id FROM messages_by_timestamp WHERE key >= ? ORDER BY key ASC LIMIT ?`,
		lo, fetchCap); err != nil {
		return nil, fmt.Errorf("store: fetch messages_by_timestamp: %w", err)
	}

	var ids []uint64
	for _, r := range rows {
		tsNS := int64(^beDecodeU64(r.Key[:8]))
		if !from.IsZero() && tsNS < from.UnixNano() {
			break
		}
		ids = append(ids, r.MsgID)
	}
	return ids, nil
}

func (s *Store) fetchRecentIDs(ctx context.Context, cursor uint64) ([]uint64, error) {
	bound := cursorOrDefault(cursor)
	var ids []uint64
	if err := s.db.SelectContext(ctx, &ids,
		`SELECT id FROM messages WHERE id <= ? ORDER BY id DESC LIMIT ?`,
		boundAsInt64(bound), fetchCap); err != nil {
		return nil, fmt.Errorf("store: fetch recent message ids: %w", err)
	}
	return ids, nil
}

// boundAsInt64 clamps a uint64 cursor bound to int64 range for SQLite's
// INTEGER PRIMARY KEY comparisons; ids never realistically approach
// math.MaxInt64.
func boundAsInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func (s *Store) getMessage(ctx context.Context, id uint64) (Message, bool, error) {
	var row struct {
		ID          uint64 `db:"id"`
		ConnID      []byte `db:"conn_id"`
		TimestampNS int64  `db:"timestamp_ns"`
		RemoteAddr  string `db:"remote_addr"`
		Initiator   byte   `db:"initiator"`
		Sender      byte   `db:"sender"`
		Type        string `db:"type"`
		ChunkLo     uint64 `db:"chunk_lo"`
		ChunkHi     uint64 `db:"chunk_hi"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM messages WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("store: get message %d: %w", id, err)
	}
	addr, err := parseAddrPort(row.RemoteAddr)
	if err != nil {
		return Message{}, false, err
	}
	var conn ConnKey
	copy(conn[:], row.ConnID)
	return Message{
		ID:         row.ID,
		Conn:       conn,
		Timestamp:  time.Unix(0, row.TimestampNS).UTC(),
		RemoteAddr: addr,
		Initiator:  Side(row.Initiator),
		Sender:     Sender(row.Sender),
		Type:       row.Type,
		ChunkLo:    row.ChunkLo,
		ChunkHi:    row.ChunkHi,
	}, true, nil
}

func (m Message) incoming() bool {
	if m.Initiator == SideLocal {
		return m.Sender == SenderResponder
	}
	return m.Sender == SenderInitiator
}

func beDecodeU64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
