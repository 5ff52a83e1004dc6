package store

import (
	"context"
	"fmt"
	"math"
)

// IterateChunks returns every chunk recorded for one direction of a
// connection, in counter order. This is the replay contract: a caller
// wanting to replay a captured session against other tooling reads a
// connection's two chunk sequences through this method; the store itself
// ships no replay driver.
func (s *Store) IterateChunks(ctx context.Context, conn ConnKey, sender Sender) ([]Chunk, error) {
	var rows []struct {
		ConnID    []byte `db:"conn_id"`
		Sender    byte   `db:"sender"`
		Counter   uint64 `db:"counter"`
		RawComp   string `db:"raw_comp"`
		Raw       []byte `db:"raw"`
		PlainComp string `db:"plain_comp"`
		Plain     []byte `db:"plain"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT conn_id, sender, counter, raw_comp, raw, plain_comp, plain
		FROM chunks WHERE conn_id = ? AND sender = ? ORDER BY counter ASC`,
		conn[:], byte(sender)); err != nil {
		return nil, fmt.Errorf("store: iterate chunks: %w", err)
	}

	chunks := make([]Chunk, 0, len(rows))
	for _, r := range rows {
		raw, err := decompress(r.RawComp, r.Raw)
		if err != nil {
			return nil, err
		}
		plain, err := decompress(r.PlainComp, r.Plain)
		if err != nil {
			return nil, err
		}
		var ck ConnKey
		copy(ck[:], r.ConnID)
		chunks = append(chunks, Chunk{
			Key:   ChunkKey{Conn: ck, Sender: Sender(r.Sender), Counter: r.Counter},
			Raw:   raw,
			Plain: plain,
		})
	}
	return chunks, nil
}

// LogFilter decomposes the /v3/logs query parameters.
type LogFilter struct {
	Level, Section string
	From, To       int64 // unix nanoseconds; zero means unbounded
	Cursor         uint64
	Limit          int
}

// QueryLogs returns log rows in descending id order matching f.
func (s *Store) QueryLogs(ctx context.Context, f LogFilter) ([]LogRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	cursor := int64(math.MaxInt64)
	if f.Cursor != 0 {
		cursor = int64(f.Cursor)
	}

	query := `SELECT id, timestamp_ns, level, section, message FROM logs WHERE id <= ?`
	args := []any{cursor}
	if f.Level != "" {
		query += ` AND level = ?`
		args = append(args, f.Level)
	}
	if f.Section != "" {
		query += ` AND section = ?`
		args = append(args, f.Section)
	}
	if f.From != 0 {
		query += ` AND timestamp_ns >= ?`
		args = append(args, f.From)
	}
	if f.To != 0 {
		query += ` AND timestamp_ns <= ?`
		args = append(args, f.To)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var rows []struct {
		ID          uint64 `db:"id"`
		TimestampNS int64  `db:"timestamp_ns"`
		Level       string `db:"level"`
		Section     string `db:"section"`
		Message     string `db:"message"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("store: query logs: %w", err)
	}

	logs := make([]LogRecord, 0, len(rows))
	for _, r := range rows {
		logs = append(logs, LogRecord{ID: r.ID, TimestampNS: r.TimestampNS, Level: r.Level, Section: r.Section, Message: r.Message})
	}
	return logs, nil
}
