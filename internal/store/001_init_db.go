package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func exec(ctx context.Context, tx *sqlx.Tx, label, query string) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(query, "\t", "")); err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	return nil
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	stmts := []struct{ label, sql string }{
		{"create connections", `
			CREATE TABLE connections (
				key             BLOB PRIMARY KEY NOT NULL,
				conn_id         BLOB NOT NULL,
				ts_unix_ns      INTEGER NOT NULL,
				ts_nanos        INTEGER NOT NULL,
				initiator       INTEGER NOT NULL,
				remote_addr     TEXT NOT NULL,
				peer_pubkey     BLOB,
				has_peer_pubkey INTEGER NOT NULL DEFAULT 0,
				comments_json   TEXT NOT NULL DEFAULT '{}'
			) STRICT;
		`},
		{"create connections conn_id index", `CREATE UNIQUE INDEX connections_conn_id_idx ON connections(conn_id)`},
		{"create chunks", `
			CREATE TABLE chunks (
				key        BLOB PRIMARY KEY NOT NULL,
				conn_id    BLOB NOT NULL,
				sender     INTEGER NOT NULL,
				counter    INTEGER NOT NULL,
				raw_comp   TEXT NOT NULL DEFAULT '',
				raw        BLOB NOT NULL,
				plain_comp TEXT NOT NULL DEFAULT '',
				plain      BLOB
			) STRICT;
		`},
		{"create chunks conn_id index", `CREATE INDEX chunks_conn_id_idx ON chunks(conn_id, sender, counter)`},
		{"create messages", `
			CREATE TABLE messages (
				id           INTEGER PRIMARY KEY,
				conn_id      BLOB NOT NULL,
				timestamp_ns INTEGER NOT NULL,
				remote_addr  TEXT NOT NULL,
				initiator    INTEGER NOT NULL,
				sender       INTEGER NOT NULL,
				type         TEXT NOT NULL,
				chunk_lo     INTEGER NOT NULL,
				chunk_hi     INTEGER NOT NULL
			) STRICT;
		`},
		{"create messages_by_type", `CREATE TABLE messages_by_type (key BLOB PRIMARY KEY NOT NULL, msg_id INTEGER NOT NULL) STRICT;`},
		{"create messages_by_sender", `CREATE TABLE messages_by_sender (key BLOB PRIMARY KEY NOT NULL, msg_id INTEGER NOT NULL) STRICT;`},
		{"create messages_by_initiator", `CREATE TABLE messages_by_initiator (key BLOB PRIMARY KEY NOT NULL, msg_id INTEGER NOT NULL) STRICT;`},
		{"create messages_by_remote_addr", `CREATE TABLE messages_by_remote_addr (key BLOB PRIMARY KEY NOT NULL, msg_id INTEGER NOT NULL) STRICT;`},
		{"create messages_by_timestamp", `CREATE TABLE messages_by_timestamp (key BLOB PRIMARY KEY NOT NULL, msg_id INTEGER NOT NULL) STRICT;`},
		{"create logs", `
			CREATE TABLE logs (
				id           INTEGER PRIMARY KEY,
				timestamp_ns INTEGER NOT NULL,
				level        TEXT NOT NULL,
				section      TEXT NOT NULL,
				message      TEXT NOT NULL
			) STRICT;
		`},
	}
	for _, s := range stmts {
		if err := exec(ctx, tx, s.label, s.sql); err != nil {
			return err
		}
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	tables := []string{
		"logs", "messages_by_timestamp", "messages_by_remote_addr",
		"messages_by_initiator", "messages_by_sender", "messages_by_type",
		"messages", "chunks", "connections",
	}
	for _, t := range tables {
		if err := exec(ctx, tx, "drop "+t, `DROP TABLE `+t); err != nil {
			return err
		}
	}
	return nil
}
