// Package audit records every command submission to a local, append-only
// SQLite log. It is strictly write-only: nothing in this module or
// elsewhere in the coordinator reads election or command history back,
// so it carries no bearing on routing or election decisions.
package audit

import (
	"database/sql"
	"encoding/hex"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/nodewire/blearbiter/pkg/codec"
)

// Trail is an append-only command audit log.
type Trail struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at path.
func Open(path string) (*Trail, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	t := &Trail{db: db}
	if err := t.init(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Trail) init() error {
	_, err := t.db.Exec(`
	CREATE TABLE IF NOT EXISTS command_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint TEXT NOT NULL,
		frame_kind TEXT NOT NULL,
		frame_hex TEXT NOT NULL,
		success INTEGER NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	`)
	return err
}

// Endpoint labels for RecordCommand.
const (
	EndpointLocal  = "local"
	EndpointRemote = "remote"
)

// RecordCommand appends one command submission to the trail. Failures to
// write are swallowed by the caller's choosing (Close/Record never
// panics the coordinator); callers should log but not fail the command
// path on a write error.
func (t *Trail) RecordCommand(endpoint string, f codec.Frame, success bool) error {
	kind := frameKind(f)
	_, err := t.db.Exec(
		`INSERT INTO command_log (endpoint, frame_kind, frame_hex, success, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		endpoint, kind, hex.EncodeToString(f), boolToInt(success), time.Now().UTC(),
	)
	return err
}

func frameKind(f codec.Frame) string {
	switch {
	case codec.IsCommandFrame(f):
		return "command"
	case len(f) == 3 && f[0] == 0xEE:
		return "find"
	case len(f) == 3 && f[0] == 0xDD:
		return "battery_query"
	default:
		return "unknown"
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close closes the underlying database connection.
func (t *Trail) Close() error {
	return t.db.Close()
}
