// Package sqlitestore implements the store.Store interface over SQLite,
// grounded directly on the teacher's pkg/store/sqlite package: a single
// *sql.DB with a single writer connection and raw SQL DDL for schema
// setup. Rows are written with plain INSERTs, so a duplicate id is an
// error; only settings are upserted by key.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/caronte/caronte/internal/caronteerr"
	"github.com/caronte/caronte/internal/model"
	"github.com/caronte/caronte/internal/rowid"
	"github.com/caronte/caronte/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS rules (
	id       INTEGER PRIMARY KEY,
	name     TEXT NOT NULL UNIQUE,
	color    TEXT,
	notes    TEXT,
	enabled  INTEGER NOT NULL,
	patterns TEXT NOT NULL,
	version  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connections (
	id               INTEGER PRIMARY KEY,
	ip_src           TEXT NOT NULL,
	port_src         INTEGER NOT NULL,
	ip_dst           TEXT NOT NULL,
	port_dst         INTEGER NOT NULL,
	started_at       INTEGER NOT NULL,
	closed_at        INTEGER NOT NULL,
	client_bytes     INTEGER NOT NULL,
	server_bytes     INTEGER NOT NULL,
	client_documents INTEGER NOT NULL,
	server_documents INTEGER NOT NULL,
	processed_at     INTEGER NOT NULL,
	matched_rules    TEXT,
	service_port     INTEGER NOT NULL,
	marked           INTEGER NOT NULL DEFAULT 0,
	hidden           INTEGER NOT NULL DEFAULT 0,
	flagged_in       INTEGER NOT NULL DEFAULT 0,
	flagged_out      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_connections_service_port ON connections(service_port);
CREATE INDEX IF NOT EXISTS idx_connections_started_at ON connections(started_at);

CREATE TABLE IF NOT EXISTS connection_streams (
	connection_id     INTEGER NOT NULL,
	from_client        INTEGER NOT NULL,
	document_index     INTEGER NOT NULL,
	payload            BLOB NOT NULL,
	blocks_indexes     TEXT,
	blocks_timestamps  TEXT,
	blocks_loss        TEXT,
	pattern_matches    TEXT,
	database_version   INTEGER NOT NULL,
	PRIMARY KEY (connection_id, from_client, document_index)
);

CREATE TABLE IF NOT EXISTS pcap_sessions (
	id                  INTEGER PRIMARY KEY,
	started_at          INTEGER NOT NULL,
	capture_token       TEXT,
	completed_at        INTEGER NOT NULL,
	size                INTEGER NOT NULL,
	processed_packets   INTEGER NOT NULL,
	invalid_packets     INTEGER NOT NULL,
	packets_per_service TEXT,
	raw_capture         BLOB
);

CREATE TABLE IF NOT EXISTS settings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the SQLite-backed store.Store implementation.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at path and ensures its schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Rules() store.RuleCollection                         { return ruleCollection{s.db} }
func (s *Store) Connections() store.ConnectionCollection              { return connectionCollection{s.db} }
func (s *Store) ConnectionStreams() store.ConnectionStreamCollection  { return streamCollection{s.db} }
func (s *Store) PcapSessions() store.PcapSessionCollection            { return sessionCollection{s.db} }
func (s *Store) Settings() store.SettingsCollection                   { return settingsCollection{s.db} }

type ruleCollection struct{ db *sql.DB }

func (c ruleCollection) Insert(ctx context.Context, rule model.Rule) error {
	patterns, err := json.Marshal(rule.Patterns)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal patterns", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO rules (id, name, color, notes, enabled, patterns, version) VALUES (?,?,?,?,?,?,?)`,
		rule.ID, rule.Name, rule.Color, rule.Notes, boolToInt(rule.Enabled), patterns, rule.Version)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert rule", err)
	}
	return nil
}

func (c ruleCollection) Update(ctx context.Context, rule model.Rule) error {
	patterns, err := json.Marshal(rule.Patterns)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal patterns", err)
	}
	res, err := c.db.ExecContext(ctx,
		`UPDATE rules SET name=?, color=?, notes=?, enabled=?, patterns=?, version=? WHERE id=?`,
		rule.Name, rule.Color, rule.Notes, boolToInt(rule.Enabled), patterns, rule.Version, rule.ID)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "update rule", err)
	}
	return checkRowsAffected(res, rule.ID)
}

func (c ruleCollection) Get(ctx context.Context, id rowid.RowID) (model.Rule, error) {
	row := c.db.QueryRowContext(ctx, `SELECT id, name, color, notes, enabled, patterns, version FROM rules WHERE id=?`, id)
	return scanRule(row)
}

func (c ruleCollection) Find(ctx context.Context, filter store.Filter, opts store.FindOptions) ([]model.Rule, error) {
	where, args := buildWhere(filter)
	query := `SELECT id, name, color, notes, enabled, patterns, version FROM rules` + where + orderAndPage("id", opts)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find rules", err)
	}
	defer rows.Close()

	var out []model.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (model.Rule, error) {
	var rule model.Rule
	var enabled int
	var patterns []byte
	if err := row.Scan(&rule.ID, &rule.Name, &rule.Color, &rule.Notes, &enabled, &patterns, &rule.Version); err != nil {
		if err == sql.ErrNoRows {
			return model.Rule{}, caronteerr.NotFound("rule not found")
		}
		return model.Rule{}, caronteerr.Wrap(caronteerr.KindInternal, "scan rule", err)
	}
	rule.Enabled = enabled != 0
	if len(patterns) > 0 {
		if err := json.Unmarshal(patterns, &rule.Patterns); err != nil {
			return model.Rule{}, caronteerr.Wrap(caronteerr.KindInternal, "unmarshal patterns", err)
		}
	}
	return rule, nil
}

type connectionCollection struct{ db *sql.DB }

func (c connectionCollection) Insert(ctx context.Context, conn model.Connection) error {
	matched, err := json.Marshal(conn.MatchedRules)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal matched rules", err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO connections
		(id, ip_src, port_src, ip_dst, port_dst, started_at, closed_at, client_bytes, server_bytes,
		 client_documents, server_documents, processed_at, matched_rules, service_port, marked, hidden,
		 flagged_in, flagged_out)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		conn.ID, conn.IPSrc, conn.PortSrc, conn.IPDst, conn.PortDst,
		conn.StartedAt.UnixNano(), conn.ClosedAt.UnixNano(), conn.ClientBytes, conn.ServerBytes,
		conn.ClientDocuments, conn.ServerDocuments, conn.ProcessedAt.UnixNano(), matched, conn.ServicePort,
		boolToInt(conn.Marked), boolToInt(conn.Hidden), boolToInt(conn.FlaggedIn), boolToInt(conn.FlaggedOut))
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert connection", err)
	}
	return nil
}

func (c connectionCollection) Update(ctx context.Context, conn model.Connection) error {
	matched, err := json.Marshal(conn.MatchedRules)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal matched rules", err)
	}
	res, err := c.db.ExecContext(ctx, `UPDATE connections SET
		matched_rules=?, marked=?, hidden=?, flagged_in=?, flagged_out=?, processed_at=?
		WHERE id=?`,
		matched, boolToInt(conn.Marked), boolToInt(conn.Hidden), boolToInt(conn.FlaggedIn),
		boolToInt(conn.FlaggedOut), conn.ProcessedAt.UnixNano(), conn.ID)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "update connection", err)
	}
	return checkRowsAffected(res, conn.ID)
}

func (c connectionCollection) Get(ctx context.Context, id rowid.RowID) (model.Connection, error) {
	row := c.db.QueryRowContext(ctx, connectionSelect+` WHERE id=?`, id)
	return scanConnection(row)
}

func (c connectionCollection) Find(ctx context.Context, filter store.Filter, opts store.FindOptions) ([]model.Connection, error) {
	where, args := buildWhere(filter)
	query := connectionSelect + where + orderAndPage("id", opts)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find connections", err)
	}
	defer rows.Close()

	var out []model.Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, conn)
	}
	return out, rows.Err()
}

func (c connectionCollection) Count(ctx context.Context, filter store.Filter) (int, error) {
	where, args := buildWhere(filter)
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM connections`+where, args...).Scan(&n); err != nil {
		return 0, caronteerr.Wrap(caronteerr.KindInternal, "count connections", err)
	}
	return n, nil
}

const connectionSelect = `SELECT id, ip_src, port_src, ip_dst, port_dst, started_at, closed_at,
	client_bytes, server_bytes, client_documents, server_documents, processed_at, matched_rules,
	service_port, marked, hidden, flagged_in, flagged_out FROM connections`

func scanConnection(row scanner) (model.Connection, error) {
	var conn model.Connection
	var startedAt, closedAt, processedAt int64
	var matched []byte
	var marked, hidden, flaggedIn, flaggedOut int
	err := row.Scan(&conn.ID, &conn.IPSrc, &conn.PortSrc, &conn.IPDst, &conn.PortDst,
		&startedAt, &closedAt, &conn.ClientBytes, &conn.ServerBytes, &conn.ClientDocuments,
		&conn.ServerDocuments, &processedAt, &matched, &conn.ServicePort, &marked, &hidden,
		&flaggedIn, &flaggedOut)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Connection{}, caronteerr.NotFound("connection not found")
		}
		return model.Connection{}, caronteerr.Wrap(caronteerr.KindInternal, "scan connection", err)
	}
	conn.StartedAt = timeFromUnixNano(startedAt)
	conn.ClosedAt = timeFromUnixNano(closedAt)
	conn.ProcessedAt = timeFromUnixNano(processedAt)
	conn.Marked, conn.Hidden, conn.FlaggedIn, conn.FlaggedOut = marked != 0, hidden != 0, flaggedIn != 0, flaggedOut != 0
	if len(matched) > 0 {
		if err := json.Unmarshal(matched, &conn.MatchedRules); err != nil {
			return model.Connection{}, caronteerr.Wrap(caronteerr.KindInternal, "unmarshal matched rules", err)
		}
	}
	return conn, nil
}

type streamCollection struct{ db *sql.DB }

func (c streamCollection) Insert(ctx context.Context, stream model.ConnectionStream) error {
	return c.InsertMany(ctx, []model.ConnectionStream{stream})
}

// InsertMany writes a batch of chunks inside one transaction, grounded on
// the teacher's BeginBatch/InsertPackets/CommitBatch write path.
func (c streamCollection) InsertMany(ctx context.Context, streams []model.ConnectionStream) error {
	if len(streams) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "begin batch", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO connection_streams
		(connection_id, from_client, document_index, payload, blocks_indexes, blocks_timestamps,
		 blocks_loss, pattern_matches, database_version) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		return caronteerr.Wrap(caronteerr.KindInternal, "prepare insert stream", err)
	}
	defer stmt.Close()

	for _, s := range streams {
		indexes, _ := json.Marshal(s.BlocksIndexes)
		timestamps, _ := json.Marshal(s.BlocksTimestamps)
		loss, _ := json.Marshal(s.BlocksLoss)
		matches, err := json.Marshal(s.PatternMatches)
		if err != nil {
			tx.Rollback()
			return caronteerr.Wrap(caronteerr.KindInternal, "marshal pattern matches", err)
		}
		if _, err := stmt.ExecContext(ctx, s.ConnectionID, boolToInt(s.FromClient), s.DocumentIndex,
			s.Payload, indexes, timestamps, loss, matches, s.DatabaseVersion); err != nil {
			tx.Rollback()
			return caronteerr.Wrap(caronteerr.KindInternal, "insert stream chunk", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "commit batch", err)
	}
	return nil
}

func (c streamCollection) Find(ctx context.Context, connID rowid.RowID, fromClient *bool, opts store.FindOptions) ([]model.ConnectionStream, error) {
	query := `SELECT connection_id, from_client, document_index, payload, blocks_indexes,
		blocks_timestamps, blocks_loss, pattern_matches, database_version
		FROM connection_streams WHERE connection_id=?`
	args := []any{connID}
	if fromClient != nil {
		query += ` AND from_client=?`
		args = append(args, boolToInt(*fromClient))
	}
	query += orderAndPage("document_index", opts)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find streams", err)
	}
	defer rows.Close()

	var out []model.ConnectionStream
	for rows.Next() {
		var s model.ConnectionStream
		var fromClientInt int
		var indexes, timestamps, loss, matches []byte
		if err := rows.Scan(&s.ConnectionID, &fromClientInt, &s.DocumentIndex, &s.Payload,
			&indexes, &timestamps, &loss, &matches, &s.DatabaseVersion); err != nil {
			return nil, caronteerr.Wrap(caronteerr.KindInternal, "scan stream chunk", err)
		}
		s.FromClient = fromClientInt != 0
		_ = json.Unmarshal(indexes, &s.BlocksIndexes)
		_ = json.Unmarshal(timestamps, &s.BlocksTimestamps)
		_ = json.Unmarshal(loss, &s.BlocksLoss)
		if len(matches) > 0 && string(matches) != "null" {
			_ = json.Unmarshal(matches, &s.PatternMatches)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (c streamCollection) DeleteByConnection(ctx context.Context, connID rowid.RowID) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM connection_streams WHERE connection_id=?`, connID)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "delete streams", err)
	}
	return nil
}

type sessionCollection struct{ db *sql.DB }

func (c sessionCollection) Insert(ctx context.Context, s model.PcapSession) error {
	perService, err := json.Marshal(s.PacketsPerService)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal packets per service", err)
	}
	_, err = c.db.ExecContext(ctx, `INSERT INTO pcap_sessions
		(id, started_at, capture_token, completed_at, size, processed_packets, invalid_packets, packets_per_service)
		VALUES (?,?,?,?,?,?,?,?)`,
		s.ID, s.StartedAt.UnixNano(), s.CaptureToken, s.CompletedAt.UnixNano(), s.Size, s.ProcessedPackets, s.InvalidPackets, perService)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "insert session", err)
	}
	return nil
}

func (c sessionCollection) Update(ctx context.Context, s model.PcapSession) error {
	perService, err := json.Marshal(s.PacketsPerService)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "marshal packets per service", err)
	}
	res, err := c.db.ExecContext(ctx, `UPDATE pcap_sessions SET
		completed_at=?, processed_packets=?, invalid_packets=?, packets_per_service=? WHERE id=?`,
		s.CompletedAt.UnixNano(), s.ProcessedPackets, s.InvalidPackets, perService, s.ID)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "update session", err)
	}
	return checkRowsAffected(res, s.ID)
}

func (c sessionCollection) Get(ctx context.Context, id rowid.RowID) (model.PcapSession, error) {
	row := c.db.QueryRowContext(ctx, sessionSelect+` WHERE id=?`, id)
	return scanSession(row)
}

func (c sessionCollection) Find(ctx context.Context, opts store.FindOptions) ([]model.PcapSession, error) {
	rows, err := c.db.QueryContext(ctx, sessionSelect+orderAndPage("id", opts))
	if err != nil {
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "find sessions", err)
	}
	defer rows.Close()

	var out []model.PcapSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveRaw stores the raw capture bytes uploaded for a session, so a later
// downloadSession call can hand the original capture back byte for byte.
func (c sessionCollection) SaveRaw(ctx context.Context, id rowid.RowID, data []byte) error {
	res, err := c.db.ExecContext(ctx, `UPDATE pcap_sessions SET raw_capture=? WHERE id=?`, data, id)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "save raw capture", err)
	}
	return checkRowsAffected(res, id)
}

// LoadRaw returns the raw capture bytes for a session, or caronteerr.NotFound
// if the session was never uploaded (ingested straight from a file or live
// interface instead).
func (c sessionCollection) LoadRaw(ctx context.Context, id rowid.RowID) ([]byte, error) {
	var data []byte
	row := c.db.QueryRowContext(ctx, `SELECT raw_capture FROM pcap_sessions WHERE id=?`, id)
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, caronteerr.NotFound("pcap session not found")
		}
		return nil, caronteerr.Wrap(caronteerr.KindInternal, "load raw capture", err)
	}
	if data == nil {
		return nil, caronteerr.NotFound("pcap session has no stored capture")
	}
	return data, nil
}

const sessionSelect = `SELECT id, started_at, capture_token, completed_at, size, processed_packets, invalid_packets,
	packets_per_service FROM pcap_sessions`

func scanSession(row scanner) (model.PcapSession, error) {
	var s model.PcapSession
	var startedAt, completedAt int64
	var captureToken sql.NullString
	var perService []byte
	if err := row.Scan(&s.ID, &startedAt, &captureToken, &completedAt, &s.Size, &s.ProcessedPackets, &s.InvalidPackets, &perService); err != nil {
		if err == sql.ErrNoRows {
			return model.PcapSession{}, caronteerr.NotFound("pcap session not found")
		}
		return model.PcapSession{}, caronteerr.Wrap(caronteerr.KindInternal, "scan session", err)
	}
	s.StartedAt = timeFromUnixNano(startedAt)
	s.CaptureToken = captureToken.String
	s.CompletedAt = timeFromUnixNano(completedAt)
	if len(perService) > 0 {
		_ = json.Unmarshal(perService, &s.PacketsPerService)
	}
	return s, nil
}

type settingsCollection struct{ db *sql.DB }

func (c settingsCollection) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := c.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key=?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, caronteerr.Wrap(caronteerr.KindInternal, "get setting", err)
	}
	return value, true, nil
}

func (c settingsCollection) Set(ctx context.Context, key, value string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?,?) ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value)
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "set setting", err)
	}
	return nil
}

func buildWhere(filter store.Filter) (string, []any) {
	if len(filter) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for field, value := range filter {
		clauses = append(clauses, fmt.Sprintf("%s = ?", field))
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func orderAndPage(idColumn string, opts store.FindOptions) string {
	dir := "ASC"
	if opts.SortDescending {
		dir = "DESC"
	}
	q := fmt.Sprintf(" ORDER BY %s %s", idColumn, dir)
	if opts.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	if opts.Skip > 0 {
		q += fmt.Sprintf(" OFFSET %d", opts.Skip)
	}
	return q
}

func checkRowsAffected(res sql.Result, id rowid.RowID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return caronteerr.Wrap(caronteerr.KindInternal, "rows affected", err)
	}
	if n == 0 {
		return caronteerr.NotFound("row %s not found", id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeFromUnixNano(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
