package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"echosos/beacon-node/internal/geo"
	"echosos/beacon-node/internal/model"
)

// Journal kinds written by the node.
const (
	KindLocalRaised    = "local_raised"
	KindLocalCancelled = "local_cancelled"
	KindPeerAlert      = "peer_alert"
	KindDetection      = "acoustic_detection"
	KindDecodeFailure  = "decode_failure"
	KindProfile        = "profile"
)

var errNotOpen = errors.New("store not initialized")

// ErrSequenceExhausted is returned once all 65536 sequence numbers of this
// install's origin ID have been issued. Wrapping would reuse identities that
// peers may still hold.
var ErrSequenceExhausted = errors.New("alert sequence numbers exhausted")

// Store is the node's persistent state: the install identity, the sequence
// high-water mark, and a journal of what the node saw. Relay queues and the
// dedup window are not persisted.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNotOpen
	}
	return s.db.PingContext(ctx)
}

const nowExpr = `strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`

// InitSchema creates missing tables.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_identity (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			origin_id TEXT NOT NULL,
			install_uuid TEXT NOT NULL,
			next_sequence INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
		);`,
		`CREATE TABLE IF NOT EXISTS peer_alerts (
			origin_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			emergency TEXT NOT NULL,
			coordinate INTEGER NOT NULL,
			hop_budget INTEGER NOT NULL,
			origin_time INTEGER NOT NULL,
			received_at TEXT NOT NULL,
			relayed INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (origin_id, sequence)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_peer_alerts_received ON peer_alerts(received_at);`,
		`CREATE TABLE IF NOT EXISTS detections (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			emergency TEXT NOT NULL,
			snr_db REAL NOT NULL,
			strength REAL NOT NULL,
			peak_hz REAL NOT NULL,
			detected_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decode_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT,
			payload TEXT,
			error TEXT NOT NULL,
			seen_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			identity TEXT,
			emergency TEXT,
			detail TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_journal_recorded ON journal(recorded_at);`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (` + nowExpr + `)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Identity returns the install's origin id, generating it on first use.
func (s *Store) Identity(ctx context.Context) (uint64, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT origin_id FROM node_identity WHERE id = 1;`).Scan(&raw)
	switch {
	case err == nil:
		return parseOrigin(raw)
	case !errors.Is(err, sql.ErrNoRows):
		return 0, fmt.Errorf("load identity: %w", err)
	}

	install := uuid.New()
	origin := binary.BigEndian.Uint64(install[:8])
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO node_identity (id, origin_id, install_uuid) VALUES (1, ?, ?) ON CONFLICT(id) DO NOTHING;`,
		formatOrigin(origin), install.String(),
	); err != nil {
		return 0, fmt.Errorf("create identity: %w", err)
	}
	// Re-read in case another process won the insert.
	if err := s.db.QueryRowContext(ctx, `SELECT origin_id FROM node_identity WHERE id = 1;`).Scan(&raw); err != nil {
		return 0, fmt.Errorf("load identity: %w", err)
	}
	return parseOrigin(raw)
}

// NextSequence reserves the next alert sequence number. The counter is
// persisted before it is returned so a restart never reuses an identity, and
// it never wraps.
func (s *Store) NextSequence(ctx context.Context) (uint16, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	if _, err := s.Identity(ctx); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin sequence tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT next_sequence FROM node_identity WHERE id = 1;`).Scan(&next); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	if next > 0xFFFF {
		return 0, ErrSequenceExhausted
	}
	if _, err := tx.ExecContext(ctx, `UPDATE node_identity SET next_sequence = ? WHERE id = 1;`, next+1); err != nil {
		return 0, fmt.Errorf("advance sequence: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit sequence: %w", err)
	}
	return uint16(next), nil
}

// UpsertPeerAlert records a peer alert; the first reception time is kept and
// the relayed flag only ever goes from false to true.
func (s *Store) UpsertPeerAlert(ctx context.Context, a model.PeerAlert) error {
	if s.db == nil {
		return errNotOpen
	}
	m := a.Message
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO peer_alerts (origin_id, sequence, emergency, coordinate, hop_budget, origin_time, received_at, relayed)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(origin_id, sequence) DO UPDATE SET
			hop_budget = MAX(peer_alerts.hop_budget, excluded.hop_budget),
			relayed = MAX(peer_alerts.relayed, excluded.relayed);`,
		formatOrigin(m.OriginID), int64(m.Sequence), m.Emergency.String(), int64(m.Coordinate),
		int64(m.HopBudget), int64(m.OriginTime), formatTime(a.ReceivedAt), boolInt(a.Relayed),
	)
	if err != nil {
		return fmt.Errorf("upsert peer alert: %w", err)
	}
	return nil
}

// MarkRelayed flags a stored peer alert as handed off.
func (s *Store) MarkRelayed(ctx context.Context, id model.Identity) error {
	if s.db == nil {
		return errNotOpen
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE peer_alerts SET relayed = 1 WHERE origin_id = ? AND sequence = ?;`,
		formatOrigin(id.Origin), int64(id.Sequence),
	); err != nil {
		return fmt.Errorf("mark relayed: %w", err)
	}
	return nil
}

// RecentPeerAlerts returns peer alerts newest first.
func (s *Store) RecentPeerAlerts(ctx context.Context, limit int, since *time.Time) ([]model.PeerAlert, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	if limit <= 0 {
		limit = 25
	}
	query := `SELECT origin_id, sequence, emergency, coordinate, hop_budget, origin_time, received_at, relayed FROM peer_alerts`
	var args []any
	if since != nil {
		query += ` WHERE received_at > ?`
		args = append(args, formatTime(*since))
	}
	query += ` ORDER BY received_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query peer alerts: %w", err)
	}
	defer rows.Close()

	alerts := make([]model.PeerAlert, 0, limit)
	for rows.Next() {
		var (
			originRaw, emergency, receivedRaw     string
			seq, coord, hops, originTime, relayed int64
		)
		if err := rows.Scan(&originRaw, &seq, &emergency, &coord, &hops, &originTime, &receivedRaw, &relayed); err != nil {
			return nil, fmt.Errorf("scan peer alert: %w", err)
		}
		origin, err := parseOrigin(originRaw)
		if err != nil {
			return nil, err
		}
		et, err := model.ParseEmergency(emergency)
		if err != nil {
			return nil, fmt.Errorf("peer alert %s/%d: %w", originRaw, seq, err)
		}
		alerts = append(alerts, model.PeerAlert{
			Message: model.BeaconMessage{
				OriginID:   origin,
				Sequence:   uint16(seq),
				Emergency:  et,
				Coordinate: geo.Code(coord),
				HopBudget:  uint8(hops),
				OriginTime: uint32(originTime),
			},
			ReceivedAt: parseTime(receivedRaw),
			Relayed:    relayed != 0,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate peer alerts: %w", err)
	}
	return alerts, nil
}

// InsertDetection records a confirmed acoustic detection.
func (s *Store) InsertDetection(ctx context.Context, d model.Detection) error {
	if s.db == nil {
		return errNotOpen
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO detections (emergency, snr_db, strength, peak_hz, detected_at) VALUES (?, ?, ?, ?, ?);`,
		d.Emergency.String(), d.SNR, d.Strength, d.PeakHz, formatTime(d.DetectedAt),
	); err != nil {
		return fmt.Errorf("insert detection: %w", err)
	}
	return nil
}

// RecentDetections returns detections newest first.
func (s *Store) RecentDetections(ctx context.Context, limit int) ([]model.Detection, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT emergency, snr_db, strength, peak_hz, detected_at FROM detections ORDER BY detected_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query detections: %w", err)
	}
	defer rows.Close()

	out := make([]model.Detection, 0, limit)
	for rows.Next() {
		var (
			emergency, at       string
			snr, strength, peak float64
		)
		if err := rows.Scan(&emergency, &snr, &strength, &peak, &at); err != nil {
			return nil, fmt.Errorf("scan detection: %w", err)
		}
		et, err := model.ParseEmergency(emergency)
		if err != nil {
			return nil, fmt.Errorf("detection: %w", err)
		}
		out = append(out, model.Detection{Emergency: et, SNR: snr, Strength: strength, PeakHz: peak, DetectedAt: parseTime(at)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate detections: %w", err)
	}
	return out, nil
}

// InsertDecodeFailure records an advertisement that failed to decode.
func (s *Store) InsertDecodeFailure(ctx context.Context, f model.DecodeFailure) error {
	if s.db == nil {
		return errNotOpen
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO decode_failures (source, payload, error, seen_at) VALUES (?, ?, ?, ?);`,
		f.Source, f.Payload, f.Error, formatTime(f.SeenAt),
	); err != nil {
		return fmt.Errorf("insert decode failure: %w", err)
	}
	return nil
}

// CountDecodeFailures returns the number of stored decode failures.
func (s *Store) CountDecodeFailures(ctx context.Context) (int64, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM decode_failures;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count decode failures: %w", err)
	}
	return n, nil
}

// AppendJournal writes one journal entry.
func (s *Store) AppendJournal(ctx context.Context, e model.JournalEntry) error {
	if s.db == nil {
		return errNotOpen
	}
	at := e.RecordedAt
	if at.IsZero() {
		at = time.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO journal (kind, identity, emergency, detail, recorded_at) VALUES (?, ?, ?, ?, ?);`,
		e.Kind, nullable(e.Identity), nullable(e.Emergency), e.Detail, formatTime(at),
	); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Journal returns entries newest first.
func (s *Store) Journal(ctx context.Context, limit int) ([]model.JournalEntry, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, identity, emergency, detail, recorded_at FROM journal ORDER BY recorded_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	out := make([]model.JournalEntry, 0, limit)
	for rows.Next() {
		var (
			kind, detail, at    string
			identity, emergency sql.NullString
		)
		if err := rows.Scan(&kind, &identity, &emergency, &detail, &at); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		out = append(out, model.JournalEntry{
			Kind:       kind,
			Identity:   identity.String,
			Emergency:  emergency.String,
			Detail:     detail,
			RecordedAt: parseTime(at),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

// Prune deletes journal, detection, decode-failure and peer-alert rows older
// than before. The identity and settings are kept.
func (s *Store) Prune(ctx context.Context, before time.Time) (int64, error) {
	if s.db == nil {
		return 0, errNotOpen
	}
	cutoff := formatTime(before)
	stmts := []string{
		`DELETE FROM journal WHERE recorded_at < ?;`,
		`DELETE FROM detections WHERE detected_at < ?;`,
		`DELETE FROM decode_failures WHERE seen_at < ?;`,
		`DELETE FROM peer_alerts WHERE received_at < ?;`,
	}
	var total int64
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, cutoff)
		if err != nil {
			return total, fmt.Errorf("prune: %w", err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// SetSetting stores a key/value setting.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if s.db == nil {
		return errNotOpen
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, `+nowExpr+`)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		key, value,
	); err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// Settings returns all stored settings.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	if s.db == nil {
		return nil, errNotOpen
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM app_config;`)
	if err != nil {
		return nil, fmt.Errorf("query settings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate settings: %w", err)
	}
	return out, nil
}

func formatOrigin(id uint64) string { return fmt.Sprintf("%016x", id) }

func parseOrigin(raw string) (uint64, error) {
	v, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse origin id %q: %w", raw, err)
	}
	return v, nil
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", raw)
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
