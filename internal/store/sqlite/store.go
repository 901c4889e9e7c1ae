package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/profile"
	"github.com/opendmtp/server/internal/protocol"
	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// Store is a WAL-mode SQLite-backed implementation of model.AccountStore,
// model.DeviceStore, model.TemplateStore, and model.EventSink. It is safe
// for concurrent use.
type Store struct {
	db                *sql.DB
	profileByteLength int

	cacheMu       sync.RWMutex
	templateCache map[string]protocol.Template
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed. profileByteLength sizes the connection profiles of any device
// not yet present in the database.
func Open(path string, profileByteLength int) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serialises every call through it rather than racing for the lock.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store/sqlite: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store/sqlite: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store/sqlite: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store/sqlite: apply schema: %w", err)
	}

	if profileByteLength <= 0 {
		profileByteLength = profile.DefaultByteLength
	}

	return &Store{
		db:                db,
		profileByteLength: profileByteLength,
		templateCache:     make(map[string]protocol.Template),
	}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    active      INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS devices (
    account_id             TEXT    NOT NULL,
    device_id              TEXT    NOT NULL,
    description            TEXT    NOT NULL DEFAULT '',
    active                 INTEGER NOT NULL DEFAULT 1,
    max_total_simplex      INTEGER NOT NULL DEFAULT 0,
    max_total_duplex       INTEGER NOT NULL DEFAULT 0,
    max_per_minute_simplex INTEGER NOT NULL DEFAULT 0,
    max_per_minute_duplex  INTEGER NOT NULL DEFAULT 0,
    limit_interval_seconds INTEGER NOT NULL DEFAULT 0,
    max_allowed_events     INTEGER NOT NULL DEFAULT 0,
    profile_simplex        BLOB    NOT NULL DEFAULT (x''),
    profile_duplex         BLOB    NOT NULL DEFAULT (x''),
    last_connect_simplex   INTEGER NOT NULL DEFAULT 0,
    last_connect_duplex    INTEGER NOT NULL DEFAULT 0,
    supported_encodings    INTEGER NOT NULL DEFAULT 0,
    event_count            INTEGER NOT NULL DEFAULT 0,
    event_window_from      INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, device_id)
);
CREATE TABLE IF NOT EXISTS templates (
    account_id  TEXT    NOT NULL,
    device_id   TEXT    NOT NULL,
    custom_type INTEGER NOT NULL,
    repeat_last INTEGER NOT NULL DEFAULT 0,
    fields      TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (account_id, device_id, custom_type)
);
CREATE TABLE IF NOT EXISTS events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id  TEXT    NOT NULL,
    device_id   TEXT    NOT NULL,
    recorded_at TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    payload     TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_device
    ON events (account_id, device_id, id);
`

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Account returns the account identified by accountID.
func (s *Store) Account(ctx context.Context, accountID string) (*model.Account, error) {
	var (
		a      model.Account
		active int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, description, active FROM accounts WHERE id = ?`, accountID,
	).Scan(&a.ID, &a.Description, &active)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store/sqlite: account %q not found", accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: query account: %w", err)
	}
	a.Active = active != 0
	return &a, nil
}

// SaveAccount inserts or updates a.
func (s *Store) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, description, active) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET description = excluded.description, active = excluded.active`,
		a.ID, a.Description, boolToInt(a.Active),
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: save account: %w", err)
	}
	return nil
}

// Device returns the device identified by (accountID, deviceID), with both
// connection profiles, its event-count window, and its negotiated
// templates restored to their persisted state.
func (s *Store) Device(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	var (
		active                                int
		limits                                model.Limits
		limitIntervalSeconds                  int64
		profileSimplex, profileDuplex         []byte
		lastConnectSimplex, lastConnectDuplex int64
		supportedEncodings                    uint32
		eventCount                            int
		eventWindowFrom                       int64
		description                           string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT description, active,
		       max_total_simplex, max_total_duplex,
		       max_per_minute_simplex, max_per_minute_duplex,
		       limit_interval_seconds, max_allowed_events,
		       profile_simplex, profile_duplex,
		       last_connect_simplex, last_connect_duplex,
		       supported_encodings, event_count, event_window_from
		FROM devices WHERE account_id = ? AND device_id = ?`,
		accountID, deviceID,
	).Scan(
		&description, &active,
		&limits.MaxTotalSimplex, &limits.MaxTotalDuplex,
		&limits.MaxPerMinuteSimplex, &limits.MaxPerMinuteDuplex,
		&limitIntervalSeconds, &limits.MaxAllowedEvents,
		&profileSimplex, &profileDuplex,
		&lastConnectSimplex, &lastConnectDuplex,
		&supportedEncodings, &eventCount, &eventWindowFrom,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("store/sqlite: device %q/%q not found", accountID, deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: query device: %w", err)
	}

	limits.LimitInterval = secondsToDuration(limitIntervalSeconds)

	d := model.NewDevice(accountID, deviceID, s.profileByteLength)
	d.Description = description
	d.Active = active != 0
	d.Limits = limits
	d.SetProfile(model.Simplex, profile.FromBytes(profileSimplex, lastConnectSimplex))
	d.SetProfile(model.Duplex, profile.FromBytes(profileDuplex, lastConnectDuplex))
	d.SetEncodingBitmap(supportedEncodings)
	d.RestoreEventState(eventCount, eventWindowFrom)

	rows, err := s.db.QueryContext(ctx,
		`SELECT custom_type, repeat_last, fields FROM templates WHERE account_id = ? AND device_id = ?`,
		accountID, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/sqlite: query templates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			customType int
			repeatLast int
			fieldsText string
		)
		if err := rows.Scan(&customType, &repeatLast, &fieldsText); err != nil {
			return nil, fmt.Errorf("store/sqlite: scan template: %w", err)
		}
		fields, err := protocol.ParseFields(fieldsText)
		if err != nil {
			return nil, fmt.Errorf("store/sqlite: parse template fields: %w", err)
		}
		t := protocol.NewTemplate(byte(customType), fields, repeatLast != 0)
		d.AddTemplate(byte(customType), t)
		s.cacheTemplate(accountID, deviceID, byte(customType), t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/sqlite: template rows: %w", err)
	}

	return d, nil
}

// SaveDevice inserts or updates d's policy parameters, both connection
// profiles, its event-count window, and every template currently
// registered on it.
func (s *Store) SaveDevice(ctx context.Context, d *model.Device) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store/sqlite: begin save device: %w", err)
	}
	defer tx.Rollback()

	simplex := d.Profile(model.Simplex)
	duplex := d.Profile(model.Duplex)
	count, windowFrom := d.EventCount()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (
			account_id, device_id, description, active,
			max_total_simplex, max_total_duplex,
			max_per_minute_simplex, max_per_minute_duplex,
			limit_interval_seconds, max_allowed_events,
			profile_simplex, profile_duplex,
			last_connect_simplex, last_connect_duplex,
			supported_encodings, event_count, event_window_from
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, device_id) DO UPDATE SET
			description = excluded.description,
			active = excluded.active,
			max_total_simplex = excluded.max_total_simplex,
			max_total_duplex = excluded.max_total_duplex,
			max_per_minute_simplex = excluded.max_per_minute_simplex,
			max_per_minute_duplex = excluded.max_per_minute_duplex,
			limit_interval_seconds = excluded.limit_interval_seconds,
			max_allowed_events = excluded.max_allowed_events,
			profile_simplex = excluded.profile_simplex,
			profile_duplex = excluded.profile_duplex,
			last_connect_simplex = excluded.last_connect_simplex,
			last_connect_duplex = excluded.last_connect_duplex,
			supported_encodings = excluded.supported_encodings,
			event_count = excluded.event_count,
			event_window_from = excluded.event_window_from`,
		d.AccountID, d.DeviceID, d.Description, boolToInt(d.Active),
		d.Limits.MaxTotalSimplex, d.Limits.MaxTotalDuplex,
		d.Limits.MaxPerMinuteSimplex, d.Limits.MaxPerMinuteDuplex,
		int64(d.Limits.LimitInterval.Seconds()), d.Limits.MaxAllowedEvents,
		simplex.Bytes(), duplex.Bytes(),
		simplex.LastConnectTime(), duplex.LastConnectTime(),
		d.EncodingBitmap(), count, windowFrom,
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: save device: %w", err)
	}

	for customType, t := range d.Templates() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO templates (account_id, device_id, custom_type, repeat_last, fields)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (account_id, device_id, custom_type) DO UPDATE SET
				repeat_last = excluded.repeat_last, fields = excluded.fields`,
			d.AccountID, d.DeviceID, int(customType), boolToInt(t.RepeatLast), t.EncodeFields(),
		); err != nil {
			return fmt.Errorf("store/sqlite: save template: %w", err)
		}
		s.cacheTemplate(d.AccountID, d.DeviceID, customType, t)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store/sqlite: commit save device: %w", err)
	}
	return nil
}

func secondsToDuration(seconds int64) time.Duration {
	return time.Duration(seconds) * time.Second
}

func templateCacheKey(accountID, deviceID string, customType byte) string {
	return accountID + "/" + deviceID + "/" + strconv.Itoa(int(customType))
}

func (s *Store) cacheTemplate(accountID, deviceID string, customType byte, t protocol.Template) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.templateCache[templateCacheKey(accountID, deviceID, customType)] = t
}

// Template looks up the template negotiated for (accountID, deviceID,
// customType), consulting the process-wide cache before the database.
func (s *Store) Template(ctx context.Context, accountID, deviceID string, customType byte) (protocol.Template, bool, error) {
	key := templateCacheKey(accountID, deviceID, customType)

	s.cacheMu.RLock()
	t, ok := s.templateCache[key]
	s.cacheMu.RUnlock()
	if ok {
		return t, true, nil
	}

	var (
		repeatLast int
		fieldsText string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT repeat_last, fields FROM templates WHERE account_id = ? AND device_id = ? AND custom_type = ?`,
		accountID, deviceID, int(customType),
	).Scan(&repeatLast, &fieldsText)
	if err == sql.ErrNoRows {
		return protocol.Template{}, false, nil
	}
	if err != nil {
		return protocol.Template{}, false, fmt.Errorf("store/sqlite: query template: %w", err)
	}

	fields, err := protocol.ParseFields(fieldsText)
	if err != nil {
		return protocol.Template{}, false, fmt.Errorf("store/sqlite: parse template fields: %w", err)
	}
	t = protocol.NewTemplate(customType, fields, repeatLast != 0)
	s.cacheTemplate(accountID, deviceID, customType, t)
	return t, true, nil
}

// SaveTemplate persists t as the template for (accountID, deviceID,
// customType) and updates the process-wide cache.
func (s *Store) SaveTemplate(ctx context.Context, accountID, deviceID string, customType byte, t protocol.Template) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO templates (account_id, device_id, custom_type, repeat_last, fields)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (account_id, device_id, custom_type) DO UPDATE SET
			repeat_last = excluded.repeat_last, fields = excluded.fields`,
		accountID, deviceID, int(customType), boolToInt(t.RepeatLast), t.EncodeFields(),
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: save template: %w", err)
	}
	s.cacheTemplate(accountID, deviceID, customType, t)
	return nil
}

// InsertEvent durably stores a decoded event bound to its account/device.
func (s *Store) InsertEvent(ctx context.Context, rec model.EventRecord) error {
	payload, err := json.Marshal(rec.Event)
	if err != nil {
		return fmt.Errorf("store/sqlite: marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (account_id, device_id, payload) VALUES (?, ?, ?)`,
		rec.AccountID, rec.DeviceID, string(payload),
	)
	if err != nil {
		return fmt.Errorf("store/sqlite: insert event: %w", err)
	}
	return nil
}
