package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opendmtp/server/internal/model"
	"github.com/opendmtp/server/internal/profile"
	"github.com/opendmtp/server/internal/protocol"
)

const (
	// DefaultBatchSize is the maximum number of event rows held in memory
	// before an automatic flush is triggered.
	DefaultBatchSize = 100

	// DefaultFlushInterval is how often the background goroutine flushes
	// pending events even when the batch has not yet reached DefaultBatchSize.
	DefaultFlushInterval = 100 * time.Millisecond
)

// Store is the PostgreSQL-backed persistence layer for the DMTP server.
type Store struct {
	pool          *pgxpool.Pool
	mu            sync.Mutex
	batch         []model.EventRecord
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}

	cacheMu       sync.RWMutex
	templateCache map[string]protocol.Template
}

// New opens a pgxpool connection to connStr, pings the database, applies
// the schema, and starts the background flush goroutine.
//
// batchSize ≤ 0 is replaced with DefaultBatchSize.
// flushInterval ≤ 0 is replaced with DefaultFlushInterval.
func New(ctx context.Context, connStr string, batchSize int, flushInterval time.Duration) (*Store, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store/postgres: apply schema: %w", err)
	}

	s := &Store{
		pool:          pool,
		batchSize:     batchSize,
		batch:         make([]model.EventRecord, 0, batchSize),
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
		templateCache: make(map[string]protocol.Template),
	}
	go s.flushLoop()
	return s, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS accounts (
    id          TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    active      BOOLEAN NOT NULL DEFAULT true
);
CREATE TABLE IF NOT EXISTS devices (
    account_id             TEXT    NOT NULL,
    device_id              TEXT    NOT NULL,
    description            TEXT    NOT NULL DEFAULT '',
    active                 BOOLEAN NOT NULL DEFAULT true,
    max_total_simplex      INTEGER NOT NULL DEFAULT 0,
    max_total_duplex       INTEGER NOT NULL DEFAULT 0,
    max_per_minute_simplex INTEGER NOT NULL DEFAULT 0,
    max_per_minute_duplex  INTEGER NOT NULL DEFAULT 0,
    limit_interval_seconds BIGINT  NOT NULL DEFAULT 0,
    max_allowed_events     INTEGER NOT NULL DEFAULT 0,
    profile_simplex        BYTEA   NOT NULL DEFAULT '',
    profile_duplex         BYTEA   NOT NULL DEFAULT '',
    last_connect_simplex   BIGINT  NOT NULL DEFAULT 0,
    last_connect_duplex    BIGINT  NOT NULL DEFAULT 0,
    supported_encodings    BIGINT  NOT NULL DEFAULT 0,
    event_count            INTEGER NOT NULL DEFAULT 0,
    event_window_from      BIGINT  NOT NULL DEFAULT 0,
    PRIMARY KEY (account_id, device_id)
);
CREATE TABLE IF NOT EXISTS templates (
    account_id  TEXT    NOT NULL,
    device_id   TEXT    NOT NULL,
    custom_type INTEGER NOT NULL,
    repeat_last BOOLEAN NOT NULL DEFAULT false,
    fields      TEXT    NOT NULL DEFAULT '',
    PRIMARY KEY (account_id, device_id, custom_type)
);
CREATE TABLE IF NOT EXISTS events (
    id          BIGSERIAL PRIMARY KEY,
    account_id  TEXT        NOT NULL,
    device_id   TEXT        NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    payload     JSONB       NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_device
    ON events (account_id, device_id, id);
`

// Close stops the background flush goroutine, flushes any remaining
// buffered events, and closes the connection pool. It is safe to call
// Close more than once; subsequent calls are no-ops.
func (s *Store) Close(ctx context.Context) {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
		<-s.doneCh
		_ = s.Flush(ctx)
	}
	s.pool.Close()
}

func (s *Store) flushLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			_ = s.Flush(context.Background())
		}
	}
}

// InsertEvent enqueues rec for deferred batch insertion. If the internal
// buffer reaches batchSize after appending, Flush is called synchronously
// before returning so the caller observes back-pressure rather than
// unbounded memory growth.
func (s *Store) InsertEvent(ctx context.Context, rec model.EventRecord) error {
	s.mu.Lock()
	s.batch = append(s.batch, rec)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.Flush(ctx)
	}
	return nil
}

// Flush drains the current event buffer and sends all rows to PostgreSQL
// in a single pgx.Batch round trip. Flush is safe to call concurrently: a
// mutex swap ensures each call drains a distinct snapshot of the buffer.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	toInsert := s.batch
	s.batch = make([]model.EventRecord, 0, s.batchSize)
	s.mu.Unlock()

	const query = `
		INSERT INTO events (account_id, device_id, payload)
		VALUES ($1, $2, $3)`

	b := &pgx.Batch{}
	for i := range toInsert {
		rec := &toInsert[i]
		payload, err := json.Marshal(rec.Event)
		if err != nil {
			return fmt.Errorf("store/postgres: marshal event: %w", err)
		}
		b.Queue(query, rec.AccountID, rec.DeviceID, payload)
	}

	br := s.pool.SendBatch(ctx, b)
	defer br.Close()

	for range toInsert {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("store/postgres: batch exec event: %w", err)
		}
	}
	return nil
}

// EventQuery carries the filter and pagination parameters for QueryEvents.
type EventQuery struct {
	AccountID string
	DeviceID  string
	From      time.Time
	To        time.Time
	Limit     int
	Offset    int
}

// QueryEvents returns paginated events for accountID/deviceID within
// [q.From, q.To), most recent first, for the admin REST API's device
// history view. q.Limit defaults to 100 when ≤ 0.
func (s *Store) QueryEvents(ctx context.Context, q EventQuery) ([]model.EventRecord, error) {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT account_id, device_id, payload
		FROM   events
		WHERE  account_id = $1 AND device_id = $2
		       AND recorded_at >= $3 AND recorded_at < $4
		ORDER  BY id DESC
		LIMIT  $5 OFFSET $6`,
		q.AccountID, q.DeviceID, q.From, q.To, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: query events: %w", err)
	}
	defer rows.Close()

	var recs []model.EventRecord
	for rows.Next() {
		var rec model.EventRecord
		var payload []byte
		if err := rows.Scan(&rec.AccountID, &rec.DeviceID, &payload); err != nil {
			return nil, fmt.Errorf("store/postgres: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Event); err != nil {
			return nil, fmt.Errorf("store/postgres: unmarshal event: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Account returns the account identified by accountID.
func (s *Store) Account(ctx context.Context, accountID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, description, active FROM accounts WHERE id = $1`, accountID,
	).Scan(&a.ID, &a.Description, &a.Active)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get account %s: %w", accountID, err)
	}
	return &a, nil
}

// SaveAccount inserts or updates a.
func (s *Store) SaveAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, description, active) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET description = EXCLUDED.description, active = EXCLUDED.active`,
		a.ID, a.Description, a.Active,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: save account %s: %w", a.ID, err)
	}
	return nil
}

// Device returns the device identified by (accountID, deviceID), with both
// connection profiles, its event-count window, and its negotiated
// templates restored to their persisted state.
func (s *Store) Device(ctx context.Context, accountID, deviceID string) (*model.Device, error) {
	var (
		description            string
		active                 bool
		limits                 model.Limits
		limitIntervalSeconds   int64
		profileSimplex         []byte
		profileDuplex          []byte
		lastConnectSimplex     int64
		lastConnectDuplex      int64
		supportedEncodings     int64
		eventCount             int
		eventWindowFrom        int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT description, active,
		       max_total_simplex, max_total_duplex,
		       max_per_minute_simplex, max_per_minute_duplex,
		       limit_interval_seconds, max_allowed_events,
		       profile_simplex, profile_duplex,
		       last_connect_simplex, last_connect_duplex,
		       supported_encodings, event_count, event_window_from
		FROM devices WHERE account_id = $1 AND device_id = $2`,
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
	if err != nil {
		return nil, fmt.Errorf("store/postgres: get device %s/%s: %w", accountID, deviceID, err)
	}

	limits.LimitInterval = time.Duration(limitIntervalSeconds) * time.Second
	profileByteLength := len(profileSimplex)
	if profileByteLength == 0 {
		profileByteLength = profile.DefaultByteLength
	}

	d := model.NewDevice(accountID, deviceID, profileByteLength)
	d.Description = description
	d.Active = active
	d.Limits = limits
	d.SetProfile(model.Simplex, profile.FromBytes(profileSimplex, lastConnectSimplex))
	d.SetProfile(model.Duplex, profile.FromBytes(profileDuplex, lastConnectDuplex))
	d.SetEncodingBitmap(uint32(supportedEncodings))
	d.RestoreEventState(eventCount, eventWindowFrom)

	rows, err := s.pool.Query(ctx,
		`SELECT custom_type, repeat_last, fields FROM templates WHERE account_id = $1 AND device_id = $2`,
		accountID, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("store/postgres: query templates: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			customType int
			repeatLast bool
			fieldsText string
		)
		if err := rows.Scan(&customType, &repeatLast, &fieldsText); err != nil {
			return nil, fmt.Errorf("store/postgres: scan template: %w", err)
		}
		fields, err := protocol.ParseFields(fieldsText)
		if err != nil {
			return nil, fmt.Errorf("store/postgres: parse template fields: %w", err)
		}
		t := protocol.NewTemplate(byte(customType), fields, repeatLast)
		d.AddTemplate(byte(customType), t)
		s.cacheTemplate(accountID, deviceID, byte(customType), t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store/postgres: template rows: %w", err)
	}

	return d, nil
}

// SaveDevice inserts or updates d's policy parameters, both connection
// profiles, its event-count window, and every template currently
// registered on it, in a single transaction.
func (s *Store) SaveDevice(ctx context.Context, d *model.Device) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store/postgres: begin save device: %w", err)
	}
	defer tx.Rollback(ctx)

	simplex := d.Profile(model.Simplex)
	duplex := d.Profile(model.Duplex)
	count, windowFrom := d.EventCount()

	_, err = tx.Exec(ctx, `
		INSERT INTO devices (
			account_id, device_id, description, active,
			max_total_simplex, max_total_duplex,
			max_per_minute_simplex, max_per_minute_duplex,
			limit_interval_seconds, max_allowed_events,
			profile_simplex, profile_duplex,
			last_connect_simplex, last_connect_duplex,
			supported_encodings, event_count, event_window_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (account_id, device_id) DO UPDATE SET
			description = EXCLUDED.description,
			active = EXCLUDED.active,
			max_total_simplex = EXCLUDED.max_total_simplex,
			max_total_duplex = EXCLUDED.max_total_duplex,
			max_per_minute_simplex = EXCLUDED.max_per_minute_simplex,
			max_per_minute_duplex = EXCLUDED.max_per_minute_duplex,
			limit_interval_seconds = EXCLUDED.limit_interval_seconds,
			max_allowed_events = EXCLUDED.max_allowed_events,
			profile_simplex = EXCLUDED.profile_simplex,
			profile_duplex = EXCLUDED.profile_duplex,
			last_connect_simplex = EXCLUDED.last_connect_simplex,
			last_connect_duplex = EXCLUDED.last_connect_duplex,
			supported_encodings = EXCLUDED.supported_encodings,
			event_count = EXCLUDED.event_count,
			event_window_from = EXCLUDED.event_window_from`,
		d.AccountID, d.DeviceID, d.Description, d.Active,
		d.Limits.MaxTotalSimplex, d.Limits.MaxTotalDuplex,
		d.Limits.MaxPerMinuteSimplex, d.Limits.MaxPerMinuteDuplex,
		int64(d.Limits.LimitInterval.Seconds()), d.Limits.MaxAllowedEvents,
		simplex.Bytes(), duplex.Bytes(),
		simplex.LastConnectTime(), duplex.LastConnectTime(),
		int64(d.EncodingBitmap()), count, windowFrom,
	)
	if err != nil {
		return fmt.Errorf("store/postgres: save device %s/%s: %w", d.AccountID, d.DeviceID, err)
	}

	for customType, t := range d.Templates() {
		if _, err := tx.Exec(ctx, `
			INSERT INTO templates (account_id, device_id, custom_type, repeat_last, fields)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (account_id, device_id, custom_type) DO UPDATE SET
				repeat_last = EXCLUDED.repeat_last, fields = EXCLUDED.fields`,
			d.AccountID, d.DeviceID, int(customType), t.RepeatLast, t.EncodeFields(),
		); err != nil {
			return fmt.Errorf("store/postgres: save template: %w", err)
		}
		s.cacheTemplate(d.AccountID, d.DeviceID, customType, t)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store/postgres: commit save device: %w", err)
	}
	return nil
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
		repeatLast bool
		fieldsText string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT repeat_last, fields FROM templates WHERE account_id = $1 AND device_id = $2 AND custom_type = $3`,
		accountID, deviceID, int(customType),
	).Scan(&repeatLast, &fieldsText)
	if err == pgx.ErrNoRows {
		return protocol.Template{}, false, nil
	}
	if err != nil {
		return protocol.Template{}, false, fmt.Errorf("store/postgres: query template: %w", err)
	}

	fields, err := protocol.ParseFields(fieldsText)
	if err != nil {
		return protocol.Template{}, false, fmt.Errorf("store/postgres: parse template fields: %w", err)
	}
	t = protocol.NewTemplate(customType, fields, repeatLast)
	s.cacheTemplate(accountID, deviceID, customType, t)
	return t, true, nil
}

// SaveTemplate persists t as the template for (accountID, deviceID,
// customType) and updates the process-wide cache.
func (s *Store) SaveTemplate(ctx context.Context, accountID, deviceID string, customType byte, t protocol.Template) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO templates (account_id, device_id, custom_type, repeat_last, fields)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id, device_id, custom_type) DO UPDATE SET
			repeat_last = EXCLUDED.repeat_last, fields = EXCLUDED.fields`,
		accountID, deviceID, int(customType), t.RepeatLast, t.EncodeFields(),
	)
	if err != nil {
		return fmt.Errorf("store/postgres: save template: %w", err)
	}
	s.cacheTemplate(accountID, deviceID, customType, t)
	return nil
}
