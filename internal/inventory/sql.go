package inventory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tinkerbelle-io/tb-speakerd/internal/capability"
)

// SQLStore persists the inventory in SQLite or PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		key_kind TEXT NOT NULL,
		token TEXT NOT NULL DEFAULT '',
		mac TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		manufacturer TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		control_port INTEGER NOT NULL DEFAULT 0,
		firmware TEXT NOT NULL DEFAULT '',
		capabilities TEXT NOT NULL DEFAULT '{}',
		revision BIGINT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_devices_mac ON devices(mac)`,
	`CREATE TABLE IF NOT EXISTS presets (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		slot INTEGER NOT NULL,
		stream_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		artwork_url TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		PRIMARY KEY (device_id, slot)
	)`,
}

// NewSQLStore opens dsn with driver ("sqlite3" or "pgx") and applies the
// schema. For SQLite, ":memory:" gives a private in-memory database.
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	if driver == "sqlite3" {
		dsn = sqliteDSN(dsn)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if driver == "sqlite3" {
		// one writer at a time; also keeps :memory: on a single connection
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func sqliteDSN(dsn string) string {
	params := "_foreign_keys=on&_busy_timeout=5000"
	if dsn != ":memory:" && !strings.Contains(dsn, "mode=memory") {
		params += "&_journal_mode=WAL"
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&" + params
	}
	return dsn + "?" + params
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "pgx" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Close() error { return s.db.Close() }

const deviceColumns = `id, key_kind, token, mac, model, manufacturer, name, address, control_port,
	firmware, capabilities, revision, first_seen, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d    Device
		caps string
	)
	err := row.Scan(&d.ID, &d.KeyKind, &d.Token, &d.MAC, &d.Model, &d.Manufacturer,
		&d.Name, &d.Address, &d.ControlPort, &d.Firmware, &caps, &d.Revision, &d.FirstSeen, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if caps != "" && caps != "{}" {
		d.Capabilities = make(capability.Set)
		if err := json.Unmarshal([]byte(caps), &d.Capabilities); err != nil {
			return nil, fmt.Errorf("device %s: decode capabilities: %w", d.ID, err)
		}
	}
	d.FirstSeen = d.FirstSeen.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (s *SQLStore) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE id = ?`), id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device %s: %w", id, err)
	}
	return d, nil
}

func (s *SQLStore) FindDeviceByMAC(ctx context.Context, mac string) (*Device, error) {
	if mac == "" {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+deviceColumns+` FROM devices WHERE mac = ? ORDER BY first_seen, id LIMIT 1`), mac)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find device by mac %s: %w", mac, err)
	}
	return d, nil
}

func (s *SQLStore) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLStore) PutDevice(ctx context.Context, d *Device, expected int64) error {
	caps := []byte("{}")
	if len(d.Capabilities) > 0 {
		var err error
		if caps, err = json.Marshal(d.Capabilities); err != nil {
			return fmt.Errorf("encode capabilities: %w", err)
		}
	}

	var (
		res sql.Result
		err error
	)
	if expected == 0 {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO devices (`+deviceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT (id) DO NOTHING`),
			d.ID, d.KeyKind, d.Token, d.MAC, d.Model, d.Manufacturer, d.Name, d.Address,
			d.ControlPort, d.Firmware, string(caps), d.FirstSeen.UTC(), d.UpdatedAt.UTC())
	} else {
		res, err = s.db.ExecContext(ctx, s.rebind(`
			UPDATE devices SET key_kind = ?, token = ?, mac = ?, model = ?, manufacturer = ?,
				name = ?, address = ?, control_port = ?, firmware = ?, capabilities = ?,
				updated_at = ?, revision = revision + 1
			WHERE id = ? AND revision = ?`),
			d.KeyKind, d.Token, d.MAC, d.Model, d.Manufacturer, d.Name, d.Address,
			d.ControlPort, d.Firmware, string(caps), d.UpdatedAt.UTC(), d.ID, expected)
	}
	if err != nil {
		return fmt.Errorf("put device %s: %w", d.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put device %s: %w", d.ID, err)
	}
	if n == 0 {
		if expected == 0 {
			return ErrConflict
		}
		if _, err := s.GetDevice(ctx, d.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	d.Revision = expected + 1
	return nil
}

func (s *SQLStore) DeleteDevice(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM presets WHERE device_id = ?`), id); err != nil {
		return fmt.Errorf("delete presets of %s: %w", id, err)
	}
	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM devices WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete device %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

const presetColumns = `device_id, slot, stream_id, name, url, artwork_url, updated_at`

func scanPreset(row rowScanner) (*Preset, error) {
	var p Preset
	if err := row.Scan(&p.DeviceID, &p.Slot, &p.StreamID, &p.Name, &p.URL, &p.ArtworkURL, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

func (s *SQLStore) GetPreset(ctx context.Context, deviceID string, slot int) (*Preset, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+presetColumns+` FROM presets WHERE device_id = ? AND slot = ?`), deviceID, slot)
	p, err := scanPreset(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preset %s/%d: %w", deviceID, slot, err)
	}
	return p, nil
}

func (s *SQLStore) ListPresets(ctx context.Context, deviceID string) ([]Preset, error) {
	if _, err := s.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT `+presetColumns+` FROM presets WHERE device_id = ? ORDER BY slot`), deviceID)
	if err != nil {
		return nil, fmt.Errorf("list presets %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []Preset
	for rows.Next() {
		p, err := scanPreset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// PutPreset replaces the slot in a single upsert statement.
func (s *SQLStore) PutPreset(ctx context.Context, p *Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put preset: %w", err)
	}
	defer tx.Rollback()

	var one int
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM devices WHERE id = ?`), p.DeviceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("put preset: %w", err)
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO presets (`+presetColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (device_id, slot) DO UPDATE SET
			stream_id = excluded.stream_id,
			name = excluded.name,
			url = excluded.url,
			artwork_url = excluded.artwork_url,
			updated_at = excluded.updated_at`),
		p.DeviceID, p.Slot, p.StreamID, p.Name, p.URL, p.ArtworkURL, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("put preset %s/%d: %w", p.DeviceID, p.Slot, err)
	}
	return tx.Commit()
}

func (s *SQLStore) DeletePreset(ctx context.Context, deviceID string, slot int) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM presets WHERE device_id = ? AND slot = ?`), deviceID, slot)
	if err != nil {
		return fmt.Errorf("delete preset %s/%d: %w", deviceID, slot, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
