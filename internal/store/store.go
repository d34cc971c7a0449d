// Package store implements the durable state of the coordinator: lease
// rows, host address overrides, and a small key/value table, all backed by
// SQLite through the pure-Go modernc.org/sqlite driver.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

// Source names a lease holder. WebInterface is the one built-in source;
// any other value names a registered client.
const WebInterface = "WebInterface"

// Store is the durable backing for leases, overrides, and settings.
type Store struct {
	db *sql.DB
}

// Config tunes the underlying SQLite connection.
type Config struct {
	BusyTimeout time.Duration
}

// DefaultConfig returns sane defaults for a single-writer coordinator.
func DefaultConfig() Config {
	return Config{BusyTimeout: 5 * time.Second}
}

// Open opens (creating if necessary) the SQLite database at path, applying
// write-ahead logging, a busy timeout, and incremental auto-vacuum, then
// runs migrations.
func Open(path string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=auto_vacuum(INCREMENTAL)",
		path, cfg.BusyTimeout.Milliseconds(),
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// Lease mutations are serialized per host by the lease manager; the pool
	// allows up to eight connections so snapshot readers run alongside
	// writes under WAL, and concurrent writers wait on the busy timeout.
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version >= schemaVersion {
		return nil
	}

	const schema = `
	CREATE TABLE IF NOT EXISTS web_interface_leases (
		hostname   TEXT PRIMARY KEY,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS client_leases (
		hostname   TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (hostname, client_id)
	);

	CREATE TABLE IF NOT EXISTS host_ip_overrides (
		hostname TEXT PRIMARY KEY,
		ip       TEXT NOT NULL,
		port     INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS kv_store (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// TakeWeb idempotently grants the web-interface lease on host.
func (s *Store) TakeWeb(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO web_interface_leases (hostname, created_at) VALUES (?, ?)
		 ON CONFLICT(hostname) DO NOTHING`,
		host, time.Now().UTC().Unix(),
	)
	return err
}

// ReleaseWeb idempotently revokes the web-interface lease on host.
func (s *Store) ReleaseWeb(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM web_interface_leases WHERE hostname = ?`, host)
	return err
}

// TakeClient idempotently grants client's lease on host.
func (s *Store) TakeClient(ctx context.Context, host, client string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO client_leases (hostname, client_id, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(hostname, client_id) DO NOTHING`,
		host, client, time.Now().UTC().Unix(),
	)
	return err
}

// ReleaseClient idempotently revokes client's lease on host.
func (s *Store) ReleaseClient(ctx context.Context, host, client string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM client_leases WHERE hostname = ? AND client_id = ?`, host, client)
	return err
}

// ResetClient deletes every lease held by client and returns the hosts it
// held a lease on, transactionally.
func (s *Store) ResetClient(ctx context.Context, client string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT hostname FROM client_leases WHERE client_id = ?`, client)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, err
		}
		hosts = append(hosts, h)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM client_leases WHERE client_id = ?`, client); err != nil {
		return nil, err
	}
	return hosts, tx.Commit()
}

// LeaseSnapshot is the set of lease sources currently held on a host.
type LeaseSnapshot map[string][]string

// SnapshotLeases returns every host's current lease set in one consistent
// read.
func (s *Store) SnapshotLeases(ctx context.Context) (LeaseSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	snap := make(LeaseSnapshot)

	webRows, err := tx.QueryContext(ctx, `SELECT hostname FROM web_interface_leases`)
	if err != nil {
		return nil, err
	}
	for webRows.Next() {
		var h string
		if err := webRows.Scan(&h); err != nil {
			webRows.Close()
			return nil, err
		}
		snap[h] = append(snap[h], WebInterface)
	}
	webRows.Close()

	clientRows, err := tx.QueryContext(ctx, `SELECT hostname, client_id FROM client_leases`)
	if err != nil {
		return nil, err
	}
	for clientRows.Next() {
		var h, c string
		if err := clientRows.Scan(&h, &c); err != nil {
			clientRows.Close()
			return nil, err
		}
		snap[h] = append(snap[h], c)
	}
	clientRows.Close()

	return snap, tx.Commit()
}

// LeasesForHost returns the current lease sources for a single host.
func (s *Store) LeasesForHost(ctx context.Context, host string) ([]string, error) {
	var sources []string

	var webHolder sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT hostname FROM web_interface_leases WHERE hostname = ?`, host,
	).Scan(&webHolder)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		sources = append(sources, WebInterface)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT client_id FROM client_leases WHERE hostname = ?`, host)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		sources = append(sources, c)
	}
	return sources, rows.Err()
}

// Override is a host's runtime-announced address.
type Override struct {
	IP   string
	Port int
}

// SetOverride records (or replaces) host's announced address.
func (s *Store) SetOverride(ctx context.Context, host, ip string, port int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO host_ip_overrides (hostname, ip, port) VALUES (?, ?, ?)
		 ON CONFLICT(hostname) DO UPDATE SET ip = excluded.ip, port = excluded.port`,
		host, ip, port,
	)
	return err
}

// ClearOverride removes host's announced address, if any.
func (s *Store) ClearOverride(ctx context.Context, host string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM host_ip_overrides WHERE hostname = ?`, host)
	return err
}

// Overrides returns every currently recorded address override.
func (s *Store) Overrides(ctx context.Context) (map[string]Override, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT hostname, ip, port FROM host_ip_overrides`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Override)
	for rows.Next() {
		var h string
		var o Override
		if err := rows.Scan(&h, &o.IP, &o.Port); err != nil {
			return nil, err
		}
		out[h] = o
	}
	return out, rows.Err()
}

// PurgeHost transactionally removes all leases and the override for a host
// that has left the configuration.
func (s *Store) PurgeHost(ctx context.Context, host string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM web_interface_leases WHERE hostname = ?`, host); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM client_leases WHERE hostname = ?`, host); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM host_ip_overrides WHERE hostname = ?`, host); err != nil {
		return err
	}
	return tx.Commit()
}

// KVGet reads a key from the small settings table.
func (s *Store) KVGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// KVPut writes or replaces a key in the settings table.
func (s *Store) KVPut(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_store (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}
