package infra

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Ensure sqlcipher driver is registered.
	_ "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

const (
	prefsDBName   = "prefs.db"
	schemaVersion = "1"
)

// EncryptedPrefs implements domain.PrefStore and domain.LifecycleSink on a
// SQLCipher encrypted SQLite database. Writes made through this process are
// delivered to subscribers; a lagging subscriber may see notifications
// coalesced.
type EncryptedPrefs struct {
	db     *sql.DB
	dbPath string

	mu          sync.Mutex
	subscribers map[chan string]struct{}
}

// NewEncryptedPrefs opens (or creates) the encrypted preference database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedPrefs(dataDir string, key []byte) (*EncryptedPrefs, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, prefsDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// A wrong key only surfaces on the first real query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	p := &EncryptedPrefs{
		db:          db,
		dbPath:      dbPath,
		subscribers: make(map[chan string]struct{}),
	}
	if err := p.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return p, nil
}

func (p *EncryptedPrefs) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS prefs (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lifecycle_journal (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		kind TEXT NOT NULL,
		package_id TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := p.db.Exec(schema); err != nil {
		return err
	}
	_, err := p.db.Exec(`INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)`, schemaVersion)
	return err
}

// --- domain.PrefStore implementation ---

// Get returns the value stored under key.
func (p *EncryptedPrefs) Get(key string) (string, bool, error) {
	var value string
	err := p.db.QueryRow(`SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value under key and notifies subscribers when it changed.
func (p *EncryptedPrefs) Set(key, value string) error {
	result, err := p.db.Exec(`
		INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		WHERE prefs.value != excluded.value`,
		key, value, time.Now().Unix(),
	)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows > 0 {
		p.notify(key)
	}
	return nil
}

// All returns every key with its value.
func (p *EncryptedPrefs) All() (map[string]string, error) {
	rows, err := p.db.Query(`SELECT key, value FROM prefs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Subscribe emits keys written through Set until ctx is done.
func (p *EncryptedPrefs) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 16)
	p.mu.Lock()
	p.subscribers[ch] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subscribers, ch)
		close(ch)
		p.mu.Unlock()
	}()
	return ch, nil
}

func (p *EncryptedPrefs) notify(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ch := range p.subscribers {
		select {
		case ch <- key:
		default:
		}
	}
}

// --- domain.LifecycleSink implementation ---

// Publish appends ev to the lifecycle journal.
func (p *EncryptedPrefs) Publish(ev domain.LifecycleEvent) error {
	_, err := p.db.Exec(`INSERT INTO lifecycle_journal (kind, package_id, timestamp_ms) VALUES (?, ?, ?)`,
		string(ev.Kind), ev.PackageID, ev.TimestampMillis)
	return err
}

// Journal returns up to limit most recent lifecycle events, oldest first.
func (p *EncryptedPrefs) Journal(limit int) ([]domain.LifecycleEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.Query(`
		SELECT kind, package_id, timestamp_ms FROM (
			SELECT id, kind, package_id, timestamp_ms FROM lifecycle_journal ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LifecycleEvent
	for rows.Next() {
		var ev domain.LifecycleEvent
		var kind string
		if err := rows.Scan(&kind, &ev.PackageID, &ev.TimestampMillis); err != nil {
			return nil, err
		}
		ev.Kind = domain.LifecycleKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Path returns the database file path.
func (p *EncryptedPrefs) Path() string {
	return p.dbPath
}

// Close releases the database connection.
func (p *EncryptedPrefs) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// Ensure EncryptedPrefs implements both interfaces.
var _ domain.PrefStore = (*EncryptedPrefs)(nil)
var _ domain.LifecycleSink = (*EncryptedPrefs)(nil)
