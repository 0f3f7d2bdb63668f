package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cache_partitions (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS cache_entries (
	partition TEXT NOT NULL REFERENCES cache_partitions(name) ON DELETE CASCADE,
	key       TEXT NOT NULL,
	status    INTEGER NOT NULL,
	header    BLOB,
	body      BLOB,
	stored_at INTEGER NOT NULL,
	PRIMARY KEY (partition, key)
);`

// SQLiteStore keeps partitions in a SQLite database so they survive
// restarts. Headers are CBOR encoded and bodies zstd compressed.
type SQLiteStore struct {
	db  *sql.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time
}

// NewSQLiteStore creates the cache tables in db if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create cache tables: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &SQLiteStore{db: db, enc: enc, dec: dec, now: time.Now}, nil
}

// Close releases the compression state. The database stays open.
func (s *SQLiteStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// Open returns the named partition, creating it if needed.
func (s *SQLiteStore) Open(ctx context.Context, name string) (Partition, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO cache_partitions (name) VALUES (?)`, name); err != nil {
		return nil, fmt.Errorf("create partition %q: %w", name, err)
	}
	return &sqlitePartition{store: s, name: name}, nil
}

// Get returns the named partition if it exists.
func (s *SQLiteStore) Get(ctx context.Context, name string) (Partition, bool, error) {
	ok, err := s.Has(ctx, name)
	if err != nil || !ok {
		return nil, false, err
	}
	return &sqlitePartition{store: s, name: name}, true, nil
}

// Has reports whether the named partition exists.
func (s *SQLiteStore) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_partitions WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup partition %q: %w", name, err)
	}
	return n > 0, nil
}

// Keys lists partition names in creation order.
func (s *SQLiteStore) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, `SELECT name FROM cache_partitions ORDER BY rowid`)
}

// Delete removes a partition; its entries go with it.
func (s *SQLiteStore) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_partitions WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete partition %q: %w", name, err)
	}
	return n > 0, nil
}

type sqlitePartition struct {
	store *SQLiteStore
	name  string
}

func (p *sqlitePartition) Name() string { return p.name }

func (p *sqlitePartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	var (
		status   int
		header   []byte
		body     []byte
		storedAt int64
	)
	err := p.store.db.QueryRowContext(ctx,
		`SELECT status, header, body, stored_at FROM cache_entries WHERE partition = ? AND key = ?`,
		p.name, key,
	).Scan(&status, &header, &body, &storedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("select %q: %w", key, err)
	}

	entry := &Entry{Status: status, StoredAt: time.Unix(0, storedAt)}
	if len(header) > 0 {
		var h map[string][]string
		if err := cbor.Unmarshal(header, &h); err != nil {
			return nil, false, fmt.Errorf("decode header of %q: %w", key, err)
		}
		entry.Header = http.Header(h)
	}
	if len(body) > 0 {
		entry.Body, err = p.store.dec.DecodeAll(body, nil)
		if err != nil {
			return nil, false, fmt.Errorf("decompress body of %q: %w", key, err)
		}
	}
	return entry, true, nil
}

func (p *sqlitePartition) Put(ctx context.Context, key string, entry Entry) error {
	header, err := cbor.Marshal(map[string][]string(entry.Header))
	if err != nil {
		return fmt.Errorf("encode header of %q: %w", key, err)
	}
	body := p.store.enc.EncodeAll(entry.Body, nil)
	storedAt := entry.StoredAt
	if storedAt.IsZero() {
		storedAt = p.store.now()
	}

	_, err = p.store.db.ExecContext(ctx, `
		INSERT INTO cache_entries (partition, key, status, header, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (partition, key) DO UPDATE SET
			status = excluded.status,
			header = excluded.header,
			body = excluded.body,
			stored_at = excluded.stored_at`,
		p.name, key, entry.Status, header, body, storedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("put %q in %q: %w", key, p.name, err)
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	res, err := p.store.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE partition = ? AND key = ?`, p.name, key)
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, p.store.db, `SELECT key FROM cache_entries WHERE partition = ? ORDER BY rowid`, p.name)
}

func (p *sqlitePartition) Len(ctx context.Context) (int, error) {
	var n int
	err := p.store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries WHERE partition = ?`, p.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %q: %w", p.name, err)
	}
	return n, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
