package keylock

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is the durable metadata store: one row per logical key, one row per
// wrapped-DEK version. It holds ciphertext only; plaintext DEKs never reach
// the store. Implementations must make ImportKeys all-or-nothing.
type Store interface {
	// InsertKey atomically records a new key and its first wrapped version.
	InsertKey(ctx context.Context, md *KeyMetadata, wrapped *WrappedDEK) error

	// GetMetadata returns the metadata for a key id, ErrKeyNotFound if the
	// id was never created.
	GetMetadata(ctx context.Context, keyID string) (*KeyMetadata, error)

	// ListKeys returns metadata for every key, destroyed ones included.
	ListKeys(ctx context.Context) ([]*KeyMetadata, error)

	// GetWrapped returns one wrapped version, ErrKeyNotFound if absent.
	GetWrapped(ctx context.Context, keyID string, version int) (*WrappedDEK, error)

	// ListWrapped returns every stored version of a key, oldest first.
	ListWrapped(ctx context.Context, keyID string) ([]*WrappedDEK, error)

	// AddPendingVersion records a freshly wrapped version with status
	// rotating, without touching the current active pointer.
	AddPendingVersion(ctx context.Context, wrapped *WrappedDEK) error

	// PendingVersion returns the uncommitted rotating version for a key, or
	// (nil, nil) when there is none.
	PendingVersion(ctx context.Context, keyID string) (*WrappedDEK, error)

	// PromoteVersion commits a rotation: retires the current active
	// version, marks the pending version active and advances the key's
	// active pointer and last-rotated timestamp, all in one transaction.
	PromoteVersion(ctx context.Context, keyID string, version int, rotatedAt time.Time) error

	// DiscardPendingVersion drops an orphaned rotating version.
	DiscardPendingVersion(ctx context.Context, keyID string, version int) error

	// IncrementAccessCount adds delta to the key's access counter.
	IncrementAccessCount(ctx context.Context, keyID string, delta int64) error

	// DestroyKey deletes all wrapped versions of a key and marks its
	// metadata destroyed. Irreversible.
	DestroyKey(ctx context.Context, keyID string) error

	// ImportKeys inserts keys and versions in a single transaction; on any
	// failure the store is left byte-for-byte unchanged.
	ImportKeys(ctx context.Context, keys []*KeyMetadata, versions []*WrappedDEK) error

	Close() error
}

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the metadata database at the
// given path and ensures the schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create metadata directory %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open key metadata database at %q: %w", path, err)
	}
	// sqlite allows one writer; serialize through a single connection to
	// avoid SQLITE_BUSY under concurrent manager operations.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS keys (
			key_id          TEXT PRIMARY KEY,
			purpose         TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL,
			active_version  INTEGER NOT NULL,
			created_at      TIMESTAMP NOT NULL,
			last_rotated_at TIMESTAMP NOT NULL,
			rotation_period INTEGER NOT NULL,
			access_count    INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS key_versions (
			key_id      TEXT NOT NULL,
			version     INTEGER NOT NULL,
			kek_id      TEXT NOT NULL,
			wrapped_dek BLOB NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL,
			PRIMARY KEY (key_id, version)
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create key metadata schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) InsertKey(ctx context.Context, md *KeyMetadata, wrapped *WrappedDEK) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO keys (key_id, purpose, description, status, active_version, created_at, last_rotated_at, rotation_period, access_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, md.KeyID, string(md.Purpose), md.Description, string(md.Status), md.ActiveVersion,
		md.CreatedAt, md.LastRotatedAt, int64(md.RotationPeriod/time.Second), md.AccessCount)
	if err != nil {
		return fmt.Errorf("failed to insert key %q: %w", md.KeyID, err)
	}

	if err := insertVersion(ctx, tx, wrapped); err != nil {
		return err
	}
	return tx.Commit()
}

func insertVersion(ctx context.Context, tx *sql.Tx, w *WrappedDEK) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO key_versions (key_id, version, kek_id, wrapped_dek, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.KeyID, w.Version, w.KEKID, w.Ciphertext, string(w.Status), w.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert key version %q v%d: %w", w.KeyID, w.Version, err)
	}
	return nil
}

func (s *SQLiteStore) GetMetadata(ctx context.Context, keyID string) (*KeyMetadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, purpose, description, status, active_version, created_at, last_rotated_at, rotation_period, access_count
		FROM keys WHERE key_id = ?
	`, keyID)
	return scanMetadata(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*KeyMetadata, error) {
	var md KeyMetadata
	var purpose, status string
	var rotationSeconds int64
	err := row.Scan(&md.KeyID, &purpose, &md.Description, &status, &md.ActiveVersion,
		&md.CreatedAt, &md.LastRotatedAt, &rotationSeconds, &md.AccessCount)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan key metadata: %w", err)
	}
	md.Purpose = KeyPurpose(purpose)
	md.Status = KeyStatus(status)
	md.RotationPeriod = time.Duration(rotationSeconds) * time.Second
	return &md, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]*KeyMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, purpose, description, status, active_version, created_at, last_rotated_at, rotation_period, access_count
		FROM keys ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	defer rows.Close()

	var out []*KeyMetadata
	for rows.Next() {
		md, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetWrapped(ctx context.Context, keyID string, version int) (*WrappedDEK, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, version, kek_id, wrapped_dek, status, created_at
		FROM key_versions WHERE key_id = ? AND version = ?
	`, keyID, version)
	return scanWrapped(row)
}

func scanWrapped(row rowScanner) (*WrappedDEK, error) {
	var w WrappedDEK
	var status string
	err := row.Scan(&w.KeyID, &w.Version, &w.KEKID, &w.Ciphertext, &status, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan wrapped DEK: %w", err)
	}
	w.Status = KeyStatus(status)
	return &w, nil
}

func (s *SQLiteStore) ListWrapped(ctx context.Context, keyID string) ([]*WrappedDEK, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key_id, version, kek_id, wrapped_dek, status, created_at
		FROM key_versions WHERE key_id = ? ORDER BY version
	`, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions for key %q: %w", keyID, err)
	}
	defer rows.Close()

	var out []*WrappedDEK
	for rows.Next() {
		w, err := scanWrapped(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddPendingVersion(ctx context.Context, wrapped *WrappedDEK) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := insertVersion(ctx, tx, wrapped); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PendingVersion(ctx context.Context, keyID string) (*WrappedDEK, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key_id, version, kek_id, wrapped_dek, status, created_at
		FROM key_versions WHERE key_id = ? AND status = ? ORDER BY version DESC LIMIT 1
	`, keyID, string(StatusRotating))
	w, err := scanWrapped(row)
	if err == ErrKeyNotFound {
		return nil, nil
	}
	return w, err
}

func (s *SQLiteStore) PromoteVersion(ctx context.Context, keyID string, version int, rotatedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE key_versions SET status = ? WHERE key_id = ? AND status = ?
	`, string(StatusRetired), keyID, string(StatusActive))
	if err != nil {
		return fmt.Errorf("failed to retire active version of key %q: %w", keyID, err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE key_versions SET status = ? WHERE key_id = ? AND version = ?
	`, string(StatusActive), keyID, version)
	if err != nil {
		return fmt.Errorf("failed to activate version %d of key %q: %w", version, keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("version %d of key %q: %w", version, keyID, ErrKeyNotFound)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE keys SET active_version = ?, last_rotated_at = ?, status = ? WHERE key_id = ?
	`, version, rotatedAt, string(StatusActive), keyID)
	if err != nil {
		return fmt.Errorf("failed to advance active pointer for key %q: %w", keyID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) DiscardPendingVersion(ctx context.Context, keyID string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM key_versions WHERE key_id = ? AND version = ? AND status = ?
	`, keyID, version, string(StatusRotating))
	if err != nil {
		return fmt.Errorf("failed to discard pending version %d of key %q: %w", version, keyID, err)
	}
	return nil
}

func (s *SQLiteStore) IncrementAccessCount(ctx context.Context, keyID string, delta int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE keys SET access_count = access_count + ? WHERE key_id = ?
	`, delta, keyID)
	if err != nil {
		return fmt.Errorf("failed to increment access count for key %q: %w", keyID, err)
	}
	return nil
}

func (s *SQLiteStore) DestroyKey(ctx context.Context, keyID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE keys SET status = ? WHERE key_id = ?
	`, string(StatusDestroyed), keyID)
	if err != nil {
		return fmt.Errorf("failed to mark key %q destroyed: %w", keyID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("key %q: %w", keyID, ErrKeyNotFound)
	}

	// Removing the wrapped material is the crypto-shred: without it the
	// authority has nothing to unwrap.
	_, err = tx.ExecContext(ctx, `DELETE FROM key_versions WHERE key_id = ?`, keyID)
	if err != nil {
		return fmt.Errorf("failed to delete wrapped versions of key %q: %w", keyID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ImportKeys(ctx context.Context, keys []*KeyMetadata, versions []*WrappedDEK) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, md := range keys {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO keys (key_id, purpose, description, status, active_version, created_at, last_rotated_at, rotation_period, access_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, md.KeyID, string(md.Purpose), md.Description, string(md.Status), md.ActiveVersion,
			md.CreatedAt, md.LastRotatedAt, int64(md.RotationPeriod/time.Second), md.AccessCount)
		if err != nil {
			return fmt.Errorf("failed to import key %q: %w", md.KeyID, err)
		}
	}
	for _, w := range versions {
		_, err = tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO key_versions (key_id, version, kek_id, wrapped_dek, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, w.KeyID, w.Version, w.KEKID, w.Ciphertext, string(w.Status), w.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to import key version %q v%d: %w", w.KeyID, w.Version, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
