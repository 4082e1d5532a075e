package syncspace

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteOperationTimeout = 5 * time.Second

// sqliteCore owns the connection and schema for one workspace database
// file. Construction never dials; the file is opened lazily on first use
// so backend construction cannot fail eagerly.
type sqliteCore struct {
	path        string
	workspaceID string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func newSQLiteCore(opts WorkspaceOptions) (*sqliteCore, error) {
	path := opts.DSN
	if path == "" {
		if opts.DataDir == "" {
			return nil, ErrInvalidInput
		}
		path = filepath.Join(opts.DataDir, opts.ID+".db")
	}
	return &sqliteCore{
		path:        path,
		workspaceID: opts.ID,
		openDB:      sql.Open,
	}, nil
}

func (c *sqliteCore) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("sqlite3", c.path+"?_busy_timeout=5000")
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteOperationTimeout)
		defer cancel()
		schema := []string{
			`CREATE TABLE IF NOT EXISTS docs (
				workspace_id TEXT NOT NULL,
				doc_id TEXT NOT NULL,
				bin BLOB NOT NULL,
				updated_at TIMESTAMP NOT NULL,
				PRIMARY KEY (workspace_id, doc_id)
			)`,
			`CREATE TABLE IF NOT EXISTS blobs (
				workspace_id TEXT NOT NULL,
				key TEXT NOT NULL,
				data BLOB NOT NULL,
				mime TEXT NOT NULL DEFAULT '',
				size INTEGER NOT NULL,
				created_at TIMESTAMP NOT NULL,
				tombstone INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (workspace_id, key)
			)`,
			`CREATE TABLE IF NOT EXISTS aux (
				workspace_id TEXT NOT NULL,
				key TEXT NOT NULL,
				value TEXT NOT NULL,
				PRIMARY KEY (workspace_id, key)
			)`,
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				c.initErr = err
				return
			}
		}
		c.db = db
	})
	return c.initErr
}

func (c *sqliteCore) close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

func opContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, timeout)
}

type SQLiteDocStorage struct {
	core  *sqliteCore
	merge UpdateMerger
}

func NewSQLiteDocStorage(opts WorkspaceOptions, merge UpdateMerger) (*SQLiteDocStorage, error) {
	core, err := newSQLiteCore(opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteDocStorage{core: core, merge: merge}, nil
}

func (s *SQLiteDocStorage) Name() string {
	return "sqlite"
}

func (s *SQLiteDocStorage) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("sqlite", "getDoc", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	var bin []byte
	err := s.core.db.QueryRowContext(ctx,
		"SELECT bin FROM docs WHERE workspace_id = ? AND doc_id = ?",
		s.core.workspaceID, docID).Scan(&bin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("sqlite", "getDoc", err)
	}
	return &DocRecord{DocID: docID, Bin: bin}, nil
}

func (s *SQLiteDocStorage) PushDocUpdate(ctx context.Context, record DocRecord) error {
	if record.DocID == "" {
		return ErrInvalidInput
	}
	if len(record.Bin) == 0 {
		return nil
	}
	if err := s.core.ensureReady(); err != nil {
		return unavailable("sqlite", "pushDocUpdate", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("sqlite", "pushDocUpdate", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	merged := record.Bin
	var existing []byte
	err = tx.QueryRowContext(ctx,
		"SELECT bin FROM docs WHERE workspace_id = ? AND doc_id = ?",
		s.core.workspaceID, record.DocID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return unavailable("sqlite", "pushDocUpdate", err)
	}
	if len(existing) > 0 {
		merged, err = s.merge([][]byte{existing, record.Bin})
		if err != nil {
			return err
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO docs (workspace_id, doc_id, bin, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (workspace_id, doc_id)
		DO UPDATE SET bin = excluded.bin, updated_at = excluded.updated_at`,
		s.core.workspaceID, record.DocID, merged, time.Now().UTC())
	if err != nil {
		return unavailable("sqlite", "pushDocUpdate", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("sqlite", "pushDocUpdate", err)
	}
	committed = true
	return nil
}

func (s *SQLiteDocStorage) Close() error {
	return s.core.close()
}

type SQLiteBlobStorage struct {
	core    *sqliteCore
	maxSize int64
}

func NewSQLiteBlobStorage(opts WorkspaceOptions) (*SQLiteBlobStorage, error) {
	core, err := newSQLiteCore(opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteBlobStorage{core: core}, nil
}

func (s *SQLiteBlobStorage) Name() string {
	return "sqlite"
}

func (s *SQLiteBlobStorage) SetMaxBlobSize(max int64) {
	s.maxSize = max
}

func (s *SQLiteBlobStorage) Get(ctx context.Context, key string) (*BlobRecord, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("sqlite", "get", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	var record BlobRecord
	err := s.core.db.QueryRowContext(ctx,
		"SELECT key, data, mime, size, created_at FROM blobs WHERE workspace_id = ? AND key = ?",
		s.core.workspaceID, key).Scan(&record.Key, &record.Data, &record.Mime, &record.Size, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("sqlite", "get", err)
	}
	return &record, nil
}

func (s *SQLiteBlobStorage) Set(ctx context.Context, record BlobRecord) error {
	if record.Key == "" {
		return ErrInvalidInput
	}
	if s.maxSize > 0 && int64(len(record.Data)) > s.maxSize {
		return ErrBlobTooLarge
	}
	if err := s.core.ensureReady(); err != nil {
		return unavailable("sqlite", "set", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	var existing []byte
	err := s.core.db.QueryRowContext(ctx,
		"SELECT data FROM blobs WHERE workspace_id = ? AND key = ?",
		s.core.workspaceID, record.Key).Scan(&existing)
	if err == nil && bytes.Equal(existing, record.Data) {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return unavailable("sqlite", "set", err)
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = s.core.db.ExecContext(ctx, `
		INSERT INTO blobs (workspace_id, key, data, mime, size, created_at, tombstone)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (workspace_id, key)
		DO UPDATE SET data = excluded.data, mime = excluded.mime, size = excluded.size, tombstone = 0`,
		s.core.workspaceID, record.Key, record.Data, record.Mime, int64(len(record.Data)), createdAt)
	if err != nil {
		return unavailable("sqlite", "set", err)
	}
	return nil
}

func (s *SQLiteBlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return unavailable("sqlite", "delete", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	var err error
	if permanently {
		_, err = s.core.db.ExecContext(ctx,
			"DELETE FROM blobs WHERE workspace_id = ? AND key = ?",
			s.core.workspaceID, key)
	} else {
		_, err = s.core.db.ExecContext(ctx,
			"UPDATE blobs SET tombstone = 1 WHERE workspace_id = ? AND key = ?",
			s.core.workspaceID, key)
	}
	if err != nil {
		return unavailable("sqlite", "delete", err)
	}
	return nil
}

func (s *SQLiteBlobStorage) Release(ctx context.Context) error {
	if err := s.core.ensureReady(); err != nil {
		return unavailable("sqlite", "release", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.core.db.ExecContext(ctx,
		"DELETE FROM blobs WHERE workspace_id = ? AND tombstone = 1",
		s.core.workspaceID)
	if err != nil {
		return unavailable("sqlite", "release", err)
	}
	return nil
}

func (s *SQLiteBlobStorage) List(ctx context.Context) ([]ListedBlob, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("sqlite", "list", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	rows, err := s.core.db.QueryContext(ctx,
		"SELECT key, mime, size, created_at FROM blobs WHERE workspace_id = ? AND tombstone = 0 ORDER BY key ASC",
		s.core.workspaceID)
	if err != nil {
		return nil, unavailable("sqlite", "list", err)
	}
	defer rows.Close()
	listed := make([]ListedBlob, 0)
	for rows.Next() {
		var item ListedBlob
		if scanErr := rows.Scan(&item.Key, &item.Mime, &item.Size, &item.CreatedAt); scanErr != nil {
			continue
		}
		listed = append(listed, item)
	}
	return listed, nil
}

func (s *SQLiteBlobStorage) Close() error {
	return s.core.close()
}

// SQLiteAuxStore holds the auxiliary rows migrated alongside a workspace.
type SQLiteAuxStore struct {
	core *sqliteCore
}

func NewSQLiteAuxStore(opts WorkspaceOptions) (*SQLiteAuxStore, error) {
	core, err := newSQLiteCore(opts)
	if err != nil {
		return nil, err
	}
	return &SQLiteAuxStore{core: core}, nil
}

func (s *SQLiteAuxStore) GetAll(ctx context.Context, workspaceID string) ([]AuxEntry, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("sqlite", "auxGetAll", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	rows, err := s.core.db.QueryContext(ctx,
		"SELECT key, value FROM aux WHERE workspace_id = ? ORDER BY key ASC", workspaceID)
	if err != nil {
		return nil, unavailable("sqlite", "auxGetAll", err)
	}
	defer rows.Close()
	entries := make([]AuxEntry, 0)
	for rows.Next() {
		var entry AuxEntry
		if scanErr := rows.Scan(&entry.Key, &entry.Value); scanErr != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *SQLiteAuxStore) Put(ctx context.Context, workspaceID, key, value string) error {
	if err := s.core.ensureReady(); err != nil {
		return unavailable("sqlite", "auxPut", err)
	}
	ctx, cancel := opContext(ctx, sqliteOperationTimeout)
	defer cancel()
	_, err := s.core.db.ExecContext(ctx, `
		INSERT INTO aux (workspace_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT (workspace_id, key) DO UPDATE SET value = excluded.value`,
		workspaceID, key, value)
	if err != nil {
		return unavailable("sqlite", "auxPut", err)
	}
	return nil
}

func (s *SQLiteAuxStore) Close() error {
	return s.core.close()
}
