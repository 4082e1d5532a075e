package syncspace

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresDocTableName     = "syncspace_docs"
	postgresBlobTableName    = "syncspace_blobs"
	postgresOperationTimeout = 5 * time.Second
)

type postgresCore struct {
	dsn         string
	workspaceID string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresCore(opts WorkspaceOptions) (*postgresCore, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &postgresCore{
		dsn:         dsn,
		workspaceID: opts.ID,
		openDB:      sql.Open,
	}, nil
}

func (c *postgresCore) ensureReady() error {
	c.initOnce.Do(func() {
		db, err := c.openDB("postgres", c.dsn)
		if err != nil {
			c.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		schema := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					workspace_id TEXT NOT NULL,
					doc_id TEXT NOT NULL,
					bin BYTEA NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (workspace_id, doc_id)
				)`, postgresQuoteIdentifier(postgresDocTableName)),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					workspace_id TEXT NOT NULL,
					key TEXT NOT NULL,
					data BYTEA NOT NULL,
					mime TEXT NOT NULL DEFAULT '',
					size BIGINT NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					tombstone BOOLEAN NOT NULL DEFAULT FALSE,
					PRIMARY KEY (workspace_id, key)
				)`, postgresQuoteIdentifier(postgresBlobTableName)),
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

func (c *postgresCore) close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

type PostgresDocStorage struct {
	core  *postgresCore
	merge UpdateMerger
}

func NewPostgresDocStorage(opts WorkspaceOptions, merge UpdateMerger) (*PostgresDocStorage, error) {
	core, err := newPostgresCore(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresDocStorage{core: core, merge: merge}, nil
}

func (s *PostgresDocStorage) Name() string {
	return "postgres"
}

func (s *PostgresDocStorage) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("postgres", "getDoc", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT bin FROM %s WHERE workspace_id = $1 AND doc_id = $2",
		postgresQuoteIdentifier(postgresDocTableName))
	var bin []byte
	err := s.core.db.QueryRowContext(ctx, query, s.core.workspaceID, docID).Scan(&bin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("postgres", "getDoc", err)
	}
	return &DocRecord{DocID: docID, Bin: bin}, nil
}

func (s *PostgresDocStorage) PushDocUpdate(ctx context.Context, record DocRecord) error {
	if record.DocID == "" {
		return ErrInvalidInput
	}
	if len(record.Bin) == 0 {
		return nil
	}
	if err := s.core.ensureReady(); err != nil {
		return unavailable("postgres", "pushDocUpdate", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()

	tx, err := s.core.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("postgres", "pushDocUpdate", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf("SELECT bin FROM %s WHERE workspace_id = $1 AND doc_id = $2 FOR UPDATE",
		postgresQuoteIdentifier(postgresDocTableName))
	merged := record.Bin
	var existing []byte
	err = tx.QueryRowContext(ctx, selectQuery, s.core.workspaceID, record.DocID).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return unavailable("postgres", "pushDocUpdate", err)
	}
	if len(existing) > 0 {
		merged, err = s.merge([][]byte{existing, record.Bin})
		if err != nil {
			return err
		}
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, doc_id, bin, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (workspace_id, doc_id)
		DO UPDATE SET bin = EXCLUDED.bin, updated_at = NOW()`,
		postgresQuoteIdentifier(postgresDocTableName))
	if _, err := tx.ExecContext(ctx, upsertQuery, s.core.workspaceID, record.DocID, merged); err != nil {
		return unavailable("postgres", "pushDocUpdate", err)
	}
	if err := tx.Commit(); err != nil {
		return unavailable("postgres", "pushDocUpdate", err)
	}
	committed = true
	return nil
}

func (s *PostgresDocStorage) Close() error {
	return s.core.close()
}

type PostgresBlobStorage struct {
	core    *postgresCore
	maxSize int64
}

func NewPostgresBlobStorage(opts WorkspaceOptions) (*PostgresBlobStorage, error) {
	core, err := newPostgresCore(opts)
	if err != nil {
		return nil, err
	}
	return &PostgresBlobStorage{core: core}, nil
}

func (s *PostgresBlobStorage) Name() string {
	return "postgres"
}

func (s *PostgresBlobStorage) SetMaxBlobSize(max int64) {
	s.maxSize = max
}

func (s *PostgresBlobStorage) Get(ctx context.Context, key string) (*BlobRecord, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("postgres", "get", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT key, data, mime, size, created_at FROM %s WHERE workspace_id = $1 AND key = $2",
		postgresQuoteIdentifier(postgresBlobTableName))
	var record BlobRecord
	err := s.core.db.QueryRowContext(ctx, query, s.core.workspaceID, key).
		Scan(&record.Key, &record.Data, &record.Mime, &record.Size, &record.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("postgres", "get", err)
	}
	return &record, nil
}

func (s *PostgresBlobStorage) Set(ctx context.Context, record BlobRecord) error {
	if record.Key == "" {
		return ErrInvalidInput
	}
	if s.maxSize > 0 && int64(len(record.Data)) > s.maxSize {
		return ErrBlobTooLarge
	}
	if err := s.core.ensureReady(); err != nil {
		return unavailable("postgres", "set", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()
	selectQuery := fmt.Sprintf("SELECT data FROM %s WHERE workspace_id = $1 AND key = $2",
		postgresQuoteIdentifier(postgresBlobTableName))
	var existing []byte
	err := s.core.db.QueryRowContext(ctx, selectQuery, s.core.workspaceID, record.Key).Scan(&existing)
	if err == nil && bytes.Equal(existing, record.Data) {
		return nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return unavailable("postgres", "set", err)
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	upsertQuery := fmt.Sprintf(`
		INSERT INTO %s (workspace_id, key, data, mime, size, created_at, tombstone)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE)
		ON CONFLICT (workspace_id, key)
		DO UPDATE SET data = EXCLUDED.data, mime = EXCLUDED.mime, size = EXCLUDED.size, tombstone = FALSE`,
		postgresQuoteIdentifier(postgresBlobTableName))
	if _, err := s.core.db.ExecContext(ctx, upsertQuery,
		s.core.workspaceID, record.Key, record.Data, record.Mime, int64(len(record.Data)), createdAt); err != nil {
		return unavailable("postgres", "set", err)
	}
	return nil
}

func (s *PostgresBlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if key == "" {
		return ErrInvalidInput
	}
	if err := s.core.ensureReady(); err != nil {
		return unavailable("postgres", "delete", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()
	var query string
	if permanently {
		query = fmt.Sprintf("DELETE FROM %s WHERE workspace_id = $1 AND key = $2",
			postgresQuoteIdentifier(postgresBlobTableName))
	} else {
		query = fmt.Sprintf("UPDATE %s SET tombstone = TRUE WHERE workspace_id = $1 AND key = $2",
			postgresQuoteIdentifier(postgresBlobTableName))
	}
	if _, err := s.core.db.ExecContext(ctx, query, s.core.workspaceID, key); err != nil {
		return unavailable("postgres", "delete", err)
	}
	return nil
}

func (s *PostgresBlobStorage) Release(ctx context.Context) error {
	if err := s.core.ensureReady(); err != nil {
		return unavailable("postgres", "release", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE workspace_id = $1 AND tombstone = TRUE",
		postgresQuoteIdentifier(postgresBlobTableName))
	if _, err := s.core.db.ExecContext(ctx, query, s.core.workspaceID); err != nil {
		return unavailable("postgres", "release", err)
	}
	return nil
}

func (s *PostgresBlobStorage) List(ctx context.Context) ([]ListedBlob, error) {
	if err := s.core.ensureReady(); err != nil {
		return nil, unavailable("postgres", "list", err)
	}
	ctx, cancel := opContext(ctx, postgresOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("SELECT key, mime, size, created_at FROM %s WHERE workspace_id = $1 AND tombstone = FALSE ORDER BY key ASC",
		postgresQuoteIdentifier(postgresBlobTableName))
	rows, err := s.core.db.QueryContext(ctx, query, s.core.workspaceID)
	if err != nil {
		return nil, unavailable("postgres", "list", err)
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

func (s *PostgresBlobStorage) Close() error {
	return s.core.close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
