package syncspace

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// FileDocStorage keeps one merged update file per document under
// dataDir/docs. Writes go through a tmp file and rename so a crashed
// write never leaves a torn payload.
type FileDocStorage struct {
	dir   string
	merge UpdateMerger
	mu    sync.Mutex
}

func NewFileDocStorage(opts WorkspaceOptions, merge UpdateMerger) (*FileDocStorage, error) {
	if opts.DataDir == "" {
		return nil, ErrInvalidInput
	}
	return &FileDocStorage{
		dir:   filepath.Join(opts.DataDir, opts.ID, "docs"),
		merge: merge,
	}, nil
}

func (s *FileDocStorage) Name() string {
	return "file"
}

func (s *FileDocStorage) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.docPath(docID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, unavailable("file", "getDoc", err)
	}
	return &DocRecord{DocID: docID, Bin: data}, nil
}

func (s *FileDocStorage) PushDocUpdate(ctx context.Context, record DocRecord) error {
	if record.DocID == "" {
		return ErrInvalidInput
	}
	if len(record.Bin) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.docPath(record.DocID)
	merged := record.Bin
	existing, err := os.ReadFile(path)
	if err == nil && len(existing) > 0 {
		merged, err = s.merge([][]byte{existing, record.Bin})
		if err != nil {
			return err
		}
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return unavailable("file", "pushDocUpdate", err)
	}
	if err := writeFileAtomic(path, merged); err != nil {
		return unavailable("file", "pushDocUpdate", err)
	}
	return nil
}

func (s *FileDocStorage) Close() error {
	return nil
}

func (s *FileDocStorage) docPath(docID string) string {
	return filepath.Join(s.dir, hashName(docID)+".bin")
}

type fileBlobRecord struct {
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	Mime      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	Tombstone bool      `json:"tombstone,omitempty"`
}

type FileBlobStorage struct {
	dir     string
	maxSize int64
	mu      sync.Mutex
}

func NewFileBlobStorage(opts WorkspaceOptions) (*FileBlobStorage, error) {
	if opts.DataDir == "" {
		return nil, ErrInvalidInput
	}
	return &FileBlobStorage{dir: filepath.Join(opts.DataDir, opts.ID, "blobs")}, nil
}

func (s *FileBlobStorage) Name() string {
	return "file"
}

func (s *FileBlobStorage) SetMaxBlobSize(max int64) {
	s.mu.Lock()
	s.maxSize = max
	s.mu.Unlock()
}

func (s *FileBlobStorage) Get(ctx context.Context, key string) (*BlobRecord, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.readEntry(key)
	if err != nil || entry == nil {
		return nil, err
	}
	return &BlobRecord{
		Key:       entry.Key,
		Data:      entry.Data,
		Mime:      entry.Mime,
		Size:      entry.Size,
		CreatedAt: entry.CreatedAt,
	}, nil
}

func (s *FileBlobStorage) Set(ctx context.Context, record BlobRecord) error {
	if record.Key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && int64(len(record.Data)) > s.maxSize {
		return ErrBlobTooLarge
	}
	existing, err := s.readEntry(record.Key)
	if err != nil {
		return err
	}
	if existing != nil && bytes.Equal(existing.Data, record.Data) {
		return nil
	}
	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	entry := fileBlobRecord{
		Key:       record.Key,
		Data:      record.Data,
		Mime:      record.Mime,
		Size:      int64(len(record.Data)),
		CreatedAt: createdAt,
	}
	return s.writeEntry(entry)
}

func (s *FileBlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, err := s.readEntry(key)
	if err != nil || entry == nil {
		return err
	}
	if permanently {
		if err := os.Remove(s.blobPath(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return unavailable("file", "delete", err)
		}
		return nil
	}
	entry.Tombstone = true
	return s.writeEntry(*entry)
}

func (s *FileBlobStorage) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readAll()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Tombstone {
			if err := os.Remove(s.blobPath(entry.Key)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return unavailable("file", "release", err)
			}
		}
	}
	return nil
}

func (s *FileBlobStorage) List(ctx context.Context) ([]ListedBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readAll()
	if err != nil {
		return nil, err
	}
	listed := make([]ListedBlob, 0, len(entries))
	for _, entry := range entries {
		if entry.Tombstone {
			continue
		}
		listed = append(listed, ListedBlob{
			Key:       entry.Key,
			Mime:      entry.Mime,
			Size:      entry.Size,
			CreatedAt: entry.CreatedAt,
		})
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Key < listed[j].Key })
	return listed, nil
}

func (s *FileBlobStorage) Close() error {
	return nil
}

func (s *FileBlobStorage) blobPath(key string) string {
	return filepath.Join(s.dir, hashName(key)+".json")
}

func (s *FileBlobStorage) readEntry(key string) (*fileBlobRecord, error) {
	data, err := os.ReadFile(s.blobPath(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, unavailable("file", "get", err)
	}
	var entry fileBlobRecord
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	return &entry, nil
}

func (s *FileBlobStorage) writeEntry(entry fileBlobRecord) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.blobPath(entry.Key), data); err != nil {
		return unavailable("file", "set", err)
	}
	return nil
}

func (s *FileBlobStorage) readAll() ([]fileBlobRecord, error) {
	names, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, unavailable("file", "list", err)
	}
	entries := make([]fileBlobRecord, 0, len(names))
	for _, name := range names {
		if name.IsDir() {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(s.dir, name.Name()))
		if readErr != nil {
			continue
		}
		var entry fileBlobRecord
		if json.Unmarshal(data, &entry) != nil || entry.Key == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func hashName(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:16])
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
