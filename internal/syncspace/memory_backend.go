package syncspace

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryDocStorage keeps the update log per document in memory. It is
// the always-available local tier for tests and throwaway workspaces.
type MemoryDocStorage struct {
	mu    sync.Mutex
	docs  map[string][][]byte
	merge UpdateMerger
}

func NewMemoryDocStorage(opts WorkspaceOptions, merge UpdateMerger) *MemoryDocStorage {
	return &MemoryDocStorage{
		docs:  map[string][][]byte{},
		merge: merge,
	}
}

func (s *MemoryDocStorage) Name() string {
	return "memory"
}

func (s *MemoryDocStorage) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	if docID == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	updates, ok := s.docs[docID]
	if !ok || len(updates) == 0 {
		return nil, nil
	}
	if len(updates) == 1 {
		return &DocRecord{DocID: docID, Bin: append([]byte(nil), updates[0]...)}, nil
	}
	merged, err := s.merge(updates)
	if err != nil {
		return nil, err
	}
	// Squash the log so repeated reads stay cheap; the merged update is
	// equivalent to the full history.
	s.docs[docID] = [][]byte{merged}
	return &DocRecord{DocID: docID, Bin: append([]byte(nil), merged...)}, nil
}

func (s *MemoryDocStorage) PushDocUpdate(ctx context.Context, record DocRecord) error {
	if record.DocID == "" {
		return ErrInvalidInput
	}
	if len(record.Bin) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[record.DocID] = append(s.docs[record.DocID], append([]byte(nil), record.Bin...))
	return nil
}

func (s *MemoryDocStorage) Close() error {
	return nil
}

type memoryBlobEntry struct {
	record    BlobRecord
	tombstone bool
}

type MemoryBlobStorage struct {
	mu      sync.Mutex
	blobs   map[string]memoryBlobEntry
	maxSize int64
}

func NewMemoryBlobStorage(opts WorkspaceOptions) *MemoryBlobStorage {
	return &MemoryBlobStorage{blobs: map[string]memoryBlobEntry{}}
}

func (s *MemoryBlobStorage) Name() string {
	return "memory"
}

func (s *MemoryBlobStorage) SetMaxBlobSize(max int64) {
	s.mu.Lock()
	s.maxSize = max
	s.mu.Unlock()
}

func (s *MemoryBlobStorage) Get(ctx context.Context, key string) (*BlobRecord, error) {
	if key == "" {
		return nil, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blobs[key]
	if !ok {
		return nil, nil
	}
	record := entry.record
	record.Data = append([]byte(nil), entry.record.Data...)
	return &record, nil
}

func (s *MemoryBlobStorage) Set(ctx context.Context, record BlobRecord) error {
	if record.Key == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize > 0 && int64(len(record.Data)) > s.maxSize {
		return ErrBlobTooLarge
	}
	if existing, ok := s.blobs[record.Key]; ok && bytes.Equal(existing.record.Data, record.Data) {
		return nil
	}
	record.Data = append([]byte(nil), record.Data...)
	record.Size = int64(len(record.Data))
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.blobs[record.Key] = memoryBlobEntry{record: record}
	return nil
}

func (s *MemoryBlobStorage) Delete(ctx context.Context, blobKey string, permanently bool) error {
	if blobKey == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.blobs[blobKey]
	if !ok {
		return nil
	}
	if permanently {
		delete(s.blobs, blobKey)
		return nil
	}
	entry.tombstone = true
	s.blobs[blobKey] = entry
	return nil
}

func (s *MemoryBlobStorage) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for blobKey, entry := range s.blobs {
		if entry.tombstone {
			delete(s.blobs, blobKey)
		}
	}
	return nil
}

func (s *MemoryBlobStorage) List(ctx context.Context) ([]ListedBlob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listed := make([]ListedBlob, 0, len(s.blobs))
	for _, entry := range s.blobs {
		if entry.tombstone {
			continue
		}
		listed = append(listed, ListedBlob{
			Key:       entry.record.Key,
			Mime:      entry.record.Mime,
			Size:      entry.record.Size,
			CreatedAt: entry.record.CreatedAt,
		})
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Key < listed[j].Key })
	return listed, nil
}

func (s *MemoryBlobStorage) Close() error {
	return nil
}

// awarenessHub fans presence updates out to every connected peer of a
// workspace within one process. The registry owns one hub so sibling
// backends built from it share presence.
type awarenessHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(AwarenessUpdate)
}

func newAwarenessHub() *awarenessHub {
	return &awarenessHub{subs: map[string]map[int]func(AwarenessUpdate){}}
}

func (h *awarenessHub) subscribe(workspaceID string, fn func(AwarenessUpdate)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[workspaceID] == nil {
		h.subs[workspaceID] = map[int]func(AwarenessUpdate){}
	}
	id := h.nextID
	h.nextID++
	h.subs[workspaceID][id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[workspaceID], id)
	}
}

func (h *awarenessHub) broadcast(update AwarenessUpdate) {
	h.mu.Lock()
	fns := make([]func(AwarenessUpdate), 0, len(h.subs[update.WorkspaceID]))
	for _, fn := range h.subs[update.WorkspaceID] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

type MemoryAwarenessBackend struct {
	hub         *awarenessHub
	workspaceID string
	peerID      string

	mu        sync.Mutex
	local     []byte
	listeners map[int]func(AwarenessUpdate)
	nextID    int
	unsub     func()
}

func NewMemoryAwarenessBackend(hub *awarenessHub, opts WorkspaceOptions) *MemoryAwarenessBackend {
	return &MemoryAwarenessBackend{
		hub:         hub,
		workspaceID: opts.ID,
		peerID:      opts.PeerID,
		listeners:   map[int]func(AwarenessUpdate){},
	}
}

func (a *MemoryAwarenessBackend) Name() string {
	return "memory"
}

func (a *MemoryAwarenessBackend) Connect(ctx context.Context, localState []byte) error {
	a.mu.Lock()
	a.local = append([]byte(nil), localState...)
	if a.unsub == nil {
		a.unsub = a.hub.subscribe(a.workspaceID, a.dispatch)
	}
	a.mu.Unlock()
	a.hub.broadcast(AwarenessUpdate{
		WorkspaceID: a.workspaceID,
		PeerID:      a.peerID,
		Full:        true,
		Payload:     append([]byte(nil), localState...),
	})
	return nil
}

func (a *MemoryAwarenessBackend) Broadcast(update AwarenessUpdate) error {
	update.WorkspaceID = a.workspaceID
	update.PeerID = a.peerID
	a.hub.broadcast(update)
	return nil
}

func (a *MemoryAwarenessBackend) Subscribe(fn func(AwarenessUpdate)) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.listeners, id)
	}
}

func (a *MemoryAwarenessBackend) dispatch(update AwarenessUpdate) {
	if update.PeerID == a.peerID {
		return
	}
	a.mu.Lock()
	fns := make([]func(AwarenessUpdate), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

func (a *MemoryAwarenessBackend) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	return nil
}
