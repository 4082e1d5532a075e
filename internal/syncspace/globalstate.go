package syncspace

import (
	"encoding/json"
	"os"
	"sort"
	"sync"
)

// KVStore is the process-wide keyed store behind the workspace-id list
// and the revalidation cache.
type KVStore interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

type MemoryKVStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

func NewMemoryKVStore() *MemoryKVStore {
	return &MemoryKVStore{values: map[string][]byte{}}
}

func (s *MemoryKVStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *MemoryKVStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryKVStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// FileKVStore persists the keyed map as one JSON file with tmp+rename
// writes. Corrupt or missing content reads as empty, never as an error.
type FileKVStore struct {
	path string
	mu   sync.Mutex
}

func NewFileKVStore(path string) *FileKVStore {
	return &FileKVStore{path: path}
}

func (s *FileKVStore) load() map[string]json.RawMessage {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return map[string]json.RawMessage{}
	}
	values := map[string]json.RawMessage{}
	if json.Unmarshal(data, &values) != nil {
		return map[string]json.RawMessage{}
	}
	return values
}

func (s *FileKVStore) save(values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func (s *FileKVStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.load()[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), value...), true, nil
}

func (s *FileKVStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.load()
	values[key] = append(json.RawMessage(nil), value...)
	return s.save(values)
}

func (s *FileKVStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := s.load()
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.save(values)
}

const workspaceListKeyPrefix = "workspace-ids:"

// GlobalState guards the shared workspace-id list with atomic
// read-modify-write against a single key and announces every mutation on
// the broadcast hub so sibling contexts invalidate their cached view.
type GlobalState struct {
	kv        KVStore
	broadcast *Broadcast
	mu        sync.Mutex
}

func NewGlobalState(kv KVStore, broadcast *Broadcast) *GlobalState {
	if kv == nil {
		kv = NewMemoryKVStore()
	}
	if broadcast == nil {
		broadcast = NewBroadcast()
	}
	return &GlobalState{kv: kv, broadcast: broadcast}
}

func (g *GlobalState) Broadcast() *Broadcast {
	return g.broadcast
}

func workspaceListKey(flavour string) string {
	return workspaceListKeyPrefix + flavour
}

func decodeIDList(data []byte) []string {
	var ids []string
	if json.Unmarshal(data, &ids) != nil {
		return []string{}
	}
	if ids == nil {
		return []string{}
	}
	return ids
}

func (g *GlobalState) WorkspaceIDs(flavour string) []string {
	data, ok, err := g.kv.Get(workspaceListKey(flavour))
	if err != nil || !ok {
		return []string{}
	}
	return decodeIDList(data)
}

func (g *GlobalState) AddWorkspaceID(flavour, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	return g.mutateIDs(flavour, func(ids []string) []string {
		for _, existing := range ids {
			if existing == id {
				return ids
			}
		}
		ids = append(ids, id)
		sort.Strings(ids)
		return ids
	})
}

func (g *GlobalState) RemoveWorkspaceID(flavour, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	return g.mutateIDs(flavour, func(ids []string) []string {
		filtered := ids[:0]
		for _, existing := range ids {
			if existing != id {
				filtered = append(filtered, existing)
			}
		}
		return filtered
	})
}

func (g *GlobalState) mutateIDs(flavour string, mutate func([]string) []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	key := workspaceListKey(flavour)
	data, _, err := g.kv.Get(key)
	if err != nil {
		return err
	}
	ids := decodeIDList(data)
	updated := mutate(append([]string(nil), ids...))
	encoded, err := json.Marshal(updated)
	if err != nil {
		return err
	}
	if err := g.kv.Set(key, encoded); err != nil {
		return err
	}
	g.broadcast.Publish(BroadcastMessage{Key: key, Payload: encoded})
	return nil
}

// WatchWorkspaceIDs delivers the id list for a flavour on every change
// announced by any sibling context, without a direct storage read.
func (g *GlobalState) WatchWorkspaceIDs(flavour string) (<-chan []string, func()) {
	key := workspaceListKey(flavour)
	messages, unsubscribe := g.broadcast.Subscribe()
	out := make(chan []string, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if msg.Key != key {
					continue
				}
				select {
				case out <- decodeIDList(msg.Payload):
				default:
				}
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			unsubscribe()
		})
	}
}

// CacheWorkspaceList persists a revalidated remote list under its
// identity-scoped key. Returns true when the stored list changed.
func (g *GlobalState) CacheWorkspaceList(key string, list []RemoteWorkspace) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	encoded, err := json.Marshal(list)
	if err != nil {
		return false, err
	}
	existing, ok, err := g.kv.Get("workspace-list:" + key)
	if err != nil {
		return false, err
	}
	if ok && string(existing) == string(encoded) {
		return false, nil
	}
	if err := g.kv.Set("workspace-list:"+key, encoded); err != nil {
		return false, err
	}
	return true, nil
}

func (g *GlobalState) CachedWorkspaceList(key string) ([]RemoteWorkspace, bool) {
	data, ok, err := g.kv.Get("workspace-list:" + key)
	if err != nil || !ok {
		return nil, false
	}
	var list []RemoteWorkspace
	if json.Unmarshal(data, &list) != nil {
		return nil, false
	}
	if list == nil {
		list = []RemoteWorkspace{}
	}
	return list, true
}
