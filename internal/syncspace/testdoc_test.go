package syncspace

import (
	"sort"
	"strings"
	"sync"
)

// fakeDoc models the opaque document contract with "|"-joined update
// fragments. A fragment of the form "subdoc=<guid>" materializes a
// subdocument, mirroring how applying a root update makes its children
// reachable.
type fakeDoc struct {
	guid    string
	mu      sync.Mutex
	parts   map[string]struct{}
	subdocs map[string]*fakeDoc
}

func newFakeDoc(guid string) *fakeDoc {
	return &fakeDoc{
		guid:    guid,
		parts:   map[string]struct{}{},
		subdocs: map[string]*fakeDoc{},
	}
}

func (d *fakeDoc) GUID() string {
	return d.guid
}

func (d *fakeDoc) ApplyUpdate(bin []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, part := range strings.Split(string(bin), "|") {
		if part == "" {
			continue
		}
		d.parts[part] = struct{}{}
		if guid, ok := strings.CutPrefix(part, "subdoc="); ok {
			if _, exists := d.subdocs[guid]; !exists {
				d.subdocs[guid] = newFakeDoc(guid)
			}
		}
	}
	return nil
}

func (d *fakeDoc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	parts := make([]string, 0, len(d.parts))
	for part := range d.parts {
		parts = append(parts, part)
	}
	sort.Strings(parts)
	return []byte(strings.Join(parts, "|")), nil
}

func (d *fakeDoc) Subdocs() []Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	guids := make([]string, 0, len(d.subdocs))
	for guid := range d.subdocs {
		guids = append(guids, guid)
	}
	sort.Strings(guids)
	docs := make([]Doc, 0, len(guids))
	for _, guid := range guids {
		docs = append(docs, d.subdocs[guid])
	}
	return docs
}

func (d *fakeDoc) addSubdoc(guid string) *fakeDoc {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parts["subdoc="+guid] = struct{}{}
	if _, exists := d.subdocs[guid]; !exists {
		d.subdocs[guid] = newFakeDoc(guid)
	}
	return d.subdocs[guid]
}

type fakeCollection struct {
	root   *fakeDoc
	mu     sync.Mutex
	closed bool
}

func newFakeCollection(rootGUID string) *fakeCollection {
	return &fakeCollection{root: newFakeDoc(rootGUID)}
}

func (c *fakeCollection) Root() Doc {
	return c.root
}

func (c *fakeCollection) Doc(guid string) Doc {
	if guid == c.root.guid {
		return c.root
	}
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	if doc, ok := c.root.subdocs[guid]; ok {
		return doc
	}
	return nil
}

func (c *fakeCollection) CreateSubdoc(guid string) (Doc, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	c.mu.Unlock()
	return c.root.addSubdoc(guid), nil
}

func (c *fakeCollection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeCollection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeCollectionFactory records every collection it hands out so tests
// can assert disposal.
type fakeCollectionFactory struct {
	mu      sync.Mutex
	created []*fakeCollection
}

func (f *fakeCollectionFactory) New(rootGUID string) DocCollection {
	collection := newFakeCollection(rootGUID)
	f.mu.Lock()
	f.created = append(f.created, collection)
	f.mu.Unlock()
	return collection
}

func (f *fakeCollectionFactory) last() *fakeCollection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}
