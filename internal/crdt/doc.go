// Package crdt is an update-set document runtime. State is the set of
// distinct update byte-strings ever applied, so application is
// commutative and idempotent by construction: any order and any
// duplication of the same updates converges to the same encoded state.
package crdt

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/agentworkforce/syncspace/internal/syncspace"
)

var ErrClosed = errors.New("document collection closed")

const envelopeVersion = 1

type envelope struct {
	Envelope int      `json:"syncspaceEnvelope"`
	Updates  []string `json:"updates"`
	Subdocs  []string `json:"subdocs,omitempty"`
}

type Doc struct {
	guid string

	mu      sync.Mutex
	updates map[string][]byte
	subdocs map[string]*Doc
}

func NewDoc(guid string) *Doc {
	return &Doc{
		guid:    guid,
		updates: map[string][]byte{},
		subdocs: map[string]*Doc{},
	}
}

func (d *Doc) GUID() string {
	return d.guid
}

// ApplyUpdate merges one update into the document. An update is either
// an opaque byte-string or an encoded envelope produced by
// EncodeStateAsUpdate, in which case its whole update set is unioned in.
func (d *Doc) ApplyUpdate(bin []byte) error {
	if len(bin) == 0 {
		return nil
	}
	if env, ok := decodeEnvelope(bin); ok {
		d.mu.Lock()
		for _, encoded := range env.Updates {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				continue
			}
			d.updates[hashUpdate(raw)] = raw
		}
		for _, guid := range env.Subdocs {
			if _, exists := d.subdocs[guid]; !exists {
				d.subdocs[guid] = NewDoc(guid)
			}
		}
		d.mu.Unlock()
		return nil
	}
	d.mu.Lock()
	d.updates[hashUpdate(bin)] = append([]byte(nil), bin...)
	d.mu.Unlock()
	return nil
}

// EncodeStateAsUpdate produces a canonical envelope holding the full
// update set. Equal update sets encode to identical bytes.
func (d *Doc) EncodeStateAsUpdate() ([]byte, error) {
	d.mu.Lock()
	hashes := make([]string, 0, len(d.updates))
	for h := range d.updates {
		hashes = append(hashes, h)
	}
	sort.Strings(hashes)
	encoded := make([]string, 0, len(hashes))
	for _, h := range hashes {
		encoded = append(encoded, base64.StdEncoding.EncodeToString(d.updates[h]))
	}
	guids := make([]string, 0, len(d.subdocs))
	for guid := range d.subdocs {
		guids = append(guids, guid)
	}
	sort.Strings(guids)
	d.mu.Unlock()

	return json.Marshal(envelope{
		Envelope: envelopeVersion,
		Updates:  encoded,
		Subdocs:  guids,
	})
}

func (d *Doc) Subdocs() []syncspace.Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	guids := make([]string, 0, len(d.subdocs))
	for guid := range d.subdocs {
		guids = append(guids, guid)
	}
	sort.Strings(guids)
	result := make([]syncspace.Doc, 0, len(guids))
	for _, guid := range guids {
		result = append(result, d.subdocs[guid])
	}
	return result
}

func (d *Doc) subdoc(guid string) *Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.subdocs[guid]
}

func (d *Doc) createSubdoc(guid string) *Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	if existing, ok := d.subdocs[guid]; ok {
		return existing
	}
	sub := NewDoc(guid)
	d.subdocs[guid] = sub
	return sub
}

func decodeEnvelope(bin []byte) (*envelope, bool) {
	if len(bin) == 0 || bin[0] != '{' {
		return nil, false
	}
	var env envelope
	if err := json.Unmarshal(bin, &env); err != nil {
		return nil, false
	}
	if env.Envelope != envelopeVersion {
		return nil, false
	}
	return &env, true
}

func hashUpdate(bin []byte) string {
	sum := sha256.Sum256(bin)
	return hex.EncodeToString(sum[:])
}

// MergeUpdates collapses a set of updates into one equivalent update by
// applying them to a scratch document and encoding its state. Satisfies
// the engine's UpdateMerger contract.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	scratch := NewDoc("")
	for _, update := range updates {
		if err := scratch.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return scratch.EncodeStateAsUpdate()
}

// Collection is a live root document plus its subdocuments, satisfying
// the engine's DocCollection contract.
type Collection struct {
	mu     sync.Mutex
	root   *Doc
	closed bool
}

func NewCollection(rootGUID string) *Collection {
	return &Collection{root: NewDoc(rootGUID)}
}

func (c *Collection) Root() syncspace.Doc {
	return c.root
}

func (c *Collection) Doc(guid string) syncspace.Doc {
	if guid == c.root.GUID() {
		return c.root
	}
	if sub := c.root.subdoc(guid); sub != nil {
		return sub
	}
	return nil
}

func (c *Collection) CreateSubdoc(guid string) (syncspace.Doc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if guid == "" {
		return nil, errors.New("subdoc guid required")
	}
	return c.root.createSubdoc(guid), nil
}

func (c *Collection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
