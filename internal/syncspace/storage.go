package syncspace

import "context"

// DocStorage is a durable CRDT update log keyed by document id. Updates
// are append-only; reconciliation is the CRDT layer's job. GetDoc must
// reflect every update pushed to the same instance before the call.
type DocStorage interface {
	Name() string
	// GetDoc returns nil with no error when the document does not exist.
	GetDoc(ctx context.Context, docID string) (*DocRecord, error)
	PushDocUpdate(ctx context.Context, record DocRecord) error
	Close() error
}

// BlobStorage stores content-addressed binary records. A blob is
// immutable once stored; delete with permanently=false tombstones the
// record without hiding it, Release garbage-collects tombstoned blobs.
type BlobStorage interface {
	Name() string
	// Get returns nil with no error for unset or permanently deleted
	// keys. Transport failures surface as ErrStorageUnavailable.
	Get(ctx context.Context, key string) (*BlobRecord, error)
	// Set is idempotent for an existing key with identical bytes.
	Set(ctx context.Context, record BlobRecord) error
	Delete(ctx context.Context, key string, permanently bool) error
	Release(ctx context.Context) error
	List(ctx context.Context) ([]ListedBlob, error)
	Close() error
}

// AwarenessBackend broadcasts ephemeral presence state between peers of
// one workspace. Nothing is persisted and nothing is retried; a missed
// broadcast is repaired only by the next periodic full-state broadcast.
type AwarenessBackend interface {
	Name() string
	Connect(ctx context.Context, localState []byte) error
	Broadcast(update AwarenessUpdate) error
	Subscribe(fn func(AwarenessUpdate)) (unsubscribe func())
	Close() error
}

type AuxEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// AuxStore holds auxiliary relational rows tied to a workspace id, kept
// alongside the document tree and carried through migration.
type AuxStore interface {
	GetAll(ctx context.Context, workspaceID string) ([]AuxEntry, error)
	Put(ctx context.Context, workspaceID, key, value string) error
}
