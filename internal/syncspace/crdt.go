package syncspace

// Doc is the engine's view of a CRDT document. Merge semantics live
// entirely behind this interface: applying a set of updates in any order,
// with any duplication, must yield the same state.
type Doc interface {
	GUID() string
	ApplyUpdate(bin []byte) error
	EncodeStateAsUpdate() ([]byte, error)
	Subdocs() []Doc
}

// UpdateMerger collapses a set of updates into one update equivalent to
// applying them all. Supplied by the CRDT runtime; the engine never
// inspects update bytes itself.
type UpdateMerger func(updates [][]byte) ([]byte, error)

// DocCollection is a live handle over a root document and its
// subdocuments, handed to workspace initializers so callers can seed
// content before anything is persisted.
type DocCollection interface {
	Root() Doc
	Doc(guid string) Doc
	CreateSubdoc(guid string) (Doc, error)
	Close() error
}
