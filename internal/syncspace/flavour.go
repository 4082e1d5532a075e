package syncspace

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// WorkspaceInitializer seeds a freshly created workspace. It receives a
// live document collection plus the workspace's own doc and blob storage
// so initial content can be written before the workspace becomes
// visible.
type WorkspaceInitializer func(ctx context.Context, collection DocCollection, docs DocStorage, blobs BlobStorage) error

// CollectionFactory opens a CRDT document collection rooted at a guid.
type CollectionFactory func(rootGUID string) DocCollection

// FlavourProvider manages workspace membership for one origin. It can
// create, delete and enumerate workspaces and answer profile queries
// without starting a full engine.
type FlavourProvider interface {
	Flavour() string
	CreateWorkspace(ctx context.Context, initializer WorkspaceInitializer) (WorkspaceMetadata, error)
	DeleteWorkspace(ctx context.Context, id string) error
	Workspaces(ctx context.Context) ([]WorkspaceMetadata, error)
	WorkspaceProfile(ctx context.Context, id string) (WorkspaceProfile, error)
	EngineWorkerInitOptions(id string) WorkerInitOptions
	Close() error
}

type LocalProviderOptions struct {
	Registry *Registry
	State    *GlobalState
	PeerID   string
	// LocalBackend names the local storage tier, defaulting to memory.
	LocalBackend  string
	DataDir       string
	DSN           string
	NewCollection CollectionFactory
	Logger        zerolog.Logger
}

// LocalProvider keeps workspaces entirely on the device.
type LocalProvider struct {
	registry      *Registry
	state         *GlobalState
	peerID        string
	backend       string
	dataDir       string
	dsn           string
	newCollection CollectionFactory
	logger        zerolog.Logger
}

func NewLocalProvider(opts LocalProviderOptions) (*LocalProvider, error) {
	if opts.Registry == nil || opts.NewCollection == nil {
		return nil, ErrInvalidInput
	}
	backend := opts.LocalBackend
	if backend == "" {
		backend = "memory"
	}
	return &LocalProvider{
		registry:      opts.Registry,
		state:         NewGlobalStateOr(opts.State),
		peerID:        opts.PeerID,
		backend:       backend,
		dataDir:       opts.DataDir,
		dsn:           opts.DSN,
		newCollection: opts.NewCollection,
		logger:        opts.Logger,
	}, nil
}

// NewGlobalStateOr returns the given state or a fresh in-memory one.
func NewGlobalStateOr(state *GlobalState) *GlobalState {
	if state != nil {
		return state
	}
	return NewGlobalState(nil, nil)
}

func (p *LocalProvider) Flavour() string {
	return FlavourLocal
}

func (p *LocalProvider) workspaceOptions(id string) WorkspaceOptions {
	return WorkspaceOptions{
		ID:      id,
		PeerID:  p.peerID,
		Type:    "workspace",
		DataDir: p.dataDir,
		DSN:     p.dsn,
	}
}

func (p *LocalProvider) localSpec(id string) BackendSpec {
	return BackendSpec{Name: p.backend, Opts: p.workspaceOptions(id)}
}

func (p *LocalProvider) CreateWorkspace(ctx context.Context, initializer WorkspaceInitializer) (WorkspaceMetadata, error) {
	id := uuid.NewString()
	meta, err := seedWorkspace(ctx, seedRequest{
		registry:      p.registry,
		spec:          p.localSpec(id),
		meta:          WorkspaceMetadata{ID: id, Flavour: FlavourLocal},
		newCollection: p.newCollection,
		initializer:   initializer,
	})
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	if err := p.state.AddWorkspaceID(FlavourLocal, id); err != nil {
		return WorkspaceMetadata{}, err
	}
	p.logger.Info().Str("workspace", id).Msg("local workspace created")
	return meta, nil
}

func (p *LocalProvider) DeleteWorkspace(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	return p.state.RemoveWorkspaceID(FlavourLocal, id)
}

func (p *LocalProvider) Workspaces(ctx context.Context) ([]WorkspaceMetadata, error) {
	ids := p.state.WorkspaceIDs(FlavourLocal)
	metas := make([]WorkspaceMetadata, 0, len(ids))
	for _, id := range ids {
		metas = append(metas, WorkspaceMetadata{ID: id, Flavour: FlavourLocal})
	}
	return metas, nil
}

// WorkspaceProfile answers from local storage alone. Missing root bytes
// still yield a usable profile: a local workspace always belongs to the
// device user.
func (p *LocalProvider) WorkspaceProfile(ctx context.Context, id string) (WorkspaceProfile, error) {
	profile := WorkspaceProfile{ID: id, IsOwner: true, IsAdmin: true}
	docs, err := p.registry.BuildDocStorage(p.localSpec(id))
	if err != nil {
		return profile, nil
	}
	defer docs.Close()
	if _, err := docs.GetDoc(ctx, id); err != nil && retryable(err) {
		return profile, err
	}
	return profile, nil
}

func (p *LocalProvider) EngineWorkerInitOptions(id string) WorkerInitOptions {
	return WorkerInitOptions{Local: []BackendSpec{p.localSpec(id)}}
}

func (p *LocalProvider) Close() error {
	return nil
}

// AuxStoreFor opens the workspace-scoped relational side store when the
// local tier supports one.
func (p *LocalProvider) AuxStoreFor(id string) (AuxStore, error) {
	if p.backend != "sqlite" {
		return nil, fmt.Errorf("%w: aux store requires sqlite backend", ErrInvalidInput)
	}
	return NewSQLiteAuxStore(p.workspaceOptions(id))
}

type CloudProviderOptions struct {
	Registry *Registry
	State    *GlobalState
	PeerID   string
	// ServerID keys the provider in the pool; ServerBaseURL is where its
	// workspaces live.
	ServerID      string
	ServerBaseURL string
	LocalBackend  string
	DataDir       string
	DSN           string
	NewCollection CollectionFactory
	Revalidator   *Revalidator
	Logger        zerolog.Logger
}

// CloudProvider pairs a device-local cache tier with a remote server.
type CloudProvider struct {
	registry      *Registry
	state         *GlobalState
	peerID        string
	serverID      string
	baseURL       string
	backend       string
	dataDir       string
	dsn           string
	newCollection CollectionFactory
	revalidator   *Revalidator
	logger        zerolog.Logger
}

func NewCloudProvider(opts CloudProviderOptions) (*CloudProvider, error) {
	if opts.Registry == nil || opts.NewCollection == nil || opts.ServerBaseURL == "" {
		return nil, ErrInvalidInput
	}
	backend := opts.LocalBackend
	if backend == "" {
		backend = "memory"
	}
	serverID := opts.ServerID
	if serverID == "" {
		serverID = opts.ServerBaseURL
	}
	return &CloudProvider{
		registry:      opts.Registry,
		state:         NewGlobalStateOr(opts.State),
		peerID:        opts.PeerID,
		serverID:      serverID,
		baseURL:       opts.ServerBaseURL,
		backend:       backend,
		dataDir:       opts.DataDir,
		dsn:           opts.DSN,
		newCollection: opts.NewCollection,
		revalidator:   opts.Revalidator,
		logger:        opts.Logger,
	}, nil
}

func (p *CloudProvider) Flavour() string {
	return FlavourCloud
}

func (p *CloudProvider) ServerID() string {
	return p.serverID
}

func (p *CloudProvider) workspaceOptions(id string) WorkspaceOptions {
	return WorkspaceOptions{
		ID:            id,
		PeerID:        p.peerID,
		Type:          "workspace",
		ServerBaseURL: p.baseURL,
		DataDir:       p.dataDir,
		DSN:           p.dsn,
	}
}

func (p *CloudProvider) localSpec(id string) BackendSpec {
	return BackendSpec{Name: p.backend, Opts: p.workspaceOptions(id)}
}

func (p *CloudProvider) remoteSpec(id string) BackendSpec {
	return BackendSpec{Name: "cloud", Opts: p.workspaceOptions(id)}
}

// CreateWorkspace asks the server for a workspace id, seeds local state
// through the initializer, then pushes the seeded documents to the
// server so the workspace is initialized remotely before it is listed.
func (p *CloudProvider) CreateWorkspace(ctx context.Context, initializer WorkspaceInitializer) (WorkspaceMetadata, error) {
	transport := p.registry.TransportFor(p.workspaceOptions(""))
	raw, err := transport.Call(ctx, "createWorkspace", nil)
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &created); err != nil || created.ID == "" {
		return WorkspaceMetadata{}, fmt.Errorf("%w: malformed createWorkspace response", ErrInvalidInput)
	}
	id := created.ID

	meta, err := seedWorkspace(ctx, seedRequest{
		registry:      p.registry,
		spec:          p.localSpec(id),
		remote:        p.remoteSpec(id),
		meta:          WorkspaceMetadata{ID: id, Flavour: FlavourCloud},
		newCollection: p.newCollection,
		initializer:   initializer,
	})
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	if err := p.state.AddWorkspaceID(FlavourCloud, id); err != nil {
		return WorkspaceMetadata{}, err
	}
	if p.revalidator != nil {
		p.revalidator.Trigger()
	}
	p.logger.Info().Str("workspace", id).Str("server", p.serverID).Msg("cloud workspace created")
	return meta, nil
}

// DeleteWorkspace removes the membership entry, issues the remote
// deletion, then waits for the next stable revalidated list so callers
// observe a consistent post-delete view.
func (p *CloudProvider) DeleteWorkspace(ctx context.Context, id string) error {
	if id == "" {
		return ErrInvalidInput
	}
	if err := p.state.RemoveWorkspaceID(FlavourCloud, id); err != nil {
		return err
	}
	transport := p.registry.TransportFor(p.workspaceOptions(id))
	if _, err := transport.Call(ctx, "deleteWorkspace", map[string]any{"id": id}); err != nil {
		return err
	}
	if p.revalidator != nil {
		p.revalidator.Trigger()
		return p.revalidator.WaitIdle(ctx)
	}
	return nil
}

func (p *CloudProvider) Workspaces(ctx context.Context) ([]WorkspaceMetadata, error) {
	ids := p.state.WorkspaceIDs(FlavourCloud)
	metas := make([]WorkspaceMetadata, 0, len(ids))
	for _, id := range ids {
		metas = append(metas, WorkspaceMetadata{ID: id, Flavour: FlavourCloud})
	}
	return metas, nil
}

// WorkspaceProfile prefers the server's answer and degrades to a bare
// profile when neither remote nor local bytes are reachable.
func (p *CloudProvider) WorkspaceProfile(ctx context.Context, id string) (WorkspaceProfile, error) {
	transport := p.registry.TransportFor(p.workspaceOptions(id))
	raw, err := transport.Call(ctx, "getWorkspaceProfile", map[string]any{"id": id})
	if err == nil {
		var profile WorkspaceProfile
		if json.Unmarshal(raw, &profile) == nil {
			profile.ID = id
			return profile, nil
		}
	}
	return WorkspaceProfile{ID: id}, nil
}

func (p *CloudProvider) EngineWorkerInitOptions(id string) WorkerInitOptions {
	return WorkerInitOptions{
		Local:   []BackendSpec{p.localSpec(id)},
		Remotes: [][]BackendSpec{{p.remoteSpec(id)}},
	}
}

func (p *CloudProvider) Close() error {
	if p.revalidator != nil {
		p.revalidator.Stop()
	}
	return nil
}

type seedRequest struct {
	registry      *Registry
	spec          BackendSpec
	remote        BackendSpec
	meta          WorkspaceMetadata
	newCollection CollectionFactory
	initializer   WorkspaceInitializer
}

// seedWorkspace runs the create flow shared by both flavours: build
// fresh backends, let the initializer seed content through a live
// collection, then persist the root and every reachable subdocument.
// The collection is disposed on every path, and nothing is registered
// until persistence succeeds.
func seedWorkspace(ctx context.Context, req seedRequest) (WorkspaceMetadata, error) {
	docs, err := req.registry.BuildDocStorage(req.spec)
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	defer docs.Close()
	blobs, err := req.registry.BuildBlobStorage(req.spec)
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	defer blobs.Close()

	seedBlobs := blobs
	targets := []DocStorage{docs}
	if req.remote.Name != "" {
		remoteDocs, err := req.registry.BuildDocStorage(req.remote)
		if err != nil {
			return WorkspaceMetadata{}, err
		}
		defer remoteDocs.Close()
		targets = append(targets, remoteDocs)

		remoteBlobs, err := req.registry.BuildBlobStorage(req.remote)
		if err != nil {
			return WorkspaceMetadata{}, err
		}
		defer remoteBlobs.Close()
		seedBlobs = &teeBlobStorage{primary: blobs, secondary: remoteBlobs}
	}

	collection := req.newCollection(req.meta.ID)
	defer collection.Close()

	if req.initializer != nil {
		if err := req.initializer(ctx, collection, docs, seedBlobs); err != nil {
			return WorkspaceMetadata{}, err
		}
	}

	records, err := encodeCollection(collection)
	if err != nil {
		return WorkspaceMetadata{}, err
	}
	for _, target := range targets {
		for _, record := range records {
			if err := target.PushDocUpdate(ctx, record); err != nil {
				return WorkspaceMetadata{}, err
			}
		}
	}
	return req.meta, nil
}

// teeBlobStorage writes blobs to both tiers during workspace seeding so
// the remote copy exists before the workspace is listed.
type teeBlobStorage struct {
	primary   BlobStorage
	secondary BlobStorage
}

func (t *teeBlobStorage) Name() string {
	return t.primary.Name()
}

func (t *teeBlobStorage) Get(ctx context.Context, key string) (*BlobRecord, error) {
	return t.primary.Get(ctx, key)
}

func (t *teeBlobStorage) Set(ctx context.Context, record BlobRecord) error {
	if err := t.primary.Set(ctx, record); err != nil {
		return err
	}
	return t.secondary.Set(ctx, record)
}

func (t *teeBlobStorage) Delete(ctx context.Context, key string, permanently bool) error {
	if err := t.primary.Delete(ctx, key, permanently); err != nil {
		return err
	}
	return t.secondary.Delete(ctx, key, permanently)
}

func (t *teeBlobStorage) Release(ctx context.Context) error {
	if err := t.primary.Release(ctx); err != nil {
		return err
	}
	return t.secondary.Release(ctx)
}

func (t *teeBlobStorage) List(ctx context.Context) ([]ListedBlob, error) {
	return t.primary.List(ctx)
}

func (t *teeBlobStorage) Close() error {
	return nil
}

// encodeCollection flattens a document tree into records, root first.
func encodeCollection(collection DocCollection) ([]DocRecord, error) {
	var records []DocRecord
	var walk func(doc Doc) error
	walk = func(doc Doc) error {
		bin, err := doc.EncodeStateAsUpdate()
		if err != nil {
			return err
		}
		records = append(records, DocRecord{DocID: doc.GUID(), Bin: bin})
		for _, subdoc := range doc.Subdocs() {
			if err := walk(subdoc); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(collection.Root()); err != nil {
		return nil, err
	}
	return records, nil
}
