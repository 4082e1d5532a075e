package syncspace

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type EngineOptions struct {
	Registry *Registry
	Metadata WorkspaceMetadata
	PeerID   string
	// Collection is the CRDT document tree to hydrate as documents
	// finish loading. Optional; a nil collection gives a storage-only
	// engine.
	Collection DocCollection
	Logger     zerolog.Logger

	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	LoaderPoll     time.Duration
}

// WorkspaceEngine is the per-workspace composition root: it starts the
// sync worker, registers the root document at maximal priority, opens
// the presence channel and hydrates the document tree from storage.
type WorkspaceEngine struct {
	registry   *Registry
	meta       WorkspaceMetadata
	peerID     string
	collection DocCollection
	logger     zerolog.Logger
	retryBase  time.Duration
	retryMax   time.Duration
	loaderPoll time.Duration

	mu        sync.Mutex
	handle    *OrchestratorHandle
	started   bool
	closed    bool
	hydrateWg sync.WaitGroup
}

func NewWorkspaceEngine(opts EngineOptions) (*WorkspaceEngine, error) {
	if opts.Registry == nil || opts.Metadata.ID == "" {
		return nil, ErrInvalidInput
	}
	return &WorkspaceEngine{
		registry:   opts.Registry,
		meta:       opts.Metadata,
		peerID:     opts.PeerID,
		collection: opts.Collection,
		logger:     opts.Logger.With().Str("workspace", opts.Metadata.ID).Logger(),
		retryBase:  opts.RetryBaseDelay,
		retryMax:   opts.RetryMaxDelay,
		loaderPoll: opts.LoaderPoll,
	}, nil
}

// Start brings the engine up in a fixed sequence: worker, root document
// registration, subdocument registration, presence. A second Start is
// rejected rather than restarted.
func (e *WorkspaceEngine) Start(ctx context.Context, init WorkerInitOptions) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()
	fail := func(err error) error {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	handle, err := StartOrchestratorHandle(OrchestratorOptions{
		Registry:       e.registry,
		Init:           init,
		Logger:         e.logger,
		RetryBaseDelay: e.retryBase,
		RetryMaxDelay:  e.retryMax,
		LoaderPoll:     e.loaderPoll,
	})
	if err != nil {
		return fail(err)
	}

	if err := handle.AddDoc(e.meta.ID, true); err != nil {
		handle.Stop()
		return fail(err)
	}
	if e.collection != nil {
		for _, subdoc := range e.collection.Root().Subdocs() {
			if err := handle.AddDoc(subdoc.GUID(), false); err != nil {
				handle.Stop()
				return fail(err)
			}
		}
	}
	if err := handle.ConnectAwareness(ctx, nil); err != nil {
		handle.Stop()
		return fail(err)
	}

	e.mu.Lock()
	e.handle = handle
	e.mu.Unlock()

	if e.collection != nil {
		e.hydrateWg.Add(1)
		go e.hydrateLoop(handle)
	}
	e.logger.Info().Str("flavour", e.meta.Flavour).Msg("workspace engine started")
	return nil
}

// hydrateLoop applies stored bytes into the document tree as documents
// reach the synced state.
func (e *WorkspaceEngine) hydrateLoop(handle *OrchestratorHandle) {
	defer e.hydrateWg.Done()
	for state := range handle.DocStateEvents() {
		if state.State != SyncStateSynced {
			continue
		}
		doc := e.collection.Doc(state.DocID)
		if doc == nil {
			continue
		}
		record, err := handle.GetDoc(context.Background(), state.DocID)
		if err != nil || record == nil {
			continue
		}
		if err := doc.ApplyUpdate(record.Bin); err != nil {
			e.logger.Warn().Str("doc", state.DocID).Err(err).Msg("hydrate failed")
		}
	}
}

func (e *WorkspaceEngine) currentHandle() (*OrchestratorHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started || e.closed || e.handle == nil {
		return nil, ErrNotInitialized
	}
	return e.handle, nil
}

func (e *WorkspaceEngine) Metadata() WorkspaceMetadata {
	return e.meta
}

// Doc returns the document surface. It errors until Start has run.
func (e *WorkspaceEngine) Doc() (*EngineDoc, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return nil, err
	}
	return &EngineDoc{handle: handle}, nil
}

func (e *WorkspaceEngine) Blob() (*EngineBlob, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return nil, err
	}
	return &EngineBlob{handle: handle}, nil
}

func (e *WorkspaceEngine) Awareness() (*EngineAwareness, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return nil, err
	}
	return &EngineAwareness{handle: handle, workspaceID: e.meta.ID, peerID: e.peerID}, nil
}

func (e *WorkspaceEngine) RootDocState() (DocState, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return DocState{}, err
	}
	return handle.RootDocState()
}

func (e *WorkspaceEngine) DocStates() ([]DocState, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return nil, err
	}
	return handle.DocStates()
}

// WaitForRoot blocks until the root document leaves the loading states
// or the context expires.
func (e *WorkspaceEngine) WaitForRoot(ctx context.Context) (DocState, error) {
	handle, err := e.currentHandle()
	if err != nil {
		return DocState{}, err
	}
	for {
		state, err := handle.RootDocState()
		if err != nil {
			return DocState{}, err
		}
		if state.State == SyncStateSynced || state.State == SyncStateError {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Close unwinds in reverse start order and is safe to call twice.
func (e *WorkspaceEngine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	handle := e.handle
	e.handle = nil
	e.mu.Unlock()

	if handle != nil {
		handle.Stop()
		e.hydrateWg.Wait()
	}
	if e.collection != nil {
		if err := e.collection.Close(); err != nil {
			return err
		}
	}
	e.logger.Info().Msg("workspace engine closed")
	return nil
}

// EngineDoc narrows the worker handle to document operations.
type EngineDoc struct {
	handle *OrchestratorHandle
}

func (d *EngineDoc) Get(ctx context.Context, docID string) (*DocRecord, error) {
	return d.handle.GetDoc(ctx, docID)
}

func (d *EngineDoc) Push(ctx context.Context, record DocRecord) error {
	if record.DocID == "" {
		return ErrInvalidInput
	}
	return d.handle.PushDocUpdate(ctx, record)
}

func (d *EngineDoc) Add(docID string) error {
	return d.handle.AddDoc(docID, false)
}

func (d *EngineDoc) AddPriority(docID string, weight int) error {
	return d.handle.AddPriority(docID, weight)
}

type EngineBlob struct {
	handle *OrchestratorHandle
}

func (b *EngineBlob) Get(ctx context.Context, key string) (*BlobRecord, error) {
	return b.handle.GetBlob(ctx, key)
}

func (b *EngineBlob) Set(ctx context.Context, record BlobRecord) error {
	if record.Key == "" {
		return ErrInvalidInput
	}
	return b.handle.SetBlob(ctx, record)
}

func (b *EngineBlob) Delete(ctx context.Context, key string, permanently bool) error {
	return b.handle.DeleteBlob(ctx, key, permanently)
}

func (b *EngineBlob) Release(ctx context.Context) error {
	return b.handle.ReleaseBlobs(ctx)
}

func (b *EngineBlob) List(ctx context.Context) ([]ListedBlob, error) {
	return b.handle.ListBlobs(ctx)
}

type EngineAwareness struct {
	handle      *OrchestratorHandle
	workspaceID string
	peerID      string
}

func (a *EngineAwareness) Broadcast(payload []byte, full bool) error {
	return a.handle.BroadcastAwareness(AwarenessUpdate{
		WorkspaceID: a.workspaceID,
		PeerID:      a.peerID,
		Full:        full,
		Payload:     payload,
	})
}

func (a *EngineAwareness) Subscribe(fn func(AwarenessUpdate)) (func(), error) {
	return a.handle.SubscribeAwareness(fn)
}
