package syncspace

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// localTarget keys the dedup ledger for the single local store. Remote
// targets are keyed by their position in the remote group, never by
// backend name: two remotes of the same kind are distinct targets.
const localTarget = "local"

func remoteTarget(i int) string {
	return "remote:" + strconv.Itoa(i)
}

type OrchestratorOptions struct {
	Registry       *Registry
	Init           WorkerInitOptions
	Logger         zerolog.Logger
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// LoaderPoll bounds how long a due retry can wait for the loader.
	LoaderPoll time.Duration
}

type docEntry struct {
	docID    string
	root     bool
	weight   int
	seq      int
	state    SyncState
	lastErr  string
	attempts int
	nextTry  time.Time
}

type pushTask struct {
	key    string
	target DocStorage
	record DocRecord
}

// Orchestrator owns one document, one blob and one awareness frontend,
// each wired to a single local backend plus the first remote backend
// group. It drives priority-weighted document loading and bidirectional
// sync, and surfaces per-document readiness to subscribers.
type Orchestrator struct {
	registry *Registry
	init     WorkerInitOptions
	logger   zerolog.Logger

	retryBase  time.Duration
	retryMax   time.Duration
	loaderPoll time.Duration

	localDoc   DocStorage
	remoteDocs []DocStorage
	localBlob  BlobStorage
	remoteBlob []BlobStorage
	localAware AwarenessBackend
	remoteAwar []AwarenessBackend

	mu       sync.Mutex
	started  bool
	stopping bool
	docs     map[string]*docEntry
	seq      int
	applied  map[string]map[string]struct{}
	subs     map[int]func(DocState)
	nextSub  int
	pushCh   chan pushTask
	wake     chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Registry == nil {
		return nil, ErrInvalidInput
	}
	if err := opts.Registry.ValidateInitOptions(opts.Init); err != nil {
		return nil, err
	}
	retryBase := opts.RetryBaseDelay
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	retryMax := opts.RetryMaxDelay
	if retryMax <= 0 {
		retryMax = 30 * time.Second
	}
	loaderPoll := opts.LoaderPoll
	if loaderPoll <= 0 {
		loaderPoll = 100 * time.Millisecond
	}
	return &Orchestrator{
		registry:   opts.Registry,
		init:       opts.Init,
		logger:     opts.Logger,
		retryBase:  retryBase,
		retryMax:   retryMax,
		loaderPoll: loaderPoll,
		docs:       map[string]*docEntry{},
		applied:    map[string]map[string]struct{}{},
		subs:       map[int]func(DocState){},
		pushCh:     make(chan pushTask, 256),
		wake:       make(chan struct{}, 1),
	}, nil
}

// Start builds the backend set and begins syncing. Calling Start on a
// started orchestrator is a programmer error, not a retried condition.
func (o *Orchestrator) Start() error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.started = true
	o.runCtx, o.cancel = context.WithCancel(context.Background())
	o.mu.Unlock()

	// A failed build unwinds everything already built so a retried
	// Start sees a fresh orchestrator.
	fail := func(err error) error {
		o.closeBackends()
		o.cancel()
		o.mu.Lock()
		o.started = false
		o.localDoc, o.localBlob, o.localAware = nil, nil, nil
		o.remoteDocs, o.remoteBlob, o.remoteAwar = nil, nil, nil
		o.mu.Unlock()
		return err
	}

	localSpec := o.init.Local[0]
	var remoteGroup []BackendSpec
	if len(o.init.Remotes) > 0 {
		remoteGroup = o.init.Remotes[0]
	}

	var err error
	if o.localDoc, err = o.registry.BuildDocStorage(localSpec); err != nil {
		return fail(err)
	}
	if o.localBlob, err = o.registry.BuildBlobStorage(localSpec); err != nil {
		return fail(err)
	}
	if o.localAware, err = o.registry.BuildAwareness(localSpec); err != nil {
		return fail(err)
	}

	for _, spec := range remoteGroup {
		remoteDoc, buildErr := o.registry.BuildDocStorage(spec)
		if buildErr != nil {
			return fail(buildErr)
		}
		o.remoteDocs = append(o.remoteDocs, remoteDoc)
		remoteBlob, buildErr := o.registry.BuildBlobStorage(spec)
		if buildErr != nil {
			return fail(buildErr)
		}
		o.remoteBlob = append(o.remoteBlob, remoteBlob)
		remoteAware, buildErr := o.registry.BuildAwareness(spec)
		if buildErr != nil {
			return fail(buildErr)
		}
		o.remoteAwar = append(o.remoteAwar, remoteAware)
	}

	o.wg.Add(2)
	go o.loaderLoop()
	go o.pushLoop()

	o.logger.Info().
		Str("local", localSpec.Name).
		Int("remotes", len(remoteGroup)).
		Msg("sync orchestrator started")
	return nil
}

// Stop is idempotent and waits for the worker goroutines to drain.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	started := o.started
	o.mu.Unlock()
	if !started {
		return
	}
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.stopping = true
		o.mu.Unlock()
		o.cancel()
		o.wg.Wait()
		o.closeBackends()
		o.logger.Info().Msg("sync orchestrator stopped")
	})
}

// closeBackends closes in reverse build order.
func (o *Orchestrator) closeBackends() {
	for _, backend := range o.remoteAwar {
		_ = backend.Close()
	}
	if o.localAware != nil {
		_ = o.localAware.Close()
	}
	for _, backend := range o.remoteBlob {
		_ = backend.Close()
	}
	if o.localBlob != nil {
		_ = o.localBlob.Close()
	}
	for _, backend := range o.remoteDocs {
		_ = backend.Close()
	}
	if o.localDoc != nil {
		_ = o.localDoc.Close()
	}
}

// AddDoc registers a document for loading. The root document always
// carries maximal priority so workspace identity resolves first.
func (o *Orchestrator) AddDoc(docID string, isRoot bool) {
	if docID == "" {
		return
	}
	o.mu.Lock()
	entry, ok := o.docs[docID]
	if !ok {
		o.seq++
		entry = &docEntry{docID: docID, seq: o.seq, state: SyncStateNotLoaded}
		o.docs[docID] = entry
	}
	if isRoot {
		entry.root = true
		entry.weight = RootDocPriority
	}
	o.mu.Unlock()
	o.notify(docID)
	o.wakeLoader()
}

// AddPriority raises the load weight of a document. The root document's
// weight is never lowered below maximal.
func (o *Orchestrator) AddPriority(docID string, weight int) {
	o.mu.Lock()
	entry, ok := o.docs[docID]
	if ok && !entry.root && weight > entry.weight {
		entry.weight = weight
	}
	o.mu.Unlock()
	if ok {
		o.wakeLoader()
	}
}

func (o *Orchestrator) DocStates() []DocState {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make([]DocState, 0, len(o.docs))
	for _, entry := range o.docs {
		states = append(states, DocState{
			DocID:     entry.docID,
			Root:      entry.root,
			State:     entry.state,
			LastError: entry.lastErr,
		})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].DocID < states[j].DocID })
	return states
}

// RootDocState reports the aggregate readiness of the workspace: the
// root document's own state.
func (o *Orchestrator) RootDocState() DocState {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, entry := range o.docs {
		if entry.root {
			return DocState{
				DocID:     entry.docID,
				Root:      true,
				State:     entry.state,
				LastError: entry.lastErr,
			}
		}
	}
	return DocState{}
}

func (o *Orchestrator) SubscribeDocState(fn func(DocState)) func() {
	o.mu.Lock()
	defer o.mu.Unlock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		delete(o.subs, id)
	}
}

func (o *Orchestrator) notify(docID string) {
	o.mu.Lock()
	entry, ok := o.docs[docID]
	if !ok {
		o.mu.Unlock()
		return
	}
	state := DocState{
		DocID:     entry.docID,
		Root:      entry.root,
		State:     entry.state,
		LastError: entry.lastErr,
	}
	fns := make([]func(DocState), 0, len(o.subs))
	for _, fn := range o.subs {
		fns = append(fns, fn)
	}
	o.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// spawnMirror runs a background mirror write tracked by the worker
// WaitGroup. Once shutdown has begun no new goroutine may be added, so
// the write is skipped; remote repair happens on the next load cycle.
func (o *Orchestrator) spawnMirror(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.started || o.stopping {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

func (o *Orchestrator) wakeLoader() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// nextDoc picks the highest-weight pending document, ties broken by
// insertion order.
func (o *Orchestrator) nextDoc(now time.Time) *docEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var best *docEntry
	for _, entry := range o.docs {
		if entry.state == SyncStateSynced || entry.state == SyncStateLoading {
			continue
		}
		if entry.state == SyncStateError && now.Before(entry.nextTry) {
			continue
		}
		if best == nil || entry.weight > best.weight ||
			(entry.weight == best.weight && entry.seq < best.seq) {
			best = entry
		}
	}
	if best != nil {
		best.state = SyncStateLoading
	}
	return best
}

func (o *Orchestrator) loaderLoop() {
	defer o.wg.Done()
	for {
		entry := o.nextDoc(time.Now())
		if entry == nil {
			select {
			case <-o.runCtx.Done():
				return
			case <-o.wake:
				continue
			case <-time.After(o.loaderPoll):
				continue
			}
		}
		o.notify(entry.docID)
		err := o.loadDoc(o.runCtx, entry.docID)
		o.mu.Lock()
		if err == nil {
			entry.state = SyncStateSynced
			entry.lastErr = ""
			entry.attempts = 0
		} else {
			entry.state = SyncStateError
			entry.lastErr = err.Error()
			entry.attempts++
			entry.nextTry = time.Now().Add(backoffDelay(entry.attempts, o.retryBase, o.retryMax))
		}
		o.mu.Unlock()
		if err != nil {
			o.logger.Warn().Str("doc", entry.docID).Err(err).Msg("doc sync failed")
		}
		o.notify(entry.docID)
		if o.runCtx.Err() != nil {
			return
		}
	}
}

// loadDoc pulls the document from every remote into local, then pushes
// the local state back out. Absence anywhere is not an error: a document
// that exists nowhere yet is resolved by local creation.
func (o *Orchestrator) loadDoc(ctx context.Context, docID string) error {
	var firstErr error
	for _, remote := range o.remoteDocs {
		record, err := remote.GetDoc(ctx, docID)
		if err != nil {
			if retryable(err) && firstErr == nil {
				firstErr = err
			}
			continue
		}
		if record == nil {
			continue
		}
		if o.markApplied(localTarget, docID, record.Bin) {
			if err := o.localDoc.PushDocUpdate(ctx, *record); err != nil {
				o.unmarkApplied(localTarget, docID, record.Bin)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	if firstErr != nil {
		return firstErr
	}

	local, err := o.localDoc.GetDoc(ctx, docID)
	if err != nil {
		return err
	}
	if local != nil {
		for i, remote := range o.remoteDocs {
			o.enqueuePush(remoteTarget(i), remote, *local)
		}
	}
	return nil
}

// markApplied records an update hash for a target key and reports
// whether the caller should apply it. Duplicate delivery is therefore
// safe: each distinct update byte-string reaches a target once.
func (o *Orchestrator) markApplied(target, docID string, bin []byte) bool {
	key := target + "\x00" + docID
	sum := sha256.Sum256(bin)
	hash := hex.EncodeToString(sum[:])
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.applied[key] == nil {
		o.applied[key] = map[string]struct{}{}
	}
	if _, seen := o.applied[key][hash]; seen {
		return false
	}
	o.applied[key][hash] = struct{}{}
	return true
}

func (o *Orchestrator) unmarkApplied(target, docID string, bin []byte) {
	key := target + "\x00" + docID
	sum := sha256.Sum256(bin)
	hash := hex.EncodeToString(sum[:])
	o.mu.Lock()
	defer o.mu.Unlock()
	if set := o.applied[key]; set != nil {
		delete(set, hash)
	}
}

func (o *Orchestrator) enqueuePush(targetKey string, target DocStorage, record DocRecord) {
	if !o.markApplied(targetKey+":push", record.DocID, record.Bin) {
		return
	}
	select {
	case o.pushCh <- pushTask{key: targetKey, target: target, record: record}:
	default:
		// Queue full: drop and let the next load cycle re-offer it.
		o.unmarkApplied(targetKey+":push", record.DocID, record.Bin)
	}
}

func (o *Orchestrator) pushLoop() {
	defer o.wg.Done()
	for {
		select {
		case <-o.runCtx.Done():
			return
		case task := <-o.pushCh:
			o.runPush(task)
		}
	}
}

func (o *Orchestrator) runPush(task pushTask) {
	attempt := 0
	for {
		err := task.target.PushDocUpdate(o.runCtx, task.record)
		if err == nil {
			return
		}
		if !retryable(err) {
			o.logger.Warn().
				Str("doc", task.record.DocID).
				Str("target", task.key).
				Str("backend", task.target.Name()).
				Err(err).
				Msg("remote push dropped")
			return
		}
		attempt++
		if !sleepBackoff(o.runCtx, attempt, o.retryBase, o.retryMax) {
			return
		}
	}
}

func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// DocFrontend is the engine's document surface: local reads, local
// writes mirrored opportunistically to every remote backend.
type DocFrontend struct {
	orch *Orchestrator
}

func (o *Orchestrator) Doc() *DocFrontend {
	return &DocFrontend{orch: o}
}

func (f *DocFrontend) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	record, err := f.orch.localDoc.GetDoc(ctx, docID)
	if err != nil || record != nil {
		return record, err
	}
	for _, remote := range f.orch.remoteDocs {
		remoteRecord, remoteErr := remote.GetDoc(ctx, docID)
		if remoteErr != nil || remoteRecord == nil {
			continue
		}
		if f.orch.markApplied(localTarget, docID, remoteRecord.Bin) {
			if pushErr := f.orch.localDoc.PushDocUpdate(ctx, *remoteRecord); pushErr != nil {
				f.orch.unmarkApplied(localTarget, docID, remoteRecord.Bin)
			}
		}
		return remoteRecord, nil
	}
	return nil, nil
}

func (f *DocFrontend) PushDocUpdate(ctx context.Context, record DocRecord) error {
	if err := f.orch.localDoc.PushDocUpdate(ctx, record); err != nil {
		return err
	}
	f.orch.markApplied(localTarget, record.DocID, record.Bin)
	for i, remote := range f.orch.remoteDocs {
		f.orch.enqueuePush(remoteTarget(i), remote, record)
	}
	return nil
}

// BlobFrontend reads through to remotes on a local miss and backfills
// the local store, which stays the durable source of truth.
type BlobFrontend struct {
	orch *Orchestrator
}

func (o *Orchestrator) Blob() *BlobFrontend {
	return &BlobFrontend{orch: o}
}

func (f *BlobFrontend) Get(ctx context.Context, key string) (*BlobRecord, error) {
	record, err := f.orch.localBlob.Get(ctx, key)
	if err != nil || record != nil {
		return record, err
	}
	for _, remote := range f.orch.remoteBlob {
		remoteRecord, remoteErr := remote.Get(ctx, key)
		if remoteErr != nil || remoteRecord == nil {
			continue
		}
		_ = f.orch.localBlob.Set(ctx, *remoteRecord)
		return remoteRecord, nil
	}
	return nil, nil
}

func (f *BlobFrontend) Set(ctx context.Context, record BlobRecord) error {
	if err := f.orch.localBlob.Set(ctx, record); err != nil {
		return err
	}
	for _, remote := range f.orch.remoteBlob {
		remote := remote
		o := f.orch
		o.spawnMirror(func() {
			if err := remote.Set(o.runCtx, record); err != nil {
				o.logger.Warn().Str("key", record.Key).Err(err).Msg("remote blob push dropped")
			}
		})
	}
	return nil
}

func (f *BlobFrontend) Delete(ctx context.Context, key string, permanently bool) error {
	if err := f.orch.localBlob.Delete(ctx, key, permanently); err != nil {
		return err
	}
	for _, remote := range f.orch.remoteBlob {
		_ = remote.Delete(ctx, key, permanently)
	}
	return nil
}

func (f *BlobFrontend) Release(ctx context.Context) error {
	if err := f.orch.localBlob.Release(ctx); err != nil {
		return err
	}
	for _, remote := range f.orch.remoteBlob {
		_ = remote.Release(ctx)
	}
	return nil
}

func (f *BlobFrontend) List(ctx context.Context) ([]ListedBlob, error) {
	return f.orch.localBlob.List(ctx)
}

// AwarenessFrontend fans presence through every configured channel.
type AwarenessFrontend struct {
	orch *Orchestrator
}

func (o *Orchestrator) Awareness() *AwarenessFrontend {
	return &AwarenessFrontend{orch: o}
}

func (f *AwarenessFrontend) Connect(ctx context.Context, localState []byte) error {
	if err := f.orch.localAware.Connect(ctx, localState); err != nil {
		return err
	}
	for _, remote := range f.orch.remoteAwar {
		// Remote presence is best effort; offline peers join later.
		_ = remote.Connect(ctx, localState)
	}
	return nil
}

func (f *AwarenessFrontend) Broadcast(update AwarenessUpdate) error {
	if err := f.orch.localAware.Broadcast(update); err != nil {
		return err
	}
	for _, remote := range f.orch.remoteAwar {
		_ = remote.Broadcast(update)
	}
	return nil
}

func (f *AwarenessFrontend) Subscribe(fn func(AwarenessUpdate)) func() {
	unsubs := make([]func(), 0, 1+len(f.orch.remoteAwar))
	unsubs = append(unsubs, f.orch.localAware.Subscribe(fn))
	for _, remote := range f.orch.remoteAwar {
		unsubs = append(unsubs, remote.Subscribe(fn))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}
