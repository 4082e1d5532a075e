package syncspace

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// flakyDocStorage fails its first N reads with a connectivity error,
// then behaves like the wrapped store.
type flakyDocStorage struct {
	inner    *MemoryDocStorage
	mu       sync.Mutex
	failures int
}

func (s *flakyDocStorage) Name() string {
	return "fakeremote"
}

func (s *flakyDocStorage) GetDoc(ctx context.Context, docID string) (*DocRecord, error) {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, unavailable("fakeremote", "get", errors.New("connection refused"))
	}
	s.mu.Unlock()
	return s.inner.GetDoc(ctx, docID)
}

func (s *flakyDocStorage) PushDocUpdate(ctx context.Context, record DocRecord) error {
	return s.inner.PushDocUpdate(ctx, record)
}

func (s *flakyDocStorage) Close() error {
	return nil
}

func newSyncTestRegistry(t *testing.T, remoteDocs DocStorage, remoteBlobs BlobStorage) *Registry {
	t.Helper()
	registry := newTestRegistry(t)
	registry.RegisterDocBackend("fakeremote", true, func(WorkspaceOptions) (DocStorage, error) {
		return remoteDocs, nil
	})
	registry.RegisterBlobBackend("fakeremote", true, func(WorkspaceOptions) (BlobStorage, error) {
		return remoteBlobs, nil
	})
	registry.RegisterAwarenessBackend("fakeremote", true, func(opts WorkspaceOptions) (AwarenessBackend, error) {
		return NewMemoryAwarenessBackend(registry.hub, opts), nil
	})
	return registry
}

func syncTestInit() WorkerInitOptions {
	return WorkerInitOptions{
		Local:   []BackendSpec{{Name: "memory", Opts: testWorkspaceOptions("w1")}},
		Remotes: [][]BackendSpec{{{Name: "fakeremote", Opts: testWorkspaceOptions("w1")}}},
	}
}

func newTestOrchestrator(t *testing.T, registry *Registry) *Orchestrator {
	t.Helper()
	orch, err := NewOrchestrator(OrchestratorOptions{
		Registry:       registry,
		Init:           syncTestInit(),
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		LoaderPoll:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return orch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestOrchestratorPullsRemoteDocIntoLocal(t *testing.T) {
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	remoteBlobs := NewMemoryBlobStorage(testWorkspaceOptions("w1"))
	ctx := context.Background()
	if err := remoteDocs.inner.PushDocUpdate(ctx, DocRecord{DocID: "w1", Bin: []byte("remote-edit")}); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, remoteBlobs))
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()
	orch.AddDoc("w1", true)

	waitFor(t, "root doc to sync", func() bool {
		return orch.RootDocState().State == SyncStateSynced
	})
	record, err := orch.Doc().GetDoc(ctx, "w1")
	if err != nil {
		t.Fatalf("get local: %v", err)
	}
	if record == nil || !strings.Contains(string(record.Bin), "remote-edit") {
		t.Fatalf("remote update missing from local store: %+v", record)
	}
}

func TestOrchestratorRetriesConnectivityErrors(t *testing.T) {
	remoteDocs := &flakyDocStorage{
		inner:    NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge),
		failures: 2,
	}
	remoteBlobs := NewMemoryBlobStorage(testWorkspaceOptions("w1"))
	if err := remoteDocs.inner.PushDocUpdate(context.Background(), DocRecord{DocID: "w1", Bin: []byte("eventually")}); err != nil {
		t.Fatalf("seed remote: %v", err)
	}

	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, remoteBlobs))
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()
	orch.AddDoc("w1", true)

	waitFor(t, "root doc to recover", func() bool {
		return orch.RootDocState().State == SyncStateSynced
	})
	state := orch.RootDocState()
	if state.LastError != "" {
		t.Fatalf("recovered doc must clear its error, got %q", state.LastError)
	}
}

func TestOrchestratorStartTwiceFails(t *testing.T) {
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, NewMemoryBlobStorage(testWorkspaceOptions("w1"))))
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := orch.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
	orch.Stop()
	orch.Stop()
}

func TestDocFrontendPushReachesRemote(t *testing.T) {
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, NewMemoryBlobStorage(testWorkspaceOptions("w1"))))
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	ctx := context.Background()
	if err := orch.Doc().PushDocUpdate(ctx, DocRecord{DocID: "w1", Bin: []byte("local-edit")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	waitFor(t, "remote to receive the push", func() bool {
		record, err := remoteDocs.inner.GetDoc(ctx, "w1")
		return err == nil && record != nil && strings.Contains(string(record.Bin), "local-edit")
	})
}

func TestDocFrontendPushReachesEveryRemote(t *testing.T) {
	// Two distinct remote instances of the same backend kind must each
	// receive the update; delivery is tracked per target, not per name.
	remoteA := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	remoteB := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	registry := newTestRegistry(t)
	remotes := []DocStorage{remoteA, remoteB}
	built := 0
	registry.RegisterDocBackend("fakeremote", true, func(WorkspaceOptions) (DocStorage, error) {
		docs := remotes[built%len(remotes)]
		built++
		return docs, nil
	})
	registry.RegisterBlobBackend("fakeremote", true, func(opts WorkspaceOptions) (BlobStorage, error) {
		return NewMemoryBlobStorage(opts), nil
	})
	registry.RegisterAwarenessBackend("fakeremote", true, func(opts WorkspaceOptions) (AwarenessBackend, error) {
		return NewMemoryAwarenessBackend(registry.hub, opts), nil
	})

	orch, err := NewOrchestrator(OrchestratorOptions{
		Registry: registry,
		Init: WorkerInitOptions{
			Local: []BackendSpec{{Name: "memory", Opts: testWorkspaceOptions("w1")}},
			Remotes: [][]BackendSpec{{
				{Name: "fakeremote", Opts: testWorkspaceOptions("w1")},
				{Name: "fakeremote", Opts: testWorkspaceOptions("w1")},
			}},
		},
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		LoaderPoll:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	ctx := context.Background()
	if err := orch.Doc().PushDocUpdate(ctx, DocRecord{DocID: "w1", Bin: []byte("shared-edit")}); err != nil {
		t.Fatalf("push: %v", err)
	}
	has := func(s *flakyDocStorage) bool {
		record, getErr := s.inner.GetDoc(ctx, "w1")
		return getErr == nil && record != nil && strings.Contains(string(record.Bin), "shared-edit")
	}
	waitFor(t, "every remote to receive the push", func() bool {
		return has(remoteA) && has(remoteB)
	})
}

// closeCountingDocStorage counts Close calls on top of a memory store.
type closeCountingDocStorage struct {
	*MemoryDocStorage
	mu     sync.Mutex
	closes int
}

func (s *closeCountingDocStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

func (s *closeCountingDocStorage) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

func TestOrchestratorStartFailureClosesBuiltBackends(t *testing.T) {
	docs := &closeCountingDocStorage{MemoryDocStorage: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	registry := newTestRegistry(t)
	registry.RegisterDocBackend("fakeremote", true, func(WorkspaceOptions) (DocStorage, error) {
		return docs, nil
	})
	registry.RegisterBlobBackend("fakeremote", true, func(WorkspaceOptions) (BlobStorage, error) {
		return nil, errors.New("blob store offline")
	})
	registry.RegisterAwarenessBackend("fakeremote", true, func(opts WorkspaceOptions) (AwarenessBackend, error) {
		return NewMemoryAwarenessBackend(registry.hub, opts), nil
	})
	orch := newTestOrchestrator(t, registry)

	if err := orch.Start(); err == nil {
		t.Fatal("expected start to fail on the blob build")
	}
	if got := docs.closeCount(); got != 1 {
		t.Fatalf("built remote doc store must be closed on failure, closes=%d", got)
	}
	if err := orch.Start(); errors.Is(err, ErrAlreadyStarted) {
		t.Fatal("failed start must not leave the orchestrator started")
	}
	orch.Stop()
}

func TestBlobMirrorSkippedDuringShutdown(t *testing.T) {
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, NewMemoryBlobStorage(testWorkspaceOptions("w1"))))
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	ctx := context.Background()
	blob := orch.Blob()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			_ = blob.Set(ctx, BlobRecord{Key: "churn", Data: []byte{byte(i)}})
		}
	}()
	orch.Stop()
	<-done

	// After Stop the mirror spawn is refused rather than racing the
	// worker WaitGroup.
	if err := blob.Set(ctx, BlobRecord{Key: "late", Data: []byte{1}}); err != nil {
		t.Fatalf("late set: %v", err)
	}
}

func TestBlobFrontendFallsBackToRemoteAndBackfills(t *testing.T) {
	remoteBlobs := NewMemoryBlobStorage(testWorkspaceOptions("w1"))
	ctx := context.Background()
	if err := remoteBlobs.Set(ctx, BlobRecord{Key: "b1", Data: []byte{9, 9}, Mime: "image/png"}); err != nil {
		t.Fatalf("seed remote blob: %v", err)
	}
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}

	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, remoteBlobs))
	if err := orch.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer orch.Stop()

	blob := orch.Blob()
	record, err := blob.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record == nil || record.Mime != "image/png" {
		t.Fatalf("remote fallback failed: %+v", record)
	}
	// The miss backfilled the local tier.
	local, err := orch.localBlob.Get(ctx, "b1")
	if err != nil {
		t.Fatalf("local get: %v", err)
	}
	if local == nil {
		t.Fatal("expected local backfill after remote hit")
	}
}

func TestNextDocOrdersByWeightThenInsertion(t *testing.T) {
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, NewMemoryBlobStorage(testWorkspaceOptions("w1"))))

	orch.AddDoc("low-a", false)
	orch.AddDoc("low-b", false)
	orch.AddDoc("w1", true)
	orch.AddDoc("mid", false)
	orch.AddPriority("mid", 50)

	now := time.Now()
	order := []string{}
	for {
		entry := orch.nextDoc(now)
		if entry == nil {
			break
		}
		order = append(order, entry.docID)
	}
	want := []string{"w1", "mid", "low-a", "low-b"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestAddPriorityNeverLowersRoot(t *testing.T) {
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	orch := newTestOrchestrator(t, newSyncTestRegistry(t, remoteDocs, NewMemoryBlobStorage(testWorkspaceOptions("w1"))))

	orch.AddDoc("w1", true)
	orch.AddPriority("w1", 1)

	orch.mu.Lock()
	weight := orch.docs["w1"].weight
	orch.mu.Unlock()
	if weight != RootDocPriority {
		t.Fatalf("root weight changed to %d", weight)
	}
}
