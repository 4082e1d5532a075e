package syncspace

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, collection DocCollection) (*WorkspaceEngine, *flakyDocStorage) {
	t.Helper()
	remoteDocs := &flakyDocStorage{inner: NewMemoryDocStorage(testWorkspaceOptions("w1"), testMerge)}
	registry := newSyncTestRegistry(t, remoteDocs, NewMemoryBlobStorage(testWorkspaceOptions("w1")))
	engine, err := NewWorkspaceEngine(EngineOptions{
		Registry:       registry,
		Metadata:       WorkspaceMetadata{ID: "w1", Flavour: FlavourLocal},
		PeerID:         "peer-a",
		Collection:     collection,
		RetryBaseDelay: time.Millisecond,
		RetryMaxDelay:  10 * time.Millisecond,
		LoaderPoll:     2 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, remoteDocs
}

func TestEngineAccessorsRequireStart(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	if _, err := engine.Doc(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("doc accessor before start: %v", err)
	}
	if _, err := engine.Blob(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("blob accessor before start: %v", err)
	}
	if _, err := engine.Awareness(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("awareness accessor before start: %v", err)
	}
}

func TestEngineStartTwiceFails(t *testing.T) {
	engine, _ := newTestEngine(t, nil)
	ctx := context.Background()
	if err := engine.Start(ctx, syncTestInit()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Close()
	if err := engine.Start(ctx, syncTestInit()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestEngineRootReachesSynced(t *testing.T) {
	engine, remoteDocs := newTestEngine(t, nil)
	ctx := context.Background()
	if err := remoteDocs.inner.PushDocUpdate(ctx, DocRecord{DocID: "w1", Bin: []byte("from-server")}); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	if err := engine.Start(ctx, syncTestInit()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	state, err := engine.WaitForRoot(waitCtx)
	if err != nil {
		t.Fatalf("wait for root: %v", err)
	}
	if state.State != SyncStateSynced {
		t.Fatalf("expected synced root, got %+v", state)
	}
}

func TestEngineRegistersCollectionSubdocs(t *testing.T) {
	collection := newFakeCollection("w1")
	collection.root.addSubdoc("s1")
	engine, _ := newTestEngine(t, collection)
	ctx := context.Background()
	if err := engine.Start(ctx, syncTestInit()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Close()

	waitFor(t, "subdoc registration", func() bool {
		states, err := engine.DocStates()
		if err != nil {
			return false
		}
		found := false
		for _, state := range states {
			if state.DocID == "s1" {
				found = true
			}
		}
		return found
	})
}

func TestEngineHydratesCollectionFromStorage(t *testing.T) {
	collection := newFakeCollection("w1")
	engine, remoteDocs := newTestEngine(t, collection)
	ctx := context.Background()
	if err := remoteDocs.inner.PushDocUpdate(ctx, DocRecord{DocID: "w1", Bin: []byte("remote-content")}); err != nil {
		t.Fatalf("seed remote: %v", err)
	}
	if err := engine.Start(ctx, syncTestInit()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer engine.Close()

	waitFor(t, "collection hydration", func() bool {
		bin, err := collection.root.EncodeStateAsUpdate()
		return err == nil && string(bin) != ""
	})
}

func TestEngineCloseIsIdempotentAndDisposesCollection(t *testing.T) {
	collection := newFakeCollection("w1")
	engine, _ := newTestEngine(t, collection)
	if err := engine.Start(context.Background(), syncTestInit()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !collection.isClosed() {
		t.Fatal("collection must be disposed on close")
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := engine.Doc(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("accessor after close: %v", err)
	}
}
