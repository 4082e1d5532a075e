package syncspace

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func newTestLocalProvider(t *testing.T, factory *fakeCollectionFactory) (*LocalProvider, *GlobalState) {
	t.Helper()
	state := NewGlobalState(nil, nil)
	provider, err := NewLocalProvider(LocalProviderOptions{
		Registry:      newTestRegistry(t),
		State:         state,
		PeerID:        "peer-a",
		LocalBackend:  "file",
		DataDir:       t.TempDir(),
		NewCollection: factory.New,
	})
	if err != nil {
		t.Fatalf("new local provider: %v", err)
	}
	return provider, state
}

func TestLocalCreateWorkspacePersistsAndRegisters(t *testing.T) {
	factory := &fakeCollectionFactory{}
	provider, state := newTestLocalProvider(t, factory)
	ctx := context.Background()

	meta, err := provider.CreateWorkspace(ctx, func(ctx context.Context, collection DocCollection, docs DocStorage, blobs BlobStorage) error {
		if err := collection.Root().ApplyUpdate([]byte("hello")); err != nil {
			return err
		}
		return blobs.Set(ctx, BlobRecord{Key: "cover", Data: []byte{1}})
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if meta.Flavour != FlavourLocal || meta.ID == "" {
		t.Fatalf("unexpected metadata %+v", meta)
	}

	ids := state.WorkspaceIDs(FlavourLocal)
	if len(ids) != 1 || ids[0] != meta.ID {
		t.Fatalf("workspace not registered: %v", ids)
	}
	if factory.last() == nil || !factory.last().isClosed() {
		t.Fatal("collection must be disposed after create")
	}

	docs, err := provider.registry.BuildDocStorage(provider.localSpec(meta.ID))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	record, err := docs.GetDoc(ctx, meta.ID)
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	if record == nil || !strings.Contains(string(record.Bin), "hello") {
		t.Fatalf("seeded root not persisted: %+v", record)
	}
}

func TestLocalCreateWorkspaceFailureLeavesNothing(t *testing.T) {
	factory := &fakeCollectionFactory{}
	provider, state := newTestLocalProvider(t, factory)

	boom := errors.New("initializer failed")
	_, err := provider.CreateWorkspace(context.Background(), func(context.Context, DocCollection, DocStorage, BlobStorage) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected initializer error, got %v", err)
	}
	if ids := state.WorkspaceIDs(FlavourLocal); len(ids) != 0 {
		t.Fatalf("failed create must not register a workspace, got %v", ids)
	}
	if factory.last() == nil || !factory.last().isClosed() {
		t.Fatal("collection must be disposed even on failure")
	}
}

func TestLocalCreateWorkspacePersistsSubdocs(t *testing.T) {
	factory := &fakeCollectionFactory{}
	provider, _ := newTestLocalProvider(t, factory)
	ctx := context.Background()

	meta, err := provider.CreateWorkspace(ctx, func(ctx context.Context, collection DocCollection, _ DocStorage, _ BlobStorage) error {
		subdoc, err := collection.CreateSubdoc("pages")
		if err != nil {
			return err
		}
		return subdoc.ApplyUpdate([]byte("page-content"))
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	docs, err := provider.registry.BuildDocStorage(provider.localSpec(meta.ID))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	record, err := docs.GetDoc(ctx, "pages")
	if err != nil {
		t.Fatalf("get subdoc: %v", err)
	}
	if record == nil || !strings.Contains(string(record.Bin), "page-content") {
		t.Fatalf("subdoc not persisted: %+v", record)
	}
}

func TestLocalDeleteWorkspaceRemovesMembership(t *testing.T) {
	factory := &fakeCollectionFactory{}
	provider, state := newTestLocalProvider(t, factory)
	ctx := context.Background()

	meta, err := provider.CreateWorkspace(ctx, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := provider.DeleteWorkspace(ctx, meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if ids := state.WorkspaceIDs(FlavourLocal); len(ids) != 0 {
		t.Fatalf("expected empty list after delete, got %v", ids)
	}
}

func TestLocalProfileToleratesMissingBytes(t *testing.T) {
	factory := &fakeCollectionFactory{}
	provider, _ := newTestLocalProvider(t, factory)

	profile, err := provider.WorkspaceProfile(context.Background(), "never-created")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.ID != "never-created" || !profile.IsOwner {
		t.Fatalf("expected best-effort owner profile, got %+v", profile)
	}
}

func TestLocalEngineWorkerInitOptionsHaveNoRemotes(t *testing.T) {
	factory := &fakeCollectionFactory{}
	provider, _ := newTestLocalProvider(t, factory)

	init := provider.EngineWorkerInitOptions("w1")
	if len(init.Local) != 1 || init.Local[0].Name != "file" {
		t.Fatalf("unexpected local specs %+v", init.Local)
	}
	if len(init.Remotes) != 0 {
		t.Fatalf("local flavour must not carry remotes, got %+v", init.Remotes)
	}
	if err := provider.registry.ValidateInitOptions(init); err != nil {
		t.Fatalf("init options must validate: %v", err)
	}
}
