package syncspace

import (
	"context"
	"testing"
)

func newTestCloudProvider(t *testing.T, transport *fakeCloudTransport, withRevalidator bool) (*CloudProvider, *GlobalState) {
	t.Helper()
	registry, err := NewRegistry(RegistryOptions{
		MergeUpdates: testMerge,
		Transport:    func(WorkspaceOptions) Transport { return transport },
	})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	state := NewGlobalState(nil, nil)
	factory := &fakeCollectionFactory{}

	var revalidator *Revalidator
	if withRevalidator {
		revalidator, err = NewRevalidator(RevalidatorOptions{
			Scope: "test-server",
			State: state,
			Fetch: FetchWorkspaceList(transport),
		})
		if err != nil {
			t.Fatalf("new revalidator: %v", err)
		}
		revalidator.SetIdentity("acc-1")
		t.Cleanup(revalidator.Stop)
	}

	provider, err := NewCloudProvider(CloudProviderOptions{
		Registry:      registry,
		State:         state,
		PeerID:        "peer-a",
		ServerID:      "test-server",
		ServerBaseURL: "https://cloud.example.com",
		LocalBackend:  "file",
		DataDir:       t.TempDir(),
		NewCollection: factory.New,
		Revalidator:   revalidator,
	})
	if err != nil {
		t.Fatalf("new cloud provider: %v", err)
	}
	return provider, state
}

func TestCloudCreateWorkspaceUsesServerID(t *testing.T) {
	transport := newFakeCloudTransport("srv-assigned")
	provider, state := newTestCloudProvider(t, transport, false)

	meta, err := provider.CreateWorkspace(context.Background(), func(ctx context.Context, collection DocCollection, _ DocStorage, _ BlobStorage) error {
		return collection.Root().ApplyUpdate([]byte("seed"))
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if meta.ID != "srv-assigned" || meta.Flavour != FlavourCloud {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if ids := state.WorkspaceIDs(FlavourCloud); len(ids) != 1 || ids[0] != "srv-assigned" {
		t.Fatalf("workspace not registered: %v", ids)
	}
	if bin := transport.doc("srv-assigned", "srv-assigned"); len(bin) == 0 {
		t.Fatal("seeded root never reached the server")
	}
}

func TestCloudDeleteWorkspaceWaitsForStableList(t *testing.T) {
	transport := newFakeCloudTransport("w-cloud")
	provider, state := newTestCloudProvider(t, transport, true)
	ctx := context.Background()

	meta, err := provider.CreateWorkspace(ctx, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := provider.DeleteWorkspace(ctx, meta.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if deleted := transport.deletedIDs(); len(deleted) != 1 || deleted[0] != meta.ID {
		t.Fatalf("remote deletion not issued: %v", deleted)
	}
	if ids := state.WorkspaceIDs(FlavourCloud); len(ids) != 0 {
		t.Fatalf("membership not removed: %v", ids)
	}
}

func TestCloudEngineWorkerInitOptions(t *testing.T) {
	transport := newFakeCloudTransport("w-cloud")
	provider, _ := newTestCloudProvider(t, transport, false)

	init := provider.EngineWorkerInitOptions("w-cloud")
	if len(init.Local) != 1 || init.Local[0].Name != "file" {
		t.Fatalf("unexpected local specs %+v", init.Local)
	}
	if len(init.Remotes) != 1 || len(init.Remotes[0]) != 1 || init.Remotes[0][0].Name != "cloud" {
		t.Fatalf("expected exactly one cloud remote group, got %+v", init.Remotes)
	}
	if init.Remotes[0][0].Opts.ServerBaseURL != "https://cloud.example.com" {
		t.Fatalf("remote spec missing server url: %+v", init.Remotes[0][0].Opts)
	}
}

func TestCloudProfileFallsBackWhenServerUnreachable(t *testing.T) {
	transport := newFakeCloudTransport("w-cloud")
	provider, _ := newTestCloudProvider(t, transport, false)

	// The fake transport has no getWorkspaceProfile operation, which
	// stands in for an unreachable or older server.
	profile, err := provider.WorkspaceProfile(context.Background(), "w-cloud")
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if profile.ID != "w-cloud" {
		t.Fatalf("expected bare profile, got %+v", profile)
	}
}
