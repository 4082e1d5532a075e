package syncspace

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// blockingFetcher parks every fetch until released, recording calls.
type blockingFetcher struct {
	mu      sync.Mutex
	calls   []string
	results map[string][]RemoteWorkspace
	err     error
	release chan struct{}
}

func newBlockingFetcher() *blockingFetcher {
	return &blockingFetcher{
		results: map[string][]RemoteWorkspace{},
		release: make(chan struct{}),
	}
}

func (f *blockingFetcher) fetch(ctx context.Context, accountID string) ([]RemoteWorkspace, error) {
	f.mu.Lock()
	f.calls = append(f.calls, accountID)
	err := f.err
	result := append([]RemoteWorkspace(nil), f.results[accountID]...)
	f.mu.Unlock()
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *blockingFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestRevalidator(t *testing.T, fetch WorkspaceListFetcher) *Revalidator {
	t.Helper()
	revalidator, err := NewRevalidator(RevalidatorOptions{Scope: "test-server", Fetch: fetch})
	if err != nil {
		t.Fatalf("new revalidator: %v", err)
	}
	t.Cleanup(revalidator.Stop)
	return revalidator
}

func TestRevalidationLoggedOutEmitsEmptyWithoutFetch(t *testing.T) {
	fetcher := newBlockingFetcher()
	revalidator := newTestRevalidator(t, fetcher.fetch)
	lists, unsubscribe := revalidator.Subscribe()
	defer unsubscribe()

	revalidator.Trigger()

	select {
	case list := <-lists:
		if len(list) != 0 {
			t.Fatalf("expected empty list when logged out, got %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no emission for logged-out trigger")
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("logged-out trigger must not fetch, got %d calls", fetcher.callCount())
	}
}

func TestRevalidationCoalescesSameIdentityTriggers(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["acc-1"] = []RemoteWorkspace{{ID: "w1", Initialized: true}}
	revalidator := newTestRevalidator(t, fetcher.fetch)
	lists, unsubscribe := revalidator.Subscribe()
	defer unsubscribe()

	revalidator.SetIdentity("acc-1")
	revalidator.Trigger()
	revalidator.Trigger()
	revalidator.Trigger()

	close(fetcher.release)

	select {
	case list := <-lists:
		if len(list) != 1 || list[0].ID != "w1" {
			t.Fatalf("unexpected list %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no emission after release")
	}
	if got := fetcher.callCount(); got != 1 {
		t.Fatalf("triggers must coalesce into one fetch, got %d", got)
	}
}

func TestRevalidationIdentitySwitchDiscardsStaleResult(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["acc-a"] = []RemoteWorkspace{{ID: "stale-a"}}
	fetcher.results["acc-b"] = []RemoteWorkspace{{ID: "fresh-b"}}
	revalidator := newTestRevalidator(t, fetcher.fetch)
	lists, unsubscribe := revalidator.Subscribe()
	defer unsubscribe()

	revalidator.SetIdentity("acc-a")
	// The fetch for acc-a is parked; switching identity cancels it.
	revalidator.SetIdentity("acc-b")
	close(fetcher.release)

	select {
	case list := <-lists:
		if len(list) != 1 || list[0].ID != "fresh-b" {
			t.Fatalf("stale result leaked through: %v", list)
		}
	case <-time.After(time.Second):
		t.Fatal("no emission for new identity")
	}

	if _, ok := revalidator.CachedList("acc-a"); ok {
		t.Fatal("cancelled fetch must not populate the cache for the old identity")
	}
	if cached, ok := revalidator.CachedList("acc-b"); !ok || len(cached) != 1 || cached[0].ID != "fresh-b" {
		t.Fatalf("expected cached list for acc-b, got %v (%v)", cached, ok)
	}
}

func TestRevalidationEmitsOnlyOnChange(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.results["acc-1"] = []RemoteWorkspace{{ID: "w1"}}
	close(fetcher.release)
	revalidator := newTestRevalidator(t, fetcher.fetch)
	lists, unsubscribe := revalidator.Subscribe()
	defer unsubscribe()

	revalidator.SetIdentity("acc-1")

	select {
	case <-lists:
	case <-time.After(time.Second):
		t.Fatal("no initial emission")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	revalidator.Trigger()
	if err := revalidator.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}

	select {
	case list := <-lists:
		t.Fatalf("unchanged list must not re-emit, got %v", list)
	default:
	}
}

func TestRevalidationErrorsGoToSideChannel(t *testing.T) {
	fetcher := newBlockingFetcher()
	fetcher.err = errors.New("server unreachable")
	close(fetcher.release)
	revalidator := newTestRevalidator(t, fetcher.fetch)

	revalidator.SetIdentity("acc-1")

	select {
	case err := <-revalidator.Errors():
		if err == nil {
			t.Fatal("expected non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("fetch error never surfaced")
	}

	// The machine is idle again and accepts new triggers.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := revalidator.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle after error: %v", err)
	}
}
