package syncspace

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// WorkspaceListFetcher retrieves the authoritative workspace list for an
// account. Cancellation flows through the context.
type WorkspaceListFetcher func(ctx context.Context, accountID string) ([]RemoteWorkspace, error)

// FetchWorkspaceList builds a fetcher over the remote transport.
func FetchWorkspaceList(transport Transport) WorkspaceListFetcher {
	return func(ctx context.Context, accountID string) ([]RemoteWorkspace, error) {
		raw, err := transport.Call(ctx, "listWorkspaces", map[string]any{"accountId": accountID})
		if err != nil {
			return nil, err
		}
		var parsed struct {
			Workspaces []RemoteWorkspace `json:"workspaces"`
		}
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, err
		}
		return parsed.Workspaces, nil
	}
}

type RevalidatorOptions struct {
	// Scope prefixes the cache key, typically the server id.
	Scope  string
	State  *GlobalState
	Fetch  WorkspaceListFetcher
	Logger zerolog.Logger
}

type fetchResult struct {
	identity string
	list     []RemoteWorkspace
	err      error
}

// Revalidator refreshes the remote workspace list for the current
// account identity. It is an explicit two-state machine, idle or
// fetching for one identity: triggers for the identity already in
// flight are dropped, an identity change cancels the in-flight fetch
// and starts over, and a result commits only if its identity is still
// current. Fetch failures surface on a side channel and never wedge the
// machine.
type Revalidator struct {
	scope  string
	state  *GlobalState
	fetch  WorkspaceListFetcher
	logger zerolog.Logger

	triggers chan struct{}
	identity chan string
	waiters  chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
	errs     chan error

	mu        sync.Mutex
	listeners map[int]chan []RemoteWorkspace
	nextID    int
	stopOnce  sync.Once
}

func NewRevalidator(opts RevalidatorOptions) (*Revalidator, error) {
	if opts.Fetch == nil {
		return nil, ErrInvalidInput
	}
	scope := opts.Scope
	if scope == "" {
		scope = "cloud"
	}
	r := &Revalidator{
		scope:     scope,
		state:     NewGlobalStateOr(opts.State),
		fetch:     opts.Fetch,
		logger:    opts.Logger,
		triggers:  make(chan struct{}, 1),
		identity:  make(chan string),
		waiters:   make(chan chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		errs:      make(chan error, 16),
		listeners: map[int]chan []RemoteWorkspace{},
	}
	go r.run()
	return r, nil
}

// Trigger requests a refresh for the current identity. Triggers during
// an in-flight refresh for the same identity coalesce into at most one
// follow-up.
func (r *Revalidator) Trigger() {
	select {
	case r.triggers <- struct{}{}:
	case <-r.stop:
	default:
	}
}

// SetIdentity switches the account the pipeline refreshes for. An empty
// identity means logged out.
func (r *Revalidator) SetIdentity(accountID string) {
	select {
	case r.identity <- accountID:
	case <-r.stop:
	}
}

// WaitIdle blocks until the machine is in the idle state with no
// refresh pending.
func (r *Revalidator) WaitIdle(ctx context.Context) error {
	ready := make(chan struct{})
	select {
	case r.waiters <- ready:
	case <-r.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ready:
		return nil
	case <-r.stop:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Errors is the side channel for fetch failures.
func (r *Revalidator) Errors() <-chan error {
	return r.errs
}

// Subscribe delivers each committed list change.
func (r *Revalidator) Subscribe() (<-chan []RemoteWorkspace, func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	ch := make(chan []RemoteWorkspace, 4)
	r.listeners[id] = ch
	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.listeners[id]; ok {
			delete(r.listeners, id)
			close(existing)
		}
	}
}

// CachedList reads the last committed list for an account, for use when
// unauthenticated fetches are impossible.
func (r *Revalidator) CachedList(accountID string) ([]RemoteWorkspace, bool) {
	return r.state.CachedWorkspaceList(r.cacheKey(accountID))
}

func (r *Revalidator) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	<-r.done
}

func (r *Revalidator) cacheKey(accountID string) string {
	return r.scope + ":" + accountID
}

func (r *Revalidator) emit(list []RemoteWorkspace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.listeners {
		select {
		case ch <- list:
		default:
		}
	}
}

func (r *Revalidator) reportError(err error) {
	select {
	case r.errs <- err:
	default:
	}
}

func (r *Revalidator) run() {
	defer close(r.done)

	var (
		current     string
		inFlight    chan fetchResult
		cancelFetch context.CancelFunc
		waiting     []chan struct{}
	)

	startFetch := func() {
		if current == "" {
			// Logged out: no network, observers see an empty list.
			r.emit([]RemoteWorkspace{})
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		cancelFetch = cancel
		resultCh := make(chan fetchResult, 1)
		inFlight = resultCh
		identity := current
		go func() {
			list, err := r.fetch(ctx, identity)
			resultCh <- fetchResult{identity: identity, list: list, err: err}
		}()
	}

	releaseWaiters := func() {
		if inFlight != nil {
			return
		}
		for _, ready := range waiting {
			close(ready)
		}
		waiting = nil
	}

	for {
		select {
		case <-r.stop:
			if cancelFetch != nil {
				cancelFetch()
			}
			return

		case accountID := <-r.identity:
			if accountID == current {
				continue
			}
			current = accountID
			if inFlight != nil {
				// Cancel and forget: the stale result fails the
				// identity pin at commit time anyway.
				cancelFetch()
				inFlight = nil
				cancelFetch = nil
			}
			startFetch()
			releaseWaiters()

		case <-r.triggers:
			if inFlight != nil {
				// Exhaust-map: one fetch per identity at a time.
				continue
			}
			startFetch()
			releaseWaiters()

		case result := <-inFlight:
			inFlight = nil
			if cancelFetch != nil {
				cancelFetch()
				cancelFetch = nil
			}
			r.commit(current, result)
			releaseWaiters()

		case ready := <-r.waiters:
			if inFlight == nil {
				close(ready)
			} else {
				waiting = append(waiting, ready)
			}
		}
	}
}

// commit persists and emits a fetched list, pinned to the identity it
// was fetched for.
func (r *Revalidator) commit(current string, result fetchResult) {
	if result.identity != current {
		return
	}
	if result.err != nil {
		r.logger.Warn().Str("account", result.identity).Err(result.err).Msg("workspace list refresh failed")
		r.reportError(result.err)
		return
	}
	list := append([]RemoteWorkspace(nil), result.list...)
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	changed, err := r.state.CacheWorkspaceList(r.cacheKey(result.identity), list)
	if err != nil {
		r.reportError(err)
		return
	}
	if changed {
		r.emit(list)
	}
}
