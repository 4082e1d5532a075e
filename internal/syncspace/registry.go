package syncspace

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type DocConstructor func(opts WorkspaceOptions) (DocStorage, error)
type BlobConstructor func(opts WorkspaceOptions) (BlobStorage, error)
type AwarenessConstructor func(opts WorkspaceOptions) (AwarenessBackend, error)

type RegistryOptions struct {
	// MergeUpdates is the CRDT runtime's update-collapse capability,
	// required by backends that squash their update log.
	MergeUpdates UpdateMerger
	// Transport overrides how remote doc backends reach the server.
	// Defaults to an HTTP transport against the workspace's ServerBaseURL.
	Transport  func(opts WorkspaceOptions) Transport
	HTTPClient *http.Client
	Token      string
	// MaxBlobSize rejects individual oversized blobs; zero disables.
	MaxBlobSize           int64
	AwarenessFullInterval time.Duration
	Logger                zerolog.Logger
}

// Registry maps backend names to constructors, partitioned into local
// backends (always available, survive offline) and remote backends
// (cloud-backed). One registry is constructed at startup and passed by
// reference to everything that resolves backends.
type Registry struct {
	merge        UpdateMerger
	transport    func(opts WorkspaceOptions) Transport
	httpClient   *http.Client
	token        string
	maxBlobSize  int64
	fullInterval time.Duration
	logger       zerolog.Logger
	hub          *awarenessHub

	mu        sync.RWMutex
	remote    map[string]bool
	doc       map[string]DocConstructor
	blob      map[string]BlobConstructor
	awareness map[string]AwarenessConstructor
}

func NewRegistry(opts RegistryOptions) (*Registry, error) {
	if opts.MergeUpdates == nil {
		return nil, fmt.Errorf("%w: merge capability required", ErrInvalidInput)
	}
	r := &Registry{
		merge:        opts.MergeUpdates,
		transport:    opts.Transport,
		httpClient:   opts.HTTPClient,
		token:        opts.Token,
		maxBlobSize:  opts.MaxBlobSize,
		fullInterval: opts.AwarenessFullInterval,
		logger:       opts.Logger,
		hub:          newAwarenessHub(),
		remote:       map[string]bool{},
		doc:          map[string]DocConstructor{},
		blob:         map[string]BlobConstructor{},
		awareness:    map[string]AwarenessConstructor{},
	}
	if r.transport == nil {
		r.transport = func(workspaceOpts WorkspaceOptions) Transport {
			return NewHTTPTransport(HTTPTransportOptions{
				BaseURL:    workspaceOpts.ServerBaseURL,
				Token:      r.token,
				HTTPClient: r.httpClient,
			})
		}
	}
	r.registerBuiltins()
	return r, nil
}

func (r *Registry) registerBuiltins() {
	r.RegisterDocBackend("memory", false, func(opts WorkspaceOptions) (DocStorage, error) {
		return NewMemoryDocStorage(opts, r.merge), nil
	})
	r.RegisterBlobBackend("memory", false, func(opts WorkspaceOptions) (BlobStorage, error) {
		storage := NewMemoryBlobStorage(opts)
		storage.SetMaxBlobSize(r.maxBlobSize)
		return storage, nil
	})
	r.RegisterAwarenessBackend("memory", false, func(opts WorkspaceOptions) (AwarenessBackend, error) {
		return NewMemoryAwarenessBackend(r.hub, opts), nil
	})

	r.RegisterDocBackend("file", false, func(opts WorkspaceOptions) (DocStorage, error) {
		return NewFileDocStorage(opts, r.merge)
	})
	r.RegisterBlobBackend("file", false, func(opts WorkspaceOptions) (BlobStorage, error) {
		storage, err := NewFileBlobStorage(opts)
		if err != nil {
			return nil, err
		}
		storage.SetMaxBlobSize(r.maxBlobSize)
		return storage, nil
	})

	r.RegisterDocBackend("sqlite", false, func(opts WorkspaceOptions) (DocStorage, error) {
		return NewSQLiteDocStorage(opts, r.merge)
	})
	r.RegisterBlobBackend("sqlite", false, func(opts WorkspaceOptions) (BlobStorage, error) {
		storage, err := NewSQLiteBlobStorage(opts)
		if err != nil {
			return nil, err
		}
		storage.SetMaxBlobSize(r.maxBlobSize)
		return storage, nil
	})

	r.RegisterDocBackend("postgres", false, func(opts WorkspaceOptions) (DocStorage, error) {
		return NewPostgresDocStorage(opts, r.merge)
	})
	r.RegisterBlobBackend("postgres", false, func(opts WorkspaceOptions) (BlobStorage, error) {
		storage, err := NewPostgresBlobStorage(opts)
		if err != nil {
			return nil, err
		}
		storage.SetMaxBlobSize(r.maxBlobSize)
		return storage, nil
	})

	r.RegisterDocBackend("cloud", true, func(opts WorkspaceOptions) (DocStorage, error) {
		return NewCloudDocStorage(r.transport(opts), opts), nil
	})
	r.RegisterBlobBackend("cloud", true, func(opts WorkspaceOptions) (BlobStorage, error) {
		storage := NewCloudBlobStorage(opts, r.token, r.httpClient)
		storage.SetMaxBlobSize(r.maxBlobSize)
		return storage, nil
	})
	r.RegisterAwarenessBackend("cloud", true, func(opts WorkspaceOptions) (AwarenessBackend, error) {
		return NewCloudAwarenessBackend(opts, r.token, r.fullInterval), nil
	})
}

func (r *Registry) RegisterDocBackend(name string, remote bool, ctor DocConstructor) {
	if name == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[name] = remote
	r.doc[name] = ctor
}

func (r *Registry) RegisterBlobBackend(name string, remote bool, ctor BlobConstructor) {
	if name == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[name] = remote
	r.blob[name] = ctor
}

func (r *Registry) RegisterAwarenessBackend(name string, remote bool, ctor AwarenessConstructor) {
	if name == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.remote[name] = remote
	r.awareness[name] = ctor
}

func (r *Registry) BuildDocStorage(spec BackendSpec) (DocStorage, error) {
	r.mu.RLock()
	ctor, ok := r.doc[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: doc backend %q", ErrUnknownBackend, spec.Name)
	}
	return ctor(spec.Opts)
}

func (r *Registry) BuildBlobStorage(spec BackendSpec) (BlobStorage, error) {
	r.mu.RLock()
	ctor, ok := r.blob[spec.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: blob backend %q", ErrUnknownBackend, spec.Name)
	}
	return ctor(spec.Opts)
}

// BuildAwareness resolves the awareness family for a spec. Local backend
// names without their own presence channel share the in-process hub.
func (r *Registry) BuildAwareness(spec BackendSpec) (AwarenessBackend, error) {
	r.mu.RLock()
	ctor, ok := r.awareness[spec.Name]
	remote := r.remote[spec.Name]
	known := r.doc[spec.Name] != nil || r.blob[spec.Name] != nil || ok
	r.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: awareness backend %q", ErrUnknownBackend, spec.Name)
	}
	if !ok {
		if remote {
			return nil, fmt.Errorf("%w: awareness backend %q", ErrUnknownBackend, spec.Name)
		}
		return NewMemoryAwarenessBackend(r.hub, spec.Opts), nil
	}
	return ctor(spec.Opts)
}

// ValidateInitOptions checks a worker bundle at configuration-load time
// so an unknown backend or a misplaced locality fails startup instead of
// first use.
func (r *Registry) ValidateInitOptions(opts WorkerInitOptions) error {
	if len(opts.Local) == 0 {
		return fmt.Errorf("%w: at least one local backend required", ErrInvalidInput)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, spec := range opts.Local {
		remote, known := r.remote[spec.Name]
		if !known {
			return fmt.Errorf("%w: %q", ErrUnknownBackend, spec.Name)
		}
		if remote {
			return fmt.Errorf("%w: %q is a remote backend in the local set", ErrInvalidInput, spec.Name)
		}
	}
	for _, group := range opts.Remotes {
		for _, spec := range group {
			remote, known := r.remote[spec.Name]
			if !known {
				return fmt.Errorf("%w: %q", ErrUnknownBackend, spec.Name)
			}
			if !remote {
				return fmt.Errorf("%w: %q is a local backend in a remote group", ErrInvalidInput, spec.Name)
			}
		}
	}
	return nil
}

func (r *Registry) Merger() UpdateMerger {
	return r.merge
}

// TransportFor resolves the remote transport used for workspaces with
// the given options, honouring any override installed at construction.
func (r *Registry) TransportFor(opts WorkspaceOptions) Transport {
	return r.transport(opts)
}

func (r *Registry) Logger() zerolog.Logger {
	return r.logger
}
