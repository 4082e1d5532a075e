package syncspace

import "sync"

type poolEntry struct {
	provider FlavourProvider
	refs     int
}

// ProviderPool shares flavour providers across consumers, keyed by
// server id. An entry is constructed lazily on first acquire and torn
// down, including its revalidation subscription, when the last
// reference is released.
type ProviderPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

func NewProviderPool() *ProviderPool {
	return &ProviderPool{entries: map[string]*poolEntry{}}
}

// Acquire returns a counted reference to the provider for key,
// constructing it if absent.
func (p *ProviderPool) Acquire(key string, construct func() (FlavourProvider, error)) (*ProviderRef, error) {
	if key == "" || construct == nil {
		return nil, ErrInvalidInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		provider, err := construct()
		if err != nil {
			return nil, err
		}
		entry = &poolEntry{provider: provider}
		p.entries[key] = entry
	}
	entry.refs++
	return &ProviderRef{pool: p, key: key, provider: entry.provider}, nil
}

// Refs reports the live reference count for key.
func (p *ProviderPool) Refs(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[key]
	if !ok {
		return 0
	}
	return entry.refs
}

func (p *ProviderPool) release(key string) error {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	entry.refs--
	if entry.refs > 0 {
		p.mu.Unlock()
		return nil
	}
	delete(p.entries, key)
	p.mu.Unlock()
	return entry.provider.Close()
}

// ProviderRef is one counted handle on a pooled provider. Release is
// idempotent per reference.
type ProviderRef struct {
	pool     *ProviderPool
	key      string
	provider FlavourProvider
	once     sync.Once
}

func (r *ProviderRef) Provider() FlavourProvider {
	return r.provider
}

func (r *ProviderRef) Release() error {
	var err error
	r.once.Do(func() {
		err = r.pool.release(r.key)
	})
	return err
}
