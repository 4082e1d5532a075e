package syncspace

import (
	"sync"
	"testing"
)

type closableProvider struct {
	LocalProvider
	mu     sync.Mutex
	closes int
}

func (p *closableProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

func (p *closableProvider) closeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}

func TestPoolSharesProviderPerKey(t *testing.T) {
	pool := NewProviderPool()
	provider := &closableProvider{}
	constructed := 0
	construct := func() (FlavourProvider, error) {
		constructed++
		return provider, nil
	}

	first, err := pool.Acquire("server-1", construct)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	second, err := pool.Acquire("server-1", construct)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if constructed != 1 {
		t.Fatalf("expected one construction, got %d", constructed)
	}
	if first.Provider() != second.Provider() {
		t.Fatal("same key must share one provider")
	}
	if refs := pool.Refs("server-1"); refs != 2 {
		t.Fatalf("expected 2 refs, got %d", refs)
	}

	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if provider.closeCount() != 0 {
		t.Fatal("provider closed while references remain")
	}
	if err := second.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if provider.closeCount() != 1 {
		t.Fatalf("expected close at zero refs, got %d", provider.closeCount())
	}
	if refs := pool.Refs("server-1"); refs != 0 {
		t.Fatalf("expected 0 refs, got %d", refs)
	}
}

func TestPoolReleaseIsIdempotentPerRef(t *testing.T) {
	pool := NewProviderPool()
	provider := &closableProvider{}
	ref, err := pool.Acquire("server-1", func() (FlavourProvider, error) { return provider, nil })
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := ref.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := ref.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if provider.closeCount() != 1 {
		t.Fatalf("double release must not double close, got %d", provider.closeCount())
	}
}

func TestPoolReconstructsAfterTeardown(t *testing.T) {
	pool := NewProviderPool()
	constructed := 0
	construct := func() (FlavourProvider, error) {
		constructed++
		return &closableProvider{}, nil
	}

	ref, err := pool.Acquire("server-1", construct)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := ref.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := pool.Acquire("server-1", construct); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if constructed != 2 {
		t.Fatalf("expected fresh construction after teardown, got %d", constructed)
	}
}

func TestPoolRejectsEmptyKey(t *testing.T) {
	pool := NewProviderPool()
	_, err := pool.Acquire("", func() (FlavourProvider, error) { return &closableProvider{}, nil })
	if err == nil {
		t.Fatal("expected error for empty key")
	}
}
