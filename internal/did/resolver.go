package did

import (
	"context"
	"sort"
	"time"

	"github.com/patrickmn/go-cache"
)

// MultiResolver routes resolution requests to method-specific resolvers
// (did:key, did:ethr, did:web, did:webvh) and caches successful results.
type MultiResolver struct {
	methods map[string]Resolver
	ttl     time.Duration
	cache   *cache.Cache
}

// MultiResolverOption configures MultiResolver.
type MultiResolverOption func(*MultiResolver)

// WithCacheTTL overrides cache TTL duration. A negative TTL disables caching.
func WithCacheTTL(ttl time.Duration) MultiResolverOption {
	return func(m *MultiResolver) {
		if ttl != 0 {
			m.ttl = ttl
		}
	}
}

// WithMethod registers r for DIDs of the given method.
func WithMethod(method string, r Resolver) MultiResolverOption {
	return func(m *MultiResolver) {
		if r != nil {
			m.methods[method] = r
		}
	}
}

// NewMultiResolver constructs a MultiResolver with optional overrides.
func NewMultiResolver(opts ...MultiResolverOption) *MultiResolver {
	m := &MultiResolver{
		methods: map[string]Resolver{},
		ttl:     time.Minute,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ttl > 0 {
		m.cache = cache.New(m.ttl, 2*m.ttl)
	}
	return m
}

// Resolve resolves DID documents with caching and per-method routing.
func (m *MultiResolver) Resolve(ctx context.Context, did string) (*Document, error) {
	if m.cache != nil {
		if v, ok := m.cache.Get(did); ok {
			return v.(*Document), nil
		}
	}

	method, _, err := BaseIdentifier(did)
	if err != nil {
		return nil, err
	}
	resolver, ok := m.methods[method]
	if !ok {
		return nil, Unsupported(method)
	}

	doc, err := resolver.Resolve(ctx, did)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(did, doc, cache.DefaultExpiration)
	}
	return doc, nil
}

// Methods lists the registered DID methods.
func (m *MultiResolver) Methods() []string {
	out := make([]string, 0, len(m.methods))
	for k := range m.methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Invalidate drops the cached document for did.
func (m *MultiResolver) Invalidate(did string) {
	if m.cache != nil {
		m.cache.Delete(did)
	}
}
