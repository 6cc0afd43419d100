package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/praxis-identity/internal/agent"
	"github.com/praxis/praxis-identity/internal/credential"
	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/network"
	"github.com/praxis/praxis-identity/internal/store"
)

const wallet = "0xAbCdEf0123456789aBcDeF0123456789ABCDEF01"

type fakeAgent struct {
	imports atomic.Int32
	creates atomic.Int32
	delay   time.Duration
	err     error

	mu        sync.Mutex
	providers []string
	registry  string
}

func (f *fakeAgent) CreateIdentifier(_ context.Context, opts agent.CreateIdentifierOptions) (*agent.Identifier, error) {
	n := f.creates.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.providers = append(f.providers, opts.Provider)
	f.registry = opts.Registry
	f.mu.Unlock()

	id := fmt.Sprintf("did:key:z6Mkfake%d", n)
	if strings.HasPrefix(opts.Provider, "did:ethr") {
		id = fmt.Sprintf("%s:0x%040x", opts.Provider, n)
	}
	if opts.Seed != nil {
		id = fmt.Sprintf("did:key:z6Mkseed%x", opts.Seed[:4])
	}
	return &agent.Identifier{DID: id, Provider: opts.Provider, KeyID: id + "#k", Managed: true, CreatedAt: time.Now()}, nil
}

func (f *fakeAgent) ImportIdentifier(_ context.Context, opts agent.ImportIdentifierOptions) (*agent.Identifier, error) {
	f.imports.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	return &agent.Identifier{DID: opts.DID, Provider: opts.Provider}, nil
}

func (f *fakeAgent) SignCredential(context.Context, credential.CredentialRequest) (*credential.Issued, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAgent) VerifyCredential(context.Context, string) (*credential.Verification, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAgent) SignPresentation(context.Context, credential.PresentationRequest) (*credential.Issued, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAgent) VerifyPresentation(context.Context, string, string, string) (*credential.Verification, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAgent) ResolveDID(context.Context, string) (*did.Document, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeAgent) Info() agent.Info { return agent.Info{Name: "fake"} }

type fakeProber struct {
	result network.ProbeResult
	calls  atomic.Int32
}

func (p *fakeProber) Probe(_ context.Context, cfg network.Config) network.ProbeResult {
	p.calls.Add(1)
	if p.result.EffectiveRegistry == "" {
		return network.ProbeResult{EffectiveRegistry: cfg.RegistryAddress}
	}
	return p.result
}

type countingMetrics struct{ created sync.Map }

func (m *countingMetrics) IdentityCreated(model string) {
	v, _ := m.created.LoadOrStore(model, new(atomic.Int32))
	v.(*atomic.Int32).Add(1)
}

type fixture struct {
	classifier *Classifier
	agent      *fakeAgent
	store      *store.Memory
	prober     *fakeProber
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{agent: &fakeAgent{}, store: store.NewMemory(), prober: &fakeProber{}}
	c, err := NewClassifier(Config{
		Agent:   f.agent,
		Store:   f.store,
		Prober:  f.prober,
		Network: network.Resolve("sepolia", "", ""),
		Logger:  logger,
	})
	require.NoError(t, err)
	f.classifier = c
	return f
}

func TestWalletLinkedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "ethr", WalletAddress: wallet, Network: "polygon", Alias: "wallet"})
	require.NoError(t, err)
	assert.Equal(t, "did:ethr:polygon:"+strings.ToLower(wallet), first.DID)
	assert.Equal(t, CustodyWalletLinked, first.CustodyModel)
	assert.Equal(t, "polygon", first.Network)
	assert.Equal(t, strings.ToLower(wallet), first.WalletAddress)
	assert.False(t, first.SigningCapable)

	second, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "did:ethr", WalletAddress: strings.ToLower(wallet), Network: "polygon", Alias: "wallet"})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, f.agent.imports.Load(), "repeat must not call the agent")
	assert.EqualValues(t, 1, f.prober.calls.Load())
	assert.Equal(t, 1, f.store.Len(store.Identities))

	other, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "ethr", WalletAddress: wallet, Network: "mainnet"})
	require.NoError(t, err)
	assert.NotEqual(t, first.DID, other.DID)
	assert.Equal(t, 2, f.store.Len(store.Identities))
}

func TestConcurrentWalletLinkedConverges(t *testing.T) {
	f := newFixture(t)
	f.agent.delay = 20 * time.Millisecond

	const n = 64
	var wg sync.WaitGroup
	results := make([]*Record, n)
	failures := make([]error, n)
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], failures[i] = f.classifier.CreateIdentity(context.Background(), CreateRequest{
				Method:        "ethr",
				WalletAddress: wallet,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, failures[i])
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, 1, f.store.Len(store.Identities))
	assert.EqualValues(t, 1, f.agent.imports.Load())

	list, err := f.classifier.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSigningCapableMatchesCustody(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	requests := []CreateRequest{
		{Method: "ethr", WalletAddress: wallet},
		{Method: "ethr"},
		{Method: "did:ethr:amoy"},
		{Method: "key"},
		{Method: "did:key", Seed: strings.Repeat("ab", 32)},
	}
	for i := 0; i < 5; i++ {
		requests = append(requests, CreateRequest{Method: "ethr", WalletAddress: fmt.Sprintf("0x%040x", i+1)})
		requests = append(requests, CreateRequest{Method: "key"})
	}

	seen := map[CustodyModel]bool{}
	for _, req := range requests {
		rec, err := f.classifier.CreateIdentity(ctx, req)
		require.NoError(t, err, req)
		seen[rec.CustodyModel] = true
		want := rec.CustodyModel == CustodyServiceManaged || rec.CustodyModel == CustodySelfIssued
		assert.Equal(t, want, rec.SigningCapable, rec.DID)
	}
	assert.Len(t, seen, 3)

	list, err := f.classifier.List(ctx)
	require.NoError(t, err)
	for _, rec := range list {
		assert.Equal(t, rec.CustodyModel.SigningCapable(), rec.SigningCapable)
	}
}

func TestMalformedWalletAddressLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	for _, addr := range []string{
		"0x123",
		"AbCdEf0123456789aBcDeF0123456789ABCDEF01",
		"0xAbCdEf0123456789aBcDeF0123456789ABCDEF0g",
		"0xAbCdEf0123456789aBcDeF0123456789ABCDEF0100",
		"0X",
		"vitalik.eth",
	} {
		for _, method := range []string{"ethr", "key", "unknown"} {
			_, err := f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: method, WalletAddress: addr})
			require.Error(t, err)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err), "%s %s", method, addr)
		}
	}
	assert.Equal(t, 0, f.store.Len(store.Identities))
	assert.EqualValues(t, 0, f.agent.imports.Load()+f.agent.creates.Load())
	assert.EqualValues(t, 0, f.prober.calls.Load())
}

func TestUnsupportedMethod(t *testing.T) {
	f := newFixture(t)
	for _, method := range []string{"", "web", "did:peer", "ethereum"} {
		_, err := f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: method})
		var e *errs.Error
		require.True(t, errors.As(err, &e), method)
		assert.Equal(t, errs.KindUnsupportedMethod, e.Kind)
		assert.Equal(t, []string{"ethr", "key"}, e.Supported)
	}
	assert.EqualValues(t, 0, f.agent.creates.Load())
}

func TestServiceManagedUsesProbedRegistry(t *testing.T) {
	f := newFixture(t)
	f.prober.result = network.ProbeResult{Deployed: true, EffectiveRegistry: "0xdca7ef03e98e0dc2b855be647c39abe984fcf21b"}

	rec, err := f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: "ethr", Alias: "svc"})
	require.NoError(t, err)
	assert.Equal(t, CustodyServiceManaged, rec.CustodyModel)
	assert.True(t, rec.SigningCapable)
	assert.Equal(t, "sepolia", rec.Network)
	assert.Equal(t, "0xdca7ef03e98e0dc2b855be647c39abe984fcf21b", rec.Registry)
	require.NotNil(t, rec.RegistryDeployed)
	assert.True(t, *rec.RegistryDeployed)
	assert.Equal(t, "0xdca7ef03e98e0dc2b855be647c39abe984fcf21b", f.agent.registry)
	assert.Equal(t, []string{"did:ethr:sepolia"}, f.agent.providers)

	stored, err := f.classifier.Get(context.Background(), rec.DID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)
}

func TestUnknownNetworkFallsBackToDefault(t *testing.T) {
	f := newFixture(t)
	rec, err := f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: "ethr", WalletAddress: wallet, Network: "atlantis"})
	require.NoError(t, err)
	assert.Equal(t, "did:ethr:sepolia:"+strings.ToLower(wallet), rec.DID)

	rec, err = f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: "ethr", Network: "0x89"})
	require.NoError(t, err)
	assert.Equal(t, "polygon", rec.Network)
}

func TestDuplicateAlias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Alias: "issuer"})
	require.NoError(t, err)

	for _, req := range []CreateRequest{
		{Method: "key", Alias: "issuer"},
		{Method: "ethr", Alias: "issuer"},
		{Method: "ethr", WalletAddress: wallet, Alias: "issuer"},
	} {
		_, err = f.classifier.CreateIdentity(ctx, req)
		var e *errs.Error
		require.True(t, errors.As(err, &e))
		assert.Equal(t, errs.KindDuplicateAlias, e.Kind)
		assert.Contains(t, e.Hint, first.DID)
	}
	assert.EqualValues(t, 1, f.agent.creates.Load(), "collisions are rejected before the agent call")
	assert.Equal(t, 1, f.store.Len(store.Identities))
}

func TestConcurrentAliasReservation(t *testing.T) {
	f := newFixture(t)
	const n = 16
	var wg sync.WaitGroup
	var ok, dup atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: "key", Alias: "shared"})
			switch {
			case err == nil:
				ok.Add(1)
			case errs.IsKind(err, errs.KindDuplicateAlias):
				dup.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, n-1, dup.Load())
}

func TestAgentFailureIsClassifiedAndReleasesAlias(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.agent.err = errors.New("dial tcp 127.0.0.1:8545: connection refused")
	_, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "ethr", Alias: "retry-me"})
	require.Error(t, err)
	assert.Equal(t, errs.KindResolutionTransport, errs.KindOf(err))
	assert.Contains(t, err.Error(), "dial tcp 127.0.0.1:8545: connection refused")

	f.agent.err = errors.New("hsm rejected request")
	_, err = f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Alias: "retry-me"})
	assert.Equal(t, errs.KindSigningEngine, errs.KindOf(err))

	_, err = f.classifier.CreateIdentity(ctx, CreateRequest{Method: "ethr", WalletAddress: wallet, Alias: "retry-me"})
	assert.Equal(t, errs.KindSigningEngine, errs.KindOf(err))
	assert.Equal(t, 0, f.store.Len(store.Identities))

	f.agent.err = nil
	rec, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Alias: "retry-me"})
	require.NoError(t, err)
	assert.Equal(t, "retry-me", rec.Alias)
}

func TestSeededSelfIssuedReturnsStoredRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seed := strings.Repeat("01", 32)

	first, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Seed: seed})
	require.NoError(t, err)
	second, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Seed: "0x" + seed})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.store.Len(store.Identities))

	_, err = f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Seed: "abcd"})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestCreationEmitsMetrics(t *testing.T) {
	f := newFixture(t)
	m := &countingMetrics{}
	f.classifier.metrics = m

	for i := 0; i < 2; i++ {
		_, err := f.classifier.CreateIdentity(context.Background(), CreateRequest{Method: "ethr", WalletAddress: wallet})
		require.NoError(t, err)
	}
	v, ok := m.created.Load(string(CustodyWalletLinked))
	require.True(t, ok)
	assert.EqualValues(t, 1, v.(*atomic.Int32).Load())
}

func TestGetNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.classifier.Get(context.Background(), "did:key:z6Mkmissing")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestLoadAliases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec, err := f.classifier.CreateIdentity(ctx, CreateRequest{Method: "key", Alias: "persisted"})
	require.NoError(t, err)

	// A second classifier over the same store sees the alias after loading.
	c, err := NewClassifier(Config{Agent: f.agent, Store: f.store, Logger: f.classifier.logger})
	require.NoError(t, err)
	require.NoError(t, c.LoadAliases(ctx))
	_, err = c.CreateIdentity(ctx, CreateRequest{Method: "key", Alias: "persisted"})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Contains(t, e.Hint, rec.DID)
}
