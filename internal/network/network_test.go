package network

import (
	"context"
	"errors"
	"io"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePresetAndOverrides(t *testing.T) {
	cfg := Resolve("mainnet", "", "")
	assert.Equal(t, "mainnet", cfg.Name)
	assert.EqualValues(t, 1, cfg.ChainID)
	assert.Equal(t, erc1056Canonical, cfg.RegistryAddress)

	cfg = Resolve("mainnet", "http://localhost:9999", "")
	assert.Equal(t, "http://localhost:9999", cfg.RPCURL)
	assert.Equal(t, erc1056Canonical, cfg.RegistryAddress, "rpc override must not touch registry")

	cfg = Resolve("mainnet", "", "0x1111111111111111111111111111111111111111")
	assert.Equal(t, "https://cloudflare-eth.com", cfg.RPCURL, "registry override must not touch rpc")
	assert.Equal(t, "0x1111111111111111111111111111111111111111", cfg.RegistryAddress)
}

func TestResolveUnknownFallsBackToDefault(t *testing.T) {
	def := Resolve(DefaultNetwork, "", "")
	assert.Equal(t, def, Resolve("", "", ""))
	assert.Equal(t, def, Resolve("not-a-chain", "", ""))
	// Case-sensitive match.
	assert.Equal(t, def, Resolve("Mainnet", "", ""))
}

func TestResolveIsDeterministic(t *testing.T) {
	a := Resolve("polygon", "x", "y")
	b := Resolve("polygon", "x", "y")
	assert.Equal(t, a, b)
}

func TestLookupSegment(t *testing.T) {
	p, ok := LookupSegment("0xaa36a7")
	require.True(t, ok)
	assert.Equal(t, "sepolia", p.Name)

	p, ok = LookupSegment("polygon")
	require.True(t, ok)
	assert.EqualValues(t, 137, p.ChainID)

	_, ok = LookupSegment("0xzz")
	assert.False(t, ok)
	_, ok = LookupSegment("atlantis")
	assert.False(t, ok)
	assert.Equal(t, "0xaa36a7", Resolve("sepolia", "", "").ChainIDHex())
}

type fakeReader struct {
	mu       sync.Mutex
	code     map[string][]byte
	failures map[string]error
	calls    []string
}

func (f *fakeReader) CodeAt(ctx context.Context, account common.Address, _ *big.Int) ([]byte, error) {
	key := strings.ToLower(account.Hex())
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err := f.failures[key]; err != nil {
		return nil, err
	}
	return f.code[key], nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func proberFor(r CodeReader) *Prober {
	return NewProber(func(context.Context, string) (CodeReader, error) { return r, nil }, quietLogger())
}

func TestProbeConfiguredDeployed(t *testing.T) {
	cfg := Resolve("sepolia", "", "")
	r := &fakeReader{code: map[string][]byte{cfg.RegistryAddress: {0x60, 0x80}}}

	res := proberFor(r).Probe(context.Background(), cfg)
	assert.True(t, res.Deployed)
	assert.Equal(t, cfg.RegistryAddress, res.EffectiveRegistry)
	assert.Len(t, r.calls, 1)
}

func TestProbeFindsSecondCandidate(t *testing.T) {
	cfg := Resolve("development", "", "0x9999999999999999999999999999999999999999")
	preset, _ := Lookup("development")
	second := preset.Candidates[1]
	third := preset.Candidates[2]
	r := &fakeReader{code: map[string][]byte{second: {0x60}, third: {0x60}}}

	res := proberFor(r).Probe(context.Background(), cfg)
	assert.True(t, res.Deployed)
	assert.Equal(t, second, res.EffectiveRegistry)
	assert.NotContains(t, r.calls, third, "probing must stop at the first deployed candidate")
}

func TestProbeNothingDeployedKeepsOriginal(t *testing.T) {
	cfg := Resolve("sepolia", "", "")
	r := &fakeReader{code: map[string][]byte{}}

	res := proberFor(r).Probe(context.Background(), cfg)
	assert.False(t, res.Deployed)
	assert.Equal(t, cfg.RegistryAddress, res.EffectiveRegistry)
}

func TestProbeErrorsDoNotStopSearch(t *testing.T) {
	cfg := Resolve("development", "", "")
	preset, _ := Lookup("development")
	r := &fakeReader{
		code: map[string][]byte{preset.Candidates[2]: {0x60}},
		failures: map[string]error{
			cfg.RegistryAddress:  errors.New("boom"),
			preset.Candidates[1]: errors.New("timeout"),
		},
	}

	res := proberFor(r).Probe(context.Background(), cfg)
	assert.True(t, res.Deployed)
	assert.Equal(t, preset.Candidates[2], res.EffectiveRegistry)
	assert.Equal(t, "boom", res.Checked[0].Error)
}

func TestProbeAllErrors(t *testing.T) {
	cfg := Resolve("development", "", "")
	preset, _ := Lookup("development")
	failures := map[string]error{}
	for _, c := range preset.Candidates {
		failures[c] = errors.New("down")
	}
	res := proberFor(&fakeReader{failures: failures}).Probe(context.Background(), cfg)
	assert.False(t, res.Deployed)
	assert.Equal(t, cfg.RegistryAddress, res.EffectiveRegistry)
}

func TestProbeNoCandidatesForPlainNetwork(t *testing.T) {
	cfg := Resolve("mainnet", "", "")
	r := &fakeReader{code: map[string][]byte{}}

	res := proberFor(r).Probe(context.Background(), cfg)
	assert.False(t, res.Deployed)
	assert.Len(t, r.calls, 1)
}

func TestProbeUnreachableChain(t *testing.T) {
	p := NewProber(func(context.Context, string) (CodeReader, error) {
		return nil, errors.New("dial failed")
	}, quietLogger())
	cfg := Resolve("sepolia", "", "")
	res := p.Probe(context.Background(), cfg)
	assert.False(t, res.Deployed)
	assert.Equal(t, cfg.RegistryAddress, res.EffectiveRegistry)
}

func TestIsDeployedCode(t *testing.T) {
	assert.False(t, isDeployedCode(nil))
	assert.False(t, isDeployedCode([]byte("0x")))
	assert.True(t, isDeployedCode([]byte{0x60, 0x80}))
}

func TestProbeResultApply(t *testing.T) {
	cfg := Resolve("development", "", "0x9999999999999999999999999999999999999999")
	preset, _ := Lookup("development")
	second := preset.Candidates[1]

	res := proberFor(&fakeReader{code: map[string][]byte{second: {0x60}}}).Probe(context.Background(), cfg)
	applied := res.Apply(cfg)
	assert.Equal(t, second, applied.RegistryAddress)
	assert.Equal(t, cfg.RPCURL, applied.RPCURL)
	assert.Equal(t, cfg.ChainID, applied.ChainID)

	res = proberFor(&fakeReader{code: map[string][]byte{}}).Probe(context.Background(), cfg)
	assert.Equal(t, cfg, res.Apply(cfg))
}

func TestDialerDoesNotBlockOtherURLsWhileDialing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	d := NewDialer()
	d.dial = func(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
		if rpcURL == "http://slow" {
			close(started)
			<-release
		}
		// HTTP endpoints are dialed lazily, so this does no I/O.
		return ethclient.DialContext(ctx, "http://127.0.0.1:1")
	}
	defer d.Close()

	slow := make(chan *ethclient.Client)
	go func() {
		c, err := d.Client(context.Background(), "http://slow")
		assert.NoError(t, err)
		slow <- c
	}()
	<-started

	fast := make(chan error, 1)
	go func() {
		_, err := d.Client(context.Background(), "http://fast")
		fast <- err
	}()
	select {
	case err := <-fast:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dial of one URL blocked another")
	}

	close(release)
	first := <-slow
	again, err := d.Client(context.Background(), "http://slow")
	require.NoError(t, err)
	assert.Same(t, first, again)
}
