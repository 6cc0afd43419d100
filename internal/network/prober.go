package network

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("network")

// CodeReader reads contract bytecode. *ethclient.Client satisfies it.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// ReaderFactory returns a CodeReader for an RPC endpoint.
type ReaderFactory func(ctx context.Context, rpcURL string) (CodeReader, error)

// CandidateCheck records the outcome of probing one address.
type CandidateCheck struct {
	Address  string `json:"address"`
	Deployed bool   `json:"deployed"`
	Error    string `json:"error,omitempty"`
}

// ProbeResult is advisory: it selects the registry the agent should use and never
// blocks identity creation.
type ProbeResult struct {
	Deployed          bool             `json:"deployed"`
	EffectiveRegistry string           `json:"effectiveRegistry"`
	Checked           []CandidateCheck `json:"checked,omitempty"`
}

// Apply points cfg at the registry the probe selected. A probe that found no
// deployment leaves cfg unchanged.
func (r ProbeResult) Apply(cfg Config) Config {
	if r.Deployed && r.EffectiveRegistry != "" {
		cfg.RegistryAddress = r.EffectiveRegistry
	}
	return cfg
}

// Prober determines whether the configured registry contract is deployed.
type Prober struct {
	readers ReaderFactory
	logger  *logrus.Logger
}

// NewProber constructs a Prober. When readers is nil, go-ethereum clients are dialed
// lazily and cached per RPC URL.
func NewProber(readers ReaderFactory, logger *logrus.Logger) *Prober {
	if readers == nil {
		readers = NewDialer().Reader
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Prober{readers: readers, logger: logger}
}

// Probe checks cfg.RegistryAddress and, for presets with known alternates, the
// ordered candidate list. Query errors count as "not deployed" for that address.
func (p *Prober) Probe(ctx context.Context, cfg Config) ProbeResult {
	ctx, span := tracer.Start(ctx, "Network.Prober.Probe")
	defer span.End()

	result := p.probe(ctx, cfg)
	span.SetAttributes(
		attribute.String("network", cfg.Name),
		attribute.String("registry", result.EffectiveRegistry),
		attribute.Bool("deployed", result.Deployed),
		attribute.Int("checked", len(result.Checked)),
	)
	return result
}

func (p *Prober) probe(ctx context.Context, cfg Config) ProbeResult {
	result := ProbeResult{EffectiveRegistry: cfg.RegistryAddress}

	reader, err := p.readers(ctx, cfg.RPCURL)
	if err != nil {
		p.logger.WithFields(logrus.Fields{"network": cfg.Name, "rpc": cfg.RPCURL}).
			Warnf("Registry probe skipped, chain unreachable: %v", err)
		result.Checked = append(result.Checked, CandidateCheck{Address: cfg.RegistryAddress, Error: err.Error()})
		return result
	}

	check := p.check(ctx, reader, cfg.RegistryAddress)
	result.Checked = append(result.Checked, check)
	if check.Deployed {
		result.Deployed = true
		return result
	}

	preset, ok := Lookup(cfg.Name)
	if ok && preset.HasCandidates() {
		for _, candidate := range preset.Candidates {
			if strings.EqualFold(candidate, cfg.RegistryAddress) {
				continue
			}
			check := p.check(ctx, reader, candidate)
			result.Checked = append(result.Checked, check)
			if check.Deployed {
				p.logger.WithFields(logrus.Fields{
					"network":    cfg.Name,
					"configured": cfg.RegistryAddress,
					"found":      candidate,
				}).Info("Using alternate registry deployment")
				result.Deployed = true
				result.EffectiveRegistry = candidate
				return result
			}
		}
	}

	p.logger.WithFields(logrus.Fields{"network": cfg.Name, "registry": cfg.RegistryAddress}).
		Warn("No registry deployment found; continuing with configured address")
	return result
}

func (p *Prober) check(ctx context.Context, reader CodeReader, address string) CandidateCheck {
	out := CandidateCheck{Address: address}
	if !common.IsHexAddress(address) {
		out.Error = "not a hex address"
		return out
	}
	code, err := reader.CodeAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		out.Error = err.Error()
		p.logger.WithField("address", address).Debugf("Registry probe failed: %v", err)
		return out
	}
	out.Deployed = isDeployedCode(code)
	return out
}

// isDeployedCode treats empty bytecode and the empty-account marker as undeployed.
func isDeployedCode(code []byte) bool {
	if len(code) == 0 {
		return false
	}
	s := strings.ToLower(string(code))
	if s == "0x" || s == "0x0" {
		return false
	}
	return true
}

// Dialer caches go-ethereum clients per RPC URL.
type Dialer struct {
	mu      sync.Mutex
	clients map[string]*ethclient.Client
	dial    func(ctx context.Context, rpcURL string) (*ethclient.Client, error)
}

// NewDialer returns an empty client cache.
func NewDialer() *Dialer {
	return &Dialer{clients: map[string]*ethclient.Client{}, dial: ethclient.DialContext}
}

// Client returns a cached client for rpcURL, dialing on first use.
// The dial runs without the lock held; a concurrent dial that loses the race
// closes its client and returns the cached one.
func (d *Dialer) Client(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	d.mu.Lock()
	c, ok := d.clients[rpcURL]
	d.mu.Unlock()
	if ok {
		return c, nil
	}

	dialed, err := d.dial(ctx, rpcURL)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.clients[rpcURL]; ok {
		dialed.Close()
		return c, nil
	}
	d.clients[rpcURL] = dialed
	return dialed, nil
}

// Reader adapts Client to ReaderFactory.
func (d *Dialer) Reader(ctx context.Context, rpcURL string) (CodeReader, error) {
	return d.Client(ctx, rpcURL)
}

// Close releases every cached client.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for url, c := range d.clients {
		c.Close()
		delete(d.clients, url)
	}
}
