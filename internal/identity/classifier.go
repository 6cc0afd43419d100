package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/praxis/praxis-identity/internal/agent"
	"github.com/praxis/praxis-identity/internal/bus"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/network"
	"github.com/praxis/praxis-identity/internal/store"
)

const (
	opGet  = "identity.get"
	opList = "identity.list"
)

var tracer = otel.Tracer("identity")

// RegistryProber selects the registry deployment anchored identities use.
// *network.Prober satisfies it.
type RegistryProber interface {
	Probe(ctx context.Context, cfg network.Config) network.ProbeResult
}

// Metrics receives identity counters. *metrics.Collector satisfies it.
type Metrics interface {
	IdentityCreated(custodyModel string)
}

// Config wires a Classifier.
type Config struct {
	Agent   agent.Agent
	Store   store.Store
	Prober  RegistryProber
	Network network.Config
	Events  bus.Publisher
	Metrics Metrics
	Logger  *logrus.Logger
}

// Classifier turns creation requests into stored identity records.
type Classifier struct {
	agent   agent.Agent
	store   store.Store
	prober  RegistryProber
	network network.Config
	events  bus.Publisher
	metrics Metrics
	logger  *logrus.Logger

	inflight singleflight.Group

	// aliases maps alias to DID; an empty DID marks a reservation whose
	// creation is still in progress.
	aliasMu sync.Mutex
	aliases map[string]string
}

// NewClassifier constructs a Classifier.
func NewClassifier(cfg Config) (*Classifier, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("identity: agent is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("identity: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Network.Name == "" {
		cfg.Network = network.Resolve(network.DefaultNetwork, "", "")
	}
	return &Classifier{
		agent:   cfg.Agent,
		store:   cfg.Store,
		prober:  cfg.Prober,
		network: cfg.Network,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		aliases: map[string]string{},
	}, nil
}

// LoadAliases indexes the aliases of identities already in the store. Call it
// once at startup when the store is persistent.
func (c *Classifier) LoadAliases(ctx context.Context) error {
	records, err := store.ListJSON[Record](ctx, c.store, store.Identities)
	if err != nil {
		return err
	}
	c.aliasMu.Lock()
	defer c.aliasMu.Unlock()
	for _, r := range records {
		if r.Alias != "" {
			c.aliases[r.Alias] = r.DID
		}
	}
	return nil
}

// CreateIdentity classifies req and creates or returns the identity record.
func (c *Classifier) CreateIdentity(ctx context.Context, req CreateRequest) (*Record, error) {
	ctx, span := tracer.Start(ctx, "Identity.Classifier.CreateIdentity")
	defer span.End()

	rec, err := c.createIdentity(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("did", rec.DID),
		attribute.String("custody_model", string(rec.CustodyModel)),
	)
	return rec, nil
}

func (c *Classifier) createIdentity(ctx context.Context, req CreateRequest) (*Record, error) {
	v, err := ParseRequest(req, c.network)
	if err != nil {
		return nil, err
	}

	switch v := v.(type) {
	case WalletLinked:
		c.warnSubstituted(v.Network)
		return c.createWalletLinked(ctx, v)
	case ServiceManaged:
		c.warnSubstituted(v.Network)
		return c.createServiceManaged(ctx, v)
	case SelfIssued:
		return c.createSelfIssued(ctx, v)
	default:
		return nil, errs.Unsupported(opCreate, req.Method, SupportedMethods())
	}
}

func (c *Classifier) warnSubstituted(choice NetworkChoice) {
	if choice.Substituted {
		c.logger.WithFields(logrus.Fields{
			"requested": choice.Requested,
			"network":   choice.Config.Name,
		}).Warn("Unknown network requested, using default network")
	}
}

// createWalletLinked is idempotent per (address, network). Concurrent callers
// for one DID share a single execution and the write is insert-if-absent.
func (c *Classifier) createWalletLinked(ctx context.Context, v WalletLinked) (*Record, error) {
	netName := v.Network.Config.Name
	did := fmt.Sprintf("did:%s:%s:%s", v.Method, netName, v.Address)

	out, err, _ := c.inflight.Do(did, func() (interface{}, error) {
		existing, err := c.lookup(ctx, did)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return existing, nil
		}

		if err := c.reserveAlias(v.Alias); err != nil {
			return nil, err
		}
		probe := c.probe(ctx, v.Network.Config)
		provider := fmt.Sprintf("did:%s:%s", v.Method, netName)

		if _, err := c.agent.ImportIdentifier(ctx, agent.ImportIdentifierOptions{
			DID:      did,
			Provider: provider,
			Alias:    v.Alias,
		}); err != nil {
			c.releaseAlias(v.Alias)
			return nil, errs.Classify(opCreate, err, errs.KindSigningEngine)
		}

		rec := newRecord(CustodyWalletLinked, did, recordFields{
			provider:         provider,
			network:          netName,
			walletAddress:    v.Address,
			alias:            v.Alias,
			registry:         probe.EffectiveRegistry,
			registryDeployed: &probe.Deployed,
		})
		return c.write(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	cp := *out.(*Record)
	return &cp, nil
}

func (c *Classifier) createServiceManaged(ctx context.Context, v ServiceManaged) (*Record, error) {
	if err := c.reserveAlias(v.Alias); err != nil {
		return nil, err
	}
	netName := v.Network.Config.Name
	probe := c.probe(ctx, v.Network.Config)

	ident, err := c.agent.CreateIdentifier(ctx, agent.CreateIdentifierOptions{
		Provider: fmt.Sprintf("did:%s:%s", v.Method, netName),
		Alias:    v.Alias,
		Registry: probe.EffectiveRegistry,
		Seed:     v.Seed,
	})
	if err != nil {
		c.releaseAlias(v.Alias)
		return nil, errs.Classify(opCreate, err, errs.KindSigningEngine)
	}

	rec := newRecord(CustodyServiceManaged, ident.DID, recordFields{
		provider:         ident.Provider,
		network:          netName,
		alias:            v.Alias,
		keyID:            ident.KeyID,
		registry:         probe.EffectiveRegistry,
		registryDeployed: &probe.Deployed,
		createdAt:        ident.CreatedAt,
	})
	return c.write(ctx, rec)
}

func (c *Classifier) createSelfIssued(ctx context.Context, v SelfIssued) (*Record, error) {
	if err := c.reserveAlias(v.Alias); err != nil {
		return nil, err
	}

	ident, err := c.agent.CreateIdentifier(ctx, agent.CreateIdentifierOptions{
		Provider: agent.ProviderKey,
		Alias:    v.Alias,
		Seed:     v.Seed,
	})
	if err != nil {
		c.releaseAlias(v.Alias)
		return nil, errs.Classify(opCreate, err, errs.KindSigningEngine)
	}

	rec := newRecord(CustodySelfIssued, ident.DID, recordFields{
		provider:  ident.Provider,
		alias:     v.Alias,
		keyID:     ident.KeyID,
		createdAt: ident.CreatedAt,
	})
	return c.write(ctx, rec)
}

// write stores rec unless its DID is already present, in which case the stored
// record wins and the alias reservation is dropped.
func (c *Classifier) write(ctx context.Context, rec *Record) (*Record, error) {
	var stored Record
	inserted, err := store.PutJSONIfAbsent(ctx, c.store, store.Identities, rec.DID, rec, &stored)
	if err != nil {
		c.releaseAlias(rec.Alias)
		return nil, fmt.Errorf("identity: store %s: %w", rec.DID, err)
	}
	if !inserted {
		c.releaseAlias(rec.Alias)
		return &stored, nil
	}

	c.commitAlias(rec.Alias, rec.DID)
	c.announce(&stored)
	return &stored, nil
}

func (c *Classifier) announce(rec *Record) {
	c.logger.WithFields(logrus.Fields{
		"did":     rec.DID,
		"custody": rec.CustodyModel,
		"network": rec.Network,
		"alias":   rec.Alias,
	}).Info("Identity created")

	if c.metrics != nil {
		c.metrics.IdentityCreated(string(rec.CustodyModel))
	}
	if c.events != nil {
		c.events.PublishAsync(bus.EventIdentityCreated, map[string]interface{}{
			"did":            rec.DID,
			"custodyModel":   string(rec.CustodyModel),
			"network":        rec.Network,
			"alias":          rec.Alias,
			"signingCapable": rec.SigningCapable,
		})
	}
}

func (c *Classifier) probe(ctx context.Context, cfg network.Config) network.ProbeResult {
	if c.prober == nil {
		return network.ProbeResult{EffectiveRegistry: cfg.RegistryAddress}
	}
	return c.prober.Probe(ctx, cfg)
}

func (c *Classifier) lookup(ctx context.Context, did string) (*Record, error) {
	var rec Record
	err := store.GetJSON(ctx, c.store, store.Identities, did, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load %s: %w", did, err)
	}
	return &rec, nil
}

func (c *Classifier) reserveAlias(alias string) error {
	if alias == "" {
		return nil
	}
	c.aliasMu.Lock()
	defer c.aliasMu.Unlock()
	if owner, taken := c.aliases[alias]; taken {
		e := errs.E(errs.KindDuplicateAlias, opCreate, fmt.Sprintf("alias %q is already in use", alias))
		if owner != "" {
			e.Hint = "alias belongs to " + owner
		}
		return e
	}
	c.aliases[alias] = ""
	return nil
}

func (c *Classifier) commitAlias(alias, did string) {
	if alias == "" {
		return
	}
	c.aliasMu.Lock()
	c.aliases[alias] = did
	c.aliasMu.Unlock()
}

func (c *Classifier) releaseAlias(alias string) {
	if alias == "" {
		return
	}
	c.aliasMu.Lock()
	if c.aliases[alias] == "" {
		delete(c.aliases, alias)
	}
	c.aliasMu.Unlock()
}

// Get returns the stored identity for did.
func (c *Classifier) Get(ctx context.Context, did string) (*Record, error) {
	rec, err := c.lookup(ctx, did)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.NotFound(opGet, "identity "+did)
	}
	return rec, nil
}

// List returns every stored identity in creation order.
func (c *Classifier) List(ctx context.Context) ([]Record, error) {
	records, err := store.ListJSON[Record](ctx, c.store, store.Identities)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opList, err)
	}
	return records, nil
}
