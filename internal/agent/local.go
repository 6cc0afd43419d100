package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/sirupsen/logrus"

	"github.com/praxis/praxis-identity/internal/credential"
	"github.com/praxis/praxis-identity/internal/crypto"
	"github.com/praxis/praxis-identity/internal/did"
	didkey "github.com/praxis/praxis-identity/internal/did/key"
	"github.com/praxis/praxis-identity/internal/network"
)

// Version is reported by Info.
const Version = "0.3.0"

// LocalConfig configures LocalAgent.
type LocalConfig struct {
	Name     string
	Network  network.Config
	Keystore *crypto.Keystore
	Resolver *did.MultiResolver
	Logger   *logrus.Logger
}

// LocalAgent runs the agent in-process: keys live in a sealed keystore,
// credentials are VC-JWTs and resolution goes through a method router.
type LocalAgent struct {
	name     string
	network  network.Config
	keys     *crypto.Keystore
	resolver *did.MultiResolver
	verifier *credential.Verifier
	logger   *logrus.Logger

	mu          sync.RWMutex
	identifiers map[string]*Identifier
}

// NewLocalAgent constructs a LocalAgent.
func NewLocalAgent(cfg LocalConfig) (*LocalAgent, error) {
	if cfg.Keystore == nil {
		return nil, fmt.Errorf("agent: keystore is required")
	}
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("agent: resolver is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Name == "" {
		cfg.Name = "praxis-identity-agent"
	}
	return &LocalAgent{
		name:        cfg.Name,
		network:     cfg.Network,
		keys:        cfg.Keystore,
		resolver:    cfg.Resolver,
		verifier:    credential.NewVerifier(cfg.Resolver),
		logger:      cfg.Logger,
		identifiers: map[string]*Identifier{},
	}, nil
}

// CreateIdentifier generates a key and derives the identifier for the provider.
func (a *LocalAgent) CreateIdentifier(_ context.Context, opts CreateIdentifierOptions) (*Identifier, error) {
	provider := opts.Provider
	var (
		kp    *crypto.KeyPair
		id    string
		keyID string
		err   error
	)
	switch {
	case provider == ProviderKey:
		kp, err = crypto.GenerateKeyPair(crypto.KeyEd25519, opts.Seed)
		if err != nil {
			return nil, err
		}
		id, err = didkey.FromPublicKey(kp.Ed25519Public())
		if err != nil {
			return nil, err
		}
		keyID = id + "#" + strings.TrimPrefix(id, "did:key:")
	case provider == ProviderEthr || strings.HasPrefix(provider, ProviderEthr+":"):
		netName := strings.TrimPrefix(strings.TrimPrefix(provider, ProviderEthr), ":")
		if netName == "" {
			netName = a.network.Name
		}
		if _, ok := network.Lookup(netName); !ok {
			return nil, fmt.Errorf("%w: %s (unknown network %q)", ErrUnsupportedProvider, provider, netName)
		}
		kp, err = crypto.GenerateKeyPair(crypto.KeySecp256k1, opts.Seed)
		if err != nil {
			return nil, err
		}
		provider = ProviderEthr + ":" + netName
		id = provider + ":" + strings.ToLower(kp.Address().Hex())
		keyID = did.KeyID(id, did.FragmentController)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}

	if err := a.keys.Put(id, kp); err != nil {
		return nil, err
	}
	ident := &Identifier{
		DID:       id,
		Provider:  provider,
		Alias:     opts.Alias,
		KeyID:     keyID,
		Managed:   true,
		Registry:  opts.Registry,
		CreatedAt: time.Now().UTC(),
	}
	a.remember(ident)
	a.resolver.Invalidate(id)

	a.logger.WithFields(logrus.Fields{
		"did":      id,
		"provider": provider,
		"alias":    opts.Alias,
	}).Info("Created managed identifier")
	return ident, nil
}

// ImportIdentifier registers an externally controlled identifier. Importing an
// already known DID returns the existing entry.
func (a *LocalAgent) ImportIdentifier(_ context.Context, opts ImportIdentifierOptions) (*Identifier, error) {
	if _, _, err := did.BaseIdentifier(opts.DID); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if existing, ok := a.identifiers[opts.DID]; ok {
		cp := *existing
		return &cp, nil
	}
	ident := &Identifier{
		DID:       opts.DID,
		Provider:  opts.Provider,
		Alias:     opts.Alias,
		KeyID:     did.KeyID(opts.DID, did.FragmentController),
		CreatedAt: time.Now().UTC(),
	}
	a.identifiers[opts.DID] = ident
	// A document resolved before the import may predate the owner's registry changes.
	a.resolver.Invalidate(opts.DID)
	a.logger.WithField("did", opts.DID).Info("Imported external identifier")
	cp := *ident
	return &cp, nil
}

func (a *LocalAgent) remember(ident *Identifier) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cp := *ident
	a.identifiers[ident.DID] = &cp
}

// signingKey returns the key and kid the agent signs with for id.
func (a *LocalAgent) signingKey(id string) (*crypto.KeyPair, string, error) {
	kp, err := a.keys.Get(id)
	if errors.Is(err, crypto.ErrKeyNotFound) {
		return nil, "", fmt.Errorf("%w: %s", ErrNoSigningKey, id)
	}
	if err != nil {
		return nil, "", err
	}

	a.mu.RLock()
	ident, ok := a.identifiers[id]
	a.mu.RUnlock()
	if ok && ident.KeyID != "" {
		return kp, ident.KeyID, nil
	}
	// Keys restored from a keystore file have no in-memory identifier entry.
	if kp.Type == crypto.KeySecp256k1 {
		return kp, did.KeyID(id, did.FragmentController), nil
	}
	return kp, id + "#" + strings.TrimPrefix(id, "did:key:"), nil
}

// SignCredential issues a VC-JWT signed by the issuer's managed key.
func (a *LocalAgent) SignCredential(_ context.Context, req credential.CredentialRequest) (*credential.Issued, error) {
	kp, kid, err := a.signingKey(req.IssuerDID)
	if err != nil {
		return nil, err
	}
	return credential.IssueCredential(req, kid, kp)
}

// VerifyCredential verifies a VC-JWT.
func (a *LocalAgent) VerifyCredential(ctx context.Context, token string) (*credential.Verification, error) {
	return a.verifier.VerifyCredential(ctx, token)
}

// SignPresentation issues a VP-JWT signed by the holder's managed key.
func (a *LocalAgent) SignPresentation(_ context.Context, req credential.PresentationRequest) (*credential.Issued, error) {
	kp, kid, err := a.signingKey(req.HolderDID)
	if err != nil {
		return nil, err
	}
	return credential.IssuePresentation(req, kid, kp)
}

// VerifyPresentation verifies a VP-JWT and its embedded credentials.
func (a *LocalAgent) VerifyPresentation(ctx context.Context, token, domain, challenge string) (*credential.Verification, error) {
	return a.verifier.VerifyPresentation(ctx, token, domain, challenge)
}

// ResolveDID resolves did through the method router.
func (a *LocalAgent) ResolveDID(ctx context.Context, id string) (*did.Document, error) {
	return a.resolver.Resolve(ctx, id)
}

// Identifier returns the agent's entry for id.
func (a *LocalAgent) Identifier(id string) (*Identifier, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ident, ok := a.identifiers[id]
	if !ok {
		return nil, false
	}
	cp := *ident
	return &cp, true
}

// Info reports agent capabilities.
func (a *LocalAgent) Info() Info {
	providers := []string{ProviderKey}
	for _, name := range network.Names() {
		providers = append(providers, ProviderEthr+":"+name)
	}
	sort.Strings(providers[1:])

	a.mu.RLock()
	n := len(a.identifiers)
	a.mu.RUnlock()

	return Info{
		Name:        a.name,
		Version:     Version,
		Providers:   providers,
		DIDMethods:  a.resolver.Methods(),
		Algorithms:  []string{jwa.EdDSA.String(), jwa.ES256K.String()},
		Network:     a.network.Name,
		Identifiers: n,
		ManagedKeys: a.keys.Len(),
	}
}
