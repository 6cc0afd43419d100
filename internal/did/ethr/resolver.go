// Package ethr resolves did:ethr identifiers against ERC-1056 registries.
package ethr

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"

	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/erc1056"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/network"
)

// Method is the DID method name handled by this package.
const Method = "ethr"

var (
	addressPattern   = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	publicKeyPattern = regexp.MustCompile(`^0x0[23][0-9a-fA-F]{64}$`)
)

// BackendFactory returns registry chain access for an RPC endpoint.
type BackendFactory func(ctx context.Context, rpcURL string) (erc1056.Backend, error)

// Identifier is a parsed did:ethr identifier.
type Identifier struct {
	DID       string
	Network   network.Preset
	Address   common.Address
	PublicKey []byte
}

// Parse splits a did:ethr identifier into its network and account. The network
// segment is optional (mainnet) and may be a preset name or a hex chain id.
func Parse(identifier string) (*Identifier, error) {
	method, specific, err := did.BaseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if method != Method {
		return nil, did.Unsupported(method)
	}

	parts := strings.Split(specific, ":")
	segment, account := "mainnet", parts[len(parts)-1]
	switch len(parts) {
	case 1:
	case 2:
		segment = parts[0]
	default:
		return nil, did.Malformed("unexpected did:ethr identifier %q", identifier)
	}

	id := &Identifier{DID: identifier}
	switch {
	case addressPattern.MatchString(account):
		id.Address = common.HexToAddress(account)
	case publicKeyPattern.MatchString(account):
		raw, _ := hex.DecodeString(account[2:])
		pub, err := ethcrypto.DecompressPubkey(raw)
		if err != nil {
			return nil, did.Malformed("invalid public key in %q: %v", identifier, err)
		}
		id.PublicKey = raw
		id.Address = ethcrypto.PubkeyToAddress(*pub)
	default:
		return nil, did.Malformed("invalid ethereum address in %q", identifier)
	}

	preset, ok := network.LookupSegment(segment)
	if !ok {
		return nil, &errs.Error{
			Kind:      errs.KindResolutionRegistry,
			Op:        "did.ethr.parse",
			Msg:       fmt.Sprintf("no registry known for network %q", segment),
			Hint:      "use one of the configured networks",
			Supported: network.Names(),
		}
	}
	id.Network = preset
	return id, nil
}

// Resolver reads identifier state from the ERC-1056 registry of the DID's network.
type Resolver struct {
	backends  BackendFactory
	overrides map[string]network.Config
	logger    *logrus.Logger
	now       func() time.Time
}

// NewResolver constructs a Resolver. overrides replaces the RPC endpoint and
// registry address of the named networks, typically the configured one.
func NewResolver(backends BackendFactory, logger *logrus.Logger, overrides ...network.Config) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	r := &Resolver{backends: backends, overrides: map[string]network.Config{}, logger: logger, now: time.Now}
	for _, o := range overrides {
		r.overrides[o.Name] = o
	}
	return r
}

func (r *Resolver) configFor(p network.Preset) network.Config {
	if o, ok := r.overrides[p.Name]; ok {
		return o
	}
	return p.Config
}

// Resolve implements did.Resolver.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*did.Document, error) {
	const op = "did.ethr.resolve"

	id, err := Parse(identifier)
	if err != nil {
		return nil, err
	}
	cfg := r.configFor(id.Network)
	if !common.IsHexAddress(cfg.RegistryAddress) {
		return nil, errs.E(errs.KindResolutionRegistry, op, "invalid registry address "+cfg.RegistryAddress)
	}

	backend, err := r.backends(ctx, cfg.RPCURL)
	if err != nil {
		return nil, errs.Classify(op, err, errs.KindResolutionTransport)
	}
	registry, err := erc1056.NewRegistry(common.HexToAddress(cfg.RegistryAddress), backend)
	if err != nil {
		return nil, errs.Wrap(errs.KindResolutionRegistry, op, err)
	}

	owner, err := registry.IdentityOwner(ctx, id.Address)
	if err != nil {
		return nil, errs.Classify(op, err, errs.KindResolutionRegistry)
	}
	changed, err := registry.Changed(ctx, id.Address)
	if err != nil {
		return nil, errs.Classify(op, err, errs.KindResolutionRegistry)
	}

	var delegates []erc1056.DelegateChange
	if changed.Sign() > 0 {
		delegates, err = registry.Delegates(ctx, id.Address, changed)
		if err != nil {
			return nil, errs.Classify(op, err, errs.KindResolutionRegistry)
		}
	}

	r.logger.WithFields(logrus.Fields{
		"did":       identifier,
		"network":   cfg.Name,
		"owner":     owner.Hex(),
		"changed":   changed.String(),
		"delegates": len(delegates),
	}).Debug("Resolved did:ethr")

	return r.buildDocument(id, cfg.ChainID, owner, delegates), nil
}

func (r *Resolver) buildDocument(id *Identifier, chainID int64, owner common.Address, delegates []erc1056.DelegateChange) *did.Document {
	doc := did.SynthesizeEthr(id.DID, chainID, owner.Hex())

	if len(id.PublicKey) > 0 && owner == id.Address {
		keyID := did.KeyID(id.DID, "controllerKey")
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID:           keyID,
			Type:         "EcdsaSecp256k1VerificationKey2019",
			Controller:   id.DID,
			PublicKeyHex: hex.EncodeToString(id.PublicKey),
		})
		doc.Authentication = append(doc.Authentication, keyID)
		doc.AssertionMethod = append(doc.AssertionMethod, keyID)
	}

	now := big.NewInt(r.now().Unix())
	revoked := map[string]bool{}
	n := 0
	for _, d := range delegates {
		key := d.Type() + "/" + d.Delegate.Hex()
		// Newest first: an expired or revoked entry hides older grants of the same delegate.
		if revoked[key] {
			continue
		}
		if d.ValidTo == nil || d.ValidTo.Cmp(now) <= 0 {
			revoked[key] = true
			continue
		}
		revoked[key] = true
		n++
		vmID := did.KeyID(id.DID, fmt.Sprintf("delegate-%d", n))
		doc.VerificationMethod = append(doc.VerificationMethod, did.VerificationMethod{
			ID:                  vmID,
			Type:                did.TypeSecp256k1Recovery,
			Controller:          id.DID,
			BlockchainAccountID: fmt.Sprintf("eip155:%d:%s", chainID, d.Delegate.Hex()),
		})
		switch d.Type() {
		case "sigAuth":
			doc.Authentication = append(doc.Authentication, vmID)
			doc.AssertionMethod = append(doc.AssertionMethod, vmID)
		case "veriKey":
			doc.AssertionMethod = append(doc.AssertionMethod, vmID)
		}
	}
	return doc
}
