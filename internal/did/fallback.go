package did

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/network"
)

// Outcome distinguishes authoritative documents from synthesized ones.
type Outcome string

const (
	OutcomePrimary         Outcome = "primary"
	OutcomeFallbackApplied Outcome = "fallback"
)

// ResolutionMetadata accompanies every successful resolution.
type ResolutionMetadata struct {
	Fallback    bool      `json:"fallback"`
	Reason      string    `json:"reason,omitempty"`
	ReasonKind  errs.Kind `json:"reasonKind,omitempty"`
	Network     string    `json:"network,omitempty"`
	ChainID     int64     `json:"chainId,omitempty"`
	RetrievedAt time.Time `json:"retrieved"`
}

// Resolution is the result of FallbackResolver.Resolve.
type Resolution struct {
	Document *Document          `json:"didDocument"`
	Metadata ResolutionMetadata `json:"didResolutionMetadata"`
	Outcome  Outcome            `json:"outcome"`
}

var tracer = otel.Tracer("did")

var ethAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// FallbackResolver wraps a primary resolver. When primary resolution of a
// blockchain-anchored DID fails for a known network, a minimal controller-only
// document is synthesized from the embedded address.
type FallbackResolver struct {
	primary Resolver
	logger  *logrus.Logger
	now     func() time.Time
}

// NewFallbackResolver wraps primary.
func NewFallbackResolver(primary Resolver, logger *logrus.Logger) *FallbackResolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &FallbackResolver{primary: primary, logger: logger, now: time.Now}
}

// Resolve returns the authoritative document when the primary resolver succeeds,
// a synthesized one when it fails for a recognised did:ethr shape, or a
// classified *errs.Error otherwise. Malformed DIDs never reach the primary
// resolver and never produce a fallback.
func (f *FallbackResolver) Resolve(ctx context.Context, did string) (*Resolution, error) {
	ctx, span := tracer.Start(ctx, "DID.FallbackResolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("did", did))

	res, err := f.resolve(ctx, did)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
		return nil, err
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	return res, nil
}

func (f *FallbackResolver) resolve(ctx context.Context, did string) (*Resolution, error) {
	const op = "did.resolve"

	shape, err := parseAnchored(did)
	if err != nil {
		return nil, err
	}

	doc, err := f.primary.Resolve(ctx, did)
	if err == nil {
		return &Resolution{
			Document: doc,
			Metadata: ResolutionMetadata{RetrievedAt: f.now().UTC()},
			Outcome:  OutcomePrimary,
		}, nil
	}

	classified := errs.Classify(op, err, errs.KindResolutionRegistry)
	kind := errs.KindOf(classified)
	if kind == errs.KindResolutionMalformed || shape == nil {
		return nil, withRegistryHint(classified)
	}

	f.logger.WithFields(logrus.Fields{
		"did":     did,
		"network": shape.network,
		"kind":    kind,
	}).Warnf("Primary DID resolution failed, synthesizing controller document: %v", err)

	return &Resolution{
		Document: SynthesizeEthr(did, shape.chainID, shape.address),
		Metadata: ResolutionMetadata{
			Fallback:    true,
			Reason:      err.Error(),
			ReasonKind:  kind,
			Network:     shape.network,
			ChainID:     shape.chainID,
			RetrievedAt: f.now().UTC(),
		},
		Outcome: OutcomeFallbackApplied,
	}, nil
}

func withRegistryHint(err error) error {
	e, ok := err.(*errs.Error)
	if !ok || e.Kind != errs.KindResolutionRegistry || e.Hint != "" {
		return err
	}
	e.Hint = "the registry contract may not be deployed on this network; check /network/status or set REGISTRY_ADDRESS"
	return e
}

type anchoredShape struct {
	network string
	chainID int64
	address string
}

// parseAnchored validates did syntax. It returns a non-nil shape only for
// did:ethr identifiers whose network is a known preset and whose address is a
// 20-byte hex string.
func parseAnchored(did string) (*anchoredShape, error) {
	method, specific, err := BaseIdentifier(did)
	if err != nil {
		return nil, err
	}
	if method != "ethr" {
		return nil, nil
	}

	parts := strings.Split(specific, ":")
	var segment, address string
	switch len(parts) {
	case 1:
		segment, address = "mainnet", parts[0]
	case 2:
		segment, address = parts[0], parts[1]
	default:
		return nil, Malformed("unexpected did:ethr identifier %q", did)
	}
	if !ethAddressPattern.MatchString(address) {
		// Public-key form (0x + 33 bytes) resolves on-chain but has no fallback shape.
		if strings.HasPrefix(address, "0x") && len(address) == 68 {
			return nil, nil
		}
		return nil, Malformed("invalid ethereum address in %q", did)
	}
	preset, ok := network.LookupSegment(segment)
	if !ok {
		return nil, nil
	}
	return &anchoredShape{network: preset.Name, chainID: preset.ChainID, address: address}, nil
}

// SynthesizeEthr builds the controller-only document for a did:ethr identifier
// that has no on-chain changes. The single verification method is referenced by
// both authentication and assertionMethod.
func SynthesizeEthr(did string, chainID int64, address string) *Document {
	vmID := KeyID(did, FragmentController)
	return &Document{
		Context: []any{ContextDIDv1, ContextSecp256k1Recov},
		ID:      did,
		VerificationMethod: []VerificationMethod{{
			ID:                  vmID,
			Type:                TypeSecp256k1Recovery,
			Controller:          did,
			BlockchainAccountID: fmt.Sprintf("eip155:%d:%s", chainID, address),
		}},
		Authentication:  []any{vmID},
		AssertionMethod: []any{vmID},
	}
}
