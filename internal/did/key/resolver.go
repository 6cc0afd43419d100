// Package key implements the did:key method for Ed25519 keys.
package key

import (
	"context"
	"crypto/ed25519"
	"strings"

	"github.com/multiformats/go-multibase"

	"github.com/praxis/praxis-identity/internal/did"
)

// Method is the DID method name handled by this package.
const Method = "key"

// FromPublicKey derives the did:key identifier for an Ed25519 public key.
func FromPublicKey(pub ed25519.PublicKey) (string, error) {
	mb, err := did.EncodeEd25519Multibase(pub)
	if err != nil {
		return "", err
	}
	return "did:key:" + mb, nil
}

// Resolver expands did:key identifiers locally; it never performs I/O.
type Resolver struct{}

// Resolve implements did.Resolver.
func (Resolver) Resolve(_ context.Context, identifier string) (*did.Document, error) {
	method, specific, err := did.BaseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if method != Method {
		return nil, did.Unsupported(method)
	}
	if i := strings.IndexAny(specific, "#?/"); i >= 0 {
		specific = specific[:i]
	}
	if !strings.HasPrefix(specific, "z") {
		return nil, did.Malformed("did:key must use base58btc multibase: %q", identifier)
	}

	_, decoded, err := multibase.Decode(specific)
	if err != nil {
		return nil, did.Malformed("did:key decode %q: %v", identifier, err)
	}
	if len(decoded) != ed25519.PublicKeySize+2 || decoded[0] != 0xed || decoded[1] != 0x01 {
		return nil, did.Malformed("did:key %q is not an ed25519-pub key", identifier)
	}

	id := "did:key:" + specific
	vmID := id + "#" + specific
	return &did.Document{
		Context: []any{did.ContextDIDv1, did.ContextEd25519_2020},
		ID:      id,
		VerificationMethod: []did.VerificationMethod{{
			ID:                 vmID,
			Type:               did.TypeEd25519_2020,
			Controller:         id,
			PublicKeyMultibase: specific,
		}},
		Authentication:  []any{vmID},
		AssertionMethod: []any{vmID},
	}, nil
}
