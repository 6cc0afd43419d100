package did

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/praxis/praxis-identity/internal/errs"
)

// Common errors returned by DID helpers. They are wrapped into *errs.Error values
// so callers can branch on the resolution failure kind.
var (
	ErrUnsupportedMethod    = errors.New("did: unsupported method")
	ErrDocumentNotFound     = errors.New("did: document not found")
	ErrVerificationMethod   = errors.New("did: verification method not found")
	ErrKeyFormatUnsupported = errors.New("did: unsupported verification method key format")
	ErrHashMismatch         = errors.New("did: content hash mismatch")
)

const (
	ContextDIDv1          = "https://www.w3.org/ns/did/v1"
	ContextEd25519_2020   = "https://w3id.org/security/suites/ed25519-2020/v1"
	ContextSecp256k1Recov = "https://w3id.org/security/suites/secp256k1recovery-2020/v2"
	TypeEd25519_2020      = "Ed25519VerificationKey2020"
	TypeSecp256k1Recovery = "EcdsaSecp256k1RecoveryMethod2020"
	FragmentController    = "controller"
)

// Document represents a DID Document with the subset of fields the service needs.
type Document struct {
	Context            []any                `json:"@context"`
	ID                 string               `json:"id"`
	Controller         string               `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Authentication     []any                `json:"authentication,omitempty"`
	AssertionMethod    []any                `json:"assertionMethod,omitempty"`
	Service            []Service            `json:"service,omitempty"`
}

// VerificationMethod describes a verification method entry inside a DID document.
type VerificationMethod struct {
	ID                  string         `json:"id"`
	Type                string         `json:"type"`
	Controller          string         `json:"controller,omitempty"`
	PublicKeyJWK        map[string]any `json:"publicKeyJwk,omitempty"`
	PublicKeyMultibase  string         `json:"publicKeyMultibase,omitempty"`
	PublicKeyHex        string         `json:"publicKeyHex,omitempty"`
	BlockchainAccountID string         `json:"blockchainAccountId,omitempty"`
}

// Service is a DID service descriptor.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint any    `json:"serviceEndpoint"`
}

// Resolver resolves DID documents for a given DID identifier.
type Resolver interface {
	Resolve(ctx context.Context, did string) (*Document, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, did string) (*Document, error)

func (f ResolverFunc) Resolve(ctx context.Context, did string) (*Document, error) { return f(ctx, did) }

// Malformed builds a malformed-DID resolution error.
func Malformed(format string, args ...any) error {
	return &errs.Error{Kind: errs.KindResolutionMalformed, Op: "did.parse", Msg: fmt.Sprintf(format, args...)}
}

// Unsupported wraps ErrUnsupportedMethod for method.
func Unsupported(method string) error {
	return &errs.Error{Kind: errs.KindResolutionMalformed, Op: "did.resolve", Msg: "method " + method, Err: ErrUnsupportedMethod}
}

// MethodForDID extracts method name from DID string (e.g. "did:web:example" -> "web").
func MethodForDID(did string) (string, error) {
	method, _, err := BaseIdentifier(did)
	return method, err
}

// BaseIdentifier splits DID into method and method-specific ID.
func BaseIdentifier(did string) (method string, methodSpecific string, err error) {
	if !strings.HasPrefix(did, "did:") {
		return "", "", Malformed("invalid identifier %q", did)
	}
	rest := did[4:]
	idx := strings.IndexByte(rest, ':')
	if idx <= 0 {
		return "", "", Malformed("malformed identifier %q", did)
	}
	method = rest[:idx]
	for _, r := range method {
		if !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') {
			return "", "", Malformed("invalid method name in %q", did)
		}
	}
	methodSpecific = rest[idx+1:]
	if methodSpecific == "" {
		return "", "", Malformed("missing method specific identifier in %q", did)
	}
	return method, methodSpecific, nil
}

// KeyID appends fragment to a DID, ensuring only one '#'.
func KeyID(did, fragment string) string {
	return did + "#" + strings.TrimPrefix(fragment, "#")
}

// DIDFromKID extracts base DID portion from a key id like "did:web:example#key-1".
func DIDFromKID(kid string) (string, error) {
	if kid == "" {
		return "", Malformed("kid is empty")
	}
	idx := strings.IndexByte(kid, '#')
	if idx < 0 {
		if strings.HasPrefix(kid, "did:") {
			return kid, nil
		}
		return "", Malformed("kid lacks fragment: %s", kid)
	}
	if idx == 0 {
		return "", Malformed("malformed kid: %s", kid)
	}
	return kid[:idx], nil
}
