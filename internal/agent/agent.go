// Package agent defines the identity agent the service delegates key custody,
// signing, verification and DID resolution to, and ships a local implementation.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/praxis/praxis-identity/internal/credential"
	"github.com/praxis/praxis-identity/internal/did"
)

// Providers accepted by CreateIdentifier.
const (
	ProviderKey  = "did:key"
	ProviderEthr = "did:ethr"
)

var (
	// ErrUnsupportedProvider is returned for providers the agent cannot create.
	ErrUnsupportedProvider = errors.New("agent: unsupported identifier provider")
	// ErrNoSigningKey is returned when the agent holds no key for a DID.
	ErrNoSigningKey = errors.New("agent: no signing key held for identifier")
)

// CreateIdentifierOptions configures CreateIdentifier.
type CreateIdentifierOptions struct {
	// Provider is "did:key" or "did:ethr:<network>".
	Provider string
	Alias    string
	// Registry is the ERC-1056 deployment to anchor a did:ethr identifier on.
	Registry string
	// Seed makes the generated key deterministic when set (32 bytes).
	Seed []byte
}

// ImportIdentifierOptions registers an identifier whose key the agent never holds.
type ImportIdentifierOptions struct {
	DID      string
	Provider string
	Alias    string
}

// Identifier is an identifier known to the agent.
type Identifier struct {
	DID       string    `json:"did"`
	Provider  string    `json:"provider"`
	Alias     string    `json:"alias,omitempty"`
	KeyID     string    `json:"kid,omitempty"`
	Managed   bool      `json:"managed"`
	Registry  string    `json:"registry,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Info describes the agent capabilities.
type Info struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Providers   []string `json:"providers"`
	DIDMethods  []string `json:"didMethods"`
	Algorithms  []string `json:"algorithms"`
	Network     string   `json:"network"`
	Identifiers int      `json:"identifiers"`
	ManagedKeys int      `json:"managedKeys"`
}

// Agent is the signing, key custody and resolution capability.
type Agent interface {
	CreateIdentifier(ctx context.Context, opts CreateIdentifierOptions) (*Identifier, error)
	ImportIdentifier(ctx context.Context, opts ImportIdentifierOptions) (*Identifier, error)
	SignCredential(ctx context.Context, req credential.CredentialRequest) (*credential.Issued, error)
	VerifyCredential(ctx context.Context, token string) (*credential.Verification, error)
	SignPresentation(ctx context.Context, req credential.PresentationRequest) (*credential.Issued, error)
	VerifyPresentation(ctx context.Context, token, domain, challenge string) (*credential.Verification, error)
	ResolveDID(ctx context.Context, did string) (*did.Document, error)
	Info() Info
}
