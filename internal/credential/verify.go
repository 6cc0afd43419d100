package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/errs"
)

// Errors reported in a failed Verification.
var (
	ErrIssuerMismatch  = errors.New("credential: signing key does not belong to issuer")
	ErrKeyRelationship = errors.New("credential: key is not authorized for this proof purpose")
	ErrNotCredential   = errors.New("credential: token carries no vc claim")
	ErrNotPresentation = errors.New("credential: token carries no vp claim")
)

// Verification is the outcome of verifying a credential or presentation. A
// token that fails cryptographic or claim checks yields Verified=false with a
// reason; only resolution transport failures are returned as errors so that
// callers can retry.
type Verification struct {
	Verified       bool            `json:"verified"`
	Error          string          `json:"error,omitempty"`
	ID             string          `json:"id,omitempty"`
	Issuer         string          `json:"issuer,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	Types          []string        `json:"type,omitempty"`
	KeyID          string          `json:"kid,omitempty"`
	IssuanceDate   time.Time       `json:"issuanceDate,omitempty"`
	ExpirationDate *time.Time      `json:"expirationDate,omitempty"`
	Claims         map[string]any  `json:"claims,omitempty"`
	Credentials    []*Verification `json:"credentials,omitempty"`
}

func failed(err error) *Verification {
	return &Verification{Error: err.Error()}
}

// Verifier checks VC-JWT and VP-JWT tokens against resolved DID documents.
type Verifier struct {
	resolver did.Resolver
	skew     time.Duration
	now      func() time.Time
}

// NewVerifier constructs a Verifier backed by resolver.
func NewVerifier(resolver did.Resolver) *Verifier {
	return &Verifier{resolver: resolver, skew: 30 * time.Second, now: time.Now}
}

// WithClock overrides the verification time source.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// VerifyCredential verifies a VC-JWT.
func (v *Verifier) VerifyCredential(ctx context.Context, token string) (*Verification, error) {
	tok, kid, err := v.verifyToken(ctx, token, did.AssertionMethods)
	if err != nil {
		return failedOrError(err)
	}
	vc, ok := claimMap(tok, "vc")
	if !ok {
		return failed(ErrNotCredential), nil
	}

	out := &Verification{
		Verified:     true,
		ID:           tok.JwtID(),
		Issuer:       tok.Issuer(),
		Subject:      tok.Subject(),
		Types:        stringSlice(vc["type"]),
		KeyID:        kid,
		IssuanceDate: tok.NotBefore().UTC(),
		Claims:       vc,
	}
	if exp := tok.Expiration(); !exp.IsZero() {
		exp = exp.UTC()
		out.ExpirationDate = &exp
	}
	return out, nil
}

// VerifyPresentation verifies a VP-JWT, its audience (domain) and nonce
// (challenge) when given, and every embedded credential.
func (v *Verifier) VerifyPresentation(ctx context.Context, token, domain, challenge string) (*Verification, error) {
	var opts []jwt.ValidateOption
	if domain != "" {
		opts = append(opts, jwt.WithAudience(domain))
	}
	if challenge != "" {
		opts = append(opts, jwt.WithClaimValue("nonce", challenge))
	}

	tok, kid, err := v.verifyToken(ctx, token, did.AuthenticationMethods, opts...)
	if err != nil {
		return failedOrError(err)
	}
	vp, ok := claimMap(tok, "vp")
	if !ok {
		return failed(ErrNotPresentation), nil
	}

	out := &Verification{
		Verified:     true,
		ID:           tok.JwtID(),
		Issuer:       tok.Issuer(),
		Types:        stringSlice(vp["type"]),
		KeyID:        kid,
		IssuanceDate: tok.NotBefore().UTC(),
		Claims:       vp,
	}
	for i, raw := range stringSlice(vp["verifiableCredential"]) {
		res, err := v.VerifyCredential(ctx, raw)
		if err != nil {
			return nil, err
		}
		out.Credentials = append(out.Credentials, res)
		if !res.Verified && out.Verified {
			out.Verified = false
			out.Error = fmt.Sprintf("credential %d: %s", i, res.Error)
		}
	}
	return out, nil
}

type methodSelector func(*did.Document) []did.VerificationMethod

// verifyToken resolves the signer named by the kid header, checks that the key
// is authorized for the proof purpose and belongs to the token issuer, then
// verifies the signature and registered claims.
func (v *Verifier) verifyToken(ctx context.Context, token string, purpose methodSelector, opts ...jwt.ValidateOption) (jwt.Token, string, error) {
	msg, err := jws.Parse([]byte(token))
	if err != nil {
		return nil, "", fmt.Errorf("credential: parse token: %w", err)
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return nil, "", fmt.Errorf("credential: expected one signature, got %d", len(sigs))
	}
	hdr := sigs[0].ProtectedHeaders()
	kid := hdr.KeyID()
	alg := hdr.Algorithm()

	signer, err := did.DIDFromKID(kid)
	if err != nil {
		return nil, kid, err
	}
	doc, err := v.resolver.Resolve(ctx, signer)
	if err != nil {
		return nil, kid, err
	}
	vm, err := did.FindVerificationMethod(doc, kid)
	if err != nil {
		return nil, kid, fmt.Errorf("credential: %s: %w", kid, err)
	}
	if !did.HasMethod(doc, purpose(doc), kid) {
		return nil, kid, ErrKeyRelationship
	}

	key, err := verificationKey(alg, vm)
	if err != nil {
		return nil, kid, err
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKey(alg, key),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.skew),
		jwt.WithClock(jwt.ClockFunc(v.now)),
	}
	for _, o := range opts {
		parseOpts = append(parseOpts, o)
	}
	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return nil, kid, fmt.Errorf("credential: %w", err)
	}
	if tok.Issuer() != signer {
		return nil, kid, ErrIssuerMismatch
	}
	return tok, kid, nil
}

func verificationKey(alg jwa.SignatureAlgorithm, vm *did.VerificationMethod) (interface{}, error) {
	switch alg {
	case jwa.EdDSA:
		return did.ExtractEd25519PublicKey(vm)
	case jwa.ES256K:
		return did.ExtractEthereumAddress(vm)
	default:
		return nil, fmt.Errorf("credential: unsupported algorithm %q", alg)
	}
}

// failedOrError surfaces retryable resolution failures as errors and folds every
// other failure into an unverified result.
func failedOrError(err error) (*Verification, error) {
	if errs.IsKind(err, errs.KindResolutionTransport) {
		return nil, err
	}
	return failed(err), nil
}

func claimMap(tok jwt.Token, name string) (map[string]any, bool) {
	v, ok := tok.Get(name)
	if !ok {
		return nil, false
	}
	m, ok := v.(map[string]interface{})
	return m, ok
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
