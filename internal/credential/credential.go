// Package credential encodes W3C verifiable credentials and presentations as
// JWTs (VC-JWT) and verifies them against resolved DID documents.
package credential

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/praxis/praxis-identity/internal/crypto"
)

const (
	ContextCredentialsV1       = "https://www.w3.org/2018/credentials/v1"
	TypeVerifiableCredential   = "VerifiableCredential"
	TypeVerifiablePresentation = "VerifiablePresentation"
)

// CredentialRequest describes a credential to issue.
type CredentialRequest struct {
	IssuerDID         string
	SubjectDID        string
	Types             []string
	CredentialSubject map[string]any
	IssuanceDate      time.Time
	ExpirationDate    *time.Time
}

// PresentationRequest describes a presentation to sign.
type PresentationRequest struct {
	HolderDID   string
	Types       []string
	Credentials []string
	Domain      string
	Challenge   string
	IssuedAt    time.Time
}

// Issued is a signed credential or presentation.
type Issued struct {
	ID       string    `json:"id"`
	Token    string    `json:"jwt"`
	IssuedAt time.Time `json:"issuedAt"`
	Types    []string  `json:"type"`
}

// NormalizeTypes puts base first and drops duplicates and blanks.
func NormalizeTypes(base string, types []string) []string {
	out := []string{base}
	seen := map[string]bool{base: true}
	for _, t := range types {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// CredentialClaims builds the JWT claim set for req.
func CredentialClaims(id string, req CredentialRequest) map[string]any {
	subject := map[string]any{}
	for k, v := range req.CredentialSubject {
		subject[k] = v
	}
	if req.SubjectDID != "" {
		subject["id"] = req.SubjectDID
	}

	claims := map[string]any{
		"iss": req.IssuerDID,
		"nbf": req.IssuanceDate.Unix(),
		"iat": req.IssuanceDate.Unix(),
		"jti": id,
		"vc": map[string]any{
			"@context":          []string{ContextCredentialsV1},
			"type":              NormalizeTypes(TypeVerifiableCredential, req.Types),
			"credentialSubject": subject,
		},
	}
	if req.SubjectDID != "" {
		claims["sub"] = req.SubjectDID
	}
	if req.ExpirationDate != nil {
		claims["exp"] = req.ExpirationDate.Unix()
	}
	return claims
}

// PresentationClaims builds the JWT claim set for req.
func PresentationClaims(id string, req PresentationRequest) map[string]any {
	credentials := req.Credentials
	if credentials == nil {
		credentials = []string{}
	}
	claims := map[string]any{
		"iss": req.HolderDID,
		"nbf": req.IssuedAt.Unix(),
		"iat": req.IssuedAt.Unix(),
		"jti": id,
		"vp": map[string]any{
			"@context":             []string{ContextCredentialsV1},
			"type":                 NormalizeTypes(TypeVerifiablePresentation, req.Types),
			"holder":               req.HolderDID,
			"verifiableCredential": credentials,
		},
	}
	if req.Domain != "" {
		claims["aud"] = req.Domain
	}
	if req.Challenge != "" {
		claims["nonce"] = req.Challenge
	}
	return claims
}

// IssueCredential signs req with kp under verification method kid.
func IssueCredential(req CredentialRequest, kid string, kp *crypto.KeyPair) (*Issued, error) {
	if req.IssuanceDate.IsZero() {
		req.IssuanceDate = time.Now().UTC()
	}
	id := "urn:uuid:" + uuid.NewString()
	token, err := signClaims(CredentialClaims(id, req), kid, kp)
	if err != nil {
		return nil, err
	}
	return &Issued{ID: id, Token: token, IssuedAt: req.IssuanceDate.UTC().Truncate(time.Second), Types: NormalizeTypes(TypeVerifiableCredential, req.Types)}, nil
}

// IssuePresentation signs req with the holder key kp under verification method kid.
func IssuePresentation(req PresentationRequest, kid string, kp *crypto.KeyPair) (*Issued, error) {
	if req.IssuedAt.IsZero() {
		req.IssuedAt = time.Now().UTC()
	}
	id := "urn:uuid:" + uuid.NewString()
	token, err := signClaims(PresentationClaims(id, req), kid, kp)
	if err != nil {
		return nil, err
	}
	return &Issued{ID: id, Token: token, IssuedAt: req.IssuedAt.UTC().Truncate(time.Second), Types: NormalizeTypes(TypeVerifiablePresentation, req.Types)}, nil
}

func signClaims(claims map[string]any, kid string, kp *crypto.KeyPair) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("credential: encode claims: %w", err)
	}

	hdr := jws.NewHeaders()
	if err := hdr.Set(jws.KeyIDKey, kid); err != nil {
		return "", err
	}
	if err := hdr.Set(jws.TypeKey, "JWT"); err != nil {
		return "", err
	}

	signed, err := jws.Sign(payload, jws.WithKey(kp.Algorithm(), kp.SigningKey(), jws.WithProtectedHeaders(hdr)))
	if err != nil {
		return "", fmt.Errorf("credential: sign: %w", err)
	}
	return string(signed), nil
}
