package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// stringList accepts either a JSON string or an array of strings.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = stringList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a string or an array of strings")
	}
	*l = many
	return nil
}

type createCredentialRequest struct {
	IssuerDID         string         `json:"issuerDid"`
	SubjectDID        string         `json:"subjectDid"`
	CredentialSubject map[string]any `json:"credentialSubject"`
	Type              stringList     `json:"type"`
	ExpirationDate    *time.Time     `json:"expirationDate"`
}

type verifyCredentialRequest struct {
	Credential json.RawMessage `json:"credential"`
}

type createPresentationRequest struct {
	HolderDID             string            `json:"holderDid"`
	VerifiableCredentials []json.RawMessage `json:"verifiableCredentials"`
	Type                  stringList        `json:"type"`
	Domain                string            `json:"domain"`
	Challenge             string            `json:"challenge"`
}

type verifyPresentationRequest struct {
	Presentation json.RawMessage `json:"presentation"`
	Domain       string          `json:"domain"`
	Challenge    string          `json:"challenge"`
}

// tokenRef extracts a JWT or stored id from a credential or presentation
// reference. Accepted shapes are a bare string, an issued record
// ({"jwt": ...} or {"payload": ...}), a JWT-proofed document
// ({"proof": {"jwt": ...}}) and a record reference ({"id": ...}).
func tokenRef(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("missing value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var obj struct {
		JWT     string `json:"jwt"`
		Payload string `json:"payload"`
		ID      string `json:"id"`
		Proof   struct {
			JWT string `json:"jwt"`
		} `json:"proof"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("expected a JWT string or an object carrying one")
	}
	for _, v := range []string{obj.JWT, obj.Payload, obj.Proof.JWT, obj.ID} {
		if v = strings.TrimSpace(v); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("object carries no jwt, payload, proof.jwt or id")
}
