// Package identity classifies DID creation requests into custody models and
// records the resulting identities.
package identity

import "time"

// CustodyModel names who holds the key controlling a DID.
type CustodyModel string

const (
	CustodyWalletLinked   CustodyModel = "wallet-linked"
	CustodyServiceManaged CustodyModel = "service-managed"
	CustodySelfIssued     CustodyModel = "self-issued"
)

// SigningCapable reports whether the service holds key material for the model.
func (m CustodyModel) SigningCapable() bool {
	return m == CustodyServiceManaged || m == CustodySelfIssued
}

// Record is a stored identity. Records are built only by newRecord.
type Record struct {
	DID              string       `json:"did"`
	CustodyModel     CustodyModel `json:"custodyModel"`
	Provider         string       `json:"provider"`
	Network          string       `json:"network,omitempty"`
	WalletAddress    string       `json:"walletAddress,omitempty"`
	Alias            string       `json:"alias,omitempty"`
	KeyID            string       `json:"kid,omitempty"`
	Registry         string       `json:"registry,omitempty"`
	RegistryDeployed *bool        `json:"registryDeployed,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	SigningCapable   bool         `json:"signingCapable"`
}

type recordFields struct {
	provider         string
	network          string
	walletAddress    string
	alias            string
	keyID            string
	registry         string
	registryDeployed *bool
	createdAt        time.Time
}

func newRecord(model CustodyModel, did string, f recordFields) *Record {
	created := f.createdAt
	if created.IsZero() {
		created = time.Now()
	}
	return &Record{
		DID:              did,
		CustodyModel:     model,
		Provider:         f.provider,
		Network:          f.network,
		WalletAddress:    f.walletAddress,
		Alias:            f.alias,
		KeyID:            f.keyID,
		Registry:         f.registry,
		RegistryDeployed: f.registryDeployed,
		CreatedAt:        created.UTC(),
		SigningCapable:   model.SigningCapable(),
	}
}
