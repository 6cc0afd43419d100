package identity

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/network"
)

const opCreate = "identity.create"

// Methods accepted by CreateIdentity, in canonical form.
const (
	MethodEthr = "ethr"
	MethodKey  = "key"
)

var walletAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// SupportedMethods lists the DID methods identities can be created for.
func SupportedMethods() []string {
	return []string{MethodEthr, MethodKey}
}

// CreateRequest is the raw creation request as received on the wire.
type CreateRequest struct {
	Method        string `json:"method"`
	WalletAddress string `json:"walletAddress,omitempty"`
	Network       string `json:"network,omitempty"`
	Alias         string `json:"alias,omitempty"`
	// Seed is an optional 32-byte hex seed making the generated key deterministic.
	Seed string `json:"seed,omitempty"`
}

// Variant is one of WalletLinked, ServiceManaged or SelfIssued.
type Variant interface {
	Custody() CustodyModel
	alias() string
}

// WalletLinked binds an anchored DID to a wallet the service never holds keys for.
type WalletLinked struct {
	Method string
	// Address is the lowercased wallet address.
	Address string
	Network NetworkChoice
	Alias   string
}

// ServiceManaged asks the agent to generate and hold an anchored key.
type ServiceManaged struct {
	Method  string
	Network NetworkChoice
	Alias   string
	Seed    []byte
}

// SelfIssued asks the agent for a self-certifying key identifier.
type SelfIssued struct {
	Alias string
	Seed  []byte
}

func (WalletLinked) Custody() CustodyModel   { return CustodyWalletLinked }
func (ServiceManaged) Custody() CustodyModel { return CustodyServiceManaged }
func (SelfIssued) Custody() CustodyModel     { return CustodySelfIssued }

func (v WalletLinked) alias() string   { return v.Alias }
func (v ServiceManaged) alias() string { return v.Alias }
func (v SelfIssued) alias() string     { return v.Alias }

// NetworkChoice is the resolved network plus what the caller asked for.
type NetworkChoice struct {
	Config    network.Config
	Requested string
	// Substituted is set when Requested named no preset and the default was used.
	Substituted bool
}

// ParseRequest turns a raw request into exactly one variant. It performs no I/O;
// every failure here happens before any agent call or store write. defaults is
// the process network configuration, used when the request names no network or
// names the configured one.
func ParseRequest(req CreateRequest, defaults network.Config) (Variant, error) {
	address := strings.TrimSpace(req.WalletAddress)
	if address != "" && !walletAddressPattern.MatchString(address) {
		return nil, errs.Validation(opCreate, "walletAddress %q must be a 0x-prefixed 20-byte hex address", address)
	}

	method, netFromMethod := canonicalMethod(req.Method)
	alias := strings.TrimSpace(req.Alias)

	var seed []byte
	if s := strings.TrimSpace(req.Seed); s != "" {
		b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
		if err != nil || len(b) != 32 {
			return nil, errs.Validation(opCreate, "seed must be 32 bytes of hex")
		}
		seed = b
	}

	switch method {
	case MethodEthr:
		requested := strings.TrimSpace(req.Network)
		if requested == "" {
			requested = netFromMethod
		}
		choice := chooseNetwork(requested, defaults)
		if address != "" {
			if seed != nil {
				return nil, errs.Validation(opCreate, "seed cannot be combined with walletAddress")
			}
			return WalletLinked{Method: MethodEthr, Address: strings.ToLower(address), Network: choice, Alias: alias}, nil
		}
		return ServiceManaged{Method: MethodEthr, Network: choice, Alias: alias, Seed: seed}, nil
	case MethodKey:
		if address != "" {
			return nil, errs.Validation(opCreate, "walletAddress is only accepted for blockchain-anchored methods")
		}
		return SelfIssued{Alias: alias, Seed: seed}, nil
	default:
		return nil, errs.Unsupported(opCreate, req.Method, SupportedMethods())
	}
}

// canonicalMethod accepts "ethr", "did:ethr", "did:ethr:<network>", "key" and
// "did:key". The network segment of the long ethr form is returned separately.
func canonicalMethod(raw string) (string, string) {
	m := strings.ToLower(strings.TrimSpace(raw))
	m = strings.TrimPrefix(m, "did:")
	switch {
	case m == MethodEthr, m == MethodKey:
		return m, ""
	case strings.HasPrefix(m, MethodEthr+":"):
		return MethodEthr, strings.TrimPrefix(m, MethodEthr+":")
	}
	return "", ""
}

// chooseNetwork applies the degrade-gracefully policy: unknown names fall back to
// the configured network instead of failing.
func chooseNetwork(requested string, defaults network.Config) NetworkChoice {
	if requested == "" || requested == defaults.Name {
		return NetworkChoice{Config: defaults, Requested: requested}
	}
	if p, ok := network.LookupSegment(requested); ok {
		if p.Name == defaults.Name {
			return NetworkChoice{Config: defaults, Requested: requested}
		}
		return NetworkChoice{Config: network.Resolve(p.Name, "", ""), Requested: requested}
	}
	return NetworkChoice{Config: defaults, Requested: requested, Substituted: true}
}
