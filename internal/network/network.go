package network

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
)

// DefaultNetwork is substituted for unknown or empty network names.
const DefaultNetwork = "sepolia"

// Config is the effective blockchain network a request runs against.
type Config struct {
	Name            string `json:"name" yaml:"name"`
	RPCURL          string `json:"rpcUrl" yaml:"rpc_url"`
	RegistryAddress string `json:"registryAddress" yaml:"registry"`
	ChainID         int64  `json:"chainId" yaml:"chain_id"`
}

// ChainIDHex returns the 0x-prefixed hex chain id as used in did:ethr identifiers.
func (c Config) ChainIDHex() string {
	return "0x" + big.NewInt(c.ChainID).Text(16)
}

// Preset is a named network with its canonical registry and, for some networks,
// an ordered list of alternate registry deployments.
type Preset struct {
	Config
	Candidates []string
}

// HasCandidates reports whether the prober may search alternate registries.
func (p Preset) HasCandidates() bool { return len(p.Candidates) > 0 }

const erc1056Canonical = "0xdca7ef03e98e0dc2b855be647c39abe984fcf21b"

var presets = map[string]Preset{
	"mainnet": {Config: Config{
		Name:            "mainnet",
		RPCURL:          "https://cloudflare-eth.com",
		RegistryAddress: erc1056Canonical,
		ChainID:         1,
	}},
	"sepolia": {
		Config: Config{
			Name:            "sepolia",
			RPCURL:          "https://rpc.sepolia.org",
			RegistryAddress: "0x03d5003bf0e79c5f5223588f347eba39afbc3818",
			ChainID:         11155111,
		},
		Candidates: []string{
			"0x03d5003bf0e79c5f5223588f347eba39afbc3818",
			erc1056Canonical,
		},
	},
	"goerli": {Config: Config{
		Name:            "goerli",
		RPCURL:          "https://rpc.ankr.com/eth_goerli",
		RegistryAddress: erc1056Canonical,
		ChainID:         5,
	}},
	"polygon": {Config: Config{
		Name:            "polygon",
		RPCURL:          "https://polygon-rpc.com",
		RegistryAddress: erc1056Canonical,
		ChainID:         137,
	}},
	"amoy": {Config: Config{
		Name:            "amoy",
		RPCURL:          "https://rpc-amoy.polygon.technology",
		RegistryAddress: "0xbc4d16fa35ab0f3ec6c2b8a1a4c3ac07a92dfd29",
		ChainID:         80002,
	}},
	"development": {
		Config: Config{
			Name:            "development",
			RPCURL:          "http://127.0.0.1:8545",
			RegistryAddress: erc1056Canonical,
			ChainID:         1337,
		},
		// Deterministic addresses of the first deployments on a fresh hardhat/anvil node.
		Candidates: []string{
			erc1056Canonical,
			"0x5fbdb2315678afecb367f032d93f642f64180aa3",
			"0xe7f1725e7734ce288f8367e1bb143e90bb3f0512",
		},
	},
}

// Lookup returns the preset registered under name. Matching is case-sensitive.
func Lookup(name string) (Preset, bool) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, false
	}
	p.Candidates = append([]string(nil), p.Candidates...)
	return p, true
}

// LookupChainID finds the preset for a numeric chain id.
func LookupChainID(chainID int64) (Preset, bool) {
	for _, name := range Names() {
		if p := presets[name]; p.ChainID == chainID {
			return Lookup(name)
		}
	}
	return Preset{}, false
}

// LookupSegment interprets the network segment of a did:ethr identifier, which is
// either a preset name or a 0x-prefixed hex chain id.
func LookupSegment(segment string) (Preset, bool) {
	if p, ok := Lookup(segment); ok {
		return p, true
	}
	if strings.HasPrefix(segment, "0x") || strings.HasPrefix(segment, "0X") {
		id, ok := new(big.Int).SetString(segment[2:], 16)
		if !ok || !id.IsInt64() {
			return Preset{}, false
		}
		return LookupChainID(id.Int64())
	}
	return Preset{}, false
}

// Names lists preset names in stable order.
func Names() []string {
	out := make([]string, 0, len(presets))
	for name := range presets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Resolve derives the effective network configuration from a preset name plus
// independent overrides. Unknown names degrade to DefaultNetwork. Resolve performs
// no I/O and returns the same Config for the same inputs.
func Resolve(requestedName, rpcOverride, registryOverride string) Config {
	preset, ok := Lookup(requestedName)
	if !ok {
		preset, _ = Lookup(DefaultNetwork)
	}
	cfg := preset.Config
	if rpcOverride != "" {
		cfg.RPCURL = rpcOverride
	}
	if registryOverride != "" {
		cfg.RegistryAddress = registryOverride
	}
	return cfg
}

// String renders a config for log lines.
func (c Config) String() string {
	return fmt.Sprintf("%s(chain=%d rpc=%s registry=%s)", c.Name, c.ChainID, c.RPCURL, c.RegistryAddress)
}
