package did

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/multiformats/go-multibase"
)

// ed25519Multicodec is the multicodec varint prefix for ed25519-pub.
var ed25519Multicodec = []byte{0xed, 0x01}

// EncodeEd25519Multibase encodes a public key as base58btc multibase with the
// ed25519-pub multicodec header, the representation used by did:key.
func EncodeEd25519Multibase(pub ed25519.PublicKey) (string, error) {
	return multibase.Encode(multibase.Base58BTC, append(append([]byte{}, ed25519Multicodec...), pub...))
}

// FindVerificationMethod locates verification method with matching id. Relative
// ids ("#key-1") are matched against the document id.
func FindVerificationMethod(doc *Document, id string) (*VerificationMethod, error) {
	if doc == nil {
		return nil, fmt.Errorf("did: document is nil")
	}
	for i := range doc.VerificationMethod {
		vm := &doc.VerificationMethod[i]
		if vm.ID == id || (strings.HasPrefix(vm.ID, "#") && doc.ID+vm.ID == id) {
			return vm, nil
		}
	}
	return nil, ErrVerificationMethod
}

// AssertionMethods returns the verification methods referenced by assertionMethod,
// or every method when the relationship is absent.
func AssertionMethods(doc *Document) []VerificationMethod {
	if doc == nil {
		return nil
	}
	return relationship(doc, doc.AssertionMethod)
}

// AuthenticationMethods returns the verification methods referenced by
// authentication, or every method when the relationship is absent.
func AuthenticationMethods(doc *Document) []VerificationMethod {
	if doc == nil {
		return nil
	}
	return relationship(doc, doc.Authentication)
}

// HasMethod reports whether a method list contains id, resolving relative ids
// against the document id.
func HasMethod(doc *Document, methods []VerificationMethod, id string) bool {
	for _, vm := range methods {
		if vm.ID == id || (strings.HasPrefix(vm.ID, "#") && doc.ID+vm.ID == id) {
			return true
		}
	}
	return false
}

func relationship(doc *Document, refs []any) []VerificationMethod {
	if len(refs) == 0 {
		return doc.VerificationMethod
	}
	var out []VerificationMethod
	for _, ref := range refs {
		switch v := ref.(type) {
		case string:
			if vm, err := FindVerificationMethod(doc, v); err == nil {
				out = append(out, *vm)
			}
		case map[string]any:
			raw, err := json.Marshal(v)
			if err != nil {
				continue
			}
			var vm VerificationMethod
			if json.Unmarshal(raw, &vm) == nil {
				out = append(out, vm)
			}
		}
	}
	return out
}

// ExtractEd25519PublicKey returns Ed25519 public key bytes from a verification method.
func ExtractEd25519PublicKey(vm *VerificationMethod) (ed25519.PublicKey, error) {
	if vm == nil {
		return nil, fmt.Errorf("did: verification method is nil")
	}

	if len(vm.PublicKeyJWK) > 0 {
		raw, err := json.Marshal(vm.PublicKeyJWK)
		if err != nil {
			return nil, err
		}
		key, err := jwk.ParseKey(raw)
		if err != nil {
			return nil, err
		}
		if key.KeyType() != "OKP" {
			return nil, ErrKeyFormatUnsupported
		}
		var pub ed25519.PublicKey
		if err := key.Raw(&pub); err != nil {
			return nil, err
		}
		return pub, nil
	}

	if vm.PublicKeyMultibase != "" {
		_, decoded, err := multibase.Decode(vm.PublicKeyMultibase)
		if err != nil {
			return nil, err
		}
		switch {
		case len(decoded) == ed25519.PublicKeySize:
			return ed25519.PublicKey(decoded), nil
		case len(decoded) == ed25519.PublicKeySize+2 && decoded[0] == 0xed && decoded[1] == 0x01:
			return ed25519.PublicKey(decoded[2:]), nil
		}
		return nil, fmt.Errorf("did: unexpected multibase key length %d", len(decoded))
	}

	return nil, ErrKeyFormatUnsupported
}

// ExtractEthereumAddress returns the account a secp256k1 verification method
// controls, from blockchainAccountId (CAIP-10) or publicKeyHex.
func ExtractEthereumAddress(vm *VerificationMethod) (common.Address, error) {
	if vm == nil {
		return common.Address{}, fmt.Errorf("did: verification method is nil")
	}
	if vm.BlockchainAccountID != "" {
		acct := vm.BlockchainAccountID
		if i := strings.LastIndexByte(acct, ':'); i >= 0 {
			acct = acct[i+1:]
		}
		if !common.IsHexAddress(acct) {
			return common.Address{}, fmt.Errorf("did: invalid blockchainAccountId %q", vm.BlockchainAccountID)
		}
		return common.HexToAddress(acct), nil
	}
	if vm.PublicKeyHex != "" {
		raw, err := hex.DecodeString(strings.TrimPrefix(vm.PublicKeyHex, "0x"))
		if err != nil {
			return common.Address{}, fmt.Errorf("did: decode publicKeyHex: %w", err)
		}
		if len(raw) == 33 {
			key, err := crypto.DecompressPubkey(raw)
			if err != nil {
				return common.Address{}, err
			}
			return crypto.PubkeyToAddress(*key), nil
		}
		key, err := crypto.UnmarshalPubkey(raw)
		if err != nil {
			return common.Address{}, err
		}
		return crypto.PubkeyToAddress(*key), nil
	}
	return common.Address{}, ErrKeyFormatUnsupported
}
