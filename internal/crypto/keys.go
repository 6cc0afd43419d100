package crypto

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	crand "crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/lestrrat-go/jwx/v2/jwa"
)

// KeyType names the curve of a managed key.
type KeyType string

const (
	KeyEd25519   KeyType = "Ed25519"
	KeySecp256k1 KeyType = "Secp256k1"
)

// KeyPair is a private key held by the service for a managed identifier.
type KeyPair struct {
	Type KeyType
	ed   ed25519.PrivateKey
	ec   *ecdsa.PrivateKey
}

// GenerateKeyPair creates a key of type t. A 32 byte seed makes the key
// deterministic; a nil seed draws from crypto/rand.
func GenerateKeyPair(t KeyType, seed []byte) (*KeyPair, error) {
	if seed != nil && len(seed) != 32 {
		return nil, fmt.Errorf("keys: seed must be 32 bytes, got %d", len(seed))
	}
	switch t {
	case KeyEd25519:
		if seed != nil {
			return &KeyPair{Type: t, ed: ed25519.NewKeyFromSeed(seed)}, nil
		}
		_, priv, err := ed25519.GenerateKey(crand.Reader)
		if err != nil {
			return nil, fmt.Errorf("keys: generate ed25519: %w", err)
		}
		return &KeyPair{Type: t, ed: priv}, nil
	case KeySecp256k1:
		if seed != nil {
			priv, err := ethcrypto.ToECDSA(seed)
			if err != nil {
				return nil, fmt.Errorf("keys: secp256k1 seed: %w", err)
			}
			return &KeyPair{Type: t, ec: priv}, nil
		}
		priv, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("keys: generate secp256k1: %w", err)
		}
		return &KeyPair{Type: t, ec: priv}, nil
	default:
		return nil, fmt.Errorf("keys: unsupported key type %q", t)
	}
}

// KeyPairFromBytes restores a key from PrivateKeyBytes output.
func KeyPairFromBytes(t KeyType, raw []byte) (*KeyPair, error) {
	switch t {
	case KeyEd25519:
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("keys: expected %d byte ed25519 key, got %d", ed25519.PrivateKeySize, len(raw))
		}
		return &KeyPair{Type: t, ed: ed25519.PrivateKey(append([]byte(nil), raw...))}, nil
	case KeySecp256k1:
		priv, err := ethcrypto.ToECDSA(raw)
		if err != nil {
			return nil, fmt.Errorf("keys: secp256k1: %w", err)
		}
		return &KeyPair{Type: t, ec: priv}, nil
	default:
		return nil, fmt.Errorf("keys: unsupported key type %q", t)
	}
}

// Algorithm returns the JWS algorithm the key signs with.
func (k *KeyPair) Algorithm() jwa.SignatureAlgorithm {
	if k.Type == KeySecp256k1 {
		return jwa.ES256K
	}
	return jwa.EdDSA
}

// SigningKey returns the raw private key for jws.WithKey.
func (k *KeyPair) SigningKey() interface{} {
	if k.Type == KeySecp256k1 {
		return k.ec
	}
	return k.ed
}

// PrivateKeyBytes serializes the private key.
func (k *KeyPair) PrivateKeyBytes() []byte {
	if k.Type == KeySecp256k1 {
		return ethcrypto.FromECDSA(k.ec)
	}
	return append([]byte(nil), k.ed...)
}

// Ed25519Public returns the public half of an Ed25519 key, or nil.
func (k *KeyPair) Ed25519Public() ed25519.PublicKey {
	if k.Type != KeyEd25519 {
		return nil
	}
	return k.ed.Public().(ed25519.PublicKey)
}

// CompressedPublic returns the 33 byte compressed secp256k1 public key, or nil.
func (k *KeyPair) CompressedPublic() []byte {
	if k.Type != KeySecp256k1 {
		return nil
	}
	return ethcrypto.CompressPubkey(&k.ec.PublicKey)
}

// Address returns the Ethereum account of a secp256k1 key.
func (k *KeyPair) Address() common.Address {
	if k.Type != KeySecp256k1 {
		return common.Address{}
	}
	return ethcrypto.PubkeyToAddress(k.ec.PublicKey)
}
