package crypto

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// ErrSignatureMismatch is returned when an ES256K signature does not verify.
var ErrSignatureMismatch = errors.New("es256k: signature does not match key")

// ES256K signatures are computed with go-ethereum's secp256k1 implementation so
// that did:ethr verification methods, which only publish an account address, can
// be checked by public key recovery.
func init() {
	jws.RegisterSigner(jwa.ES256K, jws.SignerFactoryFn(func() (jws.Signer, error) {
		return es256kSigner{}, nil
	}))
	jws.RegisterVerifier(jwa.ES256K, jws.VerifierFactoryFn(func() (jws.Verifier, error) {
		return es256kVerifier{}, nil
	}))
}

type es256kSigner struct{}

func (es256kSigner) Algorithm() jwa.SignatureAlgorithm { return jwa.ES256K }

// Sign returns the 64 byte r||s signature over sha256(payload).
func (es256kSigner) Sign(payload []byte, key interface{}) ([]byte, error) {
	priv, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("es256k: expected *ecdsa.PrivateKey, got %T", key)
	}
	digest := sha256.Sum256(payload)
	sig, err := ethcrypto.Sign(digest[:], priv)
	if err != nil {
		return nil, fmt.Errorf("es256k: sign: %w", err)
	}
	return sig[:64], nil
}

type es256kVerifier struct{}

// Verify accepts a *ecdsa.PublicKey or a common.Address. Addresses are matched by
// recovering the signer with both recovery ids.
func (es256kVerifier) Verify(payload, signature []byte, key interface{}) error {
	if len(signature) != 64 {
		return fmt.Errorf("es256k: invalid signature length %d", len(signature))
	}
	digest := sha256.Sum256(payload)

	switch k := key.(type) {
	case *ecdsa.PublicKey:
		if !ethcrypto.VerifySignature(ethcrypto.CompressPubkey(k), digest[:], signature) {
			return ErrSignatureMismatch
		}
		return nil
	case common.Address:
		return verifyRecovered(digest[:], signature, k)
	case *common.Address:
		return verifyRecovered(digest[:], signature, *k)
	default:
		return fmt.Errorf("es256k: unsupported verification key %T", key)
	}
}

func verifyRecovered(digest, signature []byte, want common.Address) error {
	sig := make([]byte, 65)
	copy(sig, signature)
	for _, v := range []byte{0, 1} {
		sig[64] = v
		pub, err := ethcrypto.SigToPub(digest, sig)
		if err != nil {
			continue
		}
		if ethcrypto.PubkeyToAddress(*pub) == want {
			return nil
		}
	}
	return ErrSignatureMismatch
}
