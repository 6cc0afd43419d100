// Package webvh resolves did:webvh identifiers: did:web documents pinned by a
// hash of their canonical JSON form.
package webvh

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/multiformats/go-multibase"
	"golang.org/x/crypto/sha3"

	"github.com/praxis/praxis-identity/internal/crypto"
	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/did/web"
	"github.com/praxis/praxis-identity/internal/errs"
)

// Method is the DID method name handled by this package.
const Method = "webvh"

var hashers = map[string]func([]byte) []byte{
	"sha256": func(b []byte) []byte {
		d := sha256.Sum256(b)
		return d[:]
	},
	"sha3-256": func(b []byte) []byte {
		d := sha3.Sum256(b)
		return d[:]
	},
}

var algorithmNames = func() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	return names
}()

// pin is the trailing "<algo>-<digest>" segment of a did:webvh identifier.
type pin struct {
	algo   string
	digest []byte
}

func parsePin(segment string) (pin, error) {
	algo, encoded, ok := splitPin(segment)
	if !ok {
		if name, _, cut := strings.Cut(segment, "-"); cut && name != "" {
			return pin{}, did.Malformed("did:webvh: unsupported hash algorithm %s", strings.ToLower(name))
		}
		return pin{}, did.Malformed("did:webvh: invalid hash segment %q", segment)
	}
	if encoded == "" {
		return pin{}, did.Malformed("did:webvh: empty digest in %q", segment)
	}
	digest, err := decodeDigest(encoded)
	if err != nil {
		return pin{}, did.Malformed("did:webvh: %v", err)
	}
	return pin{algo: algo, digest: digest}, nil
}

// splitPin matches segment against the known algorithm names, longest first,
// since names such as sha3-256 contain the separator themselves.
func splitPin(segment string) (algo, encoded string, ok bool) {
	lower := strings.ToLower(segment)
	for _, name := range algorithmNames {
		if strings.HasPrefix(lower, name+"-") {
			return name, segment[len(name)+1:], true
		}
	}
	return "", "", false
}

// matches hashes the canonical form of raw and compares it to the pin.
func (p pin) matches(raw []byte) (bool, error) {
	canonical, err := crypto.CanonicalizeRawJSON(raw)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(hashers[p.algo](canonical), p.digest) == 1, nil
}

// Resolver resolves did:webvh identifiers through the did:web resolver.
type Resolver struct {
	WebResolver *web.Resolver
}

// Resolve implements did.Resolver for did:webvh identifiers.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*did.Document, error) {
	const op = "did.webvh.resolve"

	method, specific, err := did.BaseIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	if method != Method {
		return nil, did.Unsupported(method)
	}

	cut := strings.LastIndexByte(specific, ':')
	if cut <= 0 {
		return nil, did.Malformed("did:webvh: missing verification hash segment in %q", identifier)
	}
	p, err := parsePin(specific[cut+1:])
	if err != nil {
		return nil, err
	}
	if r.WebResolver == nil {
		return nil, fmt.Errorf("did:webvh resolver requires a did:web resolver")
	}

	baseDID := "did:web:" + specific[:cut]
	doc, raw, err := r.WebResolver.ResolveRaw(ctx, baseDID)
	if err != nil {
		return nil, err
	}

	ok, err := p.matches(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindResolutionMalformed, op, fmt.Errorf("canonicalize %s: %w", baseDID, err))
	}
	if !ok {
		return nil, &errs.Error{Kind: errs.KindResolutionRegistry, Op: op, Msg: baseDID, Err: did.ErrHashMismatch}
	}

	if doc.ID == "" {
		doc.ID = identifier
	}
	return doc, nil
}

// decodeDigest accepts multibase, unpadded base32 (any case) or base64.
func decodeDigest(encoded string) ([]byte, error) {
	if prefix, _ := utf8.DecodeRuneInString(encoded); prefix != utf8.RuneError {
		if _, ok := multibase.EncodingToStr[multibase.Encoding(prefix)]; ok {
			if _, data, err := multibase.Decode(encoded); err == nil {
				return data, nil
			}
		}
	}
	if b, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(encoded)); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(encoded); err == nil {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(encoded); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("unable to decode hash value %q", encoded)
}

// ComputePin returns the "<algo>-<digest>" segment that pins raw, with the
// digest in lower-case unpadded base32.
func ComputePin(raw []byte, algo string) (string, error) {
	hash, ok := hashers[algo]
	if !ok {
		return "", did.Malformed("did:webvh: unsupported hash algorithm %s", algo)
	}
	canonical, err := crypto.CanonicalizeRawJSON(raw)
	if err != nil {
		return "", err
	}
	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(hash(canonical))
	return algo + "-" + strings.ToLower(encoded), nil
}
