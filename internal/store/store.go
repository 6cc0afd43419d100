package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind names one of the independent keyspaces.
type Kind string

const (
	Identities    Kind = "identities"
	Credentials   Kind = "credentials"
	Presentations Kind = "presentations"
)

// Kinds lists every keyspace.
var Kinds = []Kind{Identities, Credentials, Presentations}

// Valid reports whether k is a known keyspace.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// ErrNotFound is returned by Get for absent keys.
var ErrNotFound = errors.New("store: not found")

// ErrUnknownKind is returned for keyspaces outside Kinds.
var ErrUnknownKind = errors.New("store: unknown kind")

// Store is the keyed entity store shared by the classifier and the issuance flows.
// Values are opaque JSON documents; every Put is atomic with respect to readers and
// List returns entries in insertion order, starting from the beginning on each call.
//
// The default backend is in-memory and lost on restart. Persistent backends satisfy
// the same contract.
type Store interface {
	Put(ctx context.Context, kind Kind, key string, value json.RawMessage) error
	// PutIfAbsent inserts value unless key exists. It returns the stored value and
	// whether this call inserted it.
	PutIfAbsent(ctx context.Context, kind Kind, key string, value json.RawMessage) (json.RawMessage, bool, error)
	Get(ctx context.Context, kind Kind, key string) (json.RawMessage, error)
	List(ctx context.Context, kind Kind) ([]json.RawMessage, error)
	Close() error
}

// CredentialRecord is an issued credential as tracked by the store.
type CredentialRecord struct {
	ID         string    `json:"id"`
	Payload    string    `json:"payload"`
	IssuedAt   time.Time `json:"issuedAt"`
	IssuerDID  string    `json:"issuerDid,omitempty"`
	SubjectDID string    `json:"subjectDid,omitempty"`
	Types      []string  `json:"type,omitempty"`
}

// PresentationRecord is an issued presentation as tracked by the store.
type PresentationRecord struct {
	ID        string    `json:"id"`
	Payload   string    `json:"payload"`
	IssuedAt  time.Time `json:"issuedAt"`
	HolderDID string    `json:"holderDid,omitempty"`
	Types     []string  `json:"type,omitempty"`
}

// PutJSON marshals v and stores it under key.
func PutJSON(ctx context.Context, s Store, kind Kind, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("store: encode %s/%s: %w", kind, key, err)
	}
	return s.Put(ctx, kind, key, raw)
}

// PutJSONIfAbsent is the typed form of Store.PutIfAbsent; out receives the stored value.
func PutJSONIfAbsent(ctx context.Context, s Store, kind Kind, key string, v any, out any) (bool, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("store: encode %s/%s: %w", kind, key, err)
	}
	stored, inserted, err := s.PutIfAbsent(ctx, kind, key, raw)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(stored, out); err != nil {
		return false, fmt.Errorf("store: decode %s/%s: %w", kind, key, err)
	}
	return inserted, nil
}

// GetJSON loads key into out.
func GetJSON(ctx context.Context, s Store, kind Kind, key string, out any) error {
	raw, err := s.Get(ctx, kind, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: decode %s/%s: %w", kind, key, err)
	}
	return nil
}

// ListJSON decodes every value of kind, in insertion order.
func ListJSON[T any](ctx context.Context, s Store, kind Kind) ([]T, error) {
	raws, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("store: decode %s[%d]: %w", kind, i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func checkKind(kind Kind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return nil
}
