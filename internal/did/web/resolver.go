// Package web resolves did:web identifiers over HTTPS.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/errs"
)

// Method is the DID method name handled by this package.
const Method = "web"

const (
	maxDocumentSize = 1 << 20
	fetchTimeout    = 10 * time.Second
	wellKnownPath   = "/.well-known/did.json"
)

// Resolver fetches did:web documents. AllowInsecure switches the scheme to
// plain HTTP for local development.
type Resolver struct {
	Client        *http.Client
	AllowInsecure bool
}

// Resolve implements did.Resolver for did:web identifiers.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*did.Document, error) {
	doc, _, err := r.ResolveRaw(ctx, identifier)
	return doc, err
}

// ResolveRaw also returns the document bytes exactly as served, which
// did:webvh hashes.
func (r *Resolver) ResolveRaw(ctx context.Context, identifier string) (*did.Document, []byte, error) {
	const op = "did.web.resolve"

	method, specific, err := did.BaseIdentifier(identifier)
	if err != nil {
		return nil, nil, err
	}
	if method != Method {
		return nil, nil, did.Unsupported(method)
	}

	location, err := r.documentURL(specific)
	if err != nil {
		return nil, nil, did.Malformed("did:web: %v", err)
	}

	raw, err := r.fetch(ctx, op, location)
	if err != nil {
		return nil, nil, err
	}

	doc := new(did.Document)
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, nil, errs.Wrap(errs.KindResolutionMalformed, op, fmt.Errorf("decode %s: %w", location, err))
	}
	if doc.ID == "" {
		doc.ID = identifier
	}
	return doc, raw, nil
}

func (r *Resolver) fetch(ctx context.Context, op, location string) ([]byte, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return nil, did.Malformed("did:web: %v", err)
	}
	req.Header.Set("Accept", "application/did+json, application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errs.Classify(op, err, errs.KindResolutionTransport)
	}
	defer resp.Body.Close()

	if err := statusError(op, location, resp.StatusCode); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, errs.Wrap(errs.KindResolutionTransport, op, fmt.Errorf("read %s: %w", location, err))
	}
	return raw, nil
}

// statusError maps a non-200 response onto the resolution error kinds:
// missing documents and client errors are registry failures, server errors
// are transport failures.
func statusError(op, location string, status int) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound, status == http.StatusGone:
		return &errs.Error{Kind: errs.KindResolutionRegistry, Op: op, Msg: location, Err: did.ErrDocumentNotFound}
	case status >= http.StatusInternalServerError:
		return errs.E(errs.KindResolutionTransport, op, fmt.Sprintf("%s answered %d", location, status))
	default:
		return errs.E(errs.KindResolutionRegistry, op, fmt.Sprintf("%s answered %d", location, status))
	}
}

// documentURL maps "host[%3Aport][:seg...]" onto the document location:
// the well-known path for a bare host, otherwise /seg/.../did.json.
func (r *Resolver) documentURL(specific string) (string, error) {
	host, rest, nested := strings.Cut(specific, ":")
	host, err := url.PathUnescape(host)
	if err != nil {
		return "", err
	}
	if host == "" {
		return "", fmt.Errorf("empty host")
	}

	u := url.URL{Scheme: "https", Host: host, Path: wellKnownPath}
	if r.AllowInsecure {
		u.Scheme = "http"
	}
	if !nested {
		return u.String(), nil
	}

	segments := strings.Split(rest, ":")
	for i, seg := range segments {
		if seg == "" {
			return "", fmt.Errorf("empty path segment in %q", specific)
		}
		if segments[i], err = url.PathUnescape(seg); err != nil {
			return "", err
		}
	}
	u.Path = "/" + strings.Join(segments, "/") + "/did.json"
	return u.String(), nil
}
