// Package issuance issues and verifies credentials and presentations through
// the identity agent and records what was issued in the entity store.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/praxis/praxis-identity/internal/agent"
	"github.com/praxis/praxis-identity/internal/bus"
	"github.com/praxis/praxis-identity/internal/credential"
	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/identity"
	"github.com/praxis/praxis-identity/internal/store"
)

const (
	opIssueCredential    = "credential.create"
	opVerifyCredential   = "credential.verify"
	opCreatePresentation = "presentation.create"
	opVerifyPresentation = "presentation.verify"
)

var tracer = otel.Tracer("issuance")

// Artifact names used for metrics and events.
const (
	ArtifactCredential   = "credential"
	ArtifactPresentation = "presentation"
)

// Metrics receives issuance counters. *metrics.Collector satisfies it.
type Metrics interface {
	CredentialIssued()
	PresentationCreated()
	Verified(artifact string, ok bool)
}

// CredentialInput is a credential issuance request.
type CredentialInput struct {
	IssuerDID         string
	SubjectDID        string
	Types             []string
	CredentialSubject map[string]any
	ExpirationDate    *time.Time
}

// PresentationInput is a presentation request. Each entry of Credentials is a
// VC-JWT or the id of a credential issued by this service.
type PresentationInput struct {
	HolderDID   string
	Credentials []string
	Types       []string
	Domain      string
	Challenge   string
}

// Config wires a Service.
type Config struct {
	Agent   agent.Agent
	Store   store.Store
	Events  bus.Publisher
	Metrics Metrics
	Logger  *logrus.Logger
}

// Service runs the issuance and verification flows.
type Service struct {
	agent   agent.Agent
	store   store.Store
	events  bus.Publisher
	metrics Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Agent == nil {
		return nil, fmt.Errorf("issuance: agent is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("issuance: store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Service{
		agent:   cfg.Agent,
		store:   cfg.Store,
		events:  cfg.Events,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     time.Now,
	}, nil
}

// IssueCredential signs a credential with the issuer's managed key and records it.
func (s *Service) IssueCredential(ctx context.Context, in CredentialInput) (_ *store.CredentialRecord, err error) {
	ctx, span := tracer.Start(ctx, "Issuance.Service.IssueCredential",
		trace.WithAttributes(attribute.String("issuer", in.IssuerDID)))
	defer func() { endSpan(span, err) }()

	if err := requireDID(opIssueCredential, "issuerDid", in.IssuerDID); err != nil {
		return nil, err
	}
	if in.SubjectDID != "" {
		if err := requireDID(opIssueCredential, "subjectDid", in.SubjectDID); err != nil {
			return nil, err
		}
	}
	now := s.now().UTC()
	if in.ExpirationDate != nil && !in.ExpirationDate.After(now) {
		return nil, errs.Validation(opIssueCredential, "expirationDate must be in the future")
	}
	if err := s.requireSigner(ctx, opIssueCredential, in.IssuerDID); err != nil {
		return nil, err
	}

	issued, err := s.agent.SignCredential(ctx, credential.CredentialRequest{
		IssuerDID:         in.IssuerDID,
		SubjectDID:        in.SubjectDID,
		Types:             in.Types,
		CredentialSubject: in.CredentialSubject,
		IssuanceDate:      now,
		ExpirationDate:    in.ExpirationDate,
	})
	if err != nil {
		return nil, s.agentError(opIssueCredential, err)
	}

	rec := &store.CredentialRecord{
		ID:         issued.ID,
		Payload:    issued.Token,
		IssuedAt:   issued.IssuedAt,
		IssuerDID:  in.IssuerDID,
		SubjectDID: in.SubjectDID,
		Types:      issued.Types,
	}
	if err := store.PutJSON(ctx, s.store, store.Credentials, rec.ID, rec); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"id":      rec.ID,
		"issuer":  rec.IssuerDID,
		"subject": rec.SubjectDID,
	}).Info("Credential issued")
	if s.metrics != nil {
		s.metrics.CredentialIssued()
	}
	s.publish(bus.EventCredentialIssued, map[string]interface{}{
		"id":      rec.ID,
		"issuer":  rec.IssuerDID,
		"subject": rec.SubjectDID,
		"type":    rec.Types,
	})
	return rec, nil
}

// VerifyCredential verifies a VC-JWT. A token that fails verification is not
// an error; only failures to complete the check are.
func (s *Service) VerifyCredential(ctx context.Context, token string) (_ *credential.Verification, err error) {
	ctx, span := tracer.Start(ctx, "Issuance.Service.VerifyCredential")
	defer func() { endSpan(span, err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.Validation(opVerifyCredential, "credential is required")
	}
	res, err := s.agent.VerifyCredential(ctx, token)
	if err != nil {
		return nil, s.agentError(opVerifyCredential, err)
	}
	if s.metrics != nil {
		s.metrics.Verified(ArtifactCredential, res.Verified)
	}
	return res, nil
}

// CreatePresentation signs a presentation with the holder's managed key and
// records it.
func (s *Service) CreatePresentation(ctx context.Context, in PresentationInput) (_ *store.PresentationRecord, err error) {
	ctx, span := tracer.Start(ctx, "Issuance.Service.CreatePresentation",
		trace.WithAttributes(attribute.String("holder", in.HolderDID)))
	defer func() { endSpan(span, err) }()

	if err := requireDID(opCreatePresentation, "holderDid", in.HolderDID); err != nil {
		return nil, err
	}
	tokens, err := s.credentialTokens(ctx, in.Credentials)
	if err != nil {
		return nil, err
	}
	if err := s.requireSigner(ctx, opCreatePresentation, in.HolderDID); err != nil {
		return nil, err
	}

	issued, err := s.agent.SignPresentation(ctx, credential.PresentationRequest{
		HolderDID:   in.HolderDID,
		Types:       in.Types,
		Credentials: tokens,
		Domain:      in.Domain,
		Challenge:   in.Challenge,
		IssuedAt:    s.now().UTC(),
	})
	if err != nil {
		return nil, s.agentError(opCreatePresentation, err)
	}

	rec := &store.PresentationRecord{
		ID:        issued.ID,
		Payload:   issued.Token,
		IssuedAt:  issued.IssuedAt,
		HolderDID: in.HolderDID,
		Types:     issued.Types,
	}
	if err := store.PutJSON(ctx, s.store, store.Presentations, rec.ID, rec); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"id":          rec.ID,
		"holder":      rec.HolderDID,
		"credentials": len(tokens),
	}).Info("Presentation created")
	if s.metrics != nil {
		s.metrics.PresentationCreated()
	}
	s.publish(bus.EventPresentationCreated, map[string]interface{}{
		"id":          rec.ID,
		"holder":      rec.HolderDID,
		"credentials": len(tokens),
	})
	return rec, nil
}

// VerifyPresentation verifies a VP-JWT against the optional domain and challenge.
func (s *Service) VerifyPresentation(ctx context.Context, token, domain, challenge string) (_ *credential.Verification, err error) {
	ctx, span := tracer.Start(ctx, "Issuance.Service.VerifyPresentation")
	defer func() { endSpan(span, err) }()

	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errs.Validation(opVerifyPresentation, "presentation is required")
	}
	res, err := s.agent.VerifyPresentation(ctx, token, domain, challenge)
	if err != nil {
		return nil, s.agentError(opVerifyPresentation, err)
	}
	if s.metrics != nil {
		s.metrics.Verified(ArtifactPresentation, res.Verified)
	}
	return res, nil
}

// GetCredential returns an issued credential by id.
func (s *Service) GetCredential(ctx context.Context, id string) (*store.CredentialRecord, error) {
	var rec store.CredentialRecord
	if err := store.GetJSON(ctx, s.store, store.Credentials, id, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NotFound("credential.get", "credential "+id)
		}
		return nil, err
	}
	return &rec, nil
}

// ListCredentials returns issued credentials in issuance order.
func (s *Service) ListCredentials(ctx context.Context) ([]store.CredentialRecord, error) {
	return store.ListJSON[store.CredentialRecord](ctx, s.store, store.Credentials)
}

// GetPresentation returns a created presentation by id.
func (s *Service) GetPresentation(ctx context.Context, id string) (*store.PresentationRecord, error) {
	var rec store.PresentationRecord
	if err := store.GetJSON(ctx, s.store, store.Presentations, id, &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NotFound("presentation.get", "presentation "+id)
		}
		return nil, err
	}
	return &rec, nil
}

// ListPresentations returns created presentations in creation order.
func (s *Service) ListPresentations(ctx context.Context) ([]store.PresentationRecord, error) {
	return store.ListJSON[store.PresentationRecord](ctx, s.store, store.Presentations)
}

// credentialTokens replaces stored credential ids with their tokens.
func (s *Service) credentialTokens(ctx context.Context, entries []string) ([]string, error) {
	tokens := make([]string, 0, len(entries))
	for i, entry := range entries {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			return nil, errs.Validation(opCreatePresentation, "verifiableCredentials[%d] is empty", i)
		case strings.Count(entry, ".") == 2:
			tokens = append(tokens, entry)
		default:
			rec, err := s.GetCredential(ctx, entry)
			if errs.IsKind(err, errs.KindNotFound) {
				return nil, errs.Validation(opCreatePresentation, "verifiableCredentials[%d] is neither a JWT nor a known credential id", i)
			}
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, rec.Payload)
		}
	}
	return tokens, nil
}

// requireSigner rejects signing requests for identities the service records as
// wallet-linked. DIDs the store does not know are left for the agent to judge.
func (s *Service) requireSigner(ctx context.Context, op, id string) error {
	var rec identity.Record
	err := store.GetJSON(ctx, s.store, store.Identities, id, &rec)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !rec.SigningCapable {
		e := errs.Validation(op, "%s is %s; the service holds no key for it", id, rec.CustodyModel)
		e.Hint = "sign with the linked wallet instead"
		return e
	}
	return nil
}

func (s *Service) agentError(op string, err error) error {
	if errors.Is(err, agent.ErrNoSigningKey) {
		return &errs.Error{Kind: errs.KindValidation, Op: op, Err: err}
	}
	return errs.Classify(op, err, errs.KindSigningEngine)
}

func (s *Service) publish(eventType bus.EventType, payload map[string]interface{}) {
	if s.events != nil {
		s.events.PublishAsync(eventType, payload)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(errs.KindOf(err)))
	}
	span.End()
}

func requireDID(op, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errs.Validation(op, "%s is required", field)
	}
	if _, _, err := did.BaseIdentifier(value); err != nil {
		return errs.Validation(op, "%s %q is not a DID", field, value)
	}
	return nil
}
