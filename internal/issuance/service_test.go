package issuance

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/praxis/praxis-identity/internal/agent"
	"github.com/praxis/praxis-identity/internal/bus"
	"github.com/praxis/praxis-identity/internal/crypto"
	"github.com/praxis/praxis-identity/internal/did"
	didkey "github.com/praxis/praxis-identity/internal/did/key"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/identity"
	"github.com/praxis/praxis-identity/internal/network"
	"github.com/praxis/praxis-identity/internal/store"
)

type recordingEvents struct {
	mu    sync.Mutex
	types []bus.EventType
}

func (r *recordingEvents) PublishAsync(t bus.EventType, _ map[string]interface{}) {
	r.mu.Lock()
	r.types = append(r.types, t)
	r.mu.Unlock()
}

type countingMetrics struct {
	mu                     sync.Mutex
	issued, presented      int
	verified, verifyFailed int
}

func (m *countingMetrics) CredentialIssued()    { m.mu.Lock(); m.issued++; m.mu.Unlock() }
func (m *countingMetrics) PresentationCreated() { m.mu.Lock(); m.presented++; m.mu.Unlock() }
func (m *countingMetrics) Verified(_ string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ok {
		m.verified++
	} else {
		m.verifyFailed++
	}
}

type fixture struct {
	svc        *Service
	classifier *identity.Classifier
	store      *store.Memory
	events     *recordingEvents
	metrics    *countingMetrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ks, err := crypto.NewKeystore("issuance-test", "")
	require.NoError(t, err)
	a, err := agent.NewLocalAgent(agent.LocalConfig{
		Network:  network.Resolve("sepolia", "", ""),
		Keystore: ks,
		Resolver: did.NewMultiResolver(did.WithCacheTTL(-1), did.WithMethod(didkey.Method, didkey.Resolver{})),
		Logger:   logger,
	})
	require.NoError(t, err)

	f := &fixture{store: store.NewMemory(), events: &recordingEvents{}, metrics: &countingMetrics{}}
	f.svc, err = NewService(Config{Agent: a, Store: f.store, Events: f.events, Metrics: f.metrics, Logger: logger})
	require.NoError(t, err)
	f.classifier, err = identity.NewClassifier(identity.Config{Agent: a, Store: f.store, Logger: logger})
	require.NoError(t, err)
	return f
}

func (f *fixture) create(t *testing.T, req identity.CreateRequest) *identity.Record {
	t.Helper()
	rec, err := f.classifier.CreateIdentity(context.Background(), req)
	require.NoError(t, err)
	return rec
}

func TestIssueVerifyAndPresent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	issuer := f.create(t, identity.CreateRequest{Method: "key", Alias: "issuer"})
	holder := f.create(t, identity.CreateRequest{Method: "key", Alias: "holder"})

	exp := time.Now().Add(24 * time.Hour)
	vc, err := f.svc.IssueCredential(ctx, CredentialInput{
		IssuerDID:         issuer.DID,
		SubjectDID:        holder.DID,
		Types:             []string{"EmployeeCredential"},
		CredentialSubject: map[string]any{"employer": "Praxis"},
		ExpirationDate:    &exp,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"VerifiableCredential", "EmployeeCredential"}, vc.Types)
	assert.Equal(t, issuer.DID, vc.IssuerDID)

	stored, err := f.svc.GetCredential(ctx, vc.ID)
	require.NoError(t, err)
	assert.Equal(t, vc.Payload, stored.Payload)

	res, err := f.svc.VerifyCredential(ctx, vc.Payload)
	require.NoError(t, err)
	require.True(t, res.Verified, res.Error)

	// Presentations accept stored credential ids as well as raw tokens.
	vp, err := f.svc.CreatePresentation(ctx, PresentationInput{
		HolderDID:   holder.DID,
		Credentials: []string{vc.ID, vc.Payload},
		Domain:      "verifier.example",
		Challenge:   "c-1",
	})
	require.NoError(t, err)

	res, err = f.svc.VerifyPresentation(ctx, vp.Payload, "verifier.example", "c-1")
	require.NoError(t, err)
	require.True(t, res.Verified, res.Error)
	assert.Len(t, res.Credentials, 2)

	res, err = f.svc.VerifyPresentation(ctx, vp.Payload, "verifier.example", "c-2")
	require.NoError(t, err)
	assert.False(t, res.Verified)

	creds, err := f.svc.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Len(t, creds, 1)
	pres, err := f.svc.ListPresentations(ctx)
	require.NoError(t, err)
	require.Len(t, pres, 1)
	got, err := f.svc.GetPresentation(ctx, vp.ID)
	require.NoError(t, err)
	assert.Equal(t, pres[0], *got)

	f.events.mu.Lock()
	assert.Equal(t, []bus.EventType{bus.EventCredentialIssued, bus.EventPresentationCreated}, f.events.types)
	f.events.mu.Unlock()
	assert.Equal(t, 1, f.metrics.issued)
	assert.Equal(t, 1, f.metrics.presented)
	assert.Equal(t, 2, f.metrics.verified)
	assert.Equal(t, 1, f.metrics.verifyFailed)
}

func TestWalletLinkedIssuerIsRejected(t *testing.T) {
	f := newFixture(t)
	walletID := f.create(t, identity.CreateRequest{Method: "ethr", WalletAddress: "0x1234567890abcdef1234567890abcdef12345678"})

	_, err := f.svc.IssueCredential(context.Background(), CredentialInput{IssuerDID: walletID.DID})
	var e *errs.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, errs.KindValidation, e.Kind)
	assert.NotEmpty(t, e.Hint)

	_, err = f.svc.CreatePresentation(context.Background(), PresentationInput{HolderDID: walletID.DID})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, 0, f.store.Len(store.Credentials))
	assert.Equal(t, 0, f.store.Len(store.Presentations))
}

func TestWalletLinkedSubjectIsAccepted(t *testing.T) {
	f := newFixture(t)
	issuer := f.create(t, identity.CreateRequest{Method: "key"})
	subject := f.create(t, identity.CreateRequest{Method: "ethr", WalletAddress: "0x1234567890abcdef1234567890abcdef12345678"})

	vc, err := f.svc.IssueCredential(context.Background(), CredentialInput{IssuerDID: issuer.DID, SubjectDID: subject.DID})
	require.NoError(t, err)
	assert.Equal(t, subject.DID, vc.SubjectDID)
}

func TestIssuanceValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	past := time.Now().Add(-time.Minute)

	for name, in := range map[string]CredentialInput{
		"missing issuer":   {},
		"issuer not a did": {IssuerDID: "alice"},
		"subject not a did": {
			IssuerDID:  "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
			SubjectDID: "bob",
		},
		"expired": {
			IssuerDID:      "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK",
			ExpirationDate: &past,
		},
		"unknown issuer key": {IssuerDID: "did:key:z6MkhaXgBZDvotDkL5257faiztiGiC2QtKLGpbnnEGta2doK"},
	} {
		_, err := f.svc.IssueCredential(ctx, in)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err), name)
	}

	_, err := f.svc.VerifyCredential(ctx, "  ")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	_, err = f.svc.VerifyPresentation(ctx, "", "", "")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	holder := f.create(t, identity.CreateRequest{Method: "key"})
	_, err = f.svc.CreatePresentation(ctx, PresentationInput{HolderDID: holder.DID, Credentials: []string{"urn:uuid:missing"}})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	_, err = f.svc.CreatePresentation(ctx, PresentationInput{HolderDID: holder.DID, Credentials: []string{""}})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	_, err = f.svc.GetCredential(ctx, "urn:uuid:missing")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
	_, err = f.svc.GetPresentation(ctx, "urn:uuid:missing")
	assert.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func TestVerifyUnknownIssuerIsNotAnError(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.VerifyCredential(context.Background(), "eyJhbGciOiJFZERTQSJ9.e30.c2ln")
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.NotEmpty(t, res.Error)
}
