package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
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
	"github.com/praxis/praxis-identity/internal/issuance"
	"github.com/praxis/praxis-identity/internal/metrics"
	"github.com/praxis/praxis-identity/internal/network"
	"github.com/praxis/praxis-identity/internal/store"
)

const subjectWallet = "0x1234567890abcdef1234567890abcdef12345678"

type staticProber struct{ result network.ProbeResult }

func (p staticProber) Probe(context.Context, network.Config) network.ProbeResult { return p.result }

type testServer struct {
	*Server
	bus     *bus.EventBus
	gateway *EventGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	ks, err := crypto.NewKeystore("api-test", "")
	require.NoError(t, err)

	// did:ethr resolution always fails at the transport, so resolve falls back.
	unreachable := did.ResolverFunc(func(context.Context, string) (*did.Document, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8545: connect: connection refused")
	})
	resolver := did.NewMultiResolver(
		did.WithCacheTTL(-1),
		did.WithMethod(didkey.Method, didkey.Resolver{}),
		did.WithMethod("ethr", unreachable),
	)

	cfg := network.Resolve("sepolia", "", "")
	a, err := agent.NewLocalAgent(agent.LocalConfig{Network: cfg, Keystore: ks, Resolver: resolver, Logger: logger})
	require.NoError(t, err)

	eventBus := bus.NewEventBus(logger)
	t.Cleanup(eventBus.Stop)
	collector := metrics.NewCollector(logger, "praxis-identity", Version, cfg.Name)
	prober := staticProber{network.ProbeResult{Deployed: true, EffectiveRegistry: cfg.RegistryAddress}}
	st := store.NewMemory()

	classifier, err := identity.NewClassifier(identity.Config{
		Agent: a, Store: st, Prober: prober, Network: cfg, Events: eventBus, Metrics: collector, Logger: logger,
	})
	require.NoError(t, err)
	svc, err := issuance.NewService(issuance.Config{Agent: a, Store: st, Events: eventBus, Metrics: collector, Logger: logger})
	require.NoError(t, err)

	gateway := NewEventGateway(eventBus, nil, logger)
	srv := NewServer(Config{Host: "127.0.0.1"}, Deps{
		Agent:      a,
		Classifier: classifier,
		Issuance:   svc,
		Resolver:   did.NewFallbackResolver(did.ResolverFunc(a.ResolveDID), logger),
		Prober:     prober,
		Network:    cfg,
		Events:     eventBus,
		Metrics:    collector,
		Gateway:    gateway,
	}, logger)
	return &testServer{Server: srv, bus: eventBus, gateway: gateway}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			reader = strings.NewReader(b)
		default:
			data, err := json.Marshal(b)
			require.NoError(t, err)
			reader = bytes.NewReader(data)
		}
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec.Code, out
}

func obj(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected object, got %T", v)
	return m
}

func TestIssueAndVerifyFlow(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "key", "alias": "issuer"})
	require.Equal(t, http.StatusOK, code, body)
	issuer := obj(t, body["identity"])
	assert.Equal(t, "self-issued", issuer["custodyModel"])
	assert.Equal(t, true, issuer["signingCapable"])

	code, body = s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "ethr", "walletAddress": subjectWallet})
	require.Equal(t, http.StatusOK, code, body)
	subject := obj(t, body["identity"])
	assert.Equal(t, "wallet-linked", subject["custodyModel"])
	assert.Equal(t, "did:ethr:sepolia:"+subjectWallet, subject["did"])

	code, body = s.do(t, http.MethodPost, "/credential/create", map[string]any{
		"issuerDid":         issuer["did"],
		"subjectDid":        subject["did"],
		"type":              "MembershipCredential",
		"credentialSubject": map[string]any{"member": true},
	})
	require.Equal(t, http.StatusOK, code, body)
	vc := obj(t, body["credential"])

	// The issued record is accepted verbatim by verify.
	code, body = s.do(t, http.MethodPost, "/credential/verify", map[string]any{"credential": vc})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, obj(t, body["verification"])["verified"], body)

	code, body = s.do(t, http.MethodPost, "/credential/verify", map[string]any{"credential": vc["payload"]})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, obj(t, body["verification"])["verified"])

	code, body = s.do(t, http.MethodPost, "/presentation/create", map[string]any{
		"holderDid":             issuer["did"],
		"verifiableCredentials": []any{vc},
		"challenge":             "nonce-1",
	})
	require.Equal(t, http.StatusOK, code, body)
	vp := obj(t, body["presentation"])

	code, body = s.do(t, http.MethodPost, "/presentation/verify", map[string]any{"presentation": vp, "challenge": "nonce-1"})
	require.Equal(t, http.StatusOK, code, body)
	verification := obj(t, body["verification"])
	assert.Equal(t, true, verification["verified"], body)
	assert.Len(t, verification["credentials"], 1)

	code, body = s.do(t, http.MethodPost, "/presentation/verify", map[string]any{"presentation": vp["id"], "challenge": "other"})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, obj(t, body["verification"])["verified"])

	code, body = s.do(t, http.MethodGet, "/credential/list", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	code, body = s.do(t, http.MethodGet, "/presentation/list", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
	code, _ = s.do(t, http.MethodGet, "/credential/"+vc["id"].(string), nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = s.do(t, http.MethodGet, "/presentation/"+vp["id"].(string), nil)
	assert.Equal(t, http.StatusOK, code)

	code, body = s.do(t, http.MethodGet, "/did/list", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 2, body["count"])
}

func TestWalletLinkedCreateIsIdempotent(t *testing.T) {
	s := newTestServer(t)
	req := map[string]any{"method": "did:ethr", "walletAddress": strings.ToUpper(subjectWallet[2:])}
	req["walletAddress"] = "0x" + req["walletAddress"].(string)

	_, first := s.do(t, http.MethodPost, "/did/create", req)
	_, second := s.do(t, http.MethodPost, "/did/create", req)
	assert.Equal(t, first["identity"], second["identity"])

	code, body := s.do(t, http.MethodGet, "/did/did:ethr:sepolia:"+subjectWallet, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, false, obj(t, body["identity"])["signingCapable"])
}

func TestErrorEnvelope(t *testing.T) {
	s := newTestServer(t)

	_, body := s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "key", "alias": "taken"})
	require.Equal(t, true, body["success"])

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   errs.Kind
	}{
		{"bad wallet", http.MethodPost, "/did/create", map[string]any{"method": "ethr", "walletAddress": "0x123"}, http.StatusBadRequest, errs.KindValidation},
		{"unsupported method", http.MethodPost, "/did/create", map[string]any{"method": "web"}, http.StatusBadRequest, errs.KindUnsupportedMethod},
		{"duplicate alias", http.MethodPost, "/did/create", map[string]any{"method": "key", "alias": "taken"}, http.StatusConflict, errs.KindDuplicateAlias},
		{"broken json", http.MethodPost, "/did/create", "{", http.StatusBadRequest, errs.KindValidation},
		{"unknown identity", http.MethodGet, "/did/did:key:z6MkNope", nil, http.StatusNotFound, errs.KindNotFound},
		{"unknown credential", http.MethodGet, "/credential/urn:uuid:nope", nil, http.StatusNotFound, errs.KindNotFound},
		{"verify without credential", http.MethodPost, "/credential/verify", map[string]any{}, http.StatusBadRequest, errs.KindValidation},
		{"verify unknown id", http.MethodPost, "/credential/verify", map[string]any{"credential": "urn:uuid:nope"}, http.StatusNotFound, errs.KindNotFound},
		{"malformed did", http.MethodGet, "/did/not-a-did/resolve", nil, http.StatusBadRequest, errs.KindResolutionMalformed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := s.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.status, code, body)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, string(tc.kind), body["errorKind"])
			assert.NotEmpty(t, body["error"])
		})
	}

	_, body = s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "web"})
	assert.ElementsMatch(t, []any{"ethr", "key"}, body["supported"])
	_, body = s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "key", "alias": "taken"})
	assert.Contains(t, body["hint"], "did:key:")
}

func TestStatusForKinds(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(errs.KindResolutionTransport))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(errs.KindResolutionRegistry))
	assert.Equal(t, http.StatusBadGateway, statusFor(errs.KindSigningEngine))
	assert.Equal(t, http.StatusInternalServerError, statusFor(""))
}

func TestResolveFallsBackForEthr(t *testing.T) {
	s := newTestServer(t)
	id := "did:ethr:sepolia:" + subjectWallet

	code, body := s.do(t, http.MethodGet, "/did/"+id+"/resolve", nil)
	require.Equal(t, http.StatusOK, code, body)
	res := obj(t, body["resolution"])
	assert.Equal(t, "fallback", res["outcome"])
	meta := obj(t, res["didResolutionMetadata"])
	assert.Equal(t, true, meta["fallback"])
	assert.Equal(t, string(errs.KindResolutionTransport), meta["reasonKind"])
	assert.Equal(t, id, obj(t, res["didDocument"])["id"])

	_, created := s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "key"})
	keyDID := obj(t, created["identity"])["did"].(string)
	code, body = s.do(t, http.MethodGet, "/did/"+keyDID+"/resolve", nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "primary", obj(t, body["resolution"])["outcome"])
}

func TestHealthInfoAndNetwork(t *testing.T) {
	s := newTestServer(t)

	code, body := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "sepolia", body["network"])

	code, body = s.do(t, http.MethodGet, "/agent/info", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, obj(t, body["agent"])["providers"], "did:key")

	code, body = s.do(t, http.MethodGet, "/network/status", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, obj(t, body["registry"])["deployed"])
	assert.Contains(t, body["supportedNetworks"], "polygon")

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "praxis_identity_registry_deployed")
}

func TestEventFeed(t *testing.T) {
	s := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?types=identity.created"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.gateway.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	// Resolution events are filtered out by the subscription.
	s.do(t, http.MethodGet, "/did/did:ethr:sepolia:"+subjectWallet+"/resolve", nil)
	_, body := s.do(t, http.MethodPost, "/did/create", map[string]any{"method": "key", "alias": "feed"})
	created := obj(t, body["identity"])

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg eventMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, bus.EventIdentityCreated, msg.Type)
	assert.Equal(t, created["did"], msg.Payload["did"])

	s.gateway.Close()
	assert.Equal(t, 0, s.gateway.ClientCount())
}
