package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/praxis/praxis-identity/internal/bus"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/identity"
	"github.com/praxis/praxis-identity/internal/issuance"
	"github.com/praxis/praxis-identity/internal/network"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  "healthy",
		"version": Version,
		"network": s.deps.Network.Name,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleAgentInfo(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "agent": s.deps.Agent.Info()})
}

func (s *Server) handleNetworkStatus(c *gin.Context) {
	cfg := s.deps.Network
	var probe network.ProbeResult
	if s.deps.Prober != nil {
		probe = s.deps.Prober.Probe(c.Request.Context(), cfg)
	} else {
		probe = network.ProbeResult{EffectiveRegistry: cfg.RegistryAddress}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.RegistryProbed(cfg.Name, probe.EffectiveRegistry, probe.Deployed)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"network":           cfg,
		"registry":          probe,
		"supportedNetworks": network.Names(),
	})
}

func (s *Server) handleCreateDID(c *gin.Context) {
	var req identity.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest("identity.create", err))
		return
	}
	rec, err := s.deps.Classifier.CreateIdentity(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "identity": rec})
}

func (s *Server) handleListDIDs(c *gin.Context) {
	recs, err := s.deps.Classifier.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []identity.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "identities": recs, "count": len(recs)})
}

func (s *Server) handleGetDID(c *gin.Context) {
	rec, err := s.deps.Classifier.Get(c.Request.Context(), c.Param("did"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "identity": rec})
}

func (s *Server) handleResolveDID(c *gin.Context) {
	id := c.Param("did")
	method := "unknown"
	if parts := strings.SplitN(id, ":", 3); len(parts) == 3 && parts[0] == "did" {
		method = parts[1]
	}

	res, err := s.deps.Resolver.Resolve(c.Request.Context(), id)
	if err != nil {
		if s.deps.Metrics != nil {
			s.deps.Metrics.Resolved(method, "error")
		}
		s.fail(c, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.Resolved(method, string(res.Outcome))
	}
	if s.deps.Events != nil {
		s.deps.Events.PublishAsync(bus.EventDIDResolved, map[string]interface{}{
			"did":      id,
			"method":   method,
			"outcome":  string(res.Outcome),
			"fallback": res.Metadata.Fallback,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "resolution": res})
}

func (s *Server) handleCreateCredential(c *gin.Context) {
	const op = "credential.create"
	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(op, err))
		return
	}
	rec, err := s.deps.Issuance.IssueCredential(c.Request.Context(), issuance.CredentialInput{
		IssuerDID:         req.IssuerDID,
		SubjectDID:        req.SubjectDID,
		Types:             req.Type,
		CredentialSubject: req.CredentialSubject,
		ExpirationDate:    req.ExpirationDate,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "credential": rec})
}

func (s *Server) handleVerifyCredential(c *gin.Context) {
	const op = "credential.verify"
	var req verifyCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(op, err))
		return
	}
	ref, err := tokenRef(req.Credential)
	if err != nil {
		s.fail(c, errs.Validation(op, "credential: %v", err))
		return
	}
	token := ref
	if !isJWT(ref) {
		rec, err := s.deps.Issuance.GetCredential(c.Request.Context(), ref)
		if err != nil {
			s.fail(c, err)
			return
		}
		token = rec.Payload
	}
	res, err := s.deps.Issuance.VerifyCredential(c.Request.Context(), token)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verification": res})
}

func (s *Server) handleListCredentials(c *gin.Context) {
	recs, err := s.deps.Issuance.ListCredentials(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "credentials": nonNil(recs), "count": len(recs)})
}

func (s *Server) handleGetCredential(c *gin.Context) {
	rec, err := s.deps.Issuance.GetCredential(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "credential": rec})
}

func (s *Server) handleCreatePresentation(c *gin.Context) {
	const op = "presentation.create"
	var req createPresentationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(op, err))
		return
	}
	creds := make([]string, 0, len(req.VerifiableCredentials))
	for i, raw := range req.VerifiableCredentials {
		ref, err := tokenRef(raw)
		if err != nil {
			s.fail(c, errs.Validation(op, "verifiableCredentials[%d]: %v", i, err))
			return
		}
		creds = append(creds, ref)
	}
	rec, err := s.deps.Issuance.CreatePresentation(c.Request.Context(), issuance.PresentationInput{
		HolderDID:   req.HolderDID,
		Credentials: creds,
		Types:       req.Type,
		Domain:      req.Domain,
		Challenge:   req.Challenge,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "presentation": rec})
}

func (s *Server) handleVerifyPresentation(c *gin.Context) {
	const op = "presentation.verify"
	var req verifyPresentationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, badRequest(op, err))
		return
	}
	ref, err := tokenRef(req.Presentation)
	if err != nil {
		s.fail(c, errs.Validation(op, "presentation: %v", err))
		return
	}
	token := ref
	if !isJWT(ref) {
		rec, err := s.deps.Issuance.GetPresentation(c.Request.Context(), ref)
		if err != nil {
			s.fail(c, err)
			return
		}
		token = rec.Payload
	}
	res, err := s.deps.Issuance.VerifyPresentation(c.Request.Context(), token, req.Domain, req.Challenge)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "verification": res})
}

func (s *Server) handleListPresentations(c *gin.Context) {
	recs, err := s.deps.Issuance.ListPresentations(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "presentations": nonNil(recs), "count": len(recs)})
}

func (s *Server) handleGetPresentation(c *gin.Context) {
	rec, err := s.deps.Issuance.GetPresentation(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "presentation": rec})
}

func isJWT(s string) bool {
	return strings.Count(s, ".") == 2
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
