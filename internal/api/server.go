// Package api exposes the identity service over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/praxis/praxis-identity/internal/agent"
	"github.com/praxis/praxis-identity/internal/bus"
	"github.com/praxis/praxis-identity/internal/did"
	"github.com/praxis/praxis-identity/internal/errs"
	"github.com/praxis/praxis-identity/internal/identity"
	"github.com/praxis/praxis-identity/internal/issuance"
	"github.com/praxis/praxis-identity/internal/metrics"
	"github.com/praxis/praxis-identity/internal/network"
)

// Version is reported by /health.
const Version = "0.3.0"

var tracer = otel.Tracer("api")

// Config holds HTTP listener settings.
type Config struct {
	Host        string
	Port        int
	CORSOrigins []string
}

// Deps are the components the handlers call into.
type Deps struct {
	Agent      agent.Agent
	Classifier *identity.Classifier
	Issuance   *issuance.Service
	Resolver   *did.FallbackResolver
	Prober     identity.RegistryProber
	Network    network.Config
	Events     bus.Publisher
	// Optional.
	Metrics *metrics.Collector
	Gateway *EventGateway
}

// Server is the HTTP front of the identity service.
type Server struct {
	cfg     Config
	deps    Deps
	router  *gin.Engine
	server  *http.Server
	logger  *logrus.Logger
	started time.Time
}

// NewServer builds the router and registers every route.
func NewServer(cfg Config, deps Deps, logger *logrus.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(requestTracer())
	router.Use(cors.New(corsConfig(cfg.CORSOrigins)))
	if deps.Metrics != nil {
		router.Use(deps.Metrics.Middleware())
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		router:  router,
		logger:  logger,
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP request")
	}
}

// requestTracer opens a server span per request, continuing any trace the
// caller propagated.
func requestTracer() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method+" "+route, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/agent/info", s.handleAgentInfo)
	s.router.GET("/network/status", s.handleNetworkStatus)

	s.router.POST("/did/create", s.handleCreateDID)
	s.router.GET("/did/list", s.handleListDIDs)
	s.router.GET("/did/:did", s.handleGetDID)
	s.router.GET("/did/:did/resolve", s.handleResolveDID)

	s.router.POST("/credential/create", s.handleCreateCredential)
	s.router.POST("/credential/verify", s.handleVerifyCredential)
	s.router.GET("/credential/list", s.handleListCredentials)
	s.router.GET("/credential/:id", s.handleGetCredential)

	s.router.POST("/presentation/create", s.handleCreatePresentation)
	s.router.POST("/presentation/verify", s.handleVerifyPresentation)
	s.router.GET("/presentation/list", s.handleListPresentations)
	s.router.GET("/presentation/:id", s.handleGetPresentation)

	if s.deps.Metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}
	if s.deps.Gateway != nil {
		s.router.GET("/events", gin.WrapH(s.deps.Gateway))
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in the background. Listener errors other than a clean shutdown
// are logged.
func (s *Server) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Infof("Identity API listening on %s", addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("HTTP server error: %v", err)
		}
	}()
}

// Shutdown stops the listener, waiting for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.deps.Gateway != nil {
		s.deps.Gateway.Close()
	}
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind errs.Kind) int {
	switch kind {
	case errs.KindValidation, errs.KindUnsupportedMethod, errs.KindResolutionMalformed:
		return http.StatusBadRequest
	case errs.KindDuplicateAlias:
		return http.StatusConflict
	case errs.KindNotFound:
		return http.StatusNotFound
	case errs.KindResolutionTransport:
		return http.StatusServiceUnavailable
	case errs.KindResolutionRegistry:
		return http.StatusUnprocessableEntity
	case errs.KindSigningEngine:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes the error envelope.
func (s *Server) fail(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	status := statusFor(kind)

	body := gin.H{"success": false, "error": err.Error()}
	if kind != "" {
		body["errorKind"] = kind
	}
	var e *errs.Error
	if errors.As(err, &e) {
		if e.Retryable() {
			body["retryable"] = true
		}
		if e.Hint != "" {
			body["hint"] = e.Hint
		}
		if len(e.Supported) > 0 {
			body["supported"] = e.Supported
		}
	}

	entry := s.logger.WithFields(logrus.Fields{
		"path":   c.FullPath(),
		"status": status,
		"kind":   kind,
	})
	if status >= http.StatusInternalServerError {
		entry.Warnf("Request failed: %v", err)
	} else {
		entry.Debugf("Request rejected: %v", err)
	}
	c.JSON(status, body)
}

func badRequest(op string, err error) error {
	return errs.Validation(op, "invalid request body: %v", err)
}
