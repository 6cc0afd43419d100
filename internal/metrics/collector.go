package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector owns the service's Prometheus registry and metric vectors.
type Collector struct {
	logger *logrus.Logger

	identitiesCreated   *prometheus.CounterVec
	credentialsIssued   prometheus.Counter
	presentationsIssued prometheus.Counter
	verifications       *prometheus.CounterVec
	resolutions         *prometheus.CounterVec
	registryDeployed    *prometheus.GaugeVec
	requestDuration     *prometheus.HistogramVec
	serviceInfo         *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry.
func NewCollector(logger *logrus.Logger, serviceName, version, network string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		logger:   logger,
		registry: registry,

		identitiesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praxis_identity_identities_created_total",
			Help: "Identities created, by custody model",
		}, []string{"custody_model"}),

		credentialsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "praxis_identity_credentials_issued_total",
			Help: "Verifiable credentials issued",
		}),

		presentationsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "praxis_identity_presentations_created_total",
			Help: "Verifiable presentations created",
		}),

		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praxis_identity_verifications_total",
			Help: "Verification requests, by artifact and result",
		}, []string{"artifact", "verified"}),

		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "praxis_identity_did_resolutions_total",
			Help: "DID resolutions, by method and outcome",
		}, []string{"method", "outcome"}),

		registryDeployed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "praxis_identity_registry_deployed",
			Help: "Registry deployment probe result (1 = deployed)",
		}, []string{"network", "registry"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "praxis_identity_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		serviceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "praxis_identity_info",
			Help: "Service information",
		}, []string{"service", "version", "network"}),
	}

	registry.MustRegister(
		c.identitiesCreated,
		c.credentialsIssued,
		c.presentationsIssued,
		c.verifications,
		c.resolutions,
		c.registryDeployed,
		c.requestDuration,
		c.serviceInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c.serviceInfo.WithLabelValues(serviceName, version, network).Set(1)

	logger.Info("Metrics collector initialized")
	return c
}

// IdentityCreated counts a created identity.
func (c *Collector) IdentityCreated(custodyModel string) {
	c.identitiesCreated.WithLabelValues(custodyModel).Inc()
}

// CredentialIssued counts an issued credential.
func (c *Collector) CredentialIssued() { c.credentialsIssued.Inc() }

// PresentationCreated counts a created presentation.
func (c *Collector) PresentationCreated() { c.presentationsIssued.Inc() }

// Verified counts a verification of artifact ("credential" or "presentation").
func (c *Collector) Verified(artifact string, ok bool) {
	c.verifications.WithLabelValues(artifact, strconv.FormatBool(ok)).Inc()
}

// Resolved counts a DID resolution outcome.
func (c *Collector) Resolved(method, outcome string) {
	c.resolutions.WithLabelValues(method, outcome).Inc()
}

// RegistryProbed records the latest probe result for a network.
func (c *Collector) RegistryProbed(network, registry string, deployed bool) {
	c.registryDeployed.DeletePartialMatch(prometheus.Labels{"network": network})
	v := 0.0
	if deployed {
		v = 1
	}
	c.registryDeployed.WithLabelValues(network, registry).Set(v)
}

// Middleware records request latency per route template.
func (c *Collector) Middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}
		c.requestDuration.
			WithLabelValues(ctx.Request.Method, route, strconv.Itoa(ctx.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// GetRegistry returns the Prometheus registry
func (c *Collector) GetRegistry() *prometheus.Registry {
	return c.registry
}
