package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/praxis/praxis-identity/internal/agent"
	"github.com/praxis/praxis-identity/internal/api"
	"github.com/praxis/praxis-identity/internal/bus"
	"github.com/praxis/praxis-identity/internal/config"
	"github.com/praxis/praxis-identity/internal/crypto"
	"github.com/praxis/praxis-identity/internal/did"
	didethr "github.com/praxis/praxis-identity/internal/did/ethr"
	didkey "github.com/praxis/praxis-identity/internal/did/key"
	didweb "github.com/praxis/praxis-identity/internal/did/web"
	didwebvh "github.com/praxis/praxis-identity/internal/did/webvh"
	"github.com/praxis/praxis-identity/internal/erc1056"
	"github.com/praxis/praxis-identity/internal/identity"
	"github.com/praxis/praxis-identity/internal/issuance"
	"github.com/praxis/praxis-identity/internal/logger"
	"github.com/praxis/praxis-identity/internal/metrics"
	"github.com/praxis/praxis-identity/internal/network"
	"github.com/praxis/praxis-identity/internal/store"
	"github.com/praxis/praxis-identity/internal/tracing"
	"github.com/praxis/praxis-identity/pkg/utils"
)

func main() {
	configPath := flag.String("config", "configs/identity.yaml", "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	bootLogger := logrus.New()
	appConfig, err := config.LoadConfig(*configPath, bootLogger)
	if err != nil {
		bootLogger.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		appConfig.Logging.Level = *logLevel
	}

	log, logFile, err := utils.ConfigureLogger(appConfig.Logging)
	if err != nil {
		bootLogger.Fatalf("Failed to configure logging: %v", err)
	}
	defer logFile.Close()

	ctx := context.Background()
	shutdownTracing, err := tracing.Setup(ctx, appConfig.Tracing, appConfig.Metrics.ServiceName, api.Version, log)
	if err != nil {
		log.Fatalf("Failed to set up tracing: %v", err)
	}

	eventBus := bus.NewEventBus(log)
	log.AddHook(logger.NewEventHook(eventBus, appConfig.Agent.Name, logrus.WarnLevel))

	netCfg := appConfig.EffectiveNetwork()
	if netCfg.Name != appConfig.Network.Name {
		log.Warnf("Unknown network %q, using %s", appConfig.Network.Name, netCfg.Name)
	}
	log.Infof("Starting Praxis identity service on %s", netCfg)

	var collector *metrics.Collector
	if appConfig.Metrics.Enabled {
		collector = metrics.NewCollector(log, appConfig.Metrics.ServiceName, api.Version, netCfg.Name)
	}

	entities, err := store.Open(ctx, appConfig.StoreOptions())
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", appConfig.Store.Backend, err)
	}

	keystore, err := crypto.NewKeystore(appConfig.Agent.SigningSecret, appConfig.Agent.KeyFile)
	if err != nil {
		log.Fatalf("Failed to open keystore: %v", err)
	}

	dialer := network.NewDialer()
	prober := network.NewProber(dialer.Reader, log)
	probeCtx, cancel := context.WithTimeout(ctx, appConfig.Network.ProbeTimeout)
	probe := prober.Probe(probeCtx, netCfg)
	cancel()
	if collector != nil {
		collector.RegistryProbed(netCfg.Name, probe.EffectiveRegistry, probe.Deployed)
	}
	if !probe.Deployed {
		log.Warnf("No registry deployment found on %s; did:ethr resolution will fall back", netCfg.Name)
	}

	registryCfg := probe.Apply(netCfg)
	webResolver := &didweb.Resolver{AllowInsecure: appConfig.Resolver.AllowInsecureWeb}
	ethrResolver := didethr.NewResolver(func(ctx context.Context, rpcURL string) (erc1056.Backend, error) {
		return dialer.Client(ctx, rpcURL)
	}, log, registryCfg)
	resolver := did.NewMultiResolver(
		did.WithCacheTTL(appConfig.Resolver.CacheTTL),
		did.WithMethod(didkey.Method, didkey.Resolver{}),
		did.WithMethod(didethr.Method, ethrResolver),
		did.WithMethod(didweb.Method, webResolver),
		did.WithMethod(didwebvh.Method, &didwebvh.Resolver{WebResolver: webResolver}),
	)

	localAgent, err := agent.NewLocalAgent(agent.LocalConfig{
		Name:     appConfig.Agent.Name,
		Network:  registryCfg,
		Keystore: keystore,
		Resolver: resolver,
		Logger:   log,
	})
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	identityCfg := identity.Config{
		Agent:   localAgent,
		Store:   entities,
		Prober:  prober,
		Network: netCfg,
		Events:  eventBus,
		Logger:  log,
	}
	issuanceCfg := issuance.Config{
		Agent:  localAgent,
		Store:  entities,
		Events: eventBus,
		Logger: log,
	}
	if collector != nil {
		identityCfg.Metrics = collector
		issuanceCfg.Metrics = collector
	}

	classifier, err := identity.NewClassifier(identityCfg)
	if err != nil {
		log.Fatalf("Failed to create identity classifier: %v", err)
	}
	if err := classifier.LoadAliases(ctx); err != nil {
		log.Fatalf("Failed to load identity aliases: %v", err)
	}
	issuer, err := issuance.NewService(issuanceCfg)
	if err != nil {
		log.Fatalf("Failed to create issuance service: %v", err)
	}

	var gateway *api.EventGateway
	if appConfig.HTTP.EnableFeed {
		gateway = api.NewEventGateway(eventBus, allowOrigin(appConfig.HTTP.CORSOrigins), log)
	}

	server := api.NewServer(api.Config{
		Host:        appConfig.HTTP.Host,
		Port:        appConfig.HTTP.Port,
		CORSOrigins: appConfig.HTTP.CORSOrigins,
	}, api.Deps{
		Agent:      localAgent,
		Classifier: classifier,
		Issuance:   issuer,
		Resolver:   did.NewFallbackResolver(did.ResolverFunc(localAgent.ResolveDID), log),
		Prober:     prober,
		Network:    netCfg,
		Events:     eventBus,
		Metrics:    collector,
		Gateway:    gateway,
	}, log)
	server.Start()

	log.Info("Identity service running. Press Ctrl+C to stop.")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("Shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("API server shutdown error: %v", err)
	}

	eventBus.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Errorf("Tracing shutdown error: %v", err)
	}
	dialer.Close()
	if err := entities.Close(); err != nil {
		log.Errorf("Store close error: %v", err)
	}

	log.Info("Identity service stopped")
}

func allowOrigin(origins []string) func(string) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = true
	}
	return func(origin string) bool { return allowed[origin] }
}
