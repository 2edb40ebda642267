package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"github.com/caregrid/clinicalml/internal/acuity"
	"github.com/caregrid/clinicalml/internal/clinical"
	"github.com/caregrid/clinicalml/internal/configstore"
	"github.com/caregrid/clinicalml/internal/decisioncache"
	"github.com/caregrid/clinicalml/internal/gates"
	"github.com/caregrid/clinicalml/internal/metrics"
	"github.com/caregrid/clinicalml/internal/model"
	"github.com/caregrid/clinicalml/internal/onscene"
	"github.com/caregrid/clinicalml/internal/riskprotocol"
	"github.com/caregrid/clinicalml/internal/server"
	"github.com/caregrid/clinicalml/internal/telep"
	"github.com/caregrid/clinicalml/pkg/otel"
)

type processConfig struct {
	Addr        string `koanf:"addr"`
	Environment string `koanf:"environment"`
	LogLevel    string `koanf:"log_level"`
	TokenRate   int    `koanf:"token_rate"`
	AuthToken   string `koanf:"auth_token"`

	OTELEndpoint string `koanf:"otel_endpoint"`

	GatesURL string `koanf:"gates_url"`

	ConfigBackend string `koanf:"config_backend"`
	ConfigURL     string `koanf:"config_url"`
	ConfigDir     string `koanf:"config_dir"`
	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	DecisionsPostgresConn string `koanf:"decisions_postgres_conn"`
	DecisionsPoolSize     int    `koanf:"decisions_pool_size"`

	MappingDir        string `koanf:"mapping_dir"`
	ModelRegistryRoot string `koanf:"model_registry_root"`

	OnSceneModelPath         string `koanf:"onscene_model_path"`
	OnSceneProviderScoresURL string `koanf:"onscene_provider_scores_url"`

	MetricsUser     string `koanf:"metrics_user"`
	MetricsPassword string `koanf:"metrics_password"`
}

func defaultConfig() processConfig {
	return processConfig{
		Addr:              ":8080",
		Environment:       "production",
		LogLevel:          "info",
		TokenRate:         100,
		DecisionsPoolSize: 5,
		MappingDir:        "data/risk-protocol-mappings",
		ModelRegistryRoot: "data/models",
		OnSceneModelPath:  "data/onscene/model.json",
	}
}

// loadConfig layers defaults, an optional YAML file (CLINICALML_CONFIG),
// and CLINICALML_-prefixed environment variables.
func loadConfig() (processConfig, error) {
	cfg := defaultConfig()

	k := koanf.New(".")
	if path := os.Getenv("CLINICALML_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return cfg, err
		}
	}
	envProvider := env.Provider("CLINICALML_", ".", func(s string) string {
		s = strings.ToLower(s)
		return strings.TrimPrefix(s, "clinicalml_")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return cfg, err
	}
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := newLogger(cfg.LogLevel)
	ctx := context.Background()

	// Tracing
	var tracerShutdown func()
	if cfg.OTELEndpoint != "" {
		ocfg := otel.DefaultConfig("clinicalml")
		ocfg.CollectorEndpoint = cfg.OTELEndpoint
		ocfg.Environment = cfg.Environment
		tp, err := otel.InitTracer(ctx, ocfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to init tracing")
		}
		tracerShutdown = func() {
			if err := otel.Shutdown(context.Background(), tp); err != nil {
				log.Warn().Err(err).Msg("tracer shutdown error")
			}
		}
	}

	met := metrics.New()

	// Feature gates
	var gateChecker gates.Checker
	if cfg.GatesURL != "" {
		gateChecker = gates.NewHTTPChecker(cfg.GatesURL)
	} else {
		gateChecker = gates.NewStaticChecker(nil)
		log.Warn().Msg("no gate service configured; all gates closed")
	}

	// Model/service config store
	store, err := newConfigStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create config store")
	}
	defer store.Close()

	// Decision store
	var decisionStore decisioncache.Store
	if cfg.DecisionsPostgresConn != "" {
		decisionStore, err = decisioncache.NewPostgresStore(cfg.DecisionsPostgresConn, cfg.DecisionsPoolSize)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect decision store")
		}
		defer decisionStore.Close()
	} else {
		log.Warn().Msg("no decision store configured; decision caching disabled")
	}
	decisions := decisioncache.New(decisionStore, gateChecker, log)

	// Risk protocol mapping
	normalizer, err := riskprotocol.NewNormalizer(
		riskprotocol.NewFSObjectStore(cfg.MappingDir), log, met)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create risk protocol normalizer")
	}

	// Telep
	resolver, err := telep.LoadResolver(ctx, store)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load service config")
	}
	modelCache := model.NewCache(model.NewRegistry(cfg.ModelRegistryRoot))
	engine := clinical.NewEngine(log)
	dispatcher, err := telep.NewDispatcher(ctx, store, resolver, modelCache, normalizer, engine, decisions, met, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build telep dispatcher")
	}

	// Acuity
	acuitySvc := acuity.NewService(gateChecker, met, log)

	// On-scene
	onsceneModel, err := onscene.LoadModel(cfg.OnSceneModelPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load on-scene model")
	}
	var providerScores onscene.ProviderScores
	if cfg.OnSceneProviderScoresURL != "" {
		providerScores = onscene.NewHTTPProviderScores(cfg.OnSceneProviderScoresURL)
	} else {
		providerScores = onscene.NewStaticProviderScores(nil)
	}
	onsceneSvc := onscene.NewService(onsceneModel, providerScores, met, log)

	// Transport
	srv := server.New(dispatcher, acuitySvc, onsceneSvc, met, log, cfg.TokenRate)
	srv.AuthToken = cfg.AuthToken
	if cfg.MetricsUser != "" {
		srv.SetMetricsAuth(cfg.MetricsUser, cfg.MetricsPassword)
	}

	httpServer := &http.Server{
		Addr:         cfg.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("starting server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-shutdown
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	if tracerShutdown != nil {
		tracerShutdown()
	}
	log.Info().Msg("server stopped")
}

func newConfigStore(cfg processConfig) (configstore.Store, error) {
	switch cfg.ConfigBackend {
	case "redis":
		return configstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "file":
		return configstore.NewFileStore(cfg.ConfigDir), nil
	default:
		return configstore.NewHTTPStore(cfg.ConfigURL), nil
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().
		Timestamp().
		Str("service", "clinicalml").
		Logger()
}
