package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/synaptica-ai/interaction-engine/pkg/alerting"
	"github.com/synaptica-ai/interaction-engine/pkg/audit"
	"github.com/synaptica-ai/interaction-engine/pkg/common/cache"
	"github.com/synaptica-ai/interaction-engine/pkg/common/config"
	"github.com/synaptica-ai/interaction-engine/pkg/common/database"
	"github.com/synaptica-ai/interaction-engine/pkg/common/kafka"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/auth"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/httpclient"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/middleware"
	"github.com/synaptica-ai/interaction-engine/pkg/knowledge"
	"github.com/synaptica-ai/interaction-engine/pkg/normalizer"
	"github.com/synaptica-ai/interaction-engine/pkg/orchestrator"
	"github.com/synaptica-ai/interaction-engine/pkg/predictive"
	"github.com/synaptica-ai/interaction-engine/pkg/rules"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog := knowledge.DefaultCatalog()
	if cfg.KnowledgeBasePath != "" {
		loaded, err := knowledge.Load(cfg.KnowledgeBasePath)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to load knowledge base")
		}
		catalog = loaded
	}

	var db *gorm.DB
	if cfg.PostgresEnabled {
		var err error
		db, err = database.OpenPostgres(cfg)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to connect to database")
		}
		defer database.ClosePostgres(db)
		if err := audit.AutoMigrate(db); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate audit tables")
		}
	}

	var redisClient *redis.Client
	if cfg.RedisEnabled {
		redisClient = database.OpenRedis(ctx, cfg)
		defer database.CloseRedis(redisClient)
	}

	normalizerCache := cache.Cache[normalizer.Result](cache.NewMemory[normalizer.Result](cfg.NormalizerCacheMax, cfg.NormalizerCacheTTL))
	ruleCache := cache.Cache[rules.Result](cache.NewMemory[rules.Result](cfg.RuleCacheMax, cfg.RuleCacheTTL))
	if redisClient != nil {
		normalizerCache = cache.NewTiered[normalizer.Result](normalizerCache,
			cache.NewRedis[normalizer.Result](redisClient, cfg.RedisPrefix+":normalize", cfg.NormalizerCacheTTL))
		ruleCache = cache.NewTiered[rules.Result](ruleCache,
			cache.NewRedis[rules.Result](redisClient, cfg.RedisPrefix+":rules", cfg.RuleCacheTTL))
	}

	source := knowledge.NewCatalogSource(catalog)
	extractor := predictive.NewMechanismExtractor(source)

	var versionStore predictive.VersionStore
	if db != nil {
		gormVersions := predictive.NewGormVersionStore(db)
		if err := gormVersions.AutoMigrate(); err != nil {
			logger.Log.WithError(err).Fatal("Failed to migrate model registry tables")
		}
		versionStore = gormVersions
	}
	registry := predictive.NewRegistry(versionStore, cfg.ModelArtifactDir, 1)
	if _, err := predictive.Bootstrap(ctx, registry, predictive.DefaultModel, catalog, extractor); err != nil {
		logger.Log.WithError(err).Fatal("Failed to bootstrap interaction model")
	}

	deps := orchestrator.Dependencies{
		Catalog:      catalog,
		Normalizer:   normalizer.New(catalog, normalizerCache, cfg.FuzzyThreshold),
		Rules:        rules.NewEngine([]knowledge.Source{source}, ruleCache, cfg.SourceTimeout),
		Registry:     registry,
		Extractor:    extractor,
		ModelName:    predictive.DefaultModel,
		BatchWorkers: cfg.BatchMaxWorkers,
	}
	if cfg.PredictiveEnabled {
		deps.Predictor = predictive.NewLayer(extractor, predictive.DefaultEnsemble(registry, predictive.DefaultModel),
			registry, predictive.DefaultModel, cfg.MaxCombinationDrugs)
	}
	if db != nil {
		deps.RunLogs = audit.NewGormRunLogStore(db)
		deps.Overrides = audit.NewGormOverrideStore(db)
		deps.Incidents = audit.NewGormIncidentStore(db)
	}

	var batchEvents kafka.Publisher
	if cfg.KafkaEnabled {
		alertProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaAlertTopic)
		defer alertProducer.Close()
		incidentProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaIncidentTopic)
		defer incidentProducer.Close()
		batchProducer := kafka.NewProducer(cfg.KafkaBrokers, cfg.KafkaBatchTopic)
		defer batchProducer.Close()

		events := alerting.NewEventAlerter(alertProducer, incidentProducer)
		deps.Alerter = events
		deps.Publisher = events
		batchEvents = batchProducer
	}
	callbackClient := httpclient.NewAuthenticated(ctx, cfg.CallbackTimeout, httpclient.ClientCredentials{
		ClientID:     cfg.CallbackClientID,
		ClientSecret: cfg.CallbackClientSecret,
		TokenURL:     cfg.CallbackTokenURL,
	})
	deps.Notifier = alerting.NewCallbackNotifier(callbackClient, batchEvents, cfg.CallbackRetries)

	if cfg.PatientRosterPath != "" {
		roster, err := orchestrator.LoadPatients(cfg.PatientRosterPath)
		if err != nil {
			logger.Log.WithError(err).Fatal("Failed to load patient roster")
		}
		deps.Patients = roster
	}

	service, err := orchestrator.NewService(deps)
	if err != nil {
		logger.Log.WithError(err).Fatal("Failed to build interaction service")
	}

	router := mux.NewRouter()
	router.Use(middleware.Logging)
	router.Use(middleware.Recovery)
	router.Use(middleware.CORS)
	router.Use(middleware.RateLimit(cfg.GatewayRateLimitRPS, cfg.GatewayRateLimitBurst))
	router.Use(middleware.BodyLimit(cfg.MaxRequestBody))
	if cfg.AuthEnabled {
		tokens, err := auth.NewJWTManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, 0)
		if err != nil {
			logger.Log.WithError(err).Fatal("Invalid clinician token configuration")
		}
		router.Use(middleware.Authenticate(tokens, "/health", "/metrics"))
	} else {
		logger.Log.Warn("Clinician authentication disabled, trusting X-User-ID")
	}
	orchestrator.NewHTTPHandler(service, cfg.MaxRequestBody).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host":       cfg.ServerHost,
			"port":       cfg.ServerPort,
			"postgres":   db != nil,
			"redis":      redisClient != nil,
			"kafka":      cfg.KafkaEnabled,
			"predictive": cfg.PredictiveEnabled,
		}).Info("Interaction Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Interaction Service...")
	cancel()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Log.WithError(err).Error("Server forced to shutdown")
	}

	logger.Log.Info("Interaction Service stopped")
}
