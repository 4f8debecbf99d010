package main

import (
	"context"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eeveon/eeveon/internal/config"
	deployapi "github.com/eeveon/eeveon/internal/deploy/api"
	"github.com/eeveon/eeveon/internal/deploy/database"
	"github.com/eeveon/eeveon/internal/deploy/registry"
	"github.com/eeveon/eeveon/internal/deploy/service"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.Info().Msg("Starting eeveon orchestrator")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	reg, err := registry.Load(cfg.Deploy.RegistryFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load node/project registry")
	}

	db, err := database.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	defer db.Close()
	if err := db.EnsureSchema(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	var notifier service.Notifier = service.NewLogNotifier()
	if cfg.Notify.WebhookURL != "" {
		notifier = service.MultiNotifier{
			service.NewLogNotifier(),
			service.NewWebhookNotifier(cfg.Notify.WebhookURL, parseDuration(cfg.Notify.Timeout, 10*time.Second)),
		}
	}

	svc := service.New(service.Options{
		Registry:        reg,
		Ledger:          db,
		Nodes:           service.NewRoutingNodeClient(parseDuration(cfg.Deploy.AgentTimeout, time.Minute)),
		Secrets:         service.NewEnvSecretSource(),
		Approvals:       service.NewRedisApprovalGate(rdb),
		Notifier:        notifier,
		MaxInFlight:     cfg.Deploy.MaxInFlight,
		ApprovalTimeout: parseDuration(cfg.Deploy.ApprovalTimeout, 15*time.Minute),
	})

	// Attempts left open by a previous process cannot be resumed safely.
	if err := svc.ResumeOrphans(context.Background()); err != nil {
		log.Error().Err(err).Msg("close out orphaned attempts failed")
	}

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if _, err := deployapi.NewApi(svc, cfg, router); err != nil {
		log.Fatal().Err(err).Msg("bind deploy api failed.")
	}

	log.Info().Msgf("Starting server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start eeveon api server failed.")
	}
	log.Info().Msg("eeveon api server exit...")
}

func parseDuration(s string, d time.Duration) time.Duration {
	if s == "" {
		return d
	}
	if v, err := time.ParseDuration(s); err == nil {
		return v
	}
	return d
}
