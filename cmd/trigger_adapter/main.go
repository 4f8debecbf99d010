package main

import (
	"os"
	"strings"
	"time"

	"github.com/fox-gonic/fox"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/eeveon/eeveon/internal/config"
	"github.com/eeveon/eeveon/internal/deploy/database"
	"github.com/eeveon/eeveon/internal/deploy/registry"
	"github.com/eeveon/eeveon/internal/deploy/service"
	"github.com/eeveon/eeveon/internal/trigger"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	log.Info().Msg("Starting trigger adapter")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if strings.EqualFold(cfg.Logging.Level, "debug") {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	secrets := service.NewEnvSecretSource()
	svc := service.New(service.Options{
		Registry:        reg,
		Ledger:          db,
		Nodes:           service.NewRoutingNodeClient(parseDuration(cfg.Deploy.AgentTimeout, time.Minute)),
		Secrets:         secrets,
		Approvals:       service.NewRedisApprovalGate(rdb),
		MaxInFlight:     cfg.Deploy.MaxInFlight,
		ApprovalTimeout: parseDuration(cfg.Deploy.ApprovalTimeout, 15*time.Minute),
	})

	router := fox.New()
	trigger.RegisterRoutes(router, trigger.NewHandler(svc, reg, secrets, trigger.NewRedisCache(rdb)))

	log.Info().Msgf("Starting trigger adapter on %s", cfg.Trigger.BindAddr)
	if err := router.Run(cfg.Trigger.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start trigger adapter failed.")
	}
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
