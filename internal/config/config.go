package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rs/zerolog/log"
)

type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Logging  LoggingConfig  `json:"logging"`
	Redis    RedisConfig    `json:"redis"`
	Deploy   DeployConfig   `json:"deploy"`
	Trigger  TriggerConfig  `json:"trigger"`
	Notify   NotifyConfig   `json:"notify"`
	Auth     AuthConfig     `json:"auth"`
}

type ServerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"dbname"`
	SSLMode  string `json:"sslmode"`
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

type LoggingConfig struct {
	Level string `json:"level"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DeployConfig struct {
	// RegistryFile points at the YAML project/node registry.
	RegistryFile string `json:"registryFile"`
	// MaxInFlight bounds concurrent node operations inside a wave.
	MaxInFlight int `json:"maxInFlight"`
	// ApprovalTimeout is the default approval hold, e.g. "15m".
	ApprovalTimeout string `json:"approvalTimeout"`
	// AgentTimeout bounds a single node agent request, e.g. "60s".
	AgentTimeout string `json:"agentTimeout"`
}

type TriggerConfig struct {
	BindAddr string `json:"bindAddr"`
}

type NotifyConfig struct {
	// WebhookURL, when set, receives deployment event POSTs in addition
	// to the log sink.
	WebhookURL string `json:"webhookURL"`
	Timeout    string `json:"timeout"`
}

type AuthConfig struct {
	// Tokens maps bearer tokens to principals.
	Tokens map[string]TokenInfo `json:"tokens"`
}

type TokenInfo struct {
	User string `json:"user"`
	Role string `json:"role"`
}

func Load() (*Config, error) {
	configFile := flag.String("f", "", "Path to configuration file")
	flag.Parse()

	cfg := &Config{
		Server: ServerConfig{
			BindAddr: getEnv("SERVER_BIND_ADDR", "0.0.0.0:8080"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "admin"),
			Password: getEnv("DB_PASSWORD", "password"),
			DBName:   getEnv("DB_NAME", "eeveon"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "debug"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Deploy: DeployConfig{
			RegistryFile:    getEnv("DEPLOY_REGISTRY_FILE", "registry.yaml"),
			MaxInFlight:     getEnvInt("DEPLOY_MAX_IN_FLIGHT", 4),
			ApprovalTimeout: getEnv("DEPLOY_APPROVAL_TIMEOUT", "15m"),
			AgentTimeout:    getEnv("DEPLOY_AGENT_TIMEOUT", "60s"),
		},
		Trigger: TriggerConfig{
			BindAddr: getEnv("TRIGGER_BIND_ADDR", "0.0.0.0:8081"),
		},
		Notify: NotifyConfig{
			WebhookURL: getEnv("NOTIFY_WEBHOOK_URL", ""),
			Timeout:    getEnv("NOTIFY_TIMEOUT", "10s"),
		},
	}

	if *configFile != "" {
		if err := loadFromFile(cfg, *configFile); err != nil {
			log.Err(err)
			return nil, err
		}
	}

	// fill reasonable defaults when fields omitted in file
	if cfg.Server.BindAddr == "" {
		cfg.Server.BindAddr = "0.0.0.0:8080"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "debug"
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Deploy.MaxInFlight <= 0 {
		cfg.Deploy.MaxInFlight = 4
	}
	if cfg.Deploy.ApprovalTimeout == "" {
		cfg.Deploy.ApprovalTimeout = "15m"
	}
	if cfg.Deploy.AgentTimeout == "" {
		cfg.Deploy.AgentTimeout = "60s"
	}
	if cfg.Notify.Timeout == "" {
		cfg.Notify.Timeout = "10s"
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filePath, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filePath, err)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
