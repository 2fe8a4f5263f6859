// Package server wires configuration, storage, and the periodic jobs that
// keep the pipeline running.
package server

import (
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/pulseboard/pulseboard/pkg/config"
	badgerstore "github.com/pulseboard/pulseboard/pkg/storage/badger"
)

// Config holds server configuration, read from the environment.
type Config struct {
	Port        string
	DataDir     string
	MaxMemoryMB int64

	SMTPHost string
	SMTPPort int
	SMTPUser string
	SMTPPass string
	SMTPFrom string

	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (Config, error) {
	cfg := Config{
		Port:        getEnv("PULSEBOARD_PORT", config.DefaultPort),
		DataDir:     getEnv("PULSEBOARD_DATA_DIR", config.DefaultDataDir),
		MaxMemoryMB: getEnvInt64("PULSEBOARD_MAX_MEMORY_MB", config.DefaultMaxMemoryMB),

		SMTPHost: os.Getenv("PULSEBOARD_SMTP_HOST"),
		SMTPPort: int(getEnvInt64("PULSEBOARD_SMTP_PORT", 587)),
		SMTPUser: os.Getenv("PULSEBOARD_SMTP_USERNAME"),
		SMTPPass: os.Getenv("PULSEBOARD_SMTP_PASSWORD"),
		SMTPFrom: getEnv("PULSEBOARD_SMTP_FROM", "alerts@pulseboard.local"),

		MQTTBroker:   os.Getenv("PULSEBOARD_MQTT_BROKER"),
		MQTTUsername: os.Getenv("PULSEBOARD_MQTT_USERNAME"),
		MQTTPassword: os.Getenv("PULSEBOARD_MQTT_PASSWORD"),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return cfg, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

// OpenStore opens the BadgerDB store at the configured data directory.
func OpenStore(cfg Config) (*badgerstore.Store, error) {
	log.WithFields(log.Fields{"path": cfg.DataDir}).Info("Opening BadgerDB store")
	store, err := badgerstore.New(badgerstore.Config{
		Path:        cfg.DataDir,
		MaxMemoryMB: cfg.MaxMemoryMB,
	})
	if err != nil {
		return nil, err
	}
	log.Info("BadgerDB store opened")
	return store, nil
}

func getEnv(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseInt(val, 10, 64); err == nil {
			return parsed
		}
		log.WithFields(log.Fields{"key": key, "value": val}).Warn("Invalid env value, using default")
	}
	return defaultValue
}
