package configuration

import (
	"encoding/hex"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"

	"listingwatcher/internal/logger"
)

type Config struct {
	ServerAddress string
	DatabaseURI   string
	RedisAddress  string
	LogLevel      logger.Level
	LogToFile     bool
	AuthSecretKey jwk.Key
	// CredentialSealKey seals marketplace passwords at rest (secretbox).
	CredentialSealKey [32]byte
	FCMKey            string

	SchedulerWorkerCount      int
	SchedulerMaxBatch         int
	SchedulerMaxBackoff       time.Duration
	SchedulerBackoffCap       int
	SchedulerFailureThreshold int
	SchedulerReconcileSpec    string

	SessionIdleTimeout     time.Duration
	SessionMaxAge          time.Duration
	SessionMaxUses         int
	ServiceConcurrency     int
	ServiceActionsPerMin   int
	ScrapeMaxPages         int
	ScrapeMaxItems         int
	NotifySendMaxAttempts  int
}

type tomlConfig struct {
	ServerAddress     string `toml:"server_address"`
	DatabaseURI       string `toml:"database_uri"`
	RedisAddress      string `toml:"redis_address"`
	LogLevel          string `toml:"log_level"`
	LogToFile         bool   `toml:"log_to_file"`
	AuthSecretKey     string `toml:"auth_secret_key"`
	CredentialSealKey string `toml:"credential_seal_key"`
	FCMKey            string `toml:"fcm_key"`

	SchedulerWorkerCount      int    `toml:"scheduler_worker_count"`
	SchedulerMaxBatch         int    `toml:"scheduler_max_batch"`
	SchedulerMaxBackoff       string `toml:"scheduler_max_backoff"`
	SchedulerBackoffCap       int    `toml:"scheduler_backoff_cap"`
	SchedulerFailureThreshold int    `toml:"scheduler_failure_threshold"`
	SchedulerReconcileSpec    string `toml:"scheduler_reconcile_spec"`

	SessionIdleTimeout    string `toml:"session_idle_timeout"`
	SessionMaxAge         string `toml:"session_max_age"`
	SessionMaxUses        int    `toml:"session_max_uses"`
	ServiceConcurrency    int    `toml:"service_concurrency"`
	ServiceActionsPerMin  int    `toml:"service_actions_per_minute"`
	ScrapeMaxPages        int    `toml:"scrape_max_pages"`
	ScrapeMaxItems        int    `toml:"scrape_max_items"`
	NotifySendMaxAttempts int    `toml:"notify_send_max_attempts"`
}

func GetConfig(path string) (*Config, error) {
	var tc tomlConfig
	_, err := toml.DecodeFile(path, &tc)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode toml file with path: %s", path)
	}

	if tc.ServerAddress == "" {
		tc.ServerAddress = "localhost:8888"
	}
	if tc.DatabaseURI == "" {
		tc.DatabaseURI = "mongodb://localhost:27017"
	}
	if tc.RedisAddress == "" {
		tc.RedisAddress = "localhost:6379"
	}
	if tc.LogLevel == "" {
		tc.LogLevel = "INFO"
	}
	logLevel, err := logger.ParseLevel(tc.LogLevel)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse log_level: %s", tc.LogLevel)
	}

	if tc.AuthSecretKey == "" {
		return nil, errors.New("auth_secret_key is not set")
	}
	authSecretKey, err := jwk.FromRaw([]byte(tc.AuthSecretKey))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create key from auth_secret_key")
	}

	if tc.CredentialSealKey == "" {
		return nil, errors.New("credential_seal_key is not set")
	}
	sealKeyBytes, err := hex.DecodeString(tc.CredentialSealKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode credential_seal_key as hex")
	}
	if len(sealKeyBytes) != 32 {
		return nil, errors.Errorf("credential_seal_key must be 32 bytes (64 hex chars), got %d bytes", len(sealKeyBytes))
	}
	var sealKey [32]byte
	copy(sealKey[:], sealKeyBytes)

	if tc.SchedulerWorkerCount <= 0 {
		tc.SchedulerWorkerCount = 8
	}
	if tc.SchedulerMaxBatch <= 0 {
		tc.SchedulerMaxBatch = 16
	}
	maxBackoff := 6 * time.Hour
	if tc.SchedulerMaxBackoff != "" {
		maxBackoff, err = time.ParseDuration(tc.SchedulerMaxBackoff)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse scheduler_max_backoff: %s", tc.SchedulerMaxBackoff)
		}
	}
	if tc.SchedulerBackoffCap <= 0 {
		tc.SchedulerBackoffCap = 6
	}
	if tc.SchedulerFailureThreshold <= 0 {
		tc.SchedulerFailureThreshold = 10
	}
	if tc.SchedulerReconcileSpec == "" {
		tc.SchedulerReconcileSpec = "@every 5m"
	}

	sessionIdleTimeout := 10 * time.Minute
	if tc.SessionIdleTimeout != "" {
		sessionIdleTimeout, err = time.ParseDuration(tc.SessionIdleTimeout)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse session_idle_timeout: %s", tc.SessionIdleTimeout)
		}
	}
	sessionMaxAge := 2 * time.Hour
	if tc.SessionMaxAge != "" {
		sessionMaxAge, err = time.ParseDuration(tc.SessionMaxAge)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse session_max_age: %s", tc.SessionMaxAge)
		}
	}
	if tc.SessionMaxUses <= 0 {
		tc.SessionMaxUses = 200
	}
	if tc.ServiceConcurrency <= 0 {
		tc.ServiceConcurrency = 2
	}
	if tc.ServiceActionsPerMin <= 0 {
		tc.ServiceActionsPerMin = 20
	}
	if tc.ScrapeMaxPages <= 0 {
		tc.ScrapeMaxPages = 3
	}
	if tc.ScrapeMaxItems <= 0 {
		tc.ScrapeMaxItems = 60
	}
	if tc.NotifySendMaxAttempts <= 0 {
		tc.NotifySendMaxAttempts = 3
	}

	return &Config{
		ServerAddress:     tc.ServerAddress,
		DatabaseURI:       tc.DatabaseURI,
		RedisAddress:      tc.RedisAddress,
		LogLevel:          logLevel,
		LogToFile:         tc.LogToFile,
		AuthSecretKey:     authSecretKey,
		CredentialSealKey: sealKey,
		FCMKey:            tc.FCMKey,

		SchedulerWorkerCount:      tc.SchedulerWorkerCount,
		SchedulerMaxBatch:         tc.SchedulerMaxBatch,
		SchedulerMaxBackoff:       maxBackoff,
		SchedulerBackoffCap:       tc.SchedulerBackoffCap,
		SchedulerFailureThreshold: tc.SchedulerFailureThreshold,
		SchedulerReconcileSpec:    tc.SchedulerReconcileSpec,

		SessionIdleTimeout:    sessionIdleTimeout,
		SessionMaxAge:         sessionMaxAge,
		SessionMaxUses:        tc.SessionMaxUses,
		ServiceConcurrency:    tc.ServiceConcurrency,
		ServiceActionsPerMin:  tc.ServiceActionsPerMin,
		ScrapeMaxPages:        tc.ScrapeMaxPages,
		ScrapeMaxItems:        tc.ScrapeMaxItems,
		NotifySendMaxAttempts: tc.NotifySendMaxAttempts,
	}, nil
}
