package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration derived from environment variables.
type Config struct {
	LimitlessAPIKey string
	LimitlessAPIURL string

	MemoryBoxAPIKey string
	MemoryBoxAPIURL string
	MemoryBoxBucket string

	MailgunAPIKey string
	MailgunDomain string
	AlertEmail    string

	SyncIntervalMin     int
	BatchSize           int
	Timezone            string
	MaxPollAttempts     int
	PollIntervalSec     int
	RatePerMinute       int
	MaxDeliveryAttempts int

	DBPath     string
	HealthPort string

	WorkerCount   int
	QueueSize     int
	JobTimeoutSec int

	StrictConfig bool
}

type fileConfig struct {
	LimitlessAPIURL string `json:"limitless_api_url" yaml:"limitless_api_url"`
	MemoryBoxAPIURL string `json:"memorybox_api_url" yaml:"memorybox_api_url"`
	MemoryBoxBucket string `json:"memorybox_bucket" yaml:"memorybox_bucket"`
	Timezone        string `json:"timezone" yaml:"timezone"`
	DBPath          string `json:"db_path" yaml:"db_path"`
	HealthPort      string `json:"health_port" yaml:"health_port"`
}

const (
	defaultLimitlessURL = "https://api.limitless.ai"
	defaultMemoryBoxURL = "https://memorybox.amotivv.ai"
	defaultBucket       = "Limitless-Lifelogs"
	defaultTimezone     = "America/Los_Angeles"
	defaultDBPath       = "data/limitless_sync.db"
	defaultHealthPort   = ":8080"

	defaultSyncIntervalMin = 30
	minSyncIntervalMin     = 5
	maxSyncIntervalMin     = 1440

	defaultBatchSize = 10
	maxBatchSize     = 100

	defaultPollAttempts = 10
	maxPollAttempts     = 50

	defaultPollIntervalSec = 2
	maxPollIntervalSec     = 30

	defaultRatePerMinute = 180
	maxRatePerMinute     = 300

	defaultDeliveryAttempts = 3

	defaultWorkerCount   = 4
	minQueueSize         = 1
	defaultQueueSize     = 100
	maxQueueSize         = 1024
	defaultJobTimeoutSec = 180
)

// Load reads configuration from environment variables, with an optional
// yaml/json file at CONFIG_PATH supplying fallbacks. API keys are
// required; everything else has defaults.
func Load() (Config, error) {
	cfg := Config{
		LimitlessAPIKey:     os.Getenv("LIMITLESS_API_KEY"),
		MemoryBoxAPIKey:     os.Getenv("MEMORYBOX_API_KEY"),
		MailgunAPIKey:       os.Getenv("MAILGUN_API_KEY"),
		MailgunDomain:       os.Getenv("MAILGUN_DOMAIN"),
		AlertEmail:          os.Getenv("ALERT_EMAIL"),
		SyncIntervalMin:     defaultSyncIntervalMin,
		BatchSize:           defaultBatchSize,
		MaxPollAttempts:     defaultPollAttempts,
		PollIntervalSec:     defaultPollIntervalSec,
		RatePerMinute:       defaultRatePerMinute,
		MaxDeliveryAttempts: defaultDeliveryAttempts,
		WorkerCount:         defaultWorkerCount,
		QueueSize:           defaultQueueSize,
		JobTimeoutSec:       defaultJobTimeoutSec,
		StrictConfig:        parseBoolEnv("STRICT_CONFIG"),
	}

	configPath := getEnv("CONFIG_PATH", filepath.Join("config", "config.yaml"))
	fileCfg, fileErr := loadFileConfig(configPath)
	if fileErr != nil {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", configPath, fileErr)
		}
		if !errors.Is(fileErr, os.ErrNotExist) {
			log.Printf("config load failed (%s): %v (using defaults)", configPath, fileErr)
		}
	}

	cfg.LimitlessAPIURL = strings.TrimRight(firstNonEmpty(os.Getenv("LIMITLESS_API_URL"), fileCfg.LimitlessAPIURL, defaultLimitlessURL), "/")
	cfg.MemoryBoxAPIURL = strings.TrimRight(firstNonEmpty(os.Getenv("MEMORYBOX_API_URL"), fileCfg.MemoryBoxAPIURL, defaultMemoryBoxURL), "/")
	cfg.MemoryBoxBucket = firstNonEmpty(os.Getenv("MEMORYBOX_BUCKET"), fileCfg.MemoryBoxBucket, defaultBucket)
	cfg.Timezone = firstNonEmpty(os.Getenv("TIMEZONE"), fileCfg.Timezone, defaultTimezone)
	cfg.DBPath = firstNonEmpty(os.Getenv("DATABASE_PATH"), fileCfg.DBPath, defaultDBPath)

	cfg.HealthPort = firstNonEmpty(os.Getenv("HEALTH_CHECK_PORT"), fileCfg.HealthPort, defaultHealthPort)
	if !strings.HasPrefix(cfg.HealthPort, ":") {
		cfg.HealthPort = ":" + cfg.HealthPort
	}

	cfg.SyncIntervalMin = clampIntEnv("SYNC_INTERVAL_MINUTES", cfg.SyncIntervalMin, minSyncIntervalMin, maxSyncIntervalMin)
	cfg.BatchSize = clampIntEnv("BATCH_SIZE", cfg.BatchSize, 1, maxBatchSize)
	cfg.MaxPollAttempts = clampIntEnv("MAX_POLL_ATTEMPTS", cfg.MaxPollAttempts, 1, maxPollAttempts)
	cfg.PollIntervalSec = clampIntEnv("POLL_INTERVAL_SECONDS", cfg.PollIntervalSec, 1, maxPollIntervalSec)
	cfg.RatePerMinute = clampIntEnv("RATE_LIMIT_REQUESTS_PER_MINUTE", cfg.RatePerMinute, 1, maxRatePerMinute)
	cfg.MaxDeliveryAttempts = clampIntEnv("MAX_DELIVERY_ATTEMPTS", cfg.MaxDeliveryAttempts, 1, 10)
	cfg.WorkerCount = clampIntEnv("WORKER_COUNT", cfg.WorkerCount, 1, 64)
	cfg.QueueSize = clampIntEnv("JOB_QUEUE_SIZE", cfg.QueueSize, minQueueSize, maxQueueSize)
	cfg.JobTimeoutSec = clampIntEnv("JOB_TIMEOUT_SEC", cfg.JobTimeoutSec, 1, 3600)

	if cfg.QueueSize < cfg.WorkerCount {
		log.Printf("JOB_QUEUE_SIZE must be >= WORKER_COUNT; raising to %d", cfg.WorkerCount)
		cfg.QueueSize = cfg.WorkerCount
	}

	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		err = yaml.Unmarshal(data, &cfg)
	}
	return cfg, err
}

func validateConfig(cfg Config) error {
	var missing []string
	if strings.TrimSpace(cfg.LimitlessAPIKey) == "" {
		missing = append(missing, "LIMITLESS_API_KEY")
	}
	if strings.TrimSpace(cfg.MemoryBoxAPIKey) == "" {
		missing = append(missing, "MEMORYBOX_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", cfg.Timezone, err)
	}
	if strings.TrimSpace(cfg.MemoryBoxBucket) == "" {
		return errors.New("MEMORYBOX_BUCKET is required")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return errors.New("DATABASE_PATH is required")
	}

	if cfg.MailgunAPIKey == "" || cfg.MailgunDomain == "" || cfg.AlertEmail == "" {
		log.Printf("mailgun not fully configured; email notifications disabled")
	}
	return nil
}

// clampIntEnv reads an integer env var, keeping the fallback on parse
// errors and clamping out-of-range values with a log line.
func clampIntEnv(key string, fallback, min, max int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, raw, fallback)
		return fallback
	}
	if n < min {
		log.Printf("%s raised to minimum %d (was %d)", key, min, n)
		return min
	}
	if n > max {
		log.Printf("%s capped at %d (was %d)", key, max, n)
		return max
	}
	return n
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}
