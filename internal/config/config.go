// Package config loads the engine configuration from defaults, an optional
// config file and MEDDX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/medical-dx-engine/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g. MEDDX_MODE.
const EnvPrefix = "MEDDX"

// Manager implements the ConfigManager interface using Viper
type Manager struct {
	v      *viper.Viper
	config *domain.Config
}

// Option customizes how a Manager locates its configuration.
type Option func(*viper.Viper)

// WithConfigFile points the manager at an explicit config file.
func WithConfigFile(path string) Option {
	return func(v *viper.Viper) {
		if path != "" {
			v.SetConfigFile(path)
		}
	}
}

// NewManager creates a new configuration manager
func NewManager(opts ...Option) (*Manager, error) {
	m := &Manager{v: viper.New()}
	for _, opt := range opts {
		opt(m.v)
	}
	if err := m.loadConfig(); err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return m, nil
}

// loadConfig loads configuration from various sources
func (m *Manager) loadConfig() error {
	v := m.v
	if v.ConfigFileUsed() == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/medical-dx-engine/")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	m.setDefaults()

	// Config file is optional; defaults and environment cover everything.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &domain.Config{}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.Mode = domain.Mode(strings.ToLower(string(config.Mode)))
	m.applyModeDefaults(config)

	m.config = config
	return nil
}

// dataDir is the base directory for files the engine owns.
func dataDir() string {
	if dir := os.Getenv(EnvPrefix + "_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".medical-dx"
	}
	return filepath.Join(home, ".medical-dx")
}

// setDefaults sets default configuration values
func (m *Manager) setDefaults() {
	v := m.v
	base := dataDir()

	v.SetDefault("mode", string(domain.ModeCurated))

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("server.rate_limit", 0)
	v.SetDefault("server.rate_burst", 0)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Database defaults
	v.SetDefault("database.enabled", false)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "medical_dx")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.conn_max_idle", "30m")
	v.SetDefault("database.auto_migrate", true)

	// Knowledge store defaults
	v.SetDefault("knowledge.source", "")
	v.SetDefault("knowledge.path", filepath.Join(base, "conditions.json"))

	// Dataset defaults
	v.SetDefault("dataset.backend", "sqlite")
	v.SetDefault("dataset.sqlite_path", filepath.Join(base, "examples.db"))
	v.SetDefault("dataset.postgres_url", "")

	// Training defaults
	v.SetDefault("training.min_examples", 50)
	v.SetDefault("training.test_fraction", 0.2)
	v.SetDefault("training.seed", 42)
	v.SetDefault("training.max_features", 2000)
	v.SetDefault("training.ngram_min", 1)
	v.SetDefault("training.ngram_max", 3)
	v.SetDefault("training.stop_words", true)
	v.SetDefault("training.candidates", []string{"random_forest", "gradient_boosting", "logistic_regression"})
	v.SetDefault("training.parallelism", 3)
	v.SetDefault("training.random_forest.trees", 200)
	v.SetDefault("training.random_forest.max_depth", 0)
	v.SetDefault("training.random_forest.min_samples_split", 2)
	v.SetDefault("training.gradient_boosting.rounds", 100)
	v.SetDefault("training.gradient_boosting.learning_rate", 0.1)
	v.SetDefault("training.gradient_boosting.max_depth", 3)
	v.SetDefault("training.logistic_regression.max_iter", 1000)
	v.SetDefault("training.logistic_regression.c", 1.0)
	v.SetDefault("training.logistic_regression.learning_rate", 1.0)
	v.SetDefault("training.logistic_regression.tolerance", 1e-4)
	v.SetDefault("training.priority_labels", []string{
		"Common Cold", "Diabetes Mellitus", "Hypertension", "Malaria", "HIV/AIDS",
		"Tuberculosis", "Pneumonia", "Typhoid Fever", "Amoebiasis", "Arthritis",
		"Influenza", "Gastroenteritis", "Urinary Tract Infection", "Asthma", "Migraine",
		"Anemia", "Hepatitis B", "Peptic Ulcer Disease", "Otitis Media", "Dermatitis",
	})

	// Artifact defaults
	v.SetDefault("artifacts.dir", filepath.Join(base, "models"))
	v.SetDefault("artifacts.retain", 5)

	// Inference defaults
	v.SetDefault("inference.top_n", 3)
	v.SetDefault("inference.min_probability", 0.10)
	v.SetDefault("inference.fast_path_confidence", 0.7)
	v.SetDefault("inference.fever_confidence", 0.6)
	v.SetDefault("inference.fallback_confidence", 0.6)

	// Cache defaults
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.ttl", "3600s")
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.sqlite_path", filepath.Join(base, "refcache.db"))
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.key_prefix", "meddx:ref:")
	v.SetDefault("cache.redis.stale_for", "168h")
	v.SetDefault("cache.retry.max_retries", 3)
	v.SetDefault("cache.retry.initial_delay", "1s")
	v.SetDefault("cache.retry.multiplier", 1.5)
	v.SetDefault("cache.retry.attempt_timeout", "10s")
	v.SetDefault("cache.breaker.max_requests", 3)
	v.SetDefault("cache.breaker.interval", "30s")
	v.SetDefault("cache.breaker.timeout", "60s")
	v.SetDefault("cache.breaker.min_requests", 3)
	v.SetDefault("cache.breaker.failure_ratio", 0.6)

	// External API defaults
	v.SetDefault("external_api.pubmed.base_url", "https://eutils.ncbi.nlm.nih.gov/entrez/eutils/")
	v.SetDefault("external_api.pubmed.timeout", "10s")
	v.SetDefault("external_api.pubmed.rate_limit", 3)
	v.SetDefault("external_api.openfda.base_url", "https://api.fda.gov/")
	v.SetDefault("external_api.openfda.timeout", "10s")
	v.SetDefault("external_api.openfda.rate_limit", 4)
	v.SetDefault("external_api.rxnorm.base_url", "https://rxnav.nlm.nih.gov/REST/")
	v.SetDefault("external_api.rxnorm.timeout", "10s")
	v.SetDefault("external_api.rxnorm.rate_limit", 10)
	v.SetDefault("external_api.gho.base_url", "https://ghoapi.azureedge.net/api/")
	v.SetDefault("external_api.gho.timeout", "10s")
	v.SetDefault("external_api.gho.rate_limit", 5)
	v.SetDefault("external_api.gho.indicators", map[string][]string{
		"malaria":      {"MALARIA_EST_INCIDENCE", "MALARIA_EST_DEATHS"},
		"tuberculosis": {"MDG_0000000020"},
		"hiv/aids":     {"HIV_0000000001"},
		"hypertension": {"BP_04"},
	})

	// Interaction defaults
	v.SetDefault("interactions.concurrency", 4)
	v.SetDefault("interactions.adverse_event_threshold", 100)
	v.SetDefault("interactions.normalize_names", false)

	// Scheduler defaults
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.retrain_spec", "0 0 * * *")
	v.SetDefault("scheduler.enrich_spec", "30 3 * * 0")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// applyModeDefaults fills mode-dependent settings the user left unset.
func (m *Manager) applyModeDefaults(cfg *domain.Config) {
	if cfg.Knowledge.Source == "" {
		if cfg.IsCurated() {
			cfg.Knowledge.Source = "embedded"
		} else {
			cfg.Knowledge.Source = "file"
		}
	}
	if !cfg.IsCurated() {
		return
	}
	// The curated model uses a smaller vocabulary and shorter n-grams.
	if !m.isExplicit("training.max_features") {
		cfg.Training.MaxFeatures = 1000
	}
	if !m.isExplicit("training.ngram_max") {
		cfg.Training.NGramMax = 2
	}
	// Brand names resolve offline against the curated normalizer.
	if !m.isExplicit("interactions.normalize_names") {
		cfg.Interactions.NormalizeNames = true
	}
}

// isExplicit reports whether key came from a config file or the environment.
func (m *Manager) isExplicit(key string) bool {
	if m.v.InConfig(key) {
		return true
	}
	env := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(env)
	return ok
}

// GetConfig returns the complete configuration
func (m *Manager) GetConfig() *domain.Config {
	return m.config
}

// GetServerConfig returns server configuration
func (m *Manager) GetServerConfig() *domain.ServerConfig {
	return &m.config.Server
}

// Reload reloads the configuration
func (m *Manager) Reload() error {
	return m.loadConfig()
}

// Validate validates the configuration
func (m *Manager) Validate() error {
	config := m.config

	switch config.Mode {
	case domain.ModeCurated, domain.ModeLive:
	default:
		return fmt.Errorf("invalid mode %q: must be curated or live", config.Mode)
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Knowledge.Source {
	case "embedded":
	case "file":
		if config.Knowledge.Path == "" {
			return fmt.Errorf("knowledge.path is required for the file source")
		}
	case "postgres":
		if !config.Database.Enabled {
			return fmt.Errorf("knowledge source postgres requires database.enabled")
		}
	default:
		return fmt.Errorf("invalid knowledge source: %s", config.Knowledge.Source)
	}

	switch config.Dataset.Backend {
	case "none", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid dataset backend: %s", config.Dataset.Backend)
	}

	t := config.Training
	if t.MinExamples < 1 {
		return fmt.Errorf("training.min_examples must be positive")
	}
	if t.TestFraction <= 0 || t.TestFraction >= 1 {
		return fmt.Errorf("training.test_fraction must be within (0, 1)")
	}
	if t.NGramMin < 1 || t.NGramMax < t.NGramMin {
		return fmt.Errorf("invalid n-gram range %d..%d", t.NGramMin, t.NGramMax)
	}
	if t.MaxFeatures < 1 {
		return fmt.Errorf("training.max_features must be positive")
	}
	if len(t.Candidates) == 0 {
		return fmt.Errorf("at least one training candidate is required")
	}

	inf := config.Inference
	if inf.TopN < 1 {
		return fmt.Errorf("inference.top_n must be positive")
	}
	if inf.MinProbability < 0 || inf.MinProbability >= 1 {
		return fmt.Errorf("inference.min_probability must be within [0, 1)")
	}

	switch config.Cache.Backend {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("invalid cache backend: %s", config.Cache.Backend)
	}
	if config.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	r := config.Cache.Retry
	if r.MaxRetries < 0 || r.Multiplier < 1 || r.AttemptTimeout <= 0 {
		return fmt.Errorf("invalid cache retry policy")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[strings.ToLower(config.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}

	return nil
}

// DatabaseURL returns a postgres URL for migrate and database/sql users.
func (m *Manager) DatabaseURL() string {
	return DatabaseURL(m.config.Database)
}

// DatabaseURL formats cfg as a postgres connection URL.
func DatabaseURL(cfg domain.DatabaseConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.Username, cfg.Password),
		Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=" + url.QueryEscape(cfg.SSLMode),
	}
	return u.String()
}
