package domain

import (
	"time"
)

// Mode selects between the offline curated deployment and the live one.
type Mode string

const (
	ModeCurated Mode = "curated"
	ModeLive    Mode = "live"
)

// Config represents the main application configuration
type Config struct {
	Mode         Mode              `mapstructure:"mode"`
	Server       ServerConfig      `mapstructure:"server"`
	Logging      LoggingConfig     `mapstructure:"logging"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Knowledge    KnowledgeConfig   `mapstructure:"knowledge"`
	Dataset      DatasetConfig     `mapstructure:"dataset"`
	Training     TrainingConfig    `mapstructure:"training"`
	Artifacts    ArtifactConfig    `mapstructure:"artifacts"`
	Inference    InferenceConfig   `mapstructure:"inference"`
	Cache        CacheConfig       `mapstructure:"cache"`
	ExternalAPI  ExternalAPIConfig `mapstructure:"external_api"`
	Interactions InteractionConfig `mapstructure:"interactions"`
	Scheduler    SchedulerConfig   `mapstructure:"scheduler"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
}

// IsCurated reports whether the deployment runs without live external services.
func (c *Config) IsCurated() bool {
	return c.Mode != ModeLive
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	// RateLimit is requests per second across all clients; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig represents database connection configuration
type DatabaseConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdle     time.Duration `mapstructure:"conn_max_idle"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// KnowledgeConfig selects where condition records live.
type KnowledgeConfig struct {
	// Source is one of embedded, file or postgres.
	Source string `mapstructure:"source"`
	Path   string `mapstructure:"path"`
}

// DatasetConfig selects the store for clinician-labeled examples.
type DatasetConfig struct {
	// Backend is one of none, sqlite or postgres.
	Backend     string `mapstructure:"backend"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresURL string `mapstructure:"postgres_url"`
}

// TrainingConfig holds the trainer and candidate hyperparameters.
type TrainingConfig struct {
	MinExamples    int                 `mapstructure:"min_examples"`
	TestFraction   float64             `mapstructure:"test_fraction"`
	Seed           int64               `mapstructure:"seed"`
	MaxFeatures    int                 `mapstructure:"max_features"`
	NGramMin       int                 `mapstructure:"ngram_min"`
	NGramMax       int                 `mapstructure:"ngram_max"`
	StopWords      bool                `mapstructure:"stop_words"`
	Candidates     []string            `mapstructure:"candidates"`
	Parallelism    int                 `mapstructure:"parallelism"`
	RandomForest   RandomForestConfig  `mapstructure:"random_forest"`
	Boosting       GradientBoostConfig `mapstructure:"gradient_boosting"`
	Logistic       LogisticConfig      `mapstructure:"logistic_regression"`
	PriorityLabels []string            `mapstructure:"priority_labels"`
}

// RandomForestConfig configures the tree ensemble candidate.
type RandomForestConfig struct {
	Trees           int `mapstructure:"trees"`
	MaxDepth        int `mapstructure:"max_depth"`
	MinSamplesSplit int `mapstructure:"min_samples_split"`
}

// GradientBoostConfig configures the boosted ensemble candidate.
type GradientBoostConfig struct {
	Rounds       int     `mapstructure:"rounds"`
	LearningRate float64 `mapstructure:"learning_rate"`
	MaxDepth     int     `mapstructure:"max_depth"`
}

// LogisticConfig configures the linear candidate.
type LogisticConfig struct {
	MaxIter      int     `mapstructure:"max_iter"`
	C            float64 `mapstructure:"c"`
	LearningRate float64 `mapstructure:"learning_rate"`
	Tolerance    float64 `mapstructure:"tolerance"`
}

// ArtifactConfig controls where model artifacts are written and kept.
type ArtifactConfig struct {
	Dir    string `mapstructure:"dir"`
	Retain int    `mapstructure:"retain"`
}

// InferenceConfig holds the thresholds of the inference path.
type InferenceConfig struct {
	TopN               int     `mapstructure:"top_n"`
	MinProbability     float64 `mapstructure:"min_probability"`
	FastPathConfidence float64 `mapstructure:"fast_path_confidence"`
	FeverConfidence    float64 `mapstructure:"fever_confidence"`
	FallbackConfidence float64 `mapstructure:"fallback_confidence"`
}

// CacheConfig configures the external reference cache.
type CacheConfig struct {
	// Backend is one of memory, sqlite or redis.
	Backend    string        `mapstructure:"backend"`
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
	SQLitePath string        `mapstructure:"sqlite_path"`
	Redis      RedisConfig   `mapstructure:"redis"`
	Retry      RetryConfig   `mapstructure:"retry"`
	Breaker    BreakerConfig `mapstructure:"breaker"`
}

// RedisConfig holds the redis connection options.
type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	StaleFor  time.Duration `mapstructure:"stale_for"`
}

// RetryConfig is the single retry policy used for every external call.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

// BreakerConfig configures the per-source circuit breakers.
type BreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MinRequests  uint32        `mapstructure:"min_requests"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// ExternalAPIConfig represents external API configuration
type ExternalAPIConfig struct {
	PubMed  APIClientConfig `mapstructure:"pubmed"`
	OpenFDA APIClientConfig `mapstructure:"openfda"`
	RxNorm  APIClientConfig `mapstructure:"rxnorm"`
	GHO     GHOConfig       `mapstructure:"gho"`
}

// APIClientConfig is shared by the HTTP reference clients.
type APIClientConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	APIKey    string        `mapstructure:"api_key"`
	Email     string        `mapstructure:"email"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit int           `mapstructure:"rate_limit"`
}

// GHOConfig configures the global health indicator client.
type GHOConfig struct {
	APIClientConfig `mapstructure:",squash"`
	// Indicators maps canonical condition names to indicator codes.
	Indicators map[string][]string `mapstructure:"indicators"`
}

// InteractionConfig configures the drug interaction resolver.
type InteractionConfig struct {
	Concurrency           int  `mapstructure:"concurrency"`
	AdverseEventThreshold int  `mapstructure:"adverse_event_threshold"`
	NormalizeNames        bool `mapstructure:"normalize_names"`
}

// SchedulerConfig configures periodic jobs.
type SchedulerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	RetrainSpec string `mapstructure:"retrain_spec"`
	EnrichSpec  string `mapstructure:"enrich_spec"`
}

// MetricsConfig toggles the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}
