package database

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/medical-dx-engine/internal/domain"
)

// ApplicationName is reported to postgres as application_name.
const ApplicationName = "meddx"

// RequiredTables are the tables the condition repository and the example
// store read and write.
var RequiredTables = []string{"conditions", "training_examples"}

// Config holds the pool settings for the engine's postgres database.
type Config struct {
	Host        string
	Port        int
	Database    string
	Username    string
	Password    string
	SSLMode     string
	MaxConns    int32
	MinConns    int32
	MaxConnLife time.Duration
	MaxConnIdle time.Duration
}

// ConfigFromDomain converts the application database settings.
func ConfigFromDomain(c domain.DatabaseConfig) Config {
	cfg := Config{
		Host:        c.Host,
		Port:        c.Port,
		Database:    c.Database,
		Username:    c.Username,
		Password:    c.Password,
		SSLMode:     c.SSLMode,
		MaxConns:    c.MaxConns,
		MinConns:    c.MinConns,
		MaxConnLife: c.ConnMaxLifetime,
		MaxConnIdle: c.ConnMaxIdle,
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MaxConnLife <= 0 {
		cfg.MaxConnLife = time.Hour
	}
	if cfg.MaxConnIdle <= 0 {
		cfg.MaxConnIdle = 30 * time.Minute
	}
	return cfg
}

// PoolConfig builds the pgx pool settings. Credentials are set on the
// connection config directly so they never pass through a DSN string.
func (c Config) PoolConfig() (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig("sslmode=" + c.SSLMode)
	if err != nil {
		return nil, fmt.Errorf("%w: ssl_mode %q: %v", domain.ErrInvalidInput, c.SSLMode, err)
	}
	conn := poolConfig.ConnConfig
	conn.Host = c.Host
	conn.Port = uint16(c.Port)
	conn.Database = c.Database
	conn.User = c.Username
	conn.Password = c.Password
	conn.RuntimeParams["application_name"] = ApplicationName
	for _, fb := range conn.Fallbacks {
		fb.Host = c.Host
		fb.Port = uint16(c.Port)
	}

	poolConfig.MaxConns = c.MaxConns
	poolConfig.MinConns = c.MinConns
	poolConfig.MaxConnLifetime = c.MaxConnLife
	poolConfig.MaxConnIdleTime = c.MaxConnIdle
	return poolConfig, nil
}

// DB wraps the pool shared by the condition repository and health checks.
type DB struct {
	Pool *pgxpool.Pool
	log  *logrus.Entry
}

// NewConnection opens and pings the pool.
func NewConnection(ctx context.Context, config Config, logger *logrus.Logger) (*DB, error) {
	poolConfig, err := config.PoolConfig()
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: creating connection pool: %v", domain.ErrDataUnavailable, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pinging %s:%d/%s: %v", domain.ErrDataUnavailable, config.Host, config.Port, config.Database, err)
	}

	log := logger.WithFields(logrus.Fields{
		"component": "database",
		"database":  config.Database,
	})
	log.WithFields(logrus.Fields{
		"host":      config.Host,
		"port":      config.Port,
		"max_conns": config.MaxConns,
		"min_conns": config.MinConns,
	}).Info("Database connection pool established")

	return &DB{Pool: pool, log: log}, nil
}

// Close closes the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info("Database connection pool closed")
	}
}

// Health pings the database.
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// MissingTables lists the RequiredTables absent from the current schema.
func (db *DB) MissingTables(ctx context.Context) ([]string, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT table_name FROM information_schema.tables
		 WHERE table_schema = current_schema() AND table_name = ANY($1)`,
		RequiredTables)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	present := make(map[string]bool, len(RequiredTables))
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		present[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var missing []string
	for _, t := range RequiredTables {
		if !present[t] {
			missing = append(missing, t)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// Stats returns connection pool statistics
func (db *DB) Stats() *pgxpool.Stat {
	return db.Pool.Stat()
}
