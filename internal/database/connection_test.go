package database

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	appconfig "github.com/medical-dx-engine/internal/config"
	"github.com/medical-dx-engine/internal/domain"
)

func TestConfigFromDomain(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:     "db.internal",
		Database: "meddx",
		Username: "dx",
		Password: "p@ss word",
	})

	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, int32(10), cfg.MaxConns)
	assert.Equal(t, time.Hour, cfg.MaxConnLife)
	assert.Equal(t, "p@ss word", cfg.Password)
}

func TestConfig_PoolConfig(t *testing.T) {
	cfg := ConfigFromDomain(domain.DatabaseConfig{
		Host:     "db.internal",
		Port:     6543,
		Database: "meddx",
		Username: "dx",
		Password: "p@ss word=1",
		MinConns: 2,
	})

	pc, err := cfg.PoolConfig()
	require.NoError(t, err)

	assert.Equal(t, "db.internal", pc.ConnConfig.Host)
	assert.Equal(t, uint16(6543), pc.ConnConfig.Port)
	assert.Equal(t, "meddx", pc.ConnConfig.Database)
	assert.Equal(t, "dx", pc.ConnConfig.User)
	assert.Equal(t, "p@ss word=1", pc.ConnConfig.Password)
	assert.Equal(t, ApplicationName, pc.ConnConfig.RuntimeParams["application_name"])
	assert.Equal(t, int32(10), pc.MaxConns)
	assert.Equal(t, int32(2), pc.MinConns)
	assert.Equal(t, 30*time.Minute, pc.MaxConnIdleTime)

	t.Run("Invalid_SSL_Mode", func(t *testing.T) {
		cfg.SSLMode = "sometimes"
		_, err := cfg.PoolConfig()
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestDatabaseConnectionAndMigrations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dbConfig := domain.DatabaseConfig{
		Host:     host,
		Port:     port.Int(),
		Database: "testdb",
		Username: "testuser",
		Password: "testpass",
		SSLMode:  "disable",
		MinConns: 2,
	}
	config := ConfigFromDomain(dbConfig)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)

	runner, err := NewMigrationRunner(appconfig.DatabaseURL(dbConfig), logger)
	require.NoError(t, err)
	defer runner.Close()

	require.NoError(t, runner.Up(ctx))
	version, dirty, err := runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, runner.Up(ctx))

	db, err := NewConnection(ctx, config, logger)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Health(ctx))

	missing, err := db.MissingTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, missing)

	var tables int
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name IN ('conditions', 'training_examples')`,
	).Scan(&tables)
	require.NoError(t, err)
	assert.Equal(t, 2, tables)

	stats := db.Stats()
	assert.NotZero(t, stats.TotalConns())

	require.NoError(t, runner.Down(ctx))
	version, _, err = runner.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	missing, err = db.MissingTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"training_examples"}, missing)
}
