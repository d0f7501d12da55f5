package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoad_ReadsRepositoryConfig(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.True(t, cfg.Database.IsSQLite())
	require.Equal(t, 4, cfg.Sync.MaxCascadeDepth)
	require.Equal(t, 5*time.Minute, cfg.Sync.TransitStaleAfter)
	require.Equal(t, time.Minute, cfg.Sync.SweepInterval)
	require.False(t, cfg.Redis.Enabled)
}

func TestSetDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 10, cfg.Database.PoolSize)
	require.Equal(t, "filtered-relation:refresh", cfg.Redis.Channel)
	require.Equal(t, time.Minute, cfg.Sync.SweepInterval)
	require.True(t, cfg.Metrics.Enabled)
	require.Equal(t, "info", cfg.LogLevel)
}

func TestDSN(t *testing.T) {
	sqlite := DatabaseConfig{Driver: "sqlite", Path: "./data", Name: "app"}
	require.Equal(t, "./data/app.db", sqlite.DSN())

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "app"}
	require.Equal(t, "postgres://u:p@db:5432/app?sslmode=disable", pg.DSN())
	require.False(t, pg.IsSQLite())
}
