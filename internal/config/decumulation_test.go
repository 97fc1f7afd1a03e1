package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewDecumulationConfigHolder_DefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	holder, err := NewDecumulationConfigHolder(zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, DefaultDecumulationConfig(), holder.Get())
}

func TestNewDecumulationConfigHolder_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	content := []byte("decumulation:\n  entriesThreshold: 9000\n  exitsThreshold: 8000\n  maxSeedAge: 168h\n  workers: 4\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "turnstile.yml"), content, 0o600))

	holder, err := NewDecumulationConfigHolder(zap.NewNop())
	require.NoError(t, err)

	got := holder.Get()
	assert.Equal(t, int64(9000), got.EntriesThreshold)
	assert.Equal(t, int64(8000), got.ExitsThreshold)
	assert.Equal(t, 168*time.Hour, got.MaxSeedAge)
	assert.Equal(t, 4, got.Workers)
}

func TestNewDecumulationConfigHolder_RejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	content := []byte("decumulation:\n  entriesThreshold: 0\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "turnstile.yml"), content, 0o600))

	_, err := NewDecumulationConfigHolder(zap.NewNop())
	assert.Error(t, err)
}

func TestValidateDecumulationConfig(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*DecumulationConfig)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*DecumulationConfig) {}},
		{name: "zero entries threshold", mutate: func(c *DecumulationConfig) { c.EntriesThreshold = 0 }, wantErr: true},
		{name: "negative exits threshold", mutate: func(c *DecumulationConfig) { c.ExitsThreshold = -1 }, wantErr: true},
		{name: "negative seed age", mutate: func(c *DecumulationConfig) { c.MaxSeedAge = -time.Hour }, wantErr: true},
		{name: "negative workers", mutate: func(c *DecumulationConfig) { c.Workers = -2 }, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultDecumulationConfig()
			tc.mutate(&cfg)
			err := validateDecumulationConfig(cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestLoad_ReadsIngestEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("INGEST_DATA_DIR", "/srv/turnstile")
	t.Setenv("INGEST_BATCH_TIMEOUT", "90s")
	t.Setenv("INGEST_SKIP_COMMITTED", "false")
	t.Setenv("DATABASE_TYPE", "SQLite")

	cfg := Load()

	assert.Equal(t, "/srv/turnstile", cfg.Ingest.DataDir)
	assert.Equal(t, 90*time.Second, cfg.Ingest.BatchTimeout)
	assert.False(t, cfg.Ingest.SkipCommitted)
	assert.True(t, cfg.IsSQLite())
	assert.Equal(t, 500, cfg.Ingest.InsertChunkSize)
}
