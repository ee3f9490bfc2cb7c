package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, StoreBolt, cfg.StoreDriver)
	assert.Equal(t, PolicyOpen, cfg.CommitteePolicy)
	assert.Equal(t, 30*time.Second, cfg.LiftInterval)
	assert.False(t, cfg.AllowBulkDelete)
	assert.False(t, cfg.Production())
	assert.Empty(t, cfg.MeiliURL)
}

func TestLoadReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("QUORUM_COMMITTEE_POLICY=owner\nQUORUM_LIFT_INTERVAL=5s\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("QUORUM_COMMITTEE_POLICY")
		os.Unsetenv("QUORUM_LIFT_INTERVAL")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PolicyOwner, cfg.CommitteePolicy)
	assert.Equal(t, 5*time.Second, cfg.LiftInterval)
}

func TestLoadRejectsUnknownStore(t *testing.T) {
	t.Setenv("QUORUM_STORE", "sqlite")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)

	t.Setenv("QUORUM_JWT_SECRET", "s3cret")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.True(t, cfg.Production())
}
