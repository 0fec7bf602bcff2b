package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigReadsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "conf.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
name: approval-service
server:
  addr: ":9090"
storage:
  driver: memory
engine:
  leaseDuration: 1m
  sweepInterval: 5s
`), 0o644))
	t.Setenv("CONFIG_FILE", file)

	c := InitConfig()

	assert.Equal(t, "approval-service", c.Name)
	assert.Equal(t, ":9090", c.Server.Addr)
	assert.Equal(t, StorageDriverMemory, c.Storage.Driver)
	assert.Equal(t, time.Minute, c.Engine.LeaseDuration)
	assert.Equal(t, 5*time.Second, c.Engine.SweepInterval)
}

func TestInitConfigFallsBackToEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("REST_API_ADDR", ":7070")
	t.Setenv("STORAGE_DRIVER", "sqlite")
	t.Setenv("STORAGE_PATH", "/tmp/test.db")

	c := InitConfig()

	assert.Equal(t, "policyflow", c.Name, "default applies")
	assert.Equal(t, ":7070", c.Server.Addr)
	assert.Equal(t, StorageDriverSqlite, c.Storage.Driver)
	assert.Equal(t, "/tmp/test.db", c.Storage.Path)
	assert.Equal(t, 5*time.Minute, c.Engine.LeaseDuration)
}
