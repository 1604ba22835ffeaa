package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, uint32(1000), cfg.Ratchet.SkipWindow)
	assert.Equal(t, 20, cfg.Keys.OneTimePreKeys)
	assert.Equal(t, 720*time.Hour, cfg.Keys.SignedPreKeyTTL)
	assert.Equal(t, "localhost:9090", cfg.Server.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "securemsg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ratchet:
  skip_window: 64
client:
  user: alice
  device: phone
`), 0o600))

	t.Setenv("SECUREMSG_REDIS_ADDR", "redis:6380")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("device", "", "")
	require.NoError(t, flags.Parse([]string{"--device", "laptop"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, uint32(64), cfg.Ratchet.SkipWindow)
	assert.Equal(t, "alice", cfg.Client.User)
	assert.Equal(t, "laptop", cfg.Client.Device)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
}

func TestValidateRejectsZeroWindow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ratchet:\n  skip_window: 0\n"), 0o600))

	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestValidateRejectsUnknownState(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("SECUREMSG_CLIENT_STATE", "sqlite")

	_, err := Load("", nil)
	require.ErrorContains(t, err, "client.state")
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
