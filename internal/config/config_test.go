package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const networksJSON = `{
  "31337": {"name": "localhost", "nft": {"address": "0x5FbDB2315678afecb367f032d93F642f64180aa3"}},
  "11155111": {"name": "sepolia", "nft": {"address": "0x0000000000000000000000000000000000001234"}, "confirmationTimeoutSeconds": 300}
}`

func writeNetworks(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("NETWORKS_PATH", writeNetworks(t, networksJSON))
	t.Setenv("INFERENCE_API_KEY", "hf-key")
	t.Setenv("STORAGE_API_KEY", "storage-key")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Service.HTTPPort)
	assert.Equal(t, "memory", cfg.Service.IdempotencyBackend)
	assert.Equal(t, 5*time.Minute, cfg.Inference.Timeout)
	assert.Equal(t, defaultInferenceURL, cfg.Inference.URL)
	assert.Equal(t, defaultGateway, cfg.Storage.Gateway)
	assert.Equal(t, "hf-key", cfg.Credentials.InferenceAPIKey)
	assert.Equal(t, "storage-key", cfg.Credentials.StorageAPIKey)
	assert.False(t, cfg.Chain.HasSigner())
	assert.Len(t, cfg.Networks, 2)
}

func TestLoadReadsDotEnv(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CHAIN_PRIVATE_KEY=abc123\nAPI_HTTP_PORT=4100\n"), 0o600))
	t.Setenv("ENV_FILE", envPath)
	t.Setenv("NETWORKS_PATH", writeNetworks(t, networksJSON))
	t.Cleanup(func() {
		os.Unsetenv("CHAIN_PRIVATE_KEY")
		os.Unsetenv("API_HTTP_PORT")
	})

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 4100, cfg.Service.HTTPPort)
	assert.True(t, cfg.Chain.HasSigner())
}

func TestLoadRejectsBadAddress(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("NETWORKS_PATH", writeNetworks(t, `{"1": {"nft": {"address": "nope"}}}`))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid nft address")
}

func TestLoadRequiresBackendSettings(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("NETWORKS_PATH", writeNetworks(t, networksJSON))
	t.Setenv("IDEMPOTENCY_BACKEND", "redis")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_ADDR")
}

func TestLoadRejectsNonPositiveWindow(t *testing.T) {
	for _, window := range []string{"0", "-60"} {
		t.Run(window, func(t *testing.T) {
			t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
			t.Setenv("NETWORKS_PATH", writeNetworks(t, networksJSON))
			t.Setenv("IDEMPOTENCY_WINDOW_SECONDS", window)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "IDEMPOTENCY_WINDOW_SECONDS")
		})
	}
}

func TestNetworksLookup(t *testing.T) {
	path := writeNetworks(t, networksJSON)
	networks, err := loadNetworks(path)
	require.NoError(t, err)

	local, ok := networks.Lookup(big.NewInt(31337))
	require.True(t, ok)
	assert.Equal(t, "localhost", local.Name)
	assert.Equal(t, defaultConfirmationTimeout, local.ConfirmationTimeout())

	sepolia, ok := networks.Lookup(big.NewInt(11155111))
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, sepolia.ConfirmationTimeout())

	_, ok = networks.Lookup(big.NewInt(1))
	assert.False(t, ok)
	_, ok = networks.Lookup(nil)
	assert.False(t, ok)
}
