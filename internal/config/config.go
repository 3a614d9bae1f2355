package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Network is one entry of the network table (config.json), keyed by chain id.
type Network struct {
	Name string `json:"name"`
	NFT  struct {
		Address string `json:"address"`
	} `json:"nft"`
	ConfirmationTimeoutSecs int `json:"confirmationTimeoutSeconds"`
}

// ConfirmationTimeout bounds the wait for a mint receipt on this network.
func (n Network) ConfirmationTimeout() time.Duration {
	if n.ConfirmationTimeoutSecs <= 0 {
		return defaultConfirmationTimeout
	}
	return time.Duration(n.ConfirmationTimeoutSecs) * time.Second
}

// Networks maps chain id to its deployment.
type Networks map[int64]Network

// Lookup returns the deployment for chainID, if any.
func (n Networks) Lookup(chainID *big.Int) (Network, bool) {
	if chainID == nil || !chainID.IsInt64() {
		return Network{}, false
	}
	network, ok := n[chainID.Int64()]
	return network, ok
}

// AppConfig ties together the network table and the environment derived values.
type AppConfig struct {
	Networks    Networks
	Service     ServiceConfig
	Chain       ChainConfig
	Credentials Credentials
	Inference   InferenceConfig
	Storage     StorageConfig
	Logging     LoggingConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACClockSkew        time.Duration
	IdempotencyBackend   string
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	PostgresDSN          string
	RedisAddr            string
}

type ChainConfig struct {
	RPCURL             string
	PrivateKey         string
	KeystoreDir        string
	KeystoreAccount    string
	KeystorePassphrase string
}

// HasSigner reports whether any signing credential is configured.
func (c ChainConfig) HasSigner() bool {
	return c.PrivateKey != "" || c.KeystoreDir != ""
}

// Credentials are handed to the service clients at construction.
type Credentials struct {
	InferenceAPIKey string
	StorageAPIKey   string
}

type InferenceConfig struct {
	URL     string
	Timeout time.Duration
}

type StorageConfig struct {
	URL     string
	Gateway string
}

type LoggingConfig struct {
	Level  string
	Format string
}

const (
	defaultNetworksPath        = "./config.json"
	defaultEnvPath             = ".env"
	defaultInferenceURL        = "https://api-inference.huggingface.co/models/stabilityai/stable-diffusion-2"
	defaultStorageURL          = "https://api.nft.storage"
	defaultGateway             = "https://ipfs.io/ipfs/"
	defaultConfirmationTimeout = 2 * time.Minute
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	if err := loadDotEnv(envOr("ENV_FILE", defaultEnvPath)); err != nil {
		return nil, fmt.Errorf("load env file: %w", err)
	}

	v := newViper()

	networks, err := loadNetworks(v.GetString("NETWORKS_PATH"))
	if err != nil {
		return nil, fmt.Errorf("load networks: %w", err)
	}

	cfg := &AppConfig{
		Networks: networks,
		Service: ServiceConfig{
			HTTPPort:             v.GetInt("API_HTTP_PORT"),
			HMACSecret:           v.GetString("HMAC_SECRET"),
			HMACClockSkew:        time.Duration(v.GetInt("HMAC_CLOCK_SKEW_SECONDS")) * time.Second,
			IdempotencyBackend:   strings.ToLower(v.GetString("IDEMPOTENCY_BACKEND")),
			IdempotencyWindow:    time.Duration(v.GetInt("IDEMPOTENCY_WINDOW_SECONDS")) * time.Second,
			IdempotencyStorePath: v.GetString("IDEMPOTENCY_STORE_PATH"),
			PostgresDSN:          v.GetString("POSTGRES_DSN"),
			RedisAddr:            v.GetString("REDIS_ADDR"),
		},
		Chain: ChainConfig{
			RPCURL:             v.GetString("CHAIN_RPC_URL"),
			PrivateKey:         v.GetString("CHAIN_PRIVATE_KEY"),
			KeystoreDir:        v.GetString("CHAIN_KEYSTORE_DIR"),
			KeystoreAccount:    v.GetString("CHAIN_KEYSTORE_ACCOUNT"),
			KeystorePassphrase: v.GetString("CHAIN_KEYSTORE_PASSPHRASE"),
		},
		Credentials: Credentials{
			InferenceAPIKey: v.GetString("INFERENCE_API_KEY"),
			StorageAPIKey:   v.GetString("STORAGE_API_KEY"),
		},
		Inference: InferenceConfig{
			URL:     v.GetString("INFERENCE_URL"),
			Timeout: time.Duration(v.GetInt("INFERENCE_TIMEOUT_SECONDS")) * time.Second,
		},
		Storage: StorageConfig{
			URL:     v.GetString("STORAGE_URL"),
			Gateway: v.GetString("IPFS_GATEWAY"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("NETWORKS_PATH", defaultNetworksPath)
	v.SetDefault("API_HTTP_PORT", 3000)
	v.SetDefault("HMAC_CLOCK_SKEW_SECONDS", 60)
	v.SetDefault("IDEMPOTENCY_BACKEND", "memory")
	v.SetDefault("IDEMPOTENCY_WINDOW_SECONDS", 86400)
	v.SetDefault("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "aimint-idem.json"))
	v.SetDefault("INFERENCE_URL", defaultInferenceURL)
	v.SetDefault("INFERENCE_TIMEOUT_SECONDS", 300)
	v.SetDefault("STORAGE_URL", defaultStorageURL)
	v.SetDefault("IPFS_GATEWAY", defaultGateway)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	return v
}

func validate(cfg *AppConfig) error {
	if len(cfg.Networks) == 0 {
		return errors.New("network table is empty")
	}
	for chainID, network := range cfg.Networks {
		if !common.IsHexAddress(network.NFT.Address) {
			return fmt.Errorf("network %d: invalid nft address %q", chainID, network.NFT.Address)
		}
	}
	if cfg.Service.IdempotencyWindow <= 0 {
		return fmt.Errorf("IDEMPOTENCY_WINDOW_SECONDS must be positive, got %s", cfg.Service.IdempotencyWindow)
	}
	switch cfg.Service.IdempotencyBackend {
	case "memory", "file":
	case "postgres":
		if cfg.Service.PostgresDSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres idempotency backend")
		}
	case "redis":
		if cfg.Service.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis idempotency backend")
		}
	default:
		return fmt.Errorf("unknown idempotency backend %q", cfg.Service.IdempotencyBackend)
	}
	return nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

func loadNetworks(path string) (Networks, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var networks Networks
	if err := json.Unmarshal(raw, &networks); err != nil {
		return nil, err
	}
	return networks, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
