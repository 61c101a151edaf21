package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Credentials is a decrypted API key pair for one user on one broker
// environment. Held only for the lifetime of a session; callers must not
// persist it.
type Credentials struct {
	APIKey      string
	APISecret   string
	Environment string // "live" or "testnet"
}

// CredentialsProvider resolves credentials for a user/broker/environment
// triple. The engine receives decrypted credentials; encryption at rest is the
// secret store's concern.
type CredentialsProvider interface {
	Resolve(ctx context.Context, userID, brokerID, environment string) (Credentials, error)
	// Ready reports whether the provider can serve lookups.
	Ready(ctx context.Context) bool
}

// ================================================
// Environment-variable provider
// ================================================

// EnvCredentialsProvider reads credentials from environment variables of the
// form DERIVD_CRED_{USER}_{BROKER}_{ENV}_KEY / _SECRET. Suitable for
// single-operator deployments and tests.
type EnvCredentialsProvider struct{}

// NewEnvCredentialsProvider creates an environment-backed provider.
func NewEnvCredentialsProvider() *EnvCredentialsProvider {
	return &EnvCredentialsProvider{}
}

func envName(userID, brokerID, environment, field string) string {
	norm := func(s string) string {
		return strings.ToUpper(strings.NewReplacer("-", "_", ".", "_").Replace(s))
	}
	return fmt.Sprintf("DERIVD_CRED_%s_%s_%s_%s", norm(userID), norm(brokerID), norm(environment), field)
}

// Resolve looks up the key pair in the process environment.
func (p *EnvCredentialsProvider) Resolve(_ context.Context, userID, brokerID, environment string) (Credentials, error) {
	key := os.Getenv(envName(userID, brokerID, environment, "KEY"))
	secret := os.Getenv(envName(userID, brokerID, environment, "SECRET"))
	if key == "" || secret == "" {
		return Credentials{}, fmt.Errorf("no credentials configured for user=%s broker=%s env=%s",
			userID, brokerID, environment)
	}
	return Credentials{APIKey: key, APISecret: secret, Environment: environment}, nil
}

// Ready always succeeds; the environment is always reachable.
func (p *EnvCredentialsProvider) Ready(_ context.Context) bool {
	return true
}

// ================================================
// HashiCorp Vault provider
// ================================================

// VaultConfig holds Vault connection configuration.
type VaultConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Address    string `mapstructure:"address"`
	Token      string `mapstructure:"token"`       // from VAULT_TOKEN when empty
	MountPath  string `mapstructure:"mount_path"`  // default "secret"
	SecretPath string `mapstructure:"secret_path"` // base path, e.g. "derivd/production"
}

// VaultCredentialsProvider resolves credentials from a Vault KV v2 mount at
// {mount}/data/{base}/{userID}/{brokerID}/{environment}.
type VaultCredentialsProvider struct {
	client *vault.Client
	cfg    VaultConfig

	mu    sync.RWMutex
	cache map[string]Credentials
}

// NewVaultCredentialsProvider creates a Vault-backed provider.
func NewVaultCredentialsProvider(cfg VaultConfig) (*VaultCredentialsProvider, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vault is not enabled in configuration")
	}

	vaultCfg := vault.DefaultConfig()
	vaultCfg.Address = cfg.Address

	client, err := vault.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	token := cfg.Token
	if token == "" {
		token = os.Getenv("VAULT_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("no Vault token available (set vault.token or VAULT_TOKEN)")
	}
	client.SetToken(token)

	if cfg.MountPath == "" {
		cfg.MountPath = "secret"
	}

	log.Info().
		Str("address", cfg.Address).
		Str("mount", cfg.MountPath).
		Str("base_path", cfg.SecretPath).
		Msg("Vault credentials provider initialized")

	return &VaultCredentialsProvider{
		client: client,
		cfg:    cfg,
		cache:  make(map[string]Credentials),
	}, nil
}

// Resolve reads the key pair from Vault, caching per triple for the process
// lifetime. Rotation requires a restart or an explicit cache flush.
func (p *VaultCredentialsProvider) Resolve(ctx context.Context, userID, brokerID, environment string) (Credentials, error) {
	cacheKey := fmt.Sprintf("%s/%s/%s", userID, brokerID, environment)

	p.mu.RLock()
	if creds, ok := p.cache[cacheKey]; ok {
		p.mu.RUnlock()
		return creds, nil
	}
	p.mu.RUnlock()

	fullPath := fmt.Sprintf("%s/data/%s/%s", p.cfg.MountPath, p.cfg.SecretPath, cacheKey)

	log.Debug().Str("path", fullPath).Msg("Reading credentials from Vault")

	secret, err := p.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials from Vault: %w", err)
	}
	if secret == nil {
		return Credentials{}, fmt.Errorf("no credentials at path: %s", fullPath)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return Credentials{}, fmt.Errorf("unexpected secret shape at path: %s", fullPath)
	}

	apiKey, _ := data["api_key"].(string)
	apiSecret, _ := data["api_secret"].(string)
	if apiKey == "" || apiSecret == "" {
		return Credentials{}, fmt.Errorf("credentials at %s missing api_key or api_secret", fullPath)
	}

	creds := Credentials{APIKey: apiKey, APISecret: apiSecret, Environment: environment}

	p.mu.Lock()
	p.cache[cacheKey] = creds
	p.mu.Unlock()

	return creds, nil
}

// Ready probes Vault health.
func (p *VaultCredentialsProvider) Ready(ctx context.Context) bool {
	health, err := p.client.Sys().HealthWithContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Vault health check failed")
		return false
	}
	return health.Initialized && !health.Sealed
}

// Flush clears the credential cache (after a rotation).
func (p *VaultCredentialsProvider) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]Credentials)
}

// NewCredentialsProvider picks the Vault provider when enabled, otherwise the
// environment provider.
func NewCredentialsProvider(cfg VaultConfig) (CredentialsProvider, error) {
	if cfg.Enabled {
		return NewVaultCredentialsProvider(cfg)
	}
	return NewEnvCredentialsProvider(), nil
}
