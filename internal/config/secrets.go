package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Placeholder values that must never reach a running service.
var commonPlaceholders = []string{
	"changeme",
	"change_me_in_production",
	"your_api_key",
	"your_secret",
	"test123",
	"password",
	"secret",
	"example",
	"sample",
	"default",
}

// secretSpec maps one secret to its Vault location and env fallback.
type secretSpec struct {
	name    string
	envVar  string
	path    string // KV v2 path under the mount
	key     string
	apply   func(cfg *Config, value string)
	require bool // required in production
}

func secretSpecs() []secretSpec {
	return []secretSpec{
		{
			name: "approval signing secret", envVar: "TRADEHIVE_APPROVAL_SECRET",
			path: "tradehive/approval", key: "hmac_secret",
			apply: func(c *Config, v string) { c.Approval.Secret = v }, require: true,
		},
		{
			name: "database password", envVar: "TRADEHIVE_DATABASE_PASSWORD",
			path: "tradehive/database", key: "password",
			apply: func(c *Config, v string) { c.Database.Password = v },
		},
		{
			name: "redis password", envVar: "TRADEHIVE_REDIS_PASSWORD",
			path: "tradehive/redis", key: "password",
			apply: func(c *Config, v string) { c.Redis.Password = v },
		},
		{
			name: "llm api key", envVar: "TRADEHIVE_LLM_API_KEY",
			path: "tradehive/llm", key: "api_key",
			apply: func(c *Config, v string) { c.LLM.APIKey = v },
		},
		{
			name: "alpaca api key", envVar: "TRADEHIVE_ALPACA_API_KEY",
			path: "tradehive/brokers/alpaca", key: "api_key",
			apply: func(c *Config, v string) { c.Brokers.Alpaca.APIKey = v },
		},
		{
			name: "alpaca api secret", envVar: "TRADEHIVE_ALPACA_API_SECRET",
			path: "tradehive/brokers/alpaca", key: "api_secret",
			apply: func(c *Config, v string) { c.Brokers.Alpaca.APISecret = v },
		},
		{
			name: "binance api key", envVar: "TRADEHIVE_BINANCE_API_KEY",
			path: "tradehive/brokers/binance", key: "api_key",
			apply: func(c *Config, v string) { c.Brokers.Binance.APIKey = v },
		},
		{
			name: "binance api secret", envVar: "TRADEHIVE_BINANCE_API_SECRET",
			path: "tradehive/brokers/binance", key: "api_secret",
			apply: func(c *Config, v string) { c.Brokers.Binance.APISecret = v },
		},
	}
}

// LoadSecrets fills secret-bearing config fields. When VAULT_ADDR is set a
// Vault KV v2 mount is consulted first; environment variables fill anything
// Vault did not provide. Values already present in cfg are kept.
func LoadSecrets(ctx context.Context, cfg *Config) error {
	var vc *vault.Client
	if addr := os.Getenv("VAULT_ADDR"); addr != "" {
		var err error
		vc, err = newVaultClient(addr)
		if err != nil {
			return fmt.Errorf("vault client: %w", err)
		}
		log.Info().Str("vault_addr", addr).Msg("Loading secrets from Vault")
	}

	for _, spec := range secretSpecs() {
		value := ""
		if vc != nil {
			v, err := readVaultSecret(ctx, vc, spec.path, spec.key)
			if err != nil {
				log.Debug().Err(err).Str("path", spec.path).Msg("Vault secret not available")
			} else {
				value = v
			}
		}
		if value == "" {
			value = os.Getenv(spec.envVar)
		}
		if value == "" {
			continue
		}
		if err := rejectPlaceholder(spec.name, value); err != nil {
			return err
		}
		spec.apply(cfg, value)
	}

	if cfg.App.Environment == "production" {
		for _, spec := range secretSpecs() {
			if spec.require && !specSatisfied(cfg, spec) {
				return fmt.Errorf("%s is required in production (set %s or Vault %s#%s)",
					spec.name, spec.envVar, spec.path, spec.key)
			}
		}
	}
	return nil
}

func specSatisfied(cfg *Config, spec secretSpec) bool {
	switch spec.envVar {
	case "TRADEHIVE_APPROVAL_SECRET":
		return cfg.Approval.Secret != ""
	default:
		return true
	}
}

func rejectPlaceholder(name, value string) error {
	lower := strings.ToLower(value)
	for _, p := range commonPlaceholders {
		if lower == p {
			return fmt.Errorf("%s appears to be a placeholder value (%q)", name, value)
		}
	}
	return nil
}

func newVaultClient(addr string) (*vault.Client, error) {
	conf := vault.DefaultConfig()
	conf.Address = addr
	client, err := vault.NewClient(conf)
	if err != nil {
		return nil, err
	}
	if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	return client, nil
}

// readVaultSecret reads one key from a KV v2 secret mounted at "secret/".
func readVaultSecret(ctx context.Context, client *vault.Client, path, key string) (string, error) {
	secret, err := client.KVv2("secret").Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %s is empty", path)
	}
	raw, ok := secret.Data[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", path, key)
	}
	value, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("secret %s key %q is not a string", path, key)
	}
	return value, nil
}
