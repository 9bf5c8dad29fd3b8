// -------------------------------------------------------------------------------
// Vault Secrets - Database and Redis Credential Resolution
//
// Author: Alex Freidah
//
// Reads a KV v2 secret from HashiCorp Vault at startup and overrides the
// database and Redis passwords from the configuration file. Keeps credentials
// out of the YAML file and out of the process environment.
// -------------------------------------------------------------------------------

package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// Secret keys read from the Vault KV entry.
const (
	vaultKeyDatabasePassword = "database_password"
	vaultKeyRedisPassword    = "redis_password"
)

// ResolveSecrets fetches the configured Vault secret and applies any
// credentials it contains. A no-op when Vault is disabled. When no token is
// configured the client falls back to VAULT_TOKEN from the environment.
func (c *Config) ResolveSecrets(ctx context.Context) error {
	if !c.Vault.Enabled {
		return nil
	}

	vcfg := vault.DefaultConfig()
	vcfg.Address = c.Vault.Address
	if vcfg.Error != nil {
		return fmt.Errorf("failed to build vault config: %w", vcfg.Error)
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return fmt.Errorf("failed to create vault client: %w", err)
	}
	if c.Vault.Token != "" {
		client.SetToken(c.Vault.Token)
	}

	secret, err := client.KVv2(c.Vault.Mount).Get(ctx, c.Vault.Path)
	if err != nil {
		return fmt.Errorf("failed to read vault secret %s/%s: %w", c.Vault.Mount, c.Vault.Path, err)
	}

	if v, ok := secret.Data[vaultKeyDatabasePassword].(string); ok && v != "" {
		c.Database.Password = v
	}
	if v, ok := secret.Data[vaultKeyRedisPassword].(string); ok && v != "" {
		c.Redis.Password = v
	}
	return nil
}
