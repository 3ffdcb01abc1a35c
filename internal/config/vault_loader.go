// Package config loads job settings from flags, the environment, dotenv files
// and Vault.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// VaultSecretsDir is the default mount path for Vault agent secrets
	VaultSecretsDir = "/vault/secrets"
	// DefaultTimeout is the default timeout for waiting for secrets
	DefaultTimeout = 120 * time.Second
	// PollInterval is how often to check for secret files
	PollInterval = 2 * time.Second
)

// timeSource lets tests inject fake time.
type timeSource interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realTime struct{}

func (realTime) Now() time.Time                         { return time.Now() }
func (realTime) After(d time.Duration) <-chan time.Time { return time.After(d) }

// VaultLoader reads variables from the environment, falling back to files
// rendered by a Vault agent, one file per variable.
type VaultLoader struct {
	secretsDir string
	timeout    time.Duration
	timeSource timeSource
}

// NewVaultLoader creates a loader for VAULT_SECRETS_DIR, or /vault/secrets.
func NewVaultLoader() *VaultLoader {
	secretsDir := os.Getenv("VAULT_SECRETS_DIR")
	if secretsDir == "" {
		secretsDir = VaultSecretsDir
	}

	return &VaultLoader{
		secretsDir: secretsDir,
		timeout:    DefaultTimeout,
		timeSource: realTime{},
	}
}

// LoadEnv returns the value of key from the environment or the secrets
// directory. A required key that is missing is waited for until the loader
// timeout or ctx expires.
func (v *VaultLoader) LoadEnv(ctx context.Context, key string, required bool) (string, error) {
	if value := os.Getenv(key); value != "" {
		slog.Debug("using environment variable", "key", key)
		return value, nil
	}

	secretPath := filepath.Join(v.secretsDir, key)
	if !required {
		if value, err := readSecretFile(secretPath); err == nil && value != "" {
			slog.Debug("loaded optional variable from vault agent", "key", key)
			return value, nil
		}
		return "", nil
	}

	slog.Info("waiting for required variable", "key", key, "timeout", v.timeout)
	return v.waitForSecret(ctx, key, secretPath)
}

// readSecretFile reads a secret, trimming the trailing newline agents write.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func (v *VaultLoader) waitForSecret(ctx context.Context, key, path string) (string, error) {
	start := v.timeSource.Now()
	deadline := start.Add(v.timeout)

	for {
		value, err := readSecretFile(path)
		if err == nil && value != "" {
			slog.Info("loaded required variable from vault agent",
				"key", key,
				"elapsed", v.timeSource.Now().Sub(start).Round(time.Second))
			return value, nil
		}

		if v.timeSource.Now().After(deadline) {
			return "", fmt.Errorf("timeout waiting for required variable %s after %v", key, v.timeout)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for required variable %s: %w", key, ctx.Err())
		case <-v.timeSource.After(PollInterval):
		}
	}
}
