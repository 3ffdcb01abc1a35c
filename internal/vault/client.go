// Package vault reads job credentials from HashiCorp Vault.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/vault/api"
	"github.com/hashicorp/vault/api/auth/userpass"
)

// Client wraps the Vault API client.
type Client struct {
	client *api.Client
}

// Config holds Vault client configuration. When Username is set the client
// logs in with userpass and Token is ignored.
type Config struct {
	Address       string
	Token         string
	Username      string
	Password      string
	UserpassMount string
}

const (
	defaultUserpassMount = "userpass"

	// Retry configuration for Vault requests
	maxRetries     = 3
	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 2 * time.Second
)

// NewClient creates a Vault client and authenticates it.
func NewClient(ctx context.Context, config *Config) (*Client, error) {
	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = config.Address
	// requests are retried by retryWithBackoff
	vaultConfig.MaxRetries = 0

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	c := &Client{client: client}

	if config.Username == "" {
		if config.Token != "" {
			client.SetToken(config.Token)
		}
		return c, nil
	}

	mount := config.UserpassMount
	if mount == "" {
		mount = defaultUserpassMount
	}
	if err := c.loginUserpass(ctx, mount, config.Username, config.Password); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) loginUserpass(ctx context.Context, mount, username, password string) error {
	auth, err := userpass.NewUserpassAuth(username, &userpass.Password{FromString: password}, userpass.WithMountPath(mount))
	if err != nil {
		return fmt.Errorf("failed to create userpass auth: %w", err)
	}

	secret, err := retryWithBackoff(ctx, "userpass login", func() (*api.Secret, error) {
		return c.client.Auth().Login(ctx, auth)
	})
	if err != nil {
		return fmt.Errorf("vault userpass login failed: %w", err)
	}
	if secret == nil || secret.Auth == nil {
		return fmt.Errorf("vault userpass login returned no auth info")
	}
	slog.Debug("logged in to vault", "mount", mount, "user", username)
	return nil
}

// Token returns the token the client authenticates with.
func (c *Client) Token() string {
	return c.client.Token()
}

// retryWithBackoff retries transient failures of fn with exponential backoff.
func retryWithBackoff[T any](ctx context.Context, operation string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initialBackoff
	b.MaxInterval = maxBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxRetries), ctx)

	return backoff.RetryNotifyWithData(func() (T, error) {
		result, err := fn()
		if err != nil && !isRetryableError(err) {
			return result, backoff.Permanent(err)
		}
		return result, err
	}, policy, func(err error, wait time.Duration) {
		slog.Warn("vault operation failed, retrying",
			"operation", operation,
			"backoff", wait,
			"err", err)
	})
}

// isRetryableError retries transient network errors, server errors and
// rate limiting, but not auth or permission errors.
func isRetryableError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 429 || respErr.StatusCode >= 500
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"no such host",
		"eof",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
