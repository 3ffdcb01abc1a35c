package vault

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/vault/api"
)

// ErrSecretNotFound is returned when a path or key holds no value.
var ErrSecretNotFound = errors.New("secret not found")

// DefaultPATKeys are tried in order when reading a PAT from a secret.
var DefaultPATKeys = []string{"AZDO_PAT", "pat", "token"}

// KV reads secrets from a KV secrets engine, version 1 or 2.
type KV struct {
	client    *Client
	mountPath string
	version   int
}

// NewKV creates a KV helper for the engine mounted at mountPath. Any version
// other than 2 is treated as 1.
func NewKV(client *Client, mountPath string, version int) *KV {
	return &KV{
		client:    client,
		mountPath: strings.Trim(mountPath, "/"),
		version:   version,
	}
}

// Read reads the secret at path with retry logic.
func (kv *KV) Read(ctx context.Context, path string) (map[string]any, error) {
	path = strings.Trim(path, "/")
	fullPath := fmt.Sprintf("%s/%s", kv.mountPath, path)

	if kv.version == 2 {
		secret, err := retryWithBackoff(ctx, "read "+fullPath, func() (*api.KVSecret, error) {
			return kv.client.client.KVv2(kv.mountPath).Get(ctx, path)
		})
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, fmt.Errorf("%w at %s", ErrSecretNotFound, fullPath)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read secret from %s: %w", fullPath, err)
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("%w at %s", ErrSecretNotFound, fullPath)
		}
		return secret.Data, nil
	}

	secret, err := retryWithBackoff(ctx, "read "+fullPath, func() (*api.Secret, error) {
		return kv.client.client.Logical().ReadWithContext(ctx, fullPath)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w at %s", ErrSecretNotFound, fullPath)
	}
	return secret.Data, nil
}

// ReadString returns the first non-empty string value among keys.
func (kv *KV) ReadString(ctx context.Context, path string, keys ...string) (string, error) {
	data, err := kv.Read(ctx, path)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if s, ok := data[k].(string); ok && s != "" {
			return strings.TrimSpace(s), nil
		}
	}
	return "", fmt.Errorf("%w: none of %v at %s/%s", ErrSecretNotFound, keys, kv.mountPath, path)
}
