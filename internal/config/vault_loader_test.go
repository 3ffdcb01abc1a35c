package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"testing/synctest"
	"time"
)

// syncTestTime implements timeSource using synctest's time package
type syncTestTime struct{}

func (syncTestTime) Now() time.Time                         { return time.Now() }
func (syncTestTime) After(d time.Duration) <-chan time.Time { return time.After(d) }

func TestVaultLoader_LoadEnv_FromEnvironment(t *testing.T) {
	key := "SWEEP_TEST_VAR_ENV"
	expectedValue := "from-env"
	t.Setenv(key, expectedValue)

	loader := NewVaultLoader()
	value, err := loader.LoadEnv(context.Background(), key, false)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != expectedValue {
		t.Errorf("expected %q, got %q", expectedValue, value)
	}
}

func TestVaultLoader_LoadEnv_FromVault(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tmpDir := t.TempDir()
		loader := &VaultLoader{
			secretsDir: tmpDir,
			timeout:    5 * time.Second,
			timeSource: syncTestTime{},
		}

		key := "SWEEP_TEST_VAR_VAULT"
		secretPath := filepath.Join(tmpDir, key)
		if err := os.WriteFile(secretPath, []byte("from-vault\n"), 0600); err != nil {
			t.Fatalf("failed to write secret file: %v", err)
		}

		value, err := loader.LoadEnv(context.Background(), key, false)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "from-vault" {
			t.Errorf("expected trimmed %q, got %q", "from-vault", value)
		}
	})
}

func TestVaultLoader_LoadEnv_OptionalNotFound(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loader := &VaultLoader{
			secretsDir: t.TempDir(),
			timeout:    5 * time.Second,
			timeSource: syncTestTime{},
		}

		value, err := loader.LoadEnv(context.Background(), "SWEEP_NONEXISTENT_VAR", false)

		if err != nil {
			t.Fatalf("unexpected error for optional var: %v", err)
		}
		if value != "" {
			t.Errorf("expected empty string, got %q", value)
		}
	})
}

func TestVaultLoader_LoadEnv_RequiredTimeout(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loader := &VaultLoader{
			secretsDir: t.TempDir(),
			timeout:    2 * time.Second,
			timeSource: syncTestTime{},
		}

		start := time.Now()
		_, err := loader.LoadEnv(context.Background(), "SWEEP_REQUIRED_VAR_TIMEOUT", true)
		elapsed := time.Since(start)

		if err == nil {
			t.Fatal("expected timeout error, got nil")
		}
		if elapsed < 2*time.Second {
			t.Errorf("expected elapsed time to be at least 2s, got %v", elapsed)
		}
	})
}

func TestVaultLoader_LoadEnv_RequiredAppears(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		tmpDir := t.TempDir()
		loader := &VaultLoader{
			secretsDir: tmpDir,
			timeout:    5 * time.Second,
			timeSource: syncTestTime{},
		}

		key := "SWEEP_REQUIRED_VAR_APPEARS"
		expectedValue := "appeared"
		secretPath := filepath.Join(tmpDir, key)

		go func() {
			time.Sleep(1 * time.Second)
			if err := os.WriteFile(secretPath, []byte(expectedValue), 0600); err != nil {
				t.Errorf("failed to write secret file in goroutine: %v", err)
			}
		}()

		start := time.Now()
		value, err := loader.LoadEnv(context.Background(), key, true)
		elapsed := time.Since(start)

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != expectedValue {
			t.Errorf("expected %q, got %q", expectedValue, value)
		}
		// 1s sleep plus at most one 2s poll
		if elapsed < 1*time.Second {
			t.Errorf("expected to wait at least 1s, waited %v", elapsed)
		}
		if elapsed > 3*time.Second {
			t.Errorf("expected to wait at most 3s, waited %v", elapsed)
		}
	})
}

func TestVaultLoader_LoadEnv_RequiredCancelled(t *testing.T) {
	synctest.Test(t, func(t *testing.T) {
		loader := &VaultLoader{
			secretsDir: t.TempDir(),
			timeout:    time.Minute,
			timeSource: syncTestTime{},
		}

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		start := time.Now()
		_, err := loader.LoadEnv(ctx, "SWEEP_REQUIRED_VAR_CANCELLED", true)

		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
		if elapsed := time.Since(start); elapsed >= time.Minute {
			t.Errorf("expected to stop with the context, waited %v", elapsed)
		}
	})
}
