package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/libops/sweep/internal/validation"
)

// Keys shared by flags, environment variables and the Config fields.
const (
	KeyHost             = "host"
	KeyOrganization     = "organization"
	KeyPAT              = "pat"
	KeyTokenKind        = "token-kind"
	KeyAPIVersion       = "api-version"
	KeyDryRun           = "dry-run"
	KeyConcurrency      = "concurrency"
	KeyTimeout          = "timeout"
	KeyRunTimeout       = "run-timeout"
	KeyMaxRetries       = "max-retries"
	KeyRateLimit        = "rate-limit"
	KeyRateBurst        = "rate-burst"
	KeyProject          = "project"
	KeyFailOnError      = "fail-on-error"
	KeyCSV              = "csv"
	KeySMTPAddr         = "smtp-addr"
	KeySMTPFrom         = "smtp-from"
	KeySMTPUser         = "smtp-user"
	KeySMTPPassword     = "smtp-password"
	KeyDefaultRecipient = "default-recipient"
	KeyAdminGroup       = "admin-group"
	KeyEventsProject    = "events-project"
	KeyEventsTopic      = "events-topic"
	KeyPushgatewayURL   = "pushgateway-url"
	KeyVaultAddr        = "vault-addr"
	KeyVaultToken       = "vault-token"
	KeyVaultUser        = "vault-user"
	KeyVaultPassword    = "vault-password"
	KeyVaultMount       = "vault-mount"
	KeyVaultPath        = "vault-path"
	KeyVaultKVVersion   = "vault-kv-version"
	KeyWaitForSecrets   = "wait-for-secrets"
	KeySecretsTimeout   = "secrets-timeout"
)

// envNames maps keys to the environment variables that may set them.
var envNames = map[string][]string{
	KeyHost:             {"AZDO_HOST"},
	KeyOrganization:     {"AZDO_ORGANIZATION", "AZDO_ORG"},
	KeyPAT:              {"AZDO_PAT"},
	KeyTokenKind:        {"AZDO_TOKEN_KIND"},
	KeyAPIVersion:       {"AZDO_API_VERSION"},
	KeyDryRun:           {"DRY_RUN"},
	KeyConcurrency:      {"CONCURRENCY"},
	KeyTimeout:          {"REQUEST_TIMEOUT"},
	KeyRunTimeout:       {"RUN_TIMEOUT"},
	KeyMaxRetries:       {"MAX_RETRIES"},
	KeyRateLimit:        {"RATE_LIMIT"},
	KeyRateBurst:        {"RATE_BURST"},
	KeyProject:          {"AZDO_PROJECT"},
	KeyFailOnError:      {"FAIL_ON_ERROR"},
	KeyCSV:              {"CSV_OUTPUT"},
	KeySMTPAddr:         {"SMTP_ADDR"},
	KeySMTPFrom:         {"SMTP_FROM"},
	KeySMTPUser:         {"SMTP_USER"},
	KeySMTPPassword:     {"SMTP_PASSWORD"},
	KeyDefaultRecipient: {"DEFAULT_RECIPIENT"},
	KeyAdminGroup:       {"ADMIN_GROUP_MARKER"},
	KeyEventsProject:    {"GCP_PROJECT_ID"},
	KeyEventsTopic:      {"EVENTS_TOPIC_ID"},
	KeyPushgatewayURL:   {"PUSHGATEWAY_URL"},
	KeyVaultAddr:        {"VAULT_ADDR"},
	KeyVaultToken:       {"VAULT_TOKEN"},
	KeyVaultUser:        {"VAULT_USER"},
	KeyVaultPassword:    {"VAULT_PASSWORD"},
	KeyVaultMount:       {"VAULT_MOUNT"},
	KeyVaultPath:        {"VAULT_SECRET_PATH"},
	KeyVaultKVVersion:   {"VAULT_KV_VERSION"},
	KeyWaitForSecrets:   {"WAIT_FOR_SECRETS"},
	KeySecretsTimeout:   {"SECRETS_TIMEOUT"},
}

// Config holds the settings shared by every job.
type Config struct {
	Host         string
	Organization string
	PAT          string
	TokenKind    string
	APIVersion   string

	DryRun      bool
	Concurrency int
	Timeout     time.Duration
	RunTimeout  time.Duration
	MaxRetries  int
	RateLimit   float64
	RateBurst   int
	Project     string
	FailOnError bool

	CSVPath string

	SMTPAddr         string
	SMTPFrom         string
	SMTPUser         string
	SMTPPassword     string
	DefaultRecipient string
	AdminGroup       string

	EventsProject string
	EventsTopic   string

	PushgatewayURL string

	// Vault KV fallback for the PAT.
	VaultAddr     string
	VaultToken    string
	VaultUser     string
	VaultPassword string
	VaultMount    string
	VaultPath     string
	VaultKV       int

	// WaitForSecrets blocks until a Vault agent renders AZDO_PAT into the
	// secrets directory, up to SecretsTimeout.
	WaitForSecrets bool
	SecretsTimeout time.Duration
}

// Bind connects flags and environment variables to v. Flags win over
// environment variables, which win over flag defaults.
func Bind(v *viper.Viper, flags *pflag.FlagSet) error {
	for key, names := range envNames {
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return fmt.Errorf("bind env for %s: %w", key, err)
		}
	}
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return fmt.Errorf("bind flags: %w", err)
		}
	}
	return nil
}

// Load reads the configuration from v. Secrets that are not set directly are
// read from the Vault agent secrets directory when present.
func Load(ctx context.Context, v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Host:         v.GetString(KeyHost),
		Organization: v.GetString(KeyOrganization),
		PAT:          v.GetString(KeyPAT),
		TokenKind:    strings.ToLower(v.GetString(KeyTokenKind)),
		APIVersion:   v.GetString(KeyAPIVersion),

		DryRun:      true,
		Concurrency: v.GetInt(KeyConcurrency),
		Timeout:     v.GetDuration(KeyTimeout),
		RunTimeout:  v.GetDuration(KeyRunTimeout),
		MaxRetries:  v.GetInt(KeyMaxRetries),
		RateLimit:   v.GetFloat64(KeyRateLimit),
		RateBurst:   v.GetInt(KeyRateBurst),
		Project:     v.GetString(KeyProject),
		FailOnError: ParseBool(v.GetString(KeyFailOnError)),

		CSVPath: v.GetString(KeyCSV),

		SMTPAddr:         v.GetString(KeySMTPAddr),
		SMTPFrom:         v.GetString(KeySMTPFrom),
		SMTPUser:         v.GetString(KeySMTPUser),
		SMTPPassword:     v.GetString(KeySMTPPassword),
		DefaultRecipient: v.GetString(KeyDefaultRecipient),
		AdminGroup:       v.GetString(KeyAdminGroup),

		EventsProject: v.GetString(KeyEventsProject),
		EventsTopic:   v.GetString(KeyEventsTopic),

		PushgatewayURL: v.GetString(KeyPushgatewayURL),

		VaultAddr:     v.GetString(KeyVaultAddr),
		VaultToken:    v.GetString(KeyVaultToken),
		VaultUser:     v.GetString(KeyVaultUser),
		VaultPassword: v.GetString(KeyVaultPassword),
		VaultMount:    v.GetString(KeyVaultMount),
		VaultPath:     v.GetString(KeyVaultPath),
		VaultKV:       v.GetInt(KeyVaultKVVersion),

		WaitForSecrets: ParseBool(v.GetString(KeyWaitForSecrets)),
		SecretsTimeout: v.GetDuration(KeySecretsTimeout),
	}
	if v.IsSet(KeyDryRun) {
		cfg.DryRun = ParseBool(v.GetString(KeyDryRun))
	}
	if cfg.TokenKind == "" {
		cfg.TokenKind = "pat"
	}

	loader := NewVaultLoader()
	if cfg.SecretsTimeout > 0 {
		loader.timeout = cfg.SecretsTimeout
	}
	for name, dst := range map[string]*string{
		"AZDO_PAT":      &cfg.PAT,
		"VAULT_TOKEN":   &cfg.VaultToken,
		"SMTP_PASSWORD": &cfg.SMTPPassword,
	} {
		if *dst != "" {
			continue
		}
		required := name == "AZDO_PAT" && cfg.PATFromAgent()
		value, err := loader.LoadEnv(ctx, name, required)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		*dst = value
	}

	return cfg, nil
}

// PATFromAgent reports whether the PAT must be waited for in the Vault agent
// secrets directory. A configured Vault KV address takes precedence.
func (cfg *Config) PATFromAgent() bool {
	return cfg.WaitForSecrets && cfg.VaultAddr == ""
}

// NeedsVault reports whether the PAT must still be fetched from Vault KV.
func (cfg *Config) NeedsVault() bool {
	return cfg.PAT == "" && cfg.VaultAddr != "" && cfg.VaultPath != ""
}

// Validate checks that required configuration is present and well formed.
// All problems are reported together.
func (cfg *Config) Validate() error {
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	check(validation.Host(cfg.Host))
	check(validation.OrganizationName(cfg.Organization))
	if cfg.PAT == "" {
		check(validation.NewError("pat", "AZDO_PAT is required"))
	}
	if cfg.TokenKind != "pat" && cfg.TokenKind != "bearer" {
		check(validation.NewError("token_kind", "must be pat or bearer"))
	}
	check(validation.Positive("concurrency", cfg.Concurrency))
	if cfg.Timeout <= 0 {
		check(validation.NewError("timeout", "must be positive"))
	}
	if cfg.RunTimeout < 0 {
		check(validation.NewError("run_timeout", "must not be negative"))
	}
	if cfg.SecretsTimeout < 0 {
		check(validation.NewError("secrets_timeout", "must not be negative"))
	}
	if cfg.MaxRetries < 0 {
		check(validation.NewError("max_retries", "must not be negative"))
	}
	if cfg.RateLimit < 0 {
		check(validation.NewError("rate_limit", "must not be negative"))
	}
	if cfg.SMTPAddr != "" {
		check(validation.HostPort("smtp_addr", cfg.SMTPAddr))
		check(validation.Email(cfg.SMTPFrom))
	}
	if cfg.DefaultRecipient != "" {
		check(validation.Email(cfg.DefaultRecipient))
	}
	if cfg.EventsTopic != "" {
		check(validation.GCPProjectID(cfg.EventsProject))
	}
	if cfg.PushgatewayURL != "" {
		check(validation.URL("pushgateway_url", cfg.PushgatewayURL))
	}
	return errors.Join(errs...)
}

// ParseBool accepts true, 1, t, y and yes in any case as true. Everything
// else is false.
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "t", "y", "yes":
		return true
	}
	return false
}

// LoadEnvFile exports the variables defined in a dotenv file. Variables that
// are already set keep their value. A missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		slog.Debug("env file not found", "path", path)
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	slog.Debug("loaded env file", "path", path)
	return nil
}
