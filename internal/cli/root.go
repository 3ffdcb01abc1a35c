// Package cli contains the sweep commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/libops/sweep/internal/azdo"
	"github.com/libops/sweep/internal/config"
	"github.com/libops/sweep/internal/engine"
	"github.com/libops/sweep/internal/logging"
	"github.com/libops/sweep/internal/vault"
)

// ErrRunFailed is returned with --fail-on-error when any item or subtree
// failed.
var ErrRunFailed = errors.New("run completed with failures")

const (
	envFileFlag       = "env-file"
	defaultEnvFile    = ".env"
	envFileEnv        = "AZDO_DOTENV_FILE"
	defaultVaultMount = "secret"
)

// app carries what every job command needs once flags are resolved.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	client *azdo.Client
	gate   *engine.Gate
}

// NewRootCommand builds the sweep command tree. Settings come from flags,
// then environment variables, then flag defaults.
func NewRootCommand() *cobra.Command {
	a := &app{v: viper.New()}

	root := &cobra.Command{
		Use:   "sweep",
		Short: "Bulk maintenance jobs for Azure DevOps organizations",
		Long: `Sweep walks the projects of an Azure DevOps organization, selects the objects
a job applies to, and changes them under a bounded number of concurrent requests.

Every job runs in dry-run mode unless --dry-run=false (or DRY_RUN=false) is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	d := azdo.DefaultConfig()

	flags.String(envFileFlag, "", "dotenv file to load before reading the environment (default .env, or $"+envFileEnv+")")
	flags.String(config.KeyHost, "dev.azure.com", "Azure DevOps server, with optional scheme and path")
	flags.String(config.KeyOrganization, "", "organization name")
	flags.String(config.KeyPAT, "", "personal access token (prefer $AZDO_PAT)")
	flags.String(config.KeyTokenKind, "pat", "credential kind: pat or bearer")
	flags.String(config.KeyAPIVersion, d.APIVersion, "REST api-version")
	flags.Bool(config.KeyDryRun, true, "report what would change without changing anything")
	flags.Int(config.KeyConcurrency, engine.DefaultCapacity, "maximum number of concurrent requests")
	flags.Duration(config.KeyTimeout, d.Timeout, "timeout for each HTTP request")
	flags.Duration(config.KeyRunTimeout, 0, "timeout for the whole run (0 disables)")
	flags.Int(config.KeyMaxRetries, d.MaxRetries, "retries for failed GET requests")
	flags.Float64(config.KeyRateLimit, d.RateLimit, "requests per second")
	flags.Int(config.KeyRateBurst, d.RateBurst, "request burst size")
	flags.String(config.KeyProject, "", "restrict the run to one project")
	flags.Bool(config.KeyFailOnError, false, "exit non-zero when any item fails")
	flags.String(config.KeyCSV, "", "write outcomes to this CSV file")
	flags.String(config.KeySMTPAddr, "", "SMTP relay host:port for email summaries")
	flags.String(config.KeySMTPFrom, "", "sender address for email summaries")
	flags.String(config.KeySMTPUser, "", "SMTP user name (PLAIN auth)")
	flags.String(config.KeySMTPPassword, "", "SMTP password (prefer $SMTP_PASSWORD)")
	flags.String(config.KeyDefaultRecipient, "", "address used when no project admin can be resolved")
	flags.String(config.KeyAdminGroup, "Team Admin", "group display-name marker for project admins")
	flags.String(config.KeyEventsProject, "", "GCP project for CloudEvents")
	flags.String(config.KeyEventsTopic, "", "Pub/Sub topic for CloudEvents (disabled when empty)")
	flags.String(config.KeyPushgatewayURL, "", "Prometheus Pushgateway to push run metrics to")
	flags.String(config.KeyVaultAddr, "", "Vault address for reading the PAT")
	flags.String(config.KeyVaultToken, "", "Vault token (prefer $VAULT_TOKEN)")
	flags.String(config.KeyVaultUser, "", "Vault userpass user")
	flags.String(config.KeyVaultPassword, "", "Vault userpass password (prefer $VAULT_PASSWORD)")
	flags.String(config.KeyVaultMount, defaultVaultMount, "Vault KV mount")
	flags.String(config.KeyVaultPath, "", "Vault KV path holding the PAT")
	flags.Int(config.KeyVaultKVVersion, 2, "Vault KV engine version")
	flags.Bool(config.KeyWaitForSecrets, false, "wait for a Vault agent to render AZDO_PAT into $VAULT_SECRETS_DIR")
	flags.Duration(config.KeySecretsTimeout, config.DefaultTimeout, "how long --wait-for-secrets waits")

	root.AddCommand(
		newPipelinesCommand(a),
		newTeamsCommand(a),
		newApprovalsCommand(a),
	)
	return root
}

// Execute runs the command tree with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

func (a *app) setup(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString(envFileFlag)
	if err != nil {
		return err
	}
	if path == "" {
		path = os.Getenv(envFileEnv)
	}
	if path == "" {
		path = defaultEnvFile
	}
	if err := config.LoadEnvFile(path); err != nil {
		return err
	}

	if err := config.Bind(a.v, cmd.Flags()); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load(ctx, a.v)
	if err != nil {
		return err
	}
	if cfg.NeedsVault() {
		if cfg.PAT, err = readVaultPAT(ctx, cfg); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	client, err := azdo.NewClient(&azdo.Config{
		Credential: azdo.Credential{
			Host:         cfg.Host,
			Organization: cfg.Organization,
			Secret:       cfg.PAT,
			Kind:         azdo.CredentialKind(cfg.TokenKind),
		},
		APIVersion: cfg.APIVersion,
		Timeout:    cfg.Timeout,
		MaxRetries: cfg.MaxRetries,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
	})
	if err != nil {
		return err
	}

	a.cfg = cfg
	a.client = client
	a.gate = engine.NewGate("api", cfg.Concurrency)

	runID := logging.GenerateRunID()
	cmd.SetContext(logging.WithJob(logging.WithRunID(ctx, runID), cmd.Name()))
	slog.Debug("configuration loaded",
		"organization", cfg.Organization,
		"host", cfg.Host,
		"dry_run", cfg.DryRun,
		"concurrency", cfg.Concurrency)
	return nil
}

func readVaultPAT(ctx context.Context, cfg *config.Config) (string, error) {
	client, err := vault.NewClient(ctx, &vault.Config{
		Address:  cfg.VaultAddr,
		Token:    cfg.VaultToken,
		Username: cfg.VaultUser,
		Password: cfg.VaultPassword,
	})
	if err != nil {
		return "", err
	}
	mount := cfg.VaultMount
	if mount == "" {
		mount = defaultVaultMount
	}
	pat, err := vault.NewKV(client, mount, cfg.VaultKV).ReadString(ctx, cfg.VaultPath, vault.DefaultPATKeys...)
	if err != nil {
		return "", fmt.Errorf("failed to read PAT from vault: %w", err)
	}
	slog.Debug("loaded PAT from vault", "mount", mount, "path", cfg.VaultPath)
	return pat, nil
}

// runContext bounds ctx by the run timeout, when set.
func (a *app) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.RunTimeout > 0 {
		return context.WithTimeout(ctx, a.cfg.RunTimeout)
	}
	return context.WithCancel(ctx)
}

// nowFunc is replaced in tests.
var nowFunc = time.Now
