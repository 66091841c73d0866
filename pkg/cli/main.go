// Package cli builds the docrepo command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	climigrate "github.com/nimburion/docrepo/pkg/cli/migrate"
	"github.com/nimburion/docrepo/pkg/config"
	"github.com/nimburion/docrepo/pkg/health"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/observability/metrics"
	"github.com/nimburion/docrepo/pkg/observability/tracing"
	"github.com/nimburion/docrepo/pkg/repository/factory"
	"github.com/nimburion/docrepo/pkg/version"
)

// Options configures the command tree.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	// EnvPrefix prefixes environment overrides; defaults to APP.
	EnvPrefix string

	// Optional: custom config validation, run after the built-in validation.
	ValidateConfig func(cfg *config.Config) error

	// Optional: additional custom commands
	CustomCommands []*cobra.Command

	// Optional: replaces factory.Build, mainly for tests.
	BuildStack func(ctx context.Context, cfg *config.Config, log logger.Logger) (*factory.Stack, error)
}

type root struct {
	opts                Options
	cfgPath             string
	secretFilePath      string
	serviceNameOverride string
}

// NewCommand creates the CLI with version, config, healthcheck and migrate subcommands.
func NewCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "docrepo"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "APP"
	}
	if opts.BuildStack == nil {
		opts.BuildStack = factory.Build
	}
	r := &root{opts: opts}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&r.cfgPath, "config-file", "c", opts.ConfigPath, "config file path")
	rootCmd.PersistentFlags().StringVar(&r.secretFilePath, "secret-file", "", "path to secrets file (sets <ENV_PREFIX>_SECRETS_FILE)")
	rootCmd.PersistentFlags().StringVar(&r.serviceNameOverride, "service-name", "", "service name override")

	rootCmd.AddCommand(r.versionCommand())
	rootCmd.AddCommand(r.configCommand())
	rootCmd.AddCommand(r.healthcheckCommand())
	rootCmd.AddCommand(climigrate.NewCommand(opts.Name, r.loadConfigAndLogger))
	for _, customCmd := range opts.CustomCommands {
		rootCmd.AddCommand(customCmd)
	}
	return rootCmd
}

func (r *root) versionCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Current(r.opts.Name)
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(info)
			}
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			if info.Release != "" && info.Release != info.Version {
				fmt.Fprintf(out, "Release:    %s\n", info.Release)
			}
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
			fmt.Fprintf(out, "Go:         %s\n", info.GoVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print version information as JSON")
	return cmd
}

func (r *root) configCommand() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management commands",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, _, err := r.loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	})

	var showSecrets bool
	var format string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, secrets, err := r.loadConfig()
			if err != nil {
				return err
			}
			if showSecrets {
				secrets = nil
			}
			switch format {
			case "yaml":
				data, err := yaml.Marshal(cfg.Settings(secrets))
				if err != nil {
					return fmt.Errorf("marshal config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			case "text":
				_, err := io.WriteString(cmd.OutOrStdout(), cfg.Redacted(secrets))
				return err
			default:
				return fmt.Errorf("unsupported format %q (supported: yaml, text)", format)
			}
		},
	}
	showCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "show secret values")
	showCmd.Flags().StringVarP(&format, "output", "o", "yaml", "output format: yaml or text")
	configCmd.AddCommand(showCmd)

	return configCmd
}

func (r *root) healthcheckCommand() *cobra.Command {
	var (
		containers  []string
		timeout     time.Duration
		output      string
		showMetrics bool
	)
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the database, cache and change feed broker",
		Long: "Builds the configured provider chain and runs every health check. Each --container\n" +
			"adds an end-to-end check that counts the documents of that container.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := r.loadConfigAndLogger(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			tp, err := tracing.NewTracerProvider(ctx, tracerConfig(cfg))
			if err != nil {
				return fmt.Errorf("create tracer provider: %w", err)
			}
			defer func() {
				if err := tp.Shutdown(context.Background()); err != nil {
					log.Warn("failed to flush spans", "error", err)
				}
			}()
			var registry *metrics.Registry
			if showMetrics {
				registry = metrics.NewRegistry()
			}

			stack, err := r.opts.BuildStack(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := stack.Close(); err != nil {
					log.Warn("failed to close provider", "error", err)
				}
			}()
			for _, container := range containers {
				stack.WatchContainer(container)
			}

			result := stack.Health.Check(ctx)
			if err := writeHealth(cmd.OutOrStdout(), output, result); err != nil {
				return err
			}
			if registry != nil {
				if err := writeMetrics(cmd.OutOrStdout(), registry); err != nil {
					return err
				}
			}
			if !result.IsHealthy() {
				return fmt.Errorf("health check failed: %s", result.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&containers, "container", nil, "container to check end to end (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or yaml")
	cmd.Flags().BoolVar(&showMetrics, "metrics", false, "print the collected metrics after the checks")
	return cmd
}

func tracerConfig(cfg *config.Config) tracing.TracerConfig {
	return tracing.TracerConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Endpoint:       cfg.Observability.TracingEndpoint,
		SampleRate:     cfg.Observability.TracingSampleRate,
		Enabled:        cfg.Observability.TracingEnabled,
	}
}

func writeHealth(w io.Writer, format string, result health.AggregatedResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		return yaml.NewEncoder(w).Encode(result)
	case "text":
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECK\tSTATUS\tDURATION\tDETAIL")
		for _, check := range result.Checks {
			detail := check.Message
			if check.Error != "" {
				detail = check.Error
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", check.Name, check.Status, check.Duration.Round(time.Millisecond), detail)
		}
		fmt.Fprintf(tw, "overall\t%s\t%s\t\n", result.Status, result.Duration.Round(time.Millisecond))
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported output %q (supported: text, json, yaml)", format)
	}
}

func writeMetrics(w io.Writer, registry *metrics.Registry) error {
	families, err := registry.Gatherer().Gather()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, family := range families {
		if !strings.HasPrefix(family.GetName(), "docrepo_") {
			continue
		}
		if err := enc.Encode(family); err != nil {
			return fmt.Errorf("encode metrics: %w", err)
		}
	}
	return nil
}

// loadConfig loads and validates the configuration, returning the secrets used for
// redaction.
func (r *root) loadConfig() (*config.Config, *config.Config, error) {
	if err := applySecretFileFlag(r.opts.EnvPrefix, r.secretFilePath); err != nil {
		return nil, nil, err
	}
	cfg, secrets, err := config.NewViperLoader(r.cfgPath, r.opts.EnvPrefix).
		WithServiceNameDefault(r.opts.Name).
		LoadWithSecrets()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	cfg.Service.Name = resolveServiceNameValue(cfg.Service.Name, r.opts.Name, r.serviceNameOverride)
	if r.opts.ValidateConfig != nil {
		if err := r.opts.ValidateConfig(cfg); err != nil {
			return nil, nil, fmt.Errorf("custom validation failed: %w", err)
		}
	}
	return cfg, secrets, nil
}

func (r *root) loadConfigAndLogger(*pflag.FlagSet) (*config.Config, logger.Logger, error) {
	cfg, _, err := r.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{
		Level:  logger.LogLevel(cfg.Observability.LogLevel),
		Format: logger.LogFormat(cfg.Observability.LogFormat),
		Output: os.Stderr,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}
	if strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		log.Debug("effective configuration", "config", cfg.Settings(nil))
	}
	return cfg, log, nil
}

func applySecretFileFlag(envPrefix, secretFilePath string) error {
	if secretFilePath == "" {
		return nil
	}
	info, err := os.Stat(secretFilePath)
	if err != nil {
		return fmt.Errorf("secret file %s is not accessible: %w", secretFilePath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("secret file %s must not be a directory", secretFilePath)
	}
	return os.Setenv(resolveEnvPrefix(envPrefix)+"_SECRETS_FILE", filepath.Clean(secretFilePath))
}

// Execute runs the command and exits with status 1 on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return "APP"
	}
	return strings.ToUpper(trimmed)
}

func resolveServiceNameValue(currentConfigName, defaultServiceName, serviceNameOverride string) string {
	if override := strings.TrimSpace(serviceNameOverride); override != "" {
		return override
	}
	if configured := strings.TrimSpace(currentConfigName); configured != "" {
		return configured
	}
	if fallback := strings.TrimSpace(defaultServiceName); fallback != "" {
		return fallback
	}
	return "app"
}
