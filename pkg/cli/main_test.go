package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nimburion/docrepo/pkg/config"
	"github.com/nimburion/docrepo/pkg/health"
	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository/factory"
	"github.com/nimburion/docrepo/pkg/version"
)

func TestResolveServiceNameValue(t *testing.T) {
	tests := []struct {
		name              string
		currentConfigName string
		defaultService    string
		override          string
		want              string
	}{
		{
			name:              "override wins",
			currentConfigName: "from-config",
			defaultService:    "from-cli",
			override:          "from-flag",
			want:              "from-flag",
		},
		{
			name:              "configured value wins over default",
			currentConfigName: "from-config",
			defaultService:    "from-cli",
			want:              "from-config",
		},
		{
			name:           "default used when config missing",
			defaultService: "from-cli",
			want:           "from-cli",
		},
		{
			name: "app fallback",
			want: "app",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveServiceNameValue(tt.currentConfigName, tt.defaultService, tt.override)
			if got != tt.want {
				t.Fatalf("resolveServiceNameValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func run(t *testing.T, opts Options, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand(opts)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewCommand_Subcommands(t *testing.T) {
	cmd := NewCommand(Options{Name: "testsvc"})
	for _, path := range [][]string{{"version"}, {"config", "show"}, {"config", "validate"}, {"healthcheck"}, {"migrate"}} {
		found, _, err := cmd.Find(path)
		if err != nil || found.Name() != path[len(path)-1] {
			t.Fatalf("command %v not found: %v", path, err)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, Options{Name: "testsvc"}, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Service != "testsvc" || info.Version == "" {
		t.Fatalf("info = %+v", info)
	}
}

func TestVersionCommand_ReportsRelease(t *testing.T) {
	old := version.AppVersion
	t.Cleanup(func() { version.AppVersion = old })
	version.AppVersion = "2.3.0-beta.1"

	out, err := run(t, Options{Name: "testsvc"}, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var info version.Info
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if info.Release != "v2.3.0-beta.1" || info.Major != "v2" || info.Prerelease != "beta.1" {
		t.Fatalf("info = %+v", info)
	}

	out, err = run(t, Options{Name: "testsvc"}, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, "Release:    v2.3.0-beta.1") || !strings.Contains(out, "Go:") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestConfigShow_RedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "config.yaml", "database:\n  type: postgres\n  url: postgres://placeholder\n")
	writeFile(t, dir, "secrets.yaml", "database:\n  url: postgres://docs:s3cret@db:5432/docs\n")

	out, err := run(t, Options{Name: "testsvc"}, "config", "show", "--config-file", cfgFile)
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if strings.Contains(out, "s3cret") || !strings.Contains(out, "***") {
		t.Fatalf("secret not redacted:\n%s", out)
	}
	if !strings.Contains(out, "type: postgres") {
		t.Fatalf("expected database type in:\n%s", out)
	}

	out, err = run(t, Options{Name: "testsvc"}, "config", "show", "--config-file", cfgFile, "--show-secrets", "-o", "text")
	if err != nil {
		t.Fatalf("config show text: %v", err)
	}
	if !strings.Contains(out, "s3cret") {
		t.Fatalf("--show-secrets should reveal values:\n%s", out)
	}

	if _, err := run(t, Options{Name: "testsvc"}, "config", "show", "-o", "xml"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestConfigValidate_CustomValidator(t *testing.T) {
	opts := Options{
		Name: "testsvc",
		ValidateConfig: func(cfg *config.Config) error {
			if cfg.Service.Name != "override" {
				return errors.New("unexpected service name " + cfg.Service.Name)
			}
			return nil
		},
	}
	if out, err := run(t, opts, "config", "validate", "--service-name", "override"); err != nil || !strings.Contains(out, "valid") {
		t.Fatalf("validate: %q %v", out, err)
	}
	if _, err := run(t, opts, "config", "validate"); err == nil {
		t.Fatal("expected custom validation error")
	}
}

func TestHealthcheck_MemoryStackWithMetrics(t *testing.T) {
	dir := t.TempDir()
	cfgFile := writeFile(t, dir, "config.yaml", "repository:\n  instrument: true\nobservability:\n  log_level: error\n")

	out, err := run(t, Options{Name: "testsvc"}, "healthcheck", "--config-file", cfgFile, "--container", "orders", "--metrics")
	if err != nil {
		t.Fatalf("healthcheck: %v\n%s", err, out)
	}
	for _, want := range []string{"container:orders", "healthy", "docrepo_operations_total"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
}

type failingCheck struct{}

func (failingCheck) HealthCheck(context.Context) error { return errors.New("connection refused") }

func TestHealthcheck_UnhealthyFails(t *testing.T) {
	opts := Options{
		Name: "testsvc",
		BuildStack: func(context.Context, *config.Config, logger.Logger) (*factory.Stack, error) {
			registry := health.NewRegistry()
			registry.Register(health.NewAdapterChecker("database:postgres", failingCheck{}, time.Second))
			return &factory.Stack{Health: registry}, nil
		},
	}
	out, err := run(t, opts, "healthcheck", "-o", "json")
	if err == nil {
		t.Fatal("expected failing health check")
	}
	var result health.AggregatedResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if result.Status != health.StatusUnhealthy || len(result.Checks) != 1 || result.Checks[0].Error != "connection refused" {
		t.Fatalf("result = %+v", result)
	}
}
