// Package config resolves mcpcheck settings from defaults, the environment
// and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/TexasFortress-AI/mcpcheck/check"
	"github.com/TexasFortress-AI/mcpcheck/dashboard"
	"github.com/TexasFortress-AI/mcpcheck/session"
)

const (
	projectConfigName = "mcpcheck.yaml"
	homeConfigDir     = ".mcpcheck"
	homeConfigName    = "config.yaml"
)

// Report formats.
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Env is the environment layer. MCP_BACKEND_URL and MCP_TIMEOUT are shared
// with the stdio bridge.
type Env struct {
	BackendURL     string `env:"MCP_BACKEND_URL"`
	TimeoutSeconds int    `env:"MCP_TIMEOUT"`
	Transport      string `env:"MCPCHECK_TRANSPORT"`
	DashboardURL   string `env:"MCPCHECK_DASHBOARD_URL"`
	APIKey         string `env:"MCPCHECK_API_KEY"`
	Bridge         string `env:"MCPCHECK_BRIDGE"`
	ConfigPath     string `env:"MCPCHECK_CONFIG"`
	OTLPEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// ParseEnv loads the environment layer from the process environment.
func ParseEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// ParseEnvFrom loads the environment layer from environ instead of the
// process environment.
func ParseEnvFrom(environ map[string]string) (Env, error) {
	var e Env
	if err := env.ParseWithOptions(&e, env.Options{Environment: environ}); err != nil {
		return Env{}, fmt.Errorf("parse env: %w", err)
	}
	return e, nil
}

// File is the shape of mcpcheck.yaml.
type File struct {
	Transport        string        `yaml:"transport,omitempty"`
	URL              string        `yaml:"url,omitempty"`
	DashboardURL     string        `yaml:"dashboard_url,omitempty"`
	DirectVia        string        `yaml:"direct_via,omitempty"`
	Bridge           string        `yaml:"bridge,omitempty"`
	APIKey           string        `yaml:"api_key,omitempty"`
	Timeout          time.Duration `yaml:"timeout,omitempty"`
	ChatbotTimeout   time.Duration `yaml:"chatbot_timeout,omitempty"`
	Parallel         *int          `yaml:"parallel,omitempty"`
	Chatbot          *bool         `yaml:"chatbot,omitempty"`
	Format           string        `yaml:"format,omitempty"`
	OTLPEndpoint     string        `yaml:"otlp_endpoint,omitempty"`
	Accounts         []string      `yaml:"accounts,omitempty"`
	ExpectedTools    []string      `yaml:"expected_tools,omitempty"`
	Probes           []check.Probe `yaml:"probes,omitempty"`
	MetadataPrefixes []string      `yaml:"metadata_prefixes,omitempty"`
}

// Settings is the resolved configuration for one command.
type Settings struct {
	Transport        session.Kind
	BackendURL       string
	DashboardURL     string
	DirectVia        string
	Bridge           string
	APIKey           string
	Timeout          time.Duration
	ChatbotTimeout   time.Duration
	Parallel         int
	Chatbot          bool
	Format           string
	OTLPEndpoint     string
	Accounts         []string
	ExpectedTools    []string
	Probes           []check.Probe
	MetadataPrefixes []string

	// ConfigPath is the file that was applied, if any.
	ConfigPath string
}

// Defaults returns the settings before any layer is applied.
func Defaults() Settings {
	return Settings{
		Transport:      session.KindStdio,
		BackendURL:     session.DefaultBackendURL,
		DirectVia:      "session",
		Timeout:        session.DefaultCallTimeout,
		ChatbotTimeout: dashboard.DefaultTimeout,
		Format:         FormatText,
	}
}

// ApplyEnv overlays the non-empty environment values.
func (s *Settings) ApplyEnv(e Env) {
	setString(&s.BackendURL, e.BackendURL)
	setString(&s.DashboardURL, e.DashboardURL)
	setString(&s.APIKey, e.APIKey)
	setString(&s.Bridge, e.Bridge)
	setString(&s.OTLPEndpoint, e.OTLPEndpoint)
	if t := strings.TrimSpace(e.Transport); t != "" {
		s.Transport = session.Kind(strings.ToLower(t))
	}
	if e.TimeoutSeconds > 0 {
		s.Timeout = time.Duration(e.TimeoutSeconds) * time.Second
	}
}

// ApplyFile overlays the values set in f.
func (s *Settings) ApplyFile(f File) {
	if t := strings.TrimSpace(f.Transport); t != "" {
		s.Transport = session.Kind(strings.ToLower(t))
	}
	setString(&s.BackendURL, f.URL)
	setString(&s.DashboardURL, f.DashboardURL)
	setString(&s.DirectVia, f.DirectVia)
	setString(&s.Bridge, f.Bridge)
	setString(&s.APIKey, f.APIKey)
	setString(&s.Format, f.Format)
	setString(&s.OTLPEndpoint, f.OTLPEndpoint)
	if f.Timeout > 0 {
		s.Timeout = f.Timeout
	}
	if f.ChatbotTimeout > 0 {
		s.ChatbotTimeout = f.ChatbotTimeout
	}
	if f.Parallel != nil {
		s.Parallel = *f.Parallel
	}
	if f.Chatbot != nil {
		s.Chatbot = *f.Chatbot
	}
	if len(f.Accounts) > 0 {
		s.Accounts = append([]string(nil), f.Accounts...)
	}
	if f.ExpectedTools != nil {
		s.ExpectedTools = append([]string{}, f.ExpectedTools...)
	}
	if len(f.Probes) > 0 {
		s.Probes = append([]check.Probe(nil), f.Probes...)
	}
	if f.MetadataPrefixes != nil {
		s.MetadataPrefixes = append([]string{}, f.MetadataPrefixes...)
	}
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	if _, err := session.ParseKind(string(s.Transport)); err != nil {
		return err
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	if s.ChatbotTimeout <= 0 {
		return fmt.Errorf("chatbot timeout must be positive, got %s", s.ChatbotTimeout)
	}
	if s.Parallel < 0 {
		return fmt.Errorf("parallel must be >= 0, got %d", s.Parallel)
	}
	switch s.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("unknown format %q (want text or json)", s.Format)
	}
	for i, probe := range s.Probes {
		if err := validateProbe(probe); err != nil {
			return fmt.Errorf("probes[%d]: %w", i, err)
		}
	}
	return nil
}

func validateProbe(p check.Probe) error {
	switch {
	case strings.TrimSpace(p.Name) == "":
		return errors.New("name is required")
	case strings.TrimSpace(p.Query) == "":
		return fmt.Errorf("probe %q: query is required", p.Name)
	case strings.TrimSpace(p.Tool) == "":
		return fmt.Errorf("probe %q: tool is required", p.Name)
	}
	return nil
}

// Load applies defaults, then e, then the discovered config file. An
// explicit path takes precedence over MCPCHECK_CONFIG.
func Load(explicitPath string, e Env) (Settings, error) {
	settings := Defaults()
	settings.ApplyEnv(e)

	if strings.TrimSpace(explicitPath) == "" {
		explicitPath = e.ConfigPath
	}
	path, found, err := DiscoverPath(explicitPath)
	if err != nil {
		return Settings{}, err
	}
	if found {
		file, err := LoadFile(path)
		if err != nil {
			return Settings{}, err
		}
		settings.ApplyFile(file)
		settings.ConfigPath = path
	}
	return settings, nil
}

// LoadFile reads and parses one config file.
func LoadFile(path string) (File, error) {
	// #nosec G304 -- path resolved from explicit local config discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("reading config %q: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parsing config %q: %w", path, err)
	}
	return f, nil
}

// DiscoverPath resolves the config location with first-match semantics.
func DiscoverPath(explicitPath string) (string, bool, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", false, fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", false, fmt.Errorf("resolve user home: %w", err)
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, bool, error) {
	candidates := make([]string, 0, 2)
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		candidates = append(candidates, filepath.Clean(clean))
	} else {
		candidates = append(candidates, filepath.Join(cwd, projectConfigName))
		if homeDir != "" {
			candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
		}
	}

	for i, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, true, nil
		}
		if errors.Is(err, os.ErrNotExist) {
			// If explicit path is set, not found is an error.
			if i == 0 && strings.TrimSpace(explicitPath) != "" {
				return "", false, fmt.Errorf("config file %q not found", candidate)
			}
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", false, nil
}

func setString(dst *string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		*dst = v
	}
}

// maskedSecret replaces secret values in log output.
const maskedSecret = "**********"

// LogValue renders the settings for structured logs with the API key masked.
func (s Settings) LogValue() slog.Value {
	apiKey := ""
	if strings.TrimSpace(s.APIKey) != "" {
		apiKey = maskedSecret
	}
	return slog.GroupValue(
		slog.String("transport", string(s.Transport)),
		slog.String("backend_url", s.BackendURL),
		slog.String("dashboard_url", s.DashboardURL),
		slog.String("direct_via", s.DirectVia),
		slog.String("bridge", s.Bridge),
		slog.String("api_key", apiKey),
		slog.Duration("timeout", s.Timeout),
		slog.Duration("chatbot_timeout", s.ChatbotTimeout),
		slog.Int("parallel", s.Parallel),
		slog.Bool("chatbot", s.Chatbot),
		slog.Int("probes", len(s.Probes)),
		slog.String("config_path", s.ConfigPath),
	)
}
