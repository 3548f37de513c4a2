package config

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/izzyreal/otastage/internal/repo"
	"github.com/izzyreal/otastage/internal/updater"
	"github.com/izzyreal/otastage/internal/updateutil"
)

const (
	DefaultPath         = "/etc/otastage/config.yaml"
	DefaultAuthTokenEnv = "OTASTAGE_GITHUB_TOKEN"
	DefaultMainDir      = "main"
	DefaultHTTPTimeout  = 30
)

type File struct {
	Version            int               `yaml:"version" json:"version"`
	Repo               string            `yaml:"repo" json:"repo"`
	ModuleRoot         string            `yaml:"module_root" json:"module_root"`
	MainDir            string            `yaml:"main_dir,omitempty" json:"main_dir,omitempty"`
	RemoteDir          string            `yaml:"remote_dir,omitempty" json:"remote_dir,omitempty"`
	APIBase            string            `yaml:"api_base,omitempty" json:"api_base,omitempty"`
	AuthTokenEnv       string            `yaml:"auth_token_env,omitempty" json:"auth_token_env,omitempty"`
	Headers            map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	HTTPTimeoutSeconds int               `yaml:"http_timeout_seconds,omitempty" json:"http_timeout_seconds,omitempty"`
	MaxFileBytes       int64             `yaml:"max_file_bytes,omitempty" json:"max_file_bytes,omitempty"`
	VersionOrdering    string            `yaml:"version_ordering,omitempty" json:"version_ordering,omitempty"`
	Exclude            []string          `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	Reset              Reset             `yaml:"reset,omitempty" json:"reset,omitempty"`
	History            History           `yaml:"history,omitempty" json:"history,omitempty"`
	Status             Status            `yaml:"status,omitempty" json:"status,omitempty"`
	Log                Log               `yaml:"log,omitempty" json:"log,omitempty"`
}

type Reset struct {
	Mode    string   `yaml:"mode,omitempty" json:"mode,omitempty"`
	Command []string `yaml:"command,omitempty" json:"command,omitempty"`
	Service string   `yaml:"service,omitempty" json:"service,omitempty"`
}

// History locates the sqlite journal of update transitions. An empty path
// disables it.
type History struct {
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

type Status struct {
	Listen       string `yaml:"listen,omitempty" json:"listen,omitempty"`
	MDNS         bool   `yaml:"mdns,omitempty" json:"mdns,omitempty"`
	MDNSInstance string `yaml:"mdns_instance,omitempty" json:"mdns_instance,omitempty"`
	GRPCListen   string `yaml:"grpc_listen,omitempty" json:"grpc_listen,omitempty"`
}

type Log struct {
	Level  string `yaml:"level,omitempty" json:"level,omitempty"`
	Format string `yaml:"format,omitempty" json:"format,omitempty"`
}

// ResolvePath picks the config file: an explicit flag value, then
// OTASTAGE_CONFIG, then DefaultPath.
func ResolvePath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	return envOrDefault("OTASTAGE_CONFIG", DefaultPath)
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config file %q: %w", path, err)
	}

	return Parse(data, path)
}

func Parse(data []byte, source string) (File, error) {
	var cfg File

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse YAML in %q: %w", source, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if errs := cfg.Validate(); len(errs) > 0 {
		return cfg, fmt.Errorf("invalid config in %q: %s", source, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (cfg *File) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("OTASTAGE_MODULE_ROOT")); v != "" {
		cfg.ModuleRoot = v
	}
}

func (cfg *File) applyDefaults() {
	cfg.Repo = strings.TrimSpace(cfg.Repo)
	cfg.ModuleRoot = strings.TrimSpace(cfg.ModuleRoot)
	cfg.MainDir = strings.TrimRight(strings.TrimSpace(cfg.MainDir), "/")
	if cfg.MainDir == "" {
		cfg.MainDir = DefaultMainDir
	}
	cfg.RemoteDir = strings.Trim(strings.TrimSpace(cfg.RemoteDir), "/")
	if cfg.RemoteDir == "" {
		cfg.RemoteDir = cfg.MainDir
	}
	if strings.TrimSpace(cfg.APIBase) == "" {
		cfg.APIBase = repo.DefaultAPIBase
	}
	if strings.TrimSpace(cfg.AuthTokenEnv) == "" {
		cfg.AuthTokenEnv = DefaultAuthTokenEnv
	}
	if cfg.HTTPTimeoutSeconds == 0 {
		cfg.HTTPTimeoutSeconds = DefaultHTTPTimeout
	}
	if strings.TrimSpace(cfg.VersionOrdering) == "" {
		cfg.VersionOrdering = string(updateutil.OrderingLexical)
	}
	if strings.TrimSpace(cfg.Reset.Mode) == "" {
		cfg.Reset.Mode = "none"
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if strings.TrimSpace(cfg.Log.Format) == "" {
		cfg.Log.Format = "text"
	}
}

func (cfg File) Validate() []string {
	var errs []string

	if cfg.Version != 1 {
		errs = append(errs, fmt.Sprintf("unsupported config version %d", cfg.Version))
	}
	if cfg.Repo == "" {
		errs = append(errs, "repo is required")
	} else if _, err := repo.RepoAPIURL(cfg.APIBase, cfg.Repo); err != nil {
		errs = append(errs, err.Error())
	}
	if cfg.ModuleRoot == "" {
		errs = append(errs, "module_root is required")
	}
	if err := updater.CheckDirs(cfg.MainDir, updater.DefaultStagingDir); err != nil {
		errs = append(errs, "main_dir: "+err.Error())
	}
	if cfg.HTTPTimeoutSeconds < 0 {
		errs = append(errs, "http_timeout_seconds must not be negative")
	}
	if cfg.MaxFileBytes < 0 {
		errs = append(errs, "max_file_bytes must not be negative")
	}
	if _, err := updateutil.ParseOrdering(cfg.VersionOrdering); err != nil {
		errs = append(errs, "version_ordering: "+err.Error())
	}
	for i, pattern := range cfg.Exclude {
		if !doublestar.ValidatePattern(strings.TrimSpace(pattern)) {
			errs = append(errs, fmt.Sprintf("exclude[%d] is not a valid pattern: %q", i, pattern))
		}
	}

	switch cfg.Reset.Mode {
	case "none", "reboot":
	case "command":
		if len(cfg.Reset.Command) == 0 || strings.TrimSpace(cfg.Reset.Command[0]) == "" {
			errs = append(errs, "reset.command is required when reset.mode is command")
		}
	case "service":
		if strings.TrimSpace(cfg.Reset.Service) == "" {
			errs = append(errs, "reset.service is required when reset.mode is service")
		}
	default:
		errs = append(errs, "reset.mode must be one of none,reboot,command,service")
	}

	if cfg.Status.MDNS && strings.TrimSpace(cfg.Status.Listen) == "" {
		errs = append(errs, "status.mdns requires status.listen")
	}
	if g := strings.TrimSpace(cfg.Status.GRPCListen); g != "" && g == strings.TrimSpace(cfg.Status.Listen) {
		errs = append(errs, "status.grpc_listen must differ from status.listen")
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(cfg.Log.Level)) {
		errs = append(errs, "log.level must be one of debug,info,warn,error")
	}
	if !slices.Contains([]string{"text", "json"}, strings.ToLower(cfg.Log.Format)) {
		errs = append(errs, "log.format must be one of text,json")
	}
	return errs
}

// AuthToken reads the GitHub token from the configured environment variable.
func (cfg File) AuthToken() string {
	return strings.TrimSpace(os.Getenv(cfg.AuthTokenEnv))
}

func (cfg File) HTTPTimeout() time.Duration {
	return time.Duration(cfg.HTTPTimeoutSeconds) * time.Second
}

func (cfg File) Ordering() updateutil.Ordering {
	o, _ := updateutil.ParseOrdering(cfg.VersionOrdering)
	return o
}

func (cfg File) SlogLevel() slog.Level {
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
