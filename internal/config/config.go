package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/amaumene/watchstate/internal/models"
)

// ErrConfig marks configuration failures so the CLI can exit with the
// config error code.
var ErrConfig = errors.New("configuration error")

// BackendType enumerates the supported server kinds.
const (
	TypePlex     = "plex"
	TypeJellyfin = "jellyfin"
	TypeEmby     = "emby"
)

// ImportFlags controls per-backend import behavior.
type ImportFlags struct {
	Enabled      bool `mapstructure:"enabled"`
	MetadataOnly bool `mapstructure:"metadata_only"`
}

// ExportFlags controls per-backend export behavior.
type ExportFlags struct {
	Enabled bool `mapstructure:"enabled"`
}

// WebhookFlags controls webhook origin validation.
type WebhookFlags struct {
	MatchUser bool `mapstructure:"match_user"`
	MatchUUID bool `mapstructure:"match_uuid"`
}

// BackendOptions are per-backend tunables.
type BackendOptions struct {
	SegmentSize     int      `mapstructure:"segment_size"`
	IgnoreLibraries []string `mapstructure:"ignore_libraries"`
	Workers         int      `mapstructure:"workers"`
	TimeoutSeconds  int      `mapstructure:"timeout"`
}

// BackendConfig describes one media server, parsed from servers.yaml.
type BackendConfig struct {
	Name    string         `mapstructure:"-"`
	Type    string         `mapstructure:"type"`
	URL     string         `mapstructure:"url"`
	Token   string         `mapstructure:"token"`
	User    string         `mapstructure:"user"`
	UUID    string         `mapstructure:"uuid"`
	Import  ImportFlags    `mapstructure:"import"`
	Export  ExportFlags    `mapstructure:"export"`
	Webhook WebhookFlags   `mapstructure:"webhook"`
	Options BackendOptions `mapstructure:"options"`
}

// Timeout returns the configured request deadline.
func (b BackendConfig) Timeout() time.Duration {
	if b.Options.TimeoutSeconds > 0 {
		return time.Duration(b.Options.TimeoutSeconds) * time.Second
	}
	return 0
}

// Config holds the application configuration.
type Config struct {
	ConfigDir    string
	DatabaseFile string
	ServersFile  string
	BackupDir    string

	ServerPort string
	APIKey     string

	TZ           string
	CronImport   string
	CronExport   string
	CronBackup   string
	CronProgress string

	WebUIEnabled bool
	LogsContext  bool
	LogLevel     string

	Workers int

	Backends []BackendConfig
}

// Backend resolves a backend definition by name.
func (c *Config) Backend(name string) (BackendConfig, bool) {
	for _, backend := range c.Backends {
		if backend.Name == name {
			return backend, true
		}
	}
	return BackendConfig{}, false
}

// Load loads configuration from environment variables (WS_ prefix), the
// optional .env file and config/servers.yaml under the config directory.
func Load() (*Config, error) {
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("WS")
	viper.AutomaticEnv()

	// Load .env file if it exists (ignore if not found)
	_ = viper.ReadInConfig()

	viper.SetDefault("SERVER_PORT", "7878")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("TZ", "UTC")
	viper.SetDefault("CRON_IMPORT", "0 */1 * * *")
	viper.SetDefault("CRON_EXPORT", "30 */1 * * *")
	viper.SetDefault("CRON_BACKUP", "0 3 * * *")
	viper.SetDefault("CRON_PROGRESS", "*/45 * * * *")
	viper.SetDefault("WORKERS", 10)

	// WEBUI_ENABLED is the one knob documented without the prefix.
	_ = viper.BindEnv("WEBUI_ENABLED", "WEBUI_ENABLED")

	configDir := viper.GetString("CONFIG_DIR")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get home directory: %v", ErrConfig, err)
		}
		configDir = filepath.Join(homeDir, ".config", "watchstate")
	} else {
		absPath, err := filepath.Abs(configDir)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to resolve CONFIG_DIR: %v", ErrConfig, err)
		}
		configDir = absPath
	}

	for _, sub := range []string{"", "config", "cache", "backup", "logs"} {
		if err := os.MkdirAll(filepath.Join(configDir, sub), 0755); err != nil {
			return nil, fmt.Errorf("%w: failed to create config directory: %v", ErrConfig, err)
		}
	}

	cfg := &Config{
		ConfigDir:    configDir,
		DatabaseFile: filepath.Join(configDir, "db.sqlite"),
		ServersFile:  filepath.Join(configDir, "config", "servers.yaml"),
		BackupDir:    filepath.Join(configDir, "backup"),

		ServerPort: viper.GetString("SERVER_PORT"),
		APIKey:     viper.GetString("API_KEY"),

		TZ:           viper.GetString("TZ"),
		CronImport:   viper.GetString("CRON_IMPORT"),
		CronExport:   viper.GetString("CRON_EXPORT"),
		CronBackup:   viper.GetString("CRON_BACKUP"),
		CronProgress: viper.GetString("CRON_PROGRESS"),

		WebUIEnabled: viper.GetBool("WEBUI_ENABLED"),
		LogsContext:  viper.GetBool("LOGS_CONTEXT"),
		LogLevel:     viper.GetString("LOG_LEVEL"),

		Workers: viper.GetInt("WORKERS"),
	}

	backends, err := loadBackends(cfg.ServersFile)
	if err != nil {
		return nil, err
	}
	cfg.Backends = backends

	return cfg, nil
}

// loadBackends reads config/servers.yaml. A missing file is not an error:
// the CLI starts with zero backends and config:add creates it.
func loadBackends(path string) ([]BackendConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	servers := viper.New()
	servers.SetConfigFile(path)
	if err := servers.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrConfig, path, err)
	}

	var parsed map[string]BackendConfig
	if err := servers.UnmarshalKey("backends", &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfig, path, err)
	}

	backends := make([]BackendConfig, 0, len(parsed))
	for name, backend := range parsed {
		backend.Name = name
		if err := validateBackend(backend); err != nil {
			return nil, err
		}
		backends = append(backends, backend)
	}
	return backends, nil
}

func validateBackend(backend BackendConfig) error {
	if !models.ValidateBackendName(backend.Name) {
		return fmt.Errorf("%w: backend name %q must match [a-z0-9_]+", ErrConfig, backend.Name)
	}
	switch backend.Type {
	case TypePlex, TypeJellyfin, TypeEmby:
	default:
		return fmt.Errorf("%w: backend %s has unknown type %q", ErrConfig, backend.Name, backend.Type)
	}
	if backend.URL == "" {
		return fmt.Errorf("%w: backend %s is missing url", ErrConfig, backend.Name)
	}
	if backend.Token == "" {
		return fmt.Errorf("%w: backend %s is missing token", ErrConfig, backend.Name)
	}
	if backend.Type != TypePlex && backend.User == "" {
		return fmt.Errorf("%w: backend %s is missing user", ErrConfig, backend.Name)
	}
	return nil
}
