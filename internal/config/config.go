package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const appName = "capsync"

// Config holds all application configuration
type Config struct {
	ServerURL   string        `mapstructure:"server_url" yaml:"server_url" validate:"omitempty,url"`
	DataDir     string        `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	Token       string        `mapstructure:"token" yaml:"token,omitempty"`
	TokenFile   string        `mapstructure:"token_file" yaml:"token_file,omitempty"`
	MetricsAddr string        `mapstructure:"metrics_addr" yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`
	Sync        SyncConfig    `mapstructure:"sync" yaml:"sync"`
	Upload      UploadConfig  `mapstructure:"upload" yaml:"upload"`
	Inbox       InboxConfig   `mapstructure:"inbox" yaml:"inbox"`
	Network     NetworkConfig `mapstructure:"network" yaml:"network"`
	Log         LogConfig     `mapstructure:"log" yaml:"log"`
	Server      ServerConfig  `mapstructure:"server" yaml:"server"`
}

// SyncConfig holds sync behavior settings
type SyncConfig struct {
	DebounceMs     int `mapstructure:"debounce_ms" yaml:"debounce_ms" validate:"min=0"`
	BatchSize      int `mapstructure:"batch_size" yaml:"batch_size" validate:"min=1,max=100"`
	PullLimit      int `mapstructure:"pull_limit" yaml:"pull_limit" validate:"min=1,max=1000"`
	RetryBaseMs    int `mapstructure:"retry_base_ms" yaml:"retry_base_ms" validate:"min=1"`
	RetryAttempts  int `mapstructure:"retry_attempts" yaml:"retry_attempts" validate:"min=1,max=20"`
	IntervalSec    int `mapstructure:"interval_sec" yaml:"interval_sec" validate:"min=0"`
	RequestTimeout int `mapstructure:"request_timeout_sec" yaml:"request_timeout_sec" validate:"min=1"`
}

// UploadConfig holds chunked upload settings
type UploadConfig struct {
	ChunkSizeKB     int `mapstructure:"chunk_size_kb" yaml:"chunk_size_kb" validate:"min=64,max=16384"`
	Workers         int `mapstructure:"workers" yaml:"workers" validate:"min=1,max=8"`
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec" validate:"min=1"`
}

// InboxConfig controls the capture inbox watcher. An empty path disables it.
type InboxConfig struct {
	Path            string   `mapstructure:"path" yaml:"path,omitempty" validate:"omitempty,dir"`
	SettleMs        int      `mapstructure:"settle_ms" yaml:"settle_ms" validate:"min=0"`
	IgnorePatterns  []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	IncludePatterns []string `mapstructure:"include_patterns" yaml:"include_patterns"`
}

// NetworkConfig controls connectivity detection
type NetworkConfig struct {
	QuietPeriodMs    int `mapstructure:"quiet_period_ms" yaml:"quiet_period_ms" validate:"min=0"`
	ProbeIntervalSec int `mapstructure:"probe_interval_sec" yaml:"probe_interval_sec" validate:"min=1"`
}

// LogConfig controls logging output
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb" validate:"min=1"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days" validate:"min=0"`
}

// ServerConfig holds settings for the companion sync server
type ServerConfig struct {
	Listen         string         `mapstructure:"listen" yaml:"listen" validate:"hostname_port"`
	Storage        string         `mapstructure:"storage" yaml:"storage" validate:"oneof=memory postgres"`
	Database       DatabaseConfig `mapstructure:"database" yaml:"database"`
	JWTSecret      string         `mapstructure:"jwt_secret" yaml:"jwt_secret,omitempty"`
	ConflictPolicy string         `mapstructure:"conflict_policy" yaml:"conflict_policy" validate:"oneof=server_wins client_wins"`
	RateLimit      float64        `mapstructure:"rate_limit" yaml:"rate_limit" validate:"min=0"`
	RateBurst      int            `mapstructure:"rate_burst" yaml:"rate_burst" validate:"min=0"`
	MaxChunkMB     int            `mapstructure:"max_chunk_mb" yaml:"max_chunk_mb" validate:"min=1,max=64"`
}

// DatabaseConfig holds Postgres connection settings for the server
type DatabaseConfig struct {
	Host     string `mapstructure:"host" yaml:"host,omitempty"`
	Port     int    `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
	User     string `mapstructure:"user" yaml:"user,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Database string `mapstructure:"database" yaml:"database,omitempty"`
	Schema   string `mapstructure:"schema" yaml:"schema,omitempty"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode,omitempty"`
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "require"
	}
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, sslMode,
	)
	if d.Schema != "" {
		connStr += "&search_path=" + d.Schema + ",public"
	}
	return connStr
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		DataDir: getDataDir(),
		Sync: SyncConfig{
			DebounceMs:     3000,
			BatchSize:      100,
			PullLimit:      500,
			RetryBaseMs:    1000,
			RetryAttempts:  8,
			RequestTimeout: 30,
		},
		Upload: UploadConfig{
			ChunkSizeKB:     1024,
			Workers:         1,
			PollIntervalSec: 5,
		},
		Inbox: InboxConfig{
			SettleMs: 2000,
			IgnorePatterns: []string{
				".trash/**",
				".git/**",
				"**/.DS_Store",
				"**/*.tmp",
				"**/.*.swp",
			},
		},
		Network: NetworkConfig{
			QuietPeriodMs:    5000,
			ProbeIntervalSec: 10,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Server: ServerConfig{
			Listen:         "127.0.0.1:8420",
			Storage:        "memory",
			ConflictPolicy: "server_wins",
			RateLimit:      20,
			RateBurst:      40,
			MaxChunkMB:     8,
			Database: DatabaseConfig{
				Port:    5432,
				SSLMode: "require",
				Schema:  appName,
			},
		},
	}
}

// Load reads configuration from file, .env and environment
func Load(configPath string) (*Config, error) {
	// A missing .env is fine; anything else is worth reporting
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(ConfigDir())
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("CAPSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Server.Database.Password = os.ExpandEnv(cfg.Server.Database.Password)
	cfg.Server.JWTSecret = os.ExpandEnv(cfg.Server.JWTSecret)
	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.Inbox.Path = expandPath(cfg.Inbox.Path)
	cfg.TokenFile = expandPath(cfg.TokenFile)
	cfg.Log.File = expandPath(cfg.Log.File)
	if cfg.Server.Database.Schema != "" {
		cfg.Server.Database.Schema = SanitizeIdentifier(cfg.Server.Database.Schema)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("sync.debounce_ms", d.Sync.DebounceMs)
	v.SetDefault("sync.batch_size", d.Sync.BatchSize)
	v.SetDefault("sync.pull_limit", d.Sync.PullLimit)
	v.SetDefault("sync.retry_base_ms", d.Sync.RetryBaseMs)
	v.SetDefault("sync.retry_attempts", d.Sync.RetryAttempts)
	v.SetDefault("sync.interval_sec", d.Sync.IntervalSec)
	v.SetDefault("sync.request_timeout_sec", d.Sync.RequestTimeout)
	v.SetDefault("upload.chunk_size_kb", d.Upload.ChunkSizeKB)
	v.SetDefault("upload.workers", d.Upload.Workers)
	v.SetDefault("upload.poll_interval_sec", d.Upload.PollIntervalSec)
	v.SetDefault("inbox.path", d.Inbox.Path)
	v.SetDefault("inbox.settle_ms", d.Inbox.SettleMs)
	v.SetDefault("inbox.ignore_patterns", d.Inbox.IgnorePatterns)
	v.SetDefault("network.quiet_period_ms", d.Network.QuietPeriodMs)
	v.SetDefault("network.probe_interval_sec", d.Network.ProbeIntervalSec)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)
	v.SetDefault("log.max_age_days", d.Log.MaxAgeDays)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.storage", d.Server.Storage)
	v.SetDefault("server.conflict_policy", d.Server.ConflictPolicy)
	v.SetDefault("server.rate_limit", d.Server.RateLimit)
	v.SetDefault("server.rate_burst", d.Server.RateBurst)
	v.SetDefault("server.max_chunk_mb", d.Server.MaxChunkMB)
	v.SetDefault("server.database.port", d.Server.Database.Port)
	v.SetDefault("server.database.sslmode", d.Server.Database.SSLMode)
	v.SetDefault("server.database.schema", d.Server.Database.Schema)

	// Bind keys without defaults so CAPSYNC_* variables reach Unmarshal
	for _, key := range []string{
		"server_url", "token", "token_file", "metrics_addr", "log.file",
		"server.jwt_secret", "server.database.host", "server.database.user",
		"server.database.password", "server.database.database",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate checks struct rules and cross-field requirements
func (c *Config) Validate() error {
	validate := validator.New()

	validate.RegisterValidation("dir", func(fl validator.FieldLevel) bool {
		path := fl.Field().String()
		if path == "" {
			return false
		}
		info, err := os.Stat(path)
		if err != nil {
			return false
		}
		return info.IsDir()
	})

	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	if c.Server.Storage == "postgres" {
		db := c.Server.Database
		if db.Host == "" || db.User == "" || db.Database == "" {
			return errors.New("config validation failed: server.database host, user and database are required for postgres storage")
		}
	}
	return nil
}

// RequireClient checks the settings every client command needs
func (c *Config) RequireClient() error {
	if c.ServerURL == "" {
		return errors.New("server_url is not configured (set it in config.yaml or CAPSYNC_SERVER_URL)")
	}
	if c.Token == "" && c.TokenFile == "" {
		return errors.New("no token configured (set token, token_file or CAPSYNC_TOKEN)")
	}
	return nil
}

// DatabasePath returns the local SQLite database path
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, appName+".db")
}

// Debounce returns the sync trigger debounce
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Sync.DebounceMs) * time.Millisecond
}

// ConfigDir returns the OS-specific configuration directory
func ConfigDir() string {
	switch runtime.GOOS {
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(os.Getenv("USERPROFILE"), ".config", appName)
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", appName)
	}
}

func getDataDir() string {
	switch runtime.GOOS {
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, appName)
		}
		return ConfigDir()
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, appName)
		}
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", appName)
	}
}

// expandPath expands ~ and environment variables in a path
func expandPath(path string) string {
	if path == "" {
		return ""
	}
	if strings.HasPrefix(path, "~") {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, path[1:])
	}
	return os.ExpandEnv(path)
}

var (
	invalidIdentChars = regexp.MustCompile(`[^a-z0-9_]`)
	repeatedUnderline = regexp.MustCompile(`_+`)
)

// SanitizeIdentifier converts a name into a lowercase identifier usable as
// a Postgres schema or device ID:
// - letters, digits and underscores only
// - spaces and hyphens become underscores
// - starts with a letter
// - at most 63 characters
func SanitizeIdentifier(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	name = invalidIdentChars.ReplaceAllString(name, "")
	name = repeatedUnderline.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")

	if len(name) == 0 {
		name = appName
	} else if unicode.IsDigit(rune(name[0])) {
		name = appName + "_" + name
	}

	// Postgres identifier limit
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "_")
	}
	return name
}
