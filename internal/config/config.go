// Package config loads server settings from defaults, an optional config
// file and the environment.
package config

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jengzang/mahjong-analysis-go/internal/analysis"
	apperrors "github.com/jengzang/mahjong-analysis-go/internal/errors"
)

// EnvPrefix prefixes every environment override, e.g. ANALYSIS_SERVER_PORT.
const EnvPrefix = "ANALYSIS"

// Registry backends.
const (
	RegistrySQLite = "sqlite"
	RegistryJSON   = "json"
)

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Registry RegistryConfig `mapstructure:"registry"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Analysis AnalysisConfig `mapstructure:"analysis"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CreateRateLimit int           `mapstructure:"create_rate_limit"` // per minute per client IP, 0 disables
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// CacheConfig locates the local cache.
type CacheConfig struct {
	RootDir string `mapstructure:"root_dir"`
}

// RegistryConfig selects where task records are persisted.
type RegistryConfig struct {
	Backend    string `mapstructure:"backend"`
	SQLitePath string `mapstructure:"sqlite_path"`
	JSONPath   string `mapstructure:"json_path"`
}

// StorageConfig holds the object storage bucket and credentials.
type StorageConfig struct {
	Region              string `mapstructure:"region"`
	Bucket              string `mapstructure:"bucket"`
	BucketURL           string `mapstructure:"bucket_url"`
	SecretID            string `mapstructure:"secret_id"`
	SecretKey           string `mapstructure:"secret_key"`
	Token               string `mapstructure:"token"`
	PublishResults      bool   `mapstructure:"publish_results"`
	DownloadConcurrency int    `mapstructure:"download_concurrency"`
}

// AnalysisConfig selects the inference backend and its prompts.
type AnalysisConfig struct {
	Backend           string        `mapstructure:"backend"`
	Host              string        `mapstructure:"host"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	SystemInstruction string        `mapstructure:"system_instruction"`
	ExtractPrompt     string        `mapstructure:"extract_prompt"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// legacyEnv maps config keys onto the environment names older deployments
// already set. The prefixed name wins when both are present.
var legacyEnv = map[string]string{
	"storage.secret_id":  "COS_SECRET_ID",
	"storage.secret_key": "COS_SECRET_KEY",
	"storage.region":     "COS_REGION",
	"storage.bucket":     "COS_BUCKET",
	"storage.token":      "COS_TOKEN",
	"cache.root_dir":     "CACHE_ROOT_DIR",
	"registry.json_path": "TASK_STORAGE_FILE",
	"analysis.host":      "OLLAMA_HOST",
}

// Load reads configuration. configFile may be empty; a named file that
// cannot be read is an error.
func Load(configFile string) (*Config, error) {
	v := newViper()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.Wrap(err, "failed to unmarshal config")
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, legacy := range legacyEnv {
		prefixed := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, prefixed, legacy)
	}
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 15000)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.create_rate_limit", 30)

	v.SetDefault("cache.root_dir", "./cache")

	v.SetDefault("registry.backend", RegistrySQLite)
	v.SetDefault("registry.sqlite_path", "./data/tasks.db")
	v.SetDefault("registry.json_path", "./tasks.json")

	v.SetDefault("storage.region", "ap-guangzhou")
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.bucket_url", "")
	v.SetDefault("storage.secret_id", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.token", "")
	v.SetDefault("storage.publish_results", false)
	v.SetDefault("storage.download_concurrency", 4)

	v.SetDefault("analysis.backend", analysis.BackendOllama)
	v.SetDefault("analysis.host", "http://127.0.0.1:11434")
	v.SetDefault("analysis.model", "qwen2.5vl:7b")
	v.SetDefault("analysis.timeout", "10m")
	v.SetDefault("analysis.system_instruction", analysis.DefaultSystemInstruction)
	v.SetDefault("analysis.extract_prompt", analysis.DefaultExtractPrompt)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Validate checks cfg for values the server cannot start with. All problems
// are reported together.
func Validate(cfg *Config) error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{apperrors.ErrConfigInvalid}, args...)...))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		invalid("server.port %d out of range", cfg.Server.Port)
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		invalid("server.shutdown_timeout must be positive")
	}
	if cfg.Server.CreateRateLimit < 0 {
		invalid("server.create_rate_limit must not be negative")
	}
	if cfg.Cache.RootDir == "" {
		invalid("cache.root_dir is empty")
	}

	switch cfg.Registry.Backend {
	case RegistrySQLite:
		if cfg.Registry.SQLitePath == "" {
			invalid("registry.sqlite_path is empty")
		}
	case RegistryJSON:
		if cfg.Registry.JSONPath == "" {
			invalid("registry.json_path is empty")
		}
	default:
		invalid("registry.backend %q is not one of %s, %s", cfg.Registry.Backend, RegistrySQLite, RegistryJSON)
	}

	if cfg.Storage.Bucket != "" && cfg.Storage.Region == "" && cfg.Storage.BucketURL == "" {
		invalid("storage.region is required with storage.bucket")
	}
	if cfg.Storage.DownloadConcurrency <= 0 {
		invalid("storage.download_concurrency must be positive")
	}

	if cfg.Analysis.Backend == "" {
		invalid("analysis.backend is empty")
	}
	if cfg.Analysis.Model == "" {
		invalid("analysis.model is empty")
	}
	if cfg.Analysis.Timeout <= 0 {
		invalid("analysis.timeout must be positive")
	}

	return stderrors.Join(errs...)
}
