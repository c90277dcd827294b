package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"k8s.io/apimachinery/pkg/api/resource"
)

const (
	StorageBackendKubernetes = "kubernetes"
	StorageBackendSQLite     = "sqlite"
)

// Config represents the application configuration
type Config struct {
	// Application configuration
	Debug     bool   `env:"DEBUG" default:"false"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// HTTP API
	APIHost     string `env:"API_HOST" default:"0.0.0.0"`
	APIPort     int    `env:"API_PORT" default:"8000"`
	MetricsAddr string `env:"METRICS_ADDR" default:"127.0.0.1:9200"`
	SkipMetrics bool   `env:"SKIP_METRICS" default:"false"`

	// Images
	SkipImages                  bool          `env:"SKIP_IMAGES" default:"false"`
	ImagesConfigRefreshInterval time.Duration `env:"IMAGES_CONFIG_REFRESH_INTERVAL" default:"1h"`
	ImagesConfigNamespace       string        `env:"IMAGES_CONFIG_NAMESPACE" default:"tf-public"`
	ImagesConfigMap             string        `env:"IMAGES_CONFIG_MAP" default:"image-config"`
	HarborConfigPath            string        `env:"HARBOR_CONFIG_PATH" default:"/etc/jobs-api/harbor.json"`

	// Logs
	LokiURL string `env:"LOKI_URL" default:"http://loki-tools.loki.svc:3100/loki"`

	// Requests to Harbor and Loki
	UpstreamRequestDelay   time.Duration `env:"UPSTREAM_REQUEST_DELAY" default:"0s"`
	UpstreamMaxConcurrency int           `env:"UPSTREAM_MAX_CONCURRENCY" default:"4"`

	// Job definition storage
	EnableStorage  bool   `env:"ENABLE_STORAGE" default:"false"`
	StorageBackend string `env:"STORAGE_BACKEND" default:"kubernetes"`
	SQLitePath     string `env:"SQLITE_PATH" default:"jobs.db"`

	// Platform
	ProjectFile         string `env:"PROJECT_FILE" default:"/etc/wmcs-project"`
	DefaultPublicDomain string `env:"DEFAULT_PUBLIC_DOMAIN" default:"toolforge.org"`
	DefaultCPULimit     string `env:"DEFAULT_CPU_LIMIT" default:"500m"`
	DefaultMemoryLimit  string `env:"DEFAULT_MEMORY_LIMIT" default:"512Mi"`
}

// Addr is the listen address of the API server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

// Provider defines the interface for configuration management
type Provider interface {
	Load() (*Config, error)
	Validate(*Config) error
	LoadFromEnv() (*Config, error)
}

// Loader implements the Provider interface
type Loader struct {
	envLoader EnvLoader
}

// EnvLoader defines interface for environment variable loading
// This allows for testing with mock environment variables
type EnvLoader interface {
	Getenv(key string) string
	LookupEnv(key string) (string, bool)
}

// OSEnvLoader implements EnvLoader using os package
type OSEnvLoader struct{}

func (o *OSEnvLoader) Getenv(key string) string {
	return os.Getenv(key)
}

func (o *OSEnvLoader) LookupEnv(key string) (string, bool) {
	return os.LookupEnv(key)
}

// NewLoader creates a new configuration loader
func NewLoader() Provider {
	return &Loader{
		envLoader: &OSEnvLoader{},
	}
}

// NewLoaderWithEnv creates a loader with custom environment loader (for testing)
func NewLoaderWithEnv(envLoader EnvLoader) Provider {
	return &Loader{
		envLoader: envLoader,
	}
}

// Load loads configuration from environment variables
func (l *Loader) Load() (*Config, error) {
	return l.LoadFromEnv()
}

// LoadFromEnv loads configuration from environment variables
func (l *Loader) LoadFromEnv() (*Config, error) {
	var parseErrors []string

	config := &Config{
		Debug:     l.getBoolWithDefault("DEBUG", false, &parseErrors),
		LogLevel:  l.getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: l.getEnvWithDefault("LOG_FORMAT", "text"),

		APIHost:     l.getEnvWithDefault("API_HOST", "0.0.0.0"),
		APIPort:     l.getIntWithDefault("API_PORT", 8000, &parseErrors),
		MetricsAddr: l.getEnvWithDefault("METRICS_ADDR", "127.0.0.1:9200"),
		SkipMetrics: l.getBoolWithDefault("SKIP_METRICS", false, &parseErrors),

		SkipImages:                  l.getBoolWithDefault("SKIP_IMAGES", false, &parseErrors),
		ImagesConfigRefreshInterval: l.getDurationWithDefault("IMAGES_CONFIG_REFRESH_INTERVAL", time.Hour, &parseErrors),
		ImagesConfigNamespace:       l.getEnvWithDefault("IMAGES_CONFIG_NAMESPACE", "tf-public"),
		ImagesConfigMap:             l.getEnvWithDefault("IMAGES_CONFIG_MAP", "image-config"),
		HarborConfigPath:            l.getEnvWithDefault("HARBOR_CONFIG_PATH", "/etc/jobs-api/harbor.json"),

		UpstreamRequestDelay:   l.getDurationWithDefault("UPSTREAM_REQUEST_DELAY", 0, &parseErrors),
		UpstreamMaxConcurrency: l.getIntWithDefault("UPSTREAM_MAX_CONCURRENCY", 4, &parseErrors),

		EnableStorage:  l.getBoolWithDefault("ENABLE_STORAGE", false, &parseErrors),
		StorageBackend: l.getEnvWithDefault("STORAGE_BACKEND", StorageBackendKubernetes),
		SQLitePath:     l.getEnvWithDefault("SQLITE_PATH", "jobs.db"),

		ProjectFile:         l.getEnvWithDefault("PROJECT_FILE", "/etc/wmcs-project"),
		DefaultPublicDomain: l.getEnvWithDefault("DEFAULT_PUBLIC_DOMAIN", "toolforge.org"),
		DefaultCPULimit:     l.getEnvWithDefault("DEFAULT_CPU_LIMIT", "500m"),
		DefaultMemoryLimit:  l.getEnvWithDefault("DEFAULT_MEMORY_LIMIT", "512Mi"),
	}

	// an explicitly empty LOKI_URL disables loki
	if value, ok := l.envLoader.LookupEnv("LOKI_URL"); ok {
		config.LokiURL = value
	} else {
		config.LokiURL = "http://loki-tools.loki.svc:3100/loki"
	}

	if config.Debug {
		config.LogLevel = "debug"
	}

	if len(parseErrors) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %w", &ValidationError{Errors: parseErrors})
	}

	// Validate configuration
	if err := l.Validate(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration, reporting every problem at once
func (l *Loader) Validate(config *Config) error {
	err := validation.ValidateStruct(config,
		validation.Field(&config.LogLevel, validation.In("debug", "info", "warn", "error").
			Error("must be one of: debug, info, warn, error")),
		validation.Field(&config.LogFormat, validation.In("text", "json").
			Error("must be one of: text, json")),
		validation.Field(&config.APIPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&config.MetricsAddr, validation.When(!config.SkipMetrics, validation.Required)),
		validation.Field(&config.ImagesConfigRefreshInterval, validation.Min(time.Duration(0))),
		validation.Field(&config.ImagesConfigNamespace, validation.When(!config.SkipImages, validation.Required)),
		validation.Field(&config.ImagesConfigMap, validation.When(!config.SkipImages, validation.Required)),
		validation.Field(&config.LokiURL, validation.By(validateURL)),
		validation.Field(&config.UpstreamRequestDelay, validation.Min(time.Duration(0))),
		validation.Field(&config.UpstreamMaxConcurrency, validation.Min(1)),
		validation.Field(&config.StorageBackend, validation.In(StorageBackendKubernetes, StorageBackendSQLite).
			Error("must be one of: kubernetes, sqlite")),
		validation.Field(&config.SQLitePath,
			validation.When(config.StorageBackend == StorageBackendSQLite, validation.Required)),
		validation.Field(&config.DefaultPublicDomain, validation.Required),
		validation.Field(&config.DefaultCPULimit, validation.Required, validation.By(validateQuantity)),
		validation.Field(&config.DefaultMemoryLimit, validation.Required, validation.By(validateQuantity)),
	)
	if err == nil {
		return nil
	}

	fieldErrs, ok := err.(validation.Errors)
	if !ok {
		return err
	}

	var errors []string
	for field, fieldErr := range fieldErrs {
		errors = append(errors, fmt.Sprintf("%s is invalid: %v", envName(field), fieldErr))
	}
	sort.Strings(errors)
	return &ValidationError{Errors: errors}
}

// ValidationError represents configuration validation errors
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Helper methods

var envNames = map[string]string{
	"LogLevel":                    "LOG_LEVEL",
	"LogFormat":                   "LOG_FORMAT",
	"APIPort":                     "API_PORT",
	"MetricsAddr":                 "METRICS_ADDR",
	"ImagesConfigRefreshInterval": "IMAGES_CONFIG_REFRESH_INTERVAL",
	"ImagesConfigNamespace":       "IMAGES_CONFIG_NAMESPACE",
	"ImagesConfigMap":             "IMAGES_CONFIG_MAP",
	"LokiURL":                     "LOKI_URL",
	"UpstreamRequestDelay":        "UPSTREAM_REQUEST_DELAY",
	"UpstreamMaxConcurrency":      "UPSTREAM_MAX_CONCURRENCY",
	"StorageBackend":              "STORAGE_BACKEND",
	"SQLitePath":                  "SQLITE_PATH",
	"DefaultPublicDomain":         "DEFAULT_PUBLIC_DOMAIN",
	"DefaultCPULimit":             "DEFAULT_CPU_LIMIT",
	"DefaultMemoryLimit":          "DEFAULT_MEMORY_LIMIT",
}

func envName(field string) string {
	if name, ok := envNames[field]; ok {
		return name
	}
	return field
}

func validateURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

func validateQuantity(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	if _, err := resource.ParseQuantity(s); err != nil {
		return fmt.Errorf("not a valid quantity")
	}
	return nil
}

func (l *Loader) getEnvWithDefault(key, defaultValue string) string {
	if value := l.envLoader.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationWithDefault gets a duration from environment with fallback to default
func (l *Loader) getDurationWithDefault(key string, defaultValue time.Duration, errs *[]string) time.Duration {
	valueStr := l.envLoader.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s is invalid: not a duration", key))
		return defaultValue
	}
	return duration
}

// getIntWithDefault gets an integer from environment with fallback to default
func (l *Loader) getIntWithDefault(key string, defaultValue int, errs *[]string) int {
	valueStr := l.envLoader.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s is invalid: not an integer", key))
		return defaultValue
	}
	return value
}

func (l *Loader) getBoolWithDefault(key string, defaultValue bool, errs *[]string) bool {
	valueStr := l.envLoader.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s is invalid: not a boolean", key))
		return defaultValue
	}
	return value
}
