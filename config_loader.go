package keylock

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variable names read by LoadConfigFromEnvironment.
const (
	EnvKEKAlias   = "KEYLOCK_KEK_ALIAS"
	EnvDBPath     = "KEYLOCK_DB_PATH"
	EnvDBFilename = "KEYLOCK_DB_FILENAME"
)

// LoadConfigFromEnvironment loads configuration from environment variables,
// following the 12-factor convention. A .env file in the working directory
// is loaded first when present; real environment variables win over it.
//
// Required:
//   - KEYLOCK_KEK_ALIAS
//
// Optional (defaults applied by Validate):
//   - KEYLOCK_DB_PATH, KEYLOCK_DB_FILENAME
func LoadConfigFromEnvironment() (Config, error) {
	// Ignore a missing .env; it is a development convenience only.
	_ = godotenv.Load()

	kekAlias := os.Getenv(EnvKEKAlias)
	if kekAlias == "" {
		return Config{}, fmt.Errorf("%w: %s environment variable is required",
			ErrInvalidConfiguration, EnvKEKAlias)
	}

	cfg := Config{
		KEKAlias:   kekAlias,
		DBPath:     os.Getenv(EnvDBPath),
		DBFilename: os.Getenv(EnvDBFilename),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// fileConfig mirrors Config with durations as strings, so YAML files can
// say "10m" or "2160h" instead of nanosecond counts.
type fileConfig struct {
	KEKAlias              string `yaml:"kek_alias"`
	DBPath                string `yaml:"db_path"`
	DBFilename            string `yaml:"db_filename"`
	CacheTTL              string `yaml:"cache_ttl"`
	CacheSize             int    `yaml:"cache_size"`
	DefaultRotationPeriod string `yaml:"default_rotation_period"`
	KDFIterations         int    `yaml:"kdf_iterations"`
}

// LoadConfigFromFile loads configuration from a YAML file.
func LoadConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("%w: failed to parse config file %q: %v",
			ErrInvalidConfiguration, path, err)
	}

	cfg := Config{
		KEKAlias:      fc.KEKAlias,
		DBPath:        fc.DBPath,
		DBFilename:    fc.DBFilename,
		CacheSize:     fc.CacheSize,
		KDFIterations: fc.KDFIterations,
	}
	if cfg.CacheTTL, err = parseOptionalDuration("cache_ttl", fc.CacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.DefaultRotationPeriod, err = parseOptionalDuration("default_rotation_period", fc.DefaultRotationPeriod); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func parseOptionalDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, field, err)
	}
	return d, nil
}
