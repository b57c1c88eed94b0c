package keylock

import (
	"fmt"
	"time"

	"github.com/hengadev/errsx"
)

// Defaults applied by Config.Validate.
const (
	DefaultDBPath         = ".keylock"
	DefaultDBFilename     = "keys.db"
	DefaultCacheTTL       = 10 * time.Minute
	DefaultCacheSize      = 1024
	DefaultRotationPeriod = 90 * 24 * time.Hour

	// DefaultKDFIterations is the PBKDF2 iteration count used when
	// exporting keys. MinKDFIterations is the floor below which exports
	// and imports are rejected outright.
	DefaultKDFIterations = 480_000
	MinKDFIterations     = 100_000

	// MaxKEKAliasLength bounds the KEK alias, matching typical KMS limits.
	MaxKEKAliasLength = 256
)

// Config holds the configuration for constructing a Manager.
//
// It contains only data, no behavior. Configuration can come from code,
// environment variables (LoadConfigFromEnvironment) or a YAML file
// (LoadConfigFromFile) and is passed explicitly to New; there is no
// process-wide instance.
type Config struct {
	// KEKAlias identifies the key-encryption key in the authority.
	// AWS KMS: "alias/my-key" or a full ARN. Vault Transit: the key name.
	// Required.
	KEKAlias string

	// DBPath is the directory holding the metadata database.
	// Default: .keylock
	DBPath string

	// DBFilename is the metadata database filename. Default: keys.db
	DBFilename string

	// CacheTTL bounds how long an unwrapped DEK may be served without a
	// fresh authority round trip. Default: 10m.
	CacheTTL time.Duration

	// CacheSize caps the number of cached secrets; least-recently-used
	// entries are evicted beyond it. Default: 1024.
	CacheSize int

	// DefaultRotationPeriod is used by CreateKey when the caller passes a
	// zero rotation period. Default: 90 days.
	DefaultRotationPeriod time.Duration

	// KDFIterations is the PBKDF2 iteration count for key exports.
	// Default: 480000. Values below MinKDFIterations are rejected.
	KDFIterations int
}

// Validate checks the configuration and applies defaults to optional
// fields. It collects every problem instead of stopping at the first one.
func (c *Config) Validate() error {
	var errs errsx.Map

	if c.KEKAlias == "" {
		errs.Set("kek_alias", fmt.Errorf("%w: KEKAlias is required", ErrInvalidConfiguration))
	} else if len(c.KEKAlias) > MaxKEKAliasLength {
		errs.Set("kek_alias", fmt.Errorf("%w: KEKAlias must be %d characters or less, got %d",
			ErrInvalidConfiguration, MaxKEKAliasLength, len(c.KEKAlias)))
	}

	if c.CacheTTL < 0 {
		errs.Set("cache_ttl", fmt.Errorf("%w: CacheTTL cannot be negative", ErrInvalidConfiguration))
	}
	if c.CacheSize < 0 {
		errs.Set("cache_size", fmt.Errorf("%w: CacheSize cannot be negative", ErrInvalidConfiguration))
	}
	if c.KDFIterations != 0 && c.KDFIterations < MinKDFIterations {
		errs.Set("kdf_iterations", fmt.Errorf("%w: KDFIterations must be at least %d, got %d",
			ErrInvalidConfiguration, MinKDFIterations, c.KDFIterations))
	}

	if !errs.IsEmpty() {
		return errs.AsError()
	}

	if c.DBPath == "" {
		c.DBPath = DefaultDBPath
	}
	if c.DBFilename == "" {
		c.DBFilename = DefaultDBFilename
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.DefaultRotationPeriod == 0 {
		c.DefaultRotationPeriod = DefaultRotationPeriod
	}
	if c.KDFIterations == 0 {
		c.KDFIterations = DefaultKDFIterations
	}
	return nil
}
