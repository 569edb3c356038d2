// Package config loads kstore configuration from YAML files and KSTORE_
// environment variables.
//
// Example:
//
//	cfg, err := config.Load("kstore.yaml")
//	if err != nil {
//	    return err
//	}
//	st := store.New("countries", columns, "data/", dev, cfg.Bucket)
package config

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"kstore/logger"
)

// EnvPrefix prefixes environment overrides, e.g. KSTORE_BUCKET_PAGE_SIZE
const EnvPrefix = "KSTORE"

// Config is the root configuration
type Config struct {
	// Bucket settings drive page layout and file handling
	Bucket BucketConfig `mapstructure:"bucket" yaml:"bucket"`
	// Log configures the global logger
	Log logger.Config `mapstructure:"log" yaml:"log"`
	// Device selects and configures the storage backend
	Device DeviceConfig `mapstructure:"device" yaml:"device"`
}

// BucketConfig controls how buckets lay out and compress their data
type BucketConfig struct {
	// PageSize is the number of rows buffered per page
	PageSize int `mapstructure:"page_size" yaml:"page_size"`
	// PoolSize bounds concurrent column opens; 0 opens synchronously
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// OneFilePerColumn stores every column in its own file instead of one shared file
	OneFilePerColumn bool `mapstructure:"one_file_per_column" yaml:"one_file_per_column"`
	// PageCompression is the block compressor of generic pages
	PageCompression string `mapstructure:"page_compression" yaml:"page_compression"`
	// CompressionLevel is passed to compressors that support levels
	CompressionLevel int `mapstructure:"compression_level" yaml:"compression_level"`
	// StreamCompression is the whole-file codec of stream buckets
	StreamCompression string `mapstructure:"stream_compression" yaml:"stream_compression"`
	// Kind is "page" or "stream"
	Kind string `mapstructure:"kind" yaml:"kind"`
}

// DeviceConfig selects the storage backend
type DeviceConfig struct {
	// Kind is one of local, memory, s3, gcs, http
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Root is the local directory or the key prefix on object stores
	Root string `mapstructure:"root" yaml:"root"`
	// Bucket is the object store bucket
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	Region          string `mapstructure:"region" yaml:"region"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`
	// BaseURL is the prefix of read-only HTTP devices
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Bucket: BucketConfig{
			PageSize:          1024,
			PoolSize:          128,
			OneFilePerColumn:  true,
			PageCompression:   "snappy",
			StreamCompression: "snappy",
			Kind:              "page",
		},
		Log: logger.Config{
			Level:    "info",
			Encoding: "json",
		},
		Device: DeviceConfig{
			Kind: "local",
			Root: ".",
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("bucket.page_size", d.Bucket.PageSize)
	v.SetDefault("bucket.pool_size", d.Bucket.PoolSize)
	v.SetDefault("bucket.one_file_per_column", d.Bucket.OneFilePerColumn)
	v.SetDefault("bucket.page_compression", d.Bucket.PageCompression)
	v.SetDefault("bucket.compression_level", d.Bucket.CompressionLevel)
	v.SetDefault("bucket.stream_compression", d.Bucket.StreamCompression)
	v.SetDefault("bucket.kind", d.Bucket.Kind)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
	v.SetDefault("log.encoding", d.Log.Encoding)
	v.SetDefault("log.output_paths", d.Log.OutputPaths)
	v.SetDefault("device.kind", d.Device.Kind)
	v.SetDefault("device.root", d.Device.Root)
	v.SetDefault("device.bucket", "")
	v.SetDefault("device.region", "")
	v.SetDefault("device.endpoint", "")
	v.SetDefault("device.credentials_file", "")
	v.SetDefault("device.base_url", "")
}

// Load reads path (optional) and applies environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %q", path)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and names
func (c *Config) Validate() error {
	if c.Bucket.PageSize <= 0 {
		return errors.Newf("bucket.page_size must be positive, got %d", c.Bucket.PageSize)
	}
	if c.Bucket.PoolSize < 0 {
		return errors.Newf("bucket.pool_size must not be negative, got %d", c.Bucket.PoolSize)
	}
	switch c.Bucket.Kind {
	case "page", "stream":
	default:
		return errors.Newf("bucket.kind must be page or stream, got %q", c.Bucket.Kind)
	}
	switch c.Device.Kind {
	case "local", "memory", "s3", "gcs", "http":
	default:
		return errors.Newf("unknown device.kind %q", c.Device.Kind)
	}
	return nil
}
