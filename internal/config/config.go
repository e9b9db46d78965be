package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/punchamoorthee/invoiceledger/internal/docstore"
	"github.com/punchamoorthee/invoiceledger/internal/ledger"
	"github.com/punchamoorthee/invoiceledger/internal/oracle"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" envconfig:"ENDPOINT"`
	AccessKey string `yaml:"access_key" envconfig:"ACCESS_KEY"`
	SecretKey string `yaml:"secret_key" envconfig:"SECRET_KEY"`
	Bucket    string `yaml:"bucket" envconfig:"BUCKET"`
	Region    string `yaml:"region" envconfig:"REGION"`
	UseSSL    bool   `yaml:"use_ssl" envconfig:"USE_SSL"`
}

// Config is read from defaults, then an optional YAML file, then the
// environment; each layer overrides the one before.
type Config struct {
	DBSource    string `yaml:"db_source" envconfig:"DB_SOURCE"`
	Port        string `yaml:"port" envconfig:"SERVER_PORT"`
	Env         string `yaml:"environment" envconfig:"ENVIRONMENT"`
	StoreDriver string `yaml:"store_driver" envconfig:"STORE_DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" envconfig:"SQLITE_PATH"`

	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	OriginatorShareBps int64  `yaml:"originator_share_bps" envconfig:"ORIGINATOR_SHARE_BPS"`
	MinTargetBps       int64  `yaml:"min_target_bps" envconfig:"MIN_TARGET_BPS"`
	MaxTargetBps       int64  `yaml:"max_target_bps" envconfig:"MAX_TARGET_BPS"`
	MaxInterestRateBps int64  `yaml:"max_interest_rate_bps" envconfig:"MAX_INTEREST_RATE_BPS"`
	MaxRetries         int    `yaml:"max_retries" envconfig:"MAX_RETRIES"`
	RefundPolicy       string `yaml:"refund_policy" envconfig:"REFUND_POLICY"`

	CreditTiers []oracle.Tier `yaml:"credit_tiers" ignored:"true"`

	FeedBuffer      int           `yaml:"feed_buffer" envconfig:"FEED_BUFFER"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`

	Minio MinioConfig `yaml:"minio" envconfig:"MINIO"`
}

func Default() *Config {
	p := ledger.DefaultPolicy()
	return &Config{
		Port:               "8080",
		Env:                "development",
		StoreDriver:        DriverPostgres,
		LogLevel:           "info",
		LogFormat:          "text",
		OriginatorShareBps: p.OriginatorShareBps,
		MinTargetBps:       p.MinTargetBps,
		MaxTargetBps:       p.MaxTargetBps,
		MaxInterestRateBps: p.MaxInterestRateBps,
		MaxRetries:         p.MaxRetries,
		RefundPolicy:       string(p.RefundPolicy),
		FeedBuffer:         64,
		ShutdownTimeout:    15 * time.Second,
		Minio:              MinioConfig{Bucket: "invoices"},
	}
}

// Load builds the configuration. path names an optional YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DBSource == "" {
			errs = append(errs, errors.New("DB_SOURCE environment variable is required"))
		}
	case DriverSQLite, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.StoreDriver))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("server port is required"))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, t := range c.CreditTiers {
		if t.MaxAmount < 0 || t.MinScore < 0 {
			errs = append(errs, fmt.Errorf("credit tier %d is negative", i))
		}
	}
	if c.FeedBuffer < 0 {
		errs = append(errs, errors.New("feed buffer is negative"))
	}
	return errors.Join(errs...)
}

// Policy returns the ledger rules carried by the configuration.
func (c *Config) Policy() ledger.Policy {
	return ledger.Policy{
		OriginatorShareBps: c.OriginatorShareBps,
		MinTargetBps:       c.MinTargetBps,
		MaxTargetBps:       c.MaxTargetBps,
		MaxInterestRateBps: c.MaxInterestRateBps,
		MaxRetries:         c.MaxRetries,
		RefundPolicy:       ledger.RefundPolicy(c.RefundPolicy),
	}
}

// DocumentStoreEnabled reports whether an object store endpoint is set.
func (c *Config) DocumentStoreEnabled() bool {
	return c.Minio.Endpoint != ""
}

func (c *Config) MinioStoreConfig() docstore.MinioConfig {
	return docstore.MinioConfig{
		Endpoint:  c.Minio.Endpoint,
		AccessKey: c.Minio.AccessKey,
		SecretKey: c.Minio.SecretKey,
		Bucket:    c.Minio.Bucket,
		Region:    c.Minio.Region,
		UseSSL:    c.Minio.UseSSL,
	}
}
