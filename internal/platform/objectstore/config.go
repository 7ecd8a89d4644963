package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/animus-rds/internal/platform/env"
)

// Config addresses the S3-compatible bucket that receives shared results.
type Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

func DefaultConfig() Config {
	return Config{
		Endpoint:  "localhost:9000",
		AccessKey: "rds",
		SecretKey: "rdsminio",
		Region:    "us-east-1",
		Bucket:    "rds-results",
	}
}

// ConfigFromEnv overlays RDS_MINIO_* variables on base.
func ConfigFromEnv(base Config) (Config, error) {
	useSSL, err := env.Bool("RDS_MINIO_USE_SSL", base.UseSSL)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("RDS_MINIO_ENDPOINT", base.Endpoint),
		AccessKey: env.String("RDS_MINIO_ACCESS_KEY", base.AccessKey),
		SecretKey: env.String("RDS_MINIO_SECRET_KEY", base.SecretKey),
		Region:    env.String("RDS_MINIO_REGION", base.Region),
		UseSSL:    useSSL,
		Bucket:    env.String("RDS_MINIO_BUCKET", base.Bucket),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
