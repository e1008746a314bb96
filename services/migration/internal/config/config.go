package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"

	"aimigrate/pkg/s3"
)

// Model store backends.
const (
	ModelStoreFS = "fs"
	ModelStoreS3 = "s3"
)

// Config holds runtime configuration for the migration tools.
type Config struct {
	Addr         string        `env:"ADDR,default=:8080"`
	BaseDir      string        `env:"MIGRATION_BASE_DIR,default=/gapdat/migration/aiplatform"`
	SourceAPIURL string        `env:"MIGRATION_SOURCE_API_URL"`
	TargetAPIURL string        `env:"MIGRATION_TARGET_API_URL"`
	LineageURL   string        `env:"MIGRATION_LINEAGE_API_URL"`
	APIToken     string        `env:"MIGRATION_API_TOKEN"`
	HTTPTimeout  time.Duration `env:"MIGRATION_HTTP_TIMEOUT,default=30s"`
	DBDSN        string        `env:"DB_DSN"`
	NATSURL      string        `env:"NATS_URL"`
	OTLPEndpoint string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ProdAPIKey   string        `env:"MIGRATION_PROD_API_KEY"`
	CopyWorkers  int           `env:"MIGRATION_COPY_WORKERS,default=4"`

	ModelStore       string `env:"MIGRATION_MODEL_STORE,default=fs"`
	ModelDir         string `env:"MIGRATION_MODEL_DIR,default=/gapdat/migration/models"`
	ModelBucket      string `env:"MIGRATION_MODEL_BUCKET"`
	ModelPrefix      string `env:"MIGRATION_MODEL_PREFIX,default=models"`
	S3Endpoint       string `env:"S3_ENDPOINT"`
	S3AccessKey      string `env:"S3_ACCESS_KEY"`
	S3SecretKey      string `env:"S3_SECRET_KEY"`
	S3Region         string `env:"S3_REGION,default=us-east-1"`
	S3DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	S3ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`

	SigningSecretKey string `env:"MIGRATION_SIGNING_SECRET_KEY"`
	SigningPublicKey string `env:"MIGRATION_SIGNING_PUBLIC_KEY"`
}

// Load returns a Config populated from environment variables.
func Load(ctx context.Context) (Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &cfg, Lookuper: lookuper}); err != nil {
		return Config{}, err
	}
	cfg.ModelStore = strings.ToLower(strings.TrimSpace(cfg.ModelStore))
	return cfg, nil
}

// ValidatePlatform checks the settings needed to talk to the asset platforms.
func (c Config) ValidatePlatform() error {
	var errs []error
	if c.SourceAPIURL == "" {
		errs = append(errs, errors.New("MIGRATION_SOURCE_API_URL is required"))
	}
	if c.TargetAPIURL == "" {
		errs = append(errs, errors.New("MIGRATION_TARGET_API_URL is required"))
	}
	if c.LineageURL == "" {
		errs = append(errs, errors.New("MIGRATION_LINEAGE_API_URL is required"))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("MIGRATION_HTTP_TIMEOUT must be positive, got %s", c.HTTPTimeout))
	}
	switch c.ModelStore {
	case ModelStoreFS, ModelStoreS3:
	default:
		errs = append(errs, fmt.Errorf("MIGRATION_MODEL_STORE must be %q or %q, got %q", ModelStoreFS, ModelStoreS3, c.ModelStore))
	}
	if c.ModelStore == ModelStoreS3 && c.ModelBucket == "" {
		errs = append(errs, errors.New("MIGRATION_MODEL_BUCKET is required for the s3 model store"))
	}
	return errors.Join(errs...)
}

// S3 returns the object store settings.
func (c Config) S3() s3.Config {
	return s3.Config{
		Endpoint:       c.S3Endpoint,
		AccessKey:      c.S3AccessKey,
		SecretKey:      c.S3SecretKey,
		Region:         c.S3Region,
		DisableTLS:     c.S3DisableTLS,
		ForcePathStyle: c.S3ForcePathStyle,
	}
}
