package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr        string `validate:"required"`
	DatabaseURL     string `validate:"required"`
	DBMaxConns      int    `validate:"min=0"`
	RedisURL        string // empty selects the in-process notifier
	LogLevel        string `validate:"oneof=debug info warn error"`
	RateLimitPerMin int    `validate:"min=1"`

	JWT     JWTConfig
	Pool    PoolConfig
	Storage StorageConfig
	QC      QCConfig
}

type JWTConfig struct {
	Secret string `validate:"required"`
	Issuer string
}

// PoolConfig sizes the worker pool. Size workers exist from startup; up to
// MaxActive run at once, the difference being overflow workers.
type PoolConfig struct {
	Size            int `validate:"min=1"`
	MaxActive       int `validate:"gtefield=Size"`
	Block           bool
	Sweep           string        `validate:"required"`
	ShutdownTimeout time.Duration `validate:"min=0"`
}

type StorageConfig struct {
	Mode             string `validate:"oneof=local filesystem s3 aws localstack"`
	LocalDir         string
	S3Bucket         string
	S3Endpoint       string
	S3Region         string
	AWSAccessKey     string
	AWSSecretKey     string
	S3ForcePathStyle bool
}

type QCConfig struct {
	RoutinesPath string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
		slog.Warn("bad int env, using default", "key", key, "value", v)
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if v == "true" || v == "1" {
			return true
		}
		if v == "false" || v == "0" {
			return false
		}
		slog.Warn("bad bool env, using default", "key", key, "value", v)
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
		slog.Warn("bad duration env, using default", "key", key, "value", v)
	}
	return def
}

func loadEnvFiles() {
	envFiles := []string{
		".env.local",
		".env",
	}

	currentDir, err := os.Getwd()
	if err != nil {
		slog.Debug("failed to get current directory", "error", err)
		return
	}

	// current directory and up to 3 parents
	searchDirs := []string{currentDir}
	for i := 0; i < 3; i++ {
		parent := filepath.Dir(currentDir)
		if parent == currentDir {
			break
		}
		searchDirs = append(searchDirs, parent)
		currentDir = parent
	}

	for _, dir := range searchDirs {
		loaded := false
		for _, envFile := range envFiles {
			envPath := filepath.Join(dir, envFile)
			if _, err := os.Stat(envPath); err != nil {
				continue
			}
			if err := godotenv.Load(envPath); err != nil {
				slog.Debug("failed to load environment file", "path", envPath, "error", err)
				continue
			}
			slog.Debug("loaded environment file", "path", envPath)
			loaded = true
		}
		if loaded {
			return
		}
	}
	slog.Debug("no .env files found, using system environment variables only")
}

// Load reads configuration from the environment (and .env files) and
// validates it.
func Load() (Config, error) {
	loadEnvFiles()
	poolSize := mustInt("POOL_SIZE", 4)
	cfg := Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":8080"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		DBMaxConns:      mustInt("DB_MAX_CONNS", 0),
		RedisURL:        os.Getenv("REDIS_URL"),
		LogLevel:        strings.ToLower(getenv("LOG_LEVEL", "info")),
		RateLimitPerMin: mustInt("RATE_LIMIT_PER_MINUTE", 120),
		JWT: JWTConfig{
			Secret: getenv("JWT_SECRET", "dev-secret-change-me"),
			Issuer: getenv("JWT_ISSUER", "fluxqc"),
		},
		Pool: PoolConfig{
			Size:            poolSize,
			MaxActive:       mustInt("POOL_MAX_ACTIVE", poolSize*2),
			Block:           getBool("POOL_BLOCK", true),
			Sweep:           getenv("DISPATCH_SWEEP", "@every 30s"),
			ShutdownTimeout: mustDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Mode:             getenv("STORAGE_MODE", "local"),
			LocalDir:         getenv("LOCAL_STORAGE_DIR", "./data"),
			S3Bucket:         getenv("S3_BUCKET", "fluxqc-data"),
			S3Endpoint:       os.Getenv("S3_ENDPOINT"),
			S3Region:         getenv("S3_REGION", "us-east-1"),
			AWSAccessKey:     os.Getenv("AWS_ACCESS_KEY_ID"),
			AWSSecretKey:     os.Getenv("AWS_SECRET_ACCESS_KEY"),
			S3ForcePathStyle: getBool("S3_FORCE_PATH_STYLE", true),
		},
		QC: QCConfig{
			RoutinesPath: os.Getenv("QC_ROUTINES_CONFIG"),
		},
	}
	return cfg, cfg.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// envNames maps struct fields to the variables that set them, for errors.
var envNames = map[string]string{
	"Config.HTTPAddr":             "HTTP_ADDR",
	"Config.DatabaseURL":          "DATABASE_URL",
	"Config.DBMaxConns":           "DB_MAX_CONNS",
	"Config.LogLevel":             "LOG_LEVEL",
	"Config.RateLimitPerMin":      "RATE_LIMIT_PER_MINUTE",
	"Config.JWT.Secret":           "JWT_SECRET",
	"Config.Pool.Size":            "POOL_SIZE",
	"Config.Pool.MaxActive":       "POOL_MAX_ACTIVE",
	"Config.Pool.Sweep":           "DISPATCH_SWEEP",
	"Config.Pool.ShutdownTimeout": "SHUTDOWN_TIMEOUT",
	"Config.Storage.Mode":         "STORAGE_MODE",
}

func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := envNames[fe.Namespace()]
		if name == "" {
			name = fe.Namespace()
		}
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", name, fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// SlogLevel converts LogLevel for the slog handler.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
