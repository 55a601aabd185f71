// Package config reads fieldtrials settings from FIELDTRIALS_* environment
// variables (optionally seeded from a .env file) and configures logging.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"fieldtrials/internal/blob"
	"fieldtrials/internal/plots"
)

// StorageDriver identifies a persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"
	StorageSQLite   StorageDriver = "sqlite"
	StoragePostgres StorageDriver = "postgres"
)

// Environment variable names.
const (
	EnvEnvironment   = "FIELDTRIALS_ENV"
	EnvLogLevel      = "FIELDTRIALS_LOG_LEVEL"
	EnvStorage       = "FIELDTRIALS_STORAGE_DRIVER"
	EnvSQLitePath    = "FIELDTRIALS_SQLITE_PATH"
	EnvPostgresDSN   = "FIELDTRIALS_POSTGRES_DSN"
	EnvBlobDriver    = "FIELDTRIALS_BLOB_DRIVER"
	EnvBlobFSRoot    = "FIELDTRIALS_BLOB_FS_ROOT"
	EnvS3Bucket      = "FIELDTRIALS_BLOB_S3_BUCKET"
	EnvS3Region      = "FIELDTRIALS_BLOB_S3_REGION"
	EnvS3Endpoint    = "FIELDTRIALS_BLOB_S3_ENDPOINT"
	EnvS3PathStyle   = "FIELDTRIALS_BLOB_S3_PATH_STYLE"
	EnvHTTPAddr      = "FIELDTRIALS_HTTP_ADDR"
	EnvIndexColumn   = "FIELDTRIALS_PLOT_INDEX_COLUMN"
	EnvNumericIndex  = "FIELDTRIALS_PLOT_NUMERIC_INDEX"
	EnvImportMaxRows = "FIELDTRIALS_IMPORT_MAX_ROWS"
	EnvImportStrict  = "FIELDTRIALS_IMPORT_STRICT"
)

// DefaultHTTPAddr is the listen address used when none is configured.
const DefaultHTTPAddr = ":8080"

// Config is the resolved process configuration.
type Config struct {
	Environment   string
	Storage       StorageDriver
	SQLitePath    string
	PostgresDSN   string
	Blob          blob.Config
	HTTPAddr      string
	IndexColumn   string
	NumericIndex  bool
	ImportMaxRows int
	ImportStrict  bool
}

// Production reports whether FIELDTRIALS_ENV is "production".
func (c Config) Production() bool { return c.Environment == "production" }

// Load resolves the configuration from the process environment.
func Load() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup resolves the configuration through lookup, which has the
// signature of os.LookupEnv.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}
	cfg := Config{
		Environment: get(EnvEnvironment, "development"),
		Storage:     StorageDriver(strings.ToLower(get(EnvStorage, string(StorageSQLite)))),
		SQLitePath:  get(EnvSQLitePath, "fieldtrials.db"),
		PostgresDSN: get(EnvPostgresDSN, ""),
		Blob: blob.Config{
			Driver: blob.Driver(strings.ToLower(get(EnvBlobDriver, string(blob.DriverFilesystem)))),
			FSRoot: get(EnvBlobFSRoot, "./blobdata"),
			S3: blob.S3Config{
				Bucket:   get(EnvS3Bucket, ""),
				Region:   get(EnvS3Region, ""),
				Endpoint: get(EnvS3Endpoint, ""),
			},
		},
		HTTPAddr:    get(EnvHTTPAddr, DefaultHTTPAddr),
		IndexColumn: get(EnvIndexColumn, plots.DefaultIndexColumn),
	}
	switch cfg.Storage {
	case StorageMemory, StorageSQLite, StoragePostgres:
	default:
		return Config{}, fmt.Errorf("%s: unknown storage driver %q", EnvStorage, cfg.Storage)
	}
	if cfg.Blob.Driver == blob.DriverS3 && cfg.Blob.S3.Bucket == "" {
		return Config{}, fmt.Errorf("%s required for s3 blob driver", EnvS3Bucket)
	}
	var err error
	if cfg.Blob.S3.PathStyle, err = parseBool(EnvS3PathStyle, get(EnvS3PathStyle, "false")); err != nil {
		return Config{}, err
	}
	if cfg.NumericIndex, err = parseBool(EnvNumericIndex, get(EnvNumericIndex, "false")); err != nil {
		return Config{}, err
	}
	if cfg.ImportStrict, err = parseBool(EnvImportStrict, get(EnvImportStrict, "false")); err != nil {
		return Config{}, err
	}
	if raw := get(EnvImportMaxRows, "0"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("%s: expected a non-negative integer, got %q", EnvImportMaxRows, raw)
		}
		cfg.ImportMaxRows = n
	}
	return cfg, nil
}

func parseBool(key, raw string) (bool, error) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: expected a boolean, got %q", key, raw)
	}
	return v, nil
}

// LoadDotEnv loads the given .env files (".env" when none) into the process
// environment without overriding variables that are already set. It reports
// whether a file was loaded.
func LoadDotEnv(files ...string) bool {
	return godotenv.Load(files...) == nil
}

// SetupLogging configures the global zerolog logger: JSON on stderr in
// production and a console writer otherwise. level is one of debug, info,
// warn, error or disabled; empty picks warn in production and info elsewhere.
func SetupLogging(production bool, level string) {
	if production {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lvl, known := parseLevel(level, production)
	zerolog.SetGlobalLevel(lvl)
	if !known {
		log.Warn().Str("level", level).Msg("unknown log level, defaulting to info")
	}
}

func parseLevel(level string, production bool) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off":
		return zerolog.Disabled, true
	case "":
		if production {
			return zerolog.WarnLevel, true
		}
		return zerolog.InfoLevel, true
	default:
		return zerolog.InfoLevel, false
	}
}

// Bootstrap loads .env, configures logging from the environment and returns the
// resolved configuration.
func Bootstrap() (Config, error) {
	loaded := LoadDotEnv()
	cfg, err := Load()
	if err != nil {
		return Config{}, err
	}
	level, _ := os.LookupEnv(EnvLogLevel)
	SetupLogging(cfg.Production(), level)
	if loaded {
		log.Debug().Msg("loaded environment from .env")
	}
	return cfg, nil
}
