package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DOCBULK_DATABASE_URL.
const EnvPrefix = "DOCBULK"

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"log-level":         "log.level",
	"database-url":      "database.url",
	"base-path":         "source.base_path",
	"lowercase-names":   "source.lowercase_names",
	"access":            "upload.access",
	"source-tag":        "upload.source_tag",
	"project-id":        "upload.project_id",
	"max-file-size":     "upload.max_file_size",
	"validate-pdf":      "upload.validate_pdf",
	"batch-size":        "batch.size",
	"workers":           "batch.workers",
	"limit":             "batch.limit",
	"manifest":          "manifest.path",
	"identifier-column": "manifest.identifier_column",
}

// RegisterFlags defines the operator flags understood by Load on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a config file (yaml, json or toml)")
	fs.String("log-level", "", "log level: debug, info, warn or error")
	fs.String("database-url", "", "ledger database URL")
	fs.String("base-path", "", "directory or gs://bucket/prefix holding the PDF files")
	fs.Bool("lowercase-names", false, "lowercase identifiers when resolving file names")
	fs.String("access", "", "access level for uploaded documents: public, private or organization")
	fs.String("source-tag", "", "source tag set on every uploaded document")
	fs.Int("project-id", 0, "project to add uploaded documents to")
	fs.Int64("max-file-size", 0, "maximum file size in bytes")
	fs.Bool("validate-pdf", false, "fully validate each PDF before upload")
	fs.Int("batch-size", 0, "documents per batch")
	fs.Int("workers", 0, "documents processed concurrently within a batch")
	fs.Int("limit", 0, "maximum documents attempted in this run (0 = no limit)")
	fs.String("manifest", "", "path to the input CSV")
	fs.String("identifier-column", "", "name of the identifier column in the input CSV")
}

// setDefaults registers a default for every key so that environment variables
// are picked up by Unmarshal even for keys without a meaningful default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 10)

	v.SetDefault("source.base_path", "")
	v.SetDefault("source.extension", ".pdf")
	v.SetDefault("source.lowercase_names", false)

	v.SetDefault("remote.api_url", "https://api.www.documentcloud.org/api/")
	v.SetDefault("remote.auth_url", "https://accounts.muckrock.com/api/")
	v.SetDefault("remote.username", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.timeout", "2m")
	v.SetDefault("remote.max_retries", 3)
	v.SetDefault("remote.retry_base", "1s")
	v.SetDefault("remote.breaker_failures", 10)
	v.SetDefault("remote.breaker_timeout", "30s")

	v.SetDefault("upload.max_file_size", 500<<20)
	v.SetDefault("upload.validate_pdf", false)
	v.SetDefault("upload.access", "private")
	v.SetDefault("upload.source_tag", "")
	v.SetDefault("upload.project_id", 0)
	v.SetDefault("upload.delayed_index", true)

	v.SetDefault("batch.size", 25)
	v.SetDefault("batch.workers", 1)
	v.SetDefault("batch.limit", 0)

	v.SetDefault("manifest.path", "")
	v.SetDefault("manifest.identifier_column", "document_number")
	v.SetDefault("manifest.title_column", "title")
	v.SetDefault("manifest.import_batch_size", 1000)

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.insecure", false)
}

// Load configuration from defaults, an optional config file, environment
// variables and command line flags, in increasing order of precedence.
// fs may be nil. Returns a populated Config struct or an error if
// loading/validation fails.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := v.GetString("config")
	if fs != nil {
		if f := fs.Lookup("config"); f != nil && f.Value.String() != "" {
			configFile = f.Value.String()
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("docbulk")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ValidateUpload checks the settings that only the upload commands need, so
// migrate and status work without remote credentials.
func (c *Config) ValidateUpload() error {
	var missing []string
	if c.Source.BasePath == "" {
		missing = append(missing, "source.base_path")
	}
	if c.Remote.Username == "" {
		missing = append(missing, "remote.username")
	}
	if c.Remote.Password == "" {
		missing = append(missing, "remote.password")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid configuration: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}
