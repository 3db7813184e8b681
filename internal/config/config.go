package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Log       LogConfig       `mapstructure:"log" validate:"required"`
	Database  DatabaseConfig  `mapstructure:"database" validate:"required"`
	Source    SourceConfig    `mapstructure:"source" validate:"required"`
	Remote    RemoteConfig    `mapstructure:"remote" validate:"required"`
	Upload    UploadConfig    `mapstructure:"upload" validate:"required"`
	Batch     BatchConfig     `mapstructure:"batch" validate:"required"`
	Manifest  ManifestConfig  `mapstructure:"manifest" validate:"required"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// DatabaseConfig contains the connection settings of the progress ledger.
type DatabaseConfig struct {
	URL          string `mapstructure:"url" validate:"required,url"`
	MaxOpenConns int    `mapstructure:"max_open_conns" validate:"gte=1"`
}

// SourceConfig describes where the document files live.
type SourceConfig struct {
	// BasePath is a local directory or a gs://bucket/prefix URL.
	BasePath string `mapstructure:"base_path"`
	// Extension is appended to the identifier to form the file name.
	Extension string `mapstructure:"extension" validate:"required,startswith=."`
	// LowercaseNames lowercases the identifier before resolving the file.
	LowercaseNames bool `mapstructure:"lowercase_names"`
}

// RemoteConfig contains the document service endpoint and credentials.
type RemoteConfig struct {
	APIURL   string `mapstructure:"api_url" validate:"required,url"`
	AuthURL  string `mapstructure:"auth_url" validate:"required,url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	Timeout    time.Duration `mapstructure:"timeout" validate:"gt=0"`
	MaxRetries uint64        `mapstructure:"max_retries" validate:"lte=10"`
	RetryBase  time.Duration `mapstructure:"retry_base" validate:"gt=0"`

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit breaker. Zero disables it.
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout" validate:"gt=0"`
}

// UploadConfig contains the per-document submission settings.
type UploadConfig struct {
	MaxFileSize  int64  `mapstructure:"max_file_size" validate:"gt=0"`
	ValidatePDF  bool   `mapstructure:"validate_pdf"`
	Access       string `mapstructure:"access" validate:"required,oneof=public private organization"`
	SourceTag    string `mapstructure:"source_tag"`
	ProjectID    int    `mapstructure:"project_id" validate:"gte=0"`
	DelayedIndex bool   `mapstructure:"delayed_index"`
}

// BatchConfig controls how the scheduler walks the ledger.
type BatchConfig struct {
	Size    int `mapstructure:"size" validate:"gte=1,lte=1000"`
	Workers int `mapstructure:"workers" validate:"gte=1,lte=64"`
	// Limit caps the number of documents attempted in one run. Zero means no limit.
	Limit int `mapstructure:"limit" validate:"gte=0"`
}

// ManifestConfig describes the input table.
type ManifestConfig struct {
	Path             string `mapstructure:"path"`
	IdentifierColumn string `mapstructure:"identifier_column" validate:"required"`
	TitleColumn      string `mapstructure:"title_column" validate:"required"`
	// ImportBatchSize is the number of rows upserted per ledger transaction.
	ImportBatchSize int `mapstructure:"import_batch_size" validate:"gte=1"`
}

// TelemetryConfig enables metric export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	Insecure     bool   `mapstructure:"insecure"`
}
