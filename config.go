package fileio

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gobeaver/beaver-kit/config"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config describes which backends to register and how the engine,
// directory models and logging behave. Fields load from FILEIO_*
// environment variables (GetConfig) or from a YAML, TOML or JSON file
// (LoadConfigFile) whose keys are the mapstructure names.
type Config struct {
	// Backends lists driver names in resolve order, separated by spaces
	// or commas. The first backend claiming a scheme wins.
	Backends string `env:"FILEIO_BACKENDS,default:local memory" mapstructure:"backends" validate:"required"`

	// ReadOnly wraps every backend so mutations fail with ErrReadOnly.
	ReadOnly bool `env:"FILEIO_READ_ONLY,default:false" mapstructure:"read_only"`

	// Job engine
	ChunkSize int `env:"FILEIO_CHUNK_SIZE,default:65536" mapstructure:"chunk_size" validate:"gte=0"`

	// Directory models and polling monitors
	SubscriberBuffer int `env:"FILEIO_SUBSCRIBER_BUFFER,default:100" mapstructure:"subscriber_buffer" validate:"gte=0"`
	PollIntervalMS   int `env:"FILEIO_POLL_INTERVAL_MS,default:5000" mapstructure:"poll_interval_ms" validate:"gte=0"`

	// TrashDir overrides the home trash location ($XDG_DATA_HOME/Trash).
	TrashDir string `env:"FILEIO_TRASH_DIR" mapstructure:"trash_dir"`

	// Logging
	LogLevel  string `env:"FILEIO_LOG_LEVEL,default:info" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `env:"FILEIO_LOG_FORMAT,default:json" mapstructure:"log_format" validate:"omitempty,oneof=json console"`
	LogOutput string `env:"FILEIO_LOG_OUTPUT,default:stderr" mapstructure:"log_output"`

	// Metrics enables the Prometheus registry in package metrics.
	MetricsEnabled bool `env:"FILEIO_METRICS_ENABLED,default:false" mapstructure:"metrics_enabled"`

	// Memory driver
	MemoryScheme string `env:"FILEIO_MEMORY_SCHEME,default:mem" mapstructure:"memory_scheme"`

	// KV driver (badger)
	KVPath     string `env:"FILEIO_KV_PATH" mapstructure:"kv_path"`
	KVInMemory bool   `env:"FILEIO_KV_IN_MEMORY,default:false" mapstructure:"kv_in_memory"`

	// S3 driver configuration
	S3Region          string `env:"FILEIO_S3_REGION,default:us-east-1" mapstructure:"s3_region"`
	S3Endpoint        string `env:"FILEIO_S3_ENDPOINT" mapstructure:"s3_endpoint"`
	S3AccessKeyID     string `env:"FILEIO_S3_ACCESS_KEY_ID" mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `env:"FILEIO_S3_SECRET_ACCESS_KEY" mapstructure:"s3_secret_access_key"`
	S3ForcePathStyle  bool   `env:"FILEIO_S3_FORCE_PATH_STYLE,default:false" mapstructure:"s3_force_path_style"`

	// GCS (Google Cloud Storage) driver configuration
	GCSPrefix          string `env:"FILEIO_GCS_PREFIX" mapstructure:"gcs_prefix"`
	GCSCredentialsFile string `env:"FILEIO_GCS_CREDENTIALS_FILE" mapstructure:"gcs_credentials_file"` // Path to service account JSON

	// Azure Blob Storage driver configuration
	AzureAccountName string `env:"FILEIO_AZURE_ACCOUNT_NAME" mapstructure:"azure_account_name"`
	AzureAccountKey  string `env:"FILEIO_AZURE_ACCOUNT_KEY" mapstructure:"azure_account_key"`
	AzurePrefix      string `env:"FILEIO_AZURE_PREFIX" mapstructure:"azure_prefix"`
	AzureEndpoint    string `env:"FILEIO_AZURE_ENDPOINT" mapstructure:"azure_endpoint" validate:"omitempty,url"` // Optional custom endpoint

	// SFTP driver configuration
	SFTPHost       string `env:"FILEIO_SFTP_HOST" mapstructure:"sftp_host"`
	SFTPPort       int    `env:"FILEIO_SFTP_PORT,default:22" mapstructure:"sftp_port" validate:"gte=0,lte=65535"`
	SFTPUsername   string `env:"FILEIO_SFTP_USERNAME" mapstructure:"sftp_username"`
	SFTPPassword   string `env:"FILEIO_SFTP_PASSWORD" mapstructure:"sftp_password"`
	SFTPPrivateKey string `env:"FILEIO_SFTP_PRIVATE_KEY" mapstructure:"sftp_private_key"` // path to private key file
	// SFTPKnownHosts is a known_hosts file. Without it host keys are not verified.
	SFTPKnownHosts string `env:"FILEIO_SFTP_KNOWN_HOSTS" mapstructure:"sftp_known_hosts"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile reads a configuration file. FILEIO_* environment
// variables override values from the file, and unset fields take their
// defaults.
func LoadConfigFile(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FILEIO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)

	// every key must be known to viper for AutomaticEnv to apply to it
	var defaults map[string]any
	if err := mapstructure.Decode(*DefaultConfig(), &defaults); err != nil {
		return nil, err
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	settings := make(map[string]any, len(defaults))
	for k := range defaults {
		settings[k] = v.Get(k)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(settings); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	ApplyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields with their default values.
func ApplyDefaults(cfg *Config) {
	if cfg.Backends == "" {
		cfg.Backends = "local memory"
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 64 * 1024
	}
	if cfg.SubscriberBuffer == 0 {
		cfg.SubscriberBuffer = 100
	}
	if cfg.PollIntervalMS == 0 {
		cfg.PollIntervalMS = 5000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.LogOutput == "" {
		cfg.LogOutput = "stderr"
	}
	if cfg.MemoryScheme == "" {
		cfg.MemoryScheme = "mem"
	}
	if cfg.S3Region == "" {
		cfg.S3Region = "us-east-1"
	}
	if cfg.SFTPPort == 0 {
		cfg.SFTPPort = 22
	}
}

var validate = validator.New()

// Validate checks struct tags and the rules tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	seen := make(map[string]bool)
	for _, name := range c.BackendNames() {
		if seen[name] {
			return fmt.Errorf("backends: duplicate driver %q", name)
		}
		seen[name] = true
	}
	if len(seen) == 0 {
		return errors.New("backends: at least one driver must be configured")
	}
	if seen["sftp"] && c.SFTPHost == "" {
		return errors.New("sftp_host is required when the sftp driver is enabled")
	}
	if seen["azure"] && (c.AzureAccountName == "" || c.AzureAccountKey == "") {
		return errors.New("azure_account_name and azure_account_key are required when the azure driver is enabled")
	}
	if seen["kv"] && c.KVPath == "" && !c.KVInMemory {
		return errors.New("kv_path is required when the kv driver is enabled")
	}
	return nil
}

// BackendNames returns the configured driver names in order.
func (c *Config) BackendNames() []string {
	return strings.FieldsFunc(c.Backends, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
}

// PollInterval returns PollIntervalMS as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
