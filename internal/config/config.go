package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	appErrors "tenant-backup/internal/errors"
)

const envPrefix = "TENANT_BACKUP_"

// Storage providers understood by the storage factory
const (
	StorageProviderLocal  = "local"
	StorageProviderS3     = "s3"
	StorageProviderAzure  = "azure"
	StorageProviderGCS    = "gcs"
	StorageProviderMemory = "memory"
)

// Config is the complete tenant-backup configuration
type Config struct {
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Storage       StorageConfig       `mapstructure:"storage" yaml:"storage"`
	Compression   CompressionConfig   `mapstructure:"compression" yaml:"compression"`
	Encryption    EncryptionConfig    `mapstructure:"encryption" yaml:"encryption"`
	Extraction    ExtractionConfig    `mapstructure:"extraction" yaml:"extraction"`
	Catalog       CatalogConfig       `mapstructure:"catalog" yaml:"catalog"`
	Scheduling    SchedulingConfig    `mapstructure:"scheduling" yaml:"scheduling"`
	Restore       RestoreConfig       `mapstructure:"restore" yaml:"restore"`
	Retention     RetentionConfig     `mapstructure:"retention" yaml:"retention"`
	Notifications NotificationsConfig `mapstructure:"notifications" yaml:"notifications"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Plans         PlansConfig         `mapstructure:"plans" yaml:"plans"`
}

// DatabaseConfig points at the metadata database holding backups, schedules and restores
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver"`
	DSN          string `mapstructure:"dsn" yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// StorageConfig defines where backup blobs are written
type StorageConfig struct {
	Provider string       `mapstructure:"provider" yaml:"provider"`
	Prefix   string       `mapstructure:"prefix" yaml:"prefix"`
	Local    *LocalConfig `mapstructure:"local" yaml:"local,omitempty"`
	S3       *S3Config    `mapstructure:"s3" yaml:"s3,omitempty"`
	Azure    *AzureConfig `mapstructure:"azure" yaml:"azure,omitempty"`
	GCS      *GCSConfig   `mapstructure:"gcs" yaml:"gcs,omitempty"`
	Retry    RetryConfig  `mapstructure:"retry" yaml:"retry"`
}

// LocalConfig for local file system storage
type LocalConfig struct {
	BasePath string `mapstructure:"base_path" yaml:"base_path"`
}

// S3Config for Amazon S3 or an S3 compatible endpoint
type S3Config struct {
	Bucket     string `mapstructure:"bucket" yaml:"bucket"`
	Region     string `mapstructure:"region" yaml:"region"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKey  string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey  string `mapstructure:"secret_key" yaml:"secret_key,omitempty"`
	PartSizeMB int64  `mapstructure:"part_size_mb" yaml:"part_size_mb"`
}

// AzureConfig for Azure Blob Storage
type AzureConfig struct {
	AccountName   string `mapstructure:"account_name" yaml:"account_name"`
	AccountKey    string `mapstructure:"account_key" yaml:"account_key,omitempty"`
	ContainerName string `mapstructure:"container_name" yaml:"container_name"`
}

// GCSConfig for Google Cloud Storage
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket" yaml:"bucket"`
	CredentialsPath string `mapstructure:"credentials_path" yaml:"credentials_path,omitempty"`
	ProjectID       string `mapstructure:"project_id" yaml:"project_id,omitempty"`
}

// RetryConfig bounds retries around storage calls
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
}

// CompressionConfig selects the package compression stream
type CompressionConfig struct {
	Algorithm string `mapstructure:"algorithm" yaml:"algorithm"`
	Level     int    `mapstructure:"level" yaml:"level"`
}

// EncryptionConfig configures the keyring that holds key material
type EncryptionConfig struct {
	Keyring       string `mapstructure:"keyring" yaml:"keyring"`
	KeyringPath   string `mapstructure:"keyring_path" yaml:"keyring_path"`
	PassphraseEnv string `mapstructure:"passphrase_env" yaml:"passphrase_env"`

	// Passphrase is never written to the config file
	Passphrase string `mapstructure:"-" yaml:"-"`
}

// ExtractionConfig tunes record extraction
type ExtractionConfig struct {
	ChunkSize int `mapstructure:"chunk_size" yaml:"chunk_size"`
}

// CategoryConfig maps a category to the tables it spans
type CategoryConfig struct {
	Name   string   `mapstructure:"name" yaml:"name"`
	Label  string   `mapstructure:"label" yaml:"label"`
	Kind   string   `mapstructure:"kind" yaml:"kind"`
	Tables []string `mapstructure:"tables" yaml:"tables"`
}

// CatalogConfig describes the tenant data source and its category mapping
type CatalogConfig struct {
	Driver           string           `mapstructure:"driver" yaml:"driver"`
	DSN              string           `mapstructure:"dsn" yaml:"dsn"`
	TenantColumn     string           `mapstructure:"tenant_column" yaml:"tenant_column"`
	IDColumn         string           `mapstructure:"id_column" yaml:"id_column"`
	SoftDeleteColumn string           `mapstructure:"soft_delete_column" yaml:"soft_delete_column"`
	OtherCategory    bool             `mapstructure:"other_category" yaml:"other_category"`
	Categories       []CategoryConfig `mapstructure:"categories" yaml:"categories"`
	ExcludedTables   []string         `mapstructure:"excluded_tables" yaml:"excluded_tables"`
}

// SchedulingConfig drives the scheduler and its worker pool
type SchedulingConfig struct {
	TickInterval     time.Duration   `mapstructure:"tick_interval" yaml:"tick_interval"`
	SweepInterval    time.Duration   `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	MaxConcurrent    int             `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	MaxRetries       int             `mapstructure:"max_retries" yaml:"max_retries"`
	Backoff          []time.Duration `mapstructure:"backoff" yaml:"backoff"`
	OverdueThreshold time.Duration   `mapstructure:"overdue_threshold" yaml:"overdue_threshold"`
	JobTimeout       time.Duration   `mapstructure:"job_timeout" yaml:"job_timeout"`
}

// RestoreConfig holds restore engine limits
type RestoreConfig struct {
	RollbackWindow      time.Duration `mapstructure:"rollback_window" yaml:"rollback_window"`
	ConfirmationTTL     time.Duration `mapstructure:"confirmation_ttl" yaml:"confirmation_ttl"`
	BatchSize           int           `mapstructure:"batch_size" yaml:"batch_size"`
	DefaultConflictMode string        `mapstructure:"default_conflict_mode" yaml:"default_conflict_mode"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SafetyBackupTimeout time.Duration `mapstructure:"safety_backup_timeout" yaml:"safety_backup_timeout"`
}

// RetentionConfig holds the defaults applied to lazily created tenant settings
type RetentionConfig struct {
	DefaultDays            int           `mapstructure:"default_days" yaml:"default_days"`
	ExpiryWarning          time.Duration `mapstructure:"expiry_warning" yaml:"expiry_warning"`
	StorageWarningRatio    float64       `mapstructure:"storage_warning_ratio" yaml:"storage_warning_ratio"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
	FailureRateThreshold   float64       `mapstructure:"failure_rate_threshold" yaml:"failure_rate_threshold"`
	AutoDeleteExpired      bool          `mapstructure:"auto_delete_expired" yaml:"auto_delete_expired"`
}

// ChannelConfig is one notification destination
type ChannelConfig struct {
	Type       string            `mapstructure:"type" yaml:"type"`
	URL        string            `mapstructure:"url" yaml:"url,omitempty"`
	Path       string            `mapstructure:"path" yaml:"path,omitempty"`
	Channel    string            `mapstructure:"channel" yaml:"channel,omitempty"`
	SMTPHost   string            `mapstructure:"smtp_host" yaml:"smtp_host,omitempty"`
	SMTPPort   int               `mapstructure:"smtp_port" yaml:"smtp_port,omitempty"`
	Username   string            `mapstructure:"username" yaml:"username,omitempty"`
	Password   string            `mapstructure:"password" yaml:"password,omitempty"`
	From       string            `mapstructure:"from" yaml:"from,omitempty"`
	Recipients []string          `mapstructure:"recipients" yaml:"recipients,omitempty"`
	Headers    map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`
	Events     []string          `mapstructure:"events" yaml:"events,omitempty"`
}

// NotificationsConfig configures the notification sink
type NotificationsConfig struct {
	Enabled  bool            `mapstructure:"enabled" yaml:"enabled"`
	Timeout  time.Duration   `mapstructure:"timeout" yaml:"timeout"`
	Channels []ChannelConfig `mapstructure:"channels" yaml:"channels"`
}

// LoggingConfig mirrors the logging package configuration
type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Format    string `mapstructure:"format" yaml:"format"`
	File      string `mapstructure:"file" yaml:"file,omitempty"`
	AuditFile string `mapstructure:"audit_file" yaml:"audit_file,omitempty"`
}

// PlansConfig names the plan assigned to tenants without settings
type PlansConfig struct {
	Default string `mapstructure:"default" yaml:"default"`
}

// Validate validates the complete configuration
func (c *Config) Validate() error {
	var errs appErrors.ValidationErrors

	c.Database.validate(&errs)
	c.Storage.validate(&errs)
	c.Compression.validate(&errs)
	c.Encryption.validate(&errs)
	c.Catalog.validate(&errs)
	c.Scheduling.validate(&errs)
	c.Restore.validate(&errs)
	c.Retention.validate(&errs)
	c.Notifications.validate(&errs)
	c.Logging.validate(&errs)

	return errs.AsError()
}

// SetDefaults fills every unset value
func (c *Config) SetDefaults() {
	c.Database.SetDefaults()
	c.Storage.SetDefaults()
	c.Compression.SetDefaults()
	c.Encryption.SetDefaults()
	c.Extraction.SetDefaults()
	c.Catalog.SetDefaults()
	c.Scheduling.SetDefaults()
	c.Restore.SetDefaults()
	c.Retention.SetDefaults()
	c.Notifications.SetDefaults()
	c.Logging.SetDefaults()
	if c.Plans.Default == "" {
		c.Plans.Default = "free"
	}
}

// LoadFromEnvironment overrides values from TENANT_BACKUP_* variables
func (c *Config) LoadFromEnvironment() {
	c.Database.LoadFromEnvironment()
	c.Storage.LoadFromEnvironment()
	c.Compression.LoadFromEnvironment()
	c.Encryption.LoadFromEnvironment()
	c.Catalog.LoadFromEnvironment()
	c.Logging.LoadFromEnvironment()
	if val := getenv("PLAN_DEFAULT"); val != "" {
		c.Plans.Default = val
	}
}

func getenv(name string) string {
	return os.Getenv(envPrefix + name)
}

func (dc *DatabaseConfig) validate(errs *appErrors.ValidationErrors) {
	switch dc.Driver {
	case "sqlite", "mysql", "postgres":
	default:
		errs.Add("database.driver", fmt.Sprintf("unsupported driver %q, must be sqlite, mysql or postgres", dc.Driver))
	}
	if dc.DSN == "" {
		errs.Add("database.dsn", "dsn is required")
	}
	if dc.MaxOpenConns < 0 {
		errs.Add("database.max_open_conns", "cannot be negative")
	}
}

// SetDefaults sets default values for the metadata database
func (dc *DatabaseConfig) SetDefaults() {
	if dc.Driver == "" {
		dc.Driver = "sqlite"
	}
	if dc.DSN == "" && dc.Driver == "sqlite" {
		dc.DSN = "file:tenant-backup.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	if dc.MaxOpenConns == 0 {
		dc.MaxOpenConns = 10
	}
}

// LoadFromEnvironment loads database configuration from environment variables
func (dc *DatabaseConfig) LoadFromEnvironment() {
	if val := getenv("DATABASE_DRIVER"); val != "" {
		dc.Driver = strings.ToLower(val)
	}
	if val := getenv("DATABASE_DSN"); val != "" {
		dc.DSN = val
	}
	if val := getenv("DATABASE_AUTO_MIGRATE"); val != "" {
		dc.AutoMigrate = strings.ToLower(val) == "true"
	}
}

func (sc *StorageConfig) validate(errs *appErrors.ValidationErrors) {
	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil || sc.Local.BasePath == "" {
			errs.Add("storage.local.base_path", "base path is required when provider is 'local'")
		}
	case StorageProviderS3:
		if sc.S3 == nil || sc.S3.Bucket == "" {
			errs.Add("storage.s3.bucket", "bucket is required when provider is 's3'")
		} else if sc.S3.Region == "" {
			errs.Add("storage.s3.region", "region is required when provider is 's3'")
		}
	case StorageProviderAzure:
		if sc.Azure == nil || sc.Azure.AccountName == "" || sc.Azure.ContainerName == "" {
			errs.Add("storage.azure", "account name and container name are required when provider is 'azure'")
		}
	case StorageProviderGCS:
		if sc.GCS == nil || sc.GCS.Bucket == "" {
			errs.Add("storage.gcs.bucket", "bucket is required when provider is 'gcs'")
		}
	case StorageProviderMemory:
	default:
		errs.Add("storage.provider", fmt.Sprintf("invalid storage provider: %s", sc.Provider))
	}
	if sc.Retry.MaxAttempts < 1 {
		errs.Add("storage.retry.max_attempts", "must be at least 1")
	}
}

// SetDefaults sets default values for storage configuration
func (sc *StorageConfig) SetDefaults() {
	if sc.Provider == "" {
		sc.Provider = StorageProviderLocal
	}
	if sc.Prefix == "" {
		sc.Prefix = "backups"
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		if sc.Local.BasePath == "" {
			sc.Local.BasePath = "./storage"
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if sc.S3.Region == "" {
			sc.S3.Region = "us-east-1"
		}
		if sc.S3.PartSizeMB == 0 {
			sc.S3.PartSizeMB = 16
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		if sc.GCS.CredentialsPath == "" {
			sc.GCS.CredentialsPath = os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")
		}
	}

	if sc.Retry.MaxAttempts == 0 {
		sc.Retry.MaxAttempts = 3
	}
	if sc.Retry.BaseDelay == 0 {
		sc.Retry.BaseDelay = time.Second
	}
	if sc.Retry.MaxDelay == 0 {
		sc.Retry.MaxDelay = 30 * time.Second
	}
}

// LoadFromEnvironment loads storage configuration from environment variables
func (sc *StorageConfig) LoadFromEnvironment() {
	if val := getenv("STORAGE_PROVIDER"); val != "" {
		sc.Provider = strings.ToLower(val)
	}
	if val := getenv("STORAGE_PREFIX"); val != "" {
		sc.Prefix = val
	}

	switch sc.Provider {
	case StorageProviderLocal:
		if sc.Local == nil {
			sc.Local = &LocalConfig{}
		}
		if val := getenv("LOCAL_BASE_PATH"); val != "" {
			sc.Local.BasePath = val
		}
	case StorageProviderS3:
		if sc.S3 == nil {
			sc.S3 = &S3Config{}
		}
		if val := getenv("S3_BUCKET"); val != "" {
			sc.S3.Bucket = val
		}
		if val := getenv("S3_REGION"); val != "" {
			sc.S3.Region = val
		}
		if val := getenv("S3_ENDPOINT"); val != "" {
			sc.S3.Endpoint = val
		}
		if val := getenv("S3_ACCESS_KEY"); val != "" {
			sc.S3.AccessKey = val
		}
		if val := getenv("S3_SECRET_KEY"); val != "" {
			sc.S3.SecretKey = val
		}
	case StorageProviderAzure:
		if sc.Azure == nil {
			sc.Azure = &AzureConfig{}
		}
		if val := getenv("AZURE_ACCOUNT_NAME"); val != "" {
			sc.Azure.AccountName = val
		}
		if val := getenv("AZURE_ACCOUNT_KEY"); val != "" {
			sc.Azure.AccountKey = val
		}
		if val := getenv("AZURE_CONTAINER_NAME"); val != "" {
			sc.Azure.ContainerName = val
		}
	case StorageProviderGCS:
		if sc.GCS == nil {
			sc.GCS = &GCSConfig{}
		}
		if val := getenv("GCS_BUCKET"); val != "" {
			sc.GCS.Bucket = val
		}
		if val := getenv("GCS_CREDENTIALS_PATH"); val != "" {
			sc.GCS.CredentialsPath = val
		}
		if val := getenv("GCS_PROJECT_ID"); val != "" {
			sc.GCS.ProjectID = val
		}
	}
}

func (cc *CompressionConfig) validate(errs *appErrors.ValidationErrors) {
	switch cc.Algorithm {
	case "none":
	case "gzip":
		if cc.Level < 1 || cc.Level > 9 {
			errs.Add("compression.level", "gzip compression level must be between 1 and 9")
		}
	case "lz4":
		if cc.Level < 1 || cc.Level > 12 {
			errs.Add("compression.level", "lz4 compression level must be between 1 and 12")
		}
	case "zstd":
		if cc.Level < 1 || cc.Level > 22 {
			errs.Add("compression.level", "zstd compression level must be between 1 and 22")
		}
	default:
		errs.Add("compression.algorithm", fmt.Sprintf("invalid compression algorithm: %s", cc.Algorithm))
	}
}

// SetDefaults sets default values for compression configuration
func (cc *CompressionConfig) SetDefaults() {
	if cc.Algorithm == "" {
		cc.Algorithm = "zstd"
	}
	if cc.Level == 0 {
		switch cc.Algorithm {
		case "gzip":
			cc.Level = 6
		case "lz4":
			cc.Level = 1
		case "zstd":
			cc.Level = 3
		}
	}
}

// LoadFromEnvironment loads compression configuration from environment variables
func (cc *CompressionConfig) LoadFromEnvironment() {
	if val := getenv("COMPRESSION_ALGORITHM"); val != "" {
		cc.Algorithm = strings.ToLower(val)
	}
	if val := getenv("COMPRESSION_LEVEL"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			cc.Level = parsed
		}
	}
}

func (ec *EncryptionConfig) validate(errs *appErrors.ValidationErrors) {
	switch ec.Keyring {
	case "file":
		if ec.KeyringPath == "" {
			errs.Add("encryption.keyring_path", "keyring path is required for the file keyring")
		}
	case "memory":
	default:
		errs.Add("encryption.keyring", "invalid keyring, must be 'file' or 'memory'")
	}
}

// SetDefaults sets default values for encryption configuration
func (ec *EncryptionConfig) SetDefaults() {
	if ec.Keyring == "" {
		ec.Keyring = "file"
	}
	if ec.KeyringPath == "" {
		ec.KeyringPath = "./keyring"
	}
	if ec.PassphraseEnv == "" {
		ec.PassphraseEnv = envPrefix + "KEYRING_PASSPHRASE"
	}
}

// LoadFromEnvironment loads the keyring settings and reads the passphrase
func (ec *EncryptionConfig) LoadFromEnvironment() {
	if val := getenv("KEYRING"); val != "" {
		ec.Keyring = strings.ToLower(val)
	}
	if val := getenv("KEYRING_PATH"); val != "" {
		ec.KeyringPath = val
	}
	name := ec.PassphraseEnv
	if name == "" {
		name = envPrefix + "KEYRING_PASSPHRASE"
	}
	if val := os.Getenv(name); val != "" {
		ec.Passphrase = val
	}
}

// SetDefaults sets default values for extraction
func (ec *ExtractionConfig) SetDefaults() {
	if ec.ChunkSize <= 0 {
		ec.ChunkSize = 1000
	}
}

func (cc *CatalogConfig) validate(errs *appErrors.ValidationErrors) {
	if cc.Driver != "" {
		switch cc.Driver {
		case "sqlite", "mysql", "postgres":
		default:
			errs.Add("catalog.driver", fmt.Sprintf("unsupported driver %q", cc.Driver))
		}
	}

	seen := make(map[string]bool)
	owner := make(map[string]string)
	for i, cat := range cc.Categories {
		field := fmt.Sprintf("catalog.categories[%d]", i)
		if cat.Name == "" {
			errs.Add(field+".name", "category name is required")
			continue
		}
		if seen[cat.Name] {
			errs.Add(field+".name", fmt.Sprintf("duplicate category %q", cat.Name))
		}
		seen[cat.Name] = true
		if cat.Kind != "data" && cat.Kind != "files" {
			errs.Add(field+".kind", "kind must be 'data' or 'files'")
		}
		for _, table := range cat.Tables {
			if prev, ok := owner[table]; ok {
				errs.Add(field+".tables", fmt.Sprintf("table %q already belongs to %q", table, prev))
			}
			owner[table] = cat.Name
		}
	}
}

// SetDefaults installs the stock category mapping when none is configured
func (cc *CatalogConfig) SetDefaults() {
	if cc.TenantColumn == "" {
		cc.TenantColumn = "organization_id"
	}
	if cc.IDColumn == "" {
		cc.IDColumn = "id"
	}
	if cc.SoftDeleteColumn == "" {
		cc.SoftDeleteColumn = "deleted_at"
	}
	if len(cc.Categories) == 0 {
		cc.Categories = DefaultCategories()
		cc.OtherCategory = true
	}
	for i := range cc.Categories {
		if cc.Categories[i].Kind == "" {
			cc.Categories[i].Kind = "data"
		}
		if cc.Categories[i].Label == "" {
			cc.Categories[i].Label = cc.Categories[i].Name
		}
	}
	if len(cc.ExcludedTables) == 0 {
		cc.ExcludedTables = DefaultExcludedTables()
	}
}

// LoadFromEnvironment loads catalog connection settings from environment variables
func (cc *CatalogConfig) LoadFromEnvironment() {
	if val := getenv("CATALOG_DRIVER"); val != "" {
		cc.Driver = strings.ToLower(val)
	}
	if val := getenv("CATALOG_DSN"); val != "" {
		cc.DSN = val
	}
	if val := getenv("CATALOG_TENANT_COLUMN"); val != "" {
		cc.TenantColumn = val
	}
}

// DefaultCategories is the stock mapping of categories to tenant tables
func DefaultCategories() []CategoryConfig {
	return []CategoryConfig{
		{Name: "campaigns", Label: "Campaigns", Kind: "data", Tables: []string{"campaigns", "campaign_goals", "campaign_budgets", "campaign_metrics"}},
		{Name: "ad_content", Label: "Ad Content", Kind: "files", Tables: []string{"ad_creatives", "ad_copies", "ad_sets", "media_assets"}},
		{Name: "audiences", Label: "Audiences", Kind: "data", Tables: []string{"audiences", "audience_segments", "contacts", "contact_lists"}},
		{Name: "analytics", Label: "Analytics", Kind: "data", Tables: []string{"analytics_reports", "analytics_snapshots", "conversion_events"}},
		{Name: "social_posts", Label: "Social Posts", Kind: "data", Tables: []string{"social_posts", "social_accounts", "post_schedules"}},
		{Name: "content_plans", Label: "Content Plans", Kind: "data", Tables: []string{"content_plans", "content_calendar_items"}},
		{Name: "integrations", Label: "Integrations", Kind: "data", Tables: []string{"integrations", "integration_settings", "webhooks"}},
		{Name: "team_settings", Label: "Team & Settings", Kind: "data", Tables: []string{"organization_settings", "team_invitations", "roles"}},
		{Name: "automations", Label: "Automations", Kind: "data", Tables: []string{"automations", "automation_steps", "automation_triggers"}},
		{Name: "reports", Label: "Reports", Kind: "data", Tables: []string{"reports", "report_schedules"}},
	}
}

// DefaultExcludedTables are never backed up regardless of category mapping
func DefaultExcludedTables() []string {
	return []string{
		"backups", "backup_schedules", "backup_restores", "backup_settings",
		"backup_encryption_keys", "backup_audit_logs", "schedule_dispatches",
		"goose_db_version", "migrations", "jobs", "failed_jobs", "job_batches",
		"sessions", "cache", "cache_locks", "password_reset_tokens",
		"personal_access_tokens", "organizations", "users",
	}
}

func (sc *SchedulingConfig) validate(errs *appErrors.ValidationErrors) {
	if sc.MaxConcurrent < 1 {
		errs.Add("scheduling.max_concurrent", "must be at least 1")
	}
	if sc.MaxRetries < 0 {
		errs.Add("scheduling.max_retries", "cannot be negative")
	}
	for i, d := range sc.Backoff {
		if d <= 0 {
			errs.Add(fmt.Sprintf("scheduling.backoff[%d]", i), "backoff delays must be positive")
		}
	}
	if sc.TickInterval <= 0 {
		errs.Add("scheduling.tick_interval", "must be positive")
	}
	if sc.JobTimeout <= 0 {
		errs.Add("scheduling.job_timeout", "must be positive")
	}
}

// SetDefaults sets default values for scheduling
func (sc *SchedulingConfig) SetDefaults() {
	if sc.TickInterval == 0 {
		sc.TickInterval = time.Minute
	}
	if sc.SweepInterval == 0 {
		sc.SweepInterval = time.Hour
	}
	if sc.MaxConcurrent == 0 {
		sc.MaxConcurrent = 3
	}
	if sc.MaxRetries == 0 {
		sc.MaxRetries = 3
	}
	if len(sc.Backoff) == 0 {
		sc.Backoff = []time.Duration{60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	if sc.OverdueThreshold == 0 {
		sc.OverdueThreshold = 60 * time.Minute
	}
	if sc.JobTimeout == 0 {
		sc.JobTimeout = 30 * time.Minute
	}
}

func (rc *RestoreConfig) validate(errs *appErrors.ValidationErrors) {
	if rc.RollbackWindow <= 0 {
		errs.Add("restore.rollback_window", "must be positive")
	}
	if rc.ConfirmationTTL <= 0 {
		errs.Add("restore.confirmation_ttl", "must be positive")
	}
	if rc.BatchSize < 1 {
		errs.Add("restore.batch_size", "must be at least 1")
	}
	switch rc.DefaultConflictMode {
	case "skip", "replace", "merge", "ask":
	default:
		errs.Add("restore.default_conflict_mode", "must be skip, replace, merge or ask")
	}
}

// SetDefaults sets default values for restores
func (rc *RestoreConfig) SetDefaults() {
	if rc.RollbackWindow == 0 {
		rc.RollbackWindow = 24 * time.Hour
	}
	if rc.ConfirmationTTL == 0 {
		rc.ConfirmationTTL = 15 * time.Minute
	}
	if rc.BatchSize == 0 {
		rc.BatchSize = 500
	}
	if rc.DefaultConflictMode == "" {
		rc.DefaultConflictMode = "skip"
	}
	if rc.Timeout == 0 {
		rc.Timeout = time.Hour
	}
	if rc.SafetyBackupTimeout == 0 {
		rc.SafetyBackupTimeout = 30 * time.Minute
	}
}

func (rc *RetentionConfig) validate(errs *appErrors.ValidationErrors) {
	if rc.DefaultDays < 1 {
		errs.Add("retention.default_days", "must be at least 1")
	}
	if rc.StorageWarningRatio <= 0 || rc.StorageWarningRatio > 1 {
		errs.Add("retention.storage_warning_ratio", "must be in (0, 1]")
	}
	if rc.FailureRateThreshold < 0 || rc.FailureRateThreshold > 1 {
		errs.Add("retention.failure_rate_threshold", "must be in [0, 1]")
	}
	if rc.MaxConsecutiveFailures < 1 {
		errs.Add("retention.max_consecutive_failures", "must be at least 1")
	}
}

// SetDefaults sets default values for retention and tenant defaults
func (rc *RetentionConfig) SetDefaults() {
	if rc.DefaultDays == 0 {
		rc.DefaultDays = 30
	}
	if rc.ExpiryWarning == 0 {
		rc.ExpiryWarning = 72 * time.Hour
	}
	if rc.StorageWarningRatio == 0 {
		rc.StorageWarningRatio = 0.8
	}
	if rc.MaxConsecutiveFailures == 0 {
		rc.MaxConsecutiveFailures = 3
	}
	if rc.FailureRateThreshold == 0 {
		rc.FailureRateThreshold = 0.25
	}
}

func (nc *NotificationsConfig) validate(errs *appErrors.ValidationErrors) {
	if !nc.Enabled {
		return
	}
	for i, ch := range nc.Channels {
		field := fmt.Sprintf("notifications.channels[%d]", i)
		switch ch.Type {
		case "webhook", "slack":
			if ch.URL == "" {
				errs.Add(field+".url", "url is required for "+ch.Type)
			}
		case "email":
			if ch.SMTPHost == "" || ch.From == "" {
				errs.Add(field, "smtp_host and from are required for email")
			}
		case "file":
			if ch.Path == "" {
				errs.Add(field+".path", "path is required for file")
			}
		case "log":
		default:
			errs.Add(field+".type", fmt.Sprintf("unknown channel type %q", ch.Type))
		}
	}
}

// SetDefaults sets default values for notifications
func (nc *NotificationsConfig) SetDefaults() {
	if nc.Timeout == 0 {
		nc.Timeout = 10 * time.Second
	}
	for i := range nc.Channels {
		if nc.Channels[i].Type == "email" && nc.Channels[i].SMTPPort == 0 {
			nc.Channels[i].SMTPPort = 587
		}
	}
}

func (lc *LoggingConfig) validate(errs *appErrors.ValidationErrors) {
	switch lc.Level {
	case "quiet", "normal", "verbose", "debug":
	default:
		errs.Add("logging.level", "must be quiet, normal, verbose or debug")
	}
	switch lc.Format {
	case "text", "json":
	default:
		errs.Add("logging.format", "must be text or json")
	}
}

// SetDefaults sets default values for logging
func (lc *LoggingConfig) SetDefaults() {
	if lc.Level == "" {
		lc.Level = "normal"
	}
	if lc.Format == "" {
		lc.Format = "text"
	}
}

// LoadFromEnvironment loads logging configuration from environment variables
func (lc *LoggingConfig) LoadFromEnvironment() {
	if val := getenv("LOG_LEVEL"); val != "" {
		lc.Level = strings.ToLower(val)
	}
	if val := getenv("LOG_FORMAT"); val != "" {
		lc.Format = strings.ToLower(val)
	}
	if val := getenv("LOG_FILE"); val != "" {
		lc.File = val
	}
	if val := getenv("AUDIT_LOG_FILE"); val != "" {
		lc.AuditFile = val
	}
}
