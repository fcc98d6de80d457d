package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/mediaingest/internal/flagx"
	"github.com/dmitrijs2005/mediaingest/internal/timex"
)

// JsonConfig is the on-disk shape of the configuration file. Durations use
// timex.Duration, so both "90s" strings and integer nanoseconds are accepted.
// Zero values leave the corresponding Config field untouched.
type JsonConfig struct {
	HTTPAddr    string `json:"http_addr"`
	DatabaseDSN string `json:"database_dsn"`
	AdminSecret string `json:"admin_secret"`
	LogLevel    string `json:"log_level"`

	S3RootUser     string         `json:"s3_root_user"`
	S3RootPassword string         `json:"s3_root_password"`
	S3Bucket       string         `json:"s3_bucket"`
	S3Region       string         `json:"s3_region"`
	S3BaseEndpoint string         `json:"s3_base_endpoint"`
	S3UsePathStyle *bool          `json:"s3_use_path_style"`
	PresignExpiry  timex.Duration `json:"presign_expiry"`

	StorageDir           string   `json:"storage_dir"`
	TempDir              string   `json:"temp_dir"`
	LinksDir             string   `json:"links_dir"`
	PublicFilesPrefix    string   `json:"public_files_prefix"`
	DisallowedExtensions []string `json:"disallowed_extensions"`
	MaxUploadBytes       int64    `json:"max_upload_bytes"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisChannel  string `json:"redis_channel"`

	TelegramToken       string `json:"telegram_token"`
	TelegramChatID      int64  `json:"telegram_chat_id"`
	TelegramAPIEndpoint string `json:"telegram_api_endpoint"`

	NotifyWorkers      int            `json:"notify_workers"`
	NotifyQueueSize    int            `json:"notify_queue_size"`
	NotifyEditInterval timex.Duration `json:"notify_edit_interval"`

	TrackerTTL           timex.Duration `json:"tracker_ttl"`
	TrackerCapacity      int            `json:"tracker_capacity"`
	TrackerSweepInterval timex.Duration `json:"tracker_sweep_interval"`

	CORSOrigins []string `json:"cors_origins"`
}

// parseJson overlays values from the JSON file selected with -c/-config (or
// the MEDIAINGEST_CONFIG environment variable). Without a path nothing is
// loaded; an unreadable or malformed file panics, as misconfiguration
// must stop startup.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	c.applyTo(config)
}

func (c *JsonConfig) applyTo(config *Config) {
	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.AdminSecret, c.AdminSecret)
	setString(&config.LogLevel, c.LogLevel)

	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	if c.S3UsePathStyle != nil {
		config.S3UsePathStyle = *c.S3UsePathStyle
	}
	if c.PresignExpiry.Duration > 0 {
		config.PresignExpiry = c.PresignExpiry.Duration
	}

	setString(&config.StorageDir, c.StorageDir)
	setString(&config.TempDir, c.TempDir)
	setString(&config.LinksDir, c.LinksDir)
	setString(&config.PublicFilesPrefix, c.PublicFilesPrefix)
	if c.DisallowedExtensions != nil {
		config.DisallowedExtensions = c.DisallowedExtensions
	}
	if c.MaxUploadBytes > 0 {
		config.MaxUploadBytes = c.MaxUploadBytes
	}

	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	setString(&config.RedisChannel, c.RedisChannel)

	setString(&config.TelegramToken, c.TelegramToken)
	if c.TelegramChatID != 0 {
		config.TelegramChatID = c.TelegramChatID
	}
	setString(&config.TelegramAPIEndpoint, c.TelegramAPIEndpoint)

	if c.NotifyWorkers > 0 {
		config.NotifyWorkers = c.NotifyWorkers
	}
	if c.NotifyQueueSize > 0 {
		config.NotifyQueueSize = c.NotifyQueueSize
	}
	if c.NotifyEditInterval.Duration > 0 {
		config.NotifyEditInterval = c.NotifyEditInterval.Duration
	}

	if c.TrackerTTL.Duration > 0 {
		config.TrackerTTL = c.TrackerTTL.Duration
	}
	if c.TrackerCapacity > 0 {
		config.TrackerCapacity = c.TrackerCapacity
	}
	if c.TrackerSweepInterval.Duration > 0 {
		config.TrackerSweepInterval = c.TrackerSweepInterval.Duration
	}

	if c.CORSOrigins != nil {
		config.CORSOrigins = c.CORSOrigins
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
