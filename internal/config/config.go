package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string
	Env     string
	Host    string
	Port    int

	StoreDriver string
	SQLitePath  string
	DatabaseURL string
	MongoURI    string
	MongoDB     string

	JWTSecret          string
	AccessTokenMinutes int
	EncryptKey         string
	LegacyEncryptKeys  []string

	BlobDriver    string
	UploadDir     string
	PublicBaseURL string
	MaxUploadMB   int64
	Minio         MinioConfig

	CORSOrigins []string
	Debug       bool
	LogDir      string

	ChannelName        string
	ReservedGroupNames []string
	MaxMessagesPerPage int
	PollInterval       time.Duration

	BusRelay         string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	NATSURL          string
	BusChannel       string
	SubscriberBuffer int
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

var defaults = map[string]any{
	"APP_NAME":                    "zChat Go API",
	"APP_ENV":                     "development",
	"HTTP_HOST":                   "0.0.0.0",
	"HTTP_PORT":                   8000,
	"STORE_DRIVER":                "sqlite",
	"SQLITE_PATH":                 "zchat.db",
	"POSTGRES_HOST":               "localhost",
	"POSTGRES_PORT":               "5432",
	"POSTGRES_USER":               "postgres",
	"POSTGRES_PASSWORD":           "postgres",
	"POSTGRES_DB":                 "zchat",
	"MONGO_URI":                   "mongodb://localhost:27017/?replicaSet=rs0",
	"MONGO_DB":                    "zchat",
	"ACCESS_TOKEN_EXPIRE_MINUTES": 60 * 24,
	"LEGACY_ENCRYPTION_KEYS":      "",
	"BLOB_DRIVER":                 "local",
	"UPLOAD_DIR":                  "uploads",
	"PUBLIC_BASE_URL":             "",
	"MAX_UPLOAD_MB":               500,
	"MINIO_ENDPOINT":              "localhost:9000",
	"MINIO_ACCESS_KEY":            "",
	"MINIO_SECRET_KEY":            "",
	"MINIO_BUCKET":                "zchat",
	"MINIO_USE_SSL":               false,
	"CORS_ORIGINS":                "http://localhost:3000,http://localhost:5173",
	"DEBUG":                       true,
	"LOG_DIR":                     "",
	"CHANNEL_NAME":                "Channel",
	"RESERVED_GROUP_NAMES":        "",
	"MAX_MESSAGES_PER_PAGE":       1000,
	"POLL_INTERVAL_SECONDS":       5,
	"BUS_RELAY":                   "none",
	"REDIS_ADDR":                  "localhost:6379",
	"REDIS_PASSWORD":              "",
	"REDIS_DB":                    0,
	"NATS_URL":                    "nats://127.0.0.1:4222",
	"BUS_CHANNEL":                 "zchat.events",
	"SUBSCRIBER_BUFFER":           64,
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from already populated settings.
func FromViper(v *viper.Viper) (*Config, error) {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(v.GetString("POSTGRES_USER"), v.GetString("POSTGRES_PASSWORD")),
		Host:     fmt.Sprintf("%s:%s", v.GetString("POSTGRES_HOST"), v.GetString("POSTGRES_PORT")),
		Path:     v.GetString("POSTGRES_DB"),
		RawQuery: "sslmode=disable",
	}

	cfg := &Config{
		AppName: v.GetString("APP_NAME"),
		Env:     v.GetString("APP_ENV"),
		Host:    v.GetString("HTTP_HOST"),
		Port:    v.GetInt("HTTP_PORT"),

		StoreDriver: strings.ToLower(v.GetString("STORE_DRIVER")),
		SQLitePath:  v.GetString("SQLITE_PATH"),
		DatabaseURL: u.String(),
		MongoURI:    v.GetString("MONGO_URI"),
		MongoDB:     v.GetString("MONGO_DB"),

		JWTSecret:          v.GetString("JWT_SECRET"),
		AccessTokenMinutes: v.GetInt("ACCESS_TOKEN_EXPIRE_MINUTES"),
		EncryptKey:         v.GetString("ENCRYPTION_KEY"),
		LegacyEncryptKeys:  splitList(v.GetString("LEGACY_ENCRYPTION_KEYS")),

		BlobDriver:    strings.ToLower(v.GetString("BLOB_DRIVER")),
		UploadDir:     v.GetString("UPLOAD_DIR"),
		PublicBaseURL: strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		MaxUploadMB:   v.GetInt64("MAX_UPLOAD_MB"),
		Minio: MinioConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			UseSSL:    v.GetBool("MINIO_USE_SSL"),
		},

		CORSOrigins: splitList(v.GetString("CORS_ORIGINS")),
		Debug:       v.GetBool("DEBUG"),
		LogDir:      v.GetString("LOG_DIR"),

		ChannelName:        v.GetString("CHANNEL_NAME"),
		ReservedGroupNames: splitList(v.GetString("RESERVED_GROUP_NAMES")),
		MaxMessagesPerPage: v.GetInt("MAX_MESSAGES_PER_PAGE"),
		PollInterval:       time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,

		BusRelay:         strings.ToLower(v.GetString("BUS_RELAY")),
		RedisAddr:        v.GetString("REDIS_ADDR"),
		RedisPassword:    v.GetString("REDIS_PASSWORD"),
		RedisDB:          v.GetInt("REDIS_DB"),
		NATSURL:          v.GetString("NATS_URL"),
		BusChannel:       v.GetString("BUS_CHANNEL"),
		SubscriberBuffer: v.GetInt("SUBSCRIBER_BUFFER"),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.EncryptKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if cfg.ChannelName == "" {
		return nil, fmt.Errorf("CHANNEL_NAME must not be empty")
	}
	switch cfg.StoreDriver {
	case "sqlite", "postgres", "mongo":
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	switch cfg.BlobDriver {
	case "local", "minio":
	default:
		return nil, fmt.Errorf("unknown BLOB_DRIVER %q", cfg.BlobDriver)
	}
	switch cfg.BusRelay {
	case "", "none", "redis", "nats":
	default:
		return nil, fmt.Errorf("unknown BUS_RELAY %q", cfg.BusRelay)
	}
	if cfg.MaxMessagesPerPage <= 0 {
		cfg.MaxMessagesPerPage = 1000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}

	if cfg.BlobDriver == "local" {
		if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating upload dir: %w", err)
		}
	}

	return cfg, nil
}

func (c *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ReservedNames lists group names no user may create or rename to.
func (c *Config) ReservedNames() []string {
	return append([]string{c.ChannelName}, c.ReservedGroupNames...)
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
