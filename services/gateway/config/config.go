package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the gateway service.
type Config struct {
	LogLevel       string
	HTTPPort       string
	MetricsAddr    string
	KafkaBrokers   string
	RedisAddr      string
	PostgresDSN    string
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	RateLimit      int
	RateWindow     time.Duration
	MaxUploadBytes int64
	OTelEndpoint   string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:       v.GetString("log_level"),
		HTTPPort:       v.GetString("http_port"),
		MetricsAddr:    v.GetString("metrics_addr"),
		KafkaBrokers:   v.GetString("kafka_brokers"),
		RedisAddr:      v.GetString("redis_addr"),
		PostgresDSN:    v.GetString("postgres_dsn"),
		S3Bucket:       v.GetString("s3_bucket"),
		S3Region:       v.GetString("s3_region"),
		S3Endpoint:     v.GetString("s3_endpoint"),
		RateLimit:      v.GetInt("rate_limit"),
		RateWindow:     v.GetDuration("rate_window"),
		MaxUploadBytes: v.GetInt64("max_upload_bytes"),
		OTelEndpoint:   v.GetString("otel_endpoint"),
	}
}
