package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the poller service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OCRURL       string
	TickInterval time.Duration
	MaxJobAge    time.Duration
	MaxSubmits   int
	MetricsAddr  string
	OTelEndpoint string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OCRURL:       v.GetString("ocr_url"),
		TickInterval: v.GetDuration("tick_interval"),
		MaxJobAge:    v.GetDuration("max_job_age"),
		MaxSubmits:   v.GetInt("max_submits"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
