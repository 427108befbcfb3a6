package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the worker service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	Stage        string
	MaxRetries   int
	StageTimeout time.Duration
	S3Bucket     string
	S3Region     string
	S3Endpoint   string
	OCRURL       string
	NLPURL       string
	RelaterURL   string
	MaxDocBytes  int64
	ChunkSize    int
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
		Stage:        v.GetString("stage"),
		MaxRetries:   v.GetInt("max_retries"),
		StageTimeout: v.GetDuration("stage_timeout"),
		S3Bucket:     v.GetString("s3_bucket"),
		S3Region:     v.GetString("s3_region"),
		S3Endpoint:   v.GetString("s3_endpoint"),
		OCRURL:       v.GetString("ocr_url"),
		NLPURL:       v.GetString("nlp_url"),
		RelaterURL:   v.GetString("relater_url"),
		MaxDocBytes:  v.GetInt64("max_doc_bytes"),
		ChunkSize:    v.GetInt("chunk_size"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),
	}
}
