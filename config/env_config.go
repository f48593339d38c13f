package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type EnvConfig struct {
	Port string

	Storage struct {
		Backend      string // "minio" or "filesystem"
		DataDir      string // root directory for the filesystem backend
		UploadBucket string // bucket for chunks and final objects (minio backend)
	}
	Minio struct {
		Endpoint     string
		RootUser     string
		RootPassword string
		UseSSL       bool
	}
	Upload struct {
		MaxChunkSize  int64
		SessionExpiry time.Duration
	}
	Redis struct {
		Host     string
		Port     string
		Password string
		Database int
	}
	RabbitMQ struct {
		Host     string
		Port     string
		Username string
		Password string
	}
	Postgres struct {
		Host     string
		Port     string
		Database string
		Username string
		Password string
	}
	CORS struct {
		AllowDomains string
	}
	Telemetry struct {
		OTLPEndpoint string
		ServiceName  string
	}
	Environment struct {
		Mode string
	}
}

func LoadEnvConfig() *EnvConfig {
	var config EnvConfig

	config.Port = os.Getenv("PORT")
	if config.Port == "" {
		config.Port = "8080"
	}

	// Storage
	config.Storage.Backend = os.Getenv("STORAGE_BACKEND")
	if config.Storage.Backend == "" {
		config.Storage.Backend = "filesystem"
	}
	config.Storage.DataDir = os.Getenv("STORAGE_DATA_DIR")
	if config.Storage.DataDir == "" {
		config.Storage.DataDir = "./data"
	}
	config.Storage.UploadBucket = os.Getenv("UPLOAD_BUCKET")
	if config.Storage.UploadBucket == "" {
		config.Storage.UploadBucket = "uploads"
	}

	config.Minio.Endpoint = os.Getenv("MINIO_ENDPOINT")
	config.Minio.RootUser = os.Getenv("MINIO_ROOT_USER")
	config.Minio.RootPassword = os.Getenv("MINIO_ROOT_PASSWORD")
	config.Minio.UseSSL = os.Getenv("MINIO_USE_SSL") == "true"

	// Upload limits
	if maxStr := os.Getenv("MAX_CHUNK_SIZE"); maxStr != "" {
		if max, err := strconv.ParseInt(maxStr, 10, 64); err == nil {
			config.Upload.MaxChunkSize = max
		}
	}
	if config.Upload.MaxChunkSize == 0 {
		config.Upload.MaxChunkSize = 15 * 1024 * 1024 // 15MB, safe behind Cloudflare
	}

	expiryHours := 24
	if val := os.Getenv("SESSION_EXPIRY_HOURS"); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil && parsed > 0 {
			expiryHours = parsed
		}
	}
	config.Upload.SessionExpiry = time.Duration(expiryHours) * time.Hour

	// Redis
	config.Redis.Host = os.Getenv("REDIS_HOST")
	config.Redis.Port = os.Getenv("REDIS_PORT")
	if config.Redis.Port == "" {
		config.Redis.Port = "6379"
	}
	config.Redis.Password = os.Getenv("REDIS_PASSWORD")
	config.Redis.Database, _ = strconv.Atoi(os.Getenv("REDIS_DB"))

	// RabbitMQ
	config.RabbitMQ.Host = os.Getenv("RABBITMQ_HOST")
	config.RabbitMQ.Port = os.Getenv("RABBITMQ_PORT")
	if config.RabbitMQ.Port == "" {
		config.RabbitMQ.Port = "5672"
	}
	config.RabbitMQ.Username = os.Getenv("RABBITMQ_USER")
	if config.RabbitMQ.Username == "" {
		config.RabbitMQ.Username = "guest"
	}
	config.RabbitMQ.Password = os.Getenv("RABBITMQ_PASSWORD")
	if config.RabbitMQ.Password == "" {
		config.RabbitMQ.Password = "guest"
	}

	// Postgres
	config.Postgres.Host = os.Getenv("PGPOOL_HOST")
	config.Postgres.Port = os.Getenv("PGPOOL_PORT")
	if config.Postgres.Port == "" {
		config.Postgres.Port = "5432"
	}
	config.Postgres.Database = os.Getenv("PGPOOL_DB")
	config.Postgres.Username = os.Getenv("PGPOOL_USER")
	config.Postgres.Password = os.Getenv("PGPOOL_PASSWORD")

	config.CORS.AllowDomains = os.Getenv("ALLOWED_DOMAINS")

	// Telemetry
	otlpEndpoint := os.Getenv("OTLP_ENDPOINT")
	otlpEndpoint = strings.TrimPrefix(otlpEndpoint, "https://")
	otlpEndpoint = strings.TrimPrefix(otlpEndpoint, "http://")
	config.Telemetry.OTLPEndpoint = otlpEndpoint
	config.Telemetry.ServiceName = os.Getenv("SERVICE_NAME")
	if config.Telemetry.ServiceName == "" {
		config.Telemetry.ServiceName = "gau-upload-service"
	}

	config.Environment.Mode = os.Getenv("DEPLOY_ENV")
	if config.Environment.Mode == "" {
		config.Environment.Mode = "development"
	}

	return &config
}
