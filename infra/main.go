package infra

import (
	"context"
	"fmt"
	"log"

	"github.com/tnqbao/gau-upload-service/config"
	"github.com/tnqbao/gau-upload-service/infra/produce"
	"github.com/tnqbao/gau-upload-service/storage"
)

type Infra struct {
	Logger   *LoggerClient
	Redis    *RedisClient
	Postgres *PostgresClient
	RabbitMQ *RabbitMQClient
	Minio    *MinioClient
	Produce  *produce.Produce
	Storage  storage.ObjectStorage

	telemetryShutdown func(ctx context.Context) error
}

var infraInstance *Infra

// InitInfra wires every backing service the configuration asks for. The
// object store and logger are always present; Redis, Postgres and RabbitMQ
// are attached only when their hosts are configured, and callers must
// nil-check them before use.
func InitInfra(cfg *config.Config) *Infra {
	if infraInstance != nil {
		return infraInstance
	}

	logger := InitLoggerClient(cfg.EnvConfig)
	if logger == nil {
		panic("Failed to initialize Logger service")
	}

	telemetryShutdown, err := InitTelemetry(cfg.EnvConfig)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize telemetry: %v", err))
	}

	infraInstance = &Infra{
		Logger:            logger,
		telemetryShutdown: telemetryShutdown,
	}

	switch cfg.EnvConfig.Storage.Backend {
	case "minio":
		minio := InitMinioClient(cfg.EnvConfig)
		if minio == nil {
			panic("Failed to initialize MinIO service")
		}
		bucket := cfg.EnvConfig.Storage.UploadBucket
		if err := minio.EnsureBucket(context.Background(), bucket); err != nil {
			panic(fmt.Sprintf("Failed to ensure upload bucket: %v", err))
		}
		infraInstance.Minio = minio
		infraInstance.Storage = storage.NewMinioStorage(minio.Client, bucket)
	case "filesystem":
		fs, err := storage.NewFilesystemStorage(cfg.EnvConfig.Storage.DataDir)
		if err != nil {
			panic(fmt.Sprintf("Failed to initialize filesystem storage: %v", err))
		}
		infraInstance.Storage = fs
	default:
		panic(fmt.Sprintf("Unknown storage backend: %s", cfg.EnvConfig.Storage.Backend))
	}

	if cfg.EnvConfig.Redis.Host != "" {
		infraInstance.Redis = InitRedisClient(cfg.EnvConfig)
	} else {
		log.Println("Redis host not configured, progress caching disabled")
	}

	if cfg.EnvConfig.Postgres.Host != "" {
		infraInstance.Postgres = InitPostgresClient(cfg.EnvConfig)
	} else {
		log.Println("Postgres host not configured, session index disabled")
	}

	if cfg.EnvConfig.RabbitMQ.Host != "" {
		rabbitMQ := InitRabbitMQClient(cfg.EnvConfig)
		if rabbitMQ == nil {
			panic("Failed to initialize RabbitMQ service")
		}
		infraInstance.RabbitMQ = rabbitMQ
		infraInstance.Produce = produce.InitProduce(rabbitMQ.Channel)
	} else {
		log.Println("RabbitMQ not configured, assemble events disabled")
	}

	return infraInstance
}

func GetClient() *Infra {
	if infraInstance == nil {
		panic("Infra not initialized. Call InitInfra() first.")
	}
	return infraInstance
}

// Shutdown flushes telemetry and closes broker connections.
func (i *Infra) Shutdown(ctx context.Context) {
	if i.RabbitMQ != nil {
		i.RabbitMQ.Close()
	}
	if i.telemetryShutdown != nil {
		if err := i.telemetryShutdown(ctx); err != nil {
			log.Printf("Telemetry shutdown failed: %v", err)
		}
	}
	if err := i.Logger.Shutdown(ctx); err != nil {
		log.Printf("Logger shutdown failed: %v", err)
	}
}
