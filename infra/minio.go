package infra

import (
	"context"
	"fmt"
	"time"

	"github.com/minio/madmin-go/v3"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/tnqbao/gau-upload-service/config"
)

type MinioClient struct {
	Admin    *madmin.AdminClient
	Anon     *madmin.AnonymousClient
	Client   *minio.Client
	Endpoint string
}

func InitMinioClient(cfg *config.EnvConfig) *MinioClient {
	endpoint := cfg.Minio.Endpoint
	if endpoint == "" {
		panic("MinIO endpoint is not configured")
	}

	rootUser := cfg.Minio.RootUser
	if rootUser == "" {
		panic("MinIO root user is not configured")
	}

	rootPassword := cfg.Minio.RootPassword
	if rootPassword == "" {
		panic("MinIO root password is not configured")
	}

	madminClient, err := madmin.New(endpoint, rootUser, rootPassword, cfg.Minio.UseSSL)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize MinIO admin client: %v", err))
	}

	anonClient, err := madmin.NewAnonymousClient(endpoint, cfg.Minio.UseSSL)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize MinIO anonymous client: %v", err))
	}

	minioClient, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(rootUser, rootPassword, ""),
		Secure: cfg.Minio.UseSSL,
	})
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize MinIO client: %v", err))
	}

	return &MinioClient{
		Admin:    madminClient,
		Anon:     anonClient,
		Client:   minioClient,
		Endpoint: endpoint,
	}
}

// EnsureBucket creates the bucket if it does not exist yet.
func (m *MinioClient) EnsureBucket(ctx context.Context, bucketName string) error {
	if bucketName == "" {
		return fmt.Errorf("bucketName cannot be empty")
	}

	exists, err := m.Client.BucketExists(ctx, bucketName)
	if err != nil {
		return fmt.Errorf("failed to check if bucket exists: %w", err)
	}
	if exists {
		return nil
	}

	if err := m.Client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{Region: "us-east-1"}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// HealthCheck probes the MinIO cluster through the admin API.
func (m *MinioClient) HealthCheck(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := m.Anon.Healthy(probeCtx, madmin.HealthOpts{})
	if err != nil {
		return fmt.Errorf("failed to probe MinIO health: %w", err)
	}
	if !result.Healthy {
		return fmt.Errorf("MinIO cluster at %s is not healthy", m.Endpoint)
	}
	return nil
}
