package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/tnqbao/gau-upload-service/config"
	"github.com/tnqbao/gau-upload-service/consumer/worker"
	infraPkg "github.com/tnqbao/gau-upload-service/infra"
	"github.com/tnqbao/gau-upload-service/repository"
)

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found, continuing with environment variables")
	}

	cfg := config.NewConfig()
	infra := infraPkg.InitInfra(cfg)
	repo := repository.InitRepository(infra)

	if infra.RabbitMQ == nil {
		log.Fatal("RabbitMQ is not configured, consumer cannot start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uploadConsumer := worker.NewUploadConsumer(infra.RabbitMQ.Channel, infra, repo)
	if err := uploadConsumer.Start(ctx); err != nil {
		infra.Logger.ErrorWithContextf(ctx, err, "Failed to start Upload consumer: %v", err)
		log.Fatalf("Failed to start Upload consumer: %v", err)
	}

	gc := worker.NewExpiryWorker(infra, repo, cfg.EnvConfig.Upload.SessionExpiry)
	gc.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	infra.Logger.InfoWithContextf(ctx, "Shutting down consumer...")
	cancel()

	infra.Logger.InfoWithContextf(context.Background(), "Consumer exited properly")
	infra.Shutdown(context.Background())
}
