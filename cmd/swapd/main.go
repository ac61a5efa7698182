// ====================================
// File: cmd/swapd/main.go
// ====================================
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/swapflow/internal/app"
	"github.com/rovshanmuradov/swapflow/internal/config"
	"github.com/rovshanmuradov/swapflow/internal/utils/logger"
)

func main() {
	configPath := flag.String("config", os.Getenv("SWAPFLOW_CONFIG"), "path to a config file (yaml, json or toml)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSize,
		MaxAge:      cfg.Log.MaxAge,
		MaxBackups:  cfg.Log.MaxBackups,
		Compress:    cfg.Log.Compress,
		Development: cfg.Log.Development,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	log.Info("Starting swapflow",
		zap.String("addr", cfg.Server.Addr()),
		zap.Bool("durable_store", cfg.Storage.DSN != ""),
		zap.Bool("redis_queue", cfg.Queue.RedisURL != ""),
		zap.Int("kafka_brokers", len(cfg.Kafka.Brokers)))

	if err := app.Run(context.Background(), cfg, log); err != nil {
		log.Error("swapflow stopped with error", zap.Error(err))
		_ = log.Close()
		os.Exit(1)
	}
	log.Info("swapflow stopped")
}
