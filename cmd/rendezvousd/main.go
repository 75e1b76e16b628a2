// rendezvousd is the untrusted signaling service: it stores one record
// per room in Redis and pushes change notifications to subscribed peers.
// It never sees passphrases or plaintext, only fingerprints and encoded
// session descriptions.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/peercall/config"
	"github.com/mossy-p/peercall/internal/rendezvous"
	"github.com/mossy-p/peercall/internal/server"
)

func main() {
	cfg := config.Load()

	level := slog.LevelDebug
	if cfg.Environment == "production" {
		level = slog.LevelInfo
		gin.SetMode(gin.ReleaseMode)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to connect to Redis", "addr", cfg.Redis.Addr(), "error", err)
		os.Exit(1)
	}
	defer client.Close()
	logger.Info("Redis connection established", "addr", cfg.Redis.Addr())

	store := rendezvous.NewRedisStore(client, logger)
	router := server.New(store, logger).Router(cfg.AllowedOrigins, cfg.JWTSecret, cfg.OperatorKey)

	logger.Info("starting rendezvous service", "port", cfg.Port)
	if err := router.Run(":" + cfg.Port); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
