// Relay serves signaling and room membership for joinix participants.
//
// It exposes the rooms REST API and the /ws signaling endpoint. Rooms are kept
// in Redis when an address is configured, in memory otherwise.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"

	"github.com/1ureka/joinix/internal/config"
	"github.com/1ureka/joinix/internal/relay"
	"github.com/1ureka/joinix/internal/util"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	configPath := pflag.StringP("config", "c", "", "Path to a YAML config file")
	listen := pflag.StringP("listen", "l", "", "Listen address (e.g. :8080)")
	redisAddr := pflag.String("redis", "", "Redis address for the room store (empty keeps rooms in memory)")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *debugMode || cfg.Debug {
		util.EnableDebug()
	}
	if *listen != "" {
		cfg.Relay.Listen = *listen
	}
	if *redisAddr != "" {
		cfg.Relay.Redis.Addr = *redisAddr
	}
	if cfg.Relay.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	store, err := openStore(ctx, cfg.Relay.Redis)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := relay.NewServer(cfg.Relay, store).Run(ctx); err != nil {
		util.LogError("relay stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}

func openStore(ctx context.Context, cfg config.RedisConfig) (relay.Store, error) {
	if cfg.Addr == "" {
		util.LogInfo("keeping rooms in memory")
		return relay.NewMemoryStore(), nil
	}
	store, err := relay.NewRedisStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	util.LogInfo("keeping rooms in redis at %s", cfg.Addr)
	return store, nil
}
