// Package main is the entry point for the ACP runtime daemon: a single
// HTTP-facing process that normalizes any supported coding agent's native
// JSON-RPC traffic into Universal Events over Server-Sent Events.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/acp-runtime/internal/acp/eventmirror"
	"github.com/kandev/acp-runtime/internal/acp/registry"
	"github.com/kandev/acp-runtime/internal/acp/router"
	"github.com/kandev/acp-runtime/internal/common/config"
	"github.com/kandev/acp-runtime/internal/common/logger"
	"github.com/kandev/acp-runtime/internal/httpapi"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting ACP runtime...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mirror, err := eventmirror.Connect(cfg.Events.NATSURL, cfg.Events.NATSSubjectPrefix, log)
	if err != nil {
		log.Warn("NATS event mirror disabled", zap.Error(err))
	} else if mirror != nil {
		defer mirror.Close()
		log.Info("NATS event mirror connected", zap.String("url", cfg.Events.NATSURL))
	}

	reg := registry.New(cfg.Runtime.RingCapacity, cfg.Runtime.BroadcastChannelBuffer)

	rt := router.New(router.Options{
		Registry:        reg,
		Logger:          log,
		RPCTimeout:      cfg.Runtime.RPCTimeout(),
		StderrHeadLines: cfg.Runtime.StderrHeadLines,
		StderrTailLines: cfg.Runtime.StderrTailLines,
		Mirror:          mirror,
	})

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())

	httpapi.New(engine, reg, rt, log, cfg.Runtime.ShutdownGrace(), cfg.Runtime.SSEKeepalive())

	server := &http.Server{
		Addr:    cfg.Server.Addr(),
		Handler: engine,
	}

	go func() {
		log.Info("ACP runtime listening", zap.String("addr", cfg.Server.Addr()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down ACP runtime...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	for _, connID := range reg.List() {
		reg.Delete(shutdownCtx, connID, cfg.Runtime.ShutdownGrace())
	}

	log.Info("ACP runtime stopped")
}
