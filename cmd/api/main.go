package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yourorg/assetgw/internal/api"
	"github.com/yourorg/assetgw/internal/config"
	"github.com/yourorg/assetgw/internal/logger"
	"github.com/yourorg/assetgw/internal/metrics"
	"github.com/yourorg/assetgw/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("ASSETGW_CONFIG"))
	if err != nil {
		zap.NewExample().Fatal("load config", zap.Error(err))
	}
	zl := logger.New(cfg.Log.Level, cfg.Log.Format)
	defer zl.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.New(ctx, cfg.Storage, zl)
	if err != nil {
		zl.Fatal("storage", zap.Error(err))
	}
	defer storage.Close(store)
	if store.Provider() != storage.ProviderLocal {
		zl.Warn("storage is not local; signed URLs point at the object store and this server only answers health checks")
	}

	metrics.Init()
	go func() {
		if err := metrics.Serve(cfg.Metrics.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zl.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.NewRouter(store, zl, api.Options{FilesPrefix: cfg.API.FilesPrefix, CORSOrigins: cfg.API.CORSOrigins}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	zl.Info("file server starting", zap.String("addr", cfg.API.Addr), zap.String("prefix", cfg.API.FilesPrefix))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Fatal("server failed", zap.Error(err))
	}
}
