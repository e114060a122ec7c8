package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sealbase/sealbase/internal/chunkstore"
	"github.com/sealbase/sealbase/internal/node/handler"
	"github.com/sealbase/sealbase/internal/pipeline"
	"github.com/sealbase/sealbase/internal/snapshot"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("sealnode exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("sealnode")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("node.port", 8080)
	viper.SetDefault("node.rate_limit_rps", 50)
	viper.SetDefault("node.rate_limit_burst", 100)
	viper.SetDefault("node.snapshot_rate_limit_rps", 10)
	viper.SetDefault("node.snapshot_rate_limit_burst", 20)
	viper.SetDefault("node.cors_origins", []string{"*"})
	viper.SetDefault("node.operator_secret", "")
	viper.SetDefault("ledger.dir", "ledger")
	viper.SetDefault("ledger.read_only_dirs", []string{})
	viper.SetDefault("ledger.max_chunk_size_bytes", 5*1024*1024)
	viper.SetDefault("ledger.sig_interval_txs", 100)
	viper.SetDefault("snapshot.dir", "snapshots")
	viper.SetDefault("snapshot.tx_interval", 0)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Chunk Store ───────────────────────────────────────────────────────────
	store, err := chunkstore.Open(chunkstore.Config{
		Dir:          viper.GetString("ledger.dir"),
		ReadOnlyDirs: viper.GetStringSlice("ledger.read_only_dirs"),
		MaxChunkSize: viper.GetInt64("ledger.max_chunk_size_bytes"),
	}, logger)
	if err != nil {
		return fmt.Errorf("open chunk store: %w", err)
	}
	defer store.Close()
	logger.Info("chunk store open",
		zap.String("dir", viper.GetString("ledger.dir")),
		zap.Uint64("tail_seqno", store.LastWritten()),
	)

	// ── Execution pipeline ────────────────────────────────────────────────────
	pipe, err := pipeline.New(pipeline.Config{
		SigInterval: viper.GetUint64("ledger.sig_interval_txs"),
	}, store, logger)
	if err != nil {
		return fmt.Errorf("start pipeline: %w", err)
	}

	// ── Snapshot Service ──────────────────────────────────────────────────────
	snaps, err := snapshot.New(snapshot.Config{
		Dir:        viper.GetString("snapshot.dir"),
		TxInterval: viper.GetUint64("snapshot.tx_interval"),
	}, pipe, logger)
	if err != nil {
		return fmt.Errorf("open snapshot service: %w", err)
	}
	snaps.OnCommitted(func(snapshot.Info) { handler.RecordSnapshotCommitted() })
	pipe.AttachSnapshots(snaps)

	// ── Operator auth ─────────────────────────────────────────────────────────
	operatorSecret := viper.GetString("node.operator_secret")
	if operatorSecret == "" {
		return fmt.Errorf("node.operator_secret must be set (governance endpoints require it)")
	}
	issuerURL := fmt.Sprintf("http://localhost:%d", viper.GetInt("node.port"))
	auth := handler.NewOperatorAuth(operatorSecret, issuerURL, 24*time.Hour)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("node.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins,
		AllowMethods:  []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept", "Range"},
		ExposeHeaders: []string{"Content-Length", "Accept-Ranges", "Location"},
		MaxAge:        12 * time.Hour,
	}))

	if rps := viper.GetInt("node.rate_limit_rps"); rps > 0 {
		router.Use(handler.RateLimiter(handler.RateLimitConfig{
			RPS:           rps,
			Burst:         viper.GetInt("node.rate_limit_burst"),
			SnapshotRPS:   viper.GetInt("node.snapshot_rate_limit_rps"),
			SnapshotBurst: viper.GetInt("node.snapshot_rate_limit_burst"),
		}))
	}
	router.Use(handler.PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "tail_seqno": store.LastWritten()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	node := router.Group("/node")
	gov := router.Group("/gov", auth.Middleware())
	handler.NewSnapshotHandler(snaps.Dir(), logger).Register(node)
	ledgerHandler := handler.NewLedgerHandler(store, pipe, snaps, logger)
	ledgerHandler.Register(node, gov)

	// The logging app's historical write path, kept as an alias of /node/log.
	router.POST("/app/log", ledgerHandler.AppendLog)

	// ── Serve ─────────────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("node.port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("sealnode HTTP listening", zap.Int("port", viper.GetInt("node.port")))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ──────────────────────────────────────────────────────
	<-quit
	logger.Info("shutting down sealnode...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	// An interrupted capture can never commit; clean it up before exit.
	snaps.Abandon()

	logger.Info("sealnode stopped")
	return nil
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
