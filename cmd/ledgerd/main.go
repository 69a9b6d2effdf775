package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/blockledger/internal/handler"
	"github.com/jmerrifield20/blockledger/internal/integrity"
	"github.com/jmerrifield20/blockledger/internal/ledger"
	"github.com/jmerrifield20/blockledger/internal/storage"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("ledgerd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("ledgerd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.auth_secret", "")
	viper.SetDefault("ledger.location", "data/ledger.chain")
	viper.SetDefault("ledger.autosave", true)
	viper.SetDefault("ledger.autosave_interval", 1)
	viper.SetDefault("ledger.verify_interval", "5m")
	viper.SetDefault("storage.kind", string(storage.KindFile))
	viper.SetDefault("storage.compress", false)
	viper.SetDefault("storage.sqlite_path", "data/ledger.db")
	viper.SetDefault("storage.postgres_url", "")
	viper.SetDefault("storage.s3.bucket", "")
	viper.SetDefault("storage.s3.region", "us-east-1")
	viper.SetDefault("storage.s3.endpoint", "")
	viper.SetDefault("storage.s3.access_key_id", "")
	viper.SetDefault("storage.s3.secret_access_key", "")
	viper.SetDefault("storage.s3.use_path_style", false)
	viper.SetDefault("storage.s3.prefix", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Info("no config file found, using defaults and environment")
	} else {
		logger.Info("loaded config", zap.String("file", viper.ConfigFileUsed()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Storage ──────────────────────────────────────────────────────────────
	storeCfg := storage.Config{
		Kind:        storage.Kind(viper.GetString("storage.kind")),
		Compress:    viper.GetBool("storage.compress"),
		SQLitePath:  viper.GetString("storage.sqlite_path"),
		PostgresURL: viper.GetString("storage.postgres_url"),
		S3: storage.S3Config{
			Bucket:          viper.GetString("storage.s3.bucket"),
			Region:          viper.GetString("storage.s3.region"),
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			AccessKeyID:     viper.GetString("storage.s3.access_key_id"),
			SecretAccessKey: viper.GetString("storage.s3.secret_access_key"),
			UsePathStyle:    viper.GetBool("storage.s3.use_path_style"),
			Prefix:          viper.GetString("storage.s3.prefix"),
		},
	}
	location := viper.GetString("ledger.location")
	switch storeCfg.Kind {
	case "", storage.KindFile:
		if err := os.MkdirAll(filepath.Dir(location), 0o750); err != nil {
			return fmt.Errorf("create ledger directory: %w", err)
		}
	case storage.KindSQLite:
		if err := os.MkdirAll(filepath.Dir(storeCfg.SQLitePath), 0o750); err != nil {
			return fmt.Errorf("create sqlite directory: %w", err)
		}
	}

	backend, err := storage.Open(ctx, storeCfg, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close() //nolint:errcheck
	logger.Info("storage ready",
		zap.String("kind", string(storeCfg.Kind)),
		zap.Bool("compress", storeCfg.Compress),
	)

	// ── Ledger ───────────────────────────────────────────────────────────────
	l := ledger.New(
		ledger.WithLocation(location),
		ledger.WithBackend(backend),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithAutosave(viper.GetBool("ledger.autosave")),
		ledger.WithAutosaveInterval(viper.GetInt("ledger.autosave_interval")),
		ledger.WithPersistRecord(handler.RecordPersist),
	)

	exists, err := backend.Exists(ctx, location)
	if err != nil {
		return fmt.Errorf("check snapshot %s: %w", location, err)
	}
	if exists {
		if err := l.Load(ctx, location); err != nil {
			return fmt.Errorf("load snapshot: %w", err)
		}
		if !viper.GetBool("ledger.autosave") {
			l.SetAutosave(false)
		}
	} else {
		logger.Info("no snapshot found, starting empty ledger", zap.String("location", location))
	}
	handler.SetChainLength(l.Len())

	// ── Integrity monitor ────────────────────────────────────────────────────
	verifyEvery, err := time.ParseDuration(viper.GetString("ledger.verify_interval"))
	if err != nil {
		return fmt.Errorf("parse ledger.verify_interval: %w", err)
	}
	monitor := integrity.New(l, integrity.Config{Interval: verifyEvery}, logger.Named("integrity"))
	monitor.SetMetricsRecord(handler.RecordIntegrityCheck)
	if verifyEvery > 0 {
		go monitor.Start(ctx)
	}

	// ── Handlers ─────────────────────────────────────────────────────────────
	ledgerHandler := handler.NewLedgerHandler(l, logger)
	ledgerHandler.SetMonitor(monitor)
	if secret := viper.GetString("server.auth_secret"); secret != "" {
		ledgerHandler.SetAuth(handler.RequireWriter(handler.NewWriterTokens(secret, 0)))
	} else {
		logger.Warn("server.auth_secret is empty; mutating routes are unauthenticated")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:     corsOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept", handler.RequestIDHeader},
		ExposeHeaders:    []string{"Content-Length", handler.RequestIDHeader},
		AllowCredentials: !containsWildcard(corsOrigins),
		MaxAge:           12 * time.Hour,
	}))

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "no-referrer")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	rps := viper.GetFloat64("server.rate_limit_rps")
	router.Use(handler.RateLimiter(ctx, rps, int(rps*2)))
	router.Use(handler.PrometheusMiddleware())
	router.Use(handler.RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "blocks": l.Len()})
	})
	router.GET("/metrics", handler.MetricsHandler())

	v1 := router.Group("/api/v1")
	ledgerHandler.Register(v1)

	// ── Server ───────────────────────────────────────────────────────────────
	port := viper.GetInt("server.port")
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("ledgerd listening", zap.Int("port", port), zap.String("location", location))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down ledgerd...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := l.Close(shutdownCtx); err != nil {
		logger.Error("final ledger save failed", zap.Error(err))
	}

	logger.Info("ledgerd stopped", zap.Int("blocks", l.Len()), zap.String("root", l.Root()))
	return nil
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}
