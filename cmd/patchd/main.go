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
	"github.com/predictops/schemapatch/internal/auth"
	"github.com/predictops/schemapatch/internal/ledger"
	"github.com/predictops/schemapatch/internal/notify"
	"github.com/predictops/schemapatch/internal/postgres"
	"github.com/predictops/schemapatch/internal/runner"
	"github.com/predictops/schemapatch/internal/runs"
	"github.com/predictops/schemapatch/internal/server"
	"github.com/predictops/schemapatch/internal/source"
	"github.com/predictops/schemapatch/patches"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("patchd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("patchd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("schemapatch")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.issuer", "patchd")
	viper.SetDefault("server.token_secret", "")
	viper.SetDefault("server.admin_password_hash", "")
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "schemapatch")
	viper.SetDefault("database.password", "schemapatch")
	viper.SetDefault("database.name", "pipelines")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.schema", "")
	viper.SetDefault("ledger.principal", "patchd")
	viper.SetDefault("patches.dir", "")

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Database ─────────────────────────────────────────────────────────────
	dbCfg := postgres.Config{
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		Database: viper.GetString("database.name"),
		SSLMode:  viper.GetString("database.sslmode"),
		Schema:   viper.GetString("database.schema"),
	}

	startCtx := context.Background()
	pool, err := postgres.Connect(startCtx, dbCfg, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	// ── Ledger ───────────────────────────────────────────────────────────────
	led := ledger.NewPostgres(pool, viper.GetString("ledger.principal"), logger)
	if err := led.EnsureSchema(startCtx); err != nil {
		return err
	}

	installed, err := led.Installed(startCtx)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	server.SetInstalledGauge(float64(len(installed)))
	logger.Info("ledger ready", zap.Int("installed", len(installed)))

	// ── Patch set ────────────────────────────────────────────────────────────
	var set []source.Patch
	if dir := viper.GetString("patches.dir"); dir != "" {
		set, err = source.Load(os.DirFS(dir), ".")
	} else {
		set, err = source.Load(patches.FS, ".")
	}
	if err != nil {
		return fmt.Errorf("load patch set: %w", err)
	}
	if err := runner.Validate(set); err != nil {
		return fmt.Errorf("validate patch set: %w", err)
	}
	logger.Info("patch set loaded", zap.Int("patches", len(set)))

	// ── Admin tokens ─────────────────────────────────────────────────────────
	secret := viper.GetString("server.token_secret")
	if secret == "" {
		return fmt.Errorf("server.token_secret must be configured")
	}
	tokens := auth.NewTokenIssuer(
		[]byte(secret),
		viper.GetString("server.admin_password_hash"),
		viper.GetString("server.issuer"),
		time.Hour,
	)

	// ── Wire up layers ───────────────────────────────────────────────────────
	patchRunner := runner.New(led, logger)
	patchHandler := server.NewPatchHandler(led, patchRunner, set, tokens, logger)
	runSvc := runs.NewService(runs.NewRepository(pool), logger)
	runHandler := server.NewRunHandler(runSvc, logger)

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	corsOrigins := viper.GetStringSlice("server.cors_origins")
	router.Use(cors.New(cors.Config{
		AllowOrigins:  corsOrigins,
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Authorization", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	if rps := viper.GetInt("server.rate_limit_rps"); rps > 0 {
		router.Use(server.RateLimiter(rps, rps*2))
	}

	router.Use(requestLogger(logger))
	router.Use(server.PrometheusMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		if err := pool.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db unreachable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", server.MetricsHandler())

	v1 := router.Group("/api/v1")
	server.RegisterLogin(v1, tokens, logger)
	patchHandler.Register(v1)
	runHandler.Register(v1)

	// ── Background: run-closed notification listener ─────────────────────────
	listenCtx, stopListener := context.WithCancel(context.Background())
	defer stopListener()
	listener := notify.NewListener(dbCfg.DSN(), runs.Channel, func(payload string) {
		server.RecordRunClosed()
		logger.Info("run closed", zap.String("run_id", payload))
	}, logger)
	go func() {
		if err := listener.Run(listenCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("notification listener stopped", zap.Error(err))
		}
	}()

	// ── Serve ────────────────────────────────────────────────────────────────
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", viper.GetInt("server.port")),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("patchd HTTP listening", zap.Int("port", viper.GetInt("server.port")))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down patchd...")
	stopListener()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("patchd stopped")
	return nil
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		c.Next()

		fields := []zap.Field{
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		logger.Info("http request", fields...)
	}
}
