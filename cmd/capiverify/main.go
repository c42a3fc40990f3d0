// Command capiverify is a gateway that checks request signatures, rejects
// replayed nonces and echoes the verified parameters back.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/qcloud-go/capi/internal/config"
	"github.com/qcloud-go/capi/internal/logging"
	"github.com/qcloud-go/capi/internal/metrics"
	"github.com/qcloud-go/capi/internal/middleware"
	"github.com/qcloud-go/capi/internal/replay"
	"github.com/qcloud-go/capi/internal/signing"
	"github.com/qcloud-go/capi/params"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to config file")
	port := pflag.IntP("port", "p", 0, "Port to listen on")
	logLevel := pflag.StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	host := pflag.String("host", "", "Host to verify signatures against instead of the Host header")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if pflag.Lookup("port").Changed {
		cfg.Server.Port = *port
	}
	if pflag.Lookup("log-level").Changed {
		cfg.Logging.Level = *logLevel
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	secrets := cfg.SecretMap()
	if len(secrets) == 0 {
		logger.Fatal("No secrets configured")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = redisClient.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.String("addr", cfg.Redis.Addr()), zap.Error(err))
	}

	verifier := signing.NewVerifier(signing.StaticSecrets(secrets), signing.WithMaxSkew(cfg.Server.MaxSkew))
	guard := replay.NewGuard(redisClient, cfg.Redis.KeyPrefix, cfg.Server.MaxSkew, logger)
	recorder := metrics.NewRecorder(prometheus.DefaultRegisterer)

	var verifyOpts []middleware.VerifyOption
	verifyOpts = append(verifyOpts,
		middleware.WithVerifyRecorder(recorder),
		middleware.WithMaxBodyBytes(cfg.Server.MaxBodyBytes))
	if *host != "" {
		verifyOpts = append(verifyOpts, middleware.WithHost(*host))
	}

	gin.SetMode(gin.ReleaseMode)
	router := newRouter(logger, verifier, guard, promhttp.Handler(), verifyOpts...)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		logger.Info("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Fatal("Server forced to shutdown", zap.Error(err))
		}
	}()

	logger.Info("Starting server",
		zap.Int("port", cfg.Server.Port),
		zap.Int("secrets", len(secrets)),
		zap.Duration("max_skew", cfg.Server.MaxSkew))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}
}

// newRouter mounts /metrics outside the verified routes; every other path
// must carry a valid signature.
func newRouter(logger *zap.Logger, v *signing.Verifier, guard middleware.ReplayGuard,
	metricsHandler http.Handler, opts ...middleware.VerifyOption) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID(logger))

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	router.NoRoute(middleware.Verify(v, guard, logger, opts...), echo(logger))
	return router
}

// echo answers with the verified action and parameters in the v2 envelope.
func echo(fallback *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		log := middleware.LoggerFrom(c, fallback)
		p, _ := middleware.ParamsFrom(c)

		flat, err := params.Flatten(p, params.Dot)
		if err != nil {
			log.Error("flattening verified params", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":     middleware.CodeInternal,
				"codeDesc": "InternalError",
				"message":  err.Error(),
			})
			return
		}

		action := ""
		if verified, ok := c.Get(middleware.VerifiedKey); ok {
			action = verified.(*signing.Verified).Action
		}
		log.Debug("verified request", zap.String("action", action), zap.Int("params", len(flat)))

		c.JSON(http.StatusOK, gin.H{
			"code":     0,
			"codeDesc": "Success",
			"action":   action,
			"params":   flat,
		})
	}
}
