// Command server starts the streampull HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"streampull/internal/api"
	"streampull/internal/cache"
	"streampull/internal/download"
	"streampull/internal/extract"
	"streampull/internal/observability/logging"
	"streampull/internal/observability/metrics"
	"streampull/internal/server"
	"streampull/internal/transcode"
)

const defaultListenAddr = ":8080"

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (json or text)")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ytdlpPath := flag.String("ytdlp", "", "path to the yt-dlp binary")
	extractRetries := flag.Int("extract-retries", 0, "extractor retry budget per request")
	extractTimeout := flag.Duration("extract-timeout", 0, "timeout for a single metadata resolution")
	chunkSize := flag.Int("chunk-size", 0, "streaming chunk size in bytes")
	cacheDriver := flag.String("cache-driver", "", "metadata cache driver (memory or redis)")
	cacheTTL := flag.Duration("cache-ttl", 0, "metadata cache entry lifetime")
	redisAddr := flag.String("redis-addr", "", "Redis address for the shared cache")
	redisAddrs := flag.String("redis-addrs", "", "comma-separated Redis addresses (cluster or sentinel)")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	downloadLimit := flag.Int("rate-download-limit", 0, "maximum downloads per window for a single IP")
	downloadWindow := flag.Duration("rate-download-window", 0, "window for the per-IP download limit")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMPULL_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMPULL_LOG_FORMAT")),
	})

	resolver := extract.NewResolver(extract.Config{
		BinaryPath: firstNonEmpty(*ytdlpPath, os.Getenv("STREAMPULL_YTDLP")),
		Retries:    resolveInt(*extractRetries, "STREAMPULL_EXTRACT_RETRIES"),
		Timeout:    resolveDuration(*extractTimeout, "STREAMPULL_EXTRACT_TIMEOUT", 0),
		Logger:     logging.WithComponent(logger, "extract"),
	})

	transcoder, err := transcode.NewManager(transcode.Config{
		BinaryPath: firstNonEmpty(*ffmpegPath, os.Getenv("STREAMPULL_FFMPEG")),
		Logger:     logging.WithComponent(logger, "transcode"),
	})
	if err != nil {
		logger.Error("transcoder unavailable", "error", err)
		os.Exit(1)
	}

	downloader, err := download.NewDownloader(download.Config{
		BinaryPath: firstNonEmpty(*ytdlpPath, os.Getenv("STREAMPULL_YTDLP")),
		Retries:    resolveInt(*extractRetries, "STREAMPULL_EXTRACT_RETRIES"),
		Logger:     logging.WithComponent(logger, "download"),
	})
	if err != nil {
		logger.Error("downloader unavailable", "error", err)
		os.Exit(1)
	}

	store, err := buildCacheStore(cacheStoreSettings{
		Driver:     firstNonEmpty(*cacheDriver, os.Getenv("STREAMPULL_CACHE_DRIVER")),
		Addr:       firstNonEmpty(*redisAddr, os.Getenv("STREAMPULL_REDIS_ADDR")),
		Addrs:      splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("STREAMPULL_REDIS_ADDRS"))),
		Username:   firstNonEmpty(*redisUsername, os.Getenv("STREAMPULL_REDIS_USERNAME")),
		Password:   firstNonEmpty(*redisPassword, os.Getenv("STREAMPULL_REDIS_PASSWORD")),
		MasterName: firstNonEmpty(*redisMasterName, os.Getenv("STREAMPULL_REDIS_MASTER_NAME")),
	})
	if err != nil {
		logger.Error("cache store unavailable", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(resolver, transcoder, downloader)
	handler.Cache = store
	handler.Logger = logging.WithComponent(logger, "api")
	handler.CacheTTL = resolveDuration(*cacheTTL, "STREAMPULL_CACHE_TTL", api.DefaultCacheTTL)
	if size := resolveInt(*chunkSize, "STREAMPULL_CHUNK_SIZE"); size > 0 {
		handler.ChunkSize = size
	}

	srv, err := server.New(handler, server.Config{
		Addr: firstNonEmpty(*addr, os.Getenv("STREAMPULL_ADDR"), defaultListenAddr),
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMPULL_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMPULL_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:      resolveFloat(*globalRPS, "STREAMPULL_RATE_GLOBAL_RPS"),
			GlobalBurst:    resolveInt(*globalBurst, "STREAMPULL_RATE_GLOBAL_BURST"),
			DownloadLimit:  resolveInt(*downloadLimit, "STREAMPULL_RATE_DOWNLOAD_LIMIT"),
			DownloadWindow: resolveDuration(*downloadWindow, "STREAMPULL_RATE_DOWNLOAD_WINDOW", 0),
			Store:          store,
		},
		Logger:  logging.WithComponent(logger, "http"),
		Metrics: metrics.Default(),
	})
	if err != nil {
		logger.Error("server configuration failed", "error", err)
		os.Exit(1)
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", firstNonEmpty(*addr, os.Getenv("STREAMPULL_ADDR"), defaultListenAddr))
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if store != nil {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close cache store", "error", err)
		}
	}

	logger.Info("server stopped")
}

type cacheStoreSettings struct {
	Driver     string
	Addr       string
	Addrs      []string
	Username   string
	Password   string
	MasterName string
}

func buildCacheStore(settings cacheStoreSettings) (cache.Store, error) {
	driver := strings.ToLower(strings.TrimSpace(settings.Driver))
	switch driver {
	case "", "memory":
		return cache.NewMemoryStore(), nil
	case "redis":
		return cache.NewRedisStore(cache.RedisConfig{
			Addr:       settings.Addr,
			Addrs:      settings.Addrs,
			Username:   settings.Username,
			Password:   settings.Password,
			MasterName: settings.MasterName,
		})
	default:
		return nil, errors.New("unknown cache driver " + strconv.Quote(driver))
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}
