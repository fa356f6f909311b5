// Command server starts the Castgate broadcast gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"castgate/internal/api"
	"castgate/internal/auth"
	"castgate/internal/extract"
	"castgate/internal/hub"
	"castgate/internal/live"
	"castgate/internal/notify"
	"castgate/internal/observability/logging"
	"castgate/internal/observability/metrics"
	"castgate/internal/push"
	"castgate/internal/relay"
	"castgate/internal/server"
	"castgate/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	publicBaseURL := flag.String("public-base-url", "", "base URL clients use to reach this gateway (e.g. https://stream.example.com)")
	adminKey := flag.String("admin-key", "", "shared secret for admin operations")
	adminKeyHash := flag.String("admin-key-hash", "", "PBKDF2 hash of the admin key (preferred over --admin-key)")
	hlsDir := flag.String("hls-dir", "", "directory for live HLS output")
	replayDir := flag.String("replay-dir", "", "directory for recorded replays")
	ffmpegBin := flag.String("ffmpeg-bin", "", "ffmpeg executable")
	ytdlpBin := flag.String("ytdlp-bin", "", "yt-dlp executable")
	extractTimeout := flag.Duration("extract-timeout", 0, "timeout for media URL extraction")
	corsOrigins := flag.String("cors-origins", "", "comma separated browser origins allowed to call the API")
	vapidPublicKey := flag.String("vapid-public-key", "", "VAPID public key for web push")
	vapidPrivateKey := flag.String("vapid-private-key", "", "VAPID private key for web push")
	vapidSubscriber := flag.String("vapid-subscriber", "", "VAPID subscriber contact (mailto: or https:)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres DSN for the push subscription store (memory when empty)")
	queueDriver := flag.String("queue-driver", "", "event queue driver (memory or redis)")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the event queue")
	redisUsername := flag.String("queue-redis-username", "", "Redis username for the event queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the event queue")
	redisStream := flag.String("queue-redis-stream", "", "Redis stream key for broadcast events")
	redisGroup := flag.String("queue-redis-group", "", "Redis consumer group for broadcast events")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log output format (text or json)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("CASTGATE_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("CASTGATE_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	key, err := resolveAdminKey(*adminKey, *adminKeyHash)
	if err != nil {
		logger.Error("failed to configure admin key", "error", err)
		os.Exit(1)
	}
	if !key.Configured() {
		logger.Warn("no admin key configured, admin operations are disabled")
	}

	listenAddr := firstNonEmpty(*addr, os.Getenv("CASTGATE_ADDR"), ":8080")
	baseURL := strings.TrimRight(firstNonEmpty(*publicBaseURL, os.Getenv("CASTGATE_PUBLIC_BASE_URL"), "http://localhost:8080"), "/")
	hlsPath := firstNonEmpty(*hlsDir, os.Getenv("CASTGATE_HLS_DIR"), "data/hls")
	replayPath := firstNonEmpty(*replayDir, os.Getenv("CASTGATE_REPLAY_DIR"), "data/replays")

	for _, dir := range []string{hlsPath, replayPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Error("failed to create media directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	resolver := extract.NewYtDlpResolver(extract.Config{
		Binary:  firstNonEmpty(*ytdlpBin, os.Getenv("CASTGATE_YTDLP_BIN")),
		Timeout: resolveDuration(*extractTimeout, "CASTGATE_EXTRACT_TIMEOUT", 0),
		Logger:  logging.WithComponent(logger, "extract"),
	})

	manager := live.NewManager(live.Config{
		HLSDir:        hlsPath,
		ReplayDir:     replayPath,
		PublicBaseURL: baseURL,
		FFmpegBinary:  firstNonEmpty(*ffmpegBin, os.Getenv("CASTGATE_FFMPEG_BIN")),
		Resolver:      resolver,
		Logger:        logging.WithComponent(logger, "live"),
		Metrics:       recorder,
	})

	queue, err := configureQueue(firstNonEmpty(*queueDriver, os.Getenv("CASTGATE_QUEUE_DRIVER")), hub.RedisQueueConfig{
		Addr:     firstNonEmpty(*redisAddr, os.Getenv("CASTGATE_QUEUE_REDIS_ADDR")),
		Username: firstNonEmpty(*redisUsername, os.Getenv("CASTGATE_QUEUE_REDIS_USERNAME")),
		Password: firstNonEmpty(*redisPassword, os.Getenv("CASTGATE_QUEUE_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(*redisStream, os.Getenv("CASTGATE_QUEUE_REDIS_STREAM")),
		Group:    firstNonEmpty(*redisGroup, os.Getenv("CASTGATE_QUEUE_REDIS_GROUP")),
		Logger:   logging.WithComponent(logger, "queue"),
	})
	if err != nil {
		logger.Error("failed to configure event queue", "error", err)
		os.Exit(1)
	}

	realtime := hub.New(hub.Config{
		Manager:  manager,
		AdminKey: key,
		Queue:    queue,
		Logger:   logging.WithComponent(logger, "hub"),
		Metrics:  recorder,
	})
	manager.SetBroadcaster(realtime)

	pushStore, pushStoreCloser, err := configurePushStore(firstNonEmpty(*postgresDSN, os.Getenv("CASTGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	if err != nil {
		logger.Error("failed to open push subscription store", "error", err)
		os.Exit(1)
	}

	var sender push.Sender
	publicKey := firstNonEmpty(*vapidPublicKey, os.Getenv("CASTGATE_VAPID_PUBLIC_KEY"))
	privateKey := firstNonEmpty(*vapidPrivateKey, os.Getenv("CASTGATE_VAPID_PRIVATE_KEY"))
	subscriber := firstNonEmpty(*vapidSubscriber, os.Getenv("CASTGATE_VAPID_SUBSCRIBER"))
	if publicKey != "" && privateKey != "" {
		sender = push.NewWebpushSender(publicKey, privateKey, subscriber)
	} else {
		logger.Warn("VAPID keys not configured, web push delivery is disabled")
	}
	dispatcher := push.NewDispatcher(push.Config{
		Store:   pushStore,
		Sender:  sender,
		Logger:  logging.WithComponent(logger, "push"),
		Metrics: recorder,
	})

	bridge := notify.NewBridge(notify.Config{
		Queue:      realtime.Queue(),
		Dispatcher: dispatcher,
		Logger:     logging.WithComponent(logger, "notify"),
	})

	handlers := api.NewHandler(manager, realtime, resolver, dispatcher, key, logging.WithComponent(logger, "api"))
	stream := relay.New(relay.Config{
		Resolver: resolver,
		Logger:   logging.WithComponent(logger, "relay"),
		Metrics:  recorder,
	})

	srv, err := server.New(handlers, realtime, stream, server.Config{
		Addr:      listenAddr,
		CORS:      server.CORSConfig{AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("CASTGATE_CORS_ORIGINS")))},
		HLSDir:    hlsPath,
		ReplayDir: replayPath,
		Logger:    logger,
		Metrics:   recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tlsCfg := serverutil.TLSConfig{
		CertFile: firstNonEmpty(*tlsCert, os.Getenv("CASTGATE_TLS_CERT")),
		KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("CASTGATE_TLS_KEY")),
	}

	logger.Info("Castgate gateway listening", "addr", listenAddr, "public_base_url", baseURL)
	if tlsCfg.CertFile != "" && tlsCfg.KeyFile != "" {
		logger.Info("TLS enabled", "cert_file", tlsCfg.CertFile)
	}
	logger.Info("metrics endpoint available", "path", "/metrics")

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv,
			TLS:             tlsCfg,
			ShutdownTimeout: resolveDuration(*shutdownTimeout, "CASTGATE_SHUTDOWN_TIMEOUT", 0),
			Logger:          logger,
		})
	})
	group.Go(func() error {
		return bridge.Run(groupCtx)
	})

	err = group.Wait()

	manager.Stop()
	if pushStoreCloser != nil {
		pushStoreCloser()
	}
	if closer, ok := queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close event queue", "error", err)
		}
	}

	if err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func resolveAdminKey(secret, hash string) (auth.AdminKey, error) {
	hash = firstNonEmpty(hash, os.Getenv("CASTGATE_ADMIN_KEY_HASH"))
	if hash != "" {
		return auth.NewAdminKeyFromHash(hash)
	}
	return auth.NewAdminKey(firstNonEmpty(secret, os.Getenv("CASTGATE_ADMIN_KEY")))
}

func configureQueue(driver string, cfg hub.RedisQueueConfig) (hub.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "redis":
		if strings.TrimSpace(cfg.Addr) == "" {
			return nil, fmt.Errorf("redis addr is required for the redis queue driver")
		}
		return hub.NewRedisQueue(cfg)
	case "", "memory":
		return hub.NewMemoryQueue(0), nil
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func configurePushStore(dsn string) (push.Store, func(), error) {
	if strings.TrimSpace(dsn) == "" {
		return push.NewMemoryStore(), nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	store, err := push.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
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
	if len(out) == 0 {
		return nil
	}
	return out
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
	return fallback
}
