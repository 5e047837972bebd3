// Command backend is the main entrypoint for the chat-relay service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the identity store (Postgres, SQLite, or in-memory) and runs
//     idempotent migrations.
//   - Connects one adapter per configured platform and starts the relay
//     manager that synchronizes messages, edits, and deletions between them.
//   - Exposes a minimal HTTP server with /healthz, /health, /status,
//     /metrics, and the deletion webhook.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/chat-relay/backend/bus"
	"github.com/onnwee/chat-relay/backend/config"
	"github.com/onnwee/chat-relay/backend/platform"
	"github.com/onnwee/chat-relay/backend/relay"
	"github.com/onnwee/chat-relay/backend/server"
	"github.com/onnwee/chat-relay/backend/store"
	"github.com/onnwee/chat-relay/backend/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	initLogging()

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-relay", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Identity store
	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close store", slog.Any("err", err))
		}
	}()

	// Channel map
	cm, err := config.LoadChannelMap(cfg.ChannelMapFile, cfg)
	if err != nil {
		slog.Error("failed to load channel map", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event bus and relay manager
	eventBus := bus.New()
	defer eventBus.Close()
	manager := relay.New(st, cm, eventBus, relay.Options{
		SendTimeout:       cfg.SendTimeout,
		EchoCacheTTL:      cfg.EchoCacheTTL,
		EchoCacheSize:     cfg.EchoCacheSize,
		RateLimitMessages: cfg.RateLimitMessages,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	adapters := buildAdapters(ctx, cfg)
	for _, a := range adapters {
		manager.Register(a)
	}
	manager.Start(ctx)

	// Connect each adapter; primary platforms are fatal on initial failure,
	// secondary legs degrade to a warning and keep retrying internally.
	for _, a := range adapters {
		if err := a.Connect(ctx); err != nil {
			if a.Name() == platform.Discord || a.Name() == platform.Telegram {
				slog.Error("primary platform connect failed", slog.String("platform", string(a.Name())), slog.Any("err", err))
				os.Exit(1)
			}
			slog.Warn("secondary platform connect failed, leg disabled until reconnect",
				slog.String("platform", string(a.Name())), slog.Any("err", err))
		}
	}

	// Retention sweep for aged-out mappings
	go store.StartRetentionJob(ctx, st)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			// Use an http.Server with timeouts to satisfy G114 and avoid DoS risks
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics/webhook)
	handlers := server.NewHandlers(st, manager, eventBus)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// initLogging configures the default slog logger from LOG_LEVEL and
// LOG_FORMAT. Defaults: level=info, format=text.
func initLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		// unknown level -> keep info but note once using temporary logger
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))
}

// openStore opens the configured store backend and brings its schema up to
// date. Postgres prefers versioned migrations and falls back to the
// embedded SQL; SQLite always uses the embedded SQL.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "memory":
		slog.Info("using in-memory store (mappings lost on restart)")
		return store.NewMemory(), nil
	case "sqlite":
		s, err := store.NewSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(context.Background()); err != nil {
			_ = s.Close()
			return nil, err
		}
		slog.Info("sqlite store ready", slog.String("path", cfg.SQLitePath))
		return s, nil
	default:
		s, err := store.NewPostgres(cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := store.RunMigrations(s.DB()); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
				slog.Any("err", err),
				slog.String("component", "db_migrate"))
			if err := s.Migrate(context.Background()); err != nil {
				_ = s.Close()
				return nil, err
			}
			slog.Info("embedded SQL migration completed", slog.String("component", "db_migrate"))
		} else {
			slog.Info("versioned migrations completed", slog.String("component", "db_migrate"))
		}
		return s, nil
	}
}

// buildAdapters constructs one adapter per configured platform. Discord and
// Telegram are always present (Validate guarantees their credentials);
// Twitch, Kick, and YouTube join only when configured.
func buildAdapters(ctx context.Context, cfg *config.Config) []platform.Adapter {
	var adapters []platform.Adapter

	discord, err := platform.NewDiscordAdapter(cfg.DiscordBotToken, cfg.DiscordChannelID)
	if err != nil {
		slog.Error("discord adapter init failed", slog.Any("err", err))
		os.Exit(1)
	}
	adapters = append(adapters, discord)

	telegram, err := platform.NewTelegramAdapter(cfg.TelegramBotToken, cfg.TelegramGroupID, cfg.TelegramTopicID)
	if err != nil {
		slog.Error("telegram adapter init failed", slog.Any("err", err))
		os.Exit(1)
	}
	adapters = append(adapters, telegram)

	if cfg.TwitchEnabled() {
		twitch, err := platform.NewTwitchAdapter(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannel)
		if err != nil {
			slog.Warn("twitch adapter init failed, leg disabled", slog.Any("err", err))
		} else {
			adapters = append(adapters, twitch)
		}
	}
	if cfg.KickEnabled() {
		kick, err := platform.NewKickAdapter(cfg.KickChatroomID, cfg.KickAuthToken, cfg.KickBotUserID)
		if err != nil {
			slog.Warn("kick adapter init failed, leg disabled", slog.Any("err", err))
		} else {
			adapters = append(adapters, kick)
		}
	}
	if cfg.YouTubeEnabled() {
		youtube, err := platform.NewYouTubeAdapter(ctx, cfg.YouTubeAccessToken, cfg.YouTubeLiveChatID)
		if err != nil {
			slog.Warn("youtube adapter init failed, leg disabled", slog.Any("err", err))
		} else {
			adapters = append(adapters, youtube)
		}
	}
	return adapters
}
