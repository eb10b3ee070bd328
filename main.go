// Command condorbot runs the CoNDOR league race bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the match store (Postgres with versioned migrations, or in-memory).
//   - Wires the optional collaborators: the league spreadsheet, Redis match
//     events, stream recording and Helix live checks.
//   - Connects to Twitch chat and dispatches commands to the league.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /schedule and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/condorbot/chat"
	"github.com/onnwee/condorbot/config"
	"github.com/onnwee/condorbot/db"
	"github.com/onnwee/condorbot/events"
	"github.com/onnwee/condorbot/league"
	"github.com/onnwee/condorbot/server"
	"github.com/onnwee/condorbot/sheets"
	"github.com/onnwee/condorbot/telemetry"
	"github.com/onnwee/condorbot/twitchapi"
	"github.com/onnwee/condorbot/vodrecord"
)

const version = "1.0.0"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("chat not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing("condorbot", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()
	slog.Info("condorbot starting", slog.String("version", version), slog.Bool("tracing", telemetry.IsTracingEnabled()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checks []server.Check
	deps := league.Deps{}

	// Match store
	switch cfg.StoreBackend {
	case "memory":
		slog.Warn("using in-memory match store; league state is lost on restart", slog.String("component", "db"))
		deps.Store = db.NewMemoryStore()
	default:
		database, err := openDatabase(ctx, cfg.DBDsn)
		if err != nil {
			slog.Error("failed to open db", slog.Any("err", err))
			os.Exit(1)
		}
		defer func() {
			if err := database.Close(); err != nil {
				slog.Error("failed to close database", slog.Any("err", err))
			}
		}()
		deps.Store = db.NewStore(database)
		checks = append(checks, server.Check{Name: "database", Fn: database.PingContext})
	}

	// League spreadsheet (optional)
	if cfg.GSheetID != "" {
		if err := cfg.ValidateSheetReady(); err != nil {
			slog.Error("sheet not configured", slog.Any("err", err))
			os.Exit(1)
		}
		sheet, err := sheets.New(ctx, sheets.Config{
			SpreadsheetID:   cfg.GSheetID,
			CredentialsFile: cfg.GSheetCredentialsFile,
			Location:        cfg.SheetLocation(),
		})
		if err != nil {
			slog.Error("failed to open league sheet", slog.Any("err", err))
			os.Exit(1)
		}
		deps.Sink = sheet
		slog.Info("league sheet enabled", slog.String("component", "sheets"))
	}

	// Match events (optional)
	if cfg.RedisAddr != "" {
		pub, rdb, err := events.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.EventsChannel)
		if err != nil {
			slog.Error("failed to connect to redis", slog.Any("err", err))
			os.Exit(1)
		}
		defer closeRedis(rdb)
		deps.Publisher = pub
		checks = append(checks, server.Check{Name: "redis", Fn: pub.Ping})
		slog.Info("match events enabled", slog.String("channel", pub.Channel()), slog.String("component", "events"))
	}

	// Stream recording (optional)
	if cfg.VODControlURL != "" {
		rec := vodrecord.New(cfg.VODControlURL)
		rec.LinkBase = cfg.VODLinkBase
		deps.Recorder = rec
		slog.Info("stream recording enabled", slog.String("component", "vodrecord"))
	}

	// Live stream checks (optional). Uses an app access token, never the chat token.
	if err := cfg.ValidateHelixReady(); err == nil {
		deps.Streams = &twitchapi.HelixClient{
			AppTokenSource: &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret},
			ClientID:       cfg.TwitchClientID,
			HTTPClient:     &http.Client{Timeout: 10 * time.Second},
		}
	} else {
		slog.Info("live stream checks disabled", slog.String("reason", err.Error()), slog.String("component", "twitchapi"))
	}

	bot := chat.New(chat.Options{
		Username:       cfg.TwitchBotUsername,
		Token:          cfg.TwitchOAuthToken,
		Prefix:         cfg.CommandPrefix,
		Channels:       cfg.Channels(),
		WhisperChannel: cfg.AdminChannel,
	})
	deps.Messenger = bot
	deps.Joiner = bot

	l := league.New(ctx, cfg.LeagueOptions(), deps)
	bot.SetExecutor(l)
	if err := l.Start(ctx); err != nil {
		slog.Error("league start failed", slog.Any("err", err))
		os.Exit(1)
	}

	chatDone := make(chan struct{})
	go func() {
		defer close(chatDone)
		if err := bot.Run(ctx); err != nil {
			slog.Error("chat exited with error", slog.Any("err", err))
			stop()
		}
	}()

	startPprof()

	handler := server.NewMux(ctx, server.NewHandlers(l, checks...), server.Options{
		AdminToken:    cfg.AdminToken,
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		CORSOrigins:   cfg.CORSOrigins,
	})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, handler); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	l.Shutdown(shutdownCtx)
	select {
	case <-chatDone:
	case <-shutdownCtx.Done():
		slog.Warn("chat did not disconnect before shutdown deadline")
	}
}

// setupLogging configures slog from LOG_LEVEL and LOG_FORMAT. Defaults:
// level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// openDatabase connects to Postgres and applies migrations. Versioned
// migrations are tried first; the embedded schema is the fallback for
// databases created before version tracking.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := db.Connect(dsn)
	if err != nil {
		return nil, err
	}
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded schema",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
		slog.Info("embedded schema applied", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
		if v, dirty, err := db.GetMigrationVersion(database); err == nil {
			slog.Info("database schema ready", slog.Uint64("version", uint64(v)), slog.Bool("dirty", dirty), slog.String("component", "db_migrate"))
		}
	}
	return database, nil
}

func closeRedis(rdb *redis.Client) {
	if err := rdb.Close(); err != nil {
		slog.Error("failed to close redis", slog.Any("err", err))
	}
}

// startPprof enables profiling endpoints in debug mode (ENABLE_PPROF=1).
func startPprof() {
	if os.Getenv("ENABLE_PPROF") != "1" {
		return
	}
	pprofAddr := os.Getenv("PPROF_ADDR")
	if pprofAddr == "" {
		pprofAddr = "localhost:6060"
	}
	go func() {
		slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
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
