// Command stream-herald watches Twitch streamers and YouTube channels and
// keeps one Discord announcement per live stream up to date.
// It:
//   - Loads configuration and initializes structured logging.
//   - Opens the configured state backend (file, postgres or redis) and seeds subjects.
//   - Starts one polling loop per source kind plus a supervisor per external domain.
//   - Exposes the admin HTTP API with /healthz, /readyz and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. A supervisor that exhausts its
// retries exits with status 75 so the process manager restarts the service.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	goredis "github.com/redis/go-redis/v9"

	"github.com/onnwee/stream-herald/config"
	"github.com/onnwee/stream-herald/db"
	"github.com/onnwee/stream-herald/delivery"
	"github.com/onnwee/stream-herald/discord"
	"github.com/onnwee/stream-herald/monitor"
	"github.com/onnwee/stream-herald/notify"
	"github.com/onnwee/stream-herald/poller"
	"github.com/onnwee/stream-herald/resolver"
	"github.com/onnwee/stream-herald/server"
	"github.com/onnwee/stream-herald/store"
	"github.com/onnwee/stream-herald/supervisor"
	"github.com/onnwee/stream-herald/telemetry"
	"github.com/onnwee/stream-herald/twitchapi"
	"github.com/onnwee/stream-herald/youtubeapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
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
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscord(); err != nil {
		slog.Error("discord is not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Optional; requires OTEL_EXPORTER_OTLP_ENDPOINT
	shutdown, err := telemetry.InitTracing("stream-herald", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Every outbound client dials through the resolver so supervisors can
	// flush and rotate addresses during an outage.
	fallback := resolver.DefaultFallback()
	for host, ips := range cfg.DNSFallback {
		fallback[host] = ips
	}
	res := resolver.New(fallback)
	hc := res.HTTPClient(cfg.HTTPTimeout)

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("failed to open state store", slog.String("backend", cfg.StateBackend), slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("failed to close state store", slog.Any("err", err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seedSubjects(ctx, st, cfg.InitialSubjects)

	// Sources
	var helix *twitchapi.HelixClient
	if err := cfg.ValidateTwitch(); err != nil {
		slog.Warn("twitch monitoring disabled", slog.Any("err", err))
	} else {
		ts := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret, HTTPClient: hc}
		tctx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if tok, err := ts.Get(tctx); err != nil {
			slog.Warn("twitch app token fetch failed", slog.Any("err", err))
		} else if len(tok) > 6 {
			slog.Info("twitch app token acquired", slog.String("tail", "***"+tok[len(tok)-6:]))
		}
		cancel()
		helix = &twitchapi.HelixClient{AppTokenSource: ts, ClientID: cfg.TwitchClientID, HTTPClient: hc}
	}

	feed := &youtubeapi.FeedClient{HTTPClient: hc}
	var yt *youtubeapi.Service
	if cfg.YouTubeConfirmEnabled() {
		if yt, err = youtubeapi.New(ctx, cfg.YouTubeAPIKeys, hc, ""); err != nil {
			slog.Error("youtube data api init failed", slog.Any("err", err))
			os.Exit(1)
		}
	} else {
		slog.Info("youtube live confirmation disabled (no api keys)")
	}

	// nil interfaces, not typed nil pointers, when a source is disabled
	var status poller.StatusSource
	if helix != nil {
		status = helix
	}
	var confirmer poller.LiveConfirmer
	var searcher server.ChannelSearcher
	if yt != nil {
		confirmer, searcher = yt, yt
	}
	var users server.TwitchUsers
	if helix != nil {
		users = helix
	}
	p := poller.New(status, feed, confirmer, poller.BreakerOptions{})

	// Sink
	dc := discord.NewClient(cfg.DiscordToken, cfg.DiscordAPIBase, hc)
	breaker := delivery.NewEditBreaker(cfg.EditAttemptLimit, cfg.EditCooldown, time.Hour)
	go breaker.RunGC(ctx, 10*time.Minute)
	engine := delivery.NewEngine(dc, breaker, delivery.Options{
		ChannelID:   cfg.DiscordChannelID,
		Mention:     cfg.Mention,
		SeenHistory: cfg.SeenHistory,
		Cooldown:    cfg.NotifyCooldown,
	})

	var gw *discord.Gateway
	if cfg.DiscordGateway {
		gw = &discord.Gateway{
			Token:  cfg.DiscordToken,
			Dialer: &websocket.Dialer{NetDialContext: res.DialContext, HandshakeTimeout: cfg.HTTPTimeout},
		}
	}

	// Supervisors
	onFailed := func(domain string, err error) {
		slog.Error("supervisor gave up, exiting for restart",
			slog.String("domain", domain), slog.Any("err", err), slog.String("component", "supervisor"))
		stop()
		os.Exit(supervisor.ExitCodeRestart)
	}
	newSupervisor := func(domain string, probe func(context.Context) error) *supervisor.Supervisor {
		return supervisor.New(supervisor.Options{
			Domain:      domain,
			MaxAttempts: cfg.SupervisorMaxRetries,
			BaseDelay:   cfg.SupervisorBaseDelay,
			MaxDelay:    cfg.SupervisorMaxDelay,
			Remediator:  res,
			Probe:       probe,
			OnFailed:    onFailed,
		})
	}
	twitchSup := newSupervisor("twitch", func(ctx context.Context) error {
		if helix == nil {
			return nil
		}
		_, err := helix.GetUser(ctx, "twitch")
		return err
	})
	youtubeSup := newSupervisor("youtube", func(ctx context.Context) error {
		subs, err := store.SubjectsOfKind(ctx, st, notify.SourceYouTube)
		if err != nil || len(subs) == 0 {
			return err
		}
		_, err = feed.Items(ctx, subs[0].ID)
		if notify.IsKind(err, notify.KindNotFound) {
			return nil
		}
		return err
	})
	discordSup := newSupervisor("discord", func(ctx context.Context) error {
		if gw != nil {
			return gw.Connect(ctx)
		}
		_, err := dc.CurrentUser(ctx)
		return err
	})
	for _, s := range []*supervisor.Supervisor{twitchSup, youtubeSup, discordSup} {
		go s.Run(ctx)
	}

	if gw != nil {
		gw.OnDisconnect = func(err error) {
			if notify.IsKind(err, notify.KindAuthFailure) {
				slog.Error("discord gateway rejected the token", slog.Any("err", err), slog.String("component", "discord_gateway"))
			}
			discordSup.ReportFailure(err)
		}
		gctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := gw.Connect(gctx); err != nil {
			slog.Warn("discord gateway connect failed", slog.Any("err", err), slog.String("component", "discord_gateway"))
			discordSup.ReportFailure(err)
		}
		cancel()
		defer gw.Close()
	}

	locks := store.NewLocker()
	mon := monitor.New(st, locks, p, engine, monitor.Options{
		SubjectTimeout: cfg.SubjectTimeout,
		Cooldown:       cfg.NotifyCooldown,
		Sources: map[notify.SourceKind]monitor.Gate{
			notify.SourceTwitch:  twitchSup,
			notify.SourceYouTube: youtubeSup,
		},
		Sink: discordSup,
	})
	if helix != nil {
		go mon.Run(ctx, notify.SourceTwitch, cfg.TwitchPollInterval)
	}
	go mon.Run(ctx, notify.SourceYouTube, cfg.YouTubePollInterval)
	slog.Info("monitor started",
		slog.Duration("twitch_interval", cfg.TwitchPollInterval),
		slog.Duration("youtube_interval", cfg.YouTubePollInterval),
		slog.String("backend", cfg.StateBackend))

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
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

	h := server.NewHandlers(server.Deps{
		Store:   st,
		Locks:   locks,
		Checker: mon,
		Twitch:  users,
		YouTube: searcher,
		Domains: []server.DomainStatus{twitchSup, youtubeSup, discordSup},
	})
	go func() {
		if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, h)); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}

// openStore opens the configured state backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StateBackend {
	case config.BackendPostgres:
		database, err := db.Connect(cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		// Versioned migrations first; the embedded SQL covers databases that
		// predate the schema_migrations table.
		slog.Info("running database migrations", slog.String("component", "db_migrate"))
		if err := db.RunMigrations(database); err != nil {
			slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
				slog.Any("err", err), slog.String("component", "db_migrate"))
			if err := db.Migrate(context.Background(), database); err != nil {
				_ = database.Close()
				return nil, err
			}
		}
		return store.NewPostgresStore(database), nil
	case config.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := store.NewRedisStore(client, store.DefaultRedisPrefix)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			return nil, err
		}
		return rs, nil
	default:
		fs, err := store.OpenFileStore(cfg.StateFile)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
}

// seedSubjects adds INITIAL_SUBJECTS entries ("kind:id", or a bare Twitch login).
func seedSubjects(ctx context.Context, st store.Store, entries []string) {
	for _, e := range entries {
		sub, err := parseSubject(e)
		if err != nil {
			slog.Warn("ignoring initial subject", slog.String("entry", e), slog.Any("err", err))
			continue
		}
		sub.AddedAt = time.Now().UTC()
		if err := st.AddSubject(ctx, sub); err != nil && !errors.Is(err, store.ErrSubjectExists) {
			slog.Warn("failed to seed subject", slog.String("subject", sub.Key()), slog.Any("err", err))
			continue
		}
	}
}

func parseSubject(entry string) (notify.Subject, error) {
	sub := notify.Subject{Kind: notify.SourceTwitch, ID: strings.TrimSpace(entry)}
	if kind, id, ok := strings.Cut(entry, ":"); ok {
		k, err := notify.ParseSourceKind(kind)
		if err != nil {
			return notify.Subject{}, err
		}
		sub.Kind, sub.ID = k, strings.TrimSpace(id)
	}
	if sub.Kind == notify.SourceTwitch {
		sub.ID = strings.ToLower(sub.ID)
	}
	return sub, sub.Validate()
}
