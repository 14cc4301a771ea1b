package mixer

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	// postgres driver for the peer session log
	_ "github.com/jackc/pgx/v4/stdlib"

	"github.com/isqad/splitstreamer/internal/api"
	"github.com/isqad/splitstreamer/internal/config"
	"github.com/isqad/splitstreamer/internal/core"
	"github.com/isqad/splitstreamer/internal/eventbus"
	"github.com/isqad/splitstreamer/internal/rtc"
	"github.com/isqad/splitstreamer/internal/session"
	"github.com/isqad/splitstreamer/internal/signaling"
)

const shutdownTimeout = 10 * time.Second

// AppOptions is options of the mixer application
type AppOptions struct {
	Env        core.Environment
	ConfigPath string
}

// App wires the media engine, the session registry and the signaling
// connection together and runs the message loop until it ends.
type App struct {
	AppOptions

	closers []func() error
}

func New(options AppOptions) *App {
	return &App{AppOptions: options}
}

func (app *App) Start() error {
	app.initLogger()

	conf, err := config.Load(app.ConfigPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rtcConf, err := config.NewWebRTCConfig(conf)
	if err != nil {
		return err
	}

	engine := rtc.NewEngine(rtc.EngineParams{
		EnabledCodecs: conf.Peer.EnabledCodecs,
		Config:        rtcConf,
		OutputAddress: conf.Output.Address,
	})
	if err := engine.Start(); err != nil {
		engine.Close()
		return err
	}

	publishers, err := app.initPublishers(conf)
	if err != nil {
		engine.Close()
		app.close()
		return err
	}
	dispatcher := eventbus.NewDispatcher(publishers...)
	go dispatcher.Run(context.Background())

	registry, err := session.NewRegistry(session.Options{
		Engine:       engine,
		STUNServer:   conf.STUNServer,
		TURNServer:   conf.TURNServer,
		AudioRouting: session.AudioRouting(conf.AudioRouting),
		Notifier:     dispatcher,
	})
	if err != nil {
		engine.Close()
		dispatcher.Close()
		app.close()
		return err
	}

	metrics := &http.Server{
		Addr:              conf.Metrics.Address,
		Handler:           app.router(registry),
		ReadHeaderTimeout: 1 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Str("service", "mixer").Msg("http server has been closed immediatelly")
		}
	}()

	err = app.run(ctx, conf.SignalingServer, registry)

	log.Warn().Str("service", "mixer").Msg("the mixer is going shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if closeErr := registry.Close(); closeErr != nil {
		log.Error().Err(closeErr).Str("service", "mixer").Msg("can't close the media engine")
	}
	dispatcher.Close()
	dispatcher.Drain(shutdownCtx)
	app.close()
	if shutdownErr := metrics.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error().Err(shutdownErr).Str("service", "mixer").Msg("can't gracefully shutdown the metrics server")
	}

	log.Info().Str("service", "mixer").Msg("mixer stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

func (app *App) run(ctx context.Context, url string, registry *session.Registry) error {
	client, err := signaling.Dial(ctx, url)
	if err != nil {
		return err
	}
	defer client.Close()

	return NewLoop(client, registry).Run(ctx)
}

func (app *App) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}

// initPublishers connects the configured lifecycle event sinks
func (app *App) initPublishers(conf *config.Config) ([]eventbus.Publisher, error) {
	publishers := make([]eventbus.Publisher, 0, 3)

	if conf.EventBus.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr: conf.EventBus.RedisAddr,
			DB:   0,
		})
		p := eventbus.RedisPubSub(rdb, conf.EventBus.RedisChannel)
		publishers = append(publishers, p)
		app.closers = append(app.closers, p.Close)
	}

	if conf.EventBus.NATSURL != "" {
		p, err := eventbus.NewNATSPublisher(conf.EventBus.NATSURL, conf.EventBus.NATSSubject)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, p)
		app.closers = append(app.closers, p.Close)
	}

	if conf.Database.URL != "" {
		db, err := sqlx.Connect("pgx", conf.Database.URL)
		if err != nil {
			return nil, err
		}
		publishers = append(publishers, eventbus.NewStorePublisher(core.NewPeerSessionsRepository(db)))
		app.closers = append(app.closers, db.Close)
	}

	return publishers, nil
}

func (app *App) close() {
	for _, c := range app.closers {
		if err := c(); err != nil {
			log.Error().Err(err).Str("service", "mixer").Msg("close")
		}
	}
	app.closers = nil
}

// router serves metrics, health checks and the control API when peers is set
func (app *App) router(peers api.PeersController) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if peers != nil {
		r.Mount("/api", api.Router(peers))
	}

	return r
}
