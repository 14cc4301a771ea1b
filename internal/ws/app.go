package ws

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/isqad/melody"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/splitstreamer/internal/core"
)

const (
	MixerPath  = "/_server"
	ClientPath = "/"

	maxMessageSize  = 200 * 1024
	shutdownTimeout = 20 * time.Second
)

// WsAppOptions is options of the signaling server
type WsAppOptions struct {
	Env     core.Environment
	Address string

	websocket *melody.Melody
}

// WsApp is the signaling hub server
type WsApp struct {
	WsAppOptions

	hub *Hub
}

func New(options WsAppOptions) *WsApp {
	options.websocket = melody.New()
	options.websocket.Config.MaxMessageSize = maxMessageSize

	return &WsApp{
		WsAppOptions: options,
		hub:          NewHub(options.websocket),
	}
}

// Start serves the hub until SIGINT or SIGTERM, then closes every websocket
// session and waits for in-flight requests.
func (app *WsApp) Start() error {
	app.initLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:              app.Address,
		Handler:           app.Router(),
		ReadHeaderTimeout: 1 * time.Second,
	}
	server.RegisterOnShutdown(func() {
		if err := app.websocket.Close(); err != nil {
			log.Error().Err(err).Str("service", "hub").Msg("can't close websocket sessions")
		}
	})

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("service", "hub").Str("address", app.Address).Msg("signaling server is listening")
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Warn().Str("service", "hub").Msg("the signaling server is going shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	server.SetKeepAlivesEnabled(false)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Str("service", "hub").Msg("signaling server stopped")

	return nil
}

func (app *WsApp) initLogger() {
	cw := zerolog.NewConsoleWriter()
	log.Logger = log.Output(cw)

	level := zerolog.InfoLevel

	if app.Env.IsDevelopment() {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
}

// Router builds the http router of the hub
func (app *WsApp) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get(MixerPath, MixerHandler(app.hub))
	r.Get(ClientPath, ClientHandler(app.hub))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}
