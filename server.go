package fieldsync

import (
	"net/http"
	"os"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/fieldline/fieldsync/duration"
	"github.com/fieldline/fieldsync/geo"
	"github.com/fieldline/fieldsync/handler"
	"github.com/fieldline/fieldsync/pubsub"
	"github.com/fieldline/fieldsync/session"
	"github.com/fieldline/fieldsync/state"
	"github.com/fieldline/fieldsync/syncengine"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Config is the server-level configuration; flags/env in cmd/fieldsyncd
// populate it.
type Config struct {
	BindAddr    string
	PostgresURI string
	// UploadBaseURL is where pending media uploads are directed.
	UploadBaseURL string
	// PageSize caps server changes per entity family per sync call.
	PageSize int

	Geofence             geo.Config
	DoubleTimeOnWeekends bool
	Holidays             []string
}

// Setup wires storage, engine, registry and session manager into the HTTP
// handler. The returned cleanup closes caches, the pubsub fan-out and the DB
// pool.
func Setup(cfg Config) (*handler.Handler, func()) {
	store := state.NewStorage(cfg.PostgresURI)
	ps := pubsub.NewPubSub(64)
	notifier := pubsub.NewPromNotifier(ps, "engine")
	go func() {
		if err := handler.ListenForSyncMetrics(ps); err != nil {
			logger.Warn().Err(err).Msg("sync metrics listener stopped")
		}
	}()

	engine := syncengine.NewEngine(store, syncengine.StaticUploadSource{BaseURL: cfg.UploadBaseURL}, notifier)
	engine.SetPageSize(cfg.PageSize)
	registry := syncengine.NewRegistry(store)
	bootstrap := syncengine.NewBootstrapper(store, registry)
	manager := session.NewManager(store, notifier, cfg.Geofence, duration.OvertimeConfig{
		DoubleTimeOnWeekends: cfg.DoubleTimeOnWeekends,
		Holidays:             cfg.Holidays,
	})

	h := handler.New(manager, engine, registry, bootstrap)
	cleanup := func() {
		manager.Close()
		bootstrap.Close()
		notifier.Close()
		store.Teardown()
	}
	return h, cleanup
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// RunServer is the main entry point to the server
func RunServer(cfg Config) {
	h, cleanup := Setup(cfg)
	defer cleanup()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/api/").Handler(allowCORS(h))

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle,
		},
		final: r,
	}

	// Block forever
	logger.Info().Msgf("listening on %s", cfg.BindAddr)
	if err := http.ListenAndServe(cfg.BindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
