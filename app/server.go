package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"collab-sync/pkg/config"
	"collab-sync/pkg/db"
	"collab-sync/pkg/events"
	"collab-sync/pkg/handlers"
	"collab-sync/pkg/maintenance"
	"collab-sync/pkg/mobilesync"
	"collab-sync/pkg/session"
	"collab-sync/pkg/versioning"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the application server
type Server struct {
	config     *config.Config
	log        *zap.Logger
	store      db.Store
	publisher  *events.RedisPublisher
	recorder   *events.Recorder
	registry   *session.Registry
	scheduler  *maintenance.Scheduler
	router     *mux.Router
	httpServer *http.Server
}

// NewServer opens storage and wires every component.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var publisher events.Publisher
	var redisPublisher *events.RedisPublisher
	if cfg.RedisAddr != "" {
		redisPublisher, err = events.NewRedisPublisher(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			store.Close()
			return nil, err
		}
		publisher = redisPublisher
		logger.Info("publishing session events to redis", zap.String("addr", cfg.RedisAddr))
	}

	return newServer(cfg, logger, store, publisher, redisPublisher), nil
}

func newServer(cfg *config.Config, logger *zap.Logger, store db.Store, publisher events.Publisher, redisPublisher *events.RedisPublisher) *Server {
	recorder := events.NewRecorder(store, publisher, logger.Named("events"), cfg.EventBuffer)
	versions := versioning.NewService(store, logger.Named("versioning"))
	registry := session.NewRegistry(store, versions, recorder, logger.Named("session"), session.Options{
		SnapshotEvery: cfg.SnapshotEveryUpdates,
		SendBuffer:    cfg.ClientSendBuffer,
		InboxSize:     cfg.SessionInbox,
	})
	scheduler := maintenance.NewScheduler(registry, logger.Named("maintenance"),
		cfg.SweepInterval, cfg.StaleSnapshotAfter, cfg.IdleEvictAfter)
	mobile := mobilesync.New(versions, registry, cfg.MobileDocumentType, logger.Named("sync"))

	h := handlers.NewHandlers(registry, versions, store, mobile, logger.Named("http"), cfg.MaxMessageBytes)

	r := mux.NewRouter()
	h.Register(r)
	r.Use(requestLogger(logger.Named("http")))

	return &Server{
		config:    cfg,
		log:       logger,
		store:     store,
		publisher: redisPublisher,
		recorder:  recorder,
		registry:  registry,
		scheduler: scheduler,
		router:    r,
	}
}

func openStore(ctx context.Context, cfg *config.Config) (db.Store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		return db.NewPostgresStore(cfg.GetDatabaseConnectionString())
	case config.StoreSQLite:
		return db.NewSQLiteStore(cfg.SQLitePath)
	case config.StoreMongo:
		return db.NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store)
	}
}

// Handler returns the root handler with CORS applied outside the router.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(s.router)
}

// Start starts the background workers and serves until Shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.config.GetServerAddr()
	}
	s.recorder.Start()
	s.scheduler.Start()

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("starting collaboration server",
		zap.String("addr", addr),
		zap.String("store", s.config.Store))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, persists every session with unsaved
// changes and releases storage.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	s.scheduler.Stop()
	if err := s.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("session shutdown: %w", err))
	}
	s.recorder.Stop()
	if err := s.Close(); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("collaboration server stopped")
	return errors.Join(errs...)
}

// Close closes the event publisher and database connections
func (s *Server) Close() error {
	var errs []error
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	return errors.Join(errs...)
}

// requestLogger logs one line per request with the captured status.
func requestLogger(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m := httpsnoop.CaptureMetrics(next, w, r)
			logger.Debug("handled",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", m.Code),
				zap.Int64("bytes", m.Written),
				zap.Duration("duration", m.Duration))
		})
	}
}

// corsMiddleware handles CORS headers and responds to preflight requests
// at the outer layer so they don't get rejected by method-restricted routes.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")

		if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
			w.Header().Set("Access-Control-Allow-Headers", reqHeaders)
		} else {
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}

		w.Header().Set("Access-Control-Max-Age", "600")
		w.Header().Add("Vary", "Origin")
		w.Header().Add("Vary", "Access-Control-Request-Headers")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
