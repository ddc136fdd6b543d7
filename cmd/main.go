package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anomaly-monitor/internal/alerting"
	"anomaly-monitor/internal/analytics"
	"anomaly-monitor/internal/anomaly"
	"anomaly-monitor/internal/api"
	"anomaly-monitor/internal/config"
	"anomaly-monitor/internal/detector"
	"anomaly-monitor/internal/incident"
	"anomaly-monitor/internal/logger"
	"anomaly-monitor/internal/monitor"
	"anomaly-monitor/internal/store"
	"anomaly-monitor/internal/telemetry"

	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

type Server struct {
	cfg     *config.Config
	log     *zap.Logger
	store   store.Store
	hub     *alerting.Hub
	webhook *alerting.WebhookNotifier
	loop    *monitor.Loop
	queue   *telemetry.ChannelSource
	tracker *analytics.Tracker
	server  *http.Server
}

func NewServer(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Server, error) {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{cfg: cfg, log: log, store: st}

	var notifiers []alerting.Notifier
	if cfg.Alerting.Console {
		notifiers = append(notifiers, alerting.NewConsoleNotifier(log))
	}
	if cfg.Alerting.WebhookURL != "" {
		s.webhook = alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout, log.Named("webhook"))
		notifiers = append(notifiers, s.webhook)
	}
	if cfg.Alerting.WebSocket {
		s.hub = alerting.NewHub(log.Named("ws"))
		notifiers = append(notifiers, alerting.NewWebSocketNotifier(s.hub))
	}

	var source telemetry.Source
	switch cfg.Telemetry.Source {
	case "nats":
		n := cfg.Telemetry.NATS
		js, err := telemetry.NewJetStreamSource(telemetry.JetStreamConfig{
			URL:          n.URL,
			Stream:       n.Stream,
			Consumer:     n.Consumer,
			Subject:      n.Subject,
			CreateStream: n.CreateStream,
		}, log.Named("jetstream"))
		if err != nil {
			s.closeResources()
			return nil, err
		}
		source = js
	default:
		s.queue = telemetry.NewChannelSource(cfg.Telemetry.QueueSize)
		source = s.queue
	}

	recorder := anomaly.NewRecorder(st, log)
	responder := incident.NewResponder(st, log)
	s.tracker = analytics.NewTracker(0)

	s.loop, err = monitor.NewLoop(source, monitor.Components{
		Detectors:  detector.NewSet(cfg.Detection.Policy()),
		Recorder:   recorder,
		Dispatcher: alerting.NewDispatcher(log, notifiers...),
		Responder:  responder,
		Cache:      st,
		Tracker:    s.tracker,
	}, log.Named("monitor"))
	if err != nil {
		s.closeResources()
		return nil, err
	}

	h := &api.Handler{
		Telemetry: st,
		Tracker:   s.tracker,
		Anomalies: recorder,
		Incidents: responder,
		Log:       log.Named("api"),
	}
	if s.queue != nil {
		h.Publisher = s.queue
	}
	if s.hub != nil {
		h.Alerts = http.HandlerFunc(s.hub.ServeWS)
	}

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(h),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return s, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Store.Backend == "memory" {
		return store.NewMemoryStore(cfg.Redis.TelemetryHistory), nil
	}

	st, err := store.NewRedisStore(ctx, store.RedisOptions{
		Addr:             cfg.Redis.Addr,
		Password:         cfg.Redis.Password,
		DB:               cfg.Redis.DB,
		PoolSize:         cfg.Redis.PoolSize,
		MinIdleConns:     cfg.Redis.MinIdleConns,
		MaxRetries:       cfg.Redis.MaxRetries,
		TelemetryHistory: cfg.Redis.TelemetryHistory,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return st, nil
}

// Run serves the API and the monitoring loop until SIGINT or SIGTERM.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The loop outlives the signal so records accepted before shutdown are
	// still processed.
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()

	if s.hub != nil {
		go s.hub.Run(loopCtx)
	}
	loopDone := s.startLoop(loopCtx)

	serveErr := make(chan error, 1)
	go func() {
		s.log.Info("server is ready to handle requests", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("could not listen on %s: %w", s.server.Addr, err)
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("server is shutting down")
	case err := <-serveErr:
		runErr = err
	case err := <-loopDone:
		if err != nil {
			runErr = fmt.Errorf("monitoring loop stopped: %w", err)
		}
		loopDone = nil
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.server.SetKeepAlivesEnabled(false)
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.log.Error("could not gracefully shutdown the server", zap.Error(err))
	}

	if loopDone != nil {
		if err := s.drain(shutdownCtx, cancelLoop, loopDone); err != nil {
			s.log.Warn("monitoring loop stopped before draining", zap.Error(err))
		}
	}

	s.closeResources()
	s.log.Info("server stopped")
	return runErr
}

func (s *Server) startLoop(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.loop.Run(ctx) }()
	return done
}

// drain ends the telemetry stream and waits for the loop to finish the
// records already accepted. The loop is cancelled only when ctx expires
// first. A JetStream source is cancelled right away: unacknowledged messages
// are redelivered to the next consumer.
func (s *Server) drain(ctx context.Context, cancelLoop context.CancelFunc, loopDone <-chan error) error {
	if s.queue != nil {
		s.queue.Close()
	} else {
		cancelLoop()
	}

	select {
	case err := <-loopDone:
		if errors.Is(err, context.Canceled) && s.queue == nil {
			return nil
		}
		return err
	case <-ctx.Done():
		pending := 0
		if s.queue != nil {
			pending = s.queue.Len()
		}
		s.log.Warn("monitoring loop did not drain in time, dropping queued records",
			zap.Int("pending_records", pending))
		cancelLoop()
		return <-loopDone
	}
}

func (s *Server) closeResources() {
	if s.webhook != nil {
		s.webhook.Close()
	}
	if err := s.store.Close(); err != nil {
		s.log.Warn("failed to close store", zap.Error(err))
	}
}

func main() {
	configPath := flag.String("config", os.Getenv("MONITOR_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		log.Fatal(errors.Join(errs...))
	}

	zl, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer zl.Sync()

	server, err := NewServer(context.Background(), cfg, zl)
	if err != nil {
		zl.Fatal("failed to start", zap.Error(err))
	}

	if err := server.Run(); err != nil {
		zl.Fatal("server exited", zap.Error(err))
	}
}
