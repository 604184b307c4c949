// Package server wires the frame relay together and exposes its HTTP surface.
// main() builds a Server, calls Run, done.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/neuraleye/internal/broadcast"
	"github.com/marcus-qen/neuraleye/internal/config"
	"github.com/marcus-qen/neuraleye/internal/frame"
	"github.com/marcus-qen/neuraleye/internal/housekeeping"
	"github.com/marcus-qen/neuraleye/internal/imagelog"
	"github.com/marcus-qen/neuraleye/internal/ingest"
	"github.com/marcus-qen/neuraleye/internal/metrics"
	"github.com/marcus-qen/neuraleye/internal/ocr"
	"github.com/marcus-qen/neuraleye/internal/websocket"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const shutdownTimeout = 10 * time.Second

// Server is the assembled relay.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	metrics     *metrics.Metrics
	assembler   *frame.Assembler
	registry    *broadcast.Registry
	broadcaster *broadcast.Broadcaster
	hub         *websocket.Hub
	transport   ingest.Transport
	subscriber  *ingest.Subscriber
	scheduler   *housekeeping.Scheduler

	images    *imagelog.Store
	extractor ocr.Extractor

	auth       *tokenAuth
	httpServer *http.Server
}

// Option customises a Server during New.
type Option func(*Server)

// WithTransport replaces the MQTT transport, mainly for tests.
func WithTransport(t ingest.Transport) Option {
	return func(s *Server) { s.transport = t }
}

// WithExtractor replaces the configured text extractor.
func WithExtractor(e ocr.Extractor) Option {
	return func(s *Server) { s.extractor = e }
}

// New builds every subsystem from cfg. The image log is opened and migrated
// here so a misconfigured database fails fast.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(),
		assembler: frame.NewAssembler(),
		registry:  broadcast.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.metrics.RegisterSubscriberGauge(s.registry.Len)
	s.broadcaster = broadcast.NewBroadcaster(s.registry, broadcast.Config{
		WriteTimeout:   cfg.Broadcast.WriteTimeout,
		MaxConcurrency: cfg.Broadcast.MaxConcurrency,
	}, logger.Named("broadcast"), s.metrics)
	s.hub = websocket.NewHub(s.registry, websocket.Config{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
	}, logger.Named("websocket"))

	if s.transport == nil {
		s.transport = ingest.NewMQTTTransport(ingest.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ConnectTimeout: cfg.MQTT.ConnectTimeout,
			AutoReconnect:  cfg.MQTT.AutoReconnect,
		}, logger.Named("mqtt"))
	}
	s.subscriber = ingest.NewSubscriber(ingest.Config{
		TopicPrefix:      cfg.MQTT.TopicPrefix,
		DeviceID:         cfg.MQTT.DeviceID,
		QoS:              byte(cfg.MQTT.QoS),
		AppendFinalChunk: cfg.Stream.AppendFinalChunk,
	}, s.transport, s.assembler, s.broadcaster, logger.Named("ingest"), s.metrics)

	if s.extractor == nil {
		if cfg.HasOCR() {
			s.extractor = ocr.NewHTTPExtractor(cfg.OCR.Endpoint, cfg.OCR.Timeout)
		} else {
			logger.Warn("no OCR endpoint configured; saved images will have empty text")
			s.extractor = ocr.Nop{}
		}
	}

	images, err := OpenImageLog(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := images.Migrate(ctx); err != nil {
		_ = images.Close()
		return nil, fmt.Errorf("migrate image log: %w", err)
	}
	s.images = images

	s.scheduler = housekeeping.NewScheduler(logger, s.metrics)
	if cfg.Stream.StaleFrameTimeout > 0 {
		if err := s.scheduler.AddStaleSweep(cfg.Stream.SweepSchedule, s.assembler, cfg.Stream.StaleFrameTimeout); err != nil {
			_ = images.Close()
			return nil, err
		}
	}
	if cfg.ImageLog.Retention > 0 {
		if err := s.scheduler.AddRetentionPrune(cfg.ImageLog.PruneSchedule, s.images, cfg.ImageLog.Retention); err != nil {
			_ = images.Close()
			return nil, err
		}
	}

	s.auth = newTokenAuth(cfg.Auth.TokenHash, s.isProtected, logger.Named("auth"))

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           maxBodySizeMiddleware(corsMiddleware(cfg.CORS.AllowedOrigins, s.auth.Wrap(mux))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// OpenImageLog opens the configured image log store. The SQLite default
// lives under data_dir, which is created if missing.
func OpenImageLog(ctx context.Context, cfg config.Config, logger *zap.Logger) (*imagelog.Store, error) {
	if cfg.ImageLog.Driver == "sqlite" && cfg.ImageLog.DSN == "" {
		if err := os.MkdirAll(cfg.DataDir, 0750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	store, err := imagelog.Open(ctx, cfg.ImageLog.Driver, cfg.ImageLogDSN(), logger)
	if err != nil {
		return nil, fmt.Errorf("open image log: %w", err)
	}
	return store, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HandleChunk feeds one chunk delivery through the pipeline as if it had
// arrived from the broker.
func (s *Server) HandleChunk(ctx context.Context, topic string, payload []byte) {
	s.subscriber.HandleMessage(ctx, topic, payload)
}

func (s *Server) isProtected(path string) bool {
	return strings.HasPrefix(path, "/api/") || path == s.cfg.WebSocket.Path
}

// Run serves HTTP and consumes the chunk stream until ctx is cancelled or
// either side fails. A lost broker connection is returned as an error.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting neuraleye",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("broker", s.cfg.MQTT.Broker),
		zap.String("topic_prefix", s.cfg.MQTT.TopicPrefix),
		zap.String("imagelog_driver", s.cfg.ImageLog.Driver),
		zap.Bool("auth_enabled", s.auth.enabled()),
		zap.Int("housekeeping_jobs", s.scheduler.Len()),
	)

	s.scheduler.Start()
	defer s.scheduler.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.subscriber.Run(gctx)
	})

	g.Go(func() error {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.hub.CloseAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

// Close releases persistent resources.
func (s *Server) Close() error {
	if s.images != nil {
		return s.images.Close()
	}
	return nil
}
