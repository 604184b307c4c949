package broadcast

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/marcus-qen/neuraleye/internal/metrics"
)

const tracerName = "github.com/marcus-qen/neuraleye/internal/broadcast"

// Config tunes the fan-out.
type Config struct {
	// WriteTimeout bounds each individual send. Zero means no deadline.
	WriteTimeout time.Duration
	// MaxConcurrency caps how many sends run at once. Zero means unbounded.
	MaxConcurrency int
}

// Result summarises one Push.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Broadcaster sends completed frames to every subscriber in a Registry.
type Broadcaster struct {
	registry *Registry
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewBroadcaster creates a Broadcaster over registry.
func NewBroadcaster(registry *Registry, cfg Config, logger *zap.Logger, m *metrics.Metrics) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Push sends frame to every registered subscriber and returns once every
// send has finished. A send is attempted for each registered subscriber; only
// open ones can succeed. Failures are logged per subscriber and never stop
// delivery to the others.
func (b *Broadcaster) Push(ctx context.Context, frame []byte) Result {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "broadcast.push")
	defer span.End()

	subs := b.registry.Snapshot()
	var delivered, failed atomic.Int64

	var g errgroup.Group
	if b.cfg.MaxConcurrency > 0 {
		g.SetLimit(b.cfg.MaxConcurrency)
	}
	for _, sub := range subs {
		g.Go(func() error {
			if err := b.send(ctx, sub, frame); err != nil {
				failed.Add(1)
				b.logger.Warn("frame send failed",
					zap.String("subscriber_id", sub.ID()),
					zap.String("state", sub.State().String()),
					zap.Error(err),
				)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		Attempted: len(subs),
		Delivered: int(delivered.Load()),
		Failed:    int(failed.Load()),
	}
	b.metrics.RecordSends(res.Delivered, res.Failed)
	span.SetAttributes(
		attribute.Int("neuraleye.frame.bytes", len(frame)),
		attribute.Int("neuraleye.broadcast.attempted", res.Attempted),
		attribute.Int("neuraleye.broadcast.delivered", res.Delivered),
	)
	b.logger.Debug("frame broadcast",
		zap.Int("bytes", len(frame)),
		zap.Int("attempted", res.Attempted),
		zap.Int("delivered", res.Delivered),
		zap.Int("failed", res.Failed),
	)
	return res
}

func (b *Broadcaster) send(ctx context.Context, sub Subscriber, frame []byte) error {
	if sub.State() != StateOpen {
		return ErrSubscriberClosed
	}
	if b.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.WriteTimeout)
		defer cancel()
	}
	return sub.Send(ctx, frame)
}
