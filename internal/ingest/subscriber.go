// Package ingest consumes the camera's chunk stream and drives frame
// reassembly. A completed frame is handed to a FrameSink for broadcast.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/broadcast"
	"github.com/marcus-qen/neuraleye/internal/frame"
	"github.com/marcus-qen/neuraleye/internal/metrics"
)

const tracerName = "github.com/marcus-qen/neuraleye/internal/ingest"

var (
	// ErrAlreadyStarted is returned when Run is called more than once.
	ErrAlreadyStarted = errors.New("ingest subscriber already started")

	// ErrTransportLost is returned by Run when the broker connection drops.
	ErrTransportLost = errors.New("chunk transport lost")
)

// FrameSink receives completed frames.
type FrameSink interface {
	Push(ctx context.Context, frame []byte) broadcast.Result
}

// Config selects the chunk stream and the completion policy.
type Config struct {
	// TopicPrefix is the topic path before <deviceId>/<index>/<total>.
	TopicPrefix string
	// DeviceID restricts the subscription to one camera; "+" means any.
	DeviceID string
	QoS      byte
	// AppendFinalChunk appends the last chunk's payload before broadcasting.
	// When false the last chunk only signals completion.
	AppendFinalChunk bool
}

// State is the lifecycle of a Subscriber.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Subscriber reads chunk deliveries, feeds the assembler and triggers a
// broadcast when a frame's last chunk arrives.
type Subscriber struct {
	cfg       Config
	transport Transport
	assembler *frame.Assembler
	sink      FrameSink
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	state State
}

// NewSubscriber creates an idle subscriber.
func NewSubscriber(cfg Config, transport Transport, assembler *frame.Assembler, sink FrameSink, logger *zap.Logger, m *metrics.Metrics) *Subscriber {
	return &Subscriber{
		cfg:       cfg,
		transport: transport,
		assembler: assembler,
		sink:      sink,
		logger:    logger,
		metrics:   m,
	}
}

// State returns the current lifecycle state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Run connects, subscribes and processes deliveries until ctx is cancelled
// (returns nil) or the transport is lost (returns ErrTransportLost). Connect
// and subscribe failures are returned as is. Run may only be called once.
func (s *Subscriber) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateRunning
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
	}()

	if err := s.transport.Connect(ctx); err != nil {
		return err
	}
	defer s.transport.Disconnect()

	filter := frame.TopicFilter(s.cfg.TopicPrefix, s.cfg.DeviceID)
	if err := s.transport.Subscribe(filter, s.cfg.QoS, func(topic string, payload []byte) {
		s.HandleMessage(ctx, topic, payload)
	}); err != nil {
		return err
	}
	s.logger.Info("subscribed to chunk stream", zap.String("filter", filter), zap.Uint8("qos", s.cfg.QoS))

	select {
	case <-ctx.Done():
		s.logger.Info("ingest stopping")
		return nil
	case err := <-s.transport.Lost():
		return fmt.Errorf("%w: %v", ErrTransportLost, err)
	}
}

// HandleMessage processes one delivery. Malformed topics and chunks that
// arrive without a started frame are logged and dropped.
func (s *Subscriber) HandleMessage(ctx context.Context, topic string, payload []byte) {
	chunk, err := frame.ParseTopic(s.cfg.TopicPrefix, topic)
	if err != nil {
		s.metrics.RecordChunk(metrics.ChunkMalformed)
		s.logger.Warn("dropping malformed delivery", zap.String("topic", topic), zap.Error(err))
		return
	}
	chunk.Payload = payload
	s.handleChunk(ctx, chunk)
}

func (s *Subscriber) handleChunk(ctx context.Context, c frame.Chunk) {
	switch {
	case c.IsFirst():
		if s.assembler.Reset(c.Payload) {
			s.metrics.RecordFrameDiscarded(metrics.DiscardRestart)
			s.logger.Debug("restart discarded partial frame", zap.String("device_id", c.DeviceID))
		}
		s.metrics.RecordChunk(metrics.ChunkAccepted)
		if c.IsLast() {
			s.complete(ctx, c)
		}

	case !s.assembler.InProgress():
		s.metrics.RecordChunk(metrics.ChunkDropped)
		s.logger.Warn("dropping chunk with no frame in progress",
			zap.String("device_id", c.DeviceID),
			zap.Int("index", c.Index),
			zap.Int("total", c.Total),
		)

	case c.IsLast():
		if s.cfg.AppendFinalChunk && !s.appendChunk(c) {
			return
		}
		s.metrics.RecordChunk(metrics.ChunkAccepted)
		s.complete(ctx, c)

	default:
		if s.appendChunk(c) {
			s.metrics.RecordChunk(metrics.ChunkAccepted)
		}
	}
}

func (s *Subscriber) appendChunk(c frame.Chunk) bool {
	if err := s.assembler.Append(c.Payload); err != nil {
		s.metrics.RecordChunk(metrics.ChunkDropped)
		s.logger.Warn("dropping chunk",
			zap.String("device_id", c.DeviceID),
			zap.Int("index", c.Index),
			zap.Error(err),
		)
		return false
	}
	return true
}

func (s *Subscriber) complete(ctx context.Context, c frame.Chunk) {
	buf, ok := s.assembler.Complete()
	if !ok {
		return
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "frame.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("neuraleye.device_id", c.DeviceID),
		attribute.Int("neuraleye.frame.chunks", c.Total),
		attribute.Int("neuraleye.frame.bytes", len(buf)),
	)

	s.metrics.RecordFrameCompleted(len(buf))
	s.logger.Debug("broadcasting complete frame",
		zap.String("device_id", c.DeviceID),
		zap.Int("chunks", c.Total),
		zap.Int("bytes", len(buf)),
	)
	// The subscription context is cancelled on shutdown; an in-flight
	// broadcast is allowed to finish on its own write deadlines.
	s.sink.Push(context.WithoutCancel(ctx), buf)
}
