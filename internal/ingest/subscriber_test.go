package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/neuraleye/internal/broadcast"
	"github.com/marcus-qen/neuraleye/internal/frame"
)

const prefix = "devicestream/jpeg"

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recordingSink) Push(_ context.Context, f []byte) broadcast.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return broadcast.Result{}
}

func (r *recordingSink) pushed() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

type fakeTransport struct {
	connectErr   error
	subscribeErr error
	lost         chan error

	mu           sync.Mutex
	filter       string
	handler      MessageHandler
	disconnected bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{lost: make(chan error, 1)}
}

func (f *fakeTransport) Connect(context.Context) error { return f.connectErr }

func (f *fakeTransport) Subscribe(filter string, _ byte, h MessageHandler) error {
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.filter = filter
	f.handler = h
	return nil
}

func (f *fakeTransport) Lost() <-chan error { return f.lost }

func (f *fakeTransport) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = true
}

func (f *fakeTransport) deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(topic, payload)
}

func (f *fakeTransport) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler != nil
}

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

func newTestSubscriber(cfg Config) (*Subscriber, *frame.Assembler, *recordingSink) {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = prefix
	}
	asm := frame.NewAssembler()
	sink := &recordingSink{}
	return NewSubscriber(cfg, newFakeTransport(), asm, sink, zap.NewNop(), nil), asm, sink
}

func TestHandleMessage_InOrderFrameBroadcastsOnce(t *testing.T) {
	s, asm, sink := newTestSubscriber(Config{})
	ctx := context.Background()

	s.HandleMessage(ctx, prefix+"/cam1/0/3", []byte("AA"))
	s.HandleMessage(ctx, prefix+"/cam1/1/3", []byte("BB"))
	if got := asm.Current(); string(got) != "AABB" {
		t.Fatalf("expected AABB before the last chunk, got %q", got)
	}
	s.HandleMessage(ctx, prefix+"/cam1/2/3", []byte("CC"))

	frames := sink.pushed()
	if len(frames) != 1 {
		t.Fatalf("expected exactly one broadcast, got %d", len(frames))
	}
	if string(frames[0]) != "AABB" {
		t.Errorf("expected AABB broadcast, got %q", frames[0])
	}
}

func TestHandleMessage_AppendFinalChunkOption(t *testing.T) {
	s, _, sink := newTestSubscriber(Config{AppendFinalChunk: true})
	ctx := context.Background()

	s.HandleMessage(ctx, prefix+"/cam1/0/3", []byte("AA"))
	s.HandleMessage(ctx, prefix+"/cam1/1/3", []byte("BB"))
	s.HandleMessage(ctx, prefix+"/cam1/2/3", []byte("CC"))

	frames := sink.pushed()
	if len(frames) != 1 || string(frames[0]) != "AABBCC" {
		t.Fatalf("expected one AABBCC broadcast, got %q", frames)
	}
}

func TestHandleMessage_RestartReplacesAbandonedFrame(t *testing.T) {
	s, asm, sink := newTestSubscriber(Config{})
	ctx := context.Background()

	s.HandleMessage(ctx, prefix+"/cam1/0/2", []byte("first"))
	s.HandleMessage(ctx, prefix+"/cam1/0/2", []byte("second"))

	if got := asm.Current(); string(got) != "second" {
		t.Errorf("expected second reset to replace the buffer, got %q", got)
	}
	if n := len(sink.pushed()); n != 0 {
		t.Errorf("abandoned frame must not be broadcast, got %d pushes", n)
	}
}

func TestHandleMessage_ContinuationWithoutStartIsDropped(t *testing.T) {
	s, asm, sink := newTestSubscriber(Config{})
	ctx := context.Background()

	s.HandleMessage(ctx, prefix+"/cam1/1/3", []byte("BB"))
	s.HandleMessage(ctx, prefix+"/cam1/2/3", []byte("CC"))

	if asm.Current() != nil {
		t.Errorf("buffer must stay empty, got %q", asm.Current())
	}
	if n := len(sink.pushed()); n != 0 {
		t.Errorf("expected no broadcast, got %d", n)
	}
}

func TestHandleMessage_ContinuationAfterCompletionIsDropped(t *testing.T) {
	s, asm, sink := newTestSubscriber(Config{})
	ctx := context.Background()

	s.HandleMessage(ctx, prefix+"/cam1/0/2", []byte("AA"))
	s.HandleMessage(ctx, prefix+"/cam1/1/2", []byte("BB"))
	before := asm.Current()

	s.HandleMessage(ctx, prefix+"/cam1/1/3", []byte("stray"))
	s.HandleMessage(ctx, prefix+"/cam1/2/3", []byte("stray"))

	if string(asm.Current()) != string(before) {
		t.Errorf("stray chunks mutated the buffer: %q", asm.Current())
	}
	if n := len(sink.pushed()); n != 1 {
		t.Errorf("expected only the first frame to be broadcast, got %d", n)
	}
}

func TestHandleMessage_MalformedTopicIsDropped(t *testing.T) {
	s, asm, sink := newTestSubscriber(Config{})
	ctx := context.Background()

	s.HandleMessage(ctx, prefix+"/cam1/zero/3", []byte("AA"))
	s.HandleMessage(ctx, "elsewhere/cam1/0/3", []byte("AA"))

	if asm.Current() != nil || len(sink.pushed()) != 0 {
		t.Errorf("malformed deliveries must not touch state")
	}

	// The subscriber keeps working afterwards.
	s.HandleMessage(ctx, prefix+"/cam1/0/2", []byte("ok"))
	s.HandleMessage(ctx, prefix+"/cam1/1/2", nil)
	if n := len(sink.pushed()); n != 1 {
		t.Errorf("expected one broadcast after recovery, got %d", n)
	}
}

func TestHandleMessage_SingleChunkFrame(t *testing.T) {
	s, _, sink := newTestSubscriber(Config{})
	s.HandleMessage(context.Background(), prefix+"/cam1/0/1", []byte("whole"))

	frames := sink.pushed()
	if len(frames) != 1 || string(frames[0]) != "whole" {
		t.Fatalf("expected the single chunk to be broadcast, got %q", frames)
	}
}

func TestHandleMessage_ManyChunks(t *testing.T) {
	s, _, sink := newTestSubscriber(Config{})
	ctx := context.Background()

	payloads := []string{"p0", "p1", "p2", "p3", "p4", "p5"}
	want := ""
	for i, p := range payloads {
		if i < len(payloads)-1 {
			want += p
		}
		s.HandleMessage(ctx, prefix+"/cam1/"+strconv.Itoa(i)+"/"+strconv.Itoa(len(payloads)), []byte(p))
	}

	frames := sink.pushed()
	if len(frames) != 1 || string(frames[0]) != want {
		t.Fatalf("expected %q, got %q", want, frames)
	}
}

func TestRun_SubscribesAndStopsOnCancel(t *testing.T) {
	tr := newFakeTransport()
	sink := &recordingSink{}
	s := NewSubscriber(Config{TopicPrefix: prefix, DeviceID: "cam1", QoS: 1}, tr, frame.NewAssembler(), sink, zap.NewNop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, time.Second, tr.subscribed)
	if tr.filter != prefix+"/cam1/+/+" {
		t.Errorf("unexpected filter %q", tr.filter)
	}
	if s.State() != StateRunning {
		t.Errorf("expected running, got %s", s.State())
	}

	tr.deliver(prefix+"/cam1/0/2", []byte("AA"))
	tr.deliver(prefix+"/cam1/1/2", []byte("BB"))
	if n := len(sink.pushed()); n != 1 {
		t.Errorf("expected one broadcast, got %d", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if !tr.disconnected {
		t.Errorf("transport should be disconnected on stop")
	}
	if s.State() != StateStopped {
		t.Errorf("expected stopped, got %s", s.State())
	}
	if err := s.Run(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestRun_TransportLostIsFatal(t *testing.T) {
	tr := newFakeTransport()
	s := NewSubscriber(Config{TopicPrefix: prefix}, tr, frame.NewAssembler(), &recordingSink{}, zap.NewNop(), nil)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	waitFor(t, time.Second, tr.subscribed)

	tr.lost <- errors.New("EOF")
	select {
	case err := <-done:
		if !errors.Is(err, ErrTransportLost) {
			t.Errorf("expected ErrTransportLost, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after transport loss")
	}
}

func TestRun_ConnectAndSubscribeErrors(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errors.New("refused")
	s := NewSubscriber(Config{TopicPrefix: prefix}, tr, frame.NewAssembler(), &recordingSink{}, zap.NewNop(), nil)
	if err := s.Run(context.Background()); err == nil || err.Error() != "refused" {
		t.Errorf("expected connect error, got %v", err)
	}

	tr = newFakeTransport()
	tr.subscribeErr = errors.New("not authorized")
	s = NewSubscriber(Config{TopicPrefix: prefix}, tr, frame.NewAssembler(), &recordingSink{}, zap.NewNop(), nil)
	if err := s.Run(context.Background()); err == nil || err.Error() != "not authorized" {
		t.Errorf("expected subscribe error, got %v", err)
	}
	if !tr.disconnected {
		t.Errorf("transport should be disconnected after subscribe failure")
	}
}
