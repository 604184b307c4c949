package broadcast

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestBroadcaster(r *Registry) *Broadcaster {
	return NewBroadcaster(r, Config{WriteTimeout: time.Second, MaxConcurrency: 4}, zap.NewNop(), nil)
}

func TestPush_NoSubscribers(t *testing.T) {
	b := newTestBroadcaster(NewRegistry())
	res := b.Push(context.Background(), []byte("frame"))
	if res != (Result{}) {
		t.Errorf("expected empty result, got %+v", res)
	}
}

func TestPush_DeliversToOpenSubscribersOnly(t *testing.T) {
	r := NewRegistry()
	subs := make([]*fakeSubscriber, 5)
	for i := range subs {
		subs[i] = newFake(fmt.Sprintf("s%d", i))
		r.Register(subs[i])
	}
	subs[1].close()
	subs[3].close()

	res := newTestBroadcaster(r).Push(context.Background(), []byte("AABB"))

	if res.Attempted != 5 || res.Delivered != 3 || res.Failed != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	for i, s := range subs {
		got := s.received()
		if s.State() == StateOpen {
			if len(got) != 1 || string(got[0]) != "AABB" {
				t.Errorf("subscriber %d: expected one AABB frame, got %q", i, got)
			}
		} else if len(got) != 0 {
			t.Errorf("closed subscriber %d received %d frames", i, len(got))
		}
	}
}

func TestPush_OneFailureDoesNotBlockOthers(t *testing.T) {
	r := NewRegistry()
	bad := newFake("bad")
	bad.failErr = errors.New("broken pipe")
	good1, good2 := newFake("good1"), newFake("good2")
	r.Register(bad)
	r.Register(good1)
	r.Register(good2)

	res := newTestBroadcaster(r).Push(context.Background(), []byte("x"))

	if res.Delivered != 2 || res.Failed != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(good1.received()) != 1 || len(good2.received()) != 1 {
		t.Errorf("healthy subscribers should each receive the frame")
	}
}

// blockingSubscriber honours ctx cancellation like a socket with a write deadline.
type blockingSubscriber struct{ id string }

func (b *blockingSubscriber) ID() string   { return b.id }
func (b *blockingSubscriber) State() State { return StateOpen }
func (b *blockingSubscriber) Send(ctx context.Context, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestPush_WriteTimeoutBoundsSlowSubscriber(t *testing.T) {
	r := NewRegistry()
	r.Register(&blockingSubscriber{id: "slow"})
	fast := newFake("fast")
	r.Register(fast)

	b := NewBroadcaster(r, Config{WriteTimeout: 20 * time.Millisecond}, zap.NewNop(), nil)
	start := time.Now()
	res := b.Push(context.Background(), []byte("x"))

	if time.Since(start) > time.Second {
		t.Errorf("push should return after the write timeout")
	}
	if res.Delivered != 1 || res.Failed != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateOpen: "open", StateClosing: "closing", StateClosed: "closed", State(9): "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", state, got, want)
		}
	}
}
