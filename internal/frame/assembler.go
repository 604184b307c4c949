package frame

import (
	"errors"
	"sync"
	"time"
)

// ErrNoFrameInProgress is returned by Append when no index-0 chunk has opened
// the current frame. The chunk cannot be placed and is lost.
var ErrNoFrameInProgress = errors.New("no frame in progress")

// Assembler holds the frame under construction and the last completed frame.
//
// At most one frame is in progress. Reset always starts a new one and
// discards any partial buffer. Every accessor returns a copy taken under the
// lock, so callers never alias the live buffer.
type Assembler struct {
	mu sync.Mutex

	buf        []byte
	inProgress bool
	startedAt  time.Time
	lastGrowth time.Time

	latest    []byte
	completed uint64
	discarded uint64

	now func() time.Time
}

// Stats is a point-in-time view of the assembler.
type Stats struct {
	InProgress      bool      `json:"in_progress"`
	PartialBytes    int       `json:"partial_bytes"`
	StartedAt       time.Time `json:"started_at,omitempty"`
	LastGrowth      time.Time `json:"last_growth,omitempty"`
	LatestBytes     int       `json:"latest_bytes"`
	FramesCompleted uint64    `json:"frames_completed"`
	FramesDiscarded uint64    `json:"frames_discarded"`
}

// NewAssembler returns an empty assembler.
func NewAssembler() *Assembler {
	return &Assembler{now: time.Now}
}

// Reset replaces the buffer with payload and opens a new frame. It reports
// whether a partial frame was thrown away.
func (a *Assembler) Reset(payload []byte) (discardedPartial bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.inProgress {
		a.discarded++
		discardedPartial = true
	}
	a.buf = append(make([]byte, 0, len(payload)), payload...)
	a.inProgress = true
	a.startedAt = a.now()
	a.lastGrowth = a.startedAt
	return discardedPartial
}

// Append concatenates payload onto the frame in progress.
func (a *Assembler) Append(payload []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inProgress || len(a.buf) == 0 {
		return ErrNoFrameInProgress
	}
	a.buf = append(a.buf, payload...)
	a.lastGrowth = a.now()
	return nil
}

// Current returns a copy of the buffer as it stands. It may be partial;
// completeness is signalled by the last chunk, not by this accessor.
func (a *Assembler) Current() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clone(a.buf)
}

// InProgress reports whether a frame has been opened and not yet completed.
func (a *Assembler) InProgress() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProgress && len(a.buf) > 0
}

// Complete closes the frame in progress and returns its bytes. The result is
// also kept as the latest completed frame. ok is false when nothing was open.
func (a *Assembler) Complete() (frame []byte, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inProgress || len(a.buf) == 0 {
		return nil, false
	}
	a.inProgress = false
	a.latest = clone(a.buf)
	a.completed++
	return clone(a.buf), true
}

// Latest returns a copy of the last completed frame, or nil.
func (a *Assembler) Latest() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clone(a.latest)
}

// DiscardStale drops a frame in progress whose last chunk (index 0 or a
// continuation) arrived more than maxAge before now. A non-positive maxAge
// disables the check.
func (a *Assembler) DiscardStale(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inProgress || now.Sub(a.lastGrowth) <= maxAge {
		return false
	}
	a.buf = nil
	a.inProgress = false
	a.startedAt = time.Time{}
	a.lastGrowth = time.Time{}
	a.discarded++
	return true
}

// Stats returns counters and the state of the frame in progress.
func (a *Assembler) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Stats{
		InProgress:      a.inProgress,
		LatestBytes:     len(a.latest),
		FramesCompleted: a.completed,
		FramesDiscarded: a.discarded,
	}
	if a.inProgress {
		s.PartialBytes = len(a.buf)
		s.StartedAt = a.startedAt
		s.LastGrowth = a.lastGrowth
	}
	return s
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}
