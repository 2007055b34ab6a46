// Package session owns per-user conversation state. Each user id maps to
// exactly one Session; all segmentation state is mutated only from the
// session's executor goroutine, and cross-goroutine flags are atomics.
package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxhud/voxhud/pkg/vad"
)

// Turn is one completed question/answer exchange.
type Turn struct {
	ID         string    `json:"id"`
	UserText   string    `json:"user_text"`
	AnswerText string    `json:"answer_text"`
	At         time.Time `json:"at"`
}

// Segment is the in-progress audio segment. It is owned by the session
// executor; nothing outside a posted job may touch it.
type Segment struct {
	// Frames holds buffered PCM frames awaiting transcription.
	Frames [][]byte

	// SpeechFrames counts frames the gate classified as speech.
	SpeechFrames int

	// TrailingSilence counts consecutive buffered silence frames.
	TrailingSilence int

	// Bytes is the total buffered size, for the hard cap.
	Bytes int

	// SilenceTimer fires the silence flush; nil when not armed.
	SilenceTimer *time.Timer

	// TimerSeq invalidates stale timer callbacks after a reset.
	TimerSeq uint64
}

// Reset drops all buffered audio and disarms the silence timer.
func (g *Segment) Reset() {
	if g.SilenceTimer != nil {
		g.SilenceTimer.Stop()
		g.SilenceTimer = nil
	}
	g.Frames = nil
	g.SpeechFrames = 0
	g.TrailingSilence = 0
	g.Bytes = 0
	g.TimerSeq++
}

// Concat returns the buffered audio as one segment.
func (g *Segment) Concat() []byte {
	out := make([]byte, 0, g.Bytes)
	for _, f := range g.Frames {
		out = append(out, f...)
	}
	return out
}

// Session is the isolated mutable state for one user.
type Session struct {
	ID string

	// Seg and VAD are executor-owned.
	Seg Segment
	VAD vad.State

	// Busy flags. Check-and-set so a second transcription or generation
	// for the same session is rejected, never queued.
	transcribing atomic.Bool
	generating   atomic.Bool

	// cancelRequested is sticky: once set, in-flight and queued work for
	// this session discards its result until new speech clears it.
	cancelRequested atomic.Bool

	manualMode atomic.Bool

	mu          sync.Mutex
	held        []string
	history     []Turn
	maxTurns    int
	lastText    string
	lastTextAt  time.Time
	cancelTrans context.CancelFunc
	cancelGen   context.CancelFunc

	jobs chan func()
	quit chan struct{}
	stop sync.Once
}

func newSession(id string, maxTurns, jobBuffer int) *Session {
	s := &Session{
		ID:       id,
		maxTurns: maxTurns,
		jobs:     make(chan func(), jobBuffer),
		quit:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.jobs:
			fn()
		case <-s.quit:
			return
		}
	}
}

// Post enqueues fn on the session's executor. Returns false when the
// session is closed or its queue is full; callers drop the work rather
// than block, so one slow session never stalls another's ingestion.
func (s *Session) Post(fn func()) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.jobs <- fn:
		return true
	case <-s.quit:
		return false
	default:
		return false
	}
}

// Close stops the executor. Further Posts are rejected.
func (s *Session) Close() {
	s.stop.Do(func() { close(s.quit) })
}

// TryBeginTranscribe atomically claims the transcription slot.
func (s *Session) TryBeginTranscribe() bool {
	return s.transcribing.CompareAndSwap(false, true)
}

// EndTranscribe releases the transcription slot.
func (s *Session) EndTranscribe() {
	s.transcribing.Store(false)
	s.setCancelTranscribe(nil)
}

// IsTranscribing reports whether a transcription is in flight.
func (s *Session) IsTranscribing() bool {
	return s.transcribing.Load()
}

// TryBeginGenerate atomically claims the generation slot.
func (s *Session) TryBeginGenerate() bool {
	return s.generating.CompareAndSwap(false, true)
}

// EndGenerate releases the generation slot.
func (s *Session) EndGenerate() {
	s.generating.Store(false)
	s.setCancelGenerate(nil)
}

// IsGenerating reports whether a generation is in flight.
func (s *Session) IsGenerating() bool {
	return s.generating.Load()
}

// RequestCancel sets the sticky cancellation flag.
func (s *Session) RequestCancel() {
	s.cancelRequested.Store(true)
}

// ClearCancel re-arms the session; called when new speech arrives.
func (s *Session) ClearCancel() {
	s.cancelRequested.Store(false)
}

// CancelRequested reports the sticky cancellation flag.
func (s *Session) CancelRequested() bool {
	return s.cancelRequested.Load()
}

// Interrupt cancels any in-flight transcription and generation. The
// pipelines observe this through their contexts and between tokens.
func (s *Session) Interrupt() {
	s.mu.Lock()
	ct, cg := s.cancelTrans, s.cancelGen
	s.mu.Unlock()
	if ct != nil {
		ct()
	}
	if cg != nil {
		cg()
	}
}

func (s *Session) setCancelTranscribe(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelTrans = fn
	s.mu.Unlock()
}

func (s *Session) setCancelGenerate(fn context.CancelFunc) {
	s.mu.Lock()
	s.cancelGen = fn
	s.mu.Unlock()
}

// TranscribeContext derives a cancellable context for one transcription
// attempt and registers it for Interrupt.
func (s *Session) TranscribeContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.setCancelTranscribe(cancel)
	return ctx, cancel
}

// GenerateContext derives a cancellable context for one generation and
// registers it for Interrupt.
func (s *Session) GenerateContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	s.setCancelGenerate(cancel)
	return ctx, cancel
}

// SetManualMode toggles manual hold-and-flush behavior.
func (s *Session) SetManualMode(enabled bool) {
	s.manualMode.Store(enabled)
}

// ManualMode reports whether transcripts are being held.
func (s *Session) ManualMode() bool {
	return s.manualMode.Load()
}

// HoldText appends accepted text to the manual holding buffer.
func (s *Session) HoldText(text string) {
	s.mu.Lock()
	s.held = append(s.held, text)
	s.mu.Unlock()
}

// DrainHeld returns and clears the manual holding buffer.
func (s *Session) DrainHeld() []string {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	return held
}

// AppendTurn records a completed exchange, trimming to the bounded
// trailing window. Older turns are dropped, not summarized.
func (s *Session) AppendTurn(turn Turn) {
	s.mu.Lock()
	s.history = append(s.history, turn)
	if s.maxTurns > 0 && len(s.history) > s.maxTurns {
		s.history = append([]Turn(nil), s.history[len(s.history)-s.maxTurns:]...)
	}
	s.mu.Unlock()
}

// History returns a copy of the trailing turn window.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.history...)
}

// SetLastEmitted records text accepted by the transcription pipeline,
// for duplicate suppression.
func (s *Session) SetLastEmitted(text string, at time.Time) {
	s.mu.Lock()
	s.lastText = text
	s.lastTextAt = at
	s.mu.Unlock()
}

// LastEmitted returns the most recently accepted text and when.
func (s *Session) LastEmitted() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastText, s.lastTextAt
}

// ResetState clears buffers, counters, history and flags. Executor-owned
// segment state is reset in place, so this must run on the session loop
// (or before the session has processed any audio).
func (s *Session) ResetState() {
	s.Seg.Reset()
	s.VAD = vad.State{}
	s.mu.Lock()
	s.held = nil
	s.history = nil
	s.lastText = ""
	s.lastTextAt = time.Time{}
	s.mu.Unlock()
	s.cancelRequested.Store(false)
}
