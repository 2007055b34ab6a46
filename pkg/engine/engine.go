// Package engine drives the audio-to-answer flow: frames come in, the
// gate classifies them, segments accumulate on the session executor, and
// completed segments run through transcription and generation. All
// segmentation state is touched only from the owning session's executor
// goroutine.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/voxhud/voxhud/pkg/bridge"
	"github.com/voxhud/voxhud/pkg/generate"
	"github.com/voxhud/voxhud/pkg/session"
	"github.com/voxhud/voxhud/pkg/transcribe"
	"github.com/voxhud/voxhud/pkg/vad"
)

// Status values reported to the renderer.
const (
	StatusListening    = "listening"
	StatusTranscribing = "transcribing"
	StatusGenerating   = "generating"
	StatusCancelled    = "cancelled"
	StatusError        = "error"
)

// Config holds segmentation policy.
type Config struct {
	// MinSpeechFrames is the minimum speech frames for a segment to be
	// transcribed; shorter bursts are discarded as noise.
	MinSpeechFrames int

	// TrailingSilenceLimit caps buffered silence frames after speech.
	TrailingSilenceLimit int

	// SilenceTimeout flushes the segment this long after the last speech
	// frame.
	SilenceTimeout time.Duration

	// MaxSegmentBytes force-flushes a segment that grows past this size.
	MaxSegmentBytes int
}

// DefaultConfig returns the production segmentation policy, sized for
// 16 kHz mono PCM16.
func DefaultConfig() Config {
	return Config{
		MinSpeechFrames:      3,
		TrailingSilenceLimit: 2,
		SilenceTimeout:       1200 * time.Millisecond,
		MaxSegmentBytes:      30 * 16000 * 2,
	}
}

// Engine coordinates sessions, the voice gate and both pipelines.
type Engine struct {
	sessions    *session.Registry
	gate        *vad.Gate
	transcriber *transcribe.Pipeline
	generator   *generate.Pipeline
	renderer    bridge.Renderer
	turns       bridge.TurnLog
	cfg         Config
	logger      *slog.Logger
}

// New creates an engine. renderer and turns may be nil, in which case
// output is discarded.
func New(sessions *session.Registry, gate *vad.Gate, transcriber *transcribe.Pipeline, generator *generate.Pipeline, renderer bridge.Renderer, turns bridge.TurnLog, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MinSpeechFrames <= 0 {
		cfg.MinSpeechFrames = DefaultConfig().MinSpeechFrames
	}
	if cfg.TrailingSilenceLimit <= 0 {
		cfg.TrailingSilenceLimit = DefaultConfig().TrailingSilenceLimit
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = DefaultConfig().SilenceTimeout
	}
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = DefaultConfig().MaxSegmentBytes
	}
	if renderer == nil {
		renderer = bridge.NopRenderer{}
	}
	if turns == nil {
		turns = bridge.NopTurnLog{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sessions:    sessions,
		gate:        gate,
		transcriber: transcriber,
		generator:   generator,
		renderer:    renderer,
		turns:       turns,
		cfg:         cfg,
		logger:      logger.With("component", "engine"),
	}
}

// StartSession ensures a session exists and reports it listening.
func (e *Engine) StartSession(id string) {
	e.sessions.Get(id)
	e.renderer.SendStatus(id, StatusListening)
}

// StopSession tears a session down, cancelling in-flight work.
func (e *Engine) StopSession(id string) {
	e.sessions.Remove(id)
}

// Shutdown closes all sessions and the bridge adapters.
func (e *Engine) Shutdown() {
	e.sessions.CloseAll()
	e.renderer.Close()
	e.turns.Close()
}

// IngestAudioFrame feeds one PCM16 frame into the session's segmenter.
// The frame is copied; callers may reuse the buffer. Returns false when
// the session executor rejected the frame (closed or overloaded).
func (e *Engine) IngestAudioFrame(sessionID string, frame []byte) bool {
	if len(frame) == 0 {
		return true
	}
	sess := e.sessions.Get(sessionID)
	buf := make([]byte, len(frame))
	copy(buf, frame)
	return sess.Post(func() { e.processFrame(sess, buf) })
}

// IngestTextMessage handles a typed question, bypassing audio entirely.
func (e *Engine) IngestTextMessage(sessionID, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	sess := e.sessions.Get(sessionID)
	sess.ClearCancel()
	e.renderer.SendTranscript(sessionID, text)
	if sess.ManualMode() {
		sess.HoldText(text)
		return
	}
	go e.answer(sess, text, generate.Options{})
}

// SetManualMode toggles transcript holding. Held text survives the
// toggle and is released by the next flush.
func (e *Engine) SetManualMode(sessionID string, enabled bool) {
	e.sessions.Get(sessionID).SetManualMode(enabled)
}

// CancelTurn cancels in-flight work for the session. The cancellation
// is sticky: queued results are discarded until new speech arrives.
func (e *Engine) CancelTurn(sessionID string) {
	sess := e.sessions.Get(sessionID)
	sess.RequestCancel()
	sess.Interrupt()
	sess.Post(func() { sess.Seg.Reset() })
	e.renderer.SendStatus(sessionID, StatusCancelled)
}

// TriggerManualFlush concatenates held transcripts and generates one
// answer from them.
func (e *Engine) TriggerManualFlush(sessionID string) {
	sess := e.sessions.Get(sessionID)
	held := sess.DrainHeld()
	if len(held) == 0 {
		return
	}
	go e.answer(sess, strings.Join(held, " "), generate.Options{})
}

// processFrame runs on the session executor.
func (e *Engine) processFrame(sess *session.Session, frame []byte) {
	speaking := e.gate.Classify(&sess.VAD, frame)

	if !speaking {
		// Trailing silence is buffered only while a segment is open, and
		// only up to the limit; everything else is dropped.
		if sess.Seg.SpeechFrames > 0 && sess.Seg.TrailingSilence < e.cfg.TrailingSilenceLimit {
			e.buffer(sess, frame)
			sess.Seg.TrailingSilence++
		}
		return
	}

	// Barge-in: speech during in-flight work cancels it before the new
	// utterance is buffered.
	if sess.IsTranscribing() || sess.IsGenerating() {
		sess.Interrupt()
		e.renderer.SendStatus(sess.ID, StatusCancelled)
	}
	sess.ClearCancel()

	e.buffer(sess, frame)
	sess.Seg.SpeechFrames++
	sess.Seg.TrailingSilence = 0

	if sess.Seg.SpeechFrames >= e.cfg.MinSpeechFrames {
		e.armSilenceTimer(sess)
	}
	if sess.Seg.Bytes >= e.cfg.MaxSegmentBytes {
		e.flush(sess)
	}
}

func (e *Engine) buffer(sess *session.Session, frame []byte) {
	sess.Seg.Frames = append(sess.Seg.Frames, frame)
	sess.Seg.Bytes += len(frame)
}

// armSilenceTimer restarts the silence flush countdown. The sequence
// number invalidates callbacks from timers that were superseded or
// reset before firing.
func (e *Engine) armSilenceTimer(sess *session.Session) {
	if sess.Seg.SilenceTimer != nil {
		sess.Seg.SilenceTimer.Stop()
	}
	sess.Seg.TimerSeq++
	seq := sess.Seg.TimerSeq
	sess.Seg.SilenceTimer = time.AfterFunc(e.cfg.SilenceTimeout, func() {
		sess.Post(func() {
			if sess.Seg.TimerSeq == seq {
				e.flush(sess)
			}
		})
	})
}

// flush runs on the session executor and hands the buffered segment to
// the turn pipeline.
func (e *Engine) flush(sess *session.Session) {
	if sess.Seg.SpeechFrames < e.cfg.MinSpeechFrames {
		sess.Seg.Reset()
		return
	}
	// A transcription is still draining after an interrupt; keep the
	// segment and try again when the countdown restarts.
	if sess.IsTranscribing() {
		e.armSilenceTimer(sess)
		return
	}

	pcm := sess.Seg.Concat()
	sess.Seg.Reset()
	go e.runTurn(sess, pcm)
}

// runTurn transcribes a segment and, outside manual mode, generates the
// answer.
func (e *Engine) runTurn(sess *session.Session, pcm []byte) {
	e.renderer.SendStatus(sess.ID, StatusTranscribing)

	result, err := e.transcriber.Transcribe(context.Background(), sess, pcm)
	if err != nil {
		if !errors.Is(err, transcribe.ErrBusy) {
			e.logger.Error("transcription failed", "session", sess.ID, "error", err)
		}
		e.renderer.SendStatus(sess.ID, StatusListening)
		return
	}
	if result == nil {
		// Rejected or cancelled; the session just keeps listening.
		e.renderer.SendStatus(sess.ID, StatusListening)
		return
	}

	e.renderer.SendTranscript(sess.ID, result.Text)
	if sess.ManualMode() {
		sess.HoldText(result.Text)
		e.renderer.SendStatus(sess.ID, StatusListening)
		return
	}
	e.answer(sess, result.Text, generate.Options{})
}

// answer runs generation and delivers the result.
func (e *Engine) answer(sess *session.Session, text string, opts generate.Options) {
	e.renderer.SendStatus(sess.ID, StatusGenerating)

	final, err := e.generator.Generate(context.Background(), sess, text, opts, func(tok string) {
		e.renderer.SendToken(sess.ID, tok)
	})
	if err != nil {
		switch {
		case errors.Is(err, generate.ErrCancelled):
			e.renderer.SendStatus(sess.ID, StatusCancelled)
		case errors.Is(err, generate.ErrBusy):
		default:
			// Exhaustion and interrupted streams are user-visible.
			e.logger.Error("generation failed", "session", sess.ID, "error", err)
			e.renderer.SendStatus(sess.ID, StatusError)
		}
		e.renderer.SendStatus(sess.ID, StatusListening)
		return
	}

	e.renderer.SendFinalAnswer(sess.ID, final)
	if history := sess.History(); len(history) > 0 {
		e.turns.SaveTurn(sess.ID, history[len(history)-1])
	}
	e.renderer.SendStatus(sess.ID, StatusListening)
}
