// Package transcribe converts audio segments to clean text: credential
// rotation over the transcription backend, confidence gating, artifact
// filtering, and duplicate suppression.
package transcribe

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/voxhud/voxhud/pkg/audioio"
	"github.com/voxhud/voxhud/pkg/keypool"
	"github.com/voxhud/voxhud/pkg/llm"
	"github.com/voxhud/voxhud/pkg/session"
)

// ErrBusy is returned when a transcription for the session is already in
// flight. Calls are rejected, not queued.
var ErrBusy = errors.New("transcribe: session already transcribing")

// Config holds transcription pipeline tuning.
type Config struct {
	// Model is the transcription model identifier.
	Model string

	// Bucket is the credential bucket serving the model.
	Bucket string

	// SampleRate of segment PCM handed to the pipeline.
	SampleRate int

	// NoSpeechThreshold discards results whose segment-average no-speech
	// probability exceeds it: trades missed short utterances for
	// eliminated false positives.
	NoSpeechThreshold float64

	// DedupeWindow suppresses text identical to the previous accepted
	// text within this recency window.
	DedupeWindow time.Duration

	// TransientCooldown is applied to a credential after a network/5xx
	// failure before the next session retries it.
	TransientCooldown time.Duration
}

// DefaultConfig returns production transcription defaults.
func DefaultConfig() Config {
	return Config{
		Model:             "whisper-1",
		Bucket:            "transcribe",
		SampleRate:        16000,
		NoSpeechThreshold: 0.6,
		DedupeWindow:      5 * time.Second,
		TransientCooldown: 5 * time.Second,
	}
}

// Result is accepted, cleaned transcription output.
type Result struct {
	Text     string
	Language string
}

// Pipeline is the transcription pipeline. One instance serves all
// sessions; per-session state lives in the session record.
type Pipeline struct {
	pool    *keypool.Pool
	client  *llm.Client
	filters []Filter
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

// NewPipeline creates a transcription pipeline.
func NewPipeline(pool *keypool.Pool, client *llm.Client, filters []Filter, cfg Config, logger *slog.Logger) *Pipeline {
	if filters == nil {
		filters = DefaultFilters()
	}
	return &Pipeline{
		pool:    pool,
		client:  client,
		filters: filters,
		cfg:     cfg,
		logger:  logger.With("component", "transcribe"),
		now:     time.Now,
	}
}

// Transcribe converts one audio segment to text for the session. A nil
// result with nil error means "no usable speech" and is not surfaced to
// the user. ErrBusy is returned if the session is already transcribing.
func (p *Pipeline) Transcribe(ctx context.Context, sess *session.Session, pcm []byte) (*Result, error) {
	if !sess.TryBeginTranscribe() {
		return nil, ErrBusy
	}
	defer sess.EndTranscribe()

	ctx, cancel := sess.TranscribeContext(ctx)
	defer cancel()

	wav := audioio.EncodeWAV(pcm, p.cfg.SampleRate)

	attempts := p.pool.Size(p.cfg.Bucket)
	if attempts == 0 {
		attempts = p.pool.Size(keypool.DefaultBucket)
	}

	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			p.logger.Debug("transcription cancelled", "session_id", sess.ID)
			return nil, nil
		}

		key, err := p.pool.Next(p.cfg.Bucket, p.cfg.Model)
		if err != nil {
			p.logger.Warn("no transcription credential available",
				"session_id", sess.ID, "error", err)
			return nil, nil
		}

		result, err := p.client.Transcribe(ctx, key.Value(), p.cfg.Model, wav)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			p.handleAttemptError(sess.ID, key, err)
			continue
		}

		return p.accept(sess, result), nil
	}

	p.logger.Warn("transcription credentials exhausted", "session_id", sess.ID)
	return nil, nil
}

func (p *Pipeline) handleAttemptError(sessionID string, key *keypool.Key, err error) {
	if apiErr, ok := llm.AsAPIError(err); ok {
		switch {
		case apiErr.IsRateLimited():
			p.pool.CooldownRateLimited(key)
		case apiErr.IsPermissionDenied():
			p.pool.MarkBlocked(key, p.cfg.Model)
		default:
			p.pool.Cooldown(key, p.cfg.TransientCooldown)
		}
		p.logger.Warn("transcription attempt failed",
			"session_id", sessionID, "key", key.Redacted(), "status", apiErr.StatusCode)
		return
	}
	p.pool.Cooldown(key, p.cfg.TransientCooldown)
	p.logger.Warn("transcription attempt failed",
		"session_id", sessionID, "key", key.Redacted(), "error", err)
}

// accept applies the output gates, in order: confidence, artifact
// filters, duplicate suppression. Nil means the text was discarded.
func (p *Pipeline) accept(sess *session.Session, result *llm.TranscriptionResult) *Result {
	text := strings.TrimSpace(result.Text)
	if text == "" {
		return nil
	}

	if prob := result.AvgNoSpeechProb(); prob > p.cfg.NoSpeechThreshold {
		p.logger.Debug("transcription dropped by confidence gate",
			"session_id", sess.ID, "no_speech_prob", prob)
		return nil
	}

	if reject, reason := Reject(text, p.filters); reject {
		p.logger.Debug("transcription dropped by filter",
			"session_id", sess.ID, "reason", reason)
		return nil
	}

	now := p.now()
	if last, at := sess.LastEmitted(); last == text && now.Sub(at) < p.cfg.DedupeWindow {
		p.logger.Debug("duplicate transcription suppressed", "session_id", sess.ID)
		return nil
	}
	sess.SetLastEmitted(text, now)

	return &Result{Text: text, Language: result.Language}
}
