package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/voxhud/voxhud/pkg/keypool"
	"github.com/voxhud/voxhud/pkg/llm"
	"github.com/voxhud/voxhud/pkg/session"
)

// Settings exposes runtime-tunable values to the prompt builder. Lookups
// must be cheap; callers read them on every generation.
type Settings interface {
	Get(key, def string) string
}

// Options adjust a single generation.
type Options struct {
	// OmitHistory builds the prompt without prior turns regardless of the
	// use_history setting.
	OmitHistory bool
}

// Config holds generation pipeline configuration.
type Config struct {
	// Attempts is the total attempt budget shared by empty responses and
	// transient failures.
	Attempts int

	// Backoff is the pause between attempts.
	Backoff time.Duration

	// TransientCooldown is applied to a credential after a network or
	// server-side failure.
	TransientCooldown time.Duration

	// MaxTokens limits answer length (0 = provider default).
	MaxTokens int

	// Temperature for completions (0 = provider default).
	Temperature float64

	// SystemPrompt is the base system message.
	SystemPrompt string
}

// DefaultConfig returns the production generation settings.
func DefaultConfig() Config {
	return Config{
		Attempts:          3,
		Backoff:           500 * time.Millisecond,
		TransientCooldown: 5 * time.Second,
		Temperature:       0.7,
		SystemPrompt:      "You are a concise voice assistant. Answer in a few short sentences.",
	}
}

// Pipeline streams answers for accepted transcripts.
type Pipeline struct {
	pool     *keypool.Pool
	client   *llm.Client
	router   Router
	settings Settings
	cfg      Config
	logger   *slog.Logger
}

// NewPipeline creates a generation pipeline. settings may be nil.
func NewPipeline(pool *keypool.Pool, client *llm.Client, router Router, settings Settings, cfg Config, logger *slog.Logger) *Pipeline {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultConfig().Attempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultConfig().Backoff
	}
	if cfg.TransientCooldown <= 0 {
		cfg.TransientCooldown = DefaultConfig().TransientCooldown
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		pool:     pool,
		client:   client,
		router:   router,
		settings: settings,
		cfg:      cfg,
		logger:   logger.With("component", "generate"),
	}
}

// Generate streams an answer for text, calling onToken for each delta as
// it arrives. On success the finished turn is appended to the session
// history and the full answer returned. Returns ErrBusy when a
// generation is already in flight and ErrCancelled when the session's
// cancellation flag or context fired; a cancelled generation produces no
// final answer and no history turn.
func (p *Pipeline) Generate(ctx context.Context, sess *session.Session, text string, opts Options, onToken func(string)) (string, error) {
	if sess.CancelRequested() {
		return "", ErrCancelled
	}
	if !sess.TryBeginGenerate() {
		return "", ErrBusy
	}
	defer sess.EndGenerate()

	gctx, cancel := sess.GenerateContext(ctx)
	defer cancel()

	route := p.router.Route(text)
	messages := p.buildPrompt(sess, text, opts)
	if onToken == nil {
		onToken = func(string) {}
	}

	var answer string
	backoff := retry.WithMaxRetries(uint64(p.cfg.Attempts-1), retry.NewConstant(p.cfg.Backoff))
	err := retry.Do(gctx, backoff, func(ctx context.Context) error {
		out, err := p.attempt(ctx, sess, route, messages, onToken)
		if err != nil {
			if errors.Is(err, errEmptyResponse) || errors.Is(err, ErrAllCredentialsExhausted) {
				return retry.RetryableError(err)
			}
			return err
		}
		answer = out
		return nil
	})
	if err != nil {
		switch {
		case errors.Is(err, errEmptyResponse):
			return "", ErrEmptyResponseExhausted
		case errors.Is(err, ErrAllCredentialsExhausted):
			return "", ErrAllCredentialsExhausted
		case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
			return "", ErrCancelled
		default:
			return "", err
		}
	}

	sess.AppendTurn(session.Turn{
		ID:         uuid.NewString(),
		UserText:   text,
		AnswerText: answer,
		At:         time.Now(),
	})
	return answer, nil
}

// attempt walks the credential bucket once, probing unverified
// credentials and streaming from the first that works.
func (p *Pipeline) attempt(ctx context.Context, sess *session.Session, route Route, messages []llm.Message, onToken func(string)) (string, error) {
	tries := p.pool.Size(route.Bucket)
	if tries == 0 {
		tries = p.pool.Size(keypool.DefaultBucket)
	}
	if tries == 0 {
		return "", fmt.Errorf("%w: no credentials configured", ErrAllCredentialsExhausted)
	}

	var lastErr error
	for i := 0; i < tries; i++ {
		if ctx.Err() != nil || sess.CancelRequested() {
			return "", ErrCancelled
		}

		key, err := p.pool.Next(route.Bucket, route.Model)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrAllCredentialsExhausted, err)
		}

		if !p.pool.IsVerified(key, route.Model) {
			if err := p.client.Probe(ctx, key.Value(), route.Model); err != nil {
				if ctx.Err() != nil {
					return "", ErrCancelled
				}
				lastErr = err
				p.handleCredentialError(key, route.Model, err)
				continue
			}
		}

		stream, err := p.client.ChatStream(ctx, key.Value(), &llm.ChatRequest{
			Model:       route.Model,
			Messages:    messages,
			MaxTokens:   p.cfg.MaxTokens,
			Temperature: p.cfg.Temperature,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", ErrCancelled
			}
			lastErr = err
			p.handleCredentialError(key, route.Model, err)
			continue
		}

		answer, err := p.consume(ctx, sess, stream, onToken)
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return "", ErrCancelled
			}
			// Tokens already reached the caller; switching credentials now
			// would replay them, so the stream failure is final.
			if answer != "" {
				return "", fmt.Errorf("%w: %v", ErrInterrupted, err)
			}
			lastErr = err
			p.handleCredentialError(key, route.Model, err)
			continue
		}

		p.pool.MarkVerified(key, route.Model)
		if answer == "" {
			return "", errEmptyResponse
		}
		return answer, nil
	}

	return "", fmt.Errorf("%w: %v", ErrAllCredentialsExhausted, lastErr)
}

// consume drains the stream, forwarding deltas and checking the session
// cancellation flag between chunks. Returns the accumulated partial text
// alongside any error so the caller knows whether tokens were emitted.
func (p *Pipeline) consume(ctx context.Context, sess *session.Session, stream *llm.ChatStreamReader, onToken func(string)) (string, error) {
	defer stream.Close()

	var b strings.Builder
	for {
		if ctx.Err() != nil || sess.CancelRequested() {
			return "", ErrCancelled
		}
		chunk, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil || sess.CancelRequested() {
				return "", ErrCancelled
			}
			return strings.TrimSpace(b.String()), err
		}
		if chunk.Delta != "" {
			b.WriteString(chunk.Delta)
			onToken(chunk.Delta)
		}
		if chunk.Done {
			return strings.TrimSpace(b.String()), nil
		}
	}
}

// handleCredentialError updates pool state after a failed call: rate
// limits cool the credential down, permission rejections block it for
// the model, everything else gets a short transient cooldown.
func (p *Pipeline) handleCredentialError(key *keypool.Key, model string, err error) {
	if apiErr, ok := llm.AsAPIError(err); ok {
		switch {
		case apiErr.IsRateLimited():
			p.logger.Warn("credential rate limited", "key", key.Redacted(), "model", model)
			p.pool.CooldownRateLimited(key)
			return
		case apiErr.IsPermissionDenied():
			p.logger.Warn("credential rejected for model", "key", key.Redacted(), "model", model, "status", apiErr.StatusCode)
			p.pool.MarkBlocked(key, model)
			return
		}
	}
	p.logger.Warn("completion attempt failed", "key", key.Redacted(), "model", model, "error", err)
	p.pool.Cooldown(key, p.cfg.TransientCooldown)
}

// buildPrompt assembles the system message, optional profile context and
// the bounded history window ahead of the user's text.
func (p *Pipeline) buildPrompt(sess *session.Session, text string, opts Options) []llm.Message {
	system := p.cfg.SystemPrompt
	useHistory := !opts.OmitHistory

	if p.settings != nil {
		if profile := p.settings.Get("profile", ""); profile != "" {
			system += "\n\nAbout the user: " + profile
		}
		if custom := p.settings.Get("custom_prompt", ""); custom != "" {
			system += "\n\n" + custom
		}
		if p.settings.Get("use_history", "true") == "false" {
			useHistory = false
		}
	}

	messages := []llm.Message{{Role: llm.RoleSystem, Content: system}}
	if useHistory {
		for _, turn := range sess.History() {
			messages = append(messages,
				llm.Message{Role: llm.RoleUser, Content: turn.UserText},
				llm.Message{Role: llm.RoleAssistant, Content: turn.AnswerText},
			)
		}
	}
	return append(messages, llm.Message{Role: llm.RoleUser, Content: text})
}
