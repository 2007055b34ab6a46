// Package vad classifies audio frames as speech or silence using RMS
// energy against an adaptive noise floor.
package vad

import (
	"log/slog"
	"math"

	"github.com/voxhud/voxhud/pkg/audioio"
)

// Config holds voice activity detection tuning.
type Config struct {
	// NoiseFloorInit seeds the noise floor before any frames are seen.
	NoiseFloorInit float64

	// MinThreshold is the lowest speech threshold regardless of floor.
	MinThreshold float64

	// Multiplier scales the noise floor into the speech threshold.
	Multiplier float64

	// AdaptRate is the EMA weight applied during quiet frames. Kept small
	// so the floor tracks ambient drift without being pulled up by speech.
	AdaptRate float64

	// AdaptBand bounds which frames count as quiet: the floor adapts only
	// when rms < floor*AdaptBand.
	AdaptBand float64
}

// DefaultConfig returns VAD defaults tuned for 16kHz PCM16 speech.
func DefaultConfig() Config {
	return Config{
		NoiseFloorInit: 150,
		MinThreshold:   300,
		Multiplier:     2.0,
		AdaptRate:      0.05,
		AdaptBand:      1.2,
	}
}

// State is the per-session noise floor estimate. It is owned by the
// session record and must only be touched from the session's executor.
type State struct {
	noiseFloor  float64
	initialized bool
}

// NoiseFloor returns the current ambient energy estimate.
func (s *State) NoiseFloor() float64 {
	return s.noiseFloor
}

// Gate classifies frames for all sessions; per-session state is passed in.
type Gate struct {
	cfg    Config
	logger *slog.Logger
}

// NewGate creates a voice activity gate.
func NewGate(cfg Config, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: logger.With("component", "vad"),
	}
}

// Classify reports whether the frame contains speech. It never panics;
// frames it cannot interpret are classified as speech so audio is not
// silently dropped.
func (g *Gate) Classify(st *State, frame []byte) (speaking bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("classify failed, failing open", "panic", r)
			speaking = true
		}
	}()

	samples := audioio.BytesToSamples(frame)
	if len(samples) == 0 {
		return true
	}

	rms := RMS(samples)

	if !st.initialized {
		st.noiseFloor = g.cfg.NoiseFloorInit
		st.initialized = true
	}

	// Track ambient drift only during quiet frames so speech itself
	// cannot raise the floor.
	if rms < st.noiseFloor*g.cfg.AdaptBand {
		st.noiseFloor = st.noiseFloor*(1-g.cfg.AdaptRate) + rms*g.cfg.AdaptRate
	}

	threshold := st.noiseFloor * g.cfg.Multiplier
	if threshold < g.cfg.MinThreshold {
		threshold = g.cfg.MinThreshold
	}

	return rms > threshold
}

// RMS computes root-mean-square energy of PCM16 samples.
func RMS(samples []int16) float64 {
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
