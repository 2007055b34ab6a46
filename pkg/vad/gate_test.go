package vad

import (
	"log/slog"
	"testing"

	"github.com/voxhud/voxhud/pkg/audioio"
)

func frame(amplitude int16, n int) []byte {
	samples := make([]int16, n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return audioio.SamplesToBytes(samples)
}

func newTestGate() *Gate {
	return NewGate(DefaultConfig(), slog.Default())
}

func TestClassifyLoudFrameIsSpeech(t *testing.T) {
	g := newTestGate()
	st := &State{}

	if !g.Classify(st, frame(8000, 320)) {
		t.Error("Expected loud frame to be classified as speech")
	}
}

func TestClassifyQuietFrameIsSilence(t *testing.T) {
	g := newTestGate()
	st := &State{}

	if g.Classify(st, frame(50, 320)) {
		t.Error("Expected quiet frame to be classified as silence")
	}
}

func TestNoiseFloorAdaptsDuringQuiet(t *testing.T) {
	g := newTestGate()
	st := &State{}

	g.Classify(st, frame(50, 320))
	first := st.NoiseFloor()

	for i := 0; i < 50; i++ {
		g.Classify(st, frame(50, 320))
	}

	if st.NoiseFloor() >= first {
		t.Errorf("Expected noise floor to drift down toward ambient level, got %f -> %f",
			first, st.NoiseFloor())
	}
}

func TestNoiseFloorNotPulledUpBySpeech(t *testing.T) {
	g := newTestGate()
	st := &State{}

	g.Classify(st, frame(50, 320))
	before := st.NoiseFloor()

	for i := 0; i < 20; i++ {
		g.Classify(st, frame(8000, 320))
	}

	if st.NoiseFloor() > before {
		t.Errorf("Speech frames raised noise floor: %f -> %f", before, st.NoiseFloor())
	}
}

func TestRaisedFloorRaisesThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoiseFloorInit = 3000
	g := NewGate(cfg, slog.Default())
	st := &State{}

	// A frame that clears the minimum threshold but not floor*multiplier.
	if g.Classify(st, frame(2000, 320)) {
		t.Error("Expected frame below adaptive threshold to be silence")
	}
}

func TestClassifyEmptyFrameFailsOpen(t *testing.T) {
	g := newTestGate()
	st := &State{}

	if !g.Classify(st, nil) {
		t.Error("Expected empty frame to fail open as speech")
	}
}

func TestRMS(t *testing.T) {
	if got := RMS([]int16{3, -4, 3, -4}); got < 3.5 || got > 3.6 {
		t.Errorf("Expected RMS ~3.54, got %f", got)
	}
}
