package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

// TranscriptionSegment is one decoded span of a transcription, with the
// backend's per-segment confidence signals.
type TranscriptionSegment struct {
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
	AvgLogprob   float64 `json:"avg_logprob"`
}

// TranscriptionResult is the decoded verbose transcription response.
type TranscriptionResult struct {
	Text     string                 `json:"text"`
	Language string                 `json:"language"`
	Segments []TranscriptionSegment `json:"segments"`
}

// AvgNoSpeechProb returns the segment-average probability that the audio
// contained no speech. Zero when the backend reported no segments.
func (r *TranscriptionResult) AvgNoSpeechProb() float64 {
	if len(r.Segments) == 0 {
		return 0
	}
	var sum float64
	for _, seg := range r.Segments {
		sum += seg.NoSpeechProb
	}
	return sum / float64(len(r.Segments))
}

// Transcribe uploads a WAV segment and returns the verbose transcription.
func (c *Client) Transcribe(ctx context.Context, apiKey, model string, wav []byte) (*TranscriptionResult, error) {
	if model == "" {
		return nil, ErrNoModel
	}
	if len(wav) == 0 {
		return nil, ErrEmptyAudio
	}

	var body strings.Builder
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", "segment.wav")
	if err != nil {
		return nil, fmt.Errorf("llm: build upload: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("llm: build upload: %w", err)
	}
	if err := writer.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("llm: build upload: %w", err)
	}
	if err := writer.WriteField("response_format", "verbose_json"); err != nil {
		return nil, fmt.Errorf("llm: build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("llm: build upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/audio/transcriptions", strings.NewReader(body.String()))
	if err != nil {
		return nil, fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}

	var result TranscriptionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("llm: decode transcription: %w", err)
	}
	return &result, nil
}
