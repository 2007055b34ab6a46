package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestChatStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("Expected /chat/completions, got %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Expected Bearer test-key, got %s", auth)
		}

		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["stream"] != true {
			t.Error("Expected stream=true in payload")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, `data: [DONE]`+"\n\n")
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	stream, err := client.ChatStream(context.Background(), "test-key", &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "Hello"}},
	})
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	defer stream.Close()

	var text string
	for {
		chunk, err := stream.Recv()
		if err != nil {
			t.Fatalf("Recv failed: %v", err)
		}
		if chunk.Done {
			break
		}
		text += chunk.Delta
	}

	if text != "Hello" {
		t.Errorf("Expected streamed text 'Hello', got %q", text)
	}
}

func TestChatStreamRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"message":"rate limited","code":"rate_limit_exceeded"}}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	_, err := client.ChatStream(context.Background(), "k", &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "x"}},
	})

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if !apiErr.IsRateLimited() || !apiErr.IsRetryable() {
		t.Errorf("Expected retryable rate limit error, got %+v", apiErr)
	}
	if apiErr.Code != "rate_limit_exceeded" {
		t.Errorf("Expected parsed error code, got %q", apiErr.Code)
	}
}

func TestProbe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		json.NewDecoder(r.Body).Decode(&payload)
		if payload["max_tokens"] != float64(1) {
			t.Error("Probe should request a single token")
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"p"}}]}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	if err := client.Probe(context.Background(), "k", "gpt-4o-mini"); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
}

func TestProbePermissionDenied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"message":"model not allowed"}}`)
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	err := client.Probe(context.Background(), "k", "gpt-4o")

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatalf("Expected APIError, got %v", err)
	}
	if !apiErr.IsPermissionDenied() {
		t.Errorf("Expected permission denied, got %+v", apiErr)
	}
	if apiErr.IsRetryable() {
		t.Error("Permission errors must not be retryable")
	}
}

func TestTranscribe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			t.Errorf("Expected /audio/transcriptions, got %s", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Fatalf("Expected multipart form: %v", err)
		}
		if r.FormValue("model") != "whisper-1" {
			t.Errorf("Expected model field, got %q", r.FormValue("model"))
		}
		if r.FormValue("response_format") != "verbose_json" {
			t.Errorf("Expected verbose_json, got %q", r.FormValue("response_format"))
		}

		json.NewEncoder(w).Encode(TranscriptionResult{
			Text:     "what is a goroutine",
			Language: "en",
			Segments: []TranscriptionSegment{
				{Text: "what is a goroutine", NoSpeechProb: 0.1},
			},
		})
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL))
	result, err := client.Transcribe(context.Background(), "k", "whisper-1", []byte("RIFFdata"))
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	if result.Text != "what is a goroutine" {
		t.Errorf("Unexpected text: %q", result.Text)
	}
	if result.AvgNoSpeechProb() != 0.1 {
		t.Errorf("Unexpected no-speech probability: %f", result.AvgNoSpeechProb())
	}
}

func TestTranscribeEmptyAudio(t *testing.T) {
	client := NewClient(WithBaseURL("http://unused"))
	if _, err := client.Transcribe(context.Background(), "k", "whisper-1", nil); err != ErrEmptyAudio {
		t.Errorf("Expected ErrEmptyAudio, got %v", err)
	}
}

func TestAvgNoSpeechProb(t *testing.T) {
	r := &TranscriptionResult{Segments: []TranscriptionSegment{
		{NoSpeechProb: 0.2}, {NoSpeechProb: 0.8},
	}}
	if got := r.AvgNoSpeechProb(); got != 0.5 {
		t.Errorf("Expected 0.5, got %f", got)
	}

	empty := &TranscriptionResult{}
	if empty.AvgNoSpeechProb() != 0 {
		t.Error("Expected 0 for empty segments")
	}
}
