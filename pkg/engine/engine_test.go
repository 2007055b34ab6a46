package engine

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/voxhud/voxhud/pkg/generate"
	"github.com/voxhud/voxhud/pkg/keypool"
	"github.com/voxhud/voxhud/pkg/llm"
	"github.com/voxhud/voxhud/pkg/session"
	"github.com/voxhud/voxhud/pkg/transcribe"
	"github.com/voxhud/voxhud/pkg/vad"
)

const frameSamples = 320 // 20ms at 16kHz

func speechFrame() []byte {
	buf := make([]byte, frameSamples*2)
	for i := 0; i < frameSamples; i++ {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(10000)))
	}
	return buf
}

func silenceFrame() []byte {
	return make([]byte, frameSamples*2)
}

// recordingRenderer captures bridge output for assertions.
type recordingRenderer struct {
	mu          sync.Mutex
	statuses    []string
	transcripts []string
	tokens      []string
	answers     []string
	answered    chan string
}

func newRecordingRenderer() *recordingRenderer {
	return &recordingRenderer{answered: make(chan string, 8)}
}

func (r *recordingRenderer) SendStatus(_, status string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func (r *recordingRenderer) SendTranscript(_, text string) {
	r.mu.Lock()
	r.transcripts = append(r.transcripts, text)
	r.mu.Unlock()
}

func (r *recordingRenderer) SendToken(_, tok string) {
	r.mu.Lock()
	r.tokens = append(r.tokens, tok)
	r.mu.Unlock()
}

func (r *recordingRenderer) SendFinalAnswer(_, text string) {
	r.mu.Lock()
	r.answers = append(r.answers, text)
	r.mu.Unlock()
	r.answered <- text
}

func (r *recordingRenderer) Close() error { return nil }

func (r *recordingRenderer) sawStatus(status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (r *recordingRenderer) answerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.answers)
}

// apiHandler serves both transcriptions and completions for the engine
// under test.
type apiHandler struct {
	mu              sync.Mutex
	transcribeCalls int
	transcribeSizes []int
	chatMessages    [][]llm.Message
	transcript      string
	answerDeltas    []string
	streamDelay     time.Duration
	failChat        bool
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/audio/transcriptions":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		file.Close()
		h.mu.Lock()
		h.transcribeCalls++
		h.transcribeSizes = append(h.transcribeSizes, int(header.Size))
		h.mu.Unlock()
		json.NewEncoder(w).Encode(llm.TranscriptionResult{
			Text:     h.transcript,
			Language: "en",
			Segments: []llm.TranscriptionSegment{{Text: h.transcript, NoSpeechProb: 0.1}},
		})

	case "/chat/completions":
		if h.failChat {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var body struct {
			Stream   bool          `json:"stream"`
			Messages []llm.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if !body.Stream {
			json.NewEncoder(w).Encode(map[string]any{
				"choices": []map[string]any{{"message": map[string]string{"content": "x"}}},
			})
			return
		}
		h.mu.Lock()
		h.chatMessages = append(h.chatMessages, body.Messages)
		h.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, d := range h.answerDeltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
			flusher.Flush()
			if h.streamDelay > 0 {
				time.Sleep(h.streamDelay)
			}
		}
		fmt.Fprint(w, "data: [DONE]\n\n")

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *apiHandler) calls() (int, []int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.transcribeCalls, append([]int(nil), h.transcribeSizes...)
}

func (h *apiHandler) lastChat() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.chatMessages) == 0 {
		return nil
	}
	return h.chatMessages[len(h.chatMessages)-1]
}

func newTestEngine(t *testing.T, handler *apiHandler) (*Engine, *recordingRenderer, *session.Registry) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger := slog.Default()
	pool, err := keypool.NewPool(keypool.DefaultConfig(), map[string][]string{
		"transcribe": {"sk-t"},
		"chat":       {"sk-c"},
		"chat_pro":   {"sk-c"},
	}, nil, logger)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}

	client := llm.NewClient(llm.WithBaseURL(server.URL))
	reg := session.NewRegistry(0, logger)
	t.Cleanup(reg.CloseAll)

	transcriber := transcribe.NewPipeline(pool, client, nil, transcribe.DefaultConfig(), logger)

	genCfg := generate.DefaultConfig()
	genCfg.Backoff = time.Millisecond
	generator := generate.NewPipeline(pool, client,
		generate.DefaultRouter("fast-model", "smart-model"), nil, genCfg, logger)

	renderer := newRecordingRenderer()
	cfg := DefaultConfig()
	cfg.SilenceTimeout = 50 * time.Millisecond
	gate := vad.NewGate(vad.DefaultConfig(), logger)
	return New(reg, gate, transcriber, generator, renderer, nil, cfg, logger), renderer, reg
}

func waitForAnswer(t *testing.T, renderer *recordingRenderer) string {
	t.Helper()
	select {
	case answer := <-renderer.answered:
		return answer
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for answer")
		return ""
	}
}

func TestSegmentFlushedOnSilenceTimeout(t *testing.T) {
	handler := &apiHandler{transcript: "what is a mutex used for", answerDeltas: []string{"A lock."}}
	eng, renderer, _ := newTestEngine(t, handler)
	defer eng.Shutdown()

	eng.StartSession("u")
	for i := 0; i < 5; i++ {
		eng.IngestAudioFrame("u", silenceFrame())
	}
	for i := 0; i < 3; i++ {
		eng.IngestAudioFrame("u", speechFrame())
	}
	for i := 0; i < 6; i++ {
		eng.IngestAudioFrame("u", silenceFrame())
	}

	if answer := waitForAnswer(t, renderer); answer != "A lock." {
		t.Errorf("Expected final answer, got %q", answer)
	}

	calls, sizes := handler.calls()
	if calls != 1 {
		t.Fatalf("Expected exactly one transcription, got %d", calls)
	}
	// 3 speech frames plus at most 2 trailing silence frames, as WAV.
	maxSize := 44 + 5*frameSamples*2
	minSize := 44 + 3*frameSamples*2
	if sizes[0] < minSize || sizes[0] > maxSize {
		t.Errorf("Segment size %d outside [%d, %d]", sizes[0], minSize, maxSize)
	}
}

func TestShortBurstDiscarded(t *testing.T) {
	handler := &apiHandler{transcript: "ignored", answerDeltas: []string{"x"}}
	eng, _, _ := newTestEngine(t, handler)
	defer eng.Shutdown()

	eng.IngestAudioFrame("u", speechFrame())
	eng.IngestAudioFrame("u", speechFrame())
	for i := 0; i < 4; i++ {
		eng.IngestAudioFrame("u", silenceFrame())
	}
	time.Sleep(200 * time.Millisecond)

	if calls, _ := handler.calls(); calls != 0 {
		t.Errorf("Expected short burst discarded, got %d transcriptions", calls)
	}
}

func TestBargeInCancelsGeneration(t *testing.T) {
	handler := &apiHandler{
		transcript:   "tell me about channels in detail",
		answerDeltas: []string{"part one ", "part two ", "part three"},
		streamDelay:  200 * time.Millisecond,
	}
	eng, renderer, reg := newTestEngine(t, handler)
	defer eng.Shutdown()

	for i := 0; i < 3; i++ {
		eng.IngestAudioFrame("u", speechFrame())
	}

	// Wait until generation is streaming, then speak again.
	sess := reg.Get("u")
	deadline := time.Now().Add(3 * time.Second)
	for !sess.IsGenerating() {
		if time.Now().After(deadline) {
			t.Fatal("Generation never started")
		}
		time.Sleep(10 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		eng.IngestAudioFrame("u", speechFrame())
	}

	// The interrupted generation must not deliver a final answer for the
	// first utterance; the second utterance may still produce one.
	time.Sleep(300 * time.Millisecond)
	if !renderer.sawStatus(StatusCancelled) {
		t.Error("Expected cancelled status after barge-in")
	}
	if n := renderer.answerCount(); n > 1 {
		t.Errorf("Expected at most one answer (for the second utterance), got %d", n)
	}
}

func TestManualModeHoldsTranscripts(t *testing.T) {
	handler := &apiHandler{transcript: "first part of my question", answerDeltas: []string{"combined answer"}}
	eng, renderer, _ := newTestEngine(t, handler)
	defer eng.Shutdown()

	eng.SetManualMode("u", true)
	for i := 0; i < 3; i++ {
		eng.IngestAudioFrame("u", speechFrame())
	}
	for i := 0; i < 4; i++ {
		eng.IngestAudioFrame("u", silenceFrame())
	}

	// Transcript arrives but no generation starts while holding.
	deadline := time.Now().Add(3 * time.Second)
	for {
		if calls, _ := handler.calls(); calls == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Transcription never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(100 * time.Millisecond)
	if renderer.answerCount() != 0 {
		t.Fatal("Expected no answer while manual mode holds transcripts")
	}

	eng.TriggerManualFlush("u")
	if answer := waitForAnswer(t, renderer); answer != "combined answer" {
		t.Errorf("Expected flush to generate, got %q", answer)
	}

	msgs := handler.lastChat()
	if len(msgs) == 0 || msgs[len(msgs)-1].Content != "first part of my question" {
		t.Errorf("Expected held transcript as user message, got %+v", msgs)
	}
}

func TestTextMessageBypassesAudio(t *testing.T) {
	handler := &apiHandler{answerDeltas: []string{"typed answer"}}
	eng, renderer, _ := newTestEngine(t, handler)
	defer eng.Shutdown()

	eng.IngestTextMessage("u", "what is a goroutine")
	if answer := waitForAnswer(t, renderer); answer != "typed answer" {
		t.Errorf("Expected answer for typed question, got %q", answer)
	}
	if calls, _ := handler.calls(); calls != 0 {
		t.Errorf("Typed question must not hit transcription, got %d calls", calls)
	}
}

func TestExhaustedCredentialsReportedToRenderer(t *testing.T) {
	handler := &apiHandler{failChat: true}
	eng, renderer, _ := newTestEngine(t, handler)
	defer eng.Shutdown()

	eng.IngestTextMessage("u", "what is a channel")

	deadline := time.Now().Add(3 * time.Second)
	for !renderer.sawStatus(StatusError) {
		if time.Now().After(deadline) {
			t.Fatal("Expected error status when every credential is rate limited")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if renderer.answerCount() != 0 {
		t.Error("Expected no answer when all credentials are exhausted")
	}
}

func TestCancelTurnDropsBufferedSegment(t *testing.T) {
	handler := &apiHandler{transcript: "ignored", answerDeltas: []string{"x"}}
	eng, renderer, _ := newTestEngine(t, handler)
	defer eng.Shutdown()

	for i := 0; i < 3; i++ {
		eng.IngestAudioFrame("u", speechFrame())
	}
	eng.CancelTurn("u")
	time.Sleep(200 * time.Millisecond)

	if calls, _ := handler.calls(); calls != 0 {
		t.Errorf("Expected cancelled segment dropped, got %d transcriptions", calls)
	}
	if !renderer.sawStatus(StatusCancelled) {
		t.Error("Expected cancelled status")
	}
}

func TestSessionsAreIsolated(t *testing.T) {
	handler := &apiHandler{transcript: "what time is it right now", answerDeltas: []string{"noon"}}
	eng, renderer, reg := newTestEngine(t, handler)
	defer eng.Shutdown()

	for i := 0; i < 3; i++ {
		eng.IngestAudioFrame("alice", speechFrame())
	}
	for i := 0; i < 4; i++ {
		eng.IngestAudioFrame("alice", silenceFrame())
	}
	waitForAnswer(t, renderer)

	if got := len(reg.Get("alice").History()); got != 1 {
		t.Errorf("Expected one turn for alice, got %d", got)
	}
	if got := len(reg.Get("bob").History()); got != 0 {
		t.Errorf("Expected empty history for bob, got %d", got)
	}
}
