package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StreamChunk is a piece of a streaming completion.
type StreamChunk struct {
	// Delta is the incremental text content.
	Delta string

	// Done is true when the stream is complete.
	Done bool
}

// ChatStreamReader reads SSE chunks from a streaming completion.
type ChatStreamReader struct {
	reader *bufio.Reader
	body   io.ReadCloser
}

func newChatStreamReader(body io.ReadCloser) *ChatStreamReader {
	return &ChatStreamReader{
		reader: bufio.NewReader(body),
		body:   body,
	}
}

// Recv returns the next stream chunk.
func (s *ChatStreamReader) Recv() (*StreamChunk, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			return &StreamChunk{Done: true}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("llm: read stream: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			return &StreamChunk{Done: true}, nil
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			// Skip malformed events
			continue
		}

		if len(event.Choices) == 0 {
			continue
		}

		choice := event.Choices[0]
		return &StreamChunk{
			Delta: choice.Delta.Content,
			Done:  choice.FinishReason != "",
		}, nil
	}
}

// Close stops the stream.
func (s *ChatStreamReader) Close() error {
	return s.body.Close()
}

// streamEvent is the SSE event format.
type streamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}
