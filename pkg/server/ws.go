package server

import (
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/voxhud/voxhud/pkg/audioio"
)

const pipelineSampleRate = 16000

// controlMessage is a JSON text frame on the audio socket.
type controlMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Enabled bool   `json:"enabled,omitempty"`
}

// frameFormat is the per-connection audio format negotiated via query
// params: opus packets, or raw PCM16 at an arbitrary rate and channel
// count.
type frameFormat struct {
	decoder  *audioio.OpusDecoder
	rate     int
	channels int
}

// normalize converts an incoming frame to 16 kHz mono PCM16.
func (f *frameFormat) normalize(data []byte) ([]byte, error) {
	if f.decoder != nil {
		return f.decoder.Decode(data)
	}
	frame := data
	if f.channels == 2 {
		frame = audioio.SamplesToBytes(audioio.StereoToMono(audioio.BytesToSamples(frame)))
	}
	if f.rate != pipelineSampleRate {
		frame = audioio.ResampleBytes(frame, f.rate, pipelineSampleRate)
	}
	return frame, nil
}

func (s *Server) registerWS(app *fiber.App) {
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	app.Get("/ws/audio/:id", websocket.New(s.handleAudio))
}

// handleAudio serves one audio connection. Binary frames carry audio,
// text frames carry control messages. The session outlives the
// connection so a reconnect keeps its history.
func (s *Server) handleAudio(c *websocket.Conn) {
	sessionID := c.Params("id")
	logger := s.logger.With("session", sessionID)

	format := frameFormat{rate: pipelineSampleRate, channels: 1}
	if c.Query("codec") == "opus" {
		d, err := audioio.NewOpusDecoder(pipelineSampleRate)
		if err != nil {
			logger.Error("opus decoder init failed", "error", err)
			c.Close()
			return
		}
		format.decoder = d
	}
	if v := c.Query("rate"); v != "" {
		if rate, err := strconv.Atoi(v); err == nil && rate > 0 {
			format.rate = rate
		}
	}
	if c.Query("channels") == "2" {
		format.channels = 2
	}

	s.engine.StartSession(sessionID)
	logger.Info("audio connection opened",
		"codec", c.Query("codec"), "rate", format.rate, "channels", format.channels)
	defer logger.Info("audio connection closed")

	for {
		msgType, data, err := c.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.framesReceived.Add(1)
			frame, err := format.normalize(data)
			if err != nil {
				logger.Warn("frame decode failed, dropped", "error", err)
				continue
			}
			if !s.engine.IngestAudioFrame(sessionID, frame) {
				logger.Warn("frame dropped, session queue full")
			}

		case websocket.TextMessage:
			s.messagesReceived.Add(1)
			s.handleControl(sessionID, data, logger)
		}
	}
}

func (s *Server) handleControl(sessionID string, data []byte, logger *slog.Logger) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn("bad control message", "error", err)
		return
	}

	switch msg.Type {
	case "start":
		s.engine.StartSession(sessionID)
	case "text":
		s.engine.IngestTextMessage(sessionID, msg.Text)
	case "manual_mode":
		s.engine.SetManualMode(sessionID, msg.Enabled)
	case "flush":
		s.engine.TriggerManualFlush(sessionID)
	case "cancel":
		s.engine.CancelTurn(sessionID)
	case "stop":
		s.engine.StopSession(sessionID)
	default:
		logger.Warn("unknown control message", "type", msg.Type)
	}
}
