// Package bridge holds the outward-facing adapters: the display renderer
// link, turn persistence and runtime settings. Everything here is
// fire-and-forget from the pipeline's point of view; a slow or absent
// renderer never stalls audio processing.
package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	rendererKeepalive  = 30 * time.Second
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

// Renderer delivers pipeline output to the display surface.
type Renderer interface {
	// SendStatus reports pipeline state transitions (listening,
	// transcribing, generating, cancelled).
	SendStatus(sessionID, status string)

	// SendTranscript delivers an accepted transcript before generation.
	SendTranscript(sessionID, text string)

	// SendToken delivers one streamed answer delta.
	SendToken(sessionID, token string)

	// SendFinalAnswer delivers the completed answer.
	SendFinalAnswer(sessionID, text string)

	Close() error
}

// rendererMessage is the wire format for the renderer link.
type rendererMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Text      string `json:"text,omitempty"`
}

// WSRenderer pushes renderer messages over an outbound WebSocket. Sends
// never block: when the buffer is full or the link is down, messages are
// dropped and the connection re-established in the background.
type WSRenderer struct {
	url    string
	logger *slog.Logger

	conn      *websocket.Conn
	connMu    sync.Mutex
	connected bool

	reconnecting bool

	sendCh  chan rendererMessage
	closeCh chan struct{}
	stop    sync.Once
}

// NewWSRenderer connects to the renderer at url. The initial dial failure
// is not fatal; the renderer keeps retrying in the background.
func NewWSRenderer(url string, logger *slog.Logger) *WSRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	r := &WSRenderer{
		url:     url,
		logger:  logger.With("component", "bridge.renderer"),
		sendCh:  make(chan rendererMessage, 256),
		closeCh: make(chan struct{}),
	}
	if err := r.dial(); err != nil {
		r.logger.Warn("renderer unavailable, retrying in background", "error", err)
		r.handleDisconnect()
	}
	go r.writeLoop()
	go r.keepaliveLoop()
	return r
}

func (r *WSRenderer) dial() error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.Dial(r.url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("renderer dial failed (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("renderer dial failed: %w", err)
	}
	r.conn = conn
	r.connected = true
	r.logger.Info("renderer connected", "url", r.url)
	return nil
}

// SendStatus implements Renderer.
func (r *WSRenderer) SendStatus(sessionID, status string) {
	r.send(rendererMessage{Type: "status", SessionID: sessionID, Text: status})
}

// SendTranscript implements Renderer.
func (r *WSRenderer) SendTranscript(sessionID, text string) {
	r.send(rendererMessage{Type: "transcript", SessionID: sessionID, Text: text})
}

// SendToken implements Renderer.
func (r *WSRenderer) SendToken(sessionID, token string) {
	r.send(rendererMessage{Type: "token", SessionID: sessionID, Text: token})
}

// SendFinalAnswer implements Renderer.
func (r *WSRenderer) SendFinalAnswer(sessionID, text string) {
	r.send(rendererMessage{Type: "answer", SessionID: sessionID, Text: text})
}

func (r *WSRenderer) send(msg rendererMessage) {
	select {
	case r.sendCh <- msg:
	case <-r.closeCh:
	default:
		r.logger.Warn("renderer buffer full, dropping message", "type", msg.Type)
	}
}

func (r *WSRenderer) writeLoop() {
	for {
		select {
		case <-r.closeCh:
			return
		case msg := <-r.sendCh:
			r.connMu.Lock()
			conn := r.conn
			connected := r.connected
			r.connMu.Unlock()

			if !connected || conn == nil {
				continue
			}

			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				r.logger.Error("renderer write failed", "error", err)
				r.handleDisconnect()
			}
		}
	}
}

func (r *WSRenderer) keepaliveLoop() {
	ticker := time.NewTicker(rendererKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.connMu.Lock()
			conn := r.conn
			connected := r.connected
			r.connMu.Unlock()

			if !connected || conn == nil {
				continue
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.logger.Warn("renderer keepalive failed", "error", err)
				r.handleDisconnect()
			}
		}
	}
}

func (r *WSRenderer) handleDisconnect() {
	r.connMu.Lock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	r.connected = false
	wasReconnecting := r.reconnecting
	r.reconnecting = true
	r.connMu.Unlock()

	if !wasReconnecting {
		go r.reconnectLoop()
	}
}

func (r *WSRenderer) reconnectLoop() {
	delay := reconnectBaseDelay

	for {
		select {
		case <-r.closeCh:
			return
		default:
		}

		time.Sleep(delay)
		if err := r.dial(); err != nil {
			r.logger.Warn("renderer reconnect failed", "error", err, "next_delay", delay)
			delay *= 2
			if delay > reconnectMaxDelay {
				delay = reconnectMaxDelay
			}
			continue
		}

		r.connMu.Lock()
		r.reconnecting = false
		r.connMu.Unlock()
		return
	}
}

// Close shuts the link down.
func (r *WSRenderer) Close() error {
	r.stop.Do(func() { close(r.closeCh) })

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.conn != nil {
		r.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		r.conn.Close()
		r.conn = nil
	}
	r.connected = false
	return nil
}

// NopRenderer discards all output. Used when no renderer is configured.
type NopRenderer struct{}

func (NopRenderer) SendStatus(string, string)      {}
func (NopRenderer) SendTranscript(string, string)  {}
func (NopRenderer) SendToken(string, string)       {}
func (NopRenderer) SendFinalAnswer(string, string) {}
func (NopRenderer) Close() error                   { return nil }
