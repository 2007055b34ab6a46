package bridge

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/voxhud/voxhud/pkg/session"
)

// TurnLog records completed exchanges. Saves are asynchronous so the
// answer path never waits on disk.
type TurnLog interface {
	SaveTurn(sessionID string, turn session.Turn)
	Close() error
}

// turnRecord is one JSONL line in the turn log.
type turnRecord struct {
	SessionID string `json:"session_id"`
	session.Turn
}

// FileTurnLog appends turns to a JSONL file from a single writer
// goroutine.
type FileTurnLog struct {
	file   *os.File
	logger *slog.Logger

	records chan turnRecord
	quit    chan struct{}
	done    chan struct{}
	stop    sync.Once
}

// NewFileTurnLog opens (or creates) the turn log at path.
func NewFileTurnLog(path string, logger *slog.Logger) (*FileTurnLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("bridge: create turn log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bridge: open turn log: %w", err)
	}

	l := &FileTurnLog{
		file:    f,
		logger:  logger.With("component", "bridge.turnlog"),
		records: make(chan turnRecord, 128),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go l.writeLoop()
	return l, nil
}

// SaveTurn queues the turn for writing. Drops when the queue is full or
// the log is closed; detached turn goroutines may still be finishing
// during shutdown, so a late save is a no-op rather than a panic.
func (l *FileTurnLog) SaveTurn(sessionID string, turn session.Turn) {
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.records <- turnRecord{SessionID: sessionID, Turn: turn}:
	case <-l.quit:
	default:
		l.logger.Warn("turn log queue full, dropping turn", "session", sessionID)
	}
}

func (l *FileTurnLog) writeLoop() {
	defer close(l.done)
	enc := json.NewEncoder(l.file)
	for {
		select {
		case rec := <-l.records:
			if err := enc.Encode(rec); err != nil {
				l.logger.Error("turn log write failed", "error", err)
			}
		case <-l.quit:
			for {
				select {
				case rec := <-l.records:
					if err := enc.Encode(rec); err != nil {
						l.logger.Error("turn log write failed", "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Close drains queued turns and closes the file.
func (l *FileTurnLog) Close() error {
	l.stop.Do(func() { close(l.quit) })
	<-l.done
	return l.file.Close()
}

// NopTurnLog discards turns.
type NopTurnLog struct{}

func (NopTurnLog) SaveTurn(string, session.Turn) {}
func (NopTurnLog) Close() error                  { return nil }
