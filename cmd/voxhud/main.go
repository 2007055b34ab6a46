// voxhud is the audio-to-answer backend: it accepts microphone audio
// over WebSocket, segments speech, transcribes it and streams LLM
// answers to a display renderer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/voxhud/voxhud/internal/config"
	"github.com/voxhud/voxhud/internal/log"
	"github.com/voxhud/voxhud/pkg/bridge"
	"github.com/voxhud/voxhud/pkg/engine"
	"github.com/voxhud/voxhud/pkg/generate"
	"github.com/voxhud/voxhud/pkg/keypool"
	"github.com/voxhud/voxhud/pkg/llm"
	"github.com/voxhud/voxhud/pkg/server"
	"github.com/voxhud/voxhud/pkg/session"
	"github.com/voxhud/voxhud/pkg/transcribe"
	"github.com/voxhud/voxhud/pkg/vad"
)

func main() {
	cfg := parseFlags()
	log.Init(cfg.LogLevel)
	logger := log.L()

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration invalid", "error", err)
		os.Exit(1)
	}

	var store keypool.BlockStore
	if cfg.RedisAddr != "" {
		store = keypool.NewRedisStore(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}))
	} else {
		fileStore, err := keypool.NewFileStore(cfg.BlockStorePath)
		if err != nil {
			logger.Error("block store init failed", "error", err)
			os.Exit(1)
		}
		store = fileStore
	}

	pool, err := keypool.NewPool(keypool.DefaultConfig(), cfg.Buckets, store, logger)
	if err != nil {
		logger.Error("credential pool init failed", "error", err)
		os.Exit(1)
	}

	client := llm.NewClient(
		llm.WithBaseURL(cfg.APIBaseURL),
		llm.WithLogger(logger),
	)

	sessions := session.NewRegistry(0, logger)

	transcribeCfg := transcribe.DefaultConfig()
	transcribeCfg.Model = cfg.TranscribeModel
	transcriber := transcribe.NewPipeline(pool, client, nil, transcribeCfg, logger)

	generator := generate.NewPipeline(pool, client,
		generate.DefaultRouter(cfg.ChatModel, cfg.SmartModel),
		bridge.NewEnvSettings(), generate.DefaultConfig(), logger)

	var renderer bridge.Renderer = bridge.NopRenderer{}
	if cfg.RendererURL != "" {
		renderer = bridge.NewWSRenderer(cfg.RendererURL, logger)
	}

	var turns bridge.TurnLog = bridge.NopTurnLog{}
	if cfg.TurnLogPath != "" {
		fileLog, err := bridge.NewFileTurnLog(cfg.TurnLogPath, logger)
		if err != nil {
			logger.Warn("turn log disabled", "error", err)
		} else {
			turns = fileLog
		}
	}

	gate := vad.NewGate(vad.DefaultConfig(), logger)
	eng := engine.New(sessions, gate, transcriber, generator, renderer, turns, engine.DefaultConfig(), logger)
	defer eng.Shutdown()

	srv := server.New(eng, sessions, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		port, _ := strconv.Atoi(cfg.Port)
		errCh <- srv.Listen(port)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		srv.Shutdown()
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}
}

// parseFlags parses command line flags and applies environment
// overrides.
func parseFlags() config.Config {
	cfg := config.DefaultConfig()

	port := flag.String("port", cfg.Port, "HTTP/WebSocket listen port")
	logLevel := flag.String("log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	baseURL := flag.String("api-base-url", "", "OpenAI-compatible API base URL (overrides API_BASE_URL)")
	rendererURL := flag.String("renderer-url", "", "Renderer WebSocket URL (overrides RENDERER_WS_URL)")
	flag.Parse()

	cfg.Port, cfg.LogLevel = *port, *logLevel
	cfg.LoadEnv()
	if *baseURL != "" {
		cfg.APIBaseURL = *baseURL
	}
	if *rendererURL != "" {
		cfg.RendererURL = *rendererURL
	}
	return cfg
}
