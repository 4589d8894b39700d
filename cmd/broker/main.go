package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlpodyssey/openai-agents-go/agents"
	"github.com/openai/openai-go/v2/packages/param"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicebroker/broker/internal/adapters"
	"github.com/voicebroker/broker/internal/audio"
	"github.com/voicebroker/broker/internal/broker"
	"github.com/voicebroker/broker/internal/pipeline"
	"github.com/voicebroker/broker/internal/prompts"
	"github.com/voicebroker/broker/internal/protocol"
	"github.com/voicebroker/broker/internal/turnlog"
)

// loadTuning reads broker.json if present, otherwise returns defaults, the
// same shape as the teacher's gateway.json loader.
func loadTuning(path string) tuning {
	t := defaultTuning()
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Info("no config file, using defaults", "path", path)
		return t
	}
	if err = json.Unmarshal(data, &t); err != nil {
		slog.Warn("bad config file, using defaults", "path", path, "error", err)
		return defaultTuning()
	}
	slog.Info("loaded config", "path", path)
	return t
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	t := loadTuning("broker.json")
	cfg := loadConfig()

	turnLog, err := turnlog.Open(cfg.turnLogDir)
	if err != nil {
		slog.Error("turn log open failed", "error", err)
		os.Exit(1)
	}
	defer turnLog.Close()

	cache := initCache(cfg)
	defer closeCache(cache)

	pgPersistence := initPersistence(cfg)
	var persistence adapters.Persistence
	if pgPersistence != nil {
		defer pgPersistence.Close()
		persistence = pgPersistence
	}

	asrAdapter := pipeline.NewASRAdapter(pipeline.NewASRClient(cfg.whisperServerURL, t.ASRPoolSize))
	ttsAdapter := pipeline.NewTTSAdapter(pipeline.NewTTSClient(cfg.piperURL, t.TTSPoolSize), "fast", pipeline.TTSCallTimeout)
	agentAdapter := pipeline.NewAgentAdapter(initLLM(cfg, t), prompts.ForSession(t.LLMSystemPrompt), "", "ollama")

	var transcoder audio.Transcoder
	if cfg.transcoderURL != "" {
		transcoder = audio.NewHTTPTranscoder(cfg.transcoderURL)
	}

	turnPipeline := pipeline.New(pipeline.Config{
		ASR:             asrAdapter,
		Agent:           agentAdapter,
		TTS:             ttsAdapter,
		Persistence:     persistence,
		TurnLog:         turnLog,
		Transcoder:      transcoder,
		TTSFormat:       protocol.FormatWAV,
		MaxTurnDuration: cfg.maxTurnDuration,
	})

	defaultSettings := protocol.DefaultVoiceSettings()
	defaultSettings.BackendEnergyThreshold = t.EnergyThreshold
	defaultSettings.BackendSpeechRatioThreshold = t.SpeechRatioThreshold
	defaultSettings.BackendVADMode = t.VADMode

	b := broker.New(broker.Config{
		AllowedOrigins:  cfg.allowedOrigins,
		MaxSessions:     cfg.maxSessions,
		IdleTimeout:     cfg.idleTimeout,
		Starter:         turnPipeline,
		Cache:           cache,
		DefaultSettings: defaultSettings,
	})

	mux := http.NewServeMux()
	mux.Handle("/ws/voice", b)
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + cfg.port
	srv := &http.Server{Addr: addr, Handler: mux}

	go awaitShutdown(srv, b)

	slog.Info("broker starting", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("broker stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// awaitShutdown blocks until SIGINT/SIGTERM, then drains active sessions
// before the HTTP server stops accepting new ones.
func awaitShutdown(srv *http.Server, b *broker.Broker) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := b.Shutdown(ctx); err != nil {
		slog.Warn("broker shutdown", "error", err)
	}
	srv.Shutdown(ctx)
}

func initLLM(cfg config, t tuning) *pipeline.AgentLLM {
	router := pipeline.NewAgentLLM("ollama", t.LLMMaxTokens)
	router.Register("ollama", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
		BaseURL:      param.NewOpt(cfg.ollamaURL + "/v1/"),
		APIKey:       param.NewOpt("ollama"),
		UseResponses: param.NewOpt(false),
	}), cfg.ollamaModel)
	if cfg.openaiAPIKey != "" {
		router.Register("openai", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			BaseURL:      param.NewOpt(t.OpenAIURL + "/v1/"),
			APIKey:       param.NewOpt(cfg.openaiAPIKey),
			UseResponses: param.NewOpt(true),
		}), t.OpenAIModel)
	}
	if cfg.anthropicAPIKey != "" {
		router.Register("anthropic", agents.NewOpenAIProvider(agents.OpenAIProviderParams{
			BaseURL:      param.NewOpt(t.AnthropicURL + "/v1/"),
			APIKey:       param.NewOpt(cfg.anthropicAPIKey),
			UseResponses: param.NewOpt(false),
		}), t.AnthropicModel)
	}
	return router
}

func initCache(cfg config) adapters.Cache {
	if cfg.redisAddr == "" {
		slog.Info("cache backend: in-memory (no REDIS_ADDR set)")
		return adapters.NewInMemoryCache()
	}
	slog.Info("cache backend: redis", "addr", cfg.redisAddr)
	return adapters.NewRedisCache(cfg.redisAddr, cfg.redisPassword, cfg.redisDB)
}

func closeCache(cache adapters.Cache) {
	if closer, ok := cache.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			slog.Warn("cache close", "error", err)
		}
	}
}

func initPersistence(cfg config) *adapters.PostgresPersistence {
	if cfg.postgresURL == "" {
		return nil
	}
	p, err := adapters.OpenPostgresPersistence(cfg.postgresURL)
	if err != nil {
		slog.Error("persistence open failed, continuing without it", "error", err)
		return nil
	}
	slog.Info("persistence mirror enabled", "postgres", cfg.postgresURL)
	return p
}
