package main

import (
	"time"

	"github.com/voicebroker/broker/internal/env"
	"github.com/voicebroker/broker/internal/prompts"
	"github.com/voicebroker/broker/internal/validator"
)

// tuning holds knobs loaded from broker.json, the same "values that may
// eventually move to a database, kept in a JSON file for now" split the
// teacher's gateway.json used.
type tuning struct {
	LLMSystemPrompt      string  `json:"llm_system_prompt"`
	LLMMaxTokens         int     `json:"llm_max_tokens"`
	ASRPoolSize          int     `json:"asr_pool_size"`
	LLMPoolSize          int     `json:"llm_pool_size"`
	TTSPoolSize          int     `json:"tts_pool_size"`
	EnergyThreshold      float64 `json:"energy_threshold"`
	SpeechRatioThreshold float64 `json:"speech_ratio_threshold"`
	VADMode              int     `json:"vad_mode"`
	OpenAIURL            string  `json:"openai_url"`
	OpenAIModel          string  `json:"openai_model"`
	AnthropicURL         string  `json:"anthropic_url"`
	AnthropicModel       string  `json:"anthropic_model"`
}

func defaultTuning() tuning {
	return tuning{
		LLMSystemPrompt:      prompts.DefaultSystem,
		LLMMaxTokens:         512,
		ASRPoolSize:          50,
		LLMPoolSize:          50,
		TTSPoolSize:          50,
		EnergyThreshold:      validator.DefaultConfig().EnergyThreshold,
		SpeechRatioThreshold: validator.DefaultConfig().SpeechRatioThreshold,
		VADMode:              validator.DefaultConfig().VADMode,
		OpenAIURL:            "https://api.openai.com",
		OpenAIModel:          "gpt-4.1-nano",
		AnthropicURL:         "https://api.anthropic.com",
		AnthropicModel:       "claude-sonnet-4-5",
	}
}

// config collects the deployment-level env vars: URLs, ports, keys,
// broker-level limits. Separate from tuning, which governs model/validator
// behavior rather than where things run.
type config struct {
	port             string
	allowedOrigins   []string
	maxSessions      int
	idleTimeout      time.Duration
	maxTurnDuration  time.Duration
	turnLogDir       string
	redisAddr        string
	redisPassword    string
	redisDB          int
	postgresURL      string
	ollamaURL        string
	ollamaModel      string
	piperURL         string
	whisperServerURL string
	openaiAPIKey     string
	anthropicAPIKey  string
	transcoderURL    string
}

func loadConfig() config {
	return config{
		port:             env.Str("BROKER_PORT", "8000"),
		allowedOrigins:   env.List("BROKER_ALLOWED_ORIGINS"),
		maxSessions:      env.Int("BROKER_MAX_SESSIONS", 100),
		idleTimeout:      env.Duration("BROKER_IDLE_TIMEOUT", 15*time.Minute),
		maxTurnDuration:  env.Duration("BROKER_MAX_TURN_DURATION", 60*time.Second),
		turnLogDir:       env.Str("TURN_LOG_DIR", "./data/turns"),
		redisAddr:        env.Str("REDIS_ADDR", ""),
		redisPassword:    env.Str("REDIS_PASSWORD", ""),
		redisDB:          env.Int("REDIS_DB", 0),
		postgresURL:      env.Str("POSTGRES_URL", ""),
		ollamaURL:        env.Str("OLLAMA_URL", "http://localhost:11434"),
		ollamaModel:      env.Str("OLLAMA_MODEL", "llama3.2:3b"),
		piperURL:         env.Str("PIPER_URL", "http://localhost:5100"),
		whisperServerURL: env.Str("WHISPER_SERVER_URL", ""),
		openaiAPIKey:     env.Str("OPENAI_API_KEY", ""),
		anthropicAPIKey:  env.Str("ANTHROPIC_API_KEY", ""),
		transcoderURL:    env.Str("TRANSCODER_URL", ""),
	}
}
