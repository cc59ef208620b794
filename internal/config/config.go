// Package config loads the startup configuration from config.json. The file
// is read once at boot and never hot-reloaded; the hot-reloaded policy file
// is owned by the policy package and must not be conflated with this one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/valetbot/valet/internal/paths"
)

// Config is the merged runtime configuration.
type Config struct {
	Channels ChannelsConfig `json:"channels"`
	LLM      LLMConfig      `json:"llm"`
	Pipeline PipelineConfig `json:"pipeline"`
	Archive  ArchiveConfig  `json:"archive"`
	Memory   MemoryConfig   `json:"memory"`
	Bridge   BridgeConfig   `json:"bridge"`
}

type ChannelsConfig struct {
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
	Feishu   FeishuConfig   `json:"feishu"`
}

type WhatsAppConfig struct {
	Enabled          bool   `json:"enabled"`
	BridgeURL        string `json:"bridgeUrl"`
	DebounceWindowMs int    `json:"debounceWindowMs"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
}

type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
}

type FeishuConfig struct {
	Enabled   bool   `json:"enabled"`
	AppID     string `json:"appId"`
	AppSecret string `json:"appSecret"`
}

// LLMConfig covers the responder plus the embedding, TTS and ASR routes.
// All routes speak the OpenAI-compatible API.
type LLMConfig struct {
	APIKey           string `json:"apiKey"`
	BaseURL          string `json:"baseUrl"`
	Model            string `json:"model"`
	EmbeddingModel   string `json:"embeddingModel"`
	TTSModel         string `json:"ttsModel"`
	TTSVoice         string `json:"ttsVoice"`
	ASRModel         string `json:"asrModel"`
	TimeoutSeconds   int    `json:"timeoutSeconds"`
	TTSTimeoutSecs   int    `json:"ttsTimeoutSeconds"`
	EmbedTimeoutSecs int    `json:"embedTimeoutSeconds"`
}

type PipelineConfig struct {
	DedupTTLMinutes         int      `json:"dedupTtlMinutes"`
	DedupMaxSize            int      `json:"dedupMaxSize"`
	ReplyContextWindowLimit int      `json:"replyContextWindowLimit"`
	AmbientWindowLimit      int      `json:"ambientWindowLimit"`
	IdeaWords               []string `json:"ideaWords"`
	BacklogWords            []string `json:"backlogWords"`
}

type ArchiveConfig struct {
	RetentionDays int    `json:"retentionDays"`
	SweepSchedule string `json:"sweepSchedule"`
}

type MemoryConfig struct {
	CaptureChannels     []string  `json:"captureChannels"`
	CaptureAssistant    bool      `json:"captureAssistant"`
	MinConfidence       float64   `json:"minConfidence"`
	MinSalience         float64   `json:"minSalience"`
	OwnerOnlyPreference bool      `json:"ownerOnlyPreference"`
	RecallWeights       []float64 `json:"recallWeights"`
	RecencyHalfLifeDays float64   `json:"recencyHalfLifeDays"`
	VectorEnabled       bool      `json:"vectorEnabled"`
}

// BridgeConfig is the loopback bridge listener config. Env vars override
// file values: BRIDGE_HOST, BRIDGE_PORT, BRIDGE_TOKEN, plus the WhatsApp
// behavior toggles.
type BridgeConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	Token               string `json:"token"`
	AcceptFromMe        bool   `json:"acceptFromMe"`
	ReadReceipts        bool   `json:"readReceipts"`
	PersistInboundAudio bool   `json:"persistInboundAudio"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{BridgeURL: "ws://127.0.0.1:8791/ws", DebounceWindowMs: 2000},
		},
		LLM: LLMConfig{
			Model:            "gpt-4o-mini",
			EmbeddingModel:   "text-embedding-3-small",
			TTSModel:         "tts-1",
			TTSVoice:         "alloy",
			ASRModel:         "whisper-1",
			TimeoutSeconds:   120,
			TTSTimeoutSecs:   60,
			EmbedTimeoutSecs: 30,
		},
		Pipeline: PipelineConfig{
			DedupTTLMinutes:         10,
			DedupMaxSize:            5000,
			ReplyContextWindowLimit: 6,
			AmbientWindowLimit:      8,
			IdeaWords:               []string{"idea", "idee", "ideia", "idée"},
			BacklogWords:            []string{"backlog", "todo"},
		},
		Archive: ArchiveConfig{
			RetentionDays: 30,
			SweepSchedule: "30 4 * * *",
		},
		Memory: MemoryConfig{
			CaptureChannels:     []string{"whatsapp", "telegram", "discord", "feishu"},
			MinConfidence:       0.5,
			MinSalience:         0.3,
			OwnerOnlyPreference: true,
			RecallWeights:       []float64{0.35, 0.35, 0.15, 0.15},
			RecencyHalfLifeDays: 30,
		},
		Bridge: BridgeConfig{
			Host:         "127.0.0.1",
			Port:         8791,
			ReadReceipts: true,
		},
	}
}

// Load reads config.json (local dir first, then the config root) over the
// defaults, then applies environment overrides.
func Load() (*Config, error) {
	cfg := Defaults()

	path, err := paths.ConfigPath()
	if err != nil {
		return nil, err
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BRIDGE_HOST"); v != "" {
		c.Bridge.Host = v
	}
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Bridge.Port = port
		}
	}
	if v := os.Getenv("BRIDGE_TOKEN"); v != "" {
		c.Bridge.Token = v
	}
	if v := os.Getenv("WHATSAPP_ACCEPT_FROM_ME"); v != "" {
		c.Bridge.AcceptFromMe = envBool(v)
	}
	if v := os.Getenv("WHATSAPP_READ_RECEIPTS"); v != "" {
		c.Bridge.ReadReceipts = envBool(v)
	}
	if v := os.Getenv("WHATSAPP_PERSIST_INBOUND_AUDIO"); v != "" {
		c.Bridge.PersistInboundAudio = envBool(v)
	}
}

func envBool(v string) bool {
	switch v {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// RecallWeights returns the four recall weights (lex, vec, sal, rec),
// falling back to defaults when the configured slice is malformed.
func (m *MemoryConfig) Weights() (wLex, wVec, wSal, wRec float64) {
	if len(m.RecallWeights) == 4 {
		return m.RecallWeights[0], m.RecallWeights[1], m.RecallWeights[2], m.RecallWeights[3]
	}
	return 0.35, 0.35, 0.15, 0.15
}
