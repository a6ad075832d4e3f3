// Package config loads the bridge configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"

	"github.com/vango-go/voice-bridge/pkg/bridge/audio"
	"github.com/vango-go/voice-bridge/pkg/bridge/realtime"
)

// DefaultInstructions is the system prompt for the travel assistant.
const DefaultInstructions = `You are a friendly travel planning assistant helping users plan their trips through natural voice conversation.

Your capabilities:
- Plan multi-day itineraries for any city
- Explain specific days or give overviews
- Suggest modifications to existing plans
- Answer questions about destinations

Important guidelines:
- Be conversational and natural, as this is a voice conversation
- Keep responses concise but informative
- When you need both city and days to plan a trip, ask naturally
- Use the plan_trip function when you have both parameters
- Use explain_day to describe existing itineraries
- Be enthusiastic about travel and destinations
- If interrupted, gracefully adapt to the new input`

const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

var (
	validVoices        = []string{"alloy", "echo", "fable", "onyx", "nova", "shimmer"}
	validAudioFormats  = []string{"pcm16", "g711_ulaw", "g711_alaw"}
	validLogFormats    = []string{"text", "json"}
	validLogLevels     = []string{"debug", "info", "warn", "error"}
	validItineraryAPIs = []string{ProviderOpenAI, ProviderGemini}
)

type Config struct {
	Addr string `env:"VOICE_BRIDGE_ADDR"`
	Port int    `env:"PORT" envDefault:"3000"`

	OpenAIAPIKey          string  `env:"OPENAI_API_KEY"`
	RealtimeModel         string  `env:"OPENAI_REALTIME_MODEL" envDefault:"gpt-4o-realtime-preview-2024-12-17"`
	RealtimeURL           string  `env:"OPENAI_REALTIME_URL" envDefault:"wss://api.openai.com/v1/realtime"`
	Voice                 string  `env:"REALTIME_VOICE" envDefault:"alloy"`
	Temperature           float64 `env:"REALTIME_TEMPERATURE" envDefault:"0.8"`
	MaxResponseDurationMS int     `env:"REALTIME_MAX_RESPONSE_DURATION_MS" envDefault:"30000"`
	MaxOutputTokens       int     `env:"REALTIME_MAX_OUTPUT_TOKENS" envDefault:"4096"`
	VADThreshold          float64 `env:"REALTIME_VAD_THRESHOLD" envDefault:"0.5"`
	VADPrefixMS           int     `env:"REALTIME_VAD_PREFIX_MS" envDefault:"300"`
	VADSilenceMS          int     `env:"REALTIME_VAD_SILENCE_MS" envDefault:"500"`
	SessionTimeoutSeconds int     `env:"REALTIME_SESSION_TIMEOUT_SECONDS" envDefault:"600"`
	MaxConcurrentSessions int     `env:"MAX_CONCURRENT_REALTIME_SESSIONS" envDefault:"50"`
	RateLimitPerIP        int     `env:"REALTIME_RATE_LIMIT_PER_IP" envDefault:"10"`
	InputAudioFormat      string  `env:"AUDIO_INPUT_FORMAT" envDefault:"pcm16"`
	OutputAudioFormat     string  `env:"AUDIO_OUTPUT_FORMAT" envDefault:"pcm16"`
	SampleRate            int     `env:"AUDIO_SAMPLE_RATE" envDefault:"24000"`
	Instructions          string  `env:"REALTIME_INSTRUCTIONS"`
	TranscriptionModel    string  `env:"REALTIME_TRANSCRIPTION_MODEL" envDefault:"whisper-1"`

	ItineraryProvider string `env:"ITINERARY_PROVIDER" envDefault:"openai"`
	ChatModel         string `env:"OPENAI_CHAT_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`
	GeminiAPIKey      string `env:"GEMINI_API_KEY"`
	GeminiModel       string `env:"GEMINI_MODEL" envDefault:"gemini-2.0-flash"`
	GoogleMapsAPIKey  string `env:"GOOGLE_MAPS_API_KEY"`

	TrustProxyHeaders        bool          `env:"VOICE_BRIDGE_TRUST_PROXY_HEADERS" envDefault:"false"`
	CORSOrigins              []string      `env:"VOICE_BRIDGE_CORS_ORIGINS" envSeparator:","`
	ConnectRPS               float64       `env:"VOICE_BRIDGE_CONNECT_RPS" envDefault:"2"`
	ConnectBurst             int           `env:"VOICE_BRIDGE_CONNECT_BURST" envDefault:"10"`
	MaxConnectionsPerIP      int           `env:"VOICE_BRIDGE_MAX_CONNECTIONS_PER_IP" envDefault:"20"`
	WSMaxMessageBytes        int64         `env:"VOICE_BRIDGE_WS_MAX_MESSAGE_BYTES" envDefault:"1048576"`
	WSPingInterval           time.Duration `env:"VOICE_BRIDGE_WS_PING_INTERVAL" envDefault:"20s"`
	LogLevel                 string        `env:"VOICE_BRIDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat                string        `env:"VOICE_BRIDGE_LOG_FORMAT" envDefault:"text"`
	LogFile                  string        `env:"VOICE_BRIDGE_LOG_FILE"`
	ConnectTimeout           time.Duration `env:"VOICE_BRIDGE_CONNECT_TIMEOUT" envDefault:"10s"`
	FunctionTimeout          time.Duration `env:"VOICE_BRIDGE_FUNCTION_TIMEOUT" envDefault:"60s"`
	SweepInterval            time.Duration `env:"VOICE_BRIDGE_SWEEP_INTERVAL" envDefault:"30s"`
	ReadHeaderTimeout        time.Duration `env:"VOICE_BRIDGE_READ_HEADER_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout          time.Duration `env:"VOICE_BRIDGE_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	TracingEnabled           bool          `env:"VOICE_BRIDGE_TRACING" envDefault:"false"`
	TracingStdout            bool          `env:"VOICE_BRIDGE_TRACING_STDOUT" envDefault:"false"`
	OTLPEndpoint             string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	MetricsEnabled           bool          `env:"VOICE_BRIDGE_METRICS" envDefault:"true"`
	AllowMissingItineraryKey bool          `env:"VOICE_BRIDGE_ALLOW_MISSING_ITINERARY_KEY" envDefault:"false"`
}

// LoadFromEnv reads .env when present, parses the environment and validates
// the result.
func LoadFromEnv() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the process environment without touching .env.
func Parse() (Config, error) {
	return parse(nil)
}

// parse reads environ, or the process environment when environ is nil.
func parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.OpenAIAPIKey = strings.TrimSpace(c.OpenAIAPIKey)
	c.GeminiAPIKey = strings.TrimSpace(c.GeminiAPIKey)
	c.GoogleMapsAPIKey = strings.TrimSpace(c.GoogleMapsAPIKey)
	c.Voice = strings.ToLower(strings.TrimSpace(c.Voice))
	c.InputAudioFormat = strings.ToLower(strings.TrimSpace(c.InputAudioFormat))
	c.OutputAudioFormat = strings.ToLower(strings.TrimSpace(c.OutputAudioFormat))
	c.ItineraryProvider = strings.ToLower(strings.TrimSpace(c.ItineraryProvider))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if strings.TrimSpace(c.Instructions) == "" {
		c.Instructions = DefaultInstructions
	}

	origins := c.CORSOrigins[:0]
	for _, o := range c.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, strings.ToLower(strings.TrimRight(o, "/")))
		}
	}
	c.CORSOrigins = origins
}

func (c Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY must be set")
	}
	if !strings.HasPrefix(c.OpenAIAPIKey, "sk-") {
		return fmt.Errorf("OPENAI_API_KEY appears invalid (should start with 'sk-')")
	}
	if u, err := url.Parse(c.RealtimeURL); err != nil || (u.Scheme != "wss" && u.Scheme != "ws" && u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("OPENAI_REALTIME_URL must be a ws:// or wss:// URL")
	}
	if strings.TrimSpace(c.RealtimeModel) == "" {
		return fmt.Errorf("OPENAI_REALTIME_MODEL must not be empty")
	}
	if !slices.Contains(validVoices, c.Voice) {
		return fmt.Errorf("REALTIME_VOICE must be one of %s", strings.Join(validVoices, "|"))
	}
	if c.Temperature < 0.6 || c.Temperature > 1.2 {
		return fmt.Errorf("REALTIME_TEMPERATURE must be between 0.6 and 1.2")
	}
	if c.MaxResponseDurationMS < 0 {
		return fmt.Errorf("REALTIME_MAX_RESPONSE_DURATION_MS must be >= 0")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("REALTIME_MAX_OUTPUT_TOKENS must be > 0")
	}
	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("REALTIME_VAD_THRESHOLD must be between 0 and 1")
	}
	if c.VADPrefixMS < 0 {
		return fmt.Errorf("REALTIME_VAD_PREFIX_MS must be >= 0")
	}
	if c.VADSilenceMS <= 0 {
		return fmt.Errorf("REALTIME_VAD_SILENCE_MS must be > 0")
	}
	if c.SessionTimeoutSeconds <= 0 {
		return fmt.Errorf("REALTIME_SESSION_TIMEOUT_SECONDS must be > 0")
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_REALTIME_SESSIONS must be > 0")
	}
	if c.RateLimitPerIP <= 0 {
		return fmt.Errorf("REALTIME_RATE_LIMIT_PER_IP must be > 0")
	}
	if !slices.Contains(validAudioFormats, c.InputAudioFormat) {
		return fmt.Errorf("AUDIO_INPUT_FORMAT must be one of %s", strings.Join(validAudioFormats, "|"))
	}
	if !slices.Contains(validAudioFormats, c.OutputAudioFormat) {
		return fmt.Errorf("AUDIO_OUTPUT_FORMAT must be one of %s", strings.Join(validAudioFormats, "|"))
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be > 0")
	}

	if !slices.Contains(validItineraryAPIs, c.ItineraryProvider) {
		return fmt.Errorf("ITINERARY_PROVIDER must be one of %s", strings.Join(validItineraryAPIs, "|"))
	}
	if c.ItineraryProvider == ProviderGemini && c.GeminiAPIKey == "" && !c.AllowMissingItineraryKey {
		return fmt.Errorf("GEMINI_API_KEY must be set when ITINERARY_PROVIDER=gemini")
	}

	if c.Addr == "" && (c.Port <= 0 || c.Port > 65535) {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}
	if c.ConnectRPS < 0 {
		return fmt.Errorf("VOICE_BRIDGE_CONNECT_RPS must be >= 0")
	}
	if c.ConnectBurst < 0 {
		return fmt.Errorf("VOICE_BRIDGE_CONNECT_BURST must be >= 0")
	}
	if c.MaxConnectionsPerIP < 0 {
		return fmt.Errorf("VOICE_BRIDGE_MAX_CONNECTIONS_PER_IP must be >= 0")
	}
	if c.WSMaxMessageBytes <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("VOICE_BRIDGE_LOG_LEVEL must be one of %s", strings.Join(validLogLevels, "|"))
	}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		return fmt.Errorf("VOICE_BRIDGE_LOG_FORMAT must be one of %s", strings.Join(validLogFormats, "|"))
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_CONNECT_TIMEOUT must be > 0")
	}
	if c.FunctionTimeout <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_FUNCTION_TIMEOUT must be > 0")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_SWEEP_INTERVAL must be > 0")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("VOICE_BRIDGE_SHUTDOWN_TIMEOUT must be > 0")
	}
	return nil
}

// ListenAddr is VOICE_BRIDGE_ADDR, or :PORT when unset.
func (c Config) ListenAddr() string {
	if strings.TrimSpace(c.Addr) != "" {
		return c.Addr
	}
	return fmt.Sprintf(":%d", c.Port)
}

func (c Config) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutSeconds) * time.Second
}

// AllowedOrigins is the CORS and websocket origin allowlist. Empty allows all.
func (c Config) AllowedOrigins() map[string]struct{} {
	out := make(map[string]struct{}, len(c.CORSOrigins))
	for _, o := range c.CORSOrigins {
		out[o] = struct{}{}
	}
	return out
}

func (c Config) AudioFormat() audio.Format {
	f := audio.DefaultFormat()
	f.SampleRate = c.SampleRate
	return f
}

// Realtime is the upstream client template. Tools are added per session.
func (c Config) Realtime() realtime.Config {
	return realtime.Config{
		URL:    c.RealtimeURL,
		APIKey: c.OpenAIAPIKey,
		Model:  c.RealtimeModel,
		Session: realtime.SessionConfig{
			Modalities:              []string{"text", "audio"},
			Instructions:            c.Instructions,
			Voice:                   c.Voice,
			InputAudioFormat:        c.InputAudioFormat,
			OutputAudioFormat:       c.OutputAudioFormat,
			InputAudioTranscription: &realtime.Transcription{Model: c.TranscriptionModel},
			TurnDetection: &realtime.TurnDetection{
				Type:              "server_vad",
				Threshold:         c.VADThreshold,
				PrefixPaddingMS:   c.VADPrefixMS,
				SilenceDurationMS: c.VADSilenceMS,
				CreateResponse:    true,
				InterruptResponse: true,
			},
			Temperature:             c.Temperature,
			MaxResponseOutputTokens: c.MaxOutputTokens,
		},
		ConnectTimeout:      c.ConnectTimeout,
		PingInterval:        c.WSPingInterval,
		MaxResponseDuration: time.Duration(c.MaxResponseDurationMS) * time.Millisecond,
	}
}
