package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"

	"github.com/stellarlinkco/threadbot/internal/metadata"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens       = 4096
	DefaultInstructions    = "You are toast, a friendly assistant living in a chat server. Answer concisely and use markdown."
	DefaultMaxChatLength   = 50
	DefaultSplitLimit      = 2000
	DefaultTelegramSplit   = 4000
	DefaultPollIntervalMs  = 50
	DefaultPollMaxTries    = 200
	DefaultBufSize         = 100
	DefaultMaxInFlight     = 16
	DefaultSweeperSchedule = "@every 5m"
	DefaultAdminHost       = "127.0.0.1"
	DefaultAdminPort       = 18791
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultChatPerMinute   = 6
	DefaultChatBurst       = 3
	DefaultBotName         = "toast"
	DefaultImageModel      = "dall-e-3"
	DefaultImageSize       = "1024x1024"
	DefaultImageQuality    = "hd"

	DefaultFooter = "Hello! This message sets up some metadata for our conversation. " +
		"Please wait for my response before sending additional messages. " +
		"Please do not delete messages because that will mess up my processing. " +
		"Chat with me by sending messages to this thread! *Beep Boop*"
)

type Config struct {
	Discord  DiscordConfig  `json:"discord"`
	Telegram TelegramConfig `json:"telegram"`
	Provider ProviderConfig `json:"provider"`
	Agent    AgentConfig    `json:"agent"`
	Image    ImageConfig    `json:"image"`
	Thread   ThreadConfig   `json:"thread"`
	Gateway  GatewayConfig  `json:"gateway"`
	Sweeper  SweeperConfig  `json:"sweeper"`
	Admin    AdminConfig    `json:"admin"`
	Log      LogConfig      `json:"log"`
}

type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token"`
	ClientID string `json:"clientId,omitempty"`
	BotName  string `json:"botName,omitempty"`
	// ChatPerMinute and ChatBurst throttle /chat per user.
	ChatPerMinute float64 `json:"chatPerMinute"`
	ChatBurst     int     `json:"chatBurst"`
}

type TelegramConfig struct {
	Enabled    bool     `json:"enabled"`
	Token      string   `json:"token"`
	AllowFrom  []string `json:"allowFrom"`
	Proxy      string   `json:"proxy,omitempty"`
	SplitLimit int      `json:"splitLimit,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AgentConfig struct {
	Model        string   `json:"model"`
	MaxTokens    int      `json:"maxTokens"`
	Temperature  *float64 `json:"temperature,omitempty"`
	Instructions string   `json:"instructions"`
}

// ImageConfig drives /image. Generation needs an OpenAI key even when the
// chat provider is Anthropic.
type ImageConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"apiKey,omitempty"`
	BaseURL string `json:"baseUrl,omitempty"`
	Model   string `json:"model"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
}

type ThreadConfig struct {
	MaxChatLength  int    `json:"maxChatLength"`
	SplitLimit     int    `json:"splitLimit"`
	PollIntervalMs int    `json:"pollIntervalMs"`
	PollMaxTries   uint   `json:"pollMaxTries"`
	Footer         string `json:"footer"`
}

// PollInterval is PollIntervalMs as a duration.
func (t ThreadConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

type GatewayConfig struct {
	BufSize     int `json:"bufSize"`
	MaxInFlight int `json:"maxInFlight"`
}

type SweeperConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
}

type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "console"
}

func DefaultConfig() *Config {
	return &Config{
		Discord: DiscordConfig{
			Enabled:       true,
			BotName:       DefaultBotName,
			ChatPerMinute: DefaultChatPerMinute,
			ChatBurst:     DefaultChatBurst,
		},
		Telegram: TelegramConfig{
			SplitLimit: DefaultTelegramSplit,
		},
		Agent: AgentConfig{
			Model:        DefaultModel,
			MaxTokens:    DefaultMaxTokens,
			Instructions: DefaultInstructions,
		},
		Image: ImageConfig{
			Enabled: true,
			Model:   DefaultImageModel,
			Size:    DefaultImageSize,
			Quality: DefaultImageQuality,
		},
		Thread: ThreadConfig{
			MaxChatLength:  DefaultMaxChatLength,
			SplitLimit:     DefaultSplitLimit,
			PollIntervalMs: DefaultPollIntervalMs,
			PollMaxTries:   DefaultPollMaxTries,
			Footer:         DefaultFooter,
		},
		Gateway: GatewayConfig{
			BufSize:     DefaultBufSize,
			MaxInFlight: DefaultMaxInFlight,
		},
		Sweeper: SweeperConfig{
			Enabled:  true,
			Schedule: DefaultSweeperSchedule,
		},
		Admin: AdminConfig{
			Host: DefaultAdminHost,
			Port: DefaultAdminPort,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".threadbot")
}

func ConfigPath() string {
	if p := os.Getenv("THREADBOT_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "read config")
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}

	applyEnv(cfg)
	fillDefaults(cfg)
	return cfg, nil
}

// applyEnv layers environment overrides on top of the file. THREADBOT_*
// names win over the legacy names.
func applyEnv(cfg *Config) {
	if token := firstEnv("THREADBOT_DISCORD_TOKEN", "DISCORD_TOKEN"); token != "" {
		cfg.Discord.Token = token
	}
	if id := firstEnv("THREADBOT_DISCORD_CLIENT_ID", "DISCORD_CLIENT_ID"); id != "" {
		cfg.Discord.ClientID = id
	}
	if token := os.Getenv("THREADBOT_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}

	if key := os.Getenv("THREADBOT_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := firstEnv("OPENAI_API_KEY", "CHATGPT_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if key := firstEnv("THREADBOT_IMAGE_API_KEY", "OPENAI_API_KEY", "CHATGPT_KEY"); key != "" {
		cfg.Image.APIKey = key
	}
	if enabled := os.Getenv("THREADBOT_IMAGE_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Image.Enabled = parsed
		}
	}
	if url := os.Getenv("THREADBOT_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if typ := os.Getenv("THREADBOT_PROVIDER"); typ != "" {
		cfg.Provider.Type = typ
	}
	if model := os.Getenv("THREADBOT_MODEL"); model != "" {
		cfg.Agent.Model = model
	}
	if inst := firstEnv("THREADBOT_INSTRUCTIONS", "BOT_INSTRUCTIONS"); inst != "" {
		cfg.Agent.Instructions = inst
	}

	if n := os.Getenv("THREADBOT_MAX_CHAT_LENGTH"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.Thread.MaxChatLength = parsed
		}
	}
	if n := os.Getenv("THREADBOT_MAX_IN_FLIGHT"); n != "" {
		if parsed, err := strconv.Atoi(n); err == nil {
			cfg.Gateway.MaxInFlight = parsed
		}
	}
	if token := os.Getenv("THREADBOT_ADMIN_TOKEN"); token != "" {
		cfg.Admin.Token = token
	}
	if enabled := os.Getenv("THREADBOT_ADMIN_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Admin.Enabled = parsed
		}
	}
	if level := os.Getenv("THREADBOT_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("THREADBOT_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func fillDefaults(cfg *Config) {
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = DefaultModel
	}
	if cfg.Agent.MaxTokens <= 0 {
		cfg.Agent.MaxTokens = DefaultMaxTokens
	}
	if cfg.Thread.MaxChatLength <= 0 {
		cfg.Thread.MaxChatLength = DefaultMaxChatLength
	}
	if cfg.Thread.SplitLimit <= 0 {
		cfg.Thread.SplitLimit = DefaultSplitLimit
	}
	if cfg.Thread.PollIntervalMs <= 0 {
		cfg.Thread.PollIntervalMs = DefaultPollIntervalMs
	}
	if cfg.Thread.PollMaxTries == 0 {
		cfg.Thread.PollMaxTries = DefaultPollMaxTries
	}
	if cfg.Thread.Footer == "" {
		cfg.Thread.Footer = DefaultFooter
	}
	if cfg.Telegram.SplitLimit <= 0 {
		cfg.Telegram.SplitLimit = DefaultTelegramSplit
	}
	if cfg.Gateway.BufSize <= 0 {
		cfg.Gateway.BufSize = DefaultBufSize
	}
	if cfg.Gateway.MaxInFlight <= 0 {
		cfg.Gateway.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = DefaultSweeperSchedule
	}
	if cfg.Discord.BotName == "" {
		cfg.Discord.BotName = DefaultBotName
	}
	if cfg.Image.Model == "" {
		cfg.Image.Model = DefaultImageModel
	}
	if cfg.Image.Size == "" {
		cfg.Image.Size = DefaultImageSize
	}
	if cfg.Image.Quality == "" {
		cfg.Image.Quality = DefaultImageQuality
	}
	if cfg.Image.APIKey == "" && strings.EqualFold(cfg.Provider.Type, "openai") {
		cfg.Image.APIKey = cfg.Provider.APIKey
		if cfg.Image.BaseURL == "" {
			cfg.Image.BaseURL = cfg.Provider.BaseURL
		}
	}
}

// ImageReady reports whether /image can reach a generator.
func (c *Config) ImageReady() bool {
	return c.Image.Enabled && c.Image.APIKey != ""
}

// Validate reports configuration that would make serve fail later.
func (c *Config) Validate() error {
	if !c.Discord.Enabled && !c.Telegram.Enabled {
		return errors.New("no channel enabled")
	}
	if c.Discord.Enabled && c.Discord.Token == "" {
		return errors.New("discord enabled but token is empty")
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return errors.New("telegram enabled but token is empty")
	}
	if c.Provider.APIKey == "" {
		return errors.New("provider api key is empty")
	}
	switch strings.ToLower(c.Provider.Type) {
	case "", "anthropic", "openai":
	default:
		return errors.Errorf("unknown provider type %q", c.Provider.Type)
	}
	if strings.Contains(c.Thread.Footer, "\n") {
		return errors.New("thread footer must be a single line")
	}
	if c.Thread.Footer == metadata.BusyMarker {
		return errors.Errorf("thread footer cannot be %q", metadata.BusyMarker)
	}
	if c.Thread.SplitLimit <= 0 || c.Thread.MaxChatLength <= 0 {
		return errors.New("thread limits must be positive")
	}
	if c.Sweeper.Enabled {
		if _, err := cron.ParseStandard(c.Sweeper.Schedule); err != nil {
			return errors.Wrapf(err, "sweeper schedule %q", c.Sweeper.Schedule)
		}
	}
	if c.Admin.Enabled && c.Admin.Token == "" {
		return errors.New("admin api enabled without a token")
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := filepath.Dir(ConfigPath())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create config dir")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal config")
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}

func firstEnv(names ...string) string {
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}
