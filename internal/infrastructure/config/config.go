package config

import (
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"mailbot/internal/shared/logger"
)

type Config struct {
	Timezone  string          `mapstructure:"timezone"`
	IMAP      IMAPConfig      `mapstructure:"imap"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Prefix    PrefixConfig    `mapstructure:"prefix"`
	Translate TranslateConfig `mapstructure:"translate"`
	Summarize SummarizeConfig `mapstructure:"summarize"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Logger    logger.Config   `mapstructure:"logger"`
}

type IMAPConfig struct {
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
	SSL      bool   `mapstructure:"ssl"`
	Folder   string `mapstructure:"folder"`
}

func (c *IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}

type LLMConfig struct {
	APIBase                 string `mapstructure:"api_base"`
	APIKey                  string `mapstructure:"api_key"`
	TranslatorModel         string `mapstructure:"translator_model"`
	SummarizerModel         string `mapstructure:"summarizer_model"`
	RequestTimeoutSeconds   int    `mapstructure:"request_timeout_seconds"`
	TranslateTimeoutSeconds int    `mapstructure:"translate_timeout_seconds"`
	SummarizeTimeoutSeconds int    `mapstructure:"summarize_timeout_seconds"`
	TargetLang              string `mapstructure:"target_lang"`
	EnableThinking          bool   `mapstructure:"enable_thinking"`
	ThinkingBudget          int    `mapstructure:"thinking_budget"`
	Mock                    bool   `mapstructure:"mock"`
}

// TranslateTimeout falls back to the generic request timeout when the
// per-operation value is unset.
func (c *LLMConfig) TranslateTimeout() int {
	if c.TranslateTimeoutSeconds > 0 {
		return c.TranslateTimeoutSeconds
	}
	return c.RequestTimeoutSeconds
}

func (c *LLMConfig) SummarizeTimeout() int {
	if c.SummarizeTimeoutSeconds > 0 {
		return c.SummarizeTimeoutSeconds
	}
	return c.RequestTimeoutSeconds
}

// PrefixConfig holds the subject prefixes stamped on generated mail. Messages
// already carrying either prefix are never picked up again as sources.
type PrefixConfig struct {
	Translate string `mapstructure:"translate"`
	Summarize string `mapstructure:"summarize"`
}

func (p *PrefixConfig) All() []string {
	return []string{p.Translate, p.Summarize}
}

type TranslateConfig struct {
	Folders            []string `mapstructure:"folders"`
	MaxPerRunPerFolder int      `mapstructure:"max_per_run_per_folder"`
	InboxKeywords      []string `mapstructure:"inbox_keywords"`
	InboxFrom          []string `mapstructure:"inbox_from"`
	BatchSize          int      `mapstructure:"batch_size"`
	IntervalMinutes    int      `mapstructure:"interval_minutes"`
	Strategy           string   `mapstructure:"strategy"`
	Force              bool     `mapstructure:"force"`
	TranslateProtected bool     `mapstructure:"translate_protected"`
}

type SummarizeConfig struct {
	Folders        []string `mapstructure:"folders"`
	Cron           []string `mapstructure:"cron"`
	BatchSize      int      `mapstructure:"batch_size"`
	ChunkTokens    int      `mapstructure:"chunk_tokens"`
	AfterTranslate bool     `mapstructure:"after_translate"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	TokensPerMinute   int `mapstructure:"tokens_per_minute"`
	Workers           int `mapstructure:"workers"`
	MaxAttempts       int `mapstructure:"max_attempts"`
}

var (
	appConfig *Config
	appMu     sync.RWMutex
)

// Load reads configuration from ./configs/config.yaml plus MAILBOT_* env
// overrides and caches it for Get.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("../configs")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("MAILBOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	appMu.Lock()
	appConfig = &config
	appMu.Unlock()

	return &config, nil
}

// Get returns the loaded configuration.
func Get() *Config {
	appMu.RLock()
	defer appMu.RUnlock()
	return appConfig
}

func setDefaults() {
	viper.SetDefault("timezone", "Asia/Shanghai")

	viper.SetDefault("imap.port", 993)
	viper.SetDefault("imap.ssl", true)
	viper.SetDefault("imap.folder", "INBOX")

	viper.SetDefault("llm.request_timeout_seconds", 15)
	viper.SetDefault("llm.target_lang", "zh-CN")
	viper.SetDefault("llm.enable_thinking", true)
	viper.SetDefault("llm.thinking_budget", 4096)

	viper.SetDefault("prefix.translate", "[机器翻译]")
	viper.SetDefault("prefix.summarize", "[机器总结]")

	viper.SetDefault("translate.max_per_run_per_folder", 3)
	viper.SetDefault("translate.batch_size", 10)
	viper.SetDefault("translate.interval_minutes", 10)
	viper.SetDefault("translate.strategy", "immersion")
	viper.SetDefault("translate.inbox_keywords", []string{"相关研究汇总", "快讯汇总"})
	viper.SetDefault("translate.inbox_from", []string{"scholaralerts-noreply@google.com"})

	viper.SetDefault("summarize.cron", []string{"0 7 * * *", "0 12 * * *", "0 19 * * *"})
	viper.SetDefault("summarize.batch_size", 10)
	viper.SetDefault("summarize.chunk_tokens", 16000)

	viper.SetDefault("ratelimit.requests_per_minute", 60)
	viper.SetDefault("ratelimit.tokens_per_minute", 100000)
	viper.SetDefault("ratelimit.workers", 8)
	viper.SetDefault("ratelimit.max_attempts", 3)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.format", "console")
	viper.SetDefault("logger.output_path", "stdout")
}
