package core

import (
	"fmt"
	"strings"
	"time"
)

// Config is the one on-disk configuration file, JSON or YAML. Unknown keys
// are rejected so typos surface at load time instead of silently defaulting.
//
// All durations are Go duration strings (e.g. "500ms", "30s", "24h").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Classifier ClassifierConfig `json:"classifier"`
	Storage    StorageConfig    `json:"storage"`
	Batch      BatchConfig      `json:"batch"`
	Discovery  DiscoveryConfig  `json:"discovery"`
	Logging    LoggingConfig    `json:"logging"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// LogChatID receives mirrored log lines when logging.telegram is enabled.
	LogChatID   int64  `json:"log_chat_id,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type ClassifierConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url,omitempty"`
	Model      string `json:"model"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	// PromptFile overrides the built-in classification prompt and is where
	// /set_prompt_msg persists edits.
	PromptFile string `json:"prompt_file,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type BatchConfig struct {
	FlushEvery string `json:"flush_every,omitempty"`
	// Destinations are the chats matched messages get forwarded to.
	Destinations []int64 `json:"destinations"`
}

type DiscoveryConfig struct {
	BatchSize    int    `json:"batch_size,omitempty"`
	MessageLimit int    `json:"message_limit,omitempty"`
	MinOrganic   int    `json:"min_organic,omitempty"`
	MaxAge       string `json:"max_age,omitempty"`
	JoinCooldown string `json:"join_cooldown,omitempty"`
	// PromptFile overrides the built-in group-evaluation prompt.
	PromptFile string `json:"prompt_file,omitempty"`
	// Schedule is an optional cron expression; when set, discovery runs are
	// submitted on that schedule in addition to /start_pars.
	Schedule string `json:"schedule,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// Validate rejects configs that must not be committed, at boot and on hot
// reload alike.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Classifier.RatePerSec < 0 {
		return fmt.Errorf("classifier.rate_per_sec must be >= 0")
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"classifier.timeout", c.Classifier.Timeout},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"batch.flush_every", c.Batch.FlushEvery},
		{"discovery.max_age", c.Discovery.MaxAge},
		{"discovery.join_cooldown", c.Discovery.JoinCooldown},
	} {
		if _, err := parseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	return nil
}

func parseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := parseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
