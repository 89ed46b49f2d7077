package config

import (
	"fmt"
	"strings"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Replies controls inbound admission and the per-channel reply queue.
	Replies RepliesConfig `json:"replies"`

	// Initiative controls unprompted posting.
	Initiative InitiativeConfig `json:"initiative"`

	// Reconcile controls the one-shot startup catch-up scan.
	Reconcile ReconcileConfig `json:"reconcile,omitempty"`

	Gateway      GatewayConfig       `json:"gateway,omitempty"`
	Storage      *StorageConfig      `json:"storage,omitempty"`
	Housekeeping *HousekeepingConfig `json:"housekeeping,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// APIURL overrides the Bot API endpoint (local bot api server).
	APIURL string `json:"api_url,omitempty"`
	// HistoryDepth is how many recent messages per chat the adapter keeps
	// for context and startup reconciliation.
	HistoryDepth int `json:"history_depth,omitempty"` // default 200
}

// LoggingConfig mirrors pkg/logx.Config with string durations.
type LoggingConfig struct {
	Level   string         `json:"level,omitempty"` // default "info"
	Console bool           `json:"console,omitempty"`
	File    *FileLogConfig `json:"file,omitempty"`
	Ops     *OpsLogConfig  `json:"ops,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// OpsLogConfig forwards warn+ log lines into an operator chat.
type OpsLogConfig struct {
	Enabled    bool   `json:"enabled"`
	GuildID    string `json:"guild_id,omitempty"`
	ChannelID  string `json:"channel_id"`
	MinLevel   string `json:"min_level,omitempty"` // default "warn"
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ChannelRefConfig names one channel. GuildID may be empty on platforms
// without guilds (Telegram private chats).
type ChannelRefConfig struct {
	GuildID   string `json:"guild_id,omitempty"`
	ChannelID string `json:"channel_id"`
}

// RepliesConfig gathers admission and queue knobs.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type RepliesConfig struct {
	Enabled bool `json:"enabled"`

	// NameKeywords are standalone words that count as addressing the
	// agent by name.
	NameKeywords []string `json:"name_keywords,omitempty"`

	// AmbientReplies lets the agent answer messages that do not address
	// it while it is still in the conversation.
	AmbientReplies bool `json:"ambient_replies,omitempty"`
	// RecencyWindow is how many most-recent channel messages the
	// in-the-conversation check looks at. Default 5.
	RecencyWindow int `json:"recency_window,omitempty"`

	DisallowedUsers []string `json:"disallowed_users,omitempty"`

	QueueCap       int    `json:"queue_cap,omitempty"`       // default 60
	CoalesceWindow string `json:"coalesce_window,omitempty"` // default "2s"
	MaxCoalesce    int    `json:"max_coalesce,omitempty"`    // default 5

	SendCooldown  string `json:"send_cooldown,omitempty"` // default "10s"
	HourlySendMax int    `json:"hourly_send_max,omitempty"`
	MaxRateWait   string `json:"max_rate_wait,omitempty"` // default "30s"

	RetryMax   int    `json:"retry_max,omitempty"`   // default 2
	RetryDelay string `json:"retry_delay,omitempty"` // default "2s"
}

// InitiativeConfig controls unprompted posts.
type InitiativeConfig struct {
	Enabled  bool               `json:"enabled"`
	Channels []ChannelRefConfig `json:"channels,omitempty"`

	MaxPostsPerDay int    `json:"max_posts_per_day,omitempty"`
	MinGap         string `json:"min_gap,omitempty"` // duration string
	// Mode is "even" or "spontaneous".
	Mode        string  `json:"mode,omitempty"`
	Spontaneity float64 `json:"spontaneity,omitempty"` // 0..1

	PostOnStartup bool   `json:"post_on_startup,omitempty"`
	TickInterval  string `json:"tick_interval,omitempty"` // default "1m"
}

type ReconcileConfig struct {
	Enabled       bool   `json:"enabled"`
	Delay         string `json:"delay,omitempty"`      // default "15s"
	ScanLimit     int    `json:"scan_limit,omitempty"` // default 50
	MaxPerChannel int    `json:"max_per_channel,omitempty"`
	// Channels limits the scan; empty falls back to initiative.channels.
	Channels []ChannelRefConfig `json:"channels,omitempty"`
}

// GatewayConfig tunes the connection health watchdog.
type GatewayConfig struct {
	WatchdogInterval string `json:"watchdog_interval,omitempty"` // default "30s"
	StaleAfter       string `json:"stale_after,omitempty"`       // default "2m"
	BackoffBase      string `json:"backoff_base,omitempty"`      // default "5s"
	BackoffMax       string `json:"backoff_max,omitempty"`       // default "1m"
}

// StorageConfig controls the persistence layer behind budgets and the
// responded-message log.
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "memory"
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

type HousekeepingConfig struct {
	Enabled     bool   `json:"enabled"`
	Retention   string `json:"retention,omitempty"`    // default "336h"
	PruneSpec   string `json:"prune_spec,omitempty"`   // cron
	SummarySpec string `json:"summary_spec,omitempty"` // cron
	Timezone    string `json:"timezone,omitempty"`
}

// Validate checks the fields that cannot be defaulted away.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.Initiative.Enabled && len(c.Initiative.Channels) == 0 {
		return fmt.Errorf("initiative.channels must not be empty when initiative.enabled")
	}
	if m := c.Initiative.Mode; m != "" && m != "even" && m != "spontaneous" {
		return fmt.Errorf("initiative.mode must be \"even\" or \"spontaneous\", got %q", m)
	}
	if s := c.Initiative.Spontaneity; s < 0 || s > 1 {
		return fmt.Errorf("initiative.spontaneity must be in [0,1], got %v", s)
	}
	if st := c.Storage; st != nil {
		switch st.Driver {
		case "", "memory":
		case "sqlite":
			if strings.TrimSpace(st.Path) == "" {
				return fmt.Errorf("storage.path is required for the sqlite driver")
			}
		default:
			return fmt.Errorf("storage.driver %q not supported", st.Driver)
		}
	}
	if ops := c.Logging.Ops; ops != nil && ops.Enabled && strings.TrimSpace(ops.ChannelID) == "" {
		return fmt.Errorf("logging.ops.channel_id is required when the ops sink is enabled")
	}
	// Duration strings fail fast here rather than at first use.
	durs := []struct{ path, raw string }{
		{"replies.coalesce_window", c.Replies.CoalesceWindow},
		{"replies.send_cooldown", c.Replies.SendCooldown},
		{"replies.max_rate_wait", c.Replies.MaxRateWait},
		{"replies.retry_delay", c.Replies.RetryDelay},
		{"initiative.min_gap", c.Initiative.MinGap},
		{"initiative.tick_interval", c.Initiative.TickInterval},
		{"reconcile.delay", c.Reconcile.Delay},
		{"gateway.watchdog_interval", c.Gateway.WatchdogInterval},
		{"gateway.stale_after", c.Gateway.StaleAfter},
		{"gateway.backoff_base", c.Gateway.BackoffBase},
		{"gateway.backoff_max", c.Gateway.BackoffMax},
	}
	if st := c.Storage; st != nil {
		durs = append(durs, struct{ path, raw string }{"storage.busy_timeout", st.BusyTimeout})
	}
	if hk := c.Housekeeping; hk != nil {
		durs = append(durs, struct{ path, raw string }{"housekeeping.retention", hk.Retention})
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	return nil
}
