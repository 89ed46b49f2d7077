package app

import (
	"time"

	"banterbot/internal/budget"
	"banterbot/internal/config"
	"banterbot/internal/gateway"
	"banterbot/internal/housekeeping"
	"banterbot/internal/initiative"
	"banterbot/internal/reconcile"
	"banterbot/internal/replyqueue"
	"banterbot/internal/store"
	"banterbot/internal/transport"
	logx "banterbot/pkg/logx"
)

// The converters below translate the file config (string durations,
// optional sections) into runtime configs. Durations were validated at
// parse time, so MustDuration is safe here.

func loggingConfig(cfg *config.Config) logx.Config {
	out := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
	}
	if f := cfg.Logging.File; f != nil {
		out.File = logx.FileConfig{Enabled: f.Enabled, Path: f.Path}
	}
	if ops := cfg.Logging.Ops; ops != nil {
		out.Ops = logx.OpsConfig{
			Enabled:    ops.Enabled,
			MinLevel:   ops.MinLevel,
			RatePerSec: ops.RatePerSec,
		}
	}
	return out
}

func storeConfig(cfg *config.Config) store.Config {
	if cfg.Storage == nil {
		return store.Config{Driver: "memory"}
	}
	return store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: config.MustDuration(cfg.Storage.BusyTimeout),
	}
}

func queueConfig(cfg *config.Config) replyqueue.Config {
	r := cfg.Replies
	out := replyqueue.Config{
		QueueCap:      r.QueueCap,
		MaxCoalesce:   r.MaxCoalesce,
		HourlySendMax: r.HourlySendMax,
		RetryMax:      r.RetryMax,
	}
	out.CoalesceWindow = durationOr(r.CoalesceWindow, 2*time.Second)
	out.SendCooldown = durationOr(r.SendCooldown, 10*time.Second)
	out.MaxRateWait = config.MustDuration(r.MaxRateWait)
	out.RetryDelay = config.MustDuration(r.RetryDelay)
	return out
}

func initiativeConfig(cfg *config.Config) initiative.Config {
	ini := cfg.Initiative
	return initiative.Config{
		Enabled:        ini.Enabled,
		Channels:       channelRefs(ini.Channels),
		MaxPostsPerDay: ini.MaxPostsPerDay,
		MinGap:         config.MustDuration(ini.MinGap),
		Mode:           initiative.Mode(ini.Mode),
		Spontaneity:    ini.Spontaneity,
		PostOnStartup:  ini.PostOnStartup,
		HourlySendMax:  cfg.Replies.HourlySendMax,
		TickInterval:   config.MustDuration(ini.TickInterval),
	}
}

func reconcileConfig(cfg *config.Config) reconcile.Config {
	rc := cfg.Reconcile
	channels := rc.Channels
	if len(channels) == 0 {
		channels = cfg.Initiative.Channels
	}
	return reconcile.Config{
		Enabled:       rc.Enabled,
		Delay:         config.MustDuration(rc.Delay),
		ScanLimit:     rc.ScanLimit,
		MaxPerChannel: rc.MaxPerChannel,
		Channels:      channelRefs(channels),
	}
}

func gatewayConfig(cfg *config.Config) gateway.Config {
	gw := cfg.Gateway
	return gateway.Config{
		WatchdogInterval: config.MustDuration(gw.WatchdogInterval),
		StaleThreshold:   config.MustDuration(gw.StaleAfter),
		BackoffBase:      config.MustDuration(gw.BackoffBase),
		BackoffCap:       config.MustDuration(gw.BackoffMax),
	}
}

func housekeepingConfig(cfg *config.Config) housekeeping.Config {
	summaryCaps := map[string]int{}
	if cfg.Replies.HourlySendMax > 0 {
		summaryCaps[budget.KindMessage] = cfg.Replies.HourlySendMax * 24
	}
	if cfg.Initiative.MaxPostsPerDay > 0 {
		summaryCaps[budget.KindInitiative] = cfg.Initiative.MaxPostsPerDay
	}
	out := housekeeping.Config{SummaryCaps: summaryCaps}
	if hk := cfg.Housekeeping; hk != nil {
		out.Enabled = hk.Enabled
		out.Retention = config.MustDuration(hk.Retention)
		out.PruneSpec = hk.PruneSpec
		out.SummarySpec = hk.SummarySpec
		out.Timezone = hk.Timezone
	}
	return out
}

func channelRefs(in []config.ChannelRefConfig) []transport.ChannelRef {
	out := make([]transport.ChannelRef, 0, len(in))
	for _, c := range in {
		out = append(out, transport.ChannelRef{GuildID: c.GuildID, ChannelID: c.ChannelID})
	}
	return out
}

func durationOr(raw string, def time.Duration) time.Duration {
	if d := config.MustDuration(raw); d > 0 {
		return d
	}
	return def
}
