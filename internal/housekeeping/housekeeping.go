// Package housekeeping runs the periodic maintenance jobs: pruning old
// ledger rows and logging a daily budget summary.
package housekeeping

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"banterbot/internal/budget"
	"banterbot/internal/store"
	logx "banterbot/pkg/logx"
)

type Config struct {
	Enabled bool
	// Retention is how long action/response rows are kept. <= 0 keeps
	// everything.
	Retention time.Duration // default 14 days
	// PruneSpec and SummarySpec are cron expressions (@daily etc).
	PruneSpec   string // default "17 4 * * *"
	SummarySpec string // default "0 0 * * *"
	Timezone    string

	// Budgets named in the daily summary, kind -> cap over 24h.
	SummaryCaps map[string]int
}

func (c Config) withDefaults() Config {
	if c.Retention == 0 {
		c.Retention = 14 * 24 * time.Hour
	}
	if strings.TrimSpace(c.PruneSpec) == "" {
		c.PruneSpec = "17 4 * * *"
	}
	if strings.TrimSpace(c.SummarySpec) == "" {
		c.SummarySpec = "0 0 * * *"
	}
	return c
}

type Service struct {
	mu sync.Mutex

	log    logx.Logger
	cfg    Config
	store  store.Store
	ledger *budget.Ledger

	parser cron.Parser
	c      *cron.Cron
	stopCh chan struct{}
}

func New(cfg Config, st store.Store, ledger *budget.Ledger, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg.withDefaults(),
		store:  st,
		ledger: ledger,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.store != nil
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg.withDefaults()

	if s.stopCh == nil {
		return
	}
	if oldTZ != strings.TrimSpace(s.cfg.Timezone) {
		s.restartLocked()
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil || !s.cfg.Enabled || s.store == nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.startCronLocked()
	s.log.Info("housekeeping started",
		logx.String("prune", s.cfg.PruneSpec),
		logx.String("summary", s.cfg.SummarySpec))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		select {
		case <-s.c.Stop().Done():
		case <-ctx.Done():
			s.log.Warn("housekeeping stop timed out")
		}
		s.c = nil
	}
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.startCronLocked()
}

func (s *Service) startCronLocked() {
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("bad housekeeping timezone; using local",
				logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	s.addJob("prune", s.cfg.PruneSpec, s.prune)
	s.addJob("budget summary", s.cfg.SummarySpec, s.summary)
	s.c.Start()
}

func (s *Service) addJob(name, spec string, job func(ctx context.Context)) {
	_, err := s.c.AddFunc(spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("housekeeping job panic",
					logx.String("job", name),
					logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		job(ctx)
	})
	if err != nil {
		s.log.Error("housekeeping job not scheduled",
			logx.String("job", name), logx.String("spec", spec), logx.Err(err))
	}
}

func (s *Service) prune(ctx context.Context) {
	cfg := s.config()
	if cfg.Retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-cfg.Retention)
	n, err := s.store.PruneBefore(ctx, cutoff)
	if err != nil {
		s.log.Warn("ledger prune failed", logx.Err(err))
		return
	}
	s.log.Info("ledger pruned",
		logx.Int64("rows", n),
		logx.Time("cutoff", cutoff))
}

func (s *Service) summary(ctx context.Context) {
	cfg := s.config()
	if s.ledger == nil || len(cfg.SummaryCaps) == 0 {
		return
	}
	fields := make([]logx.Field, 0, len(cfg.SummaryCaps))
	for kind, limit := range cfg.SummaryCaps {
		st, err := s.ledger.Remaining(ctx, kind, 24*time.Hour, limit)
		if err != nil {
			s.log.Warn("budget summary lookup failed",
				logx.String("kind", kind), logx.Err(err))
			continue
		}
		fields = append(fields, logx.String(kind,
			fmt.Sprintf("%d/%d", st.Used, st.MaxAllowed)))
	}
	s.log.Info("daily budget summary", fields...)
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}
