// Package digestsched delivers digests on a cron schedule, so operators get
// the windowed report without asking for it.
package digestsched

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"newsbot/internal/dispatch"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

type Config struct {
	Enabled  bool
	Spec     string         // cron spec, e.g. "0 9 * * *"
	Window   storage.Window // window each delivery covers
	Timezone string         // IANA TZ; empty means local
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	c      *cron.Cron
	parser cron.Parser

	scopes storage.ConfigStore
	disp   *dispatch.Service
	log    logx.Logger

	runCtx context.Context
}

func New(cfg Config, scopes storage.ConfigStore, disp *dispatch.Service, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		scopes: scopes,
		disp:   disp,
		log:    log,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Validate reports whether cfg would start cleanly (bad spec or timezone).
func (s *Service) Validate(cfg Config) error {
	if !cfg.Enabled {
		return nil
	}
	if _, err := s.parser.Parse(cfg.Spec); err != nil {
		return err
	}
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCtx = ctx
	s.startLocked()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

// Apply restarts the cron with the new config; live reconfiguration.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == cfg {
		return
	}
	s.cfg = cfg
	if s.runCtx == nil {
		return
	}
	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	if !s.cfg.Enabled || strings.TrimSpace(s.cfg.Spec) == "" {
		return
	}

	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			s.log.Warn("invalid digest timezone, using local", logx.String("tz", tz), logx.Err(err))
		} else {
			loc = l
		}
	}

	window := s.cfg.Window
	if window == "" {
		window = storage.WindowToday
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	ctx := s.runCtx
	if _, err := c.AddFunc(s.cfg.Spec, func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in digest delivery", logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
			}
		}()
		s.deliverAll(ctx, window)
	}); err != nil {
		s.log.Warn("invalid digest schedule", logx.String("spec", s.cfg.Spec), logx.Err(err))
		return
	}
	c.Start()
	s.c = c
	s.log.Info("digest schedule active",
		logx.String("spec", s.cfg.Spec), logx.String("window", string(window)), logx.String("tz", loc.String()))
}

// deliverAll sends the digest to every poll-enabled scope (global included).
func (s *Service) deliverAll(ctx context.Context, w storage.Window) {
	stored, err := s.scopes.Scopes(ctx)
	if err != nil {
		s.log.Warn("digest delivery: scope list failed", logx.Err(err))
		return
	}

	seen := map[string]bool{}
	for _, scope := range append(stored, storage.GlobalScope) {
		if seen[scope] || ctx.Err() != nil {
			continue
		}
		seen[scope] = true

		cfg, err := s.scopes.GetScope(ctx, scope)
		if err != nil || !cfg.PollEnabled {
			continue
		}
		report, err := s.disp.BuildDigest(ctx, scope, w)
		if err != nil {
			s.log.Warn("digest build failed", logx.String("scope", scope), logx.Err(err))
			continue
		}
		if len(report.Items) == 0 {
			continue
		}
		if err := s.disp.SendDigest(ctx, report); err != nil {
			s.log.Warn("digest send failed", logx.String("scope", scope), logx.Err(err))
		}
	}
}
