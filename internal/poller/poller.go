// Package poller owns the per-scope poll task lifecycle.
//
// Invariant: at most one active poll task per scope. Start is a no-op while
// a task runs; Restart fully tears the old task down (awaits its exit)
// before spawning the replacement, so two cycles can never race on one
// scope's dedup key or double-dispatch.
package poller

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"newsbot/internal/classify"
	"newsbot/internal/feed"
	"newsbot/internal/storage"
	"newsbot/pkg/logx"
)

type Config struct {
	Interval     time.Duration // cycle period; default 300s
	FetchTimeout time.Duration // per-fetch bound; default 30s
}

// Notifier receives newly-stored relevant items within a cycle.
type Notifier interface {
	Notify(ctx context.Context, scope string, it storage.Item)
}

type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	tasks map[string]*task

	// runCtx is the parent of every task; set by Start, cancelled by StopAll.
	runCtx context.Context
	stop   context.CancelFunc

	fetcher feed.Fetcher
	items   storage.ItemStore
	scopes  storage.ConfigStore
	notif   Notifier
	log     logx.Logger

	eventsDone chan struct{}
}

func New(cfg Config, fetcher feed.Fetcher, items storage.ItemStore, scopes storage.ConfigStore, notif Notifier, log logx.Logger) *Service {
	s := &Service{
		tasks:   map[string]*task{},
		fetcher: fetcher,
		items:   items,
		scopes:  scopes,
		notif:   notif,
		log:     log,
	}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	if cfg.Interval <= 0 {
		cfg.Interval = 300 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start binds the service to its run context and begins reacting to config
// change events. It does not start any scope task by itself.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.runCtx != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.runCtx = ctx
	s.stop = cancel
	s.eventsDone = make(chan struct{})
	s.mu.Unlock()

	sub := s.scopes.Subscribe(16)
	go s.eventLoop(ctx, sub)
}

// eventLoop restarts a scope's task whenever its configuration changes, so
// new patterns, threshold or URL take effect on the next cycle, never
// mid-cycle. A scope whose polling was disabled is stopped instead.
func (s *Service) eventLoop(ctx context.Context, sub <-chan storage.Change) {
	defer close(s.eventsDone)
	defer s.scopes.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			cfg, err := s.scopes.GetScope(ctx, ev.Scope)
			if err != nil {
				s.log.Warn("config change: scope read failed",
					logx.String("scope", ev.Scope), logx.Err(err))
				continue
			}
			if !cfg.PollEnabled {
				s.log.Info("polling disabled for scope", logx.String("scope", ev.Scope))
				s.StopScope(ev.Scope)
				continue
			}
			s.log.Info("config changed, restarting scope",
				logx.String("scope", ev.Scope), logx.String("op", ev.Op))
			s.RestartScope(ev.Scope)
		}
	}
}

// StartStored spawns tasks for every stored scope with polling enabled,
// plus the global scope. Called once at startup.
func (s *Service) StartStored(ctx context.Context) error {
	stored, err := s.scopes.Scopes(ctx)
	if err != nil {
		return err
	}

	seen := map[string]bool{}
	for _, scope := range append(stored, storage.GlobalScope) {
		if seen[scope] {
			continue
		}
		seen[scope] = true
		cfg, err := s.scopes.GetScope(ctx, scope)
		if err != nil {
			s.log.Warn("startup: scope read failed", logx.String("scope", scope), logx.Err(err))
			continue
		}
		if !cfg.PollEnabled {
			continue
		}
		s.StartScope(scope)
	}
	return nil
}

// StartScope spawns the scope's poll task. No-op while one is running.
func (s *Service) StartScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		s.log.Warn("start requested before service start", logx.String("scope", scope))
		return
	}
	if _, running := s.tasks[scope]; running {
		s.log.Debug("poll task already running", logx.String("scope", scope))
		return
	}

	tctx, cancel := context.WithCancel(s.runCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[scope] = t
	go s.run(tctx, scope, t)
}

// StopScope cancels the scope's task and awaits its teardown.
// Idempotent when already stopped.
func (s *Service) StopScope(scope string) {
	s.mu.Lock()
	t, ok := s.tasks[scope]
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// RestartScope is stop-then-start: the in-flight cycle (if any) is
// abandoned cleanly rather than finishing with stale rules.
func (s *Service) RestartScope(scope string) {
	s.StopScope(scope)
	s.StartScope(scope)
}

// Running reports whether the scope currently has a poll task.
func (s *Service) Running(scope string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[scope]
	return ok
}

// StopAll tears down every task; best-effort within ctx.
func (s *Service) StopAll(ctx context.Context) {
	s.mu.Lock()
	tasks := make(map[string]*task, len(s.tasks))
	for k, v := range s.tasks {
		tasks[k] = v
	}
	events := s.eventsDone
	stop := s.stop
	s.mu.Unlock()

	// The event loop only exits on context cancellation; StopAll owns that.
	if stop != nil {
		stop()
	}
	for _, t := range tasks {
		t.cancel()
	}
	for scope, t := range tasks {
		select {
		case <-t.done:
		case <-ctx.Done():
			s.log.Warn("poll task stop deadline reached", logx.String("scope", scope))
			return
		}
	}
	if events != nil {
		select {
		case <-events:
		case <-ctx.Done():
		}
	}
}

func (s *Service) run(ctx context.Context, scope string, t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in poll task",
				logx.String("scope", scope), logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
		s.mu.Lock()
		if s.tasks[scope] == t {
			delete(s.tasks, scope)
		}
		s.mu.Unlock()
		close(t.done)
	}()

	s.log.Info("poll task started", logx.String("scope", scope))
	for {
		s.cycle(ctx, scope)
		if ctx.Err() != nil {
			s.log.Info("poll task stopped", logx.String("scope", scope))
			return
		}
		s.mu.Lock()
		interval := s.cfg.Interval
		s.mu.Unlock()
		if !sleep(ctx, interval) {
			s.log.Info("poll task stopped", logx.String("scope", scope))
			return
		}
	}
}

// cycle runs one fetch-classify-store-dispatch pass. Every failure mode is
// contained: a bad fetch, a bad entry or a failed send never ends the task.
func (s *Service) cycle(ctx context.Context, scope string) {
	cfg, err := s.scopes.GetScope(ctx, scope)
	if err != nil {
		s.log.Warn("cycle: scope config read failed", logx.String("scope", scope), logx.Err(err))
		return
	}
	if cfg.FeedURL == "" {
		s.log.Debug("cycle: no feed source", logx.String("scope", scope))
		return
	}

	s.mu.Lock()
	fetchTimeout := s.cfg.FetchTimeout
	s.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	entries, err := s.fetcher.Fetch(fctx, cfg.FeedURL)
	cancel()
	if err != nil {
		// Treated as an empty cycle; the task retries next interval.
		s.log.Warn("feed fetch failed", logx.String("scope", scope),
			logx.String("url", cfg.FeedURL), logx.Err(err))
		entries = nil
	}

	stored, relevant := 0, 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		it, fresh, err := s.ingest(ctx, scope, cfg.Ruleset, e)
		if err != nil {
			s.log.Warn("entry ingest failed", logx.String("scope", scope),
				logx.String("guid", e.GUID), logx.Err(err))
			continue
		}
		if !fresh {
			continue
		}
		stored++
		if it.IsRelevant {
			relevant++
			s.notif.Notify(ctx, scope, it)
		}
	}

	if err := s.scopes.RecordPollCompleted(ctx, scope, time.Now()); err != nil {
		s.log.Warn("record poll completion failed", logx.String("scope", scope), logx.Err(err))
	}
	s.log.Debug("cycle done", logx.String("scope", scope),
		logx.Int("entries", len(entries)), logx.Int("new", stored), logx.Int("relevant", relevant))
}

func (s *Service) ingest(ctx context.Context, scope string, rs classify.Ruleset, e feed.Entry) (storage.Item, bool, error) {
	// Known guids skip classification entirely; the insert below still
	// dedups authoritatively.
	if seen, err := s.items.Seen(ctx, scope, e.GUID); err != nil {
		return storage.Item{}, false, err
	} else if seen {
		return storage.Item{}, false, nil
	}

	v := classify.Classify(fmt.Sprintf("%s %s", e.Title, e.Summary), rs)
	it := storage.Item{
		GUID:            e.GUID,
		Title:           e.Title,
		Summary:         e.Summary,
		Link:            e.Link,
		PublishedAt:     e.Published,
		IsRelevant:      v.IsRelevant,
		MajorCount:      v.MajorCount,
		MinorCount:      v.MinorCount,
		MatchedPatterns: v.MatchedPatterns,
	}
	fresh, err := s.items.InsertIfNew(ctx, scope, it)
	return it, fresh, err
}

// sleep waits for d, polling cancellation at least once per second so stop
// latency stays sub-second. Returns false when cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	step := time.Second
	if d < step {
		step = d
	}
	deadline := time.Now().Add(d)
	t := time.NewTicker(step)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-t.C:
			if !time.Now().Before(deadline) {
				return true
			}
		}
	}
}
