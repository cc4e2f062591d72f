package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"newsbot/internal/classify"
	"newsbot/pkg/logx"
)

func TestGetScopeReturnsDefaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	cfg, err := s.GetScope(context.Background(), "never-seen")
	if err != nil {
		t.Fatalf("GetScope: %v", err)
	}
	if !cfg.PollEnabled {
		t.Fatal("default scope must have polling enabled")
	}
	if cfg.FeedURL == "" {
		t.Fatal("default scope must have a feed URL")
	}
	if len(cfg.Ruleset.MajorPatterns) == 0 || len(cfg.Ruleset.MinorPatterns) == 0 {
		t.Fatal("default scope must carry the built-in ruleset")
	}
}

func TestAddPatternRejectsInvalidRegex(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	before, err := s.GetScope(ctx, GlobalScope)
	if err != nil {
		t.Fatalf("GetScope: %v", err)
	}

	err = s.AddPattern(ctx, GlobalScope, classify.KindMinor, "(")
	if !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("expected ErrInvalidPattern, got %v", err)
	}

	after, err := s.GetScope(ctx, GlobalScope)
	if err != nil {
		t.Fatalf("GetScope: %v", err)
	}
	if !reflect.DeepEqual(before.Ruleset, after.Ruleset) {
		t.Fatal("rejected pattern must leave the ruleset unchanged")
	}
}

func TestAddAndRemovePattern(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.AddPattern(ctx, GlobalScope, classify.KindMajor, `новая\s+сеть`); err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	cfg, _ := s.GetScope(ctx, GlobalScope)
	n := len(cfg.Ruleset.MajorPatterns)
	if cfg.Ruleset.MajorPatterns[n-1] != `новая\s+сеть` {
		t.Fatal("pattern must be appended at the end")
	}

	removed, err := s.RemovePattern(ctx, GlobalScope, classify.KindMajor, n-1)
	if err != nil {
		t.Fatalf("RemovePattern: %v", err)
	}
	if removed != `новая\s+сеть` {
		t.Fatalf("removed = %q", removed)
	}

	cfg, _ = s.GetScope(ctx, GlobalScope)
	if len(cfg.Ruleset.MajorPatterns) != n-1 {
		t.Fatal("pattern not removed")
	}
}

func TestRemovePatternOutOfBounds(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, idx := range []int{-1, 10000} {
		if _, err := s.RemovePattern(ctx, GlobalScope, classify.KindMinor, idx); !errors.Is(err, ErrNotFound) {
			t.Fatalf("index %d: expected ErrNotFound, got %v", idx, err)
		}
	}
}

func TestSetThresholdValidation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	for _, v := range []int{0, -5} {
		if err := s.SetThreshold(ctx, GlobalScope, v); !errors.Is(err, ErrInvalidValue) {
			t.Fatalf("threshold %d: expected ErrInvalidValue, got %v", v, err)
		}
	}
	if err := s.SetThreshold(ctx, GlobalScope, 3); err != nil {
		t.Fatalf("SetThreshold(3): %v", err)
	}
	cfg, _ := s.GetScope(ctx, GlobalScope)
	if cfg.Ruleset.MinorThreshold != 3 {
		t.Fatalf("MinorThreshold = %d, want 3", cfg.Ruleset.MinorThreshold)
	}
}

func TestMutationsPublishChangeEvents(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(16)
	defer s.Unsubscribe(sub)

	steps := []struct {
		op  string
		run func() error
	}{
		{"add_pattern", func() error { return s.AddPattern(ctx, GlobalScope, classify.KindMinor, `аренда`) }},
		{"set_threshold", func() error { return s.SetThreshold(ctx, GlobalScope, 2) }},
		{"set_feed", func() error { return s.SetFeedSource(ctx, GlobalScope, "https://example.com/rss") }},
		{"set_poll_enabled", func() error { return s.SetPollEnabled(ctx, GlobalScope, false) }},
	}
	for _, st := range steps {
		if err := st.run(); err != nil {
			t.Fatalf("%s: %v", st.op, err)
		}
		select {
		case ev := <-sub:
			if ev.Scope != GlobalScope || ev.Op != st.op {
				t.Fatalf("event = %+v, want op %s on %s", ev, st.op, GlobalScope)
			}
		case <-time.After(time.Second):
			t.Fatalf("no change event after %s", st.op)
		}
	}
}

func TestRecordPollCompletedPublishesNothing(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	sub := s.Subscribe(16)
	defer s.Unsubscribe(sub)

	at := time.Now()
	if err := s.RecordPollCompleted(ctx, GlobalScope, at); err != nil {
		t.Fatalf("RecordPollCompleted: %v", err)
	}

	select {
	case ev := <-sub:
		t.Fatalf("poll bookkeeping must not publish, got %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	cfg, _ := s.GetScope(ctx, GlobalScope)
	if cfg.LastPolled == nil || cfg.LastPolled.UnixMilli() != at.UnixMilli() {
		t.Fatalf("LastPolled = %v, want %v", cfg.LastPolled, at)
	}
}

func TestScopeConfigPersistsAcrossReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.AddPattern(ctx, "777", classify.KindMajor, `x5\s+group`); err != nil {
		t.Fatalf("AddPattern: %v", err)
	}
	if err := s.SetThreshold(ctx, "777", 4); err != nil {
		t.Fatalf("SetThreshold: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	cfg, err := s2.GetScope(ctx, "777")
	if err != nil {
		t.Fatalf("GetScope: %v", err)
	}
	if cfg.Ruleset.MinorThreshold != 4 {
		t.Fatalf("MinorThreshold = %d, want 4", cfg.Ruleset.MinorThreshold)
	}
	last := cfg.Ruleset.MajorPatterns[len(cfg.Ruleset.MajorPatterns)-1]
	if last != `x5\s+group` {
		t.Fatalf("last major pattern = %q", last)
	}

	scopes, err := s2.Scopes(ctx)
	if err != nil {
		t.Fatalf("Scopes: %v", err)
	}
	found := false
	for _, sc := range scopes {
		if sc == "777" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Scopes() = %v, want to contain 777", scopes)
	}
}

func TestPublishRacingUnsubscribeDoesNotPanic(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2000; i++ {
			s.publish(Change{Scope: GlobalScope, Op: "set_threshold"})
		}
	}()
	for i := 0; i < 2000; i++ {
		ch := s.Subscribe(1)
		s.Unsubscribe(ch)
	}
	<-done
}
