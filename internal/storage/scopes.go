package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"newsbot/internal/classify"
	"newsbot/internal/rules"
	"newsbot/pkg/logx"
)

// defaultScopeConfig seeds a scope that has no stored record yet.
func defaultScopeConfig() ScopeConfig {
	return ScopeConfig{
		Ruleset:     rules.Default(),
		FeedURL:     rules.DefaultFeedURL(),
		PollEnabled: true,
	}
}

// GetScope returns the last-committed config snapshot for a scope, or the
// shipped default ruleset when nothing is stored yet. Callers must not hold
// the snapshot across a poll cycle; always re-fetch.
func (s *Store) GetScope(ctx context.Context, scope string) (ScopeConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT config FROM scopes WHERE scope = ?`, scope).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return defaultScopeConfig(), nil
	}
	if err != nil {
		return ScopeConfig{}, err
	}

	var cfg ScopeConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return ScopeConfig{}, fmt.Errorf("scope %s: decode config: %w", scope, err)
	}
	return cfg, nil
}

// Scopes lists every scope with a stored config record.
func (s *Store) Scopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope FROM scopes ORDER BY scope`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var sc string
		if err := rows.Scan(&sc); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// AddPattern compiles expr and appends it to the scope's ruleset. An
// expression that does not compile is rejected and nothing is persisted.
func (s *Store) AddPattern(ctx context.Context, scope string, kind classify.Kind, expr string) error {
	if _, err := classify.CompileExpr(expr); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return s.mutate(ctx, scope, "add_pattern", true, func(cfg *ScopeConfig) error {
		switch kind {
		case classify.KindMajor:
			cfg.Ruleset.MajorPatterns = append(cfg.Ruleset.MajorPatterns, expr)
		default:
			cfg.Ruleset.MinorPatterns = append(cfg.Ruleset.MinorPatterns, expr)
		}
		return nil
	})
}

// RemovePattern removes the pattern at index and returns its expression.
// An out-of-bounds index leaves the ruleset unchanged.
func (s *Store) RemovePattern(ctx context.Context, scope string, kind classify.Kind, index int) (string, error) {
	var removed string
	err := s.mutate(ctx, scope, "remove_pattern", true, func(cfg *ScopeConfig) error {
		list := &cfg.Ruleset.MinorPatterns
		if kind == classify.KindMajor {
			list = &cfg.Ruleset.MajorPatterns
		}
		if index < 0 || index >= len(*list) {
			return fmt.Errorf("%w: %s index %d (have %d)", ErrNotFound, kind, index, len(*list))
		}
		removed = (*list)[index]
		*list = append((*list)[:index], (*list)[index+1:]...)
		return nil
	})
	return removed, err
}

func (s *Store) SetThreshold(ctx context.Context, scope string, value int) error {
	if value < 1 {
		return fmt.Errorf("%w: threshold must be >= 1, got %d", ErrInvalidValue, value)
	}
	return s.mutate(ctx, scope, "set_threshold", true, func(cfg *ScopeConfig) error {
		cfg.Ruleset.MinorThreshold = value
		return nil
	})
}

func (s *Store) SetFeedSource(ctx context.Context, scope, url string) error {
	return s.mutate(ctx, scope, "set_feed", true, func(cfg *ScopeConfig) error {
		cfg.FeedURL = url
		return nil
	})
}

func (s *Store) SetPollEnabled(ctx context.Context, scope string, enabled bool) error {
	return s.mutate(ctx, scope, "set_poll_enabled", true, func(cfg *ScopeConfig) error {
		cfg.PollEnabled = enabled
		return nil
	})
}

// RecordPollCompleted updates last-poll bookkeeping. It deliberately does
// not publish a change event: a completed cycle must not restart its own
// poller.
func (s *Store) RecordPollCompleted(ctx context.Context, scope string, at time.Time) error {
	return s.mutate(ctx, scope, "poll_completed", false, func(cfg *ScopeConfig) error {
		cfg.LastPolled = &at
		return nil
	})
}

// mutate runs an atomic read-modify-write of one scope's config blob.
// When fn returns an error nothing is written (no partial mutation).
func (s *Store) mutate(ctx context.Context, scope, op string, publish bool, fn func(*ScopeConfig) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	cfg := defaultScopeConfig()
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT config FROM scopes WHERE scope = ?`, scope).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// fresh scope, keep defaults
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return fmt.Errorf("scope %s: decode config: %w", scope, err)
		}
	}

	if err := fn(&cfg); err != nil {
		return err
	}

	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scopes(scope, config, updated_at) VALUES(?,?,?)
		 ON CONFLICT(scope) DO UPDATE SET config=excluded.config, updated_at=excluded.updated_at`,
		scope, string(b), time.Now().UnixMilli(),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.log.Debug("scope config updated", logx.String("scope", scope), logx.String("op", op))
	if publish {
		s.publish(Change{Scope: scope, Op: op, At: time.Now()})
	}
	return nil
}
