package storage

import (
	"context"
	"errors"
	"time"

	"newsbot/internal/classify"
)

var (
	// ErrInvalidPattern is returned when an expression does not compile.
	ErrInvalidPattern = errors.New("invalid pattern expression")
	// ErrInvalidValue is returned for an out-of-range setting (threshold < 1).
	ErrInvalidValue = errors.New("invalid value")
	// ErrNotFound is returned when a pattern index is out of bounds.
	ErrNotFound = errors.New("pattern not found")
)

// GlobalScope is the well-known scope key of a single-tenant deployment.
const GlobalScope = "global"

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Item is one ingested feed entry.
type Item struct {
	GUID            string
	Title           string
	Summary         string
	Link            string
	PublishedAt     time.Time
	IsRelevant      bool
	MajorCount      int
	MinorCount      int
	MatchedPatterns []string
	DispatchedAt    *time.Time
}

// Window selects the aggregation cutoff for digest queries.
type Window string

const (
	WindowToday Window = "today"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
	WindowAll   Window = "all"
)

// Cutoff returns the inclusive lower bound for the window, relative to now.
// ok is false for WindowAll (no cutoff).
func (w Window) Cutoff(now time.Time) (t time.Time, ok bool) {
	switch w {
	case WindowToday:
		return now.Add(-24 * time.Hour), true
	case WindowWeek:
		return now.AddDate(0, 0, -7), true
	case WindowMonth:
		return now.AddDate(0, 0, -30), true
	default:
		return time.Time{}, false
	}
}

// Stats aggregates the relevant corpus of one scope.
type Stats struct {
	Total    int
	Today    int
	Week     int
	Month    int
	MajorSum int
	MinorSum int
}

// ScopeConfig is the per-scope durable configuration blob.
// Field names match the persisted JSON of the settings record.
type ScopeConfig struct {
	Ruleset     classify.Ruleset `json:"ruleset"`
	FeedURL     string           `json:"rss_url"`
	LastPolled  *time.Time       `json:"last_checked,omitempty"`
	PollEnabled bool             `json:"poll_enabled"`
}

// Change is published after every successful config mutation
// (poll-completion bookkeeping excepted).
type Change struct {
	Scope string
	Op    string
	At    time.Time
}

// ItemStore is the persistence surface of the ingestion path.
type ItemStore interface {
	Seen(ctx context.Context, scope, guid string) (bool, error)
	InsertIfNew(ctx context.Context, scope string, it Item) (stored bool, err error)
	QueryWindow(ctx context.Context, scope string, w Window, limit int) ([]Item, error)
	AggregateStats(ctx context.Context, scope string) (Stats, error)
	MarkDispatched(ctx context.Context, scope, guid string, at time.Time) error
}

// ConfigStore is the sole writer of scope configuration.
type ConfigStore interface {
	GetScope(ctx context.Context, scope string) (ScopeConfig, error)
	AddPattern(ctx context.Context, scope string, kind classify.Kind, expr string) error
	RemovePattern(ctx context.Context, scope string, kind classify.Kind, index int) (string, error)
	SetThreshold(ctx context.Context, scope string, value int) error
	SetFeedSource(ctx context.Context, scope, url string) error
	SetPollEnabled(ctx context.Context, scope string, enabled bool) error
	RecordPollCompleted(ctx context.Context, scope string, at time.Time) error
	Scopes(ctx context.Context) ([]string, error)

	Subscribe(buffer int) <-chan Change
	Unsubscribe(ch <-chan Change)
}
