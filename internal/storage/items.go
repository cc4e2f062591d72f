package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"newsbot/pkg/logx"
)

const patternSep = "; "

// Seen reports whether the scope already stored this guid. It lets the
// ingest path skip classification of known entries; InsertIfNew remains the
// authoritative dedup.
func (s *Store) Seen(ctx context.Context, scope, guid string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM items WHERE scope = ? AND guid = ?`, scope, guid).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InsertIfNew performs the atomic check-and-insert keyed on (scope, guid).
// A second ingestion of the same guid is a no-op, never an overwrite.
func (s *Store) InsertIfNew(ctx context.Context, scope string, it Item) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO items(scope, guid, title, summary, link, published_at,
		                   is_relevant, major_count, minor_count, matched_patterns, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(scope, guid) DO NOTHING`,
		scope, it.GUID, it.Title, nullStr(it.Summary), it.Link, it.PublishedAt.UnixMilli(),
		it.IsRelevant, it.MajorCount, it.MinorCount,
		nullStr(strings.Join(it.MatchedPatterns, patternSep)), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QueryWindow returns the relevant items of a scope within the window,
// newest first, capped at limit.
func (s *Store) QueryWindow(ctx context.Context, scope string, w Window, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT guid, title, summary, link, published_at,
	             major_count, minor_count, matched_patterns, dispatched_at
	      FROM items
	      WHERE scope = ? AND is_relevant = 1`
	args := []any{scope}
	if cutoff, ok := w.Cutoff(time.Now()); ok {
		q += ` AND published_at >= ?`
		args = append(args, cutoff.UnixMilli())
	}
	q += ` ORDER BY published_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		var (
			it          Item
			summary     sql.NullString
			patterns    sql.NullString
			publishedMS int64
			dispatched  sql.NullInt64
		)
		if err := rows.Scan(&it.GUID, &it.Title, &summary, &it.Link, &publishedMS,
			&it.MajorCount, &it.MinorCount, &patterns, &dispatched); err != nil {
			return nil, err
		}
		it.Summary = summary.String
		it.PublishedAt = time.UnixMilli(publishedMS)
		it.IsRelevant = true
		if patterns.Valid && patterns.String != "" {
			it.MatchedPatterns = strings.Split(patterns.String, patternSep)
		}
		if dispatched.Valid {
			t := time.UnixMilli(dispatched.Int64)
			it.DispatchedAt = &t
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// AggregateStats counts the relevant corpus of a scope and sums the per-item
// match counters. Absent sums read as zero.
func (s *Store) AggregateStats(ctx context.Context, scope string) (Stats, error) {
	now := time.Now()
	day := now.Add(-24 * time.Hour).UnixMilli()
	week := now.AddDate(0, 0, -7).UnixMilli()
	month := now.AddDate(0, 0, -30).UnixMilli()

	var (
		st       Stats
		today    sql.NullInt64
		weekN    sql.NullInt64
		monthN   sql.NullInt64
		majorSum sql.NullInt64
		minorSum sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        SUM(CASE WHEN published_at >= ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN published_at >= ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN published_at >= ? THEN 1 ELSE 0 END),
		        SUM(major_count), SUM(minor_count)
		 FROM items WHERE scope = ? AND is_relevant = 1`,
		day, week, month, scope,
	).Scan(&st.Total, &today, &weekN, &monthN, &majorSum, &minorSum)
	if err != nil {
		return Stats{}, err
	}
	st.Today = int(today.Int64)
	st.Week = int(weekN.Int64)
	st.Month = int(monthN.Int64)
	st.MajorSum = int(majorSum.Int64)
	st.MinorSum = int(minorSum.Int64)
	return st, nil
}

// MarkDispatched sets dispatchedAt exactly once; calling it again for the
// same item is a no-op.
func (s *Store) MarkDispatched(ctx context.Context, scope, guid string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE items SET dispatched_at = ?
		 WHERE scope = ? AND guid = ? AND dispatched_at IS NULL`,
		at.UnixMilli(), scope, guid,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		s.log.Debug("mark dispatched: no-op", logx.String("scope", scope), logx.String("guid", guid))
	}
	return nil
}
