package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/coordinator/internal/conflict"
)

// RecordConflict saves a conflict, replacing any earlier record with the same
// ID. Reporting and resolving the same conflict therefore yields one row.
func (s *SQLiteStore) RecordConflict(ctx context.Context, c conflict.Conflict) error {
	var (
		strategy, winner, losers, reason string
		resolvedAt                       sql.NullTime
	)
	if c.Resolution != nil {
		strategy = c.Resolution.Strategy
		winner = c.Resolution.Winner
		losers = strings.Join(c.Resolution.Losers, ",")
		reason = c.Resolution.Reason
		resolvedAt = nullTime(c.Resolution.Timestamp)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflicts (id, kind, subject, agents, resolved, strategy, winner, losers, reason, reported_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			resolved = excluded.resolved,
			strategy = excluded.strategy,
			winner = excluded.winner,
			losers = excluded.losers,
			reason = excluded.reason,
			resolved_at = excluded.resolved_at
	`, c.ID, string(c.Kind), c.Subject, strings.Join(c.Agents, ","), c.Resolved,
		strategy, winner, losers, reason, c.Timestamp, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to record conflict %s: %w", c.ID, err)
	}
	return nil
}

// ListConflicts returns recorded conflicts ordered by report time.
func (s *SQLiteStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]conflict.Conflict, error) {
	query := `
		SELECT id, kind, subject, agents, resolved, strategy, winner, losers, reason, reported_at, resolved_at
		FROM conflicts`
	switch filter {
	case ActiveConflicts:
		query += ` WHERE resolved = 0`
	case ResolvedConflicts:
		query += ` WHERE resolved = 1`
	}
	query += ` ORDER BY reported_at, id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []conflict.Conflict
	for rows.Next() {
		var (
			c                                conflict.Conflict
			kind, agents                     string
			strategy, winner, losers, reason sql.NullString
			resolvedAt                       sql.NullTime
		)
		if err := rows.Scan(&c.ID, &kind, &c.Subject, &agents, &c.Resolved,
			&strategy, &winner, &losers, &reason, &c.Timestamp, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Kind = conflict.Kind(kind)
		c.Agents = splitList(agents)
		if c.Resolved {
			c.Resolution = &conflict.Resolution{
				ConflictID: c.ID,
				Strategy:   strategy.String,
				Winner:     winner.String,
				Losers:     splitList(losers.String),
				Reason:     reason.String,
				Timestamp:  resolvedAt.Time,
			}
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return out, nil
}

// PruneConflicts deletes resolved conflicts resolved before the cutoff and
// returns how many rows went.
func (s *SQLiteStore) PruneConflicts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conflicts
		WHERE resolved = 1 AND resolved_at < ?
	`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune conflicts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
