package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/koltyakov/fleetlink/internal/domain"
)

const defaultHistoryLimit = 50

// RecordCommand journals a received command. Receiving the same uid again
// refreshes the entry instead of duplicating it.
func (s *Store) RecordCommand(ctx context.Context, cmd domain.Command, receivedAt time.Time) error {
	_, err := s.recordCommandStmt.ExecContext(ctx, cmd.UID, cmd.Action, receivedAt.UTC())
	return err
}

// RecordStatus journals the status reported for a command. Later reports for
// the same uid (IN_PROGRESS followed by DONE) overwrite earlier ones.
func (s *Store) RecordStatus(ctx context.Context, st domain.CommandStatus, at time.Time) error {
	at = at.UTC()
	_, err := s.recordStatusStmt.ExecContext(ctx, st.UID, string(st.Status), st.Data, at, at)
	return err
}

// RecentCommands returns up to limit journal entries, newest first.
func (s *Store) RecentCommands(ctx context.Context, limit int) ([]domain.HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT uid, action, status, data, received_at, updated_at
FROM command_history
ORDER BY received_at DESC, uid DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.HistoryEntry
	for rows.Next() {
		var (
			e       domain.HistoryEntry
			status  string
			updated sql.NullTime
		)
		if err := rows.Scan(&e.UID, &e.Action, &status, &e.Data, &e.ReceivedAt, &updated); err != nil {
			return nil, err
		}
		e.Status = domain.Status(status)
		if updated.Valid {
			t := updated.Time
			e.UpdatedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneHistory deletes journal entries received before cutoff and returns
// how many rows were removed.
func (s *Store) PruneHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM command_history WHERE received_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
