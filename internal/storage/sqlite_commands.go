package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// StartCommand inserts a new attempt and resets the source to pending under it.
// A source whose current attempt has not finished yields ErrInvalidState.
func (s *SQLiteStorage) StartCommand(ctx context.Context, cmd *models.Command) error {
	now := time.Now().UTC()
	cmd.Stage = models.StagePending
	cmd.CreatedAt, cmd.UpdatedAt = now, now
	info, err := marshalInfo(cmd.ProcessingInfo)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var status models.Stage
		err := tx.QueryRowContext(ctx, `SELECT status FROM sources WHERE id = ?`, cmd.SourceID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("source", cmd.SourceID)
		}
		if err != nil {
			return err
		}
		if !status.Terminal() {
			return fmt.Errorf("%w: source %s is %s", models.ErrInvalidState, cmd.SourceID, status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sources SET status = ?, command_id = ?, processing_info = ?, updated_at = ? WHERE id = ?`,
			cmd.Stage, cmd.ID, info, unixNano(now), cmd.SourceID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO commands (id, source_id, stage, error, processing_info, created_at, updated_at)
			 VALUES (?, ?, ?, '', ?, ?, ?)`,
			cmd.ID, cmd.SourceID, cmd.Stage, info, unixNano(now), unixNano(now))
		return err
	})
}

func scanCommand(row rowScanner) (*models.Command, error) {
	var (
		cmd     models.Command
		info    sql.NullString
		created int64
		updated int64
	)
	if err := row.Scan(&cmd.ID, &cmd.SourceID, &cmd.Stage, &cmd.Error, &info, &created, &updated); err != nil {
		return nil, err
	}
	cmd.ProcessingInfo = unmarshalInfo(info)
	cmd.CreatedAt = fromUnixNano(created)
	cmd.UpdatedAt = fromUnixNano(updated)
	return &cmd, nil
}

// GetCommand returns a command by id.
func (s *SQLiteStorage) GetCommand(ctx context.Context, id string) (*models.Command, error) {
	cmd, err := scanCommand(s.db.QueryRowContext(ctx,
		`SELECT id, source_id, stage, error, processing_info, created_at, updated_at FROM commands WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("command", id)
	}
	return cmd, err
}

// ListCommands returns commands newest first; an empty sourceID lists all.
func (s *SQLiteStorage) ListCommands(ctx context.Context, sourceID string) ([]*models.Command, error) {
	query := `SELECT id, source_id, stage, error, processing_info, created_at, updated_at FROM commands`
	var args []any
	if sourceID != "" {
		query += ` WHERE source_id = ?`
		args = append(args, sourceID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at DESC, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, rows.Err()
}

// ApplyTransition writes the command stage and mirrors it onto the source. The source is only
// touched while it still points at this command, so a stale attempt cannot overwrite a newer one.
func (s *SQLiteStorage) ApplyTransition(ctx context.Context, t models.Transition) error {
	info, err := marshalInfo(t.ProcessingInfo)
	if err != nil {
		return err
	}
	now := unixNano(time.Now())
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE commands SET stage = ?, error = ?, processing_info = ?, updated_at = ? WHERE id = ?`,
			t.Stage, t.Error, info, now, t.CommandID)
		if err != nil {
			return err
		}
		if err := checkAffected(res, "command", t.CommandID); err != nil {
			return err
		}
		query := `UPDATE sources SET status = ?, processing_info = ?, updated_at = ?`
		args := []any{t.Stage, info, now}
		if t.EmbeddedChunks != nil {
			query += `, embedded_chunks = ?`
			args = append(args, *t.EmbeddedChunks)
		}
		query += ` WHERE id = ? AND command_id = ?`
		args = append(args, t.SourceID, t.CommandID)
		res, err = tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: source %s is not on command %s", models.ErrInvalidState, t.SourceID, t.CommandID)
		}
		return nil
	})
}
