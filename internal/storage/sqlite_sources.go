package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

const sourceColumns = `id, title, type, url, file_path, external_key, full_text, embedded_chunks,
	status, command_id, processing_info, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*models.Source, error) {
	var (
		src         models.Source
		externalKey sql.NullString
		info        sql.NullString
		created     int64
		updated     int64
	)
	if err := row.Scan(&src.ID, &src.Title, &src.Type, &src.URL, &src.FilePath, &externalKey,
		&src.FullText, &src.EmbeddedChunks, &src.Status, &src.CommandID, &info, &created, &updated); err != nil {
		return nil, err
	}
	src.ExternalKey = externalKey.String
	src.Embedded = src.EmbeddedChunks > 0
	src.ProcessingInfo = unmarshalInfo(info)
	src.CreatedAt = fromUnixNano(created)
	src.UpdatedAt = fromUnixNano(updated)
	src.NotebookIDs = []string{}
	return &src, nil
}

// CreateSource inserts a source, its notebook links and its first command.
func (s *SQLiteStorage) CreateSource(ctx context.Context, src *models.Source, cmd *models.Command) error {
	now := time.Now().UTC()
	src.CreatedAt, src.UpdatedAt = now, now
	src.Status = models.StagePending
	src.CommandID = cmd.ID
	cmd.SourceID = src.ID
	cmd.Stage = models.StagePending
	cmd.CreatedAt, cmd.UpdatedAt = now, now

	info, err := marshalInfo(src.ProcessingInfo)
	if err != nil {
		return err
	}
	cmdInfo, err := marshalInfo(cmd.ProcessingInfo)
	if err != nil {
		return err
	}
	var externalKey sql.NullString
	if src.ExternalKey != "" {
		externalKey = sql.NullString{String: src.ExternalKey, Valid: true}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sources (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
			src.ID, src.Title, src.Type, src.URL, src.FilePath, externalKey, src.FullText,
			src.Status, src.CommandID, info, unixNano(now), unixNano(now),
		); err != nil {
			return fmt.Errorf("insert source: %w", err)
		}
		for _, nb := range src.NotebookIDs {
			if err := linkTx(ctx, tx, nb, src.ID); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO commands (id, source_id, stage, error, processing_info, created_at, updated_at)
			 VALUES (?, ?, ?, '', ?, ?, ?)`,
			cmd.ID, cmd.SourceID, cmd.Stage, cmdInfo, unixNano(now), unixNano(now),
		); err != nil {
			return fmt.Errorf("insert command: %w", err)
		}
		return nil
	})
}

// GetSource returns a source with its notebook ids.
func (s *SQLiteStorage) GetSource(ctx context.Context, id string) (*models.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("source", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachNotebooks(ctx, []*models.Source{src}); err != nil {
		return nil, err
	}
	return src, nil
}

// GetSourceByExternalKey returns the source registered under key.
func (s *SQLiteStorage) GetSourceByExternalKey(ctx context.Context, key string) (*models.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		`SELECT `+sourceColumns+` FROM sources WHERE external_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("source with key", key)
	}
	if err != nil {
		return nil, err
	}
	if err := s.attachNotebooks(ctx, []*models.Source{src}); err != nil {
		return nil, err
	}
	return src, nil
}

// ListSources returns sources ordered by id, optionally restricted to a notebook.
func (s *SQLiteStorage) ListSources(ctx context.Context, notebookID string) ([]*models.Source, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if notebookID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+sourceColumns+` FROM sources
			 WHERE id IN (SELECT source_id FROM notebook_sources WHERE notebook_id = ?)
			 ORDER BY id`, notebookID)
	}
	if err != nil {
		return nil, err
	}
	var sources []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()
	if err := s.attachNotebooks(ctx, sources); err != nil {
		return nil, err
	}
	return sources, nil
}

// SourceIDs returns source ids ordered ascending, optionally restricted to a notebook.
func (s *SQLiteStorage) SourceIDs(ctx context.Context, notebookID string) ([]string, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if notebookID == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT id FROM sources ORDER BY id`)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT source_id FROM notebook_sources WHERE notebook_id = ? ORDER BY source_id`, notebookID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStorage) attachNotebooks(ctx context.Context, sources []*models.Source) error {
	if len(sources) == 0 {
		return nil
	}
	byID := make(map[string]*models.Source, len(sources))
	args := make([]any, 0, len(sources))
	for _, src := range sources {
		byID[src.ID] = src
		args = append(args, src.ID)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT source_id, notebook_id FROM notebook_sources
		 WHERE source_id IN (`+placeholders(len(args))+`) ORDER BY notebook_id`, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var sourceID, notebookID string
		if err := rows.Scan(&sourceID, &notebookID); err != nil {
			return err
		}
		if src, ok := byID[sourceID]; ok {
			src.NotebookIDs = append(src.NotebookIDs, notebookID)
		}
	}
	return rows.Err()
}

// UpdateSourceContent stores extracted text and title.
func (s *SQLiteStorage) UpdateSourceContent(ctx context.Context, id, title, fullText string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sources SET title = ?, full_text = ?, updated_at = ? WHERE id = ?`,
		title, fullText, unixNano(time.Now()), id)
	if err != nil {
		return err
	}
	return checkAffected(res, "source", id)
}

// DeleteSource removes a source with its chunks, insights, commands and notebook links.
func (s *SQLiteStorage) DeleteSource(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if err := checkAffected(res, "source", id); err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM chunks WHERE source_id = ?`,
			`DELETE FROM insights WHERE source_id = ?`,
			`DELETE FROM commands WHERE source_id = ?`,
			`DELETE FROM notebook_sources WHERE source_id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, q, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// CountSources returns the total number of sources.
func (s *SQLiteStorage) CountSources(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources`).Scan(&count)
	return count, err
}

// CreateInsight inserts an insight for an existing source.
func (s *SQLiteStorage) CreateInsight(ctx context.Context, in *models.Insight) error {
	if _, err := s.GetSource(ctx, in.SourceID); err != nil {
		return err
	}
	in.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO insights (id, source_id, insight_type, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		in.ID, in.SourceID, in.Type, in.Content, unixNano(in.CreatedAt))
	return err
}

// GetInsight returns an insight by id.
func (s *SQLiteStorage) GetInsight(ctx context.Context, id string) (*models.Insight, error) {
	var (
		in      models.Insight
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_id, insight_type, content, created_at FROM insights WHERE id = ?`, id,
	).Scan(&in.ID, &in.SourceID, &in.Type, &in.Content, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("insight", id)
	}
	if err != nil {
		return nil, err
	}
	in.CreatedAt = fromUnixNano(created)
	return &in, nil
}

// ListInsights returns a source's insights in creation order.
func (s *SQLiteStorage) ListInsights(ctx context.Context, sourceID string) ([]*models.Insight, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, insight_type, content, created_at FROM insights
		 WHERE source_id = ? ORDER BY created_at, id`, sourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Insight
	for rows.Next() {
		var (
			in      models.Insight
			created int64
		)
		if err := rows.Scan(&in.ID, &in.SourceID, &in.Type, &in.Content, &created); err != nil {
			return nil, err
		}
		in.CreatedAt = fromUnixNano(created)
		out = append(out, &in)
	}
	return out, rows.Err()
}
