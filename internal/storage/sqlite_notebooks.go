package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// CreateNotebook inserts a notebook.
func (s *SQLiteStorage) CreateNotebook(ctx context.Context, nb *models.Notebook) error {
	now := time.Now().UTC()
	nb.CreatedAt, nb.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notebooks (id, name, description, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		nb.ID, nb.Name, nb.Description, nb.Archived, unixNano(now), unixNano(now))
	return err
}

func scanNotebook(row rowScanner) (*models.Notebook, error) {
	var (
		nb      models.Notebook
		created int64
		updated int64
	)
	if err := row.Scan(&nb.ID, &nb.Name, &nb.Description, &nb.Archived, &created, &updated); err != nil {
		return nil, err
	}
	nb.CreatedAt = fromUnixNano(created)
	nb.UpdatedAt = fromUnixNano(updated)
	return &nb, nil
}

// GetNotebook returns a notebook by id.
func (s *SQLiteStorage) GetNotebook(ctx context.Context, id string) (*models.Notebook, error) {
	nb, err := scanNotebook(s.db.QueryRowContext(ctx,
		`SELECT id, name, description, archived, created_at, updated_at FROM notebooks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("notebook", id)
	}
	return nb, err
}

// ListNotebooks returns notebooks, most recently updated first.
func (s *SQLiteStorage) ListNotebooks(ctx context.Context) ([]*models.Notebook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, archived, created_at, updated_at FROM notebooks
		 ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Notebook
	for rows.Next() {
		nb, err := scanNotebook(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nb)
	}
	return out, rows.Err()
}

// UpdateNotebook updates name, description and archived flag.
func (s *SQLiteStorage) UpdateNotebook(ctx context.Context, nb *models.Notebook) error {
	nb.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE notebooks SET name = ?, description = ?, archived = ?, updated_at = ? WHERE id = ?`,
		nb.Name, nb.Description, nb.Archived, unixNano(nb.UpdatedAt), nb.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "notebook", nb.ID)
}

// DeleteNotebook removes a notebook, its notes and its source links. Sources are kept.
func (s *SQLiteStorage) DeleteNotebook(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM notebooks WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if err := checkAffected(res, "notebook", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM notes WHERE notebook_id = ?`, id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM notebook_sources WHERE notebook_id = ?`, id)
		return err
	})
}

// LinkSource adds a source to a notebook. Linking twice is a no-op.
func (s *SQLiteStorage) LinkSource(ctx context.Context, notebookID, sourceID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE id = ?`, sourceID).Scan(&n); err != nil {
			return err
		}
		if n == 0 {
			return notFound("source", sourceID)
		}
		return linkTx(ctx, tx, notebookID, sourceID)
	})
}

func linkTx(ctx context.Context, tx *sql.Tx, notebookID, sourceID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM notebooks WHERE id = ?`, notebookID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return notFound("notebook", notebookID)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO notebook_sources (notebook_id, source_id) VALUES (?, ?)`, notebookID, sourceID)
	return err
}

// UnlinkSource removes a source from a notebook.
func (s *SQLiteStorage) UnlinkSource(ctx context.Context, notebookID, sourceID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notebook_sources WHERE notebook_id = ? AND source_id = ?`, notebookID, sourceID)
	if err != nil {
		return err
	}
	return checkAffected(res, "notebook link", notebookID+"/"+sourceID)
}

// CreateNote inserts a note into an existing notebook.
func (s *SQLiteStorage) CreateNote(ctx context.Context, note *models.Note) error {
	if _, err := s.GetNotebook(ctx, note.NotebookID); err != nil {
		return err
	}
	now := time.Now().UTC()
	note.CreatedAt, note.UpdatedAt = now, now
	if note.Type == "" {
		note.Type = models.NoteHuman
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, notebook_id, title, content, note_type, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.NotebookID, note.Title, note.Content, note.Type, unixNano(now), unixNano(now))
	return err
}

func scanNote(row rowScanner) (*models.Note, error) {
	var (
		note    models.Note
		created int64
		updated int64
	)
	if err := row.Scan(&note.ID, &note.NotebookID, &note.Title, &note.Content, &note.Type, &created, &updated); err != nil {
		return nil, err
	}
	note.CreatedAt = fromUnixNano(created)
	note.UpdatedAt = fromUnixNano(updated)
	return &note, nil
}

// GetNote returns a note by id.
func (s *SQLiteStorage) GetNote(ctx context.Context, id string) (*models.Note, error) {
	note, err := scanNote(s.db.QueryRowContext(ctx,
		`SELECT id, notebook_id, title, content, note_type, created_at, updated_at FROM notes WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("note", id)
	}
	return note, err
}

// ListNotes returns notes ordered by id; an empty notebookID lists all.
func (s *SQLiteStorage) ListNotes(ctx context.Context, notebookID string) ([]*models.Note, error) {
	query := `SELECT id, notebook_id, title, content, note_type, created_at, updated_at FROM notes`
	var args []any
	if notebookID != "" {
		query += ` WHERE notebook_id = ?`
		args = append(args, notebookID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Note
	for rows.Next() {
		note, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, note)
	}
	return out, rows.Err()
}

// UpdateNote updates title and content.
func (s *SQLiteStorage) UpdateNote(ctx context.Context, note *models.Note) error {
	note.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET title = ?, content = ?, updated_at = ? WHERE id = ?`,
		note.Title, note.Content, unixNano(note.UpdatedAt), note.ID)
	if err != nil {
		return err
	}
	return checkAffected(res, "note", note.ID)
}

// DeleteNote removes a note.
func (s *SQLiteStorage) DeleteNote(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res, "note", id)
}
