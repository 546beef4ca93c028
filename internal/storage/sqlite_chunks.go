package storage

import (
	"context"
	"time"

	"github.com/hyperjump/kioku/internal/models"
)

// InsertChunk writes a chunk and its vector as one row.
func (s *SQLiteStorage) InsertChunk(ctx context.Context, chunk *models.Chunk) error {
	chunk.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunks (id, source_id, ordinal, content, start_offset, end_offset, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		chunk.ID, chunk.SourceID, chunk.Ordinal, chunk.Content, chunk.Start, chunk.End,
		encodeVector(chunk.Embedding), unixNano(chunk.CreatedAt),
	)
	return err
}

// DeleteChunks removes all chunks for a source.
func (s *SQLiteStorage) DeleteChunks(ctx context.Context, sourceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE source_id = ?`, sourceID)
	return err
}

// ListChunks returns a source's chunks ordered by ordinal.
func (s *SQLiteStorage) ListChunks(ctx context.Context, sourceID string) ([]*models.Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT id, source_id, ordinal, content, start_offset, end_offset, embedding, created_at
		 FROM chunks WHERE source_id = ? ORDER BY ordinal`, sourceID)
}

// CountChunks returns the number of chunks stored for a source.
func (s *SQLiteStorage) CountChunks(ctx context.Context, sourceID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE source_id = ?`, sourceID).Scan(&count)
	return count, err
}

// CountAllChunks returns the total number of chunks.
func (s *SQLiteStorage) CountAllChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// ChunkCandidates returns retrievable chunks. Chunks left behind by a failed or running
// attempt are excluded because their source reports zero embedded chunks.
func (s *SQLiteStorage) ChunkCandidates(ctx context.Context, sourceIDs []string) ([]*models.Chunk, error) {
	query := `SELECT c.id, c.source_id, c.ordinal, c.content, c.start_offset, c.end_offset, c.embedding, c.created_at
		 FROM chunks c JOIN sources s ON s.id = c.source_id
		 WHERE s.embedded_chunks > 0 AND c.ordinal < s.embedded_chunks`
	var args []any
	if sourceIDs != nil {
		if len(sourceIDs) == 0 {
			return nil, nil
		}
		query += ` AND c.source_id IN (` + placeholders(len(sourceIDs)) + `)`
		for _, id := range sourceIDs {
			args = append(args, id)
		}
	}
	return s.queryChunks(ctx, query, args...)
}

func (s *SQLiteStorage) queryChunks(ctx context.Context, query string, args ...any) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []*models.Chunk
	for rows.Next() {
		var (
			c       models.Chunk
			vec     []byte
			created int64
		)
		if err := rows.Scan(&c.ID, &c.SourceID, &c.Ordinal, &c.Content, &c.Start, &c.End, &vec, &created); err != nil {
			return nil, err
		}
		c.Embedding = decodeVector(vec)
		c.CreatedAt = fromUnixNano(created)
		chunks = append(chunks, &c)
	}
	return chunks, rows.Err()
}
