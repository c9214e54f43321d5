package repository

import (
	"context"

	"inbox-pipeline/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type EmbeddingRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewEmbeddingRepository(db *pgxpool.Pool, logger *zap.Logger) *EmbeddingRepository {
	return &EmbeddingRepository{
		db:     db,
		logger: logger,
	}
}

func (r *EmbeddingRepository) Exists(ctx context.Context, inboxID uuid.UUID) (bool, error) {
	query := squirrel.Select("1").
		Prefix("SELECT EXISTS (").
		From("inbox_embeddings").
		Where(squirrel.Eq{"inbox_id": inboxID}).
		Suffix(")").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return false, err
	}

	var exists bool
	err = r.db.QueryRow(ctx, sql, args...).Scan(&exists)
	return exists, err
}

// Create stores the embedding. A second insert for the same inbox item is ignored so
// there is at most one row per item.
func (r *EmbeddingRepository) Create(ctx context.Context, e *models.InboxEmbedding) error {
	vector := pgtype.FlatArray[float32](e.Embedding)

	query := squirrel.Insert("inbox_embeddings").
		Columns("inbox_id", "team_id", "embedding", "source_text", "model").
		Values(e.InboxID, e.TeamID, vector, e.SourceText, e.Model).
		Suffix("ON CONFLICT (inbox_id) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		r.logger.Info("Embedding already stored, insert ignored", zap.String("inbox_id", e.InboxID.String()))
	}
	return nil
}
