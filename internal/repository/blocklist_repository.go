package repository

import (
	"context"

	"inbox-pipeline/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type BlocklistRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewBlocklistRepository(db *pgxpool.Pool, logger *zap.Logger) *BlocklistRepository {
	return &BlocklistRepository{
		db:     db,
		logger: logger,
	}
}

func (r *BlocklistRepository) ListByTeam(ctx context.Context, teamID uuid.UUID) ([]*models.BlocklistEntry, error) {
	query := squirrel.Select("id", "team_id", "type", "value").
		From("inbox_blocklist").
		Where(squirrel.Eq{"team_id": teamID}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.BlocklistEntry
	for rows.Next() {
		var e models.BlocklistEntry
		if err := rows.Scan(&e.ID, &e.TeamID, &e.Type, &e.Value); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
