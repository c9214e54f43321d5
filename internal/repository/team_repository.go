package repository

import (
	"context"
	"errors"
	"fmt"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type TeamRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTeamRepository(db *pgxpool.Pool, logger *zap.Logger) *TeamRepository {
	return &TeamRepository{
		db:     db,
		logger: logger,
	}
}

func (r *TeamRepository) Create(ctx context.Context, team *models.Team) error {
	query := squirrel.Insert("teams").
		Columns("id", "name", "base_currency").
		Values(team.ID, team.Name, team.BaseCurrency).
		Suffix("ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, base_currency = EXCLUDED.base_currency").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *TeamRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Team, error) {
	query := squirrel.Select("id", "name", "base_currency").
		From("teams").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	var team models.Team
	err = r.db.QueryRow(ctx, sql, args...).Scan(&team.ID, &team.Name, &team.BaseCurrency)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get team", fmt.Errorf("team %s: %w", id, apperr.ErrNotFound))
	}
	if err != nil {
		return nil, err
	}
	return &team, nil
}
