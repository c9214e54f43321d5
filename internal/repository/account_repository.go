package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/models"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var accountColumns = []string{
	"id", "team_id", "provider", "email", "access_token", "refresh_token", "expiry_date",
	"status", "last_accessed", "schedule_id", "error_message", "created_at", "updated_at",
}

type AccountRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewAccountRepository(db *pgxpool.Pool, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{
		db:     db,
		logger: logger,
	}
}

func scanAccount(row pgx.Row) (*models.InboxAccount, error) {
	var a models.InboxAccount
	err := row.Scan(
		&a.ID, &a.TeamID, &a.Provider, &a.Email, &a.AccessToken, &a.RefreshToken, &a.ExpiryDate,
		&a.Status, &a.LastAccessed, &a.ScheduleID, &a.ErrorMessage, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) Create(ctx context.Context, a *models.InboxAccount) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = models.AccountStatusConnected
	}

	query := squirrel.Insert("inbox_accounts").
		Columns("id", "team_id", "provider", "email", "access_token", "refresh_token", "expiry_date", "status").
		Values(a.ID, a.TeamID, a.Provider, a.Email, a.AccessToken, a.RefreshToken, a.ExpiryDate, a.Status).
		Suffix("ON CONFLICT (id) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *AccountRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.InboxAccount, error) {
	query := squirrel.Select(accountColumns...).
		From("inbox_accounts").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	a, err := scanAccount(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get inbox account", fmt.Errorf("account %s: %w", id, apperr.ErrNotFound))
	}
	return a, err
}

func (r *AccountRepository) ListConnected(ctx context.Context) ([]*models.InboxAccount, error) {
	query := squirrel.Select(accountColumns...).
		From("inbox_accounts").
		Where(squirrel.Eq{"status": models.AccountStatusConnected}).
		OrderBy("created_at ASC").
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

	var accounts []*models.InboxAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *AccountRepository) SetScheduleID(ctx context.Context, id uuid.UUID, scheduleID string) error {
	return r.update(ctx, id, squirrel.Eq{"schedule_id": scheduleID})
}

// MarkSynced records a successful sync. It does not touch status: only a
// re-authentication reconnects a disconnected account.
func (r *AccountRepository) MarkSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	return r.update(ctx, id, squirrel.Eq{"last_accessed": at, "error_message": nil})
}

func (r *AccountRepository) MarkDisconnected(ctx context.Context, id uuid.UUID, message string) error {
	return r.update(ctx, id, squirrel.Eq{"status": models.AccountStatusDisconnected, "error_message": message})
}

// UpdateTokens persists refreshed OAuth credentials.
func (r *AccountRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken, refreshToken string, expiry time.Time) error {
	return r.update(ctx, id, squirrel.Eq{"access_token": accessToken, "refresh_token": refreshToken, "expiry_date": expiry})
}

func (r *AccountRepository) update(ctx context.Context, id uuid.UUID, fields squirrel.Eq) error {
	query := squirrel.Update("inbox_accounts").
		SetMap(fields).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}
