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
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var transactionColumns = []string{
	"id", "team_id", "name", "description", "counterparty_name", "amount", "currency",
	"base_amount", "base_currency", "date", "status", "recurring", "matched_inbox_id",
	"embedding", "created_at", "updated_at",
}

type TransactionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewTransactionRepository(db *pgxpool.Pool, logger *zap.Logger) *TransactionRepository {
	return &TransactionRepository{
		db:     db,
		logger: logger,
	}
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	var tx models.Transaction
	var embedding pgtype.FlatArray[float32]
	if err := row.Scan(
		&tx.ID, &tx.TeamID, &tx.Name, &tx.Description, &tx.CounterpartyName, &tx.Amount, &tx.Currency,
		&tx.BaseAmount, &tx.BaseCurrency, &tx.Date, &tx.Status, &tx.Recurring, &tx.MatchedInboxID,
		&embedding, &tx.CreatedAt, &tx.UpdatedAt,
	); err != nil {
		return nil, err
	}
	tx.Embedding = []float32(embedding)
	return &tx, nil
}

func (r *TransactionRepository) CreateBatch(ctx context.Context, transactions []*models.Transaction) error {
	if len(transactions) == 0 {
		return nil
	}

	builder := squirrel.Insert("transactions").
		Columns("id", "team_id", "name", "description", "counterparty_name", "amount", "currency",
			"base_amount", "base_currency", "date", "status", "recurring", "embedding").
		Suffix("ON CONFLICT (id) DO NOTHING").
		PlaceholderFormat(squirrel.Dollar)

	for _, tx := range transactions {
		if tx.ID == uuid.Nil {
			tx.ID = uuid.New()
		}
		builder = builder.Values(tx.ID, tx.TeamID, tx.Name, tx.Description, tx.CounterpartyName, tx.Amount, tx.Currency,
			tx.BaseAmount, tx.BaseCurrency, tx.Date, tx.Status, tx.Recurring, pgtype.FlatArray[float32](tx.Embedding))
	}

	sql, args, err := builder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, sql, args...)
	return err
}

func (r *TransactionRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.Transaction, error) {
	query := squirrel.Select(transactionColumns...).
		From("transactions").
		Where(squirrel.Eq{"id": id, "team_id": teamID}).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	tx, err := scanTransaction(r.db.QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get transaction", fmt.Errorf("transaction %s: %w", id, apperr.ErrNotFound))
	}
	return tx, err
}

// ListCandidates returns posted, unmatched transactions with an embedding inside the
// date window, closest in amount first.
func (r *TransactionRepository) ListCandidates(ctx context.Context, q models.CandidateQuery) ([]*models.Transaction, error) {
	query := squirrel.Select(transactionColumns...).
		From("transactions").
		Where(squirrel.Eq{"team_id": q.TeamID, "status": models.TransactionStatusPosted}).
		Where("matched_inbox_id IS NULL").
		Where("embedding IS NOT NULL").
		Where(squirrel.GtOrEq{"date": q.From}).
		Where(squirrel.LtOrEq{"date": q.To}).
		OrderByClause("ABS(amount - ?) ASC", q.Amount).
		OrderBy("date DESC").
		PlaceholderFormat(squirrel.Dollar)
	if q.Limit > 0 {
		query = query.Limit(uint64(q.Limit))
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

// LinkMatch sets the back-references on both rows in one database transaction. Each
// update only applies while its side is still unlinked.
func (r *TransactionRepository) LinkMatch(ctx context.Context, teamID, inboxID, transactionID uuid.UUID) error {
	return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		linkTx := squirrel.Update("transactions").
			Set("matched_inbox_id", inboxID).
			Set("updated_at", squirrel.Expr("NOW()")).
			Where(squirrel.Eq{"id": transactionID, "team_id": teamID}).
			Where("matched_inbox_id IS NULL").
			PlaceholderFormat(squirrel.Dollar)
		if err := execOne(ctx, tx, linkTx); err != nil {
			return err
		}

		linkInbox := squirrel.Update("inbox").
			Set("transaction_id", transactionID).
			Set("updated_at", squirrel.Expr("NOW()")).
			Where(squirrel.Eq{"id": inboxID, "team_id": teamID}).
			Where("transaction_id IS NULL").
			PlaceholderFormat(squirrel.Dollar)
		return execOne(ctx, tx, linkInbox)
	})
}

func execOne(ctx context.Context, tx pgx.Tx, query squirrel.UpdateBuilder) error {
	sql, args, err := query.ToSql()
	if err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.CategoryValidation, "link match", apperr.ErrAlreadyMatched)
	}
	return nil
}
