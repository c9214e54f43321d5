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
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var inboxColumns = []string{
	"i.id", "i.team_id", "i.reference_id", "i.file_path", "i.file_name", "i.content_type", "i.size",
	"i.display_name", "i.amount", "i.currency", "i.base_amount", "i.base_currency", "i.date",
	"i.invoice_number", "i.tax_amount", "i.tax_rate", "i.tax_type", "i.type", "i.website",
	"i.sender_email", "i.description", "i.tags", "i.transaction_id", "i.grouped_inbox_id",
	"i.inbox_account_id", "i.status", "i.source_metadata", "i.created_at", "i.updated_at",
	"e.embedding",
}

// statuses an item can never leave through this pipeline
var terminalStatuses = []models.InboxStatus{models.InboxStatusOther, models.InboxStatusNoMatch}

type InboxRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

func NewInboxRepository(db *pgxpool.Pool, logger *zap.Logger) *InboxRepository {
	return &InboxRepository{
		db:     db,
		logger: logger,
	}
}

func selectInbox() squirrel.SelectBuilder {
	return squirrel.Select(inboxColumns...).
		From("inbox i").
		LeftJoin("inbox_embeddings e ON e.inbox_id = i.id").
		PlaceholderFormat(squirrel.Dollar)
}

func scanInbox(row pgx.Row) (*models.InboxItem, error) {
	var item models.InboxItem
	var embedding pgtype.FlatArray[float32]
	if err := row.Scan(
		&item.ID, &item.TeamID, &item.ReferenceID, &item.FilePath, &item.FileName, &item.ContentType, &item.Size,
		&item.DisplayName, &item.Amount, &item.Currency, &item.BaseAmount, &item.BaseCurrency, &item.Date,
		&item.InvoiceNumber, &item.TaxAmount, &item.TaxRate, &item.TaxType, &item.Type, &item.Website,
		&item.SenderEmail, &item.Description, &item.Tags, &item.TransactionID, &item.GroupedInboxID,
		&item.InboxAccountID, &item.Status, &item.SourceMetadata, &item.CreatedAt, &item.UpdatedAt,
		&embedding,
	); err != nil {
		return nil, err
	}
	item.Embedding = []float32(embedding)
	return &item, nil
}

func (r *InboxRepository) queryOne(ctx context.Context, query squirrel.SelectBuilder) (*models.InboxItem, error) {
	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	return scanInbox(r.db.QueryRow(ctx, sql, args...))
}

func (r *InboxRepository) GetByID(ctx context.Context, teamID, id uuid.UUID) (*models.InboxItem, error) {
	item, err := r.queryOne(ctx, selectInbox().Where(squirrel.Eq{"i.id": id, "i.team_id": teamID}))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("get inbox item", fmt.Errorf("inbox %s: %w", id, apperr.ErrNotFound))
	}
	return item, err
}

// GetByFilePath returns nil without error when no item owns the path.
func (r *InboxRepository) GetByFilePath(ctx context.Context, teamID uuid.UUID, filePath []string) (*models.InboxItem, error) {
	item, err := r.queryOne(ctx, selectInbox().
		Where(squirrel.Eq{"i.team_id": teamID}).
		Where(squirrel.Expr("i.file_path = ?", filePath)).
		Limit(1))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return item, err
}

// CreateOrGet inserts the item unless a row with the same (team_id, reference_id)
// exists, in which case the existing row is returned and created is false.
func (r *InboxRepository) CreateOrGet(ctx context.Context, item *models.InboxItem) (*models.InboxItem, bool, error) {
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Status == "" {
		item.Status = models.InboxStatusNew
	}

	query := squirrel.Insert("inbox").
		Columns("id", "team_id", "reference_id", "file_path", "file_name", "content_type", "size",
			"website", "sender_email", "inbox_account_id", "status", "source_metadata").
		Values(item.ID, item.TeamID, item.ReferenceID, item.FilePath, item.FileName, item.ContentType, item.Size,
			item.Website, item.SenderEmail, item.InboxAccountID, item.Status, item.SourceMetadata).
		Suffix("ON CONFLICT (team_id, reference_id) DO NOTHING RETURNING id").
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, false, err
	}

	var id uuid.UUID
	err = r.db.QueryRow(ctx, sql, args...).Scan(&id)
	switch {
	case err == nil:
		created, err := r.GetByID(ctx, item.TeamID, id)
		return created, true, err
	case errors.Is(err, pgx.ErrNoRows):
		existing, err := r.queryOne(ctx, selectInbox().Where(squirrel.Eq{
			"i.team_id":      item.TeamID,
			"i.reference_id": item.ReferenceID,
		}))
		if err != nil {
			return nil, false, fmt.Errorf("load conflicting inbox row: %w", err)
		}
		return existing, false, nil
	default:
		return nil, false, err
	}
}

func (r *InboxRepository) UpdateFile(ctx context.Context, id uuid.UUID, contentType string, size int64) error {
	return r.exec(ctx, squirrel.Update("inbox").
		Set("content_type", contentType).
		Set("size", size).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}))
}

// TransitionStatus moves the item to `to` only while its status is one of from. With
// no from statuses any non-terminal status qualifies. It reports whether a row changed.
func (r *InboxRepository) TransitionStatus(ctx context.Context, id uuid.UUID, to models.InboxStatus, from ...models.InboxStatus) (bool, error) {
	query := squirrel.Update("inbox").
		Set("status", to).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar)
	if len(from) > 0 {
		query = query.Where(squirrel.Eq{"status": from})
	} else {
		query = query.Where(squirrel.NotEq{"status": terminalStatuses})
	}

	sql, args, err := query.ToSql()
	if err != nil {
		return false, err
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *InboxRepository) SetPending(ctx context.Context, id uuid.UUID) error {
	_, err := r.TransitionStatus(ctx, id, models.InboxStatusPending,
		models.InboxStatusNew, models.InboxStatusProcessing, models.InboxStatusAnalyzing, models.InboxStatusPending)
	return err
}

func (r *InboxRepository) UpdateExtraction(ctx context.Context, id uuid.UUID, ext *models.InboxExtraction) error {
	return r.exec(ctx, squirrel.Update("inbox").
		Set("display_name", ext.DisplayName).
		Set("amount", ext.Amount).
		Set("currency", ext.Currency).
		Set("date", ext.Date).
		Set("invoice_number", ext.InvoiceNumber).
		Set("tax_amount", ext.TaxAmount).
		Set("tax_rate", ext.TaxRate).
		Set("tax_type", ext.TaxType).
		Set("type", ext.Type).
		Set("website", squirrel.Expr("COALESCE(?, website)", ext.Website)).
		Set("description", ext.Description).
		Set("tags", ext.Tags).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}))
}

// GroupByInvoiceNumber links the item to the oldest other item of the team carrying the
// same invoice number. It returns the group id, or nil when there is nothing to group.
func (r *InboxRepository) GroupByInvoiceNumber(ctx context.Context, item *models.InboxItem) (*uuid.UUID, error) {
	if item.InvoiceNumber == nil || *item.InvoiceNumber == "" {
		return nil, nil
	}

	query := squirrel.Select("id").
		From("inbox").
		Where(squirrel.Eq{"team_id": item.TeamID, "invoice_number": *item.InvoiceNumber}).
		Where(squirrel.NotEq{"id": item.ID}).
		OrderBy("created_at ASC").
		Limit(1).
		PlaceholderFormat(squirrel.Dollar)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}

	var groupID uuid.UUID
	if err := r.db.QueryRow(ctx, sql, args...).Scan(&groupID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if err := r.exec(ctx, squirrel.Update("inbox").
		Set("grouped_inbox_id", groupID).
		Where(squirrel.Eq{"id": item.ID})); err != nil {
		return nil, err
	}
	return &groupID, nil
}

func (r *InboxRepository) UpdateTags(ctx context.Context, id uuid.UUID, tags []string) error {
	return r.exec(ctx, squirrel.Update("inbox").
		Set("tags", tags).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"id": id}))
}

func (r *InboxRepository) ExistingReferenceIDs(ctx context.Context, teamID uuid.UUID, refs []string) (map[string]bool, error) {
	found := make(map[string]bool)
	if len(refs) == 0 {
		return found, nil
	}

	query := squirrel.Select("reference_id").
		From("inbox").
		Where(squirrel.Eq{"team_id": teamID, "reference_id": refs}).
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

	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, err
		}
		found[ref] = true
	}
	return found, rows.Err()
}

// ListMatchable returns pending, unlinked items with an embedding, newest first.
func (r *InboxRepository) ListMatchable(ctx context.Context, q models.MatchableQuery) ([]*models.InboxItem, error) {
	query := selectInbox().
		Where(squirrel.Eq{"i.team_id": q.TeamID, "i.status": models.InboxStatusPending}).
		Where("i.transaction_id IS NULL").
		Where("e.embedding IS NOT NULL").
		OrderBy("i.created_at DESC")
	if len(q.Exclude) > 0 {
		query = query.Where(squirrel.NotEq{"i.id": q.Exclude})
	}
	if !q.From.IsZero() {
		query = query.Where(squirrel.GtOrEq{"COALESCE(i.date, i.created_at::date)": q.From})
	}
	if !q.To.IsZero() {
		query = query.Where(squirrel.LtOrEq{"COALESCE(i.date, i.created_at::date)": q.To})
	}
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

	var items []*models.InboxItem
	for rows.Next() {
		item, err := scanInbox(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkNoMatchOlderThan moves unlinked pending items created strictly before cutoff to
// no_match and returns the number of items per team.
func (r *InboxRepository) MarkNoMatchOlderThan(ctx context.Context, cutoff time.Time) (map[uuid.UUID]int, error) {
	query := squirrel.Update("inbox").
		Set("status", models.InboxStatusNoMatch).
		Set("updated_at", squirrel.Expr("NOW()")).
		Where(squirrel.Eq{"status": models.InboxStatusPending}).
		Where("transaction_id IS NULL").
		Where(squirrel.Lt{"created_at": cutoff}).
		Suffix("RETURNING team_id").
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

	perTeam := make(map[uuid.UUID]int)
	for rows.Next() {
		var teamID uuid.UUID
		if err := rows.Scan(&teamID); err != nil {
			return nil, err
		}
		perTeam[teamID]++
	}
	return perTeam, rows.Err()
}

func (r *InboxRepository) exec(ctx context.Context, query squirrel.UpdateBuilder) error {
	sql, args, err := query.PlaceholderFormat(squirrel.Dollar).ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return err
}
