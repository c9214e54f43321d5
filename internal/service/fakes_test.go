package service

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"inbox-pipeline/internal/apperr"
	"inbox-pipeline/internal/ingest"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// memDB backs the store fakes with the same conditional-update semantics as the
// Postgres repositories.
type memDB struct {
	mu         sync.Mutex
	inbox      map[uuid.UUID]*models.InboxItem
	embeddings map[uuid.UUID]*models.InboxEmbedding
	txs        map[uuid.UUID]*models.Transaction
	teams      map[uuid.UUID]*models.Team
	accounts   map[uuid.UUID]*models.InboxAccount
	blocklist  []*models.BlocklistEntry
	objects    map[string][]byte
	now        func() time.Time

	// embedCreates counts embedding inserts
	embedCreates int
	linkCalls    int
}

func newMemDB() *memDB {
	return &memDB{
		inbox:      make(map[uuid.UUID]*models.InboxItem),
		embeddings: make(map[uuid.UUID]*models.InboxEmbedding),
		txs:        make(map[uuid.UUID]*models.Transaction),
		teams:      make(map[uuid.UUID]*models.Team),
		accounts:   make(map[uuid.UUID]*models.InboxAccount),
		objects:    make(map[string][]byte),
		now:        time.Now,
	}
}

func (db *memDB) item(id uuid.UUID) *models.InboxItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	if it, ok := db.inbox[id]; ok {
		cp := *it
		return &cp
	}
	return nil
}

func (db *memDB) putItem(item *models.InboxItem) *models.InboxItem {
	db.mu.Lock()
	defer db.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = db.now()
	}
	db.inbox[item.ID] = item
	return item
}

func (db *memDB) putTx(tx *models.Transaction) *models.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = models.TransactionStatusPosted
	}
	db.txs[tx.ID] = tx
	return tx
}

func (db *memDB) tx(id uuid.UUID) *models.Transaction {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := *db.txs[id]
	return &cp
}

func (db *memDB) withEmbedding(it *models.InboxItem) *models.InboxItem {
	cp := *it
	if e, ok := db.embeddings[it.ID]; ok {
		cp.Embedding = e.Embedding
	}
	return &cp
}

type memInbox struct{ db *memDB }

func (s memInbox) GetByID(_ context.Context, teamID, id uuid.UUID) (*models.InboxItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	it, ok := s.db.inbox[id]
	if !ok || it.TeamID != teamID {
		return nil, apperr.NotFound("get inbox item", fmt.Errorf("inbox %s", id))
	}
	return s.db.withEmbedding(it), nil
}

func (s memInbox) GetByFilePath(_ context.Context, teamID uuid.UUID, filePath []string) (*models.InboxItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	for _, it := range s.db.inbox {
		if it.TeamID == teamID && slices.Equal(it.FilePath, filePath) {
			cp := *it
			return &cp, nil
		}
	}
	return nil, nil
}

func (s memInbox) CreateOrGet(_ context.Context, item *models.InboxItem) (*models.InboxItem, bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if item.ReferenceID != nil {
		for _, it := range s.db.inbox {
			if it.TeamID == item.TeamID && it.ReferenceID != nil && *it.ReferenceID == *item.ReferenceID {
				cp := *it
				return &cp, false, nil
			}
		}
	}
	stored := *item
	stored.ID = uuid.New()
	if stored.Status == "" {
		stored.Status = models.InboxStatusNew
	}
	stored.CreatedAt = s.db.now()
	s.db.inbox[stored.ID] = &stored
	cp := stored
	return &cp, true, nil
}

func (s memInbox) UpdateFile(_ context.Context, id uuid.UUID, contentType string, size int64) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	it := s.db.inbox[id]
	it.ContentType = contentType
	it.Size = size
	return nil
}

func (s memInbox) TransitionStatus(_ context.Context, id uuid.UUID, to models.InboxStatus, from ...models.InboxStatus) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	it, ok := s.db.inbox[id]
	if !ok {
		return false, nil
	}
	if len(from) > 0 && !slices.Contains(from, it.Status) {
		return false, nil
	}
	if len(from) == 0 && (it.Status == models.InboxStatusNoMatch || it.Status == models.InboxStatusOther) {
		return false, nil
	}
	it.Status = to
	return true, nil
}

func (s memInbox) SetPending(ctx context.Context, id uuid.UUID) error {
	_, err := s.TransitionStatus(ctx, id, models.InboxStatusPending,
		models.InboxStatusNew, models.InboxStatusProcessing, models.InboxStatusAnalyzing, models.InboxStatusPending)
	return err
}

// strictInbox refuses writes on a finished context, as the Postgres repository does.
type strictInbox struct{ memInbox }

func (s strictInbox) SetPending(ctx context.Context, id uuid.UUID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.memInbox.SetPending(ctx, id)
}

func (s memInbox) UpdateExtraction(_ context.Context, id uuid.UUID, ext *models.InboxExtraction) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	it := s.db.inbox[id]
	it.DisplayName = ext.DisplayName
	it.Amount = ext.Amount
	it.Currency = ext.Currency
	it.Date = ext.Date
	it.InvoiceNumber = ext.InvoiceNumber
	it.TaxAmount = ext.TaxAmount
	it.TaxRate = ext.TaxRate
	it.TaxType = ext.TaxType
	typ := ext.Type
	it.Type = &typ
	if ext.Website != nil {
		it.Website = ext.Website
	}
	it.Description = ext.Description
	it.Tags = ext.Tags
	return nil
}

func (s memInbox) GroupByInvoiceNumber(_ context.Context, item *models.InboxItem) (*uuid.UUID, error) {
	if item.InvoiceNumber == nil || *item.InvoiceNumber == "" {
		return nil, nil
	}
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var oldest *models.InboxItem
	for _, it := range s.db.inbox {
		if it.ID == item.ID || it.TeamID != item.TeamID || it.InvoiceNumber == nil || *it.InvoiceNumber != *item.InvoiceNumber {
			continue
		}
		if oldest == nil || it.CreatedAt.Before(oldest.CreatedAt) {
			oldest = it
		}
	}
	if oldest == nil {
		return nil, nil
	}
	id := oldest.ID
	s.db.inbox[item.ID].GroupedInboxID = &id
	return &id, nil
}

func (s memInbox) UpdateTags(_ context.Context, id uuid.UUID, tags []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.inbox[id].Tags = tags
	return nil
}

func (s memInbox) ExistingReferenceIDs(_ context.Context, teamID uuid.UUID, refs []string) (map[string]bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	found := make(map[string]bool)
	for _, it := range s.db.inbox {
		if it.TeamID == teamID && it.ReferenceID != nil && slices.Contains(refs, *it.ReferenceID) {
			found[*it.ReferenceID] = true
		}
	}
	return found, nil
}

func (s memInbox) ListMatchable(_ context.Context, q models.MatchableQuery) ([]*models.InboxItem, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.InboxItem
	for _, it := range s.db.inbox {
		if it.TeamID != q.TeamID || it.Status != models.InboxStatusPending || it.TransactionID != nil {
			continue
		}
		if _, ok := s.db.embeddings[it.ID]; !ok || slices.Contains(q.Exclude, it.ID) {
			continue
		}
		d := it.EffectiveDate()
		if (!q.From.IsZero() && d.Before(q.From)) || (!q.To.IsZero() && d.After(q.To)) {
			continue
		}
		out = append(out, s.db.withEmbedding(it))
	}
	slices.SortFunc(out, func(a, b *models.InboxItem) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s memInbox) MarkNoMatchOlderThan(_ context.Context, cutoff time.Time) (map[uuid.UUID]int, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	perTeam := make(map[uuid.UUID]int)
	for _, it := range s.db.inbox {
		if it.Status == models.InboxStatusPending && it.TransactionID == nil && it.CreatedAt.Before(cutoff) {
			it.Status = models.InboxStatusNoMatch
			perTeam[it.TeamID]++
		}
	}
	return perTeam, nil
}

type memEmbeddings struct{ db *memDB }

func (s memEmbeddings) Exists(_ context.Context, inboxID uuid.UUID) (bool, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	_, ok := s.db.embeddings[inboxID]
	return ok, nil
}

func (s memEmbeddings) Create(_ context.Context, e *models.InboxEmbedding) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if _, ok := s.db.embeddings[e.InboxID]; ok {
		return errors.New("duplicate key value violates unique constraint")
	}
	s.db.embeddings[e.InboxID] = e
	s.db.embedCreates++
	return nil
}

type memTransactions struct{ db *memDB }

func (s memTransactions) GetByID(_ context.Context, teamID, id uuid.UUID) (*models.Transaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	tx, ok := s.db.txs[id]
	if !ok || tx.TeamID != teamID {
		return nil, apperr.NotFound("get transaction", fmt.Errorf("transaction %s", id))
	}
	cp := *tx
	return &cp, nil
}

func (s memTransactions) ListCandidates(_ context.Context, q models.CandidateQuery) ([]*models.Transaction, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.Transaction
	for _, tx := range s.db.txs {
		if tx.TeamID != q.TeamID || tx.MatchedInboxID != nil || tx.Status != models.TransactionStatusPosted || tx.Embedding == nil {
			continue
		}
		if tx.Date.Before(q.From) || tx.Date.After(q.To) {
			continue
		}
		cp := *tx
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.Transaction) int {
		da, db := math.Abs(a.Amount-q.Amount), math.Abs(b.Amount-q.Amount)
		if da != db {
			return cmp.Compare(da, db)
		}
		return b.Date.Compare(a.Date)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s memTransactions) LinkMatch(_ context.Context, teamID, inboxID, transactionID uuid.UUID) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.linkCalls++
	it, tx := s.db.inbox[inboxID], s.db.txs[transactionID]
	if it == nil || tx == nil || it.TeamID != teamID || tx.TeamID != teamID {
		return apperr.NotFound("link match", errors.New("missing row"))
	}
	if it.TransactionID != nil || tx.MatchedInboxID != nil {
		return apperr.ErrAlreadyMatched
	}
	it.TransactionID = &transactionID
	tx.MatchedInboxID = &inboxID
	return nil
}

type memTeams struct{ db *memDB }

func (s memTeams) GetByID(_ context.Context, id uuid.UUID) (*models.Team, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	t, ok := s.db.teams[id]
	if !ok {
		return nil, apperr.NotFound("get team", fmt.Errorf("team %s", id))
	}
	return t, nil
}

type memAccounts struct {
	db *memDB

	disconnected map[uuid.UUID]string
	tokens       map[uuid.UUID]string
}

func newMemAccounts(db *memDB) *memAccounts {
	return &memAccounts{db: db, disconnected: make(map[uuid.UUID]string), tokens: make(map[uuid.UUID]string)}
}

func (s *memAccounts) GetByID(_ context.Context, id uuid.UUID) (*models.InboxAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	a, ok := s.db.accounts[id]
	if !ok {
		return nil, apperr.NotFound("get account", fmt.Errorf("account %s", id))
	}
	cp := *a
	return &cp, nil
}

func (s *memAccounts) ListConnected(_ context.Context) ([]*models.InboxAccount, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.InboxAccount
	for _, a := range s.db.accounts {
		if a.Status == models.AccountStatusConnected {
			cp := *a
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *models.InboxAccount) int { return strings.Compare(a.ID.String(), b.ID.String()) })
	return out, nil
}

func (s *memAccounts) SetScheduleID(_ context.Context, id uuid.UUID, scheduleID string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.accounts[id].ScheduleID = &scheduleID
	return nil
}

func (s *memAccounts) MarkSynced(_ context.Context, id uuid.UUID, at time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.accounts[id].LastAccessed = &at
	s.db.accounts[id].ErrorMessage = nil
	return nil
}

func (s *memAccounts) MarkDisconnected(_ context.Context, id uuid.UUID, message string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.accounts[id].Status = models.AccountStatusDisconnected
	s.db.accounts[id].ErrorMessage = &message
	s.disconnected[id] = message
	return nil
}

func (s *memAccounts) UpdateTokens(_ context.Context, id uuid.UUID, accessToken, _ string, _ time.Time) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.tokens[id] = accessToken
	return nil
}

type memBlocklist struct{ db *memDB }

func (s memBlocklist) ListByTeam(_ context.Context, teamID uuid.UUID) ([]*models.BlocklistEntry, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	var out []*models.BlocklistEntry
	for _, e := range s.db.blocklist {
		if e.TeamID == teamID {
			out = append(out, e)
		}
	}
	return out, nil
}

type memObjects struct{ db *memDB }

func (s memObjects) Put(_ context.Context, key []string, data []byte, _ string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	s.db.objects[strings.Join(key, "/")] = data
	return nil
}

func (s memObjects) Get(_ context.Context, key []string) ([]byte, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	data, ok := s.db.objects[strings.Join(key, "/")]
	if !ok {
		return nil, apperr.NotFound("get object", errors.New(strings.Join(key, "/")))
	}
	return data, nil
}

func (s memObjects) Delete(_ context.Context, key []string) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	delete(s.db.objects, strings.Join(key, "/"))
	return nil
}

func (s memObjects) SignedURL(key []string, _ time.Duration) (string, error) {
	return "http://files.test/" + strings.Join(key, "/") + "?sig=x", nil
}

// stubExtractor returns a fixed result per file name.
type stubExtractor struct {
	mu      sync.Mutex
	results map[string]*ExtractResult
	err     error
	calls   int
	tags    []string
}

func (e *stubExtractor) Extract(_ context.Context, req ExtractRequest) (*ExtractResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	for name, r := range e.results {
		if strings.Contains(req.URL, name) {
			return r, nil
		}
	}
	return &ExtractResult{DocumentType: models.DocumentTypeOther}, nil
}

func (e *stubExtractor) Classify(_ context.Context, _ string) ([]string, error) {
	return e.tags, nil
}

type stubEmbedder struct {
	mu     sync.Mutex
	vector []float32
	err    error
	calls  int
}

func (e *stubEmbedder) Embed(_ context.Context, _ string) (*EmbedResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	return &EmbedResult{Vector: e.vector, Model: "test-embed"}, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

func (n *recordingNotifier) kinds() []NotificationKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []NotificationKind
	for _, s := range n.sent {
		out = append(out, s.Kind)
	}
	return out
}

// fakeEnqueuer records triggers; TriggerAndWait runs onWait synchronously.
type fakeEnqueuer struct {
	mu       sync.Mutex
	triggers []fakeTrigger
	onWait   func(name string, payload any) (json.RawMessage, error)
	failOn   map[string]error
}

type fakeTrigger struct {
	name    string
	payload any
}

func (e *fakeEnqueuer) Trigger(_ context.Context, name string, payload any, _ ...jobs.TriggerOption) (*models.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.failOn[name]; err != nil {
		return nil, err
	}
	e.triggers = append(e.triggers, fakeTrigger{name: name, payload: payload})
	return &models.Job{ID: uuid.New(), Name: name}, nil
}

func (e *fakeEnqueuer) BatchTrigger(ctx context.Context, name string, payloads []any, opts ...jobs.TriggerOption) ([]*models.Job, error) {
	var out []*models.Job
	for _, p := range payloads {
		job, err := e.Trigger(ctx, name, p, opts...)
		if err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (e *fakeEnqueuer) TriggerAndWait(ctx context.Context, name string, payload any, _ time.Duration, opts ...jobs.TriggerOption) (json.RawMessage, error) {
	if _, err := e.Trigger(ctx, name, payload, opts...); err != nil {
		return nil, err
	}
	if e.onWait != nil {
		return e.onWait(name, payload)
	}
	return json.RawMessage(`{}`), nil
}

func (e *fakeEnqueuer) named(name string) []fakeTrigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []fakeTrigger
	for _, t := range e.triggers {
		if t.name == name {
			out = append(out, t)
		}
	}
	return out
}

type fakeMailbox struct {
	teamID      uuid.UUID
	refs        []*ingest.AttachmentRef
	listErr     error
	downloadErr map[string]error
	token       *oauth2.Token
	since       *time.Time
	listed      bool
}

func (m *fakeMailbox) List(_ context.Context, since *time.Time) ([]*ingest.AttachmentRef, error) {
	m.listed = true
	m.since = since
	return m.refs, m.listErr
}

func (m *fakeMailbox) Download(_ context.Context, ref *ingest.AttachmentRef) (*ingest.Attachment, error) {
	if err := m.downloadErr[ref.ReferenceID()]; err != nil {
		return nil, err
	}
	sender := ref.SenderEmail
	return &ingest.Attachment{
		TeamID:      m.teamID,
		Data:        []byte("%PDF-1.4 " + ref.Filename),
		Mimetype:    ref.Mimetype,
		Filename:    ref.Filename,
		ReferenceID: ref.ReferenceID(),
		SenderEmail: &sender,
	}, nil
}

func (m *fakeMailbox) Token() (*oauth2.Token, error) {
	if m.token == nil {
		return nil, errors.New("no token")
	}
	return m.token, nil
}

type fakeProvider struct {
	mailbox *fakeMailbox
	err     error
}

func (p *fakeProvider) Open(_ context.Context, _ *models.InboxAccount) (ingest.Mailbox, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.mailbox, nil
}

type fakeScheduler struct {
	mu        sync.Mutex
	schedules map[string]string
	payloads  map[string]any
}

func (s *fakeScheduler) Upsert(scheduleID, spec, _ string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.schedules == nil {
		s.schedules = make(map[string]string)
		s.payloads = make(map[string]any)
	}
	s.schedules[scheduleID] = spec
	s.payloads[scheduleID] = payload
	return nil
}

func testRun(attempt, maxAttempts int) *jobs.Run {
	return jobs.NewRun(&models.Job{ID: uuid.New(), Attempt: attempt, MaxAttempts: maxAttempts}, nil, zap.NewNop())
}

