package service

import (
	"context"
	"testing"
	"time"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"
	"inbox-pipeline/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNoMatchSweepCutoffIsStrict(t *testing.T) {
	db := newMemDB()
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	day := 24 * time.Hour
	teamA, teamB := uuid.New(), uuid.New()

	fresh := db.putItem(&models.InboxItem{TeamID: teamA, Status: models.InboxStatusPending, CreatedAt: now.Add(-89 * day)})
	boundary := db.putItem(&models.InboxItem{TeamID: teamA, Status: models.InboxStatusPending, CreatedAt: now.Add(-90 * day)})
	stale := db.putItem(&models.InboxItem{TeamID: teamA, Status: models.InboxStatusPending, CreatedAt: now.Add(-91 * day)})
	otherTeam := db.putItem(&models.InboxItem{TeamID: teamB, Status: models.InboxStatusPending, CreatedAt: now.Add(-200 * day)})
	linked := db.putItem(&models.InboxItem{TeamID: teamA, Status: models.InboxStatusPending, CreatedAt: now.Add(-120 * day), TransactionID: ptr(uuid.New())})
	busy := db.putItem(&models.InboxItem{TeamID: teamA, Status: models.InboxStatusProcessing, CreatedAt: now.Add(-120 * day)})

	p := NewNoMatchSweepProcessor(memInbox{db}, SweepConfig{Enabled: true})
	p.now = func() time.Time { return now }

	out, err := p.Process(context.Background(), testRun(1, 3), &dto.NoMatchSchedulerPayload{})
	require.NoError(t, err)

	res := out.(*dto.SweepResult)
	assert.Equal(t, 2, res.Updated)
	assert.Equal(t, map[string]int{teamA.String(): 1, teamB.String(): 1}, res.PerTeam)

	assert.Equal(t, models.InboxStatusPending, db.item(fresh.ID).Status)
	assert.Equal(t, models.InboxStatusPending, db.item(boundary.ID).Status)
	assert.Equal(t, models.InboxStatusNoMatch, db.item(stale.ID).Status)
	assert.Equal(t, models.InboxStatusNoMatch, db.item(otherTeam.ID).Status)
	assert.Equal(t, models.InboxStatusPending, db.item(linked.ID).Status)
	assert.Equal(t, models.InboxStatusProcessing, db.item(busy.ID).Status)
}

func TestNoMatchSweepDisabledOutsideProduction(t *testing.T) {
	db := newMemDB()
	stale := db.putItem(&models.InboxItem{TeamID: uuid.New(), Status: models.InboxStatusPending, CreatedAt: time.Now().Add(-365 * 24 * time.Hour)})

	out, err := NewNoMatchSweepProcessor(memInbox{db}, SweepConfig{}).Process(context.Background(), testRun(1, 3), &dto.NoMatchSchedulerPayload{})
	require.NoError(t, err)
	assert.True(t, out.(*dto.SweepResult).Skipped)
	assert.Equal(t, models.InboxStatusPending, db.item(stale.ID).Status)
}

func TestInitialSetupSchedulesAndTriggersManualSync(t *testing.T) {
	db := newMemDB()
	account := &models.InboxAccount{ID: uuid.New(), TeamID: uuid.New(), Status: models.AccountStatusConnected}
	db.accounts[account.ID] = account
	accounts := newMemAccounts(db)
	scheduler := &fakeScheduler{}
	enqueuer := &fakeEnqueuer{}

	p := NewInitialSetupProcessor(accounts, scheduler, enqueuer, 6*time.Hour)
	out, err := p.Process(context.Background(), testRun(1, 3), &dto.InitialSetupPayload{InboxAccountID: account.ID})
	require.NoError(t, err)

	res := out.(*dto.InitialSetupResult)
	scheduleID := ScheduleID(account.ID)
	assert.Equal(t, scheduleID, res.ScheduleID)
	assert.Equal(t, jobs.CronPatternForID(account.ID.String(), 6*time.Hour), scheduler.schedules[scheduleID])
	assert.Equal(t, dto.SyncSchedulerPayload{ID: account.ID}, scheduler.payloads[scheduleID])
	assert.Equal(t, scheduleID, *db.accounts[account.ID].ScheduleID)

	syncs := enqueuer.named(dto.JobSyncScheduler)
	require.Len(t, syncs, 1)
	assert.Equal(t, dto.SyncSchedulerPayload{ID: account.ID, ManualSync: true}, syncs[0].payload)
}

func TestDispatchDelay(t *testing.T) {
	hour := time.Hour
	assert.Equal(t, time.Duration(0), DispatchDelay(0, 4, hour))
	assert.Equal(t, 15*time.Minute, DispatchDelay(1, 4, hour))
	assert.Equal(t, 45*time.Minute, DispatchDelay(3, 4, hour))
	assert.Equal(t, time.Duration(0), DispatchDelay(2, 0, hour))
}

type nopSync struct {
	jobs.Always[dto.SyncSchedulerPayload]
}

func (nopSync) Process(context.Context, *jobs.Run, *dto.SyncSchedulerPayload) (any, error) {
	return nil, nil
}

func TestDispatchSpreadsSyncsAcrossWindow(t *testing.T) {
	db := newMemDB()
	for i := 0; i < 4; i++ {
		id := uuid.New()
		db.accounts[id] = &models.InboxAccount{ID: id, TeamID: uuid.New(), Status: models.AccountStatusConnected}
	}
	gone := uuid.New()
	db.accounts[gone] = &models.InboxAccount{ID: gone, Status: models.AccountStatusDisconnected}

	registry := jobs.NewRegistry()
	jobs.Register[dto.SyncSchedulerPayload](registry, models.QueueInboxProvider, dto.JobSyncScheduler, nopSync{})
	store := jobs.NewMemoryStore()
	client := jobs.NewClient(store, registry, jobs.NewWaiters(), zap.NewNop())

	p := NewDispatchProcessor(newMemAccounts(db), client, time.Hour)
	out, err := p.Process(context.Background(), testRun(1, 3), &dto.SyncInboxAccountsPayload{})
	require.NoError(t, err)
	assert.Equal(t, 4, out.(*dto.DispatchResult).Accounts)

	queued := store.List(dto.JobSyncScheduler)
	require.Len(t, queued, 4)
	first := queued[0].RunAt
	for i, job := range queued {
		assert.WithinDuration(t, first.Add(time.Duration(i)*15*time.Minute), job.RunAt, time.Second)
		require.NotNil(t, job.IdempotencyKey)
		assert.NotContains(t, *job.IdempotencyKey, gone.String())
	}

	// a second dispatch while the first syncs are still waiting adds nothing
	_, err = p.Process(context.Background(), testRun(1, 3), &dto.SyncInboxAccountsPayload{})
	require.NoError(t, err)
	assert.Len(t, store.List(dto.JobSyncScheduler), 4)
}

func TestClassifyProcessorStoresTags(t *testing.T) {
	db := newMemDB()
	item := db.putItem(&models.InboxItem{TeamID: uuid.New(), Status: models.InboxStatusPending})
	extractor := &stubExtractor{tags: []string{"travel", "meals"}}

	out, err := NewClassifyProcessor(memInbox{db}, extractor).Process(context.Background(), testRun(1, 3), &dto.ClassifyDocumentPayload{
		InboxID: item.ID,
		TeamID:  item.TeamID,
		Content: "Dinner receipt",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"travel", "meals"}, out.(*dto.ClassifyDocumentResult).Tags)
	assert.Equal(t, []string{"travel", "meals"}, db.item(item.ID).Tags)
}

func TestRestoreSchedulesSkipsUnscheduledAccounts(t *testing.T) {
	db := newMemDB()
	scheduled := &models.InboxAccount{ID: uuid.New(), Status: models.AccountStatusConnected}
	scheduled.ScheduleID = ptr(ScheduleID(scheduled.ID))
	pendingSetup := &models.InboxAccount{ID: uuid.New(), Status: models.AccountStatusConnected}
	gone := &models.InboxAccount{ID: uuid.New(), Status: models.AccountStatusDisconnected, ScheduleID: ptr("inbox-sync-gone")}
	for _, a := range []*models.InboxAccount{scheduled, pendingSetup, gone} {
		db.accounts[a.ID] = a
	}

	scheduler := &fakeScheduler{}
	n, err := RestoreSchedules(context.Background(), newMemAccounts(db), scheduler, 6*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, jobs.CronPatternForID(scheduled.ID.String(), 6*time.Hour), scheduler.schedules[*scheduled.ScheduleID])
	assert.Len(t, scheduler.schedules, 1)
}
