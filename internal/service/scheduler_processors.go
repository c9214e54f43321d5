package service

import (
	"context"
	"fmt"
	"time"

	"inbox-pipeline/internal/dto"
	"inbox-pipeline/internal/jobs"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SweepConfig struct {
	NoMatchAfter time.Duration
	// Enabled is false outside production.
	Enabled bool
}

// ScheduleID names the repeatable sync job of an account.
func ScheduleID(accountID uuid.UUID) string {
	return "inbox-sync-" + accountID.String()
}

// InitialSetupProcessor registers the repeatable sync of a newly connected account
// and runs its first sync right away.
type InitialSetupProcessor struct {
	jobs.Always[dto.InitialSetupPayload]

	accounts  AccountStore
	scheduler Scheduler
	enqueuer  jobs.Enqueuer
	cadence   time.Duration
}

func NewInitialSetupProcessor(accounts AccountStore, scheduler Scheduler, enqueuer jobs.Enqueuer, cadence time.Duration) *InitialSetupProcessor {
	if cadence <= 0 {
		cadence = 6 * time.Hour
	}
	return &InitialSetupProcessor{accounts: accounts, scheduler: scheduler, enqueuer: enqueuer, cadence: cadence}
}

func (p *InitialSetupProcessor) Process(ctx context.Context, run *jobs.Run, payload *dto.InitialSetupPayload) (any, error) {
	account, err := p.accounts.GetByID(ctx, payload.InboxAccountID)
	if err != nil {
		return nil, err
	}

	scheduleID := ScheduleID(account.ID)
	pattern := jobs.CronPatternForID(account.ID.String(), p.cadence)
	if err := p.scheduler.Upsert(scheduleID, pattern, dto.JobSyncScheduler, dto.SyncSchedulerPayload{ID: account.ID}); err != nil {
		return nil, fmt.Errorf("failed to register sync schedule: %w", err)
	}
	if err := p.accounts.SetScheduleID(ctx, account.ID, scheduleID); err != nil {
		return nil, fmt.Errorf("failed to store schedule id: %w", err)
	}

	if _, err := p.enqueuer.Trigger(ctx, dto.JobSyncScheduler, dto.SyncSchedulerPayload{ID: account.ID, ManualSync: true}); err != nil {
		return nil, err
	}

	run.Logger().Info("Inbox account scheduled",
		zap.String("account_id", account.ID.String()),
		zap.String("schedule_id", scheduleID),
		zap.String("cron", pattern),
	)
	return &dto.InitialSetupResult{ScheduleID: scheduleID, Cron: pattern}, nil
}

// RestoreSchedules reinstalls the repeatable syncs of connected accounts after a
// restart. Accounts that never finished initial setup are left to it.
func RestoreSchedules(ctx context.Context, accounts AccountStore, scheduler Scheduler, cadence time.Duration) (int, error) {
	connected, err := accounts.ListConnected(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list accounts: %w", err)
	}

	restored := 0
	for _, a := range connected {
		if a.ScheduleID == nil {
			continue
		}
		pattern := jobs.CronPatternForID(a.ID.String(), cadence)
		if err := scheduler.Upsert(*a.ScheduleID, pattern, dto.JobSyncScheduler, dto.SyncSchedulerPayload{ID: a.ID}); err != nil {
			return restored, fmt.Errorf("failed to restore schedule %s: %w", *a.ScheduleID, err)
		}
		restored++
	}
	return restored, nil
}

// DispatchProcessor enqueues one sync per connected account, spread evenly over the
// window instead of all at once.
type DispatchProcessor struct {
	jobs.Always[dto.SyncInboxAccountsPayload]

	accounts AccountStore
	enqueuer jobs.Enqueuer
	window   time.Duration
}

func NewDispatchProcessor(accounts AccountStore, enqueuer jobs.Enqueuer, window time.Duration) *DispatchProcessor {
	if window <= 0 {
		window = time.Hour
	}
	return &DispatchProcessor{accounts: accounts, enqueuer: enqueuer, window: window}
}

// DispatchDelay is index/total of window.
func DispatchDelay(index, total int, window time.Duration) time.Duration {
	if total <= 0 || index <= 0 {
		return 0
	}
	return time.Duration(int64(window) * int64(index) / int64(total))
}

func (p *DispatchProcessor) Process(ctx context.Context, run *jobs.Run, _ *dto.SyncInboxAccountsPayload) (any, error) {
	accounts, err := p.accounts.ListConnected(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	log := run.Logger()
	for i, a := range accounts {
		delay := DispatchDelay(i, len(accounts), p.window)
		_, err := p.enqueuer.Trigger(ctx, dto.JobSyncScheduler, dto.SyncSchedulerPayload{ID: a.ID},
			jobs.WithDelay(delay),
			jobs.WithIdempotencyKey("sync-"+a.ID.String()),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to dispatch sync for %s: %w", a.ID, err)
		}
		log.Debug("Sync dispatched", zap.String("account_id", a.ID.String()), zap.Duration("delay", delay))
	}

	log.Info("Dispatched inbox syncs", zap.Int("accounts", len(accounts)), zap.Duration("window", p.window))
	return &dto.DispatchResult{Accounts: len(accounts), WindowMs: p.window.Milliseconds()}, nil
}

// NoMatchSweepProcessor moves items that stayed unmatched too long to no_match.
type NoMatchSweepProcessor struct {
	jobs.Always[dto.NoMatchSchedulerPayload]

	inbox InboxStore
	cfg   SweepConfig
	now   func() time.Time
}

func NewNoMatchSweepProcessor(inbox InboxStore, cfg SweepConfig) *NoMatchSweepProcessor {
	if cfg.NoMatchAfter <= 0 {
		cfg.NoMatchAfter = 90 * 24 * time.Hour
	}
	return &NoMatchSweepProcessor{inbox: inbox, cfg: cfg, now: time.Now}
}

func (p *NoMatchSweepProcessor) Process(ctx context.Context, run *jobs.Run, _ *dto.NoMatchSchedulerPayload) (any, error) {
	log := run.Logger()
	if !p.cfg.Enabled {
		log.Info("No-match sweep disabled outside production")
		return &dto.SweepResult{Skipped: true, PerTeam: map[string]int{}}, nil
	}

	cutoff := p.now().Add(-p.cfg.NoMatchAfter)
	perTeam, err := p.inbox.MarkNoMatchOlderThan(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to sweep inbox: %w", err)
	}

	result := &dto.SweepResult{PerTeam: make(map[string]int, len(perTeam))}
	for teamID, n := range perTeam {
		result.PerTeam[teamID.String()] = n
		result.Updated += n
		log.Info("Inbox items moved to no_match", zap.String("team_id", teamID.String()), zap.Int("count", n))
	}
	log.Info("No-match sweep finished", zap.Time("cutoff", cutoff), zap.Int("updated", result.Updated))
	return result, nil
}
