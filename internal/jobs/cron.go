package jobs

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Cron triggers jobs on repeatable schedules keyed by a stable schedule id.
type Cron struct {
	cron    *cron.Cron
	client  *Client
	logger  *zap.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
}

func NewCron(client *Client, logger *zap.Logger) *Cron {
	return &Cron{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		client:  client,
		logger:  logger,
		entries: make(map[string]cron.EntryID),
	}
}

// Upsert installs or replaces the schedule for scheduleID. Each tick is deduplicated
// per minute so several processes sharing one store enqueue a single job.
func (c *Cron) Upsert(scheduleID, spec, jobName string, payload any) error {
	if _, err := c.client.registry.QueueFor(jobName); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron %q: %w", spec, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.entries[scheduleID]; ok {
		c.cron.Remove(id)
	}

	id, err := c.cron.AddFunc(spec, func() {
		tick := time.Now().UTC().Truncate(time.Minute).Format(time.RFC3339)
		_, err := c.client.Trigger(context.Background(), jobName, payload,
			WithIdempotencyKey(scheduleID+"@"+tick),
		)
		if err != nil {
			c.logger.Error("Failed to trigger scheduled job",
				zap.String("schedule_id", scheduleID),
				zap.String("job_name", jobName),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("add cron %q: %w", spec, err)
	}
	c.entries[scheduleID] = id

	c.logger.Info("Schedule registered",
		zap.String("schedule_id", scheduleID),
		zap.String("cron", spec),
		zap.String("job_name", jobName),
	)
	return nil
}

// Every runs fn at a fixed interval under scheduleID, replacing an earlier entry.
func (c *Cron) Every(scheduleID string, every time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.entries[scheduleID]; ok {
		c.cron.Remove(id)
	}
	c.entries[scheduleID] = c.cron.Schedule(cron.Every(every), cron.FuncJob(fn))
}

func (c *Cron) Remove(scheduleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id, ok := c.entries[scheduleID]; ok {
		c.cron.Remove(id)
		delete(c.entries, scheduleID)
	}
}

func (c *Cron) Has(scheduleID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[scheduleID]
	return ok
}

func (c *Cron) Start() {
	c.cron.Start()
}

// Stop halts the scheduler and waits for running triggers.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
}

// CronPatternForID spreads schedules across the clock: the id hash picks the minute and
// the hour offset within the cadence. every must divide a day into whole hours; other
// values fall back to six hours.
func CronPatternForID(id string, every time.Duration) string {
	hours := int(every / time.Hour)
	if hours < 1 || 24%hours != 0 || every%time.Hour != 0 {
		hours = 6
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	sum := h.Sum32()

	minute := sum % 60
	offset := int((sum / 60) % uint32(hours))

	var slots []string
	for hr := offset; hr < 24; hr += hours {
		slots = append(slots, strconv.Itoa(hr))
	}
	return fmt.Sprintf("%d %s * * *", minute, strings.Join(slots, ","))
}
