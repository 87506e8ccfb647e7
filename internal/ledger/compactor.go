package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Compactor runs Ledger.Compact on a cron schedule.
type Compactor struct {
	cron    *cron.Cron
	ledger  *Ledger
	logger  *slog.Logger
	timeout time.Duration
	entryID cron.EntryID
}

// NewCompactor schedules compaction with a standard five-field cron spec.
func NewCompactor(l *Ledger, logger *slog.Logger, spec string) (*Compactor, error) {
	c := &Compactor{
		cron:    cron.New(cron.WithLocation(time.UTC)),
		ledger:  l,
		logger:  logger,
		timeout: 10 * time.Minute,
	}
	id, err := c.cron.AddFunc(spec, c.run)
	if err != nil {
		return nil, fmt.Errorf("invalid compaction schedule %q: %w", spec, err)
	}
	c.entryID = id
	return c, nil
}

func (c *Compactor) run() {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	if err := c.ledger.Compact(ctx, c.ledger.now()); err != nil {
		c.logger.Error("scheduled compaction failed", "error", err)
	}
}

// Next reports when compaction will run next. Zero before Start.
func (c *Compactor) Next() time.Time {
	return c.cron.Entry(c.entryID).Next
}

func (c *Compactor) Start() {
	c.cron.Start()
}

// Stop halts the schedule and waits for a running compaction to finish.
func (c *Compactor) Stop() {
	<-c.cron.Stop().Done()
}
