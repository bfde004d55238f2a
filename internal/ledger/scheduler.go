package ledger

import (
	"context"
	"log/slog"
	"time"
)

// Slot is one scheduled execution window.
type Slot struct {
	Name      string
	Hour      int // UTC
	Minute    int
	Exchanges []string
}

// BrokerReadiness checks API-level (not TCP-level) broker port readiness.
type BrokerReadiness interface {
	Ready(ctx context.Context) (bool, error)
}

// RunFunc executes one full decision/execution cycle for a due slot.
type RunFunc func(ctx context.Context, slot Slot, tradeDate string) error

// SchedulerConfig tunes retry/defer behavior around broker readiness.
type SchedulerConfig struct {
	TickInterval  time.Duration
	DeferRetries  int
	DeferInterval time.Duration
	DeferBudget   time.Duration
}

// Scheduler is a wall-clock UTC loop: each minute tick, it determines
// which configured slots are due today and not yet completed, waits for
// broker readiness, then runs them.
type Scheduler struct {
	slots    []Slot
	cfg      SchedulerConfig
	broker   BrokerReadiness
	run      RunFunc
	logger   *slog.Logger

	completedDate string
	completed     map[string]bool
}

// NewScheduler builds a scheduler over the given slots.
func NewScheduler(slots []Slot, cfg SchedulerConfig, broker BrokerReadiness, run RunFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		slots:     slots,
		cfg:       cfg,
		broker:    broker,
		run:       run,
		logger:    logger,
		completed: map[string]bool{},
	}
}

// Start runs the scheduler loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	interval := s.cfg.TickInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()
	today := now.Format("2006-01-02")
	if s.completedDate != today {
		s.completed = map[string]bool{}
		s.completedDate = today
	}

	for _, slot := range s.slots {
		if s.completed[slot.Name] {
			continue
		}
		if !s.due(now, slot) {
			continue
		}
		s.runSlot(ctx, slot, today)
	}
}

func (s *Scheduler) due(now time.Time, slot Slot) bool {
	return now.Hour() > slot.Hour || (now.Hour() == slot.Hour && now.Minute() >= slot.Minute)
}

func (s *Scheduler) runSlot(ctx context.Context, slot Slot, tradeDate string) {
	if !s.waitForReadiness(ctx, slot) {
		s.logger.Warn("deferred slot: broker not ready within budget", "slot", slot.Name, "trade_date", tradeDate)
		return
	}

	if err := s.run(ctx, slot, tradeDate); err != nil {
		s.logger.Error("slot run failed", "slot", slot.Name, "trade_date", tradeDate, "error", err)
		return
	}
	s.completed[slot.Name] = true
	s.logger.Info("slot run complete", "slot", slot.Name, "trade_date", tradeDate)
}

// waitForReadiness retries broker readiness up to DeferRetries times,
// DeferInterval apart, bounded overall by DeferBudget.
func (s *Scheduler) waitForReadiness(ctx context.Context, slot Slot) bool {
	retries := s.cfg.DeferRetries
	if retries <= 0 {
		retries = 10
	}
	interval := s.cfg.DeferInterval
	if interval <= 0 {
		interval = 90 * time.Second
	}
	budget := s.cfg.DeferBudget
	if budget <= 0 {
		budget = 600 * time.Second
	}

	deadline := time.Now().Add(budget)
	for attempt := 0; attempt < retries; attempt++ {
		ready, err := s.broker.Ready(ctx)
		if err == nil && ready {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}
