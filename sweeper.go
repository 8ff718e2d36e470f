package sagaflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type SweeperConfig struct {
	// Schedule is a five-field cron expression or a descriptor like @hourly.
	Schedule           string
	StaleThreshold     time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	CancelledRetention time.Duration
	DecayTTL           time.Duration
	Now                func() time.Time
	// OnReport, when set, receives the report of every scheduled pass.
	OnReport func(SweepReport)
}

// DefaultSweeperConfig returns the sweeper settings used for zero fields.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:           "@hourly",
		StaleThreshold:     time.Hour,
		CompletedRetention: 30 * 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		CancelledRetention: 24 * time.Hour,
		DecayTTL:           7 * 24 * time.Hour,
	}
}

// SweepReport counts what one pass did. Errors holds per-instance failures;
// the pass carries on past them.
type SweepReport struct {
	Stale     int
	Archived  int
	Deleted   int
	Cancelled int
	Errors    error
}

// Sweeper reconciles instances nobody else will touch again: attempts that
// died while running, and terminal instances past retention. Every policy
// is safe to re-run after a partial failure.
type Sweeper struct {
	store    Store
	archiver Archiver
	decay    DecayRegistrar
	logger   *zap.Logger
	cfg      SweeperConfig

	mu   sync.Mutex
	cron *cron.Cron
}

// NewSweeper creates a Sweeper over store. Call Start to schedule it.
func NewSweeper(store Store, archiver Archiver, decay DecayRegistrar, logger *zap.Logger, cfg SweeperConfig) *Sweeper {
	d := DefaultSweeperConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = d.Schedule
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = d.StaleThreshold
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = d.CompletedRetention
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = d.FailedRetention
	}
	if cfg.CancelledRetention <= 0 {
		cfg.CancelledRetention = d.CancelledRetention
	}
	if cfg.DecayTTL <= 0 {
		cfg.DecayTTL = d.DecayTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{store: store, archiver: archiver, decay: decay, logger: logger, cfg: cfg}
}

// RunOnce applies the three policies. It returns an error only when a
// listing query fails; per-instance failures are reported on the report.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	now := s.cfg.Now()

	if err := s.failStale(ctx, now, &report); err != nil {
		return report, err
	}
	for _, p := range []struct {
		status    Status
		retention time.Duration
		archive   bool
	}{
		{StatusCompleted, s.cfg.CompletedRetention, true},
		{StatusFailed, s.cfg.FailedRetention, true},
		{StatusCancelled, s.cfg.CancelledRetention, false},
	} {
		if err := s.expire(ctx, p.status, now.Add(-p.retention), p.archive, &report); err != nil {
			return report, err
		}
	}

	s.logger.Info("sweep finished",
		zap.Int("stale", report.Stale),
		zap.Int("archived", report.Archived),
		zap.Int("deleted", report.Deleted),
		zap.Int("cancelled_deleted", report.Cancelled),
		zap.Int("errors", len(multierr.Errors(report.Errors))))
	return report, nil
}

// failStale fails running instances whose last attempt is older than the
// stale threshold. The status flip happens first, so a repeat pass finds
// nothing to do and decay is registered at most once per instance.
func (s *Sweeper) failStale(ctx context.Context, now time.Time, report *SweepReport) error {
	stale, err := s.store.ListStale(ctx, now.Add(-s.cfg.StaleThreshold))
	if err != nil {
		return fmt.Errorf("list stale sagas: %w", err)
	}
	for _, inst := range stale {
		_, err := s.store.Update(ctx, inst.CorrelationID, Patch{
			Status: Ptr(StatusFailed),
			Error: &FailureInfo{
				Kind:    FailureStale,
				Message: fmt.Sprintf("no progress since %s", inst.LastAttemptAt.Format(time.RFC3339)),
			},
			CompletedAt: &now,
		})
		if errors.Is(err, ErrTerminal) {
			continue
		}
		if err != nil {
			report.Errors = multierr.Append(report.Errors, err)
			continue
		}
		report.Stale++
		s.logger.Warn("failed stale saga",
			zap.String("correlation_id", inst.CorrelationID),
			zap.String("saga_type", inst.SagaType))

		if s.decay == nil {
			continue
		}
		err = s.decay.RegisterDecayable(ctx, DecayRequest{
			ResourceType: ResourceSagaInstance,
			ResourceID:   inst.CorrelationID,
			Reason:       DecayReasonStale,
			TTLSeconds:   int(s.cfg.DecayTTL / time.Second),
		})
		if err != nil {
			report.Errors = multierr.Append(report.Errors, fmt.Errorf("register decay for %s: %w", inst.CorrelationID, err))
		}
	}
	return nil
}

// expire deletes terminal instances older than cutoff, archiving them
// first when asked. The archive write is skipped for ids already archived,
// so a pass interrupted between archive and delete is finished by the next.
func (s *Sweeper) expire(ctx context.Context, status Status, cutoff time.Time, archive bool, report *SweepReport) error {
	insts, err := s.store.ListByStatusOlderThan(ctx, status, cutoff)
	if err != nil {
		return fmt.Errorf("list %s sagas: %w", status, err)
	}
	for _, inst := range insts {
		if archive && s.archiver != nil {
			archived, err := s.archive(ctx, inst)
			if err != nil {
				report.Errors = multierr.Append(report.Errors, err)
				continue
			}
			if archived {
				report.Archived++
			}
		}
		if err := s.store.Delete(ctx, inst.CorrelationID); err != nil {
			report.Errors = multierr.Append(report.Errors, fmt.Errorf("delete %s: %w", inst.CorrelationID, err))
			continue
		}
		if archive {
			report.Deleted++
		} else {
			report.Cancelled++
		}
	}
	return nil
}

func (s *Sweeper) archive(ctx context.Context, inst SagaInstance) (bool, error) {
	has, err := s.archiver.HasArchived(ctx, inst.CorrelationID)
	if err != nil {
		return false, fmt.Errorf("check archive for %s: %w", inst.CorrelationID, err)
	}
	if has {
		return false, nil
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", inst.CorrelationID, err)
	}
	err = s.archiver.CreateArchiveEntry(ctx, ArchiveEntry{
		OriginalID:   inst.CorrelationID,
		ResourceType: ResourceSagaInstance,
		ArchivedAt:   s.cfg.Now(),
		Reason:       "retention_expired",
		Data:         data,
		Meta: map[string]any{
			"saga_type": inst.SagaType,
			"status":    string(inst.Status),
		},
	})
	if err != nil {
		return false, fmt.Errorf("archive %s: %w", inst.CorrelationID, err)
	}
	return true, nil
}

// Start schedules RunOnce on the configured cron schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(s.cfg.Schedule)
	if err != nil {
		return fmt.Errorf("invalid sweeper schedule %q: %w", s.cfg.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		report, err := s.RunOnce(ctx)
		if err != nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		if s.cfg.OnReport != nil {
			s.cfg.OnReport(report)
		}
	}))
	c.Start()
	s.cron = c
	return nil
}

// Stop unschedules the sweeper and waits for a running pass.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
