package sync

import (
	"context"
	"errors"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/storeflow/storeflow-sync-server/internal/entity"
	"github.com/storeflow/storeflow-sync-server/internal/errs"
	"github.com/storeflow/storeflow-sync-server/internal/store"
)

// Schedule is one recurring sync trigger: a cron spec applied to a set of
// tenants and entity types. The inventory feed needs its own schedule because
// it cannot be requested together with other entity types.
type Schedule struct {
	Spec        string
	Tenants     []string
	EntityTypes []entity.Type
	Incremental bool
}

// Scheduler fires recurring syncs through the controller. Overlap with an
// attempt that is still running is expected and harmless: the conditional
// insert rejects the duplicate and the next tick tries again.
type Scheduler struct {
	cron       *cron.Cron
	controller *Controller
	logger     *zap.Logger
}

// NewScheduler creates an empty scheduler. Specs use the standard five-field
// cron format.
func NewScheduler(controller *Controller, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		controller: controller,
		logger:     logger,
	}
}

// Add registers one schedule. Returns a validation error for an empty
// schedule or an invalid cron spec.
func (s *Scheduler) Add(sched Schedule) error {
	if len(sched.Tenants) == 0 {
		return errs.NewValidation("schedule has no tenants")
	}
	if len(sched.EntityTypes) == 0 {
		return errs.NewValidation("schedule has no entity types")
	}
	for _, et := range sched.EntityTypes {
		if !et.Valid() {
			return errs.NewValidation("unknown entity type in schedule: %q", et)
		}
	}

	_, err := s.cron.AddFunc(sched.Spec, func() {
		s.fire(sched)
	})
	if err != nil {
		return errs.NewValidation("invalid cron spec %q: %v", sched.Spec, err)
	}

	s.logger.Info("sync schedule registered",
		zap.String("spec", sched.Spec),
		zap.Int("tenants", len(sched.Tenants)),
		zap.Bool("incremental", sched.Incremental))
	return nil
}

// Run starts the cron loop and blocks until the context is cancelled, then
// waits for any in-flight trigger to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *Scheduler) fire(sched Schedule) {
	ctx := context.Background()
	for _, tenant := range sched.Tenants {
		_, err := s.controller.RequestSync(ctx, tenant, sched.EntityTypes, sched.Incremental, store.SourceScheduled)
		var conflict *errs.ConflictError
		if errors.As(err, &conflict) {
			s.logger.Debug("scheduled sync skipped, attempt already active",
				zap.String("tenant", tenant))
			continue
		}
		if err != nil {
			s.logger.Error("scheduled sync failed to start",
				zap.String("tenant", tenant), zap.Error(err))
		}
	}
}
