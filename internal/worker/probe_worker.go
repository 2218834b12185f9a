package worker

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/Rin0913/modhost/internal/log"
	"github.com/Rin0913/modhost/internal/scheduler"
)

// JobHandler consumes a due job. It must not block past ctx.
type JobHandler interface {
	HandleJob(ctx context.Context, job scheduler.Job)
}

// ProbeWorker pulls due jobs from a scheduler and hands them to a handler.
// A job is rescheduled only after its handler returns, so one check never
// runs on two workers at once.
type ProbeWorker struct {
	name      string
	scheduler *scheduler.Scheduler
	handler   JobHandler
	logger    zerolog.Logger
}

func NewProbeWorker(name string, s *scheduler.Scheduler, h JobHandler) *ProbeWorker {
	return &ProbeWorker{
		name:      name,
		scheduler: s,
		handler:   h,
		logger:    log.WithComponent("worker").With().Str("worker", name).Logger(),
	}
}

// Run returns nil when the scheduler is closed and ctx.Err() when ctx ends.
func (w *ProbeWorker) Run(ctx context.Context) error {
	w.logger.Debug().Str("event", "worker.started").Msg("probe worker started")

	for {
		job, err := w.scheduler.NextJob(ctx)
		if err != nil {
			if errors.Is(err, scheduler.ErrClosed) {
				w.logger.Debug().Str("event", "worker.stopped").Msg("scheduler closed")
				return nil
			}
			if ctx.Err() != nil {
				w.logger.Debug().Str("event", "worker.stopped").Msg("context canceled")
				return ctx.Err()
			}
			return err
		}

		w.logger.Debug().
			Str("event", "worker.job").
			Str("target", job.Check.Name).
			Str("type", job.Check.Type).
			Msg("running check")

		w.handle(ctx, job)
	}
}

// handle returns the job to the scheduler even if the handler panics.
func (w *ProbeWorker) handle(ctx context.Context, job scheduler.Job) {
	defer w.scheduler.Done(job)
	w.handler.HandleJob(ctx, job)
}
