// Package scheduler hands out due health checks in next-run order.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Rin0913/modhost/internal/health"
)

var ErrClosed = errors.New("scheduler closed")

const DefaultInterval = 30 * time.Second

// CheckJob is a scheduled check. The heap owns it while it waits; a job
// handed to a worker leaves the heap (index -1) until Done puts it back.
type CheckJob struct {
	Check   health.CheckConfig
	nextRun time.Time
	index   int
}

// Job is a due check handed to a worker. The worker must pass it to Done
// once the check has finished.
type Job struct {
	Check    health.CheckConfig
	Due      time.Time
	Interval time.Duration

	job *CheckJob
}

type Scheduler struct {
	mu              sync.Mutex
	cond            *sync.Cond
	jobs            jobHeap
	byName          map[string]*CheckJob
	defaultInterval time.Duration
	closed          bool
	now             func() time.Time
}

func New(defaultInterval time.Duration) *Scheduler {
	if defaultInterval <= 0 {
		defaultInterval = DefaultInterval
	}
	s := &Scheduler{
		byName:          make(map[string]*CheckJob),
		defaultInterval: defaultInterval,
		now:             time.Now,
	}
	s.cond = sync.NewCond(&s.mu)
	heap.Init(&s.jobs)
	return s
}

// SetDefaultInterval changes the interval used by checks without their own.
// It takes effect the next time each job is rescheduled.
func (s *Scheduler) SetDefaultInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultInterval = d
	s.mu.Unlock()
}

// Add schedules check to run now. If a check with the same name is already
// scheduled its config is replaced and its next run is kept.
func (s *Scheduler) Add(check health.CheckConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job, ok := s.byName[check.Name]; ok {
		job.Check = check
		return
	}

	job := &CheckJob{
		Check:   check,
		nextRun: s.now(),
	}
	heap.Push(&s.jobs, job)
	s.byName[check.Name] = job
	s.cond.Broadcast()
}

// Remove unschedules name and reports whether it was scheduled. A job of
// name that is in flight is not put back by Done.
func (s *Scheduler) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.byName[name]
	if !ok {
		return false
	}
	if job.index >= 0 {
		heap.Remove(&s.jobs, job.index)
	}
	delete(s.byName, name)
	s.cond.Broadcast()
	return true
}

// Len counts scheduled checks, including those in flight.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byName)
}

// NextJob blocks until a check is due and hands it out. The check is not
// handed out again until the job is passed to Done.
func (s *Scheduler) NextJob(ctx context.Context) (Job, error) {
	stop := context.AfterFunc(ctx, s.wake)
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return Job{}, err
		}
		if s.closed {
			return Job{}, ErrClosed
		}

		if len(s.jobs) == 0 {
			s.cond.Wait()
			continue
		}

		top := s.jobs[0]
		now := s.now()
		if top.nextRun.After(now) {
			t := time.AfterFunc(top.nextRun.Sub(now), s.wake)
			s.cond.Wait()
			t.Stop()
			continue
		}

		return s.popLocked(), nil
	}
}

// TryNextJob returns a due check without blocking.
func (s *Scheduler) TryNextJob() (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.jobs) == 0 {
		return Job{}, false
	}
	now := s.now()
	if s.jobs[0].nextRun.After(now) {
		return Job{}, false
	}
	return s.popLocked(), true
}

func (s *Scheduler) popLocked() Job {
	job := heap.Pop(&s.jobs).(*CheckJob)
	return Job{
		Check:    job.Check,
		Due:      job.nextRun,
		Interval: job.Check.Interval(s.defaultInterval),
		job:      job,
	}
}

// Done reschedules a finished job one interval after it was due, or one
// interval from now if that has already passed. It is a no-op for a check
// removed while the job was in flight.
func (s *Scheduler) Done(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job := j.job
	if job == nil || job.index >= 0 || s.byName[job.Check.Name] != job {
		return
	}

	now := s.now()
	interval := job.Check.Interval(s.defaultInterval)
	next := job.nextRun.Add(interval)
	if next.Before(now) {
		next = now.Add(interval)
	}
	job.nextRun = next
	heap.Push(&s.jobs, job)
	s.cond.Broadcast()
}

// Close wakes every waiter with ErrClosed. Closing is permanent.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Scheduler) wake() {
	s.mu.Lock()
	s.cond.Broadcast()
	s.mu.Unlock()
}
