package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Rin0913/modhost/internal/log"
)

type Worker interface {
	Run(ctx context.Context) error
}

type Factory func(id int) Worker

// Manager keeps num workers running, restarting any that return an error
// after backoff. A Manager is started at most once.
type Manager struct {
	factory     Factory
	num         int
	backoff     time.Duration
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	startedOnce sync.Once
	logger      zerolog.Logger
}

func NewManager(num int, backoff time.Duration, f Factory) *Manager {
	if num <= 0 {
		num = 1
	}
	return &Manager{
		factory: f,
		num:     num,
		backoff: backoff,
		logger:  log.WithComponent("worker"),
	}
}

func (m *Manager) Start(parent context.Context) {
	m.startedOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(parent)
		for i := 0; i < m.num; i++ {
			id := i + 1
			m.wg.Add(1)
			go m.runOne(id)
		}
	})
}

func (m *Manager) runOne(id int) {
	defer m.wg.Done()

	for {
		err := m.runGuarded(id)
		if err == nil || errors.Is(err, context.Canceled) || m.ctx.Err() != nil {
			return
		}

		m.logger.Warn().
			Err(err).
			Str("event", "worker.restart").
			Int("worker_id", id).
			Dur("backoff", m.backoff).
			Msg("worker stopped with error")

		select {
		case <-time.After(m.backoff):
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) runGuarded(id int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r}
		}
	}()
	return m.factory(id).Run(m.ctx)
}

// Stop cancels every worker and waits for them to return.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

type panicError struct{ value any }

func (p *panicError) Error() string { return fmt.Sprintf("worker panic: %v", p.value) }
