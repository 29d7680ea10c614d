// Package lane serializes work per key. Every conversation gets its own lane
// so its messages are persisted and broadcast in the order they arrive,
// while different conversations proceed in parallel.
//
// A lane is a FIFO queue drained by one worker goroutine. Workers exit after
// an idle period and are recreated on demand.
package lane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of work run on a lane.
type Task func(ctx context.Context) error

type item struct {
	ctx  context.Context
	task Task
	done chan error // nil for fire-and-forget items
}

type lane struct {
	key     string
	queue   chan item
	pending int // guarded by Manager.mu
	active  bool
}

// Manager owns the lanes for all keys.
type Manager struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	log    *zap.Logger
	stopCh chan struct{}
	once   sync.Once

	queueSize   int
	idleTimeout time.Duration
}

// ManagerConfig configures a lane Manager.
type ManagerConfig struct {
	QueueSize   int           // per-lane buffer (default 100)
	IdleTimeout time.Duration // worker exit after idle (default 5m)
	Logger      *zap.Logger
}

// NewManager creates a lane manager.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Manager{
		lanes:       make(map[string]*lane),
		log:         cfg.Logger.Named("lane"),
		stopCh:      make(chan struct{}),
		queueSize:   cfg.QueueSize,
		idleTimeout: cfg.IdleTimeout,
	}
}

// Submit runs task on key's lane and waits for it to finish.
func (m *Manager) Submit(ctx context.Context, key string, task Task) error {
	done := make(chan error, 1)
	if err := m.enqueue(ctx, key, item{ctx: ctx, task: task, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue queues task on key's lane without waiting for it to run. Tasks
// enqueued from one goroutine run in the order they were enqueued.
func (m *Manager) Enqueue(ctx context.Context, key string, task Task) error {
	return m.enqueue(ctx, key, item{ctx: context.WithoutCancel(ctx), task: task})
}

func (m *Manager) enqueue(ctx context.Context, key string, it item) error {
	m.mu.Lock()
	select {
	case <-m.stopCh:
		m.mu.Unlock()
		return fmt.Errorf("lane: manager stopped")
	default:
	}
	l, ok := m.lanes[key]
	if !ok {
		l = &lane{key: key, queue: make(chan item, m.queueSize)}
		m.lanes[key] = l
		go m.runWorker(l)
	}
	l.pending++
	m.mu.Unlock()

	select {
	case l.queue <- it:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		l.pending--
		m.mu.Unlock()
		return ctx.Err()
	}
}

// runWorker drains one lane. It only exits while nothing is pending, so a
// concurrent enqueue never targets a lane without a worker.
func (m *Manager) runWorker(l *lane) {
	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case it := <-l.queue:
			m.mu.Lock()
			l.active = true
			m.mu.Unlock()

			err := m.run(l.key, it)

			m.mu.Lock()
			l.pending--
			l.active = false
			m.mu.Unlock()

			if it.done != nil {
				it.done <- err
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idleTimeout)

		case <-idle.C:
			m.mu.Lock()
			if l.pending == 0 {
				delete(m.lanes, l.key)
				m.mu.Unlock()
				return
			}
			m.mu.Unlock()
			idle.Reset(m.idleTimeout)

		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) run(key string, it item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("task panicked", zap.String("key", key), zap.Any("panic", r))
			err = fmt.Errorf("lane %s: task panicked: %v", key, r)
		}
	}()
	err = it.task(it.ctx)
	if err != nil && it.done == nil {
		m.log.Warn("task failed", zap.String("key", key), zap.Error(err))
	}
	return err
}

// Stop shuts down all workers. Queued tasks that have not started are
// abandoned.
func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
}

// Stats returns lane manager statistics.
func (m *Manager) Stats() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	active, pending := 0, 0
	for _, l := range m.lanes {
		if l.active {
			active++
		}
		pending += l.pending
	}
	return map[string]any{
		"totalLanes":  len(m.lanes),
		"activeLanes": active,
		"pending":     pending,
	}
}
