package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/util"
	"github.com/rs/xid"

	"github.com/pitabwire/qbatch/config"
)

var ErrPoolNotConfigured = errors.New("worker pool is not configured")

type manager struct {
	pool WorkerPool
	once sync.Once
}

// NewManager builds a pool sized from cfg, any supplied options override the configured values.
func NewManager(ctx context.Context, cfg config.ConfigurationWorkerPool, opts ...Option) (Manager, error) {
	log := util.Log(ctx)

	poolOpts := defaultWorkerPoolOpts(cfg, log)

	for _, opt := range opts {
		opt(poolOpts)
	}

	pool, err := setupWorkerPool(ctx, poolOpts)
	if err != nil {
		return nil, fmt.Errorf("could not create worker pool: %w", err)
	}

	return &manager{pool: pool}, nil
}

func (m *manager) GetPool() (WorkerPool, error) {
	if m == nil || m.pool == nil {
		return nil, ErrPoolNotConfigured
	}
	return m.pool, nil
}

func (m *manager) Shutdown(_ context.Context) error {
	if m == nil || m.pool == nil {
		return nil
	}
	m.once.Do(m.pool.Shutdown)
	return nil
}

// Group runs a set of tasks on a pool and waits for all of them.
// A task the pool refuses is executed on the calling goroutine so that every task runs exactly once.
type Group struct {
	ctx  context.Context
	pool WorkerPool
	wg   sync.WaitGroup
}

// NewGroup creates a task group bound to the manager's pool. A nil manager runs tasks inline.
func NewGroup(ctx context.Context, m Manager) *Group {
	g := &Group{ctx: ctx}
	if m != nil {
		pool, err := m.GetPool()
		if err == nil {
			g.pool = pool
		}
	}
	return g
}

// Go schedules task on the pool.
func (g *Group) Go(task func()) {
	g.wg.Add(1)
	wrapped := func() {
		defer g.wg.Done()
		task()
	}

	if g.pool == nil {
		wrapped()
		return
	}

	err := g.pool.Submit(g.ctx, wrapped)
	if err != nil {
		util.Log(g.ctx).
			WithField("task", xid.New().String()).
			WithError(err).
			Debug("pool refused task, running inline")
		wrapped()
	}
}

// Wait blocks until every scheduled task has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
