package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
)

// PoolConfig sizes an in-process worker pool.
type PoolConfig struct {
	// Size is the number of workers. Defaults to 1.
	Size int
	// IDPrefix names the workers "<prefix>-1" through "<prefix>-N".
	// Defaults to "agent".
	IDPrefix string
	// Capabilities and HeartbeatInterval apply to every worker.
	Capabilities      []string
	HeartbeatInterval time.Duration
}

// Pool runs several workers inside one process, sharing the queue, registry,
// recovery manager, and broker. Workers in other processes coexist with a
// pool as long as they share the database.
type Pool struct {
	workers []*Worker
}

// NewPool builds cfg.Size workers over shared deps.
func NewPool(cfg PoolConfig, deps Deps) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 1
	}
	prefix := cfg.IDPrefix
	if prefix == "" {
		prefix = "agent"
	}

	workers := make([]*Worker, 0, size)
	for i := 0; i < size; i++ {
		workers = append(workers, New(Config{
			AgentID:           fmt.Sprintf("%s-%d", prefix, i+1),
			Capabilities:      cfg.Capabilities,
			HeartbeatInterval: cfg.HeartbeatInterval,
		}, deps))
	}
	return &Pool{workers: workers}
}

// Workers exposes the pool's workers for status reporting and tests.
func (p *Pool) Workers() []*Worker {
	return p.workers
}

// Run starts every worker and blocks until all have stopped. The first
// worker error cancels the rest; cancelling ctx stops the pool cleanly.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Run(ctx)
		})
	}
	return g.Wait()
}
