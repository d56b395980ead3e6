package memrolescheduler

import (
	"context"
	"sync"

	"github.com/luno/durable"
)

var _ durable.RoleScheduler = (*RoleScheduler)(nil)

// RoleScheduler assigns each role to a single holder within the process. It is suitable for tests and for
// running all the partitions of a task hub in one Worker.
type RoleScheduler struct {
	mu    sync.Mutex
	roles map[string]chan struct{}
}

func New() *RoleScheduler {
	return &RoleScheduler{
		roles: make(map[string]chan struct{}),
	}
}

func (r *RoleScheduler) Await(ctx context.Context, role string) (context.Context, context.CancelFunc, error) {
	if ctx.Err() != nil {
		return nil, nil, ctx.Err()
	}

	// Lock the main mutex whilst checking and potentially creating the role's semaphore
	r.mu.Lock()
	sem, ok := r.roles[role]
	if !ok {
		sem = make(chan struct{}, 1)
		r.roles[role] = sem
	}
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case sem <- struct{}{}:
	}

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		<-ctx.Done()
		<-sem
	}()

	return ctx, cancel, nil
}
