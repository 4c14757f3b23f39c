package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-fulfillment-engine.git/internal/logger"
	"github.com/ariefcatur/go-fulfillment-engine.git/internal/metrics"
)

const defaultTaskTimeout = 10 * time.Second

// Tracker runs fire-and-forget work off the request path. A task never
// inherits the caller's cancellation; failures and panics are logged and
// counted, never returned.
type Tracker struct {
	log     *logger.Logger
	metrics *metrics.Tasks
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewTracker(log *logger.Logger, m *metrics.Tasks) *Tracker {
	if log == nil {
		log = logger.Nop()
	}
	return &Tracker{log: log, metrics: m, timeout: defaultTaskTimeout}
}

// Go starts fn in its own goroutine. ctx only contributes log fields.
func (t *Tracker) Go(ctx context.Context, name string, fn func(context.Context) error) {
	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	taskCtx = t.log.WithField(taskCtx, "task", name)
	t.wg.Add(1)
	t.metrics.Started()
	go func() {
		defer t.wg.Done()
		defer cancel()
		outcome := "ok"
		defer func() { t.metrics.Finished(name, outcome) }()
		defer func() {
			if r := recover(); r != nil {
				outcome = "panic"
				t.log.Error(taskCtx, "background task panicked", fmt.Errorf("%v", r))
			}
		}()
		if err := fn(taskCtx); err != nil {
			outcome = "error"
			t.log.Warn(taskCtx, "background task failed", err)
		}
	}()
}

// Wait blocks until every started task returned or ctx is done.
func (t *Tracker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
