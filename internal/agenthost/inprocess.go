package agenthost

import (
	"context"
	"sync"

	"github.com/banterop/conductor/internal/turnloop"
)

// inProcessWorker wraps a Turn-Loop Executor running in the same process;
// its cancellation token is a context derived from the Host's worker
// context at Start time.
type inProcessWorker struct {
	agentID string
	exec    *turnloop.Executor

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newInProcessWorker(agentID string, exec *turnloop.Executor) *inProcessWorker {
	return &inProcessWorker{agentID: agentID, exec: exec}
}

func (w *inProcessWorker) ID() string { return w.agentID }

func (w *inProcessWorker) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()

	go func() {
		defer close(done)
		_ = w.exec.Run(runCtx)
	}()
	return nil
}

func (w *inProcessWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

var _ Worker = (*inProcessWorker)(nil)
