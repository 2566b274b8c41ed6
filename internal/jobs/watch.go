package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"odds/internal/types"
)

// Watcher polls a job in the background to report when it can be cancelled.
// It stops on its own at a terminal status or on the first poll error.
type Watcher struct {
	cancel      context.CancelFunc
	done        chan struct{}
	cancellable atomic.Bool
	stopOnce    sync.Once
}

// Watch starts a watcher for job. onChange, when set, is called from the
// watcher goroutine each time cancellability flips.
func (m *Manager) Watch(ctx context.Context, job *LiveJob, onChange func(cancellable bool)) *Watcher {
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cancel: cancel, done: make(chan struct{})}

	set := func(v bool) {
		if w.cancellable.Swap(v) != v && onChange != nil {
			onChange(v)
		}
	}

	go func() {
		defer close(w.done)
		defer set(false)

		ticker := time.NewTicker(m.watchInt)
		defer ticker.Stop()
		for {
			status, err := m.Poll(ctx, job)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.WarnContext(ctx, "cancel watcher stopped on poll error", "job_id", job.ID(), "error", err)
				}
				return
			}
			if status.Terminal() {
				return
			}
			set(status == types.JobRunning)

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return w
}

// Cancellable reports whether the job was last seen running.
func (w *Watcher) Cancellable() bool { return w.cancellable.Load() }

// Done is closed once the watcher has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Stop ends the watcher and waits for it to exit. It is safe to call more
// than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(w.cancel)
	<-w.done
}
