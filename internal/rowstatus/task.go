package rowstatus

import (
	"sync"
	"time"

	"github.com/geekxflood/common/logging"

	"github.com/geekxflood/proteus/internal/oid"
)

// TaskHandle controls a scheduled task.
type TaskHandle interface {
	Cancel()
}

// Scheduler runs tasks periodically.
type Scheduler interface {
	// Schedule runs task once right away and then every interval until the
	// returned handle is cancelled.
	Schedule(interval time.Duration, task func()) TaskHandle
}

// TickerScheduler is a Scheduler backed by one goroutine and ticker per task.
type TickerScheduler struct{}

type tickerHandle struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

// Cancel stops the task and waits for a running execution to return.
func (h *tickerHandle) Cancel() {
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

func (TickerScheduler) Schedule(interval time.Duration, task func()) TaskHandle {
	h := &tickerHandle{stop: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(h.done)
		task()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stop:
				return
			case <-ticker.C:
				task()
			}
		}
	}()
	return h
}

// TaskFactory returns the task bound to an activated row, or ok false when
// the row carries none.
type TaskFactory func(event RowChangeEvent) (interval time.Duration, task func(), ok bool)

// TaskBinder is a RowChangeListener keeping one background task per active
// row. The task starts when its row is activated and is cancelled when the
// row is deactivated or destroyed.
type TaskBinder struct {
	scheduler Scheduler
	factory   TaskFactory
	logger    logging.Logger

	mu    sync.Mutex
	tasks map[string]TaskHandle
}

// NewTaskBinder creates a binder. A nil scheduler selects TickerScheduler.
func NewTaskBinder(scheduler Scheduler, factory TaskFactory, logger logging.Logger) *TaskBinder {
	if scheduler == nil {
		scheduler = TickerScheduler{}
	}
	return &TaskBinder{
		scheduler: scheduler,
		factory:   factory,
		logger:    logger.With("component", "row-tasks"),
		tasks:     make(map[string]TaskHandle),
	}
}

func (b *TaskBinder) RowChanged(event RowChangeEvent) {
	switch event.Type {
	case EventActivated:
		interval, task, ok := b.factory(event)
		if !ok {
			return
		}
		key := event.Index.String()
		b.cancel(key)

		b.mu.Lock()
		b.tasks[key] = b.scheduler.Schedule(interval, task)
		b.mu.Unlock()
		b.logger.Debug("Row task started", "index", key, "interval", interval.String())
	case EventDeactivated, EventDestroyed:
		if b.cancel(event.Index.String()) {
			b.logger.Debug("Row task cancelled", "index", event.Index.String())
		}
	}
}

func (b *TaskBinder) cancel(key string) bool {
	b.mu.Lock()
	h, ok := b.tasks[key]
	delete(b.tasks, key)
	b.mu.Unlock()

	if ok {
		h.Cancel()
	}
	return ok
}

// Running reports whether the row at index has a live task.
func (b *TaskBinder) Running(index oid.OID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tasks[index.String()]
	return ok
}

// Stop cancels every task.
func (b *TaskBinder) Stop() {
	b.mu.Lock()
	tasks := b.tasks
	b.tasks = make(map[string]TaskHandle)
	b.mu.Unlock()

	for _, h := range tasks {
		h.Cancel()
	}
}
