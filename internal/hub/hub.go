package hub

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Task is a unit of work run on the hub goroutine.
type Task func()

// Hub serializes every mutation of relay state onto one goroutine
// ARCHITECTURAL DISCOVERY: Registry, tracker and event bus carry no locks;
// the hub is the single logical thread that makes that safe
type Hub struct {
	// FUNCTIONAL DISCOVERY: Buffered intake absorbs bursts from timers and
	// transport goroutines without blocking them on every submit
	tasks    chan Task
	shutdown chan struct{}
	done     chan struct{}
	logger   *zap.SugaredLogger

	running bool
	stopped bool
	mu      sync.RWMutex
}

// NewHub creates a stopped hub with the given intake buffer.
func NewHub(logger *zap.SugaredLogger, bufferSize int) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &Hub{
		tasks:    make(chan Task, bufferSize),
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Start launches the hub goroutine. A hub can be started once.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	if h.stopped {
		h.mu.Unlock()
		return ErrHubStopped
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Debug("starting hub")
	go h.run(ctx)
	return nil
}

// Stop signals the hub goroutine and waits for the current task to finish.
// Tasks still queued are dropped. Stop must not be called from a task.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	h.logger.Debug("hub stopped")
	return nil
}

// Running reports whether the hub accepts tasks.
func (h *Hub) Running() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Submit queues task without waiting for it to run.
// It blocks while the intake buffer is full. Submit must not be called
// from a task: a full buffer would deadlock the hub.
func (h *Hub) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	if !h.Running() {
		return ErrHubNotRunning
	}

	select {
	case h.tasks <- task:
		return nil
	case <-h.done:
		return ErrHubNotRunning
	}
}

// Do runs task on the hub and waits for it to complete.
func (h *Hub) Do(ctx context.Context, task Task) error {
	if task == nil {
		return ErrNilTask
	}

	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		task()
	}

	if !h.Running() {
		return ErrHubNotRunning
	}
	select {
	case h.tasks <- wrapped:
	case <-h.done:
		return ErrHubNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-h.done:
		// The loop may have run the task right before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrHubNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the hub loop
// TECHNICAL DISCOVERY: Single select loop handles all coordination
func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case task := <-h.tasks:
			h.runTask(task)

		case <-h.shutdown:
			h.logger.Debug("hub shutdown requested")
			return

		case <-ctx.Done():
			h.logger.Debug("hub context cancelled")
			h.mu.Lock()
			h.running = false
			h.stopped = true
			h.mu.Unlock()
			return
		}
	}
}

// runTask keeps the loop alive when a task panics.
func (h *Hub) runTask(task Task) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Errorw("hub task panicked", "panic", fmt.Sprint(r))
		}
	}()
	task()
}
