package hub

import (
	"context"
	"sync"
	"testing"
	"time"
)

// TestHub_StartStop tests functional validation - hub lifecycle management
func TestHub_StartStop(t *testing.T) {
	hub := NewHub(nil, 10)
	ctx := context.Background()

	if err := hub.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}

	if err := hub.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}

	if err := hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}

	if err := hub.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}

	if err := hub.Start(ctx); err != ErrHubStopped {
		t.Errorf("Expected ErrHubStopped on restart, got %v", err)
	}
}

func TestHub_SubmitWhenNotRunning(t *testing.T) {
	hub := NewHub(nil, 10)

	if err := hub.Submit(func() {}); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
	if err := hub.Do(context.Background(), func() {}); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning from Do, got %v", err)
	}
	if err := hub.Submit(nil); err != ErrNilTask {
		t.Errorf("Expected ErrNilTask, got %v", err)
	}
}

// TestHub_TasksRunSequentially checks that concurrent submitters never
// observe interleaved task execution.
func TestHub_TasksRunSequentially(t *testing.T) {
	hub := NewHub(nil, 100)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	defer func() { _ = hub.Stop() }()

	counter := 0
	inTask := false
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := hub.Submit(func() {
					if inTask {
						t.Error("task started while another was running")
					}
					inTask = true
					counter++
					inTask = false
				})
				if err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	var got int
	if err := hub.Do(context.Background(), func() { got = counter }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got != 1000 {
		t.Errorf("Expected 1000 tasks, got %d", got)
	}
}

func TestHub_PanickingTaskKeepsHubAlive(t *testing.T) {
	hub := NewHub(nil, 10)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	defer func() { _ = hub.Stop() }()

	if err := hub.Do(context.Background(), func() { panic("boom") }); err != nil {
		t.Errorf("Do should complete after a panicking task, got %v", err)
	}

	ran := false
	if err := hub.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !ran {
		t.Error("hub did not run task after panic")
	}
}

func TestHub_DoHonoursContext(t *testing.T) {
	hub := NewHub(nil, 10)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	defer func() { _ = hub.Stop() }()

	release := make(chan struct{})
	if err := hub.Submit(func() { <-release }); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := hub.Do(ctx, func() {}); err != context.DeadlineExceeded {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}

func TestHub_ContextCancellationStopsLoop(t *testing.T) {
	hub := NewHub(nil, 10)
	ctx, cancel := context.WithCancel(context.Background())
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}
	cancel()

	deadline := time.After(time.Second)
	for hub.Running() {
		select {
		case <-deadline:
			t.Fatal("hub still running after context cancellation")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if err := hub.Submit(func() {}); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning after cancel, got %v", err)
	}
}
