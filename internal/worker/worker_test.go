package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// overlapProbe records how many Process calls ran at once.
type overlapProbe struct {
	active  atomic.Int32
	maxSeen atomic.Int32
	calls   atomic.Int32
	delay   time.Duration
}

func (p *overlapProbe) Process(ctx context.Context) error {
	n := p.active.Add(1)
	for {
		m := p.maxSeen.Load()
		if n <= m || p.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	time.Sleep(p.delay)
	p.calls.Add(1)
	p.active.Add(-1)
	return nil
}

func startWorker(t *testing.T, proc Processor) *Worker {
	t.Helper()
	w := New(proc, Config{ContinuousWait: 2 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		_ = w.Quit(context.Background())
		cancel()
	})
	return w
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestScanTwiceNeverOverlaps(t *testing.T) {
	probe := &overlapProbe{delay: 20 * time.Millisecond}
	w := startWorker(t, probe)
	ctx := testContext(t)

	if err := w.Scan(ctx); err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if err := w.Scan(ctx); err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	if err := w.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if got := probe.calls.Load(); got != 2 {
		t.Errorf("Process calls = %d, want 2", got)
	}
	if got := probe.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent Process calls = %d, want 1", got)
	}
	if w.State() != Idle {
		t.Errorf("state = %s, want idle", w.State())
	}
}

func TestScanAndWait(t *testing.T) {
	probe := &overlapProbe{}
	w := startWorker(t, probe)
	ctx := testContext(t)

	for i := 0; i < 5; i++ {
		if err := w.ScanAndWait(ctx); err != nil {
			t.Fatalf("ScanAndWait: %v", err)
		}
	}
	if got := probe.calls.Load(); got != 5 {
		t.Errorf("Process calls = %d, want 5", got)
	}
	if got := w.Cycles(); got != 5 {
		t.Errorf("Cycles = %d, want 5", got)
	}
}

func TestContinuousReachesIdle(t *testing.T) {
	probe := &overlapProbe{delay: time.Millisecond}
	w := startWorker(t, probe)
	ctx := testContext(t)

	if err := w.StartContinuous(ctx); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	if w.State() != Continuous {
		t.Fatalf("state = %s, want continuous", w.State())
	}

	deadline := time.Now().Add(2 * time.Second)
	for probe.calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if probe.calls.Load() < 3 {
		t.Fatalf("continuous loop ran %d cycles", probe.calls.Load())
	}

	// Scan while continuous is absorbed, not queued.
	if err := w.Scan(ctx); err != nil {
		t.Fatalf("Scan during continuous: %v", err)
	}

	if err := w.StopContinuous(ctx); err != nil {
		t.Fatalf("StopContinuous: %v", err)
	}
	if w.State() != Idle {
		t.Errorf("state after stop = %s, want idle", w.State())
	}

	settled := probe.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if got := probe.calls.Load(); got != settled {
		t.Errorf("cycles ran after StopContinuous: %d -> %d", settled, got)
	}
	if got := probe.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent Process calls = %d, want 1", got)
	}
}

func TestStopContinuousWhenIdle(t *testing.T) {
	w := startWorker(t, &overlapProbe{})
	if err := w.StopContinuous(testContext(t)); err != nil {
		t.Fatalf("StopContinuous: %v", err)
	}
	if w.State() != Idle {
		t.Errorf("state = %s, want idle", w.State())
	}
}

func TestQuit(t *testing.T) {
	probe := &overlapProbe{}
	w := New(probe, Config{})
	w.Start(context.Background())
	ctx := testContext(t)

	if err := w.StartContinuous(ctx); err != nil {
		t.Fatalf("StartContinuous: %v", err)
	}
	if err := w.Quit(ctx); err != nil {
		t.Fatalf("Quit: %v", err)
	}
	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker goroutine did not end")
	}
	if w.State() != Stopped {
		t.Errorf("state = %s, want stopped", w.State())
	}
	if err := w.Scan(ctx); !errors.Is(err, ErrQuit) {
		t.Errorf("Scan after Quit err = %v, want ErrQuit", err)
	}
	if err := w.Quit(ctx); err != nil {
		t.Errorf("second Quit: %v", err)
	}
}

func TestContextCancelStops(t *testing.T) {
	w := New(&overlapProbe{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker goroutine ignored cancellation")
	}
}

func TestConcurrentControllers(t *testing.T) {
	probe := &overlapProbe{delay: time.Millisecond}
	w := startWorker(t, probe)
	ctx := testContext(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = w.Scan(ctx)
			}
		}()
	}
	wg.Wait()
	_ = w.Wait(ctx)

	if got := probe.calls.Load(); got != 20 {
		t.Errorf("Process calls = %d, want 20", got)
	}
	if got := probe.maxSeen.Load(); got != 1 {
		t.Errorf("max concurrent Process calls = %d, want 1", got)
	}
}

func TestProcessErrorKeepsRunning(t *testing.T) {
	var calls atomic.Int32
	w := startWorker(t, ProcessorFunc(func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}))
	ctx := testContext(t)
	for i := 0; i < 2; i++ {
		if err := w.ScanAndWait(ctx); err != nil {
			t.Fatalf("ScanAndWait: %v", err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}
