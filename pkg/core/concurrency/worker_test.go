package concurrency

import (
	"testing"
)

func TestWorker_StateMachine(t *testing.T) {
	p := newTestPool(t, 1)

	if got := p.Workers()[0].State; got != WorkerIdle {
		t.Errorf("initial state = %v, want idle", got)
	}

	release := make(chan struct{})
	_ = p.Execute(func() { <-release })
	waitFor(t, "worker to execute", func() bool {
		return p.Workers()[0].State == WorkerExecuting
	})

	close(release)
	waitFor(t, "worker to go idle", func() bool {
		return p.Workers()[0].State == WorkerIdle
	})

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	w := p.Workers()[0]
	if w.State != WorkerTerminated {
		t.Errorf("state after Close = %v, want terminated", w.State)
	}
	if w.Status != "terminated" {
		t.Errorf("Status = %q, want terminated", w.Status)
	}
	if w.JobsRun != 1 {
		t.Errorf("JobsRun = %d, want 1", w.JobsRun)
	}
}

func TestWorker_FinishesJobBeforeTerminating(t *testing.T) {
	p := newTestPool(t, 1)

	release := make(chan struct{})
	finished := make(chan struct{})
	_ = p.Execute(func() {
		<-release
		close(finished)
	})
	waitFor(t, "job to start", func() bool { return p.Stats().Busy == 1 })

	closed := make(chan error, 1)
	go func() { closed <- p.Close() }()

	select {
	case <-closed:
		t.Fatal("Close returned while a job was still executing")
	default:
	}
	if got := p.Workers()[0].State; got != WorkerExecuting {
		t.Errorf("state during drain = %v, want executing", got)
	}

	close(release)
	if err := <-closed; err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case <-finished:
	default:
		t.Error("job did not finish before Close returned")
	}
}

func TestStateStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{WorkerIdle.String(), "idle"},
		{WorkerExecuting.String(), "executing"},
		{WorkerTerminated.String(), "terminated"},
		{WorkerState(9).String(), "unknown"},
		{PoolRunning.String(), "running"},
		{PoolDraining.String(), "draining"},
		{PoolStopped.String(), "stopped"},
		{msgWork.String(), "work"},
		{msgShutdown.String(), "shutdown"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("String() = %q, want %q", tt.got, tt.want)
		}
	}
}
