package transport

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeListener struct {
	started chan struct{}
	stopped atomic.Bool
	startErr error
}

func newFakeListener() *fakeListener {
	return &fakeListener{started: make(chan struct{})}
}

func (f *fakeListener) Start(ctx context.Context) error {
	close(f.started)
	if f.startErr != nil {
		return f.startErr
	}
	<-ctx.Done()
	return nil
}

func (f *fakeListener) Stop(_ context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestServe_StopsAllListenersOnCancel(t *testing.T) {
	t.Parallel()

	a, b := newFakeListener(), newFakeListener()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, a, b) }()

	<-a.started
	<-b.started
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve returned %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if !a.stopped.Load() || !b.stopped.Load() {
		t.Error("not every listener was stopped")
	}
}

func TestServe_ListenerFailureStopsTheRest(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	failing := newFakeListener()
	failing.startErr = boom
	healthy := newFakeListener()

	err := Serve(context.Background(), failing, healthy)
	if !errors.Is(err, boom) {
		t.Fatalf("Serve returned %v, want boom", err)
	}
	if !healthy.stopped.Load() {
		t.Error("healthy listener was not stopped after peer failure")
	}
}
