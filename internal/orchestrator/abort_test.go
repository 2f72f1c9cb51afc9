package orchestrator

import (
	"context"
	"testing"
)

func TestAbortRegistryAbort(t *testing.T) {
	r := newAbortRegistry()

	runCtx, handle := r.install(context.Background(), "conv-1")
	if handle.Aborted() {
		t.Fatal("fresh handle reports aborted")
	}

	if !r.abort("conv-1") {
		t.Fatal("abort returned false with a run installed")
	}
	if !handle.Aborted() {
		t.Error("abort did not flip the flag")
	}
	select {
	case <-runCtx.Done():
	default:
		t.Error("abort did not cancel the run context")
	}
}

func TestAbortRegistryNothingRunning(t *testing.T) {
	r := newAbortRegistry()
	if r.abort("conv-1") {
		t.Error("abort returned true with nothing installed")
	}
}

func TestAbortRegistryInstallReplacesPrior(t *testing.T) {
	r := newAbortRegistry()

	oldCtx, oldHandle := r.install(context.Background(), "conv-1")
	_, newHandle := r.install(context.Background(), "conv-1")

	if !oldHandle.Aborted() {
		t.Error("prior run not aborted by replacement")
	}
	select {
	case <-oldCtx.Done():
	default:
		t.Error("prior run context not cancelled")
	}
	if newHandle.Aborted() {
		t.Error("new handle inherited the aborted state")
	}
}

func TestAbortRegistryClearOnlyRemovesCurrent(t *testing.T) {
	r := newAbortRegistry()

	_, oldHandle := r.install(context.Background(), "conv-1")
	_, newHandle := r.install(context.Background(), "conv-1")

	// The replaced run finishing late must not evict the new run's handle.
	r.clear("conv-1", oldHandle)
	if !r.abort("conv-1") {
		t.Fatal("new handle was evicted by a stale clear")
	}
	if !newHandle.Aborted() {
		t.Error("abort after stale clear missed the current handle")
	}

	r.clear("conv-1", newHandle)
	if r.abort("conv-1") {
		t.Error("handle still installed after its own clear")
	}
}

func TestAbortRegistryIsPerConversation(t *testing.T) {
	r := newAbortRegistry()

	_, h1 := r.install(context.Background(), "conv-1")
	_, h2 := r.install(context.Background(), "conv-2")

	r.abort("conv-1")
	if !h1.Aborted() {
		t.Error("conv-1 not aborted")
	}
	if h2.Aborted() {
		t.Error("conv-2 aborted by conv-1's stop")
	}
}
