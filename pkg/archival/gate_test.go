package archival

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestTransferGateBlocksTransferWhileUploadInFlight(t *testing.T) {
	gate := NewTransferGate()
	ctx := context.Background()

	if err := gate.BeginUploadIteration(ctx); err != nil {
		t.Fatalf("begin iteration: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		gate.EndUploadIteration()
	}()

	transferCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	start := time.Now()
	if err := gate.PrepareTransferLeadership(transferCtx); err != nil {
		t.Fatalf("prepare transfer: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected PrepareTransferLeadership to wait for the in-flight iteration")
	}
	<-done

	gate.CompleteTransferLeadership()
	if gate.Paused() {
		t.Fatalf("expected gate unpaused after CompleteTransferLeadership")
	}
}

func TestTransferGatePrepareTimesOut(t *testing.T) {
	gate := NewTransferGate()
	ctx := context.Background()
	if err := gate.BeginUploadIteration(ctx); err != nil {
		t.Fatalf("begin iteration: %v", err)
	}
	defer gate.EndUploadIteration()

	transferCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := gate.PrepareTransferLeadership(transferCtx); err == nil {
		t.Fatalf("expected timeout error while an upload iteration is in flight")
	}
}

func TestMayBeginUploadsRespectsPauseAndLeadership(t *testing.T) {
	gate := NewTransferGate()
	if !gate.MayBeginUploads(alwaysCanUpdate) {
		t.Fatalf("expected uploads allowed initially")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := gate.PrepareTransferLeadership(ctx); err != nil {
		t.Fatalf("prepare transfer: %v", err)
	}
	if gate.MayBeginUploads(alwaysCanUpdate) {
		t.Fatalf("expected uploads blocked while paused")
	}

	gate.CompleteTransferLeadership()
	if !gate.MayBeginUploads(alwaysCanUpdate) {
		t.Fatalf("expected uploads allowed again after completing transfer")
	}

	if gate.MayBeginUploads(neverCanUpdate) {
		t.Fatalf("expected uploads blocked when canUpdate reports false")
	}
}

func TestTransferGateConcurrentIterations(t *testing.T) {
	gate := NewTransferGate()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gate.BeginUploadIteration(ctx); err != nil {
				t.Errorf("begin iteration: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
			gate.EndUploadIteration()
		}()
	}
	wg.Wait()
}
