package objstore

import (
	"context"
	"testing"
)

func TestMemoryClientPutGetDelete(t *testing.T) {
	c := NewMemoryClient()
	ctx := context.Background()

	if res := c.Get(ctx, "missing"); res.Outcome != GetNotFound {
		t.Fatalf("expected GetNotFound, got %v", res.Outcome)
	}

	put := c.Put(ctx, "segment/1", []byte("payload"), Tags{"class": "segment"})
	if put.Outcome != PutSuccess {
		t.Fatalf("expected PutSuccess, got %v (%v)", put.Outcome, put.Err)
	}

	get := c.Get(ctx, "segment/1")
	if get.Outcome != GetFound || string(get.Bytes) != "payload" {
		t.Fatalf("expected found payload, got %v %q", get.Outcome, get.Bytes)
	}

	tags, ok := c.TagsFor("segment/1")
	if !ok || tags["class"] != "segment" {
		t.Fatalf("expected segment tag, got %v ok=%v", tags, ok)
	}

	del := c.Delete(ctx, "segment/1")
	if del.Outcome != DeleteSuccess {
		t.Fatalf("expected DeleteSuccess, got %v", del.Outcome)
	}
	if del2 := c.Delete(ctx, "segment/1"); del2.Outcome != DeleteNotFound {
		t.Fatalf("expected DeleteNotFound on second delete, got %v", del2.Outcome)
	}
}

func TestMemoryClientFailPuts(t *testing.T) {
	c := NewMemoryClient()
	c.FailPuts = true
	res := c.Put(context.Background(), "k", []byte("v"), nil)
	if res.Outcome != PutTransportError {
		t.Fatalf("expected PutTransportError, got %v", res.Outcome)
	}
	if c.Has("k") {
		t.Fatalf("object should not be stored after a failed put")
	}
}

func TestMemoryClientRespectsContextCancellation(t *testing.T) {
	c := NewMemoryClient()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if res := c.Put(ctx, "k", []byte("v"), nil); res.Outcome != PutTimedOut {
		t.Fatalf("expected PutTimedOut for cancelled context, got %v", res.Outcome)
	}
	if res := c.Get(ctx, "k"); res.Outcome != GetTimedOut {
		t.Fatalf("expected GetTimedOut for cancelled context, got %v", res.Outcome)
	}
}
