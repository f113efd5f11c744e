package asyncmy

import (
	"context"
	"testing"
	"time"
)

func TestFutureResolveThenGet(t *testing.T) {
	f, resolve := NewFuture[int]()
	resolve(42, nil)

	v, err := f.Get(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Get() = (%d, %v), want (42, nil)", v, err)
	}
}

func TestFutureGetBlocksUntilResolved(t *testing.T) {
	f, resolve := NewFuture[string]()

	go func() {
		time.Sleep(10 * time.Millisecond)
		resolve("done", nil)
	}()

	v, err := f.Get(context.Background())
	if err != nil || v != "done" {
		t.Fatalf("Get() = (%q, %v), want (\"done\", nil)", v, err)
	}
}

func TestFutureGetRespectsContextCancellation(t *testing.T) {
	f, _ := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Get(ctx)
	if err == nil {
		t.Fatal("expected Get to fail once the context deadline passed")
	}
}

func TestFutureResolveIsIdempotent(t *testing.T) {
	f, resolve := NewFuture[int]()
	resolve(1, nil)
	resolve(2, nil) // ignored, once already fired

	v, _ := f.Get(context.Background())
	if v != 1 {
		t.Fatalf("Get() = %d, want 1 (first resolve wins)", v)
	}
}

func TestResolvedFuture(t *testing.T) {
	f := ResolvedFuture(7, nil)
	v, err := f.Wait()
	if err != nil || v != 7 {
		t.Fatalf("Wait() = (%d, %v), want (7, nil)", v, err)
	}
}
