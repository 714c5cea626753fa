package bus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestFlushDeliversByKindAndWildcard(t *testing.T) {
	h := NewHub(8)
	var (
		stalled []string
		all     []string
	)
	h.Subscribe(KindSpawnStalled, func(e *Event) { stalled = append(stalled, e.SpawnID) })
	h.Subscribe(Wildcard, func(e *Event) { all = append(all, e.Kind) })

	h.Publish(&Event{Kind: KindSpawnStalled, SpawnID: "s1"})
	h.Publish(&Event{Kind: KindMessagePosted, ChannelID: "c1"})
	h.Flush()

	if len(stalled) != 1 || stalled[0] != "s1" {
		t.Fatalf("unexpected stalled deliveries: %v", stalled)
	}
	if len(all) != 2 || all[1] != KindMessagePosted {
		t.Fatalf("unexpected wildcard deliveries: %v", all)
	}
	if h.Pending() != 0 {
		t.Fatalf("expected empty queue, got %d", h.Pending())
	}
}

func TestPublishDropsWhenFull(t *testing.T) {
	h := NewHub(1)
	h.Publish(&Event{Kind: KindSpawnCreated})
	h.Publish(&Event{Kind: KindSpawnCreated})
	if h.Pending() != 1 {
		t.Fatalf("expected second event dropped, pending=%d", h.Pending())
	}
}

func TestDispatchStopsOnCancel(t *testing.T) {
	h := NewHub(4)
	var (
		mu  sync.Mutex
		got int
	)
	done := make(chan struct{}, 1)
	h.Subscribe(KindSpawnFailed, func(*Event) {
		mu.Lock()
		got++
		mu.Unlock()
		done <- struct{}{}
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- h.Dispatch(ctx) }()

	h.Publish(&Event{Kind: KindSpawnFailed})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not dispatched")
	}
	cancel()
	if err := <-errCh; err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got != 1 {
		t.Fatalf("expected one delivery, got %d", got)
	}
}

func TestEventKey(t *testing.T) {
	e := &Event{SpawnID: "s"}
	if e.Key() != "s" {
		t.Fatalf("expected spawn key, got %q", e.Key())
	}
	e.ChannelID = "c"
	if e.Key() != "c" {
		t.Fatalf("expected channel key, got %q", e.Key())
	}
}
