package xref

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestPutGet(t *testing.T) {
	m := New()
	if _, ok := m.Get("src1"); ok {
		t.Fatal("empty map should not resolve src1")
	}
	m.Put("src1", "tgt1")
	if tgt, ok := m.Get("src1"); !ok || tgt != "tgt1" {
		t.Errorf("Get(src1) = %q, %v; want tgt1, true", tgt, ok)
	}
}

func TestClaimResolve(t *testing.T) {
	m := New()
	ctx := context.Background()

	tgt, claimed, err := m.Claim(ctx, "src1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if !claimed || tgt != "" {
		t.Fatalf("first Claim = %q, %v; want claimed", tgt, claimed)
	}
	m.Resolve("src1", "tgt1")

	tgt, claimed, err = m.Claim(ctx, "src1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed || tgt != "tgt1" {
		t.Errorf("Claim after Resolve = %q, %v; want tgt1, false", tgt, claimed)
	}
}

func TestClaimRelease(t *testing.T) {
	m := New()
	ctx := context.Background()

	if _, claimed, err := m.Claim(ctx, "src1"); err != nil || !claimed {
		t.Fatalf("first Claim = %v, %v; want claimed", claimed, err)
	}
	m.Release("src1")
	if _, claimed, err := m.Claim(ctx, "src1"); err != nil || !claimed {
		t.Errorf("Claim after Release = %v, %v; want claimed again", claimed, err)
	}
}

func TestDelete(t *testing.T) {
	m := New()
	ctx := context.Background()

	m.Put("src1", "tgt1")
	m.Delete("src1")
	if _, ok := m.Get("src1"); ok {
		t.Fatal("Get after Delete should miss")
	}
	if _, claimed, err := m.Claim(ctx, "src1"); err != nil || !claimed {
		t.Errorf("Claim after Delete = %v, %v; want claimed", claimed, err)
	}
}

// Two concurrent branches racing for the same source id: exactly one wins
// the claim, and the loser observes the winner's target id.
func TestClaimConcurrent(t *testing.T) {
	m := New()
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	winners := make(chan int, workers)
	observed := make(chan string, workers)
	failures := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tgt, claimed, err := m.Claim(ctx, "shared-parent")
			if err != nil {
				failures <- err
				return
			}
			if claimed {
				winners <- n
				m.Resolve("shared-parent", "tgt-shared")
				return
			}
			observed <- tgt
		}(i)
	}
	wg.Wait()
	close(winners)
	close(observed)
	close(failures)

	for err := range failures {
		t.Fatalf("Claim: %v", err)
	}
	if len(winners) != 1 {
		t.Fatalf("%d claim winners, want exactly 1", len(winners))
	}
	for tgt := range observed {
		if tgt != "tgt-shared" {
			t.Errorf("waiter observed %q, want tgt-shared", tgt)
		}
	}
	if m.Len() != 1 {
		t.Errorf("map has %d entries, want 1", m.Len())
	}
}

// A waiter blocked on someone else's claim must come back when its context
// ends, not hang until the claim settles.
func TestClaimWaitHonorsContext(t *testing.T) {
	m := New()
	if _, claimed, err := m.Claim(context.Background(), "src1"); err != nil || !claimed {
		t.Fatalf("first Claim = %v, %v; want claimed", claimed, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := m.Claim(ctx, "src1")
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("waiter returned without error before the claim settled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter did not return after context expiry")
	}

	// The holder's claim is untouched; resolving still works.
	m.Resolve("src1", "tgt1")
	if tgt, ok := m.Get("src1"); !ok || tgt != "tgt1" {
		t.Errorf("Get after Resolve = %q, %v", tgt, ok)
	}
}

func TestSeedSnapshot(t *testing.T) {
	m := New()
	m.Seed(map[string]string{"a": "1", "b": "2"})
	m.Put("c", "3")

	snap := m.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot has %d entries, want 3", len(snap))
	}
	snap["d"] = "4" // Mutating the snapshot must not affect the map
	if m.Len() != 3 {
		t.Errorf("map has %d entries after snapshot mutation, want 3", m.Len())
	}
}
