package maintenance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"collab-sync/pkg/db"
	"collab-sync/pkg/maintenance"
	"collab-sync/pkg/session"
	"collab-sync/pkg/testutil"
	"collab-sync/pkg/versioning"

	"go.uber.org/zap"
)

type fakeTarget struct {
	mu         sync.Mutex
	staleAfter []time.Duration
	idleAfter  []time.Duration
	block      chan struct{}
}

func (f *fakeTarget) FlushStale(_ context.Context, staleAfter time.Duration) (int, int) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staleAfter = append(f.staleAfter, staleAfter)
	return 1, 0
}

func (f *fakeTarget) EvictIdle(_ context.Context, idleAfter time.Duration) (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.idleAfter = append(f.idleAfter, idleAfter)
	return 0, 1
}

func (f *fakeTarget) sweeps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.idleAfter)
}

func TestSweep_PassesThresholds(t *testing.T) {
	target := &fakeTarget{}
	s := maintenance.NewScheduler(target, zap.NewNop(), time.Hour, time.Minute, 10*time.Minute)

	r := s.Sweep(context.Background())
	if r.Skipped {
		t.Fatal("sweep skipped")
	}
	if r.Flushed != 1 || r.EvictFailed != 1 {
		t.Errorf("report: got %+v", r)
	}
	if target.staleAfter[0] != time.Minute || target.idleAfter[0] != 10*time.Minute {
		t.Errorf("thresholds: got %v / %v", target.staleAfter, target.idleAfter)
	}
	if s.State() != maintenance.Idle {
		t.Errorf("state: got %v, want idle", s.State())
	}
}

func TestSweep_DoesNotOverlap(t *testing.T) {
	target := &fakeTarget{block: make(chan struct{})}
	s := maintenance.NewScheduler(target, zap.NewNop(), time.Hour, time.Minute, time.Minute)

	done := make(chan maintenance.Report)
	go func() { done <- s.Sweep(context.Background()) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.State() != maintenance.Sweeping {
		if time.Now().After(deadline) {
			t.Fatal("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}

	if r := s.Sweep(context.Background()); !r.Skipped {
		t.Errorf("overlapping sweep ran: %+v", r)
	}
	close(target.block)
	if r := <-done; r.Skipped {
		t.Error("first sweep reported skipped")
	}
}

func TestStartStop(t *testing.T) {
	target := &fakeTarget{}
	s := maintenance.NewScheduler(target, zap.NewNop(), 5*time.Millisecond, time.Minute, time.Minute)
	s.Start()

	deadline := time.Now().Add(5 * time.Second)
	for target.sweeps() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("ticker never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	n := target.sweeps()
	time.Sleep(20 * time.Millisecond)
	if target.sweeps() != n {
		t.Error("swept after Stop")
	}
}

func TestSweep_RegistryLifecycle(t *testing.T) {
	store := testutil.NewSQLiteStore(t)
	clock := testutil.NewFakeClock()
	reg := session.NewRegistry(store, versioning.NewService(store, zap.NewNop()), nil, zap.NewNop(), session.Options{Clock: clock.Now})
	s := maintenance.NewScheduler(reg, zap.NewNop(), time.Hour, time.Minute, 10*time.Minute)

	ctx, cancel := testutil.TestContext()
	defer cancel()

	info, err := reg.Create(ctx, session.Seed{DocumentType: "note", DocumentID: "swept", OwnerID: "o"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	id := info.Session.SessionID

	clock.Advance(9 * time.Minute)
	if r := s.Sweep(ctx); r.Evicted != 0 {
		t.Errorf("evicted early: %+v", r)
	}
	clock.Advance(2 * time.Minute)
	if r := s.Sweep(ctx); r.Evicted != 1 {
		t.Errorf("report: got %+v, want one eviction", r)
	}
	if reg.Loaded(id) {
		t.Error("session still loaded")
	}
	meta, err := store.GetSessionBySessionID(ctx, id)
	if err != nil {
		t.Fatalf("GetSessionBySessionID failed: %v", err)
	}
	if meta.Status != db.StatusCompleted {
		t.Errorf("status: got %q, want completed", meta.Status)
	}
}
