package lifecycle

import (
	"context"
	"sync"
	"testing"

	"github.com/pixelated/dispatcher/internal/apperr"
	"github.com/pixelated/dispatcher/internal/backend"
	"github.com/pixelated/dispatcher/internal/events"
	"github.com/pixelated/dispatcher/internal/logging"
	"github.com/pixelated/dispatcher/internal/portpool"
	"github.com/pixelated/dispatcher/internal/users"
)

// fakeBackend is a minimal in-memory backend.Backend for supervisor tests.
type fakeBackend struct {
	mu          sync.Mutex
	running     map[string]bool
	startErr    error
	stopErr     error
	initializing bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: make(map[string]bool)}
}

func (f *fakeBackend) Initialize(context.Context) error { return nil }
func (f *fakeBackend) Initializing() bool                { return f.initializing }

func (f *fakeBackend) Start(_ context.Context, params backend.StartParams) (backend.Handle, error) {
	if f.startErr != nil {
		return backend.Handle{}, f.startErr
	}
	f.mu.Lock()
	f.running[params.User] = true
	f.mu.Unlock()
	return backend.Handle{ID: "h-" + params.User}, nil
}

func (f *fakeBackend) Stop(_ context.Context, user string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.mu.Lock()
	delete(f.running, user)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) ListRunning(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for u := range f.running {
		out = append(out, u)
	}
	return out, nil
}

func (f *fakeBackend) Status(_ context.Context, user string) (backend.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[user] {
		return backend.Status{State: backend.StateRunning}, nil
	}
	return backend.Status{State: backend.StateStopped}, nil
}

func (f *fakeBackend) MemoryUsage(context.Context) (backend.MemoryUsage, error) {
	return backend.MemoryUsage{}, nil
}

func (f *fakeBackend) ResetData(context.Context, string, string) error { return nil }
func (f *fakeBackend) Remove(context.Context, string) error            { return nil }

func (f *fakeBackend) simulateCrash(user string) {
	f.mu.Lock()
	delete(f.running, user)
	f.mu.Unlock()
}

func newTestSupervisor(t *testing.T, be backend.Backend) (*Supervisor, *portpool.Pool) {
	t.Helper()
	log := logging.New(false)
	pool := portpool.New(5000, 5001, log)
	reg, err := users.New(t.TempDir(), log)
	if err != nil {
		t.Fatalf("users.New() failed: %v", err)
	}
	reg.Add("alice")
	reg.Add("bob")
	bus := events.New()
	return New(be, pool, reg, bus, log), pool
}

func TestStartStopRoundTrip(t *testing.T) {
	be := newFakeBackend()
	sup, pool := newTestSupervisor(t, be)

	inst, err := sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{})
	if err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if inst.State != StateRunning || inst.PublicPort != 5000 {
		t.Fatalf("Start() = %+v, want running on port 5000", inst)
	}

	if _, err := sup.Stop(context.Background(), "alice"); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	free, used, _ := pool.Stats()
	if used != 0 || free != 2 {
		t.Errorf("port not released after stop: free=%d used=%d", free, used)
	}
}

func TestDoubleStartFails(t *testing.T) {
	be := newFakeBackend()
	sup, _ := newTestSupervisor(t, be)

	if _, err := sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{}); err != nil {
		t.Fatalf("first Start() failed: %v", err)
	}
	_, err := sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{})
	if apperr.KindOf(err) != apperr.AlreadyRunning {
		t.Fatalf("second Start() kind = %v, want AlreadyRunning", apperr.KindOf(err))
	}
}

func TestStopWhenStoppedFails(t *testing.T) {
	be := newFakeBackend()
	sup, _ := newTestSupervisor(t, be)

	_, err := sup.Stop(context.Background(), "alice")
	if apperr.KindOf(err) != apperr.NotRunning {
		t.Fatalf("Stop() on stopped user kind = %v, want NotRunning", apperr.KindOf(err))
	}
}

func TestStartReleasesPortOnBackendFailure(t *testing.T) {
	be := newFakeBackend()
	be.startErr = apperr.New(apperr.NotEnoughFreeMemory, "no RAM")
	sup, pool := newTestSupervisor(t, be)

	_, err := sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{})
	if err == nil {
		t.Fatal("expected Start() to fail")
	}
	free, used, _ := pool.Stats()
	if used != 0 || free != 2 {
		t.Errorf("port should be released on backend start failure: free=%d used=%d", free, used)
	}

	inst, _ := sup.Status(context.Background(), "alice")
	if inst.State != StateStopped {
		t.Errorf("state after failed start = %v, want stopped", inst.State)
	}
}

func TestPoolExhaustionKeepsStopped(t *testing.T) {
	be := newFakeBackend()
	log := logging.New(false)
	pool := portpool.New(5000, 5000, log) // capacity 1
	reg, _ := users.New(t.TempDir(), log)
	reg.Add("alice")
	reg.Add("bob")
	sup := New(be, pool, reg, events.New(), log)

	if _, err := sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{}); err != nil {
		t.Fatalf("first Start() failed: %v", err)
	}
	_, err := sup.Start(context.Background(), "bob", backend.Credential{}, ProviderConfig{})
	if err == nil {
		t.Fatal("expected pool exhaustion error for second user")
	}
	inst, _ := sup.Status(context.Background(), "bob")
	if inst.State != StateStopped {
		t.Errorf("bob's state = %v, want stopped after pool exhaustion", inst.State)
	}
}

func TestCrashReconciliationOnStatus(t *testing.T) {
	be := newFakeBackend()
	sup, pool := newTestSupervisor(t, be)

	sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{})
	be.simulateCrash("alice")

	inst, err := sup.Status(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if inst.State != StateStopped {
		t.Errorf("state after crash = %v, want stopped", inst.State)
	}
	free, used, _ := pool.Stats()
	if used != 0 || free != 2 {
		t.Errorf("port should be released after crash reconciliation: free=%d used=%d", free, used)
	}
}

func TestRemoveRequiresStopped(t *testing.T) {
	be := newFakeBackend()
	sup, _ := newTestSupervisor(t, be)

	sup.Start(context.Background(), "alice", backend.Credential{}, ProviderConfig{})
	if err := sup.Remove(context.Background(), "alice"); apperr.KindOf(err) != apperr.AlreadyRunning {
		t.Fatalf("Remove() while running kind = %v, want AlreadyRunning", apperr.KindOf(err))
	}

	sup.Stop(context.Background(), "alice")
	if err := sup.Remove(context.Background(), "alice"); err != nil {
		t.Fatalf("Remove() after stop failed: %v", err)
	}
}

func TestConcurrentUsersIndependent(t *testing.T) {
	be := newFakeBackend()
	log := logging.New(false)
	pool := portpool.New(5000, 5010, log)
	reg, _ := users.New(t.TempDir(), log)
	reg.Add("alice")
	reg.Add("bob")
	sup := New(be, pool, reg, events.New(), log)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	users := []string{"alice", "bob"}
	for i, u := range users {
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			_, errs[i] = sup.Start(context.Background(), u, backend.Credential{}, ProviderConfig{})
		}(i, u)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("Start(%s) failed: %v", users[i], err)
		}
	}
}
