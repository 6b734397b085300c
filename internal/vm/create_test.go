package vm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ritikr000/VM-Generator/internal/catalog"
	"github.com/ritikr000/VM-Generator/internal/db"
	"github.com/ritikr000/VM-Generator/internal/models"
	"github.com/ritikr000/VM-Generator/internal/provision"
)

// mockProvisioner is a mock implementation of the provisioner interface for testing.
type mockProvisioner struct {
	mu    sync.Mutex
	calls []provision.Params

	provisionFunc func(ctx context.Context, p provision.Params) error
}

func (m *mockProvisioner) Provision(ctx context.Context, p provision.Params) error {
	m.mu.Lock()
	m.calls = append(m.calls, p)
	m.mu.Unlock()
	if m.provisionFunc == nil {
		return nil
	}
	return m.provisionFunc(ctx, p)
}

func (m *mockProvisioner) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestStore(t *testing.T) *db.DB {
	t.Helper()
	d, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func testCatalog() *catalog.Catalog {
	return catalog.New(map[string]string{"alpine": "/images/alpine.iso"})
}

func listRecords(t *testing.T, d *db.DB) []*models.VMRecord {
	t.Helper()
	records, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return records
}

func TestCreate_Success(t *testing.T) {
	store := newTestStore(t)
	prov := &mockProvisioner{}
	svc := NewService(testCatalog(), prov, store, 0, nil)

	rec, err := svc.Create(context.Background(), CreateRequest{Name: "vm1", Memory: "512", CPUs: "1", OSType: "alpine"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Error("ID should be non-empty")
	}

	if prov.callCount() != 1 {
		t.Fatalf("provision calls: got %d, want 1", prov.callCount())
	}
	want := provision.Params{Name: "vm1", MemoryMB: 512, CPUs: 1, OSType: "alpine", MediaPath: "/images/alpine.iso"}
	if prov.calls[0] != want {
		t.Errorf("params: got %+v, want %+v", prov.calls[0], want)
	}

	records := listRecords(t, store)
	if len(records) != 1 {
		t.Fatalf("records: got %d, want 1", len(records))
	}
	r := records[0]
	if r.Name != "vm1" || r.OSType != "alpine" || r.MemoryMB != 512 || r.CPUs != 1 {
		t.Errorf("record: got %+v", r)
	}
}

func TestCreate_UnsupportedOS(t *testing.T) {
	store := newTestStore(t)
	prov := &mockProvisioner{}
	svc := NewService(testCatalog(), prov, store, 0, nil)

	_, err := svc.Create(context.Background(), CreateRequest{Name: "vm1", Memory: "512", CPUs: "1", OSType: "windows"})
	if !errors.Is(err, catalog.ErrUnsupportedOS) {
		t.Fatalf("got %v, want ErrUnsupportedOS", err)
	}
	if prov.callCount() != 0 {
		t.Errorf("provisioner must not be invoked, got %d calls", prov.callCount())
	}
	if n := len(listRecords(t, store)); n != 0 {
		t.Errorf("records: got %d, want 0", n)
	}
}

func TestCreate_InvalidRequests(t *testing.T) {
	tests := []struct {
		name    string
		req     CreateRequest
		wantErr error
	}{
		{"no name", CreateRequest{Memory: "512", CPUs: "1", OSType: "alpine"}, provision.ErrMissingParameter},
		{"no memory", CreateRequest{Name: "vm1", CPUs: "1", OSType: "alpine"}, provision.ErrMissingParameter},
		{"no cpus", CreateRequest{Name: "vm1", Memory: "512", OSType: "alpine"}, provision.ErrMissingParameter},
		{"no os", CreateRequest{Name: "vm1", Memory: "512", CPUs: "1"}, provision.ErrMissingParameter},
		{"memory not a number", CreateRequest{Name: "vm1", Memory: "lots", CPUs: "1", OSType: "alpine"}, ErrInvalidParameter},
		{"negative cpus", CreateRequest{Name: "vm1", Memory: "512", CPUs: "-2", OSType: "alpine"}, ErrInvalidParameter},
		{"zero memory", CreateRequest{Name: "vm1", Memory: "0", CPUs: "1", OSType: "alpine"}, ErrInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newTestStore(t)
			prov := &mockProvisioner{}
			svc := NewService(testCatalog(), prov, store, 0, nil)

			_, err := svc.Create(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
			if prov.callCount() != 0 {
				t.Errorf("provisioner must not be invoked, got %d calls", prov.callCount())
			}
		})
	}
}

func TestCreate_ProvisionFailureStoresNothing(t *testing.T) {
	store := newTestStore(t)
	prov := &mockProvisioner{provisionFunc: func(context.Context, provision.Params) error {
		return &provision.ProvisionError{ExitCode: 2, Stderr: "fatal: no hosts matched"}
	}}
	svc := NewService(testCatalog(), prov, store, 0, nil)

	_, err := svc.Create(context.Background(), CreateRequest{Name: "vm1", Memory: "512", CPUs: "1", OSType: "alpine"})
	var perr *provision.ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *ProvisionError", err)
	}
	if n := len(listRecords(t, store)); n != 0 {
		t.Errorf("records after failed provisioning: got %d, want 0", n)
	}
}

func TestCreate_DuplicateNameSkipsProvisioning(t *testing.T) {
	store := newTestStore(t)
	prov := &mockProvisioner{}
	svc := NewService(testCatalog(), prov, store, 0, nil)
	req := CreateRequest{Name: "vm1", Memory: "512", CPUs: "1", OSType: "alpine"}

	if _, err := svc.Create(context.Background(), req); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	_, err := svc.Create(context.Background(), req)
	if !errors.Is(err, db.ErrDuplicateName) {
		t.Fatalf("second Create: got %v, want ErrDuplicateName", err)
	}
	if prov.callCount() != 1 {
		t.Errorf("provision calls: got %d, want 1", prov.callCount())
	}
}

func TestCreate_ConcurrentSameName(t *testing.T) {
	store := newTestStore(t)
	prov := &mockProvisioner{provisionFunc: func(context.Context, provision.Params) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}}
	svc := NewService(testCatalog(), prov, store, 4, nil)

	const callers = 5
	var (
		wg        sync.WaitGroup
		ok, dupes atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Create(context.Background(), CreateRequest{Name: "same", Memory: "512", CPUs: "1", OSType: "alpine"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, db.ErrDuplicateName):
				dupes.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != 1 {
		t.Errorf("successful creates: got %d, want 1", ok.Load())
	}
	if dupes.Load() != callers-1 {
		t.Errorf("duplicate errors: got %d, want %d", dupes.Load(), callers-1)
	}
	if prov.callCount() != 1 {
		t.Errorf("provision calls: got %d, want 1", prov.callCount())
	}
	if n := len(listRecords(t, store)); n != 1 {
		t.Errorf("records: got %d, want 1", n)
	}
}

func TestCreate_BoundsConcurrentProvisioning(t *testing.T) {
	store := newTestStore(t)
	var running, peak atomic.Int32
	prov := &mockProvisioner{provisionFunc: func(context.Context, provision.Params) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}}
	svc := NewService(testCatalog(), prov, store, 2, nil)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := CreateRequest{Name: fmt.Sprintf("vm%d", i), Memory: "512", CPUs: "1", OSType: "alpine"}
			if _, err := svc.Create(context.Background(), req); err != nil {
				t.Errorf("Create vm%d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrent provisioning: got %d, want <= 2", peak.Load())
	}
	if n := len(listRecords(t, store)); n != 6 {
		t.Errorf("records: got %d, want 6", n)
	}
}

func TestCreate_CancelledWhileQueued(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	prov := &mockProvisioner{provisionFunc: func(context.Context, provision.Params) error {
		<-release
		return nil
	}}
	svc := NewService(testCatalog(), prov, store, 1, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Create(context.Background(), CreateRequest{Name: "first", Memory: "512", CPUs: "1", OSType: "alpine"})
		firstDone <- err
	}()
	// Wait until the only slot is taken.
	for prov.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := svc.Create(ctx, CreateRequest{Name: "second", Memory: "512", CPUs: "1", OSType: "alpine"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("queued create: got %v, want context.DeadlineExceeded", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Errorf("first create: %v", err)
	}
	if prov.callCount() != 1 {
		t.Errorf("provision calls: got %d, want 1", prov.callCount())
	}
}

func TestCreate_CancelledWhileWaitingForName(t *testing.T) {
	store := newTestStore(t)
	release := make(chan struct{})
	prov := &mockProvisioner{provisionFunc: func(context.Context, provision.Params) error {
		<-release
		return nil
	}}
	// Plenty of slots, so only the name lock can hold the second call back.
	svc := NewService(testCatalog(), prov, store, 4, nil)

	firstDone := make(chan error, 1)
	go func() {
		_, err := svc.Create(context.Background(), CreateRequest{Name: "same", Memory: "512", CPUs: "1", OSType: "alpine"})
		firstDone <- err
	}()
	for prov.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	secondDone := make(chan error, 1)
	go func() {
		_, err := svc.Create(ctx, CreateRequest{Name: "same", Memory: "512", CPUs: "1", OSType: "alpine"})
		secondDone <- err
	}()

	select {
	case err := <-secondDone:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("waiting create: got %v, want context.DeadlineExceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("create waiting on a held name ignored its deadline")
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Errorf("first create: %v", err)
	}
	if prov.callCount() != 1 {
		t.Errorf("provision calls: got %d, want 1", prov.callCount())
	}
	if n := svc.names.len(); n != 0 {
		t.Errorf("lock table entries after completion: got %d, want 0", n)
	}
}

func TestCreate_ReleasesNameLock(t *testing.T) {
	store := newTestStore(t)
	svc := NewService(testCatalog(), &mockProvisioner{}, store, 0, nil)

	if _, err := svc.Create(context.Background(), CreateRequest{Name: "vm1", Memory: "512", CPUs: "1", OSType: "alpine"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(context.Background(), CreateRequest{Name: "vm1", Memory: "512", CPUs: "1", OSType: "nope"}); err == nil {
		t.Fatal("expected error")
	}
	if n := svc.names.len(); n != 0 {
		t.Errorf("lock table entries after completion: got %d, want 0", n)
	}
}
