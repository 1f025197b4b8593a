package engine

import (
	"context"
	"log"
	"net"
	"path/filepath"
	"sync"
	"testing"

	"github.com/anweddol/sessiond/internal/config"
	"github.com/anweddol/sessiond/internal/credstore"
	"github.com/anweddol/sessiond/internal/schema"
	"github.com/anweddol/sessiond/internal/tokenstore"
	"github.com/anweddol/sessiond/internal/vmm"
)

// fakeVMM is a minimal in-memory stand-in for a libvirt connection, letting
// engine tests exercise capacity/reaper/destroy logic without a real
// hypervisor.
type fakeVMM struct {
	mu      sync.Mutex
	running map[string]bool
}

func newFakeVMM() *fakeVMM {
	return &fakeVMM{running: make(map[string]bool)}
}

func (f *fakeVMM) CreateAndStart(cfg vmm.Config) (vmm.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[cfg.Name] = true
	return vmm.Handle{Name: cfg.Name}, nil
}

func (f *fakeVMM) AwaitIP(ctx context.Context, h vmm.Handle, maxTryouts int) (net.IP, error) {
	return net.ParseIP("127.0.0.1"), nil
}

func (f *fakeVMM) Stop(h vmm.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, h.Name)
	return nil
}

func (f *fakeVMM) IsRunning(h vmm.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[h.Name]
}

func (f *fakeVMM) setRunning(name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = running
}

func (f *fakeVMM) Close() error { return nil }

func newTestEngine(t *testing.T) (*Engine, *fakeVMM) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.MaxRunningContainers = 2

	creds, err := credstore.Open()
	if err != nil {
		t.Fatalf("credstore.Open: %v", err)
	}
	t.Cleanup(func() { creds.Close() })

	vm := newFakeVMM()
	e := New(cfg, log.Default(), vm, creds, nil)
	return e, vm
}

func TestHandleCreateRefusesAtCapacity(t *testing.T) {
	e, vm := newTestEngine(t)
	_ = vm

	e.containers.add(&Container{UUID: "a", Handle: vmm.Handle{Name: "a"}})
	e.containers.add(&Container{UUID: "b", Handle: vmm.Handle{Name: "b"}})

	resp := e.handleCreate(context.Background())
	if resp.Success {
		t.Fatal("expected refusal at capacity")
	}
	if resp.Message != schema.MessageUnavailable {
		t.Fatalf("expected Unavailable, got %q", resp.Message)
	}
}

func TestHandleDestroyRejectsBadAuth(t *testing.T) {
	e, _ := newTestEngine(t)

	req := schema.Request{Verb: schema.VerbDestroy, Parameters: map[string]any{
		"container_uuid": "does-not-exist",
		"client_token":   "wrong",
	}}
	resp := e.handleDestroy(context.Background(), req)
	if resp.Success || resp.Message != schema.MessageBadAuth {
		t.Fatalf("expected Bad authentication, got success=%v message=%q", resp.Success, resp.Message)
	}
}

func TestHandleDestroyReclaimsContainer(t *testing.T) {
	e, vm := newTestEngine(t)

	containerUUID := "container-1"
	_, _, token, err := e.creds.AddEntry(containerUUID)
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	vm.setRunning(containerUUID, true)
	e.containers.add(&Container{UUID: containerUUID, Handle: vmm.Handle{Name: containerUUID}})

	req := schema.Request{Verb: schema.VerbDestroy, Parameters: map[string]any{
		"container_uuid": containerUUID,
		"client_token":   token,
	}}
	resp := e.handleDestroy(context.Background(), req)
	if !resp.Success || resp.Message != schema.MessageOK {
		t.Fatalf("expected OK, got success=%v message=%q", resp.Success, resp.Message)
	}
	if _, ok := e.containers.get(containerUUID); ok {
		t.Fatal("expected container to be removed from the registry")
	}
}

func TestHandleStatReportsAvailability(t *testing.T) {
	e, _ := newTestEngine(t)
	e.containers.add(&Container{UUID: "a", Handle: vmm.Handle{Name: "a"}})

	resp := e.handleStat(context.Background())
	if !resp.Success {
		t.Fatal("expected STAT to succeed")
	}
	if resp.Data["available"] != 1 {
		t.Fatalf("expected 1 slot available (max 2, 1 running), got %v", resp.Data["available"])
	}
	if _, ok := resp.Data["version"].(string); !ok {
		t.Fatalf("expected a string version, got %v", resp.Data["version"])
	}
	if _, ok := resp.Data["uptime_seconds"].(int64); !ok {
		t.Fatalf("expected an int64 uptime_seconds, got %v (%T)", resp.Data["uptime_seconds"], resp.Data["uptime_seconds"])
	}
}

func TestHandleStatReportsNolimitWhenNoCapConfigured(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.Server.MaxRunningContainers = 0

	resp := e.handleStat(context.Background())
	if !resp.Success {
		t.Fatal("expected STAT to succeed")
	}
	if resp.Data["available"] != "nolimit" {
		t.Fatalf("expected nolimit, got %v", resp.Data["available"])
	}
}

func TestHandleCreateAllowsUnboundedCapacityWhenNoCapConfigured(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.Server.MaxRunningContainers = 0

	e.containers.add(&Container{UUID: "a", Handle: vmm.Handle{Name: "a"}})
	e.containers.add(&Container{UUID: "b", Handle: vmm.Handle{Name: "b"}})

	resp := e.handleCreate(context.Background())
	if resp.Success {
		t.Fatal("expected handleCreate to fail past the capacity check (no real vmm/forwarder wiring), not at capacity")
	}
	if resp.Message == schema.MessageUnavailable {
		t.Fatal("expected a nolimit configuration to never refuse CREATE for capacity")
	}
}

func TestReaperReclaimsStoppedDomain(t *testing.T) {
	e, vm := newTestEngine(t)

	containerUUID := "container-reaped"
	if _, _, _, err := e.creds.AddEntry(containerUUID); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	e.containers.add(&Container{UUID: containerUUID, Handle: vmm.Handle{Name: containerUUID}})
	vm.setRunning(containerUUID, false) // domain already shut itself down

	var reclaimed bool
	var mu sync.Mutex
	e.On(EventContainerDomainStopped, func(ev Event) Outcome {
		mu.Lock()
		reclaimed = true
		mu.Unlock()
		return Continue
	})

	e.sweep()

	mu.Lock()
	defer mu.Unlock()
	if !reclaimed {
		t.Fatal("expected reaper to fire EventContainerDomainStopped")
	}
	if _, ok := e.containers.get(containerUUID); ok {
		t.Fatal("expected reaper to remove the container from the registry")
	}
}

func TestCheckIPAllowedDisabledAcceptsEverything(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.IPFilter.Enabled = false
	if !e.CheckIPAllowed("203.0.113.9") {
		t.Fatal("expected disabled filter to allow any address")
	}
}

func TestCheckIPAllowedEnforcesFilter(t *testing.T) {
	e, _ := newTestEngine(t)
	e.cfg.IPFilter.Enabled = true
	e.cfg.IPFilter.AllowedRanges = []string{"198.51.100.0/24"}

	if e.CheckIPAllowed("203.0.113.9") {
		t.Fatal("expected address outside allowed range to be rejected")
	}
	if !e.CheckIPAllowed("198.51.100.5") {
		t.Fatal("expected address inside allowed range to be accepted")
	}
}

func TestCheckAccessTokenDisabledAlwaysPasses(t *testing.T) {
	e, _ := newTestEngine(t)
	if got := e.CheckAccessToken(""); got != AccessTokenOK {
		t.Fatalf("expected disabled access-token gate to pass, got %v", got)
	}
}

func TestCheckAccessTokenDistinguishesMissingFromInvalid(t *testing.T) {
	e, _ := newTestEngine(t)
	tokens, err := tokenstore.Open(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("tokenstore.Open: %v", err)
	}
	t.Cleanup(func() { tokens.Close() })

	e.cfg.AccessToken.Enabled = true
	e.tokens = tokens

	if got := e.CheckAccessToken(""); got != AccessTokenMissing {
		t.Fatalf("expected AccessTokenMissing for an empty token, got %v", got)
	}
	if got := e.CheckAccessToken("not-a-real-token"); got != AccessTokenInvalid {
		t.Fatalf("expected AccessTokenInvalid for an unknown token, got %v", got)
	}

	_, token, err := tokens.AddEntry()
	if err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	if got := e.CheckAccessToken(token); got != AccessTokenOK {
		t.Fatalf("expected AccessTokenOK for a valid token, got %v", got)
	}
}

func TestShutdownReclaimsLiveContainers(t *testing.T) {
	e, vm := newTestEngine(t)

	containerUUID := "container-shutdown"
	if _, _, _, err := e.creds.AddEntry(containerUUID); err != nil {
		t.Fatalf("AddEntry: %v", err)
	}
	vm.setRunning(containerUUID, true)
	e.containers.add(&Container{UUID: containerUUID, Handle: vmm.Handle{Name: containerUUID}})

	e.Shutdown()

	if vm.IsRunning(vmm.Handle{Name: containerUUID}) {
		t.Fatal("expected Shutdown to stop the running domain")
	}
	if _, ok := e.containers.get(containerUUID); ok {
		t.Fatal("expected Shutdown to remove the container from the registry")
	}
}

func TestDispatchUnhandledVerb(t *testing.T) {
	e, _ := newTestEngine(t)
	resp := e.Dispatch(context.Background(), schema.Request{Verb: "WIPE"})
	if resp.Success || resp.Message != schema.MessageBadRequest {
		t.Fatalf("expected Bad request, got success=%v message=%q", resp.Success, resp.Message)
	}
}

