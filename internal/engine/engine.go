// Package engine implements the server's core verb dispatch: admission
// control, the CREATE/DESTROY/STAT handlers, and the reaper that reclaims
// containers whose domain shut itself down from inside the guest. Both the
// binary protocol surface and the HTTP surface call into this package; it
// knows nothing about either transport.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/anweddol/sessiond/internal/config"
	"github.com/anweddol/sessiond/internal/credstore"
	"github.com/anweddol/sessiond/internal/forwarder"
	"github.com/anweddol/sessiond/internal/schema"
	"github.com/anweddol/sessiond/internal/tokenstore"
	"github.com/anweddol/sessiond/internal/vmm"
	"github.com/google/uuid"
)

// Engine owns every piece of server-side state: the container registry, the
// forwarder pool, the credential store, the optional access-token store,
// and the virtualization backend. It is safe for concurrent use.
type Engine struct {
	cfg *config.Config
	log *log.Logger

	vm         vmm.VMM
	forwarders *forwarder.Pool
	creds      *credstore.Store
	tokens     *tokenstore.Store // nil when access tokens are disabled

	containers *containerRegistry
	stats      *RuntimeStats

	handlers map[EventKind][]Handler

	reaperStop chan struct{}
	reaperWG   sync.WaitGroup
}

// New wires an Engine out of its components. tokens may be nil when
// cfg.AccessToken.Enabled is false.
func New(cfg *config.Config, logger *log.Logger, vm vmm.VMM, creds *credstore.Store, tokens *tokenstore.Store) *Engine {
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		cfg:        cfg,
		log:        logger,
		vm:         vm,
		forwarders: forwarder.NewPool(cfg.PortForwarding.RangeStart, cfg.PortForwarding.RangeEnd),
		creds:      creds,
		tokens:     tokens,
		containers: newContainerRegistry(),
		stats:      newRuntimeStats(),
		handlers:   make(map[EventKind][]Handler),
		reaperStop: make(chan struct{}),
	}
}

// StartReaper launches the background goroutine that sweeps the container
// registry once per second, reclaiming any container whose domain is no
// longer running.
func (e *Engine) StartReaper() {
	e.reaperWG.Add(1)
	go func() {
		defer e.reaperWG.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-e.reaperStop:
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

// StopReaper stops the reaper goroutine and waits for it to exit.
func (e *Engine) StopReaper() {
	close(e.reaperStop)
	e.reaperWG.Wait()
}

func (e *Engine) sweep() {
	for _, c := range e.containers.list() {
		if e.vm.IsRunning(c.Handle) {
			continue
		}
		e.log.Printf("engine: reaper reclaiming container %s (domain no longer running)", c.UUID)
		if err := e.reclaim(c.UUID); err != nil {
			e.log.Printf("engine: reaper failed to reclaim %s: %v", c.UUID, err)
			continue
		}
		e.fire(EventContainerDomainStopped, ContextAutomaticAction, map[string]any{"container_uuid": c.UUID})
	}
}

// reclaim tears down every resource tied to a container UUID: its
// forwarder, its credential entry, and its registry slot. The domain itself
// is assumed already stopped (or is stopped here defensively).
func (e *Engine) reclaim(containerUUID string) error {
	e.vm.Stop(vmm.Handle{Name: containerUUID})

	if err := e.forwarders.DeleteStoredForwarder(containerUUID, true); err != nil {
		return fmt.Errorf("delete forwarder: %w", err)
	}

	if entryID, ok, err := e.creds.GetContainerUUIDEntryID(containerUUID); err == nil && ok {
		e.creds.DeleteEntry(entryID)
	}

	e.containers.remove(containerUUID)
	return nil
}

// Shutdown reclaims every live container: its domain, its forwarder, and
// its credential entry. Call it once, after the reaper has stopped and
// before disconnecting the virtualization backend, so a graceful shutdown
// never leaves a domain running.
func (e *Engine) Shutdown() {
	for _, c := range e.containers.list() {
		if err := e.reclaim(c.UUID); err != nil {
			e.log.Printf("engine: shutdown failed to reclaim %s: %v", c.UUID, err)
		}
	}
}

// Capacity reports how many containers are currently registered and the
// configured maximum. max is 0 when no cap is configured (nolimit).
func (e *Engine) Capacity() (running, max int) {
	return e.containers.count(), e.cfg.Server.MaxRunningContainers
}

// AccessTokenResult is the three-way outcome of an access-token check: a
// missing token and an invalid one are distinct failures with distinct
// responses.
type AccessTokenResult int

const (
	// AccessTokenOK means the token is valid, or the feature is disabled.
	AccessTokenOK AccessTokenResult = iota
	// AccessTokenMissing means the feature is enabled and no token was sent.
	AccessTokenMissing
	// AccessTokenInvalid means a token was sent but it is unknown or disabled.
	AccessTokenInvalid
)

// CheckAccessToken validates an access token when the feature is enabled.
// It always returns AccessTokenOK when access tokens are disabled.
func (e *Engine) CheckAccessToken(token string) AccessTokenResult {
	if !e.cfg.AccessToken.Enabled || e.tokens == nil {
		return AccessTokenOK
	}
	if token == "" {
		return AccessTokenMissing
	}
	_, ok, err := e.tokens.GetEntryID(token)
	if err != nil || !ok {
		return AccessTokenInvalid
	}
	return AccessTokenOK
}

// CheckIPAllowed runs the admission IP filter.
func (e *Engine) CheckIPAllowed(ip string) bool {
	if !e.cfg.IPFilter.Enabled {
		return true
	}
	return ipAllowed(ip, e.cfg.IPFilter.AllowedRanges, e.cfg.IPFilter.DeniedRanges)
}

// Dispatch routes a validated request to its handler and always returns a
// canonical response; it never returns a transport-level error.
func (e *Engine) Dispatch(ctx context.Context, req schema.Request) schema.Response {
	switch req.Verb {
	case schema.VerbCreate:
		return e.handleCreate(ctx)
	case schema.VerbDestroy:
		return e.handleDestroy(ctx, req)
	case schema.VerbStat:
		return e.handleStat(ctx)
	default:
		e.fire(EventUnhandledVerb, ContextError, map[string]any{"verb": string(req.Verb)})
		resp, _ := schema.MakeResponse(false, schema.MessageBadRequest, nil, "unhandled verb")
		return resp
	}
}

func newContainerUUID() string {
	return uuid.NewString()
}
