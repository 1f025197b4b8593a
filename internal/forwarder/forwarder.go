// Package forwarder manages the pool of TCP ports available for forwarding
// client traffic into a container, and the socat subprocess that performs
// each forward. Forwarders are keyed by container UUID rather than
// container IP: an IP is reused across containers over the server's
// lifetime while a UUID is not, so UUID is the correct registry key.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrNoAvailablePorts is returned when the pool has no bindable port left.
var ErrNoAvailablePorts = errors.New("forwarder: no available ports")

// ErrDuplicateForwarder is returned when a forwarder already exists for a
// container UUID.
var ErrDuplicateForwarder = errors.New("forwarder: a forwarder already exists for this container")

// Forwarder relays one TCP port on the host to a container's port via an
// external socat process.
type Forwarder struct {
	ContainerUUID       string
	ContainerIP         string
	ServerOriginPort    int
	ContainerDestPort   int

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan struct{}
}

// IsForwarding reports whether the socat subprocess is currently running.
func (f *Forwarder) IsForwarding() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cmd != nil
}

// Start spawns the socat subprocess for this forwarder. It is an error to
// start an already-running forwarder.
func (f *Forwarder) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd != nil {
		return fmt.Errorf("forwarder: already forwarding for container %s", f.ContainerUUID)
	}

	cmd := exec.Command(
		"/bin/socat",
		fmt.Sprintf("TCP-LISTEN:%d,fork,reuseaddr", f.ServerOriginPort),
		fmt.Sprintf("TCP:%s:%d", f.ContainerIP, f.ContainerDestPort),
	)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("forwarder: start socat: %w", err)
	}

	f.cmd = cmd
	f.done = make(chan struct{})
	go func() {
		cmd.Wait()
		close(f.done)
	}()
	return nil
}

// Stop terminates the socat subprocess. It is an error to stop a forwarder
// that is not running.
func (f *Forwarder) Stop() error {
	f.mu.Lock()
	cmd := f.cmd
	done := f.done
	f.mu.Unlock()

	if cmd == nil {
		return fmt.Errorf("forwarder: not forwarding for container %s", f.ContainerUUID)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		cmd.Process.Kill()
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		cmd.Process.Kill()
		<-done
	}

	f.mu.Lock()
	f.cmd = nil
	f.done = nil
	f.mu.Unlock()
	return nil
}

// Pool owns the set of ports available for forwarding and the registry of
// active forwarders, keyed by container UUID.
type Pool struct {
	mu             sync.Mutex
	availablePorts map[int]struct{}
	forwarders     map[string]*Forwarder // keyed by container UUID
}

// NewPool creates a pool covering [rangeStart, rangeEnd).
func NewPool(rangeStart, rangeEnd int) *Pool {
	ports := make(map[int]struct{}, rangeEnd-rangeStart)
	for p := rangeStart; p < rangeEnd; p++ {
		ports[p] = struct{}{}
	}
	return &Pool{
		availablePorts: ports,
		forwarders:     make(map[string]*Forwarder),
	}
}

// isBindable reports whether a TCP listener can currently be opened on port.
func isBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// CreateForwarder picks a single validated, bindable port from the pool and
// builds a Forwarder around it. Drawing two independent random ports here,
// one to validate and a different one to actually use, would let the
// forwarder end up bound to a port that was never checked for
// bindability. This draws exactly one port and reuses it for both the
// check and the forwarder.
func (p *Pool) CreateForwarder(ctx context.Context, containerUUID, containerIP string, containerDestPort int, store bool) (*Forwarder, error) {
	port, err := p.reserveBindablePort(ctx)
	if err != nil {
		return nil, err
	}

	f := &Forwarder{
		ContainerUUID:     containerUUID,
		ContainerIP:       containerIP,
		ServerOriginPort:  port,
		ContainerDestPort: containerDestPort,
	}

	if store {
		if err := p.StoreForwarder(f); err != nil {
			p.releasePort(port)
			return nil, err
		}
	}
	return f, nil
}

func (p *Pool) reserveBindablePort(ctx context.Context) (int, error) {
	for {
		p.mu.Lock()
		if len(p.availablePorts) == 0 {
			p.mu.Unlock()
			return 0, ErrNoAvailablePorts
		}
		var candidate int
		for port := range p.availablePorts {
			candidate = port
			break
		}
		p.mu.Unlock()

		if isBindable(candidate) {
			return candidate, nil
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// StoreForwarder registers f under its container UUID and removes its port
// from the available set.
func (p *Pool) StoreForwarder(f *Forwarder) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.forwarders[f.ContainerUUID]; exists {
		return ErrDuplicateForwarder
	}
	p.forwarders[f.ContainerUUID] = f
	delete(p.availablePorts, f.ServerOriginPort)
	return nil
}

func (p *Pool) releasePort(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.availablePorts[port] = struct{}{}
}

// GetStoredForwarder returns the forwarder registered for a container UUID.
func (p *Pool) GetStoredForwarder(containerUUID string) (*Forwarder, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.forwarders[containerUUID]
	return f, ok
}

// ListStoredForwarders returns every registered container UUID.
func (p *Pool) ListStoredForwarders() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	uuids := make([]string, 0, len(p.forwarders))
	for uuid := range p.forwarders {
		uuids = append(uuids, uuid)
	}
	return uuids
}

// DeleteStoredForwarder removes the forwarder for containerUUID, optionally
// stopping it first, and returns its port to the available set.
func (p *Pool) DeleteStoredForwarder(containerUUID string, stopForward bool) error {
	p.mu.Lock()
	f, ok := p.forwarders[containerUUID]
	if ok {
		delete(p.forwarders, containerUUID)
	}
	p.mu.Unlock()

	if !ok {
		return nil
	}

	if stopForward && f.IsForwarding() {
		if err := f.Stop(); err != nil {
			return err
		}
	}

	p.releasePort(f.ServerOriginPort)
	return nil
}

// Close stops every active forwarder. Call during shutdown.
func (p *Pool) Close() {
	p.mu.Lock()
	forwarders := make([]*Forwarder, 0, len(p.forwarders))
	for _, f := range p.forwarders {
		forwarders = append(forwarders, f)
	}
	p.mu.Unlock()

	for _, f := range forwarders {
		if f.IsForwarding() {
			f.Stop()
		}
	}
}
