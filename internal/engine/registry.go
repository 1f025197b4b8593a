package engine

import (
	"net"
	"sync"
	"time"

	"github.com/anweddol/sessiond/internal/vmm"
)

// Container is the in-memory record for one live session container. All
// registries in this package key on UUID, never on IP: an IP can be
// reissued to a different container over the server's lifetime, a UUID
// cannot.
type Container struct {
	UUID      string
	Handle    vmm.Handle
	IP        net.IP
	CreatedAt time.Time
}

// containerRegistry is a mutex-guarded map of live containers, exposing
// only a narrow add/remove/get/list API; no caller ever sees the raw map.
type containerRegistry struct {
	mu         sync.Mutex
	containers map[string]*Container
}

func newContainerRegistry() *containerRegistry {
	return &containerRegistry{containers: make(map[string]*Container)}
}

func (r *containerRegistry) add(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers[c.UUID] = c
}

func (r *containerRegistry) remove(uuid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, uuid)
}

func (r *containerRegistry) get(uuid string) (*Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[uuid]
	return c, ok
}

func (r *containerRegistry) list() []*Container {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Container, 0, len(r.containers))
	for _, c := range r.containers {
		out = append(out, c)
	}
	return out
}

func (r *containerRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.containers)
}
