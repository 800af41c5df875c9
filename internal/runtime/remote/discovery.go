package remote

import (
	"sync"

	"github.com/pkg/errors"
)

// Discovery maps node names to transport addresses.
type Discovery interface {
	Register(node, address string) error
	Unregister(node string)
	Resolve(node string) (string, bool)
	Members() map[string]string
}

// StaticDiscovery is an in-memory Discovery seeded from configuration.
// Nodes sharing one instance find each other as they start.
type StaticDiscovery struct {
	mutex sync.RWMutex
	nodes map[string]string
}

// NewStaticDiscovery returns a discovery knowing peers.
func NewStaticDiscovery(peers map[string]string) *StaticDiscovery {
	d := &StaticDiscovery{nodes: make(map[string]string, len(peers))}
	for name, addr := range peers {
		d.nodes[name] = addr
	}
	return d
}

// Register implements Discovery.
func (d *StaticDiscovery) Register(node, address string) error {
	if node == "" || address == "" {
		return errors.Errorf("remote: cannot register node %q at %q", node, address)
	}
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.nodes[node] = address
	return nil
}

// Unregister implements Discovery.
func (d *StaticDiscovery) Unregister(node string) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	delete(d.nodes, node)
}

// Resolve implements Discovery.
func (d *StaticDiscovery) Resolve(node string) (string, bool) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	addr, ok := d.nodes[node]
	return addr, ok
}

// Members implements Discovery.
func (d *StaticDiscovery) Members() map[string]string {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	out := make(map[string]string, len(d.nodes))
	for k, v := range d.nodes {
		out[k] = v
	}
	return out
}
