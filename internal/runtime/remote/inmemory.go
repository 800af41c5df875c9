package remote

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnreachable is returned when no node listens at an address.
var ErrUnreachable = errors.New("remote: destination unreachable")

var (
	registryMutex sync.RWMutex
	registry      = map[string]*InMemoryTransport{}
)

// InMemoryTransport links nodes within one process. Envelopes are handed to
// the destination handler synchronously.
type InMemoryTransport struct {
	mutex   sync.RWMutex
	addr    string
	handler Handler
}

// NewInMemoryTransport returns an unbound transport.
func NewInMemoryTransport() *InMemoryTransport { return &InMemoryTransport{} }

// Start implements Transport.
func (t *InMemoryTransport) Start(address string, handler Handler) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.addr != "" {
		return errors.New("remote: transport already started")
	}
	registryMutex.Lock()
	defer registryMutex.Unlock()
	if _, taken := registry[address]; taken {
		return errors.Errorf("remote: address already in use: %s", address)
	}
	t.addr = address
	t.handler = handler
	registry[address] = t
	return nil
}

// Stop implements Transport.
func (t *InMemoryTransport) Stop() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.addr == "" {
		return nil
	}
	registryMutex.Lock()
	delete(registry, t.addr)
	registryMutex.Unlock()
	t.addr = ""
	t.handler = nil
	return nil
}

// Address implements Transport.
func (t *InMemoryTransport) Address() string {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.addr
}

// Send implements Transport. Byte slices are copied so the receiver never
// shares memory with the sender.
func (t *InMemoryTransport) Send(ctx context.Context, to string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	registryMutex.RLock()
	dst := registry[to]
	registryMutex.RUnlock()
	if dst == nil {
		return errors.Wrap(ErrUnreachable, to)
	}
	dst.mutex.RLock()
	handler := dst.handler
	dst.mutex.RUnlock()
	if handler == nil {
		return errors.Wrap(ErrUnreachable, to)
	}
	env.Payload = append([]byte(nil), env.Payload...)
	if env.Token != nil {
		env.Token = append([]byte(nil), env.Token...)
	}
	return handler(env)
}
