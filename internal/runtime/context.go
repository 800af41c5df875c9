package runtime

import (
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

// Behavior handles the messages of an actor. msg is only valid until
// Receive returns; anything worth keeping goes into the actor state.
type Behavior interface {
	Receive(ctx *Context, msg term.Value) error
}

// BehaviorFunc adapts a function to Behavior.
type BehaviorFunc func(ctx *Context, msg term.Value) error

// Receive implements Behavior.
func (f BehaviorFunc) Receive(ctx *Context, msg term.Value) error { return f(ctx, msg) }

// Context is handed to a behavior while its actor runs. The actor's main
// lock is held throughout.
type Context struct {
	sys    *System
	self   *Actor
	exit   bool
	reason term.Value
}

// Self returns the running actor.
func (c *Context) Self() *Actor { return c.self }

// System returns the actor's system.
func (c *Context) System() *System { return c.sys }

// Build writes a term of n cells in the actor's memory.
func (c *Context) Build(n int, fn func(cur *term.Cursor, oh term.Anchorer) term.Term) term.Value {
	return c.self.Build(n, fn)
}

// Send sends msg to to. A send to self queues msg without copying it.
func (c *Context) Send(to *Actor, msg term.Value) {
	held := proclock.None
	if to == c.self {
		held = proclock.Main
	}
	c.sys.Send(c.self, to, held, msg, 0)
}

// SendPid sends msg to the local actor pid names.
func (c *Context) SendPid(pid term.Term, msg term.Value) error {
	to, err := c.sys.Resolve(pid)
	if err != nil {
		return err
	}
	c.Send(to, msg)
	return nil
}

// State returns the kept term.
func (c *Context) State() term.Value { return c.self.State() }

// SetState keeps v for the next message. v must live in the actor's memory.
func (c *Context) SetState(v term.Value) { c.self.SetState(v.T) }

// Link links the running actor with other.
func (c *Context) Link(other *Actor) { c.sys.Link(c.self, other) }

// Exit terminates the actor with reason once the current message is
// handled.
func (c *Context) Exit(reason term.Value) {
	c.exit = true
	c.reason = reason
}
