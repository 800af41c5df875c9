package runtime

import (
	"crypto/rand"
	"encoding/binary"

	"github.com/orizon-lang/msgcore/internal/term"
)

// NewTraceLabel returns a random label for a new sequential trace. It always
// fits an immediate integer and is never zero.
func NewTraceLabel() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	v := int64(binary.BigEndian.Uint64(b[:]) & term.MaxSmall)
	if v == 0 {
		v = 1
	}
	return v
}

// StartTrace puts a fresh trace token with flags on the running actor and
// returns its label. Every send from now on carries the token.
func (c *Context) StartTrace(flags int64) int64 {
	label := NewTraceLabel()
	c.self.trace.Set(label, flags)
	return label
}

// StopTrace drops the running actor's trace token.
func (c *Context) StopTrace() { c.self.trace.Clear() }

// TraceLabel returns the label of the active trace, or zero.
func (c *Context) TraceLabel() int64 {
	if !c.self.trace.Active {
		return 0
	}
	return c.self.trace.Token.Label
}

// WithTrace traces under label with flags and returns a function that
// restores the previous trace state.
func (c *Context) WithTrace(label, flags int64) (restore func()) {
	prev := c.self.trace
	c.self.trace.Set(label, flags)
	return func() { c.self.trace.Restore(prev) }
}
