//go:build debug

package runtime

import (
	"fmt"

	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

// In debug builds, check ownership invariants of mailboxes and heaps.

func debugAssertMainHeld(held proclock.Set) {
	if !held.Has(proclock.Main) {
		panic("debug: self-send without the main lock")
	}
}

func debugAssertIncomingDetached(a *Actor, lo, hi term.Addr) {
	a.locks.Lock(proclock.Queue)
	defer a.locks.Unlock(proclock.Queue)
	a.inq.each(func(m *Message) {
		for _, t := range m.roots() {
			if t.IsPointer() && t.Ptr() >= lo && t.Ptr() < hi {
				panic(fmt.Sprintf("debug: incoming message of <%d> points into relocated range", a.id))
			}
		}
	})
}

func debugVerifyActor(a *Actor) {
	a.privq.each(func(m *Message) {
		if m.storage != StorageNone {
			panic(fmt.Sprintf("debug: <%d> kept %d storage after migration", a.id, m.storage))
		}
		for _, t := range m.roots() {
			if a.sys.literals.holds(t) {
				continue
			}
			if err := term.Verify(&a.heap.Region, t); err != nil {
				panic(fmt.Sprintf("debug: <%d> message escapes heap: %v", a.id, err))
			}
		}
	})
}
