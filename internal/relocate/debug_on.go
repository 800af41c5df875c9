//go:build debug

package relocate

import (
	"fmt"

	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/term"
)

// In debug builds, a moved region must be self contained and every off-heap
// object in it must be anchored exactly once.

func debugAssertWithin(v term.Term, lo, hi term.Addr) {
	if !within(v.Ptr(), lo, hi) {
		panic(fmt.Sprintf("debug: pointer %#x escapes moved region [%#x, %#x)", uint64(v.Ptr()), uint64(lo), uint64(hi)))
	}
}

func debugMissingAnchor(at term.Addr) {
	panic(fmt.Sprintf("debug: off-heap object at %#x has no anchor", uint64(at)))
}

func debugStaleAnchor(e *offheap.Entry) {
	panic(fmt.Sprintf("debug: anchor at %#x has no object in the moved region", uint64(e.Addr)))
}
