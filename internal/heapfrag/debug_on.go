//go:build debug

package heapfrag

import (
	"fmt"

	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/term"
)

// In debug builds, reject shrinks that would cut live data.

func debugAssertPrefix(f *Fragment, size int, roots []term.Term) {
	if size >= f.Size() {
		return
	}
	end := f.Base + term.Addr(size)
	for _, r := range roots {
		if r.IsPointer() && f.Contains(r.Ptr()) && r.Ptr() >= end {
			panic(fmt.Sprintf("debug: root %#x lies past the kept prefix of %d cells", uint64(r.Ptr()), size))
		}
	}
	f.OffHeap.Each(func(e *offheap.Entry) bool {
		if e.Addr >= end {
			panic(fmt.Sprintf("debug: off-heap anchor %#x lies past the kept prefix of %d cells", uint64(e.Addr), size))
		}
		return true
	})
}
