//go:build debug

package offheap

import "fmt"

// In debug builds, catch entries anchored twice and self splices.

func debugAssertDetached(e *Entry) {
	if e.next != nil {
		panic(fmt.Sprintf("debug: off-heap entry at %#x is already anchored", uint64(e.Addr)))
	}
}

func debugAssertDistinct(dst, src *Registry) {
	if dst == src {
		panic("debug: registry spliced onto itself")
	}
}
