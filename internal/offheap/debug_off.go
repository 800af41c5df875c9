//go:build !debug

package offheap

// No-op invariant hooks for release builds.

func debugAssertDetached(e *Entry) {}

func debugAssertDistinct(dst, src *Registry) {}
