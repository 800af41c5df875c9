//go:build !debug

package heapfrag

import "github.com/orizon-lang/msgcore/internal/term"

func debugAssertPrefix(f *Fragment, size int, roots []term.Term) {}
