//go:build !debug

package relocate

import (
	"github.com/orizon-lang/msgcore/internal/offheap"
	"github.com/orizon-lang/msgcore/internal/term"
)

func debugAssertWithin(v term.Term, lo, hi term.Addr) {}

func debugMissingAnchor(at term.Addr) {}

func debugStaleAnchor(e *offheap.Entry) {}
