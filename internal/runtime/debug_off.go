//go:build !debug

package runtime

import (
	"github.com/orizon-lang/msgcore/internal/proclock"
	"github.com/orizon-lang/msgcore/internal/term"
)

// This file provides no-op debug hooks for non-debug builds.

func debugAssertMainHeld(proclock.Set) {}

func debugAssertIncomingDetached(*Actor, term.Addr, term.Addr) {}

func debugVerifyActor(*Actor) {}
