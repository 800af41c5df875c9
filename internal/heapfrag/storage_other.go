//go:build !unix

package heapfrag

import "github.com/orizon-lang/msgcore/internal/term"

type storage struct {
	mapped []byte
}

func newStorage(n, _ int) ([]term.Term, storage, error) {
	return make([]term.Term, n), storage{}, nil
}

func (s storage) release() error { return nil }
