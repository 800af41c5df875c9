//go:build unix

package heapfrag

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/orizon-lang/msgcore/internal/term"
)

const cellBytes = int(unsafe.Sizeof(term.Term(0)))

// storage remembers how a fragment's cells were obtained.
type storage struct {
	mapped []byte
}

func newStorage(n, threshold int) ([]term.Term, storage, error) {
	if threshold <= 0 || n < threshold || n == 0 {
		return make([]term.Term, n), storage{}, nil
	}
	mem, err := unix.Mmap(-1, 0, n*cellBytes, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, storage{}, err
	}
	cells := unsafe.Slice((*term.Term)(unsafe.Pointer(&mem[0])), n)
	return cells, storage{mapped: mem}, nil
}

func (s storage) release() error {
	if s.mapped == nil {
		return nil
	}
	return unix.Munmap(s.mapped)
}
