package term

import "sync"

// atomTable interns atom names. Indexes are never reused.
type atomTable struct {
	mu    sync.RWMutex
	index map[string]uint64
	names []string
}

var atoms = &atomTable{index: make(map[string]uint64)}

// Common atoms
var (
	AtomOK        = Atom("ok")
	AtomError     = Atom("error")
	AtomTrue      = Atom("true")
	AtomFalse     = Atom("false")
	AtomUndefined = Atom("undefined")
	AtomEXIT      = Atom("EXIT")
	AtomNormal    = Atom("normal")
	AtomKill      = Atom("kill")
)

// Atom returns the atom named name, interning it on first use.
func Atom(name string) Term {
	atoms.mu.RLock()
	idx, ok := atoms.index[name]
	atoms.mu.RUnlock()
	if !ok {
		atoms.mu.Lock()
		if idx, ok = atoms.index[name]; !ok {
			idx = uint64(len(atoms.names))
			atoms.names = append(atoms.names, name)
			atoms.index[name] = idx
		}
		atoms.mu.Unlock()
	}
	return Term(idx<<immBits) | immAtom<<tagBits | TagImmed
}

func (t Term) IsAtom() bool { return t.IsImmediate() && t.immTag() == immAtom }

// AtomName returns the text of an atom.
func AtomName(t Term) string {
	idx := uint64(t) >> immBits
	atoms.mu.RLock()
	defer atoms.mu.RUnlock()
	if idx >= uint64(len(atoms.names)) {
		return ""
	}
	return atoms.names[idx]
}
