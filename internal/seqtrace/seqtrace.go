// Package seqtrace carries sequential-trace tokens through message sends and
// reports traced events to a Tracer.
package seqtrace

import (
	"sync"

	"github.com/tochemey/goakt/v3/log"

	"github.com/orizon-lang/msgcore/internal/term"
)

// Token flags
const (
	FlagSend      int64 = 1 << iota // report sends
	FlagReceive                     // report receives
	FlagPrint                       // report explicit prints
	FlagTimestamp                   // attach timestamps
)

// TokenSize is the number of cells a token tuple occupies.
var TokenSize = term.TupleSize(5)

// Token is the causality token threaded through sends. Its term form is
// {Flags, Label, Serial, From, LastCnt}.
type Token struct {
	Flags   int64
	Label   int64
	Serial  int64
	From    term.Term
	LastCnt int64
}

// Build writes the token tuple into c.
func (tk Token) Build(c *term.Cursor) term.Term {
	return c.Tuple(term.Small(tk.Flags), term.Small(tk.Label), term.Small(tk.Serial), tk.From, term.Small(tk.LastCnt))
}

// Parse reads a token tuple. It returns false for Nil and malformed tokens.
func Parse(mem term.Memory, t term.Term) (Token, bool) {
	el, ok := term.TupleElements(mem, t)
	if !ok || len(el) != 5 || !el[0].IsSmall() || !el[1].IsSmall() || !el[2].IsSmall() || !el[4].IsSmall() {
		return Token{}, false
	}
	return Token{
		Flags:   el[0].SmallValue(),
		Label:   el[1].SmallValue(),
		Serial:  el[2].SmallValue(),
		From:    el[3],
		LastCnt: el[4].SmallValue(),
	}, true
}

// State is the per-actor trace state. The zero value is inactive.
type State struct {
	Token  Token
	Active bool
	clock  int64
}

// Set activates tracing with the given label and flags.
func (s *State) Set(label, flags int64) {
	s.Token = Token{Flags: flags, Label: label, From: term.Nil}
	s.Active = true
}

// Clear deactivates tracing.
func (s *State) Clear() { *s = State{clock: s.clock} }

// UpdateSend advances the clock for a send from self and returns the token
// to put on the message.
func (s *State) UpdateSend(self term.Term) Token {
	s.Token.LastCnt = s.Token.Serial
	s.clock++
	s.Token.Serial = s.clock
	s.Token.From = self
	return s.Token
}

// Restore goes back to an earlier state without moving the clock back.
func (s *State) Restore(prev State) {
	clock := s.clock
	*s = prev
	s.clock = max(s.clock, clock)
}

// UpdateReceive merges the token carried by a received message.
func (s *State) UpdateReceive(tk Token) {
	if tk.Serial > s.clock {
		s.clock = tk.Serial
	}
	s.Token = tk
	s.Active = true
}

// Tracer receives trace events. Implementations must not retain mem past the
// call.
type Tracer interface {
	ReportSend(tk Token, mem term.Memory, msg term.Term, to term.Term)
	ReportReceive(to term.Term, mem term.Memory, msg term.Term)
}

// Nop discards every event.
type Nop struct{}

func (Nop) ReportSend(Token, term.Memory, term.Term, term.Term) {}
func (Nop) ReportReceive(term.Term, term.Memory, term.Term)     {}

// LogTracer writes events to a logger.
type LogTracer struct {
	Logger log.Logger
}

func (l LogTracer) ReportSend(tk Token, mem term.Memory, msg term.Term, to term.Term) {
	l.Logger.Infof("seq_trace label=%d serial=(%d,%d) %s ! %s", tk.Label, tk.LastCnt, tk.Serial, term.Format(nil, to), term.Format(mem, msg))
}

func (l LogTracer) ReportReceive(to term.Term, mem term.Memory, msg term.Term) {
	l.Logger.Infof("trace %s << %s", term.Format(nil, to), term.Format(mem, msg))
}

// Event is one recorded trace event.
type Event struct {
	Send    bool
	Token   Token
	To      term.Term
	Message string
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) ReportSend(tk Token, mem term.Memory, msg term.Term, to term.Term) {
	r.mu.Lock()
	r.events = append(r.events, Event{Send: true, Token: tk, To: to, Message: term.Format(mem, msg)})
	r.mu.Unlock()
}

func (r *Recorder) ReportReceive(to term.Term, mem term.Memory, msg term.Term) {
	r.mu.Lock()
	r.events = append(r.events, Event{To: to, Message: term.Format(mem, msg)})
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
