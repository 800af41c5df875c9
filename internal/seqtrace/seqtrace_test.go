package seqtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orizon-lang/msgcore/internal/term"
)

func TestTokenBuildParse(t *testing.T) {
	r := term.DefaultSpace.Place(make([]term.Term, TokenSize))
	c := term.NewCursor(&r, 0, TokenSize)
	tk := Token{Flags: FlagSend, Label: 7, Serial: 3, From: term.LocalPid(1), LastCnt: 2}
	v := tk.Build(c)
	assert.Equal(t, 0, c.Free())
	got, ok := Parse(&r, v)
	require.True(t, ok)
	assert.Equal(t, tk, got)
	_, ok = Parse(&r, term.Nil)
	assert.False(t, ok)
}

func TestStateClock(t *testing.T) {
	var s State
	s.Set(5, FlagSend)
	self := term.LocalPid(9)
	tk := s.UpdateSend(self)
	assert.Equal(t, int64(1), tk.Serial)
	assert.Equal(t, int64(0), tk.LastCnt)
	assert.Equal(t, self, tk.From)
	tk = s.UpdateSend(self)
	assert.Equal(t, int64(2), tk.Serial)
	assert.Equal(t, int64(1), tk.LastCnt)

	var peer State
	peer.UpdateReceive(tk)
	assert.True(t, peer.Active)
	next := peer.UpdateSend(term.LocalPid(10))
	assert.Equal(t, int64(3), next.Serial)
	assert.Equal(t, int64(2), next.LastCnt)
	assert.Equal(t, int64(5), next.Label)

	peer.Clear()
	assert.False(t, peer.Active)
}

func TestRecorder(t *testing.T) {
	var rec Recorder
	rec.ReportSend(Token{Label: 1}, nil, term.AtomOK, term.LocalPid(2))
	rec.ReportReceive(term.LocalPid(2), nil, term.AtomOK)
	ev := rec.Events()
	require.Len(t, ev, 2)
	assert.True(t, ev[0].Send)
	assert.Equal(t, "ok", ev[0].Message)
	assert.False(t, ev[1].Send)
}
